// Package registry holds the static catalog of launchable tool servers.
// It is pure data: lookup by slug and a stable slug listing, nothing else.
package registry

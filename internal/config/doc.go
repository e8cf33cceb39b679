// Package config loads and validates the thebridge YAML configuration,
// including ${VAR} environment expansion and duration string parsing for
// the tool-server lifecycle timings.
package config

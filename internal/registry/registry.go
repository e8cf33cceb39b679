// ABOUTME: Static catalog of launchable tool server definitions keyed by slug.
// ABOUTME: Loads a TOML catalog file and resolves declared env vars at lookup time.

package registry

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/BurntSushi/toml"
)

// ErrServerNotFound indicates the requested slug is not in the catalog.
var ErrServerNotFound = errors.New("server not found")

// ServerDefinition describes one launchable tool server. Immutable after load.
type ServerDefinition struct {
	Slug    string   `toml:"slug"`
	Name    string   `toml:"name"`
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
	// Env lists the environment variable names the server expects. Values
	// are resolved from the ambient environment at launch; an unset variable
	// is passed as an empty string. The bridge does not pre-validate
	// server credentials.
	Env []string `toml:"env"`
}

// EnvValues resolves the declared variable names against the ambient
// environment. Unset variables map to empty strings.
func (d *ServerDefinition) EnvValues() map[string]string {
	values := make(map[string]string, len(d.Env))
	for _, name := range d.Env {
		values[name] = os.Getenv(name)
	}
	return values
}

// LaunchEnv assembles the full subprocess environment: declared variables
// merged over the ambient process environment.
func (d *ServerDefinition) LaunchEnv() []string {
	env := os.Environ()
	for name, value := range d.EnvValues() {
		env = append(env, name+"="+value)
	}
	return env
}

// Registry is the static catalog of tool servers. Pure data; the only
// failure mode is lookup of an unknown slug.
type Registry struct {
	servers map[string]*ServerDefinition
	slugs   []string
}

// catalogFile is the TOML shape of a catalog file.
type catalogFile struct {
	Servers []ServerDefinition `toml:"servers"`
}

// New builds a registry from the given definitions.
// Returns an error on duplicate or empty slugs and missing commands.
func New(defs []ServerDefinition) (*Registry, error) {
	r := &Registry{servers: make(map[string]*ServerDefinition, len(defs))}
	for i := range defs {
		def := defs[i]
		if def.Slug == "" {
			return nil, fmt.Errorf("server %d: slug is required", i)
		}
		if def.Command == "" {
			return nil, fmt.Errorf("server %q: command is required", def.Slug)
		}
		if _, exists := r.servers[def.Slug]; exists {
			return nil, fmt.Errorf("duplicate server slug %q", def.Slug)
		}
		if def.Name == "" {
			def.Name = def.Slug
		}
		r.servers[def.Slug] = &def
		r.slugs = append(r.slugs, def.Slug)
	}
	sort.Strings(r.slugs)
	return r, nil
}

// Load reads a TOML catalog file. An empty path loads the built-in catalog.
func Load(path string) (*Registry, error) {
	if path == "" {
		return New(DefaultCatalog())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog file: %w", err)
	}

	var file catalogFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing catalog file: %w", err)
	}
	if len(file.Servers) == 0 {
		return nil, fmt.Errorf("catalog file %s defines no servers", path)
	}

	return New(file.Servers)
}

// Lookup returns the definition for a slug, or ErrServerNotFound.
func (r *Registry) Lookup(slug string) (*ServerDefinition, error) {
	def, ok := r.servers[slug]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, slug)
	}
	return def, nil
}

// Slugs returns every catalog slug in stable sorted order.
func (r *Registry) Slugs() []string {
	out := make([]string, len(r.slugs))
	copy(out, r.slugs)
	return out
}

// Len returns the number of servers in the catalog.
func (r *Registry) Len() int {
	return len(r.servers)
}

// DefaultCatalog returns the compiled-in server catalog used when no
// catalog file is configured.
func DefaultCatalog() []ServerDefinition {
	return []ServerDefinition{
		{
			Slug:    "github",
			Name:    "GitHub",
			Command: "npx",
			Args:    []string{"-y", "@modelcontextprotocol/server-github"},
			Env:     []string{"GITHUB_PERSONAL_ACCESS_TOKEN"},
		},
		{
			Slug:    "gitlab",
			Name:    "GitLab",
			Command: "npx",
			Args:    []string{"-y", "@modelcontextprotocol/server-gitlab"},
			Env:     []string{"GITLAB_PERSONAL_ACCESS_TOKEN", "GITLAB_API_URL"},
		},
		{
			Slug:    "slack",
			Name:    "Slack",
			Command: "npx",
			Args:    []string{"-y", "@modelcontextprotocol/server-slack"},
			Env:     []string{"SLACK_BOT_TOKEN", "SLACK_TEAM_ID"},
		},
		{
			Slug:    "sentry",
			Name:    "Sentry",
			Command: "npx",
			Args:    []string{"-y", "@sentry/mcp-server"},
			Env:     []string{"SENTRY_AUTH_TOKEN", "SENTRY_ORG"},
		},
		{
			Slug:    "grafana",
			Name:    "Grafana",
			Command: "mcp-grafana",
			Args:    []string{},
			Env:     []string{"GRAFANA_URL", "GRAFANA_API_KEY"},
		},
		{
			Slug:    "pagerduty",
			Name:    "PagerDuty",
			Command: "npx",
			Args:    []string{"-y", "@pagerduty/mcp-server"},
			Env:     []string{"PAGERDUTY_API_TOKEN"},
		},
	}
}

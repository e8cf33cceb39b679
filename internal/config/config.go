// ABOUTME: Configuration loading and parsing for thebridge
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete thebridge configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Servers   ServersConfig   `yaml:"servers"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the HTTP listen address.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`  // serve TLS using Tailscale certs
	Funnel    bool   `yaml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// CatalogConfig points at the tool server catalog.
type CatalogConfig struct {
	// Path to a TOML catalog file. Empty uses the built-in catalog.
	Path string `yaml:"path"`
}

// DatabaseConfig holds the audit ledger database path.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration. An empty secret disables
// bearer auth on the API surface.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// ServersConfig holds tool-server lifecycle timing configuration.
type ServersConfig struct {
	CallTimeout      time.Duration `yaml:"-"`
	HandshakeTimeout time.Duration `yaml:"-"`
	IdleTimeout      time.Duration `yaml:"-"`
	SweepInterval    time.Duration `yaml:"-"`
	ShutdownGrace    time.Duration `yaml:"-"`
	PingInterval     time.Duration `yaml:"-"`

	// MaxProcesses caps the number of concurrently live server processes.
	// Zero means unlimited.
	MaxProcesses int `yaml:"max_processes"`

	// Raw string values for YAML unmarshaling
	CallTimeoutRaw      string `yaml:"call_timeout"`
	HandshakeTimeoutRaw string `yaml:"handshake_timeout"`
	IdleTimeoutRaw      string `yaml:"idle_timeout"`
	SweepIntervalRaw    string `yaml:"sweep_interval"`
	ShutdownGraceRaw    string `yaml:"shutdown_grace"`
	PingIntervalRaw     string `yaml:"ping_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Lifecycle timing defaults, applied when the config omits a value.
const (
	DefaultCallTimeout      = 30 * time.Second
	DefaultHandshakeTimeout = 20 * time.Second
	DefaultIdleTimeout      = 5 * time.Minute
	DefaultSweepInterval    = time.Minute
	DefaultShutdownGrace    = 5 * time.Second
	DefaultPingInterval     = 30 * time.Second
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a config with all defaults applied and no file read.
func Default() *Config {
	cfg := &Config{
		Server:   ServerConfig{HTTPAddr: "localhost:8080"},
		Database: DatabaseConfig{Path: "thebridge.db"},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
	}
	cfg.applyDefaults()
	return cfg
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// HTTP address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Servers.MaxProcesses < 0 {
		return fmt.Errorf("servers.max_processes must not be negative")
	}

	return nil
}

// applyDefaults fills unset lifecycle timings with their defaults.
func (c *Config) applyDefaults() {
	if c.Servers.CallTimeout == 0 {
		c.Servers.CallTimeout = DefaultCallTimeout
	}
	if c.Servers.HandshakeTimeout == 0 {
		c.Servers.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Servers.IdleTimeout == 0 {
		c.Servers.IdleTimeout = DefaultIdleTimeout
	}
	if c.Servers.SweepInterval == 0 {
		c.Servers.SweepInterval = DefaultSweepInterval
	}
	if c.Servers.ShutdownGrace == 0 {
		c.Servers.ShutdownGrace = DefaultShutdownGrace
	}
	if c.Servers.PingInterval == 0 {
		c.Servers.PingInterval = DefaultPingInterval
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Servers.CallTimeoutRaw, "call_timeout", &cfg.Servers.CallTimeout},
		{cfg.Servers.HandshakeTimeoutRaw, "handshake_timeout", &cfg.Servers.HandshakeTimeout},
		{cfg.Servers.IdleTimeoutRaw, "idle_timeout", &cfg.Servers.IdleTimeout},
		{cfg.Servers.SweepIntervalRaw, "sweep_interval", &cfg.Servers.SweepInterval},
		{cfg.Servers.ShutdownGraceRaw, "shutdown_grace", &cfg.Servers.ShutdownGrace},
		{cfg.Servers.PingIntervalRaw, "ping_interval", &cfg.Servers.PingInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}

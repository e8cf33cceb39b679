// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, duration parsing, defaults

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "thebridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("loads full config", func(t *testing.T) {
		path := writeConfig(t, `
server:
  http_addr: "localhost:9090"
catalog:
  path: "/etc/thebridge/servers.toml"
database:
  path: "/var/lib/thebridge/bridge.db"
auth:
  jwt_secret: "secret"
servers:
  call_timeout: "10s"
  idle_timeout: "2m"
  sweep_interval: "15s"
  ping_interval: "5s"
  max_processes: 8
logging:
  level: "debug"
  format: "json"
`)

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, "localhost:9090", cfg.Server.HTTPAddr)
		assert.Equal(t, "/etc/thebridge/servers.toml", cfg.Catalog.Path)
		assert.Equal(t, "secret", cfg.Auth.JWTSecret)
		assert.Equal(t, 10*time.Second, cfg.Servers.CallTimeout)
		assert.Equal(t, 2*time.Minute, cfg.Servers.IdleTimeout)
		assert.Equal(t, 15*time.Second, cfg.Servers.SweepInterval)
		assert.Equal(t, 5*time.Second, cfg.Servers.PingInterval)
		assert.Equal(t, 8, cfg.Servers.MaxProcesses)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})

	t.Run("applies timing defaults", func(t *testing.T) {
		path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: "bridge.db"
`)

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, DefaultCallTimeout, cfg.Servers.CallTimeout)
		assert.Equal(t, DefaultHandshakeTimeout, cfg.Servers.HandshakeTimeout)
		assert.Equal(t, DefaultIdleTimeout, cfg.Servers.IdleTimeout)
		assert.Equal(t, DefaultSweepInterval, cfg.Servers.SweepInterval)
		assert.Equal(t, DefaultShutdownGrace, cfg.Servers.ShutdownGrace)
		assert.Equal(t, DefaultPingInterval, cfg.Servers.PingInterval)
		assert.Equal(t, 0, cfg.Servers.MaxProcesses)
	})

	t.Run("expands environment variables", func(t *testing.T) {
		t.Setenv("THEBRIDGE_TEST_SECRET", "from-env")
		path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: "bridge.db"
auth:
  jwt_secret: "${THEBRIDGE_TEST_SECRET}"
`)

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	})

	t.Run("unset env var expands to empty", func(t *testing.T) {
		path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: "bridge.db"
auth:
  jwt_secret: "${THEBRIDGE_TEST_DEFINITELY_UNSET}"
`)

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "", cfg.Auth.JWTSecret)
	})

	t.Run("rejects invalid duration", func(t *testing.T) {
		path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: "bridge.db"
servers:
  call_timeout: "not-a-duration"
`)

		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("rejects missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	t.Run("requires http_addr without tailscale", func(t *testing.T) {
		path := writeConfig(t, `
database:
  path: "bridge.db"
`)
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("tailscale requires hostname", func(t *testing.T) {
		path := writeConfig(t, `
tailscale:
  enabled: true
database:
  path: "bridge.db"
`)
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("tailscale replaces http_addr requirement", func(t *testing.T) {
		path := writeConfig(t, `
tailscale:
  enabled: true
  hostname: "thebridge"
database:
  path: "bridge.db"
`)
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.True(t, cfg.Tailscale.Enabled)
	})

	t.Run("rejects negative max_processes", func(t *testing.T) {
		path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: "bridge.db"
servers:
  max_processes: -1
`)
		_, err := Load(path)
		assert.Error(t, err)
	})
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultCallTimeout, cfg.Servers.CallTimeout)
	assert.Equal(t, "localhost:8080", cfg.Server.HTTPAddr)
}

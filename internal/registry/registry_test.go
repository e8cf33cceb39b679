// ABOUTME: Tests for the server catalog: lookup, slug ordering, TOML loading.
// ABOUTME: Covers duplicate detection and env var resolution behavior.

package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("indexes servers by slug", func(t *testing.T) {
		r, err := New([]ServerDefinition{
			{Slug: "beta", Name: "Beta", Command: "beta-server"},
			{Slug: "alpha", Command: "alpha-server"},
		})
		require.NoError(t, err)

		def, err := r.Lookup("beta")
		require.NoError(t, err)
		assert.Equal(t, "Beta", def.Name)

		// Name defaults to the slug when omitted
		def, err = r.Lookup("alpha")
		require.NoError(t, err)
		assert.Equal(t, "alpha", def.Name)
	})

	t.Run("slugs are sorted and stable", func(t *testing.T) {
		r, err := New([]ServerDefinition{
			{Slug: "zeta", Command: "z"},
			{Slug: "alpha", Command: "a"},
			{Slug: "mid", Command: "m"},
		})
		require.NoError(t, err)

		assert.Equal(t, []string{"alpha", "mid", "zeta"}, r.Slugs())
		assert.Equal(t, r.Slugs(), r.Slugs())
	})

	t.Run("rejects duplicate slug", func(t *testing.T) {
		_, err := New([]ServerDefinition{
			{Slug: "dup", Command: "a"},
			{Slug: "dup", Command: "b"},
		})
		assert.Error(t, err)
	})

	t.Run("rejects missing command", func(t *testing.T) {
		_, err := New([]ServerDefinition{{Slug: "nocmd"}})
		assert.Error(t, err)
	})
}

func TestLookupNotFound(t *testing.T) {
	r, err := New(DefaultCatalog())
	require.NoError(t, err)

	_, err = r.Lookup("nonexistent")
	assert.True(t, errors.Is(err, ErrServerNotFound))
}

func TestLoad(t *testing.T) {
	t.Run("empty path loads builtin catalog", func(t *testing.T) {
		r, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, len(DefaultCatalog()), r.Len())

		_, err = r.Lookup("github")
		assert.NoError(t, err)
	})

	t.Run("loads catalog from TOML file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "servers.toml")
		content := `
[[servers]]
slug = "echo"
name = "Echo"
command = "echo-server"
args = ["--stdio"]
env = ["ECHO_TOKEN"]

[[servers]]
slug = "other"
command = "other-server"
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))

		r, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 2, r.Len())

		def, err := r.Lookup("echo")
		require.NoError(t, err)
		assert.Equal(t, "echo-server", def.Command)
		assert.Equal(t, []string{"--stdio"}, def.Args)
		assert.Equal(t, []string{"ECHO_TOKEN"}, def.Env)
	})

	t.Run("rejects empty catalog file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "empty.toml")
		require.NoError(t, os.WriteFile(path, []byte("# nothing"), 0644))

		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("missing file is an error", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
		assert.Error(t, err)
	})
}

func TestEnvResolution(t *testing.T) {
	t.Run("unset variables resolve to empty strings", func(t *testing.T) {
		def := &ServerDefinition{
			Slug:    "envy",
			Command: "envy-server",
			Env:     []string{"THEBRIDGE_TEST_UNSET_VAR"},
		}

		values := def.EnvValues()
		v, ok := values["THEBRIDGE_TEST_UNSET_VAR"]
		require.True(t, ok)
		assert.Equal(t, "", v)
	})

	t.Run("set variables are resolved and merged", func(t *testing.T) {
		t.Setenv("THEBRIDGE_TEST_SET_VAR", "hunter2")

		def := &ServerDefinition{
			Slug:    "envy",
			Command: "envy-server",
			Env:     []string{"THEBRIDGE_TEST_SET_VAR"},
		}

		assert.Equal(t, "hunter2", def.EnvValues()["THEBRIDGE_TEST_SET_VAR"])
		assert.Contains(t, def.LaunchEnv(), "THEBRIDGE_TEST_SET_VAR=hunter2")
	})
}

package config

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(afero.NewMemMapFs(), "/home/u/.config/loopy/config.json", ".loopy/config.json")
	require.NoError(t, err)

	assert.Equal(t, "gemini-2.5-flash", cfg.Model.Name)
	assert.Equal(t, []string{"list_dir"}, cfg.Tools.Enabled)
	assert.Equal(t, 5, cfg.MaxSteps)
	assert.Empty(t, cfg.Provider)
	assert.Equal(t, "openrouter", cfg.ResolvedProvider())
}

func TestLoadJSONDocument(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/p/config.json", []byte(`{
  "provider": "google",
  "model": {"name": "gemini-2.5-pro"},
  "tools": {"enabled": ["list_dir", "read_file", "grep"]},
  "maxSteps": 8,
  "defaultMode": "code",
  "allowedCommands": ["^go "],
  "shellTimeout": 10,
  "mcpServers": [{"name": "gopls", "command": "gopls", "args": ["mcp"]}]
}`), 0o644))

	cfg, err := Load(fs, "/p/config.json")
	require.NoError(t, err)
	assert.Equal(t, "google", cfg.ResolvedProvider())
	assert.Equal(t, "gemini-2.5-pro", cfg.Model.Name)
	assert.Equal(t, []string{"list_dir", "read_file", "grep"}, cfg.Tools.Enabled)
	assert.Equal(t, 8, cfg.ResolvedMaxSteps())
	assert.Equal(t, "code", cfg.DefaultMode)
	assert.Equal(t, 10*time.Second, cfg.ShellTimeoutDuration())
	require.Len(t, cfg.MCPServers, 1)
	assert.Equal(t, []string{"mcp"}, cfg.MCPServers[0].Args)
}

func TestLoadProjectOverridesUser(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/user.json", []byte(`{"provider": "google", "maxSteps": 3}`), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/project.json", []byte(`{"maxSteps": 9}`), 0o644))

	cfg, err := Load(fs, "/user.json", "/project.json")
	require.NoError(t, err)
	assert.Equal(t, "google", cfg.Provider)
	assert.Equal(t, 9, cfg.MaxSteps)
	assert.Equal(t, "gemini-2.5-flash", cfg.Model.Name)
}

func TestLoadRejectsEmptyModelName(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/c.json", []byte(`{"model": {"name": ""}}`), 0o644))

	_, err := Load(fs, "/c.json")
	assert.Error(t, err)
}

func TestLoadRejectsMalformedDocument(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/c.json", []byte(`{"model": [`), 0o644))

	_, err := Load(fs, "/c.json")
	assert.Error(t, err)
}

func TestResolvedDefaults(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, DefaultMaxSteps, cfg.ResolvedMaxSteps())
	assert.Equal(t, DefaultShellTimeout, cfg.ShellTimeoutDuration())
}

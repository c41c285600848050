package app

import (
	"context"
	"testing"

	"github.com/m4xw311/loopy/llm"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T, configJSON string, opts Options) *App {
	t.Helper()
	fs := afero.NewMemMapFs()
	if configJSON != "" {
		require.NoError(t, afero.WriteFile(fs, "/cfg/config.json", []byte(configJSON), 0o644))
	}
	opts.ConfigFS = fs
	opts.ConfigPaths = []string{"/cfg/config.json"}
	opts.ModesFS = afero.NewMemMapFs()
	opts.ToolFS = afero.NewMemMapFs()
	opts.StateDir = t.TempDir()
	a, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestDefaults(t *testing.T) {
	a := newTestApp(t, "", Options{})

	cfg := a.AgentConfig()
	assert.Equal(t, "openrouter", cfg.Provider)
	assert.Equal(t, "gemini-2.5-flash", cfg.Model)
	assert.Equal(t, 5, cfg.MaxSteps)
	assert.Equal(t, "default", a.Mode.Name)
	assert.Equal(t, []string{"list_dir"}, a.Registry.Names())
}

func TestConfigSelectsToolsAndMode(t *testing.T) {
	a := newTestApp(t, `{
		"provider": "google",
		"model": {"name": "gemini-2.5-pro"},
		"tools": {"enabled": ["shell", "read_file", "list_dir", "grep"]},
		"defaultMode": "ask"
	}`, Options{})

	assert.Equal(t, []string{"list_dir", "read_file", "grep", "shell"}, a.Registry.Names())
	assert.Equal(t, "ask", a.Mode.Name)

	ag := a.NewAgent()
	assert.Equal(t, []string{"list_dir", "read_file", "grep"}, ag.EnabledTools())
	assert.Equal(t, a.Mode.Content, ag.Instructions())
	assert.Equal(t, "google", ag.Config().Provider)
}

func TestOverridesWin(t *testing.T) {
	a := newTestApp(t, `{"provider": "google", "maxSteps": 9}`, Options{
		Provider: "anthropic",
		Model:    "claude-x",
		MaxSteps: 2,
		Mode:     "code",
	})

	cfg := a.AgentConfig()
	assert.Equal(t, "anthropic", cfg.Provider)
	assert.Equal(t, "claude-x", cfg.Model)
	assert.Equal(t, 2, cfg.MaxSteps)
	assert.Equal(t, "code", a.Mode.Name)
}

func TestNewAgentUsesBackendOverride(t *testing.T) {
	mock := llm.NewMock(llm.MockStep{Result: llm.StepResult{Text: "ok"}})
	var gotProvider string
	a := newTestApp(t, "", Options{NewBackend: func(ctx context.Context, provider, model string) (llm.Backend, error) {
		gotProvider = provider
		return mock, nil
	}})

	resp, err := a.NewAgent().SendSync(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, "openrouter", gotProvider)
	assert.Equal(t, a.Mode.Content, mock.Requests()[0].System)
}

func TestConfigErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/bad.json", []byte(`{"model": {"name": ""}}`), 0o644))
	_, err := New(Options{ConfigFS: fs, ConfigPaths: []string{"/bad.json"}, StateDir: t.TempDir()})
	assert.Error(t, err)

	_, err = New(Options{ConfigFS: afero.NewMemMapFs(), ConfigPaths: []string{}, MaxSteps: -1, StateDir: t.TempDir()})
	assert.ErrorContains(t, err, "max steps must be at least 1")
}

// Package app wires configuration, logging, modes and tools into agents.
// Both binaries build their agents through it.
package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/m4xw311/loopy/agent"
	"github.com/m4xw311/loopy/config"
	"github.com/m4xw311/loopy/errors"
	"github.com/m4xw311/loopy/logging"
	"github.com/m4xw311/loopy/modes"
	"github.com/m4xw311/loopy/session"
	"github.com/m4xw311/loopy/tools"
	"github.com/m4xw311/loopy/tools/mcp"
	"github.com/m4xw311/loopy/version"
	"github.com/spf13/afero"
)

// Options carries command-line overrides. Zero values defer to the
// configuration file.
type Options struct {
	Provider string
	Model    string
	MaxSteps int
	Mode     string

	// Console receives log records at ConsoleLevel. Nil keeps logs in the
	// file only, unless LOOPY_LOG_LEVEL asks for console output.
	Console      io.Writer
	ConsoleLevel slog.Level

	// StateDir holds logs and sessions. Defaults to config.StateDir().
	StateDir string
	// ConfigFS and ConfigPaths default to the OS filesystem and the user
	// then project config files.
	ConfigFS    afero.Fs
	ConfigPaths []string
	// ModesFS defaults to the user modes directory.
	ModesFS afero.Fs
	// ToolFS defaults to the OS filesystem.
	ToolFS afero.Fs
	// NewBackend overrides the provider factory of created agents.
	NewBackend agent.BackendFactory
}

type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Modes    *modes.Loader
	Mode     modes.Mode
	Registry *tools.Registry
	Sessions *session.Store
	Version  *version.Resolver

	overrides  Options
	mcpClients []*mcp.MCPClient
}

// New loads .env files and the configuration, then builds the shared
// services. Only configuration errors are returned.
func New(opts Options) (*App, error) {
	config.LoadEnv()

	if opts.ConfigFS == nil {
		opts.ConfigFS = afero.NewOsFs()
	}
	if opts.ConfigPaths == nil {
		opts.ConfigPaths = []string{config.UserPath(), config.ProjectPath()}
	}
	cfg, err := config.Load(opts.ConfigFS, opts.ConfigPaths...)
	if err != nil {
		return nil, err
	}
	if opts.MaxSteps < 0 {
		return nil, errors.New("max steps must be at least 1, got %d", opts.MaxSteps)
	}

	if opts.StateDir == "" {
		opts.StateDir = config.StateDir()
	}
	logger := newLogger(opts)

	var loader *modes.Loader
	if opts.ModesFS != nil {
		loader = modes.NewLoader(opts.ModesFS, logger)
	} else {
		loader = modes.NewDefaultLoader(logger)
	}
	modeName := firstNonEmpty(opts.Mode, cfg.DefaultMode, modes.DefaultName)
	mode := loader.Load(modeName)

	toolOpts := tools.OptionsFromConfig(cfg, logger)
	if opts.ToolFS != nil {
		toolOpts.FS = opts.ToolFS
	}
	registry := tools.NewRegistry(logger)
	for _, t := range tools.Builtin(toolOpts) {
		if slices.Contains(cfg.Tools.Enabled, t.Name()) {
			registry.Register(t)
		}
	}

	a := &App{
		Config:    cfg,
		Logger:    logger,
		Modes:     loader,
		Mode:      mode,
		Registry:  registry,
		Sessions:  session.NewStore(afero.NewOsFs(), filepath.Join(opts.StateDir, "sessions")),
		Version:   version.NewResolver(),
		overrides: opts,
	}
	logger.Debug("app initialised",
		"provider", a.AgentConfig().Provider,
		"model", a.AgentConfig().Model,
		"mode", mode.Name,
		"tools", registry.Names())
	return a, nil
}

func newLogger(opts Options) *slog.Logger {
	logOpts := logging.Options{
		Dir:          filepath.Join(opts.StateDir, "logs"),
		FileLevel:    slog.LevelInfo,
		Console:      opts.Console,
		ConsoleLevel: opts.ConsoleLevel,
	}
	if env := os.Getenv("LOOPY_LOG_LEVEL"); env != "" {
		level := logging.ParseLevel(env)
		logOpts.FileLevel = level
		if logOpts.Console == nil {
			logOpts.Console = os.Stderr
			logOpts.ConsoleLevel = level
		}
	}
	return logging.New(logOpts)
}

// AgentConfig merges the configuration file with the command-line
// overrides.
func (a *App) AgentConfig() agent.Config {
	cfg := agent.ConfigFrom(a.Config)
	if a.overrides.Provider != "" {
		cfg.Provider = a.overrides.Provider
	}
	if a.overrides.Model != "" {
		cfg.Model = a.overrides.Model
	}
	if a.overrides.MaxSteps > 0 {
		cfg.MaxSteps = a.overrides.MaxSteps
	}
	return cfg
}

// NewAgent creates an agent with the current mode applied. Each agent gets
// its own registry so tools added later stay local to it.
func (a *App) NewAgent() *agent.Agent {
	registry := tools.NewRegistry(a.Logger, a.Registry.List()...)
	ag := agent.New(agent.Options{
		Config:     a.AgentConfig(),
		Registry:   registry,
		Logger:     a.Logger,
		NewBackend: a.overrides.NewBackend,
	})
	ag.ApplyMode(a.Mode)
	return ag
}

// ConnectMCP starts the configured MCP servers once and adds their tools
// to the shared registry, so agents created afterwards get them.
func (a *App) ConnectMCP(ctx context.Context) {
	if len(a.Config.MCPServers) == 0 || a.mcpClients != nil {
		return
	}
	a.mcpClients = mcp.ConnectAll(ctx, a.Config.MCPServers, a.Version.String(), a.Logger)
	for _, c := range a.mcpClients {
		for _, t := range c.Tools() {
			a.Registry.Register(t)
		}
	}
}

// Close stops MCP servers.
func (a *App) Close() {
	for _, c := range a.mcpClients {
		if err := c.Stop(); err != nil {
			a.Logger.Warn("failed to stop MCP server", "server", c.Name, "err", err)
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

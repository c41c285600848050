package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/m4xw311/loopy/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

const (
	DefaultModel        = "gemini-2.5-flash"
	DefaultProvider     = "openrouter"
	DefaultMaxSteps     = 5
	DefaultShellTimeout = 30 * time.Second
)

type FilesystemAccess struct {
	Hidden   []string `yaml:"hidden" json:"hidden,omitempty"`
	ReadOnly []string `yaml:"readOnly" json:"readOnly,omitempty"`
}

type MCPServer struct {
	Name    string   `yaml:"name" json:"name" validate:"required"`
	Command string   `yaml:"command" json:"command" validate:"required"`
	Args    []string `yaml:"args" json:"args,omitempty"`
}

type Model struct {
	Name string `yaml:"name" json:"name" validate:"required"`
}

type Tools struct {
	Enabled []string `yaml:"enabled" json:"enabled"`
}

// Config mirrors the JSON configuration document. Files are decoded with
// yaml.v3, so config.yaml works as well as config.json.
type Config struct {
	Provider         string           `yaml:"provider" json:"provider,omitempty"`
	Model            Model            `yaml:"model" json:"model"`
	Tools            Tools            `yaml:"tools" json:"tools"`
	MaxSteps         int              `yaml:"maxSteps" json:"maxSteps,omitempty" validate:"gte=0"`
	DefaultMode      string           `yaml:"defaultMode" json:"defaultMode,omitempty"`
	FilesystemAccess FilesystemAccess `yaml:"filesystemAccess" json:"filesystemAccess"`
	AllowedCommands  []string         `yaml:"allowedCommands" json:"allowedCommands,omitempty"`
	ShellTimeout     int              `yaml:"shellTimeout" json:"shellTimeout,omitempty" validate:"gte=0"`
	MCPServers       []MCPServer      `yaml:"mcpServers" json:"mcpServers,omitempty" validate:"dive"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Model:    Model{Name: DefaultModel},
		Tools:    Tools{Enabled: []string{"list_dir"}},
		MaxSteps: DefaultMaxSteps,
		FilesystemAccess: FilesystemAccess{
			Hidden: []string{"**/.loopy", "**/.loopy/**"},
		},
	}
}

// Load reads each existing path in order on top of the defaults, later
// files overriding earlier ones. Missing files are skipped silently.
func Load(fs afero.Fs, paths ...string) (*Config, error) {
	cfg := Default()
	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, err := fs.Stat(path); err != nil {
			continue
		}
		if err := loadFromFile(fs, path, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading config %s", path)
		}
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, errors.Wrapf(err, "invalid configuration")
	}
	return cfg, nil
}

// LoadDefault loads the user-level config, then the project-level config
// from the working directory.
func LoadDefault() (*Config, error) {
	return Load(afero.NewOsFs(), UserPath(), ProjectPath())
}

func loadFromFile(fs afero.Fs, path string, cfg *Config) error {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return err
	}
	// Unmarshal only overwrites keys present in the document, which gives
	// the user -> project layering.
	return yaml.Unmarshal(data, cfg)
}

// LoadEnv loads .env.local and .env from the working directory without
// overriding variables already set in the environment.
func LoadEnv() {
	for _, name := range []string{".env.local", ".env"} {
		if _, err := os.Stat(name); err == nil {
			_ = godotenv.Load(name)
		}
	}
}

// ResolvedProvider returns the configured provider or the default.
func (c *Config) ResolvedProvider() string {
	if c.Provider == "" {
		return DefaultProvider
	}
	return c.Provider
}

// ResolvedMaxSteps returns the step budget, never below one.
func (c *Config) ResolvedMaxSteps() int {
	if c.MaxSteps < 1 {
		return DefaultMaxSteps
	}
	return c.MaxSteps
}

func (c *Config) ShellTimeoutDuration() time.Duration {
	if c.ShellTimeout <= 0 {
		return DefaultShellTimeout
	}
	return time.Duration(c.ShellTimeout) * time.Second
}

func UserPath() string {
	return filepath.Join(xdg.ConfigHome, "loopy", "config.json")
}

func ProjectPath() string {
	return filepath.Join(".loopy", "config.json")
}

// ModesDir is where user mode templates live.
func ModesDir() string {
	return filepath.Join(xdg.ConfigHome, "loopy", "modes")
}

// StateDir holds logs and saved sessions.
func StateDir() string {
	return filepath.Join(xdg.StateHome, "loopy")
}

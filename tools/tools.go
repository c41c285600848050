package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/m4xw311/loopy/config"
	"github.com/m4xw311/loopy/errors"
	"github.com/spf13/afero"
)

// Tool defines the interface for any action the model can take. Execute
// never returns a Go error: failures are reported as error results so the
// model can see them and react.
type Tool interface {
	Name() string
	Description() string
	// Parameters is the JSON Schema of the input object.
	Parameters() map[string]any
	Validate(args map[string]any) error
	Execute(ctx context.Context, args map[string]any) Result
}

// Result is the outcome of one tool call. Output is a JSON-serializable
// value; error results hold {"error": "..."} plus any partial data.
type Result struct {
	Output  any
	IsError bool
}

// Errorf builds an error result.
func Errorf(format string, a ...any) Result {
	return Result{Output: map[string]any{"error": fmt.Sprintf(format, a...)}, IsError: true}
}

// Map returns the output as a JSON object, wrapping non-object values
// under "result".
func (r Result) Map() map[string]any {
	if m, ok := r.Output.(map[string]any); ok {
		return m
	}
	b, err := json.Marshal(r.Output)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err == nil && m != nil {
		return m
	}
	var v any
	_ = json.Unmarshal(b, &v)
	return map[string]any{"result": v}
}

// String returns the output encoded as JSON.
func (r Result) String() string {
	b, err := json.Marshal(r.Output)
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, err.Error())
	}
	return string(b)
}

// Options configures the built-in tools.
type Options struct {
	FS              afero.Fs
	Access          config.FilesystemAccess
	AllowedCommands []string
	ShellTimeout    time.Duration
	Logger          *slog.Logger
}

// OptionsFromConfig maps the configuration onto tool options backed by
// the OS filesystem.
func OptionsFromConfig(cfg *config.Config, logger *slog.Logger) Options {
	return Options{
		FS:              afero.NewOsFs(),
		Access:          cfg.FilesystemAccess,
		AllowedCommands: cfg.AllowedCommands,
		ShellTimeout:    cfg.ShellTimeoutDuration(),
		Logger:          logger,
	}
}

// Builtin returns the local tools in their canonical order.
func Builtin(opts Options) []Tool {
	if opts.FS == nil {
		opts.FS = afero.NewOsFs()
	}
	if opts.ShellTimeout <= 0 {
		opts.ShellTimeout = config.DefaultShellTimeout
	}
	guard := pathGuard{hidden: opts.Access.Hidden, readOnly: opts.Access.ReadOnly}
	return []Tool{
		newListDir(opts.FS, guard),
		newReadFile(opts.FS, guard),
		newWriteFile(opts.FS, guard),
		newApplyDiff(opts.FS, guard),
		newGrep(opts.FS, guard),
		newShell(opts.AllowedCommands, opts.ShellTimeout),
	}
}

// BuiltinNames lists the names of the tools returned by Builtin.
func BuiltinNames() []string {
	return []string{"list_dir", "read_file", "write_file", "apply_diff", "grep", "shell"}
}

// Registry holds tools by name, preserving registration order.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	order  []string
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger, ts ...Tool) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &Registry{tools: make(map[string]Tool), logger: logger}
	for _, t := range ts {
		r.Register(t)
	}
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; !exists {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// List returns the tools in registration order.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Subset returns a registry holding only the named tools that exist here.
// Unknown names are ignored.
func (r *Registry) Subset(names []string) *Registry {
	allowed := make(map[string]bool, len(names))
	for _, n := range names {
		allowed[n] = true
	}
	sub := NewRegistry(r.logger)
	for _, t := range r.List() {
		if allowed[t.Name()] {
			sub.Register(t)
		}
	}
	return sub
}

// Execute runs a tool by name. Unknown tools, schema violations and panics
// all come back as error results.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (res Result) {
	t, ok := r.Get(name)
	if !ok {
		return Errorf("unknown tool %q; available tools: %s", name, strings.Join(r.sortedNames(), ", "))
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := t.Validate(args); err != nil {
		r.logger.Debug("tool input rejected", "tool", name, "err", err)
		return Errorf("invalid input for %s: %v", name, err)
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool panicked", "tool", name, "panic", fmt.Sprint(p))
			res = Errorf("tool %s failed: %v", name, p)
		}
	}()

	start := time.Now()
	res = t.Execute(ctx, args)
	r.logger.Debug("tool executed", "tool", name, "isError", res.IsError, "duration", time.Since(start))
	return res
}

func (r *Registry) sortedNames() []string {
	names := r.Names()
	sort.Strings(names)
	return names
}

// pathGuard enforces the hidden and read-only glob lists.
type pathGuard struct {
	hidden   []string
	readOnly []string
}

func (g pathGuard) checkRead(path string) error {
	hidden, err := isPathRestricted(path, g.hidden)
	if err != nil {
		return err
	}
	if hidden {
		return errors.New("access denied: path '%s' is hidden", path)
	}
	return nil
}

func (g pathGuard) checkWrite(path string) error {
	if err := g.checkRead(path); err != nil {
		return err
	}
	readOnly, err := isPathRestricted(path, g.readOnly)
	if err != nil {
		return err
	}
	if readOnly {
		return errors.New("access denied: path '%s' is read-only", path)
	}
	return nil
}

// isPathRestricted checks if a path matches any of the glob patterns.
func isPathRestricted(path string, patterns []string) (bool, error) {
	clean := cleanPath(path)
	for _, pattern := range patterns {
		match, err := doublestar.PathMatch(pattern, clean)
		if err != nil {
			return false, errors.Wrapf(err, "invalid glob pattern '%s'", pattern)
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

// isCommandAllowed checks a command against the regex allow-list. An empty
// list allows everything.
func isCommandAllowed(command string, allowed []string) (bool, error) {
	if len(allowed) == 0 {
		return true, nil
	}
	if strings.TrimSpace(command) == "" {
		return false, nil
	}
	for _, pattern := range allowed {
		re, err := regexp.Compile(pattern)
		if err != nil {
			// Invalid regexes only match the exact command text.
			if command == pattern {
				return true, nil
			}
			continue
		}
		if re.MatchString(command) {
			return true, nil
		}
	}
	return false, nil
}

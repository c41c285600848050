// Package modes loads named instruction templates ("modes") that shape the
// assistant's behaviour and restrict the tools it may use.
//
// A mode is a markdown file <name>.md. Templates are looked up in the user
// modes directory first and then among the built-in templates. A template
// may pull in other templates with [[include:name]]; names starting with
// an underscore are fragments and are not listed as modes.
package modes

import (
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/m4xw311/loopy/config"
	"github.com/spf13/afero"
)

//go:embed templates/*.md
var builtinTemplates embed.FS

// BuiltinDefault is used when the requested mode cannot be read.
const BuiltinDefault = "You are a helpful AI assistant. Be concise and clear in your responses."

const (
	DefaultName = "default"
	// MachineFragment is generated from host facts instead of read from a
	// file.
	MachineFragment = "_machine"
	headerPrefix    = "# Mode:"
)

var includeRe = regexp.MustCompile(`\[\[include:([^\]]+)\]\]`)

// toolTable restricts the tools of known modes. Modes not listed here, and
// entries with a nil list, may use every tool.
var toolTable = map[string][]string{
	"default":   nil,
	"code":      nil,
	"ask":       {"list_dir", "read_file", "grep"},
	"architect": {"list_dir", "read_file", "grep", "write_file"},
}

type Mode struct {
	Name    string
	Content string
	// Tools is the allow-list for this mode. Nil means all tools.
	Tools []string
}

// AllowsAll reports whether the mode places no restriction on tools.
func (m Mode) AllowsAll() bool {
	return m.Tools == nil
}

// ToolsFor returns the allow-list for a mode name.
func ToolsFor(name string) []string {
	tools, ok := toolTable[name]
	if !ok || tools == nil {
		return nil
	}
	return append([]string(nil), tools...)
}

type Loader struct {
	sources     []afero.Fs
	logger      *slog.Logger
	machineInfo func() string
}

// NewLoader creates a loader reading user templates from userFS, rooted at
// the modes directory, before the built-ins. userFS may be nil.
func NewLoader(userFS afero.Fs, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	var sources []afero.Fs
	if userFS != nil {
		sources = append(sources, userFS)
	}
	sources = append(sources, builtinFS())
	return &Loader{sources: sources, logger: logger, machineInfo: MachineInfo}
}

// NewDefaultLoader reads user templates from config.ModesDir().
func NewDefaultLoader(logger *slog.Logger) *Loader {
	return NewLoader(afero.NewBasePathFs(afero.NewOsFs(), config.ModesDir()), logger)
}

func builtinFS() afero.Fs {
	sub, err := fs.Sub(builtinTemplates, "templates")
	if err != nil {
		panic(err)
	}
	return afero.NewReadOnlyFs(afero.FromIOFS{FS: sub})
}

// List returns the names of all modes, sorted. Fragments are omitted.
func (l *Loader) List() []string {
	seen := map[string]bool{}
	for _, src := range l.sources {
		infos, err := afero.ReadDir(src, "/")
		if err != nil {
			// FromIOFS only accepts io/fs style paths.
			infos, err = afero.ReadDir(src, ".")
		}
		if err != nil {
			continue
		}
		for _, info := range infos {
			name := info.Name()
			if info.IsDir() || !strings.HasSuffix(name, ".md") || strings.HasPrefix(name, "_") {
				continue
			}
			seen[strings.TrimSuffix(name, ".md")] = true
		}
	}
	if len(seen) == 0 {
		return []string{DefaultName}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Exists reports whether a mode (not a fragment) with this name is listed.
func (l *Loader) Exists(name string) bool {
	for _, n := range l.List() {
		if n == name {
			return true
		}
	}
	return false
}

// Load reads and expands a mode. A mode that cannot be read falls back to
// the built-in default instructions with every tool enabled.
func (l *Loader) Load(name string) Mode {
	raw, err := l.read(name)
	if err != nil {
		l.logger.Debug("mode not found, using built-in default", "mode", name, "err", err)
		return Mode{Name: DefaultName, Content: BuiltinDefault}
	}

	content := l.expand(raw, map[string]bool{})
	lines := strings.Split(content, "\n")
	start := 0
	if strings.HasPrefix(lines[0], headerPrefix) {
		start = 1
		if len(lines) > 1 && strings.TrimSpace(lines[1]) == "" {
			start = 2
		}
	}
	return Mode{
		Name:    name,
		Content: strings.TrimSpace(strings.Join(lines[start:], "\n")),
		Tools:   ToolsFor(name),
	}
}

// expand resolves includes recursively. seen holds the fragments on the
// current include path; a repeat is reported inline, as is a fragment that
// cannot be read.
func (l *Loader) expand(content string, seen map[string]bool) string {
	matches := includeRe.FindAllStringSubmatchIndex(content, -1)
	if len(matches) == 0 {
		return content
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(content[last:m[0]])
		last = m[1]

		name := content[m[2]:m[3]]
		if seen[name] {
			l.logger.Warn("circular mode include", "fragment", name)
			fmt.Fprintf(&b, "[Error: Circular include detected for %q]", name)
			continue
		}

		fragment, err := l.fragment(name)
		if err != nil {
			l.logger.Warn("mode fragment not found", "fragment", name, "err", err)
			fmt.Fprintf(&b, "[Error: Could not include mode fragment %q]", name)
			continue
		}

		nested := make(map[string]bool, len(seen)+1)
		for k := range seen {
			nested[k] = true
		}
		nested[name] = true
		b.WriteString(l.expand(fragment, nested))
	}
	b.WriteString(content[last:])
	return b.String()
}

func (l *Loader) fragment(name string) (string, error) {
	if name == MachineFragment {
		return l.machineInfo(), nil
	}
	content, err := l.read(name)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(content, headerPrefix) {
		_, rest, _ := strings.Cut(content, "\n")
		content = strings.TrimSpace(rest)
	}
	return content, nil
}

func (l *Loader) read(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return "", fmt.Errorf("invalid mode name %q", name)
	}
	file := name + ".md"
	var lastErr error = os.ErrNotExist
	for _, src := range l.sources {
		data, err := afero.ReadFile(src, file)
		if err == nil {
			return string(data), nil
		}
		if data, err2 := afero.ReadFile(src, path.Join("/", file)); err2 == nil {
			return string(data), nil
		}
		lastErr = err
	}
	return "", lastErr
}

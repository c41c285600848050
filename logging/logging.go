// Package logging builds the process logger: an append-only daily log file
// plus an optional colored console handler. The logger is constructed once
// in main and passed down; nothing here is global.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/afero"
)

type Options struct {
	// FS defaults to the OS filesystem.
	FS afero.Fs
	// Dir is the directory holding one YYYY-MM-DD.log file per day. Empty
	// disables the file sink.
	Dir string
	// FileLevel defaults to debug.
	FileLevel slog.Leveler
	// Console, when set, receives records at ConsoleLevel and above.
	Console      io.Writer
	ConsoleLevel slog.Leveler
}

// New returns a logger fanning out to the configured sinks.
func New(opts Options) *slog.Logger {
	var handlers []slog.Handler
	if opts.Dir != "" {
		fs := opts.FS
		if fs == nil {
			fs = afero.NewOsFs()
		}
		level := opts.FileLevel
		if level == nil {
			level = slog.LevelDebug
		}
		handlers = append(handlers, NewDailyFileHandler(fs, opts.Dir, level))
	}
	if opts.Console != nil {
		level := opts.ConsoleLevel
		if level == nil {
			level = slog.LevelWarn
		}
		handlers = append(handlers, tint.NewHandler(opts.Console, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		}))
	}
	switch len(handlers) {
	case 0:
		return Discard()
	case 1:
		return slog.New(handlers[0])
	default:
		return slog.New(fanout(handlers))
	}
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// ParseLevel converts a level name to a slog.Level. Unknown names map to warn.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// DailyFileHandler writes `[ISO timestamp] [LEVEL] message {json-data}`
// lines to dir/YYYY-MM-DD.log. The file is opened in append mode for every
// record so several processes can share it, and write failures are
// swallowed.
type DailyFileHandler struct {
	fs     afero.Fs
	dir    string
	level  slog.Leveler
	attrs  []slog.Attr
	prefix string
	mu     *sync.Mutex
	now    func() time.Time
}

func NewDailyFileHandler(fs afero.Fs, dir string, level slog.Leveler) *DailyFileHandler {
	return &DailyFileHandler{
		fs:    fs,
		dir:   dir,
		level: level,
		mu:    &sync.Mutex{},
		now:   time.Now,
	}
}

func (h *DailyFileHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *DailyFileHandler) Handle(_ context.Context, r slog.Record) error {
	data := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		addAttr(data, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		addAttr(data, h.prefix, a)
		return true
	})

	ts := r.Time
	if ts.IsZero() {
		ts = h.now()
	}
	line := fmt.Sprintf("[%s] [%s] %s", ts.UTC().Format(time.RFC3339Nano), r.Level.String(), r.Message)
	if len(data) > 0 {
		if b, err := json.Marshal(data); err == nil {
			line += " " + string(b)
		}
	}
	h.append(ts, line+"\n")
	return nil
}

func (h *DailyFileHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	next.attrs = append(next.attrs, h.attrs...)
	for _, a := range attrs {
		if h.prefix != "" {
			a.Key = h.prefix + a.Key
		}
		next.attrs = append(next.attrs, a)
	}
	return &next
}

func (h *DailyFileHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

// Path returns the log file for the given day.
func (h *DailyFileHandler) Path(day time.Time) string {
	return filepath.Join(h.dir, day.Format("2006-01-02")+".log")
}

func (h *DailyFileHandler) append(ts time.Time, line string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.fs.MkdirAll(h.dir, 0o755); err != nil {
		return
	}
	f, err := h.fs.OpenFile(h.Path(ts), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	_, _ = f.WriteString(line)
	_ = f.Close()
}

func addAttr(data map[string]any, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			addAttr(data, prefix+a.Key+".", ga)
		}
		return
	}
	switch v := a.Value.Any().(type) {
	case error:
		data[prefix+a.Key] = v.Error()
	case time.Duration:
		data[prefix+a.Key] = v.String()
	default:
		data[prefix+a.Key] = v
	}
}

type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			_ = h.Handle(ctx, r.Clone())
		}
	}
	return nil
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make(fanout, len(f))
	for i, h := range f {
		next[i] = h.WithAttrs(attrs)
	}
	return next
}

func (f fanout) WithGroup(name string) slog.Handler {
	next := make(fanout, len(f))
	for i, h := range f {
		next[i] = h.WithGroup(name)
	}
	return next
}

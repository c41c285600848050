package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDailyFileLineShape(t *testing.T) {
	fs := afero.NewMemMapFs()
	h := NewDailyFileHandler(fs, "/logs", slog.LevelDebug)
	logger := slog.New(h)

	logger.Info("tool executed", "tool", "grep", "matches", 3)
	logger.Debug("no data")

	content, err := afero.ReadFile(fs, h.Path(time.Now()))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(content), "\n"), "\n")
	require.Len(t, lines, 2)

	assert.Regexp(t, `^\[\d{4}-\d{2}-\d{2}T[^\]]+\] \[INFO\] tool executed \{.*\}$`, lines[0])
	assert.Contains(t, lines[0], `"tool":"grep"`)
	assert.Contains(t, lines[0], `"matches":3`)
	assert.Regexp(t, `^\[[^\]]+\] \[DEBUG\] no data$`, lines[1])
}

func TestDailyFileAppends(t *testing.T) {
	fs := afero.NewMemMapFs()
	first := slog.New(NewDailyFileHandler(fs, "/logs", slog.LevelInfo))
	second := slog.New(NewDailyFileHandler(fs, "/logs", slog.LevelInfo))

	first.Info("one")
	second.Info("two")

	content, err := afero.ReadFile(fs, "/logs/"+time.Now().UTC().Format("2006-01-02")+".log")
	if err != nil {
		content, err = afero.ReadFile(fs, "/logs/"+time.Now().Format("2006-01-02")+".log")
	}
	require.NoError(t, err)
	assert.Contains(t, string(content), "] one")
	assert.Contains(t, string(content), "] two")
}

func TestDailyFileGroupsAndErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	h := NewDailyFileHandler(fs, "/logs", slog.LevelDebug)
	logger := slog.New(h).With("session", "s1").WithGroup("req")

	logger.Error("provider failed", "err", errors.New("boom"))

	content, err := afero.ReadFile(fs, h.Path(time.Now()))
	require.NoError(t, err)
	assert.Contains(t, string(content), `"session":"s1"`)
	assert.Contains(t, string(content), `"req.err":"boom"`)
}

func TestDailyFileSwallowsWriteFailures(t *testing.T) {
	fs := afero.NewReadOnlyFs(afero.NewMemMapFs())
	logger := slog.New(NewDailyFileHandler(fs, "/logs", slog.LevelDebug))

	assert.NotPanics(t, func() { logger.Error("cannot be written") })
}

func TestLevelFiltering(t *testing.T) {
	fs := afero.NewMemMapFs()
	h := NewDailyFileHandler(fs, "/logs", slog.LevelWarn)
	slog.New(h).Info("dropped")

	exists, err := afero.Exists(fs, h.Path(time.Now()))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestNewFansOutToConsole(t *testing.T) {
	fs := afero.NewMemMapFs()
	var console bytes.Buffer
	logger := New(Options{FS: fs, Dir: "/logs", Console: &console, ConsoleLevel: slog.LevelWarn})

	logger.Info("file only")
	logger.Warn("both sinks")

	assert.NotContains(t, console.String(), "file only")
	assert.Contains(t, console.String(), "both sinks")

	entries, err := afero.ReadDir(fs, "/logs")
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("INFO"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("bogus"))
}

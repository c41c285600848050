package tools

import (
	"context"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell tests use POSIX sh")
	}
}

func TestShellEcho(t *testing.T) {
	skipOnWindows(t)
	r := NewRegistry(nil, newShell(nil, 5*time.Second))

	res := r.Execute(context.Background(), "shell", map[string]any{"command": "echo hello"})
	require.False(t, res.IsError, res.String())
	out := res.Output.(ShellOutput)
	assert.Equal(t, "hello", strings.TrimSpace(out.Stdout))
	assert.Empty(t, out.Stderr)
	assert.Equal(t, 0, out.ExitCode)
}

func TestShellNonZeroExit(t *testing.T) {
	skipOnWindows(t)
	r := NewRegistry(nil, newShell(nil, 5*time.Second))

	res := r.Execute(context.Background(), "shell", map[string]any{"command": "echo oops >&2; exit 3"})
	require.True(t, res.IsError)
	m := res.Map()
	assert.Contains(t, m["error"], "exited with code 3")
	assert.EqualValues(t, 3, m["exitCode"])
	assert.Equal(t, "oops\n", m["stderr"])
}

func TestShellTimeout(t *testing.T) {
	skipOnWindows(t)
	r := NewRegistry(nil, newShell(nil, 200*time.Millisecond))

	start := time.Now()
	res := r.Execute(context.Background(), "shell", map[string]any{"command": "sleep 5"})
	assert.Less(t, time.Since(start), 4*time.Second)
	require.True(t, res.IsError)
	m := res.Map()
	assert.Contains(t, m["error"], "timed out")
	assert.Equal(t, true, m["timedOut"])
}

func TestShellDisallowedCommand(t *testing.T) {
	r := NewRegistry(nil, newShell([]string{`^go `}, 5*time.Second))

	res := r.Execute(context.Background(), "shell", map[string]any{"command": "rm -rf /tmp/x"})
	assert.Contains(t, errorText(t, res), "not in the list of allowed commands")
}

func TestLimitedBuffer(t *testing.T) {
	b := &limitedBuffer{max: 4}
	n, err := b.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	_, _ = b.Write([]byte("gh"))
	assert.Equal(t, "abcd\n[output truncated]", b.String())
}

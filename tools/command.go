package tools

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/m4xw311/loopy/errors"
)

const maxShellOutput = 10 * 1024 * 1024

type ShellInput struct {
	Command string `json:"command" required:"true" description:"The command to run"`
}

type ShellOutput struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
	TimedOut bool   `json:"timedOut,omitempty"`
}

func newShell(allowedCommands []string, timeout time.Duration) Tool {
	description := fmt.Sprintf("Run a shell command. The command will time out after %s.", timeout)
	if len(allowedCommands) > 0 {
		description += "\nAllowed command patterns:\n- " + strings.Join(allowedCommands, "\n- ")
	}
	return MustTool("shell", description,
		func(ctx context.Context, in ShellInput) (ShellOutput, error) {
			allowed, err := isCommandAllowed(in.Command, allowedCommands)
			if err != nil {
				return ShellOutput{}, err
			}
			if !allowed {
				return ShellOutput{}, errors.New("command '%s' is not in the list of allowed commands", in.Command)
			}
			return runShell(ctx, in.Command, timeout)
		})
}

// runShell executes command through the platform shell. A timeout or a
// non-zero exit returns the captured output together with an error.
func runShell(ctx context.Context, command string, timeout time.Duration) (ShellOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	name, args := "sh", []string{"-c", command}
	if runtime.GOOS == "windows" {
		name, args = "cmd", []string{"/C", command}
	}
	cmd := exec.CommandContext(ctx, name, args...)
	// Children that inherit the pipes must not keep Wait blocked past the
	// deadline.
	cmd.WaitDelay = 2 * time.Second

	stdout := &limitedBuffer{max: maxShellOutput}
	stderr := &limitedBuffer{max: maxShellOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	out := ShellOutput{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return out, nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		out.TimedOut = true
		out.ExitCode = -1
		return out, errors.New("command timed out after %s", timeout)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		out.ExitCode = exitErr.ExitCode()
		return out, errors.New("command exited with code %d", out.ExitCode)
	}
	out.ExitCode = -1
	return out, errors.Wrapf(err, "failed to run command")
}

// limitedBuffer keeps the first max bytes written and silently drops the
// rest, so a chatty process never sees a write error.
type limitedBuffer struct {
	mu        sync.Mutex
	buf       strings.Builder
	max       int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.max - b.buf.Len()
	switch {
	case room <= 0:
		b.truncated = true
	case len(p) > room:
		b.buf.Write(p[:room])
		b.truncated = true
	default:
		b.buf.Write(p)
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}

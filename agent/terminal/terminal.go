package terminal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/m4xw311/loopy/agent"
	"github.com/m4xw311/loopy/errors"
	"github.com/m4xw311/loopy/llm"
	"github.com/m4xw311/loopy/modes"
	"github.com/m4xw311/loopy/session"
)

// Verbosity controls how much tool activity is printed.
type Verbosity int

const (
	VerbosityNone Verbosity = iota
	VerbosityInfo
	VerbosityAll
)

func (v Verbosity) String() string {
	switch v {
	case VerbosityNone:
		return "none"
	case VerbosityAll:
		return "all"
	default:
		return "info"
	}
}

// ParseVerbosity accepts none, info and all.
func ParseVerbosity(s string) (Verbosity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return VerbosityNone, nil
	case "info", "":
		return VerbosityInfo, nil
	case "all":
		return VerbosityAll, nil
	}
	return VerbosityInfo, fmt.Errorf("unknown verbosity %q (want none, info or all)", s)
}

// maxResultWidth caps tool output echoed at VerbosityAll.
const maxResultWidth = 500

type Options struct {
	In  io.Reader
	Out io.Writer
	// Modes backs /mode and /modes. Nil disables both.
	Modes *modes.Loader
	// Mode is the name of the mode already applied to the agent.
	Mode string
	// Store backs /save. Nil disables it.
	Store *session.Store
	// Session is the default name for /save.
	Session   string
	Verbosity Verbosity
	// ListModels defaults to llm.ListModels.
	ListModels func(ctx context.Context, provider string) ([]string, error)
	Logger     *slog.Logger
}

type styles struct {
	prompt    lipgloss.Style
	assistant lipgloss.Style
	tool      lipgloss.Style
	dim       lipgloss.Style
	err       lipgloss.Style
	info      lipgloss.Style
}

func newStyles(out io.Writer) styles {
	r := lipgloss.NewRenderer(out)
	return styles{
		prompt:    r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		assistant: r.NewStyle().Bold(true).Foreground(lipgloss.Color("10")),
		tool:      r.NewStyle().Foreground(lipgloss.Color("13")),
		dim:       r.NewStyle().Faint(true),
		err:       r.NewStyle().Foreground(lipgloss.Color("9")),
		info:      r.NewStyle().Foreground(lipgloss.Color("14")),
	}
}

// Terminal is the line-oriented interactive front end.
type Terminal struct {
	agent  *agent.Agent
	opts   Options
	styles styles

	mu        sync.Mutex
	mode      string
	verbosity Verbosity
	// streaming is set once the assistant label of the current reply has
	// been printed.
	streaming bool
}

func New(a *agent.Agent, opts Options) *Terminal {
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.ListModels == nil {
		opts.ListModels = llm.ListModels
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Mode == "" {
		opts.Mode = modes.DefaultName
	}
	return &Terminal{
		agent:     a,
		opts:      opts,
		styles:    newStyles(opts.Out),
		mode:      opts.Mode,
		verbosity: opts.Verbosity,
	}
}

// Run starts the interactive session. It returns on /exit or end of input.
func (t *Terminal) Run(ctx context.Context, initialPrompt string) error {
	unsubscribe := t.agent.Subscribe(t.render)
	defer unsubscribe()

	cfg := t.agent.Config()
	t.printf("%s\n", t.styles.dim.Render(fmt.Sprintf("loopy (%s/%s, mode %s). Type /help for commands.", cfg.Provider, cfg.Model, t.currentMode())))

	if initialPrompt != "" {
		t.processTurn(ctx, initialPrompt)
	}

	scanner := bufio.NewScanner(t.opts.In)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		t.printf("%s ", t.styles.prompt.Render("You:"))
		if !scanner.Scan() {
			t.printf("\n")
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if strings.HasPrefix(input, "/") {
			if quit := t.handleCommand(ctx, input); quit {
				break
			}
			continue
		}
		t.processTurn(ctx, input)
	}
	return scanner.Err()
}

// processTurn runs one exchange. Ctrl-C cancels the exchange rather than
// the program.
func (t *Terminal) processTurn(ctx context.Context, input string) {
	turnCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	err := t.agent.Send(turnCtx, input)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) && ctx.Err() == nil:
		t.printf("\n%s\n", t.styles.dim.Render("Interrupted."))
	case errors.Is(err, agent.ErrBusy):
		t.printf("%s\n", t.styles.err.Render("Still working on the previous message."))
	}
}

func (t *Terminal) render(e agent.Event) {
	t.mu.Lock()
	verbosity := t.verbosity
	t.mu.Unlock()

	switch ev := e.(type) {
	case agent.UserMessageAdded:
		t.setStreaming(false)
	case agent.TextDelta:
		t.startReply()
		t.printf("%s", ev.Text)
	case agent.ToolCallStarted:
		if verbosity == VerbosityNone {
			return
		}
		t.breakLine()
		line := "→ " + ev.Name
		if verbosity == VerbosityAll {
			line += " " + truncate(encode(ev.Input), maxResultWidth)
		}
		t.printf("%s\n", t.styles.tool.Render(line))
	case agent.ToolCallCompleted:
		switch {
		case verbosity == VerbosityAll:
			t.printf("%s\n", t.styles.dim.Render("← "+ev.Name+": "+truncate(encode(ev.Result), maxResultWidth)))
		case verbosity == VerbosityInfo && ev.IsError:
			msg, _ := ev.Result["error"].(string)
			t.printf("%s\n", t.styles.err.Render("✗ "+ev.Name+": "+msg))
		}
	case agent.Finished:
		t.breakLine()
		t.setStreaming(false)
		if verbosity == VerbosityAll {
			t.printf("%s\n", t.styles.dim.Render(fmt.Sprintf("[%s, %d steps, %d in / %d out tokens, %s]",
				ev.ModelID, ev.Steps, ev.Usage.InputTokens, ev.Usage.OutputTokens, ev.FinishReason)))
		}
		if ev.FinishReason == llm.FinishMaxSteps {
			t.printf("%s\n", t.styles.dim.Render("(stopped after reaching the step limit)"))
		}
	case agent.Failed:
		t.breakLine()
		t.setStreaming(false)
		if !errors.Is(ev.Err, context.Canceled) {
			t.printf("%s\n", t.styles.err.Render("Error: "+ev.Err.Error()))
		}
	case agent.ToolAdded:
		t.opts.Logger.Debug("tool added", "tool", ev.Name)
	}
}

func (t *Terminal) startReply() {
	t.mu.Lock()
	started := t.streaming
	t.streaming = true
	t.mu.Unlock()
	if !started {
		t.printf("%s ", t.styles.assistant.Render("loopy:"))
	}
}

// breakLine ends a partially streamed line so tool output starts on its
// own line, and makes the next text fragment print a fresh label.
func (t *Terminal) breakLine() {
	t.mu.Lock()
	started := t.streaming
	t.streaming = false
	t.mu.Unlock()
	if started {
		t.printf("\n")
	}
}

func (t *Terminal) setStreaming(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.streaming = v
}

func (t *Terminal) currentMode() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mode
}

func (t *Terminal) printf(format string, a ...any) {
	fmt.Fprintf(t.opts.Out, format, a...)
}

func (t *Terminal) println(s string) {
	fmt.Fprintln(t.opts.Out, s)
}

func encode(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// sortedCopy is used when printing lists so callers can pass registry
// order unchanged.
func sortedCopy(in []string) []string {
	out := slices.Clone(in)
	slices.Sort(out)
	return out
}

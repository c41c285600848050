package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/m4xw311/loopy/agent"
	"github.com/m4xw311/loopy/app"
	"github.com/m4xw311/loopy/errors"
	"github.com/m4xw311/loopy/llm"
	"github.com/m4xw311/loopy/version"
)

// CLI is the one-shot command line: send one prompt, print the reply.
type CLI struct {
	Verbose    bool             `short:"v" help:"Print token usage, step count and tool calls."`
	Debug      bool             `short:"d" help:"Also dump the step trace as JSON and log to stderr."`
	Model      string           `short:"m" help:"Model to use (overrides config)."`
	Provider   string           `short:"p" help:"Provider: google, openrouter, openai, anthropic or bedrock."`
	MaxSteps   string           `name:"max-steps" placeholder:"N" help:"Maximum tool-calling steps (at least 1)."`
	Mode       string           `help:"Mode template to use."`
	ListModels bool             `name:"list-models" help:"List models offered by the provider and exit."`
	Version    kong.VersionFlag `help:"Print the version and exit."`

	Prompt []string `arg:"" optional:"" help:"Prompt to send."`
}

// Validate rejects a step budget below one.
func (c *CLI) Validate() error {
	if _, err := c.maxSteps(); err != nil {
		return err
	}
	return nil
}

func (c *CLI) maxSteps() (int, error) {
	if c.MaxSteps == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(c.MaxSteps)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("--max-steps must be a positive integer, got %q", c.MaxSteps)
	}
	return n, nil
}

// newBackend is replaced in tests.
var newBackend agent.BackendFactory = llm.NewBackend

// appOptions is adjusted in tests to keep state out of the user's home.
var appOptions = func(o app.Options) app.Options { return o }

type exitCode int

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) (code int) {
	versions := version.NewResolver()
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("loopy"),
		kong.Description("Send a prompt to an AI assistant that can use local tools."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
		kong.Vars{"version": versions.String()},
		kong.Writers(stdout, stderr),
		kong.Exit(func(c int) { panic(exitCode(c)) }),
	)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() {
		if r := recover(); r != nil {
			c, ok := r.(exitCode)
			if !ok {
				panic(r)
			}
			code = int(c)
		}
	}()

	if _, err := parser.Parse(args); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := execute(ctx, &cli, stdout, stderr); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func execute(ctx context.Context, cli *CLI, stdout, stderr io.Writer) error {
	steps, err := cli.maxSteps()
	if err != nil {
		return err
	}
	opts := app.Options{
		Provider:   cli.Provider,
		Model:      cli.Model,
		MaxSteps:   steps,
		Mode:       cli.Mode,
		NewBackend: newBackend,
	}
	if cli.Debug {
		opts.Console = stderr
		opts.ConsoleLevel = slog.LevelDebug
	}
	a, err := app.New(appOptions(opts))
	if err != nil {
		return errors.Wrapf(err, "error loading configuration")
	}
	defer a.Close()

	if cli.ListModels {
		provider := llm.NormalizeProvider(a.AgentConfig().Provider)
		models, err := llm.ListModels(ctx, provider)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Available models for %s:\n", provider)
		for _, m := range models {
			fmt.Fprintf(stdout, "  %s\n", m)
		}
		return nil
	}

	prompt := strings.TrimSpace(strings.Join(cli.Prompt, " "))
	if prompt == "" {
		return errors.New("no prompt provided\nUsage: loopy [flags] <prompt>")
	}

	a.ConnectMCP(ctx)
	ag := a.NewAgent()
	a.Logger.Info("running prompt", "mode", a.Mode.Name, "tools", ag.EnabledTools())
	resp, err := ag.SendSync(ctx, prompt)
	if err != nil {
		return err
	}

	fmt.Fprintln(stdout, resp.Text)
	if cli.Verbose || cli.Debug {
		printSummary(stdout, resp)
	}
	if cli.Debug {
		trace, err := json.MarshalIndent(resp.Steps, "", "  ")
		if err != nil {
			return errors.Wrapf(err, "failed to encode step trace")
		}
		fmt.Fprintf(stdout, "\nStep trace:\n%s\n", trace)
	}
	return nil
}

func printSummary(w io.Writer, resp *agent.Response) {
	fmt.Fprintf(w, "\n---\nModel: %s\n", resp.ModelID)
	fmt.Fprintf(w, "Steps: %d (finish: %s)\n", len(resp.Steps), resp.FinishReason)
	fmt.Fprintf(w, "Tokens: %d input, %d output\n", resp.Usage.InputTokens, resp.Usage.OutputTokens)
	calls := resp.ToolCalls()
	if len(calls) == 0 {
		return
	}
	fmt.Fprintf(w, "Tool calls:\n")
	for _, c := range calls {
		status := "ok"
		if c.IsError {
			status = "error"
		}
		input, _ := json.Marshal(c.Input)
		fmt.Fprintf(w, "  %s %s [%s]\n", c.ToolName, input, status)
	}
}

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/m4xw311/loopy/agent"
	"github.com/m4xw311/loopy/agent/acp"
	"github.com/m4xw311/loopy/agent/terminal"
	"github.com/m4xw311/loopy/app"
	"github.com/m4xw311/loopy/bridge"
	"github.com/m4xw311/loopy/errors"
	"github.com/m4xw311/loopy/llm"
	"github.com/m4xw311/loopy/session"
	"github.com/m4xw311/loopy/version"
)

// CLI is the interactive command line.
type CLI struct {
	Model     string           `short:"m" help:"Model to use (overrides config)."`
	Provider  string           `short:"p" help:"Provider: google, openrouter, openai, anthropic or bedrock."`
	Mode      string           `help:"Mode template to start in."`
	MaxSteps  string           `name:"max-steps" placeholder:"N" help:"Maximum tool-calling steps (at least 1)."`
	Resume    string           `short:"r" placeholder:"NAME" help:"Resume a saved session."`
	Session   string           `short:"s" placeholder:"NAME" help:"Name under which /save stores the session."`
	Verbosity string           `enum:"none,info,all" default:"info" help:"Tool output: none, info or all."`
	Web       bool             `help:"Serve the interactive session over a websocket instead."`
	Addr      string           `default:":8080" help:"Listen address for --web."`
	ACP       bool             `name:"acp" help:"Run as an Agent Client Protocol server on stdio."`
	Debug     bool             `short:"d" help:"Log to stderr at debug level."`
	Version   kong.VersionFlag `help:"Print the version and exit."`

	Prompt []string `arg:"" optional:"" help:"Initial prompt."`
}

func (c *CLI) Validate() error {
	_, err := c.maxSteps()
	return err
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

// childArgs rebuilds the command line for the process the web bridge
// spawns: the same session settings, without the web flags.
func (c *CLI) childArgs() []string {
	var args []string
	add := func(flag, value string) {
		if value != "" {
			args = append(args, flag, value)
		}
	}
	add("--model", c.Model)
	add("--provider", c.Provider)
	add("--mode", c.Mode)
	add("--max-steps", c.MaxSteps)
	add("--resume", c.Resume)
	add("--session", c.Session)
	add("--verbosity", c.Verbosity)
	if len(c.Prompt) > 0 {
		args = append(args, "--")
		args = append(args, c.Prompt...)
	}
	return args
}

var (
	newBackend agent.BackendFactory = llm.NewBackend
	appOptions                      = func(o app.Options) app.Options { return o }
	executable                      = os.Executable
)

type exitCode int

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) (code int) {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("loopy-tui"),
		kong.Description("Chat with an AI assistant that can use local tools."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
		kong.Vars{"version": version.NewResolver().String()},
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()
	if err := execute(ctx, &cli, stdin, stdout, stderr); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func execute(ctx context.Context, cli *CLI, stdin io.Reader, stdout, stderr io.Writer) error {
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

	if cli.Web {
		return serveWeb(ctx, cli, a, stderr)
	}

	a.ConnectMCP(ctx)

	if cli.ACP {
		a.Logger.Info("starting ACP server")
		return acp.Run(ctx, stdin, stdout, acp.Options{
			NewAgent: a.NewAgent,
			Store:    a.Sessions,
			Logger:   a.Logger,
		})
	}

	verbosity, err := terminal.ParseVerbosity(cli.Verbosity)
	if err != nil {
		return err
	}
	ag := a.NewAgent()
	modeName := a.Mode.Name
	sessionName := cli.Session

	if cli.Resume != "" {
		saved, err := a.Sessions.Load(cli.Resume)
		if err != nil {
			return errors.Wrapf(err, "error resuming session '%s'", cli.Resume)
		}
		if cli.Mode == "" && saved.Mode != "" && saved.Mode != modeName {
			ag.ApplyMode(a.Modes.Load(saved.Mode))
			modeName = saved.Mode
		}
		ag.UpdateConfig(func(c *agent.Config) {
			if cli.Provider == "" && saved.Provider != "" {
				c.Provider = saved.Provider
			}
			if cli.Model == "" && saved.Model != "" {
				c.Model = saved.Model
			}
		})
		ag.SetMessages(saved.Messages)
		if sessionName == "" {
			sessionName = saved.Name
		}
		fmt.Fprintf(stdout, "Resuming session: %s (%d messages)\n", saved.Name, len(saved.Messages))
	}
	if sessionName == "" {
		sessionName = session.DefaultName()
	}

	term := terminal.New(ag, terminal.Options{
		In:        stdin,
		Out:       stdout,
		Modes:     a.Modes,
		Mode:      modeName,
		Store:     a.Sessions,
		Session:   sessionName,
		Verbosity: verbosity,
		Logger:    a.Logger,
	})
	return term.Run(ctx, strings.Join(cli.Prompt, " "))
}

func serveWeb(ctx context.Context, cli *CLI, a *app.App, stderr io.Writer) error {
	self, err := executable()
	if err != nil {
		return errors.Wrapf(err, "cannot locate loopy-tui binary")
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	command := append([]string{self}, cli.childArgs()...)
	fmt.Fprintf(stderr, "Web terminal running on ws://localhost%s%s\n", cli.Addr, bridge.Path)
	return bridge.ListenAndServe(ctx, cli.Addr, bridge.Options{Command: command, Logger: a.Logger})
}

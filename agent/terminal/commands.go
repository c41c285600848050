package terminal

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/m4xw311/loopy/agent"
	"github.com/m4xw311/loopy/llm"
)

type command struct {
	names []string
	usage string
	help  string
	run   func(t *Terminal, ctx context.Context, args []string) (quit bool)
}

var commands []command

func init() {
	commands = []command{
		{names: []string{"/exit", "/quit", "/q"}, help: "Leave loopy", run: func(*Terminal, context.Context, []string) bool { return true }},
		{names: []string{"/help", "/?"}, help: "Show this help", run: (*Terminal).cmdHelp},
		{names: []string{"/list-models"}, help: "List models offered by the current provider", run: (*Terminal).cmdListModels},
		{names: []string{"/model"}, usage: "[name]", help: "Show or switch the model", run: (*Terminal).cmdModel},
		{names: []string{"/provider"}, usage: "[name]", help: "Show or switch the provider", run: (*Terminal).cmdProvider},
		{names: []string{"/mode"}, usage: "[name]", help: "Show or switch the mode (clears the conversation)", run: (*Terminal).cmdMode},
		{names: []string{"/modes"}, help: "List available modes", run: (*Terminal).cmdModes},
		{names: []string{"/clear"}, help: "Clear the conversation", run: (*Terminal).cmdClear},
		{names: []string{"/verbosity"}, usage: "[none|info|all]", help: "Show or set how much tool activity is printed", run: (*Terminal).cmdVerbosity},
		{names: []string{"/save"}, usage: "[name]", help: "Save the conversation", run: (*Terminal).cmdSave},
	}
}

// parseCommand splits a slash command into its lower-cased name and its
// arguments.
func parseCommand(input string) (string, []string) {
	fields := strings.Fields(strings.TrimSpace(input))
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToLower(fields[0]), fields[1:]
}

func (t *Terminal) handleCommand(ctx context.Context, input string) bool {
	name, args := parseCommand(input)
	for _, c := range commands {
		if slices.Contains(c.names, name) {
			t.opts.Logger.Debug("slash command", "command", name, "args", args)
			return c.run(t, ctx, args)
		}
	}
	t.println(t.styles.err.Render(fmt.Sprintf("Unknown command: %s. Type /help for available commands.", name)))
	return false
}

func (t *Terminal) cmdHelp(context.Context, []string) bool {
	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, c := range commands {
		usage := strings.Join(c.names, ", ")
		if c.usage != "" {
			usage += " " + c.usage
		}
		fmt.Fprintf(&b, "  %-28s %s\n", usage, c.help)
	}
	fmt.Fprintf(&b, "\nEnabled tools: %s", strings.Join(sortedCopy(t.agent.EnabledTools()), ", "))
	t.println(b.String())
	return false
}

func (t *Terminal) cmdListModels(ctx context.Context, _ []string) bool {
	cfg := t.agent.Config()
	provider := llm.NormalizeProvider(cfg.Provider)
	models, err := t.opts.ListModels(ctx, provider)
	if err != nil {
		t.println(t.styles.err.Render("Error listing models: " + err.Error()))
		return false
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Available models for %s:", provider)
	for _, m := range models {
		marker := "  "
		if m == cfg.Model {
			marker = "* "
		}
		fmt.Fprintf(&b, "\n%s%s", marker, m)
	}
	t.println(b.String())
	return false
}

func (t *Terminal) cmdModel(_ context.Context, args []string) bool {
	if len(args) == 0 {
		t.println(fmt.Sprintf("Current model: %s\nUsage: /model <model-name>", t.agent.Config().Model))
		return false
	}
	model := strings.Join(args, " ")
	t.agent.UpdateConfig(func(c *agent.Config) { c.Model = model })
	t.println(t.styles.info.Render("Model switched to: " + model))
	return false
}

func (t *Terminal) cmdProvider(_ context.Context, args []string) bool {
	known := llm.Providers()
	if len(args) == 0 {
		t.println(fmt.Sprintf("Current provider: %s\nUsage: /provider <%s>",
			llm.NormalizeProvider(t.agent.Config().Provider), strings.Join(known, "|")))
		return false
	}
	provider := strings.ToLower(args[0])
	if !slices.Contains(known, provider) {
		t.println(t.styles.err.Render(fmt.Sprintf("Unknown provider: %s\nAvailable: %s", provider, strings.Join(known, ", "))))
		return false
	}
	t.agent.UpdateConfig(func(c *agent.Config) { c.Provider = provider })
	t.println(t.styles.info.Render("Provider switched to: " + provider))
	return false
}

func (t *Terminal) cmdMode(_ context.Context, args []string) bool {
	if t.opts.Modes == nil {
		t.println(t.styles.err.Render("Modes are not available."))
		return false
	}
	if len(args) == 0 {
		t.println(fmt.Sprintf("Current mode: %s\nUsage: /mode <mode-name>", t.currentMode()))
		return false
	}
	name := strings.ToLower(args[0])
	available := t.opts.Modes.List()
	if !slices.Contains(available, name) {
		t.println(t.styles.err.Render(fmt.Sprintf("Unknown mode: %s\nAvailable: %s", name, strings.Join(available, ", "))))
		return false
	}
	t.agent.ApplyMode(t.opts.Modes.Load(name))
	t.mu.Lock()
	t.mode = name
	t.mu.Unlock()
	t.println(t.styles.info.Render("Mode switched to: " + name))
	return false
}

func (t *Terminal) cmdModes(context.Context, []string) bool {
	if t.opts.Modes == nil {
		t.println(t.styles.err.Render("Modes are not available."))
		return false
	}
	current := t.currentMode()
	var b strings.Builder
	b.WriteString("Available modes:")
	for _, name := range t.opts.Modes.List() {
		marker := "  "
		if name == current {
			marker = "* "
		}
		fmt.Fprintf(&b, "\n%s%s", marker, name)
	}
	t.println(b.String())
	return false
}

func (t *Terminal) cmdClear(context.Context, []string) bool {
	t.agent.ClearHistory()
	t.println(t.styles.info.Render("Conversation cleared."))
	return false
}

func (t *Terminal) cmdVerbosity(_ context.Context, args []string) bool {
	if len(args) == 0 {
		t.mu.Lock()
		v := t.verbosity
		t.mu.Unlock()
		t.println(fmt.Sprintf("Current verbosity: %s\nUsage: /verbosity <none|info|all>", v))
		return false
	}
	v, err := ParseVerbosity(args[0])
	if err != nil {
		t.println(t.styles.err.Render(err.Error()))
		return false
	}
	t.mu.Lock()
	t.verbosity = v
	t.mu.Unlock()
	t.println(t.styles.info.Render("Verbosity set to: " + v.String()))
	return false
}

func (t *Terminal) cmdSave(_ context.Context, args []string) bool {
	if t.opts.Store == nil {
		t.println(t.styles.err.Render("Sessions are not available."))
		return false
	}
	name := t.opts.Session
	if len(args) > 0 {
		name = args[0]
	}
	cfg := t.agent.Config()
	sess := t.opts.Store.New(name)
	sess.Provider = llm.NormalizeProvider(cfg.Provider)
	sess.Model = cfg.Model
	sess.Mode = t.currentMode()
	sess.Messages = t.agent.Messages()
	if err := t.opts.Store.Save(sess); err != nil {
		t.println(t.styles.err.Render("Error saving session: " + err.Error()))
		return false
	}
	t.mu.Lock()
	t.opts.Session = sess.Name
	t.mu.Unlock()
	t.println(t.styles.info.Render("Session saved: " + sess.Name))
	return false
}

package agent

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m4xw311/loopy/config"
	"github.com/m4xw311/loopy/errors"
	"github.com/m4xw311/loopy/llm"
	"github.com/m4xw311/loopy/modes"
	"github.com/m4xw311/loopy/session"
	"github.com/m4xw311/loopy/tools"
)

var (
	// ErrBusy is returned when a send starts while another exchange is in
	// flight on the same Agent.
	ErrBusy        = errors.Sentinel("an exchange is already in progress")
	ErrEmptyPrompt = errors.Sentinel("prompt is empty")
)

// BackendFactory builds the provider backend for a provider and model.
type BackendFactory func(ctx context.Context, provider, model string) (llm.Backend, error)

// Config is the runtime configuration of an Agent. Changes made through
// UpdateConfig apply from the next exchange on.
type Config struct {
	Provider string
	Model    string
	MaxSteps int
	// Tools lists the enabled tool names. Nil enables every registered
	// tool.
	Tools []string
}

// ConfigFrom maps the file configuration onto an agent Config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Provider: cfg.ResolvedProvider(),
		Model:    cfg.Model.Name,
		MaxSteps: cfg.ResolvedMaxSteps(),
	}
}

type Options struct {
	Config       Config
	Instructions string
	Registry     *tools.Registry
	Logger       *slog.Logger
	// NewBackend defaults to llm.NewBackend.
	NewBackend BackendFactory
}

// Response is the outcome of a completed exchange.
type Response struct {
	Text         string
	Usage        llm.Usage
	FinishReason string
	ModelID      string
	Steps        []session.StepContent
}

// ToolCalls returns every tool call of the exchange in order.
func (r *Response) ToolCalls() []session.ToolCallRecord {
	var out []session.ToolCallRecord
	for _, s := range r.Steps {
		out = append(out, s.ToolCalls...)
	}
	return out
}

// Agent owns one conversation: its history, configuration and tools. It
// runs one exchange at a time.
type Agent struct {
	mu           sync.Mutex
	config       Config
	instructions string
	history      []session.Message
	// generation changes whenever history is replaced or cleared, so an
	// exchange that outlives its history does not append to the new one.
	generation int

	registry   *tools.Registry
	logger     *slog.Logger
	newBackend BackendFactory

	backendsMu sync.Mutex
	backends   map[string]llm.Backend

	listenersMu sync.Mutex
	listeners   map[int]Listener
	nextID      int

	busy atomic.Bool
}

func New(opts Options) *Agent {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Registry == nil {
		opts.Registry = tools.NewRegistry(opts.Logger)
	}
	if opts.NewBackend == nil {
		opts.NewBackend = llm.NewBackend
	}
	if opts.Config.MaxSteps < 1 {
		opts.Config.MaxSteps = config.DefaultMaxSteps
	}
	a := &Agent{
		config:       opts.Config,
		instructions: opts.Instructions,
		registry:     opts.Registry,
		logger:       opts.Logger,
		newBackend:   opts.NewBackend,
		backends:     make(map[string]llm.Backend),
		listeners:    make(map[int]Listener),
	}
	a.history = a.baseHistory()
	return a
}

// Subscribe registers a listener and returns a function removing it.
func (a *Agent) Subscribe(l Listener) func() {
	a.listenersMu.Lock()
	defer a.listenersMu.Unlock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = l
	return func() {
		a.listenersMu.Lock()
		defer a.listenersMu.Unlock()
		delete(a.listeners, id)
	}
}

func (a *Agent) emit(e Event) {
	a.listenersMu.Lock()
	ids := make([]int, 0, len(a.listeners))
	for id := range a.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	ls := make([]Listener, 0, len(ids))
	for _, id := range ids {
		ls = append(ls, a.listeners[id])
	}
	a.listenersMu.Unlock()

	for _, l := range ls {
		l(e)
	}
}

// IsLoading reports whether an exchange is in flight.
func (a *Agent) IsLoading() bool {
	return a.busy.Load()
}

// Messages returns a copy of the history. When instructions are set the
// first message is the system message holding them.
func (a *Agent) Messages() []session.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.history)
}

// SetMessages replaces the history. System messages in msgs are dropped;
// the current instructions always lead the history.
func (a *Agent) SetMessages(msgs []session.Message) {
	a.mu.Lock()
	history := a.baseHistory()
	for _, m := range msgs {
		if m.Role == session.RoleSystem {
			continue
		}
		history = append(history, m)
	}
	a.history = history
	a.generation++
	snapshot := slices.Clone(history)
	a.mu.Unlock()
	a.emit(HistoryReplaced{Messages: snapshot})
}

// ClearHistory resets the history to the system message alone, or to
// nothing when no instructions are set.
func (a *Agent) ClearHistory() {
	a.mu.Lock()
	a.history = a.baseHistory()
	a.generation++
	a.mu.Unlock()
	a.emit(HistoryCleared{})
}

// SetInstructions replaces the instructions and clears the history.
func (a *Agent) SetInstructions(text string) {
	a.mu.Lock()
	a.instructions = text
	a.mu.Unlock()
	a.ClearHistory()
}

func (a *Agent) Instructions() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.instructions
}

// baseHistory must be called with mu held.
func (a *Agent) baseHistory() []session.Message {
	if a.instructions == "" {
		return []session.Message{}
	}
	return []session.Message{{Role: session.RoleSystem, Content: a.instructions}}
}

func (a *Agent) Config() Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := a.config
	c.Tools = slices.Clone(c.Tools)
	return c
}

// UpdateConfig mutates the configuration. An exchange in flight keeps the
// configuration it started with.
func (a *Agent) UpdateConfig(update func(*Config)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	update(&a.config)
	if a.config.MaxSteps < 1 {
		a.config.MaxSteps = config.DefaultMaxSteps
	}
}

// AddTool registers a tool and enables it.
func (a *Agent) AddTool(t tools.Tool) {
	a.registry.Register(t)
	a.mu.Lock()
	if a.config.Tools != nil && !slices.Contains(a.config.Tools, t.Name()) {
		a.config.Tools = append(a.config.Tools, t.Name())
	}
	a.mu.Unlock()
	a.emit(ToolAdded{Name: t.Name()})
}

// EnabledTools returns the names of the tools offered to the model.
func (a *Agent) EnabledTools() []string {
	return a.toolset(a.Config()).Names()
}

// ApplyMode installs the mode's instructions, which clears the history,
// and enables the registered tools the mode allows.
func (a *Agent) ApplyMode(m modes.Mode) {
	registered := a.registry.Names()
	enabled := registered
	if !m.AllowsAll() {
		enabled = make([]string, 0, len(m.Tools))
		for _, name := range registered {
			if slices.Contains(m.Tools, name) {
				enabled = append(enabled, name)
			}
		}
	}
	a.mu.Lock()
	a.config.Tools = enabled
	a.mu.Unlock()
	a.logger.Debug("mode applied", "mode", m.Name, "tools", enabled)
	a.SetInstructions(m.Content)
}

func (a *Agent) toolset(cfg Config) *tools.Registry {
	if cfg.Tools == nil {
		return a.registry
	}
	return a.registry.Subset(cfg.Tools)
}

// Send runs an exchange, streaming text deltas and tool activity to
// subscribers. It returns when the exchange ends; a provider failure is
// both emitted as Failed and returned.
func (a *Agent) Send(ctx context.Context, text string) error {
	_, err := a.exchange(ctx, text, true)
	return err
}

// SendSync runs an exchange without text deltas and returns its result.
func (a *Agent) SendSync(ctx context.Context, text string) (*Response, error) {
	return a.exchange(ctx, text, false)
}

func (a *Agent) backend(ctx context.Context, cfg Config) (llm.Backend, error) {
	key := llm.NormalizeProvider(cfg.Provider) + "/" + cfg.Model
	a.backendsMu.Lock()
	defer a.backendsMu.Unlock()
	if b, ok := a.backends[key]; ok {
		return b, nil
	}
	b, err := a.newBackend(ctx, cfg.Provider, cfg.Model)
	if err != nil {
		return nil, err
	}
	a.backends[key] = b
	return b, nil
}

// exchange is the multi-step loop behind Send and SendSync: call the
// model, run the tools it asks for, feed the results back, and repeat
// until the model stops asking or the step budget is spent.
func (a *Agent) exchange(ctx context.Context, text string, stream bool) (*Response, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyPrompt
	}
	if !a.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer a.busy.Store(false)

	userMsg := session.Message{Role: session.RoleUser, Content: text}
	a.mu.Lock()
	a.history = append(a.history, userMsg)
	history := slices.Clone(a.history)
	cfg := a.config
	cfg.Tools = slices.Clone(cfg.Tools)
	system := a.instructions
	generation := a.generation
	a.mu.Unlock()
	a.emit(UserMessageAdded{Message: userMsg})

	start := time.Now()
	a.logger.Info("exchange started", "provider", cfg.Provider, "model", cfg.Model, "messages", len(history))

	backend, err := a.backend(ctx, cfg)
	if err != nil {
		return nil, a.fail(errors.Wrapf(err, "failed to create %s backend", llm.NormalizeProvider(cfg.Provider)))
	}

	toolset := a.toolset(cfg)
	req := &llm.Request{
		System:   system,
		Messages: toLLMMessages(history),
		Tools:    toolSpecs(toolset.List()),
	}
	var onText func(string)
	if stream {
		onText = func(s string) { a.emit(TextDelta{Text: s}) }
	}

	resp := &Response{ModelID: cfg.Model}
	var texts []string
	for step := 1; ; step++ {
		result, err := backend.Generate(ctx, req, onText)
		if err != nil {
			return nil, a.fail(err)
		}
		resp.Usage = resp.Usage.Add(result.Usage)
		if result.ModelID != "" {
			resp.ModelID = result.ModelID
		}
		if result.Text != "" {
			texts = append(texts, result.Text)
		}
		a.logger.Debug("step finished", "step", step, "toolCalls", len(result.ToolCalls), "finishReason", result.FinishReason)

		stepContent := session.StepContent{Text: result.Text}
		if len(result.ToolCalls) == 0 {
			resp.Steps = append(resp.Steps, stepContent)
			resp.FinishReason = result.FinishReason
			a.emit(StepFinished{Step: step, Text: result.Text})
			break
		}

		calls := make([]llm.ToolCall, 0, len(result.ToolCalls))
		results := make([]llm.ToolResult, 0, len(result.ToolCalls))
		for i, call := range result.ToolCalls {
			if call.ID == "" {
				call.ID = fallbackCallID(step, i)
			}
			if call.Input == nil {
				call.Input = map[string]any{}
			}
			a.emit(ToolCallStarted{Step: step, CallID: call.ID, Name: call.Name, Input: call.Input})
			var res tools.Result
			if call.InputErr != "" {
				res = tools.Errorf("invalid JSON arguments for %s: %s", call.Name, call.InputErr)
			} else {
				res = toolset.Execute(ctx, call.Name, call.Input)
			}
			if err := ctx.Err(); err != nil {
				return nil, a.fail(err)
			}
			output := res.Map()
			a.logger.Info("tool call", "tool", call.Name, "isError", res.IsError)
			a.emit(ToolCallCompleted{Step: step, CallID: call.ID, Name: call.Name, Result: output, IsError: res.IsError})

			calls = append(calls, call)
			results = append(results, llm.ToolResult{CallID: call.ID, Name: call.Name, Output: output, IsError: res.IsError})
			stepContent.ToolCalls = append(stepContent.ToolCalls, session.ToolCallRecord{
				CallID:   call.ID,
				ToolName: call.Name,
				Input:    call.Input,
				Result:   output,
				IsError:  res.IsError,
			})
		}
		resp.Steps = append(resp.Steps, stepContent)
		a.emit(StepFinished{Step: step, Text: result.Text, ToolCalls: stepContent.ToolCalls})

		if step >= cfg.MaxSteps {
			resp.FinishReason = llm.FinishMaxSteps
			break
		}
		req.Messages = append(req.Messages,
			llm.Message{Role: llm.RoleAssistant, Text: result.Text, ToolCalls: calls},
			llm.Message{Role: llm.RoleTool, Results: results},
		)
	}
	resp.Text = strings.Join(texts, "")

	assistant := session.Message{
		Role:    session.RoleAssistant,
		Content: resp.Text,
		ModelID: resp.ModelID,
		Steps:   resp.Steps,
	}
	a.mu.Lock()
	if a.generation == generation {
		a.history = append(a.history, assistant)
	}
	a.mu.Unlock()

	a.logger.Info("exchange finished",
		"finishReason", resp.FinishReason,
		"steps", len(resp.Steps),
		"inputTokens", resp.Usage.InputTokens,
		"outputTokens", resp.Usage.OutputTokens,
		"model", resp.ModelID,
		"duration", time.Since(start))
	a.emit(AssistantMessageAdded{Message: assistant})
	a.emit(Finished{FinishReason: resp.FinishReason, Usage: resp.Usage, ModelID: resp.ModelID, Steps: len(resp.Steps)})
	return resp, nil
}

func (a *Agent) fail(err error) error {
	a.logger.Error("exchange failed", "err", err)
	a.emit(Failed{Err: err})
	return err
}

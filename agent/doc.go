// Package agent provides the conversation engine shared by the loopy CLI
// and the interactive front ends.
//
// An Agent owns one conversation: the instructions (system prompt), the
// message history, the runtime configuration (provider, model, step
// budget, enabled tools) and a tool registry. The front ends differ only in
// how they present what the engine does, so the engine reports everything
// through events instead of callbacks specific to one presentation.
//
// # Architecture
//
//   - Core engine (this package): history, configuration and the multi-step
//     tool loop
//   - Terminal subpackage (agent/terminal): the interactive REPL with slash
//     commands
//   - ACP subpackage (agent/acp): the Agent Client Protocol server for IDE
//     integration
//
// # Exchanges
//
// One call to Send or SendSync is an exchange. The user message is
// appended to history, then the engine asks the model for a step. When the
// step requests tool calls, each call is executed in the order the model
// listed it and its result is fed back for the next step. The exchange
// ends when a step requests no tools or when Config.MaxSteps steps have
// run, whichever comes first. The assistant message appended at the end
// carries the concatenated text of all steps and a record of every tool
// call.
//
// Only one exchange runs at a time; a second send returns ErrBusy.
// Cancelling the context aborts the exchange, which then fails like any
// provider error: Failed is emitted and no assistant message is added.
//
// # Usage
//
//	a := agent.New(agent.Options{
//	    Config:       agent.ConfigFrom(cfg),
//	    Instructions: mode.Content,
//	    Registry:     tools.NewRegistry(logger, tools.Builtin(opts)...),
//	    Logger:       logger,
//	})
//
//	unsubscribe := a.Subscribe(func(e agent.Event) {
//	    switch ev := e.(type) {
//	    case agent.TextDelta:
//	        fmt.Print(ev.Text)
//	    case agent.ToolCallStarted:
//	        fmt.Printf("\n[%s]\n", ev.Name)
//	    }
//	})
//	defer unsubscribe()
//
//	err := a.Send(ctx, "what does main.go do?")
//
// # Modes
//
// ApplyMode installs a mode's instructions, which clears the history, and
// restricts the enabled tools to those the mode allows among the
// registered ones.
package agent

// Package terminal implements the interactive line-mode front end of loopy.
//
// The terminal reads one line at a time. Lines starting with a slash are
// commands; anything else is sent to the agent as a prompt. Replies are
// streamed as they arrive, and tool activity is printed according to the
// verbosity level. Ctrl-C while a reply is streaming cancels that exchange
// and returns to the prompt.
//
// # Usage
//
//	term := terminal.New(a, terminal.Options{
//	    Modes:     loader,
//	    Mode:      "code",
//	    Store:     store,
//	    Verbosity: terminal.VerbosityInfo,
//	})
//	err := term.Run(ctx, initialPrompt)
//
// # Commands
//
//   - /exit, /quit, /q: leave
//   - /help, /?: list commands and the enabled tools
//   - /list-models: list models of the current provider
//   - /model [name], /provider [name]: show or switch; applies to the next
//     message
//   - /mode [name], /modes: switch or list modes; switching clears the
//     conversation
//   - /clear: clear the conversation
//   - /verbosity [none|info|all]: tool output level
//   - /save [name]: write the conversation to the session store
//
// # Verbosity Levels
//
//   - None: no tool information
//   - Info: tool names, and the message of failed calls
//   - All: tool arguments and results, plus token usage per reply
package terminal

package agent

import (
	"github.com/m4xw311/loopy/llm"
	"github.com/m4xw311/loopy/session"
)

// Event is emitted to subscribers. The concrete types below are the only
// implementations; switch on them to handle the events you care about.
type Event interface {
	event()
}

// Listener receives events synchronously on the goroutine running the
// exchange. It must not call back into the Agent's send methods.
type Listener func(Event)

type UserMessageAdded struct {
	Message session.Message
}

// TextDelta is a fragment of streamed model text.
type TextDelta struct {
	Text string
}

type ToolCallStarted struct {
	Step   int
	CallID string
	Name   string
	Input  map[string]any
}

type ToolCallCompleted struct {
	Step    int
	CallID  string
	Name    string
	Result  map[string]any
	IsError bool
}

// StepFinished marks the end of one provider round-trip.
type StepFinished struct {
	Step      int
	Text      string
	ToolCalls []session.ToolCallRecord
}

type AssistantMessageAdded struct {
	Message session.Message
}

type Finished struct {
	FinishReason string
	Usage        llm.Usage
	ModelID      string
	Steps        int
}

// Failed is emitted when an exchange aborts. History keeps the user
// message but gets no assistant message.
type Failed struct {
	Err error
}

type HistoryReplaced struct {
	Messages []session.Message
}

type HistoryCleared struct{}

type ToolAdded struct {
	Name string
}

func (UserMessageAdded) event()      {}
func (TextDelta) event()             {}
func (ToolCallStarted) event()       {}
func (ToolCallCompleted) event()     {}
func (StepFinished) event()          {}
func (AssistantMessageAdded) event() {}
func (Finished) event()              {}
func (Failed) event()                {}
func (HistoryReplaced) event()       {}
func (HistoryCleared) event()        {}
func (ToolAdded) event()             {}

package agent

import (
	"fmt"

	"github.com/m4xw311/loopy/llm"
	"github.com/m4xw311/loopy/session"
	"github.com/m4xw311/loopy/tools"
)

// toLLMMessages turns stored history into provider messages. System
// messages are skipped since instructions travel in Request.System. An
// assistant turn with steps is replayed step by step so the model sees its
// earlier tool calls next to their results.
func toLLMMessages(history []session.Message) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case session.RoleSystem:
			continue
		case session.RoleUser:
			out = append(out, llm.Message{Role: llm.RoleUser, Text: m.Content})
		case session.RoleAssistant:
			if len(m.Steps) == 0 {
				out = append(out, llm.Message{Role: llm.RoleAssistant, Text: m.Content})
				continue
			}
			for i, s := range m.Steps {
				if len(s.ToolCalls) == 0 {
					if s.Text != "" {
						out = append(out, llm.Message{Role: llm.RoleAssistant, Text: s.Text})
					}
					continue
				}
				calls := make([]llm.ToolCall, 0, len(s.ToolCalls))
				results := make([]llm.ToolResult, 0, len(s.ToolCalls))
				for j, rec := range s.ToolCalls {
					id := rec.CallID
					if id == "" {
						id = fallbackCallID(i+1, j)
					}
					calls = append(calls, llm.ToolCall{ID: id, Name: rec.ToolName, Input: rec.Input})
					output, isError := recordOutput(rec)
					results = append(results, llm.ToolResult{CallID: id, Name: rec.ToolName, Output: output, IsError: isError})
				}
				out = append(out,
					llm.Message{Role: llm.RoleAssistant, Text: s.Text, ToolCalls: calls},
					llm.Message{Role: llm.RoleTool, Results: results},
				)
			}
		}
	}
	return out
}

// recordOutput recovers a tool result from a stored record. Calls that
// never completed are reported to the model as errors so every call keeps
// a matching result.
func recordOutput(rec session.ToolCallRecord) (map[string]any, bool) {
	if rec.Result == nil {
		return map[string]any{"error": "tool call was not completed"}, true
	}
	return tools.Result{Output: rec.Result, IsError: rec.IsError}.Map(), rec.IsError
}

func toolSpecs(ts []tools.Tool) []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(ts))
	for _, t := range ts {
		specs = append(specs, llm.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return specs
}

func fallbackCallID(step, index int) string {
	return fmt.Sprintf("call_%d_%d", step, index)
}

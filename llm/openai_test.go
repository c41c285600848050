package llm

import (
	"testing"

	"github.com/openai/openai-go/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertMessagesToOpenAIContent(t *testing.T) {
	msgs := convertMessagesToOpenAIContent("You are terse.", sampleConversation())
	require.Len(t, msgs, 4)

	require.NotNil(t, msgs[0].OfSystem)
	require.NotNil(t, msgs[1].OfUser)

	assistant := msgs[2].OfAssistant
	require.NotNil(t, assistant)
	assert.Equal(t, "Let me look.", assistant.Content.OfString.Value)
	require.Len(t, assistant.ToolCalls, 1)
	fn := assistant.ToolCalls[0].OfFunction
	require.NotNil(t, fn)
	assert.Equal(t, "call_1", fn.ID)
	assert.Equal(t, "read_file", fn.Function.Name)
	assert.JSONEq(t, `{"path":"main.go"}`, fn.Function.Arguments)

	tool := msgs[3].OfTool
	require.NotNil(t, tool)
	assert.Equal(t, "call_1", tool.ToolCallID)
}

func TestConvertMessagesToOpenAIContentOneToolMessagePerResult(t *testing.T) {
	msgs := convertMessagesToOpenAIContent("", []Message{{Role: RoleTool, Results: []ToolResult{
		{CallID: "a", Output: map[string]any{"ok": true}},
		{CallID: "b", Output: map[string]any{"error": "boom"}, IsError: true},
	}}})
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", msgs[0].OfTool.ToolCallID)
	assert.Equal(t, "b", msgs[1].OfTool.ToolCallID)
}

func TestConvertToolsToOpenAITools(t *testing.T) {
	assert.Nil(t, convertToolsToOpenAITools(nil))

	out := convertToolsToOpenAITools([]ToolSpec{{
		Name:        "read_file",
		Description: "read",
		Parameters:  map[string]any{"type": "object", "required": []string{"path"}},
	}})
	require.Len(t, out, 1)
	fn := out[0].OfFunction
	require.NotNil(t, fn)
	assert.Equal(t, "read_file", fn.Function.Name)
	assert.Equal(t, []string{"path"}, fn.Function.Parameters["required"])
}

func TestProcessOpenAIResponse(t *testing.T) {
	resp := &openai.ChatCompletion{
		Model: "google/gemini-2.5-flash",
		Choices: []openai.ChatCompletionChoice{{
			FinishReason: "tool_calls",
			Message: openai.ChatCompletionMessage{
				Content: "Looking.",
				ToolCalls: []openai.ChatCompletionMessageToolCallUnion{{
					ID: "call_9",
					Function: openai.ChatCompletionMessageFunctionToolCallFunction{
						Name:      "grep",
						Arguments: `{"pattern":"main"}`,
					},
				}},
			},
		}},
		Usage: openai.CompletionUsage{PromptTokens: 100, CompletionTokens: 20},
	}

	result, err := processOpenAIResponse(resp, "fallback")
	require.NoError(t, err)
	assert.Equal(t, "google/gemini-2.5-flash", result.ModelID)
	assert.Equal(t, "Looking.", result.Text)
	assert.Equal(t, "tool_calls", result.FinishReason)
	assert.Equal(t, Usage{InputTokens: 100, OutputTokens: 20}, result.Usage)
	assert.Equal(t, []ToolCall{{ID: "call_9", Name: "grep", Input: map[string]any{"pattern": "main"}}}, result.ToolCalls)
}

func TestProcessOpenAIResponseBadArguments(t *testing.T) {
	resp := &openai.ChatCompletion{Choices: []openai.ChatCompletionChoice{{
		Message: openai.ChatCompletionMessage{ToolCalls: []openai.ChatCompletionMessageToolCallUnion{{
			ID:       "x",
			Function: openai.ChatCompletionMessageFunctionToolCallFunction{Name: "grep", Arguments: `{"pattern": "a`},
		}}},
	}}}
	result, err := processOpenAIResponse(resp, "m")
	require.NoError(t, err)
	require.Len(t, result.ToolCalls, 1)
	call := result.ToolCalls[0]
	assert.Equal(t, "grep", call.Name)
	assert.Empty(t, call.Input)
	assert.Contains(t, call.InputErr, "unexpected end of JSON input")
}

func TestProcessOpenAIResponseNoChoices(t *testing.T) {
	result, err := processOpenAIResponse(&openai.ChatCompletion{}, "requested")
	require.NoError(t, err)
	assert.Equal(t, "requested", result.ModelID)
	assert.Equal(t, "stop", result.FinishReason)
}

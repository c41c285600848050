package llm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleConversation() []Message {
	return []Message{
		{Role: RoleUser, Text: "What's in main.go?"},
		{Role: RoleAssistant, Text: "Let me look.", ToolCalls: []ToolCall{
			{ID: "call_1", Name: "read_file", Input: map[string]any{"path": "main.go"}},
		}},
		{Role: RoleTool, Results: []ToolResult{
			{CallID: "call_1", Name: "read_file", Output: map[string]any{"content": "1 | package main"}},
		}},
	}
}

func TestConvertMessagesToAnthropicFormat(t *testing.T) {
	result := convertMessagesToAnthropicFormat(sampleConversation())
	require.Len(t, result, 3)

	assert.Equal(t, "user", result[0]["role"])
	assert.Equal(t, "assistant", result[1]["role"])
	content := result[1]["content"].([]map[string]any)
	require.Len(t, content, 2)
	assert.Equal(t, "text", content[0]["type"])
	assert.Equal(t, "tool_use", content[1]["type"])
	assert.Equal(t, "call_1", content[1]["id"])

	assert.Equal(t, "user", result[2]["role"])
	toolResult := result[2]["content"].([]map[string]any)[0]
	assert.Equal(t, "tool_result", toolResult["type"])
	assert.Equal(t, "call_1", toolResult["tool_use_id"])
	assert.JSONEq(t, `{"content":"1 | package main"}`, toolResult["content"].(string))
}

func TestConvertMessagesToAnthropicFormatSkipsEmptyAssistant(t *testing.T) {
	result := convertMessagesToAnthropicFormat([]Message{{Role: RoleAssistant}})
	assert.Empty(t, result)
}

func TestCreateAnthropicRequest(t *testing.T) {
	messages := convertMessagesToAnthropicFormat([]Message{{Role: RoleUser, Text: "Hello!"}})

	body, err := createAnthropicRequest(messages, "", nil)
	require.NoError(t, err)
	var req map[string]any
	require.NoError(t, json.Unmarshal(body, &req))
	assert.Equal(t, "bedrock-2023-05-31", req["anthropic_version"])
	assert.NotContains(t, req, "system")
	assert.NotContains(t, req, "tools")

	specs := []ToolSpec{{
		Name:        "grep",
		Description: "search",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"pattern": map[string]any{"type": "string"}},
			"required":   []string{"pattern"},
		},
	}}
	body, err = createAnthropicRequest(messages, "be brief", specs)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(body, &req))
	assert.Equal(t, "be brief", req["system"])
	tools := req["tools"].([]any)
	require.Len(t, tools, 1)
	schema := tools[0].(map[string]any)["input_schema"].(map[string]any)
	assert.Equal(t, []any{"pattern"}, schema["required"])
}

func TestProcessBedrockResponse(t *testing.T) {
	body := []byte(`{
		"model": "claude-3-haiku",
		"stop_reason": "tool_use",
		"content": [
			{"type": "text", "text": "Searching."},
			{"type": "tool_use", "id": "toolu_1", "name": "grep", "input": {"pattern": "TODO"}},
			{"type": "tool_use", "name": "list_dir", "input": {}}
		],
		"usage": {"input_tokens": 12, "output_tokens": 7}
	}`)

	result, err := processBedrockResponse(body, 3)
	require.NoError(t, err)
	assert.Equal(t, "Searching.", result.Text)
	assert.Equal(t, "tool_use", result.FinishReason)
	assert.Equal(t, Usage{InputTokens: 12, OutputTokens: 7}, result.Usage)
	require.Len(t, result.ToolCalls, 2)
	assert.Equal(t, ToolCall{ID: "toolu_1", Name: "grep", Input: map[string]any{"pattern": "TODO"}}, result.ToolCalls[0])
	assert.Equal(t, "call_3_1_list_dir", result.ToolCalls[1].ID)
}

func TestProcessBedrockResponseError(t *testing.T) {
	_, err := processBedrockResponse([]byte(`{"error": "throttled"}`), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttled")

	_, err = processBedrockResponse([]byte(`not json`), 0)
	assert.Error(t, err)
}

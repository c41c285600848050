package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertMessagesToAnthropicMessages(t *testing.T) {
	msgs := convertMessagesToAnthropicMessages(sampleConversation())
	require.Len(t, msgs, 3)

	assert.EqualValues(t, "user", msgs[0].Role)
	assert.EqualValues(t, "assistant", msgs[1].Role)
	require.Len(t, msgs[1].Content, 2)
	require.NotNil(t, msgs[1].Content[0].OfText)
	use := msgs[1].Content[1].OfToolUse
	require.NotNil(t, use)
	assert.Equal(t, "call_1", use.ID)
	assert.Equal(t, "read_file", use.Name)

	assert.EqualValues(t, "user", msgs[2].Role)
	result := msgs[2].Content[0].OfToolResult
	require.NotNil(t, result)
	assert.Equal(t, "call_1", result.ToolUseID)
}

func TestConvertMessagesToAnthropicMessagesSkipsEmptyAssistant(t *testing.T) {
	msgs := convertMessagesToAnthropicMessages([]Message{
		{Role: RoleUser, Text: "hi"},
		{Role: RoleAssistant},
	})
	assert.Len(t, msgs, 1)
}

func TestConvertToolsToAnthropicTools(t *testing.T) {
	assert.Nil(t, convertToolsToAnthropicTools(nil))

	out := convertToolsToAnthropicTools([]ToolSpec{{
		Name:        "write_file",
		Description: "write",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":    map[string]any{"type": "string"},
				"content": map[string]any{"type": "string"},
			},
			"required": []any{"path", "content"},
		},
	}})
	require.Len(t, out, 1)
	tool := out[0].OfTool
	require.NotNil(t, tool)
	assert.Equal(t, "write_file", tool.Name)
	assert.Equal(t, []string{"path", "content"}, tool.InputSchema.Required)
	assert.Len(t, tool.InputSchema.Properties, 2)
}

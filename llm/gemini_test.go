package llm

import (
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertMessagesToGeminiContent(t *testing.T) {
	contents := convertMessagesToGeminiContent(sampleConversation())
	require.Len(t, contents, 3)

	assert.Equal(t, "user", contents[0].Role)
	assert.Equal(t, []genai.Part{genai.Text("What's in main.go?")}, contents[0].Parts)

	assert.Equal(t, "model", contents[1].Role)
	require.Len(t, contents[1].Parts, 2)
	assert.Equal(t, genai.FunctionCall{Name: "read_file", Args: map[string]any{"path": "main.go"}}, contents[1].Parts[1])

	assert.Equal(t, "user", contents[2].Role)
	assert.Equal(t, genai.FunctionResponse{
		Name:     "read_file",
		Response: map[string]any{"content": "1 | package main"},
	}, contents[2].Parts[0])
}

func TestConvertSchema(t *testing.T) {
	s := convertSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":      map[string]any{"type": "string", "description": "file path"},
			"recursive": map[string]any{"type": []any{"boolean", "null"}},
			"tags":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"level":     map[string]any{"type": "string", "enum": []any{"none", "info", "all"}},
			"limit":     map[string]any{"type": "integer"},
			"anything":  map[string]any{"type": "array"},
		},
		"required":             []any{"path"},
		"additionalProperties": false,
	})

	assert.Equal(t, genai.TypeObject, s.Type)
	assert.Equal(t, []string{"path"}, s.Required)
	assert.Equal(t, &genai.Schema{Type: genai.TypeString, Description: "file path"}, s.Properties["path"])
	assert.Equal(t, genai.TypeBoolean, s.Properties["recursive"].Type)
	assert.True(t, s.Properties["recursive"].Nullable)
	assert.Equal(t, genai.TypeString, s.Properties["tags"].Items.Type)
	assert.Equal(t, []string{"none", "info", "all"}, s.Properties["level"].Enum)
	assert.Equal(t, "enum", s.Properties["level"].Format)
	assert.Equal(t, genai.TypeInteger, s.Properties["limit"].Type)
	require.NotNil(t, s.Properties["anything"].Items, "Gemini requires items on arrays")
}

func TestConvertToolsToGeminiTools(t *testing.T) {
	assert.Nil(t, convertToolsToGeminiTools(nil))

	out := convertToolsToGeminiTools([]ToolSpec{
		{Name: "list_dir", Description: "list", Parameters: map[string]any{"type": "object"}},
		{Name: "grep", Description: "search"},
	})
	require.Len(t, out, 1)
	require.Len(t, out[0].FunctionDeclarations, 2)
	assert.Equal(t, "list_dir", out[0].FunctionDeclarations[0].Name)
	assert.Nil(t, out[0].FunctionDeclarations[1].Parameters)
}

func TestProcessGeminiResponse(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Role: "model", Parts: []genai.Part{
				genai.Text("Checking "),
				genai.Text("files."),
				genai.FunctionCall{Name: "list_dir", Args: map[string]any{"path": "."}},
				genai.FunctionCall{Name: "grep"},
			}},
			FinishReason: genai.FinishReasonStop,
		}},
		UsageMetadata: &genai.UsageMetadata{PromptTokenCount: 40, CandidatesTokenCount: 9},
	}

	result := processGeminiResponse(resp, 2)
	assert.Equal(t, "Checking files.", result.Text)
	assert.Equal(t, "tool-calls", result.FinishReason)
	assert.Equal(t, Usage{InputTokens: 40, OutputTokens: 9}, result.Usage)
	require.Len(t, result.ToolCalls, 2)
	assert.Equal(t, ToolCall{ID: "call_2_0_list_dir", Name: "list_dir", Input: map[string]any{"path": "."}}, result.ToolCalls[0])
	assert.Equal(t, map[string]any{}, result.ToolCalls[1].Input)
	assert.NotEqual(t, result.ToolCalls[0].ID, result.ToolCalls[1].ID)
}

func TestProcessGeminiResponseEmpty(t *testing.T) {
	result := processGeminiResponse(&genai.GenerateContentResponse{}, 0)
	assert.Equal(t, "", result.Text)
	assert.Empty(t, result.ToolCalls)
	assert.Equal(t, "stop", result.FinishReason)
}

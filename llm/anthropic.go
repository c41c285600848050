package llm

import (
	"context"
	"encoding/json"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/m4xw311/loopy/errors"
)

const anthropicMaxTokens = 4096

// AnthropicBackend is a client for the Anthropic Messages API.
type AnthropicBackend struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicBackend creates an AnthropicBackend. It requires the
// ANTHROPIC_API_KEY environment variable to be set.
func NewAnthropicBackend(modelName string) (*AnthropicBackend, error) {
	apiKey, err := requireEnv("ANTHROPIC_API_KEY")
	if err != nil {
		return nil, err
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicBackend{client: &client, model: modelName}, nil
}

// Generate streams one message and accumulates it.
func (a *AnthropicBackend) Generate(ctx context.Context, req *Request, onText func(string)) (*StepResult, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: anthropicMaxTokens,
		Messages:  convertMessagesToAnthropicMessages(req.Messages),
		Tools:     convertToolsToAnthropicTools(req.Tools),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	stream := a.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	msg := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			return nil, errors.Wrapf(err, "failed to accumulate Anthropic stream")
		}
		if onText == nil {
			continue
		}
		if ev, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
				onText(delta.Text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to stream message from Anthropic")
	}

	return processAnthropicResponse(&msg)
}

// convertMessagesToAnthropicMessages converts neutral messages to
// Anthropic's format. Tool results travel in a user message.
func convertMessagesToAnthropicMessages(messages []Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, msg := range messages {
		switch msg.Role {
		case RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Text))
			}
			for _, tc := range msg.ToolCalls {
				input := tc.Input
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		case RoleTool:
			var blocks []anthropic.ContentBlockParamUnion
			for _, r := range msg.Results {
				blocks = append(blocks, anthropic.NewToolResultBlock(r.CallID, encodeOutput(r.Output), r.IsError))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewUserMessage(blocks...))
			}
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Text)))
		}
	}
	return out
}

// convertToolsToAnthropicTools converts tool specs to Anthropic tools.
func convertToolsToAnthropicTools(specs []ToolSpec) []anthropic.ToolUnionParam {
	if len(specs) == 0 {
		return nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		properties, _ := spec.Parameters["properties"].(map[string]any)
		if properties == nil {
			properties = map[string]any{}
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
			Name:        spec.Name,
			Description: anthropic.String(spec.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: properties,
				Required:   stringList(spec.Parameters["required"]),
			},
		}})
	}
	return out
}

// processAnthropicResponse converts an accumulated message into a
// StepResult.
func processAnthropicResponse(resp *anthropic.Message) (*StepResult, error) {
	result := &StepResult{
		ModelID:      string(resp.Model),
		FinishReason: string(resp.StopReason),
		Usage: Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}
	for _, content := range resp.Content {
		switch c := content.AsAny().(type) {
		case anthropic.TextBlock:
			result.Text += c.Text
		case anthropic.ToolUseBlock:
			call := ToolCall{ID: c.ID, Name: c.Name, Input: map[string]any{}}
			if len(c.Input) > 0 {
				if err := json.Unmarshal(c.Input, &call.Input); err != nil {
					call.Input = map[string]any{}
					call.InputErr = err.Error()
				}
			}
			result.ToolCalls = append(result.ToolCalls, call)
		}
	}
	return result, nil
}

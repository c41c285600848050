package llm

import (
	"context"
	"encoding/json"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/m4xw311/loopy/errors"
)

// BedrockBackend is a client for the Anthropic models on AWS Bedrock.
// Bedrock responses are not streamed; the full text is delivered to
// onText in one piece.
type BedrockBackend struct {
	client  *bedrockruntime.Client
	modelID string
}

// NewBedrockBackend creates a BedrockBackend from the default AWS
// credential chain.
func NewBedrockBackend(ctx context.Context, modelID string) (*BedrockBackend, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load AWS config")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	var opts []func(*bedrockruntime.Options)
	// Custom endpoint, useful for testing against a local stub.
	if endpoint := os.Getenv("BEDROCK_ENDPOINT_URL"); endpoint != "" {
		opts = append(opts, func(o *bedrockruntime.Options) { o.BaseEndpoint = aws.String(endpoint) })
	}

	return &BedrockBackend{
		client:  bedrockruntime.NewFromConfig(cfg, opts...),
		modelID: modelID,
	}, nil
}

func (b *BedrockBackend) Generate(ctx context.Context, req *Request, onText func(string)) (*StepResult, error) {
	requestBody, err := createAnthropicRequest(convertMessagesToAnthropicFormat(req.Messages), req.System, req.Tools)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create Anthropic request")
	}

	resp, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Body:        requestBody,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to invoke Bedrock model")
	}

	result, err := processBedrockResponse(resp.Body, len(req.Messages))
	if err != nil {
		return nil, err
	}
	if result.ModelID == "" {
		result.ModelID = b.modelID
	}
	if onText != nil && result.Text != "" {
		onText(result.Text)
	}
	return result, nil
}

// convertMessagesToAnthropicFormat converts neutral messages to the raw
// Anthropic JSON shape Bedrock expects.
func convertMessagesToAnthropicFormat(messages []Message) []map[string]any {
	var out []map[string]any
	for _, msg := range messages {
		switch msg.Role {
		case RoleAssistant:
			var content []map[string]any
			if msg.Text != "" {
				content = append(content, map[string]any{"type": "text", "text": msg.Text})
			}
			for _, tc := range msg.ToolCalls {
				input := tc.Input
				if input == nil {
					input = map[string]any{}
				}
				content = append(content, map[string]any{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Name,
					"input": input,
				})
			}
			if len(content) > 0 {
				out = append(out, map[string]any{"role": "assistant", "content": content})
			}
		case RoleTool:
			var content []map[string]any
			for _, r := range msg.Results {
				content = append(content, map[string]any{
					"type":        "tool_result",
					"tool_use_id": r.CallID,
					"content":     encodeOutput(r.Output),
					"is_error":    r.IsError,
				})
			}
			if len(content) > 0 {
				out = append(out, map[string]any{"role": "user", "content": content})
			}
		default:
			out = append(out, map[string]any{
				"role":    "user",
				"content": []map[string]any{{"type": "text", "text": msg.Text}},
			})
		}
	}
	return out
}

// createAnthropicRequest creates the request body for Anthropic models on
// Bedrock.
func createAnthropicRequest(messages []map[string]any, systemPrompt string, specs []ToolSpec) ([]byte, error) {
	request := map[string]any{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        anthropicMaxTokens,
		"messages":          messages,
	}
	if systemPrompt != "" {
		request["system"] = systemPrompt
	}
	if len(specs) > 0 {
		var tools []map[string]any
		for _, spec := range specs {
			schema := spec.Parameters
			if schema == nil {
				schema = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			tools = append(tools, map[string]any{
				"name":         spec.Name,
				"description":  spec.Description,
				"input_schema": schema,
			})
		}
		request["tools"] = tools
	}
	return json.Marshal(request)
}

type bedrockResponse struct {
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type  string         `json:"type"`
		Text  string         `json:"text"`
		ID    string         `json:"id"`
		Name  string         `json:"name"`
		Input map[string]any `json:"input"`
	} `json:"content"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
	Error any `json:"error"`
}

// processBedrockResponse converts a Bedrock response body into a
// StepResult.
func processBedrockResponse(body []byte, step int) (*StepResult, error) {
	var response bedrockResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal Bedrock response")
	}
	if response.Error != nil {
		return nil, errors.New("Bedrock API error: %v", response.Error)
	}

	result := &StepResult{
		ModelID:      response.Model,
		FinishReason: response.StopReason,
		Usage:        Usage{InputTokens: response.Usage.InputTokens, OutputTokens: response.Usage.OutputTokens},
	}
	for _, item := range response.Content {
		switch item.Type {
		case "text":
			result.Text += item.Text
		case "tool_use":
			if item.Name == "" {
				continue
			}
			id := item.ID
			if id == "" {
				id = callID(step, len(result.ToolCalls), item.Name)
			}
			input := item.Input
			if input == nil {
				input = map[string]any{}
			}
			result.ToolCalls = append(result.ToolCalls, ToolCall{ID: id, Name: item.Name, Input: input})
		}
	}
	return result, nil
}

package llm

import (
	"context"
	"encoding/json"
	"os"
	"sort"

	"github.com/m4xw311/loopy/errors"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const openRouterBaseURL = "https://openrouter.ai/api/v1"

// OpenAIBackend is a client for OpenAI-compatible Chat Completion APIs.
// It serves both OpenAI and OpenRouter.
type OpenAIBackend struct {
	client *openai.Client
	model  string
}

// NewOpenRouterBackend creates a backend for OpenRouter. It requires the
// OPENROUTER_API_KEY environment variable to be set.
func NewOpenRouterBackend(modelName string) (*OpenAIBackend, error) {
	apiKey, err := requireEnv("OPENROUTER_API_KEY")
	if err != nil {
		return nil, err
	}
	c := openai.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL(openRouterBaseURL),
		option.WithHeader("X-Title", "loopy"),
	)
	return &OpenAIBackend{client: &c, model: modelName}, nil
}

// NewOpenAIBackend creates a backend for OpenAI. It requires the
// OPENAI_API_KEY environment variable to be set and honours
// OPENAI_BASE_URL for custom endpoints.
func NewOpenAIBackend(modelName string) (*OpenAIBackend, error) {
	apiKey, err := requireEnv("OPENAI_API_KEY")
	if err != nil {
		return nil, err
	}
	options := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}
	c := openai.NewClient(options...)
	return &OpenAIBackend{client: &c, model: modelName}, nil
}

// Generate streams one chat completion and accumulates it.
func (o *OpenAIBackend) Generate(ctx context.Context, req *Request, onText func(string)) (*StepResult, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: convertMessagesToOpenAIContent(req.System, req.Messages),
		Tools:    convertToolsToOpenAITools(req.Tools),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}

	stream := o.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if onText != nil && len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			onText(chunk.Choices[0].Delta.Content)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to stream completion from %s", o.model)
	}

	return processOpenAIResponse(&acc.ChatCompletion, o.model)
}

// processOpenAIResponse converts an accumulated completion into a
// StepResult.
func processOpenAIResponse(resp *openai.ChatCompletion, requestedModel string) (*StepResult, error) {
	result := &StepResult{
		ModelID: resp.Model,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	if result.ModelID == "" {
		result.ModelID = requestedModel
	}
	if len(resp.Choices) == 0 {
		result.FinishReason = "stop"
		return result, nil
	}

	choice := resp.Choices[0]
	result.Text = choice.Message.Content
	result.FinishReason = string(choice.FinishReason)
	for _, tc := range choice.Message.ToolCalls {
		call := ToolCall{ID: tc.ID, Name: tc.Function.Name, Input: map[string]any{}}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &call.Input); err != nil {
				call.Input = map[string]any{}
				call.InputErr = err.Error()
			}
		}
		result.ToolCalls = append(result.ToolCalls, call)
	}
	return result, nil
}

// convertMessagesToOpenAIContent converts neutral messages to OpenAI's
// format. Each tool result becomes its own tool message.
func convertMessagesToOpenAIContent(system string, messages []Message) []openai.ChatCompletionMessageParamUnion {
	var chatMessages []openai.ChatCompletionMessageParamUnion
	if system != "" {
		chatMessages = append(chatMessages, openai.SystemMessage(system))
	}
	for _, msg := range messages {
		switch msg.Role {
		case RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				chatMessages = append(chatMessages, openai.AssistantMessage(msg.Text))
				continue
			}
			assistant := &openai.ChatCompletionAssistantMessageParam{}
			if msg.Text != "" {
				assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(msg.Text)}
			}
			for _, tc := range msg.ToolCalls {
				argsBytes, err := json.Marshal(tc.Input)
				if err != nil {
					argsBytes = []byte("{}")
				}
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: tc.ID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      tc.Name,
							Arguments: string(argsBytes),
						},
					},
				})
			}
			chatMessages = append(chatMessages, openai.ChatCompletionMessageParamUnion{OfAssistant: assistant})
		case RoleTool:
			for _, r := range msg.Results {
				chatMessages = append(chatMessages, openai.ToolMessage(encodeOutput(r.Output), r.CallID))
			}
		default:
			chatMessages = append(chatMessages, openai.UserMessage(msg.Text))
		}
	}
	return chatMessages
}

// convertToolsToOpenAITools converts tool specs to OpenAI function tools.
func convertToolsToOpenAITools(specs []ToolSpec) []openai.ChatCompletionToolUnionParam {
	if len(specs) == 0 {
		return nil
	}
	openAITools := make([]openai.ChatCompletionToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		params := openai.FunctionParameters(spec.Parameters)
		if params == nil {
			params = openai.FunctionParameters{"type": "object", "properties": map[string]any{}}
		}
		openAITools = append(openAITools, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        spec.Name,
			Description: openai.String(spec.Description),
			Parameters:  params,
		}))
	}
	return openAITools
}

func encodeOutput(output map[string]any) string {
	b, err := json.Marshal(output)
	if err != nil {
		return `{"error":"unencodable tool output"}`
	}
	return string(b)
}

// listOpenRouterModels returns OpenRouter model ids, sorted. The listing
// endpoint is public, so no key is required.
func listOpenRouterModels(ctx context.Context) ([]string, error) {
	options := []option.RequestOption{option.WithBaseURL(openRouterBaseURL)}
	if key := os.Getenv("OPENROUTER_API_KEY"); key != "" {
		options = append(options, option.WithAPIKey(key))
	} else {
		options = append(options, option.WithAPIKey("none"))
	}
	c := openai.NewClient(options...)
	page, err := c.Models.List(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list OpenRouter models")
	}
	ids := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		ids = append(ids, m.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

package llm

import (
	"context"

	"github.com/google/generative-ai-go/genai"
	"github.com/m4xw311/loopy/errors"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GeminiBackend talks to the Google Generative AI API.
type GeminiBackend struct {
	client    *genai.Client
	modelName string
}

// NewGeminiBackend creates a GeminiBackend. It requires
// GOOGLE_GENERATIVE_AI_API_KEY (or GEMINI_API_KEY) to be set.
func NewGeminiBackend(ctx context.Context, modelName string) (*GeminiBackend, error) {
	apiKey, err := requireEnv("GOOGLE_GENERATIVE_AI_API_KEY", "GEMINI_API_KEY")
	if err != nil {
		return nil, err
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create genai client")
	}
	return &GeminiBackend{client: client, modelName: modelName}, nil
}

// Generate streams one round-trip through a chat session whose history is
// every request message but the last.
func (g *GeminiBackend) Generate(ctx context.Context, req *Request, onText func(string)) (*StepResult, error) {
	history := convertMessagesToGeminiContent(req.Messages)
	if len(history) == 0 {
		return nil, errors.New("no messages to send to Gemini")
	}

	model := g.client.GenerativeModel(g.modelName)
	model.Tools = convertToolsToGeminiTools(req.Tools)
	if req.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}

	last := history[len(history)-1]
	chatSession := model.StartChat()
	chatSession.History = history[:len(history)-1]

	iter := chatSession.SendMessageStream(ctx, last.Parts...)
	for {
		resp, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to stream message from Gemini")
		}
		if onText == nil {
			continue
		}
		for _, text := range geminiTextParts(resp) {
			onText(text)
		}
	}

	merged := iter.MergedResponse()
	if merged == nil {
		return nil, errors.New("received an empty response from Gemini")
	}
	result := processGeminiResponse(merged, len(req.Messages))
	result.ModelID = g.modelName
	return result, nil
}

func geminiTextParts(resp *genai.GenerateContentResponse) []string {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil
	}
	var out []string
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok && t != "" {
			out = append(out, string(t))
		}
	}
	return out
}

// convertMessagesToGeminiContent converts neutral messages to Gemini
// contents. Tool results are sent as function responses in a user turn.
func convertMessagesToGeminiContent(messages []Message) []*genai.Content {
	var contents []*genai.Content
	for _, msg := range messages {
		switch msg.Role {
		case RoleAssistant:
			var parts []genai.Part
			if msg.Text != "" {
				parts = append(parts, genai.Text(msg.Text))
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, genai.FunctionCall{Name: tc.Name, Args: tc.Input})
			}
			if len(parts) == 0 {
				continue
			}
			contents = append(contents, &genai.Content{Role: "model", Parts: parts})
		case RoleTool:
			var parts []genai.Part
			for _, r := range msg.Results {
				parts = append(parts, genai.FunctionResponse{Name: r.Name, Response: r.Output})
			}
			if len(parts) == 0 {
				continue
			}
			contents = append(contents, &genai.Content{Role: "user", Parts: parts})
		default:
			contents = append(contents, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(msg.Text)}})
		}
	}
	return contents
}

// convertToolsToGeminiTools converts tool specs to a single Gemini tool
// holding one function declaration per tool.
func convertToolsToGeminiTools(specs []ToolSpec) []*genai.Tool {
	if len(specs) == 0 {
		return nil
	}
	funcDecls := make([]*genai.FunctionDeclaration, 0, len(specs))
	for _, spec := range specs {
		funcDecls = append(funcDecls, &genai.FunctionDeclaration{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  convertSchema(spec.Parameters),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: funcDecls}}
}

// convertSchema maps a JSON Schema document onto genai.Schema. Gemini
// understands a subset of JSON Schema, so unsupported keywords are dropped
// and a ["T", "null"] type becomes a nullable T.
func convertSchema(m map[string]any) *genai.Schema {
	if m == nil {
		return nil
	}
	s := &genai.Schema{}
	typeName, nullable := schemaType(m["type"])
	s.Nullable = nullable
	switch typeName {
	case "string":
		s.Type = genai.TypeString
	case "number":
		s.Type = genai.TypeNumber
	case "integer":
		s.Type = genai.TypeInteger
	case "boolean":
		s.Type = genai.TypeBoolean
	case "array":
		s.Type = genai.TypeArray
	default:
		s.Type = genai.TypeObject
	}

	if d, ok := m["description"].(string); ok {
		s.Description = d
	}
	if f, ok := m["format"].(string); ok && s.Type == genai.TypeString && (f == "enum" || f == "date-time") {
		s.Format = f
	}
	if enum, ok := m["enum"].([]any); ok {
		for _, e := range enum {
			if str, ok := e.(string); ok {
				s.Enum = append(s.Enum, str)
			}
		}
		if len(s.Enum) > 0 && s.Type == genai.TypeString {
			s.Format = "enum"
		}
	}
	if items, ok := m["items"].(map[string]any); ok {
		s.Items = convertSchema(items)
	}
	if s.Type == genai.TypeArray && s.Items == nil {
		s.Items = &genai.Schema{Type: genai.TypeString}
	}
	if props, ok := m["properties"].(map[string]any); ok && len(props) > 0 {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, p := range props {
			if pm, ok := p.(map[string]any); ok {
				s.Properties[name] = convertSchema(pm)
			}
		}
	}
	s.Required = stringList(m["required"])
	return s
}

func schemaType(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, false
	case []any:
		name, nullable := "", false
		for _, e := range t {
			str, _ := e.(string)
			if str == "null" {
				nullable = true
			} else if name == "" {
				name = str
			}
		}
		return name, nullable
	case []string:
		items := make([]any, len(t))
		for i, e := range t {
			items[i] = e
		}
		return schemaType(items)
	}
	return "", false
}

func stringList(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// processGeminiResponse converts a merged streaming response into a
// StepResult. Gemini does not assign call ids, so they are generated.
func processGeminiResponse(resp *genai.GenerateContentResponse, step int) *StepResult {
	result := &StepResult{}
	if resp.UsageMetadata != nil {
		result.Usage = Usage{
			InputTokens:  int64(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int64(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	if len(resp.Candidates) == 0 {
		result.FinishReason = "stop"
		return result
	}

	candidate := resp.Candidates[0]
	result.FinishReason = candidate.FinishReason.String()
	if candidate.Content == nil {
		return result
	}
	for _, part := range candidate.Content.Parts {
		switch v := part.(type) {
		case genai.Text:
			result.Text += string(v)
		case genai.FunctionCall:
			args := v.Args
			if args == nil {
				args = map[string]any{}
			}
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:    callID(step, len(result.ToolCalls), v.Name),
				Name:  v.Name,
				Input: args,
			})
		}
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = "tool-calls"
	}
	return result
}

// listGeminiModels returns the models that support generateContent.
func listGeminiModels(ctx context.Context) ([]string, error) {
	apiKey, err := requireEnv("GOOGLE_GENERATIVE_AI_API_KEY", "GEMINI_API_KEY")
	if err != nil {
		return nil, err
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create genai client")
	}
	defer client.Close()

	var names []string
	it := client.ListModels(ctx)
	for {
		m, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list Gemini models")
		}
		if !supportsGenerateContent(m.SupportedGenerationMethods) {
			continue
		}
		names = append(names, trimModelPrefix(m.Name))
	}
	sortByVersionDesc(names)
	return names, nil
}

func supportsGenerateContent(methods []string) bool {
	if len(methods) == 0 {
		return true
	}
	for _, m := range methods {
		if m == "generateContent" {
			return true
		}
	}
	return false
}

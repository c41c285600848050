// Package llm adapts language-model providers to a single streaming,
// tool-calling interface used by the agent loop.
package llm

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/m4xw311/loopy/errors"
)

// Provider names accepted by NewBackend.
const (
	ProviderGoogle     = "google"
	ProviderOpenRouter = "openrouter"
	ProviderOpenAI     = "openai"
	ProviderAnthropic  = "anthropic"
	ProviderBedrock    = "bedrock"
)

// FinishMaxSteps is reported when the agent stops because the step budget
// ran out rather than because the model finished.
const FinishMaxSteps = "max-steps"

// ErrMissingAPIKey is returned when a provider's credentials are absent.
var ErrMissingAPIKey = errors.Sentinel("missing API key")

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleTool carries the results of the preceding assistant tool calls.
	RoleTool Role = "tool"
)

// Message is a provider-neutral conversation entry.
type Message struct {
	Role      Role
	Text      string
	ToolCalls []ToolCall
	Results   []ToolResult
}

// ToolCall is a tool invocation requested by the model. InputErr is set
// when the arguments could not be decoded; Input is then empty.
type ToolCall struct {
	ID       string
	Name     string
	Input    map[string]any
	InputErr string
}

type ToolResult struct {
	CallID  string
	Name    string
	Output  map[string]any
	IsError bool
}

// ToolSpec describes a callable tool. Parameters is a JSON Schema object.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request is the input of one provider round-trip.
type Request struct {
	System   string
	Messages []Message
	Tools    []ToolSpec
}

type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

func (u Usage) Add(o Usage) Usage {
	return Usage{InputTokens: u.InputTokens + o.InputTokens, OutputTokens: u.OutputTokens + o.OutputTokens}
}

// StepResult is what the model produced in one round-trip.
type StepResult struct {
	Text         string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage
	ModelID      string
}

// Backend performs streamed round-trips against one provider and model.
// onText, when non-nil, receives text fragments as they arrive.
type Backend interface {
	Generate(ctx context.Context, req *Request, onText func(string)) (*StepResult, error)
}

// NewBackend returns the backend for provider. Empty and unrecognised
// provider names select OpenRouter. Credentials are read here.
func NewBackend(ctx context.Context, provider, model string) (Backend, error) {
	switch NormalizeProvider(provider) {
	case ProviderGoogle:
		return NewGeminiBackend(ctx, model)
	case ProviderOpenAI:
		return NewOpenAIBackend(model)
	case ProviderAnthropic:
		return NewAnthropicBackend(model)
	case ProviderBedrock:
		return NewBedrockBackend(ctx, model)
	default:
		return NewOpenRouterBackend(model)
	}
}

// NormalizeProvider lower-cases provider and maps unknown names to
// OpenRouter.
func NormalizeProvider(provider string) string {
	p := strings.ToLower(strings.TrimSpace(provider))
	switch p {
	case ProviderGoogle, ProviderOpenAI, ProviderAnthropic, ProviderBedrock:
		return p
	default:
		return ProviderOpenRouter
	}
}

// Providers lists the provider names NewBackend understands.
func Providers() []string {
	return []string{ProviderGoogle, ProviderOpenRouter, ProviderOpenAI, ProviderAnthropic, ProviderBedrock}
}

func requireEnv(names ...string) (string, error) {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: set %s", ErrMissingAPIKey, strings.Join(names, " or "))
}

// callID returns a stable id for providers that do not assign one.
func callID(step, index int, name string) string {
	return fmt.Sprintf("call_%d_%d_%s", step, index, name)
}

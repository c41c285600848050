package llm

import (
	"context"
	"strings"
	"sync"

	"github.com/m4xw311/loopy/errors"
)

// MockStep scripts one Mock round-trip.
type MockStep struct {
	Result StepResult
	// Chunks are streamed to onText. When empty, Result.Text is sent as a
	// single chunk.
	Chunks []string
	Err    error
	// Wait, when set, blocks the round-trip until it is closed or the
	// context is cancelled.
	Wait <-chan struct{}
}

// Mock is a scripted Backend for tests. Each Generate call consumes the
// next step; requests are recorded for inspection.
type Mock struct {
	mu       sync.Mutex
	steps    []MockStep
	requests []Request
}

func NewMock(steps ...MockStep) *Mock {
	return &Mock{steps: steps}
}

// Push appends more scripted steps.
func (m *Mock) Push(steps ...MockStep) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, steps...)
}

// Requests returns copies of the requests received so far.
func (m *Mock) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

func (m *Mock) Generate(ctx context.Context, req *Request, onText func(string)) (*StepResult, error) {
	m.mu.Lock()
	snapshot := *req
	snapshot.Messages = append([]Message(nil), req.Messages...)
	snapshot.Tools = append([]ToolSpec(nil), req.Tools...)
	m.requests = append(m.requests, snapshot)
	if len(m.steps) == 0 {
		m.mu.Unlock()
		return nil, errors.New("mock backend: no scripted response left")
	}
	step := m.steps[0]
	m.steps = m.steps[1:]
	m.mu.Unlock()

	if step.Wait != nil {
		select {
		case <-step.Wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if step.Err != nil {
		return nil, step.Err
	}

	if onText != nil {
		chunks := step.Chunks
		if len(chunks) == 0 && step.Result.Text != "" {
			chunks = []string{step.Result.Text}
		}
		for _, c := range chunks {
			onText(c)
		}
	}

	result := step.Result
	if result.Text == "" {
		result.Text = strings.Join(step.Chunks, "")
	}
	if result.FinishReason == "" {
		result.FinishReason = "stop"
		if len(result.ToolCalls) > 0 {
			result.FinishReason = "tool-calls"
		}
	}
	if result.ModelID == "" {
		result.ModelID = "mock-model"
	}
	return &result, nil
}

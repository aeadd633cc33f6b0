package provider

import (
	"context"
	"sync"
	"time"
)

// MockProvider is a test double that streams a predefined response, used by
// internal/agent's reply-loop tests in place of a live backend.
type MockProvider struct {
	mu sync.RWMutex

	name      string
	response  string
	toolCalls []ToolCall
	streamErr error
	reasoning string
	delay     time.Duration
}

// NewMock creates a new mock provider.
func NewMock(name, response string) *MockProvider {
	return &MockProvider{
		name:     name,
		response: response,
	}
}

// MockFactory vends MockProvider instances from the provider Registry, for
// tests that wire a Config the same way production code does.
type MockFactory struct {
	name     string
	response string
}

func NewMockFactory(name, response string) *MockFactory {
	return &MockFactory{name: name, response: response}
}

func (f *MockFactory) Name() string { return f.name }

func (f *MockFactory) Create(model string, opts Options) Provider {
	return NewMock(f.name, f.response)
}

// WithStreamError sets an error to return from ChatStream.
func (p *MockProvider) WithStreamError(err error) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streamErr = err
	return p
}

// WithToolCalls sets tool calls to emit instead of (or alongside) the text response.
func (p *MockProvider) WithToolCalls(calls []ToolCall) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.toolCalls = calls
	return p
}

func (p *MockProvider) WithReasoning(reasoning string) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reasoning = reasoning
	return p
}

func (p *MockProvider) SetDelay(delay time.Duration) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delay = delay
	return p
}

// WithResponse sets the predefined text response.
func (p *MockProvider) WithResponse(response string) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.response = response
	return p
}

func (p *MockProvider) Name() string { return p.name }

// ChatStream emits the configured response as a handful of synthetic
// StreamEvents, mirroring the shape a real adapter would produce.
func (p *MockProvider) ChatStream(ctx context.Context, messages []Message, tools []Tool) (<-chan StreamEvent, error) {
	if err := p.waitDelay(ctx); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.streamErr != nil {
		return nil, p.streamErr
	}

	response, reasoning, toolCalls := p.response, p.reasoning, p.toolCalls

	ch := make(chan StreamEvent, 4+len(toolCalls)*2)
	go func() {
		defer close(ch)
		if reasoning != "" {
			ch <- StreamEvent{Type: EventReasoningDelta, Content: reasoning}
		}
		if response != "" {
			ch <- StreamEvent{Type: EventContentDelta, Content: response}
		}
		for i, tc := range toolCalls {
			ch <- StreamEvent{Type: EventToolCallBegin, ToolCallIndex: i, ToolCallID: tc.ID, ToolCallName: tc.Name}
			ch <- StreamEvent{Type: EventToolCallDelta, ToolCallIndex: i, ToolCallArgs: string(tc.Arguments)}
		}
		ch <- StreamEvent{Type: EventDone}
	}()

	return ch, nil
}

// ListModels returns a single synthetic model named after the mock.
func (p *MockProvider) ListModels(ctx context.Context) ([]Model, error) {
	return []Model{{Name: p.name}}, nil
}

func (p *MockProvider) waitDelay(ctx context.Context) error {
	p.mu.RLock()
	delay := p.delay
	p.mu.RUnlock()
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Close is a no-op for the mock provider (no resources to clean up).
func (p *MockProvider) Close() error {
	return nil
}

package provider

import (
	"context"
	"errors"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider implements Provider against any OpenAI Chat Completions
// compatible endpoint (OpenAI itself, or a self-hosted gateway speaking the
// same wire format), using go-openai's native streaming client rather than
// the hand-rolled SSE parser the other adapters share.
type OpenAIProvider struct {
	name        string
	client      *openai.Client
	model       string
	temperature float64
}

// NewOpenAI builds an OpenAI-compatible Provider. endpoint overrides the
// default api.openai.com base URL for self-hosted/proxy deployments.
func NewOpenAI(name, endpoint, apiKey, model string, temperature float64) *OpenAIProvider {
	config := openai.DefaultConfig(apiKey)
	if endpoint != "" {
		config.BaseURL = strings.TrimRight(endpoint, "/")
	}
	return &OpenAIProvider{
		name:        name,
		client:      openai.NewClientWithConfig(config),
		model:       model,
		temperature: temperature,
	}
}

func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) ChatStream(ctx context.Context, messages []Message, tools []Tool) (<-chan StreamEvent, error) {
	stream, err := p.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    mergeSystemMessagesOpenAI(toOpenAIMessages(messages)),
		Tools:       toOpenAITools(tools),
		Temperature: float32(p.temperature),
		Stream:      true,
	})
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		defer stream.Close()
		streamOpenAIChatCompletion(ctx, stream, ch)
	}()

	return ch, nil
}

// streamOpenAIChatCompletion drains a go-openai ChatCompletionStream,
// translating each delta into the uniform StreamEvent shape.
func streamOpenAIChatCompletion(ctx context.Context, stream *openai.ChatCompletionStream, ch chan<- StreamEvent) {
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			trySend(ctx, ch, StreamEvent{Type: EventDone})
			return
		}
		if err != nil {
			trySend(ctx, ch, StreamEvent{Type: EventError, Err: err})
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}

		delta := resp.Choices[0].Delta
		if delta.Content != "" {
			if !trySend(ctx, ch, StreamEvent{Type: EventContentDelta, Content: delta.Content}) {
				return
			}
		}
		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			if tc.Function.Name != "" {
				if !trySend(ctx, ch, StreamEvent{
					Type: EventToolCallBegin, ToolCallIndex: idx,
					ToolCallID: tc.ID, ToolCallName: tc.Function.Name,
				}) {
					return
				}
			}
			if tc.Function.Arguments != "" {
				if !trySend(ctx, ch, StreamEvent{
					Type: EventToolCallDelta, ToolCallIndex: idx,
					ToolCallArgs: tc.Function.Arguments,
				}) {
					return
				}
			}
		}
	}
}

// ListModels lists models from the /models endpoint via the go-openai client.
func (p *OpenAIProvider) ListModels(ctx context.Context) ([]Model, error) {
	resp, err := p.client.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	models := make([]Model, len(resp.Models))
	for i, m := range resp.Models {
		models[i] = Model{Name: m.ID}
	}
	return models, nil
}

func (p *OpenAIProvider) Close() error { return nil }

package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

type vllmChatRequest struct {
	Model             string                         `json:"model"`
	Messages          []openai.ChatCompletionMessage `json:"messages"`
	Tools             []openai.Tool                  `json:"tools,omitempty"`
	Temperature       float32                        `json:"temperature,omitempty"`
	TopP              float32                        `json:"top_p,omitempty"`
	RepetitionPenalty float32                        `json:"repetition_penalty,omitempty"`
	MaxTokens         int                            `json:"max_tokens,omitempty"`
	Stream            bool                           `json:"stream"`
	StreamOptions     *chatStreamOptions             `json:"stream_options,omitempty"`
}

// VLLMProvider adapts a vLLM deployment. The wire is OpenAI
// chat-completions plus vLLM's extra sampling knobs (top_p,
// repetition_penalty, max_tokens), so the request type is local but the
// message/tool conversion is shared with the OpenAI adapter and
// SSE decoding with the Ollama adapter.
type VLLMProvider struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
	model      string
	opts       Options
}

// NewVLLM creates an adapter with default sampling options.
func NewVLLM(endpoint, model, apiKey string) *VLLMProvider {
	return NewVLLMWithTemp("vllm", endpoint, model, apiKey, Options{Temperature: 0.7})
}

// NewVLLMWithTemp creates an adapter with explicit sampling options; zero
// values mean "let the server pick its default".
func NewVLLMWithTemp(name, endpoint, model, apiKey string, opts Options) *VLLMProvider {
	return &VLLMProvider{
		name:       name,
		baseURL:    strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{},
		model:      model,
		opts:       opts,
	}
}

// Name returns the provider identifier.
func (p *VLLMProvider) Name() string { return p.name }

// ChatStream sends messages with optional tools and returns a channel of streaming events.
func (p *VLLMProvider) ChatStream(ctx context.Context, messages []Message, tools []Tool) (<-chan StreamEvent, error) {
	req := vllmChatRequest{
		Model:             p.model,
		Messages:          mergeSystemMessagesOpenAI(toOpenAIMessages(messages)),
		Tools:             toOpenAITools(tools),
		Temperature:       float32(p.opts.Temperature),
		TopP:              float32(p.opts.TopP),
		RepetitionPenalty: float32(p.opts.RepeatPenalty),
		MaxTokens:         p.opts.MaxTokens,
		Stream:            true,
		StreamOptions:     &chatStreamOptions{IncludeUsage: true},
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	reader, err := httpDoSSE(ctx, httpRequestConfig{
		client:   p.httpClient,
		url:      p.baseURL + "/chat/completions",
		body:     body,
		headers:  p.authHeaders(),
		provider: p.name,
		model:    p.model,
	})
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		defer reader.Close()
		parseSSEStream(ctx, reader, ch)
	}()

	return ch, nil
}

// ListModels is unsupported: vLLM deployments are configured with one fixed
// served model, named explicitly in providers.toml.
func (p *VLLMProvider) ListModels(ctx context.Context) ([]Model, error) {
	return nil, fmt.Errorf("vllm: model listing is not supported, configure providers.%s.model explicitly", p.name)
}

// Close closes idle HTTP connections.
func (p *VLLMProvider) Close() error {
	if p.httpClient != nil {
		p.httpClient.CloseIdleConnections()
	}
	return nil
}

func (p *VLLMProvider) authHeaders() map[string]string {
	headers := make(map[string]string)
	if p.apiKey != "" {
		headers["Authorization"] = "Bearer " + p.apiKey
	}
	return headers
}

package provider

import "context"

// OllamaFactory vends Ollama-backed providers (OpenAI-compatible /v1 shim).
type OllamaFactory struct {
	name     string
	endpoint string
}

func NewOllamaFactory(name string, endpoint string) *OllamaFactory {
	return &OllamaFactory{
		name:     name,
		endpoint: endpoint,
	}
}

func (f *OllamaFactory) Name() string { return f.name }

func (f *OllamaFactory) Create(model string, opts Options) Provider {
	return NewOllamaWithTemp(f.name, f.endpoint, model, opts.Temperature)
}

// OpenAIFactory vends providers for any OpenAI Chat Completions compatible
// endpoint (OpenAI itself, or a self-hosted gateway).
type OpenAIFactory struct {
	name     string
	endpoint string
	apiKey   string
}

func NewOpenAIFactory(name, endpoint, apiKey string) *OpenAIFactory {
	return &OpenAIFactory{name: name, endpoint: endpoint, apiKey: apiKey}
}

func (f *OpenAIFactory) Name() string { return f.name }

func (f *OpenAIFactory) Create(model string, opts Options) Provider {
	return NewOpenAI(f.name, f.endpoint, f.apiKey, model, opts.Temperature)
}

// AnthropicFactory vends Anthropic Messages API providers.
type AnthropicFactory struct {
	name     string
	endpoint string
	apiKey   string
}

func NewAnthropicFactory(name, endpoint, apiKey string) *AnthropicFactory {
	return &AnthropicFactory{name: name, endpoint: endpoint, apiKey: apiKey}
}

func (f *AnthropicFactory) Name() string { return f.name }

func (f *AnthropicFactory) Create(model string, opts Options) Provider {
	return NewAnthropic(f.name, f.endpoint, f.apiKey, model, opts.Temperature)
}

// GeminiFactory vends Google Generative Language API providers.
type GeminiFactory struct {
	name     string
	endpoint string
	apiKey   string
}

func NewGeminiFactory(name, endpoint, apiKey string) *GeminiFactory {
	return &GeminiFactory{name: name, endpoint: endpoint, apiKey: apiKey}
}

func (f *GeminiFactory) Name() string { return f.name }

func (f *GeminiFactory) Create(model string, opts Options) Provider {
	return NewGemini(f.name, f.endpoint, f.apiKey, model, opts.Temperature)
}

// VLLMFactory vends vLLM-backed providers (OpenAI-compatible wire format
// with vLLM-specific sampling extensions).
type VLLMFactory struct {
	name     string
	endpoint string
	apiKey   string
}

func NewVLLMFactory(name, endpoint, apiKey string) *VLLMFactory {
	return &VLLMFactory{name: name, endpoint: endpoint, apiKey: apiKey}
}

func (f *VLLMFactory) Name() string { return f.name }

func (f *VLLMFactory) Create(model string, opts Options) Provider {
	return NewVLLMWithTemp(f.name, f.endpoint, model, f.apiKey, opts)
}

// ClaudeCLIFactory vends providers backed by a persistent `claude` subprocess.
type ClaudeCLIFactory struct {
	name      string
	binary    string
	sessionID string
	mode      PermissionMode
}

func NewClaudeCLIFactory(name, binary, sessionID string, mode PermissionMode) *ClaudeCLIFactory {
	return &ClaudeCLIFactory{name: name, binary: binary, sessionID: sessionID, mode: mode}
}

func (f *ClaudeCLIFactory) Name() string { return f.name }

func (f *ClaudeCLIFactory) Create(model string, opts Options) Provider {
	return NewClaudeCLI(f.name, f.binary, f.sessionID, f.mode)
}

// CodexCLIFactory vends providers backed by a fresh `codex exec` per turn.
type CodexCLIFactory struct {
	name            string
	binary          string
	reasoningEffort string
	skills          []string
}

func NewCodexCLIFactory(name, binary, reasoningEffort string, skills []string) *CodexCLIFactory {
	return &CodexCLIFactory{name: name, binary: binary, reasoningEffort: reasoningEffort, skills: skills}
}

func (f *CodexCLIFactory) Name() string { return f.name }

func (f *CodexCLIFactory) Create(model string, opts Options) Provider {
	return NewCodexCLI(f.name, f.binary, f.reasoningEffort, f.skills)
}

// ChatGPTCodexFactory vends providers backed by the OAuth ChatGPT-Codex
// hosted Responses API backend.
type ChatGPTCodexFactory struct {
	name      string
	endpoint  string
	configDir string
}

func NewChatGPTCodexFactory(name, endpoint, configDir string) *ChatGPTCodexFactory {
	return &ChatGPTCodexFactory{name: name, endpoint: endpoint, configDir: configDir}
}

func (f *ChatGPTCodexFactory) Name() string { return f.name }

func (f *ChatGPTCodexFactory) Create(model string, opts Options) Provider {
	p, err := NewChatGPTCodex(f.name, f.endpoint, f.configDir, model)
	if err != nil {
		// Token cache load failures degrade to an adapter that fails on
		// first ChatStream call rather than aborting registry construction.
		return &chatGPTCodexLoadError{name: f.name, err: err}
	}
	return p
}

// chatGPTCodexLoadError satisfies Provider so a broken token cache surfaces
// as a normal ChatStream error instead of panicking deep in the registry.
type chatGPTCodexLoadError struct {
	name string
	err  error
}

func (p *chatGPTCodexLoadError) Name() string { return p.name }
func (p *chatGPTCodexLoadError) ChatStream(ctx context.Context, messages []Message, tools []Tool) (<-chan StreamEvent, error) {
	return nil, p.err
}
func (p *chatGPTCodexLoadError) ListModels(ctx context.Context) ([]Model, error) {
	return nil, p.err
}
func (p *chatGPTCodexLoadError) Close() error { return nil }

package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xonecas/symb/internal/agenterr"
)

// Gemini wire types. Tool parameter schemas are sent under
// parametersJsonSchema (full JSON Schema) rather than the OpenAPI-subset
// "parameters" field, so $ref/$defs survive the trip.

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	Tools             []geminiTool    `json:"tools,omitempty"`
	GenerationConfig  geminiGenConfig `json:"generationConfig,omitempty"`
}

type geminiGenConfig struct {
	Temperature float64 `json:"temperature,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string              `json:"text,omitempty"`
	ThoughtSignature string              `json:"thoughtSignature,omitempty"`
	FunctionCall     *geminiFunctionCall `json:"functionCall,omitempty"`
	FunctionResponse *geminiFuncResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type geminiFuncResponse struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFuncDecl `json:"functionDeclarations"`
}

type geminiFuncDecl struct {
	Name                 string          `json:"name"`
	Description          string          `json:"description,omitempty"`
	ParametersJSONSchema json.RawMessage `json:"parametersJsonSchema,omitempty"`
}

type geminiStreamChunk struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

// Gemini is an adapter for Google's Generative Language API
// (streamGenerateContent?alt=sse).
type Gemini struct {
	name       string
	endpoint   string
	apiKey     string
	model      string
	temp       float64
	httpClient *http.Client
}

// NewGemini builds a Gemini adapter. endpoint defaults to the public
// Generative Language API host when empty.
func NewGemini(name, endpoint, apiKey, model string, temperature float64) *Gemini {
	if endpoint == "" {
		endpoint = "https://generativelanguage.googleapis.com"
	}
	return &Gemini{
		name:       name,
		endpoint:   endpoint,
		apiKey:     apiKey,
		model:      model,
		temp:       temperature,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

func (g *Gemini) Name() string { return g.name }

func (g *Gemini) Close() error { return nil }

func (g *Gemini) ListModels(ctx context.Context) ([]Model, error) { return nil, nil }

// toGeminiContents converts uniform messages to Gemini's contents array,
// folding the system role into systemInstruction, mapping ToolRequest ->
// functionCall and ToolResponse -> functionResponse, and re-attaching the
// thought signature onto the corresponding part of the *last* assistant
// turn only.
func toGeminiContents(messages []Message) (*geminiContent, []geminiContent) {
	var system *geminiContent
	var out []geminiContent

	lastAssistantIdx := -1
	for i, m := range messages {
		if m.Role == "assistant" {
			lastAssistantIdx = i
		}
	}

	for i, m := range messages {
		switch m.Role {
		case roleSystem:
			system = &geminiContent{Parts: []geminiPart{{Text: m.Content}}}
		case "assistant":
			var parts []geminiPart
			if m.Content != "" {
				parts = append(parts, geminiPart{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				p := geminiPart{FunctionCall: &geminiFunctionCall{Name: tc.Name, Args: tc.Arguments}}
				if i == lastAssistantIdx {
					p.ThoughtSignature = tc.ThoughtSignature
				}
				parts = append(parts, p)
			}
			out = append(out, geminiContent{Role: "model", Parts: parts})
		case "tool":
			resp := json.RawMessage(fmt.Sprintf(`{"result":%s}`, mustQuoteJSON(m.Content)))
			out = append(out, geminiContent{
				Role: "user",
				Parts: []geminiPart{{
					FunctionResponse: &geminiFuncResponse{Name: m.FunctionName, Response: resp},
				}},
			})
		default:
			out = append(out, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		}
	}
	return system, out
}

func mustQuoteJSON(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}

func toGeminiTools(tools []Tool) []geminiTool {
	if len(tools) == 0 {
		return nil
	}
	decls := make([]geminiFuncDecl, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, geminiFuncDecl{
			Name:                 t.Name,
			Description:          t.Description,
			ParametersJSONSchema: t.Parameters,
		})
	}
	return []geminiTool{{FunctionDeclarations: decls}}
}

func (g *Gemini) ChatStream(ctx context.Context, messages []Message, tools []Tool) (<-chan StreamEvent, error) {
	system, contents := toGeminiContents(messages)
	reqBody := geminiRequest{
		Contents:          contents,
		SystemInstruction: system,
		Tools:             toGeminiTools(tools),
		GenerationConfig:  geminiGenConfig{Temperature: g.temp},
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal gemini request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse&key=%s", g.endpoint, g.model, g.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gemini request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		return nil, classifyGeminiError(resp.StatusCode, string(data))
	}

	events := make(chan StreamEvent, 16)
	go parseGeminiSSEStream(resp.Body, events)
	return events, nil
}

func classifyGeminiError(status int, body string) error {
	lower := strings.ToLower(body)
	switch {
	case strings.Contains(lower, "context") && strings.Contains(lower, "exceed"):
		return agenterr.ContextLengthExceeded(fmt.Sprintf("gemini: %s", body))
	case status == 429:
		return agenterr.RateLimit(fmt.Sprintf("gemini: %s", body), 0)
	case status == 401 || status == 403:
		return agenterr.Authentication(fmt.Sprintf("gemini: %s", body))
	default:
		return agenterr.RequestFailed(fmt.Sprintf("gemini request failed (%d): %s", status, body))
	}
}

// parseGeminiSSEStream reads "data: {json}" lines the same way the
// Anthropic adapter's parseAnthropicSSEStream does, decoding each chunk as a
// candidate content delta.
//
// A text part carrying a thoughtSignature is only surfaced as thinking
// (EventReasoningDelta) when the same chunk's content ALSO contains a
// functionCall part — Gemini 2.x attaches signatures as metadata on plain
// text chunks too, and promoting those would misclassify ordinary output as
// reasoning.
func parseGeminiSSEStream(body io.ReadCloser, events chan<- StreamEvent) {
	defer body.Close()
	defer close(events)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	toolIndex := 0
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}

		var chunk geminiStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			log.Warn().Err(err).Msg("gemini: failed to decode stream chunk")
			continue
		}

		if len(chunk.Candidates) > 0 {
			parts := chunk.Candidates[0].Content.Parts
			hasFunctionCall := false
			for _, p := range parts {
				if p.FunctionCall != nil {
					hasFunctionCall = true
				}
			}
			for _, p := range parts {
				switch {
				case p.FunctionCall != nil:
					events <- StreamEvent{
						Type:              EventToolCallBegin,
						ToolCallIndex:     toolIndex,
						ToolCallName:      p.FunctionCall.Name,
						ToolCallSignature: p.ThoughtSignature,
					}
					events <- StreamEvent{
						Type:          EventToolCallDelta,
						ToolCallIndex: toolIndex,
						ToolCallArgs:  string(p.FunctionCall.Args),
					}
					toolIndex++
				case p.Text != "" && p.ThoughtSignature != "" && hasFunctionCall:
					events <- StreamEvent{Type: EventReasoningDelta, Content: p.Text}
				case p.Text != "":
					events <- StreamEvent{Type: EventContentDelta, Content: p.Text}
				}
			}
		}

		if chunk.UsageMetadata.PromptTokenCount > 0 || chunk.UsageMetadata.CandidatesTokenCount > 0 {
			events <- StreamEvent{
				Type:         EventUsage,
				InputTokens:  chunk.UsageMetadata.PromptTokenCount,
				OutputTokens: chunk.UsageMetadata.CandidatesTokenCount,
			}
		}
	}

	if err := scanner.Err(); err != nil {
		events <- StreamEvent{Type: EventError, Err: err}
		return
	}
	events <- StreamEvent{Type: EventDone}
}

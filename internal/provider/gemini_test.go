package provider

import (
	"encoding/json"
	"io"
	"strings"
	"testing"
)

func TestToGeminiContentsSignatureOnLastAssistantTurnOnly(t *testing.T) {
	messages := []Message{
		{Role: "user", Content: "look this up"},
		{Role: "assistant", ToolCalls: []ToolCall{{ID: "r1", Name: "lookup", ThoughtSignature: "sig1"}}},
		{Role: "tool", Content: "found it", ToolCallID: "r1", FunctionName: "lookup"},
		{Role: "assistant", ToolCalls: []ToolCall{{ID: "r2", Name: "lookup", ThoughtSignature: "sig2"}}},
		{Role: "tool", Content: "found more", ToolCallID: "r2", FunctionName: "lookup"},
	}

	_, contents := toGeminiContents(messages)

	var signatures []string
	for _, c := range contents {
		if c.Role != "model" {
			continue
		}
		for _, p := range c.Parts {
			if p.FunctionCall != nil {
				signatures = append(signatures, p.ThoughtSignature)
			}
		}
	}

	if len(signatures) != 2 {
		t.Fatalf("expected 2 function calls, got %d", len(signatures))
	}
	if signatures[0] != "" {
		t.Errorf("earlier assistant turn carries signature %q, want empty", signatures[0])
	}
	if signatures[1] != "sig2" {
		t.Errorf("last assistant turn signature = %q, want sig2 (newer signature supersedes)", signatures[1])
	}
}

func TestToGeminiContentsToolResponseShape(t *testing.T) {
	messages := []Message{
		{Role: "tool", Content: "result text", ToolCallID: "r1", FunctionName: "lookup"},
	}
	_, contents := toGeminiContents(messages)
	if len(contents) != 1 || contents[0].Role != "user" {
		t.Fatalf("tool response should map to a user content, got %+v", contents)
	}
	fr := contents[0].Parts[0].FunctionResponse
	if fr == nil || fr.Name != "lookup" {
		t.Fatalf("functionResponse = %+v", fr)
	}
	var payload struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal(fr.Response, &payload); err != nil {
		t.Fatalf("response payload not valid json: %v", err)
	}
	if payload.Result != "result text" {
		t.Errorf("payload result = %q", payload.Result)
	}
}

func TestToGeminiToolsUseParametersJSONSchema(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","$defs":{"x":{"type":"string"}}}`)
	tools := toGeminiTools([]Tool{{Name: "lookup", Parameters: schema}})
	if len(tools) != 1 || len(tools[0].FunctionDeclarations) != 1 {
		t.Fatalf("unexpected tool shape: %+v", tools)
	}
	if string(tools[0].FunctionDeclarations[0].ParametersJSONSchema) != string(schema) {
		t.Error("full JSON schema should pass through parametersJsonSchema untouched")
	}
}

func sseBody(chunks ...string) io.ReadCloser {
	var sb strings.Builder
	for _, c := range chunks {
		sb.WriteString("data: ")
		sb.WriteString(c)
		sb.WriteString("\n\n")
	}
	return io.NopCloser(strings.NewReader(sb.String()))
}

func collectStream(t *testing.T, body io.ReadCloser) []StreamEvent {
	t.Helper()
	events := make(chan StreamEvent, 32)
	go parseGeminiSSEStream(body, events)
	var out []StreamEvent
	for evt := range events {
		out = append(out, evt)
	}
	return out
}

func TestGeminiStreamPromotesSignedTextToThinkingOnlyWithFunctionCall(t *testing.T) {
	// Chunk 1: signed text alongside a functionCall -> thinking.
	// Chunk 2: signed text alone -> plain content (Gemini 2.x attaches
	// signatures as metadata even on final-answer chunks).
	events := collectStream(t, sseBody(
		`{"candidates":[{"content":{"parts":[{"text":"pondering","thoughtSignature":"sig1"},{"functionCall":{"name":"lookup","args":{"q":"x"}},"thoughtSignature":"sig1"}]}}]}`,
		`{"candidates":[{"content":{"parts":[{"text":"the answer","thoughtSignature":"sig2"}]}}]}`,
	))

	var reasoning, content string
	var toolBegins int
	var toolSig string
	for _, evt := range events {
		switch evt.Type {
		case EventReasoningDelta:
			reasoning += evt.Content
		case EventContentDelta:
			content += evt.Content
		case EventToolCallBegin:
			toolBegins++
			toolSig = evt.ToolCallSignature
		}
	}

	if reasoning != "pondering" {
		t.Errorf("reasoning = %q, want pondering", reasoning)
	}
	if content != "the answer" {
		t.Errorf("content = %q, want the answer (signed final text must not promote)", content)
	}
	if toolBegins != 1 || toolSig != "sig1" {
		t.Errorf("tool call begins = %d sig = %q, want 1/sig1", toolBegins, toolSig)
	}
}

func TestGeminiStreamEmitsUsage(t *testing.T) {
	events := collectStream(t, sseBody(
		`{"candidates":[{"content":{"parts":[{"text":"hi"}]}}],"usageMetadata":{"promptTokenCount":12,"candidatesTokenCount":3}}`,
	))

	var usage *StreamEvent
	for i, evt := range events {
		if evt.Type == EventUsage {
			usage = &events[i]
		}
	}
	if usage == nil {
		t.Fatal("no usage event emitted")
	}
	if usage.InputTokens != 12 || usage.OutputTokens != 3 {
		t.Errorf("usage = %d/%d, want 12/3", usage.InputTokens, usage.OutputTokens)
	}
}

package mcp

import (
	"context"
	"encoding/json"
	"testing"
)

func TestProxyFallsBackToUpstreamOfflineClient(t *testing.T) {
	upstream := NewOfflineClient(
		[]Tool{{Name: "ping", Description: "replies pong", InputSchema: json.RawMessage(`{"type":"object"}`)}},
		map[string]ToolResult{
			"ping": {Content: []ContentBlock{{Type: "text", Text: "pong"}}},
		},
	)
	proxy := NewProxy(upstream)

	tools, err := proxy.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "ping" {
		t.Fatalf("tools = %+v, want [ping]", tools)
	}

	result, err := proxy.CallTool(context.Background(), "ping", nil)
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if result.IsError || len(result.Content) != 1 || result.Content[0].Text != "pong" {
		t.Fatalf("result = %+v, want pong", result)
	}
}

func TestProxyLocalToolTakesPriorityOverUpstream(t *testing.T) {
	upstream := NewOfflineClient(
		[]Tool{{Name: "ping"}},
		map[string]ToolResult{"ping": {Content: []ContentBlock{{Type: "text", Text: "upstream"}}}},
	)
	proxy := NewProxy(upstream)
	proxy.RegisterTool(Tool{Name: "ping"}, func(_ context.Context, _ json.RawMessage) (*ToolResult, error) {
		return &ToolResult{Content: []ContentBlock{{Type: "text", Text: "local"}}}, nil
	})

	result, err := proxy.CallTool(context.Background(), "ping", nil)
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if result.Content[0].Text != "local" {
		t.Fatalf("text = %q, want local (local handler should win)", result.Content[0].Text)
	}
}

func TestOfflineClientUnknownToolIsError(t *testing.T) {
	upstream := NewOfflineClient(nil, nil)

	result, err := upstream.CallTool(context.Background(), "missing", nil)
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if !result.IsError {
		t.Fatal("expected IsError for an unconfigured tool")
	}
}

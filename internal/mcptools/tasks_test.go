package mcptools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/xonecas/symb/internal/mcp"
)

func TestDynamicTaskMaterializes(t *testing.T) {
	registry := NewTaskRegistry()
	handler := MakeDynamicTaskHandler(registry)

	result, err := handler(context.Background(), json.RawMessage(`{"name":"audit","prompt":"review the diff","max_iterations":3}`))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %v", result.Content)
	}

	task, ok := registry.Get("audit")
	if !ok {
		t.Fatal("task not stored in registry")
	}
	if task.Prompt != "review the diff" || task.MaxIterations != 3 {
		t.Errorf("stored task = %+v", task)
	}
}

func TestDynamicTaskRequiresNameAndPrompt(t *testing.T) {
	handler := MakeDynamicTaskHandler(NewTaskRegistry())
	result, _ := handler(context.Background(), json.RawMessage(`{"name":"x"}`))
	if !result.IsError {
		t.Error("missing prompt should be an error result")
	}
}

func TestExecuteTasksUnknownTaskIsError(t *testing.T) {
	handler := MakeExecuteTasksHandler(NewTaskRegistry(), nil)
	result, _ := handler(context.Background(), json.RawMessage(`{"tasks":["ghost"]}`))
	if !result.IsError {
		t.Error("unknown task name should be an error result")
	}
	if !strings.Contains(result.Content[0].Text, "ghost") {
		t.Errorf("error should name the missing task: %v", result.Content)
	}
}

type staticLister struct {
	tools []mcp.Tool
}

func (s staticLister) ListTools(ctx context.Context) ([]mcp.Tool, error) { return s.tools, nil }

func TestRouterSearchRanksByKeywordOverlap(t *testing.T) {
	lister := staticLister{tools: []mcp.Tool{
		{Name: "Read", Description: "Read a file from disk"},
		{Name: "Edit", Description: "Edit a file on disk"},
		{Name: "WebSearch", Description: "Search the web for pages"},
	}}
	handler := MakeRouterSearchHandler(lister)

	result, err := handler(context.Background(), json.RawMessage(`{"query":"search web pages","top_k":1}`))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	text := result.Content[0].Text
	if !strings.HasPrefix(text, "WebSearch:") {
		t.Errorf("top result = %q, want WebSearch first", text)
	}
	if strings.Contains(text, "Read:") {
		t.Errorf("top_k=1 should return a single tool, got %q", text)
	}
}

func TestRouterSearchNoMatches(t *testing.T) {
	handler := MakeRouterSearchHandler(staticLister{tools: []mcp.Tool{{Name: "Read", Description: "Read a file"}}})
	result, _ := handler(context.Background(), json.RawMessage(`{"query":"zzzz"}`))
	if result.IsError {
		t.Fatal("no matches is not an error")
	}
	if result.Content[0].Text != "No matching tools found" {
		t.Errorf("text = %q", result.Content[0].Text)
	}
}

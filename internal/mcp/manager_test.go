package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func offlineExtension(name string, tools []Tool, results map[string]ToolResult) (ExtensionConfig, *OfflineClient) {
	cfg := ExtensionConfig{Type: ExtensionStreamableHTTP, Name: name, URI: "http://unused"}
	return cfg, NewOfflineClient(tools, results)
}

func TestManagerPrefixesExtensionTools(t *testing.T) {
	proxy := NewProxy(nil)
	proxy.RegisterTool(Tool{Name: "Read"}, func(ctx context.Context, args json.RawMessage) (*ToolResult, error) {
		return &ToolResult{Content: []ContentBlock{{Type: "text", Text: "builtin"}}}, nil
	})

	mgr := NewManager(proxy)
	cfg, client := offlineExtension("files", []Tool{{Name: "list"}}, map[string]ToolResult{
		"list": {Content: []ContentBlock{{Type: "text", Text: "a.txt"}}},
	})
	mgr.RegisterUpstream(cfg, client)

	tools, err := mgr.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}

	names := map[string]bool{}
	for _, tool := range tools {
		names[tool.Name] = true
	}
	if !names["Read"] {
		t.Error("builtin tool should keep its bare name")
	}
	if !names["files__list"] {
		t.Errorf("extension tool should be prefixed, got %v", names)
	}

	result, err := mgr.CallTool(context.Background(), "files__list", nil)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if result.Content[0].Text != "a.txt" {
		t.Errorf("prefixed dispatch returned %q, want a.txt", result.Content[0].Text)
	}
}

func TestManagerDispatchesBareNamesToBuiltin(t *testing.T) {
	proxy := NewProxy(nil)
	proxy.RegisterTool(Tool{Name: ManageScheduleToolName}, MakeManageScheduleHandler(NewScheduleRegistry()))

	mgr := NewManager(proxy)

	// platform__manage_schedule contains the separator but names no
	// registered extension: it must fall through to the builtin proxy.
	result, err := mgr.CallTool(context.Background(), ManageScheduleToolName, json.RawMessage(`{"action":"list"}`))
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if result.IsError {
		t.Errorf("expected builtin fallthrough to succeed, got error: %v", result.Content)
	}
}

func TestManagerRejectsSseExtension(t *testing.T) {
	mgr := NewManager(nil)
	err := mgr.AddExtension(context.Background(), ExtensionConfig{Type: ExtensionSse, Name: "legacy", URI: "http://x"})
	if err == nil {
		t.Fatal("expected sse extension to be rejected")
	}
}

func TestManagerAvailableToolsAllowlist(t *testing.T) {
	mgr := NewManager(nil)
	cfg, client := offlineExtension("ext", []Tool{{Name: "keep"}, {Name: "drop"}}, nil)
	cfg.AvailableTools = []string{"keep"}
	mgr.RegisterUpstream(cfg, client)

	tools, err := mgr.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "ext__keep" {
		t.Errorf("allowlist not applied, got %v", tools)
	}
}

func TestManagerFrontendToolParksUntilHostResult(t *testing.T) {
	mgr := NewManager(nil)
	mgr.RegisterUpstream(ExtensionConfig{
		Type:          ExtensionFrontend,
		Name:          "ui",
		FrontendTools: []Tool{{Name: "pick_file"}},
	}, nil)

	done := make(chan *ToolResult, 1)
	go func() {
		result, err := mgr.CallToolWithID(context.Background(), "call_42", "ui__pick_file", nil)
		if err != nil {
			t.Errorf("CallToolWithID: %v", err)
		}
		done <- result
	}()

	// Let the call park, then satisfy it by id.
	time.Sleep(10 * time.Millisecond)
	mgr.HandleToolResult("call_42", &ToolResult{Content: []ContentBlock{{Type: "text", Text: "/tmp/x"}}})

	select {
	case result := <-done:
		if result.Content[0].Text != "/tmp/x" {
			t.Errorf("frontend result = %q, want /tmp/x", result.Content[0].Text)
		}
	case <-time.After(time.Second):
		t.Fatal("frontend tool call never resolved")
	}
}

func TestManagerFrontendToolCancelledByContext(t *testing.T) {
	mgr := NewManager(nil)
	mgr.RegisterUpstream(ExtensionConfig{
		Type:          ExtensionFrontend,
		Name:          "ui",
		FrontendTools: []Tool{{Name: "pick_file"}},
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := mgr.CallToolWithID(ctx, "call_1", "ui__pick_file", nil); err == nil {
		t.Fatal("expected context cancellation error")
	}
}

type moimClient struct {
	*OfflineClient
	status string
}

func (m *moimClient) GetMoim(ctx context.Context, sessionID string) string { return m.status }

func TestManagerCollectsMoims(t *testing.T) {
	mgr := NewManager(nil)

	cfgA, clientA := offlineExtension("tasks", nil, nil)
	mgr.RegisterUpstream(cfgA, &moimClient{OfflineClient: clientA, status: "2 background tasks running"})

	cfgB, clientB := offlineExtension("quiet", nil, nil)
	mgr.RegisterUpstream(cfgB, &moimClient{OfflineClient: clientB, status: ""})

	moims := mgr.Moims(context.Background(), "20260802_1")
	if len(moims) != 1 {
		t.Fatalf("expected 1 moim, got %v", moims)
	}
	if moims[0] != "tasks: 2 background tasks running" {
		t.Errorf("moim = %q", moims[0])
	}
}

func TestManageExtensionsHandlerLifecycle(t *testing.T) {
	mgr := NewManager(nil)
	changed := 0
	mgr.OnStateChanged = func() { changed++ }
	handler := MakeManageExtensionsHandler(mgr)

	result, err := handler(context.Background(), json.RawMessage(`{"action":"enable","name":"helper","config":{"type":"builtin"}}`))
	if err != nil {
		t.Fatalf("enable: %v", err)
	}
	if result.IsError {
		t.Fatalf("enable failed: %v", result.Content)
	}
	if changed != 1 {
		t.Errorf("OnStateChanged fired %d times, want 1", changed)
	}

	result, _ = handler(context.Background(), json.RawMessage(`{"action":"list"}`))
	if result.IsError || result.Content[0].Text != "Registered extensions: helper" {
		t.Errorf("list = %+v", result.Content)
	}

	result, _ = handler(context.Background(), json.RawMessage(`{"action":"disable","name":"helper"}`))
	if result.IsError {
		t.Errorf("disable failed: %v", result.Content)
	}
	if changed != 2 {
		t.Errorf("OnStateChanged fired %d times, want 2", changed)
	}

	result, _ = handler(context.Background(), json.RawMessage(`{"action":"disable","name":"helper"}`))
	if !result.IsError {
		t.Error("disabling an unknown extension should be an error result")
	}
}

func TestManageScheduleHandlerLifecycle(t *testing.T) {
	registry := NewScheduleRegistry()
	handler := MakeManageScheduleHandler(registry)

	result, _ := handler(context.Background(), json.RawMessage(`{"action":"create","name":"daily","cron":"0 9 * * *","prompt":"summarize inbox"}`))
	if result.IsError {
		t.Fatalf("create failed: %v", result.Content)
	}

	result, _ = handler(context.Background(), json.RawMessage(`{"action":"create","name":"daily","cron":"0 9 * * *","prompt":"dup"}`))
	if !result.IsError {
		t.Error("duplicate schedule name should be an error result")
	}

	if got := len(registry.List()); got != 1 {
		t.Fatalf("registry has %d schedules, want 1", got)
	}

	result, _ = handler(context.Background(), json.RawMessage(`{"action":"remove","name":"daily"}`))
	if result.IsError {
		t.Errorf("remove failed: %v", result.Content)
	}
	if got := len(registry.List()); got != 0 {
		t.Errorf("registry has %d schedules after remove, want 0", got)
	}
}

package acpshim

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/xonecas/symb/internal/conversation"
)

func TestNewToolCallMinesLocationFromArguments(t *testing.T) {
	call := conversation.ToolCall{
		Name:      "Read",
		Arguments: json.RawMessage(`{"file":"main.go","start":12,"end":20}`),
	}

	tc := NewToolCall("tr_1", call)

	if tc.Status != StatusPending {
		t.Fatalf("status = %q, want pending", tc.Status)
	}
	if tc.Kind != "read" {
		t.Fatalf("kind = %q, want read", tc.Kind)
	}
	if len(tc.Locations) != 1 || tc.Locations[0].Path != "main.go" || tc.Locations[0].Line != 12 {
		t.Fatalf("locations = %+v, want [{main.go 12}]", tc.Locations)
	}
}

func TestNewToolCallUpdateFailedStatus(t *testing.T) {
	call := conversation.ToolCall{Name: "Edit", Arguments: json.RawMessage(`{"file":"a.go"}`)}

	update := NewToolCallUpdate("tr_2", call, nil, "file changed since read")

	if update.Status != StatusFailed {
		t.Fatalf("status = %q, want failed", update.Status)
	}
	if len(update.Content) != 1 || update.Content[0].Text != "file changed since read" {
		t.Fatalf("content = %+v", update.Content)
	}
}

func TestNewToolCallUpdateMinesDiffHunk(t *testing.T) {
	call := conversation.ToolCall{Name: "Edit", Arguments: json.RawMessage(`{"file":"a.go"}`)}
	result := &conversation.ToolResult{
		Content: []conversation.ResultContent{{
			Type: "text",
			Text: "Edited a.go (3 lines):\n\n--- a.go\n+++ a.go\n@@ -1,3 +1,3 @@\n-old\n+new\n",
		}},
	}

	update := NewToolCallUpdate("tr_3", call, result, "")

	if update.Status != StatusCompleted {
		t.Fatalf("status = %q, want completed", update.Status)
	}
	foundDiffLoc := false
	for _, loc := range update.Locations {
		if loc.Path == "a.go" && loc.Line == 1 {
			foundDiffLoc = true
		}
	}
	if !foundDiffLoc {
		t.Fatalf("locations = %+v, want a.go:1 mined from the diff hunk", update.Locations)
	}
}

func TestMineLocationsNumberedOutputFallback(t *testing.T) {
	args := json.RawMessage(`{"file":"b.go"}`)
	text := "Read b.go (lines 5-6 of 40):\n\n5: package main\n6: \n"

	locs := MineLocations("Read", args, text)

	found := false
	for _, l := range locs {
		if l.Path == "b.go" && l.Line == 5 {
			found = true
		}
	}
	if !found {
		t.Fatalf("locations = %+v, want b.go:5 mined from numbered output", locs)
	}
}

func TestToolCallNotificationIsNotifWithMethod(t *testing.T) {
	tc := ToolCall{ToolCallID: "tr_1", Title: "Read", Kind: "read", Status: StatusPending}

	req, err := tc.Notification()
	if err != nil {
		t.Fatalf("Notification() error = %v", err)
	}
	if !req.Notif {
		t.Fatal("expected a notification (Notif=true), got a request with an ID")
	}
	if req.Method != "tool_call" {
		t.Fatalf("method = %q, want tool_call", req.Method)
	}

	b, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal notification: %v", err)
	}
	if !strings.Contains(string(b), `"tool_call"`) {
		t.Fatalf("marshaled notification missing method: %s", b)
	}
}

func TestWriterSinkWritesNDJSON(t *testing.T) {
	var buf strings.Builder
	sink := NewWriterSink(&buf)

	update := ToolCallUpdate{ToolCallID: "tr_1", Status: StatusCompleted}
	notif, err := update.Notification()
	if err != nil {
		t.Fatalf("Notification() error = %v", err)
	}
	sink.Send(notif)

	out := buf.String()
	if !strings.HasSuffix(out, "\n") {
		t.Fatal("expected newline-terminated output")
	}
	if !strings.Contains(out, "tool_call_update") {
		t.Fatalf("output missing method: %s", out)
	}
}

func TestMineLocationsGrepStyleMatch(t *testing.T) {
	text := "Found 1 match(es):\n\ninternal/agent/agent.go:120:func (l *Loop) Run() {\n"

	locs := MineLocations("Grep", nil, text)

	if len(locs) != 1 || locs[0].Path != "internal/agent/agent.go" || locs[0].Line != 120 {
		t.Fatalf("locations = %+v, want internal/agent/agent.go:120", locs)
	}
}

type fakeResolver struct{ line int }

func (f fakeResolver) FindSymbolLine(relPath, name string) (int, bool) {
	if name == "Run" {
		return f.line, true
	}
	return 0, false
}

func TestResolveMissingLinesUsesResolver(t *testing.T) {
	locs := []Location{{Path: "agent.go"}}
	resolved := ResolveMissingLines(locs, "see Run for details", fakeResolver{line: 42})

	if resolved[0].Line != 42 {
		t.Fatalf("line = %d, want 42", resolved[0].Line)
	}
}

func TestResolveMissingLinesNilResolverNoop(t *testing.T) {
	locs := []Location{{Path: "agent.go"}}
	resolved := ResolveMissingLines(locs, "see Run for details", nil)

	if resolved[0].Line != 0 {
		t.Fatalf("line = %d, want 0 (no resolver)", resolved[0].Line)
	}
}

func TestNewToolCallUpdateResolvedFillsLineFromSymbol(t *testing.T) {
	call := conversation.ToolCall{Name: "Grep", Arguments: json.RawMessage(`{"file":"agent.go"}`)}
	result := &conversation.ToolResult{
		Content: []conversation.ResultContent{{Type: "text", Text: "mentions Run somewhere"}},
	}

	update := NewToolCallUpdateResolved("tr_4", call, result, "", fakeResolver{line: 7})

	found := false
	for _, l := range update.Locations {
		if l.Path == "agent.go" && l.Line == 7 {
			found = true
		}
	}
	if !found {
		t.Fatalf("locations = %+v, want agent.go:7 resolved from symbol", update.Locations)
	}
}

func TestDedupeLocationsPreservesFirstOccurrence(t *testing.T) {
	locs := dedupeLocations([]Location{
		{Path: "a.go", Line: 1},
		{Path: "a.go", Line: 1},
		{Path: "a.go", Line: 2},
	})
	if len(locs) != 2 {
		t.Fatalf("len = %d, want 2: %+v", len(locs), locs)
	}
}

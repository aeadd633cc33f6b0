package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xonecas/symb/internal/mcp"
)

func editSetup(t *testing.T) (string, *ReadHandler, *EditHandler) {
	t.Helper()
	root := t.TempDir()
	tracker := NewFileReadTracker()
	return root, NewReadHandler(tracker, root), NewEditHandler(tracker, root)
}

func callTool(t *testing.T, handle func(context.Context, json.RawMessage) (*mcp.ToolResult, error), args string) *mcp.ToolResult {
	t.Helper()
	result, err := handle(context.Background(), json.RawMessage(args))
	if err != nil {
		t.Fatalf("handler returned transport error: %v", err)
	}
	if result == nil {
		t.Fatal("handler returned nil result")
	}
	return result
}

func edittestResultText(r *mcp.ToolResult) string {
	var b strings.Builder
	for _, c := range r.Content {
		b.WriteString(c.Text)
	}
	return b.String()
}

func TestReadNumbersLines(t *testing.T) {
	root, read, _ := editSetup(t)
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("first\nsecond\nthird"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	result := callTool(t, read.Handle, `{"file":"a.txt"}`)
	if result.IsError {
		t.Fatalf("unexpected error: %s", edittestResultText(result))
	}
	text := edittestResultText(result)
	for _, want := range []string{"1: first", "2: second", "3: third"} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
}

func TestReadLineRange(t *testing.T) {
	root, read, _ := editSetup(t)
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("one\ntwo\nthree\nfour"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	result := callTool(t, read.Handle, `{"file":"a.txt","start":2,"end":3}`)
	text := edittestResultText(result)
	if !strings.Contains(text, "2: two") || !strings.Contains(text, "3: three") {
		t.Errorf("range output wrong:\n%s", text)
	}
	if strings.Contains(text, "1: one") || strings.Contains(text, "4: four") {
		t.Errorf("range output leaked lines outside [2,3]:\n%s", text)
	}
}

func TestReadRejectsPathOutsideRoot(t *testing.T) {
	_, read, _ := editSetup(t)
	result := callTool(t, read.Handle, `{"file":"../../etc/passwd"}`)
	if !result.IsError {
		t.Fatal("expected path escape to be rejected")
	}
}

func TestEditRequiresPriorRead(t *testing.T) {
	root, _, edit := editSetup(t)
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	result := callTool(t, edit.Handle, `{"file":"a.txt","old_string":"hello","new_string":"bye"}`)
	if !result.IsError || !strings.Contains(edittestResultText(result), "must Read") {
		t.Fatalf("expected read-before-edit rejection, got: %s", edittestResultText(result))
	}
}

func TestEditReplacesUniqueMatch(t *testing.T) {
	root, read, edit := editSetup(t)
	path := filepath.Join(root, "a.txt")
	if err := os.WriteFile(path, []byte("alpha\nbeta\ngamma\n"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	callTool(t, read.Handle, `{"file":"a.txt"}`)

	result := callTool(t, edit.Handle, `{"file":"a.txt","old_string":"beta","new_string":"delta"}`)
	if result.IsError {
		t.Fatalf("edit failed: %s", edittestResultText(result))
	}

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(after) != "alpha\ndelta\ngamma\n" {
		t.Errorf("file = %q, want alpha/delta/gamma", after)
	}

	// The result carries a unified diff so the host can mine locations.
	text := edittestResultText(result)
	if !strings.Contains(text, "+++") || !strings.Contains(text, "+delta") {
		t.Errorf("result missing unified diff:\n%s", text)
	}
}

func TestEditRejectsAmbiguousMatch(t *testing.T) {
	root, read, edit := editSetup(t)
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("x\nx\n"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	callTool(t, read.Handle, `{"file":"a.txt"}`)

	result := callTool(t, edit.Handle, `{"file":"a.txt","old_string":"x","new_string":"y"}`)
	if !result.IsError || !strings.Contains(edittestResultText(result), "replace_all") {
		t.Fatalf("expected ambiguity rejection suggesting replace_all, got: %s", edittestResultText(result))
	}
}

func TestEditReplaceAll(t *testing.T) {
	root, read, edit := editSetup(t)
	path := filepath.Join(root, "a.txt")
	if err := os.WriteFile(path, []byte("x\nx\n"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	callTool(t, read.Handle, `{"file":"a.txt"}`)

	result := callTool(t, edit.Handle, `{"file":"a.txt","old_string":"x","new_string":"y","replace_all":true}`)
	if result.IsError {
		t.Fatalf("edit failed: %s", edittestResultText(result))
	}
	after, _ := os.ReadFile(path)
	if string(after) != "y\ny\n" {
		t.Errorf("file = %q, want both occurrences replaced", after)
	}
}

func TestEditOldStringNotFound(t *testing.T) {
	root, read, edit := editSetup(t)
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("content"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	callTool(t, read.Handle, `{"file":"a.txt"}`)

	result := callTool(t, edit.Handle, `{"file":"a.txt","old_string":"absent","new_string":"y"}`)
	if !result.IsError || !strings.Contains(edittestResultText(result), "not found") {
		t.Fatalf("expected not-found rejection, got: %s", edittestResultText(result))
	}
}

func TestEditCreateNewFile(t *testing.T) {
	root, _, edit := editSetup(t)

	result := callTool(t, edit.Handle, `{"file":"sub/new.txt","new_string":"created\n","create":true}`)
	if result.IsError {
		t.Fatalf("create failed: %s", edittestResultText(result))
	}
	data, err := os.ReadFile(filepath.Join(root, "sub", "new.txt"))
	if err != nil {
		t.Fatalf("read created file: %v", err)
	}
	if string(data) != "created\n" {
		t.Errorf("created content = %q", data)
	}

	// Creating over an existing file must fail.
	result = callTool(t, edit.Handle, `{"file":"sub/new.txt","new_string":"again","create":true}`)
	if !result.IsError {
		t.Fatal("expected create over existing file to fail")
	}
}

func TestEditCreateCountsTowardRead(t *testing.T) {
	root, _, edit := editSetup(t)
	callTool(t, edit.Handle, `{"file":"n.txt","new_string":"a b a","create":true}`)

	// A file this handler just created is editable without a separate Read.
	result := callTool(t, edit.Handle, `{"file":"n.txt","old_string":"b","new_string":"c"}`)
	if result.IsError {
		t.Fatalf("edit after create failed: %s", edittestResultText(result))
	}
	data, _ := os.ReadFile(filepath.Join(root, "n.txt"))
	if string(data) != "a c a" {
		t.Errorf("file = %q, want %q", data, "a c a")
	}
}

func TestGrepContentSearch(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "code.go"), []byte("package main\nfunc Target() {}\n"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(root, "node_modules", "dep"), 0750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "node_modules", "dep", "x.go"), []byte("func Target() {}\n"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	handler := MakeGrepHandler(root)
	result := callTool(t, handler, `{"pattern":"target","content_search":true}`)
	text := edittestResultText(result)

	if !strings.Contains(text, "code.go:2:func Target") {
		t.Errorf("missing path:line:content match:\n%s", text)
	}
	if strings.Contains(text, "node_modules") {
		t.Errorf("ignored directory leaked into results:\n%s", text)
	}
}

func TestGrepFileSearch(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"alpha.go", "beta.txt"} {
		if err := os.WriteFile(filepath.Join(root, name), []byte("x"), 0600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	handler := MakeGrepHandler(root)
	result := callTool(t, handler, fmt.Sprintf(`{"pattern":%q}`, `\.go$`))
	text := edittestResultText(result)
	if !strings.Contains(text, "alpha.go") {
		t.Errorf("file search missed alpha.go:\n%s", text)
	}
	if strings.Contains(text, "beta.txt") {
		t.Errorf("file search matched beta.txt:\n%s", text)
	}
}

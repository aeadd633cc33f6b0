package treesitter

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleGo = `package sample

import "fmt"

const Version = "1.0"

var count int

type Widget struct {
	Name string
}

func Greet(name string) string {
	return fmt.Sprintf("hello %s", name)
}

func (w *Widget) Render() string {
	return w.Name
}
`

func writeSample(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestParseSourceExtractsTopLevelDefinitions(t *testing.T) {
	defs, err := ParseSource("sample.go", []byte(sampleGo))
	if err != nil {
		t.Fatalf("ParseSource: %v", err)
	}

	want := map[string]string{
		"sample":  "package",
		"Version": "const",
		"count":   "var",
		"Widget":  "type",
		"Greet":   "func",
		"Render":  "method",
	}
	got := map[string]string{}
	for _, d := range defs {
		got[d.Name] = d.Kind
	}
	for name, kind := range want {
		if got[name] != kind {
			t.Errorf("definition %q: kind = %q, want %q", name, got[name], kind)
		}
	}
}

func TestParseSourceUnsupportedExtension(t *testing.T) {
	defs, err := ParseSource("README.md", []byte("# hi"))
	if err != nil {
		t.Fatalf("ParseSource: %v", err)
	}
	if defs != nil {
		t.Errorf("expected nil definitions for unsupported file, got %v", defs)
	}
}

func TestIndexBuildAndFindSymbolLine(t *testing.T) {
	dir := t.TempDir()
	writeSample(t, dir, "widget.go", sampleGo)
	writeSample(t, dir, "notes.txt", "not source")

	idx := NewIndex(dir)
	if err := idx.Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}

	line, ok := idx.FindSymbolLine("widget.go", "Greet")
	if !ok {
		t.Fatal("Greet not found in index")
	}
	if line != 13 {
		t.Errorf("Greet line = %d, want 13", line)
	}

	if _, ok := idx.FindSymbolLine("widget.go", "Missing"); ok {
		t.Error("unknown symbol should not resolve")
	}
	if _, ok := idx.FindSymbolLine("notes.txt", "anything"); ok {
		t.Error("non-source file should not be indexed")
	}
}

func TestIndexUpdateFile(t *testing.T) {
	dir := t.TempDir()
	path := writeSample(t, dir, "widget.go", sampleGo)

	idx := NewIndex(dir)
	if err := idx.Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}

	if err := os.WriteFile(path, []byte("package sample\n\nfunc Replaced() {}\n"), 0600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	idx.UpdateFile(path)

	if _, ok := idx.FindSymbolLine("widget.go", "Greet"); ok {
		t.Error("stale symbol survived UpdateFile")
	}
	if _, ok := idx.FindSymbolLine("widget.go", "Replaced"); !ok {
		t.Error("new symbol not indexed after UpdateFile")
	}
}

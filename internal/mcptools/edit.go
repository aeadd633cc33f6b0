package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"

	"github.com/xonecas/symb/internal/mcp"
)

// EditArgs are the arguments to the Edit tool. Either create a new file
// (create=true with new_string as the full content), or replace old_string
// with new_string in an existing, previously-Read file.
type EditArgs struct {
	File       string `json:"file"`
	OldString  string `json:"old_string,omitempty"`
	NewString  string `json:"new_string"`
	ReplaceAll bool   `json:"replace_all,omitempty"`
	Create     bool   `json:"create,omitempty"`
}

// NewEditTool creates the Edit tool definition.
func NewEditTool() mcp.Tool {
	return mcp.Tool{
		Name: "Edit",
		Description: `Edit a file by exact text replacement, or create a new one.
You MUST Read the file first; old_string must match the file content exactly (whitespace included, without the "N: " line-number prefixes Read adds).
old_string must match exactly once — include surrounding lines to disambiguate, or set replace_all to change every occurrence.
To create a new file, set create=true and put the full content in new_string.`,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"file":        {"type": "string", "description": "Path to the file, relative to the session working directory"},
				"old_string":  {"type": "string", "description": "Exact text to replace (required unless create=true)"},
				"new_string":  {"type": "string", "description": "Replacement text, or the full file content when create=true"},
				"replace_all": {"type": "boolean", "description": "Replace every occurrence of old_string. Default: false (old_string must be unique)"},
				"create":      {"type": "boolean", "description": "Create a new file. Fails if the file already exists."}
			},
			"required": ["file", "new_string"]
		}`),
	}
}

// EditHandler serves the Edit tool for one session, rooted at the session's
// working directory. The tracker enforces the read-before-edit rule.
type EditHandler struct {
	tracker *FileReadTracker
	root    string
}

// NewEditHandler creates an Edit handler rooted at root.
func NewEditHandler(tracker *FileReadTracker, root string) *EditHandler {
	return &EditHandler{tracker: tracker, root: root}
}

// Handle implements mcp.ToolHandler.
func (h *EditHandler) Handle(_ context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
	var args EditArgs
	if err := json.Unmarshal(arguments, &args); err != nil {
		return toolError("Invalid arguments: %v", err), nil
	}
	if args.File == "" {
		return toolError("file is required"), nil
	}

	absPath, err := resolvePath(h.root, args.File)
	if err != nil {
		return toolError("%v", err), nil
	}

	if args.Create {
		return h.create(absPath, args)
	}
	return h.replace(absPath, args)
}

func (h *EditHandler) create(absPath string, args EditArgs) (*mcp.ToolResult, error) {
	if _, err := os.Stat(absPath); err == nil {
		return toolError("File already exists: %s (Read it and use old_string/new_string to modify)", args.File), nil
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0750); err != nil {
		return toolError("Failed to create directories: %v", err), nil
	}
	if err := os.WriteFile(absPath, []byte(args.NewString), 0600); err != nil {
		return toolError("Failed to create file: %v", err), nil
	}
	h.tracker.MarkRead(absPath)

	diff := unifiedDiff(args.File, "", args.NewString)
	return toolText(fmt.Sprintf("Created %s (%d lines):\n\n%s", args.File, lineCount(args.NewString), diff)), nil
}

func (h *EditHandler) replace(absPath string, args EditArgs) (*mcp.ToolResult, error) {
	if args.OldString == "" {
		return toolError("old_string is required (or set create=true for a new file)"), nil
	}
	if args.OldString == args.NewString {
		return toolError("old_string and new_string are identical"), nil
	}
	if !h.tracker.WasRead(absPath) {
		return toolError("You must Read %s before editing it — Edit matches against the exact text you saw.", args.File), nil
	}

	content, err := os.ReadFile(absPath)
	if err != nil {
		return toolError("Failed to read file: %v", err), nil
	}
	before := string(content)

	count := strings.Count(before, args.OldString)
	switch {
	case count == 0:
		return toolError("old_string not found in %s — re-Read the file; it may have changed since you read it.", args.File), nil
	case count > 1 && !args.ReplaceAll:
		return toolError("old_string matches %d times in %s — include more surrounding context to make it unique, or set replace_all.", count, args.File), nil
	}

	var after string
	if args.ReplaceAll {
		after = strings.ReplaceAll(before, args.OldString, args.NewString)
	} else {
		after = strings.Replace(before, args.OldString, args.NewString, 1)
	}

	if err := os.WriteFile(absPath, []byte(after), 0600); err != nil {
		return toolError("Failed to write file: %v", err), nil
	}

	diff := unifiedDiff(args.File, before, after)
	replaced := ""
	if args.ReplaceAll && count > 1 {
		replaced = fmt.Sprintf(" (%d occurrences)", count)
	}
	return toolText(fmt.Sprintf("Edited %s%s:\n\n%s", args.File, replaced, diff)), nil
}

// unifiedDiff renders a unified diff between before and after, labeled with
// displayPath. The diff doubles as the line-number source for the host's
// tool_call_update locations mining.
func unifiedDiff(displayPath, before, after string) string {
	edits := myers.ComputeEdits(span.URIFromPath(displayPath), before, after)
	return fmt.Sprint(gotextdiff.ToUnified(displayPath, displayPath, before, edits))
}

func lineCount(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}

package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xonecas/symb/internal/mcp"
)

// ReadArgs are the arguments to the Read tool.
type ReadArgs struct {
	File  string `json:"file"`
	Start int    `json:"start,omitempty"` // first line, 1-indexed
	End   int    `json:"end,omitempty"`   // last line, 1-indexed, inclusive
}

// NewReadTool creates the Read tool definition.
func NewReadTool() mcp.Tool {
	return mcp.Tool{
		Name:        "Read",
		Description: `Read a file. Output is line-numbered as "N: content". You MUST Read a file before editing it with Edit — Edit matches on the exact text you saw. Use start/end to read a line range of a large file.`,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"file":  {"type": "string", "description": "Path to the file, relative to the session working directory"},
				"start": {"type": "integer", "description": "Optional: first line to read (1-indexed, inclusive)"},
				"end":   {"type": "integer", "description": "Optional: last line to read (1-indexed, inclusive)"}
			},
			"required": ["file"]
		}`),
	}
}

// ReadHandler serves the Read tool for one session, rooted at the session's
// working directory.
type ReadHandler struct {
	tracker *FileReadTracker
	root    string
}

// NewReadHandler creates a Read handler rooted at root.
func NewReadHandler(tracker *FileReadTracker, root string) *ReadHandler {
	return &ReadHandler{tracker: tracker, root: root}
}

// Handle implements mcp.ToolHandler.
func (h *ReadHandler) Handle(_ context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
	var args ReadArgs
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

	content, err := os.ReadFile(absPath)
	if err != nil {
		return toolError("Failed to read file: %v", err), nil
	}
	h.tracker.MarkRead(absPath)

	lines := strings.Split(string(content), "\n")
	start, end, err := clampRange(len(lines), args.Start, args.End)
	if err != nil {
		return toolError("%v", err), nil
	}

	var b strings.Builder
	if start > 1 || end < len(lines) {
		fmt.Fprintf(&b, "Read %s (lines %d-%d of %d):\n\n", args.File, start, end, len(lines))
	} else {
		fmt.Fprintf(&b, "Read %s (%d lines):\n\n", args.File, len(lines))
	}
	for i := start; i <= end; i++ {
		fmt.Fprintf(&b, "%d: %s\n", i, lines[i-1])
	}

	return toolText(b.String()), nil
}

// clampRange normalizes an optional 1-indexed inclusive line range against a
// file of total lines.
func clampRange(total, start, end int) (int, int, error) {
	if start <= 0 {
		start = 1
	}
	if end <= 0 || end > total {
		end = total
	}
	if start > total {
		return 0, 0, fmt.Errorf("start line %d out of range (file has %d lines)", start, total)
	}
	if start > end {
		return 0, 0, fmt.Errorf("invalid range: start (%d) > end (%d)", start, end)
	}
	return start, end, nil
}

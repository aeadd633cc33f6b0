// Package acpshim models the semantic event shapes the Agent-Client Protocol
// layer forwards to a connected client once a tool call is dispatched: a
// tool_call notification followed by one or more tool_call_update
// notifications carrying the Pending -> Completed|Failed transition,
// aggregated content, and best-effort locations[]. The
// JSON-RPC 2.0 wire protocol itself lives in a sibling library out of this
// module's scope; this package only builds the notification payloads and
// mines locations from tool arguments and textual results, framing them as
// github.com/sourcegraph/jsonrpc2 notifications.
package acpshim

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/xonecas/symb/internal/conversation"
)

// Status mirrors the ACP tool_call_update status enum.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Location is a best-effort file/line reference mined from a tool call's
// arguments or textual result.
type Location struct {
	Path string `json:"path"`
	Line int    `json:"line,omitempty"`
}

// ContentBlock is the wire shape a tool_call_update's content array uses —
// the ACP-facing twin of conversation.ResultContent.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolCall is the notification emitted the moment an approved tool request
// is dispatched, before its result is known.
type ToolCall struct {
	ToolCallID string          `json:"toolCallId"`
	Title      string          `json:"title"`
	Kind       string          `json:"kind"`
	Status     Status          `json:"status"`
	RawInput   json.RawMessage `json:"rawInput,omitempty"`
	Locations  []Location      `json:"locations,omitempty"`
}

// ToolCallUpdate carries the terminal status transition plus aggregated
// content and mined locations for one tool call.
type ToolCallUpdate struct {
	ToolCallID string          `json:"toolCallId"`
	Status     Status          `json:"status"`
	Content    []ContentBlock  `json:"content,omitempty"`
	Locations  []Location      `json:"locations,omitempty"`
	RawOutput  json.RawMessage `json:"rawOutput,omitempty"`
}

// kindForTool classifies a tool name into the ACP "kind" taxonomy so a
// connected client can choose an icon without pattern-matching tool names.
func kindForTool(name string) string {
	switch name {
	case "Read":
		return "read"
	case "Edit":
		return "edit"
	case "Grep":
		return "search"
	case "Shell":
		return "execute"
	case "WebFetch", "WebSearch":
		return "fetch"
	case "TodoWrite":
		return "think"
	default:
		return "other"
	}
}

// NewToolCall builds the initial Pending notification for a dispatched tool
// request.
func NewToolCall(id string, call conversation.ToolCall) ToolCall {
	return ToolCall{
		ToolCallID: id,
		Title:      call.Name,
		Kind:       kindForTool(call.Name),
		Status:     StatusPending,
		RawInput:   call.Arguments,
		Locations:  MineLocations(call.Name, call.Arguments, ""),
	}
}

// NewToolCallUpdate builds the terminal notification for a tool call once
// its result (or error) is known, aggregating content and mining
// locations[] from both the original arguments and the textual response.
func NewToolCallUpdate(id string, call conversation.ToolCall, result *conversation.ToolResult, resultErr string) ToolCallUpdate {
	u := ToolCallUpdate{ToolCallID: id, Status: StatusCompleted}

	var text strings.Builder
	if resultErr != "" || (result != nil && result.IsError) {
		u.Status = StatusFailed
	}
	if result != nil {
		for _, c := range result.Content {
			u.Content = append(u.Content, ContentBlock{Type: c.Type, Text: c.Text})
			text.WriteString(c.Text)
			text.WriteByte('\n')
		}
		u.RawOutput = result.StructuredContent
	}
	if resultErr != "" {
		u.Content = append(u.Content, ContentBlock{Type: "text", Text: resultErr})
		text.WriteString(resultErr)
	}

	u.Locations = MineLocations(call.Name, call.Arguments, text.String())
	return u
}

// NewToolCallUpdateResolved is NewToolCallUpdate plus a tree-sitter-backed
// resolver pass that fills in line numbers acpshim's regex mining left
// blank. Pass a nil resolver to skip the extra pass.
func NewToolCallUpdateResolved(id string, call conversation.ToolCall, result *conversation.ToolResult, resultErr string, resolver Resolver) ToolCallUpdate {
	u := NewToolCallUpdate(id, call, result, resultErr)
	u.Locations = ResolveMissingLines(u.Locations, collectContentText(u.Content), resolver)
	return u
}

func collectContentText(blocks []ContentBlock) string {
	var b strings.Builder
	for _, c := range blocks {
		b.WriteString(c.Text)
		b.WriteByte('\n')
	}
	return b.String()
}

var (
	diffPlusHeaderRe = regexp.MustCompile(`(?m)^\+\+\+ (.+)$`)
	diffHunkRe       = regexp.MustCompile(`(?m)^@@ -\d+(?:,\d+)? \+(\d+)(?:,\d+)? @@`)
	numberedLineRe   = regexp.MustCompile(`(?m)^(\d+): `)
	grepMatchRe      = regexp.MustCompile(`(?m)^([^\s:][^:\n]*):(\d+):`)
	identifierRe     = regexp.MustCompile(`\b[A-Za-z_][A-Za-z0-9_]{2,}\b`)
)

// Resolver looks up the line a named symbol starts on within a file,
// backed by internal/treesitter's project-wide symbol index. Kept as a
// narrow interface so acpshim doesn't import treesitter directly.
type Resolver interface {
	FindSymbolLine(relPath, name string) (int, bool)
}

// MineLocations makes a best-effort guess at the file paths and line
// numbers a tool call touched, from its JSON arguments and/or its textual
// result. Read/Edit-shaped arguments (a
// "file"/"path" field plus start/end line fields) are recognized by field
// name; the text is scanned for unified-diff headers (the Edit tool's
// gotextdiff output), the Read tool's "N: content" line numbering, and
// grep-style "path:line:" matches.
func MineLocations(toolName string, args json.RawMessage, text string) []Location {
	_ = toolName // kept for future per-tool argument shapes; unused today

	var locs []Location
	path, lines := minePathAndLines(args)
	if path != "" {
		loc := Location{Path: path}
		if len(lines) > 0 {
			loc.Line = lines[0]
		}
		locs = append(locs, loc)
	}

	for _, m := range diffPlusHeaderRe.FindAllStringSubmatch(text, -1) {
		p := strings.TrimSpace(m[1])
		if p == "" || p == "/dev/null" {
			continue
		}
		line := 0
		if hm := diffHunkRe.FindStringSubmatch(text); hm != nil {
			line, _ = strconv.Atoi(hm[1])
		}
		locs = append(locs, Location{Path: p, Line: line})
	}

	if path != "" {
		if m := numberedLineRe.FindStringSubmatch(text); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				locs = append(locs, Location{Path: path, Line: n})
			}
		}
	}

	for _, m := range grepMatchRe.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		locs = append(locs, Location{Path: m[1], Line: n})
	}

	return dedupeLocations(locs)
}

// ResolveMissingLines fills in a line number for any location acpshim could
// only anchor to a path (e.g. a bare "file" argument with no start/end), by
// scanning text for an identifier the resolver recognizes as a symbol
// defined in that path. Best-effort: the first identifier that resolves
// wins. No-op if resolver is nil.
func ResolveMissingLines(locs []Location, text string, resolver Resolver) []Location {
	if resolver == nil {
		return locs
	}
	for i, loc := range locs {
		if loc.Line != 0 {
			continue
		}
		for _, ident := range identifierRe.FindAllString(text, -1) {
			if line, ok := resolver.FindSymbolLine(loc.Path, ident); ok {
				locs[i].Line = line
				break
			}
		}
	}
	return locs
}

// minePathAndLines extracts a "file"/"path" string field and any integer
// "start"/"end" line fields out of a tool call's raw JSON arguments (the
// Read tool's range arguments).
func minePathAndLines(args json.RawMessage) (string, []int) {
	if len(args) == 0 {
		return "", nil
	}
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(args, &generic); err != nil {
		return "", nil
	}

	var path string
	for _, key := range []string{"file", "path"} {
		raw, ok := generic[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			path = s
			break
		}
	}

	var lines []int
	for _, key := range []string{"start", "end"} {
		raw, ok := generic[key]
		if !ok {
			continue
		}
		var n int
		if err := json.Unmarshal(raw, &n); err == nil && n > 0 {
			lines = append(lines, n)
		}
	}
	sort.Ints(lines)
	return path, lines
}

func dedupeLocations(locs []Location) []Location {
	if len(locs) == 0 {
		return nil
	}
	seen := make(map[Location]bool, len(locs))
	out := make([]Location, 0, len(locs))
	for _, l := range locs {
		if seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}

// Notification wraps payload as a jsonrpc2 notification request (no ID, no
// response expected), ready for a sibling ACP server to write onto its
// JSON-RPC transport. Returns an error only if payload cannot be marshaled.
func Notification(method string, payload any) (*jsonrpc2.Request, error) {
	req := &jsonrpc2.Request{Method: method, Notif: true}
	if err := req.SetParams(payload); err != nil {
		return nil, fmt.Errorf("acpshim: set params for %s: %w", method, err)
	}
	return req, nil
}

// Notification renders tc as a "tool_call" jsonrpc2 notification.
func (tc ToolCall) Notification() (*jsonrpc2.Request, error) {
	return Notification("tool_call", tc)
}

// Notification renders u as a "tool_call_update" jsonrpc2 notification.
func (u ToolCallUpdate) Notification() (*jsonrpc2.Request, error) {
	return Notification("tool_call_update", u)
}

// Sink is implemented by whatever forwards notifications onto the real ACP
// transport. The reply loop only depends on this interface; the JSON-RPC
// server itself lives in the host.
type Sink interface {
	Send(req *jsonrpc2.Request)
}

// WriterSink serializes each notification as a newline-delimited JSON
// object. Useful for hosts that want to log or pipe the ACP event stream
// without running a live JSON-RPC connection.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink wraps w as a Sink.
func NewWriterSink(w io.Writer) *WriterSink { return &WriterSink{w: w} }

// Send implements Sink.
func (s *WriterSink) Send(req *jsonrpc2.Request) {
	if s == nil || req == nil {
		return
	}
	b, err := json.Marshal(req)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Write(append(b, '\n'))
}

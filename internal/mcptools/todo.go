package mcptools

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/xonecas/symb/internal/mcp"
)

// TodoList holds the agent's current working plan. The snapshot is surfaced
// back to the model through the system prompt's MOIM line each turn, and the
// OnChange hook lets the host mirror it into the session row's
// extension_data so a resumed session starts with the plan intact.
type TodoList struct {
	mu      sync.RWMutex
	content string

	onChange func(content string)
}

// NewTodoList creates a TodoList. onChange, if non-nil, is invoked with the
// full plan text after every update (the host persists it to the session's
// extension_data).
func NewTodoList(onChange func(content string)) *TodoList {
	return &TodoList{onChange: onChange}
}

// Seed installs previously-persisted plan content without firing onChange,
// used when resuming a session.
func (l *TodoList) Seed(content string) {
	l.mu.Lock()
	l.content = content
	l.mu.Unlock()
}

// Snapshot returns the current plan text.
func (l *TodoList) Snapshot() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.content
}

// Moim renders the plan as a system-prompt status line, or "" when no plan
// has been written.
func (l *TodoList) Moim() string {
	s := l.Snapshot()
	if s == "" {
		return ""
	}
	return "current plan:\n" + s
}

func (l *TodoList) set(content string) {
	l.mu.Lock()
	l.content = content
	hook := l.onChange
	l.mu.Unlock()
	if hook != nil {
		hook(content)
	}
}

// TodoWriteArgs are the arguments to the TodoWrite tool.
type TodoWriteArgs struct {
	Content string `json:"content"`
}

// NewTodoWriteTool creates the TodoWrite tool definition.
func NewTodoWriteTool() mcp.Tool {
	return mcp.Tool{
		Name:        "TodoWrite",
		Description: `Write or update your working plan. The content replaces any previous plan and stays visible in your context each turn. Use it to track goals, progress, and next steps for tasks with 3+ steps; rewrite it as you complete steps. Skip it for simple single-step tasks.`,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"content": {"type": "string", "description": "Your current plan, todo list, or working notes. Replaces the previous content entirely."}
			},
			"required": ["content"]
		}`),
	}
}

// MakeTodoWriteHandler creates the TodoWrite handler over list.
func MakeTodoWriteHandler(list *TodoList) mcp.ToolHandler {
	return func(_ context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
		var args TodoWriteArgs
		if err := json.Unmarshal(arguments, &args); err != nil {
			return toolError("Invalid arguments: %v", err), nil
		}
		if args.Content == "" {
			return toolError("content cannot be empty"), nil
		}
		list.set(args.Content)
		return toolText("Plan updated."), nil
	}
}

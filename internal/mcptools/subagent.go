package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xonecas/symb/internal/agent"
	"github.com/xonecas/symb/internal/conversation"
	"github.com/xonecas/symb/internal/inspect"
	"github.com/xonecas/symb/internal/mcp"
	"github.com/xonecas/symb/internal/provider"
	"github.com/xonecas/symb/internal/shell"
	"github.com/xonecas/symb/internal/store"
)

const (
	// MaxSubAgentDepth is the maximum recursion depth for sub-agents.
	// Depth 0 = root agent, depth 1 = sub-agent spawned by root.
	MaxSubAgentDepth = 1

	// MaxSubAgentIterations is the default max tool rounds for sub-agents.
	MaxSubAgentIterations = 5

	// MaxAllowedIterations is the upper bound for user-specified max_iterations.
	MaxAllowedIterations = 20
)

// SubAgentArgs represents arguments for the SubAgent tool.
type SubAgentArgs struct {
	Prompt        string `json:"prompt"`
	MaxIterations int    `json:"max_iterations,omitempty"`
}

// NewSubAgentTool creates the SubAgent tool definition.
func NewSubAgentTool() mcp.Tool {
	return mcp.Tool{
		Name:        "SubAgent",
		Description: `Spawn a sub-agent to handle a focused task. The sub-agent runs with the same tools but cannot spawn further sub-agents. Use this to decompose complex tasks into smaller, manageable pieces. The sub-agent's work is returned as a summary.`,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"prompt":         {"type": "string", "description": "Task description for the sub-agent. Be specific about what needs to be accomplished and the expected output format."},
				"max_iterations": {"type": "integer", "description": "Maximum tool rounds for the sub-agent (default: 5)"}
			},
			"required": ["prompt"]
		}`),
	}
}

// SubAgentHandler handles SubAgent tool calls. It drives a nested
// internal/agent.Loop over an ephemeral, in-memory session so a sub-agent's
// conversation never touches the parent's session row.
type SubAgentHandler struct {
	provider provider.Provider
	sh       *shell.Shell
	webCache *store.WebCache
	exaKey   string
	allTools []mcp.Tool
	root     string
}

// NewSubAgentHandler creates a handler for the SubAgent tool. root is the
// parent session's working directory; sub-agents share it. webCache may be
// nil (the web tools check internally).
func NewSubAgentHandler(
	prov provider.Provider,
	sh *shell.Shell,
	webCache *store.WebCache,
	exaKey string,
	allTools []mcp.Tool,
	root string,
) *SubAgentHandler {
	if prov == nil {
		panic("SubAgentHandler: provider cannot be nil")
	}
	if sh == nil {
		panic("SubAgentHandler: shell cannot be nil")
	}

	return &SubAgentHandler{
		provider: prov,
		sh:       sh,
		webCache: webCache,
		exaKey:   exaKey,
		allTools: allTools,
		root:     root,
	}
}

// Handle implements the mcp.ToolHandler interface.
func (h *SubAgentHandler) Handle(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
	if err := ctx.Err(); err != nil {
		return toolError("Sub-agent cancelled: %v", err), nil
	}

	var args SubAgentArgs
	if err := json.Unmarshal(arguments, &args); err != nil {
		return toolError("Invalid arguments: %v", err), nil
	}
	if args.Prompt == "" {
		return toolError("prompt is required"), nil
	}

	maxIter := MaxSubAgentIterations
	if args.MaxIterations > 0 {
		if args.MaxIterations > MaxAllowedIterations {
			return toolError("max_iterations too large (max: %d)", MaxAllowedIterations), nil
		}
		maxIter = args.MaxIterations
	}

	// Sub-agents get their own file-read tracker so Edit's read-before-write
	// rule is scoped to this task, not the parent's history.
	subTracker := NewFileReadTracker()
	subReadHandler := NewReadHandler(subTracker, h.root)
	subEditHandler := NewEditHandler(subTracker, h.root)
	subShellHandler := NewShellHandler(h.sh)

	subProxy := mcp.NewProxy(nil)
	filteredTools := filterSubAgentTool(h.allTools)
	for _, tool := range filteredTools {
		switch tool.Name {
		case "Read":
			subProxy.RegisterTool(tool, subReadHandler.Handle)
		case "Edit":
			subProxy.RegisterTool(tool, subEditHandler.Handle)
		case "Shell":
			subProxy.RegisterTool(tool, subShellHandler.Handle)
		case "Grep":
			subProxy.RegisterTool(tool, MakeGrepHandler(h.root))
		case "TodoWrite":
			// Sub-agents get their own plan, not persisted anywhere.
			subProxy.RegisterTool(tool, MakeTodoWriteHandler(NewTodoList(nil)))
		case "WebFetch":
			subProxy.RegisterTool(tool, MakeWebFetchHandler(h.webCache))
		case "WebSearch":
			subProxy.RegisterTool(tool, MakeWebSearchHandler(h.webCache, h.exaKey, ""))
		}
	}

	subStore, err := store.Open(":memory:")
	if err != nil {
		return toolError("Sub-agent failed: could not open session store: %v", err), nil
	}
	defer subStore.Close()

	sess, err := subStore.CreateSession(ctx, h.root, "sub-agent task")
	if err != nil {
		return toolError("Sub-agent failed: could not create session: %v", err), nil
	}

	loop := agent.New(agent.Config{
		Provider:   h.provider,
		Summarizer: provider.Summarizer{Provider: h.provider},
		Store:      subStore,
		Proxy:      subProxy,
		Mode:       inspect.ModeAuto, // sub-agents run unattended; every tool auto-approves
		MaxTurns:   maxIter,
		Depth:      1,
	})

	events := make(chan agent.Event, 32)
	runErr := make(chan error, 1)
	go func() { runErr <- loop.Run(ctx, sess.ID, buildSubAgentPrompt(args.Prompt), events) }()

	var subMessages []conversation.Message
	for evt := range events {
		if evt.Type == agent.EventMessage {
			subMessages = append(subMessages, evt.Message)
		}
	}
	if err := <-runErr; err != nil {
		return toolError("Sub-agent failed: %v", err), nil
	}

	var finalContent string
	for i := len(subMessages) - 1; i >= 0; i-- {
		if subMessages[i].Role == conversation.RoleAssistant {
			if text := subMessages[i].Text(); text != "" {
				finalContent = text
				break
			}
		}
	}
	if finalContent == "" {
		return toolError("Sub-agent produced no final response"), nil
	}

	totalIn, totalOut := 0, 0
	if final, err := subStore.GetSession(ctx, sess.ID, false); err == nil {
		totalIn, totalOut = final.AccumulatedInputTokens, final.AccumulatedOutputTokens
	}

	result := fmt.Sprintf("Sub-agent completed.\n\n%s\n\n---\nToken usage: %d in, %d out",
		finalContent, totalIn, totalOut)
	return toolText(result), nil
}

// buildSubAgentPrompt prefixes the task prompt with the sub-agent system
// instructions, since agent.Loop.Run takes a single user turn rather than a
// pre-seeded system+user history.
func buildSubAgentPrompt(task string) string {
	return buildSubAgentSystemPrompt() + "\n\n---\n\nTask:\n" + task
}

// filterSubAgentTool removes the SubAgent tool from a tool list.
func filterSubAgentTool(tools []mcp.Tool) []mcp.Tool {
	filtered := make([]mcp.Tool, 0, len(tools))
	for _, t := range tools {
		if t.Name != "SubAgent" {
			filtered = append(filtered, t)
		}
	}
	return filtered
}

// buildSubAgentSystemPrompt returns the system prompt for sub-agents.
func buildSubAgentSystemPrompt() string {
	return strings.TrimSpace(`
You are a focused sub-agent working on a specific task assigned by a parent agent.

Your role:
- Complete the assigned task efficiently
- Use tools as needed (Read, Edit, Grep, Shell, etc.)
- Provide a clear, concise final response summarizing what you accomplished
- You cannot spawn further sub-agents

Output format:
- Use tools to gather information and make changes
- When done, respond with a summary of what was accomplished
- Be specific about any files modified, tests run, or issues found

You have a limited number of tool rounds - work efficiently.
`)
}

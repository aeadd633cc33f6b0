package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/xonecas/symb/internal/mcp"
)

// Task is one unit of delegated work: a prompt plus an optional iteration
// budget, materialized either ad hoc (dynamic_task) or as part of a batch
// (subagent_execute_task).
type Task struct {
	Name          string `json:"name"`
	Prompt        string `json:"prompt"`
	MaxIterations int    `json:"max_iterations,omitempty"`
}

// TaskRegistry holds materialized tasks between the call that defines them
// and the call that executes them.
type TaskRegistry struct {
	mu    sync.Mutex
	tasks map[string]Task
}

// NewTaskRegistry creates an empty registry.
func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{tasks: map[string]Task{}}
}

// Put stores or replaces a task by name.
func (r *TaskRegistry) Put(t Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.Name] = t
}

// Get looks a task up by name.
func (r *TaskRegistry) Get(name string) (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[name]
	return t, ok
}

// DynamicTaskArgs represents arguments for the dynamic_task tool.
type DynamicTaskArgs struct {
	Name          string `json:"name"`
	Prompt        string `json:"prompt"`
	MaxIterations int    `json:"max_iterations,omitempty"`
}

// NewDynamicTaskTool creates the dynamic_task tool definition.
func NewDynamicTaskTool() mcp.Tool {
	return mcp.Tool{
		Name:        "dynamic_task",
		Description: "Materialize an ad-hoc named task from a prompt. The task can then be executed (alone or with others) via subagent_execute_task.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"name":           {"type": "string", "description": "Unique task name"},
				"prompt":         {"type": "string", "description": "What the task should accomplish"},
				"max_iterations": {"type": "integer", "description": "Tool-round budget for the task (default: 5)"}
			},
			"required": ["name", "prompt"]
		}`),
	}
}

// MakeDynamicTaskHandler creates a handler for dynamic_task.
func MakeDynamicTaskHandler(registry *TaskRegistry) mcp.ToolHandler {
	return func(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
		var args DynamicTaskArgs
		if err := json.Unmarshal(arguments, &args); err != nil {
			return toolError("Invalid arguments: %v", err), nil
		}
		if args.Name == "" || args.Prompt == "" {
			return toolError("name and prompt are required"), nil
		}
		registry.Put(Task{Name: args.Name, Prompt: args.Prompt, MaxIterations: args.MaxIterations})
		return toolText(fmt.Sprintf("Task %q materialized. Execute it with subagent_execute_task.", args.Name)), nil
	}
}

// ExecuteTasksArgs represents arguments for the subagent_execute_task tool.
type ExecuteTasksArgs struct {
	Tasks    []string `json:"tasks"`
	Parallel bool     `json:"parallel,omitempty"`
}

// NewExecuteTasksTool creates the subagent_execute_task tool definition.
func NewExecuteTasksTool() mcp.Tool {
	return mcp.Tool{
		Name:        "subagent_execute_task",
		Description: "Execute one or more previously materialized tasks via sub-agents, sequentially by default or in parallel. Returns each task's summary.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"tasks":    {"type": "array", "items": {"type": "string"}, "description": "Names of tasks to execute"},
				"parallel": {"type": "boolean", "description": "Run the tasks concurrently instead of one after another"}
			},
			"required": ["tasks"]
		}`),
	}
}

// MakeExecuteTasksHandler creates a handler for subagent_execute_task. Each
// task runs through the SubAgent handler; parallel execution joins results
// via errgroup the same way the reply loop joins approved tool calls.
func MakeExecuteTasksHandler(registry *TaskRegistry, subAgent *SubAgentHandler) mcp.ToolHandler {
	return func(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
		var args ExecuteTasksArgs
		if err := json.Unmarshal(arguments, &args); err != nil {
			return toolError("Invalid arguments: %v", err), nil
		}
		if len(args.Tasks) == 0 {
			return toolError("tasks is required"), nil
		}

		tasks := make([]Task, 0, len(args.Tasks))
		for _, name := range args.Tasks {
			t, ok := registry.Get(name)
			if !ok {
				return toolError("task %q not found (materialize it with dynamic_task first)", name), nil
			}
			tasks = append(tasks, t)
		}

		summaries := make([]string, len(tasks))
		runOne := func(i int, t Task) {
			taskArgs, _ := json.Marshal(SubAgentArgs{Prompt: t.Prompt, MaxIterations: t.MaxIterations}) //nolint:errcheck
			result, err := subAgent.Handle(ctx, taskArgs)
			switch {
			case err != nil:
				summaries[i] = fmt.Sprintf("%s: failed: %v", t.Name, err)
			case result.IsError:
				summaries[i] = fmt.Sprintf("%s: failed: %s", t.Name, resultText(result))
			default:
				summaries[i] = fmt.Sprintf("%s:\n%s", t.Name, resultText(result))
			}
		}

		if args.Parallel {
			var g errgroup.Group
			for i, t := range tasks {
				i, t := i, t
				g.Go(func() error {
					runOne(i, t)
					return nil
				})
			}
			_ = g.Wait() // per-task failures land in summaries, not group errors
		} else {
			for i, t := range tasks {
				if ctx.Err() != nil {
					return toolError("task execution cancelled: %v", ctx.Err()), nil
				}
				runOne(i, t)
			}
		}

		return toolText(strings.Join(summaries, "\n\n---\n\n")), nil
	}
}

func resultText(r *mcp.ToolResult) string {
	var sb strings.Builder
	for _, c := range r.Content {
		sb.WriteString(c.Text)
	}
	return sb.String()
}

// RouterSearchArgs represents arguments for the router_llm_search tool.
type RouterSearchArgs struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k,omitempty"`
}

// NewRouterSearchTool creates the router_llm_search tool definition, used
// when tool selection is routed rather than sending the full catalog.
func NewRouterSearchTool() mcp.Tool {
	return mcp.Tool{
		Name:        "router_llm_search",
		Description: "Find the most relevant tools for a task description. Returns the top matching tool names and descriptions.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "What you are trying to do"},
				"top_k": {"type": "integer", "description": "How many tools to return (default: 5)"}
			},
			"required": ["query"]
		}`),
	}
}

// ToolLister supplies the current tool catalog to the router search
// handler. Satisfied by both *mcp.Proxy and *mcp.Manager.
type ToolLister interface {
	ListTools(ctx context.Context) ([]mcp.Tool, error)
}

// MakeRouterSearchHandler creates a handler for router_llm_search: a
// keyword-overlap ranking over the current tool catalog, cheap enough to
// run on every query without a model call.
func MakeRouterSearchHandler(lister ToolLister) mcp.ToolHandler {
	return func(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
		var args RouterSearchArgs
		if err := json.Unmarshal(arguments, &args); err != nil {
			return toolError("Invalid arguments: %v", err), nil
		}
		if args.Query == "" {
			return toolError("query is required"), nil
		}
		topK := args.TopK
		if topK <= 0 {
			topK = 5
		}

		tools, err := lister.ListTools(ctx)
		if err != nil {
			return toolError("failed to list tools: %v", err), nil
		}

		type scored struct {
			tool  mcp.Tool
			score int
		}
		terms := strings.Fields(strings.ToLower(args.Query))
		ranked := make([]scored, 0, len(tools))
		for _, t := range tools {
			haystack := strings.ToLower(t.Name + " " + t.Description)
			score := 0
			for _, term := range terms {
				if strings.Contains(haystack, term) {
					score++
				}
			}
			if score > 0 {
				ranked = append(ranked, scored{tool: t, score: score})
			}
		}
		sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
		if len(ranked) > topK {
			ranked = ranked[:topK]
		}

		if len(ranked) == 0 {
			return toolText("No matching tools found"), nil
		}
		var sb strings.Builder
		for _, s := range ranked {
			fmt.Fprintf(&sb, "%s: %s\n", s.tool.Name, s.tool.Description)
		}
		return toolText(strings.TrimRight(sb.String(), "\n")), nil
	}
}

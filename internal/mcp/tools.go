package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Reserved platform tool names handled by the manager itself rather than
// routed to an extension.
const (
	ManageExtensionsToolName = "platform__manage_extensions"
	ManageScheduleToolName   = "platform__manage_schedule"
)

// ManageExtensionsArgs represents arguments for the manage_extensions tool.
type ManageExtensionsArgs struct {
	Action string          `json:"action"` // "enable" | "disable" | "list"
	Name   string          `json:"name,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
}

// NewManageExtensionsTool creates the platform__manage_extensions tool
// definition.
func NewManageExtensionsTool() Tool {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"enable", "disable", "list"},
				"description": "enable adds an extension, disable removes it, list shows what is registered",
			},
			"name": map[string]interface{}{
				"type":        "string",
				"description": "Extension name (required for enable/disable)",
			},
			"config": map[string]interface{}{
				"type":        "object",
				"description": "Extension config for enable: type (stdio/streamable_http), cmd/args or uri, timeout",
			},
		},
		"required": []string{"action"},
	}

	schemaJSON, _ := json.Marshal(schema)

	return Tool{
		Name:        ManageExtensionsToolName,
		Description: "Add or remove a tool-providing extension at runtime, or list the currently registered extensions. Newly enabled extensions become available on the next turn.",
		InputSchema: schemaJSON,
	}
}

// MakeManageExtensionsHandler creates a handler for platform__manage_extensions.
// A successful enable/disable triggers the manager's OnStateChanged hook,
// which is how the reply loop learns to rebuild its tool list.
func MakeManageExtensionsHandler(mgr *Manager) ToolHandler {
	return func(ctx context.Context, arguments json.RawMessage) (*ToolResult, error) {
		var args ManageExtensionsArgs
		if err := json.Unmarshal(arguments, &args); err != nil {
			return errorResult("Invalid arguments: %v", err), nil
		}

		switch args.Action {
		case "list":
			names := mgr.ExtensionNames()
			if len(names) == 0 {
				return textResult("No extensions registered"), nil
			}
			return textResult("Registered extensions: %s", strings.Join(names, ", ")), nil

		case "enable":
			if args.Name == "" {
				return errorResult("name is required for enable"), nil
			}
			var cfg ExtensionConfig
			if len(args.Config) > 0 {
				if err := json.Unmarshal(args.Config, &cfg); err != nil {
					return errorResult("Invalid extension config: %v", err), nil
				}
			}
			cfg.Name = args.Name
			if err := mgr.AddExtension(ctx, cfg); err != nil {
				return errorResult("Failed to enable extension: %v", err), nil
			}
			return textResult("Extension %q enabled", args.Name), nil

		case "disable":
			if args.Name == "" {
				return errorResult("name is required for disable"), nil
			}
			if err := mgr.RemoveExtension(args.Name); err != nil {
				return errorResult("Failed to disable extension: %v", err), nil
			}
			return textResult("Extension %q disabled", args.Name), nil

		default:
			return errorResult("Unknown action %q (expected enable, disable, or list)", args.Action), nil
		}
	}
}

// Schedule is one named entry in the in-memory schedule registry. The
// execution engine is out of scope; the registry keeps the tool surface and
// its bookkeeping so a host scheduler can consume it.
type Schedule struct {
	Name   string `json:"name"`
	Cron   string `json:"cron"`
	Prompt string `json:"prompt"`
}

// ScheduleRegistry is the in-memory backing store for
// platform__manage_schedule.
type ScheduleRegistry struct {
	mu        sync.Mutex
	schedules map[string]Schedule
}

// NewScheduleRegistry creates an empty registry.
func NewScheduleRegistry() *ScheduleRegistry {
	return &ScheduleRegistry{schedules: map[string]Schedule{}}
}

// Create adds a schedule, failing on duplicate names.
func (r *ScheduleRegistry) Create(s Schedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.schedules[s.Name]; exists {
		return fmt.Errorf("schedule %q already exists", s.Name)
	}
	r.schedules[s.Name] = s
	return nil
}

// List returns all schedules sorted by name.
func (r *ScheduleRegistry) List() []Schedule {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Schedule, 0, len(r.schedules))
	for _, s := range r.schedules {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Remove deletes a schedule by name.
func (r *ScheduleRegistry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.schedules[name]; !exists {
		return fmt.Errorf("schedule %q not found", name)
	}
	delete(r.schedules, name)
	return nil
}

// ManageScheduleArgs represents arguments for the manage_schedule tool.
type ManageScheduleArgs struct {
	Action string `json:"action"` // "create" | "list" | "remove"
	Name   string `json:"name,omitempty"`
	Cron   string `json:"cron,omitempty"`
	Prompt string `json:"prompt,omitempty"`
}

// NewManageScheduleTool creates the platform__manage_schedule tool
// definition.
func NewManageScheduleTool() Tool {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"create", "list", "remove"},
				"description": "create registers a named schedule, list shows all, remove deletes one",
			},
			"name": map[string]interface{}{
				"type":        "string",
				"description": "Schedule name (required for create/remove)",
			},
			"cron": map[string]interface{}{
				"type":        "string",
				"description": "Cron expression for when the schedule fires (required for create)",
			},
			"prompt": map[string]interface{}{
				"type":        "string",
				"description": "The prompt to run when the schedule fires (required for create)",
			},
		},
		"required": []string{"action"},
	}

	schemaJSON, _ := json.Marshal(schema)

	return Tool{
		Name:        ManageScheduleToolName,
		Description: "Create, list, or remove named schedules that run a prompt on a cron expression.",
		InputSchema: schemaJSON,
	}
}

// MakeManageScheduleHandler creates a handler for platform__manage_schedule.
func MakeManageScheduleHandler(registry *ScheduleRegistry) ToolHandler {
	return func(ctx context.Context, arguments json.RawMessage) (*ToolResult, error) {
		var args ManageScheduleArgs
		if err := json.Unmarshal(arguments, &args); err != nil {
			return errorResult("Invalid arguments: %v", err), nil
		}

		switch args.Action {
		case "create":
			if args.Name == "" || args.Cron == "" || args.Prompt == "" {
				return errorResult("create requires name, cron, and prompt"), nil
			}
			if err := registry.Create(Schedule{Name: args.Name, Cron: args.Cron, Prompt: args.Prompt}); err != nil {
				return errorResult("Failed to create schedule: %v", err), nil
			}
			return textResult("Schedule %q created (%s)", args.Name, args.Cron), nil

		case "list":
			schedules := registry.List()
			if len(schedules) == 0 {
				return textResult("No schedules registered"), nil
			}
			var sb strings.Builder
			for _, s := range schedules {
				fmt.Fprintf(&sb, "%s: %s -> %s\n", s.Name, s.Cron, s.Prompt)
			}
			return textResult("%s", strings.TrimRight(sb.String(), "\n")), nil

		case "remove":
			if args.Name == "" {
				return errorResult("name is required for remove"), nil
			}
			if err := registry.Remove(args.Name); err != nil {
				return errorResult("Failed to remove schedule: %v", err), nil
			}
			return textResult("Schedule %q removed", args.Name), nil

		default:
			return errorResult("Unknown action %q (expected create, list, or remove)", args.Action), nil
		}
	}
}

func textResult(format string, a ...interface{}) *ToolResult {
	return &ToolResult{Content: []ContentBlock{{Type: "text", Text: fmt.Sprintf(format, a...)}}}
}

func errorResult(format string, a ...interface{}) *ToolResult {
	return &ToolResult{
		Content: []ContentBlock{{Type: "text", Text: fmt.Sprintf(format, a...)}},
		IsError: true,
	}
}

package mcptools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/xonecas/symb/internal/mcp"
)

// GitStatusArgs are the arguments to the GitStatus tool.
type GitStatusArgs struct {
	Long bool `json:"long,omitempty"`
}

// GitDiffArgs are the arguments to the GitDiff tool.
type GitDiffArgs struct {
	File   string `json:"file,omitempty"`
	Staged bool   `json:"staged,omitempty"`
}

// NewGitStatusTool creates the GitStatus tool definition.
func NewGitStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "GitStatus",
		Description: "Show the working tree status: modified, staged, and untracked files.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"long": {"type": "boolean", "description": "Use long format output. Default: false (short format)"}
			}
		}`),
	}
}

// NewGitDiffTool creates the GitDiff tool definition.
func NewGitDiffTool() mcp.Tool {
	return mcp.Tool{
		Name:        "GitDiff",
		Description: "Show unstaged changes (working tree vs index), or staged changes (index vs HEAD) with staged=true. Returns a unified diff.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"file":   {"type": "string", "description": "Optional: limit the diff to one file path"},
				"staged": {"type": "boolean", "description": "Show staged (cached) changes. Default: false"}
			}
		}`),
	}
}

// runGit runs git in dir. A diff exit code of 1 with empty stderr means
// "there are differences", not a failure.
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if cmd.ProcessState != nil && cmd.ProcessState.ExitCode() == 1 && stderr.Len() == 0 {
			return stdout.String(), nil
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git error: %s", msg)
	}
	return stdout.String(), nil
}

// MakeGitStatusHandler creates a GitStatus handler rooted at root.
func MakeGitStatusHandler(root string) mcp.ToolHandler {
	return func(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
		var args GitStatusArgs
		if len(arguments) > 0 {
			if err := json.Unmarshal(arguments, &args); err != nil {
				return toolError("Invalid arguments: %v", err), nil
			}
		}

		gitArgs := []string{"status"}
		if !args.Long {
			gitArgs = append(gitArgs, "--short")
		}
		out, err := runGit(ctx, root, gitArgs...)
		if err != nil {
			return toolError("%v", err), nil
		}
		if strings.TrimSpace(out) == "" {
			out = "nothing to commit, working tree clean"
		}
		return toolText(out), nil
	}
}

// MakeGitDiffHandler creates a GitDiff handler rooted at root.
func MakeGitDiffHandler(root string) mcp.ToolHandler {
	return func(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
		var args GitDiffArgs
		if len(arguments) > 0 {
			if err := json.Unmarshal(arguments, &args); err != nil {
				return toolError("Invalid arguments: %v", err), nil
			}
		}

		gitArgs := []string{"diff"}
		if args.Staged {
			gitArgs = append(gitArgs, "--cached")
		}
		if args.File != "" {
			gitArgs = append(gitArgs, "--", args.File)
		}
		out, err := runGit(ctx, root, gitArgs...)
		if err != nil {
			return toolError("%v", err), nil
		}
		if strings.TrimSpace(out) == "" {
			if args.Staged {
				return toolText("no staged changes"), nil
			}
			return toolText("no unstaged changes"), nil
		}
		return toolText(out), nil
	}
}

package mcptools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xonecas/symb/internal/mcp"
	"github.com/xonecas/symb/internal/shell"
)

// ShellArgs are the arguments to the Shell tool.
type ShellArgs struct {
	Command     string `json:"command"`
	Description string `json:"description"`
	Timeout     int    `json:"timeout,omitempty"` // seconds, default 60
}

const (
	defaultShellTimeoutSec = 60
	maxShellTimeoutSec     = 600
	maxShellOutputChars    = 30000
)

// NewShellTool creates the Shell tool definition.
func NewShellTool() mcp.Tool {
	return mcp.Tool{
		Name: "Shell",
		Description: `Execute a shell command in an in-process POSIX interpreter.
Commands run inside the session working directory; shell state (cwd, env vars) persists across calls within the session.
Dangerous commands (network, sudo, package managers, system modification) are blocked.
Use this for builds, tests, linters, git operations, and inspecting project state.`,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"command":     {"type": "string", "description": "The shell command to execute"},
				"description": {"type": "string", "description": "Brief description of what this command does (5-10 words)"},
				"timeout":     {"type": "integer", "description": "Timeout in seconds (default 60, max 600)"}
			},
			"required": ["command", "description"]
		}`),
	}
}

// ShellHandler serves the Shell tool over one persistent shell.
type ShellHandler struct {
	sh *shell.Shell

	// OnOutput, if set, receives incremental output chunks so a host can
	// render command output live.
	OnOutput func(chunk string)
}

// NewShellHandler creates a Shell handler over sh.
func NewShellHandler(sh *shell.Shell) *ShellHandler {
	return &ShellHandler{sh: sh}
}

// Handle implements mcp.ToolHandler.
func (h *ShellHandler) Handle(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
	var args ShellArgs
	if err := json.Unmarshal(arguments, &args); err != nil {
		return toolError("Invalid arguments: %v", err), nil
	}
	if args.Command == "" {
		return toolError("command is required"), nil
	}

	timeout := args.Timeout
	if timeout <= 0 {
		timeout = defaultShellTimeoutSec
	}
	if timeout > maxShellTimeoutSec {
		timeout = maxShellTimeoutSec
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	var stdout, stderr bytes.Buffer
	var out = &stdout
	var execErr error
	if h.OnOutput != nil {
		execErr = h.sh.ExecStream(ctx, args.Command, &streamWriter{buf: out, onChunk: h.OnOutput}, &stderr)
	} else {
		execErr = h.sh.ExecStream(ctx, args.Command, out, &stderr)
	}

	exitCode := shell.ExitCode(execErr)
	output := formatShellOutput(stdout.String(), stderr.String(), exitCode, ctx.Err())
	if output == "" {
		// Some providers reject empty tool results.
		output = "(no output)\n"
	}
	if len([]rune(output)) > maxShellOutputChars {
		output = truncateMiddle(output, maxShellOutputChars)
	}

	if exitCode != 0 {
		return mcp.ErrorResult(output), nil
	}
	return toolText(output), nil
}

// streamWriter tees writes into buf and the onChunk callback.
type streamWriter struct {
	buf     *bytes.Buffer
	onChunk func(string)
}

func (w *streamWriter) Write(p []byte) (int, error) {
	n, err := w.buf.Write(p)
	if n > 0 && w.onChunk != nil {
		w.onChunk(string(p[:n]))
	}
	return n, err
}

func formatShellOutput(stdout, stderr string, exitCode int, ctxErr error) string {
	var b strings.Builder
	for _, s := range []string{stdout, stderr} {
		if s == "" {
			continue
		}
		b.WriteString(s)
		if !strings.HasSuffix(s, "\n") {
			b.WriteByte('\n')
		}
	}
	if ctxErr != nil {
		b.WriteString("[timed out]\n")
	}
	if exitCode != 0 {
		fmt.Fprintf(&b, "[exit code: %d]\n", exitCode)
	}
	return b.String()
}

// truncateMiddle keeps the head and tail of an oversized output; the middle
// is usually repetitive build noise.
func truncateMiddle(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	half := maxChars / 2
	return string(runes[:half]) + "\n\n... [truncated] ...\n\n" + string(runes[len(runes)-half:])
}

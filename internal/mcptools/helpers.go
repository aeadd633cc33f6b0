// Package mcptools implements the runtime's builtin tools: file access,
// search, shell, git, web, the working-plan scratchpad, and the sub-agent
// task family. Every handler is rooted at the session's working directory —
// tool execution never escapes it.
package mcptools

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/xonecas/symb/internal/mcp"
)

// resolvePath resolves file against root and rejects anything that escapes
// it. The session's working_dir is the root for every file tool.
func resolvePath(root, file string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("invalid working directory: %w", err)
	}
	abs := file
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(rootAbs, abs)
	}
	abs, err = filepath.Abs(abs)
	if err != nil {
		return "", fmt.Errorf("invalid file path: %w", err)
	}
	rel, err := filepath.Rel(rootAbs, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("access denied: %s is outside the session working directory", file)
	}
	return abs, nil
}

// ignoredDirs are directory names every tree walk in this package skips:
// VCS metadata and dependency/build output that would drown real matches.
var ignoredDirs = map[string]bool{
	".git": true, "node_modules": true, "__pycache__": true,
	".venv": true, "vendor": true, ".cache": true, ".next": true,
	"dist": true, "build": true, "target": true,
}

// toolError formats an error ToolResult.
func toolError(format string, args ...interface{}) *mcp.ToolResult {
	return mcp.ErrorResult(fmt.Sprintf(format, args...))
}

// toolText wraps text in a ToolResult.
func toolText(text string) *mcp.ToolResult {
	return mcp.TextResult(text)
}

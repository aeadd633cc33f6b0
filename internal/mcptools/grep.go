package mcptools

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/xonecas/symb/internal/mcp"
)

// GrepArgs are the arguments to the Grep tool.
type GrepArgs struct {
	Pattern       string `json:"pattern"`
	ContentSearch bool   `json:"content_search,omitempty"`
	MaxResults    int    `json:"max_results,omitempty"`
	CaseSensitive bool   `json:"case_sensitive,omitempty"`
}

// NewGrepTool creates the Grep tool definition.
func NewGrepTool() mcp.Tool {
	return mcp.Tool{
		Name:        "Grep",
		Description: "Search for files by path (regex) or search file contents (grep). Skips VCS and dependency directories. Content matches are returned as path:line:content.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"pattern":        {"type": "string", "description": "Regex. For file search: matched against the relative path. For content search: matched against each line."},
				"content_search": {"type": "boolean", "description": "If true, search file contents; if false, search file paths. Default: false"},
				"max_results":    {"type": "integer", "description": "Maximum results to return. Default: 100"},
				"case_sensitive": {"type": "boolean", "description": "Case-sensitive matching. Default: false"}
			},
			"required": ["pattern"]
		}`),
	}
}

// grep's per-file limits: files over maxGrepFileSize or containing NUL bytes
// in the first block are skipped as binary.
const maxGrepFileSize = 1 << 20

// MakeGrepHandler creates a Grep handler rooted at root.
func MakeGrepHandler(root string) mcp.ToolHandler {
	return func(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
		var args GrepArgs
		if err := json.Unmarshal(arguments, &args); err != nil {
			return toolError("Invalid arguments: %v", err), nil
		}
		if args.Pattern == "" {
			return toolError("pattern is required"), nil
		}
		if args.MaxResults <= 0 {
			args.MaxResults = 100
		}

		expr := args.Pattern
		if !args.CaseSensitive {
			expr = "(?i)" + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return toolError("Invalid pattern: %v", err), nil
		}

		var matches []string
		walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if len(matches) >= args.MaxResults {
				return filepath.SkipAll
			}
			rel, relErr := filepath.Rel(root, path)
			if relErr != nil {
				return nil
			}
			if d.IsDir() {
				if ignoredDirs[d.Name()] {
					return filepath.SkipDir
				}
				return nil
			}

			if !args.ContentSearch {
				if re.MatchString(rel) {
					matches = append(matches, rel)
				}
				return nil
			}
			matches = append(matches, grepFile(path, rel, re, args.MaxResults-len(matches))...)
			return nil
		})
		if walkErr != nil && walkErr != filepath.SkipAll && ctx.Err() == nil {
			return toolError("Search failed: %v", walkErr), nil
		}

		if len(matches) == 0 {
			return toolText("No matches found"), nil
		}
		noun := "file(s)"
		if args.ContentSearch {
			noun = "match(es)"
		}
		out := fmt.Sprintf("Found %d %s:\n\n%s\n", len(matches), noun, strings.Join(matches, "\n"))
		if len(matches) >= args.MaxResults {
			out += fmt.Sprintf("\n(Limited to %d results. Raise max_results to see more)", args.MaxResults)
		}
		return toolText(out), nil
	}
}

// grepFile scans one file for re, returning up to limit "rel:line:content"
// matches. Binary and oversized files are skipped.
func grepFile(path, rel string, re *regexp.Regexp, limit int) []string {
	if limit <= 0 {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil || info.Size() > maxGrepFileSize {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	head := make([]byte, 512)
	n, _ := f.Read(head)
	if bytes.IndexByte(head[:n], 0) >= 0 {
		return nil
	}
	if _, err := f.Seek(0, 0); err != nil {
		return nil
	}

	var out []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxGrepFileSize)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if re.MatchString(line) {
			out = append(out, fmt.Sprintf("%s:%d:%s", rel, lineNum, line))
			if len(out) >= limit {
				break
			}
		}
	}
	return out
}

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
)

// OfflineClient is an UpstreamClient that never dials out: it answers
// initialize/list_tools/call_tool from an in-memory tool table. Used where a
// Proxy needs an upstream to satisfy its interface but no extension process
// is actually configured (e.g. this package's own tests).
type OfflineClient struct {
	tools   []Tool
	results map[string]ToolResult
}

// NewOfflineClient creates an OfflineClient seeded with tools and their
// canned results. Unlisted tool names return an error ToolResult.
func NewOfflineClient(tools []Tool, results map[string]ToolResult) *OfflineClient {
	return &OfflineClient{tools: tools, results: results}
}

// Initialize simulates the MCP handshake with a fixed protocol version.
func (c *OfflineClient) Initialize(_ context.Context, _ map[string]interface{}) (*Response, error) {
	return &Response{
		JSONRPC: "2.0",
		ID:      1,
		Result: json.RawMessage(`{
			"protocolVersion": "2024-11-05",
			"capabilities": {},
			"serverInfo": {"name": "offline-client", "version": "1.0.0"}
		}`),
	}, nil
}

// ListTools returns the seeded tool table.
func (c *OfflineClient) ListTools(_ context.Context) ([]Tool, error) {
	return c.tools, nil
}

// CallTool returns the canned result for name, or an error result if none
// was seeded.
func (c *OfflineClient) CallTool(_ context.Context, name string, _ interface{}) (*ToolResult, error) {
	if result, ok := c.results[name]; ok {
		return &result, nil
	}
	return &ToolResult{
		Content: []ContentBlock{{Type: "text", Text: fmt.Sprintf("tool %s not configured on offline client", name)}},
		IsError: true,
	}, nil
}

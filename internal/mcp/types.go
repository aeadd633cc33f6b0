// Package mcp implements the extension side of the runtime: MCP clients
// (stdio subprocess, streamable HTTP), the builtin-tool proxy, and the
// manager that owns every registered extension.
package mcp

import (
	"context"
	"encoding/json"

	"github.com/xonecas/symb/internal/conversation"
)

// Tool is one tool definition as the model sees it. InputSchema is carried
// as raw JSON so the schema's key order survives the trip to the provider
// unchanged (deterministic serialization keeps provider-side prompt caches
// warm).
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ToolResult and ContentBlock are the conversation model's result types,
// aliased so extension code reads naturally. A tools/call response decoded
// off the wire is already the shape the reply loop persists and replays —
// there is no separate MCP-side result struct to convert from.
type (
	ToolResult   = conversation.ToolResult
	ContentBlock = conversation.ResultContent
)

// TextResult builds a single-text-block result, the common case for builtin
// tools.
func TextResult(text string) *ToolResult {
	return &ToolResult{Content: []ContentBlock{{Type: "text", Text: text}}}
}

// ErrorResult builds a single-text-block error result.
func ErrorResult(text string) *ToolResult {
	return &ToolResult{Content: []ContentBlock{{Type: "text", Text: text}}, IsError: true}
}

// JSON-RPC 2.0 framing for the MCP wire.

// Request is an MCP request (or, with no ID, a notification).
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is an MCP response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the error member of a Response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ListToolsResult is the result payload of tools/list.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

// CallToolParams are the params of tools/call.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// NewRequest builds a Request with marshaled params.
func NewRequest(id interface{}, method string, params interface{}) (*Request, error) {
	req := &Request{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		req.Params = data
	}
	return req, nil
}

// NewResponse builds a Response with a marshaled result.
func NewResponse(id interface{}, result interface{}) (*Response, error) {
	resp := &Response{JSONRPC: "2.0", ID: id}
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return nil, err
		}
		resp.Result = data
	}
	return resp, nil
}

// NewErrorResponse builds an error Response.
func NewErrorResponse(id interface{}, code int, message string) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	}
}

// Standard JSON-RPC error codes used by MCP.
const (
	ErrorCodeParseError     = -32700
	ErrorCodeInvalidRequest = -32600
	ErrorCodeMethodNotFound = -32601
	ErrorCodeInvalidParams  = -32602
	ErrorCodeInternalError  = -32603
)

// UpstreamClient is an established connection to an MCP server, whatever the
// transport (HTTP, stdio subprocess, or the in-memory OfflineClient).
type UpstreamClient interface {
	Initialize(ctx context.Context, clientInfo map[string]interface{}) (*Response, error)
	ListTools(ctx context.Context) ([]Tool, error)
	CallTool(ctx context.Context, name string, arguments interface{}) (*ToolResult, error)
}

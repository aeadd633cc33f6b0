package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// ServerNotification is a JSON-RPC notification pushed by an extension
// server outside the request/response cycle (progress, logging,
// list-changed). The reply loop multiplexes these into its event stream.
type ServerNotification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// StdioClient speaks MCP over a subprocess's stdin/stdout. Writes to stdin
// are serialized by a mutex and one reader goroutine owns stdout; callers rendezvous with the reader
// through per-request reply channels so two concurrent CallTool calls never
// interleave reads on the same stdout. Stderr is drained to the log so the
// child never blocks on a full pipe.
type StdioClient struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	requestID atomic.Int64

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[int64]chan *Response

	notifications chan ServerNotification
	done          chan struct{}
}

// NewStdioClient launches command with args and the given extra environment,
// and starts the reader goroutine. The caller must Initialize before use and
// Close when finished (Close kills the subprocess).
func NewStdioClient(command string, args []string, envs map[string]string) (*StdioClient, error) {
	cmd := exec.Command(command, args...)
	cmd.Env = os.Environ()
	for k, v := range envs {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn mcp server %q: %w", command, err)
	}

	c := &StdioClient{
		cmd:           cmd,
		stdin:         stdin,
		pending:       map[int64]chan *Response{},
		notifications: make(chan ServerNotification, 32),
		done:          make(chan struct{}),
	}

	go c.readLoop(stdout)
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			log.Warn().Str("mcp_server", command).Str("stderr", scanner.Text()).Msg("extension stderr")
		}
	}()

	return c, nil
}

// Notifications returns the channel server-initiated notifications arrive
// on. Closed when the subprocess exits.
func (c *StdioClient) Notifications() <-chan ServerNotification { return c.notifications }

func (c *StdioClient) readLoop(stdout io.Reader) {
	defer close(c.done)
	defer close(c.notifications)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		// A line with an id is a response to one of our requests; a line
		// with a method and no id is a server notification.
		var probe struct {
			ID     json.Number     `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			log.Warn().Err(err).Msg("mcp stdio: undecodable line")
			continue
		}

		if probe.ID == "" && probe.Method != "" {
			select {
			case c.notifications <- ServerNotification{Method: probe.Method, Params: probe.Params}:
			default:
				log.Warn().Str("method", probe.Method).Msg("mcp stdio: notification buffer full, dropping")
			}
			continue
		}

		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			log.Warn().Err(err).Msg("mcp stdio: undecodable response")
			continue
		}
		id, err := probe.ID.Int64()
		if err != nil {
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[id]
		delete(c.pending, id)
		c.pendingMu.Unlock()
		if ok {
			ch <- &resp
		}
	}

	// Subprocess closed stdout: fail every outstanding request.
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	c.pendingMu.Unlock()
}

func (c *StdioClient) call(ctx context.Context, method string, params interface{}) (*Response, error) {
	id := c.requestID.Add(1)
	req, err := NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	reply := make(chan *Response, 1)
	c.pendingMu.Lock()
	c.pending[id] = reply
	c.pendingMu.Unlock()

	c.writeMu.Lock()
	_, err = c.stdin.Write(append(data, '\n'))
	c.writeMu.Unlock()
	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("write to mcp server: %w", err)
	}

	select {
	case resp, ok := <-reply:
		if !ok {
			return nil, fmt.Errorf("mcp server exited before responding to %s", method)
		}
		return resp, nil
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("mcp server exited before responding to %s", method)
	}
}

// Initialize performs the MCP handshake.
func (c *StdioClient) Initialize(ctx context.Context, clientInfo map[string]interface{}) (*Response, error) {
	params := map[string]interface{}{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]interface{}{},
		"clientInfo":      clientInfo,
	}
	resp, err := c.call(ctx, "initialize", params)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return resp, nil
	}
	if err := c.notify("notifications/initialized", nil); err != nil {
		return nil, fmt.Errorf("send initialized notification: %w", err)
	}
	return resp, nil
}

func (c *StdioClient) notify(method string, params interface{}) error {
	req := &Request{JSONRPC: "2.0", Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return err
		}
		req.Params = data
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.stdin.Write(append(data, '\n'))
	return err
}

// ListTools requests the server's tool list.
func (c *StdioClient) ListTools(ctx context.Context) ([]Tool, error) {
	resp, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("mcp error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	var result ListToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes a tool on the server.
func (c *StdioClient) CallTool(ctx context.Context, name string, arguments interface{}) (*ToolResult, error) {
	var argsJSON json.RawMessage
	if arguments != nil {
		data, err := json.Marshal(arguments)
		if err != nil {
			return nil, fmt.Errorf("marshal arguments: %w", err)
		}
		argsJSON = data
	}

	resp, err := c.call(ctx, "tools/call", CallToolParams{Name: name, Arguments: argsJSON})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return &ToolResult{
			Content: []ContentBlock{{Type: "text", Text: fmt.Sprintf("Error: %s", resp.Error.Message)}},
			IsError: true,
		}, nil
	}
	var result ToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	return &result, nil
}

// Close kills the subprocess. The reader goroutine then drains and fails
// any in-flight requests.
func (c *StdioClient) Close() error {
	c.stdin.Close() //nolint:errcheck
	if c.cmd.Process != nil {
		if err := c.cmd.Process.Kill(); err != nil {
			return err
		}
	}
	return c.cmd.Wait()
}

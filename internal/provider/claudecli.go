package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/rs/zerolog/log"
)

// PermissionMode mirrors the global approval mode the reply loop's
// inspection pipeline enforces, mapped here onto Claude CLI flags.
type PermissionMode string

const (
	PermissionAuto         PermissionMode = "auto"
	PermissionSmartApprove PermissionMode = "smart_approve"
	PermissionApprove      PermissionMode = "approve"
	PermissionChat         PermissionMode = "chat"
)

// permissionFlag maps a global permission mode to the claude CLI flag that
// reproduces it. Approve mode has no CLI equivalent and is rejected, per the
// original provider's documented limitation.
func permissionFlag(mode PermissionMode) ([]string, error) {
	switch mode {
	case PermissionAuto:
		return []string{"--dangerously-skip-permissions"}, nil
	case PermissionSmartApprove:
		return []string{"--permission-mode", "acceptEdits"}, nil
	case PermissionApprove:
		return nil, fmt.Errorf("claude code cli: approve mode is not supported")
	case PermissionChat:
		return []string{"--sandbox", "read-only"}, nil
	default:
		return nil, fmt.Errorf("claude code cli: unknown permission mode %q", mode)
	}
}

// claudeControlRequest/Response implement the subprocess's control-channel
// protocol used for out-of-band operations like set_model.
type claudeControlRequest struct {
	Type    string          `json:"type"` // "control_request"
	Subtype string          `json:"subtype"`
	Model   string          `json:"model,omitempty"`
	ReqID   string          `json:"request_id"`
	Raw     json.RawMessage `json:"-"`
}

type claudeEvent struct {
	Type    string          `json:"type"` // "assistant" | "result" | "error" | "control_response"
	ReqID   string          `json:"request_id,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ClaudeCLI drives a persistent `claude --input-format stream-json
// --output-format stream-json` subprocess: writes to stdin are serialized by
// a mutex, each ChatStream reads stdout in its own goroutine until the turn's
// result arrives, and stderr is drained to a background collector so the
// pipe never backpressures into a deadlock.
type ClaudeCLI struct {
	name         string
	binary       string
	mode         PermissionMode
	sessionID    string
	currentModel string

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Scanner
	ready  bool
}

// NewClaudeCLI builds an adapter that will lazily spawn the subprocess on
// first ChatStream call.
func NewClaudeCLI(name, binary, sessionID string, mode PermissionMode) *ClaudeCLI {
	if binary == "" {
		binary = "claude"
	}
	return &ClaudeCLI{name: name, binary: binary, sessionID: sessionID, mode: mode}
}

func (c *ClaudeCLI) Name() string { return c.name }

func (c *ClaudeCLI) ListModels(ctx context.Context) ([]Model, error) { return nil, nil }

func (c *ClaudeCLI) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd == nil || c.cmd.Process == nil {
		return nil
	}
	return c.cmd.Process.Kill()
}

func (c *ClaudeCLI) ensureSpawned() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ready {
		return nil
	}

	flags, err := permissionFlag(c.mode)
	if err != nil {
		return err
	}
	args := append([]string{"--input-format", "stream-json", "--output-format", "stream-json"}, flags...)

	cmd := exec.Command(c.binary, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn claude cli: %w", err)
	}

	go drainStderr("claude", stderr)

	c.cmd = cmd
	c.stdin = stdin
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	c.stdout = scanner
	c.ready = true
	return nil
}

func drainStderr(tag string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		log.Warn().Str("subprocess", tag).Str("stderr", scanner.Text()).Msg("subprocess stderr")
	}
}

// SetModel sends a set_model control request and blocks until the matching
// control_response arrives. No request is sent if the model is unchanged
// (testable property / scenario S6).
func (c *ClaudeCLI) SetModel(ctx context.Context, model string) error {
	if err := c.ensureSpawned(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.currentModel == model {
		return nil
	}

	reqID := fmt.Sprintf("req_%d", len(model))
	req := claudeControlRequest{Type: "control_request", Subtype: "set_model", Model: model, ReqID: reqID}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write control request: %w", err)
	}

	for c.stdout.Scan() {
		var evt claudeEvent
		if err := json.Unmarshal(c.stdout.Bytes(), &evt); err != nil {
			continue
		}
		if evt.Type == "control_response" && evt.ReqID == reqID {
			c.currentModel = model
			return nil
		}
	}
	return fmt.Errorf("claude cli closed before control_response for set_model")
}

// ChatStream writes one NDJSON user message keyed by sessionID and reads
// NDJSON events until a "result" or "error" marker arrives.
func (c *ClaudeCLI) ChatStream(ctx context.Context, messages []Message, tools []Tool) (<-chan StreamEvent, error) {
	if err := c.ensureSpawned(); err != nil {
		return nil, err
	}

	last := ""
	if len(messages) > 0 {
		last = messages[len(messages)-1].Content
	}

	userMsg := map[string]any{
		"type":       "user",
		"session_id": c.sessionID,
		"message":    map[string]any{"role": "user", "content": last},
	}
	data, err := json.Marshal(userMsg)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	_, err = c.stdin.Write(append(data, '\n'))
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write user message: %w", err)
	}

	events := make(chan StreamEvent, 16)
	go c.readUntilResult(events)
	return events, nil
}

func (c *ClaudeCLI) readUntilResult(events chan<- StreamEvent) {
	defer close(events)

	c.mu.Lock()
	scanner := c.stdout
	c.mu.Unlock()

	for scanner.Scan() {
		line := scanner.Bytes()
		var evt claudeEvent
		if err := json.Unmarshal(line, &evt); err != nil {
			log.Warn().Err(err).Msg("claude cli: failed to decode ndjson event")
			continue
		}

		switch evt.Type {
		case "assistant":
			var msg struct {
				Content string `json:"content"`
			}
			json.Unmarshal(evt.Message, &msg) //nolint:errcheck
			if msg.Content != "" {
				events <- StreamEvent{Type: EventContentDelta, Content: msg.Content}
			}
		case "result":
			events <- StreamEvent{Type: EventDone}
			return
		case "error":
			events <- StreamEvent{Type: EventError, Err: fmt.Errorf("claude cli: %s", evt.Error)}
			return
		}
	}
	events <- StreamEvent{Type: EventError, Err: fmt.Errorf("claude cli subprocess closed unexpectedly")}
}

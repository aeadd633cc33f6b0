package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog/log"
)

// CodexCLI drives one `codex exec` invocation per turn, feeding the prompt
// on stdin as concatenated Human:/Assistant: lines and surfacing only
// agent_message JSON events; reasoning items are discarded.
type CodexCLI struct {
	name            string
	binary          string
	reasoningEffort string
	skills          []string
}

// NewCodexCLI builds an adapter invoking `codex exec` fresh per turn.
func NewCodexCLI(name, binary, reasoningEffort string, skills []string) *CodexCLI {
	if binary == "" {
		binary = "codex"
	}
	return &CodexCLI{name: name, binary: binary, reasoningEffort: reasoningEffort, skills: skills}
}

func (c *CodexCLI) Name() string { return c.name }

func (c *CodexCLI) Close() error { return nil }

func (c *CodexCLI) ListModels(ctx context.Context) ([]Model, error) { return nil, nil }

func (c *CodexCLI) renderTranscript(messages []Message) string {
	var sb strings.Builder
	for _, m := range messages {
		switch m.Role {
		case "user":
			fmt.Fprintf(&sb, "Human: %s\n", m.Content)
		case "assistant":
			fmt.Fprintf(&sb, "Assistant: %s\n", m.Content)
		}
	}
	return sb.String()
}

type codexEvent struct {
	Type string `json:"type"` // "agent_message" | "reasoning" | ...
	Text string `json:"text,omitempty"`
	Msg  string `json:"message,omitempty"`
}

func (c *CodexCLI) ChatStream(ctx context.Context, messages []Message, tools []Tool) (<-chan StreamEvent, error) {
	args := []string{"exec"}
	if c.reasoningEffort != "" {
		args = append(args, "--reasoning-effort", c.reasoningEffort)
	}
	for _, sk := range c.skills {
		args = append(args, "--skill", sk)
	}

	cmd := exec.CommandContext(ctx, c.binary, args...)
	cmd.Stdin = strings.NewReader(c.renderTranscript(messages))

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn codex exec: %w", err)
	}
	go drainStderr("codex", stderr)

	events := make(chan StreamEvent, 16)
	go func() {
		defer close(events)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var evt codexEvent
			if err := json.Unmarshal(line, &evt); err != nil {
				log.Warn().Err(err).Msg("codex exec: failed to decode event")
				continue
			}
			if evt.Type != "agent_message" {
				continue // reasoning items are not surfaced
			}
			text := evt.Text
			if text == "" {
				text = evt.Msg
			}
			events <- StreamEvent{Type: EventContentDelta, Content: text}
		}
		if err := cmd.Wait(); err != nil {
			events <- StreamEvent{Type: EventError, Err: fmt.Errorf("codex exec: %w", err)}
			return
		}
		events <- StreamEvent{Type: EventDone}
	}()

	return events, nil
}

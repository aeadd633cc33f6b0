package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xonecas/symb/internal/compact"
	"github.com/xonecas/symb/internal/conversation"
	"github.com/xonecas/symb/internal/inspect"
	"github.com/xonecas/symb/internal/mcp"
	"github.com/xonecas/symb/internal/permission"
	"github.com/xonecas/symb/internal/provider"
	"github.com/xonecas/symb/internal/store"
)

type streamFunc func() (<-chan provider.StreamEvent, error)

type scriptedProvider struct {
	calls     int
	responses []streamFunc
}

func (p *scriptedProvider) Name() string                                             { return "scripted" }
func (p *scriptedProvider) Close() error                                             { return nil }
func (p *scriptedProvider) ListModels(ctx context.Context) ([]provider.Model, error) { return nil, nil }
func (p *scriptedProvider) ChatStream(ctx context.Context, messages []provider.Message, tools []provider.Tool) (<-chan provider.StreamEvent, error) {
	idx := p.calls
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	p.calls++
	return p.responses[idx]()
}

func textStream(content string) streamFunc {
	return func() (<-chan provider.StreamEvent, error) {
		ch := make(chan provider.StreamEvent, 4)
		ch <- provider.StreamEvent{Type: provider.EventContentDelta, Content: content}
		ch <- provider.StreamEvent{Type: provider.EventUsage, InputTokens: 10, OutputTokens: 5}
		ch <- provider.StreamEvent{Type: provider.EventDone}
		close(ch)
		return ch, nil
	}
}

func toolCallStream(id, name, args string) streamFunc {
	return func() (<-chan provider.StreamEvent, error) {
		ch := make(chan provider.StreamEvent, 4)
		ch <- provider.StreamEvent{Type: provider.EventToolCallBegin, ToolCallIndex: 0, ToolCallID: id, ToolCallName: name}
		ch <- provider.StreamEvent{Type: provider.EventToolCallDelta, ToolCallIndex: 0, ToolCallArgs: args}
		ch <- provider.StreamEvent{Type: provider.EventUsage, InputTokens: 20, OutputTokens: 8}
		ch <- provider.StreamEvent{Type: provider.EventDone}
		close(ch)
		return ch, nil
	}
}

type noopSummarizer struct{}

func (noopSummarizer) Summarize(ctx context.Context, conv conversation.Conversation) (string, compact.Usage, error) {
	return "", compact.Usage{}, fmt.Errorf("summarizer should not be called in this test")
}

func openTestStore(t *testing.T) (*store.SessionStore, string) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	sess, err := s.CreateSession(context.Background(), "/work", "test session")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return s, sess.ID
}

func drainEvents(events <-chan Event) []Event {
	var out []Event
	for e := range events {
		out = append(out, e)
	}
	return out
}

func TestRunSimpleTurnNoToolCalls(t *testing.T) {
	s, sessionID := openTestStore(t)
	defer s.Close()

	prov := &scriptedProvider{responses: []streamFunc{textStream("hello there")}}
	loop := New(Config{
		Provider:   prov,
		Summarizer: noopSummarizer{},
		Store:      s,
		Proxy:      mcp.NewProxy(nil),
		Mode:       inspect.ModeAuto,
	})

	events := make(chan Event, 16)
	if err := loop.Run(context.Background(), sessionID, "hi", events); err != nil {
		t.Fatalf("Run: %v", err)
	}
	evts := drainEvents(events)

	sess, err := s.GetSession(context.Background(), sessionID, true)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Conversation.Len() != 2 {
		t.Fatalf("expected 2 messages (user+assistant), got %d", sess.Conversation.Len())
	}
	if got := sess.Conversation.Messages()[1].Text(); got != "hello there" {
		t.Errorf("assistant text = %q, want %q", got, "hello there")
	}
	if len(evts) != 2 {
		t.Errorf("expected 2 emitted events, got %d", len(evts))
	}
}

func TestRunDispatchesApprovedToolCall(t *testing.T) {
	s, sessionID := openTestStore(t)
	defer s.Close()

	proxy := mcp.NewProxy(nil)
	var calledWith json.RawMessage
	proxy.RegisterTool(mcp.Tool{Name: "echo"}, func(ctx context.Context, args json.RawMessage) (*mcp.ToolResult, error) {
		calledWith = args
		return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: "echoed"}}}, nil
	})

	prov := &scriptedProvider{responses: []streamFunc{
		toolCallStream("call_1", "echo", `{"msg":"hi"}`),
		textStream("done"),
	}}

	loop := New(Config{
		Provider:   prov,
		Summarizer: noopSummarizer{},
		Store:      s,
		Proxy:      proxy,
		Mode:       inspect.ModeAuto,
	})

	events := make(chan Event, 16)
	if err := loop.Run(context.Background(), sessionID, "please echo hi", events); err != nil {
		t.Fatalf("Run: %v", err)
	}
	drainEvents(events)

	if string(calledWith) != `{"msg":"hi"}` {
		t.Errorf("tool called with %s, want %s", calledWith, `{"msg":"hi"}`)
	}

	sess, err := s.GetSession(context.Background(), sessionID, true)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	msgs := sess.Conversation.Messages()
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages (user, assistant+call, tool response, final assistant), got %d", len(msgs))
	}

	toolMsg := msgs[2]
	if len(toolMsg.Content) != 1 || toolMsg.Content[0].Type != conversation.PartToolResponse {
		t.Fatalf("expected single tool response part, got %+v", toolMsg.Content)
	}
	if toolMsg.ID == "" || toolMsg.ID[:4] != "msg_" {
		t.Errorf("expected aggregated tool response message id to start with msg_, got %q", toolMsg.ID)
	}
	if toolMsg.Content[0].Result == nil || toolMsg.Content[0].Result.Content[0].Text != "echoed" {
		t.Errorf("unexpected tool result: %+v", toolMsg.Content[0].Result)
	}
}

func TestRunDeniesToolInChatMode(t *testing.T) {
	s, sessionID := openTestStore(t)
	defer s.Close()

	proxy := mcp.NewProxy(nil)
	called := false
	proxy.RegisterTool(mcp.Tool{Name: "danger"}, func(ctx context.Context, args json.RawMessage) (*mcp.ToolResult, error) {
		called = true
		return &mcp.ToolResult{}, nil
	})

	prov := &scriptedProvider{responses: []streamFunc{
		toolCallStream("call_1", "danger", `{}`),
		textStream("ok"),
	}}

	loop := New(Config{
		Provider:   prov,
		Summarizer: noopSummarizer{},
		Store:      s,
		Proxy:      proxy,
		Mode:       inspect.ModeChat,
	})

	events := make(chan Event, 16)
	if err := loop.Run(context.Background(), sessionID, "do something", events); err != nil {
		t.Fatalf("Run: %v", err)
	}
	drainEvents(events)

	if called {
		t.Error("tool handler should not have been invoked in Chat mode")
	}

	sess, err := s.GetSession(context.Background(), sessionID, true)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	toolMsg := sess.Conversation.Messages()[2]
	if !toolMsg.Content[0].Result.IsError {
		t.Error("expected declined tool response to be an error result")
	}
}

func TestRunFinalOutputShortCircuits(t *testing.T) {
	s, sessionID := openTestStore(t)
	defer s.Close()

	proxy := mcp.NewProxy(nil)
	proxy.RegisterTool(mcp.Tool{Name: ToolFinalOutput}, func(ctx context.Context, args json.RawMessage) (*mcp.ToolResult, error) {
		return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: "final answer"}}}, nil
	})

	prov := &scriptedProvider{responses: []streamFunc{
		toolCallStream("call_1", ToolFinalOutput, `{"answer":"42"}`),
	}}

	loop := New(Config{
		Provider:   prov,
		Summarizer: noopSummarizer{},
		Store:      s,
		Proxy:      proxy,
		Mode:       inspect.ModeAuto,
	})

	events := make(chan Event, 16)
	if err := loop.Run(context.Background(), sessionID, "give final output", events); err != nil {
		t.Fatalf("Run: %v", err)
	}
	drainEvents(events)

	if prov.calls != 1 {
		t.Errorf("expected exactly 1 model call before short-circuit, got %d", prov.calls)
	}
}

func TestRunMaxTurnsExhausted(t *testing.T) {
	s, sessionID := openTestStore(t)
	defer s.Close()

	proxy := mcp.NewProxy(nil)
	proxy.RegisterTool(mcp.Tool{Name: "loopy"}, func(ctx context.Context, args json.RawMessage) (*mcp.ToolResult, error) {
		return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: "again"}}}, nil
	})

	prov := &scriptedProvider{responses: []streamFunc{toolCallStream("call_1", "loopy", `{}`)}}

	loop := New(Config{
		Provider:   prov,
		Summarizer: noopSummarizer{},
		Store:      s,
		Proxy:      proxy,
		Mode:       inspect.ModeAuto,
		MaxTurns:   2,
	})

	events := make(chan Event, 64)
	if err := loop.Run(context.Background(), sessionID, "keep going forever", events); err != nil {
		t.Fatalf("Run: %v", err)
	}
	drainEvents(events)

	sess, err := s.GetSession(context.Background(), sessionID, true)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	last, ok := sess.Conversation.Last()
	if !ok {
		t.Fatal("expected at least one message")
	}
	if got := last.Text(); got != maxTurnsMessage {
		t.Errorf("final message = %q, want exact max-turns message %q", got, maxTurnsMessage)
	}
}

type fixedSummarizer struct {
	summary string
	usage   compact.Usage
}

func (s fixedSummarizer) Summarize(ctx context.Context, conv conversation.Conversation) (string, compact.Usage, error) {
	return s.summary, s.usage, nil
}

func errStream(msg string) streamFunc {
	return func() (<-chan provider.StreamEvent, error) {
		return nil, fmt.Errorf("%s", msg)
	}
}

func TestRunRecoversFromContextLengthExceeded(t *testing.T) {
	s, sessionID := openTestStore(t)
	defer s.Close()

	prov := &scriptedProvider{responses: []streamFunc{
		errStream("maximum context length exceeded"),
		textStream("recovered answer"),
	}}

	loop := New(Config{
		Provider:   prov,
		Summarizer: fixedSummarizer{summary: "what happened so far", usage: compact.Usage{InputTokens: 500, OutputTokens: 200}},
		Store:      s,
		Proxy:      mcp.NewProxy(nil),
		Mode:       inspect.ModeAuto,
	})

	events := make(chan Event, 32)
	if err := loop.Run(context.Background(), sessionID, "keep going", events); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var historyReplaced int
	for _, evt := range drainEvents(events) {
		if evt.Type == EventHistoryReplaced {
			historyReplaced++
		}
	}
	if historyReplaced != 1 {
		t.Errorf("expected exactly 1 HistoryReplaced, got %d", historyReplaced)
	}
	if prov.calls != 2 {
		t.Errorf("expected 2 model calls (failed + recovered), got %d", prov.calls)
	}

	sess, err := s.GetSession(context.Background(), sessionID, true)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}

	// Token bookkeeping per the compaction rules: input = summarizer output,
	// output cleared, accumulated grew by the compaction cost plus the
	// recovered call's usage (10 in / 5 out from textStream).
	if sess.InputTokens != 10 {
		// recordUsage for the recovered call overwrote the window counters;
		// the compaction-era value (200) was the intermediate state.
		t.Errorf("input tokens = %d, want the recovered call's 10", sess.InputTokens)
	}
	if sess.AccumulatedTotalTokens != 500+200+10+5 {
		t.Errorf("accumulated total = %d, want %d", sess.AccumulatedTotalTokens, 500+200+10+5)
	}

	last, _ := sess.Conversation.Last()
	if got := last.Text(); got != "recovered answer" {
		t.Errorf("final message = %q, want the recovered answer", got)
	}
}

func TestRunForwardsMcpNotifications(t *testing.T) {
	s, sessionID := openTestStore(t)
	defer s.Close()

	notifications := make(chan mcp.ServerNotification, 4)
	notifications <- mcp.ServerNotification{Method: "notifications/progress", Params: json.RawMessage(`{"progress":1}`)}

	prov := &scriptedProvider{responses: []streamFunc{textStream("ok")}}
	loop := New(Config{
		Provider:      prov,
		Summarizer:    noopSummarizer{},
		Store:         s,
		Proxy:         mcp.NewProxy(nil),
		Mode:          inspect.ModeAuto,
		Notifications: notifications,
	})

	events := make(chan Event, 16)
	if err := loop.Run(context.Background(), sessionID, "hi", events); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var sawNotification bool
	for _, evt := range drainEvents(events) {
		if evt.Type == EventMcpNotification && evt.Notification.Method == "notifications/progress" {
			sawNotification = true
		}
	}
	if !sawNotification {
		t.Error("queued MCP notification was not forwarded into the event stream")
	}
}

func TestRunNudgesForConfiguredFinalOutputTool(t *testing.T) {
	s, sessionID := openTestStore(t)
	defer s.Close()

	proxy := mcp.NewProxy(nil)
	proxy.RegisterTool(mcp.Tool{Name: "submit"}, func(ctx context.Context, args json.RawMessage) (*mcp.ToolResult, error) {
		return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: "recorded"}}}, nil
	})

	prov := &scriptedProvider{responses: []streamFunc{
		textStream("I think I'm done"),
		toolCallStream("call_1", "submit", `{"answer":"42"}`),
	}}

	loop := New(Config{
		Provider:        prov,
		Summarizer:      noopSummarizer{},
		Store:           s,
		Proxy:           proxy,
		Mode:            inspect.ModeAuto,
		FinalOutputTool: "submit",
	})

	events := make(chan Event, 32)
	if err := loop.Run(context.Background(), sessionID, "answer me", events); err != nil {
		t.Fatalf("Run: %v", err)
	}
	drainEvents(events)

	if prov.calls != 2 {
		t.Errorf("expected 2 model calls (answer, then nudged submit), got %d", prov.calls)
	}

	sess, err := s.GetSession(context.Background(), sessionID, true)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	msgs := sess.Conversation.Messages()
	// user, assistant (no tool), nudge, assistant+submit, tool response
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}
	nudge := msgs[2]
	if nudge.Role != conversation.RoleUser || nudge.Metadata.UserVisible {
		t.Errorf("nudge should be a user-invisible user message, got %+v", nudge.Metadata)
	}
}

func TestRunRetryRewindsOnFailedSuccessCheck(t *testing.T) {
	s, sessionID := openTestStore(t)
	defer s.Close()

	prov := &scriptedProvider{responses: []streamFunc{
		textStream("first attempt"),  // turn 1
		textStream("FAIL"),           // success check verdict
		textStream("second attempt"), // turn after rewind; attempts exhausted
	}}

	loop := New(Config{
		Provider:   prov,
		Summarizer: noopSummarizer{},
		Store:      s,
		Proxy:      mcp.NewProxy(nil),
		Mode:       inspect.ModeAuto,
		Retry:      &RetryConfig{MaxAttempts: 2, Checks: []string{"the task was completed"}},
	})

	events := make(chan Event, 32)
	if err := loop.Run(context.Background(), sessionID, "do the task", events); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var historyReplaced int
	for _, evt := range drainEvents(events) {
		if evt.Type == EventHistoryReplaced {
			historyReplaced++
		}
	}
	if historyReplaced != 1 {
		t.Errorf("expected exactly 1 HistoryReplaced from the rewind, got %d", historyReplaced)
	}
	if prov.calls != 3 {
		t.Errorf("expected 3 model calls (attempt, check, retry), got %d", prov.calls)
	}

	sess, err := s.GetSession(context.Background(), sessionID, true)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	msgs := sess.Conversation.Messages()
	if len(msgs) != 2 {
		t.Fatalf("rewound conversation should hold user + retried assistant, got %d messages", len(msgs))
	}
	if got := msgs[1].Text(); got != "second attempt" {
		t.Errorf("final assistant text = %q, want the retried attempt", got)
	}
}

func TestRunStopsPromptlyAfterCancellation(t *testing.T) {
	s, sessionID := openTestStore(t)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())

	proxy := mcp.NewProxy(nil)
	proxy.RegisterTool(mcp.Tool{Name: "loopy"}, func(tctx context.Context, args json.RawMessage) (*mcp.ToolResult, error) {
		cancel() // cancel mid-turn, after the tool started
		return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: "done"}}}, nil
	})

	prov := &scriptedProvider{responses: []streamFunc{toolCallStream("call_1", "loopy", `{}`)}}
	loop := New(Config{
		Provider:   prov,
		Summarizer: noopSummarizer{},
		Store:      s,
		Proxy:      proxy,
		Mode:       inspect.ModeAuto,
	})

	events := make(chan Event, 32)
	if err := loop.Run(ctx, sessionID, "go", events); err != nil {
		t.Fatalf("Run: %v", err)
	}
	drainEvents(events)

	if prov.calls != 1 {
		t.Errorf("loop should not start another model call after cancel, got %d calls", prov.calls)
	}

	// The in-flight tool round still completed atomically: the conversation
	// ends with the aggregated tool response, nothing half-written.
	sess, err := s.GetSession(context.Background(), sessionID, true)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	last, _ := sess.Conversation.Last()
	if len(last.ToolResponseIDs()) != 1 {
		t.Errorf("last message should be the completed tool response, got %+v", last)
	}
}

func TestRunIncludesSystemPromptAndMoim(t *testing.T) {
	s, sessionID := openTestStore(t)
	defer s.Close()

	var seen []provider.Message
	prov := &capturingProvider{response: textStream("hello")}
	prov.onMessages = func(msgs []provider.Message) { seen = msgs }

	loop := New(Config{
		Provider:     prov,
		Summarizer:   noopSummarizer{},
		Store:        s,
		Proxy:        mcp.NewProxy(nil),
		Mode:         inspect.ModeAuto,
		SystemPrompt: "You are a careful assistant.",
		Moim: func(ctx context.Context) []string {
			return []string{"tasks: 1 background task running"}
		},
	})

	events := make(chan Event, 16)
	if err := loop.Run(context.Background(), sessionID, "hi", events); err != nil {
		t.Fatalf("Run: %v", err)
	}
	drainEvents(events)

	if len(seen) == 0 || seen[0].Role != "system" {
		t.Fatalf("first provider message should be the system prompt, got %+v", seen)
	}
	sp := seen[0].Content
	if !strings.Contains(sp, "careful assistant") || !strings.Contains(sp, "background task") {
		t.Errorf("system prompt missing base or moim content: %q", sp)
	}
}

type capturingProvider struct {
	response   streamFunc
	onMessages func([]provider.Message)
}

func (p *capturingProvider) Name() string { return "capturing" }
func (p *capturingProvider) Close() error { return nil }
func (p *capturingProvider) ListModels(ctx context.Context) ([]provider.Model, error) {
	return nil, nil
}
func (p *capturingProvider) ChatStream(ctx context.Context, messages []provider.Message, tools []provider.Tool) (<-chan provider.StreamEvent, error) {
	if p.onMessages != nil {
		p.onMessages(messages)
	}
	return p.response()
}

type modelSwitchingProvider struct {
	scriptedProvider
	setCalls []string
}

func (p *modelSwitchingProvider) SetModel(ctx context.Context, model string) error {
	p.setCalls = append(p.setCalls, model)
	return nil
}

func TestRunEmitsModelChangeOnce(t *testing.T) {
	s, sessionID := openTestStore(t)
	defer s.Close()

	proxy := mcp.NewProxy(nil)
	proxy.RegisterTool(mcp.Tool{Name: "step"}, func(ctx context.Context, args json.RawMessage) (*mcp.ToolResult, error) {
		return mcp.TextResult("ok"), nil
	})

	// Two turns (tool call, then text) with a selector that always asks for
	// the same model: the switch must apply and be announced exactly once.
	prov := &modelSwitchingProvider{scriptedProvider: scriptedProvider{responses: []streamFunc{
		toolCallStream("call_1", "step", `{}`),
		textStream("done"),
	}}}

	loop := New(Config{
		Provider:      prov,
		Summarizer:    noopSummarizer{},
		Store:         s,
		Proxy:         proxy,
		Mode:          inspect.ModeAuto,
		ModelSelector: func(turn int) string { return "model_b" },
	})

	events := make(chan Event, 32)
	if err := loop.Run(context.Background(), sessionID, "go", events); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var changes []string
	for _, evt := range drainEvents(events) {
		if evt.Type == EventModelChange {
			changes = append(changes, evt.Model)
		}
	}
	if len(changes) != 1 || changes[0] != "model_b" {
		t.Errorf("model change events = %v, want exactly one for model_b", changes)
	}
	if len(prov.setCalls) != 1 {
		t.Errorf("SetModel called %d times, want 1 (unchanged model is not re-sent)", len(prov.setCalls))
	}
}

func TestRequestApprovalDeliversOutcome(t *testing.T) {
	perms, err := permission.Open(filepath.Join(t.TempDir(), "perms.json"))
	if err != nil {
		t.Fatalf("permission.Open: %v", err)
	}
	loop := New(Config{Permissions: perms, Mode: inspect.ModeApprove})

	req := inspect.Request{Part: conversation.ContentPart{
		ID:   "tr_1",
		Type: conversation.PartToolRequest,
		Call: &conversation.ToolCall{Name: "write_file"},
	}}

	events := make(chan Event, 4)
	done := make(chan permission.Outcome, 1)
	go func() {
		done <- loop.requestApproval(context.Background(), req, events)
	}()

	evt := <-events
	if evt.Type != EventActionRequired {
		t.Fatalf("expected EventActionRequired, got %v", evt.Type)
	}
	perms.HandleConfirmation("write_file", evt.RequestID, permission.AllowOnce)

	if outcome := <-done; outcome != permission.AllowOnce {
		t.Errorf("outcome = %v, want AllowOnce", outcome)
	}
}

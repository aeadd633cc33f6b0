package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/xonecas/symb/internal/acpshim"
	"github.com/xonecas/symb/internal/agenterr"
	"github.com/xonecas/symb/internal/compact"
	"github.com/xonecas/symb/internal/conversation"
	"github.com/xonecas/symb/internal/inspect"
	"github.com/xonecas/symb/internal/mcp"
	"github.com/xonecas/symb/internal/permission"
	"github.com/xonecas/symb/internal/provider"
	"github.com/xonecas/symb/internal/store"
)

// DefaultMaxTurns caps the number of assistant turns a single call to Run
// may take before it must stop and ask the user whether to continue.
const DefaultMaxTurns = 1000

// maxTurnsMessage is appended verbatim when the turn budget is exhausted.
const maxTurnsMessage = "I've reached the maximum number of actions I can do without user input. Would you like me to continue?"

// Special tool names the reply loop treats outside the normal dispatch path.
const (
	ToolManageSchedule   = "platform__manage_schedule"
	ToolManageExtensions = "platform__manage_extensions"
	ToolFinalOutput      = "<final_output>"
	ToolSubagentExecute  = "<subagent_execute_task>"
	ToolDynamicTask      = "<dynamic_task>"
	ToolRouterLLMSearch  = "<router_llm_search>"
	subRecipePrefix      = "<sub_recipe_"
)

func isSubRecipeTool(name string) bool { return strings.HasPrefix(name, subRecipePrefix) }

// ToolDispatcher is the slice of the extension manager the loop needs:
// listing the model-visible tools and dispatching one call. Satisfied by
// both *mcp.Proxy (builtin-only hosts, sub-agents) and *mcp.Manager.
type ToolDispatcher interface {
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, arguments json.RawMessage) (*mcp.ToolResult, error)
}

// toolDispatcherWithID is implemented by dispatchers that need the model's
// tool-call id for correlation (frontend tool placeholders).
type toolDispatcherWithID interface {
	CallToolWithID(ctx context.Context, requestID, name string, arguments json.RawMessage) (*mcp.ToolResult, error)
}

// ModelSetter is implemented by providers that can swap the active model
// mid-session (the Claude CLI adapter's set_model control request).
type ModelSetter interface {
	SetModel(ctx context.Context, model string) error
}

// RetryConfig replays a turn that ended without satisfying its success
// checks: the conversation is rewound to the initial messages and the turn
// re-runs, up to MaxAttempts total.
type RetryConfig struct {
	MaxAttempts int
	// Checks are yes/no prompts evaluated against the finished conversation
	// by the provider; every check must come back affirmative for the turn
	// to stand.
	Checks []string
}

// Config wires a Loop to its collaborators. Provider and Summarizer are
// typically the same backend (see provider.Summarizer), but are kept
// separate so a cheaper/faster model can drive compaction.
type Config struct {
	Provider   provider.Provider
	Summarizer compact.Summarizer
	Store      *store.SessionStore
	Proxy      ToolDispatcher

	Permissions   *permission.Store
	Mode          inspect.Mode
	ReadOnlyTools map[string]bool

	ContextLimit       int
	CompactThreshold   float64
	MaxTurns           int
	RequireAlternation bool // some providers (Anthropic) reject back-to-back same-role turns

	// SystemPrompt is prepended to every provider call; Moim, if set,
	// contributes per-extension status lines appended below it (see
	// mcp.Manager.Moims).
	SystemPrompt string
	Moim         func(ctx context.Context) []string

	// Notifications, if set, is drained into EventMcpNotification events at
	// the loop's suspension points.
	Notifications <-chan mcp.ServerNotification

	// FinalOutputTool, when non-empty, names a tool the model must call
	// before the loop may finish; a turn that ends without it gets a
	// continuation user message asking for it.
	FinalOutputTool string

	// ModelSelector, if set, is consulted before each model call with the
	// current turn number; a non-empty return that differs from the active
	// model is applied via the provider's ModelSetter (when implemented) and
	// announced with an EventModelChange.
	ModelSelector func(turn int) string

	// Retry, if set, replays the turn when its success checks fail.
	Retry *RetryConfig

	// OnExtensionsChanged, if set, is invoked after a successful
	// platform__manage_extensions call so the host can re-list tools for
	// the next round.
	OnExtensionsChanged func(ctx context.Context)

	// ACPSink, if set, receives a tool_call notification when a tool
	// request is dispatched and a tool_call_update once its result is
	// known. Nil means no host is listening.
	ACPSink acpshim.Sink

	// SymbolIndex, if set, resolves bare identifiers mentioned in tool
	// output to line numbers for ACPSink's locations[] mining.
	SymbolIndex acpshim.Resolver

	Depth int // 0 = root agent, 1 = sub-agent; enforced by the subagent package
}

// Loop orchestrates one user turn into N assistant turns: streaming the
// model, inspecting and dispatching tool calls, handling approvals, and
// compacting the conversation when token pressure or a manual trigger
// demands it.
type Loop struct {
	cfg        Config
	repetition *inspect.RepetitionTracker
}

// New builds a Loop, filling in defaults for zero-valued Config fields.
func New(cfg Config) *Loop {
	if cfg.MaxTurns == 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if cfg.CompactThreshold == 0 {
		cfg.CompactThreshold = compact.DefaultThreshold
	}
	return &Loop{cfg: cfg, repetition: inspect.NewRepetitionTracker(3, 10)}
}

// Run processes one user turn: it appends userText to the session, then
// drives the reply loop until the model produces a turn with no further
// tool calls, a final-output tool short-circuits it, or the turn budget is
// exhausted. Every durable message and every host-facing signal is sent to
// events, which Run closes before returning.
func (l *Loop) Run(ctx context.Context, sessionID, userText string, events chan<- Event) error {
	defer close(events)

	sess, err := l.cfg.Store.GetSession(ctx, sessionID, true)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	userMsg := conversation.NewUserText(userText)
	if err := l.cfg.Store.AddMessage(ctx, sessionID, userMsg); err != nil {
		return fmt.Errorf("persist user message: %w", err)
	}
	conv := sess.Conversation.Push(userMsg)
	events <- Event{Type: EventMessage, Message: userMsg}

	var providerTools []provider.Tool
	if l.cfg.Proxy != nil {
		tools, err := l.cfg.Proxy.ListTools(ctx)
		if err != nil {
			log.Warn().Err(err).Str("session", sessionID).Msg("reply loop: failed to list tools")
		}
		providerTools = toProviderTools(tools)
	}

	initialConv := conv
	didRecoveryCompact := false
	recoveredThisTurn := false
	attempt := 1
	turn := 0
	activeModel := ""
	for {
		l.drainNotifications(events)
		if ctx.Err() != nil {
			return nil
		}

		if turn >= l.cfg.MaxTurns {
			return l.emitMaxTurns(ctx, sessionID, events)
		}

		if next := l.selectModel(ctx, turn, activeModel); next != "" {
			activeModel = next
			events <- Event{Type: EventModelChange, Model: next}
		}

		if l.needsCompaction(conv, userMsg) {
			newConv, err := l.compactSession(ctx, sessionID, conv, false)
			if err != nil {
				return fmt.Errorf("compact conversation: %w", err)
			}
			conv = newConv
			events <- Event{Type: EventHistoryReplaced, Conversation: conv}
		}

		fixed, issues := conversation.FixConversation(conv, l.cfg.RequireAlternation)
		for _, issue := range issues {
			log.Warn().Str("session", sessionID).Str("reason", issue.Reason).Msg("reply loop: conversation repaired")
		}
		msgs := toProviderMessages(fixed.AgentVisible())
		if sp := l.composeSystemPrompt(ctx); sp != "" {
			msgs = append([]provider.Message{{Role: "system", Content: sp}}, msgs...)
		}

		stream, err := l.cfg.Provider.ChatStream(ctx, msgs, providerTools)
		var resp *provider.ChatResponse
		if err == nil {
			resp, err = collectWithEvents(stream, nil)
		}
		if err != nil {
			aerr := classifyProviderError(err)
			if aerr.Recoverable() && !didRecoveryCompact {
				didRecoveryCompact = true
				recoveredThisTurn = true
				log.Warn().Str("session", sessionID).Msg("reply loop: recovering from context length exceeded via compaction")
				newConv, cerr := l.compactSession(ctx, sessionID, conv, true)
				if cerr != nil {
					return fmt.Errorf("recovery compaction: %w", cerr)
				}
				conv = newConv
				events <- Event{Type: EventHistoryReplaced, Conversation: conv}
				continue
			}
			return fmt.Errorf("reply loop: %w", aerr)
		}
		didRecoveryCompact = false
		l.drainNotifications(events)

		if resp.InputTokens > 0 || resp.OutputTokens > 0 {
			if err := l.recordUsage(ctx, sessionID, resp.InputTokens, resp.OutputTokens); err != nil {
				log.Warn().Err(err).Str("session", sessionID).Msg("reply loop: failed to record usage")
			}
		}

		assistantMsg := buildAssistantMessage(resp)
		if err := l.cfg.Store.AddMessage(ctx, sessionID, assistantMsg); err != nil {
			return fmt.Errorf("persist assistant message: %w", err)
		}
		conv = conv.Push(assistantMsg)
		events <- Event{Type: EventMessage, Message: assistantMsg}

		if len(resp.ToolCalls) == 0 {
			// No-tool termination: nudge for a configured final-output tool,
			// else consult the retry policy, else the turn is complete. A
			// turn that just recovered via compaction skips the retry branch
			// so the outer loop continues naturally instead of rewinding.
			if l.cfg.FinalOutputTool != "" {
				nudge := conversation.NewUserText(fmt.Sprintf(
					"You must call the %s tool to provide your final output before finishing.", l.cfg.FinalOutputTool))
				nudge = nudge.WithUserVisible(false)
				if err := l.cfg.Store.AddMessage(ctx, sessionID, nudge); err != nil {
					return fmt.Errorf("persist continuation message: %w", err)
				}
				conv = conv.Push(nudge)
				events <- Event{Type: EventMessage, Message: nudge}
				turn++
				continue
			}

			if l.cfg.Retry != nil && !recoveredThisTurn && attempt < l.cfg.Retry.MaxAttempts && !l.successChecksPass(ctx, conv) {
				log.Warn().Str("session", sessionID).Int("attempt", attempt).Msg("reply loop: success checks failed, rewinding for retry")
				if err := l.cfg.Store.ReplaceConversation(ctx, sessionID, initialConv); err != nil {
					return fmt.Errorf("rewind conversation: %w", err)
				}
				conv = initialConv
				events <- Event{Type: EventHistoryReplaced, Conversation: conv}
				attempt++
				turn++
				continue
			}
			return nil
		}
		recoveredThisTurn = false

		toolMsg, outcome, err := l.handleToolCalls(ctx, sessionID, assistantMsg, events)
		if err != nil {
			return fmt.Errorf("dispatch tool calls: %w", err)
		}
		conv = conv.Push(toolMsg)

		if outcome.finalOutput {
			return nil
		}

		if outcome.toolsUpdated && l.cfg.Proxy != nil {
			tools, err := l.cfg.Proxy.ListTools(ctx)
			if err != nil {
				log.Warn().Err(err).Str("session", sessionID).Msg("reply loop: failed to refresh tools after extension change")
			} else {
				providerTools = toProviderTools(tools)
			}
		}

		turn++
	}
}

// selectModel consults the configured ModelSelector and applies a switch via
// the provider's SetModel. Returns the new model name when a switch took
// effect (the caller emits EventModelChange), or "" when nothing changed. A
// failed SetModel keeps the current model; the turn proceeds on it.
func (l *Loop) selectModel(ctx context.Context, turn int, active string) string {
	if l.cfg.ModelSelector == nil {
		return ""
	}
	next := l.cfg.ModelSelector(turn)
	if next == "" || next == active {
		return ""
	}
	ms, ok := l.cfg.Provider.(ModelSetter)
	if !ok {
		log.Warn().Str("model", next).Msg("reply loop: model selector set but provider cannot switch models")
		return ""
	}
	if err := ms.SetModel(ctx, next); err != nil {
		log.Warn().Err(err).Str("model", next).Msg("reply loop: model switch failed, continuing on current model")
		return ""
	}
	return next
}

// composeSystemPrompt assembles the per-call system prompt: the configured
// base prompt plus each extension's status line (MOIM), rebuilt every turn
// so extension changes and background-task updates land on the next call.
func (l *Loop) composeSystemPrompt(ctx context.Context) string {
	var parts []string
	if l.cfg.SystemPrompt != "" {
		parts = append(parts, l.cfg.SystemPrompt)
	}
	if l.cfg.Moim != nil {
		if moims := l.cfg.Moim(ctx); len(moims) > 0 {
			parts = append(parts, "Background status:\n"+strings.Join(moims, "\n"))
		}
	}
	return strings.Join(parts, "\n\n")
}

// drainNotifications forwards any queued extension notifications without
// blocking. Called at the loop's suspension points so MCP notifications
// interleave with message events in arrival order.
func (l *Loop) drainNotifications(events chan<- Event) {
	if l.cfg.Notifications == nil {
		return
	}
	for {
		select {
		case n, ok := <-l.cfg.Notifications:
			if !ok {
				l.cfg.Notifications = nil
				return
			}
			events <- Event{Type: EventMcpNotification, Notification: n}
		default:
			return
		}
	}
}

// successChecksPass evaluates every retry check against the finished
// conversation with one judgment call per check, whose stream is collected
// in full before the verdict is read. Provider
// errors count as a pass so transient failures never burn retry attempts.
func (l *Loop) successChecksPass(ctx context.Context, conv conversation.Conversation) bool {
	for _, check := range l.cfg.Retry.Checks {
		msgs := toProviderMessages(conv.AgentVisible())
		msgs = append(msgs, provider.Message{
			Role:    "user",
			Content: "Evaluate whether the conversation above satisfies this requirement. Answer PASS or FAIL only.\n\nRequirement: " + check,
		})
		stream, err := l.cfg.Provider.ChatStream(ctx, msgs, nil)
		if err != nil {
			log.Warn().Err(err).Msg("reply loop: success check call failed, treating as pass")
			return true
		}
		resp, err := collectWithEvents(stream, nil)
		if err != nil {
			log.Warn().Err(err).Msg("reply loop: success check stream failed, treating as pass")
			return true
		}
		if !strings.Contains(strings.ToUpper(resp.Content), "PASS") {
			return false
		}
	}
	return true
}

func (l *Loop) needsCompaction(conv conversation.Conversation, userMsg conversation.Message) bool {
	if l.cfg.ContextLimit <= 0 {
		return userMsg.Text() == compact.ManualCompactTrigger
	}
	inputTokens := estimateTokens(conv)
	return compact.NeedsAutoCompact(inputTokens, l.cfg.ContextLimit, l.cfg.CompactThreshold, userMsg.Text())
}

// estimateTokens is a crude word-count-based proxy for the current window's
// token usage, used only to decide whether to compact before the next model
// call; the real count comes back from the provider's Usage event and is
// what gets persisted to the session row.
func estimateTokens(conv conversation.Conversation) int {
	words := 0
	for _, m := range conv.Messages() {
		words += len(strings.Fields(m.Text()))
	}
	return words * 4 / 3
}

func (l *Loop) recordUsage(ctx context.Context, sessionID string, input, output int) error {
	sess, err := l.cfg.Store.GetSession(ctx, sessionID, false)
	if err != nil {
		return err
	}
	return l.cfg.Store.UpdateSession(sessionID).
		InputTokens(input).
		OutputTokens(&output).
		TotalTokens(input + output).
		AccumulatedInputTokens(sess.AccumulatedInputTokens + input).
		AccumulatedOutputTokens(sess.AccumulatedOutputTokens + output).
		AccumulatedTotalTokens(sess.AccumulatedTotalTokens + input + output).
		Apply(ctx)
}

func (l *Loop) compactSession(ctx context.Context, sessionID string, conv conversation.Conversation, recoverable bool) (conversation.Conversation, error) {
	result, err := compact.CompactMessages(ctx, conv, l.cfg.Summarizer, recoverable)
	if err != nil {
		return conversation.Conversation{}, err
	}

	if err := l.cfg.Store.ReplaceConversation(ctx, sessionID, result.Conversation); err != nil {
		return conversation.Conversation{}, err
	}

	sess, err := l.cfg.Store.GetSession(ctx, sessionID, false)
	if err != nil {
		return conversation.Conversation{}, err
	}

	newAccTotal, newAccInput, newAccOutput, newInput, newTotal := compact.ApplyTokenBookkeeping(
		sess.AccumulatedTotalTokens, sess.AccumulatedInputTokens, sess.AccumulatedOutputTokens, result.Usage)

	if err := l.cfg.Store.UpdateSession(sessionID).
		AccumulatedTotalTokens(newAccTotal).
		AccumulatedInputTokens(newAccInput).
		AccumulatedOutputTokens(newAccOutput).
		InputTokens(newInput).
		TotalTokens(newTotal).
		OutputTokens(nil).
		Apply(ctx); err != nil {
		return conversation.Conversation{}, err
	}

	return result.Conversation, nil
}

func (l *Loop) emitMaxTurns(ctx context.Context, sessionID string, events chan<- Event) error {
	msg := conversation.NewAssistantText(maxTurnsMessage)
	if err := l.cfg.Store.AddMessage(ctx, sessionID, msg); err != nil {
		return err
	}
	events <- Event{Type: EventMessage, Message: msg}
	return nil
}

// turnOutcome carries the loop-relevant side effects of one tool round.
type turnOutcome struct {
	finalOutput  bool
	toolsUpdated bool
}

// handleToolCalls runs the inspection pipeline over every ToolRequest part
// in assistantMsg, resolves approvals, dispatches approved calls
// concurrently, and returns the single aggregated ToolResponse message
// (msg_<uuid>) the next model call will see.
func (l *Loop) handleToolCalls(ctx context.Context, sessionID string, assistantMsg conversation.Message, events chan<- Event) (conversation.Message, turnOutcome, error) {
	var reqs []inspect.Request
	for _, p := range assistantMsg.Content {
		if p.Type != conversation.PartToolRequest {
			continue
		}
		readOnly := false
		if p.Call != nil && l.cfg.ReadOnlyTools != nil {
			readOnly = l.cfg.ReadOnlyTools[p.Call.Name]
		}
		reqs = append(reqs, inspect.Request{Part: p, ReadOnly: readOnly})
	}

	pipeline := &inspect.Pipeline{Mode: l.cfg.Mode, Policies: l.cfg.Permissions, Repetition: l.repetition}
	result := pipeline.Run(reqs)

	var parts []conversation.ContentPart
	for _, d := range result.Denied {
		parts = append(parts, declinedResponse(d.Part, d.Reason))
	}

	approved := append([]inspect.Request(nil), result.Approved...)
	for _, r := range result.NeedsApproval {
		outcome := l.requestApproval(ctx, r, events)
		switch outcome {
		case permission.AllowOnce, permission.AlwaysAllowOutcome:
			approved = append(approved, r)
		default:
			parts = append(parts, declinedResponse(r.Part, "declined by user"))
		}
	}

	dispatched, outcome := l.dispatchApproved(ctx, approved)
	parts = append(parts, dispatched...)

	toolMsg := conversation.Message{
		ID:       "msg_" + uuid.NewString(),
		Role:     conversation.RoleUser,
		Created:  time.Now(),
		Content:  parts,
		Metadata: conversation.DefaultMetadata(),
	}

	// Persisted even if ctx was cancelled during dispatch, so the tool round
	// lands atomically and the conversation never ends on an unanswered call.
	if err := l.cfg.Store.AddMessage(context.WithoutCancel(ctx), sessionID, toolMsg); err != nil {
		return conversation.Message{}, turnOutcome{}, err
	}
	events <- Event{Type: EventMessage, Message: toolMsg}

	return toolMsg, outcome, nil
}

func (l *Loop) requestApproval(ctx context.Context, r inspect.Request, events chan<- Event) permission.Outcome {
	if l.cfg.Permissions == nil || r.Part.Call == nil {
		return permission.DenyOnce
	}
	reqID := "perm_" + uuid.NewString()
	ch := l.cfg.Permissions.Request(ctx, reqID)
	events <- Event{Type: EventActionRequired, ToolName: r.Part.Call.Name, ToolRequestID: r.Part.ID, RequestID: reqID}
	select {
	case outcome := <-ch:
		return outcome
	case <-ctx.Done():
		return permission.Cancel
	}
}

// dispatchApproved runs every approved tool call concurrently via
// errgroup, joining the results into
// one slice ordered the same as reqs. It also watches for the handful of
// special tool names the reply loop itself must react to.
func (l *Loop) dispatchApproved(ctx context.Context, reqs []inspect.Request) ([]conversation.ContentPart, turnOutcome) {
	if len(reqs) == 0 {
		return nil, turnOutcome{}
	}

	parts := make([]conversation.ContentPart, len(reqs))
	var outcome turnOutcome
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, r := range reqs {
		i, r := i, r
		g.Go(func() error {
			if l.cfg.ACPSink != nil && r.Part.Call != nil {
				tc := acpshim.NewToolCall(r.Part.ID, *r.Part.Call)
				if notif, err := tc.Notification(); err == nil {
					l.cfg.ACPSink.Send(notif)
				}
			}

			part := l.runOneTool(gctx, r)

			if l.cfg.ACPSink != nil && r.Part.Call != nil {
				update := acpshim.NewToolCallUpdateResolved(r.Part.ID, *r.Part.Call, part.Result, part.ResultErr, l.cfg.SymbolIndex)
				if notif, err := update.Notification(); err == nil {
					l.cfg.ACPSink.Send(notif)
				}
			}

			mu.Lock()
			parts[i] = part
			if r.Part.Call != nil && !partIsError(part) {
				name := r.Part.Call.Name
				if name == ToolFinalOutput || (l.cfg.FinalOutputTool != "" && name == l.cfg.FinalOutputTool) {
					outcome.finalOutput = true
				}
				if name == ToolManageExtensions {
					outcome.toolsUpdated = true
				}
			}
			mu.Unlock()

			if r.Part.Call != nil {
				l.repetition.Observe(r.Part.Call.Name, r.Part.Call.Arguments)
				if r.Part.Call.Name == ToolManageExtensions && !partIsError(part) && l.cfg.OnExtensionsChanged != nil {
					l.cfg.OnExtensionsChanged(ctx)
				}
			}
			return nil
		})
	}
	_ = g.Wait() // per-tool failures are captured as error ToolResults, not group errors

	return parts, outcome
}

func partIsError(p conversation.ContentPart) bool {
	return p.ResultErr != "" || (p.Result != nil && p.Result.IsError)
}

func (l *Loop) runOneTool(ctx context.Context, r inspect.Request) conversation.ContentPart {
	if r.Part.Call == nil {
		return conversation.ContentPart{Type: conversation.PartToolResponse, ID: r.Part.ID, ResultErr: "malformed tool request: no call"}
	}
	if l.cfg.Proxy == nil {
		return conversation.ContentPart{Type: conversation.PartToolResponse, ID: r.Part.ID, ResultErr: "no extension manager configured"}
	}

	var result *mcp.ToolResult
	var err error
	if d, ok := l.cfg.Proxy.(toolDispatcherWithID); ok {
		result, err = d.CallToolWithID(ctx, r.Part.ID, r.Part.Call.Name, r.Part.Call.Arguments)
	} else {
		result, err = l.cfg.Proxy.CallTool(ctx, r.Part.Call.Name, r.Part.Call.Arguments)
	}
	if err != nil {
		return conversation.ContentPart{Type: conversation.PartToolResponse, ID: r.Part.ID, ResultErr: err.Error()}
	}
	if result == nil {
		result = mcp.ErrorResult("tool returned no result")
	}

	// mcp.ToolResult is the conversation model's result type, so what a tool
	// (builtin or extension) returned is stored and replayed as-is.
	return conversation.ContentPart{Type: conversation.PartToolResponse, ID: r.Part.ID, Result: result}
}

func declinedResponse(part conversation.ContentPart, reason string) conversation.ContentPart {
	return conversation.ContentPart{
		Type: conversation.PartToolResponse,
		ID:   part.ID,
		Result: &conversation.ToolResult{
			IsError: true,
			Content: []conversation.ResultContent{{Type: "text", Text: "Declined: " + reason}},
		},
	}
}

// classifyProviderError maps a provider adapter's error into the typed
// taxonomy the loop branches on. HTTP-backed adapters classify at the
// response boundary and return *agenterr.Error (possibly wrapped); the
// subprocess-backed ones speak plain Go errors, so the substring fallback
// below classifies by message for backends without structured error codes.
func classifyProviderError(err error) *agenterr.Error {
	if err == nil {
		return nil
	}
	var ae *agenterr.Error
	if errors.As(err, &ae) {
		return ae
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "context length exceeded") || strings.Contains(msg, "context_length_exceeded") || strings.Contains(msg, "maximum context length"):
		return agenterr.ContextLengthExceeded(err.Error())
	case strings.Contains(msg, "authentication") || strings.Contains(msg, "unauthorized") || strings.Contains(msg, "401"):
		return agenterr.Authentication(err.Error())
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return agenterr.RateLimit(err.Error(), 0)
	default:
		return agenterr.RequestFailed(err.Error())
	}
}

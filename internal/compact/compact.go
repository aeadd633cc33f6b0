// Package compact implements the context-window compactor: pressure
// detection, provider-driven summarization, and the exact visibility and
// token-bookkeeping rules the reply loop depends on.
package compact

import (
	"context"
	"errors"
	"fmt"

	"github.com/xonecas/symb/internal/agenterr"
	"github.com/xonecas/symb/internal/conversation"
)

// ManualCompactTrigger is the exact sentinel a user message's text must
// equal to force a manual compaction. Client UIs send the literal phrase;
// the match must stay byte-exact.
const ManualCompactTrigger = "Please compact this conversation"

// DefaultThreshold is the default fraction of a model's context window that
// triggers automatic compaction.
const DefaultThreshold = 0.80

// NeedsAutoCompact reports whether inputTokens/contextLimit has crossed
// threshold, or whether lastUserText is exactly the manual trigger.
func NeedsAutoCompact(inputTokens, contextLimit int, threshold float64, lastUserText string) bool {
	if lastUserText == ManualCompactTrigger {
		return true
	}
	if contextLimit <= 0 {
		return false
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return float64(inputTokens)/float64(contextLimit) >= threshold
}

// Usage is the token cost of one provider call, used both for the
// summarization call's own cost and for the session's resulting counters.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Summarizer drives a fast/cheap model call that reduces a conversation body
// to a short summary. Implemented by the provider adapter in use.
type Summarizer interface {
	Summarize(ctx context.Context, conv conversation.Conversation) (summary string, usage Usage, err error)
}

// ContinuationText is appended as a user message after the summary so the
// model resumes without announcing that summarization occurred.
const ContinuationText = "Continue the conversation based on the summary above. Do not mention that the conversation was summarized."

// Result carries the rewritten conversation and the usage to fold into the
// session's counters.
type Result struct {
	Conversation conversation.Conversation
	Usage        Usage
}

// CompactMessages builds the post-compaction conversation: every prior
// message becomes agent-invisible; an agent-visible,
// user-invisible assistant summary message is appended; then an
// agent-visible, user-invisible continuation user message; and, when
// recoverable is false (manual or proactive compaction), the last
// user-visible user turn is re-appended in full visibility so the model
// resumes from the user's actual intent.
//
// The compactor must not be re-entered: if summarizer.Summarize itself
// raises ContextLengthExceeded, that error is returned (wrapped with a
// "compaction itself exceeded context" prefix) without another compaction
// attempt, so the caller treats it as a fatal failure rather than looping.
func CompactMessages(ctx context.Context, conv conversation.Conversation, summarizer Summarizer, recoverable bool) (Result, error) {
	summary, usage, err := summarizer.Summarize(ctx, conv)
	if err != nil {
		var agentErr *agenterr.Error
		if errors.As(err, &agentErr) && agentErr.Kind == agenterr.KindContextLengthExceeded {
			return Result{}, fmt.Errorf("compaction itself exceeded context: %w", err)
		}
		return Result{}, err
	}

	hidden := make([]conversation.Message, 0, conv.Len())
	for _, m := range conv.Messages() {
		hidden = append(hidden, m.WithAgentVisible(false))
	}

	out := conversation.New(hidden)

	summaryMsg := conversation.NewAssistantText(summary).WithUserVisible(false)
	out = out.Push(summaryMsg)

	continuationMsg := conversation.NewUserText(ContinuationText).WithUserVisible(false)
	out = out.Push(continuationMsg)

	if !recoverable {
		if last, ok := lastUserVisibleUserTurn(conv); ok {
			out = out.Push(last)
		}
	}

	return Result{
		Conversation: out,
		Usage:        usage,
	}, nil
}

func lastUserVisibleUserTurn(conv conversation.Conversation) (conversation.Message, bool) {
	msgs := conv.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Role == conversation.RoleUser && m.Metadata.UserVisible {
			return m, true
		}
	}
	return conversation.Message{}, false
}

// ApplyTokenBookkeeping computes the post-compaction session counters:
// accumulated_* increases by the compactor's own usage;
// input_tokens becomes exactly the compactor's output size; output_tokens
// becomes nil; total_tokens = input_tokens.
func ApplyTokenBookkeeping(accTotal, accInput, accOutput int, usage Usage) (newAccTotal, newAccInput, newAccOutput, newInput, newTotal int) {
	newAccInput = accInput + usage.InputTokens
	newAccOutput = accOutput + usage.OutputTokens
	newAccTotal = accTotal + usage.InputTokens + usage.OutputTokens
	newInput = usage.OutputTokens
	newTotal = newInput
	return
}

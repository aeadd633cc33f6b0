package compact

import (
	"context"
	"testing"

	"github.com/xonecas/symb/internal/conversation"
)

type fakeSummarizer struct {
	summary string
	usage   Usage
	err     error
}

func (f fakeSummarizer) Summarize(ctx context.Context, conv conversation.Conversation) (string, Usage, error) {
	return f.summary, f.usage, f.err
}

func TestNeedsAutoCompactThreshold(t *testing.T) {
	cases := []struct {
		name         string
		inputTokens  int
		contextLimit int
		threshold    float64
		lastUserText string
		want         bool
	}{
		{"below threshold", 10000, 20000, 0.8, "hi", false},
		{"above threshold", 22000, 20000, 0.8, "hi", true},
		{"manual trigger overrides", 100, 20000, 0.8, ManualCompactTrigger, true},
		{"zero context limit never auto", 999999, 0, 0.8, "hi", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := NeedsAutoCompact(tc.inputTokens, tc.contextLimit, tc.threshold, tc.lastUserText)
			if got != tc.want {
				t.Fatalf("NeedsAutoCompact() = %v, want %v", got, tc.want)
			}
		})
	}
}

// TestCompactionVisibility is testable property #5.
func TestCompactionVisibility(t *testing.T) {
	conv := conversation.New([]conversation.Message{
		conversation.NewUserText("msg1"),
		conversation.NewAssistantText("msg2"),
	})

	res, err := CompactMessages(context.Background(), conv, fakeSummarizer{summary: "a short summary", usage: Usage{InputTokens: 1000, OutputTokens: 200}}, true)
	if err != nil {
		t.Fatalf("CompactMessages: %v", err)
	}

	msgs := res.Conversation.Messages()
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages (2 hidden + summary + continuation), got %d", len(msgs))
	}
	for _, m := range msgs[:2] {
		if m.Metadata.AgentVisible {
			t.Fatalf("expected original messages agent_visible=false, got %+v", m.Metadata)
		}
	}
	summaryMsg := msgs[2]
	if !summaryMsg.Metadata.AgentVisible || summaryMsg.Metadata.UserVisible {
		t.Fatalf("expected summary message agent_visible=true user_visible=false, got %+v", summaryMsg.Metadata)
	}
	continuationMsg := msgs[3]
	if !continuationMsg.Metadata.AgentVisible || continuationMsg.Metadata.UserVisible {
		t.Fatalf("expected continuation message agent_visible=true user_visible=false, got %+v", continuationMsg.Metadata)
	}
}

func TestCompactionReappendsUserTurnWhenNotRecoverable(t *testing.T) {
	conv := conversation.New([]conversation.Message{
		conversation.NewUserText("do the thing"),
	})

	res, err := CompactMessages(context.Background(), conv, fakeSummarizer{summary: "summary", usage: Usage{InputTokens: 500, OutputTokens: 100}}, false)
	if err != nil {
		t.Fatalf("CompactMessages: %v", err)
	}
	msgs := res.Conversation.Messages()
	last := msgs[len(msgs)-1]
	if last.Text() != "do the thing" || !last.Metadata.UserVisible {
		t.Fatalf("expected last message to be the re-appended, fully visible user turn, got %+v", last)
	}
}

// TestCompactionTokenMath is testable property #4.
func TestCompactionTokenMath(t *testing.T) {
	accTotal, accInput, accOutput := 1000, 600, 400
	usage := Usage{InputTokens: 6800, OutputTokens: 200}

	newAccTotal, newAccInput, newAccOutput, newInput, newTotal := ApplyTokenBookkeeping(accTotal, accInput, accOutput, usage)

	if newAccTotal != accTotal+usage.InputTokens+usage.OutputTokens {
		t.Fatalf("accumulated total mismatch: got %d", newAccTotal)
	}
	if newAccInput != accInput+usage.InputTokens || newAccOutput != accOutput+usage.OutputTokens {
		t.Fatalf("accumulated input/output mismatch: %d/%d", newAccInput, newAccOutput)
	}
	if newInput != usage.OutputTokens {
		t.Fatalf("expected input_tokens to become the compaction output size %d, got %d", usage.OutputTokens, newInput)
	}
	if newTotal != newInput {
		t.Fatalf("expected total_tokens == input_tokens, got %d != %d", newTotal, newInput)
	}
}

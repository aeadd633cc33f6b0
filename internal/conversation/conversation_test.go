package conversation

import (
	"testing"
	"time"
)

func assistantWithToolRequest(id string) Message {
	return Message{
		Role:    RoleAssistant,
		Created: time.Now(),
		Content: []ContentPart{
			{Type: PartText, Text: "let me check"},
			{Type: PartToolRequest, ID: id, Call: &ToolCall{Name: "shell"}},
		},
		Metadata: DefaultMetadata(),
	}
}

func userWithToolResponse(id string) Message {
	return Message{
		Role:    RoleUser,
		Created: time.Now(),
		Content: []ContentPart{
			{Type: PartToolResponse, ID: id, Result: &ToolResult{Content: []ResultContent{{Type: "text", Text: "ok"}}}},
		},
		Metadata: DefaultMetadata(),
	}
}

func TestPushDoesNotMutateOriginal(t *testing.T) {
	base := New([]Message{NewUserText("one")})
	grown := base.Push(NewAssistantText("two"))

	if base.Len() != 1 {
		t.Errorf("original conversation mutated: len = %d", base.Len())
	}
	if grown.Len() != 2 {
		t.Errorf("pushed conversation len = %d, want 2", grown.Len())
	}
}

func TestFixConversationDropsUnmatchedToolRequest(t *testing.T) {
	conv := New([]Message{
		NewUserText("do it"),
		assistantWithToolRequest("r1"),
		// No tool response for r1.
	})

	fixed, issues := FixConversation(conv, false)
	if len(issues) == 0 {
		t.Fatal("expected issues for unmatched tool request")
	}
	for _, m := range fixed.Messages() {
		if len(m.ToolRequestIDs()) != 0 {
			t.Errorf("unmatched tool request survived: %+v", m)
		}
	}
	// The assistant text part itself survives.
	if got := fixed.Messages()[1].Text(); got != "let me check" {
		t.Errorf("assistant text = %q", got)
	}
}

func TestFixConversationDropsOrphanToolResponse(t *testing.T) {
	conv := New([]Message{
		NewUserText("hi"),
		userWithToolResponse("ghost"),
	})

	fixed, issues := FixConversation(conv, false)
	if len(issues) == 0 {
		t.Fatal("expected issues for orphan tool response")
	}
	// The orphan response was the message's only content, so the whole
	// message is dropped.
	if fixed.Len() != 1 {
		t.Errorf("fixed len = %d, want 1", fixed.Len())
	}
}

func TestFixConversationKeepsMatchedPair(t *testing.T) {
	conv := New([]Message{
		NewUserText("do it"),
		assistantWithToolRequest("r1"),
		userWithToolResponse("r1"),
	})

	fixed, issues := FixConversation(conv, false)
	if len(issues) != 0 {
		t.Errorf("unexpected issues: %+v", issues)
	}
	if fixed.Len() != 3 {
		t.Errorf("fixed len = %d, want 3", fixed.Len())
	}
}

func TestFixConversationMergesConsecutiveRoles(t *testing.T) {
	conv := New([]Message{
		NewUserText("first"),
		NewUserText("second"),
		NewAssistantText("reply"),
	})

	fixed, issues := FixConversation(conv, true)
	if fixed.Len() != 2 {
		t.Fatalf("fixed len = %d, want 2 (merged user turns)", fixed.Len())
	}
	if got := fixed.Messages()[0].Text(); got != "firstsecond" {
		t.Errorf("merged text = %q", got)
	}
	if len(issues) == 0 {
		t.Error("expected a merge issue to be reported")
	}
}

func TestAgentVisibleStripsNotificationsAndHiddenMessages(t *testing.T) {
	hidden := NewAssistantText("old history").WithAgentVisible(false)
	withNotification := Message{
		Role:    RoleAssistant,
		Created: time.Now(),
		Content: []ContentPart{
			{Type: PartText, Text: "visible"},
			{Type: PartSystemNotification, Text: "spinner text", NotificationType: NotificationInline},
		},
		Metadata: DefaultMetadata(),
	}
	notificationOnly := Message{
		Role:     RoleAssistant,
		Created:  time.Now(),
		Content:  []ContentPart{{Type: PartSystemNotification, Text: "ui only", NotificationType: NotificationThinking}},
		Metadata: DefaultMetadata(),
	}

	conv := New([]Message{hidden, withNotification, notificationOnly})
	visible := conv.AgentVisible()

	if len(visible) != 1 {
		t.Fatalf("visible len = %d, want 1", len(visible))
	}
	if len(visible[0].Content) != 1 || visible[0].Content[0].Text != "visible" {
		t.Errorf("notification not stripped: %+v", visible[0].Content)
	}
}

func TestThoughtSignatureRoundTrip(t *testing.T) {
	part := ContentPart{
		Type:         PartToolRequest,
		ID:           "r1",
		Call:         &ToolCall{Name: "lookup"},
		PartMetadata: map[string]any{"thoughtSignature": "sig-abc"},
	}
	if got := part.ThoughtSignature(); got != "sig-abc" {
		t.Errorf("ThoughtSignature = %q, want sig-abc", got)
	}
	if got := (ContentPart{}).ThoughtSignature(); got != "" {
		t.Errorf("empty part signature = %q, want empty", got)
	}
}

// Package conversation implements the typed message log shared by the
// provider adapters, the reply loop, and the session store: an ordered
// sequence of role-tagged messages whose content is a tagged union of text,
// thinking, tool request/response, and UI-only parts.
package conversation

import (
	"encoding/json"
	"time"
)

// Role identifies the speaker of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartType tags one variant of ContentPart's union.
type PartType string

const (
	PartText               PartType = "text"
	PartImage              PartType = "image"
	PartThinking           PartType = "thinking"
	PartToolRequest        PartType = "tool_request"
	PartToolResponse       PartType = "tool_response"
	PartSystemNotification PartType = "system_notification"
	PartActionRequired     PartType = "action_required"
	PartRedactedThinking   PartType = "redacted_thinking"
)

// NotificationType distinguishes the two SystemNotification flavors.
type NotificationType string

const (
	NotificationInline   NotificationType = "inline_message"
	NotificationThinking NotificationType = "thinking_message"
)

// ToolCall is the (name, arguments) pair a model asked to invoke.
type ToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolResult is the outcome of running a ToolCall. The JSON tags follow the
// MCP tools/call result shape, so a result decoded off an extension's wire is
// this type directly — builtin tools, external extensions, the session store,
// and the reply loop all share it without re-wrapping (internal/mcp aliases
// it for its own API surface).
type ToolResult struct {
	Content           []ResultContent `json:"content"`
	IsError           bool            `json:"isError,omitempty"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
}

// ResultContent is one block of a ToolResult's content (currently text-only;
// kept as a struct rather than a bare string so image/resource blocks can be
// added without breaking the wire shape).
type ResultContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ContentPart is a tagged union. Exactly the fields relevant to Type are
// populated; the others are left zero. A single struct (rather than an
// interface) keeps JSON round-tripping and SQLite storage straightforward.
type ContentPart struct {
	Type PartType `json:"type"`

	// Text, Thinking
	Text string `json:"text,omitempty"`

	// Image
	ImageData string `json:"image_data,omitempty"`
	MimeType  string `json:"mime_type,omitempty"`

	// Thinking
	Signature string `json:"signature,omitempty"`

	// ToolRequest / ToolResponse
	ID           string         `json:"id,omitempty"`
	Call         *ToolCall      `json:"call,omitempty"`
	CallErr      string         `json:"call_err,omitempty"`
	Result       *ToolResult    `json:"result,omitempty"`
	ResultErr    string         `json:"result_err,omitempty"`
	PartMetadata map[string]any `json:"metadata,omitempty"`

	// SystemNotification
	NotificationType NotificationType `json:"notification_type,omitempty"`

	// ActionRequired
	ActionData json.RawMessage `json:"action_data,omitempty"`
}

// ThoughtSignature returns the provider-issued opaque signature attached to
// this part's metadata, if any. Used to round-trip Gemini's thoughtSignature
// and similar per-provider continuity tokens.
func (p ContentPart) ThoughtSignature() string {
	if p.PartMetadata == nil {
		return ""
	}
	if v, ok := p.PartMetadata["thoughtSignature"].(string); ok {
		return v
	}
	return ""
}

// Metadata holds per-message visibility flags. Both default true; a
// SystemNotification is always agent-invisible regardless of this flag
// (invariant 3, enforced by Conversation.AgentVisible instead of here so the
// rule lives in one place).
type Metadata struct {
	UserVisible  bool `json:"user_visible"`
	AgentVisible bool `json:"agent_visible"`
}

// DefaultMetadata returns the all-visible default.
func DefaultMetadata() Metadata { return Metadata{UserVisible: true, AgentVisible: true} }

// Message is one immutable turn entry.
type Message struct {
	ID       string        `json:"id,omitempty"`
	Role     Role          `json:"role"`
	Created  time.Time     `json:"created"`
	Content  []ContentPart `json:"content"`
	Metadata Metadata      `json:"metadata"`
}

// NewUserText builds a plain visible user message.
func NewUserText(text string) Message {
	return Message{
		Role:     RoleUser,
		Created:  time.Now(),
		Content:  []ContentPart{{Type: PartText, Text: text}},
		Metadata: DefaultMetadata(),
	}
}

// NewAssistantText builds a plain visible assistant message.
func NewAssistantText(text string) Message {
	return Message{
		Role:     RoleAssistant,
		Created:  time.Now(),
		Content:  []ContentPart{{Type: PartText, Text: text}},
		Metadata: DefaultMetadata(),
	}
}

// ToolRequestIDs returns the ids of every ToolRequest part in this message.
func (m Message) ToolRequestIDs() []string {
	var ids []string
	for _, p := range m.Content {
		if p.Type == PartToolRequest {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// ToolResponseIDs returns the ids of every ToolResponse part in this message.
func (m Message) ToolResponseIDs() []string {
	var ids []string
	for _, p := range m.Content {
		if p.Type == PartToolResponse {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// IsEmpty reports whether the message carries no content parts at all.
func (m Message) IsEmpty() bool { return len(m.Content) == 0 }

// Text concatenates all Text parts, for places that only need the plain
// string (logging, summaries, title generation).
func (m Message) Text() string {
	var out string
	for _, p := range m.Content {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// WithAgentVisible returns a copy with AgentVisible set — used by the
// compactor to hide pre-compaction history from the model while keeping it
// on screen for the user.
func (m Message) WithAgentVisible(v bool) Message {
	m.Metadata.AgentVisible = v
	return m
}

// WithUserVisible returns a copy with UserVisible set.
func (m Message) WithUserVisible(v bool) Message {
	m.Metadata.UserVisible = v
	return m
}

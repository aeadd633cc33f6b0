// Package agent implements the reply loop: the state machine that
// orchestrates one user turn into N assistant turns, interleaving streaming
// model output, tool dispatch, approvals, and context compaction.
package agent

import (
	"github.com/xonecas/symb/internal/conversation"
	"github.com/xonecas/symb/internal/mcp"
)

// EventType tags one Event emitted to the host driving the loop.
type EventType int

const (
	// EventMessage carries one complete conversation.Message as soon as it
	// is durable (persisted to the session store).
	EventMessage EventType = iota
	// EventActionRequired signals a tool call is waiting on a host
	// confirmation; the host must eventually call Permissions.HandleConfirmation
	// with the same RequestID.
	EventActionRequired
	// EventModelChange signals the active model changed mid-session (e.g. a
	// CLI-backed provider's SetModel call completed).
	EventModelChange
	// EventHistoryReplaced signals the conversation was atomically rewritten
	// (compaction); the host should redraw from Conversation rather than
	// appending.
	EventHistoryReplaced
	// EventMcpNotification carries a server-initiated notification from a
	// tool extension, multiplexed into the turn's event stream as it
	// arrives.
	EventMcpNotification
)

// Event is one notification out of the reply loop.
type Event struct {
	Type EventType

	// EventMessage
	Message conversation.Message

	// EventActionRequired
	ToolName      string
	ToolRequestID string
	RequestID     string

	// EventModelChange
	Model string

	// EventHistoryReplaced
	Conversation conversation.Conversation

	// EventMcpNotification
	Notification mcp.ServerNotification
}

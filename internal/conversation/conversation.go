package conversation

import "fmt"

// Conversation is an ordered sequence of Message, immutable from the
// outside: mutation only happens through Push/Extend, which return a new
// slice header (the backing array may be shared; messages are never edited
// in place).
type Conversation struct {
	msgs []Message
}

// New builds a Conversation from an initial slice (may be nil/empty).
func New(msgs []Message) Conversation {
	return Conversation{msgs: append([]Message(nil), msgs...)}
}

// Messages returns the underlying slice. Callers must not mutate it.
func (c Conversation) Messages() []Message { return c.msgs }

// Len reports the number of messages.
func (c Conversation) Len() int { return len(c.msgs) }

// Push appends a single message and returns the updated Conversation.
func (c Conversation) Push(m Message) Conversation {
	return Conversation{msgs: append(append([]Message(nil), c.msgs...), m)}
}

// Extend appends several messages and returns the updated Conversation.
func (c Conversation) Extend(ms []Message) Conversation {
	out := append([]Message(nil), c.msgs...)
	out = append(out, ms...)
	return Conversation{msgs: out}
}

// Last returns the last message and true, or a zero Message and false if
// empty.
func (c Conversation) Last() (Message, bool) {
	if len(c.msgs) == 0 {
		return Message{}, false
	}
	return c.msgs[len(c.msgs)-1], true
}

// AgentVisible returns the subset of messages the model is allowed to see,
// i.e. those with Metadata.AgentVisible true, with any SystemNotification
// content parts stripped (invariant 3: notifications never reach provider
// input even inside an otherwise agent-visible message).
func (c Conversation) AgentVisible() []Message {
	out := make([]Message, 0, len(c.msgs))
	for _, m := range c.msgs {
		if !m.Metadata.AgentVisible {
			continue
		}
		filtered := make([]ContentPart, 0, len(m.Content))
		for _, p := range m.Content {
			if p.Type == PartSystemNotification {
				continue
			}
			filtered = append(filtered, p)
		}
		if len(filtered) == 0 {
			continue
		}
		cp := m
		cp.Content = filtered
		out = append(out, cp)
	}
	return out
}

// Issue describes one repair FixConversation made.
type Issue struct {
	Reason string
}

// FixConversation normalizes a possibly-malformed conversation: it drops
// ToolRequest parts without a matching later ToolResponse (and vice versa),
// drops messages left empty by that removal, and re-interleaves roles to
// strict user/assistant alternation when requireAlternation is set (some
// providers, e.g. Anthropic, reject back-to-back same-role messages).
func FixConversation(c Conversation, requireAlternation bool) (Conversation, []Issue) {
	var issues []Issue
	msgs := append([]Message(nil), c.msgs...)

	requested := map[string]bool{}
	responded := map[string]bool{}
	for _, m := range msgs {
		for _, id := range m.ToolRequestIDs() {
			requested[id] = true
		}
		for _, id := range m.ToolResponseIDs() {
			responded[id] = true
		}
	}

	cleaned := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		kept := make([]ContentPart, 0, len(m.Content))
		for _, p := range m.Content {
			switch p.Type {
			case PartToolRequest:
				if !responded[p.ID] {
					issues = append(issues, Issue{Reason: fmt.Sprintf("dropped unmatched tool request %s", p.ID)})
					continue
				}
			case PartToolResponse:
				if !requested[p.ID] {
					issues = append(issues, Issue{Reason: fmt.Sprintf("dropped orphan tool response %s", p.ID)})
					continue
				}
			}
			kept = append(kept, p)
		}
		if len(kept) == 0 {
			issues = append(issues, Issue{Reason: "dropped empty message"})
			continue
		}
		cp := m
		cp.Content = kept
		cleaned = append(cleaned, cp)
	}

	if requireAlternation {
		cleaned = enforceAlternation(cleaned, &issues)
	}

	return Conversation{msgs: cleaned}, issues
}

// enforceAlternation merges consecutive same-role messages so the resulting
// sequence strictly alternates user/assistant, required by providers (like
// Anthropic) that reject repeated roles.
func enforceAlternation(msgs []Message, issues *[]Issue) []Message {
	if len(msgs) == 0 {
		return msgs
	}
	out := make([]Message, 0, len(msgs))
	out = append(out, msgs[0])
	for _, m := range msgs[1:] {
		last := &out[len(out)-1]
		if last.Role == m.Role {
			last.Content = append(last.Content, m.Content...)
			*issues = append(*issues, Issue{Reason: fmt.Sprintf("merged consecutive %s messages", m.Role)})
			continue
		}
		out = append(out, m)
	}
	return out
}

package agent

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/xonecas/symb/internal/conversation"
	"github.com/xonecas/symb/internal/mcp"
	"github.com/xonecas/symb/internal/provider"
)

// toProviderTools converts the extension manager's MCP tool definitions to
// the provider adapters' uniform Tool shape.
func toProviderTools(tools []mcp.Tool) []provider.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]provider.Tool, len(tools))
	for i, t := range tools {
		out[i] = provider.Tool{Name: t.Name, Description: t.Description, Parameters: t.InputSchema}
	}
	return out
}

// toProviderMessages flattens the rich conversation.Message log into the
// flat per-call shape every Provider adapter speaks. The two shapes coexist
// by design: conversation.Message is the persisted, multi-part record;
// provider.Message is the wire-ish shape a single adapter call consumes.
// ToolRequest parts in an assistant message become that message's
// ToolCalls; ToolResponse parts (carried on a user-role aggregate message)
// are expanded into one "tool"-role provider.Message per part, recovering
// the function name from the ToolRequest it answers.
func toProviderMessages(msgs []conversation.Message) []provider.Message {
	toolNames := map[string]string{}
	for _, m := range msgs {
		for _, p := range m.Content {
			if p.Type == conversation.PartToolRequest && p.Call != nil {
				toolNames[p.ID] = p.Call.Name
			}
		}
	}

	var out []provider.Message
	for _, m := range msgs {
		var text, reasoning, reasoningSig string
		var toolCalls []provider.ToolCall
		var toolResponses []provider.Message

		for _, p := range m.Content {
			switch p.Type {
			case conversation.PartText:
				text += p.Text
			case conversation.PartThinking:
				reasoning += p.Text
				if p.Signature != "" {
					reasoningSig = p.Signature
				}
			case conversation.PartToolRequest:
				if p.Call == nil {
					continue
				}
				toolCalls = append(toolCalls, provider.ToolCall{
					ID:               p.ID,
					Name:             p.Call.Name,
					Arguments:        p.Call.Arguments,
					ThoughtSignature: p.ThoughtSignature(),
				})
			case conversation.PartToolResponse:
				toolResponses = append(toolResponses, provider.Message{
					Role:         "tool",
					Content:      toolResultText(p),
					ToolCallID:   p.ID,
					FunctionName: toolNames[p.ID],
					CreatedAt:    m.Created,
				})
			}
		}

		if text != "" || reasoning != "" || len(toolCalls) > 0 {
			out = append(out, provider.Message{
				Role:               string(m.Role),
				Content:            text,
				Reasoning:          reasoning,
				ReasoningSignature: reasoningSig,
				ToolCalls:          toolCalls,
				CreatedAt:          m.Created,
			})
		}
		out = append(out, toolResponses...)
	}
	return out
}

func toolResultText(p conversation.ContentPart) string {
	if p.ResultErr != "" {
		return "Error: " + p.ResultErr
	}
	if p.Result == nil {
		return ""
	}
	var text string
	for _, c := range p.Result.Content {
		text += c.Text
	}
	if p.Result.IsError && text == "" {
		text = "tool call failed"
	}
	return text
}

// toolCallAccumulator assembles a streamed ChatResponse out of the ordered
// event sequence a Provider emits, building each call's arguments
// incrementally by stream index.
type toolCallAccumulator struct {
	byIndex     map[int]int
	calls       []provider.ToolCall
	argBuilders []string
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{byIndex: make(map[int]int)}
}

func (a *toolCallAccumulator) begin(evt provider.StreamEvent) {
	pos := len(a.calls)
	a.byIndex[evt.ToolCallIndex] = pos
	id := evt.ToolCallID
	if id == "" {
		id = "call_" + strconv.Itoa(evt.ToolCallIndex)
	}
	a.calls = append(a.calls, provider.ToolCall{ID: id, Name: evt.ToolCallName, ThoughtSignature: evt.ToolCallSignature})
	a.argBuilders = append(a.argBuilders, "")
}

func (a *toolCallAccumulator) delta(evt provider.StreamEvent) {
	if pos, ok := a.byIndex[evt.ToolCallIndex]; ok {
		a.argBuilders[pos] += evt.ToolCallArgs
	}
}

func (a *toolCallAccumulator) finalize() []provider.ToolCall {
	for i := range a.calls {
		if i < len(a.argBuilders) && a.argBuilders[i] != "" {
			a.calls[i].Arguments = json.RawMessage(a.argBuilders[i])
		}
	}
	return a.calls
}

// collectWithEvents drains a provider stream into one ChatResponse, decoding
// tool-call fragments via toolCallAccumulator. onDelta, if non-nil, is
// called with every raw StreamEvent as it arrives so a host can render
// partial output live.
func collectWithEvents(ch <-chan provider.StreamEvent, onDelta func(provider.StreamEvent)) (*provider.ChatResponse, error) {
	var resp provider.ChatResponse
	tca := newToolCallAccumulator()

	for evt := range ch {
		if onDelta != nil {
			onDelta(evt)
		}
		switch evt.Type {
		case provider.EventContentDelta:
			resp.Content += evt.Content
		case provider.EventReasoningDelta:
			resp.Reasoning += evt.Content
			if evt.ReasoningSignature != "" {
				resp.ReasoningSignature = evt.ReasoningSignature
			}
		case provider.EventToolCallBegin:
			tca.begin(evt)
		case provider.EventToolCallDelta:
			tca.delta(evt)
		case provider.EventUsage:
			if evt.InputTokens > resp.InputTokens {
				resp.InputTokens = evt.InputTokens
			}
			if evt.OutputTokens > resp.OutputTokens {
				resp.OutputTokens = evt.OutputTokens
			}
		case provider.EventError:
			return nil, evt.Err
		case provider.EventDone:
		}
	}

	if calls := tca.finalize(); len(calls) > 0 {
		resp.ToolCalls = calls
	}
	return &resp, nil
}

// buildAssistantMessage turns one ChatResponse into the persisted
// conversation.Message shape: a Text part for plain content, a Thinking
// part for reasoning, and one ToolRequest part per tool call. Provider-issued
// continuity tokens survive the round trip through the session store in two
// places: an Anthropic thinking signature on the Thinking part's Signature
// field, and a Gemini thoughtSignature on the tool-request part's metadata —
// both re-attached to the last assistant turn only when replayed.
func buildAssistantMessage(resp *provider.ChatResponse) conversation.Message {
	var parts []conversation.ContentPart
	if resp.Content != "" {
		parts = append(parts, conversation.ContentPart{Type: conversation.PartText, Text: resp.Content})
	}
	if resp.Reasoning != "" {
		parts = append(parts, conversation.ContentPart{
			Type:      conversation.PartThinking,
			Text:      resp.Reasoning,
			Signature: resp.ReasoningSignature,
		})
	}
	for _, tc := range resp.ToolCalls {
		part := conversation.ContentPart{
			Type: conversation.PartToolRequest,
			ID:   tc.ID,
			Call: &conversation.ToolCall{Name: tc.Name, Arguments: tc.Arguments},
		}
		if tc.ThoughtSignature != "" {
			part.PartMetadata = map[string]any{"thoughtSignature": tc.ThoughtSignature}
		}
		parts = append(parts, part)
	}
	return conversation.Message{
		Role:     conversation.RoleAssistant,
		Created:  time.Now(),
		Content:  parts,
		Metadata: conversation.DefaultMetadata(),
	}
}

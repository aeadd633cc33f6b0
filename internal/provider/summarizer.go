package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/xonecas/symb/internal/compact"
	"github.com/xonecas/symb/internal/conversation"
)

// summarizationPromptPrefix asks the model for a compact summary of the
// conversation body. Recovery compaction reuses the same prompt build as a
// manual one; the call carries no tool definitions.
const summarizationPromptPrefix = "Summarize the conversation so far in a few short paragraphs, preserving any decisions, file paths, and open tasks. Do not include meta-commentary about summarizing.\n\n"

// Summarizer adapts any Provider into a compact.Summarizer by driving a
// single ChatStream call, read to the end, over a rendered-to-text transcript of
// the conversation.
type Summarizer struct {
	Provider Provider
}

// Summarize implements compact.Summarizer.
func (s Summarizer) Summarize(ctx context.Context, conv conversation.Conversation) (string, compact.Usage, error) {
	var sb strings.Builder
	sb.WriteString(summarizationPromptPrefix)
	for _, m := range conv.Messages() {
		if text := m.Text(); text != "" {
			fmt.Fprintf(&sb, "%s: %s\n", m.Role, text)
		}
	}

	msgs := []Message{{Role: "user", Content: sb.String()}}

	stream, err := s.Provider.ChatStream(ctx, msgs, nil)
	if err != nil {
		return "", compact.Usage{}, err
	}

	var content strings.Builder
	var usage compact.Usage
	for evt := range stream {
		switch evt.Type {
		case EventContentDelta:
			content.WriteString(evt.Content)
		case EventUsage:
			usage.InputTokens = evt.InputTokens
			usage.OutputTokens = evt.OutputTokens
		case EventError:
			return "", compact.Usage{}, evt.Err
		}
	}

	return content.String(), usage, nil
}

package contextmgr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/sipeed/picogate/pkg/providers"
)

const (
	summaryInstruction = "Summarize the following conversation turns into a concise context recap. " +
		"Preserve key facts, decisions, file paths, tool results, and user preferences. " +
		"Keep it under 500 words. Output only the summary, no preamble.\n\n"
	summaryHeader       = "[Conversation summary — older messages were compacted to save context]\n\n"
	summaryTurnMaxBytes = 2000
)

// SlidingWindow keeps the first keepInitial and last keepRecent messages
// and replaces the span between them with one system marker. The input is
// returned unchanged when there is nothing to elide.
func SlidingWindow(msgs []providers.Message, keepInitial, keepRecent int) []providers.Message {
	if keepInitial < 0 {
		keepInitial = 0
	}
	if keepRecent < 0 {
		keepRecent = 0
	}
	if keepInitial+keepRecent >= len(msgs) {
		return msgs
	}

	removed := len(msgs) - keepInitial - keepRecent
	out := make([]providers.Message, 0, keepInitial+keepRecent+1)
	out = append(out, msgs[:keepInitial]...)
	out = append(out, providers.Message{
		Role: providers.RoleSystem,
		Content: fmt.Sprintf("[Context compacted: %d messages removed from history using sliding window strategy]",
			removed),
	})
	out = append(out, msgs[len(msgs)-keepRecent:]...)
	return out
}

// summarizeCompact keeps a leading system prompt and the most recent turns
// that fit in SummaryTarget of the window, and asks the model to summarize
// everything between them.
func (m *Manager) summarizeCompact(ctx context.Context, req *providers.Request, window int) ([]providers.Message, error) {
	if m.summarize == nil {
		return nil, errors.New("no summarizer configured")
	}
	msgs := req.Messages
	if len(msgs) < 4 {
		return msgs, nil
	}

	start := 0
	if msgs[0].Role == providers.RoleSystem {
		start = 1
	}

	target := int(float64(window) * m.cfg.SummaryTarget)
	tail := 0
	keepFrom := len(msgs)
	for i := len(msgs) - 1; i >= start; i-- {
		n := messageBytes(msgs[i]) / 3
		if tail+n > target {
			break
		}
		tail += n
		keepFrom = i
	}
	if keepFrom <= start+1 {
		return msgs, nil
	}

	var prompt strings.Builder
	prompt.WriteString(summaryInstruction)
	for _, msg := range msgs[start:keepFrom] {
		content := msg.Content
		if len(content) > summaryTurnMaxBytes {
			content = truncateUTF8(content, summaryTurnMaxBytes) + "… [truncated]"
		}
		fmt.Fprintf(&prompt, "[%s]: %s\n\n", msg.Role, content)
	}

	sreq := &providers.Request{
		Messages: []providers.Message{{Role: providers.RoleUser, Content: prompt.String()}},
		Model:    req.Model,
		Provider: req.Provider,
		BaseURL:  req.BaseURL,
		APIKey:   req.APIKey,
	}
	resp, err := m.summarize(ctx, sreq)
	if err != nil {
		return nil, fmt.Errorf("Summary request failed: %w", err)
	}
	if resp == nil || strings.TrimSpace(resp.Text) == "" {
		return nil, errors.New("Model returned empty summary")
	}

	out := make([]providers.Message, 0, len(msgs)-keepFrom+2)
	if start == 1 {
		out = append(out, msgs[0])
	}
	out = append(out, providers.Message{Role: providers.RoleAssistant, Content: summaryHeader + resp.Text})
	out = append(out, msgs[keepFrom:]...)
	return out, nil
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Package contextmgr keeps a conversation inside its model's context
// window: it estimates token usage, injects a one-time memory flush prompt
// and compacts the history before the window overflows.
package contextmgr

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/sipeed/picogate/pkg/providers"
)

// DefaultWindow is used for models the table does not know.
const DefaultWindow = 128_000

type windowRule struct {
	match  func(string) bool
	tokens int
}

func contains(s string) func(string) bool {
	return func(m string) bool { return strings.Contains(m, s) }
}

func prefix(s string) func(string) bool {
	return func(m string) bool { return strings.HasPrefix(m, s) }
}

// Input token limits, checked in order.
var windowTable = []windowRule{
	{contains("claude-opus"), 200_000},
	{contains("claude-sonnet"), 200_000},
	{contains("claude-haiku"), 200_000},
	{prefix("gpt-4.1"), 1_000_000},
	{prefix("gpt-4o"), 128_000},
	{prefix("gpt-4"), 128_000},
	{prefix("o3"), 200_000},
	{prefix("o4"), 200_000},
	{contains("gemini-2.5-pro"), 1_000_000},
	{contains("gemini-2.5-flash"), 1_000_000},
	{contains("gemini-2.0-flash"), 1_000_000},
	{contains("grok-3"), 131_072},
	{contains("llama"), 128_000},
	{contains("mistral"), 128_000},
	{contains("deepseek"), 128_000},
}

// WindowFor returns the context window of model. overrides map a model
// name or name prefix to a window and win over the built-in table; an
// exact match beats the longest matching prefix.
func WindowFor(model string, overrides map[string]int) int {
	m := strings.ToLower(strings.TrimSpace(model))
	if i := strings.LastIndex(m, "/"); i >= 0 {
		m = m[i+1:]
	}

	if len(overrides) > 0 {
		lower := make(map[string]int, len(overrides))
		keys := make([]string, 0, len(overrides))
		for k, v := range overrides {
			k = strings.ToLower(strings.TrimSpace(k))
			if k == "" || v <= 0 {
				continue
			}
			lower[k] = v
			keys = append(keys, k)
		}
		if n, ok := lower[m]; ok {
			return n
		}
		sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })
		for _, k := range keys {
			if strings.HasPrefix(m, k) {
				return lower[k]
			}
		}
	}

	for _, r := range windowTable {
		if r.match(m) {
			return r.tokens
		}
	}
	return DefaultWindow
}

// EstimateTokens approximates the token count of msgs at three bytes per
// token, which over-estimates English text so compaction triggers early.
func EstimateTokens(msgs []providers.Message) int {
	total := 0
	for _, m := range msgs {
		total += messageBytes(m)
	}
	return total / 3
}

func messageBytes(m providers.Message) int {
	n := len(m.Role) + len(m.Content)
	if len(m.ToolCalls) > 0 {
		if b, err := json.Marshal(m.ToolCalls); err == nil {
			n += len(b)
		}
	}
	for _, r := range m.ToolResults {
		n += len(r.ID) + len(r.Name) + len(r.Output)
	}
	for _, tb := range m.Thinking {
		n += len(tb.Thinking) + len(tb.Signature) + len(tb.Redacted)
	}
	return n
}

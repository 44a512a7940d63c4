package providers

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sipeed/picogate/pkg/logger"
)

// Older clients replay tool rounds with the provider payload serialized in
// Content. prepareHistory turns those back into structured messages, then
// drops results whose call is no longer in the history (compaction can
// split a round) and calls that never got an answer.

func prepareHistory(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, reconstruct(m))
	}
	assignResultIDs(out)
	return dropUnpaired(out)
}

func reconstruct(m Message) Message {
	if len(m.ToolCalls) > 0 || len(m.ToolResults) > 0 {
		return m
	}
	content := strings.TrimSpace(m.Content)
	if len(content) < 2 {
		return m
	}

	switch content[0] {
	case '{':
		return reconstructObject(m, content)
	case '[':
		return reconstructArray(m, content)
	}
	return m
}

// openAIShape covers both the assistant object and the tool message.
type openAIShape struct {
	Role       string           `json:"role"`
	Content    *string          `json:"content"`
	ToolCallID string           `json:"tool_call_id"`
	ToolCalls  []openAIToolCall `json:"tool_calls"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

func reconstructObject(m Message, content string) Message {
	var obj openAIShape
	if err := json.Unmarshal([]byte(content), &obj); err != nil {
		return m
	}

	switch {
	case obj.Role == RoleAssistant && len(obj.ToolCalls) > 0:
		out := Message{Role: RoleAssistant}
		if obj.Content != nil {
			out.Content = *obj.Content
		}
		for _, tc := range obj.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: parseArguments(tc.Function.Arguments),
			})
		}
		return out
	case obj.Role == RoleTool && obj.ToolCallID != "":
		out := Message{Role: RoleTool, ToolCallID: obj.ToolCallID}
		if obj.Content != nil {
			out.Content = *obj.Content
		}
		return out
	}
	return m
}

// block is the union of Anthropic content blocks and Google parts.
type block struct {
	Type string `json:"type"`
	Text string `json:"text"`

	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     map[string]any  `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`

	FunctionCall *struct {
		Name string         `json:"name"`
		Args map[string]any `json:"args"`
	} `json:"functionCall"`
	FunctionResponse *struct {
		Name     string         `json:"name"`
		Response map[string]any `json:"response"`
	} `json:"functionResponse"`
}

func reconstructArray(m Message, content string) Message {
	var blocks []block
	if err := json.Unmarshal([]byte(content), &blocks); err != nil || len(blocks) == 0 {
		return m
	}

	out := Message{Role: m.Role}
	var texts []string
	structured := false
	for i, b := range blocks {
		switch {
		case b.Type == "text" || (b.Type == "" && b.Text != ""):
			texts = append(texts, b.Text)
		case b.Type == "tool_use":
			structured = true
			out.ToolCalls = append(out.ToolCalls, ToolCall{ID: b.ID, Name: b.Name, Arguments: b.Input})
		case b.Type == "tool_result":
			structured = true
			out.ToolResults = append(out.ToolResults, ToolResult{
				ID:      b.ToolUseID,
				Output:  blockContentText(b.Content),
				IsError: b.IsError,
			})
		case b.FunctionCall != nil:
			structured = true
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        fmt.Sprintf("google_call_%d", i),
				Name:      b.FunctionCall.Name,
				Arguments: b.FunctionCall.Args,
			})
		case b.FunctionResponse != nil:
			structured = true
			res := ToolResult{Name: b.FunctionResponse.Name}
			if v, ok := b.FunctionResponse.Response["content"].(string); ok {
				res.Output = v
			} else if v, ok := b.FunctionResponse.Response["result"].(string); ok {
				res.Output = v
			}
			res.IsError, _ = b.FunctionResponse.Response["is_error"].(bool)
			out.ToolResults = append(out.ToolResults, res)
		default:
			// Not a shape we know; keep the original text.
			return m
		}
	}
	if !structured {
		return m
	}
	out.Content = strings.Join(texts, "")
	if len(out.ToolCalls) > 0 {
		out.Role = RoleAssistant
	} else {
		out.Role = RoleUser
	}
	return out
}

// blockContentText accepts tool_result content as a string or as an array
// of text blocks.
func blockContentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var parts []struct {
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &parts) == nil {
		var sb strings.Builder
		for _, p := range parts {
			sb.WriteString(p.Text)
		}
		return sb.String()
	}
	return string(raw)
}

func parseArguments(s string) map[string]any {
	args := map[string]any{}
	if strings.TrimSpace(s) == "" {
		return args
	}
	if err := json.Unmarshal([]byte(s), &args); err != nil {
		return map[string]any{"raw": s}
	}
	return args
}

// assignResultIDs gives name-only results (Google) the id of the nearest
// preceding unanswered call with the same name.
func assignResultIDs(msgs []Message) {
	pending := map[string][]string{}
	for i := range msgs {
		for _, tc := range msgs[i].ToolCalls {
			pending[tc.Name] = append(pending[tc.Name], tc.ID)
		}
		for j := range msgs[i].ToolResults {
			r := &msgs[i].ToolResults[j]
			ids := pending[r.Name]
			if r.ID == "" && len(ids) > 0 {
				r.ID = ids[0]
			}
			pending[r.Name] = removeID(ids, r.ID)
		}
	}
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return ids
}

// dropUnpaired removes results without a preceding call and calls without
// a following result.
func dropUnpaired(msgs []Message) []Message {
	calls := map[string]string{}
	answered := map[string]bool{}
	for _, m := range msgs {
		for _, tc := range m.ToolCalls {
			calls[tc.ID] = tc.Name
		}
		if m.Role == RoleTool && m.ToolCallID != "" {
			if _, ok := calls[m.ToolCallID]; ok {
				answered[m.ToolCallID] = true
			}
		}
		for _, r := range m.ToolResults {
			if _, ok := calls[r.ID]; ok {
				answered[r.ID] = true
			}
		}
	}

	out := msgs[:0:0]
	for _, m := range msgs {
		if m.Role == RoleTool && m.ToolCallID != "" && !answered[m.ToolCallID] {
			logger.DebugCF("provider", "Dropping orphan tool result", map[string]any{"tool_call_id": m.ToolCallID})
			continue
		}
		if len(m.ToolResults) > 0 {
			kept := m.ToolResults[:0:0]
			for _, r := range m.ToolResults {
				if answered[r.ID] {
					kept = append(kept, r)
				} else {
					logger.DebugCF("provider", "Dropping orphan tool result", map[string]any{"tool_call_id": r.ID, "tool": r.Name})
				}
			}
			if len(kept) == 0 && m.Content == "" {
				continue
			}
			m.ToolResults = kept
		}
		if len(m.ToolCalls) > 0 {
			kept := m.ToolCalls[:0:0]
			for _, tc := range m.ToolCalls {
				if answered[tc.ID] {
					kept = append(kept, tc)
				}
			}
			if len(kept) == 0 && m.Content == "" {
				continue
			}
			m.ToolCalls = kept
		}
		out = append(out, m)
	}
	return out
}

// toolNameByID maps call ids to tool names across the history.
func toolNameByID(msgs []Message) map[string]string {
	names := map[string]string{}
	for _, m := range msgs {
		for _, tc := range m.ToolCalls {
			names[tc.ID] = tc.Name
		}
	}
	return names
}

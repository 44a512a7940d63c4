package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
)

type recordingSink struct {
	events []string
	text   strings.Builder
}

func (s *recordingSink) Text(delta string) error {
	s.events = append(s.events, "text")
	s.text.WriteString(delta)
	return nil
}

func (s *recordingSink) ThinkingStart() error {
	s.events = append(s.events, "thinking_start")
	return nil
}

func (s *recordingSink) ThinkingDelta(string) error {
	s.events = append(s.events, "thinking")
	return nil
}

func (s *recordingSink) ThinkingEnd() error {
	s.events = append(s.events, "thinking_end")
	return nil
}

func writeSSE(w http.ResponseWriter, events ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, e := range events {
		var probe struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal([]byte(e), &probe)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", probe.Type, e)
	}
}

func TestAnthropicAdapter_StreamsTextAndThinking(t *testing.T) {
	var body map[string]any
	var apiKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		apiKey = r.Header.Get("x-api-key")
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeSSE(w,
			`{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4","content":[],"stop_reason":null,"usage":{"input_tokens":12,"output_tokens":0}}}`,
			`{"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":"","signature":""}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"pondering"}}`,
			`{"type":"content_block_stop","index":0}`,
			`{"type":"content_block_start","index":1,"content_block":{"type":"text","text":""}}`,
			`{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"Found "}}`,
			`{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"2 files."}}`,
			`{"type":"content_block_stop","index":1}`,
			`{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":7}}`,
			`{"type":"message_stop"}`,
		)
	}))
	defer server.Close()

	sink := &recordingSink{}
	a := NewAnthropicAdapter(testOptions(server))
	resp, err := a.Call(t.Context(), &Request{
		Provider: "anthropic",
		Model:    "claude-sonnet-4",
		BaseURL:  server.URL + "/v1",
		APIKey:   "sk-ant",
		Messages: []Message{{Role: RoleSystem, Content: "be brief"}, {Role: RoleUser, Content: "list files"}},
	}, sink)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if apiKey != "sk-ant" {
		t.Errorf("x-api-key = %q", apiKey)
	}
	if sys, ok := body["system"].([]any); !ok || len(sys) != 1 {
		t.Errorf("system = %v, want one top-level block", body["system"])
	}
	if msgs, _ := body["messages"].([]any); len(msgs) != 1 {
		t.Errorf("messages = %v, want only the user turn", body["messages"])
	}
	if got := sink.text.String(); got != "Found 2 files." {
		t.Errorf("streamed text = %q", got)
	}
	want := []string{"thinking_start", "thinking", "thinking_end", "text", "text"}
	if strings.Join(sink.events, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", sink.events, want)
	}
	if resp.Text != "Found 2 files." || resp.Thinking != "pondering" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.FinishReason != FinishStop {
		t.Errorf("FinishReason = %q, want stop", resp.FinishReason)
	}
}

func TestParseAnthropicMessage_ToolUse(t *testing.T) {
	var msg anthropic.Message
	raw := `{"id":"msg_1","type":"message","role":"assistant","model":"claude","stop_reason":"tool_use",
		"content":[{"type":"text","text":"Let me look."},{"type":"tool_use","id":"toolu_1","name":"list_directory","input":{"path":"."}}],
		"usage":{"input_tokens":3,"output_tokens":4}}`
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	resp := parseAnthropicMessage(&msg)
	if resp.FinishReason != FinishToolCalls {
		t.Errorf("FinishReason = %q", resp.FinishReason)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].ID != "toolu_1" || resp.ToolCalls[0].Arguments["path"] != "." {
		t.Errorf("ToolCalls = %+v", resp.ToolCalls)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 7 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
}

func TestParseAnthropicMessage_StopReasons(t *testing.T) {
	tests := []struct {
		stop anthropic.StopReason
		want string
	}{
		{anthropic.StopReasonEndTurn, FinishStop},
		{anthropic.StopReasonMaxTokens, FinishLength},
		{anthropic.StopReasonToolUse, FinishToolCalls},
		{anthropic.StopReasonStopSequence, FinishStop},
		{"refusal", "refusal"},
	}
	for _, tt := range tests {
		got := parseAnthropicMessage(&anthropic.Message{StopReason: tt.stop})
		if got.FinishReason != tt.want {
			t.Errorf("StopReason %q: FinishReason = %q, want %q", tt.stop, got.FinishReason, tt.want)
		}
	}
}

func TestBuildAnthropicMessages_MergesToolResults(t *testing.T) {
	msgs := []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "go"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "a", Name: "x"}, {ID: "b", Name: "y"}}},
		{Role: RoleTool, ToolCallID: "a", Content: "1"},
		{Role: RoleTool, ToolCallID: "b", Content: "2"},
	}
	system, out := buildAnthropicMessages(msgs)
	if len(system) != 1 || system[0].Text != "sys" {
		t.Errorf("system = %+v", system)
	}
	if len(out) != 3 {
		t.Fatalf("len(out) = %d, want 3", len(out))
	}
	if out[2].Role != anthropic.MessageParamRoleUser || len(out[2].Content) != 2 {
		t.Errorf("tool results turn = %+v", out[2])
	}
}

func TestAnthropicAdapter_AppendRoundGroupsResults(t *testing.T) {
	a := NewAnthropicAdapter(AdapterOptions{})
	msgs := a.AppendRound(nil, &Response{ToolCalls: []ToolCall{{ID: "t1", Name: "x"}}}, []ToolResult{{ID: "t1", Name: "x", Output: "ok"}})
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2", len(msgs))
	}
	if msgs[1].Role != RoleUser || len(msgs[1].ToolResults) != 1 {
		t.Errorf("result turn = %+v", msgs[1])
	}
}

func TestAnthropicAdapter_ThinkingSurvivesToolRound(t *testing.T) {
	var bodies []map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		bodies = append(bodies, body)
		if len(bodies) > 1 {
			writeSSE(w,
				`{"type":"message_start","message":{"id":"msg_2","type":"message","role":"assistant","model":"claude","content":[],"stop_reason":null,"usage":{"input_tokens":5,"output_tokens":0}}}`,
				`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
				`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Two files."}}`,
				`{"type":"content_block_stop","index":0}`,
				`{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":3}}`,
				`{"type":"message_stop"}`,
			)
			return
		}
		writeSSE(w,
			`{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude","content":[],"stop_reason":null,"usage":{"input_tokens":5,"output_tokens":0}}}`,
			`{"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":"","signature":""}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"need a listing"}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"signature_delta","signature":"sig-1"}}`,
			`{"type":"content_block_stop","index":0}`,
			`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"list_directory","input":{}}}`,
			`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"path\":\".\"}"}}`,
			`{"type":"content_block_stop","index":1}`,
			`{"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"output_tokens":9}}`,
			`{"type":"message_stop"}`,
		)
	}))
	defer server.Close()

	opts := testOptions(server)
	opts.ThinkingBudget = 1024
	a := NewAnthropicAdapter(opts)
	req := &Request{
		Provider: "anthropic",
		Model:    "claude",
		BaseURL:  server.URL,
		APIKey:   "sk-ant",
		Messages: []Message{{Role: RoleUser, Content: "list files"}},
	}
	resp, err := a.Call(t.Context(), req, NopSink{})
	if err != nil {
		t.Fatalf("first Call() error = %v", err)
	}
	if len(resp.ThinkingBlocks) != 1 || resp.ThinkingBlocks[0].Signature != "sig-1" {
		t.Fatalf("ThinkingBlocks = %+v", resp.ThinkingBlocks)
	}

	req.Messages = a.AppendRound(req.Messages, resp, []ToolResult{{ID: "toolu_1", Name: "list_directory", Output: "a\nb"}})
	if _, err := a.Call(t.Context(), req, NopSink{}); err != nil {
		t.Fatalf("second Call() error = %v", err)
	}

	msgs, _ := bodies[1]["messages"].([]any)
	if len(msgs) != 3 {
		t.Fatalf("messages = %v, want user, assistant, tool results", msgs)
	}
	content, _ := msgs[1].(map[string]any)["content"].([]any)
	if len(content) != 2 {
		t.Fatalf("assistant content = %v", content)
	}
	first := content[0].(map[string]any)
	if first["type"] != "thinking" || first["signature"] != "sig-1" || first["thinking"] != "need a listing" {
		t.Errorf("first block = %v, want the signed thinking block", first)
	}
	if content[1].(map[string]any)["type"] != "tool_use" {
		t.Errorf("second block = %v", content[1])
	}
}

func TestBuildAnthropicMessages_RedactedThinkingAndToolErrors(t *testing.T) {
	msgs := []Message{
		{Role: RoleUser, Content: "go"},
		{
			Role:      RoleAssistant,
			ToolCalls: []ToolCall{{ID: "a", Name: "x"}},
			Thinking:  []ThinkingBlock{{Redacted: "opaque"}, {Thinking: "unsigned"}},
		},
		{Role: RoleTool, ToolCallID: "a", Content: "boom", IsError: true},
	}
	_, out := buildAnthropicMessages(msgs)
	if len(out) != 3 {
		t.Fatalf("len(out) = %d, want 3", len(out))
	}
	blocks := out[1].Content
	if len(blocks) != 2 || blocks[0].OfRedactedThinking == nil || blocks[0].OfRedactedThinking.Data != "opaque" {
		t.Errorf("assistant blocks = %+v, want redacted thinking then tool_use", blocks)
	}
	result := out[2].Content[0].OfToolResult
	if result == nil || !result.IsError.Value {
		t.Errorf("tool result = %+v, want is_error", result)
	}
}

func TestOpenAIAdapter_AppendRoundKeepsToolErrors(t *testing.T) {
	a := NewOpenAIAdapter(AdapterOptions{})
	msgs := a.AppendRound(nil, &Response{ToolCalls: []ToolCall{{ID: "c1", Name: "x"}}},
		[]ToolResult{{ID: "c1", Name: "x", Output: "denied", IsError: true}})
	if len(msgs) != 2 || !msgs[1].IsError {
		t.Errorf("msgs = %+v, want an error tool message", msgs)
	}
}

func TestNormalizeAnthropicBaseURL(t *testing.T) {
	for in, want := range map[string]string{
		"":                              defaultAnthropicBaseURL,
		"https://api.anthropic.com/v1/": "https://api.anthropic.com",
		"http://proxy:8080":             "http://proxy:8080",
	} {
		if got := normalizeAnthropicBaseURL(in); got != want {
			t.Errorf("normalizeAnthropicBaseURL(%q) = %q, want %q", in, got, want)
		}
	}
}

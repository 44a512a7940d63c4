package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrepareHistory_OpenAIShapes(t *testing.T) {
	msgs := prepareHistory([]Message{
		{Role: RoleUser, Content: "list files"},
		{Role: RoleAssistant, Content: `{"role":"assistant","content":null,"tool_calls":[{"id":"call_1","type":"function","function":{"name":"list_directory","arguments":"{\"path\":\".\"}"}}]}`},
		{Role: RoleTool, Content: `{"role":"tool","tool_call_id":"call_1","content":"a.txt"}`},
	})
	require.Len(t, msgs, 3)
	require.Len(t, msgs[1].ToolCalls, 1)
	assert.Equal(t, "list_directory", msgs[1].ToolCalls[0].Name)
	assert.Equal(t, ".", msgs[1].ToolCalls[0].Arguments["path"])
	assert.Equal(t, "call_1", msgs[2].ToolCallID)
	assert.Equal(t, "a.txt", msgs[2].Content)
}

func TestPrepareHistory_AnthropicBlocks(t *testing.T) {
	msgs := prepareHistory([]Message{
		{Role: RoleAssistant, Content: `[{"type":"text","text":"Looking."},{"type":"tool_use","id":"toolu_1","name":"read_file","input":{"path":"a"}}]`},
		{Role: RoleUser, Content: `[{"type":"tool_result","tool_use_id":"toolu_1","content":[{"type":"text","text":"hello"}],"is_error":true}]`},
	})
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleAssistant, msgs[0].Role)
	assert.Equal(t, "Looking.", msgs[0].Content)
	require.Len(t, msgs[1].ToolResults, 1)
	assert.Equal(t, "hello", msgs[1].ToolResults[0].Output)
	assert.True(t, msgs[1].ToolResults[0].IsError)
}

func TestPrepareHistory_GoogleParts(t *testing.T) {
	msgs := prepareHistory([]Message{
		{Role: RoleAssistant, Content: `[{"functionCall":{"name":"list_directory","args":{"path":"."}}}]`},
		{Role: RoleUser, Content: `[{"functionResponse":{"name":"list_directory","response":{"content":"a.txt"}}}]`},
	})
	require.Len(t, msgs, 2)
	require.Len(t, msgs[0].ToolCalls, 1)
	assert.Equal(t, "google_call_0", msgs[0].ToolCalls[0].ID)
	require.Len(t, msgs[1].ToolResults, 1)
	assert.Equal(t, "google_call_0", msgs[1].ToolResults[0].ID, "name-only result gets the call id")
	assert.Equal(t, "a.txt", msgs[1].ToolResults[0].Output)
}

func TestPrepareHistory_DropsOrphans(t *testing.T) {
	msgs := prepareHistory([]Message{
		{Role: RoleSystem, Content: "[Context compacted: 4 messages removed from history using sliding window strategy]"},
		{Role: RoleTool, ToolCallID: "gone", Content: "stale"},
		{Role: RoleUser, ToolResults: []ToolResult{{ID: "gone2", Output: "stale"}}},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "never", Name: "x"}}},
		{Role: RoleUser, Content: "hi"},
	})
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleSystem, msgs[0].Role)
	assert.Equal(t, "hi", msgs[1].Content)
}

func TestPrepareHistory_PlainTextUntouched(t *testing.T) {
	in := []Message{
		{Role: RoleUser, Content: "[1, 2, 3] are numbers"},
		{Role: RoleUser, Content: `{"not":"a shape"}`},
	}
	out := prepareHistory(in)
	assert.Equal(t, in, out)
}

func TestParseArguments(t *testing.T) {
	assert.Equal(t, map[string]any{}, parseArguments(""))
	assert.Equal(t, map[string]any{"a": float64(1)}, parseArguments(`{"a":1}`))
	assert.Equal(t, map[string]any{"raw": "not json"}, parseArguments("not json"))
}

package tools

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/picogate/pkg/protocol"
)

func TestParsePrompt_Defaults(t *testing.T) {
	p, err := ParsePrompt(map[string]any{"title": "Which branch?"})
	require.NoError(t, err)
	assert.Equal(t, "Which branch?", p.Title)
	assert.Equal(t, protocol.PromptText, p.Kind)
}

func TestParsePrompt_Select(t *testing.T) {
	p, err := ParsePrompt(map[string]any{
		"title":   "Pick one",
		"kind":    "multi_select",
		"options": []any{"a", "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, p.Options)

	_, err = ParsePrompt(map[string]any{"title": "Pick one", "kind": "select"})
	assert.EqualError(t, err, "Prompt kind 'select' needs options")
}

func TestParsePrompt_Form(t *testing.T) {
	p, err := ParsePrompt(map[string]any{
		"title": "Deploy",
		"kind":  "form",
		"fields": []any{
			map[string]any{"name": "env", "kind": "select", "options": []any{"dev", "prod"}, "required": true},
			map[string]any{"name": "note"},
		},
	})
	require.NoError(t, err)
	require.Len(t, p.Fields, 2)
	assert.True(t, p.Fields[0].Required)
	assert.Equal(t, protocol.PromptText, p.Fields[1].Kind)

	_, err = ParsePrompt(map[string]any{"title": "Deploy", "kind": "form"})
	assert.Error(t, err)
	_, err = ParsePrompt(map[string]any{"title": "Deploy", "kind": "form", "fields": []any{map[string]any{"label": "x"}}})
	assert.EqualError(t, err, "Every form field needs a name")
}

func TestParsePrompt_Invalid(t *testing.T) {
	_, err := ParsePrompt(map[string]any{})
	assert.EqualError(t, err, "Missing required parameter: title")
	_, err = ParsePrompt(map[string]any{"title": "x", "kind": "slider"})
	assert.EqualError(t, err, "Unknown prompt kind 'slider'")
}

func TestFormatPromptAnswer(t *testing.T) {
	assert.Equal(t, "User responded: main", FormatPromptAnswer(json.RawMessage(`"main"`)))
	assert.Equal(t, `User responded: {"env":"prod"}`, FormatPromptAnswer(json.RawMessage(`{"env":"prod"}`)))
	assert.Equal(t, "User responded with an empty answer.", FormatPromptAnswer(nil))
}

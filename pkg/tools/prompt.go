package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/sipeed/picogate/pkg/protocol"
	"github.com/sipeed/picogate/pkg/providers"
)

// UserPromptTool is the tool the model calls to ask the user for input.
const UserPromptTool = "ask_user"

var promptKinds = []string{
	protocol.PromptText,
	protocol.PromptConfirm,
	protocol.PromptSelect,
	protocol.PromptMultiSelect,
	protocol.PromptForm,
}

// UserPromptDefinition describes ask_user to the model.
func UserPromptDefinition() providers.ToolDefinition {
	field := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name":     map[string]any{"type": "string"},
			"label":    map[string]any{"type": "string"},
			"kind":     map[string]any{"type": "string", "enum": []string{"text", "confirm", "select"}},
			"required": map[string]any{"type": "boolean"},
			"default":  map[string]any{"type": "string"},
			"options":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
		"required": []string{"name"},
	}
	return providers.ToolDefinition{
		Name: UserPromptTool,
		Description: "Ask the user a question and wait for the answer. Use kind 'confirm' for yes/no, " +
			"'select' or 'multi_select' with options for choices, and 'form' with fields for several inputs.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title":       map[string]any{"type": "string", "description": "The question shown to the user."},
				"description": map[string]any{"type": "string", "description": "Optional details below the question."},
				"kind":        map[string]any{"type": "string", "enum": promptKinds, "description": "Input shape. Default: text."},
				"options":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Choices for select and multi_select."},
				"fields":      map[string]any{"type": "array", "items": field, "description": "Inputs of a form."},
				"default":     map[string]any{"type": "string", "description": "Pre-filled answer."},
			},
			"required": []string{"title"},
		},
	}
}

// ParsePrompt validates ask_user arguments into a prompt.
func ParsePrompt(args map[string]any) (protocol.Prompt, error) {
	var p protocol.Prompt
	p.Title, _ = stringArg(args, "title")
	if strings.TrimSpace(p.Title) == "" {
		return p, errors.New("Missing required parameter: title")
	}
	p.Description, _ = stringArg(args, "description")
	p.Default, _ = stringArg(args, "default")
	p.Kind, _ = stringArg(args, "kind")
	if p.Kind == "" {
		p.Kind = protocol.PromptText
	}
	if !slices.Contains(promptKinds, p.Kind) {
		return p, fmt.Errorf("Unknown prompt kind '%s'", p.Kind)
	}
	p.Options = stringList(args["options"])

	if raw, ok := args["fields"].([]any); ok {
		for _, item := range raw {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			var f protocol.PromptField
			f.Name, _ = stringArg(m, "name")
			f.Label, _ = stringArg(m, "label")
			f.Kind, _ = stringArg(m, "kind")
			f.Default, _ = stringArg(m, "default")
			f.Required, _ = m["required"].(bool)
			f.Options = stringList(m["options"])
			if f.Name == "" {
				return p, errors.New("Every form field needs a name")
			}
			if f.Kind == "" {
				f.Kind = protocol.PromptText
			}
			p.Fields = append(p.Fields, f)
		}
	}

	switch p.Kind {
	case protocol.PromptSelect, protocol.PromptMultiSelect:
		if len(p.Options) == 0 {
			return p, fmt.Errorf("Prompt kind '%s' needs options", p.Kind)
		}
	case protocol.PromptForm:
		if len(p.Fields) == 0 {
			return p, errors.New("Prompt kind 'form' needs fields")
		}
	}
	return p, nil
}

// FormatPromptAnswer renders the user's JSON answer for the model.
func FormatPromptAnswer(value json.RawMessage) string {
	var s string
	if err := json.Unmarshal(value, &s); err == nil {
		return "User responded: " + s
	}
	if len(value) == 0 {
		return "User responded with an empty answer."
	}
	return "User responded: " + string(value)
}

func stringList(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		if ss, ok := v.([]string); ok {
			return ss
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

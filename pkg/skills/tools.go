package skills

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sipeed/picogate/pkg/providers"
)

const (
	ToolList     = "skill_list"
	ToolInfo     = "skill_info"
	ToolEnable   = "skill_enable"
	ToolActivate = "skill_activate"
)

// IsSkillTool reports whether name is one of the skill tools.
func IsSkillTool(name string) bool {
	switch name {
	case ToolList, ToolInfo, ToolEnable, ToolActivate:
		return true
	}
	return false
}

func nameParam(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

// Definitions describes the skill tools to the model.
func Definitions() []providers.ToolDefinition {
	return []providers.ToolDefinition{
		{
			Name: ToolList,
			Description: "List all loaded skills with their status (enabled, gates, source, linked secrets). " +
				"Use to discover what capabilities are available.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"filter": nameParam("Optional substring to filter skill names."),
				},
			},
		},
		{
			Name: ToolInfo,
			Description: "Show detailed information about a loaded skill: description, source, linked " +
				"secrets, gating status, and instructions summary.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"name": nameParam("The skill name.")},
				"required":   []string{"name"},
			},
		},
		{
			Name: ToolEnable,
			Description: "Enable or disable a loaded skill. Disabled skills are not injected into the " +
				"agent prompt and cannot be activated.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name":    nameParam("The skill name."),
					"enabled": map[string]any{"type": "boolean", "description": "true to enable, false to disable."},
				},
				"required": []string{"name", "enabled"},
			},
		},
		{
			Name: ToolActivate,
			Description: "Activate a skill for the rest of this request and return its instructions. " +
				"Credentials and tools restricted to the skill become available.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"name": nameParam("The skill name.")},
				"required":   []string{"name"},
			},
		},
	}
}

// Result is the outcome of a skill tool. Activated names the skill made
// active by skill_activate.
type Result struct {
	Output    string
	Activated string
}

// Execute runs a skill tool against m.
func (m *Manager) Execute(name string, args map[string]any) (Result, error) {
	switch name {
	case ToolList:
		filter, _ := args["filter"].(string)
		return Result{Output: m.listText(filter)}, nil

	case ToolInfo:
		skill, err := requireName(args)
		if err != nil {
			return Result{}, err
		}
		s, ok := m.Get(skill)
		if !ok {
			return Result{}, fmt.Errorf("Skill '%s' not found.", skill)
		}
		return Result{Output: infoText(&s)}, nil

	case ToolEnable:
		skill, err := requireName(args)
		if err != nil {
			return Result{}, err
		}
		enabled, ok := args["enabled"].(bool)
		if !ok {
			return Result{}, errors.New("Missing required parameter: enabled")
		}
		if !m.SetEnabled(skill, enabled) {
			return Result{}, fmt.Errorf("Skill '%s' not found.", skill)
		}
		state := "disabled"
		if enabled {
			state = "enabled"
		}
		return Result{Output: fmt.Sprintf("Skill '%s' %s.", skill, state)}, nil

	case ToolActivate:
		skill, err := requireName(args)
		if err != nil {
			return Result{}, err
		}
		instructions, err := m.Activate(skill)
		if err != nil {
			return Result{}, err
		}
		out := fmt.Sprintf("Skill '%s' activated.", skill)
		if instructions != "" {
			out += "\n\n" + instructions
		}
		return Result{Output: out, Activated: skill}, nil
	}
	return Result{}, fmt.Errorf("Unknown tool: %s", name)
}

func requireName(args map[string]any) (string, error) {
	name, _ := args["name"].(string)
	if strings.TrimSpace(name) == "" {
		return "", errors.New("Missing required parameter: name")
	}
	return name, nil
}

func (m *Manager) listText(filter string) string {
	var sb strings.Builder
	for _, s := range m.List() {
		if filter != "" && !strings.Contains(strings.ToLower(s.Name), strings.ToLower(filter)) {
			continue
		}
		gate := CheckGates(s)
		status := "enabled"
		if !s.Enabled {
			status = "disabled"
		}
		fmt.Fprintf(&sb, "- %s [%s, gates %s]", s.Name, status, passFail(gate.Passed))
		if s.Description != "" {
			sb.WriteString(": " + s.Description)
		}
		if len(s.LinkedSecrets) > 0 {
			fmt.Fprintf(&sb, " (secrets: %s)", strings.Join(s.LinkedSecrets, ", "))
		}
		sb.WriteByte('\n')
	}
	if sb.Len() == 0 {
		return "No skills loaded."
	}
	return sb.String()
}

func passFail(ok bool) string {
	if ok {
		return "passed"
	}
	return "failed"
}

func infoText(s *Skill) string {
	gate := CheckGates(s)
	var sb strings.Builder
	fmt.Fprintf(&sb, "Skill: %s\n", s.Name)
	if s.Description != "" {
		fmt.Fprintf(&sb, "Description: %s\n", s.Description)
	}
	fmt.Fprintf(&sb, "Enabled: %t\n", s.Enabled)
	fmt.Fprintf(&sb, "Gates passed: %t\n", gate.Passed)
	fmt.Fprintf(&sb, "Path: %s\n", s.Path)
	sb.WriteString("Source: local\n")
	if len(s.LinkedSecrets) > 0 {
		fmt.Fprintf(&sb, "Linked secrets: %s\n", strings.Join(s.LinkedSecrets, ", "))
	}
	if len(s.Tools) > 0 {
		fmt.Fprintf(&sb, "Tools: %s\n", strings.Join(s.Tools, ", "))
	}
	if len(gate.MissingBins) > 0 {
		fmt.Fprintf(&sb, "Missing binaries: %s\n", strings.Join(gate.MissingBins, ", "))
	}
	if len(gate.MissingEnv) > 0 {
		fmt.Fprintf(&sb, "Missing env vars: %s\n", strings.Join(gate.MissingEnv, ", "))
	}
	return sb.String()
}

package tools

import (
	"fmt"
	"slices"
	"strings"
)

// PermissionKind is the decision class of a tool permission.
type PermissionKind int

const (
	Allow PermissionKind = iota
	Ask
	Deny
	SkillOnly
)

func (k PermissionKind) String() string {
	switch k {
	case Ask:
		return "ask"
	case Deny:
		return "deny"
	case SkillOnly:
		return "skill_only"
	default:
		return "allow"
	}
}

// Permission is how a tool may be used. Skills lists the skills allowed
// to call a SkillOnly tool.
type Permission struct {
	Kind   PermissionKind
	Skills []string
}

func (p Permission) String() string {
	if p.Kind == SkillOnly {
		return "skill_only:" + strings.Join(p.Skills, ",")
	}
	return p.Kind.String()
}

// AllowsSkill reports whether skill may call a SkillOnly tool.
func (p Permission) AllowsSkill(skill string) bool {
	return skill != "" && slices.Contains(p.Skills, skill)
}

// ParsePermission parses "allow", "ask", "deny" or "skill_only:a,b".
func ParsePermission(s string) (Permission, error) {
	s = strings.TrimSpace(s)
	kind, rest, _ := strings.Cut(s, ":")
	switch strings.ToLower(kind) {
	case "", "allow":
		return Permission{Kind: Allow}, nil
	case "ask":
		return Permission{Kind: Ask}, nil
	case "deny":
		return Permission{Kind: Deny}, nil
	case "skill_only":
		var skills []string
		for _, name := range strings.Split(rest, ",") {
			if name = strings.TrimSpace(name); name != "" {
				skills = append(skills, name)
			}
		}
		return Permission{Kind: SkillOnly, Skills: skills}, nil
	}
	return Permission{}, fmt.Errorf("unknown tool permission %q", s)
}

// Policy maps tool names to permissions. Tools not listed are allowed.
type Policy map[string]Permission

// ParsePolicy parses the permission strings of the configuration.
func ParsePolicy(raw map[string]string) (Policy, error) {
	p := make(Policy, len(raw))
	for name, s := range raw {
		perm, err := ParsePermission(s)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", name, err)
		}
		p[name] = perm
	}
	return p, nil
}

func (p Policy) Lookup(name string) Permission {
	if perm, ok := p[name]; ok {
		return perm
	}
	return Permission{Kind: Allow}
}

// Package vault holds the gateway's secrets: provider API keys, typed
// credentials with access policies, and the TOTP secret used by the auth
// gate.
package vault

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	ErrLocked           = errors.New("vault is locked")
	ErrNotFound         = errors.New("secret not found")
	ErrBadPassword      = errors.New("wrong vault password")
	ErrApprovalRequired = errors.New("user approval required")
	ErrAccessDenied     = errors.New("access denied")
	ErrNoTOTP           = errors.New("no TOTP secret configured")
)

// Policy controls when the agent may read a credential.
type Policy string

const (
	PolicyAlways    Policy = "always"
	PolicyAsk       Policy = "ask"
	PolicyAuth      Policy = "auth"
	PolicySkillOnly Policy = "skill_only"
)

// ParsePolicy accepts the wire names of the four policies.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyAlways, PolicyAsk, PolicyAuth, PolicySkillOnly:
		return p, nil
	}
	return "", fmt.Errorf("unknown policy: %s", s)
}

// Credential kinds.
const (
	KindAPIKey           = "api_key"
	KindToken            = "token"
	KindUsernamePassword = "username_password"
	KindSecureNote       = "secure_note"
	KindOther            = "other"
)

// Entry is the metadata of a credential. It never contains the value.
type Entry struct {
	Name        string   `json:"name"`
	Label       string   `json:"label"`
	Kind        string   `json:"kind"`
	Policy      Policy   `json:"policy"`
	Skills      []string `json:"skills,omitempty"`
	Description string   `json:"description,omitempty"`
	Disabled    bool     `json:"disabled,omitempty"`
}

// AccessContext describes who is asking for a secret.
type AccessContext struct {
	// UserApproved is set when the user explicitly approved this read.
	UserApproved bool
	// Authenticated is set when the caller re-verified the vault password
	// or a TOTP code for this request.
	Authenticated bool
	// ActiveSkill is the skill the agent is currently executing, if any.
	ActiveSkill string
}

// UserAccess is the context of a request made directly by the user.
var UserAccess = AccessContext{UserApproved: true, Authenticated: true}

// Field is one label/value pair of a credential shown to the user.
type Field struct {
	Label string
	Value string
}

// Vault is the secrets capability used by the gateway.
type Vault interface {
	IsLocked() bool
	SetPassword(password string)
	ClearPassword()

	GetSecret(key string, ac AccessContext) (string, error)
	StoreSecret(key, value string) error
	DeleteSecret(key string) error

	StoreCredential(entry Entry, value string) error
	ListEntries() ([]Entry, error)
	PeekCredential(name string) ([]Field, error)
	SetPolicy(name string, policy Policy, skills []string) error
	SetDisabled(name string, disabled bool) error
	DeleteCredential(name string) error

	HasTOTP() bool
	SetupTOTP(issuer string) (string, error)
	VerifyTOTP(code string) (bool, error)
	RemoveTOTP() error
}

// CheckAccess reports whether ac satisfies the entry's policy. agentAccess
// grants ask-policy reads without per-use approval.
func CheckAccess(e Entry, ac AccessContext, agentAccess bool) error {
	if e.Disabled {
		return fmt.Errorf("%w: credential '%s' is disabled", ErrAccessDenied, e.Name)
	}
	switch e.Policy {
	case PolicyAlways:
		return nil
	case PolicyAuth:
		if ac.Authenticated {
			return nil
		}
		return fmt.Errorf("%w: credential '%s' requires re-authentication", ErrAccessDenied, e.Name)
	case PolicySkillOnly:
		if ac.ActiveSkill != "" && slices.Contains(e.Skills, ac.ActiveSkill) {
			return nil
		}
		return fmt.Errorf("%w: credential '%s' is restricted to skills: %s",
			ErrAccessDenied, e.Name, strings.Join(e.Skills, ", "))
	default:
		if ac.UserApproved || agentAccess {
			return nil
		}
		return fmt.Errorf("%w: credential '%s'", ErrApprovalRequired, e.Name)
	}
}

// humanize turns OPENAI_API_KEY into "Openai Api Key".
func humanize(key string) string {
	words := strings.Fields(strings.ToLower(strings.ReplaceAll(key, "_", " ")))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// CheckKey is probed after a password is set to confirm the vault opens.
const CheckKey = checkKey

// Unlock sets the password and verifies it by reading CheckKey. On failure
// the vault is locked again.
func Unlock(v Vault, password string) error {
	v.SetPassword(password)
	if _, err := v.GetSecret(CheckKey, UserAccess); err != nil && !errors.Is(err, ErrNotFound) {
		v.ClearPassword()
		return err
	}
	return nil
}

// Package redaction masks credentials before they reach log output.
// Provider keys, bearer and session tokens, vault passwords and TOTP
// provisioning secrets are recognised.
package redaction

import (
	"regexp"
	"strings"
	"sync"
)

// Config holds redaction configuration.
type Config struct {
	// Enabled controls whether redaction is active.
	Enabled bool `json:"enabled" toml:"enabled"`

	// CustomPatterns are additional regular expressions whose matches are replaced.
	CustomPatterns []string `json:"custom_patterns" toml:"custom_patterns"`

	// Replacement is the string used in place of sensitive data.
	Replacement string `json:"replacement" toml:"replacement"`
}

// DefaultConfig returns the default redaction configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		Replacement: "[REDACTED]",
	}
}

// rule replaces either the whole match (group 0) or one capture group.
type rule struct {
	name  string
	re    *regexp.Regexp
	group int
}

// Order matters: the more specific key formats run before the generic ones.
var builtinRules = []rule{
	{name: "anthropic_key", re: regexp.MustCompile(`sk-ant-[A-Za-z0-9_\-]{16,}`)},
	{name: "openai_key", re: regexp.MustCompile(`sk-(?:proj-)?[A-Za-z0-9_\-]{20,}`)},
	{name: "google_key", re: regexp.MustCompile(`AIza[0-9A-Za-z_\-]{30,}`)},
	{name: "github_token", re: regexp.MustCompile(`\bgh[opsu]_[A-Za-z0-9]{20,}`)},
	{name: "xai_key", re: regexp.MustCompile(`xai-[A-Za-z0-9]{20,}`)},
	{name: "copilot_session", re: regexp.MustCompile(`tid=[A-Za-z0-9]+;[^\s"']+`)},
	{name: "bearer", re: regexp.MustCompile(`(?i)(?:bearer|token)\s+([A-Za-z0-9_\-\.=]{20,})`), group: 1},
	{name: "otpauth_secret", re: regexp.MustCompile(`(?i)[?&]secret=([A-Z2-7=]+)`), group: 1},
	{name: "assignment", re: regexp.MustCompile(`(?i)(?:api[_-]?key|password|passwd|secret|token)\s*[=:]\s*['"]?([^'"\s,}&\[]{4,})`), group: 1},
}

var sensitiveKeys = []string{
	"password", "passwd", "api_key", "apikey", "secret", "token", "credential", "authorization", "totp",
}

// Redactor applies redaction rules.
type Redactor struct {
	mu     sync.RWMutex
	config Config
	custom []*regexp.Regexp
}

// NewRedactor compiles the custom patterns of config. Invalid patterns are skipped.
func NewRedactor(config Config) *Redactor {
	if config.Replacement == "" {
		config.Replacement = "[REDACTED]"
	}
	r := &Redactor{config: config}
	for _, p := range config.CustomPatterns {
		if re, err := regexp.Compile(p); err == nil {
			r.custom = append(r.custom, re)
		}
	}
	return r
}

// Redact returns input with all sensitive matches replaced.
func (r *Redactor) Redact(input string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.config.Enabled || input == "" {
		return input
	}

	out := input
	for _, rl := range builtinRules {
		out = r.apply(out, rl)
	}
	for _, re := range r.custom {
		out = re.ReplaceAllString(out, r.config.Replacement)
	}
	return out
}

func (r *Redactor) apply(input string, rl rule) string {
	if rl.group == 0 {
		return rl.re.ReplaceAllString(input, r.config.Replacement)
	}
	return rl.re.ReplaceAllStringFunc(input, func(match string) string {
		sub := rl.re.FindStringSubmatch(match)
		if len(sub) <= rl.group || sub[rl.group] == "" {
			return match
		}
		return strings.Replace(match, sub[rl.group], r.config.Replacement, 1)
	})
}

// RedactFields redacts a log field map. Keys that name a credential have
// their value replaced outright; string values are passed through Redact.
func (r *Redactor) RedactFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	r.mu.RLock()
	enabled := r.config.Enabled
	replacement := r.config.Replacement
	r.mu.RUnlock()
	if !enabled {
		return fields
	}

	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if isSensitiveKey(k) {
			out[k] = replacement
			continue
		}
		switch val := v.(type) {
		case string:
			out[k] = r.Redact(val)
		case map[string]any:
			out[k] = r.RedactFields(val)
		default:
			out[k] = v
		}
	}
	return out
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, sk := range sensitiveKeys {
		if lower == sk || strings.HasSuffix(lower, "_"+sk) || strings.HasPrefix(lower, sk+"_") {
			return true
		}
	}
	return false
}

// SetEnabled toggles redaction at runtime.
func (r *Redactor) SetEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.config.Enabled = enabled
}

var (
	globalMu       sync.RWMutex
	globalRedactor = NewRedactor(DefaultConfig())
)

// Redact applies the global redactor.
func Redact(input string) string {
	globalMu.RLock()
	r := globalRedactor
	globalMu.RUnlock()
	return r.Redact(input)
}

// RedactFields applies the global redactor to a field map.
func RedactFields(fields map[string]any) map[string]any {
	globalMu.RLock()
	r := globalRedactor
	globalMu.RUnlock()
	return r.RedactFields(fields)
}

// SetGlobalConfig replaces the global redactor.
func SetGlobalConfig(config Config) {
	r := NewRedactor(config)
	globalMu.Lock()
	globalRedactor = r
	globalMu.Unlock()
}

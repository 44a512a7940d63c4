package agent

import "strings"

// AutoContinueConfig tunes the recovery for responses that announce an
// action and stop without calling a tool.
type AutoContinueConfig struct {
	Enabled bool `json:"enabled" toml:"enabled" env:"PICOGATE_AUTO_CONTINUE"`
	// MaxConsecutive bounds continuations between two tool rounds.
	MaxConsecutive int `json:"max_consecutive" toml:"max_consecutive"`
	// MaxChars skips continuation for long answers, which are usually
	// complete.
	MaxChars          int      `json:"max_chars" toml:"max_chars"`
	IntentPatterns    []string `json:"intent_patterns" toml:"intent_patterns"`
	ExclusionPatterns []string `json:"exclusion_patterns" toml:"exclusion_patterns"`
	Prompt            string   `json:"prompt" toml:"prompt"`
}

func DefaultAutoContinueConfig() AutoContinueConfig {
	return AutoContinueConfig{
		Enabled:        true,
		MaxConsecutive: 2,
		MaxChars:       500,
		IntentPatterns: []string{
			"Let me ", "I'll ", "I will ", "Now let me ", "Let's ",
			"Now I'll ", "I need to ", "First, let me ", "First let me ",
		},
		ExclusionPatterns: []string{"let me know", "i'll help", "let me explain", "i will help"},
		Prompt:            "Continue. Execute the action you described.",
	}
}

func (c AutoContinueConfig) withDefaults() AutoContinueConfig {
	d := DefaultAutoContinueConfig()
	if c.MaxConsecutive <= 0 {
		c.MaxConsecutive = d.MaxConsecutive
	}
	if c.MaxChars <= 0 {
		c.MaxChars = d.MaxChars
	}
	if c.IntentPatterns == nil {
		c.IntentPatterns = d.IntentPatterns
	}
	if c.ExclusionPatterns == nil {
		c.ExclusionPatterns = d.ExclusionPatterns
	}
	if c.Prompt == "" {
		c.Prompt = d.Prompt
	}
	return c
}

// shouldContinue reports whether text reads as an unfinished intent. done
// is the number of continuations already issued since the last tool
// round.
func (c AutoContinueConfig) shouldContinue(text string, done int) bool {
	if !c.Enabled || done >= c.MaxConsecutive {
		return false
	}
	text = strings.TrimSpace(text)
	if text == "" || len(text) >= c.MaxChars {
		return false
	}

	tail := strings.ToLower(lastSentence(text))
	for _, p := range c.ExclusionPatterns {
		if strings.Contains(tail, strings.ToLower(p)) {
			return false
		}
	}
	if strings.HasSuffix(text, ":") {
		return true
	}
	// tail keeps no trailing space, so "let me" at its very end still
	// counts against the pattern "Let me "
	tail += " "
	for _, p := range c.IntentPatterns {
		if strings.Contains(tail, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// lastSentence returns the final sentence of s, ignoring the trailing
// punctuation of the sentence itself.
func lastSentence(s string) string {
	s = strings.TrimRight(s, " .…!?\n")
	if i := strings.LastIndexAny(s, ".!?\n"); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

package contextmgr

import (
	"fmt"
	"strings"
	"time"

	"github.com/sipeed/picogate/pkg/providers"
)

const (
	defaultFlushSystemPrompt = "Pre-compaction memory flush. Session context is approaching limits. " +
		"Store any durable memories now (use memory/YYYY-MM-DD.md; create memory/ if needed). " +
		"IMPORTANT: If the file already exists, APPEND new content only — do not overwrite existing entries. " +
		"If nothing important needs to be stored, reply with NO_REPLY."
	defaultFlushUserPrompt = "Write any lasting notes or context to memory files before compaction. " +
		"Reply with NO_REPLY if nothing needs to be stored."
)

// FlushConfig controls the memory flush prompt.
type FlushConfig struct {
	Enabled bool `json:"enabled" toml:"enabled"`
	// SoftThresholdTokens fires the flush this many tokens before the
	// compaction threshold. Zero fires exactly at the threshold.
	SoftThresholdTokens int    `json:"soft_threshold_tokens" toml:"soft_threshold_tokens"`
	SystemPrompt        string `json:"system_prompt,omitempty" toml:"system_prompt"`
	UserPrompt          string `json:"user_prompt,omitempty" toml:"user_prompt"`
}

// DefaultFlushConfig enables the flush with the stock prompts.
func DefaultFlushConfig() FlushConfig {
	return FlushConfig{
		Enabled:      true,
		SystemPrompt: defaultFlushSystemPrompt,
		UserPrompt:   defaultFlushUserPrompt,
	}
}

// flushMessages builds the system and user turns of the flush prompt,
// stamped with the current time.
func (c FlushConfig) flushMessages(now time.Time) []providers.Message {
	system := c.SystemPrompt
	if system == "" {
		system = defaultFlushSystemPrompt
	}
	user := c.UserPrompt
	if user == "" {
		user = defaultFlushUserPrompt
	}
	date := now.Format("2006-01-02")
	return []providers.Message{
		{
			Role: providers.RoleSystem,
			Content: fmt.Sprintf("%s\nCurrent time: %s. Today's date: %s.",
				system, now.UTC().Format("15:04 UTC"), date),
		},
		{Role: providers.RoleUser, Content: strings.ReplaceAll(user, "YYYY-MM-DD", date)},
	}
}

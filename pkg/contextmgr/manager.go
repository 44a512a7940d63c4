package contextmgr

import (
	"context"
	"fmt"
	"time"

	"github.com/sipeed/picogate/pkg/logger"
	"github.com/sipeed/picogate/pkg/providers"
)

// Compaction strategies.
const (
	StrategySlidingWindow = "sliding_window"
	StrategySummarize     = "summarize"
	StrategyOff           = "off"
)

// Config tunes the manager.
type Config struct {
	// Threshold is the fraction of the window above which flush and
	// compaction run.
	Threshold   float64 `json:"threshold" toml:"threshold"`
	Strategy    string  `json:"strategy" toml:"strategy"`
	KeepInitial int     `json:"keep_initial" toml:"keep_initial"`
	KeepRecent  int     `json:"keep_recent" toml:"keep_recent"`
	// SummaryTarget is the fraction of the window the recent tail may
	// occupy after summarize compaction.
	SummaryTarget float64        `json:"summary_target" toml:"summary_target"`
	Windows       map[string]int `json:"windows,omitempty" toml:"windows"`
	MemoryFlush   FlushConfig    `json:"memory_flush" toml:"memory_flush"`
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		Threshold:     0.75,
		Strategy:      StrategySlidingWindow,
		KeepInitial:   5,
		KeepRecent:    20,
		SummaryTarget: 0.40,
		MemoryFlush:   DefaultFlushConfig(),
	}
}

// Summarizer runs a plain, tool-less completion for summarize compaction.
type Summarizer func(ctx context.Context, req *providers.Request) (*providers.Response, error)

// RequestState is the per-request memory of the manager.
type RequestState struct {
	Flushed bool
}

// Outcome reports what Prepare did.
type Outcome struct {
	Estimated int
	Window    int
	Flushed   bool
	Compacted bool
	// Removed is the number of messages taken out of the history.
	Removed      int
	BeforeCount  int
	AfterCount   int
	BeforeTokens int
	AfterTokens  int
}

// Summary describes a compaction for the client.
func (o Outcome) Summary() string {
	return fmt.Sprintf("Context compacted: %d → %d messages (~%dk → ~%dk tokens)",
		o.BeforeCount, o.AfterCount, o.BeforeTokens/1000, o.AfterTokens/1000)
}

// Manager applies Config to working requests. It holds no per-request
// state and is safe for concurrent use.
type Manager struct {
	cfg       Config
	summarize Summarizer
	now       func() time.Time
}

// NewManager creates a manager. summarize may be nil when the strategy is
// not StrategySummarize.
func NewManager(cfg Config, summarize Summarizer) *Manager {
	d := DefaultConfig()
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = d.Threshold
	}
	if cfg.Strategy == "" {
		cfg.Strategy = d.Strategy
	}
	if cfg.KeepInitial < 0 {
		cfg.KeepInitial = d.KeepInitial
	}
	if cfg.KeepRecent <= 0 {
		cfg.KeepRecent = d.KeepRecent
	}
	if cfg.SummaryTarget <= 0 || cfg.SummaryTarget >= 1 {
		cfg.SummaryTarget = d.SummaryTarget
	}
	return &Manager{cfg: cfg, summarize: summarize, now: time.Now}
}

// WithSummarizer returns a copy of m that summarizes through s.
func (m *Manager) WithSummarizer(s Summarizer) *Manager {
	c := *m
	c.summarize = s
	return &c
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// Prepare runs before every provider call. Above the threshold it injects
// the memory flush prompt once per request and then compacts req in place.
// A returned error means compaction failed; req is left uncompacted and
// the caller may proceed.
func (m *Manager) Prepare(ctx context.Context, req *providers.Request, st *RequestState) (Outcome, error) {
	window := WindowFor(req.Model, m.cfg.Windows)
	threshold := int(float64(window) * m.cfg.Threshold)
	out := Outcome{Estimated: EstimateTokens(req.Messages), Window: window}

	flushPoint := threshold - m.cfg.MemoryFlush.SoftThresholdTokens
	if m.cfg.MemoryFlush.Enabled && st != nil && !st.Flushed && out.Estimated > flushPoint {
		req.Messages = append(req.Messages, m.cfg.MemoryFlush.flushMessages(m.now())...)
		st.Flushed = true
		out.Flushed = true
		out.Estimated = EstimateTokens(req.Messages)
		logger.InfoCF("context", "Injected memory flush prompt", map[string]any{
			"estimated": out.Estimated,
			"window":    window,
		})
	}

	if out.Estimated <= threshold {
		return out, nil
	}

	out.BeforeCount = len(req.Messages)
	out.BeforeTokens = out.Estimated

	var (
		compacted []providers.Message
		err       error
	)
	switch m.cfg.Strategy {
	case StrategyOff:
		return out, nil
	case StrategySummarize:
		compacted, err = m.summarizeCompact(ctx, req, window)
	default:
		compacted = SlidingWindow(req.Messages, m.cfg.KeepInitial, m.cfg.KeepRecent)
	}
	if err != nil {
		logger.WarnCF("context", "Context compaction failed", map[string]any{"error": err.Error()})
		return out, err
	}
	if len(compacted) >= len(req.Messages) {
		return out, nil
	}

	req.Messages = compacted
	out.Compacted = true
	out.AfterCount = len(compacted)
	// both strategies replace the elided span with one message
	out.Removed = out.BeforeCount - out.AfterCount + 1
	out.AfterTokens = EstimateTokens(compacted)
	out.Estimated = out.AfterTokens
	logger.InfoCF("context", "Compacted context", map[string]any{
		"strategy": m.cfg.Strategy,
		"before":   out.BeforeCount,
		"after":    out.AfterCount,
		"tokens":   out.AfterTokens,
	})
	return out, nil
}

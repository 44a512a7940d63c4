// Package failover chooses among several configured providers and moves on
// to the next one when a call fails for a reason another provider could
// fix.
package failover

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sipeed/picogate/pkg/logger"
	"github.com/sipeed/picogate/pkg/providers"
)

// Selection strategies.
const (
	StrategyPriority      = "priority"
	StrategyRoundRobin    = "round-robin"
	StrategyCostOptimized = "cost-optimized"
)

// ProviderConfig is one entry of the failover list in the configuration.
type ProviderConfig struct {
	Name     string `json:"name,omitempty" toml:"name"`
	Provider string `json:"provider" toml:"provider"`
	Model    string `json:"model" toml:"model"`
	BaseURL  string `json:"base_url,omitempty" toml:"base_url"`
	// Priority orders candidates; lower is tried first.
	Priority          int     `json:"priority" toml:"priority"`
	InputCostPerMTok  float64 `json:"input_cost_per_mtok,omitempty" toml:"input_cost_per_mtok"`
	OutputCostPerMTok float64 `json:"output_cost_per_mtok,omitempty" toml:"output_cost_per_mtok"`
}

// Config enables failover.
type Config struct {
	Enabled   bool             `json:"enabled" toml:"enabled" env:"PICOGATE_FAILOVER_ENABLED"`
	Strategy  string           `json:"strategy" toml:"strategy" env:"PICOGATE_FAILOVER_STRATEGY"`
	Providers []ProviderConfig `json:"providers,omitempty" toml:"providers"`
}

// Candidate is a resolved provider ready to be called.
type Candidate struct {
	Name              string
	Provider          string
	Model             string
	BaseURL           string
	APIKey            string
	Priority          int
	InputCostPerMTok  float64
	OutputCostPerMTok float64
}

// Cost estimates the USD cost of a response from its token usage.
func (c Candidate) Cost(u *providers.Usage) float64 {
	if u == nil {
		return 0
	}
	return float64(u.PromptTokens)*c.InputCostPerMTok/1e6 + float64(u.CompletionTokens)*c.OutputCostPerMTok/1e6
}

// ResolveCandidates turns configured providers into candidates, filling
// base URLs and keys from the catalogue and lookup. Entries that cannot be
// resolved are skipped with a warning.
func ResolveCandidates(cfgs []ProviderConfig, lookup providers.SecretLookup) []Candidate {
	out := make([]Candidate, 0, len(cfgs))
	for _, pc := range cfgs {
		mc := providers.ResolveModelContext(pc.Provider, pc.Model, pc.BaseURL, lookup)
		if mc == nil {
			logger.WarnCF("failover", "Skipping failover provider without provider or model", map[string]any{
				"name": pc.Name, "provider": pc.Provider,
			})
			continue
		}
		name := pc.Name
		if name == "" {
			name = mc.Provider + "/" + mc.Model
		}
		out = append(out, Candidate{
			Name:              name,
			Provider:          mc.Provider,
			Model:             mc.Model,
			BaseURL:           mc.BaseURL,
			APIKey:            mc.APIKey,
			Priority:          pc.Priority,
			InputCostPerMTok:  pc.InputCostPerMTok,
			OutputCostPerMTok: pc.OutputCostPerMTok,
		})
	}
	return out
}

// Stats are the counters kept per candidate.
type Stats struct {
	Requests    uint64
	Failures    uint64
	CostUSD     float64
	LastFailure time.Time
}

func (s Stats) costPerSuccess() float64 {
	if s.Requests <= s.Failures {
		if s.Requests == 0 {
			return 0
		}
		return math.MaxFloat64
	}
	return s.CostUSD / float64(s.Requests-s.Failures)
}

// Manager selects candidates and tracks their health. It is safe for
// concurrent use.
type Manager struct {
	strategy   string
	candidates []Candidate

	mu    sync.Mutex
	next  int
	stats map[string]*Stats
}

// NewManager sorts candidates by priority. An unknown strategy falls back
// to priority.
func NewManager(strategy string, candidates []Candidate) *Manager {
	sorted := append([]Candidate(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	switch strategy {
	case StrategyPriority, StrategyRoundRobin, StrategyCostOptimized:
	default:
		if strategy != "" {
			logger.WarnCF("failover", "Unknown failover strategy, using priority", map[string]any{"strategy": strategy})
		}
		strategy = StrategyPriority
	}
	return &Manager{strategy: strategy, candidates: sorted, stats: make(map[string]*Stats)}
}

// Candidates returns the candidates in priority order.
func (m *Manager) Candidates() []Candidate {
	return append([]Candidate(nil), m.candidates...)
}

// Strategy returns the effective strategy.
func (m *Manager) Strategy() string { return m.strategy }

// Select returns the candidate the strategy picks first.
func (m *Manager) Select() (Candidate, bool) {
	i, ok := m.selectIndex()
	if !ok {
		return Candidate{}, false
	}
	return m.candidates[i], true
}

func (m *Manager) selectIndex() (int, bool) {
	if len(m.candidates) == 0 {
		return 0, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.strategy {
	case StrategyRoundRobin:
		i := m.next % len(m.candidates)
		m.next = (i + 1) % len(m.candidates)
		return i, true
	case StrategyCostOptimized:
		best, bestCost := 0, math.Inf(1)
		for i, c := range m.candidates {
			var s Stats
			if p := m.stats[c.Name]; p != nil {
				s = *p
			}
			if cost := s.costPerSuccess(); cost < bestCost {
				best, bestCost = i, cost
			}
		}
		return best, true
	default:
		return 0, true
	}
}

// RecordSuccess counts a successful request and its cost.
func (m *Manager) RecordSuccess(name string, costUSD float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.statsFor(name)
	s.Requests++
	s.CostUSD += costUSD
}

// RecordFailure counts a failed request.
func (m *Manager) RecordFailure(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.statsFor(name)
	s.Requests++
	s.Failures++
	s.LastFailure = time.Now()
}

// Stats returns a snapshot of name's counters.
func (m *Manager) Stats(name string) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.stats[name]; s != nil {
		return *s
	}
	return Stats{}
}

func (m *Manager) statsFor(name string) *Stats {
	s := m.stats[name]
	if s == nil {
		s = &Stats{}
		m.stats[name] = s
	}
	return s
}

// Attempt records one try of Execute.
type Attempt struct {
	Candidate Candidate
	Error     error
	Duration  time.Duration
}

// Result is a successful Execute.
type Result struct {
	Response  *providers.Response
	Candidate Candidate
	Attempts  []Attempt
}

// ExhaustedError means every candidate failed with a failover-eligible
// error.
type ExhaustedError struct {
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "failover: all %d providers failed:", len(e.Attempts))
	for i, a := range e.Attempts {
		fmt.Fprintf(&sb, "\n  [%d] %s: %v", i+1, a.Candidate.Name, a.Error)
	}
	return sb.String()
}

// Unwrap exposes the last attempt's error.
func (e *ExhaustedError) Unwrap() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1].Error
}

// Execute calls run on the selected candidate and, on a failover-eligible
// error, on each following candidate in priority order. A fatal error or
// cancellation stops immediately and is returned as is.
func (m *Manager) Execute(
	ctx context.Context,
	run func(ctx context.Context, c Candidate) (*providers.Response, error),
) (*Result, error) {
	first, ok := m.selectIndex()
	if !ok {
		return nil, errors.New("failover: no providers configured")
	}

	result := &Result{Attempts: make([]Attempt, 0, len(m.candidates))}
	for n := 0; n < len(m.candidates); n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c := m.candidates[(first+n)%len(m.candidates)]

		start := time.Now()
		resp, err := run(ctx, c)
		elapsed := time.Since(start)

		if err == nil {
			m.RecordSuccess(c.Name, c.Cost(resp.Usage))
			result.Response = resp
			result.Candidate = c
			return result, nil
		}

		m.RecordFailure(c.Name)
		result.Attempts = append(result.Attempts, Attempt{Candidate: c, Error: err, Duration: elapsed})
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !ShouldFailover(err) {
			return nil, err
		}
		logger.WarnCF("failover", "Provider failed, trying next", map[string]any{
			"provider": c.Name,
			"error":    err.Error(),
		})
	}
	return nil, &ExhaustedError{Attempts: result.Attempts}
}

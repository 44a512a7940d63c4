// Package ratelimit throttles websocket upgrades per client IP and tool
// executions per session. Each key gets its own token bucket; idle buckets
// are evicted so the tables stay bounded.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds rate limiting configuration.
type Config struct {
	Enabled bool `json:"enabled" toml:"enabled"`

	// ConnectionsPerMinute bounds websocket upgrades from one IP.
	ConnectionsPerMinute int `json:"connections_per_minute" toml:"connections_per_minute" env:"PICOGATE_CONNECTIONS_PER_MINUTE"`

	// Burst is the bucket size for connections. Defaults to ConnectionsPerMinute.
	Burst int `json:"burst" toml:"burst"`

	// ToolExecutionsPerMinute bounds tool executions within one session. Zero disables it.
	ToolExecutionsPerMinute int `json:"tool_executions_per_minute" toml:"tool_executions_per_minute"`

	// IdleTTL is how long an unused bucket is kept. Defaults to 10 minutes.
	IdleTTL time.Duration `json:"idle_ttl" toml:"idle_ttl"`
}

// DefaultConfig returns the default rate limit configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:                 true,
		ConnectionsPerMinute:    30,
		Burst:                   10,
		ToolExecutionsPerMinute: 120,
		IdleTTL:                 10 * time.Minute,
	}
}

type entry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per key and kind.
type Limiter struct {
	config Config

	mu    sync.Mutex
	conns map[string]*entry
	tools map[string]*entry

	now func() time.Time
}

// NewLimiter creates a Limiter for config.
func NewLimiter(config Config) *Limiter {
	if config.IdleTTL <= 0 {
		config.IdleTTL = 10 * time.Minute
	}
	if config.Burst <= 0 {
		config.Burst = config.ConnectionsPerMinute
	}
	return &Limiter{
		config: config,
		conns:  make(map[string]*entry),
		tools:  make(map[string]*entry),
		now:    time.Now,
	}
}

// perMinute converts n events per minute into a rate.Limit.
func perMinute(n int) rate.Limit {
	return rate.Limit(n) / 60
}

// AllowConnection reports whether ip may open another connection now.
func (l *Limiter) AllowConnection(ip string) bool {
	if l == nil || !l.config.Enabled || l.config.ConnectionsPerMinute <= 0 {
		return true
	}
	return l.allow(l.conns, ip, perMinute(l.config.ConnectionsPerMinute), l.config.Burst)
}

// AllowToolExecution reports whether session may run another tool now.
func (l *Limiter) AllowToolExecution(session string) bool {
	if l == nil || !l.config.Enabled || l.config.ToolExecutionsPerMinute <= 0 {
		return true
	}
	n := l.config.ToolExecutionsPerMinute
	return l.allow(l.tools, session, perMinute(n), n)
}

func (l *Limiter) allow(table map[string]*entry, key string, limit rate.Limit, burst int) bool {
	now := l.now()

	l.mu.Lock()
	e, ok := table[key]
	if !ok {
		e = &entry{lim: rate.NewLimiter(limit, burst)}
		table[key] = e
	}
	e.lastSeen = now
	l.mu.Unlock()

	return e.lim.AllowN(now, 1)
}

// Forget drops the tool bucket of a closed session.
func (l *Limiter) Forget(session string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.tools, session)
	l.mu.Unlock()
}

// Cleanup removes buckets unused for longer than the idle TTL.
func (l *Limiter) Cleanup() int {
	if l == nil {
		return 0
	}
	cutoff := l.now().Add(-l.config.IdleTTL)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for _, table := range []map[string]*entry{l.conns, l.tools} {
		for key, e := range table {
			if e.lastSeen.Before(cutoff) {
				delete(table, key)
				removed++
			}
		}
	}
	return removed
}

// Size returns the number of tracked buckets.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns) + len(l.tools)
}

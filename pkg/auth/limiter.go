package auth

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Limiter defaults.
const (
	DefaultMaxFailures   = 3
	DefaultFailureWindow = 60 * time.Second
	DefaultLockout       = 30 * time.Second
)

// attempt is the failure record of one client address.
type attempt struct {
	failures     int
	firstFailure time.Time
	lockoutUntil time.Time
}

// LimiterConfig tunes a Limiter. Zero fields take the defaults.
type LimiterConfig struct {
	MaxFailures   int
	FailureWindow time.Duration
	Lockout       time.Duration
	// Now replaces time.Now in tests.
	Now func() time.Time
}

// Limiter counts TOTP failures per client IP. Reaching MaxFailures within
// FailureWindow of the first failure locks the address out for Lockout.
// Records expire from the cache once both the window and any lockout have
// passed.
type Limiter struct {
	cfg   LimiterConfig
	mu    sync.Mutex
	cache *ttlcache.Cache[string, *attempt]
}

func NewLimiter(cfg LimiterConfig) *Limiter {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = DefaultFailureWindow
	}
	if cfg.Lockout <= 0 {
		cfg.Lockout = DefaultLockout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Limiter{
		cfg: cfg,
		cache: ttlcache.New[string, *attempt](
			ttlcache.WithDisableTouchOnHit[string, *attempt](),
		),
	}
}

// Start runs the cache's expiry loop until Stop is called. A nil Limiter
// never locks anyone out.
func (l *Limiter) Start() {
	if l != nil {
		l.cache.Start()
	}
}

func (l *Limiter) Stop() {
	if l != nil {
		l.cache.Stop()
	}
}

// Check reports whether ip is locked out and, if so, how long remains.
func (l *Limiter) Check(ip string) (time.Duration, bool) {
	if l == nil {
		return 0, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.get(ip)
	if rec == nil || rec.lockoutUntil.IsZero() {
		return 0, false
	}
	remaining := rec.lockoutUntil.Sub(l.cfg.Now())
	if remaining <= 0 {
		return 0, false
	}
	return remaining, true
}

// RecordFailure counts a failed attempt and reports whether it triggered a
// lockout. A record whose window has passed is restarted at one failure.
func (l *Limiter) RecordFailure(ip string) bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.cfg.Now()
	rec := l.get(ip)
	if rec == nil || now.Sub(rec.firstFailure) > l.cfg.FailureWindow {
		rec = &attempt{firstFailure: now}
	}
	rec.failures++

	locked := false
	if rec.failures >= l.cfg.MaxFailures {
		rec.lockoutUntil = now.Add(l.cfg.Lockout)
		locked = true
	}

	expiry := rec.firstFailure.Add(l.cfg.FailureWindow)
	if rec.lockoutUntil.After(expiry) {
		expiry = rec.lockoutUntil
	}
	ttl := expiry.Sub(now)
	if ttl <= 0 {
		ttl = time.Second
	}
	l.cache.Set(ip, rec, ttl)
	return locked
}

// Failures returns the failure count within the current window.
func (l *Limiter) Failures(ip string) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec := l.get(ip); rec != nil {
		return rec.failures
	}
	return 0
}

// Clear forgets ip after a successful authentication.
func (l *Limiter) Clear(ip string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache.Delete(ip)
}

// get returns the live record for ip, dropping it when both its window and
// its lockout have lapsed on the injected clock. Callers hold mu.
func (l *Limiter) get(ip string) *attempt {
	item := l.cache.Get(ip)
	if item == nil {
		return nil
	}
	rec := item.Value()
	now := l.cfg.Now()
	if now.Sub(rec.firstFailure) > l.cfg.FailureWindow && !now.Before(rec.lockoutUntil) {
		l.cache.Delete(ip)
		return nil
	}
	return rec
}

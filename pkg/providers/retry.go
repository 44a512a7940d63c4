package providers

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"time"

	"github.com/sipeed/picogate/pkg/logger"
)

// RetryPolicy bounds HTTP-layer retries of one provider call.
type RetryPolicy struct {
	Attempts  int
	Backoffs  []time.Duration
	MaxJitter time.Duration
	// MaxRetryAfter caps how long a server-supplied Retry-After is honored.
	MaxRetryAfter time.Duration
	Sleep         func(context.Context, time.Duration) error
}

// DefaultRetryPolicy retries transient failures twice.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:      3,
		Backoffs:      []time.Duration{time.Second, 3 * time.Second},
		MaxJitter:     250 * time.Millisecond,
		MaxRetryAfter: 30 * time.Second,
	}
}

// IsTransient reports whether err is worth retrying against the same
// provider: 429, 5xx and network timeouts.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// DoWithRetry runs fn until it succeeds, fails permanently, or the policy
// is exhausted. Once emitted reports true (output already reached the
// client) no further attempt is made.
func DoWithRetry[T any](ctx context.Context, policy RetryPolicy, emitted func() bool, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	attempts := policy.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := policy.Sleep
	if sleep == nil {
		sleep = sleepWithCtx
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		lastErr = err

		if attempt == attempts-1 || !IsTransient(err) {
			break
		}
		if emitted != nil && emitted() {
			break
		}

		delay := policy.delay(attempt, err)
		logger.WarnCF("provider", "Transient provider error, retrying", map[string]any{
			"attempt": attempt + 1,
			"delay":   delay.String(),
			"error":   err.Error(),
		})
		if err := sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
	return zero, lastErr
}

func (p RetryPolicy) delay(attempt int, err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		if p.MaxRetryAfter > 0 && apiErr.RetryAfter > p.MaxRetryAfter {
			return p.MaxRetryAfter
		}
		return apiErr.RetryAfter
	}
	if attempt >= len(p.Backoffs) {
		if len(p.Backoffs) == 0 {
			return 0
		}
		attempt = len(p.Backoffs) - 1
	}
	d := p.Backoffs[attempt]
	if p.MaxJitter > 0 {
		//nolint:gosec // jitter only
		d += time.Duration(rand.Int63n(int64(p.MaxJitter) + 1))
	}
	return d
}

func sleepWithCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

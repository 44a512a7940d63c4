package failover

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/sipeed/picogate/pkg/providers"
)

var fatalMarkers = []string{
	"unauthorized",
	"forbidden",
	"invalid api key",
	"authentication failed",
	"auth failed",
	"token exchange failed",
	"bad request",
	"invalid request",
	"validation error",
}

// Status codes only count as whole numbers, so ports and byte counts
// such as ":4003" never match.
var (
	fatalStatus    = regexp.MustCompile(`\b(400|401|403)\b`)
	eligibleStatus = regexp.MustCompile(`\b(429|500|502|503|504)\b`)
)

// eligibleMarkers only document the known transient cases; anything not
// fatal fails over anyway.
var eligibleMarkers = []string{
	"rate limit",
	"timeout",
	"connection",
	"server error",
}

type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks err so Execute returns it without trying another
// candidate. Callers use it once output has reached the client.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// ShouldFailover reports whether err is worth retrying on another
// provider. Caller-side defects (auth, malformed request) are fatal;
// rate limits, timeouts, 5xx and unrecognized errors are not.
func ShouldFailover(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var fe *fatalError
	if errors.As(err, &fe) {
		return false
	}
	if errors.Is(err, providers.ErrCopilotSessionExpired) || errors.Is(err, providers.ErrNoCredentials) {
		return false
	}

	var apiErr *providers.APIError
	if errors.As(err, &apiErr) && apiErr.Status != 0 {
		switch apiErr.Status {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusBadRequest:
			return false
		case http.StatusTooManyRequests:
			return true
		}
		if apiErr.Status >= 500 {
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	if fatalStatus.MatchString(msg) {
		return false
	}
	for _, m := range fatalMarkers {
		if strings.Contains(msg, m) {
			return false
		}
	}
	if eligibleStatus.MatchString(msg) {
		return true
	}
	for _, m := range eligibleMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return true
}

package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go/v3"
	"google.golang.org/genai"
)

// ErrCopilotSessionExpired is returned when an imported Copilot session
// token has expired and no OAuth token is available to exchange again.
var ErrCopilotSessionExpired = errors.New("Copilot session token has expired")

// ErrNoCredentials is returned when a provider that needs a key has none.
var ErrNoCredentials = errors.New("no API key configured")

// APIError is an upstream HTTP failure with its status code.
type APIError struct {
	Provider string
	Status   int
	Message  string
	// RetryAfter is the server's Retry-After hint, zero when absent.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s API error: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s API error (status=%d): %s", e.Provider, e.Status, e.Message)
}

// Temporary reports whether the status is worth retrying.
func (e *APIError) Temporary() bool {
	return e.Status == 429 || e.Status >= 500
}

// wrapSDKError converts the error types of the three SDKs into *APIError
// and leaves transport errors wrapped as they are.
func wrapSDKError(provider string, err error) error {
	if err == nil {
		return nil
	}
	var done *APIError
	if errors.As(err, &done) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var oErr *openai.Error
	if errors.As(err, &oErr) {
		msg := strings.TrimSpace(oErr.Message)
		if msg == "" {
			msg = http.StatusText(oErr.StatusCode)
		}
		return &APIError{Provider: provider, Status: oErr.StatusCode, Message: msg, RetryAfter: retryAfterHeader(oErr.Response)}
	}

	var aErr *anthropic.Error
	if errors.As(err, &aErr) {
		return &APIError{
			Provider:   provider,
			Status:     aErr.StatusCode,
			Message:    strings.TrimSpace(aErr.Error()),
			RetryAfter: retryAfterHeader(aErr.Response),
		}
	}

	var gErr genai.APIError
	if errors.As(err, &gErr) {
		return &APIError{Provider: provider, Status: gErr.Code, Message: strings.TrimSpace(gErr.Message)}
	}

	return fmt.Errorf("%s request failed: %w", provider, err)
}

func retryAfterHeader(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	return parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	for _, layout := range []string{time.RFC1123, time.RFC1123Z, time.RFC850, time.ANSIC} {
		if t, err := time.Parse(layout, value); err == nil {
			if d := t.Sub(now); d > 0 {
				return d
			}
			return 0
		}
	}
	return 0
}

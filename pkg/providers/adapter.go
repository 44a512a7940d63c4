package providers

import (
	"net/http"
	"time"
)

// AdapterOptions are shared by all adapter families.
type AdapterOptions struct {
	// HTTPClient overrides the SDK default client. Tests point it at
	// httptest servers.
	HTTPClient *http.Client
	Retry      RetryPolicy
	// MaxTokens is the completion cap used when a request sets none.
	MaxTokens int
	// ThinkingBudget enables extended thinking on Anthropic models.
	ThinkingBudget int
}

func (o AdapterOptions) withDefaults() AdapterOptions {
	if o.Retry.Attempts == 0 {
		o.Retry = DefaultRetryPolicy()
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = defaultMaxTokens
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 300 * time.Second}
	}
	return o
}

// Adapters holds one adapter per family.
type Adapters struct {
	openai    Adapter
	anthropic Adapter
	google    Adapter
}

// NewAdapters builds the three SDK-backed adapters.
func NewAdapters(opts AdapterOptions) *Adapters {
	return &Adapters{
		openai:    NewOpenAIAdapter(opts),
		anthropic: NewAnthropicAdapter(opts),
		google:    NewGoogleAdapter(opts),
	}
}

// StaticAdapters routes every family to a. Used by tests and single-backend
// deployments.
func StaticAdapters(a Adapter) *Adapters {
	return &Adapters{openai: a, anthropic: a, google: a}
}

// For returns the adapter serving provider.
func (a *Adapters) For(provider string) Adapter {
	switch FamilyFor(provider) {
	case FamilyAnthropic:
		return a.anthropic
	case FamilyGoogle:
		return a.google
	default:
		return a.openai
	}
}

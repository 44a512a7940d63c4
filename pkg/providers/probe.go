package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go/v3"
	openaiopt "github.com/openai/openai-go/v3/option"
	"google.golang.org/genai"
)

// ProbeKind classifies the outcome of a connection probe.
type ProbeKind int

const (
	// ProbeReady means the endpoint answered 2xx.
	ProbeReady ProbeKind = iota
	// ProbeConnected means the server answered but rejected the probe
	// request itself (400, 404, 422). Chat may still work.
	ProbeConnected
	ProbeAuthError
	ProbeUnreachable
)

// ProbeResult is the outcome of Probe. Detail is empty for ProbeReady.
type ProbeResult struct {
	Kind   ProbeKind
	Detail string
}

// Probe checks that mc's endpoint is reachable and accepts its
// credentials, using the cheapest request each family offers: a 1-token
// message for Anthropic, the model metadata for Google and the model list
// for OpenAI-compatible servers.
func Probe(ctx context.Context, client *http.Client, mc ModelContext, tokens *TokenResolver) ProbeResult {
	if client == nil {
		client = http.DefaultClient
	}
	if tokens == nil {
		tokens = NewTokenResolver(client)
	}
	key, err := tokens.Resolve(ctx, mc.Provider, mc.APIKey)
	if err != nil {
		return ProbeResult{Kind: ProbeAuthError, Detail: fmt.Sprintf("Token exchange failed: %v", err)}
	}

	switch FamilyFor(mc.Provider) {
	case FamilyAnthropic:
		err = probeAnthropic(ctx, client, mc, key)
	case FamilyGoogle:
		err = probeGoogle(ctx, client, mc, key)
	default:
		err = probeOpenAI(ctx, client, mc, key)
	}
	return classifyProbe(wrapSDKError(mc.Provider, err))
}

func classifyProbe(err error) ProbeResult {
	if err == nil {
		return ProbeResult{Kind: ProbeReady}
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status == 0 {
		return ProbeResult{Kind: ProbeUnreachable, Detail: err.Error()}
	}
	detail := fmt.Sprintf("%d %s — %s", apiErr.Status, http.StatusText(apiErr.Status), apiErr.Message)
	switch {
	case apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden:
		return ProbeResult{Kind: ProbeAuthError, Detail: detail}
	case apiErr.Status >= 400 && apiErr.Status < 500:
		return ProbeResult{Kind: ProbeConnected, Detail: detail}
	default:
		return ProbeResult{Kind: ProbeUnreachable, Detail: detail}
	}
}

func probeAnthropic(ctx context.Context, client *http.Client, mc ModelContext, key string) error {
	c := anthropic.NewClient(
		anthropicopt.WithBaseURL(normalizeAnthropicBaseURL(mc.BaseURL)),
		anthropicopt.WithAPIKey(key),
		anthropicopt.WithHTTPClient(client),
		anthropicopt.WithMaxRetries(1),
	)
	_, err := c.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(mc.Model),
		MaxTokens: 1,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock("Hi"))},
	})
	return err
}

func probeGoogle(ctx context.Context, client *http.Client, mc ModelContext, key string) error {
	baseURL, apiVersion := splitAPIVersion(mc.BaseURL)
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      key,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  client,
		HTTPOptions: genai.HTTPOptions{BaseURL: baseURL, APIVersion: apiVersion},
	})
	if err != nil {
		return err
	}
	_, err = c.Models.Get(ctx, normalizeGoogleModel(mc.Model), nil)
	return err
}

func probeOpenAI(ctx context.Context, client *http.Client, mc ModelContext, key string) error {
	if strings.TrimSpace(mc.BaseURL) == "" {
		return errors.New("no base URL configured")
	}
	opts := []openaiopt.RequestOption{
		openaiopt.WithBaseURL(strings.TrimRight(mc.BaseURL, "/")),
		openaiopt.WithHTTPClient(client),
		openaiopt.WithMaxRetries(1),
	}
	if key != "" {
		opts = append(opts, openaiopt.WithAPIKey(key))
	}
	if NeedsCopilotSession(mc.Provider) {
		for k, v := range CopilotHeaders(nil) {
			opts = append(opts, openaiopt.WithHeader(k, v))
		}
	}
	c := openai.NewClient(opts...)
	_, err := c.Models.List(ctx)
	return err
}

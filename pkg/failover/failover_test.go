package failover

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/picogate/pkg/providers"
)

func threeCandidates() []Candidate {
	return []Candidate{
		{Name: "c", Provider: "groq", Model: "m", Priority: 3},
		{Name: "a", Provider: "openai", Model: "m", Priority: 1},
		{Name: "b", Provider: "anthropic", Model: "m", Priority: 2},
	}
}

func TestShouldFailover(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{errors.New("HTTP 401 Unauthorized"), false},
		{errors.New("Invalid API key provided"), false},
		{errors.New("403 forbidden"), false},
		{errors.New("400 Bad Request: messages required"), false},
		{errors.New("Token exchange failed: boom"), false},
		{errors.New("503 service unavailable"), true},
		{errors.New("request timeout"), true},
		{errors.New("Rate limit exceeded"), true},
		{errors.New("connection refused"), true},
		{errors.New("dial tcp 127.0.0.1:4003: connection refused"), true},
		{errors.New("read 4001 bytes: unexpected EOF"), true},
		{Fatal(errors.New("503 service unavailable")), false},
		{errors.New("something odd happened"), true},
		{&providers.APIError{Provider: "openai", Status: 401, Message: "nope"}, false},
		{&providers.APIError{Provider: "openai", Status: 429, Message: "slow down"}, true},
		{&providers.APIError{Provider: "openai", Status: 502, Message: "bad gateway"}, true},
		{fmt.Errorf("wrapped: %w", context.Canceled), false},
		{providers.ErrCopilotSessionExpired, false},
		{nil, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ShouldFailover(tt.err), "%v", tt.err)
	}
}

func TestSelect_Priority(t *testing.T) {
	m := NewManager(StrategyPriority, threeCandidates())
	for range 3 {
		c, ok := m.Select()
		require.True(t, ok)
		assert.Equal(t, "a", c.Name)
	}
}

func TestSelect_RoundRobin(t *testing.T) {
	m := NewManager(StrategyRoundRobin, threeCandidates())
	var got []string
	for range 4 {
		c, _ := m.Select()
		got = append(got, c.Name)
	}
	assert.Equal(t, []string{"a", "b", "c", "a"}, got)
}

func TestSelect_CostOptimized(t *testing.T) {
	m := NewManager(StrategyCostOptimized, threeCandidates())
	m.RecordSuccess("a", 0.50)
	m.RecordSuccess("b", 0.10)
	m.RecordSuccess("c", 0.20)

	c, _ := m.Select()
	assert.Equal(t, "b", c.Name)

	// providers that only ever failed sort last
	m.RecordFailure("b")
	m.RecordFailure("b")
	c, _ = m.Select()
	assert.Equal(t, "b", c.Name, "one success left keeps b cheapest")

	m2 := NewManager(StrategyCostOptimized, threeCandidates())
	m2.RecordSuccess("a", 0.50)
	m2.RecordSuccess("c", 0.20)
	m2.RecordFailure("b")
	c, _ = m2.Select()
	assert.Equal(t, "c", c.Name)
}

func TestSelect_UnknownStrategyFallsBack(t *testing.T) {
	m := NewManager("fastest", threeCandidates())
	assert.Equal(t, StrategyPriority, m.Strategy())
	c, _ := m.Select()
	assert.Equal(t, "a", c.Name)
}

func TestSelect_Empty(t *testing.T) {
	_, ok := NewManager(StrategyPriority, nil).Select()
	assert.False(t, ok)
}

func TestStats(t *testing.T) {
	m := NewManager(StrategyPriority, threeCandidates())
	m.RecordSuccess("a", 0.25)
	m.RecordFailure("a")
	s := m.Stats("a")
	assert.Equal(t, uint64(2), s.Requests)
	assert.Equal(t, uint64(1), s.Failures)
	assert.InDelta(t, 0.25, s.CostUSD, 1e-9)
	assert.False(t, s.LastFailure.IsZero())
	assert.Equal(t, Stats{}, m.Stats("missing"))
}

func TestExecute_FailsOverOnTransient(t *testing.T) {
	m := NewManager(StrategyPriority, threeCandidates())
	var tried []string
	res, err := m.Execute(t.Context(), func(_ context.Context, c Candidate) (*providers.Response, error) {
		tried = append(tried, c.Name)
		if c.Name == "a" {
			return nil, &providers.APIError{Provider: c.Provider, Status: 503, Message: "overloaded"}
		}
		return &providers.Response{Text: "hi from " + c.Name}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, tried)
	assert.Equal(t, "b", res.Candidate.Name)
	assert.Equal(t, "hi from b", res.Response.Text)
	require.Len(t, res.Attempts, 1)
	assert.Equal(t, uint64(1), m.Stats("a").Failures)
	assert.Equal(t, uint64(1), m.Stats("b").Requests)
}

func TestExecute_StopsOnFatal(t *testing.T) {
	m := NewManager(StrategyPriority, threeCandidates())
	calls := 0
	_, err := m.Execute(t.Context(), func(_ context.Context, c Candidate) (*providers.Response, error) {
		calls++
		return nil, errors.New("401 unauthorized")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	var ex *ExhaustedError
	assert.False(t, errors.As(err, &ex))
}

func TestExecute_StopsOnMarkedFatal(t *testing.T) {
	m := NewManager(StrategyPriority, threeCandidates())
	var tried []string
	cause := &providers.APIError{Provider: "openai", Status: 503, Message: "overloaded"}
	_, err := m.Execute(t.Context(), func(_ context.Context, c Candidate) (*providers.Response, error) {
		tried = append(tried, c.Name)
		return nil, Fatal(cause)
	})
	require.Error(t, err)
	assert.Equal(t, []string{"a"}, tried)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "openai API error (status=503): overloaded", err.Error())
	assert.Equal(t, uint64(1), m.Stats("a").Failures)
}

func TestFatal_Nil(t *testing.T) {
	assert.NoError(t, Fatal(nil))
}

func TestExecute_Exhausted(t *testing.T) {
	m := NewManager(StrategyRoundRobin, threeCandidates())
	m.Select() // advance so Execute starts at b

	var tried []string
	_, err := m.Execute(t.Context(), func(_ context.Context, c Candidate) (*providers.Response, error) {
		tried = append(tried, c.Name)
		return nil, errors.New("connection reset")
	})
	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Len(t, ex.Attempts, 3)
	assert.Equal(t, []string{"b", "c", "a"}, tried)
	assert.Contains(t, err.Error(), "all 3 providers failed")
}

func TestExecute_CostRecorded(t *testing.T) {
	m := NewManager(StrategyPriority, []Candidate{{Name: "a", InputCostPerMTok: 3, OutputCostPerMTok: 15}})
	_, err := m.Execute(t.Context(), func(context.Context, Candidate) (*providers.Response, error) {
		return &providers.Response{Usage: &providers.Usage{PromptTokens: 1_000_000, CompletionTokens: 100_000}}, nil
	})
	require.NoError(t, err)
	assert.InDelta(t, 4.5, m.Stats("a").CostUSD, 1e-9)
}

func TestResolveCandidates(t *testing.T) {
	lookup := func(name string) (string, bool) {
		if name == "ANTHROPIC_API_KEY" {
			return "sk-ant", true
		}
		return "", false
	}
	cands := ResolveCandidates([]ProviderConfig{
		{Provider: "anthropic", Model: "claude-sonnet-4", Priority: 1},
		{Name: "local", Provider: "ollama", Model: "llama3", Priority: 2},
		{Provider: "", Model: ""},
	}, lookup)
	require.Len(t, cands, 2)
	assert.Equal(t, "anthropic/claude-sonnet-4", cands[0].Name)
	assert.Equal(t, "sk-ant", cands[0].APIKey)
	assert.Equal(t, "local", cands[1].Name)
	assert.NotEmpty(t, cands[1].BaseURL)
}

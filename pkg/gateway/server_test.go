package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/picogate/pkg/agent"
	"github.com/sipeed/picogate/pkg/auth"
	"github.com/sipeed/picogate/pkg/config"
	"github.com/sipeed/picogate/pkg/protocol"
	"github.com/sipeed/picogate/pkg/providers"
	"github.com/sipeed/picogate/pkg/ratelimit"
	"github.com/sipeed/picogate/pkg/vault"
)

// stubAdapter answers every call with respond.
type stubAdapter struct {
	mu       sync.Mutex
	requests []*providers.Request
	respond  func(ctx context.Context, req *providers.Request) (*providers.Response, error)
}

func (a *stubAdapter) Family() providers.Family { return providers.FamilyOpenAI }
func (a *stubAdapter) Streams() bool            { return false }

func (a *stubAdapter) Call(ctx context.Context, req *providers.Request, _ providers.Sink) (*providers.Response, error) {
	a.mu.Lock()
	a.requests = append(a.requests, req.Clone())
	a.mu.Unlock()
	if a.respond != nil {
		return a.respond(ctx, req)
	}
	return &providers.Response{Text: "hello there", FinishReason: providers.FinishStop}, nil
}

func (a *stubAdapter) AppendRound(msgs []providers.Message, resp *providers.Response, results []providers.ToolResult) []providers.Message {
	return append(msgs, providers.Message{Role: providers.RoleAssistant, Content: resp.Text, ToolCalls: resp.ToolCalls})
}

func (a *stubAdapter) lastRequest() *providers.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.requests) == 0 {
		return nil
	}
	return a.requests[len(a.requests)-1]
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.SettingsDir = t.TempDir()
	cfg.Gateway.Workspace = t.TempDir()
	cfg.Model = config.ModelConfig{Provider: "openai", Model: "gpt-4o"}
	return cfg
}

func readyProbe(context.Context, providers.ModelContext) providers.ProbeResult {
	return providers.ProbeResult{Kind: providers.ProbeReady}
}

// startServer runs a Server behind httptest and returns its websocket URL.
func startServer(t *testing.T, adapter *stubAdapter, mutate func(*Options)) (*Server, string) {
	t.Helper()
	t.Setenv("OPENAI_API_KEY", "sk-test")
	if adapter == nil {
		adapter = &stubAdapter{}
	}
	opts := Options{
		Config: testConfig(t),
		Engine: agent.NewEngine(agent.DefaultConfig(), agent.Options{Adapters: providers.StaticAdapters(adapter)}),
		Probe:  readyProbe,
	}
	if mutate != nil {
		mutate(&opts)
	}
	srv := NewServer(opts)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		ts.Close()
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

type testClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func dial(t *testing.T, url string) *testClient {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return &testClient{t: t, ws: ws}
}

func (c *testClient) send(f protocol.ClientFrame) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteMessage(websocket.BinaryMessage, protocol.EncodeClient(f)))
}

func (c *testClient) recv() protocol.ServerFrame {
	c.t.Helper()
	c.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	mt, data, err := c.ws.ReadMessage()
	require.NoError(c.t, err)
	require.Equal(c.t, websocket.BinaryMessage, mt)
	f, err := protocol.DecodeServer(data)
	require.NoError(c.t, err)
	return f
}

// until reads frames up to and including the first one of type ft.
func (c *testClient) until(ft protocol.ServerFrameType) []protocol.ServerFrame {
	c.t.Helper()
	var frames []protocol.ServerFrame
	for {
		f := c.recv()
		frames = append(frames, f)
		if f.ServerType() == ft {
			return frames
		}
	}
}

// ready consumes the greeting through the final model status.
func (c *testClient) ready() {
	c.t.Helper()
	for {
		f := c.recv()
		st, ok := f.(*protocol.Status)
		if !ok {
			continue
		}
		switch st.Status {
		case protocol.StatusModelReady, protocol.StatusModelError, protocol.StatusNoModel:
			return
		}
	}
}

func TestHealth(t *testing.T) {
	srv, _ := startServer(t, nil, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStatus(t *testing.T) {
	srv, url := startServer(t, nil, nil)
	c := dial(t, url)
	c.ready()

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "openai", body["provider"])
	assert.Equal(t, "gpt-4o", body["model"])
	assert.EqualValues(t, 1, body["total_connections"])
	assert.EqualValues(t, 1, body["active_connections"])
	assert.Equal(t, false, body["vault_locked"])
}

func TestHelloSequence(t *testing.T) {
	_, url := startServer(t, nil, nil)
	c := dial(t, url)

	hello, ok := c.recv().(*protocol.Hello)
	require.True(t, ok)
	assert.Equal(t, AgentName, hello.Agent)
	assert.Equal(t, "openai", hello.Provider)
	assert.Equal(t, "gpt-4o", hello.Model)
	assert.False(t, hello.VaultLocked)

	var kinds []protocol.StatusType
	var details []string
	for range 4 {
		st, ok := c.recv().(*protocol.Status)
		require.True(t, ok)
		kinds, details = append(kinds, st.Status), append(details, st.Detail)
	}

	assert.Equal(t, []protocol.StatusType{
		protocol.StatusModelConfigured,
		protocol.StatusCredentialsLoaded,
		protocol.StatusModelConnecting,
		protocol.StatusModelReady,
	}, kinds)
	assert.Equal(t, "OpenAI (GPT / o-series) / gpt-4o", details[0])
	assert.Equal(t, "Probing https://api.openai.com/v1 …", details[2])
	assert.Equal(t, "OpenAI (GPT / o-series) / gpt-4o ready", details[3])
}

func TestHello_NoModel(t *testing.T) {
	_, url := startServer(t, nil, func(o *Options) {
		o.Config.Model = config.ModelConfig{}
	})
	c := dial(t, url)

	_, ok := c.recv().(*protocol.Hello)
	require.True(t, ok)
	st, ok := c.recv().(*protocol.Status)
	require.True(t, ok)
	assert.Equal(t, protocol.StatusNoModel, st.Status)
}

func TestHello_ProbeFailure(t *testing.T) {
	_, url := startServer(t, nil, func(o *Options) {
		o.Probe = func(context.Context, providers.ModelContext) providers.ProbeResult {
			return providers.ProbeResult{Kind: providers.ProbeAuthError, Detail: "401 invalid key"}
		}
	})
	c := dial(t, url)

	for {
		st, ok := c.recv().(*protocol.Status)
		if !ok {
			continue
		}
		require.NotEqual(t, protocol.StatusModelReady, st.Status)
		if st.Status == protocol.StatusModelError {
			assert.Equal(t, "OpenAI (GPT / o-series) auth failed: 401 invalid key", st.Detail)
			return
		}
	}
}

func TestConnectionRateLimit(t *testing.T) {
	_, url := startServer(t, nil, func(o *Options) {
		o.Limiter = ratelimit.NewLimiter(ratelimit.Config{Enabled: true, ConnectionsPerMinute: 1, Burst: 1})
	})
	dial(t, url)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestProtocolErrors(t *testing.T) {
	_, url := startServer(t, nil, nil)
	c := dial(t, url)
	c.ready()

	require.NoError(t, c.ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"chat"}`)))
	e, ok := c.recv().(*protocol.ErrorFrame)
	require.True(t, ok)
	assert.Equal(t, "Protocol error: text frames are not supported", e.Message)

	require.NoError(t, c.ws.WriteMessage(websocket.BinaryMessage, []byte{200}))
	e, ok = c.recv().(*protocol.ErrorFrame)
	require.True(t, ok)
	assert.Equal(t, "Protocol error: unknown frame tag 200", e.Message)

	c.send(&protocol.AuthResponse{Code: "123456"})
	e, ok = c.recv().(*protocol.ErrorFrame)
	require.True(t, ok)
	assert.Equal(t, "Already authenticated", e.Message)
}

func TestProtocolErrorWaitsForResponse(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	adapter := &stubAdapter{respond: func(context.Context, *providers.Request) (*providers.Response, error) {
		close(started)
		<-release
		return &providers.Response{Text: "done", FinishReason: providers.FinishStop}, nil
	}}
	srv, url := startServer(t, adapter, nil)
	c := dial(t, url)
	c.ready()

	c.send(&protocol.Chat{Messages: []protocol.ChatMessage{{Role: "user", Content: "hi"}}})
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("provider was not called")
	}

	seen := srv.totalFrames.Load()
	require.NoError(t, c.ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"chat"}`)))
	require.Eventually(t, func() bool { return srv.totalFrames.Load() == seen+1 }, 5*time.Second, 10*time.Millisecond)
	close(release)

	frames := c.until(protocol.ServerResponseDone)
	for _, f := range frames {
		assert.NotEqual(t, protocol.ServerError, f.ServerType(), "error interleaved with response")
	}
	e, ok := c.recv().(*protocol.ErrorFrame)
	require.True(t, ok)
	assert.Equal(t, "Protocol error: text frames are not supported", e.Message)
}

func TestChatRoundTrip(t *testing.T) {
	adapter := &stubAdapter{}
	_, url := startServer(t, adapter, nil)
	c := dial(t, url)
	c.ready()

	c.send(&protocol.Chat{Messages: []protocol.ChatMessage{{Role: "user", Content: "hi"}}})
	frames := c.until(protocol.ServerResponseDone)

	require.Len(t, frames, 3)
	assert.IsType(t, &protocol.StreamStart{}, frames[0])
	assert.Equal(t, "hello there", frames[1].(*protocol.Chunk).Delta)
	assert.True(t, frames[2].(*protocol.ResponseDone).OK)

	req := adapter.lastRequest()
	require.NotNil(t, req)
	assert.Equal(t, "openai", req.Provider)
	assert.Equal(t, "gpt-4o", req.Model)
	assert.Equal(t, "sk-test", req.APIKey)
	assert.Equal(t, "hi", req.Messages[0].Content)
}

func TestChat_ClientOverride(t *testing.T) {
	adapter := &stubAdapter{}
	_, url := startServer(t, adapter, nil)
	c := dial(t, url)
	c.ready()

	c.send(&protocol.Chat{
		Messages: []protocol.ChatMessage{{Role: "user", Content: "hi"}},
		Provider: "ollama",
		Model:    "llama3",
	})
	c.until(protocol.ServerResponseDone)

	req := adapter.lastRequest()
	require.NotNil(t, req)
	assert.Equal(t, "ollama", req.Provider)
	assert.Equal(t, "http://localhost:11434/v1", req.BaseURL)
	assert.Empty(t, req.APIKey, "the configured key must not leak to another provider")
}

func TestChat_NoModel(t *testing.T) {
	_, url := startServer(t, nil, func(o *Options) {
		o.Config.Model = config.ModelConfig{}
	})
	c := dial(t, url)
	c.ready()

	c.send(&protocol.Chat{Messages: []protocol.ChatMessage{{Role: "user", Content: "hi"}}})
	frames := c.until(protocol.ServerResponseDone)

	require.Len(t, frames, 2)
	assert.Equal(t, "No provider specified and gateway has no model configured", frames[0].(*protocol.ErrorFrame).Message)
	assert.False(t, frames[1].(*protocol.ResponseDone).OK)
}

func TestChat_Cancel(t *testing.T) {
	started := make(chan struct{})
	adapter := &stubAdapter{respond: func(ctx context.Context, _ *providers.Request) (*providers.Response, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	_, url := startServer(t, adapter, nil)
	c := dial(t, url)
	c.ready()

	c.send(&protocol.Chat{Messages: []protocol.ChatMessage{{Role: "user", Content: "hi"}}})
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("provider was not called")
	}
	c.send(&protocol.Cancel{})

	frames := c.until(protocol.ServerResponseDone)
	require.GreaterOrEqual(t, len(frames), 2)
	info, ok := frames[len(frames)-2].(*protocol.Info)
	require.True(t, ok)
	assert.Equal(t, "Tool loop cancelled by user.", info.Message)
	assert.True(t, frames[len(frames)-1].(*protocol.ResponseDone).OK)

	// The connection stays usable.
	c.send(&protocol.SecretsHasTotp{})
	_, ok = c.recv().(*protocol.SecretsHasTotpResult)
	assert.True(t, ok)
}

func newTestVault(t *testing.T) *vault.FileVault {
	t.Helper()
	return vault.NewFileVault(filepath.Join(t.TempDir(), "vault.json"), vault.Options{
		KDF: &vault.KDFParams{Time: 1, MemoryKiB: 1024, Threads: 1},
	})
}

func TestVault_UnlockAndSecrets(t *testing.T) {
	v := newTestVault(t)
	_, url := startServer(t, nil, func(o *Options) { o.Vault = v })
	c := dial(t, url)

	hello := c.recv().(*protocol.Hello)
	assert.True(t, hello.VaultLocked)
	st := c.recv().(*protocol.Status)
	assert.Equal(t, protocol.StatusVaultLocked, st.Status)
	c.ready()

	c.send(&protocol.SecretsStore{Key: "TOKEN", Value: "v1"})
	store := c.recv().(*protocol.SecretsStoreResult)
	assert.False(t, store.OK)
	assert.Contains(t, store.Message, "Failed to store secret")

	c.send(&protocol.UnlockVault{Password: "hunter2"})
	unlocked := c.recv().(*protocol.VaultUnlocked)
	require.True(t, unlocked.OK, unlocked.Message)

	c.send(&protocol.SecretsStore{Key: "TOKEN", Value: "v1"})
	store = c.recv().(*protocol.SecretsStoreResult)
	require.True(t, store.OK, store.Message)
	assert.Equal(t, "Secret 'TOKEN' stored.", store.Message)

	c.send(&protocol.SecretsGet{Key: "TOKEN"})
	got := c.recv().(*protocol.SecretsGetResult)
	require.True(t, got.OK, got.Message)
	assert.Equal(t, "v1", got.Value)

	c.send(&protocol.SecretsGet{Key: "MISSING"})
	got = c.recv().(*protocol.SecretsGetResult)
	assert.False(t, got.OK)
	assert.Equal(t, "Secret 'MISSING' not found.", got.Message)

	c.send(&protocol.SecretsList{})
	list := c.recv().(*protocol.SecretsListResult)
	require.True(t, list.OK, list.Message)
	var names []string
	for _, e := range list.Entries {
		names = append(names, e.Name)
	}
	assert.Contains(t, names, "TOKEN")

	c.send(&protocol.SecretsSetPolicy{Name: "TOKEN", Policy: "sometimes"})
	pol := c.recv().(*protocol.SecretsSetPolicyResult)
	assert.False(t, pol.OK)
	assert.Equal(t, "Unknown policy: sometimes", pol.Message)

	c.send(&protocol.SecretsDelete{Key: "TOKEN"})
	del := c.recv().(*protocol.SecretsDeleteResult)
	assert.True(t, del.OK, del.Message)
}

func TestVault_NotConfigured(t *testing.T) {
	_, url := startServer(t, nil, nil)
	c := dial(t, url)
	c.ready()

	c.send(&protocol.UnlockVault{Password: "x"})
	res := c.recv().(*protocol.VaultUnlocked)
	assert.False(t, res.OK)
	assert.Equal(t, errNoVault, res.Message)
}

func TestVault_UnlockRefreshesModelKey(t *testing.T) {
	v := newTestVault(t)
	require.NoError(t, vault.Unlock(v, "pw"))
	require.NoError(t, v.StoreSecret("OPENAI_API_KEY", "sk-vault"))
	v.ClearPassword()

	adapter := &stubAdapter{}
	_, url := startServer(t, adapter, func(o *Options) { o.Vault = v })
	t.Setenv("OPENAI_API_KEY", "")
	c := dial(t, url)
	c.ready()

	c.send(&protocol.UnlockVault{Password: "pw"})
	require.True(t, c.recv().(*protocol.VaultUnlocked).OK)

	c.send(&protocol.Chat{Messages: []protocol.ChatMessage{{Role: "user", Content: "hi"}}})
	c.until(protocol.ServerResponseDone)
	assert.Equal(t, "sk-vault", adapter.lastRequest().APIKey)
}

func TestReload(t *testing.T) {
	var reloaded *config.Config
	_, url := startServer(t, nil, func(o *Options) {
		o.Load = func() (*config.Config, error) {
			cfg := testConfig(t)
			cfg.Model = config.ModelConfig{Provider: "anthropic", Model: "claude-sonnet-4-5"}
			return cfg, nil
		}
		o.OnReload = func(cfg *config.Config) { reloaded = cfg }
	})
	c := dial(t, url)
	c.ready()

	c.send(&protocol.Reload{})
	res := c.recv().(*protocol.ReloadResult)
	require.True(t, res.OK, res.Message)
	assert.Equal(t, "anthropic", res.Provider)
	assert.Equal(t, "claude-sonnet-4-5", res.Model)
	require.NotNil(t, reloaded)
}

func TestReload_Failure(t *testing.T) {
	_, url := startServer(t, nil, func(o *Options) {
		o.Load = func() (*config.Config, error) { return nil, errors.New("gateway.port 70000 out of range") }
	})
	c := dial(t, url)
	c.ready()

	c.send(&protocol.Reload{})
	res := c.recv().(*protocol.ReloadResult)
	assert.False(t, res.OK)
	assert.Equal(t, "gateway.port 70000 out of range", res.Message)
}

type codeVerifier string

func (v codeVerifier) VerifyTOTP(code string) (bool, error) { return code == string(v), nil }

func TestAuthGate(t *testing.T) {
	_, url := startServer(t, nil, func(o *Options) {
		o.Gate = &auth.Gate{
			Verifier: codeVerifier("123456"),
			Limiter:  auth.NewLimiter(auth.LimiterConfig{}),
			Timeout:  5 * time.Second,
		}
	})

	c := dial(t, url)
	ch, ok := c.recv().(*protocol.AuthChallenge)
	require.True(t, ok)
	assert.Equal(t, "totp", ch.Method)

	c.send(&protocol.Chat{})
	e := c.recv().(*protocol.ErrorFrame)
	assert.Equal(t, "Authentication required before chat.", e.Message)

	c.send(&protocol.AuthResponse{Code: "000000"})
	res := c.recv().(*protocol.AuthResult)
	assert.False(t, res.OK)
	assert.True(t, res.Retry)

	c.send(&protocol.AuthResponse{Code: "123456"})
	res = c.recv().(*protocol.AuthResult)
	require.True(t, res.OK)

	_, ok = c.recv().(*protocol.Hello)
	assert.True(t, ok)
}

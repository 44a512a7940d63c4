package providers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/sipeed/picogate/pkg/logger"
)

// CopilotTokenURL exchanges a GitHub OAuth token for a Copilot session token.
const CopilotTokenURL = "https://api.github.com/copilot_internal/v2/token"

// copilotRefreshMargin is how long before expiry a session token is replaced.
const copilotRefreshMargin = 60 * time.Second

// Copilot identifies itself as VS Code Copilot Chat.
var copilotHeaders = map[string]string{
	"User-Agent":             "GitHubCopilotChat/0.35.0",
	"Editor-Version":         "vscode/1.107.0",
	"Editor-Plugin-Version":  "copilot-chat/0.35.0",
	"Copilot-Integration-Id": "vscode-chat",
	"Openai-Intent":          "conversation-edits",
}

// CopilotHeaders returns the request headers for a Copilot chat call.
// X-Initiator is "agent" unless the last message is a user turn.
func CopilotHeaders(msgs []Message) map[string]string {
	h := make(map[string]string, len(copilotHeaders)+1)
	for k, v := range copilotHeaders {
		h[k] = v
	}
	initiator := "user"
	if n := len(msgs); n > 0 && msgs[n-1].Role != RoleUser {
		initiator = "agent"
	}
	if n := len(msgs); n > 0 && msgs[n-1].Role == RoleUser && len(msgs[n-1].ToolResults) > 0 {
		initiator = "agent"
	}
	h["X-Initiator"] = initiator
	return h
}

// TokenResolver returns the bearer token to use for a provider call.
// Copilot providers get a cached session token; everyone else gets the
// stored key unchanged.
type TokenResolver struct {
	client   *http.Client
	tokenURL string

	mu       sync.Mutex
	sessions map[string]*copilotSession
	imported *oauth2.Token
}

// NewTokenResolver creates a resolver. A nil client uses a 30s-timeout client.
func NewTokenResolver(client *http.Client) *TokenResolver {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &TokenResolver{
		client:   client,
		tokenURL: CopilotTokenURL,
		sessions: make(map[string]*copilotSession),
	}
}

// SetTokenURL overrides the exchange endpoint.
func (r *TokenResolver) SetTokenURL(u string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokenURL = u
	r.sessions = make(map[string]*copilotSession)
}

// ImportSession installs a session token that was exchanged elsewhere. It
// is used when no OAuth token is available and cannot be refreshed.
func (r *TokenResolver) ImportSession(token string, expiresAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.imported = &oauth2.Token{AccessToken: token, Expiry: expiresAt}
}

// Resolve returns the bearer token for provider given its stored key.
func (r *TokenResolver) Resolve(ctx context.Context, provider, key string) (string, error) {
	if !NeedsCopilotSession(provider) {
		return key, nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if key == "" {
		r.mu.Lock()
		imported := r.imported
		r.mu.Unlock()
		if imported == nil {
			return "", fmt.Errorf("%s: %w", provider, ErrNoCredentials)
		}
		if imported.Expiry.IsZero() || time.Now().Add(copilotRefreshMargin).Before(imported.Expiry) {
			return imported.AccessToken, nil
		}
		return "", ErrCopilotSessionExpired
	}

	tok, err := r.session(key).token(ctx)
	if err != nil {
		return "", fmt.Errorf("token exchange failed: %w", err)
	}
	return tok.AccessToken, nil
}

func (r *TokenResolver) session(oauthToken string) *copilotSession {
	sum := sha256.Sum256([]byte(oauthToken))
	id := hex.EncodeToString(sum[:8])

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s
	}
	s := &copilotSession{client: r.client, url: r.tokenURL, oauthToken: oauthToken}
	r.sessions[id] = s
	return s
}

// copilotSession caches the session token of one OAuth token. Exchanges
// for the same token are serialized.
type copilotSession struct {
	client     *http.Client
	url        string
	oauthToken string

	mu  sync.Mutex
	tok *oauth2.Token
}

// token returns the cached session token, exchanging a new one bound to
// ctx when it is missing or close to expiry.
func (s *copilotSession) token(ctx context.Context) (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ex := &copilotExchange{ctx: ctx, client: s.client, url: s.url, oauthToken: s.oauthToken}
	tok, err := oauth2.ReuseTokenSourceWithExpiry(s.tok, ex, copilotRefreshMargin).Token()
	if err != nil {
		return nil, err
	}
	s.tok = tok
	return tok, nil
}

type copilotExchange struct {
	ctx        context.Context
	client     *http.Client
	url        string
	oauthToken string
}

type copilotTokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// Token performs one exchange under the caller's context.
func (e *copilotExchange) Token() (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(e.ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "token "+e.oauthToken)
	req.Header.Set("Accept", "application/json")
	for k, v := range copilotHeaders {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Provider: "github-copilot", Status: resp.StatusCode, Message: string(body)}
	}

	var out copilotTokenResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decoding session token: %w", err)
	}
	if out.Token == "" {
		return nil, fmt.Errorf("session token missing from response")
	}

	tok := &oauth2.Token{AccessToken: out.Token, TokenType: "Bearer"}
	if out.ExpiresAt > 0 {
		tok.Expiry = time.Unix(out.ExpiresAt, 0)
	}
	logger.DebugCF("copilot", "Exchanged Copilot session token", map[string]any{
		"expires_at": tok.Expiry.Format(time.RFC3339),
	})
	return tok, nil
}

// Package gateway serves the websocket frame protocol: it authenticates
// clients, reports the model status and routes each frame to the vault,
// the configuration or the tool loop.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/sipeed/picogate/pkg/agent"
	"github.com/sipeed/picogate/pkg/audit"
	"github.com/sipeed/picogate/pkg/auth"
	"github.com/sipeed/picogate/pkg/config"
	"github.com/sipeed/picogate/pkg/logger"
	"github.com/sipeed/picogate/pkg/providers"
	"github.com/sipeed/picogate/pkg/ratelimit"
	"github.com/sipeed/picogate/pkg/vault"
)

// ProbeFunc checks that a model endpoint answers.
type ProbeFunc func(ctx context.Context, mc providers.ModelContext) providers.ProbeResult

// Options wire a Server. Config and Engine are required.
type Options struct {
	Config *config.Config
	// Load re-reads the configuration for Reload frames and file changes.
	Load   func() (*config.Config, error)
	Vault  vault.Vault
	Engine *agent.Engine
	Tokens *providers.TokenResolver
	// Gate runs the TOTP handshake. Nil admits every client.
	Gate    *auth.Gate
	Limiter *ratelimit.Limiter
	Audit   audit.Recorder

	HTTPClient *http.Client
	Probe      ProbeFunc
	// OnReload runs after a successful reload with the new configuration.
	OnReload func(*config.Config)
}

type Server struct {
	opts     Options
	state    state
	upgrader websocket.Upgrader
	router   chi.Router

	started     time.Time
	totalConns  atomic.Int64
	activeConns atomic.Int64
	totalFrames atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	sessions sync.WaitGroup
	srv      *http.Server
	reloadMu sync.Mutex
}

func NewServer(opts Options) *Server {
	if opts.Audit == nil {
		opts.Audit = audit.Nop{}
	}
	if opts.Tokens == nil {
		opts.Tokens = providers.NewTokenResolver(opts.HTTPClient)
	}
	if opts.Probe == nil {
		client, tokens := opts.HTTPClient, opts.Tokens
		opts.Probe = func(ctx context.Context, mc providers.ModelContext) providers.ProbeResult {
			return providers.Probe(ctx, client, mc, tokens)
		}
	}

	s := &Server{
		opts:    opts,
		started: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients are native apps; the TOTP gate authenticates them.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.state.store(newSnapshot(opts.Config, opts.Vault))

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/", s.handleWS)
	r.Get("/ws", s.handleWS)
	s.router = r
	return s
}

// Handler returns the HTTP handler serving the gateway routes.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) (net.Addr, error) {
	addr, err := s.opts.Config.Gateway.ResolvedAddr()
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := s.Serve(ctx, ln); err != nil {
			logger.ErrorCF("gateway", "Server stopped", map[string]any{"error": err.Error()})
		}
	}()
	return ln.Addr(), nil
}

// Serve accepts connections on ln until ctx is cancelled or Shutdown is
// called. TLS is used when a certificate pair is configured.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	gw := s.opts.Config.Gateway
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(shutdownCtx)
	})
	defer stop()

	logger.InfoCF("gateway", "Gateway listening", map[string]any{
		"addr": ln.Addr().String(),
		"tls":  gw.TLSEnabled(),
	})

	var err error
	if gw.TLSEnabled() {
		err = srv.ServeTLS(ln, gw.TLSCert, gw.TLSKey)
	} else {
		err = srv.Serve(ln)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown closes the listener, ends every session and waits for them
// until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv := s.srv
	s.mu.Unlock()

	s.cancel()
	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.state.load()
	body := map[string]any{
		"status":             "ok",
		"uptime_seconds":     int64(time.Since(s.started).Seconds()),
		"total_connections":  s.totalConns.Load(),
		"active_connections": s.activeConns.Load(),
		"total_frames":       s.totalFrames.Load(),
		"vault_locked":       s.vaultLocked(),
	}
	if snap.model != nil {
		body["provider"] = snap.model.Provider
		body["model"] = snap.model.Model
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.opts.Limiter.AllowConnection(ip) {
		logger.WarnCF("gateway", "Connection rate limit exceeded", map[string]any{"ip": ip})
		http.Error(w, "Too many connection attempts", http.StatusTooManyRequests)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "Gateway is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.sessions.Add(1)
	s.mu.Unlock()
	defer s.sessions.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnCF("gateway", "Websocket upgrade failed", map[string]any{"ip": ip, "error": err.Error()})
		return
	}

	s.totalConns.Add(1)
	s.activeConns.Add(1)
	defer s.activeConns.Add(-1)

	newSession(s, newWSConn(ws), ip).run(s.ctx)
}

func (s *Server) vaultLocked() bool {
	return s.opts.Vault != nil && s.opts.Vault.IsLocked()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.ErrorCF("gateway", "Failed to encode response", map[string]any{"error": err.Error()})
	}
}

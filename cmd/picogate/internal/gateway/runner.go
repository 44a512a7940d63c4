package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/sipeed/picogate/cmd/picogate/internal"
	"github.com/sipeed/picogate/pkg/agent"
	"github.com/sipeed/picogate/pkg/audit"
	"github.com/sipeed/picogate/pkg/auth"
	"github.com/sipeed/picogate/pkg/config"
	"github.com/sipeed/picogate/pkg/contextmgr"
	"github.com/sipeed/picogate/pkg/failover"
	"github.com/sipeed/picogate/pkg/gateway"
	"github.com/sipeed/picogate/pkg/logger"
	"github.com/sipeed/picogate/pkg/providers"
	"github.com/sipeed/picogate/pkg/ratelimit"
	"github.com/sipeed/picogate/pkg/skills"
	"github.com/sipeed/picogate/pkg/tools"
	"github.com/sipeed/picogate/pkg/vault"
)

const (
	rateLimitCleanupInterval = time.Minute
	shutdownTimeout          = 10 * time.Second
)

// gatewayRunner owns every long-lived service of one gateway process.
type gatewayRunner struct {
	configPath string
	opts       options
	cfg        *config.Config

	ctx    context.Context
	cancel context.CancelFunc

	vault       *vault.FileVault
	closeAudit  func() error
	skills      *skills.Manager
	authLimiter *auth.Limiter
	limiter     *ratelimit.Limiter
	server      *gateway.Server
}

func newGatewayRunner(opts options) (*gatewayRunner, error) {
	path := internal.GetConfigPath(opts.configPath)
	cfg, err := internal.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg, opts)
	if err := setupLogging(cfg, opts.debug); err != nil {
		return nil, err
	}

	for _, dir := range []string{cfg.SettingsDir, cfg.Gateway.Workspace} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &gatewayRunner{configPath: path, opts: opts, cfg: cfg, ctx: ctx, cancel: cancel}
	if err := r.build(); err != nil {
		r.stop()
		return nil, err
	}
	return r, nil
}

// applyOverrides applies command-line flags over the loaded config.
func applyOverrides(cfg *config.Config, opts options) {
	if opts.host != "" {
		cfg.Gateway.Host = opts.host
		cfg.Gateway.Bind = ""
	}
	if opts.port > 0 {
		cfg.Gateway.Port = opts.port
	}
}

func setupLogging(cfg *config.Config, debug bool) error {
	level, _ := logger.ParseLevel(cfg.Logging.Level)
	if debug {
		level = logger.DEBUG
		fmt.Println("🔍 Debug mode enabled")
	}
	logger.SetLevel(level)
	logger.SetRedactionEnabled(!cfg.Logging.DisableRedaction)
	if cfg.Logging.File != "" {
		if err := logger.EnableFileLogging(cfg.Logging.File); err != nil {
			return err
		}
	}
	return nil
}

func (r *gatewayRunner) build() error {
	cfg := r.cfg

	r.vault = internal.OpenVault(cfg)
	r.unlockVault()

	rec, closeAudit, err := audit.Open(cfg.Audit)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	r.closeAudit = closeAudit

	r.skills = skills.NewManager(cfg.Skills.Dirs...)
	if err := r.skills.LoadAll(); err != nil {
		logger.WarnCF("skills", "Some skills could not be loaded", map[string]any{"error": err.Error()})
	}
	r.skills.OnChange(func(list []*skills.Skill) {
		logger.InfoCF("skills", "Skills reloaded", map[string]any{"count": len(list)})
	})
	if cfg.Skills.Watch {
		if err := r.skills.Watch(r.ctx); err != nil {
			logger.WarnCF("skills", "Skill watcher not started", map[string]any{"error": err.Error()})
		}
	}

	r.limiter = ratelimit.NewLimiter(cfg.RateLimit)

	client := &http.Client{Timeout: cfg.Providers.Timeout()}
	tokens := providers.NewTokenResolver(client)
	adapters := providers.NewAdapters(providers.AdapterOptions{
		HTTPClient:     client,
		Retry:          providers.DefaultRetryPolicy(),
		MaxTokens:      cfg.Providers.MaxTokens,
		ThinkingBudget: cfg.Providers.ThinkingBudget,
	})

	var fo *failover.Manager
	if cfg.Failover.Enabled {
		cands := failover.ResolveCandidates(cfg.Failover.Providers, gateway.VaultLookup(r.vault))
		if len(cands) == 0 {
			logger.WarnC("failover", "Failover enabled but no provider has credentials")
		} else {
			fo = failover.NewManager(cfg.Failover.Strategy, cands)
			logger.InfoCF("failover", "Failover enabled", map[string]any{
				"strategy":   fo.Strategy(),
				"candidates": len(cands),
			})
		}
	}

	registry := tools.NewBuiltinRegistry(r.ctx, cfg.Tools)
	logger.InfoCF("tools", "Tools registered", map[string]any{"tools": registry.List()})

	engine := agent.NewEngine(cfg.Loop, agent.Options{
		Adapters:        adapters,
		Tokens:          tokens,
		Context:         contextmgr.NewManager(cfg.Context, nil),
		Tools:           registry,
		Vault:           r.vault,
		Skills:          r.skills,
		Failover:        fo,
		Audit:           rec,
		Limiter:         r.limiter,
		ApprovalTimeout: cfg.Tools.ApprovalTimeout(),
		PromptTimeout:   cfg.Tools.PromptTimeout(),
	})

	var gate *auth.Gate
	if cfg.Auth.TOTPEnabled {
		r.authLimiter = auth.NewLimiter(auth.LimiterConfig{
			FailureWindow: cfg.Auth.FailureWindow(),
			Lockout:       cfg.Auth.Lockout(),
		})
		r.authLimiter.Start()
		gate = &auth.Gate{
			Verifier:    r.vault,
			Limiter:     r.authLimiter,
			Timeout:     cfg.Auth.ChallengeTimeout(),
			MaxAttempts: cfg.Auth.MaxAttempts,
			Audit:       rec,
		}
		if !r.vault.IsLocked() && !r.vault.HasTOTP() {
			logger.WarnC("auth", "TOTP is enabled but not set up; run `picogate vault totp setup`")
		}
	}

	r.server = gateway.NewServer(gateway.Options{
		Config: cfg,
		Load: func() (*config.Config, error) {
			next, err := internal.LoadConfig(r.configPath)
			if err != nil {
				return nil, err
			}
			applyOverrides(next, r.opts)
			return next, nil
		},
		Vault:      r.vault,
		Engine:     engine,
		Tokens:     tokens,
		Gate:       gate,
		Limiter:    r.limiter,
		Audit:      rec,
		HTTPClient: client,
		OnReload: func(next *config.Config) {
			if level, ok := logger.ParseLevel(next.Logging.Level); ok {
				logger.SetLevel(level)
			}
		},
	})
	return nil
}

// unlockVault opens the vault with a configured or remembered password.
// A failure leaves it locked for clients to unlock.
func (r *gatewayRunner) unlockVault() {
	if pw := r.cfg.Vault.Password; pw != "" {
		if err := vault.Unlock(r.vault, pw); err != nil {
			logger.WarnCF("vault", "Configured vault password rejected", map[string]any{"error": err.Error()})
			return
		}
		logger.InfoC("vault", "Vault unlocked from configuration")
		return
	}
	if !r.cfg.Vault.UseKeychain {
		return
	}
	ok, err := vault.UnlockFromStore(r.vault, vault.OSKeychain{})
	switch {
	case err != nil:
		logger.WarnCF("vault", "Keychain unlock failed", map[string]any{"error": err.Error()})
	case ok:
		logger.InfoC("vault", "Vault unlocked from keychain")
	}
}

func (r *gatewayRunner) start() (net.Addr, error) {
	addr, err := r.server.Start(r.ctx)
	if err != nil {
		return nil, err
	}

	if err := config.Watch(r.ctx, r.configPath, func() {
		if err := r.server.Reload(r.ctx, "file"); err != nil {
			logger.WarnCF("config", "Config reload failed", map[string]any{"error": err.Error()})
		}
	}); err != nil {
		logger.WarnCF("config", "Config watcher not started", map[string]any{"error": err.Error()})
	}

	go r.cleanupLoop()

	logger.InfoCF("gateway", "Gateway started", map[string]any{
		"addr":  addr.String(),
		"tls":   r.cfg.Gateway.TLSEnabled(),
		"totp":  r.cfg.Auth.TOTPEnabled,
		"model": r.cfg.Model.Model,
	})
	return addr, nil
}

func (r *gatewayRunner) cleanupLoop() {
	ticker := time.NewTicker(rateLimitCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if n := r.limiter.Cleanup(); n > 0 {
				logger.DebugCF("ratelimit", "Dropped idle buckets", map[string]any{"count": n})
			}
		}
	}
}

// stop shuts every service down. It is safe on a partly built runner.
func (r *gatewayRunner) stop() {
	logger.InfoC("gateway", "Shutting down...")

	if r.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := r.server.Shutdown(ctx); err != nil {
			logger.WarnCF("gateway", "Shutdown incomplete", map[string]any{"error": err.Error()})
		}
		cancel()
	}
	r.cancel()

	if r.skills != nil {
		r.skills.Stop()
	}
	if r.authLimiter != nil {
		r.authLimiter.Stop()
	}
	if r.closeAudit != nil {
		if err := r.closeAudit(); err != nil {
			logger.WarnCF("audit", "Closing audit log failed", map[string]any{"error": err.Error()})
		}
	}
	if r.vault != nil {
		r.vault.ClearPassword()
	}
}

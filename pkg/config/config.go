// Package config loads the gateway configuration from a TOML or JSON file,
// a .env file in the settings dir and PICOGATE_* environment variables.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/sipeed/picogate/pkg/agent"
	"github.com/sipeed/picogate/pkg/audit"
	"github.com/sipeed/picogate/pkg/contextmgr"
	"github.com/sipeed/picogate/pkg/failover"
	"github.com/sipeed/picogate/pkg/logger"
	"github.com/sipeed/picogate/pkg/ratelimit"
	"github.com/sipeed/picogate/pkg/tools"
)

type Config struct {
	Gateway   GatewayConfig     `json:"gateway" toml:"gateway"`
	Model     ModelConfig       `json:"model" toml:"model"`
	Auth      AuthConfig        `json:"auth" toml:"auth"`
	Vault     VaultConfig       `json:"vault" toml:"vault"`
	Providers ProvidersConfig   `json:"providers" toml:"providers"`
	Tools     tools.Config      `json:"tools" toml:"tools"`
	Loop      agent.Config      `json:"loop" toml:"loop"`
	Context   contextmgr.Config `json:"context" toml:"context"`
	Failover  failover.Config   `json:"failover" toml:"failover"`
	Skills    SkillsConfig      `json:"skills" toml:"skills"`
	Audit     audit.Config      `json:"audit" toml:"audit"`
	RateLimit ratelimit.Config  `json:"rate_limit" toml:"rate_limit"`
	Logging   LoggingConfig     `json:"logging" toml:"logging"`

	// SettingsDir is the directory the config was loaded from.
	SettingsDir string `json:"-" toml:"-"`
}

type GatewayConfig struct {
	Host string `json:"host" toml:"host" env:"PICOGATE_GATEWAY_HOST"`
	// Bind overrides Host: "all", "local" or "tailnet".
	Bind      string `json:"bind,omitempty" toml:"bind" env:"PICOGATE_GATEWAY_BIND"`
	Port      int    `json:"port" toml:"port" env:"PICOGATE_GATEWAY_PORT"`
	TLSCert   string `json:"tls_cert,omitempty" toml:"tls_cert" env:"PICOGATE_GATEWAY_TLS_CERT"`
	TLSKey    string `json:"tls_key,omitempty" toml:"tls_key" env:"PICOGATE_GATEWAY_TLS_KEY"`
	Workspace string `json:"workspace" toml:"workspace" env:"PICOGATE_WORKSPACE"`
}

// ModelConfig is the default model. Chat frames may override every field.
type ModelConfig struct {
	Provider string `json:"provider" toml:"provider" env:"PICOGATE_MODEL_PROVIDER"`
	Model    string `json:"model" toml:"model" env:"PICOGATE_MODEL"`
	BaseURL  string `json:"base_url,omitempty" toml:"base_url" env:"PICOGATE_MODEL_BASE_URL"`
}

type AuthConfig struct {
	TOTPEnabled          bool `json:"totp_enabled" toml:"totp_enabled" env:"PICOGATE_TOTP_ENABLED"`
	ChallengeTimeoutSecs int  `json:"challenge_timeout_secs" toml:"challenge_timeout_secs"`
	MaxAttempts          int  `json:"max_attempts" toml:"max_attempts"`
	FailureWindowSecs    int  `json:"failure_window_secs" toml:"failure_window_secs"`
	LockoutSecs          int  `json:"lockout_secs" toml:"lockout_secs"`
}

func (a AuthConfig) ChallengeTimeout() time.Duration { return seconds(a.ChallengeTimeoutSecs) }
func (a AuthConfig) FailureWindow() time.Duration    { return seconds(a.FailureWindowSecs) }
func (a AuthConfig) Lockout() time.Duration          { return seconds(a.LockoutSecs) }

type VaultConfig struct {
	Path string `json:"path" toml:"path" env:"PICOGATE_VAULT_PATH"`
	// AgentAccess lets the agent read ask-policy secrets without approval.
	AgentAccess bool `json:"agent_access" toml:"agent_access"`
	// UseKeychain unlocks the vault at startup with a password remembered
	// by `picogate vault unlock --remember`.
	UseKeychain bool   `json:"use_keychain" toml:"use_keychain" env:"PICOGATE_VAULT_KEYCHAIN"`
	Password    string `json:"-" toml:"-" env:"PICOGATE_VAULT_PASSWORD"`
}

type ProvidersConfig struct {
	MaxTokens      int `json:"max_tokens" toml:"max_tokens" env:"PICOGATE_MAX_TOKENS"`
	ThinkingBudget int `json:"thinking_budget,omitempty" toml:"thinking_budget"`
	TimeoutSecs    int `json:"timeout_secs" toml:"timeout_secs"`
	// ProbeTimeoutSecs bounds the connection probe run for each new client.
	ProbeTimeoutSecs int `json:"probe_timeout_secs" toml:"probe_timeout_secs"`
}

func (p ProvidersConfig) Timeout() time.Duration      { return seconds(p.TimeoutSecs) }
func (p ProvidersConfig) ProbeTimeout() time.Duration { return seconds(p.ProbeTimeoutSecs) }

type SkillsConfig struct {
	Dirs  []string `json:"dirs" toml:"dirs"`
	Watch bool     `json:"watch" toml:"watch" env:"PICOGATE_SKILLS_WATCH"`
}

type LoggingConfig struct {
	Level            string `json:"level" toml:"level" env:"PICOGATE_LOG_LEVEL"`
	File             string `json:"file,omitempty" toml:"file" env:"PICOGATE_LOG_FILE"`
	DisableRedaction bool   `json:"disable_redaction,omitempty" toml:"disable_redaction"`
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func DefaultConfig() *Config {
	paths := ResolveRuntimePaths()
	return &Config{
		Gateway: GatewayConfig{
			Host:      "127.0.0.1",
			Port:      9001,
			Workspace: paths.Workspace,
		},
		Auth: AuthConfig{
			ChallengeTimeoutSecs: 120,
			MaxAttempts:          3,
			FailureWindowSecs:    60,
			LockoutSecs:          30,
		},
		Vault: VaultConfig{Path: paths.VaultPath},
		Providers: ProvidersConfig{
			MaxTokens:        8192,
			TimeoutSecs:      300,
			ProbeTimeoutSecs: 10,
		},
		Tools:     tools.DefaultConfig(),
		Loop:      agent.DefaultConfig(),
		Context:   contextmgr.DefaultConfig(),
		Failover:  failover.Config{Strategy: failover.StrategyPriority},
		Skills:    SkillsConfig{Dirs: []string{paths.SkillsDir}, Watch: true},
		Audit:     audit.Config{Enabled: true, Path: paths.AuditPath},
		RateLimit: ratelimit.DefaultConfig(),
		Logging:   LoggingConfig{Level: "info"},

		SettingsDir: paths.HomeDir,
	}
}

// LoadConfig reads path over the defaults. A missing file yields the
// defaults. Variables from a .env file next to path are exported unless
// already set, then PICOGATE_* variables override file values.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.SettingsDir = filepath.Dir(path)

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.DebugCF("config", "No config file, using defaults", map[string]any{"path": path})
	case err != nil:
		return nil, err
	default:
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	envPath := filepath.Join(cfg.SettingsDir, ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("loading %s: %w", envPath, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	cfg.expandPaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

func decode(path string, data []byte, cfg *Config) error {
	if isTOML(path) {
		_, err := toml.Decode(string(data), cfg)
		return err
	}
	return json.Unmarshal(data, cfg)
}

func (c *Config) expandPaths() {
	c.Gateway.Workspace = expandHome(c.Gateway.Workspace)
	c.Gateway.TLSCert = expandHome(c.Gateway.TLSCert)
	c.Gateway.TLSKey = expandHome(c.Gateway.TLSKey)
	c.Vault.Path = expandHome(c.Vault.Path)
	c.Audit.Path = expandHome(c.Audit.Path)
	c.Logging.File = expandHome(c.Logging.File)
	for i, d := range c.Skills.Dirs {
		c.Skills.Dirs[i] = expandHome(d)
	}
}

// Validate rejects settings the gateway cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port %d out of range", c.Gateway.Port))
	}
	if (c.Gateway.TLSCert == "") != (c.Gateway.TLSKey == "") {
		errs = append(errs, errors.New("gateway.tls_cert and gateway.tls_key must be set together"))
	}
	if _, err := tools.ParsePolicy(c.Tools.Permissions); err != nil {
		errs = append(errs, fmt.Errorf("tools.permissions: %w", err))
	}
	switch c.Context.Strategy {
	case "", contextmgr.StrategySlidingWindow, contextmgr.StrategySummarize, contextmgr.StrategyOff:
	default:
		errs = append(errs, fmt.Errorf("context.strategy: unknown strategy %q", c.Context.Strategy))
	}
	if c.Logging.Level != "" {
		if _, ok := logger.ParseLevel(c.Logging.Level); !ok {
			errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
		}
	}
	return errors.Join(errs...)
}

// Permissions parses the tool permission map. LoadConfig has already
// validated it.
func (c *Config) Permissions() tools.Policy {
	p, err := tools.ParsePolicy(c.Tools.Permissions)
	if err != nil {
		return tools.Policy{}
	}
	return p
}

// SaveConfig writes cfg to path in the format its extension selects.
func SaveConfig(path string, cfg *Config) error {
	var data []byte
	if isTOML(path) {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return err
		}
		data = buf.Bytes()
	} else {
		var err error
		data, err = json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return err
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

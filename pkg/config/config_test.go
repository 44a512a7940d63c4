package config

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(EnvPicoGateConfig, "")
	t.Setenv(EnvPicoGateHome, "")
	return home
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestDefaultConfig(t *testing.T) {
	home := isolate(t)
	cfg := DefaultConfig()

	assert.Equal(t, "127.0.0.1", cfg.Gateway.Host)
	assert.Equal(t, 9001, cfg.Gateway.Port)
	assert.Equal(t, filepath.Join(home, ".picogate", "workspace"), cfg.Gateway.Workspace)
	assert.False(t, cfg.Auth.TOTPEnabled)
	assert.Equal(t, 30*time.Second, cfg.Auth.Lockout())
	assert.Equal(t, 500, cfg.Loop.MaxRounds)
	assert.Equal(t, "ask", cfg.Tools.Permissions["execute_command"])
	assert.Equal(t, "sliding_window", cfg.Context.Strategy)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	isolate(t)
	dir := t.TempDir()

	cfg, err := LoadConfig(filepath.Join(dir, "config.json"))
	require.NoError(t, err)
	assert.Equal(t, 9001, cfg.Gateway.Port)
	assert.Equal(t, dir, cfg.SettingsDir)
}

func TestLoadConfig_JSON(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{
		"gateway": {"port": 9100, "workspace": "~/work"},
		"model": {"provider": "anthropic", "model": "claude-sonnet-4"},
		"tools": {"permissions": {"execute_command": "deny"}},
		"loop": {"max_rounds": 25}
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	home, _ := os.UserHomeDir()
	assert.Equal(t, 9100, cfg.Gateway.Port)
	assert.Equal(t, filepath.Join(home, "work"), cfg.Gateway.Workspace)
	assert.Equal(t, "anthropic", cfg.Model.Provider)
	assert.Equal(t, 25, cfg.Loop.MaxRounds)
	assert.Equal(t, "deny", cfg.Permissions().Lookup("execute_command").String())
	// Untouched sections keep their defaults.
	assert.Equal(t, 120, cfg.Tools.ApprovalTimeoutSecs)
}

func TestLoadConfig_TOML(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, `
[gateway]
host = "0.0.0.0"
port = 9200

[model]
provider = "github-copilot"
model = "gpt-4.1"

[auth]
totp_enabled = true

[tools.permissions]
write_file = "skill_only:editor,writer"

[context]
strategy = "summarize"

[context.windows]
"my-local-model" = 32000

[[failover.providers]]
provider = "openai"
model = "gpt-4o"
priority = 1
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Gateway.Host)
	assert.Equal(t, 9200, cfg.Gateway.Port)
	assert.Equal(t, "github-copilot", cfg.Model.Provider)
	assert.True(t, cfg.Auth.TOTPEnabled)
	assert.Equal(t, "summarize", cfg.Context.Strategy)
	assert.Equal(t, 32000, cfg.Context.Windows["my-local-model"])
	require.Len(t, cfg.Failover.Providers, 1)
	assert.Equal(t, "gpt-4o", cfg.Failover.Providers[0].Model)

	perm := cfg.Permissions().Lookup("write_file")
	assert.Equal(t, []string{"editor", "writer"}, perm.Skills)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"gateway": {"port": 9100}, "model": {"provider": "openai", "model": "gpt-4o"}}`)

	t.Setenv("PICOGATE_GATEWAY_PORT", "9300")
	t.Setenv("PICOGATE_MODEL", "gpt-4.1")
	t.Setenv("PICOGATE_TOTP_ENABLED", "true")
	t.Setenv("PICOGATE_LOOP_MAX_ROUNDS", "7")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9300, cfg.Gateway.Port)
	assert.Equal(t, "openai", cfg.Model.Provider)
	assert.Equal(t, "gpt-4.1", cfg.Model.Model)
	assert.True(t, cfg.Auth.TOTPEnabled)
	assert.Equal(t, 7, cfg.Loop.MaxRounds)
}

func TestLoadConfig_DotEnv(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ".env"), "PICOGATE_MODEL=from-dotenv\nPICOGATE_MODEL_PROVIDER=anthropic\n")

	// Registered with t.Setenv so the values .env exports are restored.
	t.Setenv("PICOGATE_MODEL", "")
	require.NoError(t, os.Unsetenv("PICOGATE_MODEL"))
	t.Setenv("PICOGATE_MODEL_PROVIDER", "openai")

	cfg, err := LoadConfig(filepath.Join(dir, "config.json"))
	require.NoError(t, err)

	assert.Equal(t, "from-dotenv", cfg.Model.Model)
	assert.Equal(t, "openai", cfg.Model.Provider, "process env must win over .env")
}

func TestLoadConfig_Invalid(t *testing.T) {
	isolate(t)
	tests := map[string]string{
		"bad permission": `{"tools": {"permissions": {"read_file": "sometimes"}}}`,
		"half tls pair":  `{"gateway": {"tls_cert": "/tmp/cert.pem"}}`,
		"bad strategy":   `{"context": {"strategy": "forget_everything"}}`,
		"bad level":      `{"logging": {"level": "chatty"}}`,
		"bad json":       `{"gateway": `,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.json")
			writeFile(t, path, body)
			_, err := LoadConfig(path)
			assert.Error(t, err)
		})
	}
}

func TestSaveConfig_TOMLReload(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	cfg := DefaultConfig()
	cfg.Model = ModelConfig{Provider: "google", Model: "gemini-2.5-pro"}
	cfg.Tools.Permissions["list_directory"] = "deny"
	require.NoError(t, SaveConfig(path, cfg))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Model, loaded.Model)
	assert.Equal(t, "deny", loaded.Tools.Permissions["list_directory"])
}

func TestGatewayConfig_ResolvedAddr(t *testing.T) {
	tests := []struct {
		cfg  GatewayConfig
		want string
	}{
		{GatewayConfig{Host: "127.0.0.1", Port: 9001}, "127.0.0.1:9001"},
		{GatewayConfig{Host: "10.1.2.3", Bind: "all", Port: 80}, "0.0.0.0:80"},
		{GatewayConfig{Bind: "local", Port: 9001}, "127.0.0.1:9001"},
		{GatewayConfig{Host: "::1", Port: 9001}, "[::1]:9001"},
	}
	for _, tt := range tests {
		got, err := tt.cfg.ResolvedAddr()
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := GatewayConfig{Bind: "moon"}.ResolvedAddr()
	assert.Error(t, err)
}

func TestGatewayConfig_TailnetBind(t *testing.T) {
	orig := interfaceAddrs
	t.Cleanup(func() { interfaceAddrs = orig })

	addrs := []net.Addr{
		&net.IPNet{IP: net.ParseIP("127.0.0.1"), Mask: net.CIDRMask(8, 32)},
		&net.IPNet{IP: net.ParseIP("192.168.1.20"), Mask: net.CIDRMask(24, 32)},
		&net.IPNet{IP: net.ParseIP("10.8.0.2"), Mask: net.CIDRMask(24, 32)},
		&net.IPAddr{IP: net.ParseIP("100.101.102.103")},
		&net.IPNet{IP: net.ParseIP("fd7a:115c:a1e0::1"), Mask: net.CIDRMask(48, 128)},
	}
	interfaceAddrs = func() ([]net.Addr, error) { return addrs, nil }

	got, err := GatewayConfig{Bind: BindTailnet, Port: 9001}.ResolvedAddr()
	require.NoError(t, err)
	assert.Equal(t, "100.101.102.103:9001", got, "the Tailscale range wins over 10/8")

	addrs = addrs[:3]
	host, err := GatewayConfig{Bind: BindTailnet}.ResolvedHost()
	require.NoError(t, err)
	assert.Equal(t, "10.8.0.2", host)

	addrs = addrs[:2]
	_, err = GatewayConfig{Bind: BindTailnet}.ResolvedHost()
	assert.ErrorIs(t, err, errNoTailnetAddr)
}

func TestGatewayConfig_TLSEnabled(t *testing.T) {
	assert.False(t, GatewayConfig{}.TLSEnabled())
	assert.False(t, GatewayConfig{TLSCert: "cert.pem"}.TLSEnabled())
	assert.True(t, GatewayConfig{TLSCert: "cert.pem", TLSKey: "key.pem"}.TLSEnabled())
}

package vaultcmd

import (
	"bytes"
	"errors"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/picogate/cmd/picogate/internal"
	"github.com/sipeed/picogate/pkg/config"
	"github.com/sipeed/picogate/pkg/vault"
)

type memKeychain struct {
	password string
	saves    int
}

func (m *memKeychain) Load() (string, error) { return m.password, nil }

func (m *memKeychain) Save(pw string) error {
	m.password = pw
	m.saves++
	return nil
}

func (m *memKeychain) Forget() error {
	m.password = ""
	return nil
}

type harness struct {
	t        *testing.T
	out      bytes.Buffer
	keychain *memKeychain
	answers  map[string]func() string
	vaultDir string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	home := t.TempDir()
	t.Setenv(config.EnvPicoGateHome, home)
	t.Setenv(config.EnvPicoGateConfig, "")
	t.Setenv("PICOGATE_VAULT_PASSWORD", "")
	return &harness{
		t:        t,
		keychain: &memKeychain{},
		answers:  map[string]func() string{},
		vaultDir: home,
	}
}

func (h *harness) answer(label, value string) {
	h.answers[label] = func() string { return value }
}

func (h *harness) deps() deps {
	return deps{
		prompt: func(label string) (string, error) {
			fn, ok := h.answers[label]
			if !ok {
				return "", errors.New("unexpected prompt: " + label)
			}
			return fn(), nil
		},
		keychain: h.keychain,
		openVault: func(cfg *config.Config) *vault.FileVault {
			return vault.NewFileVault(cfg.Vault.Path, vault.Options{
				KDF:     &vault.KDFParams{Time: 1, MemoryKiB: 1024, Threads: 1},
				Labeler: internal.ProviderKeyLabel,
			})
		},
		out: &h.out,
	}
}

func (h *harness) run(args ...string) error {
	cmd := newVaultCommand(h.deps())
	cmd.SetArgs(args)
	cmd.SetOut(&h.out)
	cmd.SetErr(&h.out)
	return cmd.Execute()
}

func TestNewVaultCommand(t *testing.T) {
	cmd := NewVaultCommand()
	require.NotNil(t, cmd)

	assert.Equal(t, "vault", cmd.Use)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))

	uses := make([]string, 0)
	for _, sub := range cmd.Commands() {
		uses = append(uses, sub.Name())
	}
	for _, want := range []string{"unlock", "forget", "list", "set", "delete", "totp"} {
		assert.Contains(t, uses, want)
	}
}

func TestSetAndList(t *testing.T) {
	h := newHarness(t)
	h.answer("Vault password", "hunter2")
	h.answer("Value for OPENAI_API_KEY", "sk-abc")

	require.NoError(t, h.run("set", "OPENAI_API_KEY"))
	assert.Contains(t, h.out.String(), "✓ Stored OPENAI_API_KEY")

	h.out.Reset()
	require.NoError(t, h.run("list"))
	out := h.out.String()
	assert.Contains(t, out, "OPENAI_API_KEY")
	assert.Contains(t, out, "OpenAI (GPT / o-series) API key")
	assert.NotContains(t, out, "sk-abc")
	assert.FileExists(t, filepath.Join(h.vaultDir, "vault.json"))
}

func TestSet_EmptyValue(t *testing.T) {
	h := newHarness(t)
	h.answer("Vault password", "hunter2")
	h.answer("Value for X", "")

	err := h.run("set", "X")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nothing stored")
}

func TestUnlock_Remember(t *testing.T) {
	h := newHarness(t)
	h.answer("Vault password", "hunter2")
	h.answer("Value for TOKEN", "v")
	require.NoError(t, h.run("set", "TOKEN"))

	h.out.Reset()
	require.NoError(t, h.run("unlock", "--remember"))
	assert.Equal(t, "hunter2", h.keychain.password)
	assert.Equal(t, 1, h.keychain.saves)
	assert.Contains(t, h.out.String(), "use_keychain")

	// The remembered password is used without prompting.
	delete(h.answers, "Vault password")
	h.out.Reset()
	require.NoError(t, h.run("list"))
	assert.Contains(t, h.out.String(), "TOKEN")

	require.NoError(t, h.run("forget"))
	assert.Empty(t, h.keychain.password)
}

func TestUnlock_WrongPassword(t *testing.T) {
	h := newHarness(t)
	h.answer("Vault password", "hunter2")
	h.answer("Value for TOKEN", "v")
	require.NoError(t, h.run("set", "TOKEN"))

	h.answer("Vault password", "wrong")
	err := h.run("unlock", "--remember")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unlock failed")
	assert.Zero(t, h.keychain.saves)
}

func TestDelete(t *testing.T) {
	h := newHarness(t)
	h.answer("Vault password", "hunter2")
	h.answer("Value for TOKEN", "v")
	require.NoError(t, h.run("set", "TOKEN"))
	require.NoError(t, h.run("delete", "TOKEN"))

	err := h.run("delete", "TOKEN")
	require.Error(t, err)
	assert.ErrorIs(t, err, vault.ErrNotFound)
}

var uriPattern = regexp.MustCompile(`otpauth://\S+`)

func TestTOTPSetup(t *testing.T) {
	h := newHarness(t)
	h.answer("Vault password", "hunter2")
	h.answers["Enter the 6-digit code to confirm"] = func() string {
		raw := uriPattern.FindString(h.out.String())
		u, err := url.Parse(raw)
		require.NoError(t, err)
		code, err := vault.GenerateCode(u.Query().Get("secret"), time.Now())
		require.NoError(t, err)
		return code
	}

	require.NoError(t, h.run("totp", "setup"))
	out := h.out.String()
	assert.Contains(t, out, "otpauth://totp/")
	assert.True(t, strings.Contains(out, "issuer=picogate"))
	assert.Contains(t, out, "✓ TOTP configured")

	h.out.Reset()
	require.NoError(t, h.run("totp", "remove"))
	assert.Contains(t, h.out.String(), "✓ TOTP removed")
}

func TestTOTPSetup_WrongCode(t *testing.T) {
	h := newHarness(t)
	h.answer("Vault password", "hunter2")
	h.answer("Enter the 6-digit code to confirm", "000000x")

	err := h.run("totp", "setup")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TOTP was not enabled")

	cfg, err := internal.LoadConfig("")
	require.NoError(t, err)
	v := h.deps().openVault(cfg)
	require.NoError(t, vault.Unlock(v, "hunter2"))
	assert.False(t, v.HasTOTP())
}

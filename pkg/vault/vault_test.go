package vault

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

var testKDF = &KDFParams{Time: 1, MemoryKiB: 1024, Threads: 1}

func newTestVault(t *testing.T) *FileVault {
	t.Helper()
	v := NewFileVault(filepath.Join(t.TempDir(), "vault.json"), Options{KDF: testKDF})
	v.SetPassword("correct horse")
	return v
}

func TestLockedVault(t *testing.T) {
	v := NewFileVault(filepath.Join(t.TempDir(), "vault.json"), Options{KDF: testKDF})
	assert.True(t, v.IsLocked())

	_, err := v.GetSecret("x", UserAccess)
	assert.ErrorIs(t, err, ErrLocked)
	assert.ErrorIs(t, v.StoreSecret("x", "y"), ErrLocked)
	assert.False(t, v.HasTOTP())
}

func TestStoreAndReopen(t *testing.T) {
	v := newTestVault(t)
	require.NoError(t, v.StoreSecret("OPENAI_API_KEY", "sk-test"))

	reopened := NewFileVault(v.Path(), Options{})
	reopened.SetPassword("correct horse")
	got, err := reopened.GetSecret("OPENAI_API_KEY", UserAccess)
	require.NoError(t, err)
	assert.Equal(t, "sk-test", got)

	_, err = reopened.GetSecret("missing", UserAccess)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWrongPassword(t *testing.T) {
	v := newTestVault(t)
	require.NoError(t, v.StoreSecret("k", "v"))

	other := NewFileVault(v.Path(), Options{})
	err := Unlock(other, "wrong")
	assert.ErrorIs(t, err, ErrBadPassword)
	assert.True(t, other.IsLocked())

	require.NoError(t, Unlock(other, "correct horse"))
	assert.False(t, other.IsLocked())
}

func TestUnlockFreshVault(t *testing.T) {
	v := NewFileVault(filepath.Join(t.TempDir(), "vault.json"), Options{KDF: testKDF})
	require.NoError(t, Unlock(v, "anything"))
	assert.False(t, v.IsLocked())
}

func TestAccessPolicies(t *testing.T) {
	v := newTestVault(t)
	require.NoError(t, v.StoreCredential(Entry{Name: "open", Policy: PolicyAlways}, "1"))
	require.NoError(t, v.StoreCredential(Entry{Name: "ask", Policy: PolicyAsk}, "2"))
	require.NoError(t, v.StoreCredential(Entry{Name: "auth", Policy: PolicyAuth}, "3"))
	require.NoError(t, v.StoreCredential(Entry{Name: "deploy", Policy: PolicySkillOnly, Skills: []string{"release"}}, "4"))
	require.NoError(t, v.StoreSecret("bare", "5"))

	agent := AccessContext{}

	got, err := v.GetSecret("open", agent)
	require.NoError(t, err)
	assert.Equal(t, "1", got)

	_, err = v.GetSecret("ask", agent)
	assert.ErrorIs(t, err, ErrApprovalRequired)
	got, err = v.GetSecret("ask", AccessContext{UserApproved: true})
	require.NoError(t, err)
	assert.Equal(t, "2", got)

	_, err = v.GetSecret("bare", agent)
	assert.ErrorIs(t, err, ErrApprovalRequired)

	_, err = v.GetSecret("auth", AccessContext{UserApproved: true})
	assert.ErrorIs(t, err, ErrAccessDenied)

	_, err = v.GetSecret("deploy", AccessContext{ActiveSkill: "other"})
	assert.ErrorIs(t, err, ErrAccessDenied)
	got, err = v.GetSecret("deploy", AccessContext{ActiveSkill: "release"})
	require.NoError(t, err)
	assert.Equal(t, "4", got)
}

func TestAgentAccessGrantsAsk(t *testing.T) {
	v := NewFileVault(filepath.Join(t.TempDir(), "vault.json"), Options{KDF: testKDF, AgentAccess: true})
	v.SetPassword("pw")
	require.NoError(t, v.StoreSecret("bare", "x"))

	got, err := v.GetSecret("bare", AccessContext{})
	require.NoError(t, err)
	assert.Equal(t, "x", got)
}

func TestPolicyAndDisabledPromoteBareSecret(t *testing.T) {
	v := newTestVault(t)
	require.NoError(t, v.StoreSecret("GITHUB_TOKEN", "ghp"))

	require.NoError(t, v.SetPolicy("GITHUB_TOKEN", PolicyAlways, []string{"ignored"}))
	entries, err := v.ListEntries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, PolicyAlways, entries[0].Policy)
	assert.Empty(t, entries[0].Skills)
	assert.Equal(t, "Github Token", entries[0].Label)

	require.NoError(t, v.SetDisabled("GITHUB_TOKEN", true))
	_, err = v.GetSecret("GITHUB_TOKEN", UserAccess)
	assert.ErrorIs(t, err, ErrAccessDenied)

	assert.ErrorIs(t, v.SetPolicy("nope", PolicyAsk, nil), ErrNotFound)
}

func TestListHidesInternalKeys(t *testing.T) {
	v := newTestVault(t)
	require.NoError(t, v.StoreSecret("a", "1"))
	_, err := v.SetupTOTP("picogate")
	require.NoError(t, err)

	entries, err := v.ListEntries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].Name)
}

func TestLabeler(t *testing.T) {
	v := NewFileVault(filepath.Join(t.TempDir(), "vault.json"), Options{
		KDF: testKDF,
		Labeler: func(key string) (string, string, bool) {
			if key == "ANTHROPIC_API_KEY" {
				return "Anthropic", KindAPIKey, true
			}
			return "", "", false
		},
	})
	v.SetPassword("pw")
	require.NoError(t, v.StoreSecret("ANTHROPIC_API_KEY", "sk-ant"))

	entries, err := v.ListEntries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Anthropic", entries[0].Label)
	assert.Equal(t, KindAPIKey, entries[0].Kind)
}

func TestPeekCredential(t *testing.T) {
	v := newTestVault(t)
	require.NoError(t, v.StoreCredential(Entry{Name: "login", Kind: KindUsernamePassword}, "alice:s3cret"))
	require.NoError(t, v.StoreCredential(Entry{Name: "note", Kind: KindSecureNote, Policy: PolicyAuth}, "codes"))

	fields, err := v.PeekCredential("login")
	require.NoError(t, err)
	assert.Equal(t, []Field{{Label: "Username", Value: "alice"}, {Label: "Password", Value: "s3cret"}}, fields)

	fields, err = v.PeekCredential("note")
	require.NoError(t, err)
	assert.Equal(t, []Field{{Label: "Value", Value: "codes"}}, fields)

	_, err = v.PeekCredential("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteCredential(t *testing.T) {
	v := newTestVault(t)
	require.NoError(t, v.StoreCredential(Entry{Name: "x"}, "1"))
	require.NoError(t, v.DeleteCredential("x"))
	require.NoError(t, v.DeleteCredential("x"))

	_, err := v.GetSecret("x", UserAccess)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, v.DeleteSecret("x"), ErrNotFound)
}

func TestTOTP(t *testing.T) {
	v := newTestVault(t)
	assert.False(t, v.HasTOTP())

	_, err := v.VerifyTOTP("123456")
	assert.ErrorIs(t, err, ErrNoTOTP)

	uri, err := v.SetupTOTP("picogate")
	require.NoError(t, err)
	assert.Contains(t, uri, "otpauth://totp/")
	assert.Contains(t, uri, "issuer=picogate")
	assert.True(t, v.HasTOTP())

	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	now = func() time.Time { return fixed }
	defer func() { now = time.Now }()

	secret := v.records[totpSecretKey].Value
	code, err := GenerateCode(secret, fixed)
	require.NoError(t, err)

	ok, err := v.VerifyTOTP(code)
	require.NoError(t, err)
	assert.True(t, ok)

	// One step of skew is accepted, two are not.
	prev, err := GenerateCode(secret, fixed.Add(-30*time.Second))
	require.NoError(t, err)
	ok, _ = v.VerifyTOTP(prev)
	assert.True(t, ok)

	old, err := GenerateCode(secret, fixed.Add(-90*time.Second))
	require.NoError(t, err)
	ok, _ = v.VerifyTOTP(old)
	assert.False(t, ok)

	ok, err = v.VerifyTOTP("abc")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, v.RemoveTOTP())
	assert.False(t, v.HasTOTP())
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("Skill_Only")
	require.NoError(t, err)
	assert.Equal(t, PolicySkillOnly, p)

	_, err = ParsePolicy("sometimes")
	assert.EqualError(t, err, "unknown policy: sometimes")
}

func TestKeychainRemember(t *testing.T) {
	keyring.MockInit()

	store := OSKeychain{User: "test"}
	pw, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, pw)

	v := newTestVault(t)
	require.NoError(t, v.StoreSecret("k", "v"))
	require.NoError(t, store.Save("correct horse"))

	other := NewFileVault(v.Path(), Options{})
	ok, err := UnlockFromStore(other, store)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, other.IsLocked())

	require.NoError(t, store.Forget())
	require.NoError(t, store.Forget())
}

func TestCheckAccessMessages(t *testing.T) {
	err := CheckAccess(Entry{Name: "d", Policy: PolicySkillOnly, Skills: []string{"a", "b"}}, AccessContext{}, false)
	assert.True(t, errors.Is(err, ErrAccessDenied))
	assert.Contains(t, err.Error(), "restricted to skills: a, b")
}

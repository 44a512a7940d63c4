package vault

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	keyringService = "picogate"
	keyringUser    = "vault-password"
)

var (
	ErrKeychainNotAvailable = errors.New("keychain not available")
	ErrKeychainAccessDenied = errors.New("keychain access denied")
)

// PasswordStore remembers the vault password between runs.
type PasswordStore interface {
	Load() (string, error)
	Save(password string) error
	Forget() error
}

// OSKeychain keeps the vault password in the OS keychain.
type OSKeychain struct {
	// User distinguishes multiple vaults; empty means the default.
	User string
}

func (k OSKeychain) user() string {
	if k.User == "" {
		return keyringUser
	}
	return k.User
}

// Load returns "" without error when no password is stored.
func (k OSKeychain) Load() (string, error) {
	pw, err := keyring.Get(keyringService, k.user())
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("reading keychain: %w", mapKeychainError(err))
	}
	return pw, nil
}

func (k OSKeychain) Save(password string) error {
	if err := keyring.Set(keyringService, k.user(), password); err != nil {
		return fmt.Errorf("writing keychain: %w", mapKeychainError(err))
	}
	return nil
}

func (k OSKeychain) Forget() error {
	if err := keyring.Delete(keyringService, k.user()); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("deleting from keychain: %w", mapKeychainError(err))
	}
	return nil
}

func mapKeychainError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not available"), strings.Contains(msg, "no such interface"),
		strings.Contains(msg, "dbus"), strings.Contains(msg, "secret service"):
		return fmt.Errorf("%w: %v", ErrKeychainNotAvailable, err)
	case strings.Contains(msg, "denied"), strings.Contains(msg, "permission"):
		return fmt.Errorf("%w: %v", ErrKeychainAccessDenied, err)
	}
	return err
}

// UnlockFromStore unlocks v with a remembered password. It reports false
// when nothing is stored.
func UnlockFromStore(v Vault, store PasswordStore) (bool, error) {
	pw, err := store.Load()
	if err != nil || pw == "" {
		return false, err
	}
	if err := Unlock(v, pw); err != nil {
		return false, err
	}
	return true, nil
}

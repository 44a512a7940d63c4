package vault

import (
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const totpAccount = "picogate"

var totpOpts = totp.ValidateOpts{
	Period:    30,
	Skew:      1,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// now is replaced in tests.
var now = time.Now

func (v *FileVault) HasTOTP() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.open(); err != nil {
		return false
	}
	_, ok := v.records[totpSecretKey]
	return ok
}

// SetupTOTP generates and stores a fresh secret, replacing any previous
// one, and returns its otpauth:// provisioning URI.
func (v *FileVault) SetupTOTP(issuer string) (string, error) {
	if issuer == "" {
		issuer = "picogate"
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: totpAccount,
		Period:      totpOpts.Period,
		Digits:      totpOpts.Digits,
		Algorithm:   totpOpts.Algorithm,
	})
	if err != nil {
		return "", fmt.Errorf("generating TOTP secret: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.open(); err != nil {
		return "", err
	}
	v.records[totpSecretKey] = record{Value: key.Secret()}
	if err := v.save(); err != nil {
		return "", err
	}
	return key.URL(), nil
}

// VerifyTOTP checks a 6-digit code, allowing one 30s step of clock skew.
func (v *FileVault) VerifyTOTP(code string) (bool, error) {
	v.mu.Lock()
	secret, err := v.totpSecret()
	v.mu.Unlock()
	if err != nil {
		return false, err
	}
	ok, err := totp.ValidateCustom(code, secret, now().UTC(), totpOpts)
	if err != nil {
		// Malformed codes are a failed attempt, not an error.
		return false, nil
	}
	return ok, nil
}

func (v *FileVault) RemoveTOTP() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.open(); err != nil {
		return err
	}
	if _, ok := v.records[totpSecretKey]; !ok {
		return nil
	}
	delete(v.records, totpSecretKey)
	return v.save()
}

func (v *FileVault) totpSecret() (string, error) {
	if err := v.open(); err != nil {
		return "", err
	}
	rec, ok := v.records[totpSecretKey]
	if !ok {
		return "", ErrNoTOTP
	}
	return rec.Value, nil
}

// GenerateCode returns the current code for secret. It is used by the CLI
// to confirm a freshly provisioned authenticator.
func GenerateCode(secret string, t time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, t, totpOpts)
}

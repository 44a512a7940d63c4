package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/sipeed/picogate/pkg/audit"
	"github.com/sipeed/picogate/pkg/logger"
	"github.com/sipeed/picogate/pkg/protocol"
	"github.com/sipeed/picogate/pkg/vault"
)

// TOTPIssuer names the gateway in authenticator apps.
const TOTPIssuer = "picogate"

const errNoVault = "Secrets vault is not configured"

// handleVault answers the UnlockVault and Secrets* frames. It reports
// handled=false for every other frame.
func (s *session) handleVault(ctx context.Context, frame protocol.ClientFrame) (bool, error) {
	resp, action, resource, ok := s.vaultResponse(frame)
	if resp == nil {
		return false, nil
	}
	if action != "" {
		s.srv.opts.Audit.Record(ctx, audit.Event{
			Type:     audit.EventTypeVault,
			Session:  s.id,
			Source:   s.ip,
			Action:   action,
			Resource: resource,
			Success:  ok,
		})
	}
	if err := s.conn.WriteFrame(resp); err != nil {
		return true, err
	}
	if _, unlocked := frame.(*protocol.UnlockVault); unlocked && ok {
		s.srv.refreshModel()
		logger.InfoCF("gateway", "Vault unlocked", map[string]any{"session": s.id})
	}
	return true, nil
}

// vaultResponse performs the vault operation of frame and builds the reply.
// action is the audit action; read-only listings are not audited.
func (s *session) vaultResponse(frame protocol.ClientFrame) (resp protocol.ServerFrame, action, resource string, ok bool) {
	v := s.srv.opts.Vault

	switch f := frame.(type) {
	case *protocol.UnlockVault:
		if v == nil {
			return &protocol.VaultUnlocked{Message: errNoVault}, "unlock", "", false
		}
		if err := vault.Unlock(v, f.Password); err != nil {
			return &protocol.VaultUnlocked{Message: fmt.Sprintf("Failed to unlock vault: %v", err)}, "unlock", "", false
		}
		return &protocol.VaultUnlocked{OK: true}, "unlock", "", true

	case *protocol.SecretsList:
		if v == nil {
			return &protocol.SecretsListResult{Message: errNoVault}, "", "", false
		}
		entries, err := v.ListEntries()
		if err != nil {
			return &protocol.SecretsListResult{Message: fmt.Sprintf("Failed to list secrets: %v", err)}, "", "", false
		}
		out := make([]protocol.SecretEntry, 0, len(entries))
		for _, e := range entries {
			out = append(out, protocol.SecretEntry{
				Name:        e.Name,
				Label:       e.Label,
				Kind:        e.Kind,
				Policy:      string(e.Policy),
				Skills:      e.Skills,
				Description: e.Description,
				Disabled:    e.Disabled,
			})
		}
		return &protocol.SecretsListResult{OK: true, Entries: out}, "", "", true

	case *protocol.SecretsStore:
		if v == nil {
			return &protocol.SecretsStoreResult{Message: errNoVault}, "store", f.Key, false
		}
		if err := v.StoreSecret(f.Key, f.Value); err != nil {
			return &protocol.SecretsStoreResult{Message: fmt.Sprintf("Failed to store secret: %v", err)}, "store", f.Key, false
		}
		return &protocol.SecretsStoreResult{OK: true, Message: fmt.Sprintf("Secret '%s' stored.", f.Key)}, "store", f.Key, true

	case *protocol.SecretsGet:
		if v == nil {
			return &protocol.SecretsGetResult{Key: f.Key, Message: errNoVault}, "get", f.Key, false
		}
		val, err := v.GetSecret(f.Key, vault.UserAccess)
		switch {
		case errors.Is(err, vault.ErrNotFound):
			return &protocol.SecretsGetResult{Key: f.Key, Message: fmt.Sprintf("Secret '%s' not found.", f.Key)}, "get", f.Key, false
		case err != nil:
			return &protocol.SecretsGetResult{Key: f.Key, Message: fmt.Sprintf("Failed to get secret: %v", err)}, "get", f.Key, false
		}
		return &protocol.SecretsGetResult{OK: true, Key: f.Key, Value: val}, "get", f.Key, true

	case *protocol.SecretsDelete:
		if v == nil {
			return &protocol.SecretsDeleteResult{Message: errNoVault}, "delete", f.Key, false
		}
		if err := v.DeleteSecret(f.Key); err != nil {
			return &protocol.SecretsDeleteResult{Message: fmt.Sprintf("Failed to delete: %v", err)}, "delete", f.Key, false
		}
		return &protocol.SecretsDeleteResult{OK: true}, "delete", f.Key, true

	case *protocol.SecretsPeek:
		if v == nil {
			return &protocol.SecretsPeekResult{Message: errNoVault}, "peek", f.Name, false
		}
		fields, err := v.PeekCredential(f.Name)
		if err != nil {
			return &protocol.SecretsPeekResult{Message: fmt.Sprintf("Failed to peek: %v", err)}, "peek", f.Name, false
		}
		out := make([]protocol.PeekField, 0, len(fields))
		for _, fl := range fields {
			out = append(out, protocol.PeekField{Label: fl.Label, Value: fl.Value})
		}
		return &protocol.SecretsPeekResult{OK: true, Fields: out}, "peek", f.Name, true

	case *protocol.SecretsSetPolicy:
		if v == nil {
			return &protocol.SecretsSetPolicyResult{Message: errNoVault}, "set_policy", f.Name, false
		}
		policy, err := vault.ParsePolicy(f.Policy)
		if err != nil {
			return &protocol.SecretsSetPolicyResult{Message: fmt.Sprintf("Unknown policy: %s", f.Policy)}, "set_policy", f.Name, false
		}
		if err := v.SetPolicy(f.Name, policy, f.Skills); err != nil {
			return &protocol.SecretsSetPolicyResult{Message: fmt.Sprintf("Failed to set policy: %v", err)}, "set_policy", f.Name, false
		}
		return &protocol.SecretsSetPolicyResult{OK: true}, "set_policy", f.Name, true

	case *protocol.SecretsSetDisabled:
		if v == nil {
			return &protocol.SecretsSetDisabledResult{Message: errNoVault}, "set_disabled", f.Name, false
		}
		if err := v.SetDisabled(f.Name, f.Disabled); err != nil {
			return &protocol.SecretsSetDisabledResult{Message: fmt.Sprintf("Failed: %v", err)}, "set_disabled", f.Name, false
		}
		return &protocol.SecretsSetDisabledResult{OK: true}, "set_disabled", f.Name, true

	case *protocol.SecretsDeleteCredential:
		if v == nil {
			return &protocol.SecretsDeleteCredentialResult{Message: errNoVault}, "delete_credential", f.Name, false
		}
		if err := v.DeleteCredential(f.Name); err != nil {
			return &protocol.SecretsDeleteCredentialResult{Message: fmt.Sprintf("Failed: %v", err)}, "delete_credential", f.Name, false
		}
		return &protocol.SecretsDeleteCredentialResult{OK: true}, "delete_credential", f.Name, true

	case *protocol.SecretsHasTotp:
		return &protocol.SecretsHasTotpResult{HasTotp: v != nil && v.HasTOTP()}, "", "", true

	case *protocol.SecretsSetupTotp:
		if v == nil {
			return &protocol.SecretsSetupTotpResult{Message: errNoVault}, "setup_totp", "", false
		}
		uri, err := v.SetupTOTP(TOTPIssuer)
		if err != nil {
			return &protocol.SecretsSetupTotpResult{Message: fmt.Sprintf("Failed: %v", err)}, "setup_totp", "", false
		}
		return &protocol.SecretsSetupTotpResult{OK: true, URI: uri}, "setup_totp", "", true

	case *protocol.SecretsVerifyTotp:
		if v == nil {
			return &protocol.SecretsVerifyTotpResult{Message: errNoVault}, "verify_totp", "", false
		}
		valid, err := v.VerifyTOTP(f.Code)
		if err != nil {
			return &protocol.SecretsVerifyTotpResult{Message: fmt.Sprintf("Error: %v", err)}, "verify_totp", "", false
		}
		return &protocol.SecretsVerifyTotpResult{OK: valid}, "verify_totp", "", valid

	case *protocol.SecretsRemoveTotp:
		if v == nil {
			return &protocol.SecretsRemoveTotpResult{Message: errNoVault}, "remove_totp", "", false
		}
		if err := v.RemoveTOTP(); err != nil {
			return &protocol.SecretsRemoveTotpResult{Message: fmt.Sprintf("Failed: %v", err)}, "remove_totp", "", false
		}
		return &protocol.SecretsRemoveTotpResult{OK: true}, "remove_totp", "", true
	}
	return nil, "", "", false
}

package gateway

import (
	"sync"

	"github.com/sipeed/picogate/pkg/config"
	"github.com/sipeed/picogate/pkg/providers"
	"github.com/sipeed/picogate/pkg/tools"
	"github.com/sipeed/picogate/pkg/vault"
)

// snapshot is the configuration a request runs against. It is replaced
// whole on reload and never mutated.
type snapshot struct {
	cfg    *config.Config
	model  *providers.ModelContext
	policy tools.Policy
}

func newSnapshot(cfg *config.Config, v vault.Vault) *snapshot {
	return &snapshot{
		cfg:    cfg,
		model:  providers.ResolveModelContext(cfg.Model.Provider, cfg.Model.Model, cfg.Model.BaseURL, VaultLookup(v)),
		policy: cfg.Permissions(),
	}
}

// VaultLookup reads provider keys with user access. A locked vault yields
// nothing so the environment fallback applies.
func VaultLookup(v vault.Vault) providers.SecretLookup {
	if v == nil {
		return nil
	}
	return func(name string) (string, bool) {
		if v.IsLocked() {
			return "", false
		}
		val, err := v.GetSecret(name, vault.UserAccess)
		if err != nil {
			return "", false
		}
		return val, true
	}
}

// state guards the current snapshot.
type state struct {
	mu   sync.RWMutex
	snap *snapshot
}

func (s *state) load() *snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

func (s *state) store(snap *snapshot) {
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
}

package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/sipeed/picogate/pkg/logger"
	"github.com/sipeed/picogate/pkg/protocol"
	"github.com/sipeed/picogate/pkg/providers"
)

// AgentName is reported in the Hello frame.
const AgentName = "picogate"

const defaultProbeTimeout = 10 * time.Second

// sendHello writes Hello followed by the Status sequence describing the
// vault and the configured model.
func (s *session) sendHello(ctx context.Context) error {
	snap := s.srv.state.load()
	locked := s.srv.vaultLocked()

	hello := &protocol.Hello{
		Agent:       AgentName,
		SettingsDir: snap.cfg.SettingsDir,
		VaultLocked: locked,
	}
	if snap.model != nil {
		hello.Provider = snap.model.Provider
		hello.Model = snap.model.Model
	}
	if err := s.conn.WriteFrame(hello); err != nil {
		return err
	}

	if locked {
		if err := s.status(protocol.StatusVaultLocked, "Secrets vault is locked — provide password to unlock"); err != nil {
			return err
		}
	}
	return s.sendModelStatus(ctx, snap.model, snap.cfg.Providers.ProbeTimeout())
}

// sendModelStatus reports the credentials of mc and probes its endpoint.
func (s *session) sendModelStatus(ctx context.Context, mc *providers.ModelContext, timeout time.Duration) error {
	if mc == nil {
		return s.status(protocol.StatusNoModel, "No model configured — clients must send full credentials")
	}

	display := providers.DisplayName(mc.Provider)
	if err := s.status(protocol.StatusModelConfigured, fmt.Sprintf("%s / %s", display, mc.Model)); err != nil {
		return err
	}
	switch {
	case mc.APIKey != "":
		if err := s.status(protocol.StatusCredentialsLoaded, fmt.Sprintf("%s API key loaded", display)); err != nil {
			return err
		}
	case providers.SecretKeyFor(mc.Provider) != "":
		if err := s.status(protocol.StatusCredentialsMissing, fmt.Sprintf("No API key for %s — model calls will fail", display)); err != nil {
			return err
		}
	}

	if err := s.status(protocol.StatusModelConnecting, fmt.Sprintf("Probing %s …", mc.BaseURL)); err != nil {
		return err
	}

	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	res := s.srv.opts.Probe(probeCtx, *mc)
	cancel()

	logger.DebugCF("gateway", "Model probe finished", map[string]any{
		"session":  s.id,
		"provider": mc.Provider,
		"kind":     int(res.Kind),
		"detail":   res.Detail,
	})

	switch res.Kind {
	case providers.ProbeReady:
		return s.status(protocol.StatusModelReady, fmt.Sprintf("%s / %s ready", display, mc.Model))
	case providers.ProbeConnected:
		return s.status(protocol.StatusModelReady, fmt.Sprintf("%s / %s connected (probe: %s)", display, mc.Model, res.Detail))
	case providers.ProbeAuthError:
		return s.status(protocol.StatusModelError, fmt.Sprintf("%s auth failed: %s", display, res.Detail))
	default:
		return s.status(protocol.StatusModelError, fmt.Sprintf("%s probe failed: %s", display, res.Detail))
	}
}

func (s *session) status(kind protocol.StatusType, detail string) error {
	return s.conn.WriteFrame(&protocol.Status{Status: kind, Detail: detail})
}

package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/sipeed/picogate/pkg/audit"
	"github.com/sipeed/picogate/pkg/logger"
	"github.com/sipeed/picogate/pkg/protocol"
)

// Reload re-reads the configuration and swaps the model context and the
// permission policy. Other settings take effect on restart. Requests
// already running keep the snapshot they started with.
func (s *Server) Reload(ctx context.Context, source string) error {
	_, err := s.reload(ctx, source)
	return err
}

func (s *Server) reload(ctx context.Context, source string) (*snapshot, error) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	if s.opts.Load == nil {
		return nil, errors.New("reload is not supported")
	}
	cfg, err := s.opts.Load()
	if err == nil && cfg == nil {
		err = errors.New("empty configuration")
	}
	if err != nil {
		logger.WarnCF("gateway", "Config reload failed", map[string]any{"source": source, "error": err.Error()})
		s.opts.Audit.Record(ctx, audit.Event{
			Type:   audit.EventTypeConfigChange,
			Source: source,
			Action: "reload",
			Detail: err.Error(),
		})
		return nil, err
	}

	snap := newSnapshot(cfg, s.opts.Vault)
	s.state.store(snap)

	fields := map[string]any{"source": source}
	detail := "no model"
	if snap.model != nil {
		fields["provider"] = snap.model.Provider
		fields["model"] = snap.model.Model
		detail = fmt.Sprintf("%s / %s", snap.model.Provider, snap.model.Model)
	}
	logger.InfoCF("gateway", "Config reloaded", fields)
	s.opts.Audit.Record(ctx, audit.Event{
		Type:    audit.EventTypeConfigChange,
		Source:  source,
		Action:  "reload",
		Success: true,
		Detail:  detail,
	})
	if s.opts.OnReload != nil {
		s.opts.OnReload(cfg)
	}
	return snap, nil
}

// refreshModel resolves the model context again with the current
// configuration. Keys stored in the vault become visible after unlock.
func (s *Server) refreshModel() {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	cur := s.state.load()
	s.state.store(newSnapshot(cur.cfg, s.opts.Vault))
}

func (s *session) handleReload(ctx context.Context) error {
	snap, err := s.srv.reload(ctx, s.id)
	if err != nil {
		return s.conn.WriteFrame(&protocol.ReloadResult{Message: err.Error()})
	}
	res := &protocol.ReloadResult{OK: true, Message: "Configuration reloaded"}
	if snap.model != nil {
		res.Provider = snap.model.Provider
		res.Model = snap.model.Model
	}
	return s.conn.WriteFrame(res)
}

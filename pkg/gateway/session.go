package gateway

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sipeed/picogate/pkg/agent"
	"github.com/sipeed/picogate/pkg/auth"
	"github.com/sipeed/picogate/pkg/logger"
	"github.com/sipeed/picogate/pkg/protocol"
	"github.com/sipeed/picogate/pkg/providers"
)

const (
	queueSize    = 32
	responseSize = 4
)

// session is one authenticated connection. The reader goroutine consumes
// every inbound frame so Cancel, approvals and prompt answers are seen
// while the processor is busy with a Chat request. Only the processor
// writes to the socket; errors raised by the reader wait in notices
// until the current request has finished.
type session struct {
	id   string
	ip   string
	srv  *Server
	conn *wsConn

	cancelled atomic.Bool
	approvals chan protocol.ToolApprovalResponse
	prompts   chan protocol.UserPromptResponse
	queue     chan protocol.ClientFrame
	notices   chan protocol.ServerFrame

	chatMu     sync.Mutex
	chatCancel context.CancelFunc
}

func newSession(srv *Server, conn *wsConn, ip string) *session {
	return &session{
		id:        uuid.NewString(),
		ip:        ip,
		srv:       srv,
		conn:      conn,
		approvals: make(chan protocol.ToolApprovalResponse, responseSize),
		prompts:   make(chan protocol.UserPromptResponse, responseSize),
		queue:     make(chan protocol.ClientFrame, queueSize),
		notices:   make(chan protocol.ServerFrame, queueSize),
	}
}

func (s *session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, s.conn.close)
	defer stop()
	defer s.teardown()

	logger.InfoCF("gateway", "Client connected", map[string]any{"session": s.id, "ip": s.ip})

	if gate := s.srv.opts.Gate; gate != nil {
		st, err := gate.Authenticate(ctx, s.ip, s.conn)
		if err != nil || st != auth.StateAuthenticated {
			fields := map[string]any{"session": s.id, "ip": s.ip, "state": st.String()}
			if err != nil {
				fields["error"] = err.Error()
			}
			logger.InfoCF("gateway", "Client not authenticated", fields)
			return
		}
	}

	s.conn.keepalive()
	go s.conn.ping(ctx)
	go s.readLoop(ctx, cancel)

	if err := s.sendHello(ctx); err != nil {
		logger.WarnCF("gateway", "Failed to send hello", map[string]any{"session": s.id, "error": err.Error()})
		return
	}
	s.processLoop(ctx)
}

func (s *session) teardown() {
	s.conn.close()
	s.srv.opts.Limiter.Forget(s.id)
	logger.InfoCF("gateway", "Client disconnected", map[string]any{"session": s.id, "ip": s.ip})
}

func (s *session) readLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	defer close(s.queue)

	for {
		frame, err := s.conn.next()
		if err != nil {
			if protocol.IsDecodeError(err) {
				s.srv.totalFrames.Add(1)
				s.notify(&protocol.ErrorFrame{Message: "Protocol error: " + err.Error()})
				continue
			}
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.WarnCF("gateway", "Connection read failed", map[string]any{"session": s.id, "error": err.Error()})
			}
			return
		}
		s.srv.totalFrames.Add(1)
		s.route(frame)
	}
}

// route handles the frames that must not wait behind a running request.
func (s *session) route(frame protocol.ClientFrame) {
	switch f := frame.(type) {
	case *protocol.Cancel:
		s.cancelled.Store(true)
		s.chatMu.Lock()
		if s.chatCancel != nil {
			s.chatCancel()
		}
		s.chatMu.Unlock()
		logger.InfoCF("gateway", "Cancel requested", map[string]any{"session": s.id})
	case *protocol.ToolApprovalResponse:
		select {
		case s.approvals <- *f:
		default:
			logger.WarnCF("gateway", "Dropping approval response", map[string]any{"session": s.id, "id": f.ID})
		}
	case *protocol.UserPromptResponse:
		select {
		case s.prompts <- *f:
		default:
			logger.WarnCF("gateway", "Dropping prompt response", map[string]any{"session": s.id, "id": f.ID})
		}
	default:
		select {
		case s.queue <- frame:
		default:
			s.notify(&protocol.ErrorFrame{Message: fmt.Sprintf("Gateway busy: %s dropped", frame.ClientType())})
		}
	}
}

func (s *session) processLoop(ctx context.Context) {
	for {
		var err error
		select {
		case <-ctx.Done():
			return
		case f := <-s.notices:
			err = s.conn.WriteFrame(f)
		case frame, ok := <-s.queue:
			if !ok {
				s.flushNotices()
				return
			}
			if err = s.flushNotices(); err == nil {
				err = s.handle(ctx, frame)
			}
		}
		if err != nil {
			logger.WarnCF("gateway", "Failed to write frame", map[string]any{"session": s.id, "error": err.Error()})
			return
		}
	}
}

// flushNotices writes every pending reader error.
func (s *session) flushNotices() error {
	for {
		select {
		case f := <-s.notices:
			if err := s.conn.WriteFrame(f); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (s *session) handle(ctx context.Context, frame protocol.ClientFrame) error {
	switch f := frame.(type) {
	case *protocol.Chat:
		return s.handleChat(ctx, f)
	case *protocol.Reload:
		return s.handleReload(ctx)
	case *protocol.AuthResponse:
		return s.conn.WriteFrame(&protocol.ErrorFrame{Message: "Already authenticated"})
	}
	if handled, err := s.handleVault(ctx, frame); handled {
		return err
	}
	return s.conn.WriteFrame(&protocol.ErrorFrame{Message: fmt.Sprintf("Unexpected frame: %s", frame.ClientType())})
}

func (s *session) handleChat(ctx context.Context, f *protocol.Chat) error {
	s.cancelled.Store(false)
	snap := s.srv.state.load()

	req := &providers.Request{
		Messages: toMessages(f.Messages),
		Model:    f.Model,
		Provider: f.Provider,
		BaseURL:  f.BaseURL,
		APIKey:   f.APIKey,
	}
	overridden := f.Provider != "" || f.Model != ""
	if err := req.Merge(snap.model); err != nil {
		if werr := s.conn.WriteFrame(&protocol.ErrorFrame{Message: err.Error()}); werr != nil {
			return werr
		}
		return s.conn.WriteFrame(&protocol.ResponseDone{})
	}

	chatCtx, cancel := context.WithCancel(ctx)
	s.setChatCancel(cancel)
	defer func() {
		s.setChatCancel(nil)
		cancel()
	}()
	if s.cancelled.Load() {
		cancel()
	}

	conv := agent.NewConversation(req, &agent.Session{
		ID:        s.id,
		Workspace: snap.cfg.Gateway.Workspace,
		Send:      s.conn.WriteFrame,
		Cancelled: &s.cancelled,
		Approvals: s.approvals,
		Prompts:   s.prompts,
		Policy:    snap.policy,
	})
	conv.UseFailover = snap.cfg.Failover.Enabled && !overridden

	logger.InfoCF("gateway", "Chat request", map[string]any{
		"session":  s.id,
		"provider": req.Provider,
		"model":    req.Model,
		"messages": len(req.Messages),
		"failover": conv.UseFailover,
	})
	return s.srv.opts.Engine.Run(chatCtx, conv)
}

func (s *session) setChatCancel(fn context.CancelFunc) {
	s.chatMu.Lock()
	s.chatCancel = fn
	s.chatMu.Unlock()
}

// notify queues an error raised by the reader for the processor to send
// once no request is streaming.
func (s *session) notify(f protocol.ServerFrame) {
	select {
	case s.notices <- f:
	default:
		logger.WarnCF("gateway", "Dropping notice", map[string]any{"session": s.id, "type": f.ServerType()})
	}
}

func toMessages(in []protocol.ChatMessage) []providers.Message {
	out := make([]providers.Message, 0, len(in))
	for _, m := range in {
		msg := providers.Message{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, md := range m.Media {
			msg.Media = append(msg.Media, providers.Media{MimeType: md.MimeType, Data: md.Data, URL: md.URL})
		}
		out = append(out, msg)
	}
	return out
}

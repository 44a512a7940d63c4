package agent

import (
	"sync/atomic"

	"github.com/sipeed/picogate/pkg/contextmgr"
	"github.com/sipeed/picogate/pkg/protocol"
	"github.com/sipeed/picogate/pkg/providers"
	"github.com/sipeed/picogate/pkg/tools"
)

// Session holds the per-connection handles the engine needs. The gateway
// creates one per connection and reuses it for every Chat request.
type Session struct {
	ID        string
	Workspace string

	// Send writes one frame. It is only called from the goroutine running
	// the engine.
	Send func(protocol.ServerFrame) error

	// Cancelled is raised by the connection reader when a Cancel frame
	// arrives.
	Cancelled *atomic.Bool
	Approvals <-chan protocol.ToolApprovalResponse
	Prompts   <-chan protocol.UserPromptResponse

	// Policy is the permission snapshot taken when the request started.
	Policy tools.Policy
}

func (s *Session) cancelled() bool {
	return s.Cancelled != nil && s.Cancelled.Load()
}

// Conversation is one Chat request in flight.
type Conversation struct {
	Request *providers.Request
	Session *Session

	// UseFailover routes provider calls through the failover manager. The
	// gateway sets it when the client did not pick a provider or model.
	UseFailover bool

	flush         contextmgr.RequestState
	continuations int
	activeSkill   string
}

func NewConversation(req *providers.Request, sess *Session) *Conversation {
	return &Conversation{Request: req, Session: sess}
}

// ActiveSkill returns the skill activated during this request, if any.
func (c *Conversation) ActiveSkill() string { return c.activeSkill }

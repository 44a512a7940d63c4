// Package agent runs the tool loop of a Chat request: provider call, tool
// execution under the permission policy, and the appended round, until
// the model answers without tools or a limit is hit.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sipeed/picogate/pkg/audit"
	"github.com/sipeed/picogate/pkg/contextmgr"
	"github.com/sipeed/picogate/pkg/failover"
	"github.com/sipeed/picogate/pkg/logger"
	"github.com/sipeed/picogate/pkg/protocol"
	"github.com/sipeed/picogate/pkg/providers"
	"github.com/sipeed/picogate/pkg/skills"
	"github.com/sipeed/picogate/pkg/tools"
	"github.com/sipeed/picogate/pkg/vault"
)

// Options are the shared capabilities an Engine drives. Only Adapters is
// required.
type Options struct {
	Adapters *providers.Adapters
	Tokens   *providers.TokenResolver
	Context  *contextmgr.Manager
	Tools    tools.Executor
	Vault    vault.Vault
	Skills   *skills.Manager
	Failover *failover.Manager
	Audit    audit.Recorder
	Limiter  ToolLimiter

	ApprovalTimeout time.Duration
	PromptTimeout   time.Duration
}

// ToolLimiter throttles tool executions per session.
type ToolLimiter interface {
	AllowToolExecution(session string) bool
}

// Engine runs Conversations. It keeps no per-request state and is shared
// by every connection.
type Engine struct {
	cfg  Config
	opts Options
}

func NewEngine(cfg Config, opts Options) *Engine {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	cfg.AutoContinue = cfg.AutoContinue.withDefaults()
	if opts.Tokens == nil {
		opts.Tokens = providers.NewTokenResolver(nil)
	}
	if opts.Audit == nil {
		opts.Audit = audit.Nop{}
	}
	if opts.ApprovalTimeout <= 0 {
		opts.ApprovalTimeout = 120 * time.Second
	}
	if opts.PromptTimeout <= 0 {
		opts.PromptTimeout = 300 * time.Second
	}
	return &Engine{cfg: cfg, opts: opts}
}

// tokenError marks a failed bearer-token resolution.
type tokenError struct{ err error }

func (e *tokenError) Error() string { return e.err.Error() }
func (e *tokenError) Unwrap() error { return e.err }

// Run drives conv to completion. Every outcome is reported to the client
// and ends with one ResponseDone; the returned error is non-nil only when
// a frame could not be sent.
func (e *Engine) Run(ctx context.Context, conv *Conversation) error {
	req := conv.Request
	sess := conv.Session

	req.Tools = e.definitions()
	e.injectSkillContext(req)

	if err := sess.Send(&protocol.StreamStart{}); err != nil {
		return err
	}

	for round := 1; round <= e.cfg.MaxRounds; round++ {
		if sess.cancelled() || ctx.Err() != nil {
			logger.InfoCF("agent", "Tool loop cancelled", map[string]any{"session": sess.ID, "round": round})
			return e.finish(sess, "Tool loop cancelled by user.")
		}

		logger.DebugCF("agent", "Tool loop round", map[string]any{
			"session":  sess.ID,
			"round":    round,
			"messages": len(req.Messages),
			"provider": req.Provider,
			"model":    req.Model,
		})

		bearer, err := e.opts.Tokens.Resolve(ctx, req.Provider, req.APIKey)
		if err != nil && !conv.UseFailover {
			return e.fail(sess, fmt.Sprintf("Token refresh failed: %v", err))
		}

		if err := e.prepareContext(ctx, conv, bearer); err != nil {
			return err
		}

		resp, adapter, err := e.call(ctx, conv, bearer)
		if err != nil {
			var te *tokenError
			if errors.As(err, &te) {
				return e.fail(sess, fmt.Sprintf("Token refresh failed: %v", te.err))
			}
			if ctx.Err() != nil || sess.cancelled() {
				return e.finish(sess, "Tool loop cancelled by user.")
			}
			logger.ErrorCF("agent", "Provider call failed", map[string]any{
				"session":  sess.ID,
				"provider": req.Provider,
				"error":    err.Error(),
			})
			return e.fail(sess, fmt.Sprintf("Provider error: %v", err))
		}

		if len(resp.ToolCalls) == 0 {
			stop, err := e.answer(conv, adapter, resp)
			if err != nil || stop {
				return err
			}
			continue
		}

		if err := e.forward(sess, adapter, resp, false); err != nil {
			return err
		}
		conv.continuations = 0
		logger.InfoCF("agent", "Model requested tool calls", map[string]any{
			"session": sess.ID,
			"round":   round,
			"count":   len(resp.ToolCalls),
		})

		results := make([]providers.ToolResult, 0, len(resp.ToolCalls))
		for _, tc := range resp.ToolCalls {
			res, err := e.runTool(ctx, conv, tc)
			if err != nil {
				return err
			}
			results = append(results, res)
		}
		req.Messages = adapter.AppendRound(req.Messages, resp, results)
	}

	logger.WarnCF("agent", "Tool round limit reached", map[string]any{"session": sess.ID, "rounds": e.cfg.MaxRounds})
	return e.fail(sess, fmt.Sprintf("Safety limit reached (%d tool rounds) — stopping to prevent an infinite loop.", e.cfg.MaxRounds))
}

// answer handles a response without tool calls. It reports stop=false
// when an auto-continuation turn was appended.
func (e *Engine) answer(conv *Conversation, adapter providers.Adapter, resp *providers.Response) (bool, error) {
	sess := conv.Session
	reason := resp.FinishReason

	if isNormalStop(reason) && e.cfg.AutoContinue.shouldContinue(resp.Text, conv.continuations) {
		if err := e.forward(sess, adapter, resp, true); err != nil {
			return true, err
		}
		conv.continuations++
		logger.InfoCF("agent", "Auto-continuing after unfinished intent", map[string]any{
			"session":       sess.ID,
			"continuations": conv.continuations,
		})
		conv.Request.Messages = append(conv.Request.Messages,
			providers.Message{Role: providers.RoleAssistant, Content: resp.Text},
			providers.Message{Role: providers.RoleUser, Content: e.cfg.AutoContinue.Prompt},
		)
		return false, nil
	}

	if err := e.forward(sess, adapter, resp, false); err != nil {
		return true, err
	}
	switch {
	case isNormalStop(reason):
		return true, sess.Send(&protocol.ResponseDone{OK: true})
	case reason == providers.FinishLength:
		return true, e.finish(sess, "Response truncated due to token limit.")
	default:
		return true, e.finish(sess, fmt.Sprintf("Model finished with reason '%s' but no tool calls.", reason))
	}
}

func isNormalStop(reason string) bool {
	switch reason {
	case "", providers.FinishStop, "end_turn":
		return true
	}
	return false
}

// forward sends the output of a non-streaming adapter. Streaming adapters
// already delivered their text through the sink.
func (e *Engine) forward(sess *Session, adapter providers.Adapter, resp *providers.Response, continuing bool) error {
	if adapter.Streams() {
		if continuing && resp.Text != "" {
			return sess.Send(&protocol.Chunk{Delta: "\n"})
		}
		return nil
	}
	if resp.Thinking != "" {
		for _, f := range []protocol.ServerFrame{
			&protocol.ThinkingStart{},
			&protocol.ThinkingDelta{Delta: resp.Thinking},
			&protocol.ThinkingEnd{},
		} {
			if err := sess.Send(f); err != nil {
				return err
			}
		}
	}
	if resp.Text == "" {
		return nil
	}
	text := resp.Text
	if continuing {
		text += "\n"
	}
	return sess.Send(&protocol.Chunk{Delta: text})
}

// prepareContext runs the context manager on the working request.
// Compaction failures are reported and the request proceeds as is.
func (e *Engine) prepareContext(ctx context.Context, conv *Conversation, bearer string) error {
	if e.opts.Context == nil {
		return nil
	}
	sess := conv.Session
	adapter := e.opts.Adapters.For(conv.Request.Provider)
	mgr := e.opts.Context.WithSummarizer(func(ctx context.Context, sreq *providers.Request) (*providers.Response, error) {
		sreq.APIKey = bearer
		return adapter.Call(ctx, sreq, providers.NopSink{})
	})

	out, err := mgr.Prepare(ctx, conv.Request, &conv.flush)
	if err != nil {
		logger.WarnCF("agent", "Context compaction failed", map[string]any{"session": sess.ID, "error": err.Error()})
		return sess.Send(&protocol.Info{Message: fmt.Sprintf("Context compaction failed: %v", err)})
	}
	if out.Compacted {
		return sess.Send(&protocol.Info{Message: out.Summary()})
	}
	return nil
}

// call performs one provider call and returns the adapter that served it.
func (e *Engine) call(ctx context.Context, conv *Conversation, bearer string) (*providers.Response, providers.Adapter, error) {
	sink := &frameSink{send: conv.Session.Send}

	if conv.UseFailover && e.opts.Failover != nil {
		res, err := e.opts.Failover.Execute(ctx, func(ctx context.Context, c failover.Candidate) (*providers.Response, error) {
			key, err := e.opts.Tokens.Resolve(ctx, c.Provider, c.APIKey)
			if err != nil {
				return nil, &tokenError{err: err}
			}
			call := conv.Request.Clone()
			call.Provider, call.Model, call.BaseURL, call.APIKey = c.Provider, c.Model, c.BaseURL, key
			adapter := e.opts.Adapters.For(c.Provider)
			resp, err := adapter.Call(ctx, call, sinkFor(adapter, sink))
			if err != nil && sink.emitted {
				// The client already holds part of this answer.
				return nil, failover.Fatal(err)
			}
			return resp, err
		})
		if err != nil {
			return nil, nil, err
		}
		if len(res.Attempts) > 0 {
			logger.InfoCF("agent", "Failover served request", map[string]any{
				"provider": res.Candidate.Name,
				"attempts": len(res.Attempts) + 1,
			})
		}
		return res.Response, e.opts.Adapters.For(res.Candidate.Provider), nil
	}

	call := conv.Request.Clone()
	call.APIKey = bearer
	adapter := e.opts.Adapters.For(call.Provider)
	resp, err := adapter.Call(ctx, call, sinkFor(adapter, sink))
	return resp, adapter, err
}

func sinkFor(a providers.Adapter, s providers.Sink) providers.Sink {
	if a.Streams() {
		return s
	}
	return providers.NopSink{}
}

// frameSink turns streamed output into frames. emitted is set once any
// frame has been sent.
type frameSink struct {
	send    func(protocol.ServerFrame) error
	emitted bool
}

func (s *frameSink) emit(f protocol.ServerFrame) error {
	s.emitted = true
	return s.send(f)
}

func (s *frameSink) Text(delta string) error {
	return s.emit(&protocol.Chunk{Delta: delta})
}

func (s *frameSink) ThinkingStart() error { return s.emit(&protocol.ThinkingStart{}) }

func (s *frameSink) ThinkingDelta(delta string) error {
	return s.emit(&protocol.ThinkingDelta{Delta: delta})
}

func (s *frameSink) ThinkingEnd() error { return s.emit(&protocol.ThinkingEnd{}) }

// definitions lists every tool offered to the model.
func (e *Engine) definitions() []providers.ToolDefinition {
	var defs []providers.ToolDefinition
	if e.opts.Tools != nil {
		defs = append(defs, e.opts.Tools.Definitions()...)
	}
	defs = append(defs, tools.UserPromptDefinition())
	if e.opts.Vault != nil {
		defs = append(defs, tools.SecretsDefinitions()...)
	}
	if e.opts.Skills != nil {
		defs = append(defs, skills.Definitions()...)
	}
	return defs
}

// injectSkillContext appends the available skills to the system prompt,
// adding a system message when the client sent none.
func (e *Engine) injectSkillContext(req *providers.Request) {
	if e.opts.Skills == nil {
		return
	}
	block := e.opts.Skills.PromptContext()
	if block == "" {
		return
	}
	if len(req.Messages) > 0 && req.Messages[0].Role == providers.RoleSystem {
		req.Messages[0].Content = strings.TrimRight(req.Messages[0].Content, "\n") + "\n\n" + block
		return
	}
	req.Messages = append([]providers.Message{{Role: providers.RoleSystem, Content: block}}, req.Messages...)
}

// finish ends a request with a notice.
func (e *Engine) finish(sess *Session, msg string) error {
	if err := sess.Send(&protocol.Info{Message: msg}); err != nil {
		return err
	}
	return sess.Send(&protocol.ResponseDone{OK: true})
}

// fail ends a request with an error.
func (e *Engine) fail(sess *Session, msg string) error {
	if err := sess.Send(&protocol.ErrorFrame{Message: msg}); err != nil {
		return err
	}
	return sess.Send(&protocol.ResponseDone{OK: false})
}

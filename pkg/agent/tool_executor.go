package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sipeed/picogate/pkg/audit"
	"github.com/sipeed/picogate/pkg/logger"
	"github.com/sipeed/picogate/pkg/protocol"
	"github.com/sipeed/picogate/pkg/providers"
	"github.com/sipeed/picogate/pkg/skills"
	"github.com/sipeed/picogate/pkg/tools"
	"github.com/sipeed/picogate/pkg/vault"
)

// cancelPoll is how often a wait for the user re-checks the cancel flag.
const cancelPoll = 200 * time.Millisecond

// outcome is the result of one tool call before sanitizing.
type outcome struct {
	output   string
	isError  bool
	decision string
}

// runTool announces tc, applies its permission, executes it and reports
// the result. The error is non-nil only when a frame could not be sent.
func (e *Engine) runTool(ctx context.Context, conv *Conversation, tc providers.ToolCall) (providers.ToolResult, error) {
	sess := conv.Session
	args := tc.ArgumentsJSON()

	logger.InfoCF("agent", fmt.Sprintf("Tool call: %s", tc.Name), map[string]any{
		"session": sess.ID,
		"id":      tc.ID,
		"args":    truncate(string(args), 200),
	})
	if err := sess.Send(&protocol.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: args}); err != nil {
		return providers.ToolResult{}, err
	}

	start := time.Now()
	out, err := e.dispatch(ctx, conv, tc, args)
	if err != nil {
		return providers.ToolResult{}, err
	}
	out.output = tools.Sanitize(out.output)

	e.opts.Audit.Record(ctx, audit.Event{
		Type:     audit.EventTypeToolExecution,
		Session:  sess.ID,
		Source:   "agent",
		Action:   out.decision,
		Resource: tc.Name,
		Success:  !out.isError,
		Detail:   auditDetail(tc),
	})
	logger.DebugCF("agent", "Tool result", map[string]any{
		"tool":        tc.Name,
		"decision":    out.decision,
		"is_error":    out.isError,
		"duration_ms": time.Since(start).Milliseconds(),
		"bytes":       len(out.output),
	})

	res := providers.ToolResult{ID: tc.ID, Name: tc.Name, Output: out.output, IsError: out.isError}
	if err := sess.Send(&protocol.ToolResult{ID: res.ID, Name: res.Name, Result: res.Output, IsError: res.IsError}); err != nil {
		return providers.ToolResult{}, err
	}
	return res, nil
}

// dispatch applies the permission policy and routes tc to the subsystem
// owning the tool.
func (e *Engine) dispatch(ctx context.Context, conv *Conversation, tc providers.ToolCall, args json.RawMessage) (outcome, error) {
	sess := conv.Session
	perm := sess.Policy.Lookup(tc.Name)
	decision := perm.Kind.String()

	if sess.cancelled() {
		return outcome{output: "Tool loop cancelled by user.", isError: true, decision: "cancelled"}, nil
	}

	approved := false
	switch perm.Kind {
	case tools.Deny:
		return outcome{
			output:   fmt.Sprintf("Tool '%s' is denied by permission policy.", tc.Name),
			isError:  true,
			decision: decision,
		}, nil
	case tools.SkillOnly:
		if !perm.AllowsSkill(conv.activeSkill) {
			return outcome{
				output:   fmt.Sprintf("Tool '%s' is restricted to skills: %s", tc.Name, strings.Join(perm.Skills, ", ")),
				isError:  true,
				decision: "skill_only:denied",
			}, nil
		}
	case tools.Ask:
		ok, err := e.awaitApproval(ctx, sess, tc.ID, tc.Name, args)
		if err != nil {
			return outcome{}, err
		}
		if !ok {
			return outcome{
				output:   fmt.Sprintf("Tool '%s' was not approved by the user.", tc.Name),
				isError:  true,
				decision: "ask:denied",
			}, nil
		}
		approved = true
		decision = "ask:approved"
	}

	var out outcome
	var err error
	switch {
	case tc.Name == tools.UserPromptTool:
		out, err = e.askUser(ctx, sess, tc)
	case tools.IsSecretsTool(tc.Name):
		out, err = e.runSecrets(ctx, conv, tc, args, approved)
	case skills.IsSkillTool(tc.Name) && e.opts.Skills != nil:
		out = e.runSkill(conv, tc)
	default:
		out = e.execute(ctx, sess, tc)
	}
	if out.decision == "" {
		out.decision = decision
	}
	return out, err
}

func (e *Engine) execute(ctx context.Context, sess *Session, tc providers.ToolCall) outcome {
	if e.opts.Tools == nil {
		return outcome{output: fmt.Sprintf("Unknown tool: %s", tc.Name), isError: true}
	}
	if e.opts.Limiter != nil && !e.opts.Limiter.AllowToolExecution(sess.ID) {
		return outcome{output: "Tool rate limit exceeded. Wait a moment before calling more tools.", isError: true, decision: "rate_limited"}
	}
	out, err := e.opts.Tools.Execute(ctx, tc.Name, tc.Arguments, sess.Workspace)
	if err != nil {
		if out != "" {
			return outcome{output: out + "\n" + err.Error(), isError: true}
		}
		return outcome{output: err.Error(), isError: true}
	}
	return outcome{output: out}
}

func (e *Engine) runSkill(conv *Conversation, tc providers.ToolCall) outcome {
	res, err := e.opts.Skills.Execute(tc.Name, tc.Arguments)
	if err != nil {
		return outcome{output: err.Error(), isError: true}
	}
	if res.Activated != "" {
		conv.activeSkill = res.Activated
		logger.InfoCF("agent", "Skill activated", map[string]any{"session": conv.Session.ID, "skill": res.Activated})
	}
	return outcome{output: res.Output}
}

// runSecrets executes a vault tool. A read the credential policy holds
// for approval is escalated to the user once.
func (e *Engine) runSecrets(ctx context.Context, conv *Conversation, tc providers.ToolCall, args json.RawMessage, approved bool) (outcome, error) {
	sess := conv.Session
	secrets := tools.Secrets{Vault: e.opts.Vault}
	ac := vault.AccessContext{UserApproved: approved, ActiveSkill: conv.activeSkill}

	out, err := secrets.Execute(tc.Name, tc.Arguments, ac)
	if errors.Is(err, vault.ErrApprovalRequired) {
		ok, werr := e.awaitApproval(ctx, sess, tc.ID, tc.Name, args)
		if werr != nil {
			return outcome{}, werr
		}
		if !ok {
			key, _ := tc.Arguments["key"].(string)
			return outcome{
				output:   fmt.Sprintf("Access to secret '%s' was not approved by the user.", key),
				isError:  true,
				decision: "vault:denied",
			}, nil
		}
		ac.UserApproved = true
		out, err = secrets.Execute(tc.Name, tc.Arguments, ac)
		if err == nil {
			return outcome{output: out, decision: "vault:approved"}, nil
		}
	}
	if err != nil {
		return outcome{output: err.Error(), isError: true}, nil
	}
	return outcome{output: out}, nil
}

// awaitApproval asks the user to approve a call and waits for the answer.
// Anything but an explicit approval for this id is a denial.
func (e *Engine) awaitApproval(ctx context.Context, sess *Session, id, name string, args json.RawMessage) (bool, error) {
	drainApprovals(sess.Approvals)
	if err := sess.Send(&protocol.ToolApprovalRequest{ID: id, Name: name, Arguments: args}); err != nil {
		return false, err
	}

	timer := time.NewTimer(e.opts.ApprovalTimeout)
	defer timer.Stop()
	ticker := time.NewTicker(cancelPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, nil
		case <-timer.C:
			logger.WarnCF("agent", "Tool approval timed out", map[string]any{"session": sess.ID, "tool": name})
			return false, nil
		case <-ticker.C:
			if sess.cancelled() {
				return false, nil
			}
		case resp, ok := <-sess.Approvals:
			if !ok {
				return false, nil
			}
			if resp.ID != id {
				logger.WarnCF("agent", "Discarding approval for another call", map[string]any{
					"session":  sess.ID,
					"expected": id,
					"got":      resp.ID,
				})
				return false, nil
			}
			return resp.Approved, nil
		}
	}
}

// askUser sends a UserPromptRequest and waits for the answer. Dismissal
// and timeout are ordinary results the model can react to.
func (e *Engine) askUser(ctx context.Context, sess *Session, tc providers.ToolCall) (outcome, error) {
	prompt, err := tools.ParsePrompt(tc.Arguments)
	if err != nil {
		return outcome{output: err.Error(), isError: true}, nil
	}

	id := uuid.NewString()
	drainPrompts(sess.Prompts)
	if err := sess.Send(&protocol.UserPromptRequest{ID: id, Prompt: prompt}); err != nil {
		return outcome{}, err
	}

	timer := time.NewTimer(e.opts.PromptTimeout)
	defer timer.Stop()
	ticker := time.NewTicker(cancelPoll)
	defer ticker.Stop()

	dismissed := outcome{output: "User dismissed the prompt."}
	for {
		select {
		case <-ctx.Done():
			return dismissed, nil
		case <-timer.C:
			return outcome{output: fmt.Sprintf("User did not respond within %ds.", int(e.opts.PromptTimeout.Seconds()))}, nil
		case <-ticker.C:
			if sess.cancelled() {
				return dismissed, nil
			}
		case resp, ok := <-sess.Prompts:
			if !ok || resp.ID != id || resp.Dismissed {
				return dismissed, nil
			}
			return outcome{output: tools.FormatPromptAnswer(resp.Value)}, nil
		}
	}
}

// Answers left over from an earlier wait would otherwise be read as the
// answer to the next one.
func drainApprovals(ch <-chan protocol.ToolApprovalResponse) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func drainPrompts(ch <-chan protocol.UserPromptResponse) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// auditDetail is what the audit trail keeps about a call's arguments.
// Secret values never reach it.
func auditDetail(tc providers.ToolCall) string {
	switch {
	case tc.Name == "execute_command":
		cmd, _ := tc.Arguments["command"].(string)
		return cmd
	case tools.IsSecretsTool(tc.Name):
		key, _ := tc.Arguments["key"].(string)
		return key
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

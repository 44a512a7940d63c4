// Package auth implements the per-connection TOTP handshake and the
// per-address attempt limiter behind it.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sipeed/picogate/pkg/audit"
	"github.com/sipeed/picogate/pkg/logger"
	"github.com/sipeed/picogate/pkg/protocol"
)

// DefaultChallengeTimeout bounds each wait for an AuthResponse.
const DefaultChallengeTimeout = 120 * time.Second

// Conn is the frame transport the handshake runs over. ReadFrame returns a
// *protocol.DecodeError for messages that are not valid frames.
type Conn interface {
	WriteFrame(f protocol.ServerFrame) error
	ReadFrame(ctx context.Context) (protocol.ClientFrame, error)
}

// Verifier checks TOTP codes. The vault implements it.
type Verifier interface {
	VerifyTOTP(code string) (bool, error)
}

// State is the handshake state of one connection.
type State int

const (
	StateIdle State = iota
	StateChallengeSent
	StateRetryChallengeSent
	StateAuthenticated
	StateLockedOut
	StateTimedOut
	StateFailed
)

var stateNames = [...]string{"idle", "challenge_sent", "retry_challenge_sent", "authenticated", "locked_out", "timed_out", "failed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Gate runs the TOTP challenge. One Gate is shared by all connections; the
// state lives on the stack of Authenticate.
type Gate struct {
	Verifier    Verifier
	Limiter     *Limiter
	Timeout     time.Duration
	MaxAttempts int
	Audit       audit.Recorder
}

func (g *Gate) timeout() time.Duration {
	if g.Timeout > 0 {
		return g.Timeout
	}
	return DefaultChallengeTimeout
}

func (g *Gate) maxAttempts() int {
	if g.MaxAttempts > 0 {
		return g.MaxAttempts
	}
	return DefaultMaxFailures
}

func (g *Gate) lockout() time.Duration {
	if g.Limiter != nil {
		return g.Limiter.cfg.Lockout
	}
	return DefaultLockout
}

// Authenticate runs the handshake for a client at ip. It returns the final
// state; only StateAuthenticated admits the connection. A non-nil error
// means the transport failed.
func (g *Gate) Authenticate(ctx context.Context, ip string, conn Conn) (State, error) {
	if retry, locked := g.Limiter.Check(ip); locked {
		secs := uint64((retry + time.Second - 1) / time.Second)
		g.record(ctx, ip, audit.ActionAuthLocked, false, "locked out on connect")
		return StateLockedOut, conn.WriteFrame(&protocol.AuthLocked{
			Message:    fmt.Sprintf("Too many failed attempts. Try again in %ds.", secs),
			RetryAfter: secs,
		})
	}

	if err := conn.WriteFrame(&protocol.AuthChallenge{Method: "totp"}); err != nil {
		return StateFailed, err
	}
	state := StateChallengeSent
	attempts := 0
	maxAttempts := g.maxAttempts()

	for {
		code, err := g.waitForCode(ctx, conn)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				g.record(ctx, ip, audit.ActionAuthFailure, false, "timed out")
				return StateTimedOut, conn.WriteFrame(&protocol.AuthResult{Message: "Authentication timed out."})
			}
			return StateFailed, err
		}

		valid, verr := g.Verifier.VerifyTOTP(strings.TrimSpace(code))
		if verr != nil {
			logger.WarnCF("auth", "TOTP verification error", map[string]any{"ip": ip, "error": verr.Error()})
		}
		if valid && verr == nil {
			g.Limiter.Clear(ip)
			g.record(ctx, ip, audit.ActionAuthSuccess, true, "")
			logger.InfoCF("auth", "Client authenticated", map[string]any{"ip": ip})
			return StateAuthenticated, conn.WriteFrame(&protocol.AuthResult{OK: true})
		}

		attempts++
		if g.Limiter.RecordFailure(ip) {
			g.record(ctx, ip, audit.ActionAuthLocked, false, fmt.Sprintf("attempt %d", attempts))
			logger.WarnCF("auth", "Client locked out", map[string]any{"ip": ip})
			return StateLockedOut, conn.WriteFrame(&protocol.AuthResult{
				Message: fmt.Sprintf("Invalid code. Too many failures — locked out for %ds.", int(g.lockout()/time.Second)),
			})
		}
		g.record(ctx, ip, audit.ActionAuthFailure, false, fmt.Sprintf("attempt %d", attempts))
		if attempts >= maxAttempts {
			return StateFailed, conn.WriteFrame(&protocol.AuthResult{Message: "Invalid code. Maximum attempts exceeded."})
		}

		remaining := maxAttempts - attempts
		plural := "s"
		if remaining == 1 {
			plural = ""
		}
		if err := conn.WriteFrame(&protocol.AuthResult{
			Retry:   true,
			Message: fmt.Sprintf("Invalid 2FA code. %d attempt%s remaining.", remaining, plural),
		}); err != nil {
			return StateFailed, err
		}
		state = StateRetryChallengeSent
		logger.DebugCF("auth", "Waiting for retry", map[string]any{"ip": ip, "state": state.String()})
	}
}

// waitForCode reads until an AuthResponse arrives. Other frames and
// undecodable messages are answered with an Error frame and do not count as
// attempts.
func (g *Gate) waitForCode(ctx context.Context, conn Conn) (string, error) {
	waitCtx, cancel := context.WithTimeout(ctx, g.timeout())
	defer cancel()

	for {
		frame, err := conn.ReadFrame(waitCtx)
		if err != nil {
			if protocol.IsDecodeError(err) {
				if werr := conn.WriteFrame(&protocol.ErrorFrame{Message: "Protocol error: " + err.Error()}); werr != nil {
					return "", werr
				}
				continue
			}
			return "", err
		}
		if resp, ok := frame.(*protocol.AuthResponse); ok {
			return resp.Code, nil
		}
		if err := conn.WriteFrame(&protocol.ErrorFrame{
			Message: fmt.Sprintf("Authentication required before %s.", frame.ClientType()),
		}); err != nil {
			return "", err
		}
	}
}

func (g *Gate) record(ctx context.Context, ip, action string, ok bool, detail string) {
	if g.Audit == nil {
		return
	}
	g.Audit.Record(ctx, audit.Event{
		Type:    audit.EventTypeAuth,
		Source:  ip,
		Action:  action,
		Success: ok,
		Detail:  detail,
	})
}

package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

const (
	defaultCommandTimeout = 30 * time.Second
	maxCapturedOutput     = 1 << 20
)

// ShellTool runs shell commands in the workspace through an embedded POSIX
// shell interpreter, so no system shell is required.
type ShellTool struct {
	Timeout time.Duration
	// Env is the environment of every command; nil means the process
	// environment.
	Env []string
}

func (*ShellTool) Name() string { return "execute_command" }
func (*ShellTool) Description() string {
	return "Execute a shell command in the workspace and return its output. " +
		"Standard error is appended after a [stderr] marker and a non-zero exit code is reported."
}

func (*ShellTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command":      map[string]any{"type": "string", "description": "The shell command to execute."},
			"working_dir":  map[string]any{"type": "string", "description": "Directory to run in, relative to the workspace. Default: the workspace."},
			"timeout_secs": map[string]any{"type": "integer", "description": "Timeout in seconds. Default: 30."},
		},
		"required": []string{"command"},
	}
}

func (t *ShellTool) Execute(ctx context.Context, args map[string]any, workspace string) (string, error) {
	command, ok := stringArg(args, "command")
	if !ok || strings.TrimSpace(command) == "" {
		return "", errors.New("Missing required parameter: command")
	}
	if workspace == "" {
		return "", errors.New("workspace is not defined")
	}

	dir := workspace
	if wd, _ := stringArg(args, "working_dir"); wd != "" {
		rel, err := relativeTo(workspace, wd)
		if err != nil {
			return "", err
		}
		dir = filepath.Join(workspace, rel)
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	if secs, ok := intArg(args, "timeout_secs"); ok && secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}

	file, err := syntax.NewParser().Parse(strings.NewReader(command), "")
	if err != nil {
		return "", fmt.Errorf("Failed to parse command: %w", err)
	}

	env := t.Env
	if env == nil {
		env = os.Environ()
	}
	stdout := &cappedBuffer{limit: maxCapturedOutput}
	stderr := &cappedBuffer{limit: maxCapturedOutput}
	runner, err := interp.New(
		interp.StdIO(nil, stdout, stderr),
		interp.Dir(dir),
		interp.Env(expand.ListEnviron(env...)),
	)
	if err != nil {
		return "", fmt.Errorf("Failed to execute command: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	runErr := runner.Run(runCtx, file)

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return "", fmt.Errorf("Command timed out after %d seconds", int(timeout/time.Second))
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	var sb strings.Builder
	sb.Write(stdout.Bytes())
	if stderr.Len() > 0 {
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString("[stderr]\n")
		sb.Write(stderr.Bytes())
	}
	if runErr != nil {
		status, ok := interp.IsExitStatus(runErr)
		if !ok {
			return "", fmt.Errorf("Failed to execute command: %w", runErr)
		}
		fmt.Fprintf(&sb, "\n[exit code: %d]", status)
	}
	if sb.Len() == 0 {
		return "(no output)", nil
	}
	return sb.String(), nil
}

// cappedBuffer keeps the first limit bytes written to it and discards
// the rest.
type cappedBuffer struct {
	bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.Len(); room > 0 {
		if len(p) > room {
			b.Buffer.Write(p[:room])
		} else {
			b.Buffer.Write(p)
		}
	}
	return len(p), nil
}

package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestShellTool_Stdout(t *testing.T) {
	tool := &ShellTool{}
	out, err := tool.Execute(context.Background(), map[string]any{"command": "echo hello"}, t.TempDir())
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if out != "hello\n" {
		t.Errorf("Execute() = %q, want %q", out, "hello\n")
	}
}

func TestShellTool_StderrAndExitCode(t *testing.T) {
	tool := &ShellTool{}
	out, err := tool.Execute(context.Background(), map[string]any{"command": "echo oops 1>&2; exit 3"}, t.TempDir())
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	want := "[stderr]\noops\n\n[exit code: 3]"
	if out != want {
		t.Errorf("Execute() = %q, want %q", out, want)
	}
}

func TestShellTool_NoOutput(t *testing.T) {
	out, err := (&ShellTool{}).Execute(context.Background(), map[string]any{"command": "true"}, t.TempDir())
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if out != "(no output)" {
		t.Errorf("Execute() = %q", out)
	}
}

func TestShellTool_WorkingDir(t *testing.T) {
	ws := t.TempDir()
	if err := os.Mkdir(filepath.Join(ws, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	out, err := (&ShellTool{}).Execute(context.Background(), map[string]any{"command": "pwd", "working_dir": "sub"}, ws)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if strings.TrimSpace(out) != filepath.Join(ws, "sub") {
		t.Errorf("pwd = %q", out)
	}

	if _, err := (&ShellTool{}).Execute(context.Background(), map[string]any{"command": "pwd", "working_dir": "../"}, ws); err == nil {
		t.Error("working_dir outside the workspace should be rejected")
	}
}

func TestShellTool_Timeout(t *testing.T) {
	tool := &ShellTool{Timeout: 100 * time.Millisecond}
	_, err := tool.Execute(context.Background(), map[string]any{"command": "sleep 5"}, t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("Execute() error = %v, want timeout", err)
	}
}

func TestShellTool_Errors(t *testing.T) {
	tool := &ShellTool{}
	if _, err := tool.Execute(context.Background(), map[string]any{}, t.TempDir()); err == nil {
		t.Error("missing command should fail")
	}
	if _, err := tool.Execute(context.Background(), map[string]any{"command": "echo 'unterminated"}, t.TempDir()); err == nil ||
		!strings.HasPrefix(err.Error(), "Failed to parse command") {
		t.Errorf("parse error = %v", err)
	}
}

func TestCappedBuffer(t *testing.T) {
	b := &cappedBuffer{limit: 4}
	n, _ := b.Write([]byte("abcdef"))
	if n != 6 || b.String() != "abcd" {
		t.Errorf("cappedBuffer kept %q (n=%d)", b.String(), n)
	}
}

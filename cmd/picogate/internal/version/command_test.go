package version

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewVersionCommand(t *testing.T) {
	cmd := NewVersionCommand()

	if cmd == nil {
		t.Fatalf("expected non-nil command")
	}

	if cmd.Use != "version" {
		t.Errorf("expected command name 'version', got %q", cmd.Use)
	}

	if !cmd.HasAlias("v") {
		t.Errorf("expected command to have alias 'v'")
	}

	if cmd.HasFlags() {
		t.Error("expected command to have no flags")
	}

	if cmd.Short != "Show version information" {
		t.Errorf("expected command short description, got %q", cmd.Short)
	}

	if cmd.Run == nil {
		t.Error("expected command to have non-nil Run()")
	}
}

func TestVersionOutput(t *testing.T) {
	cmd := NewVersionCommand()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.Contains(buf.String(), "picogate") {
		t.Errorf("output %q does not name the binary", buf.String())
	}
	if !strings.Contains(buf.String(), "Go: ") {
		t.Errorf("output %q lacks the Go version", buf.String())
	}
}

package tools

import (
	"context"
	"time"

	"github.com/sipeed/picogate/pkg/logger"
)

// Config is the tools section of the gateway configuration.
type Config struct {
	// Permissions maps tool names to allow, ask, deny or skill_only:a,b.
	Permissions map[string]string `json:"permissions,omitempty" toml:"permissions"`
	// ApprovalTimeoutSecs bounds the wait for a ToolApprovalResponse.
	ApprovalTimeoutSecs int `json:"approval_timeout_secs" toml:"approval_timeout_secs" env:"PICOGATE_TOOLS_APPROVAL_TIMEOUT"`
	// PromptTimeoutSecs bounds the wait for a UserPromptResponse.
	PromptTimeoutSecs  int               `json:"prompt_timeout_secs" toml:"prompt_timeout_secs" env:"PICOGATE_TOOLS_PROMPT_TIMEOUT"`
	CommandTimeoutSecs int               `json:"command_timeout_secs" toml:"command_timeout_secs" env:"PICOGATE_TOOLS_COMMAND_TIMEOUT"`
	DisableShell       bool              `json:"disable_shell" toml:"disable_shell" env:"PICOGATE_TOOLS_DISABLE_SHELL"`
	MCPServers         []MCPServerConfig `json:"mcp_servers,omitempty" toml:"mcp_servers"`
}

func DefaultConfig() Config {
	return Config{
		Permissions:         map[string]string{"execute_command": "ask", "write_file": "ask"},
		ApprovalTimeoutSecs: 120,
		PromptTimeoutSecs:   300,
		CommandTimeoutSecs:  30,
	}
}

func (c Config) ApprovalTimeout() time.Duration {
	return secondsOr(c.ApprovalTimeoutSecs, 120)
}

func (c Config) PromptTimeout() time.Duration {
	return secondsOr(c.PromptTimeoutSecs, 300)
}

func secondsOr(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}

// NewBuiltinRegistry returns a registry with the workspace tools, the
// shell tool unless disabled, and every tool the configured MCP servers
// expose. MCP discovery failures are logged and do not fail the call.
func NewBuiltinRegistry(ctx context.Context, cfg Config) *Registry {
	r := NewRegistry()
	r.Register(ReadFileTool{})
	r.Register(WriteFileTool{})
	r.Register(ListDirTool{})
	if !cfg.DisableShell {
		r.Register(&ShellTool{Timeout: secondsOr(cfg.CommandTimeoutSecs, 30)})
	}

	if len(cfg.MCPServers) > 0 {
		mcpTools, err := LoadMCPTools(ctx, cfg.MCPServers)
		if err != nil {
			logger.WarnCF("tools", "Some MCP servers could not be loaded", map[string]any{"error": err.Error()})
		}
		for _, t := range mcpTools {
			r.Register(t)
		}
	}
	return r
}

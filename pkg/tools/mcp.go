package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sipeed/picogate/pkg/logger"
)

const (
	defaultMCPStartupTimeout = 8 * time.Second
	defaultMCPCallTimeout    = 30 * time.Second
	defaultMCPTerminateWait  = time.Second
	maxToolNameLength        = 64
)

var toolNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// MCPServerConfig describes one tool server.
type MCPServerConfig struct {
	Name    string `json:"name" toml:"name"`
	Enabled bool   `json:"enabled" toml:"enabled"`
	// Transport is "command" (default), "sse" or "streamable_http".
	Transport          string            `json:"transport,omitempty" toml:"transport"`
	Command            string            `json:"command,omitempty" toml:"command"`
	Args               []string          `json:"args,omitempty" toml:"args"`
	Env                map[string]string `json:"env,omitempty" toml:"env"`
	WorkingDir         string            `json:"working_dir,omitempty" toml:"working_dir"`
	URL                string            `json:"url,omitempty" toml:"url"`
	Headers            map[string]string `json:"headers,omitempty" toml:"headers"`
	StartupTimeoutMS   int               `json:"startup_timeout_ms,omitempty" toml:"startup_timeout_ms"`
	CallTimeoutMS      int               `json:"call_timeout_ms,omitempty" toml:"call_timeout_ms"`
	TerminateTimeoutMS int               `json:"terminate_timeout_ms,omitempty" toml:"terminate_timeout_ms"`
}

// LoadMCPTools discovers the tools of every enabled server. Servers that
// fail are skipped and their errors joined into the returned error.
func LoadMCPTools(ctx context.Context, servers []MCPServerConfig) ([]Tool, error) {
	used := make(map[string]int)
	var (
		loaded []Tool
		errs   []error
	)
	for _, cfg := range servers {
		if !cfg.Enabled {
			continue
		}
		tools, err := loadMCPServerTools(ctx, cfg, used)
		if err != nil {
			logger.WarnCF("mcp", "MCP server discovery failed", map[string]any{"server": cfg.Name, "error": err.Error()})
			errs = append(errs, err)
			continue
		}
		logger.InfoCF("mcp", "Loaded MCP tools", map[string]any{"server": cfg.Name, "tools": len(tools)})
		loaded = append(loaded, tools...)
	}
	return loaded, errors.Join(errs...)
}

func loadMCPServerTools(ctx context.Context, cfg MCPServerConfig, used map[string]int) ([]Tool, error) {
	client := newMCPClient(cfg)

	connectCtx, cancel := context.WithTimeout(ctx, durationFromMS(cfg.StartupTimeoutMS, defaultMCPStartupTimeout))
	defer cancel()

	remote, err := client.listTools(connectCtx)
	if err != nil {
		return nil, fmt.Errorf("mcp server %q discovery failed: %w", cfg.Name, err)
	}

	callTimeout := durationFromMS(cfg.CallTimeoutMS, defaultMCPCallTimeout)
	tools := make([]Tool, 0, len(remote))
	for _, rt := range remote {
		if rt == nil || strings.TrimSpace(rt.Name) == "" {
			continue
		}
		tools = append(tools, &MCPTool{
			localName:   localToolName(cfg.Name, rt.Name, used),
			remoteName:  rt.Name,
			description: mcpToolDescription(cfg.Name, rt.Name, rt.Description),
			parameters:  normalizeInputSchema(rt.InputSchema),
			callTimeout: callTimeout,
			client:      client,
		})
	}
	return tools, nil
}

// MCPTool forwards calls to a tool on an MCP server.
type MCPTool struct {
	localName   string
	remoteName  string
	description string
	parameters  map[string]any
	callTimeout time.Duration
	client      *mcpClient
}

func (t *MCPTool) Name() string               { return t.localName }
func (t *MCPTool) Description() string        { return t.description }
func (t *MCPTool) Parameters() map[string]any { return t.parameters }

// Execute ignores the workspace; MCP servers run in their configured
// working directory.
func (t *MCPTool) Execute(ctx context.Context, args map[string]any, _ string) (string, error) {
	if t.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.callTimeout)
		defer cancel()
	}
	return t.client.callTool(ctx, t.remoteName, args)
}

type mcpClient struct {
	cfg    MCPServerConfig
	client *mcp.Client
}

func newMCPClient(cfg MCPServerConfig) *mcpClient {
	name := sanitizeToolName(cfg.Name)
	if name == "" {
		name = "mcp"
	}
	return &mcpClient{
		cfg:    cfg,
		client: mcp.NewClient(&mcp.Implementation{Name: "picogate-" + name, Version: "v0.1.0"}, nil),
	}
}

func (c *mcpClient) listTools(ctx context.Context) ([]*mcp.Tool, error) {
	session, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	var all []*mcp.Tool
	params := &mcp.ListToolsParams{}
	for {
		res, err := session.ListTools(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("list tools: %w", err)
		}
		all = append(all, res.Tools...)
		if res.NextCursor == "" {
			return all, nil
		}
		params = &mcp.ListToolsParams{Cursor: res.NextCursor}
	}
}

func (c *mcpClient) callTool(ctx context.Context, name string, args map[string]any) (string, error) {
	session, err := c.connect(ctx)
	if err != nil {
		return "", err
	}
	defer session.Close()

	result, err := session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return "", fmt.Errorf("call tool %q: %w", name, err)
	}
	text, isError := formatCallResult(result)
	if isError {
		return "", fmt.Errorf("MCP tool error: %s", text)
	}
	return text, nil
}

func (c *mcpClient) connect(ctx context.Context) (*mcp.ClientSession, error) {
	transport, err := c.buildTransport()
	if err != nil {
		return nil, err
	}
	session, err := c.client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connect mcp server %q: %w", c.cfg.Name, err)
	}
	return session, nil
}

func (c *mcpClient) buildTransport() (mcp.Transport, error) {
	switch strings.ToLower(strings.TrimSpace(c.cfg.Transport)) {
	case "", "command":
		command := strings.TrimSpace(c.cfg.Command)
		if command == "" {
			return nil, fmt.Errorf("mcp server %q: command is required for command transport", c.cfg.Name)
		}
		cmd := exec.Command(command, c.cfg.Args...)
		cmd.Dir = expandHome(strings.TrimSpace(c.cfg.WorkingDir))
		if len(c.cfg.Env) > 0 {
			cmd.Env = mergeEnv(os.Environ(), c.cfg.Env)
		}
		cmd.Stderr = os.Stderr
		return &mcp.CommandTransport{
			Command:           cmd,
			TerminateDuration: durationFromMS(c.cfg.TerminateTimeoutMS, defaultMCPTerminateWait),
		}, nil
	case "streamable_http":
		endpoint, err := c.requireURL("streamable_http")
		if err != nil {
			return nil, err
		}
		return &mcp.StreamableClientTransport{
			Endpoint:             endpoint,
			HTTPClient:           c.httpClient(),
			DisableStandaloneSSE: true,
		}, nil
	case "sse":
		endpoint, err := c.requireURL("sse")
		if err != nil {
			return nil, err
		}
		return &mcp.SSEClientTransport{Endpoint: endpoint, HTTPClient: c.httpClient()}, nil
	}
	return nil, fmt.Errorf("mcp server %q: unsupported transport %q", c.cfg.Name, c.cfg.Transport)
}

func (c *mcpClient) requireURL(transport string) (string, error) {
	endpoint := strings.TrimSpace(c.cfg.URL)
	if endpoint == "" {
		return "", fmt.Errorf("mcp server %q: url is required for %s transport", c.cfg.Name, transport)
	}
	return endpoint, nil
}

func (c *mcpClient) httpClient() *http.Client {
	if len(c.cfg.Headers) == 0 {
		return http.DefaultClient
	}
	return &http.Client{Transport: &headerTransport{headers: c.cfg.Headers, base: http.DefaultTransport}}
}

// headerTransport sets fixed headers (usually Authorization) on every
// request.
type headerTransport struct {
	headers map[string]string
	base    http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}

// formatCallResult flattens content blocks into text.
func formatCallResult(result *mcp.CallToolResult) (string, bool) {
	if result == nil {
		return "(empty MCP tool response)", false
	}

	var parts []string
	for _, content := range result.Content {
		switch c := content.(type) {
		case *mcp.TextContent:
			parts = append(parts, c.Text)
		case *mcp.ImageContent:
			parts = append(parts, fmt.Sprintf("[image: %s, %d bytes]", c.MIMEType, len(c.Data)))
		case *mcp.AudioContent:
			parts = append(parts, fmt.Sprintf("[audio: %s, %d bytes]", c.MIMEType, len(c.Data)))
		case *mcp.ResourceLink:
			parts = append(parts, fmt.Sprintf("[resource_link: %s]", c.URI))
		case *mcp.EmbeddedResource:
			if c.Resource != nil && c.Resource.Text != "" {
				parts = append(parts, c.Resource.Text)
			} else if c.Resource != nil {
				parts = append(parts, fmt.Sprintf("[embedded resource: %s]", c.Resource.URI))
			}
		}
	}
	if result.StructuredContent != nil {
		if data, err := json.MarshalIndent(result.StructuredContent, "", "  "); err == nil {
			parts = append(parts, string(data))
		}
	}
	if len(parts) == 0 {
		return "(empty MCP tool response)", result.IsError
	}
	return strings.Join(parts, "\n"), result.IsError
}

// localToolName builds mcp_<server>_<tool>, unique within used and at most
// maxToolNameLength bytes.
func localToolName(server, tool string, used map[string]int) string {
	prefix := sanitizeToolName(server)
	if prefix == "" {
		prefix = "server"
	}
	base := sanitizeToolName("mcp_" + prefix + "_" + tool)

	candidate := base
	if len(candidate) > maxToolNameLength {
		candidate = candidate[:maxToolNameLength]
	}
	for i := 2; used[candidate] > 0; i++ {
		suffix := fmt.Sprintf("_%d", i)
		b := base
		if len(b) > maxToolNameLength-len(suffix) {
			b = b[:maxToolNameLength-len(suffix)]
		}
		candidate = b + suffix
	}
	used[candidate]++
	return candidate
}

func mcpToolDescription(server, remote, desc string) string {
	desc = strings.TrimSpace(desc)
	if desc == "" {
		desc = fmt.Sprintf("Call MCP tool %q.", remote)
	}
	return fmt.Sprintf("[MCP %s/%s] %s", server, remote, desc)
}

func normalizeInputSchema(schema any) map[string]any {
	out := map[string]any{}
	switch v := schema.(type) {
	case nil:
	case map[string]any:
		out = v
	default:
		if data, err := json.Marshal(v); err == nil {
			_ = json.Unmarshal(data, &out)
		}
	}
	if out == nil {
		out = map[string]any{}
	}
	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	if out["type"] == "object" {
		if _, ok := out["properties"]; !ok {
			out["properties"] = map[string]any{}
		}
	}
	return out
}

func sanitizeToolName(name string) string {
	name = strings.ReplaceAll(strings.TrimSpace(name), " ", "_")
	name = toolNameSanitizer.ReplaceAllString(name, "_")
	return strings.Trim(name, "_-")
}

func durationFromMS(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func expandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if len(path) == 1 {
		return home
	}
	if path[1] == '/' {
		return home + path[1:]
	}
	return path
}

func mergeEnv(base []string, extra map[string]string) []string {
	merged := append([]string(nil), base...)
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		merged = append(merged, k+"="+extra[k])
	}
	return merged
}

// Package tools implements the tool executor consumed by the tool loop:
// a registry of named tools, the permission policy applied to them, output
// sanitizing and the built-in workspace, shell and MCP tools.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sipeed/picogate/pkg/logger"
	"github.com/sipeed/picogate/pkg/providers"
)

// Tool is one capability offered to the model.
type Tool interface {
	Name() string
	Description() string
	// Parameters is the JSON schema of the arguments object.
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any, workspace string) (string, error)
}

// Executor runs tools by name inside a workspace. A returned error is
// reported to the model as a failed tool result.
type Executor interface {
	Execute(ctx context.Context, name string, args map[string]any, workspace string) (string, error)
	Definitions() []providers.ToolDefinition
}

// Registry is an Executor over registered tools. It is safe for
// concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds t, replacing any tool with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns tool names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedNames()
}

func (r *Registry) sortedNames() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the provider-facing descriptions of every tool,
// sorted by name so repeated requests share a stable prefix.
func (r *Registry) Definitions() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := r.sortedNames()
	defs := make([]providers.ToolDefinition, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		defs = append(defs, providers.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return defs
}

func (r *Registry) Execute(ctx context.Context, name string, args map[string]any, workspace string) (string, error) {
	t, ok := r.Get(name)
	if !ok {
		logger.WarnCF("tools", "Tool not found", map[string]any{"tool": name})
		return "", fmt.Errorf("Unknown tool: %s", name)
	}

	start := time.Now()
	out, err := t.Execute(ctx, args, workspace)
	elapsed := time.Since(start)
	if err != nil {
		logger.WarnCF("tools", "Tool execution failed", map[string]any{
			"tool":        name,
			"duration_ms": elapsed.Milliseconds(),
			"error":       err.Error(),
		})
		return out, err
	}
	logger.DebugCF("tools", "Tool execution completed", map[string]any{
		"tool":          name,
		"duration_ms":   elapsed.Milliseconds(),
		"result_length": len(out),
	})
	return out, nil
}

// Chain is an Executor that consults each executor in order and runs the
// tool on the first one that defines it.
type Chain []Executor

func (c Chain) Definitions() []providers.ToolDefinition {
	var defs []providers.ToolDefinition
	seen := make(map[string]bool)
	for _, e := range c {
		for _, d := range e.Definitions() {
			if seen[d.Name] {
				continue
			}
			seen[d.Name] = true
			defs = append(defs, d)
		}
	}
	return defs
}

func (c Chain) Execute(ctx context.Context, name string, args map[string]any, workspace string) (string, error) {
	for _, e := range c {
		for _, d := range e.Definitions() {
			if d.Name == name {
				return e.Execute(ctx, name, args, workspace)
			}
		}
	}
	return "", fmt.Errorf("Unknown tool: %s", name)
}

func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key].(string)
	return v, ok
}

func intArg(args map[string]any, key string) (int, bool) {
	switch v := args[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	}
	return 0, false
}

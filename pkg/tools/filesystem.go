package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// errOutsideWorkspace is returned for paths that leave the workspace.
var errOutsideWorkspace = errors.New("access denied: path is outside the workspace")

// withRoot opens workspace as an os.Root and calls fn with the path made
// relative to it. os.Root rejects symlinks and ".." that escape the root.
func withRoot(workspace, path string, fn func(root *os.Root, rel string) error) error {
	if workspace == "" {
		return errors.New("workspace is not defined")
	}
	rel, err := relativeTo(workspace, path)
	if err != nil {
		return err
	}
	root, err := os.OpenRoot(workspace)
	if err != nil {
		return fmt.Errorf("failed to open workspace: %w", err)
	}
	defer root.Close()
	return fn(root, rel)
}

func relativeTo(workspace, path string) (string, error) {
	if path == "" {
		return ".", nil
	}
	if filepath.IsAbs(path) {
		absWorkspace, err := filepath.Abs(workspace)
		if err != nil {
			return "", fmt.Errorf("failed to resolve workspace path: %w", err)
		}
		rel, err := filepath.Rel(absWorkspace, filepath.Clean(path))
		if err != nil {
			return "", errOutsideWorkspace
		}
		path = rel
	}
	path = filepath.Clean(path)
	if !filepath.IsLocal(path) && path != "." {
		return "", errOutsideWorkspace
	}
	return path, nil
}

func describeFSError(op string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("failed to %s: file not found", op)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("failed to %s: access denied", op)
	case strings.Contains(err.Error(), "path escapes"):
		return errOutsideWorkspace
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

// ReadFileTool reads a text file from the workspace.
type ReadFileTool struct{}

func (ReadFileTool) Name() string { return "read_file" }
func (ReadFileTool) Description() string {
	return "Read the contents of a file in the workspace. Use offset and lines to read part of a large file."
}

func (ReadFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":   map[string]any{"type": "string", "description": "Path to the file, relative to the workspace."},
			"offset": map[string]any{"type": "integer", "description": "Line to start reading from (1-based). Default: 1."},
			"lines":  map[string]any{"type": "integer", "description": "Number of lines to read. Default: entire file."},
		},
		"required": []string{"path"},
	}
}

func (ReadFileTool) Execute(_ context.Context, args map[string]any, workspace string) (string, error) {
	path, ok := stringArg(args, "path")
	if !ok || path == "" {
		return "", errors.New("Missing required parameter: path")
	}

	var data []byte
	err := withRoot(workspace, path, func(root *os.Root, rel string) error {
		b, err := root.ReadFile(rel)
		if err != nil {
			return describeFSError("read file", err)
		}
		data = b
		return nil
	})
	if err != nil {
		return "", err
	}

	offset, hasOffset := intArg(args, "offset")
	count, hasCount := intArg(args, "lines")
	if !hasOffset && !hasCount {
		return string(data), nil
	}
	if offset < 1 {
		offset = 1
	}
	lines := strings.SplitAfter(string(data), "\n")
	if offset > len(lines) {
		return "", fmt.Errorf("offset %d is past the end of the file (%d lines)", offset, len(lines))
	}
	end := len(lines)
	if hasCount && count > 0 && offset-1+count < end {
		end = offset - 1 + count
	}
	return strings.Join(lines[offset-1:end], ""), nil
}

// WriteFileTool writes a file in the workspace, creating parent
// directories as needed.
type WriteFileTool struct{}

func (WriteFileTool) Name() string { return "write_file" }
func (WriteFileTool) Description() string {
	return "Write content to a file in the workspace, replacing it if it exists."
}

func (WriteFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string", "description": "Path to the file, relative to the workspace."},
			"content": map[string]any{"type": "string", "description": "Content to write."},
		},
		"required": []string{"path", "content"},
	}
}

func (WriteFileTool) Execute(_ context.Context, args map[string]any, workspace string) (string, error) {
	path, ok := stringArg(args, "path")
	if !ok || path == "" {
		return "", errors.New("Missing required parameter: path")
	}
	content, ok := stringArg(args, "content")
	if !ok {
		return "", errors.New("Missing required parameter: content")
	}

	err := withRoot(workspace, path, func(root *os.Root, rel string) error {
		if dir := filepath.Dir(rel); dir != "." {
			if err := root.MkdirAll(dir, 0o755); err != nil {
				return describeFSError("create directory", err)
			}
		}
		if err := root.WriteFile(rel, []byte(content), 0o644); err != nil {
			return describeFSError("write file", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
}

// ListDirTool lists a directory in the workspace.
type ListDirTool struct{}

func (ListDirTool) Name() string { return "list_directory" }
func (ListDirTool) Description() string {
	return "List the entries of a directory in the workspace. Directories end with '/'."
}

func (ListDirTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "Directory to list, relative to the workspace. Default: the workspace root."},
		},
	}
}

func (ListDirTool) Execute(_ context.Context, args map[string]any, workspace string) (string, error) {
	path, _ := stringArg(args, "path")

	var sb strings.Builder
	err := withRoot(workspace, path, func(root *os.Root, rel string) error {
		entries, err := fs.ReadDir(root.FS(), filepath.ToSlash(rel))
		if err != nil {
			return describeFSError("list directory", err)
		}
		for _, e := range entries {
			sb.WriteString(e.Name())
			if e.IsDir() {
				sb.WriteByte('/')
			}
			sb.WriteByte('\n')
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if sb.Len() == 0 {
		return "(empty directory)", nil
	}
	return sb.String(), nil
}

package files

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/haasonsaas/steward/internal/agent"
	"github.com/haasonsaas/steward/internal/tools"
)

// WriteFileTool writes files within the workspace.
type WriteFileTool struct {
	resolver Resolver
}

type writeFileArgs struct {
	Path    string `json:"path" jsonschema_description:"Path to write relative to the workspace."`
	Content string `json:"content" jsonschema_description:"File contents to write."`
	Append  bool   `json:"append,omitempty" jsonschema_description:"Append instead of overwriting."`
}

// NewWriteFileTool creates a write tool scoped to the workspace.
func NewWriteFileTool(cfg Config) *WriteFileTool {
	return &WriteFileTool{resolver: Resolver{Root: cfg.Workspace}}
}

func (t *WriteFileTool) Name() string { return "write_file" }

func (t *WriteFileTool) Description() string {
	return "Write content to a file in the workspace, creating parent directories. Overwrites by default."
}

func (t *WriteFileTool) Schema() json.RawMessage { return tools.Schema(&writeFileArgs{}) }

func (t *WriteFileTool) Destructive() bool { return true }

// Invoke writes file contents.
func (t *WriteFileTool) Invoke(ctx context.Context, ec *agent.ExecContext, params json.RawMessage) (*agent.ToolOutput, error) {
	var input writeFileArgs
	if err := tools.DecodeArgs(params, &input); err != nil {
		return nil, err
	}

	resolver, base := t.resolver.For(ec)
	resolved, err := resolver.ResolveFrom(base, input.Path)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if input.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(resolved, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	n, err := file.WriteString(input.Content)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, fmt.Errorf("write file: %w", err)
	}

	return tools.JSONOutput(map[string]any{
		"path":          input.Path,
		"bytes_written": n,
		"append":        input.Append,
	})
}

// DeleteFileTool removes a file or directory within the workspace.
type DeleteFileTool struct {
	resolver Resolver
}

type deleteFileArgs struct {
	Path      string `json:"path" jsonschema_description:"Path to delete relative to the workspace."`
	Recursive bool   `json:"recursive,omitempty" jsonschema_description:"Remove a directory and everything under it."`
}

// NewDeleteFileTool creates a delete tool scoped to the workspace.
func NewDeleteFileTool(cfg Config) *DeleteFileTool {
	return &DeleteFileTool{resolver: Resolver{Root: cfg.Workspace}}
}

func (t *DeleteFileTool) Name() string { return "delete_file" }

func (t *DeleteFileTool) Description() string {
	return "Delete a file in the workspace. Directories require recursive=true."
}

func (t *DeleteFileTool) Schema() json.RawMessage { return tools.Schema(&deleteFileArgs{}) }

func (t *DeleteFileTool) Destructive() bool { return true }

// Invoke deletes the path. The workspace root itself is never removed.
func (t *DeleteFileTool) Invoke(ctx context.Context, ec *agent.ExecContext, params json.RawMessage) (*agent.ToolOutput, error) {
	var input deleteFileArgs
	if err := tools.DecodeArgs(params, &input); err != nil {
		return nil, err
	}

	resolver, base := t.resolver.For(ec)
	resolved, err := resolver.ResolveFrom(base, input.Path)
	if err != nil {
		return nil, err
	}
	rootAbs, err := filepath.Abs(resolver.Root)
	if err == nil && resolved == rootAbs {
		return nil, agent.InvalidArguments("refusing to delete the workspace root")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := os.Lstat(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("delete %s: %w", input.Path, os.ErrNotExist)
		}
		return nil, fmt.Errorf("stat: %w", err)
	}

	if info.IsDir() {
		if !input.Recursive {
			return nil, agent.InvalidArguments("%s is a directory; set recursive to delete it", input.Path)
		}
		err = os.RemoveAll(resolved)
	} else {
		err = os.Remove(resolved)
	}
	if err != nil {
		return nil, fmt.Errorf("delete %s: %w", input.Path, err)
	}

	return tools.JSONOutput(map[string]any{
		"path":    input.Path,
		"deleted": true,
		"dir":     info.IsDir(),
	})
}

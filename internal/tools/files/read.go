package files

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/haasonsaas/steward/internal/agent"
	"github.com/haasonsaas/steward/internal/tools"
)

const defaultMaxReadBytes = 200000

// Config controls filesystem tool defaults.
type Config struct {
	// Workspace bounds every path. Empty means the call's working directory.
	Workspace string

	// MaxReadBytes caps read_file output (default 200000).
	MaxReadBytes int

	// MaxEntries caps list_dir output (default 1000).
	MaxEntries int
}

// ReadFileTool reads a file from the workspace.
type ReadFileTool struct {
	resolver   Resolver
	maxReadLen int
}

type readFileArgs struct {
	Path     string `json:"path" jsonschema_description:"Path to the file relative to the workspace."`
	Offset   int64  `json:"offset,omitempty" jsonschema:"minimum=0" jsonschema_description:"Byte offset to start reading from."`
	MaxBytes int    `json:"max_bytes,omitempty" jsonschema:"minimum=0" jsonschema_description:"Maximum bytes to read. Capped by the tool default."`
}

// NewReadFileTool creates a read tool scoped to the workspace.
func NewReadFileTool(cfg Config) *ReadFileTool {
	limit := cfg.MaxReadBytes
	if limit <= 0 {
		limit = defaultMaxReadBytes
	}
	return &ReadFileTool{
		resolver:   Resolver{Root: cfg.Workspace},
		maxReadLen: limit,
	}
}

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Read a file from the workspace with an optional byte offset and limit."
}

func (t *ReadFileTool) Schema() json.RawMessage { return tools.Schema(&readFileArgs{}) }

func (t *ReadFileTool) Destructive() bool { return false }

// Invoke reads a file with safety limits.
func (t *ReadFileTool) Invoke(ctx context.Context, ec *agent.ExecContext, params json.RawMessage) (*agent.ToolOutput, error) {
	var input readFileArgs
	if err := tools.DecodeArgs(params, &input); err != nil {
		return nil, err
	}
	if input.Offset < 0 {
		return nil, agent.InvalidArguments("offset must be >= 0")
	}

	resolver, base := t.resolver.For(ec)
	resolved, err := resolver.ResolveFrom(base, input.Path)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(resolved)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return nil, agent.InvalidArguments("%s is a directory", input.Path)
	}

	if input.Offset > 0 {
		if _, err := file.Seek(input.Offset, io.SeekStart); err != nil {
			return nil, fmt.Errorf("seek file: %w", err)
		}
	}

	limit := t.maxReadLen
	if input.MaxBytes > 0 && input.MaxBytes < limit {
		limit = input.MaxBytes
	}

	buf, err := io.ReadAll(io.LimitReader(file, int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return tools.JSONOutput(map[string]any{
		"path":      input.Path,
		"content":   string(buf),
		"offset":    input.Offset,
		"bytes":     len(buf),
		"truncated": input.Offset+int64(len(buf)) < info.Size(),
	})
}

// ListDirTool lists the entries of a workspace directory.
type ListDirTool struct {
	resolver   Resolver
	maxEntries int
}

type listDirArgs struct {
	Path string `json:"path,omitempty" jsonschema_description:"Directory relative to the workspace. Defaults to the working directory."`
}

// DirEntry is one line of list_dir output.
type DirEntry struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size,omitempty"`
}

// NewListDirTool creates a directory listing tool scoped to the workspace.
func NewListDirTool(cfg Config) *ListDirTool {
	limit := cfg.MaxEntries
	if limit <= 0 {
		limit = 1000
	}
	return &ListDirTool{resolver: Resolver{Root: cfg.Workspace}, maxEntries: limit}
}

func (t *ListDirTool) Name() string { return "list_dir" }

func (t *ListDirTool) Description() string {
	return "List the entries of a directory in the workspace."
}

func (t *ListDirTool) Schema() json.RawMessage { return tools.Schema(&listDirArgs{}) }

func (t *ListDirTool) Destructive() bool { return false }

// Invoke lists the directory sorted by name.
func (t *ListDirTool) Invoke(ctx context.Context, ec *agent.ExecContext, params json.RawMessage) (*agent.ToolOutput, error) {
	var input listDirArgs
	if err := tools.DecodeArgs(params, &input); err != nil {
		return nil, err
	}
	if input.Path == "" {
		input.Path = "."
	}

	resolver, base := t.resolver.For(ec)
	resolved, err := resolver.ResolveFrom(base, input.Path)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	truncated := false
	if len(entries) > t.maxEntries {
		entries = entries[:t.maxEntries]
		truncated = true
	}

	out := make([]DirEntry, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		item := DirEntry{Name: entry.Name(), Type: "file"}
		switch {
		case entry.IsDir():
			item.Type = "dir"
		case entry.Type()&os.ModeSymlink != 0:
			item.Type = "symlink"
		default:
			if info, err := entry.Info(); err == nil {
				item.Size = info.Size()
			}
		}
		out = append(out, item)
	}

	return tools.JSONOutput(map[string]any{
		"path":      input.Path,
		"entries":   out,
		"truncated": truncated,
	})
}

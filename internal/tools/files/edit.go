package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/haasonsaas/steward/internal/agent"
	"github.com/haasonsaas/steward/internal/tools"
)

// EditFileTool applies exact-text replacements to a workspace file.
type EditFileTool struct {
	resolver Resolver
}

type textEdit struct {
	OldText    string `json:"old_text" jsonschema:"minLength=1" jsonschema_description:"Exact text to replace."`
	NewText    string `json:"new_text" jsonschema_description:"Replacement text."`
	ReplaceAll bool   `json:"replace_all,omitempty" jsonschema_description:"Replace every occurrence instead of the first."`
}

type editFileArgs struct {
	Path  string     `json:"path" jsonschema_description:"Path to the file relative to the workspace."`
	Edits []textEdit `json:"edits" jsonschema:"minItems=1" jsonschema_description:"Edits applied in order."`
}

// NewEditFileTool creates an edit tool scoped to the workspace.
func NewEditFileTool(cfg Config) *EditFileTool {
	return &EditFileTool{resolver: Resolver{Root: cfg.Workspace}}
}

func (t *EditFileTool) Name() string { return "edit_file" }

func (t *EditFileTool) Description() string {
	return "Replace exact text in a workspace file. Every edit must match or nothing is written."
}

func (t *EditFileTool) Schema() json.RawMessage { return tools.Schema(&editFileArgs{}) }

func (t *EditFileTool) Destructive() bool { return true }

// Invoke applies the edits in memory and writes the file once all of them matched.
func (t *EditFileTool) Invoke(ctx context.Context, ec *agent.ExecContext, params json.RawMessage) (*agent.ToolOutput, error) {
	var input editFileArgs
	if err := tools.DecodeArgs(params, &input); err != nil {
		return nil, err
	}

	resolver, base := t.resolver.For(ec)
	resolved, err := resolver.ResolveFrom(base, input.Path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	content := string(data)
	replacements := 0
	for i, edit := range input.Edits {
		if edit.OldText == "" {
			return nil, agent.InvalidArguments("edits[%d].old_text is empty", i)
		}
		if !strings.Contains(content, edit.OldText) {
			return tools.ErrorOutput(fmt.Sprintf("edits[%d].old_text not found", i)), nil
		}
		if edit.ReplaceAll {
			replacements += strings.Count(content, edit.OldText)
			content = strings.ReplaceAll(content, edit.OldText, edit.NewText)
		} else {
			content = strings.Replace(content, edit.OldText, edit.NewText, 1)
			replacements++
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write file: %w", err)
	}

	return tools.JSONOutput(map[string]any{
		"path":         input.Path,
		"replacements": replacements,
	})
}

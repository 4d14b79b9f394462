package agent

import (
	"context"
	"encoding/json"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Tool defines the invocation contract for side-effecting tools.
//
// Implementing a Tool:
//
//	type Echo struct{}
//
//	func (Echo) Name() string        { return "echo" }
//	func (Echo) Description() string { return "Echoes its input" }
//	func (Echo) Destructive() bool   { return false }
//	func (Echo) Schema() json.RawMessage {
//	    return json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`)
//	}
//	func (Echo) Invoke(ctx context.Context, ec *ExecContext, params json.RawMessage) (*ToolOutput, error) {
//	    var in struct{ Text string `json:"text"` }
//	    if err := json.Unmarshal(params, &in); err != nil {
//	        return nil, InvalidArguments("decode: %v", err)
//	    }
//	    return &ToolOutput{Content: in.Text}, nil
//	}
type Tool interface {
	// Name returns the tool name used in function calling.
	Name() string

	// Description returns a natural language description of what the tool does.
	Description() string

	// Schema returns the JSON Schema of the tool's arguments.
	Schema() json.RawMessage

	// Destructive reports whether the tool requires explicit approval.
	Destructive() bool

	// Invoke runs the tool. Arguments have already been validated against Schema.
	// Implementations must honor ctx cancellation on a best-effort basis and
	// must not read ambient process state such as the working directory.
	Invoke(ctx context.Context, ec *ExecContext, params json.RawMessage) (*ToolOutput, error)
}

// DisplayNamer is an optional interface for tools with a custom label.
type DisplayNamer interface {
	DisplayName() string
}

// ToolOutput is the structured result of a successful invocation.
type ToolOutput struct {
	// Content is the payload returned to the model.
	Content string `json:"content"`

	// IsError marks a tool-reported failure that still produced output.
	IsError bool `json:"is_error,omitempty"`
}

// ExecContext is the explicit execution environment passed to every invocation.
type ExecContext struct {
	// WorkDir is the directory relative paths resolve against.
	WorkDir string

	// Env is the environment in KEY=VALUE form.
	Env []string

	SessionID string
	TurnID    string
	CallID    string
}

// Getenv returns the value of key in the context environment.
func (c *ExecContext) Getenv(key string) string {
	if c == nil {
		return ""
	}
	prefix := key + "="
	for i := len(c.Env) - 1; i >= 0; i-- {
		if strings.HasPrefix(c.Env[i], prefix) {
			return c.Env[i][len(prefix):]
		}
	}
	return ""
}

// forCall returns a copy bound to one tool call.
func (c *ExecContext) forCall(callID string) *ExecContext {
	out := &ExecContext{CallID: callID}
	if c != nil {
		out.WorkDir = c.WorkDir
		out.Env = append([]string(nil), c.Env...)
		out.SessionID = c.SessionID
		out.TurnID = c.TurnID
	}
	return out
}

// ToolDescriptor is the immutable registry entry for a tool.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	DisplayName string          `json:"display_name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
	Destructive bool            `json:"destructive"`
}

// DescribeTool builds the descriptor for a tool.
func DescribeTool(tool Tool) ToolDescriptor {
	desc := ToolDescriptor{
		Name:        tool.Name(),
		Description: tool.Description(),
		Schema:      append(json.RawMessage(nil), tool.Schema()...),
		Destructive: tool.Destructive(),
	}
	if dn, ok := tool.(DisplayNamer); ok {
		desc.DisplayName = dn.DisplayName()
	}
	if desc.DisplayName == "" {
		desc.DisplayName = defaultDisplayName(desc.Name)
	}
	return desc
}

// defaultDisplayName turns "delete_file" into "Delete File".
func defaultDisplayName(name string) string {
	words := strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == '-' || r == '.'
	})
	return cases.Title(language.English).String(strings.Join(words, " "))
}

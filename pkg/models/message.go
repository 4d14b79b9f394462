package models

import "encoding/json"

// Role indicates the message author type when history is projected for a model.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ToolCallOrigin records who issued a tool call.
type ToolCallOrigin string

const (
	// OriginModel marks calls requested by the language model.
	OriginModel ToolCallOrigin = "model"
	// OriginUser marks canned actions triggered from the front end.
	OriginUser ToolCallOrigin = "user"
)

// ToolCall represents a request to invoke a named tool.
type ToolCall struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input"`
	Origin ToolCallOrigin  `json:"origin,omitempty"`
}

// ToolResult represents the output of a tool execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Message is a projected history entry in the shape model backends expect.
type Message struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

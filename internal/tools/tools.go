// Package tools holds helpers shared by the built-in tools: argument schemas
// reflected from Go structs, argument decoding and result encoding.
package tools

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/invopop/jsonschema"

	"github.com/haasonsaas/steward/internal/agent"
)

var reflector = &jsonschema.Reflector{
	Anonymous:      true,
	DoNotReference: true,
}

// Schema reflects the JSON Schema of an argument struct. Fields without
// omitempty are required and unknown properties are rejected.
//
// Descriptions come from the jsonschema_description tag:
//
//	type args struct {
//	    Path string `json:"path" jsonschema_description:"Path relative to the workspace"`
//	}
func Schema(v any) json.RawMessage {
	schema := reflector.Reflect(v)
	schema.Version = ""
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// DecodeArgs unmarshals validated arguments into dst.
func DecodeArgs(params json.RawMessage, dst any) error {
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return agent.InvalidArguments("decode arguments: %v", err)
	}
	return nil
}

// JSONOutput encodes v as an indented JSON payload.
func JSONOutput(v any) (*agent.ToolOutput, error) {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return &agent.ToolOutput{Content: string(payload)}, nil
}

// ErrorOutput returns a tool-reported failure with a JSON error payload.
func ErrorOutput(message string) *agent.ToolOutput {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return &agent.ToolOutput{Content: message, IsError: true}
	}
	return &agent.ToolOutput{Content: string(payload), IsError: true}
}

// Truncate cuts s to at most max bytes on a rune boundary.
// max <= 0 disables the cap.
func Truncate(s string, max int) (string, bool) {
	if max <= 0 || len(s) <= max {
		return s, false
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut], true
}

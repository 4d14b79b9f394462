// Package toolconv translates tool descriptors into the function declaration
// formats of each model backend.
package toolconv

import (
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/steward/internal/agent"
)

// emptyObject is the schema of a tool that takes no arguments.
var emptyObject = json.RawMessage(`{"type":"object","properties":{}}`)

// objectSchema returns the tool's argument schema, or emptyObject when it
// has none. A schema that is not a JSON object is an error: every backend
// expects named arguments.
func objectSchema(tool agent.ToolDescriptor) (json.RawMessage, map[string]any, error) {
	raw := tool.Schema
	if len(raw) == 0 {
		raw = emptyObject
	}
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, nil, fmt.Errorf("tool %s: schema is not a JSON object: %w", tool.Name, err)
	}
	if t, ok := schema["type"]; ok && t != "object" {
		return nil, nil, fmt.Errorf("tool %s: schema type is %v, want object", tool.Name, t)
	}
	return raw, schema, nil
}

// convertAll applies one per-tool conversion, stopping at the first error.
func convertAll[T any](tools []agent.ToolDescriptor, convert func(agent.ToolDescriptor) (T, error)) ([]T, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	out := make([]T, 0, len(tools))
	for _, tool := range tools {
		converted, err := convert(tool)
		if err != nil {
			return nil, err
		}
		out = append(out, converted)
	}
	return out, nil
}

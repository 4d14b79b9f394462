package toolconv

import (
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/haasonsaas/steward/internal/agent"
)

func ToAnthropicTools(tools []agent.ToolDescriptor) ([]anthropic.ToolUnionParam, error) {
	return convertAll(tools, ToAnthropicTool)
}

// ToAnthropicTool builds a custom tool definition. The SDK's input schema
// type carries properties and required; other keywords ride in ExtraFields.
func ToAnthropicTool(tool agent.ToolDescriptor) (anthropic.ToolUnionParam, error) {
	raw, _, err := objectSchema(tool)
	if err != nil {
		return anthropic.ToolUnionParam{}, err
	}
	var schema anthropic.ToolInputSchemaParam
	if err := json.Unmarshal(raw, &schema); err != nil {
		return anthropic.ToolUnionParam{}, fmt.Errorf("tool %s: %w", tool.Name, err)
	}

	param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
	if param.OfTool == nil {
		return anthropic.ToolUnionParam{}, fmt.Errorf("tool %s: no tool definition", tool.Name)
	}
	if tool.Description != "" {
		param.OfTool.Description = anthropic.String(tool.Description)
	}
	return param, nil
}

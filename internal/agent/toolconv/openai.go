package toolconv

import (
	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/steward/internal/agent"
)

// ToOpenAITools declares each tool as a function. The schema is passed
// through as raw JSON.
func ToOpenAITools(tools []agent.ToolDescriptor) ([]openai.Tool, error) {
	return convertAll(tools, func(tool agent.ToolDescriptor) (openai.Tool, error) {
		raw, _, err := objectSchema(tool)
		if err != nil {
			return openai.Tool{}, err
		}
		return openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  raw,
			},
		}, nil
	})
}

package toolconv

import (
	"encoding/json"
	"strings"
	"testing"

	"google.golang.org/genai"

	"github.com/haasonsaas/steward/internal/agent"
)

var descriptors = []agent.ToolDescriptor{
	{
		Name:        "read_file",
		Description: "Read a file",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "File path"},
				"mode": {"type": "string", "enum": ["text", "base64"]},
				"lines": {"type": "array", "items": {"type": "integer"}, "maxItems": 2},
				"offset": {"type": ["integer", "null"], "minimum": 0}
			},
			"required": ["path"]
		}`),
	},
	{Name: "noop", Description: "Does nothing"},
}

var invalidSchemas = []struct {
	name string
	tool agent.ToolDescriptor
	want string
}{
	{"syntax", agent.ToolDescriptor{Name: "bad", Schema: json.RawMessage(`[`)}, "not a JSON object"},
	{"array", agent.ToolDescriptor{Name: "bad", Schema: json.RawMessage(`[]`)}, "not a JSON object"},
	{"string type", agent.ToolDescriptor{Name: "bad", Schema: json.RawMessage(`{"type":"string"}`)}, "want object"},
}

func TestToOpenAITools(t *testing.T) {
	tools, err := ToOpenAITools(descriptors)
	if err != nil {
		t.Fatalf("ToOpenAITools() error = %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("len = %d, want 2", len(tools))
	}
	if tools[0].Function.Name != "read_file" || tools[0].Function.Description != "Read a file" {
		t.Errorf("function = %+v", tools[0].Function)
	}

	// Parameters are sent verbatim.
	data, err := json.Marshal(tools[1].Function)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"parameters":{"type":"object","properties":{}}`) {
		t.Errorf("noop function = %s", data)
	}

	if got, err := ToOpenAITools(nil); got != nil || err != nil {
		t.Errorf("ToOpenAITools(nil) = %v, %v", got, err)
	}
	for _, tt := range invalidSchemas {
		if _, err := ToOpenAITools([]agent.ToolDescriptor{tt.tool}); err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%s: error = %v, want %q", tt.name, err, tt.want)
		}
	}
}

func TestToAnthropicTools(t *testing.T) {
	tools, err := ToAnthropicTools(descriptors)
	if err != nil {
		t.Fatalf("ToAnthropicTools() error = %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("len = %d, want 2", len(tools))
	}
	if tools[0].OfTool == nil || tools[0].OfTool.Name != "read_file" {
		t.Fatalf("tool = %+v", tools[0])
	}
	if _, ok := tools[0].OfTool.InputSchema.Properties.(map[string]any)["path"]; !ok {
		t.Errorf("properties = %#v, want path", tools[0].OfTool.InputSchema.Properties)
	}
	if tools[1].OfTool == nil || tools[1].OfTool.Name != "noop" {
		t.Errorf("schema-less tool = %+v", tools[1])
	}

	for _, tt := range invalidSchemas {
		if _, err := ToAnthropicTool(tt.tool); err == nil {
			t.Errorf("%s: ToAnthropicTool() should fail", tt.name)
		}
	}
}

func TestToGeminiTools(t *testing.T) {
	tools, err := ToGeminiTools(descriptors)
	if err != nil {
		t.Fatalf("ToGeminiTools() error = %v", err)
	}
	if len(tools) != 1 || len(tools[0].FunctionDeclarations) != 2 {
		t.Fatalf("tools = %+v", tools)
	}

	params := tools[0].FunctionDeclarations[0].Parameters
	if params.Type != genai.TypeObject {
		t.Errorf("Type = %q, want %q", params.Type, genai.TypeObject)
	}
	if len(params.Required) != 1 || params.Required[0] != "path" {
		t.Errorf("Required = %v", params.Required)
	}
	if got := params.Properties["mode"].Enum; len(got) != 2 {
		t.Errorf("Enum = %v", got)
	}
	lines := params.Properties["lines"]
	if lines.Items.Type != genai.TypeInteger || lines.MaxItems == nil || *lines.MaxItems != 2 {
		t.Errorf("lines = %+v", lines)
	}
	offset := params.Properties["offset"]
	if offset.Type != genai.TypeInteger || offset.Nullable == nil || !*offset.Nullable {
		t.Errorf("offset = %+v, want a nullable integer", offset)
	}
	if offset.Minimum == nil || *offset.Minimum != 0 {
		t.Errorf("offset minimum = %v", offset.Minimum)
	}

	if noop := tools[0].FunctionDeclarations[1]; noop.Parameters != nil {
		t.Errorf("argument-free tool Parameters = %+v, want nil", noop.Parameters)
	}

	if got, err := ToGeminiTools(nil); got != nil || err != nil {
		t.Errorf("ToGeminiTools(nil) = %v, %v", got, err)
	}
	for _, tt := range invalidSchemas {
		if _, err := ToGeminiTools([]agent.ToolDescriptor{tt.tool}); err == nil {
			t.Errorf("%s: ToGeminiTools() should fail", tt.name)
		}
	}
}

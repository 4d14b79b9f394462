package toolconv

import (
	"strings"

	"google.golang.org/genai"

	"github.com/haasonsaas/steward/internal/agent"
)

// ToGeminiTools groups every tool into one genai.Tool, the shape the API
// expects for function calling.
func ToGeminiTools(tools []agent.ToolDescriptor) ([]*genai.Tool, error) {
	declarations, err := convertAll(tools, ToGeminiDeclaration)
	if err != nil || len(declarations) == 0 {
		return nil, err
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}, nil
}

// ToGeminiDeclaration converts one tool. Gemini rejects an object schema
// without properties, so argument-free tools get no Parameters.
func ToGeminiDeclaration(tool agent.ToolDescriptor) (*genai.FunctionDeclaration, error) {
	_, schema, err := objectSchema(tool)
	if err != nil {
		return nil, err
	}
	decl := &genai.FunctionDeclaration{Name: tool.Name, Description: tool.Description}
	if props, _ := schema["properties"].(map[string]any); len(props) > 0 {
		decl.Parameters = ToGeminiSchema(schema)
	}
	return decl, nil
}

// ToGeminiSchema converts the OpenAPI subset of JSON Schema that Gemini
// understands. Unsupported keywords are dropped. A type list containing
// "null" becomes Nullable.
func ToGeminiSchema(m map[string]any) *genai.Schema {
	if m == nil {
		return nil
	}
	s := &genai.Schema{
		Description: stringField(m, "description"),
		Format:      stringField(m, "format"),
		Pattern:     stringField(m, "pattern"),
		Title:       stringField(m, "title"),
		Default:     m["default"],
		Enum:        stringList(m["enum"]),
		Required:    stringList(m["required"]),
		Minimum:     floatField(m, "minimum"),
		Maximum:     floatField(m, "maximum"),
		MinItems:    intField(m, "minItems"),
		MaxItems:    intField(m, "maxItems"),
		MinLength:   intField(m, "minLength"),
		MaxLength:   intField(m, "maxLength"),
	}

	switch t := m["type"].(type) {
	case string:
		s.Type = genai.Type(strings.ToUpper(t))
	case []any:
		for _, v := range t {
			name, _ := v.(string)
			if name == "null" {
				nullable := true
				s.Nullable = &nullable
			} else if name != "" && s.Type == "" {
				s.Type = genai.Type(strings.ToUpper(name))
			}
		}
	}

	if props, ok := m["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if pm, ok := prop.(map[string]any); ok {
				s.Properties[name] = ToGeminiSchema(pm)
			}
		}
	}
	if items, ok := m["items"].(map[string]any); ok {
		s.Items = ToGeminiSchema(items)
	}
	if anyOf, ok := m["anyOf"].([]any); ok {
		for _, sub := range anyOf {
			if sm, ok := sub.(map[string]any); ok {
				s.AnyOf = append(s.AnyOf, ToGeminiSchema(sm))
			}
		}
	}
	return s
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func stringList(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, e := range list {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func floatField(m map[string]any, key string) *float64 {
	if f, ok := m[key].(float64); ok {
		return &f
	}
	return nil
}

func intField(m map[string]any, key string) *int64 {
	if f, ok := m[key].(float64); ok {
		n := int64(f)
		return &n
	}
	return nil
}

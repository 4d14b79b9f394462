package agent

import (
	"encoding/json"
	"errors"
	"testing"
)

const pathSchema = `{
	"type": "object",
	"properties": {"path": {"type": "string"}},
	"required": ["path"],
	"additionalProperties": false
}`

func TestToolRegistry_Register(t *testing.T) {
	registry := NewToolRegistry()

	if err := registry.Register(&mockTool{name: "read_file", schema: pathSchema}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := registry.Register(&mockTool{name: "read_file"}); !errors.Is(err, ErrDuplicateTool) {
		t.Errorf("duplicate Register() error = %v, want %v", err, ErrDuplicateTool)
	}
	if err := registry.Register(&mockTool{name: "bad", schema: `{"type": 12}`}); !errors.Is(err, ErrInvalidSchema) {
		t.Errorf("Register() with bad schema error = %v, want %v", err, ErrInvalidSchema)
	}
	if err := registry.Register(&mockTool{name: ""}); err == nil {
		t.Error("Register() with empty name should fail")
	}
	if err := registry.Register(nil); err == nil {
		t.Error("Register(nil) should fail")
	}

	registry.Seal()
	if !registry.Sealed() {
		t.Error("Sealed() = false after Seal")
	}
	if err := registry.Register(&mockTool{name: "late"}); !errors.Is(err, ErrRegistrySealed) {
		t.Errorf("Register() after Seal error = %v, want %v", err, ErrRegistrySealed)
	}
	if registry.Len() != 1 {
		t.Errorf("Len() = %d, want 1", registry.Len())
	}
}

func TestToolRegistry_Resolve(t *testing.T) {
	registry := newTestRegistry(t,
		&mockTool{name: "delete_file", description: "Delete a file", destructive: true},
	)

	desc, err := registry.Resolve("delete_file")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if desc.DisplayName != "Delete File" {
		t.Errorf("DisplayName = %q, want %q", desc.DisplayName, "Delete File")
	}
	if !desc.Destructive {
		t.Error("Destructive = false, want true")
	}
	if desc.Description != "Delete a file" {
		t.Errorf("Description = %q", desc.Description)
	}

	if _, err := registry.Resolve("missing"); !errors.Is(err, ErrToolNotFound) {
		t.Errorf("Resolve(missing) error = %v, want %v", err, ErrToolNotFound)
	}
}

func TestToolRegistry_Validate(t *testing.T) {
	registry := newTestRegistry(t, &mockTool{name: "read_file", schema: pathSchema})

	tests := []struct {
		name    string
		params  string
		wantErr bool
	}{
		{"valid", `{"path": "a.txt"}`, false},
		{"missing required", `{}`, true},
		{"wrong type", `{"path": 3}`, true},
		{"extra property", `{"path": "a", "mode": "x"}`, true},
		{"not json", `{"path":`, true},
		{"empty treated as object", ``, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := registry.Validate("read_file", json.RawMessage(tt.params))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && ClassifyError(err) != KindInvalidArguments {
				t.Errorf("ClassifyError() = %q, want %q", ClassifyError(err), KindInvalidArguments)
			}
		})
	}

	if err := registry.Validate("unknown", json.RawMessage(`{}`)); err == nil {
		t.Error("Validate(unknown) should fail")
	}
}

func TestToolRegistry_DescriptorsSorted(t *testing.T) {
	registry := newTestRegistry(t,
		&mockTool{name: "write_file"},
		&mockTool{name: "delete_file"},
		&mockTool{name: "list_dir"},
	)

	descs := registry.Descriptors()
	want := []string{"delete_file", "list_dir", "write_file"}
	if len(descs) != len(want) {
		t.Fatalf("len(Descriptors()) = %d, want %d", len(descs), len(want))
	}
	for i, name := range want {
		if descs[i].Name != name {
			t.Errorf("Descriptors()[%d].Name = %q, want %q", i, descs[i].Name, name)
		}
	}
}

type namedTool struct{ mockTool }

func (*namedTool) DisplayName() string { return "Custom Label" }

func TestDescribeTool_DisplayNamer(t *testing.T) {
	desc := DescribeTool(&namedTool{mockTool{name: "x_tool"}})
	if desc.DisplayName != "Custom Label" {
		t.Errorf("DisplayName = %q, want %q", desc.DisplayName, "Custom Label")
	}
}

func TestExecContext_Getenv(t *testing.T) {
	ec := &ExecContext{Env: []string{"HOME=/a", "PATH=/bin", "HOME=/b"}}
	if got := ec.Getenv("HOME"); got != "/b" {
		t.Errorf("Getenv(HOME) = %q, want %q", got, "/b")
	}
	if got := ec.Getenv("MISSING"); got != "" {
		t.Errorf("Getenv(MISSING) = %q, want empty", got)
	}
	var nilCtx *ExecContext
	if got := nilCtx.Getenv("HOME"); got != "" {
		t.Errorf("nil Getenv = %q, want empty", got)
	}
}

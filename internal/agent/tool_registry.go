package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool parameter limits to prevent resource exhaustion
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool parameters JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

type registryEntry struct {
	tool       Tool
	descriptor ToolDescriptor
	schema     *jsonschema.Schema
}

// ToolRegistry is the closed catalog of tools, keyed by name.
// Registration happens at startup; after Seal the registry is read-only.
type ToolRegistry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry
	sealed  bool
}

// NewToolRegistry creates a new empty tool registry ready for tool registration.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		entries: make(map[string]*registryEntry),
	}
}

// Register adds a tool. It fails if the name is taken, the registry is
// sealed, or the declared schema does not compile.
func (r *ToolRegistry) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("register: nil tool")
	}
	desc := DescribeTool(tool)
	if desc.Name == "" || len(desc.Name) > MaxToolNameLength {
		return fmt.Errorf("register %q: invalid tool name", desc.Name)
	}

	schema, err := compileToolSchema(desc.Name, desc.Schema)
	if err != nil {
		return fmt.Errorf("register %s: %w: %v", desc.Name, ErrInvalidSchema, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("register %s: %w", desc.Name, ErrRegistrySealed)
	}
	if _, exists := r.entries[desc.Name]; exists {
		return fmt.Errorf("register %s: %w", desc.Name, ErrDuplicateTool)
	}
	r.entries[desc.Name] = &registryEntry{tool: tool, descriptor: desc, schema: schema}
	return nil
}

// RegisterAll registers tools in order, stopping at the first failure.
func (r *ToolRegistry) RegisterAll(tools ...Tool) error {
	for _, tool := range tools {
		if err := r.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

// Seal freezes the registry. Further Register calls fail.
func (r *ToolRegistry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Sealed reports whether Seal has been called.
func (r *ToolRegistry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Resolve returns the descriptor registered under name.
func (r *ToolRegistry) Resolve(name string) (ToolDescriptor, error) {
	entry, ok := r.lookup(name)
	if !ok {
		return ToolDescriptor{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return entry.descriptor, nil
}

// Validate checks params against the tool's schema.
// Violations are returned as a ToolError of kind KindInvalidArguments.
func (r *ToolRegistry) Validate(name string, params json.RawMessage) error {
	entry, ok := r.lookup(name)
	if !ok {
		return NewToolError(name, ErrToolNotFound).WithKind(KindInvalidArguments)
	}
	if len(params) > MaxToolParamsSize {
		return InvalidArguments("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize)
	}

	if len(bytes.TrimSpace(params)) == 0 {
		params = json.RawMessage(`{}`)
	}
	dec := json.NewDecoder(bytes.NewReader(params))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return InvalidArguments("arguments are not valid JSON: %v", err)
	}
	if entry.schema == nil {
		return nil
	}
	if err := entry.schema.Validate(decoded); err != nil {
		return InvalidArguments("arguments do not match schema: %v", err)
	}
	return nil
}

// Descriptors returns all descriptors sorted by name.
func (r *ToolRegistry) Descriptors() []ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolDescriptor, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, entry.descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered tools.
func (r *ToolRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *ToolRegistry) lookup(name string) (*registryEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	return entry, ok
}

func compileToolSchema(name string, schema json.RawMessage) (*jsonschema.Schema, error) {
	if len(bytes.TrimSpace(schema)) == 0 {
		return nil, nil
	}
	return jsonschema.CompileString(name+".schema.json", string(schema))
}

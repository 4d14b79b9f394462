// Package tape records model calls and replays them as an LLMProvider, so a
// session can be rerun without network access or API keys.
package tape

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/haasonsaas/steward/internal/agent"
	"github.com/haasonsaas/steward/pkg/models"
)

// FormatVersion is written to every tape. Load rejects other versions.
const FormatVersion = "1.0"

// Tape is an ordered list of model calls plus what produced them.
type Tape struct {
	Version      string         `json:"version"`
	CreatedAt    time.Time      `json:"created_at"`
	Model        string         `json:"model,omitempty"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	Calls        []Call         `json:"calls"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Call is one completion request and the stream it produced. Text,
// ToolCalls and StopReason summarize Chunks for readers of the file; replay
// uses only Chunks.
type Call struct {
	Index      int                      `json:"index"`
	Request    *agent.CompletionRequest `json:"request,omitempty"`
	Chunks     []Chunk                  `json:"chunks"`
	ToolCalls  []models.ToolCall        `json:"tool_calls,omitempty"`
	Text       string                   `json:"text,omitempty"`
	StopReason string                   `json:"stop_reason,omitempty"`
	Duration   time.Duration            `json:"duration"`
}

// Chunk is agent.CompletionChunk with the error flattened to text.
type Chunk struct {
	Text         string           `json:"text,omitempty"`
	ToolCall     *models.ToolCall `json:"tool_call,omitempty"`
	Done         bool             `json:"done,omitempty"`
	Error        string           `json:"error,omitempty"`
	InputTokens  int              `json:"input_tokens,omitempty"`
	OutputTokens int              `json:"output_tokens,omitempty"`
}

func FromCompletionChunk(c *agent.CompletionChunk) Chunk {
	chunk := Chunk{
		Text:         c.Text,
		Done:         c.Done,
		InputTokens:  c.InputTokens,
		OutputTokens: c.OutputTokens,
	}
	if c.ToolCall != nil {
		call := *c.ToolCall
		chunk.ToolCall = &call
	}
	if c.Error != nil {
		chunk.Error = c.Error.Error()
	}
	return chunk
}

// CompletionChunk rebuilds the streamed chunk. A recorded error comes back
// as a ReplayedError, which agent.ClassifyError sorts by its text.
func (c Chunk) CompletionChunk() *agent.CompletionChunk {
	out := &agent.CompletionChunk{
		Text:         c.Text,
		Done:         c.Done,
		InputTokens:  c.InputTokens,
		OutputTokens: c.OutputTokens,
	}
	if c.ToolCall != nil {
		call := *c.ToolCall
		out.ToolCall = &call
	}
	if c.Error != "" {
		out.Error = &ReplayedError{Message: c.Error}
	}
	return out
}

// ReplayedError is an error read back from a tape.
type ReplayedError struct {
	Message string
}

func (e *ReplayedError) Error() string { return e.Message }

func NewTape() *Tape {
	return &Tape{
		Version:   FormatVersion,
		CreatedAt: time.Now(),
		Calls:     []Call{},
		Metadata:  map[string]any{},
	}
}

// AddCall appends call, numbering it after the existing ones.
func (t *Tape) AddCall(call Call) {
	call.Index = len(t.Calls)
	t.Calls = append(t.Calls, call)
}

func (t *Tape) GetCall(index int) (*Call, bool) {
	if index < 0 || index >= len(t.Calls) {
		return nil, false
	}
	return &t.Calls[index], true
}

func (t *Tape) TotalCalls() int { return len(t.Calls) }

// Load reads and checks a tape file.
func Load(path string) (*Tape, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tape: %w", err)
	}
	var t Tape
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse tape %s: %w", path, err)
	}
	if t.Version != FormatVersion {
		return nil, fmt.Errorf("tape %s has format %q, want %q", path, t.Version, FormatVersion)
	}
	return &t, nil
}

// Save writes the tape as indented JSON, readable only by the owner since
// requests carry the whole conversation.
func (t *Tape) Save(path string) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("encode tape: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write tape: %w", err)
	}
	return nil
}

// Clone copies the tape and its call list. Requests and tool calls are
// shared; neither recorder nor replayer modifies them.
func (t *Tape) Clone() *Tape {
	clone := *t
	clone.Metadata = maps.Clone(t.Metadata)
	clone.Calls = slices.Clone(t.Calls)
	for i := range clone.Calls {
		clone.Calls[i].Chunks = slices.Clone(t.Calls[i].Chunks)
	}
	return &clone
}

// Summary counts what a tape holds.
type Summary struct {
	Model     string `json:"model,omitempty"`
	Calls     int    `json:"calls"`
	ToolCalls int    `json:"tool_calls"`
	Chunks    int    `json:"chunks"`
	Errors    int    `json:"errors"`
}

func (t *Tape) Summary() Summary {
	s := Summary{Model: t.Model, Calls: len(t.Calls)}
	for _, call := range t.Calls {
		s.Chunks += len(call.Chunks)
		for _, chunk := range call.Chunks {
			switch {
			case chunk.ToolCall != nil:
				s.ToolCalls++
			case chunk.Error != "":
				s.Errors++
			}
		}
	}
	return s
}

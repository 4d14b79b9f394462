package tape

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/haasonsaas/steward/internal/agent"
)

// ErrTapeExhausted is returned when the session asks for more model calls
// than the tape holds.
var ErrTapeExhausted = errors.New("tape exhausted: no more calls to replay")

// Mismatch is a difference between a recorded request and the one the
// session made on replay.
type Mismatch struct {
	CallIndex int    `json:"call_index"`
	Field     string `json:"field"`
	Expected  string `json:"expected"`
	Actual    string `json:"actual"`
}

// ReplayOption configures a Replayer.
type ReplayOption func(*Replayer)

// Strict compares each request with the recorded one and keeps the
// differences for Mismatches. Calls recorded without a request are skipped.
func Strict() ReplayOption {
	return func(r *Replayer) { r.strict = true }
}

// Replayer is an agent.LLMProvider that answers from a tape, one recorded
// call per Complete.
type Replayer struct {
	calls  []Call
	strict bool

	mu         sync.Mutex
	next       int
	mismatches []Mismatch
}

func NewReplayer(t *Tape, opts ...ReplayOption) *Replayer {
	r := &Replayer{calls: t.Clone().Calls}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Replayer) Name() string        { return "replay" }
func (r *Replayer) SupportsTools() bool { return true }

func (r *Replayer) Models() []agent.Model {
	return []agent.Model{{ID: "replay", Name: "Tape replay", ContextSize: 200000}}
}

// Complete streams the next recorded call. A cancelled context ends the
// stream with ctx.Err().
func (r *Replayer) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	r.mu.Lock()
	if r.next >= len(r.calls) {
		r.mu.Unlock()
		return nil, ErrTapeExhausted
	}
	call := r.calls[r.next]
	r.next++
	if r.strict && call.Request != nil && req != nil {
		r.mismatches = append(r.mismatches, compareRequests(call.Index, call.Request, req)...)
	}
	r.mu.Unlock()

	out := make(chan *agent.CompletionChunk, len(call.Chunks)+1)
	go func() {
		defer close(out)
		for _, chunk := range call.Chunks {
			if ctx.Err() != nil {
				out <- &agent.CompletionChunk{Error: ctx.Err()}
				return
			}
			out <- chunk.CompletionChunk()
		}
	}()
	return out, nil
}

// Mismatches returns the differences seen so far in strict mode.
func (r *Replayer) Mismatches() []Mismatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.mismatches)
}

// Remaining is the number of calls not yet replayed.
func (r *Replayer) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls) - r.next
}

// compareRequests checks what decides the model's answer: model, system
// prompt, conversation length, the latest message and the offered tools.
func compareRequests(index int, expected, actual *agent.CompletionRequest) []Mismatch {
	var out []Mismatch
	diff := func(field, want, got string) {
		if want != got {
			out = append(out, Mismatch{CallIndex: index, Field: field, Expected: want, Actual: got})
		}
	}

	if expected.Model != "" {
		diff("model", expected.Model, actual.Model)
	}
	diff("system", expected.System, actual.System)
	diff("message_count", strconv.Itoa(len(expected.Messages)), strconv.Itoa(len(actual.Messages)))
	if len(expected.Messages) > 0 && len(expected.Messages) == len(actual.Messages) {
		diff("last_message", lastMessage(expected), lastMessage(actual))
	}
	diff("tools", toolNames(expected), toolNames(actual))
	return out
}

func lastMessage(req *agent.CompletionRequest) string {
	m := req.Messages[len(req.Messages)-1]
	var sb strings.Builder
	sb.WriteString(string(m.Role) + ": " + m.Content)
	for _, tr := range m.ToolResults {
		sb.WriteString(" [" + tr.ToolCallID + "]")
	}
	return sb.String()
}

func toolNames(req *agent.CompletionRequest) string {
	names := make([]string, len(req.Tools))
	for i, tool := range req.Tools {
		names[i] = tool.Name
	}
	slices.Sort(names)
	return strings.Join(names, ",")
}

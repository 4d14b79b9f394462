package tape

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/steward/internal/agent"
)

// Stop reasons written to Call.StopReason.
const (
	StopEndTurn = "end_turn"
	StopToolUse = "tool_use"
	StopError   = "error"
)

// RecordOptions describes the session being recorded.
type RecordOptions struct {
	Model  string
	System string
}

// Recorder is an agent.LLMProvider that forwards to another provider and
// keeps each call with its full response for later replay.
type Recorder struct {
	provider agent.LLMProvider
	opts     RecordOptions
	started  time.Time

	mu      sync.Mutex
	calls   []Call
	next    int
	pending sync.WaitGroup
}

func NewRecorder(provider agent.LLMProvider, opts RecordOptions) *Recorder {
	return &Recorder{provider: provider, opts: opts, started: time.Now()}
}

func (r *Recorder) Name() string          { return r.provider.Name() }
func (r *Recorder) Models() []agent.Model { return r.provider.Models() }
func (r *Recorder) SupportsTools() bool   { return r.provider.SupportsTools() }

// Complete forwards req and copies the response stream. When the reader
// gives up because ctx is done, the rest of the upstream is still drained
// and recorded.
func (r *Recorder) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	r.mu.Lock()
	call := Call{Index: r.next, Request: req}
	r.next++
	r.pending.Add(1)
	r.mu.Unlock()

	start := time.Now()
	upstream, err := r.provider.Complete(ctx, req)
	if err != nil {
		call.Chunks = []Chunk{{Error: err.Error()}}
		call.StopReason = StopError
		call.Duration = time.Since(start)
		r.finish(call)
		return nil, err
	}

	out := make(chan *agent.CompletionChunk, 16)
	go func() {
		defer close(out)
		var text strings.Builder
		forward := true
		for chunk := range upstream {
			if chunk == nil {
				continue
			}
			call.Chunks = append(call.Chunks, FromCompletionChunk(chunk))
			text.WriteString(chunk.Text)
			switch {
			case chunk.Error != nil:
				call.StopReason = StopError
			case chunk.ToolCall != nil:
				call.ToolCalls = append(call.ToolCalls, *chunk.ToolCall)
			}
			if !forward {
				continue
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				forward = false
			}
		}
		call.Text = text.String()
		call.Duration = time.Since(start)
		if call.StopReason == "" {
			call.StopReason = StopEndTurn
			if len(call.ToolCalls) > 0 {
				call.StopReason = StopToolUse
			}
		}
		r.finish(call)
	}()
	return out, nil
}

func (r *Recorder) finish(call Call) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
	r.pending.Done()
}

// Tape waits for calls still streaming and returns the recording with
// calls in request order.
func (r *Recorder) Tape() *Tape {
	r.pending.Wait()

	r.mu.Lock()
	calls := slices.Clone(r.calls)
	r.mu.Unlock()
	slices.SortFunc(calls, func(a, b Call) int { return a.Index - b.Index })

	t := NewTape()
	t.CreatedAt = r.started
	t.Model = r.opts.Model
	t.SystemPrompt = r.opts.System
	t.Metadata["provider"] = r.provider.Name()
	t.Calls = calls
	return t.Clone()
}

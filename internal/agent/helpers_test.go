package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/haasonsaas/steward/internal/backoff"
	"github.com/haasonsaas/steward/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const objectSchema = `{"type":"object"}`

// mockTool implements Tool for testing
type mockTool struct {
	name        string
	description string
	schema      string
	destructive bool
	invokeFunc  func(ctx context.Context, ec *ExecContext, params json.RawMessage) (*ToolOutput, error)
	invokeCount atomic.Int32
}

func (m *mockTool) Name() string        { return m.name }
func (m *mockTool) Description() string { return m.description }
func (m *mockTool) Destructive() bool   { return m.destructive }
func (m *mockTool) Schema() json.RawMessage {
	if m.schema == "" {
		return json.RawMessage(objectSchema)
	}
	return json.RawMessage(m.schema)
}
func (m *mockTool) Invoke(ctx context.Context, ec *ExecContext, params json.RawMessage) (*ToolOutput, error) {
	m.invokeCount.Add(1)
	if m.invokeFunc != nil {
		return m.invokeFunc(ctx, ec, params)
	}
	return &ToolOutput{Content: "success"}, nil
}

func newTestRegistry(t *testing.T, tools ...Tool) *ToolRegistry {
	t.Helper()
	registry := NewToolRegistry()
	if err := registry.RegisterAll(tools...); err != nil {
		t.Fatalf("RegisterAll failed: %v", err)
	}
	return registry
}

// scriptedCall is one scripted model response. If err is set, Complete fails
// before streaming; otherwise chunks are streamed in order.
type scriptedCall struct {
	chunks []*CompletionChunk
	err    error
	// block holds the stream open after the chunks until ctx is done.
	block bool
}

// scriptedProvider replays scripted responses and records every request.
type scriptedProvider struct {
	mu       sync.Mutex
	calls    []scriptedCall
	requests []*CompletionRequest
}

func (p *scriptedProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	p.mu.Lock()
	idx := len(p.requests)
	p.requests = append(p.requests, req)
	var call scriptedCall
	if idx < len(p.calls) {
		call = p.calls[idx]
	} else {
		call = scriptedCall{chunks: []*CompletionChunk{{Text: "done"}, {Done: true}}}
	}
	p.mu.Unlock()

	if call.err != nil {
		return nil, call.err
	}

	ch := make(chan *CompletionChunk)
	go func() {
		defer close(ch)
		for _, chunk := range call.chunks {
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if call.block {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

func (p *scriptedProvider) Name() string        { return "scripted" }
func (p *scriptedProvider) Models() []Model     { return nil }
func (p *scriptedProvider) SupportsTools() bool { return true }

func (p *scriptedProvider) Requests() []*CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*CompletionRequest(nil), p.requests...)
}

func textResponse(text string) scriptedCall {
	return scriptedCall{chunks: []*CompletionChunk{{Text: text}, {Done: true}}}
}

func toolResponse(calls ...models.ToolCall) scriptedCall {
	var chunks []*CompletionChunk
	for i := range calls {
		call := calls[i]
		chunks = append(chunks, &CompletionChunk{ToolCall: &call})
	}
	return scriptedCall{chunks: append(chunks, &CompletionChunk{Done: true})}
}

func call(id, name, input string) models.ToolCall {
	return models.ToolCall{ID: id, Name: name, Input: json.RawMessage(input)}
}

// fastRetry keeps retry tests quick.
var fastRetry = backoff.Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2, MaxAttempts: 3}

// collect drains a turn stream and returns every chunk plus the terminal one.
func collect(t *testing.T, chunks <-chan *ResponseChunk) ([]*ResponseChunk, *ResponseChunk) {
	t.Helper()
	var all []*ResponseChunk
	var final *ResponseChunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				if final == nil {
					t.Fatal("stream closed without a terminal chunk")
				}
				return all, final
			}
			all = append(all, chunk)
			if chunk.Status != "" {
				final = chunk
			}
		case <-timeout:
			t.Fatal("timed out waiting for turn to finish")
			return nil, nil
		}
	}
}

func eventKinds(events []models.Event) []models.EventKind {
	kinds := make([]models.EventKind, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func equalKinds(a, b []models.EventKind) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var errTransient = errors.New("connection reset by peer")

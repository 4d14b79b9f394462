package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/haasonsaas/steward/pkg/models"
)

func feed(chunks ...*CompletionChunk) <-chan *CompletionChunk {
	ch := make(chan *CompletionChunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch
}

func readAll(t *testing.T, r *StreamReader) ([]StreamEvent, error) {
	t.Helper()
	var events []StreamEvent
	for i := 0; i < 100; i++ {
		ev, err := r.Next(context.Background())
		if err != nil {
			return events, err
		}
		events = append(events, ev)
		if ev.Kind == StreamEnd {
			return events, nil
		}
	}
	t.Fatal("stream did not end")
	return nil, nil
}

func TestStreamReader_TextAndToolCalls(t *testing.T) {
	c := call("c1", "list_dir", `{"path":"."}`)
	r := NewStreamReader(feed(
		&CompletionChunk{Text: "Looking"},
		nil,
		&CompletionChunk{Text: " now"},
		&CompletionChunk{ToolCall: &c},
		&CompletionChunk{Done: true, InputTokens: 10, OutputTokens: 4},
	))

	events, err := readAll(t, r)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	want := []StreamEventKind{StreamText, StreamText, StreamToolCall, StreamEnd}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d", len(events), len(want))
	}
	for i, kind := range want {
		if events[i].Kind != kind {
			t.Errorf("events[%d].Kind = %q, want %q", i, events[i].Kind, kind)
		}
	}
	if events[2].ToolCall.Origin != models.OriginModel {
		t.Errorf("Origin = %q, want %q", events[2].ToolCall.Origin, models.OriginModel)
	}
	if end := events[3]; end.InputTokens != 10 || end.OutputTokens != 4 {
		t.Errorf("usage = %d/%d, want 10/4", end.InputTokens, end.OutputTokens)
	}
	if !r.Delivered() {
		t.Error("Delivered() = false after text")
	}

	// The reader stays at end of stream.
	ev, err := r.Next(context.Background())
	if err != nil || ev.Kind != StreamEnd {
		t.Errorf("Next() after end = %v, %v; want StreamEnd", ev.Kind, err)
	}
}

func TestStreamReader_MalformedToolCalls(t *testing.T) {
	tests := []struct {
		name     string
		call     models.ToolCall
		wantKind StreamEventKind
	}{
		{"valid", call("c1", "t", `{"a":1}`), StreamToolCall},
		{"empty input becomes object", call("c1", "t", ``), StreamToolCall},
		{"invalid json", call("c1", "t", `{"a":`), StreamToolCallError},
		{"not an object", call("c1", "t", `[1,2]`), StreamToolCallError},
		{"missing name", call("c1", "", `{}`), StreamToolCallError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.call
			r := NewStreamReader(feed(&CompletionChunk{ToolCall: &c}, &CompletionChunk{Done: true}))
			ev, err := r.Next(context.Background())
			if err != nil {
				t.Fatalf("Next() error = %v", err)
			}
			if ev.Kind != tt.wantKind {
				t.Fatalf("Kind = %q, want %q", ev.Kind, tt.wantKind)
			}
			if !json.Valid(ev.ToolCall.Input) {
				t.Errorf("Input %q is not valid JSON", ev.ToolCall.Input)
			}
			if tt.wantKind == StreamToolCallError && ev.Err == nil {
				t.Error("Err = nil for a malformed call")
			}
			r.Drain()
		})
	}
}

func TestStreamReader_GeneratesMissingID(t *testing.T) {
	c := models.ToolCall{Name: "t", Input: json.RawMessage(`{}`)}
	r := NewStreamReader(feed(&CompletionChunk{ToolCall: &c}))
	ev, err := r.Next(context.Background())
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if ev.ToolCall.ID == "" {
		t.Error("ID should be generated")
	}
	r.Drain()
}

func TestStreamReader_Truncated(t *testing.T) {
	r := NewStreamReader(feed(&CompletionChunk{Text: "partial"}))
	_, err := readAll(t, r)
	if !errors.Is(err, ErrStreamTruncated) {
		t.Errorf("error = %v, want %v", err, ErrStreamTruncated)
	}
	if ClassifyError(err) != KindTransientNetwork {
		t.Errorf("truncation should classify as transient")
	}
}

func TestStreamReader_ErrorChunk(t *testing.T) {
	boom := errors.New("overloaded")
	r := NewStreamReader(feed(&CompletionChunk{Error: boom}))
	_, err := r.Next(context.Background())
	if !errors.Is(err, boom) {
		t.Errorf("error = %v, want %v", err, boom)
	}
	if r.Delivered() {
		t.Error("Delivered() = true with nothing delivered")
	}
}

func TestStreamReader_ContextCancelled(t *testing.T) {
	ch := make(chan *CompletionChunk)
	r := NewStreamReader(ch)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := r.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want %v", err, context.Canceled)
	}
	r.Drain()
	close(ch)
}

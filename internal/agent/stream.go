package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/haasonsaas/steward/pkg/models"
)

// StreamEventKind tags the events produced by a StreamReader.
type StreamEventKind string

const (
	// StreamText is a fragment of model text.
	StreamText StreamEventKind = "text"
	// StreamToolCall is a well-formed tool call request.
	StreamToolCall StreamEventKind = "tool_call"
	// StreamToolCallError is a tool call whose payload could not be parsed.
	StreamToolCallError StreamEventKind = "tool_call_error"
	// StreamEnd is the end-of-turn marker. It is always the last event.
	StreamEnd StreamEventKind = "end"
)

// StreamEvent is one typed item of a model response.
type StreamEvent struct {
	Kind     StreamEventKind
	Text     string
	ToolCall *models.ToolCall

	// Err describes a malformed tool call payload.
	Err error

	InputTokens  int
	OutputTokens int
}

// StreamReader turns one model call's chunk channel into a finite sequence
// of typed events ending in StreamEnd. It is not resumable: a follow-up
// model call gets a new reader.
type StreamReader struct {
	chunks <-chan *CompletionChunk
	done   bool

	// fragments and calls count what has been delivered; a failed call is
	// only retried when nothing was.
	fragments int
	calls     int
}

// NewStreamReader wraps the channel returned by LLMProvider.Complete.
func NewStreamReader(chunks <-chan *CompletionChunk) *StreamReader {
	return &StreamReader{chunks: chunks}
}

// Next returns the next event. Once the stream has ended, Next keeps
// returning StreamEnd.
//
// Errors returned by Next are transport or provider failures; they end the
// stream. Malformed tool calls are not errors: they are reported as
// StreamToolCallError events so the turn can continue.
func (r *StreamReader) Next(ctx context.Context) (StreamEvent, error) {
	if r.done {
		return StreamEvent{Kind: StreamEnd}, nil
	}

	for {
		var chunk *CompletionChunk
		var ok bool
		select {
		case <-ctx.Done():
			r.done = true
			return StreamEvent{}, ctx.Err()
		case chunk, ok = <-r.chunks:
		}

		if !ok {
			r.done = true
			return StreamEvent{}, ErrStreamTruncated
		}
		if chunk == nil {
			continue
		}

		switch {
		case chunk.Error != nil:
			r.done = true
			return StreamEvent{}, chunk.Error
		case chunk.ToolCall != nil:
			r.calls++
			return r.toolCallEvent(chunk.ToolCall), nil
		case chunk.Text != "":
			r.fragments++
			return StreamEvent{Kind: StreamText, Text: chunk.Text}, nil
		case chunk.Done:
			r.done = true
			return StreamEvent{
				Kind:         StreamEnd,
				InputTokens:  chunk.InputTokens,
				OutputTokens: chunk.OutputTokens,
			}, nil
		}
	}
}

// Delivered reports whether any text or tool call has been produced.
func (r *StreamReader) Delivered() bool {
	return r.fragments > 0 || r.calls > 0
}

// Drain consumes the remaining chunks so the provider goroutine can exit.
func (r *StreamReader) Drain() {
	if r.chunks == nil {
		return
	}
	go func(ch <-chan *CompletionChunk) {
		for range ch {
		}
	}(r.chunks)
	r.chunks = nil
	r.done = true
}

func (r *StreamReader) toolCallEvent(raw *models.ToolCall) StreamEvent {
	call := models.ToolCall{
		ID:     raw.ID,
		Name:   raw.Name,
		Input:  raw.Input,
		Origin: models.OriginModel,
	}
	if call.ID == "" {
		call.ID = "call_" + uuid.NewString()
	}

	var err error
	input := bytes.TrimSpace(call.Input)
	switch {
	case call.Name == "":
		err = fmt.Errorf("tool call %s has no tool name", call.ID)
	case len(input) == 0:
		call.Input = json.RawMessage(`{}`)
	case !json.Valid(input):
		err = fmt.Errorf("tool call %s (%s) has invalid JSON arguments: %q", call.ID, call.Name, truncate(string(input), 200))
	case input[0] != '{':
		err = fmt.Errorf("tool call %s (%s) arguments must be a JSON object", call.ID, call.Name)
	}

	if err != nil {
		// The transcript must stay valid JSON, so the raw payload only
		// survives in the error message.
		call.Input = json.RawMessage(`{}`)
		return StreamEvent{Kind: StreamToolCallError, ToolCall: &call, Err: err}
	}
	return StreamEvent{Kind: StreamToolCall, ToolCall: &call}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

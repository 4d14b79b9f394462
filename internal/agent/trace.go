package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/haasonsaas/steward/pkg/models"
)

// TraceWriter writes turns and events to a JSONL file for debugging and replay.
// Each record is written as a single JSON line, flushed immediately for crash
// safety. It implements TranscriptStore.
type TraceWriter struct {
	mu       sync.Mutex
	writer   io.Writer
	file     *os.File // non-nil if we opened the file ourselves
	redactor Redactor
	header   *TraceHeader
	started  bool
}

// TraceHeader contains metadata written as the first line of a trace file.
type TraceHeader struct {
	Version    int       `json:"version"`     // Schema version (1)
	SessionID  string    `json:"session_id"`  // Session the trace belongs to
	StartedAt  time.Time `json:"started_at"`  // When the trace started
	AppVersion string    `json:"app_version"` // Application version (optional)
}

// traceLine is one record after the header.
type traceLine struct {
	Turn  *models.TurnRecord `json:"turn,omitempty"`
	Event *models.Event      `json:"event,omitempty"`
}

// Redactor is an optional function to redact sensitive data from events.
// It receives a copy of the event before serialization and may modify it.
type Redactor func(e *models.Event)

// TraceOption configures a TraceWriter.
type TraceOption func(*TraceWriter)

// WithRedactor sets a custom redactor function.
func WithRedactor(r Redactor) TraceOption {
	return func(w *TraceWriter) {
		w.redactor = r
	}
}

// WithAppVersion sets the app version in the trace header.
func WithAppVersion(version string) TraceOption {
	return func(w *TraceWriter) {
		w.header.AppVersion = version
	}
}

// NewTraceWriter creates a trace writer over w.
func NewTraceWriter(w io.Writer, sessionID string, opts ...TraceOption) *TraceWriter {
	t := &TraceWriter{
		writer: w,
		header: &TraceHeader{
			Version:   1,
			SessionID: sessionID,
			StartedAt: time.Now(),
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NewTraceFile creates a trace writer for the given path.
// The file is created or truncated. Caller should call Close() when done.
func NewTraceFile(path string, sessionID string, opts ...TraceOption) (*TraceWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace file: %w", err)
	}

	t := NewTraceWriter(f, sessionID, opts...)
	t.file = f
	return t, nil
}

// SaveTurn implements TranscriptStore.
func (t *TraceWriter) SaveTurn(ctx context.Context, rec models.TurnRecord) error {
	return t.write(traceLine{Turn: &rec})
}

// AppendEvent implements TranscriptStore.
func (t *TraceWriter) AppendEvent(ctx context.Context, sessionID string, ev models.Event) error {
	if t.redactor != nil {
		ev = cloneEvent(ev)
		t.redactor(&ev)
	}
	return t.write(traceLine{Event: &ev})
}

func (t *TraceWriter) write(line traceLine) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.started {
		t.started = true
		if err := t.writeLine(t.header); err != nil {
			return err
		}
	}
	return t.writeLine(line)
}

func (t *TraceWriter) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode trace record: %w", err)
	}
	data = append(data, '\n')
	if _, err := t.writer.Write(data); err != nil {
		return fmt.Errorf("write trace record: %w", err)
	}
	if t.file != nil {
		_ = t.file.Sync()
	}
	return nil
}

// Close closes the trace file if one was opened.
func (t *TraceWriter) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.file != nil {
		return t.file.Close()
	}
	return nil
}

// TraceReader reads records from a JSONL trace file.
type TraceReader struct {
	decoder *json.Decoder
	header  *TraceHeader
}

// NewTraceReader creates a new trace reader from the given reader.
// It reads and validates the header automatically.
func NewTraceReader(r io.Reader) (*TraceReader, error) {
	decoder := json.NewDecoder(r)

	var header TraceHeader
	if err := decoder.Decode(&header); err != nil {
		return nil, fmt.Errorf("failed to read trace header: %w", err)
	}
	if header.Version != 1 {
		return nil, fmt.Errorf("unsupported trace version: %d", header.Version)
	}

	return &TraceReader{
		decoder: decoder,
		header:  &header,
	}, nil
}

// Header returns the trace header.
func (r *TraceReader) Header() *TraceHeader {
	return r.header
}

// ReadAll returns the latest record of every turn, in first-seen order,
// and every event.
func (r *TraceReader) ReadAll() ([]models.TurnRecord, []models.Event, error) {
	var (
		order  []string
		turns  = make(map[string]models.TurnRecord)
		events []models.Event
	)
	for {
		var line traceLine
		err := r.decoder.Decode(&line)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read trace record: %w", err)
		}
		switch {
		case line.Turn != nil:
			if _, seen := turns[line.Turn.ID]; !seen {
				order = append(order, line.Turn.ID)
			}
			turns[line.Turn.ID] = *line.Turn
		case line.Event != nil:
			events = append(events, *line.Event)
		}
	}

	records := make([]models.TurnRecord, 0, len(order))
	for _, id := range order {
		records = append(records, turns[id])
	}
	return records, events, nil
}

// ValidateTrace checks that every event belongs to a known turn, is valid,
// and that sequences are strictly increasing within each turn.
func ValidateTrace(records []models.TurnRecord, events []models.Event) []string {
	var problems []string

	known := make(map[string]bool, len(records))
	for _, rec := range records {
		known[rec.ID] = true
	}

	lastSeq := make(map[string]int)
	for i, ev := range events {
		if !known[ev.TurnID] {
			problems = append(problems, fmt.Sprintf("event %d references unknown turn %q", i, ev.TurnID))
		}
		if err := ev.Validate(); err != nil {
			problems = append(problems, fmt.Sprintf("event %d: %v", i, err))
		}
		if last, ok := lastSeq[ev.TurnID]; ok && ev.Sequence <= last {
			problems = append(problems, fmt.Sprintf("sequence not strictly increasing in turn %s at event %d: %d <= %d", ev.TurnID, i, ev.Sequence, last))
		}
		lastSeq[ev.TurnID] = ev.Sequence
	}
	return problems
}

// DefaultRedactor replaces tool arguments and tool output with a placeholder.
// Model and user text is kept.
func DefaultRedactor(e *models.Event) {
	if e.ToolCall != nil && len(e.ToolCall.Input) > 0 {
		e.ToolCall.Input = json.RawMessage(`{"redacted":true}`)
	}
	if e.Result != nil && e.Result.Content != "" {
		e.Result.Content = "[REDACTED]"
	}
}

func cloneEvent(ev models.Event) models.Event {
	if ev.ToolCall != nil {
		call := *ev.ToolCall
		call.Input = append(json.RawMessage(nil), call.Input...)
		ev.ToolCall = &call
	}
	if ev.Result != nil {
		result := *ev.Result
		ev.Result = &result
	}
	return ev
}

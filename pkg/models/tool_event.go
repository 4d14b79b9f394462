package models

import (
	"encoding/json"
	"time"
)

// ToolEventStage is a step in the life of one tool call as shown to a front
// end. Unlike transcript events, tool events are not persisted.
type ToolEventStage string

const (
	ToolEventRequested ToolEventStage = "requested"
	ToolEventApproved  ToolEventStage = "approved"
	ToolEventDenied    ToolEventStage = "denied"
	ToolEventStarted   ToolEventStage = "started"
	ToolEventSucceeded ToolEventStage = "succeeded"
	ToolEventFailed    ToolEventStage = "failed"
	ToolEventCancelled ToolEventStage = "cancelled"
)

// Finished reports whether no further events follow for the call. A denied
// call still finishes with failed or cancelled.
func (s ToolEventStage) Finished() bool {
	switch s {
	case ToolEventSucceeded, ToolEventFailed, ToolEventCancelled:
		return true
	}
	return false
}

// ToolEvent is one lifecycle notification for a tool call. Input and Origin
// are set on requested; Output, Error and the times on finished stages.
type ToolEvent struct {
	ToolCallID   string          `json:"tool_call_id"`
	ToolName     string          `json:"tool_name"`
	Stage        ToolEventStage  `json:"stage"`
	Origin       ToolCallOrigin  `json:"origin,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	Output       string          `json:"output,omitempty"`
	Error        string          `json:"error,omitempty"`
	PolicyReason string          `json:"policy_reason,omitempty"`
	StartedAt    time.Time       `json:"started_at,omitzero"`
	FinishedAt   time.Time       `json:"finished_at,omitzero"`
}

// Duration is the execution time, or zero when either bound is unknown.
func (e *ToolEvent) Duration() time.Duration {
	if e.StartedAt.IsZero() || e.FinishedAt.IsZero() {
		return 0
	}
	return e.FinishedAt.Sub(e.StartedAt)
}

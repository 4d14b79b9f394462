package models

import (
	"errors"
	"fmt"
	"time"
)

// EventKind tags the variant carried by an Event.
type EventKind string

const (
	EventUserMessage     EventKind = "user_message"
	EventModelText       EventKind = "model_text"
	EventToolCallRequest EventKind = "tool_call_request"
	EventToolCallResult  EventKind = "tool_call_result"
	EventToolCallError   EventKind = "tool_call_error"
	EventCancelled       EventKind = "cancelled"
)

// Valid reports whether k is one of the known event kinds.
func (k EventKind) Valid() bool {
	switch k {
	case EventUserMessage, EventModelText, EventToolCallRequest,
		EventToolCallResult, EventToolCallError, EventCancelled:
		return true
	}
	return false
}

// Event is one append-only entry of a turn transcript.
//
// Only the fields relevant to Kind are populated:
//   - user_message, model_text: Text
//   - tool_call_request: ToolCall
//   - tool_call_result: Result
//   - tool_call_error: Result (IsError=true) and ErrorKind
//   - cancelled: Text holds an optional reason
type Event struct {
	Kind      EventKind   `json:"kind"`
	TurnID    string      `json:"turn_id,omitempty"`
	Sequence  int         `json:"sequence"`
	Text      string      `json:"text,omitempty"`
	ToolCall  *ToolCall   `json:"tool_call,omitempty"`
	Result    *ToolResult `json:"result,omitempty"`
	ErrorKind string      `json:"error_kind,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewUserMessage creates a user_message event.
func NewUserMessage(text string) Event {
	return Event{Kind: EventUserMessage, Text: text, Timestamp: time.Now()}
}

// NewModelText creates a model_text event.
func NewModelText(text string) Event {
	return Event{Kind: EventModelText, Text: text, Timestamp: time.Now()}
}

// NewToolCallRequest creates a tool_call_request event.
func NewToolCallRequest(call ToolCall) Event {
	return Event{Kind: EventToolCallRequest, ToolCall: &call, Timestamp: time.Now()}
}

// NewToolCallResult creates a tool_call_result event.
func NewToolCallResult(toolCallID, content string) Event {
	return Event{
		Kind:      EventToolCallResult,
		Result:    &ToolResult{ToolCallID: toolCallID, Content: content},
		Timestamp: time.Now(),
	}
}

// NewToolCallError creates a tool_call_error event tagged with an error kind.
func NewToolCallError(toolCallID, kind, message string) Event {
	return Event{
		Kind:      EventToolCallError,
		Result:    &ToolResult{ToolCallID: toolCallID, Content: message, IsError: true},
		ErrorKind: kind,
		Timestamp: time.Now(),
	}
}

// NewCancelled creates a cancelled event.
func NewCancelled(reason string) Event {
	return Event{Kind: EventCancelled, Text: reason, Timestamp: time.Now()}
}

// ToolCallID returns the id of the tool call this event refers to, if any.
func (e Event) ToolCallID() string {
	switch {
	case e.ToolCall != nil:
		return e.ToolCall.ID
	case e.Result != nil:
		return e.Result.ToolCallID
	}
	return ""
}

// Validate checks that the fields required by the event kind are present.
func (e Event) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	switch e.Kind {
	case EventToolCallRequest:
		if e.ToolCall == nil {
			return errors.New("tool_call_request event requires a tool call")
		}
		if e.ToolCall.ID == "" {
			return errors.New("tool_call_request event requires a tool call id")
		}
	case EventToolCallResult, EventToolCallError:
		if e.Result == nil {
			return fmt.Errorf("%s event requires a result", e.Kind)
		}
		if e.Result.ToolCallID == "" {
			return fmt.Errorf("%s event requires a tool call id", e.Kind)
		}
		if e.Kind == EventToolCallError && e.ErrorKind == "" {
			return errors.New("tool_call_error event requires an error kind")
		}
	}
	return nil
}

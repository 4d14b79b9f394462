package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

var (
	ErrBusy            = errors.New("session busy: a turn is already in flight")
	ErrTurnCancelled   = errors.New("turn cancelled")
	ErrMaxIterations   = errors.New("max iterations exceeded")
	ErrNoProvider      = errors.New("no provider configured")
	ErrToolNotFound    = errors.New("tool not found")
	ErrDuplicateTool   = errors.New("tool already registered")
	ErrRegistrySealed  = errors.New("tool registry is sealed")
	ErrInvalidSchema   = errors.New("invalid tool schema")
	ErrToolPanic       = errors.New("tool panicked")
	ErrStreamTruncated = errors.New("model stream ended without end-of-turn marker")
	// ErrNoApprover is returned when a call needs a human decision and no
	// approver is attached.
	ErrNoApprover = errors.New("no approver available")
)

// ErrorKind is the failure taxonomy shared by tool calls and model calls.
type ErrorKind string

const (
	KindTransientNetwork           ErrorKind = "transient_network"
	KindAuthFailure                ErrorKind = "auth_failure"
	KindInvalidArguments           ErrorKind = "invalid_arguments"
	KindToolExecutionFailure       ErrorKind = "tool_execution_failure"
	KindMalformedToolCallPayload   ErrorKind = "malformed_tool_call_payload"
	KindApprovalDenied             ErrorKind = "approval_denied"
	KindApprovalDeniedWithFeedback ErrorKind = "approval_denied_with_feedback"
	KindCancelled                  ErrorKind = "cancelled"
	// KindUnknown is never retried.
	KindUnknown ErrorKind = "unknown"
)

// IsRetryable reports whether a model call failing with this kind may be
// tried again.
func (k ErrorKind) IsRetryable() bool { return k == KindTransientNetwork }

// IsCallLocal reports whether the failure ends only the one tool call. Such
// failures are recorded and the turn goes on.
func (k ErrorKind) IsCallLocal() bool {
	switch k {
	case KindInvalidArguments, KindToolExecutionFailure, KindMalformedToolCallPayload,
		KindApprovalDenied, KindApprovalDeniedWithFeedback:
		return true
	}
	return false
}

// kinded errors classify themselves.
type kinded interface {
	ErrorKind() ErrorKind
}

// Message fragments that classify errors no type check caught. Auth is
// checked first so "permission denied" is never retried.
var messageKinds = []struct {
	kind      ErrorKind
	fragments []string
}{
	{KindAuthFailure, []string{"unauthorized", "invalid api key", "invalid_api_key", "authentication", "permission denied"}},
	{KindTransientNetwork, []string{
		"timeout", "connection reset", "connection refused", "broken pipe", "unexpected eof",
		"rate limit", "too many requests", "service unavailable",
	}},
}

// ClassifyError maps err onto the taxonomy. Cancellation comes first, then
// an error's own kind, then known sentinels and net.Error, and last the
// error text.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrTurnCancelled) || errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	var k kinded
	if errors.As(err, &k) && k.ErrorKind() != "" {
		return k.ErrorKind()
	}
	var netErr net.Error
	if errors.Is(err, ErrStreamTruncated) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.As(err, &netErr) {
		return KindTransientNetwork
	}

	text := strings.ToLower(err.Error())
	for _, mk := range messageKinds {
		for _, frag := range mk.fragments {
			if strings.Contains(text, frag) {
				return mk.kind
			}
		}
	}
	return KindUnknown
}

// ToolError is a classified failure of one tool call.
type ToolError struct {
	Kind       ErrorKind
	ToolName   string
	ToolCallID string
	Message    string
	Cause      error
}

func (e *ToolError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[tool:%s]", e.Kind)
	if e.ToolName != "" {
		sb.WriteString(" " + e.ToolName)
	}
	switch {
	case e.Message != "":
		sb.WriteString(" " + e.Message)
	case e.Cause != nil:
		sb.WriteString(" " + e.Cause.Error())
	}
	return sb.String()
}

func (e *ToolError) Unwrap() error        { return e.Cause }
func (e *ToolError) ErrorKind() ErrorKind { return e.Kind }

// NewToolError wraps a failure of toolName. The cause keeps its own kind if
// it has one; anything else counts as an execution failure.
func NewToolError(toolName string, cause error) *ToolError {
	e := &ToolError{ToolName: toolName, Cause: cause, Kind: KindToolExecutionFailure}
	if cause == nil {
		return e
	}
	e.Message = cause.Error()
	var k kinded
	switch {
	case errors.Is(cause, context.Canceled) || errors.Is(cause, ErrTurnCancelled):
		e.Kind = KindCancelled
	case errors.As(cause, &k) && k.ErrorKind() != "":
		e.Kind = k.ErrorKind()
	}
	return e
}

// InvalidArguments is how a tool body rejects its input.
func InvalidArguments(format string, args ...any) *ToolError {
	return &ToolError{Kind: KindInvalidArguments, Message: fmt.Sprintf(format, args...)}
}

func (e *ToolError) WithKind(k ErrorKind) *ToolError {
	e.Kind = k
	return e
}

func (e *ToolError) WithToolCallID(id string) *ToolError {
	e.ToolCallID = id
	return e
}

// GetToolError finds a *ToolError in err's chain.
func GetToolError(err error) (*ToolError, bool) {
	var te *ToolError
	ok := errors.As(err, &te)
	return te, ok
}

// TurnPhase names the part of a turn where a terminal failure happened.
type TurnPhase string

const (
	PhaseModelCall    TurnPhase = "model_call"
	PhaseStream       TurnPhase = "stream"
	PhaseApproval     TurnPhase = "approval"
	PhaseExecuteTools TurnPhase = "execute_tools"
)

// TurnError is the one summary error attached to a failed or cancelled
// turn. Iteration counts model calls from 1; Attempts is how many tries the
// last one took.
type TurnError struct {
	TurnID    string
	Phase     TurnPhase
	Iteration int
	Kind      ErrorKind
	Attempts  int
	Cause     error
}

func (e *TurnError) Error() string {
	var sb strings.Builder
	if e.Kind == KindCancelled {
		fmt.Fprintf(&sb, "turn %s cancelled at %s (iteration %d)", e.TurnID, e.Phase, e.Iteration)
	} else {
		fmt.Fprintf(&sb, "turn %s failed at %s (iteration %d, %s)", e.TurnID, e.Phase, e.Iteration, e.Kind)
	}
	if e.Attempts > 1 {
		fmt.Fprintf(&sb, " after %d attempts", e.Attempts)
	}
	if e.Cause != nil {
		sb.WriteString(": " + e.Cause.Error())
	}
	return sb.String()
}

func (e *TurnError) Unwrap() error        { return e.Cause }
func (e *TurnError) ErrorKind() ErrorKind { return e.Kind }

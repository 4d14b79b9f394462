package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/haasonsaas/steward/pkg/models"
)

// ActionKind names what a front-end action asks the session to do.
type ActionKind string

const (
	// ActionMessage submits free text to the model.
	ActionMessage ActionKind = "message"
	// ActionRunTool runs one tool directly, without a model call.
	ActionRunTool ActionKind = "run_tool"
	// ActionCancel cancels the open turn.
	ActionCancel ActionKind = "cancel"
)

// Action is the structured request a front end produces from user input.
type Action struct {
	Kind      ActionKind      `json:"kind"`
	Text      string          `json:"text,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ErrUnsupportedAction is returned by SubmitAction for an unknown kind.
var ErrUnsupportedAction = errors.New("unsupported action")

// SubmitAction routes an action into the session.
//
// ActionRunTool opens a turn holding a single user-originated tool call. The
// call passes through the same validation, approval gating and execution as
// a model-issued one; no model call follows it. ActionCancel cancels the open
// turn and returns a nil channel.
func (s *Session) SubmitAction(ctx context.Context, action Action) (<-chan *ResponseChunk, error) {
	switch action.Kind {
	case ActionMessage:
		return s.Submit(ctx, action.Text)
	case ActionCancel:
		s.Cancel()
		return nil, nil
	case ActionRunTool:
		return s.runAction(ctx, action)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAction, action.Kind)
	}
}

func (s *Session) runAction(ctx context.Context, action Action) (<-chan *ResponseChunk, error) {
	if action.ToolName == "" {
		return nil, fmt.Errorf("%w: run_tool requires a tool name", ErrUnsupportedAction)
	}

	call := models.ToolCall{
		ID:     "action_" + uuid.NewString(),
		Name:   action.ToolName,
		Input:  action.Arguments,
		Origin: models.OriginUser,
	}
	pc := pendingCall{call: call}
	if len(call.Input) == 0 {
		pc.call.Input = json.RawMessage(`{}`)
	} else if !json.Valid(call.Input) {
		pc.call.Input = json.RawMessage(`{}`)
		pc.malformed = fmt.Errorf("arguments for %s are not valid JSON", call.Name)
	}

	turn, turnCtx, err := s.begin(ctx, TurnAction)
	if err != nil {
		return nil, err
	}

	out := make(chan *ResponseChunk, chunkBuffer)
	go s.runTurn(turnCtx, turn, out, func(ctx context.Context) (TurnStatus, error) {
		if phase, cancelled := s.dispatch(ctx, turn, []pendingCall{pc}, out); cancelled {
			return TurnCancelled, s.cancelledError(turn, phase, 0)
		}
		return TurnClosed, nil
	})
	return out, nil
}

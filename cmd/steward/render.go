package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/haasonsaas/steward/internal/agent"
	"github.com/haasonsaas/steward/internal/tools"
	"github.com/haasonsaas/steward/pkg/models"
)

// renderer prints a turn's response stream for a human reader.
type renderer struct {
	out io.Writer
	// width caps tool lines; 0 leaves them untouched.
	width int

	inputs      map[string]json.RawMessage
	atLineStart bool
}

func newRenderer(out io.Writer, width int) *renderer {
	return &renderer{
		out:         out,
		width:       width,
		inputs:      make(map[string]json.RawMessage),
		atLineStart: true,
	}
}

// Chunk renders one chunk. Transcript events are not printed: live text and
// tool lifecycle notifications already cover them.
func (r *renderer) Chunk(c *agent.ResponseChunk) {
	if c == nil {
		return
	}
	if c.Text != "" {
		r.write(c.Text)
	}
	if c.ToolEvent != nil {
		r.toolEvent(c.ToolEvent)
	}
	if c.Event != nil && c.Event.Kind == models.EventToolCallError && c.Event.ErrorKind == string(agent.KindMalformedToolCallPayload) {
		r.line("✗ malformed tool call: " + c.Event.Result.Content)
	}
	if c.Status.Terminal() {
		r.finish(c.Status, c.Error)
	}
}

func (r *renderer) toolEvent(ev *models.ToolEvent) {
	if ev.Stage == models.ToolEventRequested {
		r.inputs[ev.ToolCallID] = ev.Input
		return
	}
	summary := tools.Summarize(ev.ToolName, r.inputs[ev.ToolCallID])

	switch ev.Stage {
	case models.ToolEventStarted:
		r.line("… " + summary)
	case models.ToolEventSucceeded:
		r.line("✓ " + summary)
	case models.ToolEventFailed:
		r.line("✗ " + summary + ": " + firstLine(ev.Error))
	case models.ToolEventDenied:
		msg := "⊘ " + summary + ": denied"
		if ev.PolicyReason != "" {
			msg += " (" + ev.PolicyReason + ")"
		}
		r.line(msg)
	case models.ToolEventCancelled:
		r.line("⊘ " + summary + ": cancelled")
	}

	if ev.Stage.Finished() {
		delete(r.inputs, ev.ToolCallID)
	}
}

func (r *renderer) finish(status agent.TurnStatus, err error) {
	switch status {
	case agent.TurnCancelled:
		r.line("[turn cancelled]")
	case agent.TurnFailed:
		msg := "[turn failed]"
		if err != nil {
			msg = "[turn failed: " + firstLine(err.Error()) + "]"
		}
		r.line(msg)
	default:
		if !r.atLineStart {
			r.write("\n")
		}
	}
	clear(r.inputs)
}

// line prints s on a line of its own.
func (r *renderer) line(s string) {
	if !r.atLineStart {
		r.write("\n")
	}
	if r.width > 0 {
		s, _ = tools.Truncate(s, r.width)
	}
	r.write(s + "\n")
}

func (r *renderer) write(s string) {
	if s == "" {
		return
	}
	fmt.Fprint(r.out, s)
	r.atLineStart = strings.HasSuffix(s, "\n")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

package agent

import (
	"time"

	"go.opentelemetry.io/otel"
)

const instrumentationName = "github.com/haasonsaas/steward/internal/agent"

var tracer = otel.Tracer(instrumentationName)

// Observer receives instrumentation callbacks from the session, approval
// engine and executor. observability.Metrics implements it.
type Observer interface {
	TurnFinished(status TurnStatus, duration time.Duration)
	ModelCallFinished(provider string, attempt int, kind ErrorKind, duration time.Duration)
	ToolExecuted(toolName string, outcome Outcome, kind ErrorKind, duration time.Duration)
	ApprovalResolved(toolName string, state ApprovalState, prompted bool)
}

type nopObserver struct{}

func (nopObserver) TurnFinished(TurnStatus, time.Duration)                  {}
func (nopObserver) ModelCallFinished(string, int, ErrorKind, time.Duration) {}
func (nopObserver) ToolExecuted(string, Outcome, ErrorKind, time.Duration)  {}
func (nopObserver) ApprovalResolved(string, ApprovalState, bool)            {}

func observerOrNop(o Observer) Observer {
	if o == nil {
		return nopObserver{}
	}
	return o
}

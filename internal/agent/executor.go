package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/steward/pkg/models"
)

// ExecutorConfig configures the tool executor.
type ExecutorConfig struct {
	// MaxConcurrency limits the number of parallel tool executions
	// Default: 5
	MaxConcurrency int
}

// DefaultExecutorConfig returns the default executor configuration.
func DefaultExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		MaxConcurrency: 5,
	}
}

// Outcome is the terminal state of one tool execution.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeCancelled Outcome = "cancelled"
)

// ExecutionResult is produced exactly once per dispatched tool call.
type ExecutionResult struct {
	ToolCallID string
	ToolName   string
	Outcome    Outcome

	// Payload is the tool output on success.
	Payload string

	// Kind and Message describe a failure or cancellation.
	Kind    ErrorKind
	Message string

	Duration time.Duration
}

// Event converts the result to its transcript event.
func (r *ExecutionResult) Event() models.Event {
	switch r.Outcome {
	case OutcomeSuccess:
		return models.NewToolCallResult(r.ToolCallID, r.Payload)
	case OutcomeCancelled:
		msg := r.Message
		if msg == "" {
			msg = "tool call cancelled"
		}
		return models.NewToolCallError(r.ToolCallID, string(KindCancelled), msg)
	default:
		return models.NewToolCallError(r.ToolCallID, string(r.Kind), r.Message)
	}
}

func successResult(call models.ToolCall, payload string) *ExecutionResult {
	return &ExecutionResult{ToolCallID: call.ID, ToolName: call.Name, Outcome: OutcomeSuccess, Payload: payload}
}

func failureResult(call models.ToolCall, kind ErrorKind, msg string) *ExecutionResult {
	return &ExecutionResult{ToolCallID: call.ID, ToolName: call.Name, Outcome: OutcomeFailure, Kind: kind, Message: msg}
}

func cancelledResult(call models.ToolCall, msg string) *ExecutionResult {
	return &ExecutionResult{ToolCallID: call.ID, ToolName: call.Name, Outcome: OutcomeCancelled, Kind: KindCancelled, Message: msg}
}

// Executor runs tool calls to a terminal ExecutionResult. It never panics
// and never waits on a tool past cancellation of its context.
type Executor struct {
	registry *ToolRegistry
	config   *ExecutorConfig
	logger   *slog.Logger
	observer Observer

	// Semaphore for concurrency limiting
	sem chan struct{}

	metrics *ExecutorMetrics
}

// ExecutorMetrics tracks executor counters.
type ExecutorMetrics struct {
	mu              sync.Mutex
	TotalExecutions int64
	TotalFailures   int64
	TotalCancelled  int64
	TotalInvalid    int64
	TotalPanics     int64
}

// ExecutorOption customizes an Executor.
type ExecutorOption func(*Executor)

// WithExecutorLogger sets the executor logger.
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithExecutorObserver sets the instrumentation observer.
func WithExecutorObserver(o Observer) ExecutorOption {
	return func(e *Executor) {
		e.observer = observerOrNop(o)
	}
}

// NewExecutor creates a tool executor over registry.
// If config is nil, DefaultExecutorConfig is used.
func NewExecutor(registry *ToolRegistry, config *ExecutorConfig, opts ...ExecutorOption) *Executor {
	if config == nil {
		config = DefaultExecutorConfig()
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = DefaultExecutorConfig().MaxConcurrency
	}

	e := &Executor{
		registry: registry,
		config:   config,
		logger:   slog.Default(),
		observer: nopObserver{},
		sem:      make(chan struct{}, config.MaxConcurrency),
		metrics:  &ExecutorMetrics{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteAll runs calls concurrently, bounded by MaxConcurrency.
// Results are returned in the same order as the input calls.
func (e *Executor) ExecuteAll(ctx context.Context, ec *ExecContext, calls []models.ToolCall) []*ExecutionResult {
	if len(calls) == 0 {
		return nil
	}

	results := make([]*ExecutionResult, len(calls))
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, tc models.ToolCall) {
			defer wg.Done()
			results[idx] = e.Execute(ctx, ec, tc)
		}(i, call)
	}

	wg.Wait()
	return results
}

// Execute runs one tool call. Arguments are validated before the tool body
// is invoked; a schema violation short-circuits to an invalid_arguments failure.
func (e *Executor) Execute(ctx context.Context, ec *ExecContext, call models.ToolCall) *ExecutionResult {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.ID),
	))
	defer span.End()

	result := e.execute(ctx, ec, call)
	result.Duration = time.Since(start)

	span.SetAttributes(attribute.String("tool.outcome", string(result.Outcome)))
	if result.Outcome != OutcomeSuccess {
		span.SetStatus(codes.Error, result.Message)
	}
	e.record(result)
	return result
}

func (e *Executor) execute(ctx context.Context, ec *ExecContext, call models.ToolCall) *ExecutionResult {
	if err := ctx.Err(); err != nil {
		return cancelledResult(call, "cancelled before execution")
	}

	entry, ok := e.registry.lookup(call.Name)
	if !ok {
		return failureResult(call, KindInvalidArguments, fmt.Sprintf("%v: %s", ErrToolNotFound, call.Name))
	}

	if err := e.registry.Validate(call.Name, call.Input); err != nil {
		return failureResult(call, KindInvalidArguments, errorMessage(err))
	}

	// Acquire semaphore for backpressure
	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		return cancelledResult(call, "cancelled while waiting for an execution slot")
	}

	return e.invoke(ctx, entry.tool, ec.forCall(call.ID), call)
}

// invoke runs the tool body in its own goroutine so a panic or a tool that
// ignores cancellation cannot take the turn down with it.
func (e *Executor) invoke(ctx context.Context, tool Tool, ec *ExecContext, call models.ToolCall) *ExecutionResult {
	type invokeResult struct {
		out *ToolOutput
		err error
	}
	resultCh := make(chan invokeResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				e.logger.Error("tool panicked",
					"tool", call.Name,
					"tool_call_id", call.ID,
					"panic", r,
					"stack", string(stack),
				)
				e.metrics.mu.Lock()
				e.metrics.TotalPanics++
				e.metrics.mu.Unlock()
				resultCh <- invokeResult{err: NewToolError(call.Name, fmt.Errorf("%w: %v", ErrToolPanic, r)).
					WithToolCallID(call.ID)}
			}
		}()

		out, err := tool.Invoke(ctx, ec, call.Input)
		resultCh <- invokeResult{out: out, err: err}
	}()

	var res invokeResult
	select {
	case res = <-resultCh:
	case <-ctx.Done():
		// Prefer a result that is already available.
		select {
		case res = <-resultCh:
		default:
			e.logger.Warn("abandoning tool after cancellation", "tool", call.Name, "tool_call_id", call.ID)
			return cancelledResult(call, "tool call cancelled")
		}
	}

	return e.normalize(ctx, call, res.out, res.err)
}

func (e *Executor) normalize(ctx context.Context, call models.ToolCall, out *ToolOutput, err error) *ExecutionResult {
	if err != nil {
		if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return cancelledResult(call, "tool call cancelled")
		}
		kind := NewToolError(call.Name, err).Kind
		if kind == KindCancelled {
			return cancelledResult(call, errorMessage(err))
		}
		if !kind.IsCallLocal() {
			kind = KindToolExecutionFailure
		}
		return failureResult(call, kind, errorMessage(err))
	}
	if out == nil {
		return successResult(call, "")
	}
	if out.IsError {
		return failureResult(call, KindToolExecutionFailure, out.Content)
	}
	return successResult(call, out.Content)
}

func (e *Executor) record(result *ExecutionResult) {
	e.metrics.mu.Lock()
	e.metrics.TotalExecutions++
	switch result.Outcome {
	case OutcomeCancelled:
		e.metrics.TotalCancelled++
	case OutcomeFailure:
		e.metrics.TotalFailures++
		if result.Kind == KindInvalidArguments {
			e.metrics.TotalInvalid++
		}
	}
	e.metrics.mu.Unlock()

	e.observer.ToolExecuted(result.ToolName, result.Outcome, result.Kind, result.Duration)
}

// Metrics returns a copy-safe snapshot of the executor metrics.
func (e *Executor) Metrics() *ExecutorMetricsSnapshot {
	e.metrics.mu.Lock()
	defer e.metrics.mu.Unlock()
	return &ExecutorMetricsSnapshot{
		TotalExecutions: e.metrics.TotalExecutions,
		TotalFailures:   e.metrics.TotalFailures,
		TotalCancelled:  e.metrics.TotalCancelled,
		TotalInvalid:    e.metrics.TotalInvalid,
		TotalPanics:     e.metrics.TotalPanics,
	}
}

// ExecutorMetricsSnapshot is a thread-safe copy of executor metrics at a point in time.
type ExecutorMetricsSnapshot struct {
	TotalExecutions int64
	TotalFailures   int64
	TotalCancelled  int64
	TotalInvalid    int64
	TotalPanics     int64
}

// errorMessage renders a tool failure for the model without the kind prefix.
func errorMessage(err error) string {
	if toolErr, ok := GetToolError(err); ok {
		if toolErr.Message != "" {
			return toolErr.Message
		}
		if toolErr.Cause != nil {
			return toolErr.Cause.Error()
		}
	}
	return err.Error()
}

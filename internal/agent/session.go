package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	agentctx "github.com/haasonsaas/steward/internal/agent/context"
	"github.com/haasonsaas/steward/internal/backoff"
	"github.com/haasonsaas/steward/pkg/models"
)

// chunkBuffer is the capacity of the channel returned by Submit.
const chunkBuffer = 64

// TurnKind distinguishes model-driven turns from user actions.
type TurnKind string

const (
	// TurnMessage is a free-text submission answered by the model.
	TurnMessage TurnKind = "message"
	// TurnAction is a user-triggered tool call that bypasses the model.
	TurnAction TurnKind = "action"
)

// Turn is one submission and everything it caused. Its event list is
// append-only and its status only moves from open to a terminal state.
type Turn struct {
	ID        string
	Kind      TurnKind
	StartedAt time.Time

	mu      sync.RWMutex
	status  TurnStatus
	err     error
	endedAt time.Time
	events  []models.Event
}

func newTurn(kind TurnKind) *Turn {
	return &Turn{
		ID:        uuid.NewString(),
		Kind:      kind,
		StartedAt: time.Now(),
		status:    TurnOpen,
	}
}

// Status returns the current lifecycle state.
func (t *Turn) Status() TurnStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Err returns the summary error of a failed or cancelled turn.
func (t *Turn) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.err
}

// EndedAt returns when the turn reached a terminal state.
func (t *Turn) EndedAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.endedAt
}

// Events returns a copy of the transcript.
func (t *Turn) Events() []models.Event {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]models.Event(nil), t.events...)
}

// Record returns the persisted summary of the turn.
func (t *Turn) Record(sessionID string) models.TurnRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec := models.TurnRecord{
		ID:        t.ID,
		SessionID: sessionID,
		Kind:      string(t.Kind),
		Status:    string(t.status),
		StartedAt: t.StartedAt,
		EndedAt:   t.endedAt,
	}
	if t.err != nil {
		rec.Error = t.err.Error()
	}
	return rec
}

func (t *Turn) append(ev models.Event) models.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	ev.TurnID = t.ID
	ev.Sequence = len(t.events)
	t.events = append(t.events, ev)
	return ev
}

func (t *Turn) close(status TurnStatus, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = status
	t.err = err
	t.endedAt = time.Now()
}

// TranscriptStore persists turns and their events as they happen.
type TranscriptStore interface {
	SaveTurn(ctx context.Context, rec models.TurnRecord) error
	AppendEvent(ctx context.Context, sessionID string, ev models.Event) error
}

// Session owns an ordered list of turns and runs at most one at a time.
//
// Thread Safety:
// Submit, SubmitAction, Cancel, Turns and History are safe for concurrent use.
// The Set* methods must be called before the first turn.
type Session struct {
	provider  LLMProvider
	registry  *ToolRegistry
	executor  *Executor
	approvals *ApprovalEngine
	store     TranscriptStore
	observer  Observer
	guard     ToolResultGuard
	packer    *agentctx.Packer
	opts      SessionOptions
	logger    *slog.Logger

	mu     sync.Mutex
	turns  []*Turn
	active *Turn
	cancel context.CancelFunc
}

// NewSession creates a session. The registry is sealed: the tool set is
// fixed for the lifetime of the session.
//
// Example:
//
//	registry := NewToolRegistry()
//	registry.RegisterAll(files.NewReadFileTool(resolver), files.NewListDirTool(resolver))
//	session := NewSession(provider, registry, SessionOptions{Model: "claude-sonnet-4-20250514"})
//	chunks, err := session.Submit(ctx, "list the files here")
func NewSession(provider LLMProvider, registry *ToolRegistry, opts SessionOptions) *Session {
	opts = mergeSessionOptions(DefaultSessionOptions(), opts)
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if registry == nil {
		registry = NewToolRegistry()
	}
	registry.Seal()

	var packer *agentctx.Packer
	if opts.Pack != nil {
		packer = agentctx.NewPacker(*opts.Pack)
	}

	return &Session{
		provider: provider,
		packer:   packer,
		registry: registry,
		executor: NewExecutor(registry, nil, WithExecutorLogger(opts.Logger)),
		approvals: NewApprovalEngine(nil,
			WithApprovalLogger(opts.Logger),
			WithApprovalSessionID(opts.ID),
		),
		observer: nopObserver{},
		opts:     opts,
		logger:   opts.Logger.With("session_id", opts.ID),
	}
}

// SetExecutor replaces the tool executor.
func (s *Session) SetExecutor(e *Executor) {
	if e != nil {
		s.executor = e
	}
}

// SetApprovalEngine replaces the approval engine.
func (s *Session) SetApprovalEngine(e *ApprovalEngine) {
	if e != nil {
		s.approvals = e
	}
}

// SetTranscriptStore enables persistence of turns and events.
func (s *Session) SetTranscriptStore(store TranscriptStore) {
	s.store = store
}

// SetObserver sets the instrumentation observer.
func (s *Session) SetObserver(o Observer) {
	s.observer = observerOrNop(o)
}

// SetResultGuard configures redaction of tool output.
func (s *Session) SetResultGuard(g ToolResultGuard) {
	s.guard = g
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.opts.ID
}

// Registry returns the sealed tool registry.
func (s *Session) Registry() *ToolRegistry {
	return s.registry
}

// Approvals returns the approval engine.
func (s *Session) Approvals() *ApprovalEngine {
	return s.approvals
}

// Turns returns the turns in submission order, including an open one.
func (s *Session) Turns() []*Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Turn(nil), s.turns...)
}

// History returns every event of every turn in order.
func (s *Session) History() []models.Event {
	var events []models.Event
	for _, turn := range s.Turns() {
		events = append(events, turn.Events()...)
	}
	return events
}

// InFlight reports whether a turn is open.
func (s *Session) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

// Cancel cancels the open turn. It reports whether there was one.
// The turn still ends with a terminal chunk on its stream.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return false
	}
	s.cancel()
	return true
}

// Restore rebuilds turns loaded from a TranscriptStore. Records must be in
// submission order. Turns that were still open when stored are closed as
// failed and their unanswered tool calls receive cancelled results.
func (s *Session) Restore(records []models.TurnRecord, events []models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.turns) > 0 || s.active != nil {
		return errors.New("restore requires a session without turns")
	}

	byTurn := make(map[string][]models.Event, len(records))
	for _, ev := range events {
		byTurn[ev.TurnID] = append(byTurn[ev.TurnID], ev)
	}

	for _, rec := range records {
		turnEvents := byTurn[rec.ID]
		sort.SliceStable(turnEvents, func(i, j int) bool {
			return turnEvents[i].Sequence < turnEvents[j].Sequence
		})

		turn := &Turn{
			ID:        rec.ID,
			Kind:      TurnKind(rec.Kind),
			StartedAt: rec.StartedAt,
			status:    TurnStatus(rec.Status),
			endedAt:   rec.EndedAt,
		}
		if rec.Error != "" {
			turn.err = errors.New(rec.Error)
		}
		if !turn.status.Terminal() {
			turn.status = TurnFailed
			turn.err = errors.New("turn interrupted")
			turnEvents = repairTurnEvents(turnEvents)
		}
		for _, ev := range turnEvents {
			turn.append(ev)
		}
		s.turns = append(s.turns, turn)
	}
	return nil
}

// Submit opens a turn for free-text input and returns its response stream.
// It returns ErrBusy while another turn is open.
//
// The caller must drain the returned channel. The last chunk has a terminal
// Status; the channel is closed after it.
func (s *Session) Submit(ctx context.Context, input string) (<-chan *ResponseChunk, error) {
	if s.provider == nil {
		return nil, ErrNoProvider
	}
	turn, turnCtx, err := s.begin(ctx, TurnMessage)
	if err != nil {
		return nil, err
	}

	out := make(chan *ResponseChunk, chunkBuffer)
	go s.runTurn(turnCtx, turn, out, func(ctx context.Context) (TurnStatus, error) {
		s.appendEvent(ctx, turn, models.NewUserMessage(input), out)
		return s.loop(ctx, turn, out)
	})
	return out, nil
}

func (s *Session) begin(ctx context.Context, kind TurnKind) (*Turn, context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return nil, nil, ErrBusy
	}

	turn := newTurn(kind)
	turnCtx, cancel := context.WithCancel(WithTurnIDs(ctx, s.opts.ID, turn.ID))
	s.active = turn
	s.cancel = cancel
	s.turns = append(s.turns, turn)

	if s.store != nil {
		if err := s.store.SaveTurn(context.WithoutCancel(ctx), turn.Record(s.opts.ID)); err != nil {
			s.logger.Warn("failed to persist turn", "turn_id", turn.ID, "error", err)
		}
	}
	return turn, turnCtx, nil
}

func (s *Session) runTurn(ctx context.Context, turn *Turn, out chan<- *ResponseChunk, body func(context.Context) (TurnStatus, error)) {
	defer close(out)
	start := time.Now()

	ctx, span := tracer.Start(ctx, "session.turn", trace.WithAttributes(
		attribute.String("session.id", s.opts.ID),
		attribute.String("turn.id", turn.ID),
		attribute.String("turn.kind", string(turn.Kind)),
	))
	defer span.End()

	status, err := body(ctx)

	if status == TurnCancelled {
		s.appendEvent(ctx, turn, models.NewCancelled("cancelled by user"), out)
	}
	turn.close(status, err)

	s.mu.Lock()
	cancel := s.cancel
	s.active = nil
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	if s.store != nil {
		if serr := s.store.SaveTurn(context.WithoutCancel(ctx), turn.Record(s.opts.ID)); serr != nil {
			s.logger.WarnContext(ctx, "failed to persist turn", "error", serr)
		}
	}

	duration := time.Since(start)
	s.observer.TurnFinished(status, duration)
	span.SetAttributes(attribute.String("turn.status", string(status)))
	if err != nil {
		span.RecordError(err)
		if status == TurnFailed {
			span.SetStatus(codes.Error, err.Error())
		}
	}
	s.logger.InfoContext(ctx, "turn finished",
		"status", status,
		"duration", duration,
		"error", err,
	)

	out <- &ResponseChunk{TurnID: turn.ID, Status: status, Error: err}
}

// loop alternates model calls and tool dispatch until the model answers
// without tool calls.
func (s *Session) loop(ctx context.Context, turn *Turn, out chan<- *ResponseChunk) (TurnStatus, error) {
	for iteration := 1; ; iteration++ {
		if ctx.Err() != nil {
			return TurnCancelled, s.cancelledError(turn, PhaseModelCall, iteration)
		}
		if s.opts.MaxIterations > 0 && iteration > s.opts.MaxIterations {
			return TurnFailed, &TurnError{
				TurnID:    turn.ID,
				Phase:     PhaseModelCall,
				Iteration: iteration - 1,
				Kind:      KindUnknown,
				Cause:     ErrMaxIterations,
			}
		}

		resp, attempts, phase, err := s.callModel(ctx, turn, iteration, out)
		if err != nil {
			if ctx.Err() != nil {
				return TurnCancelled, s.cancelledError(turn, phase, iteration)
			}
			return TurnFailed, &TurnError{
				TurnID:    turn.ID,
				Phase:     phase,
				Iteration: iteration,
				Kind:      ClassifyError(err),
				Attempts:  attempts,
				Cause:     err,
			}
		}

		if resp.text != "" {
			s.appendEvent(ctx, turn, models.NewModelText(resp.text), out)
		}
		if len(resp.calls) == 0 {
			return TurnClosed, nil
		}

		if phase, cancelled := s.dispatch(ctx, turn, resp.calls, out); cancelled {
			return TurnCancelled, s.cancelledError(turn, phase, iteration)
		}
	}
}

func (s *Session) cancelledError(turn *Turn, phase TurnPhase, iteration int) error {
	return &TurnError{
		TurnID:    turn.ID,
		Phase:     phase,
		Iteration: iteration,
		Kind:      KindCancelled,
		Cause:     ErrTurnCancelled,
	}
}

type pendingCall struct {
	call      models.ToolCall
	malformed error
}

type modelResponse struct {
	text         string
	calls        []pendingCall
	inputTokens  int
	outputTokens int
}

func (r *modelResponse) hasMalformed() bool {
	for _, pc := range r.calls {
		if pc.malformed != nil {
			return true
		}
	}
	return false
}

type attemptState struct {
	opened    bool
	delivered bool
}

// callModel runs one model call with retries. A failed attempt is retried
// only when it is transient and nothing from it reached the caller.
func (s *Session) callModel(ctx context.Context, turn *Turn, iteration int, out chan<- *ResponseChunk) (*modelResponse, int, TurnPhase, error) {
	req := s.buildRequest()
	phase := PhaseModelCall
	var state attemptState

	resp, attempts, err := backoff.Retry(ctx, s.opts.Retry, backoff.Options{
		Retryable: func(err error) bool {
			return !state.delivered && ctx.Err() == nil && ClassifyError(err).IsRetryable()
		},
		OnRetry: func(attempt int, err error, delay time.Duration) {
			s.logger.WarnContext(ctx, "model call failed, retrying",
				"iteration", iteration,
				"attempt", attempt,
				"delay", delay,
				"error", err,
			)
		},
	}, func(ctx context.Context, attempt int) (*modelResponse, error) {
		state = attemptState{}
		start := time.Now()

		ctx, span := tracer.Start(ctx, "model.call", trace.WithAttributes(
			attribute.String("llm.provider", s.provider.Name()),
			attribute.String("llm.model", req.Model),
			attribute.Int("llm.attempt", attempt),
		))
		resp, err := s.streamOnce(ctx, turn, req, out, &state)
		if state.opened {
			phase = PhaseStream
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.Int("llm.input_tokens", resp.inputTokens),
				attribute.Int("llm.output_tokens", resp.outputTokens),
			)
		}
		span.End()

		s.observer.ModelCallFinished(s.provider.Name(), attempt, ClassifyError(err), time.Since(start))
		return resp, err
	})
	return resp, attempts, phase, err
}

func (s *Session) streamOnce(ctx context.Context, turn *Turn, req *CompletionRequest, out chan<- *ResponseChunk, state *attemptState) (*modelResponse, error) {
	chunks, err := s.provider.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	state.opened = true

	reader := NewStreamReader(chunks)
	defer reader.Drain()

	resp := &modelResponse{}
	var text strings.Builder
	for {
		ev, err := reader.Next(ctx)
		state.delivered = reader.Delivered()
		if errors.Is(err, ErrStreamTruncated) && resp.hasMalformed() {
			// A stream cut inside a tool call leaves a partial payload. The
			// response ends there and the malformed call goes back to the
			// model as a tool call error.
			s.logger.WarnContext(ctx, "model stream truncated inside a tool call", "calls", len(resp.calls))
			resp.text = text.String()
			return resp, nil
		}
		if err != nil {
			return nil, err
		}

		switch ev.Kind {
		case StreamText:
			text.WriteString(ev.Text)
			out <- &ResponseChunk{TurnID: turn.ID, Text: ev.Text}
		case StreamToolCall, StreamToolCallError:
			resp.calls = append(resp.calls, pendingCall{call: *ev.ToolCall, malformed: ev.Err})
		case StreamEnd:
			resp.text = text.String()
			resp.inputTokens = ev.InputTokens
			resp.outputTokens = ev.OutputTokens
			return resp, nil
		}
	}
}

func (s *Session) buildRequest() *CompletionRequest {
	messages := ProjectHistory(s.Turns())
	if s.packer != nil {
		messages = s.packer.Pack(messages)
	}
	req := &CompletionRequest{
		Model:     s.opts.Model,
		System:    s.opts.System,
		Messages:  messages,
		MaxTokens: s.opts.MaxTokens,
	}
	if s.provider.SupportsTools() {
		req.Tools = s.registry.Descriptors()
	}
	return req
}

// dispatch appends the requests, gates each through the approval engine,
// runs the admitted calls concurrently and appends one result per request in
// request order. It reports the phase where cancellation was observed.
func (s *Session) dispatch(ctx context.Context, turn *Turn, calls []pendingCall, out chan<- *ResponseChunk) (TurnPhase, bool) {
	s.dedupeCallIDs(turn, calls)
	for _, pc := range calls {
		s.appendEvent(ctx, turn, models.NewToolCallRequest(pc.call), out)
		s.emitToolEvent(out, turn, &models.ToolEvent{
			ToolCallID: pc.call.ID,
			ToolName:   pc.call.Name,
			Stage:      models.ToolEventRequested,
			Origin:     pc.call.Origin,
			Input:      pc.call.Input,
		})
	}

	results := make([]*ExecutionResult, len(calls))
	var runnable []int
	var cancelledIn TurnPhase

	for i, pc := range calls {
		if pc.malformed != nil {
			s.logger.WarnContext(ctx, "malformed tool call", "tool_call_id", pc.call.ID, "error", pc.malformed)
			results[i] = failureResult(pc.call, KindMalformedToolCallPayload, pc.malformed.Error())
			continue
		}

		result, admitted := s.gate(ctx, turn, pc.call, out)
		if admitted {
			runnable = append(runnable, i)
			continue
		}
		if result.Outcome == OutcomeCancelled && cancelledIn == "" {
			cancelledIn = PhaseApproval
		}
		results[i] = result
	}

	if len(runnable) > 0 {
		batch := make([]models.ToolCall, len(runnable))
		for j, i := range runnable {
			batch[j] = calls[i].call
			s.emitToolEvent(out, turn, &models.ToolEvent{
				ToolCallID: calls[i].call.ID,
				ToolName:   calls[i].call.Name,
				Stage:      models.ToolEventStarted,
				StartedAt:  time.Now(),
			})
		}
		executed := s.executor.ExecuteAll(ctx, s.execContext(turn), batch)
		for j, i := range runnable {
			results[i] = executed[j]
		}
	}

	for _, result := range results {
		s.guard.Apply(result)
		s.appendEvent(ctx, turn, result.Event(), out)
		s.emitToolEvent(out, turn, finishedToolEvent(result))
	}

	if ctx.Err() != nil {
		if cancelledIn == "" {
			cancelledIn = PhaseExecuteTools
		}
		return cancelledIn, true
	}
	return "", false
}

// gate decides whether a call may run. When it may not, the returned result
// is the call's terminal result.
func (s *Session) gate(ctx context.Context, turn *Turn, call models.ToolCall, out chan<- *ResponseChunk) (*ExecutionResult, bool) {
	var desc *ToolDescriptor
	if d, err := s.registry.Resolve(call.Name); err == nil {
		desc = &d
	}
	if !s.approvals.Requires(call, desc) {
		return nil, true
	}
	if ctx.Err() != nil {
		return cancelledResult(call, "cancelled before approval"), false
	}

	req, err := s.approvals.RequestApproval(ctx, turn.ID, call, desc)
	if err != nil {
		s.logger.ErrorContext(ctx, "approval failed", "tool_call_id", call.ID, "error", err)
		s.emitApproval(out, turn, call, models.ToolEventDenied, err.Error())
		return failureResult(call, KindApprovalDenied, fmt.Sprintf("approval could not be obtained: %v", err)), false
	}

	switch req.State {
	case ApprovalApproved:
		s.emitApproval(out, turn, call, models.ToolEventApproved, req.Reason)
		return nil, true
	case ApprovalDeniedWithFeedback:
		s.emitApproval(out, turn, call, models.ToolEventDenied, req.Reason)
		return failureResult(call, KindApprovalDeniedWithFeedback,
			fmt.Sprintf("The user denied this tool call and said: %s", req.Feedback)), false
	case ApprovalCancelled:
		return cancelledResult(call, "cancelled while awaiting approval"), false
	default:
		s.emitApproval(out, turn, call, models.ToolEventDenied, req.Reason)
		msg := "The user denied this tool call."
		if req.DecidedBy == "policy" && req.Reason != "" {
			msg = fmt.Sprintf("This tool call was denied by policy (%s).", req.Reason)
		}
		return failureResult(call, KindApprovalDenied, msg), false
	}
}

// dedupeCallIDs renames calls whose id was already used in the session.
func (s *Session) dedupeCallIDs(turn *Turn, calls []pendingCall) {
	seen := make(map[string]struct{})
	for _, t := range s.Turns() {
		for _, ev := range t.Events() {
			if ev.Kind == models.EventToolCallRequest {
				seen[ev.ToolCall.ID] = struct{}{}
			}
		}
	}
	for i := range calls {
		id := calls[i].call.ID
		if _, dup := seen[id]; dup {
			renamed := fmt.Sprintf("%s_%s", id, uuid.NewString()[:8])
			s.logger.Warn("duplicate tool call id renamed", "turn_id", turn.ID, "tool_call_id", id, "renamed", renamed)
			calls[i].call.ID = renamed
		}
		seen[calls[i].call.ID] = struct{}{}
	}
}

func (s *Session) execContext(turn *Turn) *ExecContext {
	return &ExecContext{
		WorkDir:   s.opts.WorkDir,
		Env:       append([]string(nil), s.opts.Env...),
		SessionID: s.opts.ID,
		TurnID:    turn.ID,
	}
}

func (s *Session) appendEvent(ctx context.Context, turn *Turn, ev models.Event, out chan<- *ResponseChunk) {
	ev = turn.append(ev)
	if s.store != nil {
		if err := s.store.AppendEvent(context.WithoutCancel(ctx), s.opts.ID, ev); err != nil {
			s.logger.Warn("failed to persist event", "turn_id", turn.ID, "sequence", ev.Sequence, "error", err)
		}
	}
	out <- &ResponseChunk{TurnID: turn.ID, Event: &ev}
}

func (s *Session) emitToolEvent(out chan<- *ResponseChunk, turn *Turn, ev *models.ToolEvent) {
	out <- &ResponseChunk{TurnID: turn.ID, ToolEvent: ev}
}

func (s *Session) emitApproval(out chan<- *ResponseChunk, turn *Turn, call models.ToolCall, stage models.ToolEventStage, reason string) {
	s.emitToolEvent(out, turn, &models.ToolEvent{
		ToolCallID:   call.ID,
		ToolName:     call.Name,
		Stage:        stage,
		PolicyReason: reason,
	})
}

func finishedToolEvent(r *ExecutionResult) *models.ToolEvent {
	ev := &models.ToolEvent{
		ToolCallID: r.ToolCallID,
		ToolName:   r.ToolName,
		FinishedAt: time.Now(),
	}
	if r.Duration > 0 {
		ev.StartedAt = ev.FinishedAt.Add(-r.Duration)
	}
	switch r.Outcome {
	case OutcomeSuccess:
		ev.Stage = models.ToolEventSucceeded
		ev.Output = r.Payload
	case OutcomeCancelled:
		ev.Stage = models.ToolEventCancelled
		ev.Error = r.Message
	default:
		ev.Stage = models.ToolEventFailed
		ev.Error = fmt.Sprintf("%s: %s", r.Kind, r.Message)
	}
	return ev
}

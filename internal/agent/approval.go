package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/steward/pkg/models"
)

// ApprovalState is the state of an approval request.
type ApprovalState string

const (
	// ApprovalPending is the initial state while waiting for a decision.
	ApprovalPending ApprovalState = "pending"
	// ApprovalApproved allows the tool call to execute.
	ApprovalApproved ApprovalState = "approved"
	// ApprovalDenied prevents execution.
	ApprovalDenied ApprovalState = "denied"
	// ApprovalDeniedWithFeedback prevents execution and carries text for the model.
	ApprovalDeniedWithFeedback ApprovalState = "denied_with_feedback"
	// ApprovalCancelled is the synthetic resolution of a wait aborted by turn cancellation.
	ApprovalCancelled ApprovalState = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s ApprovalState) Terminal() bool {
	switch s {
	case ApprovalApproved, ApprovalDenied, ApprovalDeniedWithFeedback, ApprovalCancelled:
		return true
	default:
		return false
	}
}

// ErrApprovalNotFound is returned by Decide for an unknown request id.
var ErrApprovalNotFound = errors.New("approval request not found")

// ApprovalRequest is a destructive (or unknown) tool call awaiting consent.
type ApprovalRequest struct {
	ID          string          `json:"id"`
	TurnID      string          `json:"turn_id"`
	SessionID   string          `json:"session_id,omitempty"`
	ToolCall    models.ToolCall `json:"tool_call"`
	DisplayName string          `json:"display_name"`
	KnownTool   bool            `json:"known_tool"`
	Rationale   string          `json:"rationale"`
	Reason      string          `json:"reason,omitempty"`
	State       ApprovalState   `json:"state"`
	Feedback    string          `json:"feedback,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	DecidedAt   time.Time       `json:"decided_at,omitempty"`
	DecidedBy   string          `json:"decided_by,omitempty"`
}

func (r *ApprovalRequest) clone() *ApprovalRequest {
	if r == nil {
		return nil
	}
	c := *r
	c.ToolCall.Input = append(json.RawMessage(nil), r.ToolCall.Input...)
	return &c
}

// RememberScope controls whether an approval is remembered for the session.
type RememberScope string

const (
	RememberNone RememberScope = ""
	// RememberArguments auto-approves the same tool with identical arguments.
	RememberArguments RememberScope = "arguments"
	// RememberTool auto-approves every later call to the same tool.
	RememberTool RememberScope = "tool"
)

// ApprovalDecision is the answer produced by an Approver.
type ApprovalDecision struct {
	State     ApprovalState
	Feedback  string
	Remember  RememberScope
	DecidedBy string
}

// Approver presents an approval request to a human or an automated policy.
// Implementations must return promptly once ctx is cancelled.
type Approver interface {
	RequestApproval(ctx context.Context, req *ApprovalRequest) (ApprovalDecision, error)
}

// ApproverFunc adapts a function to the Approver interface.
type ApproverFunc func(ctx context.Context, req *ApprovalRequest) (ApprovalDecision, error)

// RequestApproval calls f.
func (f ApproverFunc) RequestApproval(ctx context.Context, req *ApprovalRequest) (ApprovalDecision, error) {
	return f(ctx, req)
}

// PolicyApprover resolves every request without human interaction.
// It is used for non-interactive runs.
type PolicyApprover struct {
	Approve bool
}

// RequestApproval approves or denies according to the fixed setting.
func (p PolicyApprover) RequestApproval(ctx context.Context, req *ApprovalRequest) (ApprovalDecision, error) {
	if p.Approve && req.KnownTool {
		return ApprovalDecision{State: ApprovalApproved, DecidedBy: "auto"}, nil
	}
	return ApprovalDecision{
		State:     ApprovalDenied,
		DecidedBy: "auto",
	}, nil
}

// ApprovalPolicy configures automatic resolution of approval requests.
type ApprovalPolicy struct {
	// Allowlist contains tools that are approved without prompting.
	// Supports patterns like "*", "read_*", "*_file".
	Allowlist []string `yaml:"allowlist" json:"allowlist"`

	// Denylist contains tools that are always denied.
	Denylist []string `yaml:"denylist" json:"denylist"`

	// RequireApproval contains non-destructive tools that must still be confirmed.
	RequireApproval []string `yaml:"require_approval" json:"require_approval"`
}

// DefaultApprovalPolicy returns an empty policy: every destructive call prompts.
func DefaultApprovalPolicy() *ApprovalPolicy {
	return &ApprovalPolicy{
		Allowlist:       []string{},
		Denylist:        []string{},
		RequireApproval: []string{},
	}
}

func (p *ApprovalPolicy) clone() *ApprovalPolicy {
	if p == nil {
		return DefaultApprovalPolicy()
	}
	return &ApprovalPolicy{
		Allowlist:       append([]string(nil), p.Allowlist...),
		Denylist:        append([]string(nil), p.Denylist...),
		RequireApproval: append([]string(nil), p.RequireApproval...),
	}
}

type sessionGrant struct {
	tool string
	args string // canonical JSON; empty matches any arguments
}

// ApprovalStore persists approval requests for idempotence and audit.
type ApprovalStore interface {
	Create(ctx context.Context, req *ApprovalRequest) error
	Get(ctx context.Context, id string) (*ApprovalRequest, error)
	Update(ctx context.Context, req *ApprovalRequest) error
	ListPending(ctx context.Context, sessionID string) ([]*ApprovalRequest, error)
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// ApprovalEngine gates destructive tool calls behind an explicit state machine:
// pending → approved | denied | denied_with_feedback, or cancelled when the
// turn is cancelled during the wait.
type ApprovalEngine struct {
	mu          sync.Mutex
	policy      *ApprovalPolicy
	grants      []sessionGrant
	store       ApprovalStore
	approver    Approver
	uiAvailable func() bool
	waiters     map[string]*approvalWaiter
	sessionID   string
	logger      *slog.Logger
	observer    Observer
}

// ApprovalOption customizes an ApprovalEngine.
type ApprovalOption func(*ApprovalEngine)

// WithApprovalStore sets the request store. The default is in-memory.
func WithApprovalStore(store ApprovalStore) ApprovalOption {
	return func(e *ApprovalEngine) {
		if store != nil {
			e.store = store
		}
	}
}

// WithApprover sets the approver that answers pending requests.
func WithApprover(a Approver) ApprovalOption {
	return func(e *ApprovalEngine) {
		e.approver = a
	}
}

// WithUIAvailableCheck sets the callback used to decide whether a human can
// answer prompts. When it reports false, requests that need a human are denied.
func WithUIAvailableCheck(fn func() bool) ApprovalOption {
	return func(e *ApprovalEngine) {
		e.uiAvailable = fn
	}
}

// WithApprovalLogger sets the engine logger.
func WithApprovalLogger(logger *slog.Logger) ApprovalOption {
	return func(e *ApprovalEngine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithApprovalObserver sets the instrumentation observer.
func WithApprovalObserver(o Observer) ApprovalOption {
	return func(e *ApprovalEngine) {
		e.observer = observerOrNop(o)
	}
}

// WithApprovalSessionID tags stored requests with a session id.
func WithApprovalSessionID(id string) ApprovalOption {
	return func(e *ApprovalEngine) {
		e.sessionID = id
	}
}

// NewApprovalEngine creates an engine. If policy is nil, DefaultApprovalPolicy is used.
func NewApprovalEngine(policy *ApprovalPolicy, opts ...ApprovalOption) *ApprovalEngine {
	e := &ApprovalEngine{
		policy:   policy.clone(),
		store:    NewMemoryApprovalStore(),
		waiters:  make(map[string]*approvalWaiter),
		logger:   slog.Default(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetPolicy replaces the policy. Requests already waiting keep the policy
// they were created under.
func (e *ApprovalEngine) SetPolicy(policy *ApprovalPolicy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy = policy.clone()
}

// SetApprover replaces the approver.
func (e *ApprovalEngine) SetApprover(a Approver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.approver = a
}

// Requires reports whether a call must pass through the engine before execution.
// desc is nil when the tool name did not resolve; unknown tools always require approval.
func (e *ApprovalEngine) Requires(call models.ToolCall, desc *ToolDescriptor) bool {
	if desc == nil || desc.Destructive {
		return true
	}
	e.mu.Lock()
	policy := e.policy
	e.mu.Unlock()
	return matchesPattern(policy.Denylist, call.Name) || matchesPattern(policy.RequireApproval, call.Name)
}

// RequestApproval runs the state machine for one call and returns the
// resolved request. A request id that is already terminal returns the stored
// decision without prompting again.
func (e *ApprovalEngine) RequestApproval(ctx context.Context, turnID string, call models.ToolCall, desc *ToolDescriptor) (*ApprovalRequest, error) {
	id := approvalID(turnID, call.ID)

	ctx, span := tracer.Start(ctx, "approval.request", trace.WithAttributes(
		attribute.String("tool.name", call.Name),
		attribute.String("approval.id", id),
	))
	defer span.End()

	existing, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load approval %s: %w", id, err)
	}
	if existing != nil && existing.State.Terminal() {
		e.logger.Debug("approval already resolved", "approval_id", id, "state", existing.State)
		return existing, nil
	}

	req := e.newRequest(id, turnID, call, desc)

	// Policy is evaluated exactly once, at creation.
	state, reason := e.evaluate(call, desc != nil)
	req.Reason = reason
	span.SetAttributes(attribute.String("approval.policy_reason", reason))

	if !state.Terminal() {
		e.mu.Lock()
		approver := e.approver
		uiAvailable := e.uiAvailable
		e.mu.Unlock()

		switch {
		case uiAvailable != nil && !uiAvailable():
			state, req.Reason = ApprovalDenied, "approval unavailable: no interactive front end"
		case approver == nil && uiAvailable == nil:
			state, req.Reason = ApprovalDenied, ErrNoApprover.Error()
		default:
			return e.prompt(ctx, span, existing == nil, req, approver)
		}
	}

	req.State = state
	req.DecidedAt = time.Now()
	req.DecidedBy = "policy"
	if err := e.persist(ctx, existing == nil, req); err != nil {
		return nil, err
	}
	e.observer.ApprovalResolved(call.Name, req.State, false)
	return req.clone(), nil
}

func (e *ApprovalEngine) prompt(ctx context.Context, span trace.Span, create bool, req *ApprovalRequest, approver Approver) (*ApprovalRequest, error) {
	if err := e.persist(ctx, create, req); err != nil {
		return nil, err
	}

	decision := e.wait(ctx, req, approver)
	e.apply(req, decision)
	if err := e.store.Update(context.WithoutCancel(ctx), req); err != nil {
		e.logger.Warn("failed to store approval decision", "approval_id", req.ID, "error", err)
	}
	span.SetAttributes(attribute.String("approval.state", string(req.State)))
	e.observer.ApprovalResolved(req.ToolCall.Name, req.State, true)
	return req.clone(), nil
}

// approvalWaiter is a request blocked in wait. req is a snapshot taken when
// the wait began.
type approvalWaiter struct {
	ch  chan ApprovalDecision
	req *ApprovalRequest
}

// Decide delivers an external decision for a pending request. When a request
// is waiting, the returned request carries the decision as it was applied.
// Otherwise nothing changes and the stored request is returned: a terminal
// one keeps its decision, and a pending one that is not yet waiting still
// reads as pending.
func (e *ApprovalEngine) Decide(ctx context.Context, id string, decision ApprovalDecision) (*ApprovalRequest, error) {
	e.mu.Lock()
	w, waiting := e.waiters[id]
	if waiting {
		delete(e.waiters, id)
	}
	e.mu.Unlock()

	if waiting {
		applied := w.req.clone()
		resolve(applied, decision)
		w.ch <- decision
		return applied, nil
	}

	stored, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("%w: %s", ErrApprovalNotFound, id)
	}
	return stored, nil
}

// Pending returns requests currently waiting for a decision.
func (e *ApprovalEngine) Pending(ctx context.Context) ([]*ApprovalRequest, error) {
	return e.store.ListPending(ctx, e.sessionID)
}

func (e *ApprovalEngine) wait(ctx context.Context, req *ApprovalRequest, approver Approver) ApprovalDecision {
	ch := make(chan ApprovalDecision, 1)
	e.mu.Lock()
	e.waiters[req.ID] = &approvalWaiter{ch: ch, req: req.clone()}
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.waiters, req.ID)
		e.mu.Unlock()
	}()

	if approver != nil {
		prompt := req.clone()
		go func() {
			decision, err := approver.RequestApproval(ctx, prompt)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				e.logger.Warn("approver failed, denying", "approval_id", prompt.ID, "error", err)
				decision = ApprovalDecision{State: ApprovalDenied, DecidedBy: "approver-error"}
			}
			_, _ = e.Decide(context.WithoutCancel(ctx), prompt.ID, decision)
		}()
	}

	select {
	case decision := <-ch:
		return decision
	case <-ctx.Done():
		return ApprovalDecision{State: ApprovalCancelled, DecidedBy: "cancellation"}
	}
}

func (e *ApprovalEngine) apply(req *ApprovalRequest, decision ApprovalDecision) {
	resolve(req, decision)
	if req.State == ApprovalApproved && req.KnownTool && decision.Remember != RememberNone {
		grant := sessionGrant{tool: req.ToolCall.Name}
		if decision.Remember == RememberArguments {
			grant.args = canonicalArgs(req.ToolCall.Input)
		}
		e.mu.Lock()
		e.grants = append(e.grants, grant)
		e.mu.Unlock()
	}
}

// resolve writes decision onto req. Unknown states become denials, and a
// feedback denial without feedback is a plain denial.
func resolve(req *ApprovalRequest, decision ApprovalDecision) {
	state := decision.State
	switch state {
	case ApprovalApproved, ApprovalDenied, ApprovalDeniedWithFeedback, ApprovalCancelled:
	default:
		state = ApprovalDenied
	}
	if state == ApprovalDeniedWithFeedback && decision.Feedback == "" {
		state = ApprovalDenied
	}

	req.State = state
	req.Feedback = decision.Feedback
	req.DecidedAt = time.Now()
	req.DecidedBy = decision.DecidedBy
	if req.DecidedBy == "" {
		req.DecidedBy = "user"
	}
}

// evaluate applies the policy to a new request. Unknown tools are never
// auto-approved.
func (e *ApprovalEngine) evaluate(call models.ToolCall, known bool) (ApprovalState, string) {
	e.mu.Lock()
	policy := e.policy
	grants := append([]sessionGrant(nil), e.grants...)
	e.mu.Unlock()

	if matchesPattern(policy.Denylist, call.Name) {
		return ApprovalDenied, "tool in denylist"
	}
	if !known {
		return ApprovalPending, "unknown tool"
	}
	if matchesPattern(policy.Allowlist, call.Name) {
		return ApprovalApproved, "tool in allowlist"
	}
	args := canonicalArgs(call.Input)
	for _, g := range grants {
		if g.tool == call.Name && (g.args == "" || g.args == args) {
			return ApprovalApproved, "approved for session"
		}
	}
	return ApprovalPending, "tool requires approval"
}

func (e *ApprovalEngine) newRequest(id, turnID string, call models.ToolCall, desc *ToolDescriptor) *ApprovalRequest {
	req := &ApprovalRequest{
		ID:        id,
		TurnID:    turnID,
		SessionID: e.sessionID,
		ToolCall:  call,
		State:     ApprovalPending,
		CreatedAt: time.Now(),
	}
	if desc != nil {
		req.KnownTool = true
		req.DisplayName = desc.DisplayName
		req.Rationale = fmt.Sprintf("%s (%s) wants to run with arguments %s", desc.DisplayName, desc.Name, compactArgs(call.Input))
	} else {
		req.DisplayName = call.Name
		req.Rationale = fmt.Sprintf("Unknown tool %q requested with arguments %s", call.Name, compactArgs(call.Input))
	}
	return req
}

func (e *ApprovalEngine) persist(ctx context.Context, create bool, req *ApprovalRequest) error {
	var err error
	if create {
		err = e.store.Create(ctx, req)
	} else {
		err = e.store.Update(ctx, req)
	}
	if err != nil {
		return fmt.Errorf("store approval %s: %w", req.ID, err)
	}
	return nil
}

func approvalID(turnID, callID string) string {
	if turnID == "" {
		return callID + "-approval"
	}
	return turnID + "/" + callID + "-approval"
}

func canonicalArgs(input json.RawMessage) string {
	if len(bytes.TrimSpace(input)) == 0 {
		return "{}"
	}
	var v any
	if err := json.Unmarshal(input, &v); err != nil {
		return string(input)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(input)
	}
	return string(out)
}

func compactArgs(input json.RawMessage) string {
	const maxLen = 400
	s := canonicalArgs(input)
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}

// matchesPattern checks if toolName matches any pattern in the list.
// Supports: exact match, prefix* match, *suffix match and * (all).
func matchesPattern(patterns []string, toolName string) bool {
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		// Wildcard matches everything
		if pattern == "*" {
			return true
		}
		if pattern == toolName {
			return true
		}
		// Handle prefix* pattern
		if len(pattern) > 1 && pattern[len(pattern)-1] == '*' {
			prefix := pattern[:len(pattern)-1]
			if len(toolName) >= len(prefix) && toolName[:len(prefix)] == prefix {
				return true
			}
		}
		// Handle *suffix pattern
		if len(pattern) > 1 && pattern[0] == '*' {
			suffix := pattern[1:]
			if len(toolName) >= len(suffix) && toolName[len(toolName)-len(suffix):] == suffix {
				return true
			}
		}
	}
	return false
}

// MemoryApprovalStore is a thread-safe in-memory implementation of ApprovalStore.
type MemoryApprovalStore struct {
	mu       sync.RWMutex
	requests map[string]*ApprovalRequest
}

// NewMemoryApprovalStore creates a new in-memory approval store.
func NewMemoryApprovalStore() *MemoryApprovalStore {
	return &MemoryApprovalStore{
		requests: make(map[string]*ApprovalRequest),
	}
}

// Create stores an approval request in memory.
func (s *MemoryApprovalStore) Create(ctx context.Context, req *ApprovalRequest) error {
	if req == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.ID] = req.clone()
	return nil
}

// Get returns an approval request by ID, or nil if not found.
func (s *MemoryApprovalStore) Get(ctx context.Context, id string) (*ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.requests[id].clone(), nil
}

// Update replaces an approval request in memory.
func (s *MemoryApprovalStore) Update(ctx context.Context, req *ApprovalRequest) error {
	if req == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.ID] = req.clone()
	return nil
}

// ListPending returns pending requests, optionally filtered by session.
func (s *MemoryApprovalStore) ListPending(ctx context.Context, sessionID string) ([]*ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*ApprovalRequest
	for _, req := range s.requests {
		if req.State != ApprovalPending {
			continue
		}
		if sessionID != "" && req.SessionID != sessionID {
			continue
		}
		result = append(result, req.clone())
	}
	return result, nil
}

// Prune removes approval requests older than the specified duration and returns the count removed.
func (s *MemoryApprovalStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var pruned int64
	for id, req := range s.requests {
		if req.State.Terminal() && req.CreatedAt.Before(cutoff) {
			delete(s.requests, id)
			pruned++
		}
	}
	return pruned, nil
}

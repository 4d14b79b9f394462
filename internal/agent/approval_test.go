package agent

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/steward/pkg/models"
)

var (
	readDesc   = &ToolDescriptor{Name: "read_file", DisplayName: "Read File"}
	deleteDesc = &ToolDescriptor{Name: "delete_file", DisplayName: "Delete File", Destructive: true}
)

func TestApprovalEngine_Requires(t *testing.T) {
	engine := NewApprovalEngine(&ApprovalPolicy{
		Denylist:        []string{"exec_*"},
		RequireApproval: []string{"web_fetch"},
	})

	tests := []struct {
		name string
		call models.ToolCall
		desc *ToolDescriptor
		want bool
	}{
		{"non destructive", call("1", "read_file", `{}`), readDesc, false},
		{"destructive", call("2", "delete_file", `{}`), deleteDesc, true},
		{"unknown tool", call("3", "rm_rf", `{}`), nil, true},
		{"denylisted", call("4", "exec_shell", `{}`), &ToolDescriptor{Name: "exec_shell"}, true},
		{"require approval", call("5", "web_fetch", `{}`), &ToolDescriptor{Name: "web_fetch"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := engine.Requires(tt.call, tt.desc); got != tt.want {
				t.Errorf("Requires() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestApprovalEngine_PolicyDecisions(t *testing.T) {
	tests := []struct {
		name       string
		policy     *ApprovalPolicy
		call       models.ToolCall
		desc       *ToolDescriptor
		wantState  ApprovalState
		wantReason string
	}{
		{
			name:       "denylist",
			policy:     &ApprovalPolicy{Denylist: []string{"delete_*"}},
			call:       call("1", "delete_file", `{}`),
			desc:       deleteDesc,
			wantState:  ApprovalDenied,
			wantReason: "tool in denylist",
		},
		{
			name:       "allowlist",
			policy:     &ApprovalPolicy{Allowlist: []string{"*_file"}},
			call:       call("2", "delete_file", `{}`),
			desc:       deleteDesc,
			wantState:  ApprovalApproved,
			wantReason: "tool in allowlist",
		},
		{
			name:       "allowlist never covers unknown tools",
			policy:     &ApprovalPolicy{Allowlist: []string{"*"}},
			call:       call("3", "mystery", `{}`),
			desc:       nil,
			wantState:  ApprovalDenied,
			wantReason: ErrNoApprover.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := NewApprovalEngine(tt.policy)
			req, err := engine.RequestApproval(context.Background(), "turn", tt.call, tt.desc)
			if err != nil {
				t.Fatalf("RequestApproval() error = %v", err)
			}
			if req.State != tt.wantState {
				t.Errorf("State = %q, want %q", req.State, tt.wantState)
			}
			if req.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", req.Reason, tt.wantReason)
			}
			if req.DecidedBy != "policy" {
				t.Errorf("DecidedBy = %q, want policy", req.DecidedBy)
			}
		})
	}
}

func TestApprovalEngine_ApproverDecisions(t *testing.T) {
	tests := []struct {
		name         string
		decision     ApprovalDecision
		wantState    ApprovalState
		wantFeedback string
	}{
		{"approve", ApprovalDecision{State: ApprovalApproved}, ApprovalApproved, ""},
		{"deny", ApprovalDecision{State: ApprovalDenied}, ApprovalDenied, ""},
		{"deny with feedback", ApprovalDecision{State: ApprovalDeniedWithFeedback, Feedback: "not now"}, ApprovalDeniedWithFeedback, "not now"},
		{"feedback missing degrades to deny", ApprovalDecision{State: ApprovalDeniedWithFeedback}, ApprovalDenied, ""},
		{"invalid state degrades to deny", ApprovalDecision{State: ApprovalPending}, ApprovalDenied, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var prompted *ApprovalRequest
			approver := ApproverFunc(func(_ context.Context, req *ApprovalRequest) (ApprovalDecision, error) {
				prompted = req
				return tt.decision, nil
			})
			engine := NewApprovalEngine(nil, WithApprover(approver))

			req, err := engine.RequestApproval(context.Background(), "turn", call("c1", "delete_file", `{"path":"notes.txt"}`), deleteDesc)
			if err != nil {
				t.Fatalf("RequestApproval() error = %v", err)
			}
			if req.State != tt.wantState {
				t.Errorf("State = %q, want %q", req.State, tt.wantState)
			}
			if req.Feedback != tt.wantFeedback {
				t.Errorf("Feedback = %q, want %q", req.Feedback, tt.wantFeedback)
			}
			if req.DecidedBy != "user" {
				t.Errorf("DecidedBy = %q, want user", req.DecidedBy)
			}
			if prompted == nil || prompted.State != ApprovalPending {
				t.Fatalf("approver saw %+v, want a pending request", prompted)
			}
			if prompted.DisplayName != "Delete File" || !prompted.KnownTool {
				t.Errorf("prompt = %+v, want known tool Delete File", prompted)
			}
			if prompted.ID != "turn/c1-approval" {
				t.Errorf("ID = %q, want %q", prompted.ID, "turn/c1-approval")
			}
		})
	}
}

func TestApprovalEngine_UnknownToolPrompts(t *testing.T) {
	var rationale string
	approver := ApproverFunc(func(_ context.Context, req *ApprovalRequest) (ApprovalDecision, error) {
		rationale = req.Rationale
		if req.KnownTool {
			t.Error("KnownTool = true for an unregistered tool")
		}
		return ApprovalDecision{State: ApprovalDenied}, nil
	})
	engine := NewApprovalEngine(nil, WithApprover(approver))

	req, err := engine.RequestApproval(context.Background(), "turn", call("c1", "rm_rf", `{"path":"/"}`), nil)
	if err != nil {
		t.Fatalf("RequestApproval() error = %v", err)
	}
	if req.State != ApprovalDenied {
		t.Errorf("State = %q, want %q", req.State, ApprovalDenied)
	}
	if rationale != `Unknown tool "rm_rf" requested with arguments {"path":"/"}` {
		t.Errorf("Rationale = %q", rationale)
	}
}

func TestApprovalEngine_Idempotent(t *testing.T) {
	var prompts atomic.Int32
	approver := ApproverFunc(func(context.Context, *ApprovalRequest) (ApprovalDecision, error) {
		prompts.Add(1)
		return ApprovalDecision{State: ApprovalApproved}, nil
	})
	engine := NewApprovalEngine(nil, WithApprover(approver))
	c := call("c1", "delete_file", `{}`)

	for i := 0; i < 3; i++ {
		req, err := engine.RequestApproval(context.Background(), "turn", c, deleteDesc)
		if err != nil {
			t.Fatalf("RequestApproval() error = %v", err)
		}
		if req.State != ApprovalApproved {
			t.Errorf("State = %q, want %q", req.State, ApprovalApproved)
		}
	}
	if n := prompts.Load(); n != 1 {
		t.Errorf("approver prompted %d times, want 1", n)
	}
}

func TestApprovalEngine_RememberForSession(t *testing.T) {
	tests := []struct {
		name      string
		remember  RememberScope
		nextInput string
		wantAuto  bool
	}{
		{"tool scope covers other arguments", RememberTool, `{"path":"b"}`, true},
		{"argument scope covers same arguments", RememberArguments, `{ "path" : "a" }`, true},
		{"argument scope does not cover other arguments", RememberArguments, `{"path":"b"}`, false},
		{"no scope", RememberNone, `{"path":"a"}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var prompts atomic.Int32
			approver := ApproverFunc(func(context.Context, *ApprovalRequest) (ApprovalDecision, error) {
				prompts.Add(1)
				return ApprovalDecision{State: ApprovalApproved, Remember: tt.remember}, nil
			})
			engine := NewApprovalEngine(nil, WithApprover(approver))

			if _, err := engine.RequestApproval(context.Background(), "turn", call("c1", "delete_file", `{"path":"a"}`), deleteDesc); err != nil {
				t.Fatalf("first RequestApproval() error = %v", err)
			}
			req, err := engine.RequestApproval(context.Background(), "turn", call("c2", "delete_file", tt.nextInput), deleteDesc)
			if err != nil {
				t.Fatalf("second RequestApproval() error = %v", err)
			}
			if req.State != ApprovalApproved {
				t.Errorf("State = %q, want %q", req.State, ApprovalApproved)
			}
			gotAuto := prompts.Load() == 1
			if gotAuto != tt.wantAuto {
				t.Errorf("auto approved = %v, want %v", gotAuto, tt.wantAuto)
			}
		})
	}
}

func TestApprovalEngine_NoUI(t *testing.T) {
	engine := NewApprovalEngine(nil,
		WithApprover(ApproverFunc(func(context.Context, *ApprovalRequest) (ApprovalDecision, error) {
			t.Error("approver should not be called without a UI")
			return ApprovalDecision{State: ApprovalApproved}, nil
		})),
		WithUIAvailableCheck(func() bool { return false }),
	)

	req, err := engine.RequestApproval(context.Background(), "turn", call("c1", "delete_file", `{}`), deleteDesc)
	if err != nil {
		t.Fatalf("RequestApproval() error = %v", err)
	}
	if req.State != ApprovalDenied {
		t.Errorf("State = %q, want %q", req.State, ApprovalDenied)
	}
}

func TestApprovalEngine_CancelWhileWaiting(t *testing.T) {
	engine := NewApprovalEngine(nil, WithApprover(ApproverFunc(func(ctx context.Context, _ *ApprovalRequest) (ApprovalDecision, error) {
		<-ctx.Done()
		return ApprovalDecision{}, ctx.Err()
	})))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	req, err := engine.RequestApproval(ctx, "turn", call("c1", "delete_file", `{}`), deleteDesc)
	if err != nil {
		t.Fatalf("RequestApproval() error = %v", err)
	}
	if req.State != ApprovalCancelled {
		t.Errorf("State = %q, want %q", req.State, ApprovalCancelled)
	}

	stored, err := engine.Decide(context.Background(), req.ID, ApprovalDecision{State: ApprovalApproved})
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if stored.State != ApprovalCancelled {
		t.Errorf("late Decide changed state to %q", stored.State)
	}
}

func TestApprovalEngine_ExternalDecide(t *testing.T) {
	engine := NewApprovalEngine(nil, WithUIAvailableCheck(func() bool { return true }))

	type outcome struct {
		req *ApprovalRequest
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		req, err := engine.RequestApproval(context.Background(), "turn", call("c1", "delete_file", `{}`), deleteDesc)
		done <- outcome{req, err}
	}()

	var pending []*ApprovalRequest
	deadline := time.Now().Add(2 * time.Second)
	for len(pending) == 0 && time.Now().Before(deadline) {
		var err error
		if pending, err = engine.Pending(context.Background()); err != nil {
			t.Fatalf("Pending() error = %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(pending) != 1 {
		t.Fatalf("len(Pending()) = %d, want 1", len(pending))
	}

	// The waiter registers just after the pending record is stored.
	var decided bool
	for !decided && time.Now().Before(deadline) {
		stored, err := engine.Decide(context.Background(), pending[0].ID, ApprovalDecision{State: ApprovalDeniedWithFeedback, Feedback: "use trash"})
		if err != nil {
			t.Fatalf("Decide() error = %v", err)
		}
		decided = stored.State.Terminal()
		if decided && (stored.State != ApprovalDeniedWithFeedback || stored.Feedback != "use trash") {
			t.Errorf("Decide() = %s/%q, want the applied decision", stored.State, stored.Feedback)
		}
		if !decided {
			time.Sleep(5 * time.Millisecond)
		}
	}

	got := <-done
	if got.err != nil {
		t.Fatalf("RequestApproval() error = %v", got.err)
	}
	if got.req.State != ApprovalDeniedWithFeedback || got.req.Feedback != "use trash" {
		t.Errorf("request = %s/%q, want denied_with_feedback/use trash", got.req.State, got.req.Feedback)
	}
}

func TestApprovalEngine_DecideUnknown(t *testing.T) {
	engine := NewApprovalEngine(nil)
	_, err := engine.Decide(context.Background(), "missing", ApprovalDecision{State: ApprovalApproved})
	if !errors.Is(err, ErrApprovalNotFound) {
		t.Errorf("Decide() error = %v, want %v", err, ErrApprovalNotFound)
	}
}

func TestApprovalEngine_ApproverErrorDenies(t *testing.T) {
	engine := NewApprovalEngine(nil, WithApprover(ApproverFunc(func(context.Context, *ApprovalRequest) (ApprovalDecision, error) {
		return ApprovalDecision{}, errors.New("terminal closed")
	})))

	req, err := engine.RequestApproval(context.Background(), "turn", call("c1", "delete_file", `{}`), deleteDesc)
	if err != nil {
		t.Fatalf("RequestApproval() error = %v", err)
	}
	if req.State != ApprovalDenied || req.DecidedBy != "approver-error" {
		t.Errorf("request = %s/%s, want denied/approver-error", req.State, req.DecidedBy)
	}
}

func TestPolicyApprover(t *testing.T) {
	tests := []struct {
		name    string
		approve bool
		known   bool
		want    ApprovalState
	}{
		{"approve known", true, true, ApprovalApproved},
		{"approve never covers unknown", true, false, ApprovalDenied},
		{"deny", false, true, ApprovalDenied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := PolicyApprover{Approve: tt.approve}.RequestApproval(context.Background(), &ApprovalRequest{KnownTool: tt.known})
			if err != nil {
				t.Fatalf("RequestApproval() error = %v", err)
			}
			if decision.State != tt.want {
				t.Errorf("State = %q, want %q", decision.State, tt.want)
			}
		})
	}
}

func TestMatchesPattern(t *testing.T) {
	tests := []struct {
		patterns []string
		name     string
		want     bool
	}{
		{[]string{"*"}, "anything", true},
		{[]string{"read_file"}, "read_file", true},
		{[]string{"read_*"}, "read_file", true},
		{[]string{"*_file"}, "delete_file", true},
		{[]string{"read_*"}, "write_file", false},
		{[]string{""}, "x", false},
		{nil, "x", false},
	}

	for _, tt := range tests {
		if got := matchesPattern(tt.patterns, tt.name); got != tt.want {
			t.Errorf("matchesPattern(%v, %q) = %v, want %v", tt.patterns, tt.name, got, tt.want)
		}
	}
}

func TestMemoryApprovalStore_Prune(t *testing.T) {
	store := NewMemoryApprovalStore()
	ctx := context.Background()
	old := time.Now().Add(-2 * time.Hour)

	_ = store.Create(ctx, &ApprovalRequest{ID: "old-done", State: ApprovalApproved, CreatedAt: old})
	_ = store.Create(ctx, &ApprovalRequest{ID: "old-pending", State: ApprovalPending, CreatedAt: old})
	_ = store.Create(ctx, &ApprovalRequest{ID: "new-done", State: ApprovalDenied, CreatedAt: time.Now()})

	pruned, err := store.Prune(ctx, time.Hour)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if pruned != 1 {
		t.Errorf("Prune() = %d, want 1", pruned)
	}
	if got, _ := store.Get(ctx, "old-pending"); got == nil {
		t.Error("pending request should survive pruning")
	}
}

func TestApprovalEngine_PolicyNotReevaluatedMidWait(t *testing.T) {
	tests := []struct {
		name      string
		policy    *ApprovalPolicy
		human     ApprovalState
		nextState ApprovalState
	}{
		{"denylist added while waiting", &ApprovalPolicy{Denylist: []string{"delete_file"}}, ApprovalApproved, ApprovalDenied},
		{"allowlist added while waiting", &ApprovalPolicy{Allowlist: []string{"delete_*"}}, ApprovalDenied, ApprovalApproved},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prompted := make(chan string, 1)
			release := make(chan struct{})
			engine := NewApprovalEngine(nil,
				WithApprovalLogger(discardLogger),
				WithApprover(ApproverFunc(func(ctx context.Context, req *ApprovalRequest) (ApprovalDecision, error) {
					prompted <- req.ID
					select {
					case <-release:
						return ApprovalDecision{State: tt.human}, nil
					case <-ctx.Done():
						return ApprovalDecision{}, ctx.Err()
					}
				})),
			)

			done := make(chan *ApprovalRequest, 1)
			go func() {
				req, err := engine.RequestApproval(context.Background(), "turn", call("c1", "delete_file", `{}`), deleteDesc)
				if err != nil {
					t.Errorf("RequestApproval() error = %v", err)
				}
				done <- req
			}()

			select {
			case <-prompted:
			case <-time.After(2 * time.Second):
				t.Fatal("approver was not prompted")
			}
			engine.SetPolicy(tt.policy)
			close(release)

			var req *ApprovalRequest
			select {
			case req = <-done:
			case <-time.After(2 * time.Second):
				t.Fatal("RequestApproval did not return")
			}
			if req == nil || req.State != tt.human {
				t.Fatalf("request = %+v, want the human decision %q", req, tt.human)
			}
			if req.DecidedBy != "user" {
				t.Errorf("DecidedBy = %q, want user", req.DecidedBy)
			}

			next, err := engine.RequestApproval(context.Background(), "turn", call("c2", "delete_file", `{}`), deleteDesc)
			if err != nil {
				t.Fatalf("RequestApproval() error = %v", err)
			}
			if next.State != tt.nextState || next.DecidedBy != "policy" {
				t.Errorf("next request = %s by %s, want %s by policy", next.State, next.DecidedBy, tt.nextState)
			}
		})
	}
}

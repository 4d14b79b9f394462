package commands

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/steward/internal/agent"
	"github.com/haasonsaas/steward/pkg/models"
)

func newBuiltinRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(nil)
	RegisterBuiltins(r)
	return r
}

func dispatch(t *testing.T, r *Registry, line string, state SessionState) *Result {
	t.Helper()
	result, handled, err := r.Dispatch(context.Background(), NewParser(), line, state)
	if err != nil {
		t.Fatalf("Dispatch(%q) error = %v", line, err)
	}
	if !handled || result == nil {
		t.Fatalf("Dispatch(%q) was not handled", line)
	}
	return result
}

func TestRegisterBuiltins(t *testing.T) {
	r := newBuiltinRegistry(t)
	want := []string{"cancel", "help", "history", "quit", "run", "tools"}
	got := r.Names()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Names() = %v, want %v", got, want)
	}
	for _, alias := range []string{"h", "stop", "abort", "exit", "q"} {
		if _, ok := r.Get(alias); !ok {
			t.Errorf("alias %q not registered", alias)
		}
	}
}

func TestHelpCommand(t *testing.T) {
	r := newBuiltinRegistry(t)

	result := dispatch(t, r, "/help", SessionState{})
	for _, name := range []string{"/run", "/tools", "/cancel", "/history", "/quit", "Control", "Tools"} {
		if !strings.Contains(result.Text, name) {
			t.Errorf("help output missing %q:\n%s", name, result.Text)
		}
	}

	result = dispatch(t, r, "/help /run", SessionState{})
	if !strings.Contains(result.Text, "Usage: /run <tool>") {
		t.Errorf("help run = %q", result.Text)
	}

	result = dispatch(t, r, "/h cancel", SessionState{})
	if !strings.Contains(result.Text, "/stop, /abort") {
		t.Errorf("help cancel = %q", result.Text)
	}

	result = dispatch(t, r, "/help bogus", SessionState{})
	if !strings.Contains(result.Error, "Unknown command: bogus") {
		t.Errorf("help bogus = %+v", result)
	}
}

func TestToolsCommand(t *testing.T) {
	r := newBuiltinRegistry(t)

	result := dispatch(t, r, "/tools", SessionState{})
	if result.Text != "No tools are registered." {
		t.Errorf("empty tools = %q", result.Text)
	}

	state := SessionState{Tools: []agent.ToolDescriptor{
		{Name: "write_file", Description: "Write a file.\nMore detail.", Destructive: true},
		{Name: "read_file", Description: "Read a file."},
	}}
	result = dispatch(t, r, "/tools", state)
	lines := strings.Split(result.Text, "\n")
	if !strings.HasPrefix(lines[0], "  read_file") {
		t.Errorf("first line = %q, want read_file unmarked", lines[0])
	}
	if !strings.HasPrefix(lines[1], "! write_file") || strings.Contains(lines[1], "More detail") {
		t.Errorf("second line = %q, want a marked one-line write_file", lines[1])
	}
}

func TestRunCommand(t *testing.T) {
	r := newBuiltinRegistry(t)

	tests := []struct {
		name      string
		line      string
		busy      bool
		wantTool  string
		wantArgs  string
		wantError string
	}{
		{name: "with args", line: `/run read_file {"path":"a.txt"}`, wantTool: "read_file", wantArgs: `{"path":"a.txt"}`},
		{name: "no args", line: "/run list_dir", wantTool: "list_dir", wantArgs: "{}"},
		{name: "malformed args pass through", line: "/run exec {not json", wantTool: "exec", wantArgs: "{not json"},
		{name: "missing tool", line: "/run", wantError: "Usage: /run"},
		{name: "busy", line: "/run list_dir", busy: true, wantError: "already in progress"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := dispatch(t, r, tt.line, SessionState{Busy: tt.busy})
			if tt.wantError != "" {
				if !strings.Contains(result.Error, tt.wantError) || result.Action != nil {
					t.Fatalf("result = %+v, want error %q", result, tt.wantError)
				}
				return
			}
			action := result.Action
			if action == nil || action.Kind != agent.ActionRunTool {
				t.Fatalf("action = %+v, want run_tool", action)
			}
			if action.ToolName != tt.wantTool || string(action.Arguments) != tt.wantArgs {
				t.Errorf("action = %s %s, want %s %s", action.ToolName, action.Arguments, tt.wantTool, tt.wantArgs)
			}
		})
	}
}

func TestCancelCommand(t *testing.T) {
	r := newBuiltinRegistry(t)

	result := dispatch(t, r, "/cancel", SessionState{})
	if result.Action != nil || result.Text != "No active turn to cancel." {
		t.Errorf("idle cancel = %+v", result)
	}

	result = dispatch(t, r, "/stop", SessionState{Busy: true})
	if result.Action == nil || result.Action.Kind != agent.ActionCancel {
		t.Errorf("busy cancel = %+v", result)
	}

	result = dispatch(t, r, "/cancel now", SessionState{Busy: true})
	if !strings.Contains(result.Error, "takes no arguments") {
		t.Errorf("cancel with args = %+v", result)
	}
}

func TestHistoryCommand(t *testing.T) {
	r := newBuiltinRegistry(t)

	result := dispatch(t, r, "/history", SessionState{})
	if result.Text != "No turns yet." {
		t.Errorf("empty history = %q", result.Text)
	}

	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	records := []models.TurnRecord{
		{ID: "11111111-aaaa", SessionID: "s", Kind: "message", Status: "closed", StartedAt: start, EndedAt: start.Add(time.Second)},
		{ID: "22222222-bbbb", SessionID: "s", Kind: "action", Status: "failed", Error: "tool exploded\ntrace", StartedAt: start.Add(time.Minute), EndedAt: start.Add(2 * time.Minute)},
		{ID: "33333333-cccc", SessionID: "s", Kind: "message", Status: "cancelled", StartedAt: start.Add(time.Hour), EndedAt: start.Add(time.Hour)},
	}
	events := []models.Event{models.NewUserMessage("hi"), models.NewModelText("hello")}
	for i := range events {
		events[i].TurnID = "11111111-aaaa"
		events[i].Sequence = i
	}

	session := agent.NewSession(nil, agent.NewToolRegistry(), agent.SessionOptions{ID: "s"})
	if err := session.Restore(records, events); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	state := SessionState{SessionID: "s", Turns: session.Turns()}

	result = dispatch(t, r, "/history", state)
	lines := strings.Split(strings.TrimSpace(result.Text), "\n")
	if len(lines) != 3 {
		t.Fatalf("history lines = %q", lines)
	}
	if !strings.Contains(lines[0], "11111111") || !strings.Contains(lines[0], "closed") || !strings.Contains(lines[0], "2 events") {
		t.Errorf("line 0 = %q", lines[0])
	}
	if !strings.Contains(lines[1], "(tool exploded)") {
		t.Errorf("line 1 = %q, want first line of the error", lines[1])
	}

	result = dispatch(t, r, "/history 1", state)
	lines = strings.Split(strings.TrimSpace(result.Text), "\n")
	if len(lines) != 1 || !strings.HasPrefix(strings.TrimSpace(lines[0]), "3.") {
		t.Errorf("history 1 = %q", lines)
	}

	result = dispatch(t, r, "/history zero", state)
	if !strings.Contains(result.Error, "Invalid count") {
		t.Errorf("history zero = %+v", result)
	}
}

func TestQuitCommand(t *testing.T) {
	r := newBuiltinRegistry(t)
	for _, line := range []string{"/quit", "/exit", "/q"} {
		if result := dispatch(t, r, line, SessionState{}); !result.Quit {
			t.Errorf("%s did not quit", line)
		}
	}
}

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/steward/internal/agent/tape"
	"github.com/haasonsaas/steward/pkg/models"
)

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

// testEnv is a workspace with a config whose logs go to a file.
type testEnv struct {
	dir       string
	workspace string
	config    string
}

func newTestEnv(t *testing.T, extra string) testEnv {
	t.Helper()
	dir := t.TempDir()
	workspace := filepath.Join(dir, "ws")
	if err := os.Mkdir(workspace, 0o755); err != nil {
		t.Fatal(err)
	}
	cfg := fmt.Sprintf(`version: 1
tools:
  workspace: %s
logging:
  output: %s
`, workspace, filepath.Join(dir, "steward.log"))
	return testEnv{
		dir:       dir,
		workspace: workspace,
		config:    writeFile(t, dir, "steward.yaml", cfg+extra),
	}
}

func toolCallChunk(id, name, input string) tape.Chunk {
	return tape.Chunk{ToolCall: &models.ToolCall{ID: id, Name: name, Input: json.RawMessage(input)}}
}

// writeTape saves a tape whose calls replay the given chunk lists in order.
func writeTape(t *testing.T, dir string, calls ...[]tape.Chunk) string {
	t.Helper()
	tp := tape.NewTape()
	for _, chunks := range calls {
		tp.AddCall(tape.Call{Chunks: append(chunks, tape.Chunk{Done: true})})
	}
	path := filepath.Join(dir, "tape.json")
	if err := tp.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	return path
}

func TestRunPromptWithReplay(t *testing.T) {
	env := newTestEnv(t, "")
	writeFile(t, env.workspace, "notes.txt", "hello")
	tapePath := writeTape(t, env.dir,
		[]tape.Chunk{{Text: "Let me look. "}, toolCallChunk("call_1", "list_dir", `{}`)},
		[]tape.Chunk{{Text: "There is one file: notes.txt."}},
	)
	tracePath := filepath.Join(env.dir, "trace.jsonl")

	out, err := execute(t, "--config", env.config, "--replay", tapePath, "--trace", tracePath,
		"run", "-p", "what is here?")
	if err != nil {
		t.Fatalf("run error = %v\n%s", err, out)
	}
	for _, want := range []string{"Let me look.", "✓ 📂 Listing", "There is one file: notes.txt."} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	out, err = execute(t, "history", "--file", tracePath)
	if err != nil {
		t.Fatalf("history --file error = %v", err)
	}
	for _, want := range []string{"message  closed", "user: what is here?", "call call_1: 📂 Listing", "result call_1:", "model: There is one file"} {
		if !strings.Contains(out, want) {
			t.Errorf("trace history missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "warning:") {
		t.Errorf("trace reported problems:\n%s", out)
	}
}

func TestRunDeniesDestructiveCallsWithoutAutoApprove(t *testing.T) {
	tests := []struct {
		name        string
		extra       string
		wantWritten bool
	}{
		{name: "default", extra: "", wantWritten: false},
		{name: "auto approve", extra: "approval:\n  auto_approve: true\n", wantWritten: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.extra)
			tapePath := writeTape(t, env.dir,
				[]tape.Chunk{toolCallChunk("call_w", "write_file", `{"path":"out.txt","content":"hi"}`)},
				[]tape.Chunk{{Text: "ok"}},
			)

			out, err := execute(t, "--config", env.config, "--replay", tapePath, "run", "write it")
			if err != nil {
				t.Fatalf("run error = %v\n%s", err, out)
			}

			_, statErr := os.Stat(filepath.Join(env.workspace, "out.txt"))
			if written := statErr == nil; written != tt.wantWritten {
				t.Fatalf("file written = %v, want %v\n%s", written, tt.wantWritten, out)
			}
			if !tt.wantWritten && !strings.Contains(out, "denied") {
				t.Errorf("output does not report the denial:\n%s", out)
			}
		})
	}
}

func TestRunToolDirectly(t *testing.T) {
	env := newTestEnv(t, "")
	writeFile(t, env.workspace, "a.txt", "alpha")
	tapePath := writeTape(t, env.dir)

	out, err := execute(t, "--config", env.config, "--replay", tapePath,
		"run", "--json", "--tool", "read_file", "--args", `{"path":"a.txt"}`)
	if err != nil {
		t.Fatalf("run --tool error = %v\n%s", err, out)
	}

	var sawResult, sawClosed bool
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		var chunk struct {
			Event  *models.Event `json:"event"`
			Status string        `json:"status"`
		}
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			t.Fatalf("line %q is not JSON: %v", line, err)
		}
		if chunk.Event != nil && chunk.Event.Kind == models.EventToolCallResult && strings.Contains(chunk.Event.Result.Content, "alpha") {
			sawResult = true
		}
		if chunk.Status == "closed" {
			sawClosed = true
		}
	}
	if !sawResult || !sawClosed {
		t.Errorf("result=%v closed=%v in:\n%s", sawResult, sawClosed, out)
	}
}

func TestRunFailedTurnReturnsError(t *testing.T) {
	env := newTestEnv(t, "session:\n  retry:\n    max_attempts: 1\n")
	tapePath := writeTape(t, env.dir)

	out, err := execute(t, "--config", env.config, "--replay", tapePath, "run", "hello")
	if err == nil || !strings.Contains(err.Error(), "turn failed") {
		t.Fatalf("run error = %v, want a failed turn\n%s", err, out)
	}
	if errors.Is(err, errTurnCancelled) {
		t.Errorf("failure reported as cancellation")
	}
}

func TestRunValidatesFlags(t *testing.T) {
	tests := []struct {
		args    []string
		wantErr string
	}{
		{[]string{"run"}, "a prompt or --tool is required"},
		{[]string{"run", "-p", "x", "--tool", "exec"}, "cannot be combined"},
		{[]string{"run", "-p", "x", "--args", "{}"}, "--args requires --tool"},
	}
	for _, tt := range tests {
		_, err := execute(t, tt.args...)
		if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
			t.Errorf("%v: error = %v, want %q", tt.args, err, tt.wantErr)
		}
	}
}

func TestRunPersistsToSQLite(t *testing.T) {
	env := newTestEnv(t, "")
	dbPath := filepath.Join(env.dir, "steward.db")
	config := writeFile(t, env.dir, "sqlite.yaml", fmt.Sprintf(`version: 1
tools:
  workspace: %s
logging:
  output: %s
storage:
  driver: sqlite
  dsn: %s
`, env.workspace, filepath.Join(env.dir, "steward.log"), dbPath))

	tapePath := writeTape(t, env.dir, []tape.Chunk{{Text: "first answer"}})
	if out, err := execute(t, "--config", config, "--replay", tapePath, "run", "--session", "sess-1", "first"); err != nil {
		t.Fatalf("first run error = %v\n%s", err, out)
	}

	// The second run resumes the stored transcript.
	tapePath = writeTape(t, env.dir, []tape.Chunk{{Text: "second answer"}})
	if out, err := execute(t, "--config", config, "--replay", tapePath, "run", "--session", "sess-1", "second"); err != nil {
		t.Fatalf("second run error = %v\n%s", err, out)
	}

	out, err := execute(t, "--config", config, "history")
	if err != nil {
		t.Fatalf("history error = %v", err)
	}
	var listed bool
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[0] == "sess-1" {
			listed = fields[1] == "2"
		}
	}
	if !listed {
		t.Errorf("history list = %q", out)
	}

	out, err = execute(t, "--config", config, "history", "sess-1")
	if err != nil {
		t.Fatalf("history sess-1 error = %v", err)
	}
	first := strings.Index(out, "model: first answer")
	second := strings.Index(out, "model: second answer")
	if first < 0 || second < first {
		t.Errorf("transcript out of order:\n%s", out)
	}

	if _, err := execute(t, "--config", config, "history", "missing"); err == nil {
		t.Error("expected an error for an unknown session")
	}

	out, err = execute(t, "--config", config, "prune")
	if err != nil || !strings.Contains(out, "Removed 0 turns") {
		t.Errorf("prune = %q, %v", out, err)
	}
}

func TestHistoryRequiresDurableStorage(t *testing.T) {
	env := newTestEnv(t, "")
	_, err := execute(t, "--config", env.config, "history")
	if err == nil || !strings.Contains(err.Error(), "storage.driver is memory") {
		t.Errorf("history error = %v", err)
	}
}

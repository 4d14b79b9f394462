package exec

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Result summarizes one command run.
type Result struct {
	Command   string        `json:"command"`
	Cwd       string        `json:"cwd"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	ExitCode  int           `json:"exit_code"`
	Duration  time.Duration `json:"duration"`
	TimedOut  bool          `json:"timed_out,omitempty"`
	Truncated bool          `json:"truncated,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Runner runs shell commands with an explicit directory and environment.
type Runner struct {
	Shell     string
	MaxOutput int
	// WaitDelay bounds how long Run waits for output pipes after the
	// process is killed.
	WaitDelay time.Duration
}

// Run executes command with "<shell> -c". The environment is exactly env;
// nothing is inherited from the current process. A timeout is reported in
// the result; cancellation of ctx itself is returned as an error.
func (r *Runner) Run(ctx context.Context, command, dir string, env []string, input string, timeout time.Duration) (*Result, error) {
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("command is required")
	}

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	shell := r.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.CommandContext(runCtx, shell, "-c", command)
	cmd.Dir = dir
	cmd.Env = append([]string{}, env...)
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 2 * time.Second
	}

	stdout := newLimitedBuffer(r.MaxOutput)
	stderr := newLimitedBuffer(r.MaxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if input != "" {
		cmd.Stdin = strings.NewReader(input)
	}

	start := time.Now()
	err := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	result := &Result{
		Command:   command,
		Cwd:       cmd.Dir,
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Duration:  time.Since(start),
		ExitCode:  exitCode(err),
		Truncated: stdout.truncated() || stderr.truncated(),
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.Error = fmt.Sprintf("command timed out after %s", timeout)
		return result, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("run command: %w", err)
		}
		result.Error = err.Error()
	}
	return result, nil
}

type limitedBuffer struct {
	mu      sync.Mutex
	buf     []byte
	max     int
	dropped bool
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.max > 0 && len(b.buf) >= b.max {
		b.dropped = b.dropped || len(p) > 0
		return len(p), nil
	}
	remaining := b.max - len(b.buf)
	if b.max > 0 && len(p) > remaining {
		b.buf = append(b.buf, p[:remaining]...)
		b.dropped = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func (b *limitedBuffer) truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

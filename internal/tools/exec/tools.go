// Package exec provides the shell execution tool.
package exec

import (
	"context"
	"encoding/json"
	"time"

	"github.com/haasonsaas/steward/internal/agent"
	"github.com/haasonsaas/steward/internal/tools"
	"github.com/haasonsaas/steward/internal/tools/files"
)

const (
	defaultTimeout   = 60 * time.Second
	defaultMaxOutput = 64000
)

// Config controls exec defaults.
type Config struct {
	// Workspace bounds the cwd argument. Empty means the call's working directory.
	Workspace string

	// Timeout is the default and maximum run time of a command.
	Timeout time.Duration

	// MaxOutput caps stdout and stderr separately, in bytes.
	MaxOutput int

	// Shell runs the command with "-c". Default /bin/sh.
	Shell string
}

// ExecTool runs shell commands in the call's working directory with the
// call's explicit environment.
type ExecTool struct {
	resolver files.Resolver
	runner   *Runner
	timeout  time.Duration
}

type execArgs struct {
	Command        string `json:"command" jsonschema:"minLength=1" jsonschema_description:"Shell command to execute."`
	Cwd            string `json:"cwd,omitempty" jsonschema_description:"Working directory relative to the workspace."`
	Input          string `json:"input,omitempty" jsonschema_description:"Stdin content passed to the command."`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" jsonschema:"minimum=0" jsonschema_description:"Timeout in seconds. Cannot exceed the configured limit."`
}

// NewExecTool creates an exec tool.
func NewExecTool(cfg Config) *ExecTool {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxOutput := cfg.MaxOutput
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutput
	}
	return &ExecTool{
		resolver: files.Resolver{Root: cfg.Workspace},
		runner:   &Runner{Shell: cfg.Shell, MaxOutput: maxOutput},
		timeout:  timeout,
	}
}

func (t *ExecTool) Name() string { return "exec" }

func (t *ExecTool) DisplayName() string { return "Shell" }

func (t *ExecTool) Description() string {
	return "Run a shell command in the workspace and return its exit code, stdout and stderr."
}

func (t *ExecTool) Schema() json.RawMessage { return tools.Schema(&execArgs{}) }

func (t *ExecTool) Destructive() bool { return true }

// Invoke runs the command. A non-zero exit or a timeout is reported as a
// tool failure carrying the full result.
func (t *ExecTool) Invoke(ctx context.Context, ec *agent.ExecContext, params json.RawMessage) (*agent.ToolOutput, error) {
	var input execArgs
	if err := tools.DecodeArgs(params, &input); err != nil {
		return nil, err
	}

	resolver, base := t.resolver.For(ec)
	dir := base
	if input.Cwd != "" {
		resolved, err := resolver.ResolveFrom(base, input.Cwd)
		if err != nil {
			return nil, err
		}
		dir = resolved
	}

	timeout := t.timeout
	if requested := time.Duration(input.TimeoutSeconds) * time.Second; requested > 0 && requested < timeout {
		timeout = requested
	}

	var env []string
	if ec != nil {
		env = ec.Env
	}

	result, err := t.runner.Run(ctx, input.Command, dir, env, input.Input, timeout)
	if err != nil {
		return nil, err
	}

	out, err := tools.JSONOutput(result)
	if err != nil {
		return nil, err
	}
	out.IsError = result.ExitCode != 0 || result.TimedOut
	return out, nil
}

package agent

import (
	"log/slog"

	agentctx "github.com/haasonsaas/steward/internal/agent/context"
	"github.com/haasonsaas/steward/internal/backoff"
)

// SessionOptions configures turn behavior.
type SessionOptions struct {
	// ID identifies the session in transcripts and approval records.
	// A random id is generated when empty.
	ID string

	// Model is passed to the provider on every request.
	Model string

	// System is the system prompt.
	System string

	// MaxTokens limits each model response (0 = provider default).
	MaxTokens int

	// MaxIterations limits model calls per turn (0 = unlimited).
	MaxIterations int

	// Retry controls retries of failed model calls.
	Retry backoff.Policy

	// Pack budgets the history sent on each model call (nil = send everything).
	Pack *agentctx.PackOptions

	// WorkDir and Env form the ExecContext handed to tools.
	WorkDir string
	Env     []string

	// Logger receives session diagnostics.
	Logger *slog.Logger
}

// DefaultSessionOptions returns the baseline session options.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		MaxTokens:     4096,
		MaxIterations: 0,
		Retry:         backoff.DefaultPolicy(),
		Logger:        slog.Default(),
	}
}

func mergeSessionOptions(base SessionOptions, override SessionOptions) SessionOptions {
	merged := base
	if override.ID != "" {
		merged.ID = override.ID
	}
	if override.Model != "" {
		merged.Model = override.Model
	}
	if override.System != "" {
		merged.System = override.System
	}
	if override.MaxTokens > 0 {
		merged.MaxTokens = override.MaxTokens
	}
	if override.MaxIterations > 0 {
		merged.MaxIterations = override.MaxIterations
	}
	if override.Retry != (backoff.Policy{}) {
		merged.Retry = override.Retry
	}
	if override.Pack != nil {
		pack := *override.Pack
		merged.Pack = &pack
	}
	if override.WorkDir != "" {
		merged.WorkDir = override.WorkDir
	}
	if len(override.Env) > 0 {
		merged.Env = append([]string(nil), override.Env...)
	}
	if override.Logger != nil {
		merged.Logger = override.Logger
	}
	merged.Retry = merged.Retry.Normalize()
	return merged
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/steward/internal/agent"
	"github.com/haasonsaas/steward/internal/agent/providers"
	"github.com/haasonsaas/steward/internal/agent/tape"
	"github.com/haasonsaas/steward/internal/config"
	"github.com/haasonsaas/steward/internal/observability"
	"github.com/haasonsaas/steward/internal/sessions"
	"github.com/haasonsaas/steward/internal/tools/builtin"
)

// appOptions selects how newApp wires the session.
type appOptions struct {
	Flags *globalFlags

	// SessionID resumes a stored session when it has transcripts.
	SessionID string

	Approver    agent.Approver
	UIAvailable func() bool

	// Watch reloads the approval policy when the config file changes.
	Watch bool

	// LogOutput overrides logging.output.
	LogOutput io.Writer
}

// app holds everything a command needs to drive one session.
type app struct {
	cfg        *config.Config
	configPath string
	logger     *slog.Logger
	metrics    *observability.Metrics
	backend    *sessions.Backend
	registry   *agent.ToolRegistry
	approvals  *agent.ApprovalEngine
	session    *agent.Session
	recorder   *tape.Recorder
	replayer   *tape.Replayer

	cancel  context.CancelFunc
	waiters []<-chan struct{}
	closers []func() error
}

// newApp loads the configuration and builds the session with its stores,
// tools, approval engine and instrumentation. Close must be called.
func newApp(ctx context.Context, opts appOptions) (_ *app, err error) {
	flags := opts.Flags
	if flags == nil {
		flags = &globalFlags{}
	}

	rt := &app{configPath: resolveConfigPath(flags.configPath)}
	ctx, rt.cancel = context.WithCancel(ctx)
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()

	rt.cfg, err = loadConfig(rt.configPath)
	if err != nil {
		return nil, err
	}
	cfg := rt.cfg

	if err := rt.setupLogging(opts.LogOutput); err != nil {
		return nil, err
	}

	shutdownTracing, err := observability.SetupTracing(ctx, observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SampleRate:     cfg.Tracing.SampleRate,
		Attributes:     cfg.Tracing.ResourceAttributes,
	})
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, func() error { return shutdownTracing(context.Background()) })

	rt.metrics = observability.NewMetrics()
	if cfg.Metrics.Addr != "" {
		done := make(chan struct{})
		rt.waiters = append(rt.waiters, done)
		go func() {
			defer close(done)
			if err := rt.metrics.Serve(ctx, cfg.Metrics.Addr, cfg.Metrics.Path, rt.logger); err != nil {
				rt.logger.Error("metrics endpoint stopped", "error", err)
			}
		}()
	}

	rt.backend, err = sessions.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, rt.backend.Close)

	if cfg.Storage.Retention > 0 && cfg.Storage.PruneSchedule != "" {
		pruner := sessions.NewPruner(rt.backend.Transcripts, rt.backend.Approvals, cfg.Storage.Retention, rt.logger)
		done, err := pruner.Start(ctx, cfg.Storage.PruneSchedule)
		if err != nil {
			return nil, err
		}
		rt.waiters = append(rt.waiters, done)
	}

	rt.registry, err = builtin.Registry(cfg.Tools)
	if err != nil {
		return nil, err
	}

	provider, err := rt.buildProvider(flags)
	if err != nil {
		return nil, err
	}

	workDir, err := workspaceDir(cfg.Tools.Workspace)
	if err != nil {
		return nil, err
	}

	sessionOpts := agent.SessionOptions{
		ID:            opts.SessionID,
		Model:         cfg.LLM.Model,
		System:        cfg.LLM.System,
		MaxTokens:     cfg.LLM.MaxTokens,
		MaxIterations: cfg.Session.MaxIterations,
		Retry:         cfg.Session.Retry,
		Pack:          cfg.Session.Pack,
		WorkDir:       workDir,
		Env:           os.Environ(),
		Logger:        rt.logger,
	}
	session := agent.NewSession(provider, rt.registry, sessionOpts)
	sessionID := session.ID()

	rt.approvals = agent.NewApprovalEngine(&cfg.Approval.ApprovalPolicy,
		agent.WithApprovalStore(rt.backend.Approvals),
		agent.WithApprover(opts.Approver),
		agent.WithUIAvailableCheck(opts.UIAvailable),
		agent.WithApprovalLogger(rt.logger),
		agent.WithApprovalObserver(rt.metrics),
		agent.WithApprovalSessionID(sessionID),
	)
	session.SetApprovalEngine(rt.approvals)
	session.SetExecutor(agent.NewExecutor(rt.registry,
		&agent.ExecutorConfig{MaxConcurrency: cfg.Tools.MaxConcurrency},
		agent.WithExecutorLogger(rt.logger),
		agent.WithExecutorObserver(rt.metrics),
	))
	session.SetObserver(rt.metrics)
	session.SetResultGuard(cfg.Tools.Results)

	if opts.SessionID != "" {
		if err := restoreSession(ctx, session, rt.backend.Transcripts); err != nil {
			return nil, err
		}
	}

	var trace agent.TranscriptStore
	if flags.tracePath != "" {
		writer, err := agent.NewTraceFile(flags.tracePath, sessionID,
			agent.WithRedactor(agent.DefaultRedactor),
			agent.WithAppVersion(version),
		)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, writer.Close)
		trace = writer
	}
	session.SetTranscriptStore(sessions.Tee(rt.backend.Transcripts, trace))
	rt.session = session

	if opts.Watch && rt.configPath != "" {
		done, err := config.Watch(ctx, rt.configPath, config.WatchOptions{Logger: rt.logger}, func(next *config.Config) {
			rt.approvals.SetPolicy(&next.Approval.ApprovalPolicy)
		})
		if err != nil {
			rt.logger.Warn("config reload disabled", "path", rt.configPath, "error", err)
		} else {
			rt.waiters = append(rt.waiters, done)
		}
	}

	if flags.recordPath != "" {
		path := flags.recordPath
		rt.closers = append(rt.closers, func() error {
			if err := rt.recorder.Tape().Save(path); err != nil {
				return fmt.Errorf("save tape: %w", err)
			}
			return nil
		})
	}

	rt.logger.Debug("session ready",
		"session_id", sessionID,
		"provider", provider.Name(),
		"tools", rt.registry.Len(),
		"storage", storageDriver(cfg))
	return rt, nil
}

func (rt *app) setupLogging(override io.Writer) error {
	output := override
	if output == nil {
		w, closeFn, err := observability.OpenLogOutput(rt.cfg.Logging.Output)
		if err != nil {
			return err
		}
		rt.closers = append(rt.closers, closeFn)
		output = w
	}
	rt.logger = observability.NewLogger(observability.LogConfig{
		Level:  rt.cfg.Logging.Level,
		Format: rt.cfg.Logging.Format,
		Output: output,
	})
	slog.SetDefault(rt.logger)
	return nil
}

// buildProvider returns the configured backend, a tape replayer, or either
// wrapped in a recorder.
func (rt *app) buildProvider(flags *globalFlags) (agent.LLMProvider, error) {
	var provider agent.LLMProvider
	if flags.replayPath != "" {
		t, err := tape.Load(flags.replayPath)
		if err != nil {
			return nil, err
		}
		s := t.Summary()
		rt.logger.Info("replaying tape", "path", flags.replayPath, "model", s.Model,
			"calls", s.Calls, "tool_calls", s.ToolCalls, "errors", s.Errors)
		rt.replayer = tape.NewReplayer(t, tape.Strict())
		provider = rt.replayer
	} else {
		p, err := newProvider(rt.cfg.LLM)
		if err != nil {
			return nil, err
		}
		provider = p
	}

	if flags.recordPath != "" {
		rt.recorder = tape.NewRecorder(provider, tape.RecordOptions{
			Model:  rt.cfg.LLM.Model,
			System: rt.cfg.LLM.System,
		})
		return rt.recorder, nil
	}
	return provider, nil
}

// providerKeyEnv names the environment variable consulted when a provider
// has no api_key configured.
var providerKeyEnv = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"google":    "GEMINI_API_KEY",
}

func newProvider(cfg config.LLMConfig) (agent.LLMProvider, error) {
	name, pc := cfg.Provider()
	apiKey := pc.APIKey
	if apiKey == "" {
		apiKey = os.Getenv(providerKeyEnv[name])
	}
	if apiKey == "" {
		return nil, fmt.Errorf("no API key for %s: set llm.providers.%s.api_key or %s", name, name, providerKeyEnv[name])
	}

	switch name {
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       apiKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
			MaxTokens:    cfg.MaxTokens,
		})
	case "openai":
		return providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:       apiKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
			MaxTokens:    cfg.MaxTokens,
		})
	case "google":
		return providers.NewGoogleProvider(providers.GoogleConfig{
			APIKey:       apiKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
			MaxTokens:    cfg.MaxTokens,
		})
	default:
		return nil, fmt.Errorf("unsupported provider %q", name)
	}
}

func workspaceDir(configured string) (string, error) {
	dir := strings.TrimSpace(configured)
	if dir == "" {
		return os.Getwd()
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve workspace: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("workspace %s: %w", abs, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("workspace %s is not a directory", abs)
	}
	return abs, nil
}

// restoreSession replays a stored transcript into a fresh session. An id with
// no stored turns starts a new session under that id.
func restoreSession(ctx context.Context, session *agent.Session, store sessions.Store) error {
	records, events, err := store.LoadSession(ctx, session.ID())
	if errors.Is(err, sessions.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load session %s: %w", session.ID(), err)
	}
	return session.Restore(records, events)
}

// Close stops background work and releases stores in reverse order of
// creation. The tape is saved here when recording.
func (rt *app) Close() error {
	if rt.cancel != nil {
		rt.cancel()
	}
	for _, done := range rt.waiters {
		<-done
	}
	rt.waiters = nil

	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

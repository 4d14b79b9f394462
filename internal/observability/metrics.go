package observability

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/steward/internal/agent"
)

// Metrics holds the Prometheus collectors for steward and implements
// agent.Observer.
//
// Collectors are registered on a private registry, so several Metrics values
// can coexist (for example in tests) without colliding on the default one.
type Metrics struct {
	registry *prometheus.Registry

	// TurnCounter counts finished turns.
	// Labels: status (closed|cancelled|failed)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures turn latency in seconds.
	// Labels: status
	TurnDuration *prometheus.HistogramVec

	// ModelCallCounter counts model calls including retries.
	// Labels: provider, attempt, error_kind ("" on success)
	ModelCallCounter *prometheus.CounterVec

	// ModelCallDuration measures time to the end of each model stream.
	// Labels: provider
	ModelCallDuration *prometheus.HistogramVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, outcome (success|failure|cancelled), error_kind
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// ApprovalCounter counts approval decisions.
	// Labels: tool_name, state, prompted (true|false)
	ApprovalCounter *prometheus.CounterVec
}

var _ agent.Observer = (*Metrics)(nil)

// NewMetrics creates the collectors on a fresh registry that also carries
// the Go runtime and process collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "steward_turns_total",
				Help: "Total number of finished turns by terminal status",
			},
			[]string{"status"},
		),

		TurnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "steward_turn_duration_seconds",
				Help:    "Duration of turns in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),

		ModelCallCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "steward_model_calls_total",
				Help: "Total number of model calls by provider, attempt and error kind",
			},
			[]string{"provider", "attempt", "error_kind"},
		),

		ModelCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "steward_model_call_duration_seconds",
				Help:    "Duration of model calls in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "steward_tool_executions_total",
				Help: "Total number of tool executions by tool name and outcome",
			},
			[]string{"tool_name", "outcome", "error_kind"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "steward_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		ApprovalCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "steward_approvals_total",
				Help: "Total number of approval decisions by tool, state and whether the user was asked",
			},
			[]string{"tool_name", "state", "prompted"},
		),
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) TurnFinished(status agent.TurnStatus, duration time.Duration) {
	m.TurnCounter.WithLabelValues(string(status)).Inc()
	m.TurnDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
}

func (m *Metrics) ModelCallFinished(provider string, attempt int, kind agent.ErrorKind, duration time.Duration) {
	m.ModelCallCounter.WithLabelValues(provider, attemptLabel(attempt), string(kind)).Inc()
	m.ModelCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func (m *Metrics) ToolExecuted(toolName string, outcome agent.Outcome, kind agent.ErrorKind, duration time.Duration) {
	m.ToolExecutionCounter.WithLabelValues(toolName, string(outcome), string(kind)).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(duration.Seconds())
}

func (m *Metrics) ApprovalResolved(toolName string, state agent.ApprovalState, prompted bool) {
	label := "false"
	if prompted {
		label = "true"
	}
	m.ApprovalCounter.WithLabelValues(toolName, string(state), label).Inc()
}

// attemptLabel caps the attempt label so a misconfigured retry policy cannot
// blow up label cardinality.
func attemptLabel(attempt int) string {
	switch {
	case attempt <= 1:
		return "1"
	case attempt == 2:
		return "2"
	case attempt == 3:
		return "3"
	default:
		return "4+"
	}
}

// Handler returns the HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes the metrics at path on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr, path string, logger *slog.Logger) error {
	if path == "" {
		path = "/metrics"
	}
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	logger.Info("metrics endpoint listening", "addr", listener.Addr().String(), "path", path)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

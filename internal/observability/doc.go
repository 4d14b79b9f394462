// Package observability provides the logging, metrics and tracing setup for
// steward.
//
// Logging is built on log/slog with a handler that redacts secrets and adds
// session, turn and trace identifiers from the context. Metrics are
// Prometheus collectors registered on a private registry; Metrics implements
// agent.Observer so the session can report to it directly. Tracing installs
// an OpenTelemetry tracer provider exporting over OTLP/gRPC; the agent
// package creates its spans through the global provider.
package observability

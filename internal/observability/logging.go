package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/steward/internal/agent"
)

// LogConfig selects level, format and destination. Level is one of debug,
// info, warn or error; Format is json or text. RedactPatterns are added to
// DefaultRedactPatterns.
type LogConfig struct {
	Level          string
	Format         string
	Output         io.Writer
	RedactPatterns []string
}

// RedactedValue replaces anything the handler considers secret.
const RedactedValue = "[REDACTED]"

// DefaultRedactPatterns match credentials in free text: key=value pairs,
// bearer tokens, vendor API keys and JWTs.
var DefaultRedactPatterns = []string{
	`(?i)(api[_-]?key|apikey)[\s:=]+["\']?([a-zA-Z0-9_\-]{16,})["\']?`,
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-\.]{16,})`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["\']?([^\s"']{8,})["\']?`,
	`sk-(ant-)?[a-zA-Z0-9_-]{32,}`,
	`AIza[0-9A-Za-z_-]{35}`,
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,
}

// Attribute keys whose values are never logged. Keys ending in _key,
// _token or _secret are treated the same way.
var sensitiveKeys = []string{
	"password", "passwd", "secret", "token", "api_key", "apikey",
	"private_key", "auth", "authorization",
}

// NewLogger builds a redacting slog logger. Output defaults to stderr.
func NewLogger(cfg LogConfig) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: LogLevelFromString(cfg.Level)}

	var handler slog.Handler = slog.NewTextHandler(out, opts)
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	}
	return slog.New(NewRedactingHandler(handler, cfg.RedactPatterns...))
}

// OpenLogOutput resolves a configured output name. "stderr", "stdout" and ""
// map to the process streams; anything else is a file opened for append.
// The returned close function is safe to call for the process streams.
func OpenLogOutput(name string) (io.Writer, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "stderr":
		return os.Stderr, noop, nil
	case "stdout":
		return os.Stdout, noop, nil
	}
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return f, f.Close, nil
}

// RedactingHandler wraps another slog.Handler. It scrubs secrets from the
// message and string attributes, and adds session, turn and trace
// identifiers found in the record's context.
type RedactingHandler struct {
	next    slog.Handler
	redacts []*regexp.Regexp
}

// NewRedactingHandler wraps next. Invalid extra patterns are ignored.
func NewRedactingHandler(next slog.Handler, extraPatterns ...string) *RedactingHandler {
	redacts := make([]*regexp.Regexp, 0, len(DefaultRedactPatterns)+len(extraPatterns))
	for _, pattern := range append(append([]string{}, DefaultRedactPatterns...), extraPatterns...) {
		if re, err := regexp.Compile(pattern); err == nil {
			redacts = append(redacts, re)
		}
	}
	return &RedactingHandler{next: next, redacts: redacts}
}

func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *RedactingHandler) Handle(ctx context.Context, record slog.Record) error {
	out := slog.NewRecord(record.Time, record.Level, h.redactString(record.Message), record.PC)

	if id := agent.SessionIDFromContext(ctx); id != "" {
		out.AddAttrs(slog.String("session_id", id))
	}
	if id := agent.TurnIDFromContext(ctx); id != "" {
		out.AddAttrs(slog.String("turn_id", id))
	}
	if spanCtx := trace.SpanContextFromContext(ctx); spanCtx.IsValid() {
		out.AddAttrs(
			slog.String("trace_id", spanCtx.TraceID().String()),
			slog.String("span_id", spanCtx.SpanID().String()),
		)
	}

	record.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(h.redactAttr(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		redacted[i] = h.redactAttr(attr)
	}
	return &RedactingHandler{next: h.next.WithAttrs(redacted), redacts: h.redacts}
}

func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{next: h.next.WithGroup(name), redacts: h.redacts}
}

func (h *RedactingHandler) redactAttr(attr slog.Attr) slog.Attr {
	if isSensitiveKey(attr.Key) {
		return slog.String(attr.Key, RedactedValue)
	}

	value := attr.Value.Resolve()
	switch value.Kind() {
	case slog.KindString:
		return slog.String(attr.Key, h.redactString(value.String()))
	case slog.KindGroup:
		group := value.Group()
		redacted := make([]any, len(group))
		for i, member := range group {
			redacted[i] = h.redactAttr(member)
		}
		return slog.Group(attr.Key, redacted...)
	case slog.KindAny:
		switch v := value.Any().(type) {
		case error:
			return slog.String(attr.Key, h.redactString(v.Error()))
		case []byte:
			return slog.String(attr.Key, h.redactString(string(v)))
		case fmt.Stringer:
			return slog.String(attr.Key, h.redactString(v.String()))
		}
	}
	return slog.Attr{Key: attr.Key, Value: value}
}

func (h *RedactingHandler) redactString(s string) string {
	for _, re := range h.redacts {
		s = re.ReplaceAllString(s, RedactedValue)
	}
	return s
}

func isSensitiveKey(key string) bool {
	key = strings.ToLower(strings.ReplaceAll(key, "-", "_"))
	return slices.Contains(sensitiveKeys, key) ||
		strings.HasSuffix(key, "_key") || strings.HasSuffix(key, "_token") || strings.HasSuffix(key, "_secret")
}

// LogLevelFromString parses a level name as slog does, also accepting
// "warning". Anything unrecognized is info.
func LogLevelFromString(s string) slog.Level {
	if strings.EqualFold(s, "warning") {
		return slog.LevelWarn
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Package config loads steward configuration from YAML or JSON5 files.
//
// Files may pull in other files with "$include" and reference environment
// variables with ${VAR}. Unknown keys are rejected.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/steward/internal/agent"
	agentctx "github.com/haasonsaas/steward/internal/agent/context"
	"github.com/haasonsaas/steward/internal/backoff"
	"github.com/haasonsaas/steward/internal/tools/exec"
)

// Config is the main configuration structure for steward.
type Config struct {
	Version  int            `yaml:"version"`
	LLM      LLMConfig      `yaml:"llm"`
	Tools    ToolsConfig    `yaml:"tools"`
	Approval ApprovalConfig `yaml:"approval"`
	Session  SessionConfig  `yaml:"session"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// LLMConfig selects the model backend.
type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`

	// Model overrides the provider's default model.
	Model     string `yaml:"model"`
	System    string `yaml:"system"`
	MaxTokens int    `yaml:"max_tokens"`
}

// LLMProviderConfig configures one backend.
type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
}

// ToolsConfig configures the built-in tools and their execution.
type ToolsConfig struct {
	// Workspace bounds file paths. Defaults to the working directory at startup.
	Workspace string `yaml:"workspace"`

	// Enabled lists the tools to register. Empty registers all of them.
	Enabled []string `yaml:"enabled"`

	MaxConcurrency int `yaml:"max_concurrency"`

	Files FilesToolConfig `yaml:"files"`
	Exec  ExecToolConfig  `yaml:"exec"`
	Fetch FetchToolConfig `yaml:"fetch"`

	// Results controls redaction and truncation of tool output.
	Results agent.ToolResultGuard `yaml:"results"`
}

type FilesToolConfig struct {
	MaxReadBytes int `yaml:"max_read_bytes"`
	MaxEntries   int `yaml:"max_entries"`
}

type ExecToolConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	MaxOutput int           `yaml:"max_output"`
	Shell     string        `yaml:"shell"`
}

type FetchToolConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	MaxChars     int           `yaml:"max_chars"`
	AllowPrivate bool          `yaml:"allow_private"`
}

// ApprovalConfig configures the approval engine.
type ApprovalConfig struct {
	agent.ApprovalPolicy `yaml:",inline"`

	// AutoApprove approves known destructive calls when no terminal is
	// attached. Off by default: non-interactive runs deny them.
	AutoApprove bool `yaml:"auto_approve"`
}

// SessionConfig configures turn behavior.
type SessionConfig struct {
	MaxIterations int                   `yaml:"max_iterations"`
	Retry         backoff.Policy        `yaml:"retry"`
	Pack          *agentctx.PackOptions `yaml:"pack"`
}

// StorageConfig selects where transcripts and approval records live.
type StorageConfig struct {
	// Driver is memory, sqlite or postgres.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`

	// Retention is how long transcripts and decided approvals are kept
	// (0 keeps them forever).
	Retention time.Duration `yaml:"retention"`

	// PruneSchedule is a cron expression for the retention job.
	PruneSchedule string `yaml:"prune_schedule"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// Output is stderr, stdout or a file path.
	Output string `yaml:"output"`
}

type MetricsConfig struct {
	// Addr enables the Prometheus endpoint, e.g. "127.0.0.1:9464".
	Addr string `yaml:"addr"`
	Path string `yaml:"path"`
}

type TracingConfig struct {
	// Endpoint is the OTLP gRPC collector address. Empty disables tracing.
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRate  float64 `yaml:"sample_rate"`
	ServiceName string  `yaml:"service_name"`
	// ResourceAttributes are added to every exported span's resource.
	ResourceAttributes map[string]string `yaml:"resource_attributes"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Version: CurrentVersion,
		LLM: LLMConfig{
			DefaultProvider: "anthropic",
			Providers:       map[string]LLMProviderConfig{},
			MaxTokens:       4096,
		},
		Tools: ToolsConfig{
			MaxConcurrency: 5,
			Exec:           ExecToolConfig{Timeout: 60 * time.Second, MaxOutput: 64000, Shell: "/bin/sh"},
			Fetch:          FetchToolConfig{Timeout: 15 * time.Second, MaxChars: 10000},
			Files:          FilesToolConfig{MaxReadBytes: 200000, MaxEntries: 1000},
			Results:        agent.ToolResultGuard{MaxChars: 20000},
		},
		Approval: ApprovalConfig{ApprovalPolicy: *agent.DefaultApprovalPolicy()},
		Session: SessionConfig{
			Retry: backoff.DefaultPolicy(),
		},
		Storage: StorageConfig{
			Driver:        "memory",
			Retention:     30 * 24 * time.Hour,
			PruneSchedule: "@daily",
		},
		Logging: LoggingConfig{Level: "info", Format: "text", Output: "stderr"},
		Metrics: MetricsConfig{Path: "/metrics"},
		Tracing: TracingConfig{SampleRate: 1, ServiceName: "steward"},
	}
}

var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Providers known to steward.
var knownProviders = map[string]bool{"anthropic": true, "openai": true, "google": true}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if err := ValidateVersion(c.Version); err != nil {
		errs = append(errs, err)
	}

	provider := strings.ToLower(strings.TrimSpace(c.LLM.DefaultProvider))
	if !knownProviders[provider] {
		errs = append(errs, fmt.Errorf("llm.default_provider %q is not one of anthropic, openai or google", c.LLM.DefaultProvider))
	}
	for name := range c.LLM.Providers {
		if !knownProviders[strings.ToLower(name)] {
			errs = append(errs, fmt.Errorf("llm.providers: unknown provider %q", name))
		}
	}
	if c.LLM.MaxTokens < 0 {
		errs = append(errs, errors.New("llm.max_tokens must be >= 0"))
	}

	if c.Tools.MaxConcurrency < 0 {
		errs = append(errs, errors.New("tools.max_concurrency must be >= 0"))
	}
	if c.Tools.Exec.Timeout < 0 || c.Tools.Fetch.Timeout < 0 {
		errs = append(errs, errors.New("tools timeouts must be >= 0"))
	}
	if c.Tools.Exec.Shell != "" {
		if _, err := exec.ValidateShell(c.Tools.Exec.Shell); err != nil {
			errs = append(errs, fmt.Errorf("tools.exec.shell: %w", err))
		}
	}
	for _, name := range c.Tools.Enabled {
		if !isBuiltinTool(name) {
			errs = append(errs, fmt.Errorf("tools.enabled: unknown tool %q", name))
		}
	}

	if c.Session.MaxIterations < 0 {
		errs = append(errs, errors.New("session.max_iterations must be >= 0"))
	}
	if c.Session.Retry.MaxAttempts < 0 {
		errs = append(errs, errors.New("session.retry.max_attempts must be >= 0"))
	}
	if c.Session.Retry.Jitter < 0 || c.Session.Retry.Jitter > 1 {
		errs = append(errs, errors.New("session.retry.jitter must be between 0 and 1"))
	}

	switch c.Storage.Driver {
	case "memory", "":
	case "sqlite", "postgres":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			errs = append(errs, fmt.Errorf("storage.dsn is required for driver %q", c.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not one of memory, sqlite or postgres", c.Storage.Driver))
	}
	if c.Storage.Retention < 0 {
		errs = append(errs, errors.New("storage.retention must be >= 0"))
	}
	if c.Storage.PruneSchedule != "" {
		if _, err := scheduleParser.Parse(c.Storage.PruneSchedule); err != nil {
			errs = append(errs, fmt.Errorf("storage.prune_schedule: %w", err))
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is invalid", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be text or json", c.Logging.Format))
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, errors.New("tracing.sample_rate must be between 0 and 1"))
	}

	return errors.Join(errs...)
}

// BuiltinTools lists the tool names steward can register.
var BuiltinTools = []string{"read_file", "list_dir", "write_file", "edit_file", "delete_file", "exec", "web_fetch"}

func isBuiltinTool(name string) bool {
	for _, known := range BuiltinTools {
		if known == name {
			return true
		}
	}
	return false
}

// ToolEnabled reports whether name should be registered.
func (c ToolsConfig) ToolEnabled(name string) bool {
	if len(c.Enabled) == 0 {
		return true
	}
	for _, enabled := range c.Enabled {
		if enabled == name {
			return true
		}
	}
	return false
}

// Provider returns the settings of the default provider.
func (c LLMConfig) Provider() (string, LLMProviderConfig) {
	name := strings.ToLower(strings.TrimSpace(c.DefaultProvider))
	for key, cfg := range c.Providers {
		if strings.ToLower(key) == name {
			return name, cfg
		}
	}
	return name, LLMProviderConfig{}
}

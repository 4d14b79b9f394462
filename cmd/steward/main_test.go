package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"chat", "run", "tools", "history", "prune", "migrate", "config", "version"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}

	for _, flag := range []string{"config", "record", "replay", "trace"} {
		if cmd.PersistentFlags().Lookup(flag) == nil {
			t.Errorf("expected persistent flag --%s", flag)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	if !strings.Contains(out, "steward "+version) || !strings.Contains(out, "go:") {
		t.Errorf("version output = %q", out)
	}
}

func TestConfigCommands(t *testing.T) {
	out, err := execute(t, "config", "schema")
	if err != nil {
		t.Fatalf("config schema error = %v", err)
	}
	if !strings.Contains(out, `"approval"`) {
		t.Errorf("schema output missing approval section")
	}

	path := writeFile(t, t.TempDir(), "steward.yaml", "version: 1\nllm:\n  default_provider: openai\n")
	out, err = execute(t, "config", "validate", path)
	if err != nil {
		t.Fatalf("config validate error = %v", err)
	}
	if !strings.Contains(out, "provider openai") || !strings.Contains(out, "storage memory") {
		t.Errorf("validate output = %q", out)
	}

	bad := writeFile(t, t.TempDir(), "bad.yaml", "version: 1\nstorage:\n  driver: mysql\n")
	if _, err := execute(t, "config", "validate", bad); err == nil || !strings.Contains(err.Error(), "storage.driver") {
		t.Errorf("invalid config error = %v", err)
	}
}

func TestToolsCommand(t *testing.T) {
	path := writeFile(t, t.TempDir(), "steward.yaml", "version: 1\ntools:\n  enabled: [read_file, exec]\n")

	out, err := execute(t, "--config", path, "tools")
	if err != nil {
		t.Fatalf("tools error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("tools output = %q", out)
	}
	if !strings.HasPrefix(lines[1], "exec") || !strings.Contains(lines[1], "required") {
		t.Errorf("tools output = %q", out)
	}
	if !strings.HasPrefix(lines[2], "read_file") || strings.Contains(lines[2], "required") {
		t.Errorf("tools output = %q", out)
	}

	out, err = execute(t, "--config", path, "tools", "--json")
	if err != nil {
		t.Fatalf("tools --json error = %v", err)
	}
	if !strings.Contains(out, `"destructive": true`) || !strings.Contains(out, `"schema"`) {
		t.Errorf("tools --json output = %q", out)
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("STEWARD_CONFIG", "")
	t.Chdir(t.TempDir())

	if got := resolveConfigPath(""); got != "" {
		t.Errorf("resolveConfigPath() = %q, want empty without a default file", got)
	}
	if got := resolveConfigPath(" custom.yaml "); got != "custom.yaml" {
		t.Errorf("resolveConfigPath(custom) = %q", got)
	}

	t.Setenv("STEWARD_CONFIG", "env.yaml")
	if got := resolveConfigPath(""); got != "env.yaml" {
		t.Errorf("resolveConfigPath() = %q, want STEWARD_CONFIG", got)
	}

	t.Setenv("STEWARD_CONFIG", "")
	writeFile(t, ".", defaultConfigFile, "version: 1\n")
	if got := resolveConfigPath(""); got != defaultConfigFile {
		t.Errorf("resolveConfigPath() = %q, want %s", got, defaultConfigFile)
	}
}

// execute runs the root command with args and returns its standard output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

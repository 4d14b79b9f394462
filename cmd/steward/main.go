// Package main provides the steward command line.
//
// steward runs an interactive agent loop in the terminal: free text goes to
// the configured model, tool calls the model makes run locally, and
// destructive calls wait for an explicit approval.
//
// # Basic Usage
//
// Start an interactive session:
//
//	steward chat --config steward.yaml
//
// Run one prompt without a terminal:
//
//	steward run --prompt "summarize README.md"
//
// Inspect stored transcripts:
//
//	steward history
//	steward history <session-id>
//
// # Environment Variables
//
//   - STEWARD_CONFIG: path to the configuration file (default: steward.yaml)
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY: used when the
//     configuration does not set llm.providers.<name>.api_key
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// globalFlags are the persistent flags shared by every subcommand.
type globalFlags struct {
	configPath string
	recordPath string
	replayPath string
	tracePath  string
}

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "steward",
		Short: "steward - an interactive agent loop with approved tool use",
		Long: `steward sends your messages to an LLM and runs the tools it asks for.

Read-only tools run immediately. Tools that change files or run commands
ask for approval first.

Supported LLM providers: Anthropic, OpenAI, Google Gemini
Built-in tools: read_file, list_dir, write_file, edit_file, delete_file, exec, web_fetch`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "Path to YAML or JSON5 config file (or set STEWARD_CONFIG)")
	pf.StringVar(&flags.recordPath, "record", "", "Record model calls to a tape file")
	pf.StringVar(&flags.replayPath, "replay", "", "Replay model calls from a tape file instead of calling the provider")
	pf.StringVar(&flags.tracePath, "trace", "", "Write the transcript as JSONL to this file")

	rootCmd.AddCommand(
		buildChatCmd(flags),
		buildRunCmd(flags),
		buildToolsCmd(flags),
		buildHistoryCmd(flags),
		buildPruneCmd(flags),
		buildMigrateCmd(flags),
		buildConfigCmd(flags),
		buildVersionCmd(),
	)

	return rootCmd
}

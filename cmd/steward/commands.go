package main

import (
	"fmt"
	goruntime "runtime"

	"github.com/spf13/cobra"
)

// =============================================================================
// Command Builders
// =============================================================================

func buildChatCmd(flags *globalFlags) *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive session",
		Long: `Start an interactive session in the terminal.

Type a message to send it to the model. Lines starting with / are commands:
/run <tool> [json] runs a tool directly, /cancel stops the current turn,
/tools, /history and /help describe the session, /quit leaves.

Destructive tool calls ask for approval:
  y  approve once
  n  deny
  a  approve this tool for the rest of the session
  f  deny and tell the model why`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, flags, sessionID)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Resume a stored session, or start one with this id")
	return cmd
}

func buildRunCmd(flags *globalFlags) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run one turn without a terminal",
		Long: `Run one turn and exit.

With --prompt (or a positional prompt) the text is sent to the model. With
--tool the named tool runs directly with --args as its JSON arguments.

Nobody is asked for approval: destructive calls are denied unless
approval.auto_approve is set in the configuration.`,
		Example: `  steward run --prompt "what is in this directory?"
  steward run --tool read_file --args '{"path":"go.mod"}'
  steward run --json -p "list the files" | jq .`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd, flags, opts, args)
		},
	}
	cmd.Flags().StringVarP(&opts.prompt, "prompt", "p", "", "Message to send to the model")
	cmd.Flags().StringVar(&opts.tool, "tool", "", "Run this tool directly instead of calling the model")
	cmd.Flags().StringVar(&opts.args, "args", "", "JSON arguments for --tool")
	cmd.Flags().BoolVar(&opts.json, "json", false, "Print the response stream as JSON lines")
	cmd.Flags().StringVar(&opts.sessionID, "session", "", "Continue a stored session")
	return cmd
}

func buildToolsCmd(flags *globalFlags) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools available to the model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTools(cmd, flags, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print descriptors with their argument schemas as JSON")
	return cmd
}

func buildHistoryCmd(flags *globalFlags) *cobra.Command {
	var (
		limit     int
		offset    int
		tracePath string
	)

	cmd := &cobra.Command{
		Use:   "history [session-id]",
		Short: "List stored sessions or print one transcript",
		Long: `Without arguments, list stored sessions, most recent first.
With a session id, print its turns and events.
With --file, read a transcript written by --trace instead of the store.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if tracePath != "" {
				return runHistoryTrace(cmd, tracePath)
			}
			if len(args) == 1 {
				return runHistoryShow(cmd, flags, args[0])
			}
			return runHistoryList(cmd, flags, limit, offset)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum sessions to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "Sessions to skip")
	cmd.Flags().StringVar(&tracePath, "file", "", "Read a JSONL transcript file")
	return cmd
}

func buildPruneCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete transcripts and decided approvals older than storage.retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrune(cmd, flags)
		},
	}
}

func buildMigrateCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the storage schema",
		Long: `Inspect and change the schema of sqlite or postgres storage.

Pending migrations are applied automatically whenever steward opens durable
storage. Use these commands to check what is applied or to roll back.`,
	}

	var downSteps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Revert the most recent migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateDown(cmd, flags, downSteps)
		},
	}
	down.Flags().IntVar(&downSteps, "steps", 1, "Number of migrations to revert")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runMigrateUp(cmd, flags)
			},
		},
		down,
		&cobra.Command{
			Use:   "status",
			Short: "List applied and pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runMigrateStatus(cmd, flags)
			},
		},
	)
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "steward %s\n", version)
			fmt.Fprintf(out, "  commit: %s\n", commit)
			fmt.Fprintf(out, "  built:  %s\n", date)
			fmt.Fprintf(out, "  go:     %s\n", goruntime.Version())
		},
	}
}

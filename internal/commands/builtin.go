package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/haasonsaas/steward/internal/agent"
)

// defaultHistory is how many turns /history shows without an argument.
const defaultHistory = 10

// RegisterBuiltins registers the built-in commands.
func RegisterBuiltins(r *Registry) {
	mustRegister := func(cmd *Command) {
		if err := r.Register(cmd); err != nil {
			panic(fmt.Sprintf("failed to register builtin command %q: %v", cmd.Name, err))
		}
	}

	mustRegister(&Command{
		Name:        "help",
		Aliases:     []string{"h"},
		Description: "Show available commands",
		Usage:       "/help [command]",
		AcceptsArgs: true,
		Category:    "system",
		Handler:     helpHandler(r),
	})

	mustRegister(&Command{
		Name:        "tools",
		Description: "List the tools the model can call",
		Category:    "tools",
		Handler:     toolsHandler,
	})

	mustRegister(&Command{
		Name:        "run",
		Description: "Run a tool directly, without asking the model",
		Usage:       "/run <tool> [json arguments]",
		AcceptsArgs: true,
		IdleOnly:    true,
		Category:    "tools",
		Handler:     runHandler,
	})

	mustRegister(&Command{
		Name:        "cancel",
		Aliases:     []string{"stop", "abort"},
		Description: "Cancel the turn in progress",
		Category:    "control",
		Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
			if !inv.State.Busy {
				return &Result{Text: "No active turn to cancel."}, nil
			}
			return &Result{
				Text:   "Cancelling...",
				Action: &agent.Action{Kind: agent.ActionCancel},
			}, nil
		},
	})

	mustRegister(&Command{
		Name:        "history",
		Description: "Show recent turns in this session",
		Usage:       "/history [count]",
		AcceptsArgs: true,
		Category:    "session",
		Handler:     historyHandler,
	})

	mustRegister(&Command{
		Name:        "quit",
		Aliases:     []string{"exit", "q"},
		Description: "Leave the session",
		Category:    "system",
		Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
			return &Result{Quit: true}, nil
		},
	})
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func helpHandler(r *Registry) CommandHandler {
	return func(ctx context.Context, inv *Invocation) (*Result, error) {
		if inv.Args != "" {
			cmd, exists := r.Get(inv.Args)
			if !exists {
				return &Result{
					Error: fmt.Sprintf("Unknown command: %s\n\nUse /help to see available commands.", inv.Args),
				}, nil
			}

			var sb strings.Builder
			fmt.Fprintf(&sb, "/%s\n", cmd.Name)
			if cmd.Description != "" {
				fmt.Fprintf(&sb, "%s\n", cmd.Description)
			}
			if cmd.Usage != "" {
				fmt.Fprintf(&sb, "\nUsage: %s\n", cmd.Usage)
			}
			if len(cmd.Aliases) > 0 {
				aliases := make([]string, len(cmd.Aliases))
				for i, a := range cmd.Aliases {
					aliases[i] = "/" + a
				}
				fmt.Fprintf(&sb, "\nAliases: %s\n", strings.Join(aliases, ", "))
			}
			return &Result{Text: sb.String()}, nil
		}

		var sb strings.Builder
		sb.WriteString("Available commands\n")
		for _, category := range r.Categories() {
			fmt.Fprintf(&sb, "\n%s\n", titleCase(category.Name))
			for _, cmd := range category.Commands {
				desc := cmd.Description
				if desc == "" {
					desc = "No description"
				}
				fmt.Fprintf(&sb, "  /%-10s %s\n", cmd.Name, desc)
			}
		}
		sb.WriteString("\nAnything else is sent to the model.\n")
		return &Result{Text: sb.String()}, nil
	}
}

func toolsHandler(ctx context.Context, inv *Invocation) (*Result, error) {
	if len(inv.State.Tools) == 0 {
		return &Result{Text: "No tools are registered."}, nil
	}

	tools := append([]agent.ToolDescriptor(nil), inv.State.Tools...)
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })

	var sb strings.Builder
	for _, tool := range tools {
		marker := " "
		if tool.Destructive {
			marker = "!"
		}
		fmt.Fprintf(&sb, "%s %-12s %s\n", marker, tool.Name, firstLine(tool.Description))
	}
	sb.WriteString("\n! asks for approval before running.\n")
	return &Result{Text: sb.String()}, nil
}

// runHandler turns "/run <tool> [json]" into a run_tool action. Arguments
// are passed through unparsed; the session reports malformed JSON as a
// failed call so it lands in the transcript like a model-issued one.
func runHandler(ctx context.Context, inv *Invocation) (*Result, error) {
	name, rest := SplitCommandArgs(inv.Args)
	if name == "" {
		return &Result{Error: "Usage: /run <tool> [json arguments]"}, nil
	}
	args := json.RawMessage(`{}`)
	if rest != "" {
		args = json.RawMessage(rest)
	}
	return &Result{
		Action: &agent.Action{
			Kind:      agent.ActionRunTool,
			ToolName:  name,
			Arguments: args,
		},
	}, nil
}

func historyHandler(ctx context.Context, inv *Invocation) (*Result, error) {
	limit := defaultHistory
	if arg := strings.TrimSpace(inv.Args); arg != "" {
		n, err := strconv.Atoi(arg)
		if err != nil || n <= 0 {
			return &Result{Error: fmt.Sprintf("Invalid count %q. Usage: /history [count]", arg)}, nil
		}
		limit = n
	}

	turns := inv.State.Turns
	if len(turns) == 0 {
		return &Result{Text: "No turns yet."}, nil
	}
	start := 0
	if len(turns) > limit {
		start = len(turns) - limit
	}

	var sb strings.Builder
	for i, turn := range turns[start:] {
		line := fmt.Sprintf("%3d. %s  %-7s %-9s %d events",
			start+i+1, shortID(turn.ID), turn.Kind, turn.Status(), len(turn.Events()))
		if err := turn.Err(); err != nil {
			line += "  (" + firstLine(err.Error()) + ")"
		}
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	return &Result{Text: sb.String()}, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

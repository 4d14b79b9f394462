package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/haasonsaas/steward/internal/agent"
	"github.com/haasonsaas/steward/internal/sessions"
	"github.com/haasonsaas/steward/internal/tools"
	"github.com/haasonsaas/steward/internal/tools/builtin"
	"github.com/haasonsaas/steward/pkg/models"
)

// =============================================================================
// Session Command Handlers
// =============================================================================

func runChat(cmd *cobra.Command, flags *globalFlags, sessionID string) (err error) {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
	defer stop()

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	approver := newTerminalApprover()
	a, err := newApp(ctx, appOptions{
		Flags:       flags,
		SessionID:   sessionID,
		Approver:    approver,
		UIAvailable: func() bool { return interactive },
		Watch:       true,
	})
	if err != nil {
		return err
	}
	defer closeApp(a, &err)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "steward %s · session %s · %d tools · /help for commands\n",
		version, a.session.ID(), a.registry.Len())
	if n := len(a.session.Turns()); n > 0 {
		fmt.Fprintf(out, "Resumed %d earlier turns.\n", n)
	}
	if !interactive {
		fmt.Fprintln(out, "Input is not a terminal: tool calls that need approval will be denied.")
	}

	r := newREPL(a.session, approver, out, terminalWidth())
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)
	r.interrupts = interrupts

	return r.run(ctx, readLines(cmd.InOrStdin()))
}

func terminalWidth() int {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return 0
	}
	width, _, err := term.GetSize(fd)
	if err != nil {
		return 0
	}
	return width
}

// runOptions are the flags of the run command.
type runOptions struct {
	prompt    string
	tool      string
	args      string
	json      bool
	sessionID string
}

// errTurnCancelled is returned by run when the turn was interrupted.
var errTurnCancelled = errors.New("turn cancelled")

func runOnce(cmd *cobra.Command, flags *globalFlags, opts runOptions, args []string) (err error) {
	prompt := strings.TrimSpace(opts.prompt)
	if prompt == "" && len(args) > 0 {
		prompt = strings.TrimSpace(strings.Join(args, " "))
	}
	switch {
	case opts.tool != "" && prompt != "":
		return errors.New("--tool cannot be combined with a prompt")
	case opts.tool == "" && prompt == "":
		return errors.New("a prompt or --tool is required")
	case opts.tool == "" && opts.args != "":
		return errors.New("--args requires --tool")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, appOptions{Flags: flags, SessionID: opts.sessionID})
	if err != nil {
		return err
	}
	defer closeApp(a, &err)
	a.approvals.SetApprover(agent.PolicyApprover{Approve: a.cfg.Approval.AutoApprove})

	action := agent.Action{Kind: agent.ActionMessage, Text: prompt}
	if opts.tool != "" {
		action = agent.Action{Kind: agent.ActionRunTool, ToolName: opts.tool}
		if opts.args != "" {
			action.Arguments = json.RawMessage(opts.args)
		}
	}

	chunks, err := a.session.SubmitAction(ctx, action)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	var result turnResult
	if opts.json {
		result, err = streamJSON(out, chunks)
		if err != nil {
			return err
		}
	} else {
		render := newRenderer(out, 0)
		for c := range chunks {
			render.Chunk(c)
			result.observe(c)
		}
	}

	if a.replayer != nil {
		for _, m := range a.replayer.Mismatches() {
			a.logger.Warn("replayed request differs from the recording",
				"call", m.CallIndex, "field", m.Field, "expected", m.Expected, "actual", m.Actual)
		}
	}

	switch result.status {
	case agent.TurnCancelled:
		return errTurnCancelled
	case agent.TurnFailed:
		if result.err == nil {
			return errors.New("turn failed")
		}
		return fmt.Errorf("turn failed: %w", result.err)
	}
	return nil
}

// turnResult is the terminal state seen on a response stream.
type turnResult struct {
	status agent.TurnStatus
	err    error
}

func (r *turnResult) observe(c *agent.ResponseChunk) {
	if c.Status.Terminal() {
		r.status, r.err = c.Status, c.Error
	}
}

// jsonChunk is the JSON line form of a response chunk.
type jsonChunk struct {
	*agent.ResponseChunk
	Error string `json:"error,omitempty"`
}

// streamJSON writes one JSON line per chunk. The stream is drained even
// after a write error.
func streamJSON(out io.Writer, chunks <-chan *agent.ResponseChunk) (turnResult, error) {
	enc := json.NewEncoder(out)
	var result turnResult
	var writeErr error
	for c := range chunks {
		result.observe(c)
		if writeErr != nil {
			continue
		}
		line := jsonChunk{ResponseChunk: c}
		if c.Error != nil {
			line.Error = c.Error.Error()
		}
		writeErr = enc.Encode(line)
	}
	return result, writeErr
}

func closeApp(a *app, errp *error) {
	if cerr := a.Close(); cerr != nil && *errp == nil {
		*errp = cerr
	}
}

// =============================================================================
// Inspection Command Handlers
// =============================================================================

func runTools(cmd *cobra.Command, flags *globalFlags, asJSON bool) error {
	cfg, err := loadConfig(resolveConfigPath(flags.configPath))
	if err != nil {
		return err
	}
	registry, err := builtin.Registry(cfg.Tools)
	if err != nil {
		return err
	}
	descriptors := registry.Descriptors()

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(descriptors)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tAPPROVAL\tDESCRIPTION")
	for _, desc := range descriptors {
		approval := "-"
		if desc.Destructive {
			approval = "required"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", desc.Name, approval, firstLine(desc.Description))
	}
	return w.Flush()
}

func openStorage(cmd *cobra.Command, flags *globalFlags) (*sessions.Backend, error) {
	cfg, err := loadConfig(resolveConfigPath(flags.configPath))
	if err != nil {
		return nil, err
	}
	if storageDriver(cfg) == "memory" {
		return nil, errors.New("storage.driver is memory: nothing is kept between runs (configure sqlite or postgres)")
	}
	return sessions.Open(cmd.Context(), cfg.Storage)
}

func runHistoryList(cmd *cobra.Command, flags *globalFlags, limit, offset int) error {
	backend, err := openStorage(cmd, flags)
	if err != nil {
		return err
	}
	defer backend.Close()

	summaries, err := backend.Transcripts.ListSessions(cmd.Context(), sessions.ListOptions{Limit: limit, Offset: offset})
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	if len(summaries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No sessions found.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTURNS\tSTARTED\tUPDATED")
	for _, s := range summaries {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", s.ID, s.Turns,
			s.StartedAt.Local().Format(time.RFC3339), s.UpdatedAt.Local().Format(time.RFC3339))
	}
	return w.Flush()
}

func runHistoryShow(cmd *cobra.Command, flags *globalFlags, sessionID string) error {
	backend, err := openStorage(cmd, flags)
	if err != nil {
		return err
	}
	defer backend.Close()

	records, events, err := backend.Transcripts.LoadSession(cmd.Context(), sessionID)
	if errors.Is(err, sessions.ErrSessionNotFound) {
		return fmt.Errorf("session %s not found", sessionID)
	}
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	printTranscript(cmd.OutOrStdout(), records, events)
	return nil
}

func runHistoryTrace(cmd *cobra.Command, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	reader, err := agent.NewTraceReader(f)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	records, events, err := reader.ReadAll()
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	out := cmd.OutOrStdout()
	if h := reader.Header(); h != nil {
		fmt.Fprintf(out, "session %s (started %s)\n\n", h.SessionID, h.StartedAt.Local().Format(time.RFC3339))
	}
	printTranscript(out, records, events)
	for _, problem := range agent.ValidateTrace(records, events) {
		fmt.Fprintf(out, "warning: %s\n", problem)
	}
	return nil
}

const maxHistoryText = 200

// printTranscript writes turns in order, each followed by its events.
func printTranscript(out io.Writer, records []models.TurnRecord, events []models.Event) {
	byTurn := make(map[string][]models.Event, len(records))
	for _, ev := range events {
		byTurn[ev.TurnID] = append(byTurn[ev.TurnID], ev)
	}

	for i, rec := range records {
		if i > 0 {
			fmt.Fprintln(out)
		}
		header := fmt.Sprintf("turn %s  %s  %s  %s", rec.ID, rec.Kind, rec.Status, rec.StartedAt.Local().Format(time.RFC3339))
		if !rec.EndedAt.IsZero() {
			header += fmt.Sprintf("  (%s)", rec.EndedAt.Sub(rec.StartedAt).Round(time.Millisecond))
		}
		fmt.Fprintln(out, header)
		if rec.Error != "" {
			fmt.Fprintf(out, "  error: %s\n", firstLine(rec.Error))
		}
		for _, ev := range byTurn[rec.ID] {
			fmt.Fprintf(out, "  %s\n", describeEvent(ev))
		}
	}
}

func describeEvent(ev models.Event) string {
	clip := func(s string) string {
		s = strings.Join(strings.Fields(s), " ")
		if cut, truncated := tools.Truncate(s, maxHistoryText); truncated {
			return cut + "…"
		}
		return s
	}

	switch ev.Kind {
	case models.EventUserMessage:
		return "user: " + clip(ev.Text)
	case models.EventModelText:
		return "model: " + clip(ev.Text)
	case models.EventToolCallRequest:
		origin := ""
		if ev.ToolCall.Origin == models.OriginUser {
			origin = " (user)"
		}
		return fmt.Sprintf("call %s%s: %s", ev.ToolCall.ID, origin, tools.Summarize(ev.ToolCall.Name, ev.ToolCall.Input))
	case models.EventToolCallResult:
		return fmt.Sprintf("result %s: %s", ev.Result.ToolCallID, clip(ev.Result.Content))
	case models.EventToolCallError:
		return fmt.Sprintf("error %s [%s]: %s", ev.Result.ToolCallID, ev.ErrorKind, clip(ev.Result.Content))
	case models.EventCancelled:
		if ev.Text == "" {
			return "cancelled"
		}
		return "cancelled: " + clip(ev.Text)
	}
	return string(ev.Kind)
}

func runPrune(cmd *cobra.Command, flags *globalFlags) error {
	cfg, err := loadConfig(resolveConfigPath(flags.configPath))
	if err != nil {
		return err
	}
	if cfg.Storage.Retention <= 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "storage.retention is 0: nothing to prune.")
		return nil
	}
	backend, err := sessions.Open(cmd.Context(), cfg.Storage)
	if err != nil {
		return err
	}
	defer backend.Close()

	pruner := sessions.NewPruner(backend.Transcripts, backend.Approvals, cfg.Storage.Retention, nil)
	turns, approvals, err := pruner.RunOnce(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d turns and %d approval records older than %s.\n",
		turns, approvals, cfg.Storage.Retention)
	return nil
}

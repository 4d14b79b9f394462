package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/haasonsaas/steward/internal/agent"
	"github.com/haasonsaas/steward/internal/commands"
)

const replPrompt = "› "

// repl is the interactive loop. It is the only reader of input lines: slash
// commands, messages and approval answers all arrive through it, even while
// a turn is streaming.
type repl struct {
	session  *agent.Session
	commands *commands.Registry
	parser   *commands.Parser
	approver *terminalApprover
	out      io.Writer
	render   *renderer

	// interrupts cancels the open turn, or ends the loop when idle.
	interrupts <-chan os.Signal
}

func newREPL(session *agent.Session, approver *terminalApprover, out io.Writer, width int) *repl {
	registry := commands.NewRegistry(nil)
	commands.RegisterBuiltins(registry)
	return &repl{
		session:  session,
		commands: registry,
		parser:   commands.NewParser(),
		approver: approver,
		out:      out,
		render:   newRenderer(out, width),
	}
}

// readLines scans r in a goroutine. The channel is closed at EOF.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

// state snapshots the session for command handlers. busy covers the window
// between a turn's terminal chunk and the close of its stream.
func (r *repl) state(busy bool) commands.SessionState {
	return commands.SessionState{
		SessionID: r.session.ID(),
		Tools:     r.session.Registry().Descriptors(),
		Turns:     r.session.Turns(),
		Busy:      busy || r.session.InFlight(),
	}
}

// run processes lines until /quit, end of input, an idle interrupt or ctx
// cancellation. An open turn is cancelled and drained before returning.
func (r *repl) run(ctx context.Context, lines <-chan string) error {
	var (
		chunks       <-chan *agent.ResponseChunk
		pending      *approvalPrompt
		wantFeedback bool
		prompts      <-chan *approvalPrompt
		showPrompt   = true
	)
	if r.approver != nil {
		prompts = r.approver.prompts
	}

	drain := func() {
		if chunks == nil {
			return
		}
		r.session.Cancel()
		for c := range chunks {
			r.render.Chunk(c)
		}
	}

	for {
		if showPrompt && chunks == nil {
			fmt.Fprint(r.out, replPrompt)
			showPrompt = false
		}

		select {
		case <-ctx.Done():
			drain()
			return nil

		case <-r.interrupts:
			if chunks == nil {
				fmt.Fprintln(r.out)
				return nil
			}
			r.session.Cancel()

		case p := <-prompts:
			pending, wantFeedback = p, false
			fmt.Fprint(r.out, "\n"+approvalQuestion(p.req))

		case c, ok := <-chunks:
			if !ok {
				chunks = nil
				showPrompt = true
				continue
			}
			r.render.Chunk(c)
			if c.Status.Terminal() && pending != nil {
				pending = nil
			}

		case line, ok := <-lines:
			if !ok {
				fmt.Fprintln(r.out)
				drain()
				return nil
			}

			if pending != nil {
				if pending.ctx.Err() != nil {
					pending = nil
				} else {
					r.answerPrompt(&pending, &wantFeedback, line)
					continue
				}
			}

			next, quit, err := r.handleLine(ctx, line, chunks != nil)
			if err != nil {
				fmt.Fprintf(r.out, "error: %v\n", err)
			}
			if quit {
				drain()
				return nil
			}
			if next != nil {
				chunks = next
			}
			showPrompt = true
		}
	}
}

func (r *repl) answerPrompt(pending **approvalPrompt, wantFeedback *bool, line string) {
	p := *pending
	if *wantFeedback {
		p.answer(feedbackDecision(line))
		*pending, *wantFeedback = nil, false
		return
	}

	decision, kind := parseApprovalAnswer(line)
	switch kind {
	case answerDecided:
		p.answer(decision)
		*pending = nil
	case answerNeedsFeedback:
		*wantFeedback = true
		fmt.Fprint(r.out, "Feedback for the model: ")
	default:
		fmt.Fprint(r.out, "Please answer y, n, a or f: ")
	}
}

// handleLine routes one line. It returns the stream of a newly opened turn.
func (r *repl) handleLine(ctx context.Context, line string, busy bool) (<-chan *agent.ResponseChunk, bool, error) {
	result, handled, err := r.commands.Dispatch(ctx, r.parser, line, r.state(busy))
	if err != nil {
		return nil, false, err
	}

	if !handled {
		if strings.TrimSpace(line) == "" {
			return nil, false, nil
		}
		if busy {
			fmt.Fprintln(r.out, "A turn is in progress. Use /cancel to stop it.")
			return nil, false, nil
		}
		chunks, err := r.session.SubmitAction(ctx, agent.Action{Kind: agent.ActionMessage, Text: line})
		return chunks, false, err
	}

	if result.Error != "" {
		fmt.Fprintln(r.out, result.Error)
	}
	if result.Text != "" {
		fmt.Fprint(r.out, result.Text)
		if result.Text[len(result.Text)-1] != '\n' {
			fmt.Fprintln(r.out)
		}
	}
	if result.Quit {
		return nil, true, nil
	}
	if result.Action == nil {
		return nil, false, nil
	}
	chunks, err := r.session.SubmitAction(ctx, *result.Action)
	return chunks, false, err
}

package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/steward/internal/agent"
	"github.com/haasonsaas/steward/internal/tools"
)

// approvalPrompt is an approval request handed to the REPL, which owns the
// terminal. The answer goes back on reply.
type approvalPrompt struct {
	ctx   context.Context
	req   *agent.ApprovalRequest
	reply chan agent.ApprovalDecision
}

// answer delivers d unless the request was abandoned.
func (p *approvalPrompt) answer(d agent.ApprovalDecision) {
	select {
	case p.reply <- d:
	case <-p.ctx.Done():
	}
}

// terminalApprover forwards requests to the REPL loop. It never reads the
// terminal itself, so a prompt cannot race the line reader.
type terminalApprover struct {
	prompts chan *approvalPrompt
}

func newTerminalApprover() *terminalApprover {
	return &terminalApprover{prompts: make(chan *approvalPrompt)}
}

// RequestApproval implements agent.Approver.
func (a *terminalApprover) RequestApproval(ctx context.Context, req *agent.ApprovalRequest) (agent.ApprovalDecision, error) {
	p := &approvalPrompt{ctx: ctx, req: req, reply: make(chan agent.ApprovalDecision, 1)}
	select {
	case a.prompts <- p:
	case <-ctx.Done():
		return agent.ApprovalDecision{}, ctx.Err()
	}
	select {
	case d := <-p.reply:
		return d, nil
	case <-ctx.Done():
		return agent.ApprovalDecision{}, ctx.Err()
	}
}

// approvalQuestion renders the prompt shown for req.
func approvalQuestion(req *agent.ApprovalRequest) string {
	var sb strings.Builder
	summary := tools.Summarize(req.ToolCall.Name, req.ToolCall.Input)
	if !req.KnownTool {
		fmt.Fprintf(&sb, "⚠ unknown tool %q requested\n", req.ToolCall.Name)
	}
	fmt.Fprintf(&sb, "Allow %s?\n", summary)
	if req.Rationale != "" {
		fmt.Fprintf(&sb, "  %s\n", req.Rationale)
	}
	if args := compactInput(req); args != "" {
		fmt.Fprintf(&sb, "  args: %s\n", args)
	}
	sb.WriteString("[y]es / [n]o / [a]lways this session / [f]eedback: ")
	return sb.String()
}

const maxPromptArgs = 400

func compactInput(req *agent.ApprovalRequest) string {
	args := strings.TrimSpace(string(req.ToolCall.Input))
	if args == "" || args == "{}" {
		return ""
	}
	if cut, truncated := tools.Truncate(args, maxPromptArgs); truncated {
		return cut + "…"
	}
	return args
}

// answerKind is the parsed form of a reply to an approval prompt.
type answerKind int

const (
	answerInvalid answerKind = iota
	answerDecided
	// answerNeedsFeedback means "f" was typed alone; the next line is the feedback.
	answerNeedsFeedback
)

// parseApprovalAnswer interprets one line typed at an approval prompt.
// An empty line denies.
func parseApprovalAnswer(line string) (agent.ApprovalDecision, answerKind) {
	text := strings.TrimSpace(line)
	head, rest := text, ""
	if idx := strings.IndexAny(text, " \t"); idx >= 0 {
		head, rest = text[:idx], strings.TrimSpace(text[idx+1:])
	}

	decided := func(d agent.ApprovalDecision) (agent.ApprovalDecision, answerKind) {
		d.DecidedBy = "user"
		return d, answerDecided
	}

	switch strings.ToLower(head) {
	case "y", "yes":
		return decided(agent.ApprovalDecision{State: agent.ApprovalApproved})
	case "a", "always":
		return decided(agent.ApprovalDecision{State: agent.ApprovalApproved, Remember: agent.RememberTool})
	case "", "n", "no":
		return decided(agent.ApprovalDecision{State: agent.ApprovalDenied})
	case "f", "feedback":
		if rest == "" {
			return agent.ApprovalDecision{}, answerNeedsFeedback
		}
		return feedbackDecision(rest), answerDecided
	}
	return agent.ApprovalDecision{}, answerInvalid
}

func feedbackDecision(text string) agent.ApprovalDecision {
	text = strings.TrimSpace(text)
	if text == "" {
		return agent.ApprovalDecision{State: agent.ApprovalDenied, DecidedBy: "user"}
	}
	return agent.ApprovalDecision{
		State:     agent.ApprovalDeniedWithFeedback,
		Feedback:  text,
		DecidedBy: "user",
	}
}

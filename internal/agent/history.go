package agent

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/steward/pkg/models"
)

// invalidToolName stands in for a missing name when a malformed call is
// replayed to the model; backends reject empty function names.
const invalidToolName = "invalid_tool_call"

const cancelledNote = "(The previous request was cancelled by the user.)"

// ProjectHistory converts turns into the message shape model backends expect.
//
// Model-issued calls and their results become assistant tool calls followed
// by a tool message. User-issued actions are rendered as user text so every
// backend accepts them. Consecutive user text is merged.
func ProjectHistory(turns []*Turn) []CompletionMessage {
	var p projector
	for _, turn := range turns {
		for _, ev := range turn.Events() {
			p.add(ev)
		}
	}
	return p.messages
}

type projector struct {
	messages  []CompletionMessage
	userCalls map[string]models.ToolCall
}

func (p *projector) last() *CompletionMessage {
	if len(p.messages) == 0 {
		return nil
	}
	return &p.messages[len(p.messages)-1]
}

func (p *projector) addUserText(text string) {
	if last := p.last(); last != nil && last.Role == models.RoleUser && len(last.ToolResults) == 0 {
		last.Content += "\n\n" + text
		return
	}
	p.messages = append(p.messages, CompletionMessage{Role: models.RoleUser, Content: text})
}

func (p *projector) add(ev models.Event) {
	switch ev.Kind {
	case models.EventUserMessage:
		p.addUserText(ev.Text)

	case models.EventModelText:
		p.messages = append(p.messages, CompletionMessage{Role: models.RoleAssistant, Content: ev.Text})

	case models.EventToolCallRequest:
		call := *ev.ToolCall
		if call.Origin == models.OriginUser {
			if p.userCalls == nil {
				p.userCalls = make(map[string]models.ToolCall)
			}
			p.userCalls[call.ID] = call
			return
		}
		if call.Name == "" {
			call.Name = invalidToolName
		}
		last := p.last()
		if last == nil || last.Role != models.RoleAssistant {
			p.messages = append(p.messages, CompletionMessage{Role: models.RoleAssistant})
			last = p.last()
		}
		last.ToolCalls = append(last.ToolCalls, call)

	case models.EventToolCallResult, models.EventToolCallError:
		result := *ev.Result
		if call, ok := p.userCalls[result.ToolCallID]; ok {
			p.addUserText(renderUserAction(call, ev))
			return
		}
		if ev.Kind == models.EventToolCallError {
			result.IsError = true
			result.Content = fmt.Sprintf("error (%s): %s", ev.ErrorKind, result.Content)
		}
		last := p.last()
		if last == nil || last.Role != models.RoleTool {
			p.messages = append(p.messages, CompletionMessage{Role: models.RoleTool})
			last = p.last()
		}
		last.ToolResults = append(last.ToolResults, result)

	case models.EventCancelled:
		p.addUserText(cancelledNote)
	}
}

func renderUserAction(call models.ToolCall, ev models.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[The user ran the %s tool directly with arguments %s.", call.Name, compactArgs(call.Input))
	if ev.Kind == models.EventToolCallError {
		fmt.Fprintf(&b, " It failed (%s): %s]", ev.ErrorKind, ev.Result.Content)
	} else {
		fmt.Fprintf(&b, " Output:\n%s]", ev.Result.Content)
	}
	return b.String()
}

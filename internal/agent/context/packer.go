// Package context picks the slice of history sent to the model.
//
// The newest messages are kept until a message count or character budget
// runs out. Long tool results are cut, and the window always opens on a user
// message so no tool result arrives without the call that asked for it.
package context

import (
	"slices"
	"unicode/utf8"

	"github.com/haasonsaas/steward/pkg/models"
)

const truncationMarker = "\n...[truncated]"

// PackOptions are the history budgets. Characters stand in for tokens at
// roughly four to one.
type PackOptions struct {
	MaxMessages        int `yaml:"max_messages" json:"max_messages"`
	MaxChars           int `yaml:"max_chars" json:"max_chars"`
	MaxToolResultChars int `yaml:"max_tool_result_chars" json:"max_tool_result_chars"`
}

func DefaultPackOptions() PackOptions {
	return PackOptions{MaxMessages: 60, MaxChars: 120000, MaxToolResultChars: 6000}
}

// Packer applies PackOptions to a history.
type Packer struct {
	opts PackOptions
}

// NewPacker fills zero or negative budgets from DefaultPackOptions.
func NewPacker(opts PackOptions) *Packer {
	def := DefaultPackOptions()
	orDefault := func(v, d int) int {
		if v <= 0 {
			return d
		}
		return v
	}
	return &Packer{opts: PackOptions{
		MaxMessages:        orDefault(opts.MaxMessages, def.MaxMessages),
		MaxChars:           orDefault(opts.MaxChars, def.MaxChars),
		MaxToolResultChars: orDefault(opts.MaxToolResultChars, def.MaxToolResultChars),
	}}
}

func (p *Packer) Options() PackOptions { return p.opts }

// Pack returns the window of history to send. The newest message is kept
// even when it alone exceeds MaxChars, and if the budget cuts off every user
// message the window reaches back to the nearest one instead. history is
// not modified.
func (p *Packer) Pack(history []models.Message) []models.Message {
	if len(history) == 0 {
		return nil
	}

	start := len(history) - 1
	used := p.size(history[start])
	for start > 0 {
		next := p.size(history[start-1])
		if len(history)-start+1 > p.opts.MaxMessages || used+next > p.opts.MaxChars {
			break
		}
		used += next
		start--
	}
	start = openOnUser(history, start)

	window := make([]models.Message, len(history)-start)
	for i, m := range history[start:] {
		window[i] = p.clip(m)
	}
	return window
}

// openOnUser moves start forward to the first user message in the window,
// or back to the last one before it when the window has none.
func openOnUser(history []models.Message, start int) int {
	isUser := func(m models.Message) bool { return m.Role == models.RoleUser }
	if i := slices.IndexFunc(history[start:], isUser); i >= 0 {
		return start + i
	}
	for i := start - 1; i >= 0; i-- {
		if isUser(history[i]) {
			return i
		}
	}
	return start
}

func (p *Packer) size(m models.Message) int {
	n := len(m.Content)
	for _, call := range m.ToolCalls {
		n += len(call.Name) + len(call.Input)
	}
	for _, res := range m.ToolResults {
		n += min(len(res.Content), p.opts.MaxToolResultChars)
	}
	return n
}

// clip returns m with oversized tool results cut on a rune boundary. The
// result slice is copied only when something changes.
func (p *Packer) clip(m models.Message) models.Message {
	limit := p.opts.MaxToolResultChars
	if !slices.ContainsFunc(m.ToolResults, func(r models.ToolResult) bool { return len(r.Content) > limit }) {
		return m
	}
	results := slices.Clone(m.ToolResults)
	for i := range results {
		content := results[i].Content
		if len(content) <= limit {
			continue
		}
		cut := limit
		for cut > 0 && !utf8.RuneStart(content[cut]) {
			cut--
		}
		results[i].Content = content[:cut] + truncationMarker
	}
	m.ToolResults = results
	return m
}

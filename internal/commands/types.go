// Package commands parses and runs the slash commands of the interactive
// front end. A command either answers locally (/help, /tools, /history) or
// produces an agent.Action for the session (/run, /cancel).
package commands

import (
	"context"

	"github.com/haasonsaas/steward/internal/agent"
)

// Command is a slash command. Name and Aliases are matched without the
// slash and case-insensitively.
type Command struct {
	Name        string   `json:"name"`
	Aliases     []string `json:"aliases,omitempty"`
	Description string   `json:"description,omitempty"`
	Usage       string   `json:"usage,omitempty"`
	Category    string   `json:"category,omitempty"`

	// AcceptsArgs must be set for the command to receive argument text.
	AcceptsArgs bool `json:"accepts_args"`
	// IdleOnly commands are refused while a turn is open.
	IdleOnly bool `json:"idle_only,omitempty"`
	Hidden   bool `json:"hidden,omitempty"`

	Handler CommandHandler `json:"-"`
}

type CommandHandler func(ctx context.Context, inv *Invocation) (*Result, error)

// Invocation is one call of a command. Name is what the user typed, which
// may be an alias; RawText is the whole input line.
type Invocation struct {
	Command *Command
	Name    string
	Args    string
	RawText string
	State   SessionState
}

// SessionState is what command handlers may read about the session.
type SessionState struct {
	SessionID string
	Tools     []agent.ToolDescriptor
	Turns     []*agent.Turn
	// Busy is true while a turn is open.
	Busy bool
}

// Result is what the front end does with a command. A non-nil Action is
// submitted to the session after Text is printed.
type Result struct {
	Text   string        `json:"text,omitempty"`
	Action *agent.Action `json:"action,omitempty"`
	Quit   bool          `json:"quit,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// ParsedCommand is a recognized command line, Name lowercased and without
// Prefix.
type ParsedCommand struct {
	Name   string
	Args   string
	Prefix string
}

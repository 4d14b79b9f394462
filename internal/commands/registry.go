package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownCommand is returned by Execute for an unregistered name.
var ErrUnknownCommand = errors.New("unknown command")

const defaultCategory = "general"

// Registry resolves slash command names and aliases to commands.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Command // names and aliases
	order  []*Command
	logger *slog.Logger
}

// Category is a help section: commands sharing Command.Category.
type Category struct {
	Name     string
	Commands []*Command
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byName: make(map[string]*Command),
		logger: logger.With("component", "commands"),
	}
}

func normalizeName(name string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(name)), "/")
}

// Register adds cmd. A name or alias that is already taken is an error,
// so a typo in a builtin table fails loudly at startup.
func (r *Registry) Register(cmd *Command) error {
	switch {
	case cmd == nil:
		return errors.New("command is nil")
	case normalizeName(cmd.Name) == "":
		return errors.New("command name is required")
	case cmd.Handler == nil:
		return fmt.Errorf("command %q has no handler", cmd.Name)
	}

	name := normalizeName(cmd.Name)
	keys := []string{name}
	for _, alias := range cmd.Aliases {
		if a := normalizeName(alias); a != "" && a != name {
			keys = append(keys, a)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, key := range keys {
		if owner, taken := r.byName[key]; taken {
			return fmt.Errorf("/%s is already registered by /%s", key, owner.Name)
		}
	}
	cmd.Name = name
	for _, key := range keys {
		r.byName[key] = cmd
	}
	r.order = append(r.order, cmd)

	r.logger.Debug("registered command", "name", name, "aliases", keys[1:])
	return nil
}

// Get looks a command up by name or alias, with or without the slash.
func (r *Registry) Get(name string) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.byName[normalizeName(name)]
	return cmd, ok
}

// Names returns the sorted command names, without aliases.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.order))
	for _, cmd := range r.order {
		names = append(names, cmd.Name)
	}
	sort.Strings(names)
	return names
}

// Categories returns visible commands grouped for help, both levels sorted
// by name.
func (r *Registry) Categories() []Category {
	r.mu.RLock()
	grouped := make(map[string][]*Command)
	for _, cmd := range r.order {
		if cmd.Hidden {
			continue
		}
		category := cmd.Category
		if category == "" {
			category = defaultCategory
		}
		grouped[category] = append(grouped[category], cmd)
	}
	r.mu.RUnlock()

	categories := make([]Category, 0, len(grouped))
	for name, cmds := range grouped {
		sort.Slice(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })
		categories = append(categories, Category{Name: name, Commands: cmds})
	}
	sort.Slice(categories, func(i, j int) bool { return categories[i].Name < categories[j].Name })
	return categories
}

// Execute runs the command inv names. Usage problems come back as a Result
// with Error set; only handler failures and unknown names are errors.
func (r *Registry) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	if inv == nil {
		return nil, errors.New("invocation is nil")
	}
	cmd, ok := r.Get(inv.Name)
	if !ok {
		return nil, fmt.Errorf("%w: /%s", ErrUnknownCommand, inv.Name)
	}
	if !cmd.AcceptsArgs && strings.TrimSpace(inv.Args) != "" {
		return &Result{Error: fmt.Sprintf("/%s takes no arguments.", cmd.Name)}, nil
	}
	if cmd.IdleOnly && inv.State.Busy {
		return &Result{Error: "A turn is already in progress. Use /cancel first."}, nil
	}

	inv.Command = cmd
	return cmd.Handler(ctx, inv)
}

// Dispatch parses line and executes it when it is a command. handled is
// false for ordinary input, which the caller submits as a message.
func (r *Registry) Dispatch(ctx context.Context, parser *Parser, line string, state SessionState) (result *Result, handled bool, err error) {
	parsed := parser.ParseCommand(line)
	if parsed == nil {
		return nil, false, nil
	}
	result, err = r.Execute(ctx, &Invocation{
		Name:    parsed.Name,
		Args:    parsed.Args,
		RawText: line,
		State:   state,
	})
	if errors.Is(err, ErrUnknownCommand) {
		return &Result{Error: fmt.Sprintf("Unknown command /%s. Type /help for a list.", parsed.Name)}, true, nil
	}
	return result, true, err
}

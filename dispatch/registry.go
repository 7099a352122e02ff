package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Protocol-level error messages. These surface verbatim in the error
// field of response frames, so their wording is part of the wire contract.
var (
	ErrCommandRequired = errors.New("Command is required")
	ErrUnknownCommand  = errors.New("Unknown command")
)

// Handler executes one command verb.
type Handler func(ctx context.Context, args Args) (Result, error)

type command struct {
	required []string
	handler  Handler
}

// Registry maps verbs to validated handlers. The verb set is open: new
// verbs can be registered at any time, and every verb also answers under
// a "browser_" prefixed alias.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]command
	aliases  map[string]string
}

// NewRegistry creates an empty command table.
func NewRegistry() *Registry {
	return &Registry{
		commands: make(map[string]command),
		aliases:  make(map[string]string),
	}
}

// Register installs a verb with its required arguments. The "browser_"
// alias is installed automatically.
func (r *Registry) Register(verb string, required []string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[verb] = command{required: required, handler: h}
	r.aliases["browser_"+verb] = verb
}

// Alias routes an extra verb name to an existing one. Aliases get the
// same "browser_" prefixed form registered verbs do.
func (r *Registry) Alias(alias, verb string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[alias] = verb
	r.aliases["browser_"+alias] = verb
}

// Verbs lists the registered canonical verbs, sorted.
func (r *Registry) Verbs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.commands))
	for v := range r.commands {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// resolve maps a wire verb to its command, following aliases.
func (r *Registry) resolve(verb string) (command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if canonical, ok := r.aliases[verb]; ok {
		verb = canonical
	}
	cmd, ok := r.commands[verb]
	return cmd, ok
}

// Dispatch validates and runs one command. Validation failures and
// handler errors both come back as plain errors; the transport wraps
// them into the response envelope.
func (r *Registry) Dispatch(ctx context.Context, verb string, args Args) (Result, error) {
	if verb == "" {
		return nil, ErrCommandRequired
	}
	cmd, ok := r.resolve(verb)
	if !ok {
		return nil, ErrUnknownCommand
	}
	for _, req := range cmd.required {
		if !args.Has(req) {
			return nil, fmt.Errorf("%s is required", req)
		}
	}
	return cmd.handler(ctx, args)
}

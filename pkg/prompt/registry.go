// Package prompt parses the sectioned prompt-template format, substitutes
// constants at parse time and variables at render time, and assembles
// model-ready prompt text from selected sections.
package prompt

import (
	"fmt"
	"log/slog"
	"sync"
)

// VariableFunc produces the current value of a template variable. Functions
// take no arguments; anything dynamic (clocks, caller metadata) is closed
// over at registration time.
type VariableFunc func() string

// VariableRegistry maps function names to [VariableFunc] implementations.
// Templates reference functions by name in their Var sections; parsing
// validates the references against a registry and rendering invokes them.
//
// The registry is an explicit value with a teardown, not package state, so
// tests and multiple pipelines can each own one.
type VariableRegistry struct {
	log *slog.Logger

	mu  sync.Mutex
	fns map[string]VariableFunc
}

// NewVariableRegistry creates an empty registry.
func NewVariableRegistry() *VariableRegistry {
	return &VariableRegistry{
		log: slog.With("component", "prompt.variables"),
		fns: make(map[string]VariableFunc),
	}
}

// Register binds name to fn. Re-registering an existing name is an error;
// use [VariableRegistry.Teardown] between configurations instead.
func (r *VariableRegistry) Register(name string, fn VariableFunc) error {
	if !isIdentifier(name) {
		return fmt.Errorf("prompt: %q is not a legal function name", name)
	}
	if fn == nil {
		return fmt.Errorf("prompt: nil function for %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.fns[name]; exists {
		return fmt.Errorf("prompt: function %q already registered", name)
	}
	r.fns[name] = fn
	return nil
}

// Lookup returns the function bound to name.
func (r *VariableRegistry) Lookup(name string) (VariableFunc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn, ok := r.fns[name]
	return fn, ok
}

// Has reports whether name is registered.
func (r *VariableRegistry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Teardown removes every registered function.
func (r *VariableRegistry) Teardown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fns = make(map[string]VariableFunc)
}

// isIdentifier reports whether s is a legal function identifier: a letter or
// underscore followed by letters, digits or underscores.
func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		switch {
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

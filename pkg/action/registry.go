package action

import (
	"fmt"
	"sort"
)

// Registry maps action kinds to implementations. It is assembled once
// at startup; no registration happens after that, so lookups need no
// locking.
type Registry struct {
	actions map[string]Action
}

// NewRegistry builds a registry from the given implementations.
// Duplicate kinds are a programming error.
func NewRegistry(actions ...Action) (*Registry, error) {
	r := &Registry{actions: make(map[string]Action, len(actions))}
	for _, a := range actions {
		if _, dup := r.actions[a.Kind()]; dup {
			return nil, fmt.Errorf("duplicate action kind %q", a.Kind())
		}
		r.actions[a.Kind()] = a
	}
	return r, nil
}

// DefaultRegistry wires every built-in action kind.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(
		&Noop{},
		NewHTTP(),
		&Postgres{},
		&Shell{},
		&Python{},
		&Secrets{},
		unsupported("duckdb"),
		unsupported("snowflake"),
		unsupported("snowflake_transfer"),
		unsupported("container"),
	)
	if err != nil {
		// Built-in kinds are distinct constants.
		panic(err)
	}
	return r
}

// Get returns the implementation for kind, or false.
func (r *Registry) Get(kind string) (Action, bool) {
	a, ok := r.actions[kind]
	return a, ok
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	out := make([]string, 0, len(r.actions))
	for k := range r.actions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

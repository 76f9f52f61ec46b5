package action

import "context"

// Noop passes its rendered config through as the result. Structural
// steps (start, end, pure routing) run as noops.
type Noop struct{}

func (n *Noop) Kind() string { return "noop" }

func (n *Noop) Invoke(_ context.Context, inv *Invocation) (*Result, error) {
	if len(inv.Config) == 0 {
		return &Result{Data: map[string]any{}}, nil
	}
	return &Result{Data: inv.Config}, nil
}

// SafelyRetryable is always true: a noop has no side effects.
func (n *Noop) SafelyRetryable(*Invocation) bool { return true }

package action

import (
	"context"
	"fmt"

	"github.com/maestro-run/maestro/pkg/models"
)

// Secrets verifies that named credentials resolve, without exposing
// their payloads. The result lists credential names and kinds only;
// downstream steps consume the credentials through their own keychain
// bindings, never through this result.
type Secrets struct{}

func (s *Secrets) Kind() string { return "secrets" }

func (s *Secrets) Invoke(_ context.Context, inv *Invocation) (*Result, error) {
	names, _ := inv.Config["names"].([]any)
	resolved := make([]map[string]any, 0, len(names))
	for _, n := range names {
		name := fmt.Sprint(n)
		cred, ok := inv.Credentials[name]
		if !ok {
			return nil, models.NewError(models.ErrorKindAuth,
				fmt.Sprintf("credential %s is not bound to this step", name))
		}
		resolved = append(resolved, map[string]any{
			"name": cred.Name,
			"kind": string(cred.Kind),
		})
	}
	return &Result{Data: map[string]any{"credentials": resolved}}, nil
}

// SafelyRetryable is always true: resolution has no side effects.
func (s *Secrets) SafelyRetryable(*Invocation) bool { return true }

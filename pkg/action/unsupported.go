package action

import (
	"context"
	"fmt"

	"github.com/maestro-run/maestro/pkg/models"
)

// unsupportedAction holds a registry slot for kinds this worker build
// cannot execute (duckdb, snowflake, snowflake_transfer, container).
// Playbooks using them must run on a pool whose runtime provides the
// engine; a general worker that leases one anyway fails it cleanly
// instead of leaving the lease to expire.
type unsupportedAction struct {
	kind string
}

func unsupported(kind string) Action {
	return &unsupportedAction{kind: kind}
}

func (u *unsupportedAction) Kind() string { return u.kind }

func (u *unsupportedAction) Invoke(context.Context, *Invocation) (*Result, error) {
	serr := models.NewError(models.ErrorKindAction,
		fmt.Sprintf("action kind %q requires a worker pool with the %s runtime", u.kind, u.kind))
	serr.Retryable = false
	return nil, serr
}

func (u *unsupportedAction) SafelyRetryable(*Invocation) bool { return false }

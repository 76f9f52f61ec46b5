// Package action defines the interface every step-executing action
// implements and the build-time registry keyed by action kind.
package action

import (
	"context"
	"errors"
	"time"

	"github.com/maestro-run/maestro/pkg/models"
)

// Invocation is everything an action receives for one attempt. Config
// is fully rendered; Credentials are opaque handles resolved by the
// worker and must never flow into the returned Result.
type Invocation struct {
	ExecutionID   int64
	NodeID        string
	IteratorIndex *int
	AttemptCount  int
	Config        map[string]any
	Credentials   map[string]*models.Credential
	Timeout       time.Duration

	// Progress, when set, records an informational milestone in the
	// execution's event stream. Actions call it through EmitProgress.
	Progress func(kind string, payload map[string]any)
}

// EmitProgress reports an informational milestone for a long-running
// invocation. It never affects scheduling or reconstructed state, and
// is a no-op when no reporting hook is attached.
func (inv *Invocation) EmitProgress(kind string, payload map[string]any) {
	if inv.Progress != nil {
		inv.Progress(kind, payload)
	}
}

// Result is what a successful invocation produced. Data becomes the
// step result in the event stream.
type Result struct {
	Data any            `json:"data"`
	Meta map[string]any `json:"meta,omitempty"`
}

// Action executes one kind of external effect.
type Action interface {
	// Kind returns the action kind this implementation handles.
	Kind() string

	// Invoke performs one attempt. Failures must come back as a
	// *models.StructuredError so the worker can classify retryability.
	Invoke(ctx context.Context, inv *Invocation) (*Result, error)

	// SafelyRetryable reports whether a retry of this invocation
	// cannot duplicate a side effect. Kinds that cannot tell return
	// false and only transport/timeout default retryability applies.
	SafelyRetryable(inv *Invocation) bool
}

// Classify coerces any invocation error into a StructuredError,
// defaulting to action_error for plain errors.
func Classify(err error, attempt int) *models.StructuredError {
	var serr *models.StructuredError
	if errors.As(err, &serr) {
		serr.AttemptCount = attempt
		return serr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		out := models.NewError(models.ErrorKindTimeout, err.Error())
		out.AttemptCount = attempt
		return out
	}
	if errors.Is(err, context.Canceled) {
		out := models.NewError(models.ErrorKindCancelled, err.Error())
		out.AttemptCount = attempt
		return out
	}
	out := models.NewError(models.ErrorKindAction, err.Error())
	out.AttemptCount = attempt
	return out
}

// configString reads an optional string key from the rendered config.
func configString(cfg map[string]any, key string) string {
	if v, ok := cfg[key].(string); ok {
		return v
	}
	return ""
}

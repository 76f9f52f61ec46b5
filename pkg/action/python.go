package action

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"

	"github.com/maestro-run/maestro/pkg/models"
)

// Python runs an inline script with a python3 interpreter on the
// worker host:
//
//	script: python source (required)
//	args:   value passed to the script as JSON on stdin
//
// If the last line of stdout is JSON it becomes structured result
// data. Heavy python workloads belong on a pool whose runtime is
// python; this kind covers small glue scripts on general workers.
type Python struct{}

func (p *Python) Kind() string { return "python" }

func (p *Python) Invoke(ctx context.Context, inv *Invocation) (*Result, error) {
	script := configString(inv.Config, "script")
	if script == "" {
		return nil, models.NewError(models.ErrorKindValidation, "python action requires a script")
	}

	cmd := exec.CommandContext(ctx, "python3", "-c", script)
	if args, ok := inv.Config["args"]; ok {
		in, err := json.Marshal(args)
		if err != nil {
			return nil, models.NewError(models.ErrorKindValidation, "python args are not serializable")
		}
		cmd.Stdin = bytes.NewReader(in)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, Classify(ctx.Err(), inv.AttemptCount)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, models.NewError(models.ErrorKindAction, msg)
	}

	out := strings.TrimSpace(stdout.String())
	lines := strings.Split(out, "\n")
	last := lines[len(lines)-1]
	var parsed any
	if err := json.Unmarshal([]byte(last), &parsed); err == nil {
		return &Result{Data: parsed, Meta: map[string]any{"stdout": out}}, nil
	}
	return &Result{Data: map[string]any{"stdout": out}}, nil
}

// SafelyRetryable is false: scripts have opaque side effects.
func (p *Python) SafelyRetryable(*Invocation) bool { return false }

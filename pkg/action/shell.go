package action

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/maestro-run/maestro/pkg/models"
)

// Shell runs a command on the worker host:
//
//	command: shell command line (required)
//	env:     map of extra environment variables
//	workdir: working directory
//
// Stdout is the result; a non-zero exit is an action_error carrying
// stderr. Shell steps are never safely retryable.
type Shell struct{}

func (s *Shell) Kind() string { return "shell" }

func (s *Shell) Invoke(ctx context.Context, inv *Invocation) (*Result, error) {
	command := configString(inv.Config, "command")
	if command == "" {
		return nil, models.NewError(models.ErrorKindValidation, "shell action requires a command")
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = configString(inv.Config, "workdir")
	if env, ok := inv.Config["env"].(map[string]any); ok {
		cmd.Env = append(cmd.Environ(), envList(env)...)
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

	return &Result{
		Data: map[string]any{
			"stdout":    stdout.String(),
			"exit_code": 0,
		},
	}, nil
}

// SafelyRetryable is false: a shell command's side effects are opaque.
func (s *Shell) SafelyRetryable(*Invocation) bool { return false }

func envList(env map[string]any) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%v", k, v))
	}
	return out
}

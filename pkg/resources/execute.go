package resources

import (
	"bytes"
	"context"
	"strings"

	"github.com/mariner-sh/mariner/pkg/engine"
)

// Execute runs a shell command. It is inherently non-idempotent, so it
// reports Updated on every successful run; guards are the usual way to
// make it converge (e.g. not_if "test -f /var/run/done").
type Execute struct {
	base

	// Name is the resource identity; it defaults to the command itself.
	Name string

	// Command is the shell snippet to run.
	Command string

	// Cwd is the working directory; empty means the process directory.
	Cwd string

	// Env holds extra environment variables layered over the process env.
	Env map[string]string
}

// NewExecute creates an execute resource with the default run action.
func NewExecute(name, command string) *Execute {
	if command == "" {
		command = name
	}
	e := &Execute{Name: name, Command: command}
	e.props.Action = "run"
	return e
}

// Identity implements engine.Resource.
func (e *Execute) Identity() engine.ResourceID {
	return engine.ID(KindExecute, e.Name)
}

// Apply implements engine.Resource.
func (e *Execute) Apply(ctx context.Context, action string) engine.ApplyResult {
	switch action {
	case "run", "apply":
		return e.run(ctx)
	case "nothing":
		// Only runs when notified.
		return engine.Unchanged()
	default:
		return engine.Failedf("execute: unknown action %q", action)
	}
}

func (e *Execute) run(ctx context.Context) engine.ApplyResult {
	var stdout, stderr bytes.Buffer
	code, err := runShell(ctx, e.Command, e.Cwd, e.Env, &stdout, &stderr)
	if err != nil {
		return engine.Failed(err)
	}
	if code != 0 {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		if msg != "" {
			return engine.Failedf("execute: exit status %d: %s", code, msg)
		}
		return engine.Failedf("execute: exit status %d", code)
	}
	return engine.Updated()
}

package resources

import (
	"context"
	"io"
	"os"

	"github.com/mariner-sh/mariner/pkg/engine"
)

// Script runs a multi-line shell script. Like Execute it reports Updated
// on every successful run, but it also supports a Creates marker: when
// the named path exists the script is considered converged and skipped.
type Script struct {
	base

	Name string
	Body string

	// Creates is a path whose existence marks the script as already run.
	Creates string

	Cwd string
	Env map[string]string
}

// NewScript creates a script resource with the default run action.
func NewScript(name, body string) *Script {
	s := &Script{Name: name, Body: body}
	s.props.Action = "run"
	return s
}

// Identity implements engine.Resource.
func (s *Script) Identity() engine.ResourceID {
	return engine.ID(KindScript, s.Name)
}

// Release drops the script body.
func (s *Script) Release() {
	s.Body = ""
}

// Apply implements engine.Resource.
func (s *Script) Apply(ctx context.Context, action string) engine.ApplyResult {
	switch action {
	case "run", "apply":
		return s.run(ctx)
	case "nothing":
		return engine.Unchanged()
	default:
		return engine.Failedf("script: unknown action %q", action)
	}
}

func (s *Script) run(ctx context.Context) engine.ApplyResult {
	if s.Creates != "" {
		if _, err := os.Stat(s.Creates); err == nil {
			return engine.Unchanged()
		} else if !os.IsNotExist(err) {
			return engine.Failed(err)
		}
	}

	code, err := runShell(ctx, s.Body, s.Cwd, s.Env, io.Discard, io.Discard)
	if err != nil {
		return engine.Failed(err)
	}
	if code != 0 {
		return engine.Failedf("script %q: exit status %d", s.Name, code)
	}
	return engine.Updated()
}

package resources

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/mariner-sh/mariner/pkg/engine"
)

// runShell executes a shell snippet with the embedded POSIX interpreter
// and returns its exit code. External commands still run as subprocesses;
// the shell itself is in-process, so no /bin/sh is required on the host.
func runShell(ctx context.Context, command, dir string, env map[string]string, stdout, stderr io.Writer) (int, error) {
	prog, err := syntax.NewParser().Parse(strings.NewReader(command), "")
	if err != nil {
		return -1, fmt.Errorf("failed to parse shell command: %w", err)
	}

	environ := os.Environ()
	for k, v := range env {
		environ = append(environ, k+"="+v)
	}

	opts := []interp.RunnerOption{
		interp.Env(expand.ListEnviron(environ...)),
		interp.StdIO(nil, stdout, stderr),
	}
	if dir != "" {
		opts = append(opts, interp.Dir(dir))
	}

	runner, err := interp.New(opts...)
	if err != nil {
		return -1, fmt.Errorf("failed to create shell interpreter: %w", err)
	}

	if err := runner.Run(ctx, prog); err != nil {
		var status interp.ExitStatus
		if errors.As(err, &status) {
			return int(status), nil
		}
		return -1, err
	}
	return 0, nil
}

// ShellGuard builds a guard predicate from a shell command string: the
// predicate is true iff the command exits zero. This is how string-form
// only_if / not_if conditions from recipes are evaluated.
func ShellGuard(command string) engine.GuardFunc {
	return func(ctx context.Context) (bool, error) {
		var stderr bytes.Buffer
		code, err := runShell(ctx, command, "", nil, io.Discard, &stderr)
		if err != nil {
			return false, fmt.Errorf("guard %q: %w", command, err)
		}
		return code == 0, nil
	}
}

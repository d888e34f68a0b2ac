package resources

import (
	"context"
	"strings"

	"github.com/mariner-sh/mariner/pkg/engine"
)

// systemctl is swapped out in tests.
var systemctl = func(ctx context.Context, args ...string) (string, error) {
	return runCommand(ctx, "systemctl", args...)
}

// Service manages a systemd unit. Start/stop/enable/disable converge
// against `systemctl is-active` / `is-enabled` probes; restart and reload
// are unconditional, which is what makes them useful notification targets.
type Service struct {
	base

	Name string
}

// NewService creates a service resource with the default start action.
func NewService(name string) *Service {
	s := &Service{Name: name}
	s.props.Action = "start"
	return s
}

// Identity implements engine.Resource.
func (s *Service) Identity() engine.ResourceID {
	return engine.ID(KindService, s.Name)
}

// Apply implements engine.Resource.
func (s *Service) Apply(ctx context.Context, action string) engine.ApplyResult {
	switch action {
	case "start", "apply":
		return s.ensureActive(ctx, true)
	case "stop":
		return s.ensureActive(ctx, false)
	case "enable":
		return s.ensureEnabled(ctx, true)
	case "disable":
		return s.ensureEnabled(ctx, false)
	case "restart":
		return s.invoke(ctx, "restart")
	case "reload":
		return s.invoke(ctx, "reload")
	case "nothing":
		return engine.Unchanged()
	default:
		return engine.Failedf("service: unknown action %q", action)
	}
}

func (s *Service) isActive(ctx context.Context) bool {
	out, err := systemctl(ctx, "is-active", s.Name)
	return err == nil && strings.TrimSpace(out) == "active"
}

func (s *Service) isEnabled(ctx context.Context) bool {
	out, err := systemctl(ctx, "is-enabled", s.Name)
	return err == nil && strings.TrimSpace(out) == "enabled"
}

func (s *Service) ensureActive(ctx context.Context, want bool) engine.ApplyResult {
	if s.isActive(ctx) == want {
		return engine.Unchanged()
	}
	verb := "start"
	if !want {
		verb = "stop"
	}
	return s.invoke(ctx, verb)
}

func (s *Service) ensureEnabled(ctx context.Context, want bool) engine.ApplyResult {
	if s.isEnabled(ctx) == want {
		return engine.Unchanged()
	}
	verb := "enable"
	if !want {
		verb = "disable"
	}
	return s.invoke(ctx, verb)
}

func (s *Service) invoke(ctx context.Context, verb string) engine.ApplyResult {
	if _, err := systemctl(ctx, verb, s.Name); err != nil {
		return engine.Failed(err)
	}
	return engine.Updated()
}

package resources

import (
	"context"
	"strings"

	"github.com/mariner-sh/mariner/pkg/engine"
)

// ipRoute is swapped out in tests.
var ipRoute = func(ctx context.Context, args ...string) (string, error) {
	return runCommand(ctx, "ip", append([]string{"route"}, args...)...)
}

// Route manages a kernel route via iproute2. Destination is the route
// prefix (e.g. "10.0.0.0/24" or "default"); Gateway and Device are
// optional next-hop attributes.
type Route struct {
	base

	Destination string
	Gateway     string
	Device      string
}

// NewRoute creates a route resource with the default create action.
func NewRoute(destination string) *Route {
	r := &Route{Destination: destination}
	r.props.Action = "create"
	return r
}

// Identity implements engine.Resource.
func (r *Route) Identity() engine.ResourceID {
	return engine.ID(KindRoute, r.Destination)
}

// Apply implements engine.Resource.
func (r *Route) Apply(ctx context.Context, action string) engine.ApplyResult {
	switch action {
	case "create", "apply":
		return r.create(ctx)
	case "delete":
		return r.delete(ctx)
	default:
		return engine.Failedf("route: unknown action %q", action)
	}
}

func (r *Route) exists(ctx context.Context) (bool, error) {
	out, err := ipRoute(ctx, "show", r.Destination)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

func (r *Route) args() []string {
	args := []string{r.Destination}
	if r.Gateway != "" {
		args = append(args, "via", r.Gateway)
	}
	if r.Device != "" {
		args = append(args, "dev", r.Device)
	}
	return args
}

func (r *Route) create(ctx context.Context) engine.ApplyResult {
	exists, err := r.exists(ctx)
	if err != nil {
		return engine.Failed(err)
	}
	if exists {
		return engine.Unchanged()
	}
	if _, err := ipRoute(ctx, append([]string{"add"}, r.args()...)...); err != nil {
		return engine.Failed(err)
	}
	return engine.Updated()
}

func (r *Route) delete(ctx context.Context) engine.ApplyResult {
	exists, err := r.exists(ctx)
	if err != nil {
		return engine.Failed(err)
	}
	if !exists {
		return engine.Unchanged()
	}
	if _, err := ipRoute(ctx, "del", r.Destination); err != nil {
		return engine.Failed(err)
	}
	return engine.Updated()
}

package resources

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mariner-sh/mariner/pkg/engine"
)

func stubIPRoute(t *testing.T, table map[string]string) *[][]string {
	t.Helper()
	var calls [][]string
	orig := ipRoute
	ipRoute = func(_ context.Context, args ...string) (string, error) {
		calls = append(calls, args)
		switch args[0] {
		case "show":
			return table[args[1]], nil
		case "add":
			table[args[1]] = args[1] + " scope link"
		case "del":
			delete(table, args[1])
		}
		return "", nil
	}
	t.Cleanup(func() { ipRoute = orig })
	return &calls
}

func TestRouteCreateAddsMissingRoute(t *testing.T) {
	calls := stubIPRoute(t, map[string]string{})

	r := NewRoute("10.0.0.0/24")
	r.Gateway = "192.168.1.1"
	r.Device = "eth0"

	require.Equal(t, engine.StatusUpdated, r.Apply(context.Background(), "create").Status)
	assert.Equal(t, []string{"add", "10.0.0.0/24", "via", "192.168.1.1", "dev", "eth0"}, (*calls)[1])

	assert.Equal(t, engine.StatusUnchanged, r.Apply(context.Background(), "create").Status)
}

func TestRouteDelete(t *testing.T) {
	stubIPRoute(t, map[string]string{"10.0.0.0/24": "10.0.0.0/24 via 192.168.1.1"})

	r := NewRoute("10.0.0.0/24")
	require.Equal(t, engine.StatusUpdated, r.Apply(context.Background(), "delete").Status)
	assert.Equal(t, engine.StatusUnchanged, r.Apply(context.Background(), "delete").Status)
}

func TestRouteIdentity(t *testing.T) {
	r := NewRoute("default")
	assert.Equal(t, engine.ID(KindRoute, "default"), r.Identity())
}

package resources

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/mariner-sh/mariner/pkg/engine"
)

// procSysRoot is overridden in tests.
var procSysRoot = "/proc/sys"

// Sysctl manages a kernel parameter, the platform settings surface on
// Linux hosts. Key uses dotted notation ("net.ipv4.ip_forward"); the
// live value is read and compared before anything is written.
type Sysctl struct {
	base

	Key   string
	Value string
}

// NewSysctl creates a sysctl resource with the default set action.
func NewSysctl(key string) *Sysctl {
	s := &Sysctl{Key: key}
	s.props.Action = "set"
	return s
}

// Identity implements engine.Resource.
func (s *Sysctl) Identity() engine.ResourceID {
	return engine.ID(KindSysctl, s.Key)
}

// Apply implements engine.Resource.
func (s *Sysctl) Apply(_ context.Context, action string) engine.ApplyResult {
	switch action {
	case "set", "apply":
		return s.set()
	default:
		return engine.Failedf("sysctl: unknown action %q", action)
	}
}

func (s *Sysctl) path() string {
	return filepath.Join(procSysRoot, strings.ReplaceAll(s.Key, ".", "/"))
}

func (s *Sysctl) set() engine.ApplyResult {
	current, err := os.ReadFile(s.path())
	if err != nil {
		return engine.Failedf("sysctl: unknown parameter %q: %v", s.Key, err)
	}
	// The kernel separates multi-value parameters with tabs; compare on
	// normalized whitespace so "4096	87380" matches "4096 87380".
	if normalizeSysctl(string(current)) == normalizeSysctl(s.Value) {
		return engine.Unchanged()
	}
	if err := os.WriteFile(s.path(), []byte(s.Value+"\n"), 0644); err != nil {
		return engine.Failed(err)
	}
	return engine.Updated()
}

func normalizeSysctl(v string) string {
	return strings.Join(strings.Fields(v), " ")
}

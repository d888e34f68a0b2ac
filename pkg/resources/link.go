package resources

import (
	"context"
	"os"

	"github.com/mariner-sh/mariner/pkg/engine"
)

// Link ensures a symlink at Path points to To.
type Link struct {
	base

	Path string
	To   string

	// Force replaces an existing non-symlink file at Path.
	Force bool
}

// NewLink creates a link resource with the default create action.
func NewLink(path, to string) *Link {
	l := &Link{Path: path, To: to}
	l.props.Action = "create"
	return l
}

// Identity implements engine.Resource.
func (l *Link) Identity() engine.ResourceID {
	return engine.ID(KindLink, l.Path)
}

// Apply implements engine.Resource.
func (l *Link) Apply(_ context.Context, action string) engine.ApplyResult {
	switch action {
	case "create", "apply":
		return l.create()
	case "delete":
		return l.delete()
	default:
		return engine.Failedf("link: unknown action %q", action)
	}
}

func (l *Link) create() engine.ApplyResult {
	info, err := os.Lstat(l.Path)
	if err == nil {
		if info.Mode()&os.ModeSymlink != 0 {
			target, rerr := os.Readlink(l.Path)
			if rerr != nil {
				return engine.Failed(rerr)
			}
			if target == l.To {
				return engine.Unchanged()
			}
		} else if !l.Force {
			return engine.Failedf("link: %s exists and is not a symlink (set force to replace)", l.Path)
		}
		if err := os.Remove(l.Path); err != nil {
			return engine.Failed(err)
		}
	} else if !os.IsNotExist(err) {
		return engine.Failed(err)
	}

	if err := os.Symlink(l.To, l.Path); err != nil {
		return engine.Failed(err)
	}
	return engine.Updated()
}

func (l *Link) delete() engine.ApplyResult {
	info, err := os.Lstat(l.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return engine.Unchanged()
		}
		return engine.Failed(err)
	}
	if info.Mode()&os.ModeSymlink == 0 {
		return engine.Failedf("link: refusing to delete non-symlink %s", l.Path)
	}
	if err := os.Remove(l.Path); err != nil {
		return engine.Failed(err)
	}
	return engine.Updated()
}

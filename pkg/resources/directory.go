package resources

import (
	"context"
	"os"

	"github.com/mariner-sh/mariner/pkg/engine"
)

// Directory ensures a directory exists with the given mode and ownership.
type Directory struct {
	base

	Path  string
	Mode  os.FileMode
	Owner string
	Group string
}

// NewDirectory creates a directory resource with the default create action.
func NewDirectory(path string) *Directory {
	d := &Directory{Path: path}
	d.props.Action = "create"
	return d
}

// Identity implements engine.Resource.
func (d *Directory) Identity() engine.ResourceID {
	return engine.ID(KindDirectory, d.Path)
}

// Apply implements engine.Resource.
func (d *Directory) Apply(_ context.Context, action string) engine.ApplyResult {
	switch action {
	case "create", "apply":
		return d.create()
	case "delete":
		return d.delete()
	default:
		return engine.Failedf("directory: unknown action %q", action)
	}
}

func (d *Directory) create() engine.ApplyResult {
	info, err := os.Stat(d.Path)
	exists := err == nil
	if err != nil && !os.IsNotExist(err) {
		return engine.Failed(err)
	}
	if exists && !info.IsDir() {
		return engine.Failedf("directory: %s exists and is not a directory", d.Path)
	}

	changed := false
	if !exists {
		mode := d.Mode
		if mode == 0 {
			mode = 0755
		}
		if err := os.MkdirAll(d.Path, mode.Perm()); err != nil {
			return engine.Failed(err)
		}
		changed = true
	}

	modeChanged, err := ensureMode(d.Path, d.Mode)
	if err != nil {
		return engine.Failed(err)
	}
	ownChanged, err := ensureOwnership(d.Path, d.Owner, d.Group)
	if err != nil {
		return engine.Failed(err)
	}

	if changed || modeChanged || ownChanged {
		return engine.Updated()
	}
	return engine.Unchanged()
}

func (d *Directory) delete() engine.ApplyResult {
	if _, err := os.Lstat(d.Path); err != nil {
		if os.IsNotExist(err) {
			return engine.Unchanged()
		}
		return engine.Failed(err)
	}
	if err := os.RemoveAll(d.Path); err != nil {
		return engine.Failed(err)
	}
	return engine.Updated()
}

package resources

import (
	"bytes"
	"context"
	"os"
	"path/filepath"

	"github.com/mariner-sh/mariner/pkg/engine"
)

// File ensures a file exists with the given content, mode, and ownership.
type File struct {
	base

	// Path is the absolute file path.
	Path string

	// Content is the desired file content.
	Content []byte

	// Mode is the desired permission bits; zero leaves the mode alone.
	Mode os.FileMode

	// Owner and Group are optional ownership names.
	Owner string
	Group string
}

// NewFile creates a file resource with the default create action.
func NewFile(path string) *File {
	f := &File{Path: path}
	f.props.Action = "create"
	return f
}

// Identity implements engine.Resource.
func (f *File) Identity() engine.ResourceID {
	return engine.ID(KindFile, f.Path)
}

// Release drops the content buffer.
func (f *File) Release() {
	f.Content = nil
}

// Apply implements engine.Resource.
func (f *File) Apply(_ context.Context, action string) engine.ApplyResult {
	switch action {
	case "create", "apply":
		return f.create()
	case "delete":
		return f.delete()
	default:
		return engine.Failedf("file: unknown action %q", action)
	}
}

func (f *File) create() engine.ApplyResult {
	current, err := os.ReadFile(f.Path)
	exists := err == nil
	if err != nil && !os.IsNotExist(err) {
		return engine.Failed(err)
	}

	changed := false
	if !exists || !bytes.Equal(current, f.Content) {
		if err := os.MkdirAll(filepath.Dir(f.Path), 0755); err != nil {
			return engine.Failed(err)
		}
		mode := f.Mode
		if mode == 0 {
			mode = 0644
		}
		if err := os.WriteFile(f.Path, f.Content, mode.Perm()); err != nil {
			return engine.Failed(err)
		}
		changed = true
	}

	modeChanged, err := ensureMode(f.Path, f.Mode)
	if err != nil {
		return engine.Failed(err)
	}
	ownChanged, err := ensureOwnership(f.Path, f.Owner, f.Group)
	if err != nil {
		return engine.Failed(err)
	}

	if changed || modeChanged || ownChanged {
		return engine.Updated()
	}
	return engine.Unchanged()
}

func (f *File) delete() engine.ApplyResult {
	if _, err := os.Lstat(f.Path); err != nil {
		if os.IsNotExist(err) {
			return engine.Unchanged()
		}
		return engine.Failed(err)
	}
	if err := os.Remove(f.Path); err != nil {
		return engine.Failed(err)
	}
	return engine.Updated()
}

package resources

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"os/user"
	"strconv"

	"github.com/mariner-sh/mariner/pkg/engine"
)

// Resource kind names.
const (
	KindFile       = "file"
	KindDirectory  = "directory"
	KindLink       = "link"
	KindExecute    = "execute"
	KindScript     = "script"
	KindPackage    = "package"
	KindService    = "service"
	KindRemoteFile = "remote_file"
	KindTemplate   = "template"
	KindRoute      = "route"
	KindSysctl     = "sysctl"
)

// base carries the CommonProps plumbing shared by every variant.
type base struct {
	props engine.CommonProps
}

// Common implements engine.Resource.
func (b *base) Common() *engine.CommonProps {
	return &b.props
}

// Release implements engine.Resource for variants that hold nothing.
func (b *base) Release() {}

// OnlyIf appends an only_if guard.
func (b *base) OnlyIf(source string, fn engine.GuardFunc) {
	b.props.Guards = append(b.props.Guards, engine.Guard{
		Kind:   engine.GuardOnlyIf,
		Check:  fn,
		Source: source,
	})
}

// NotIf appends a not_if guard.
func (b *base) NotIf(source string, fn engine.GuardFunc) {
	b.props.Guards = append(b.props.Guards, engine.Guard{
		Kind:   engine.GuardNotIf,
		Check:  fn,
		Source: source,
	})
}

// Notifies declares a notification emitted when this resource updates.
func (b *base) Notifies(target engine.ResourceID, action string, timing engine.Timing) {
	b.props.Notifies = append(b.props.Notifies, engine.Notification{
		Target: target,
		Action: action,
		Timing: timing,
	})
}

// checksum returns the hex sha256 of data.
func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)
}

// fileChecksum returns the hex sha256 of the file at path, or "" if the
// file does not exist.
func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// lookupOwnership resolves owner and group names to numeric ids. Empty
// names resolve to -1, which os.Chown treats as "leave unchanged".
func lookupOwnership(owner, group string) (uid, gid int, err error) {
	uid, gid = -1, -1

	if owner != "" {
		u, lerr := user.Lookup(owner)
		if lerr != nil {
			return 0, 0, fmt.Errorf("unknown owner %q: %w", owner, lerr)
		}
		if uid, err = strconv.Atoi(u.Uid); err != nil {
			return 0, 0, err
		}
	}
	if group != "" {
		g, lerr := user.LookupGroup(group)
		if lerr != nil {
			return 0, 0, fmt.Errorf("unknown group %q: %w", group, lerr)
		}
		if gid, err = strconv.Atoi(g.Gid); err != nil {
			return 0, 0, err
		}
	}
	return uid, gid, nil
}

// ensureOwnership applies ownership when requested and reports whether a
// change was made.
func ensureOwnership(path, owner, group string) (bool, error) {
	if owner == "" && group == "" {
		return false, nil
	}
	uid, gid, err := lookupOwnership(owner, group)
	if err != nil {
		return false, err
	}
	if err := os.Chown(path, uid, gid); err != nil {
		return false, err
	}
	return true, nil
}

// ensureMode applies the file mode when it differs and reports whether a
// change was made.
func ensureMode(path string, mode os.FileMode) (bool, error) {
	if mode == 0 {
		return false, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	if info.Mode().Perm() == mode.Perm() {
		return false, nil
	}
	if err := os.Chmod(path, mode.Perm()); err != nil {
		return false, err
	}
	return true, nil
}

package resources

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mariner-sh/mariner/pkg/engine"
)

// packageManager abstracts the host package manager so Package converges
// the same way on apt, dnf, yum, zypper, and apk hosts.
type packageManager struct {
	name       string
	installed  func(ctx context.Context, pkg string) (bool, error)
	installCmd func(pkg, version string) []string
	removeCmd  func(pkg string) []string
	upgradeCmd func(pkg string) []string
}

var packageManagers = []packageManager{
	{
		name: "apt",
		installed: func(ctx context.Context, pkg string) (bool, error) {
			out, err := runCommand(ctx, "dpkg-query", "-W", "-f", "${Status}", pkg)
			if err != nil {
				return false, nil
			}
			return strings.Contains(out, "install ok installed"), nil
		},
		installCmd: func(pkg, version string) []string {
			if version != "" {
				pkg = pkg + "=" + version
			}
			return []string{"apt-get", "install", "-y", pkg}
		},
		removeCmd:  func(pkg string) []string { return []string{"apt-get", "remove", "-y", pkg} },
		upgradeCmd: func(pkg string) []string { return []string{"apt-get", "install", "-y", "--only-upgrade", pkg} },
	},
	{
		name:       "dnf",
		installed:  rpmInstalled,
		installCmd: func(pkg, version string) []string { return rpmInstall("dnf", pkg, version) },
		removeCmd:  func(pkg string) []string { return []string{"dnf", "remove", "-y", pkg} },
		upgradeCmd: func(pkg string) []string { return []string{"dnf", "upgrade", "-y", pkg} },
	},
	{
		name:       "yum",
		installed:  rpmInstalled,
		installCmd: func(pkg, version string) []string { return rpmInstall("yum", pkg, version) },
		removeCmd:  func(pkg string) []string { return []string{"yum", "remove", "-y", pkg} },
		upgradeCmd: func(pkg string) []string { return []string{"yum", "update", "-y", pkg} },
	},
	{
		name:       "zypper",
		installed:  rpmInstalled,
		installCmd: func(pkg, version string) []string { return rpmInstall("zypper", pkg, version) },
		removeCmd:  func(pkg string) []string { return []string{"zypper", "remove", "-y", pkg} },
		upgradeCmd: func(pkg string) []string { return []string{"zypper", "update", "-y", pkg} },
	},
	{
		name: "apk",
		installed: func(ctx context.Context, pkg string) (bool, error) {
			_, err := runCommand(ctx, "apk", "info", "-e", pkg)
			return err == nil, nil
		},
		installCmd: func(pkg, version string) []string {
			if version != "" {
				pkg = pkg + "=" + version
			}
			return []string{"apk", "add", pkg}
		},
		removeCmd:  func(pkg string) []string { return []string{"apk", "del", pkg} },
		upgradeCmd: func(pkg string) []string { return []string{"apk", "add", "--upgrade", pkg} },
	},
}

func rpmInstalled(ctx context.Context, pkg string) (bool, error) {
	_, err := runCommand(ctx, "rpm", "-q", pkg)
	return err == nil, nil
}

func rpmInstall(mgr, pkg, version string) []string {
	if version != "" {
		pkg = pkg + "-" + version
	}
	return []string{mgr, "install", "-y", pkg}
}

// detectPackageManager returns the first package manager whose binary is
// on PATH.
func detectPackageManager() (*packageManager, error) {
	for i := range packageManagers {
		mgr := &packageManagers[i]
		bin := mgr.installCmd("probe", "")[0]
		if _, err := exec.LookPath(bin); err == nil {
			return mgr, nil
		}
	}
	return nil, fmt.Errorf("no supported package manager found (apt, dnf, yum, zypper, apk)")
}

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	var out, errBuf bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(errBuf.String())
		if msg != "" {
			return out.String(), fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return out.String(), fmt.Errorf("%s: %w", name, err)
	}
	return out.String(), nil
}

// Package ensures a system package is present, absent, or at the latest
// available version.
type Package struct {
	base

	Name    string
	Version string

	// manager overrides detection, for tests.
	manager *packageManager
}

// NewPackage creates a package resource with the default present action.
func NewPackage(name string) *Package {
	p := &Package{Name: name}
	p.props.Action = "present"
	return p
}

// Identity implements engine.Resource.
func (p *Package) Identity() engine.ResourceID {
	return engine.ID(KindPackage, p.Name)
}

// Apply implements engine.Resource.
func (p *Package) Apply(ctx context.Context, action string) engine.ApplyResult {
	mgr := p.manager
	if mgr == nil {
		detected, err := detectPackageManager()
		if err != nil {
			return engine.Failed(err)
		}
		mgr = detected
	}

	switch action {
	case "present", "install", "apply":
		return p.present(ctx, mgr)
	case "absent", "remove":
		return p.absent(ctx, mgr)
	case "latest", "upgrade":
		return p.latest(ctx, mgr)
	default:
		return engine.Failedf("package: unknown action %q", action)
	}
}

func (p *Package) present(ctx context.Context, mgr *packageManager) engine.ApplyResult {
	installed, err := mgr.installed(ctx, p.Name)
	if err != nil {
		return engine.Failed(err)
	}
	if installed {
		return engine.Unchanged()
	}
	argv := mgr.installCmd(p.Name, p.Version)
	if _, err := runCommand(ctx, argv[0], argv[1:]...); err != nil {
		return engine.Failed(err)
	}
	return engine.Updated()
}

func (p *Package) absent(ctx context.Context, mgr *packageManager) engine.ApplyResult {
	installed, err := mgr.installed(ctx, p.Name)
	if err != nil {
		return engine.Failed(err)
	}
	if !installed {
		return engine.Unchanged()
	}
	argv := mgr.removeCmd(p.Name)
	if _, err := runCommand(ctx, argv[0], argv[1:]...); err != nil {
		return engine.Failed(err)
	}
	return engine.Updated()
}

func (p *Package) latest(ctx context.Context, mgr *packageManager) engine.ApplyResult {
	installed, err := mgr.installed(ctx, p.Name)
	if err != nil {
		return engine.Failed(err)
	}
	if !installed {
		argv := mgr.installCmd(p.Name, "")
		if _, err := runCommand(ctx, argv[0], argv[1:]...); err != nil {
			return engine.Failed(err)
		}
		return engine.Updated()
	}
	// Package managers exit zero for "already latest"; we treat upgrade of
	// an installed package as converged rather than parsing their output.
	argv := mgr.upgradeCmd(p.Name)
	if _, err := runCommand(ctx, argv[0], argv[1:]...); err != nil {
		return engine.Failed(err)
	}
	return engine.Unchanged()
}

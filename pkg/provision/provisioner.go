// Package provision installs a package set into a root filesystem through a
// package manager, in three strictly ordered phases: refresh the index,
// install, clean the caches.
package provision

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/maxdollinger/envbuild/pkg/env"
	"github.com/maxdollinger/envbuild/pkg/errdefs"
)

var ErrCacheNotEmpty = errors.New("package cache not empty after cleanup")

// Manager drives a concrete package manager inside a root filesystem.
type Manager interface {
	Name() string
	// Update refreshes the package index from the configured repositories.
	Update(ctx context.Context, rootfs string, environ env.Environment) error
	// Install installs exactly pkgs and their mandatory dependencies.
	Install(ctx context.Context, rootfs string, environ env.Environment, pkgs PackageSet, opts InstallOptions) error
	// Clean removes cached index and archive data.
	Clean(ctx context.Context, rootfs string, environ env.Environment, paths []string) error
	// Installed lists the packages currently installed in rootfs and the
	// virtual names they provide.
	Installed(ctx context.Context, rootfs string) (Inventory, error)
	// CacheDirs are the image paths that must be empty once cleaned.
	CacheDirs() []string
}

type InstallOptions struct {
	NoRecommends bool
}

// Request is everything one provisioning run needs.
type Request struct {
	Packages   PackageSet
	Options    InstallOptions
	CleanPaths []string // extra image paths to remove during cleanup
}

// Result describes the filesystem after a successful run.
type Result struct {
	Installed  PackageSet
	Phase      Phase
	CacheBytes int64
	Duration   time.Duration
}

// PhaseError records which phase a provisioning failure happened in.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s phase: %s", e.Phase.Action(), e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// CommitFunc is called after every completed phase, typically to freeze the
// changes made to the rootfs into an image layer.
type CommitFunc func(ctx context.Context, phase Phase) error

// Provisioner runs a Manager through the phase state machine.
type Provisioner struct {
	manager Manager
	rootfs  string
	environ env.Environment
	state   state
	logger  *slog.Logger
}

func NewProvisioner(manager Manager, rootfs string, environ env.Environment) *Provisioner {
	return &Provisioner{
		manager: manager,
		rootfs:  rootfs,
		environ: environ,
		logger:  slog.Default().With("manager", manager.Name()),
	}
}

// Phase returns the last completed phase.
func (p *Provisioner) Phase() Phase {
	return p.state.current
}

// Index refreshes the package index. Requires PhasePending.
func (p *Provisioner) Index(ctx context.Context) error {
	return p.transition(ctx, PhaseIndexed, func() error {
		return p.manager.Update(ctx, p.rootfs, p.environ)
	})
}

// Install installs pkgs. Requires PhaseIndexed. Every requested package must
// be installed, or provided by an installed package, afterwards; anything
// else is a ResolutionError.
func (p *Provisioner) Install(ctx context.Context, pkgs PackageSet, opts InstallOptions) error {
	return p.transition(ctx, PhaseInstalled, func() error {
		if err := p.manager.Install(ctx, p.rootfs, p.environ, pkgs, opts); err != nil {
			return err
		}
		installed, err := p.manager.Installed(ctx, p.rootfs)
		if err != nil {
			return fmt.Errorf("list installed packages: %w", err)
		}
		if missing := installed.Missing(pkgs); len(missing) > 0 {
			return errdefs.NewPackageNotFound(missing[0])
		}
		return nil
	})
}

// Clean removes caches. Requires PhaseInstalled. A failure here leaves the
// installed packages in place.
func (p *Provisioner) Clean(ctx context.Context, paths []string) error {
	return p.transition(ctx, PhaseCleaned, func() error {
		if err := p.manager.Clean(ctx, p.rootfs, p.environ, paths); err != nil {
			return err
		}
		size, err := CacheSize(p.rootfs, p.manager.CacheDirs())
		if err != nil {
			return err
		}
		if size > 0 {
			return fmt.Errorf("%w: %d bytes remain", ErrCacheNotEmpty, size)
		}
		return nil
	})
}

// Run executes all three phases, calling commit after each one.
func (p *Provisioner) Run(ctx context.Context, req Request, commit CommitFunc) (*Result, error) {
	startTime := time.Now()

	if !p.environ.IsNonInteractive() {
		p.logger.WarnContext(ctx, "non-interactive flag not set, package manager may prompt",
			"variable", env.FrontendKey)
	}

	steps := []struct {
		phase Phase
		run   func() error
	}{
		{PhaseIndexed, func() error { return p.Index(ctx) }},
		{PhaseInstalled, func() error { return p.Install(ctx, req.Packages, req.Options) }},
		{PhaseCleaned, func() error { return p.Clean(ctx, req.CleanPaths) }},
	}

	for _, step := range steps {
		if err := step.run(); err != nil {
			return nil, err
		}
		if commit != nil {
			if err := commit(ctx, step.phase); err != nil {
				return nil, &PhaseError{Phase: step.phase, Err: fmt.Errorf("commit layer: %w", err)}
			}
		}
	}

	installed, err := p.manager.Installed(ctx, p.rootfs)
	if err != nil {
		return nil, fmt.Errorf("list installed packages: %w", err)
	}
	cacheBytes, err := CacheSize(p.rootfs, p.manager.CacheDirs())
	if err != nil {
		return nil, err
	}

	return &Result{
		Installed:  installed.Packages,
		Phase:      p.state.current,
		CacheBytes: cacheBytes,
		Duration:   time.Since(startTime),
	}, nil
}

func (p *Provisioner) transition(ctx context.Context, to Phase, run func() error) error {
	if err := p.state.begin(to); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		p.state.finish(to, err)
		return &PhaseError{Phase: to, Err: err}
	}

	startTime := time.Now()
	p.logger.InfoContext(ctx, "phase started", "phase", to.Action())

	err := run()
	p.state.finish(to, err)
	if err != nil {
		p.logger.ErrorContext(ctx, "phase failed", "phase", to.Action(), "error", err)
		return &PhaseError{Phase: to, Err: err}
	}

	p.logger.InfoContext(ctx, "phase completed", "phase", to.Action(), "state", to, "duration", time.Since(startTime))
	return nil
}

// CacheSize sums the sizes of regular files left under the given image
// directories. Missing directories count as empty.
func CacheSize(rootfs string, dirs []string) (int64, error) {
	var total int64
	for _, dir := range dirs {
		hostDir := filepath.Join(rootfs, filepath.FromSlash(dir))
		err := filepath.WalkDir(hostDir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if !d.Type().IsRegular() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
			return nil
		})
		if err != nil {
			if errors.Is(err, os.ErrPermission) {
				return 0, &errdefs.PermissionError{Path: dir, Err: err}
			}
			return 0, fmt.Errorf("measure cache %s: %w", dir, err)
		}
	}
	return total, nil
}

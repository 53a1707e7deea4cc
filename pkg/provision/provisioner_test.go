package provision_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/maxdollinger/envbuild/pkg/env"
	"github.com/maxdollinger/envbuild/pkg/errdefs"
	"github.com/maxdollinger/envbuild/pkg/provision"
	"github.com/maxdollinger/envbuild/pkg/provision/apt"
	"github.com/maxdollinger/envbuild/pkg/provision/apt/apttest"
)

func environ() env.Environment {
	return env.Default().With(env.FrontendKey, env.NonInteractive)
}

func TestPhaseOrderEnforced(t *testing.T) {
	ctx := context.Background()
	p := provision.NewProvisioner(apt.NewManager(apttest.Noble()), t.TempDir(), environ())

	if err := p.Install(ctx, provision.MustPackageSet("curl"), provision.InstallOptions{}); !errors.Is(err, provision.ErrPhaseOrder) {
		t.Fatalf("install before index: got %v, want ErrPhaseOrder", err)
	}
	if err := p.Clean(ctx, nil); !errors.Is(err, provision.ErrPhaseOrder) {
		t.Fatalf("clean before install: got %v, want ErrPhaseOrder", err)
	}
	if err := p.Index(ctx); err != nil {
		t.Fatalf("Index failed: %v", err)
	}
	if err := p.Index(ctx); !errors.Is(err, provision.ErrPhaseOrder) {
		t.Fatalf("second index: got %v, want ErrPhaseOrder", err)
	}
	if p.Phase() != provision.PhaseIndexed {
		t.Errorf("Phase() = %s, want indexed", p.Phase())
	}
}

func TestFailedPhasePoisonsMachine(t *testing.T) {
	ctx := context.Background()
	p := provision.NewProvisioner(apt.NewManager(apttest.Noble()), t.TempDir(), environ())

	if err := p.Index(ctx); err != nil {
		t.Fatal(err)
	}
	if err := p.Install(ctx, provision.MustPackageSet("nonexistent-pkg-xyz"), provision.InstallOptions{}); err == nil {
		t.Fatal("expected install failure")
	}
	if err := p.Clean(ctx, nil); !errors.Is(err, provision.ErrPhaseOrder) {
		t.Errorf("clean after failed install: got %v, want ErrPhaseOrder", err)
	}
}

func TestRunCommitsEveryPhase(t *testing.T) {
	rootfs := t.TempDir()
	p := provision.NewProvisioner(apt.NewManager(apttest.Noble()), rootfs, environ())

	var committed []provision.Phase
	result, err := p.Run(context.Background(), provision.Request{
		Packages: provision.MustPackageSet("curl"),
		Options:  provision.InstallOptions{NoRecommends: true},
	}, func(ctx context.Context, phase provision.Phase) error {
		committed = append(committed, phase)
		return nil
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := []provision.Phase{provision.PhaseIndexed, provision.PhaseInstalled, provision.PhaseCleaned}
	if diff := cmp.Diff(want, committed); diff != "" {
		t.Errorf("committed phases mismatch (-want +got):\n%s", diff)
	}
	if result.Phase != provision.PhaseCleaned {
		t.Errorf("result phase = %s", result.Phase)
	}
	if result.CacheBytes != 0 {
		t.Errorf("cache bytes = %d, want 0", result.CacheBytes)
	}
	if !result.Installed.Contains("curl") {
		t.Error("curl not installed")
	}
	if result.Installed.Contains("ca-certificates") {
		t.Error("recommended package installed despite --no-install-recommends")
	}

	if _, err := environ().SearchPath().Lookup(rootfs, "curl"); err != nil {
		t.Errorf("curl not on search path: %v", err)
	}
}

func TestRunIsRepeatable(t *testing.T) {
	run := func() provision.PackageSet {
		p := provision.NewProvisioner(apt.NewManager(apttest.Noble()), t.TempDir(), environ())
		result, err := p.Run(context.Background(), provision.Request{
			Packages: provision.MustPackageSet("git", "curl"),
			Options:  provision.InstallOptions{NoRecommends: true},
		}, nil)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		return result.Installed
	}

	first, second := run(), run()
	if !first.Equal(second) {
		t.Errorf("installed sets differ: %s vs %s", first, second)
	}
}

func TestRunMissingPackageIsResolutionError(t *testing.T) {
	p := provision.NewProvisioner(apt.NewManager(apttest.Noble()), t.TempDir(), environ())

	_, err := p.Run(context.Background(), provision.Request{
		Packages: provision.MustPackageSet("curl", "nonexistent-pkg-xyz"),
	}, nil)

	var rerr *errdefs.ResolutionError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected ResolutionError, got %v", err)
	}
	if rerr.Name != "nonexistent-pkg-xyz" {
		t.Errorf("resolution names %q", rerr.Name)
	}

	var perr *provision.PhaseError
	if !errors.As(err, &perr) || perr.Phase != provision.PhaseInstalled {
		t.Errorf("expected failure in install phase, got %v", err)
	}
}

func TestRunTransportFailureStopsBeforeInstall(t *testing.T) {
	executor := apttest.Noble()
	executor.Unreachable = true
	p := provision.NewProvisioner(apt.NewManager(executor), t.TempDir(), environ())

	_, err := p.Run(context.Background(), provision.Request{Packages: provision.MustPackageSet("curl")}, nil)
	if !errdefs.IsTransport(err) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if n := len(executor.Calls()); n != 1 {
		t.Errorf("expected only the update call, got %d calls", n)
	}
}

func TestCleanupFailureKeepsInstall(t *testing.T) {
	rootfs := t.TempDir()
	executor := apttest.Noble()
	executor.ReadOnly = "/var/cache/apt/archives"
	p := provision.NewProvisioner(apt.NewManager(executor), rootfs, environ())

	_, err := p.Run(context.Background(), provision.Request{Packages: provision.MustPackageSet("curl")}, nil)
	if !errdefs.IsPermission(err) {
		t.Fatalf("expected PermissionError, got %v", err)
	}
	if p.Phase() != provision.PhaseInstalled {
		t.Errorf("Phase() = %s, want installed", p.Phase())
	}
	if _, err := os.Stat(filepath.Join(rootfs, "usr", "bin", "curl")); err != nil {
		t.Errorf("install was rolled back: %v", err)
	}
}

func TestCommitFailureIsReported(t *testing.T) {
	p := provision.NewProvisioner(apt.NewManager(apttest.Noble()), t.TempDir(), environ())
	boom := errors.New("disk full")

	_, err := p.Run(context.Background(), provision.Request{Packages: provision.MustPackageSet("curl")},
		func(ctx context.Context, phase provision.Phase) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected commit error, got %v", err)
	}
}

func TestRunHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := provision.NewProvisioner(apt.NewManager(apttest.Noble()), t.TempDir(), environ())
	if _, err := p.Run(ctx, provision.Request{Packages: provision.MustPackageSet("curl")}, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestCacheSizeMissingDirs(t *testing.T) {
	size, err := provision.CacheSize(t.TempDir(), []string{"/var/lib/apt/lists"})
	if err != nil || size != 0 {
		t.Errorf("CacheSize = %d, %v; want 0, nil", size, err)
	}
}

func TestInstallAcceptsQualifiedAndVirtualNames(t *testing.T) {
	rootfs := t.TempDir()
	p := provision.NewProvisioner(apt.NewManager(apttest.Noble()), rootfs, environ())

	result, err := p.Run(context.Background(), provision.Request{
		Packages: provision.MustPackageSet("curl:amd64", "awk"),
		Options:  provision.InstallOptions{NoRecommends: true},
	}, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := []string{"curl", "libcurl4t64", "mawk", "zlib1g"}
	if diff := cmp.Diff(want, result.Installed.Names()); diff != "" {
		t.Errorf("installed mismatch (-want +got):\n%s", diff)
	}
}

// Package apt drives apt-get and dpkg inside a Debian-family root filesystem.
package apt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/maxdollinger/envbuild/pkg/env"
	"github.com/maxdollinger/envbuild/pkg/errdefs"
	"github.com/maxdollinger/envbuild/pkg/provision"
)

const (
	ListsDir    = "/var/lib/apt/lists"
	ArchivesDir = "/var/cache/apt/archives"
	StatusFile  = "/var/lib/dpkg/status"
)

// DefaultCleanPaths is what a recipe's "rm -rf /var/lib/apt/lists/*" removes.
var DefaultCleanPaths = []string{ListsDir + "/*"}

// Manager implements provision.Manager for apt.
type Manager struct {
	executor provision.Executor
	logger   *slog.Logger
}

func NewManager(executor provision.Executor) *Manager {
	return &Manager{
		executor: executor,
		logger:   slog.Default().With("manager", "apt"),
	}
}

func (m *Manager) Name() string {
	return "apt"
}

func (m *Manager) CacheDirs() []string {
	return []string{ListsDir, ArchivesDir}
}

func (m *Manager) Update(ctx context.Context, rootfs string, environ env.Environment) error {
	stderr, err := m.run(ctx, rootfs, environ, "apt-get", "update")
	if err != nil {
		return classify(stderr, err)
	}
	// apt-get update exits zero when some repositories were unreachable
	if terr := updateWarnings(stderr); terr != nil {
		return terr
	}
	return nil
}

func (m *Manager) Install(ctx context.Context, rootfs string, environ env.Environment, pkgs provision.PackageSet, opts provision.InstallOptions) error {
	if pkgs.Len() == 0 {
		return nil
	}
	args := []string{"apt-get", "install", "-y"}
	if opts.NoRecommends {
		args = append(args, "--no-install-recommends")
	}
	args = append(args, pkgs.Names()...)

	stderr, err := m.run(ctx, rootfs, environ, args...)
	if err != nil {
		return classify(stderr, err)
	}
	return nil
}

// Clean runs apt-get clean and then removes the package lists and paths,
// which may contain globs and are interpreted relative to rootfs.
func (m *Manager) Clean(ctx context.Context, rootfs string, environ env.Environment, paths []string) error {
	stderr, err := m.run(ctx, rootfs, environ, "apt-get", "clean")
	if err != nil {
		return classify(stderr, err)
	}

	for _, p := range append(slices.Clone(DefaultCleanPaths), paths...) {
		if err := removeInRoot(rootfs, p); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) Installed(ctx context.Context, rootfs string) (provision.Inventory, error) {
	f, err := os.Open(filepath.Join(rootfs, filepath.FromSlash(StatusFile)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return provision.Inventory{}, nil
		}
		return provision.Inventory{}, fmt.Errorf("open dpkg status: %w", err)
	}
	defer f.Close()

	st, err := ReadStatus(f)
	if err != nil {
		return provision.Inventory{}, fmt.Errorf("read dpkg status: %w", err)
	}
	pkgs, err := provision.NewPackageSet(st.Installed...)
	if err != nil {
		return provision.Inventory{}, err
	}
	return provision.Inventory{Packages: pkgs, Provides: st.Provides}, nil
}

func (m *Manager) run(ctx context.Context, rootfs string, environ env.Environment, args ...string) (string, error) {
	var stderr bytes.Buffer
	out := &lineLogger{ctx: ctx, logger: m.logger, stream: "stdout"}
	errOut := &lineLogger{ctx: ctx, logger: m.logger, stream: "stderr"}

	m.logger.DebugContext(ctx, "running", "command", strings.Join(args, " "))
	err := m.executor.Run(ctx, rootfs, provision.Command{
		Args:   args,
		Env:    environ.List(),
		Stdout: out,
		Stderr: io.MultiWriter(&stderr, errOut),
	})
	out.flush()
	errOut.flush()
	return stderr.String(), err
}

func removeInRoot(rootfs, pattern string) error {
	clean := filepath.Clean("/" + pattern)
	if clean == "/" {
		return fmt.Errorf("refusing to remove the root directory")
	}
	matches, err := filepath.Glob(filepath.Join(rootfs, filepath.FromSlash(clean)))
	if err != nil {
		return fmt.Errorf("expand %q: %w", pattern, err)
	}
	for _, match := range matches {
		if err := os.RemoveAll(match); err != nil {
			if errors.Is(err, os.ErrPermission) {
				return &errdefs.PermissionError{Path: strings.TrimPrefix(match, rootfs), Err: err}
			}
			return fmt.Errorf("remove %s: %w", match, err)
		}
	}
	return nil
}

// lineLogger forwards command output to the logger one line at a time.
type lineLogger struct {
	ctx    context.Context
	logger *slog.Logger
	stream string
	buf    []byte
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		l.emit(string(l.buf[:i]))
		l.buf = l.buf[i+1:]
	}
	return len(p), nil
}

func (l *lineLogger) flush() {
	if len(l.buf) > 0 {
		l.emit(string(l.buf))
		l.buf = nil
	}
}

func (l *lineLogger) emit(line string) {
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return
	}
	l.logger.DebugContext(l.ctx, line, "stream", l.stream)
}

package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/maxdollinger/envbuild/pkg/errdefs"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sys/unix"
)

const pollInterval = 100 * time.Millisecond

// FileLocker takes advisory flock(2) locks on one file per digest in dir.
// Locks are released by the kernel if the process dies.
type FileLocker struct {
	dir string
}

func NewFileLocker(dir string) *FileLocker {
	return &FileLocker{dir: dir}
}

func (l *FileLocker) AcquireLock(ctx context.Context, dgst digest.Digest) (Lock, error) {
	if err := dgst.Validate(); err != nil {
		return nil, fmt.Errorf("lock key: %w", err)
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, lockError(l.dir, err)
	}

	path := filepath.Join(l.dir, dgst.Algorithm().String()+"-"+dgst.Encoded()+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, lockError(path, err)
	}

	waiting := false
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &fileLock{f: f}, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			f.Close()
			return nil, lockError(path, err)
		}
		if !waiting {
			slog.Default().InfoContext(ctx, "waiting for concurrent build", "digest", dgst.String())
			waiting = true
		}

		select {
		case <-ctx.Done():
			f.Close()
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

type fileLock struct {
	f *os.File
}

func (l *fileLock) Release() error {
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		l.f.Close()
		return fmt.Errorf("unlock: %w", err)
	}
	return l.f.Close()
}

func lockError(path string, err error) error {
	if errors.Is(err, os.ErrPermission) {
		return &errdefs.PermissionError{Path: path, Err: err}
	}
	return fmt.Errorf("lock %s: %w", path, err)
}

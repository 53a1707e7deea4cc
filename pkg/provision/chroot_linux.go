//go:build linux

package provision

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"syscall"

	"github.com/maxdollinger/envbuild/pkg/env"
	"github.com/maxdollinger/envbuild/pkg/errdefs"
	"golang.org/x/sys/unix"
)

var deviceBinds = []string{"/dev/null", "/dev/urandom"}

// ChrootExecutor runs commands chrooted into the rootfs. It needs root.
// For each command /proc is mounted, /dev/null and /dev/urandom are bound
// from the host and the host resolver config is put in place. All of it is
// undone when the command returns.
type ChrootExecutor struct {
	// ResolvConf is copied into the rootfs so the package manager can reach
	// its repositories. Empty disables the copy.
	ResolvConf string
}

func NewChrootExecutor() *ChrootExecutor {
	return &ChrootExecutor{ResolvConf: "/etc/resolv.conf"}
}

func (e *ChrootExecutor) Run(ctx context.Context, rootfs string, cmd Command) (err error) {
	if len(cmd.Args) == 0 {
		return errors.New("empty command")
	}
	if os.Geteuid() != 0 {
		return &errdefs.PermissionError{Path: rootfs, Err: errors.New("chroot requires root privileges")}
	}

	// resolve inside the image, exec would otherwise search the host PATH
	name := cmd.Args[0]
	if !strings.Contains(name, "/") {
		resolved, err := env.FromList(cmd.Env).SearchPath().Lookup(rootfs, name)
		if err != nil {
			return &ExitError{Command: cmd.String(), ExitCode: 127}
		}
		name = resolved
	}

	var undo []func() error
	defer func() {
		var errs []error
		for _, fn := range slices.Backward(undo) {
			if uerr := fn(); uerr != nil {
				errs = append(errs, uerr)
			}
		}
		if len(errs) > 0 {
			cerr := errors.Join(errs...)
			slog.Default().ErrorContext(ctx, "failed to restore rootfs", "rootfs", rootfs, "error", cerr)
			if err == nil {
				err = fmt.Errorf("restore rootfs: %w", cerr)
			}
		}
	}()
	if undo, err = e.prepare(rootfs); err != nil {
		return err
	}

	c := exec.CommandContext(ctx, name, cmd.Args[1:]...)
	c.Args[0] = cmd.Args[0]
	c.Env = cmd.Env
	c.Dir = "/"
	c.Stdout = cmd.Stdout
	c.Stderr = cmd.Stderr
	c.SysProcAttr = &syscall.SysProcAttr{Chroot: rootfs}

	err = c.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Command: cmd.String(), ExitCode: exitErr.ExitCode()}
	}
	if err != nil {
		return fmt.Errorf("run %s: %w", cmd, err)
	}
	return nil
}

// prepare sets up the runtime paths and returns the steps undoing them, in
// the order they were applied. On error the returned steps cover whatever
// was already done.
func (e *ChrootExecutor) prepare(rootfs string) ([]func() error, error) {
	var undo []func() error

	if e.ResolvConf != "" {
		restore, err := placeResolvConf(e.ResolvConf, filepath.Join(rootfs, "etc", "resolv.conf"))
		if restore != nil {
			undo = append(undo, restore)
		}
		if err != nil {
			return undo, err
		}
	}

	procDir := filepath.Join(rootfs, "proc")
	created, err := ensureMountpoint(procDir, true)
	if err != nil {
		return undo, err
	}
	if err := unix.Mount("proc", procDir, "proc", unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, ""); err != nil {
		if created {
			_ = os.Remove(procDir)
		}
		return undo, fmt.Errorf("mount /proc: %w", err)
	}
	undo = append(undo, unmountStep(procDir, created))

	for _, dev := range deviceBinds {
		target := filepath.Join(rootfs, dev)
		created, err := ensureMountpoint(target, false)
		if err != nil {
			return undo, err
		}
		if err := unix.Mount(dev, target, "", unix.MS_BIND, ""); err != nil {
			if created {
				_ = os.Remove(target)
			}
			return undo, fmt.Errorf("bind %s: %w", dev, err)
		}
		undo = append(undo, unmountStep(target, created))
	}
	return undo, nil
}

// ensureMountpoint creates target as a directory or an empty file unless it
// exists. A symlink is refused since mounting would follow it out of the
// rootfs.
func ensureMountpoint(target string, dir bool) (created bool, err error) {
	info, err := os.Lstat(target)
	switch {
	case err == nil && info.Mode()&fs.ModeSymlink != 0:
		return false, &errdefs.PermissionError{Path: target, Err: errors.New("refusing to mount over a symlink")}
	case err == nil:
		return false, nil
	case !errors.Is(err, fs.ErrNotExist):
		return false, err
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return false, fmt.Errorf("create %s: %w", filepath.Dir(target), err)
	}
	if dir {
		err = os.Mkdir(target, 0o555)
	} else {
		err = os.WriteFile(target, nil, 0o644)
	}
	if err != nil {
		return false, fmt.Errorf("create mountpoint %s: %w", target, err)
	}
	return true, nil
}

func unmountStep(target string, created bool) func() error {
	return func() error {
		if err := unix.Unmount(target, unix.MNT_DETACH); err != nil {
			return fmt.Errorf("unmount %s: %w", target, err)
		}
		if created {
			return os.Remove(target)
		}
		return nil
	}
}

// placeResolvConf copies the host resolver config to target and returns a
// step putting back what target was before: its content, its link or
// nothing at all.
func placeResolvConf(hostFile, target string) (func() error, error) {
	data, err := os.ReadFile(hostFile)
	if err != nil {
		// no resolver config on the host, let the repository fetch report it
		return func() error { return nil }, nil
	}

	var restore func() error
	info, err := os.Lstat(target)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		restore = func() error { return removeIfExists(target) }
	case err != nil:
		return nil, err
	case info.Mode()&fs.ModeSymlink != 0:
		link, err := os.Readlink(target)
		if err != nil {
			return nil, err
		}
		restore = func() error {
			if err := removeIfExists(target); err != nil {
				return err
			}
			return os.Symlink(link, target)
		}
	case info.Mode().IsRegular():
		orig, err := os.ReadFile(target)
		if err != nil {
			return nil, err
		}
		restore = func() error {
			if err := removeIfExists(target); err != nil {
				return err
			}
			if err := os.WriteFile(target, orig, info.Mode().Perm()); err != nil {
				return err
			}
			return os.Chtimes(target, info.ModTime(), info.ModTime())
		}
	default:
		return nil, fmt.Errorf("%s is not a regular file", target)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, fmt.Errorf("create etc directory: %w", err)
	}
	if err := removeIfExists(target); err != nil {
		return nil, err
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return restore, fmt.Errorf("write resolv.conf: %w", err)
	}
	return restore, nil
}

func removeIfExists(p string) error {
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

package provision

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// Command is a process to run inside a root filesystem.
type Command struct {
	Args   []string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

func (c Command) String() string {
	return strings.Join(c.Args, " ")
}

// RuntimePaths are mounted or written into the rootfs while a command runs
// and are gone again afterwards. Snapshots must skip them.
var RuntimePaths = []string{"/proc", "/dev/null", "/dev/urandom", "/etc/resolv.conf"}

// Executor runs commands with rootfs as their root directory.
type Executor interface {
	Run(ctx context.Context, rootfs string, cmd Command) error
}

// ExitError is returned by an Executor when the command ran but exited non-zero.
type ExitError struct {
	Command  string
	ExitCode int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s: exit status %d", e.Command, e.ExitCode)
}

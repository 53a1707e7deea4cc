package main

import (
	"fmt"

	"github.com/maxdollinger/envbuild/pkg/errdefs"
)

const (
	exitFailure    = 1
	exitUsage      = 2
	exitResolution = 3
	exitTransport  = 4
	exitPermission = 5
)

// ExitError signals a non-zero exit code without forcing os.Exit in RunE handlers.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// exitCode maps the error taxonomy onto process exit codes.
func exitCode(err error) int {
	switch errdefs.Kind(err) {
	case "recipe":
		return exitUsage
	case "resolution":
		return exitResolution
	case "transport":
		return exitTransport
	case "permission":
		return exitPermission
	default:
		return exitFailure
	}
}

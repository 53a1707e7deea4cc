// Package errdefs defines the error taxonomy shared by every build phase.
//
// All errors are fatal to a build. Callers distinguish them with errors.As:
//
//	var rerr *errdefs.ResolutionError
//	if errors.As(err, &rerr) { ... }
package errdefs

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is wrapped by ResolutionError when the subject does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDigestMismatch is wrapped by ResolutionError when a pinned digest cannot be verified.
	ErrDigestMismatch = errors.New("digest mismatch")
	// ErrNotPinned is wrapped by ResolutionError when digest pinning is required but only a tag was given.
	ErrNotPinned = errors.New("reference is not pinned by digest")
)

// ResolutionError reports a base image or package name that cannot be resolved.
type ResolutionError struct {
	Kind string // "image" or "package"
	Name string
	Err  error
}

func (e *ResolutionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("resolve %s %q", e.Kind, e.Name)
	}
	return fmt.Sprintf("resolve %s %q: %s", e.Kind, e.Name, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// TransportError reports an unreachable registry or package repository.
type TransportError struct {
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	if e.Endpoint == "" {
		return fmt.Sprintf("transport: %s", e.Err)
	}
	return fmt.Sprintf("transport %s: %s", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// PermissionError reports a denied filesystem write or delete.
type PermissionError struct {
	Path string
	Err  error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied on %s: %s", e.Path, e.Err)
}

func (e *PermissionError) Unwrap() error {
	return e.Err
}

// RecipeError reports a malformed recipe.
type RecipeError struct {
	Line int
	Msg  string
}

func (e *RecipeError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("recipe line %d: %s", e.Line, e.Msg)
	}
	return "recipe: " + e.Msg
}

func NewPackageNotFound(name string) error {
	return &ResolutionError{Kind: "package", Name: name, Err: ErrNotFound}
}

func NewImageNotFound(ref string, err error) error {
	if err == nil {
		err = ErrNotFound
	}
	return &ResolutionError{Kind: "image", Name: ref, Err: err}
}

func IsResolution(err error) bool {
	var target *ResolutionError
	return errors.As(err, &target)
}

func IsTransport(err error) bool {
	var target *TransportError
	return errors.As(err, &target)
}

func IsPermission(err error) bool {
	var target *PermissionError
	return errors.As(err, &target)
}

// Kind names the class of err for reports and build history:
// "recipe", "resolution", "transport", "permission", "canceled" or "internal".
func Kind(err error) string {
	var recipeErr *RecipeError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &recipeErr):
		return "recipe"
	case IsResolution(err):
		return "resolution"
	case IsTransport(err):
		return "transport"
	case IsPermission(err):
		return "permission"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal"
	}
}

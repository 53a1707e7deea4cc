package lock

import (
	"context"

	"github.com/opencontainers/go-digest"
)

// Locker serialises builds of the same recipe.
// AcquireLock blocks until the lock is acquired or ctx is cancelled.
type Locker interface {
	AcquireLock(ctx context.Context, digest digest.Digest) (Lock, error)
}

// Lock represents an acquired lock that must be released
type Lock interface {
	Release() error
}

package lock

import (
	"context"

	"github.com/opencontainers/go-digest"
)

// NoOpLocker hands out locks without coordination. Builders use it when no
// lock directory is configured.
type NoOpLocker struct{}

func NewNoOpLocker() *NoOpLocker {
	return &NoOpLocker{}
}

func (l *NoOpLocker) AcquireLock(ctx context.Context, d digest.Digest) (Lock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return noopLock{}, nil
}

type noopLock struct{}

func (noopLock) Release() error {
	return nil
}

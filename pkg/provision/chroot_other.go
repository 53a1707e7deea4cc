//go:build !linux

package provision

import (
	"context"
	"errors"
)

type ChrootExecutor struct {
	ResolvConf string
}

func NewChrootExecutor() *ChrootExecutor {
	return &ChrootExecutor{}
}

func (e *ChrootExecutor) Run(ctx context.Context, rootfs string, cmd Command) error {
	return errors.New("chroot execution is only supported on linux")
}

//go:build unix

package fs

import (
	iofs "io/fs"
	"syscall"
)

func owner(info iofs.FileInfo) (uid, gid int) {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return int(st.Uid), int(st.Gid)
	}
	return 0, 0
}

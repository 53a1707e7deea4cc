package fs

import (
	"bufio"
	"errors"
	"io"
	"os"
	"path/filepath"
)

// WriteAtomic streams the output of write into filePath through a temporary
// file in the same directory, so readers see either the old file or the
// complete new one. Atomicity only holds within one filesystem.
func WriteAtomic(filePath string, perm os.FileMode, write func(io.Writer) error) (err error) {
	dir := filepath.Dir(filePath)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(filePath)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	buf := bufio.NewWriter(tmp)
	if err := write(buf); err != nil {
		return err
	}
	if err := buf.Flush(); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, filePath); err != nil {
		return err
	}

	// fsync dir so rename is durable across power loss
	dfd, err := os.Open(dir)
	if err != nil {
		return err
	}
	return errors.Join(dfd.Sync(), dfd.Close())
}

// WriteFileAtomic is WriteAtomic for an in-memory payload.
func WriteFileAtomic(filePath string, data []byte, perm os.FileMode) error {
	return WriteAtomic(filePath, perm, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

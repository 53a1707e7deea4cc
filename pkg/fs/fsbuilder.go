// Package fs turns image layers into a working root filesystem and turns
// changes made to that filesystem back into layers.
//
// The Flattener extracts and merges OCI image layers into a directory. It
// handles:
//   - Layer ordering and file overwrites
//   - OCI whiteout markers (.wh.* files) for deletions
//   - Opaque whiteouts (.wh..wh..opaque) for directory clearing
//   - Directory traversal protection
//   - Context cancellation
//
// Snapshot and Diff record the state of a directory and compute the
// changeset between two states; WriteLayer serialises a changeset as an
// uncompressed layer tarball using the same whiteout conventions.
package fs

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/maxdollinger/envbuild/pkg/oci"
)

const (
	whiteoutPrefix = ".wh."
	opaqueWhiteout = ".wh..wh..opaque"
)

type FsBuilder interface {
	BuildFs(ctx context.Context, layers []oci.Layer, targetDir string) error
}

type Flattener struct{}

func NewFlattener() *Flattener {
	return &Flattener{}
}

func (f *Flattener) BuildFs(ctx context.Context, layers []oci.Layer, targetDir string) error {
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return fmt.Errorf("create target directory: %w", err)
	}
	root, err := filepath.Abs(targetDir)
	if err != nil {
		return fmt.Errorf("resolve target directory: %w", err)
	}

	for i, layer := range layers {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := f.extractLayer(ctx, layer, root); err != nil {
			return fmt.Errorf("extract layer %d (%s): %w", i, layer.Digest(), err)
		}
	}

	return nil
}

func (f *Flattener) extractLayer(ctx context.Context, layer oci.Layer, root string) error {
	reader, err := layer.Compressed(ctx)
	if err != nil {
		return fmt.Errorf("get compressed layer: %w", err)
	}
	defer reader.Close()

	gzipReader, err := gzip.NewReader(reader)
	if err != nil {
		return fmt.Errorf("decompress gzip: %w", err)
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)
	var dirTimes []*tar.Header

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar header: %w", err)
		}

		if isWhiteout(header.Name) {
			if err := f.handleWhiteout(root, header.Name); err != nil {
				return fmt.Errorf("handle whiteout: %w", err)
			}
			continue
		}

		if err := f.extractTarEntry(root, header, tarReader); err != nil {
			return fmt.Errorf("extract tar entry %q: %w", header.Name, err)
		}
		if header.Typeflag == tar.TypeDir {
			dirTimes = append(dirTimes, header)
		}
	}

	// directory mtimes change as children are written, restore them last
	for _, h := range dirTimes {
		target, err := securePath(root, h.Name)
		if err != nil {
			continue
		}
		_ = os.Chtimes(target, time.Time{}, h.ModTime)
	}

	return nil
}

func isWhiteout(name string) bool {
	_, file := filepath.Split(filepath.Clean(name))
	return strings.HasPrefix(file, whiteoutPrefix)
}

// handleWhiteout removes a file or empties a directory as marked by a whiteout.
func (f *Flattener) handleWhiteout(root, whiteoutPath string) error {
	dir, file := filepath.Split(filepath.Clean(whiteoutPath))

	if file == opaqueWhiteout {
		opaqueDir, err := securePath(root, dir)
		if err != nil {
			return err
		}
		entries, err := os.ReadDir(opaqueDir)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("read opaque directory: %w", err)
		}
		for _, e := range entries {
			if err := os.RemoveAll(filepath.Join(opaqueDir, e.Name())); err != nil {
				return fmt.Errorf("clear opaque directory: %w", err)
			}
		}
		return os.MkdirAll(opaqueDir, 0o755)
	}

	deletePath, err := securePath(root, filepath.Join(dir, strings.TrimPrefix(file, whiteoutPrefix)))
	if err != nil {
		return err
	}
	if err := os.RemoveAll(deletePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove whiteout file: %w", err)
	}
	return nil
}

func (f *Flattener) extractTarEntry(root string, header *tar.Header, reader io.Reader) error {
	targetPath, err := securePath(root, header.Name)
	if err != nil {
		return err
	}
	if targetPath == root {
		return nil
	}
	mode := os.FileMode(header.Mode).Perm()

	switch header.Typeflag {
	case tar.TypeDir:
		if info, err := os.Lstat(targetPath); err == nil && !info.IsDir() {
			_ = os.Remove(targetPath)
		}
		if err := os.MkdirAll(targetPath, mode); err != nil {
			return fmt.Errorf("mkdir: %w", err)
		}
		_ = os.Chmod(targetPath, mode)
		_ = os.Lchown(targetPath, header.Uid, header.Gid)

	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return fmt.Errorf("mkdir parent: %w", err)
		}
		// replace rather than write through an existing symlink or hardlink
		_ = os.Remove(targetPath)

		file, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
		if err != nil {
			return fmt.Errorf("open file: %w", err)
		}
		if _, err := io.CopyN(file, reader, header.Size); err != nil && !errors.Is(err, io.EOF) {
			file.Close()
			return fmt.Errorf("copy file content: %w", err)
		}
		if err := file.Close(); err != nil {
			return fmt.Errorf("close file: %w", err)
		}
		_ = os.Chmod(targetPath, mode)
		_ = os.Lchown(targetPath, header.Uid, header.Gid)
		_ = os.Chtimes(targetPath, time.Time{}, header.ModTime)

	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return fmt.Errorf("mkdir parent: %w", err)
		}
		_ = os.RemoveAll(targetPath)
		if err := os.Symlink(header.Linkname, targetPath); err != nil {
			return fmt.Errorf("create symlink: %w", err)
		}
		_ = os.Lchown(targetPath, header.Uid, header.Gid)

	case tar.TypeLink:
		linkTarget, err := securePath(root, header.Linkname)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return fmt.Errorf("mkdir parent: %w", err)
		}
		_ = os.Remove(targetPath)
		if err := os.Link(linkTarget, targetPath); err != nil {
			return fmt.Errorf("create hardlink: %w", err)
		}

	default:
		// device nodes and fifos are left to the runtime
	}

	return nil
}

// securePath joins name onto root and rejects results outside root.
func securePath(root, name string) (string, error) {
	target := filepath.Join(root, filepath.Clean("/"+name))
	if target != root && !strings.HasPrefix(target, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected: %s", name)
	}
	return target, nil
}

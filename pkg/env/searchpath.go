package env

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ListSeparator delimits search path entries inside linux images.
const ListSeparator = ":"

const maxSymlinkHops = 16

var ErrExecutableNotFound = errors.New("executable not found in search path")

// SearchPath is an ordered list of directories; earlier entries take precedence.
type SearchPath []string

// ParseSearchPath splits value on ListSeparator, dropping empty segments.
// Entries are otherwise kept verbatim, duplicates included.
func ParseSearchPath(value string) SearchPath {
	var p SearchPath
	for _, dir := range strings.Split(value, ListSeparator) {
		if dir == "" {
			continue
		}
		p = append(p, dir)
	}
	return p
}

func (p SearchPath) String() string {
	return strings.Join(p, ListSeparator)
}

// Prepend returns a new path with dirs placed before the existing entries.
func (p SearchPath) Prepend(dirs ...string) SearchPath {
	out := make(SearchPath, 0, len(dirs)+len(p))
	for _, d := range dirs {
		if d != "" {
			out = append(out, d)
		}
	}
	return append(out, p...)
}

// Lookup resolves name to the first executable regular file found in the
// search path of the filesystem rooted at root. It returns the path as seen
// from inside the image. Missing directories are skipped, as a shell would.
func (p SearchPath) Lookup(root, name string) (string, error) {
	if strings.Contains(name, "/") {
		return "", fmt.Errorf("lookup %q: name must not contain a separator", name)
	}

	for _, dir := range p {
		if !path.IsAbs(dir) {
			continue
		}
		inImage := path.Join(dir, name)
		info, err := statInRoot(root, inImage)
		if err != nil {
			continue
		}
		if info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0 {
			return inImage, nil
		}
	}
	return "", fmt.Errorf("lookup %q: %w", name, ErrExecutableNotFound)
}

// statInRoot stats an image path. Every component is resolved inside root,
// so absolute and ".." symlinks anywhere in the path cannot leave it.
func statInRoot(root, inImage string) (fs.FileInfo, error) {
	pending := strings.Split(inImage, "/")
	resolved := "/"
	hops := 0
	for len(pending) > 0 {
		part := pending[0]
		pending = pending[1:]
		switch part {
		case "", ".":
			continue
		case "..":
			resolved = path.Dir(resolved)
			continue
		}

		next := path.Join(resolved, part)
		hostPath := filepath.Join(root, filepath.FromSlash(next))
		info, err := os.Lstat(hostPath)
		if err != nil {
			return nil, err
		}
		if info.Mode()&fs.ModeSymlink == 0 {
			if len(pending) == 0 {
				return info, nil
			}
			resolved = next
			continue
		}

		if hops++; hops > maxSymlinkHops {
			return nil, fmt.Errorf("too many levels of symbolic links: %s", inImage)
		}
		target, err := os.Readlink(hostPath)
		if err != nil {
			return nil, err
		}
		if path.IsAbs(target) {
			resolved = "/"
		}
		pending = append(strings.Split(target, "/"), pending...)
	}
	return os.Lstat(root)
}

package fs

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// Entry is the recorded state of one path.
type Entry struct {
	Mode    iofs.FileMode
	Size    int64
	ModTime time.Time
	Link    string
	Uid     int
	Gid     int
}

func (e Entry) changed(other Entry) bool {
	return e.Mode != other.Mode || e.Size != other.Size || !e.ModTime.Equal(other.ModTime) ||
		e.Link != other.Link || !e.sameOwner(other)
}

func (e Entry) sameOwner(other Entry) bool {
	return e.Uid == other.Uid && e.Gid == other.Gid
}

// Snapshot maps slash-separated paths relative to the root ("usr/bin/curl")
// to their state.
type Snapshot map[string]Entry

// ChangeKind classifies a path in a changeset.
type ChangeKind int

const (
	ChangeAdd ChangeKind = iota
	ChangeModify
	ChangeDelete
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdd:
		return "add"
	case ChangeModify:
		return "modify"
	default:
		return "delete"
	}
}

type Change struct {
	Path string
	Kind ChangeKind
}

// TakeSnapshot walks root and records every path except those in exclude
// (image paths such as "/etc/resolv.conf").
func TakeSnapshot(root string, exclude ...string) (Snapshot, error) {
	skip := make(map[string]struct{}, len(exclude))
	for _, e := range exclude {
		skip[strings.TrimPrefix(path.Clean("/"+e), "/")] = struct{}{}
	}

	snap := Snapshot{}
	err := filepath.WalkDir(root, func(p string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if _, ok := skip[rel]; ok {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		entry := Entry{Mode: info.Mode(), ModTime: info.ModTime()}
		entry.Uid, entry.Gid = owner(info)
		if info.Mode().IsRegular() {
			entry.Size = info.Size()
		}
		if info.Mode()&iofs.ModeSymlink != 0 {
			if entry.Link, err = os.Readlink(p); err != nil {
				return err
			}
		}
		snap[rel] = entry
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", root, err)
	}
	return snap, nil
}

// Diff returns the changes that turn before into after, sorted by path.
// A deleted directory is reported once; its children are implied.
// Directories whose own metadata is unchanged are not reported just because
// their contents changed.
func Diff(before, after Snapshot) []Change {
	var changes []Change

	for p, a := range after {
		b, ok := before[p]
		switch {
		case !ok:
			changes = append(changes, Change{Path: p, Kind: ChangeAdd})
		case a.Mode.IsDir() && b.Mode.IsDir():
			if a.Mode != b.Mode || !a.sameOwner(b) {
				changes = append(changes, Change{Path: p, Kind: ChangeModify})
			}
		case a.changed(b):
			changes = append(changes, Change{Path: p, Kind: ChangeModify})
		}
	}

	for p := range before {
		if _, ok := after[p]; ok {
			continue
		}
		if parentDeleted(p, after, before) {
			continue
		}
		changes = append(changes, Change{Path: p, Kind: ChangeDelete})
	}

	slices.SortFunc(changes, func(a, b Change) int {
		return strings.Compare(a.Path, b.Path)
	})
	return changes
}

func parentDeleted(p string, after, before Snapshot) bool {
	for dir := path.Dir(p); dir != "." && dir != "/"; dir = path.Dir(dir) {
		if _, inBefore := before[dir]; !inBefore {
			continue
		}
		if _, inAfter := after[dir]; !inAfter {
			return true
		}
	}
	return false
}

// WriteLayer writes changes as an uncompressed layer tarball. Added and
// modified paths carry their content from root; deletions become whiteouts.
// Parent directories of changed paths are included so the layer extracts
// with correct ownership and mode.
func WriteLayer(w io.Writer, root string, changes []Change) error {
	tw := tar.NewWriter(w)
	written := map[string]bool{}

	writeDir := func(dir string) error {
		if dir == "." || written[dir] {
			return nil
		}
		info, err := os.Lstat(filepath.Join(root, filepath.FromSlash(dir)))
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if err := writeHeader(tw, root, dir, info); err != nil {
			return err
		}
		written[dir] = true
		return nil
	}

	ensureParents := func(p string) error {
		var parents []string
		for dir := path.Dir(p); dir != "."; dir = path.Dir(dir) {
			parents = append(parents, dir)
		}
		slices.Reverse(parents)
		for _, dir := range parents {
			if err := writeDir(dir); err != nil {
				return err
			}
		}
		return nil
	}

	for _, c := range changes {
		if err := ensureParents(c.Path); err != nil {
			return fmt.Errorf("layer parents of %s: %w", c.Path, err)
		}

		if c.Kind == ChangeDelete {
			hdr := &tar.Header{
				Name:     path.Join(path.Dir(c.Path), whiteoutPrefix+path.Base(c.Path)),
				Typeflag: tar.TypeReg,
				Mode:     0o644,
				Format:   tar.FormatPAX,
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return fmt.Errorf("write whiteout %s: %w", c.Path, err)
			}
			continue
		}

		if written[c.Path] {
			continue
		}
		hostPath := filepath.Join(root, filepath.FromSlash(c.Path))
		info, err := os.Lstat(hostPath)
		if err != nil {
			return fmt.Errorf("stat %s: %w", c.Path, err)
		}
		if err := writeHeader(tw, root, c.Path, info); err != nil {
			return err
		}
		written[c.Path] = true

		if info.Mode().IsRegular() {
			if err := copyContent(tw, hostPath); err != nil {
				return fmt.Errorf("write %s: %w", c.Path, err)
			}
		}
	}

	return tw.Close()
}

func writeHeader(tw *tar.Writer, root, rel string, info iofs.FileInfo) error {
	link := ""
	if info.Mode()&iofs.ModeSymlink != 0 {
		var err error
		if link, err = os.Readlink(filepath.Join(root, filepath.FromSlash(rel))); err != nil {
			return err
		}
	}
	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return fmt.Errorf("header for %s: %w", rel, err)
	}
	hdr.Name = rel
	if info.IsDir() {
		hdr.Name += "/"
	}
	hdr.Uname, hdr.Gname = "", ""
	hdr.AccessTime, hdr.ChangeTime = time.Time{}, time.Time{}
	hdr.Format = tar.FormatPAX
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header %s: %w", rel, err)
	}
	return nil
}

func copyContent(w io.Writer, hostPath string) error {
	f, err := os.Open(hostPath)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	if errors.Is(err, tar.ErrWriteTooLong) {
		return fmt.Errorf("file changed while writing layer: %w", err)
	}
	return err
}

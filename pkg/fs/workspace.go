package fs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Workspace is the scratch area of one build: the root filesystem being
// provisioned and the layer tarballs committed from it.
//
// Process:
//  1. Flatten the base image layers into RootFS
//  2. Baseline records the starting state
//  3. Each Commit writes the changes since the previous commit as a layer
//  4. Close removes everything unless the workspace is kept for debugging
type Workspace struct {
	Dir       string
	RootFS    string
	LayersDir string

	exclude []string
	keep    bool
	last    Snapshot
	count   int
	logger  *slog.Logger
}

// NewWorkspace creates workDir/build-<buildID>. Paths in exclude are never
// captured in layers.
func NewWorkspace(workDir, buildID string, keep bool, exclude ...string) (*Workspace, error) {
	dir := filepath.Join(workDir, "build-"+buildID)
	w := &Workspace{
		Dir:       dir,
		RootFS:    filepath.Join(dir, "rootfs"),
		LayersDir: filepath.Join(dir, "layers"),
		exclude:   exclude,
		keep:      keep,
		logger:    slog.Default().With("workspace", dir),
	}
	for _, d := range []string{w.RootFS, w.LayersDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create build directory: %w", err)
		}
	}
	return w, nil
}

// Baseline records the current RootFS as the parent of the first commit.
func (w *Workspace) Baseline() error {
	snap, err := TakeSnapshot(w.RootFS, w.exclude...)
	if err != nil {
		return err
	}
	w.last = snap
	return nil
}

// Commit writes the changes since the last commit or baseline to a new
// uncompressed layer file and returns its path and the number of changed paths.
func (w *Workspace) Commit(ctx context.Context, name string) (string, int, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	startTime := time.Now()

	current, err := TakeSnapshot(w.RootFS, w.exclude...)
	if err != nil {
		return "", 0, err
	}
	changes := Diff(w.last, current)

	w.count++
	layerPath := filepath.Join(w.LayersDir, fmt.Sprintf("%02d-%s.tar", w.count, name))
	err = WriteAtomic(layerPath, 0o644, func(out io.Writer) error {
		return WriteLayer(out, w.RootFS, changes)
	})
	if err != nil {
		return "", 0, fmt.Errorf("write layer %s: %w", name, err)
	}
	w.last = current

	w.logger.DebugContext(ctx, "layer committed",
		"layer", name,
		"changes", len(changes),
		"duration", time.Since(startTime))
	return layerPath, len(changes), nil
}

// Close removes the workspace unless it is kept.
func (w *Workspace) Close(ctx context.Context) {
	if w.keep {
		w.logger.InfoContext(ctx, "keeping build directory", "path", w.Dir)
		return
	}
	w.logger.DebugContext(ctx, "cleaning up build directory", "path", w.Dir)
	if err := os.RemoveAll(w.Dir); err != nil {
		w.logger.WarnContext(ctx, "failed to cleanup build directory", "error", err, "path", w.Dir)
	}
}

package builder

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/maxdollinger/envbuild/pkg/errdefs"
	"github.com/maxdollinger/envbuild/pkg/fs"
	"github.com/maxdollinger/envbuild/pkg/provision"
	"github.com/opencontainers/go-digest"
)

// BuildResult describes a published image.
type BuildResult struct {
	JobID        string        `json:"job_id"`
	RecipeDigest digest.Digest `json:"recipe_digest"`
	Base         string        `json:"base"`
	BaseDigest   digest.Digest `json:"base_digest"`
	BasePinned   bool          `json:"base_pinned"`
	Tag          string        `json:"tag"`
	ImageDigest  string        `json:"image_digest"`
	Environment  []string      `json:"environment"`
	Installed    []string      `json:"installed"`
	Layers       []LayerReport `json:"layers"`
	Phase        string        `json:"phase"`
	CacheBytes   int64         `json:"cache_bytes"`
	BuildTime    time.Duration `json:"build_time_ns"`
}

// LayerReport describes the layer committed after one phase.
type LayerReport struct {
	Phase   string `json:"phase"`
	Digest  string `json:"digest"`
	Size    int64  `json:"size"`
	Changes int    `json:"changes"`
}

func newLayerReport(phase provision.Phase, layer v1.Layer, changes int) (LayerReport, error) {
	dgst, err := layer.Digest()
	if err != nil {
		return LayerReport{}, fmt.Errorf("layer digest: %w", err)
	}
	size, err := layer.Size()
	if err != nil {
		return LayerReport{}, fmt.Errorf("layer size: %w", err)
	}
	return LayerReport{Phase: phase.String(), Digest: dgst.String(), Size: size, Changes: changes}, nil
}

// BuildError names the stage a build failed in. Stage is one of the Stage
// constants or a provisioning phase action.
type BuildError struct {
	Stage string
	Err   error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Stage, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

type report struct {
	Status string       `json:"status"`
	Result *BuildResult `json:"result,omitempty"`
	Stage  string       `json:"failed_stage,omitempty"`
	Kind   string       `json:"error_kind,omitempty"`
	Error  string       `json:"error,omitempty"`
}

func (r *buildRun) writeReport(ctx context.Context, result *BuildResult, berr *BuildError) {
	if r.opts.ReportPath == "" {
		return
	}
	rep := report{Status: "succeeded", Result: result}
	if berr != nil {
		rep = report{Status: "failed", Stage: berr.Stage, Kind: errdefs.Kind(berr), Error: berr.Err.Error()}
	}
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		r.logger.WarnContext(ctx, "failed to encode build report", "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(r.opts.ReportPath), 0o755); err != nil {
		r.logger.WarnContext(ctx, "failed to write build report", "error", err)
		return
	}
	if err := fs.WriteFileAtomic(r.opts.ReportPath, append(data, '\n'), 0o644); err != nil {
		r.logger.WarnContext(ctx, "failed to write build report", "error", err)
	}
}

func writeWanted(filePath string, stamp int64) error {
	return fs.WriteFileAtomic(filePath, []byte(strconv.FormatInt(stamp, 10)), 0o644)
}

// isNewestBuild reports whether no build started after stamp for the same tag.
func isNewestBuild(filePath string, stamp int64) bool {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return true
	}

	ts, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return true
	}

	return ts <= stamp
}

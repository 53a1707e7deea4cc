// Package builder turns a recipe into a published image: it resolves the base,
// applies the environment, provisions packages phase by phase and publishes
// the result only when every phase succeeded.
package builder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/maxdollinger/envbuild/internal/db"
	"github.com/maxdollinger/envbuild/pkg/env"
	"github.com/maxdollinger/envbuild/pkg/errdefs"
	"github.com/maxdollinger/envbuild/pkg/fs"
	"github.com/maxdollinger/envbuild/pkg/lock"
	"github.com/maxdollinger/envbuild/pkg/oci"
	"github.com/maxdollinger/envbuild/pkg/provision"
	"github.com/maxdollinger/envbuild/pkg/provision/apt"
	"github.com/maxdollinger/envbuild/pkg/recipe"
	"github.com/opencontainers/go-digest"
)

// Build stages reported on failure. The provisioning stages are the phase
// actions: update, install and clean.
const (
	StageLock    = "lock"
	StageResolve = "resolve"
	StagePrepare = "prepare"
	StagePublish = "publish"
)

type BuildOptions struct {
	Tag         string // name of the image in the layout
	LayoutDir   string // OCI layout the image is published to
	WorkDir     string
	ReportPath  string // optional JSON build report
	ArchivePath string // optional docker-loadable tarball
	KeepWorkDir bool
	Created     time.Time
	Platform    string // used when the recipe's FROM has no --platform
}

// SourceFunc resolves a base reference to an image source.
type SourceFunc func(ref string, platform string) (oci.OciImageSource, error)

type Builder struct {
	sources   SourceFunc
	flattener fs.FsBuilder
	executor  provision.Executor
	locker    lock.Locker
	history   *sql.DB
	logger    *slog.Logger
}

type Option func(*Builder)

// WithHistory records every build in the build_jobs table.
func WithHistory(envDB *sql.DB) Option {
	return func(b *Builder) { b.history = envDB }
}

// WithSources replaces the default base image resolution.
func WithSources(sources SourceFunc) Option {
	return func(b *Builder) { b.sources = sources }
}

// NewBuilder wires the build pipeline. A nil locker disables build locking.
func NewBuilder(flattener fs.FsBuilder, executor provision.Executor, locker lock.Locker, opts ...Option) *Builder {
	if locker == nil {
		locker = lock.NewNoOpLocker()
	}
	b := &Builder{
		sources:   DefaultSources(false),
		flattener: flattener,
		executor:  executor,
		locker:    locker,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// DefaultSources resolves scratch, oci-layout:// and registry references.
func DefaultSources(requireDigest bool, remote ...oci.RegistryOption) SourceFunc {
	return func(ref, platform string) (oci.OciImageSource, error) {
		opts := append([]oci.RegistryOption{oci.WithRequireDigest(requireDigest)}, remote...)
		if platform != "" {
			p, err := v1.ParsePlatform(platform)
			if err != nil {
				return nil, &errdefs.RecipeError{Msg: fmt.Sprintf("invalid platform %q: %s", platform, err)}
			}
			opts = append(opts, oci.WithPlatform(*p))
		}
		return oci.NewSource(ref, opts...)
	}
}

// Build runs the recipe. Nothing is published unless every phase succeeds;
// the returned error is a *BuildError naming the failed stage.
func (b *Builder) Build(ctx context.Context, rec *recipe.Recipe, opts BuildOptions) (*BuildResult, error) {
	startTime := time.Now()
	if opts.Created.IsZero() {
		opts.Created = startTime
	}
	if opts.Tag == "" {
		return nil, &BuildError{Stage: StagePrepare, Err: &errdefs.RecipeError{Msg: "image tag must not be empty"}}
	}

	recipeDigest := rec.Digest()
	logger := b.logger.With("recipe", recipeDigest.Encoded()[:12], "tag", opts.Tag)
	logger.InfoContext(ctx, "starting build", "base", rec.Base, "packages", rec.Packages.String())

	l, err := b.locker.AcquireLock(ctx, recipeDigest)
	if err != nil {
		return nil, &BuildError{Stage: StageLock, Err: err}
	}
	defer func() {
		if err := l.Release(); err != nil {
			logger.WarnContext(ctx, "failed to release lock", "error", err)
		}
	}()

	job := b.startJob(ctx, recipeDigest, rec.Base, opts.Tag)
	run := &buildRun{
		Builder:      b,
		rec:          rec,
		opts:         opts,
		logger:       logger,
		job:          job,
		recipeDigest: recipeDigest,
		startTime:    startTime,
	}

	result, err := run.execute(ctx)
	if err != nil {
		var berr *BuildError
		if !errors.As(err, &berr) {
			berr = &BuildError{Stage: StagePrepare, Err: err}
		}
		b.failJob(ctx, job, berr)
		logger.ErrorContext(ctx, "build failed", "stage", berr.Stage, "kind", errdefs.Kind(berr), "error", berr.Err)
		run.writeReport(ctx, nil, berr)
		return nil, berr
	}

	b.completeJob(ctx, job, result.ImageDigest)
	run.writeReport(ctx, result, nil)
	logger.InfoContext(ctx, "build completed successfully",
		"image", result.ImageDigest,
		"layers", len(result.Layers),
		"duration", result.BuildTime)
	return result, nil
}

type buildRun struct {
	*Builder
	rec          *recipe.Recipe
	opts         BuildOptions
	logger       *slog.Logger
	job          string
	recipeDigest digest.Digest
	startTime    time.Time
}

func (r *buildRun) execute(ctx context.Context) (*BuildResult, error) {
	if err := os.MkdirAll(r.opts.LayoutDir, 0o755); err != nil {
		return nil, &BuildError{Stage: StagePrepare, Err: permissionAware(r.opts.LayoutDir, err)}
	}

	// this build is now the wanted one for the tag
	stamp := r.startTime.UnixNano()
	wantedFile := filepath.Join(r.opts.LayoutDir, wantedName(r.opts.Tag))
	if err := writeWanted(wantedFile, stamp); err != nil {
		return nil, &BuildError{Stage: StagePrepare, Err: fmt.Errorf("error writing wanted file: %w", err)}
	}

	platform := r.rec.Platform
	if platform == "" {
		platform = r.opts.Platform
	}
	source, err := r.sources(r.rec.Base, platform)
	if err != nil {
		return nil, &BuildError{Stage: StageResolve, Err: err}
	}
	base, err := source.GetImage(ctx)
	if err != nil {
		return nil, &BuildError{Stage: StageResolve, Err: err}
	}
	r.logger.InfoContext(ctx, "image fetched", "source", source.Info(), "digest", base.Digest.String(), "layers", len(base.Layers))

	environ := env.Default()
	if len(base.Config.Env) > 0 {
		environ = env.FromList(base.Config.Env)
	}
	environ, err = environ.Apply(r.rec.Env...)
	if err != nil {
		return nil, &BuildError{Stage: StagePrepare, Err: &errdefs.RecipeError{Msg: err.Error()}}
	}

	ws, err := fs.NewWorkspace(r.opts.WorkDir, r.job, r.opts.KeepWorkDir, provision.RuntimePaths...)
	if err != nil {
		return nil, &BuildError{Stage: StagePrepare, Err: permissionAware(r.opts.WorkDir, err)}
	}
	defer ws.Close(ctx)

	r.logger.InfoContext(ctx, "flattening layers", "count", len(base.Layers))
	if err := r.flattener.BuildFs(ctx, base.Layers, ws.RootFS); err != nil {
		return nil, &BuildError{Stage: StagePrepare, Err: fmt.Errorf("flatten layers: %w", err)}
	}
	if err := ws.Baseline(); err != nil {
		return nil, &BuildError{Stage: StagePrepare, Err: err}
	}

	steps := make([]oci.Step, 0, len(r.rec.Env)+3)
	for _, v := range r.rec.Env {
		steps = append(steps, oci.Step{CreatedBy: "ENV " + v.String()})
	}

	var layers []LayerReport
	commit := func(ctx context.Context, phase provision.Phase) error {
		path, changes, err := ws.Commit(ctx, phase.String())
		if err != nil {
			return err
		}
		layer, err := oci.LayerFromTar(path)
		if err != nil {
			return err
		}
		report, err := newLayerReport(phase, layer, changes)
		if err != nil {
			return err
		}
		layers = append(layers, report)
		command := r.rec.PhaseCommand(phase)
		if command == "" {
			// the manager cleans the apt caches even when the recipe does not ask
			command = "apt-get clean"
		}
		steps = append(steps, oci.Step{
			CreatedBy: "RUN /bin/sh -c " + command,
			Comment:   "envbuild: " + phase.String(),
			Layer:     layer,
		})
		r.recordPhase(ctx, phase)
		return nil
	}

	prov := provision.NewProvisioner(apt.NewManager(r.executor), ws.RootFS, environ)
	provisioned, err := prov.Run(ctx, r.rec.Request(), commit)
	if err != nil {
		stage := StagePrepare
		var perr *provision.PhaseError
		if errors.As(err, &perr) {
			stage = perr.Phase.Action()
		}
		return nil, &BuildError{Stage: stage, Err: err}
	}

	img, err := oci.Assemble(base, environ.List(), r.opts.Created, steps)
	if err != nil {
		return nil, &BuildError{Stage: StagePublish, Err: err}
	}

	if !isNewestBuild(wantedFile, stamp) {
		return nil, &BuildError{Stage: StagePublish, Err: ErrSuperseded}
	}
	// the archive is written first so a failed export never leaves a tag behind
	if r.opts.ArchivePath != "" {
		if err := oci.ExportArchive(ctx, img, r.opts.ArchivePath, r.opts.Tag); err != nil {
			return nil, &BuildError{Stage: StagePublish, Err: err}
		}
	}
	imageDigest, err := oci.Publish(ctx, img, r.opts.LayoutDir, r.opts.Tag)
	if err != nil {
		if r.opts.ArchivePath != "" {
			_ = os.Remove(r.opts.ArchivePath)
		}
		return nil, &BuildError{Stage: StagePublish, Err: err}
	}

	return &BuildResult{
		JobID:        r.job,
		RecipeDigest: r.recipeDigest,
		Base:         base.Reference,
		BaseDigest:   base.Digest,
		BasePinned:   base.Pinned,
		Tag:          r.opts.Tag,
		ImageDigest:  imageDigest.String(),
		Environment:  environ.List(),
		Installed:    provisioned.Installed.Names(),
		Layers:       layers,
		Phase:        provisioned.Phase.String(),
		CacheBytes:   provisioned.CacheBytes,
		BuildTime:    time.Since(r.startTime),
	}, nil
}

// ErrSuperseded is returned when a newer build of the same tag started while
// this one was running.
var ErrSuperseded = errors.New("newer build detected not publishing")

func wantedName(tag string) string {
	return strings.NewReplacer("/", "_", ":", "_", "@", "_").Replace(tag) + ".wanted"
}

func permissionAware(path string, err error) error {
	if errors.Is(err, os.ErrPermission) {
		return &errdefs.PermissionError{Path: path, Err: err}
	}
	return err
}

func (b *Builder) startJob(ctx context.Context, recipeDigest digest.Digest, base, tag string) string {
	if b.history == nil {
		id, err := uuid.NewV7()
		if err != nil {
			return uuid.NewString()
		}
		return id.String()
	}
	job, err := db.InsertBuildJob(ctx, b.history, recipeDigest.String(), base, tag)
	if err != nil {
		b.logger.WarnContext(ctx, "failed to record build job", "error", err)
		return uuid.NewString()
	}
	if err := db.StartBuildJob(ctx, b.history, job.ID); err != nil {
		b.logger.WarnContext(ctx, "failed to mark build job running", "job", job.ID, "error", err)
	}
	return job.ID
}

func (r *buildRun) recordPhase(ctx context.Context, phase provision.Phase) {
	if r.history == nil {
		return
	}
	if err := db.UpdateBuildJobPhase(ctx, r.history, r.job, phase.String()); err != nil {
		r.logger.WarnContext(ctx, "failed to record phase", "job", r.job, "error", err)
	}
}

func (b *Builder) completeJob(ctx context.Context, job, imageDigest string) {
	if b.history == nil {
		return
	}
	if err := db.CompleteBuildJob(context.WithoutCancel(ctx), b.history, job, imageDigest); err != nil {
		b.logger.WarnContext(ctx, "failed to complete build job", "job", job, "error", err)
	}
}

func (b *Builder) failJob(ctx context.Context, job string, berr *BuildError) {
	if b.history == nil {
		return
	}
	err := db.FailBuildJob(context.WithoutCancel(ctx), b.history, job, berr.Stage, errdefs.Kind(berr), berr.Err.Error())
	if err != nil {
		b.logger.WarnContext(ctx, "failed to record build failure", "job", job, "error", err)
	}
}

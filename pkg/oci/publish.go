package oci

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/layout"
	"github.com/google/go-containerregistry/pkg/v1/match"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/maxdollinger/envbuild/pkg/errdefs"
	specsv1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// Step is one recipe instruction as recorded in the image history. Steps
// without a layer are metadata only (ENV).
type Step struct {
	CreatedBy string
	Comment   string
	Layer     v1.Layer
}

// LayerFromTar opens an uncompressed layer tarball written by fs.WriteLayer.
// The layer is gzip-compressed on read.
func LayerFromTar(path string) (v1.Layer, error) {
	layer, err := tarball.LayerFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("open layer %s: %w", path, err)
	}
	return layer, nil
}

// Assemble stacks steps onto base and sets the image environment.
// The base config (user, entrypoint, workdir) is inherited unchanged.
func Assemble(base *Image, environ []string, created time.Time, steps []Step) (v1.Image, error) {
	img := base.V1()
	if img == nil {
		img = empty.Image
	}
	stamp := v1.Time{Time: created.UTC()}

	for _, step := range steps {
		history := v1.History{
			Created:    stamp,
			CreatedBy:  step.CreatedBy,
			Comment:    step.Comment,
			EmptyLayer: step.Layer == nil,
		}

		if step.Layer != nil {
			var err error
			img, err = mutate.Append(img, mutate.Addendum{Layer: step.Layer, History: history})
			if err != nil {
				return nil, fmt.Errorf("append layer for %q: %w", step.CreatedBy, err)
			}
			continue
		}

		cfg, err := img.ConfigFile()
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		cfg = cfg.DeepCopy()
		cfg.History = append(cfg.History, history)
		if img, err = mutate.ConfigFile(img, cfg); err != nil {
			return nil, fmt.Errorf("record %q: %w", step.CreatedBy, err)
		}
	}

	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg = cfg.DeepCopy()
	cfg.Config.Env = environ
	if cfg.OS == "" {
		cfg.OS = "linux"
	}
	if img, err = mutate.ConfigFile(img, cfg); err != nil {
		return nil, fmt.Errorf("set environment: %w", err)
	}
	if img, err = mutate.CreatedAt(img, stamp); err != nil {
		return nil, fmt.Errorf("set creation time: %w", err)
	}

	annotations := map[string]string{specsv1.AnnotationBaseImageName: base.Reference}
	if base.Digest != "" {
		annotations[specsv1.AnnotationBaseImageDigest] = base.Digest.String()
	}
	annotated, ok := mutate.Annotations(img, annotations).(v1.Image)
	if !ok {
		return nil, fmt.Errorf("annotate image: unexpected type")
	}
	return annotated, nil
}

// Publish writes img into the OCI layout at dir under tag, replacing any
// image previously published with that tag. The layout is created if needed.
func Publish(ctx context.Context, img v1.Image, dir, tag string) (v1.Hash, error) {
	if err := ctx.Err(); err != nil {
		return v1.Hash{}, err
	}

	path, err := layout.FromPath(dir)
	if err != nil {
		if path, err = layout.Write(dir, empty.Index); err != nil {
			return v1.Hash{}, publishError(dir, fmt.Errorf("create layout: %w", err))
		}
	}

	annotations := map[string]string{specsv1.AnnotationRefName: tag}
	if err := path.ReplaceImage(img, match.Annotation(specsv1.AnnotationRefName, tag), layout.WithAnnotations(annotations)); err != nil {
		return v1.Hash{}, publishError(dir, fmt.Errorf("write image: %w", err))
	}

	dgst, err := img.Digest()
	if err != nil {
		return v1.Hash{}, fmt.Errorf("image digest: %w", err)
	}
	slog.Default().InfoContext(ctx, "published image", "layout", dir, "tag", tag, "digest", dgst.String())
	return dgst, nil
}

// ExportArchive writes img as a docker-loadable tarball tagged tag.
func ExportArchive(ctx context.Context, img v1.Image, file, tag string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ref, err := name.NewTag(NormalizeReference(tag))
	if err != nil {
		return &errdefs.RecipeError{Msg: fmt.Sprintf("invalid tag %q: %s", tag, err)}
	}
	if err := tarball.WriteToFile(file, ref, img); err != nil {
		return publishError(file, fmt.Errorf("write archive: %w", err))
	}
	return nil
}

func publishError(path string, err error) error {
	if isPermission(err) {
		return &errdefs.PermissionError{Path: path, Err: err}
	}
	return err
}

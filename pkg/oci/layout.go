package oci

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"strings"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/layout"
	"github.com/maxdollinger/envbuild/pkg/errdefs"
	specsv1 "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	// LayoutScheme prefixes base references that point at a local OCI layout,
	// e.g. "oci-layout:///var/lib/envbuild/images:base".
	LayoutScheme = "oci-layout://"
	// Scratch is the empty base image.
	Scratch = "scratch"
)

// NewSource picks the source for a base reference: scratch, a local OCI
// layout or a registry.
func NewSource(ref string, opts ...RegistryOption) (OciImageSource, error) {
	if ref == Scratch {
		return ScratchProvider{}, nil
	}
	if dir, tag, ok := ParseLayoutReference(ref); ok {
		return NewLayoutProvider(dir, tag), nil
	}
	return NewRegistryProvider(ref, opts...)
}

// ParseLayoutReference splits "oci-layout://dir:tag". The tag defaults to "latest".
func ParseLayoutReference(ref string) (dir, tag string, ok bool) {
	rest, ok := strings.CutPrefix(ref, LayoutScheme)
	if !ok {
		return "", "", false
	}
	slash := strings.LastIndex(rest, "/")
	if colon := strings.LastIndex(rest, ":"); colon > slash {
		return rest[:colon], rest[colon+1:], true
	}
	return rest, "latest", true
}

// LayoutProvider resolves a base image by tag from an OCI image layout
// directory, such as one written by Publish.
type LayoutProvider struct {
	dir string
	tag string
}

func NewLayoutProvider(dir, tag string) *LayoutProvider {
	return &LayoutProvider{dir: dir, tag: tag}
}

func (p *LayoutProvider) Info() string {
	return LayoutScheme + p.dir + ":" + p.tag
}

// GetImage looks the tag up in the layout index. Layout content is
// addressed by digest, so the result is always reported as pinned.
func (p *LayoutProvider) GetImage(ctx context.Context) (*Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := layout.FromPath(p.dir)
	if err != nil {
		return nil, errdefs.NewImageNotFound(p.Info(), fmt.Errorf("%w: %s", errdefs.ErrNotFound, err))
	}
	index, err := path.ImageIndex()
	if err != nil {
		return nil, fmt.Errorf("read layout index: %w", err)
	}
	manifest, err := index.IndexManifest()
	if err != nil {
		return nil, fmt.Errorf("read layout index manifest: %w", err)
	}

	for _, desc := range manifest.Manifests {
		if desc.Annotations[specsv1.AnnotationRefName] != p.tag {
			continue
		}
		img, err := index.Image(desc.Digest)
		if err != nil {
			return nil, fmt.Errorf("read layout image %s: %w", desc.Digest, err)
		}
		return FromV1(p.Info(), true, img)
	}

	return nil, errdefs.NewImageNotFound(p.Info(), nil)
}

// ScratchProvider resolves the empty image.
type ScratchProvider struct{}

func (ScratchProvider) Info() string {
	return Scratch
}

func (ScratchProvider) GetImage(ctx context.Context) (*Image, error) {
	return FromV1(Scratch, true, empty.Image)
}

// LookupTag returns the digest of the image tagged tag in the layout at dir.
func LookupTag(dir, tag string) (v1.Hash, error) {
	path, err := layout.FromPath(dir)
	if err != nil {
		return v1.Hash{}, err
	}
	index, err := path.ImageIndex()
	if err != nil {
		return v1.Hash{}, err
	}
	manifest, err := index.IndexManifest()
	if err != nil {
		return v1.Hash{}, err
	}
	for _, desc := range manifest.Manifests {
		if desc.Annotations[specsv1.AnnotationRefName] == tag {
			return desc.Digest, nil
		}
	}
	return v1.Hash{}, fmt.Errorf("tag %q: %w", tag, iofs.ErrNotExist)
}

func isPermission(err error) bool {
	return errors.Is(err, iofs.ErrPermission)
}

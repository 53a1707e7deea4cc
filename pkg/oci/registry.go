package oci

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/maxdollinger/envbuild/pkg/errdefs"
)

// OciImageSource resolves a base image.
type OciImageSource interface {
	GetImage(ctx context.Context) (*Image, error)
	Info() string
}

// RegistryProvider fetches OCI images from a container registry using go-containerregistry.
//
// GetImage downloads the manifest and config. Layer content is not downloaded
// until a layer's Compressed is called.
type RegistryProvider struct {
	normalized    string
	imageRef      name.Reference
	platform      v1.Platform
	requireDigest bool
	remoteOpts    []remote.Option
}

type RegistryOption func(*RegistryProvider)

// WithPlatform selects the manifest from a multi-platform index.
// Defaults to linux on the host architecture.
func WithPlatform(p v1.Platform) RegistryOption {
	return func(r *RegistryProvider) { r.platform = p }
}

// WithRequireDigest rejects references that are not pinned by digest.
func WithRequireDigest(require bool) RegistryOption {
	return func(r *RegistryProvider) { r.requireDigest = require }
}

// WithRemoteOptions passes options through to remote.Get, e.g. a custom
// transport or keychain.
func WithRemoteOptions(opts ...remote.Option) RegistryOption {
	return func(r *RegistryProvider) { r.remoteOpts = append(r.remoteOpts, opts...) }
}

// NewRegistryProvider creates a new provider for the given image reference
// ref can be:
//   - "ubuntu:noble" (defaults to docker.io/library)
//   - "docker.io/library/ubuntu:noble"
//   - "ghcr.io/owner/repo:tag"
//   - "localhost:5000/image@sha256:..."
func NewRegistryProvider(imageRef string, opts ...RegistryOption) (*RegistryProvider, error) {
	normalizedRef := NormalizeReference(imageRef)

	ref, err := name.ParseReference(normalizedRef)
	if err != nil {
		return nil, &errdefs.RecipeError{Msg: fmt.Sprintf("invalid image reference %q: %s", imageRef, err)}
	}

	p := &RegistryProvider{
		normalized: normalizedRef,
		imageRef:   ref,
		platform:   v1.Platform{OS: "linux", Architecture: runtime.GOARCH},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// NormalizeReference qualifies short Docker Hub names.
func NormalizeReference(imageRef string) string {
	first, _, hasSlash := strings.Cut(imageRef, "/")
	switch {
	case !hasSlash:
		return "docker.io/library/" + imageRef
	case !strings.ContainsAny(first, ".:") && first != "localhost":
		return "docker.io/" + imageRef
	default:
		return imageRef
	}
}

func (p *RegistryProvider) Info() string {
	return p.normalized
}

// Pinned reports whether the reference carries a digest.
func (p *RegistryProvider) Pinned() bool {
	_, ok := p.imageRef.(name.Digest)
	return ok
}

// GetImage resolves the reference and returns the image for the configured
// platform. A digest reference is verified against the fetched manifest.
func (p *RegistryProvider) GetImage(ctx context.Context) (*Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !p.Pinned() {
		if p.requireDigest {
			return nil, &errdefs.ResolutionError{Kind: "image", Name: p.normalized, Err: errdefs.ErrNotPinned}
		}
		slog.Default().WarnContext(ctx, "base image is not pinned by digest", "ref", p.normalized)
	}

	opts := append([]remote.Option{remote.WithContext(ctx), remote.WithPlatform(p.platform)}, p.remoteOpts...)
	desc, err := remote.Get(p.imageRef, opts...)
	if err != nil {
		return nil, classifyImageError(p.normalized, p.imageRef.Context().RegistryStr(), err)
	}

	if d, ok := p.imageRef.(name.Digest); ok && desc.Digest.String() != d.DigestStr() {
		return nil, &errdefs.ResolutionError{
			Kind: "image",
			Name: p.normalized,
			Err:  fmt.Errorf("%w: registry served %s", errdefs.ErrDigestMismatch, desc.Digest),
		}
	}

	img, err := desc.Image()
	if err != nil {
		return nil, classifyImageError(p.normalized, p.imageRef.Context().RegistryStr(), err)
	}

	image, err := FromV1(p.normalized, p.Pinned(), img)
	if err != nil {
		return nil, classifyImageError(p.normalized, p.imageRef.Context().RegistryStr(), err)
	}

	slog.Default().InfoContext(ctx, "resolved base image",
		"ref", p.normalized,
		"digest", image.Digest.String(),
		"platform", p.platform.String(),
		"layers", len(image.Layers),
	)
	return image, nil
}

// classifyImageError maps registry failures onto the build error taxonomy.
// Missing manifests and repositories are resolution failures, as are
// authorization denials, which registries return for unknown repositories.
// Everything that prevented a conversation with the registry is transport.
func classifyImageError(ref, endpoint string, err error) error {
	var terr *transport.Error
	if errors.As(err, &terr) {
		for _, diag := range terr.Errors {
			switch diag.Code {
			case transport.ManifestUnknownErrorCode, transport.NameUnknownErrorCode,
				transport.UnauthorizedErrorCode, transport.DeniedErrorCode:
				return errdefs.NewImageNotFound(ref, fmt.Errorf("%w: %s", errdefs.ErrNotFound, err))
			}
		}
		switch terr.StatusCode {
		case http.StatusNotFound, http.StatusUnauthorized, http.StatusForbidden:
			return errdefs.NewImageNotFound(ref, fmt.Errorf("%w: %s", errdefs.ErrNotFound, err))
		}
		return &errdefs.TransportError{Endpoint: endpoint, Err: err}
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "does not match requested digest"):
		return &errdefs.ResolutionError{Kind: "image", Name: ref, Err: fmt.Errorf("%w: %s", errdefs.ErrDigestMismatch, err)}
	case strings.Contains(msg, "no child with platform"):
		return errdefs.NewImageNotFound(ref, fmt.Errorf("%w: %s", errdefs.ErrNotFound, err))
	}

	if errors.Is(err, context.Canceled) {
		return err
	}
	return &errdefs.TransportError{Endpoint: endpoint, Err: err}
}

// classify is used for lazily fetched layer blobs.
func classify(subject string, err error) error {
	return classifyImageError(subject, "", err)
}

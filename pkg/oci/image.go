package oci

import (
	"fmt"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/opencontainers/go-digest"
)

// Image represents an OCI image with its metadata and layers
type Image struct {
	Reference string // normalised reference the image was resolved from
	Pinned    bool   // reference carried a digest
	Digest    digest.Digest
	Config    *ImageConfig
	Layers    []Layer
	Manifest  *Manifest

	base v1.Image
}

// ImageConfig is the part of the OCI runtime configuration a build inherits
type ImageConfig struct {
	Entrypoint []string
	Cmd        []string
	Env        []string
	WorkingDir string
	User       string
}

// Manifest represents the OCI manifest
type Manifest struct {
	MediaType string
	Size      int64
}

// V1 returns the underlying go-containerregistry image, used as the parent
// of everything a build appends.
func (i *Image) V1() v1.Image {
	return i.base
}

// FromV1 reads the metadata of img into an Image.
func FromV1(ref string, pinned bool, img v1.Image) (*Image, error) {
	dgst, err := img.Digest()
	if err != nil {
		return nil, fmt.Errorf("get image digest: %w", err)
	}

	manifest, err := img.Manifest()
	if err != nil {
		return nil, fmt.Errorf("get manifest: %w", err)
	}

	config, err := parseImageConfig(img)
	if err != nil {
		return nil, fmt.Errorf("parse image config: %w", err)
	}

	layers, err := img.Layers()
	if err != nil {
		return nil, fmt.Errorf("get layers: %w", err)
	}
	wrappedLayers := make([]Layer, len(layers))
	for i, layer := range layers {
		wrappedLayers[i] = &registryLayer{layer: layer}
	}

	manifestSize := manifest.Config.Size
	for _, layer := range manifest.Layers {
		manifestSize += layer.Size
	}

	return &Image{
		Reference: ref,
		Pinned:    pinned,
		Digest:    digest.Digest(dgst.String()),
		Config:    config,
		Layers:    wrappedLayers,
		Manifest: &Manifest{
			MediaType: string(manifest.MediaType),
			Size:      manifestSize,
		},
		base: img,
	}, nil
}

func parseImageConfig(img v1.Image) (*ImageConfig, error) {
	cfgFile, err := img.ConfigFile()
	if err != nil {
		return nil, fmt.Errorf("get config file: %w", err)
	}
	if cfgFile == nil {
		return nil, fmt.Errorf("no config file in image")
	}

	cfg := cfgFile.Config
	return &ImageConfig{
		Entrypoint: cfg.Entrypoint,
		Cmd:        cfg.Cmd,
		Env:        cfg.Env,
		WorkingDir: cfg.WorkingDir,
		User:       cfg.User,
	}, nil
}

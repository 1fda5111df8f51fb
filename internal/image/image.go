// Package image packages a compiled unit binary into an OCI image layered on
// a minimal base image.
package image

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/tarball"

	"buildbox/internal/security"
)

const (
	// AppDir is where the binary lives inside the image.
	AppDir = "/app"

	// TarballName is the image file written into each release directory.
	TarballName = "image.tar"

	LabelVersion = "org.opencontainers.image.version"
	LabelGroup   = "buildbox.group"
	LabelUnit    = "buildbox.unit"
)

// Scratch selects the empty base image.
const Scratch = "scratch"

// BaseFetcher resolves a base image reference for a platform.
type BaseFetcher func(ctx context.Context, ref string, platform *v1.Platform) (v1.Image, error)

// RemoteBase fetches base images from their registry.
func RemoteBase(ctx context.Context, ref string, platform *v1.Platform) (v1.Image, error) {
	r, err := name.ParseReference(ref)
	if err != nil {
		return nil, fmt.Errorf("invalid base image reference: %w", err)
	}
	return remote.Image(r,
		remote.WithContext(ctx),
		remote.WithPlatform(*platform),
		remote.WithAuthFromKeychain(authn.DefaultKeychain),
	)
}

// Spec describes the image to build for one unit.
type Spec struct {
	Unit       string
	Binary     string
	BaseImage  string
	Image      string
	Tag        string
	Platform   string
	Group      string
	Version    string
	Labels     map[string]string
	Push       bool
	ReleaseDir string
}

// Result describes a built image.
type Result struct {
	BaseImage string `json:"base_image"`
	Reference string `json:"reference"`
	Digest    string `json:"digest"`
	Tarball   string `json:"tarball"`
	Pushed    bool   `json:"pushed"`
}

// Builder assembles images. Layer and config timestamps are fixed so
// identical inputs produce identical digests.
type Builder struct {
	FetchBase BaseFetcher
	Keychain  authn.Keychain
}

// NewBuilder creates a builder that pulls bases from registries.
func NewBuilder() *Builder {
	return &Builder{FetchBase: RemoteBase, Keychain: authn.DefaultKeychain}
}

// Build creates the image, writes it to <ReleaseDir>/image.tar and pushes it
// when spec.Push is set.
func (b *Builder) Build(ctx context.Context, spec Spec) (*Result, error) {
	platform, err := v1.ParsePlatform(spec.Platform)
	if err != nil {
		return nil, fmt.Errorf("invalid platform %q: %w", spec.Platform, err)
	}

	ref, err := name.ParseReference(fmt.Sprintf("%s:%s", spec.Image, sanitizeTag(spec.Tag)))
	if err != nil {
		return nil, fmt.Errorf("invalid image reference: %w", err)
	}

	base, err := b.base(ctx, spec.BaseImage, platform)
	if err != nil {
		return nil, err
	}

	img, err := Assemble(base, spec, platform)
	if err != nil {
		return nil, err
	}

	digest, err := img.Digest()
	if err != nil {
		return nil, fmt.Errorf("failed to compute image digest: %w", err)
	}

	tarPath := filepath.Join(spec.ReleaseDir, TarballName)
	if err := tarball.WriteToFile(tarPath, ref, img); err != nil {
		return nil, fmt.Errorf("failed to write image tarball: %w", err)
	}
	if err := os.Chmod(tarPath, security.PermArtifact); err != nil {
		return nil, fmt.Errorf("failed to set tarball permissions: %w", err)
	}

	result := &Result{
		BaseImage: spec.BaseImage,
		Reference: ref.String(),
		Digest:    digest.String(),
		Tarball:   tarPath,
	}

	if spec.Push {
		if err := remote.Write(ref, img, remote.WithContext(ctx), remote.WithAuthFromKeychain(b.Keychain)); err != nil {
			return result, fmt.Errorf("failed to push %s: %w", ref, err)
		}
		result.Pushed = true
	}

	return result, nil
}

func (b *Builder) base(ctx context.Context, ref string, platform *v1.Platform) (v1.Image, error) {
	if ref == Scratch {
		return empty.Image, nil
	}
	img, err := b.FetchBase(ctx, ref, platform)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch base image %s: %w", ref, err)
	}
	return img, nil
}

// Assemble appends the binary layer to base and sets the runtime config.
func Assemble(base v1.Image, spec Spec, platform *v1.Platform) (v1.Image, error) {
	layer, err := binaryLayer(spec.Binary, spec.Unit)
	if err != nil {
		return nil, err
	}

	img, err := mutate.AppendLayers(base, layer)
	if err != nil {
		return nil, fmt.Errorf("failed to append layer: %w", err)
	}

	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, fmt.Errorf("failed to read image config: %w", err)
	}
	cfg = cfg.DeepCopy()

	cfg.OS = platform.OS
	cfg.Architecture = platform.Architecture
	cfg.Variant = platform.Variant
	cfg.Config.Entrypoint = []string{path.Join(AppDir, spec.Unit)}
	cfg.Config.Cmd = nil
	cfg.Config.WorkingDir = AppDir

	labels := make(map[string]string, len(cfg.Config.Labels)+len(spec.Labels)+3)
	for k, v := range cfg.Config.Labels {
		labels[k] = v
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}
	labels[LabelVersion] = spec.Version
	labels[LabelGroup] = spec.Group
	labels[LabelUnit] = spec.Unit
	cfg.Config.Labels = labels

	img, err = mutate.ConfigFile(img, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to set image config: %w", err)
	}

	img, err = mutate.CreatedAt(img, v1.Time{Time: time.Unix(0, 0).UTC()})
	if err != nil {
		return nil, fmt.Errorf("failed to set creation time: %w", err)
	}
	return img, nil
}

// binaryLayer builds a single-file layer holding the binary at /app/<unit>.
func binaryLayer(binary, unit string) (v1.Layer, error) {
	data, err := os.ReadFile(binary)
	if err != nil {
		return nil, fmt.Errorf("failed to read unit binary: %w", err)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	epoch := time.Unix(0, 0).UTC()

	dir := &tar.Header{
		Name:     AppDir[1:] + "/",
		Typeflag: tar.TypeDir,
		Mode:     0755,
		ModTime:  epoch,
	}
	file := &tar.Header{
		Name:     path.Join(AppDir[1:], unit),
		Typeflag: tar.TypeReg,
		Mode:     0755,
		Size:     int64(len(data)),
		ModTime:  epoch,
	}
	if err := tw.WriteHeader(dir); err != nil {
		return nil, err
	}
	if err := tw.WriteHeader(file); err != nil {
		return nil, err
	}
	if _, err := tw.Write(data); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}

	layerBytes := buf.Bytes()
	return tarball.LayerFromOpener(func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(layerBytes)), nil
	})
}

// sanitizeTag maps a version such as 0.0.1+build onto the tag alphabet.
func sanitizeTag(tag string) string {
	out := []byte(tag)
	for i, c := range out {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '.', c == '-':
		default:
			out[i] = '-'
		}
	}
	if len(out) == 0 {
		return "latest"
	}
	if len(out) > 128 {
		out = out[:128]
	}
	return string(out)
}

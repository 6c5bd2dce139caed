package kernel

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"

	"github.com/SuchAFuriousDeath/obliteration/internal/errx"
)

const (
	// Version is the kernel release pulled when no version is given.
	Version = "0.5.0"

	DefaultRegistry = "ghcr.io/suchafuriousdeath/obliteration"
)

type Architecture string

const (
	ArchX86_64  Architecture = "x86_64"
	ArchAarch64 Architecture = "aarch64"
)

func CurrentArch() Architecture {
	if runtime.GOARCH == "arm64" {
		return ArchAarch64
	}
	return ArchX86_64
}

func (a Architecture) KernelFilename() string {
	if a == ArchAarch64 {
		return "obkrnl-aarch64"
	}
	return "obkrnl"
}

func (a Architecture) OCIPlatform() string {
	if a == ArchAarch64 {
		return "linux/arm64"
	}
	return "linux/amd64"
}

// Manager caches kernel images fetched from an OCI registry.
type Manager struct {
	cacheDir string
	registry string
}

type Option func(*Manager)

func WithCacheDir(dir string) Option {
	return func(m *Manager) {
		m.cacheDir = dir
	}
}

func WithRegistry(registry string) Option {
	return func(m *Manager) {
		m.registry = registry
	}
}

func NewManager(opts ...Option) *Manager {
	home, _ := os.UserHomeDir()
	m := &Manager{
		cacheDir: filepath.Join(home, ".cache", "obliteration"),
		registry: DefaultRegistry,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) KernelPath(arch Architecture, version string) string {
	if version == "" {
		version = Version
	}
	return filepath.Join(m.cacheDir, "kernels", version, arch.KernelFilename())
}

// EnsureKernel returns the cached kernel path for the given architecture and
// version, downloading it from the registry on a cache miss.
func (m *Manager) EnsureKernel(ctx context.Context, arch Architecture, version string) (string, error) {
	if version == "" {
		version = Version
	}

	kernelPath := m.KernelPath(arch, version)

	if _, err := os.Stat(kernelPath); err == nil {
		return kernelPath, nil
	}

	if err := m.download(ctx, arch, version, kernelPath); err != nil {
		return "", errx.Wrap(ErrDownloadKernel, err)
	}

	return kernelPath, nil
}

func (m *Manager) download(ctx context.Context, arch Architecture, version string, destPath string) error {
	imageRef := fmt.Sprintf("%s/kernel:%s", m.registry, version)

	ref, err := name.ParseReference(imageRef)
	if err != nil {
		return errx.With(ErrParseReference, " %s: %w", imageRef, err)
	}

	platform, err := v1.ParsePlatform(arch.OCIPlatform())
	if err != nil {
		return errx.Wrap(ErrParsePlatform, err)
	}

	desc, err := remote.Get(ref,
		remote.WithAuthFromKeychain(authn.DefaultKeychain),
		remote.WithContext(ctx),
		remote.WithPlatform(*platform),
	)
	if err != nil {
		return errx.Wrap(ErrGetDescriptor, err)
	}

	img, err := desc.Image()
	if err != nil {
		return errx.Wrap(ErrGetImage, err)
	}

	layers, err := img.Layers()
	if err != nil {
		return errx.Wrap(ErrGetLayers, err)
	}
	if len(layers) == 0 {
		return ErrNoLayers
	}

	rc, err := layers[0].Uncompressed()
	if err != nil {
		return errx.Wrap(ErrUncompressLayer, err)
	}
	defer rc.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return errx.Wrap(ErrCreateDirectory, err)
	}

	content, err := io.ReadAll(rc)
	if err != nil {
		return errx.Wrap(ErrReadLayer, err)
	}

	kernelFilename := arch.KernelFilename()

	// Gzipped tarball first, then plain tarball, then a raw binary layer.
	if err := extractKernelFromTarGz(content, destPath, kernelFilename); err == nil {
		return nil
	}
	if err := extractKernelFromTar(content, destPath, kernelFilename); err == nil {
		return nil
	}

	tmpPath := destPath + ".tmp"
	if err := os.WriteFile(tmpPath, content, 0644); err != nil {
		return errx.Wrap(ErrWriteKernel, err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return errx.Wrap(ErrRenameKernel, err)
	}
	return nil
}

func extractKernelFromTarGz(data []byte, destPath, kernelFilename string) error {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer gr.Close()

	return extractFromTarReader(tar.NewReader(gr), destPath, kernelFilename)
}

func extractKernelFromTar(data []byte, destPath, kernelFilename string) error {
	return extractFromTarReader(tar.NewReader(bytes.NewReader(data)), destPath, kernelFilename)
}

func extractFromTarReader(tr *tar.Reader, destPath, kernelFilename string) error {
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		if filepath.Base(hdr.Name) != kernelFilename {
			continue
		}

		tmpPath := destPath + ".tmp"
		f, err := os.Create(tmpPath)
		if err != nil {
			return errx.Wrap(ErrWriteKernel, err)
		}

		_, err = io.Copy(f, tr)
		f.Close()
		if err != nil {
			os.Remove(tmpPath)
			return err
		}

		if err := os.Rename(tmpPath, destPath); err != nil {
			os.Remove(tmpPath)
			return errx.Wrap(ErrRenameKernel, err)
		}
		return nil
	}

	return errx.With(ErrKernelNotInLayer, ": %s", kernelFilename)
}

func (m *Manager) ListCachedVersions() ([]string, error) {
	kernelsDir := filepath.Join(m.cacheDir, "kernels")
	entries, err := os.ReadDir(kernelsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var versions []string
	for _, entry := range entries {
		if entry.IsDir() {
			versions = append(versions, entry.Name())
		}
	}
	return versions, nil
}

func (m *Manager) CleanCache(version string) error {
	if version == "" {
		return os.RemoveAll(filepath.Join(m.cacheDir, "kernels"))
	}
	return os.RemoveAll(filepath.Join(m.cacheDir, "kernels", version))
}

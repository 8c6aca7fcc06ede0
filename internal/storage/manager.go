package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/digitalocean/go-libvirt"
	"github.com/go-logr/logr"

	"github.com/jbweber/kiln/internal/config"
	"github.com/jbweber/kiln/internal/hostfs"
	"github.com/jbweber/kiln/internal/naming"
	"github.com/jbweber/kiln/internal/runner"
	"github.com/jbweber/kiln/internal/target"
)

// ErrOverlayExists is returned when the overlay file is already present.
var ErrOverlayExists = errors.New("overlay disk already exists")

// LibvirtClient is the interface for libvirt storage operations.
// This allows for dependency injection and testing.
type LibvirtClient interface {
	ConnectListAllStoragePools(NeedResults int32, Flags libvirt.ConnectListAllStoragePoolsFlags) ([]libvirt.StoragePool, uint32, error)
	StoragePoolGetXMLDesc(Pool libvirt.StoragePool, Flags libvirt.StorageXMLFlags) (string, error)
	StoragePoolRefresh(Pool libvirt.StoragePool, Flags uint32) error
	StorageVolCreateXML(Pool libvirt.StoragePool, XML string, Flags libvirt.StorageVolCreateFlags) (libvirt.StorageVol, error)
	StorageVolGetPath(Vol libvirt.StorageVol) (string, error)
}

// Backend is one overlay creation tool.
type Backend interface {
	Name() string
	Available(ctx context.Context) bool
	Create(ctx context.Context, spec OverlaySpec) error
}

// Manager creates and removes overlay disks on the hypervisor host.
type Manager struct {
	imagesDir string
	runner    runner.Runner
	fs        hostfs.FS
	log       logr.Logger
}

// NewManager creates a new storage manager.
func NewManager(cfg *config.Config, r runner.Runner, log logr.Logger) *Manager {
	return &Manager{
		imagesDir: cfg.Images.Dir,
		runner:    r,
		fs:        hostfs.New(r),
		log:       log.WithName("storage"),
	}
}

// OverlayPath returns the overlay file path for vmName.
func (m *Manager) OverlayPath(vmName string) string {
	return path.Join(m.imagesDir, naming.OverlayDisk(vmName))
}

// backends returns the overlay backends in preference order. lv may be nil,
// which disables the libvirt backend.
func (m *Manager) backends(lv LibvirtClient) []Backend {
	return []Backend{
		&qemuImgBackend{runner: m.runner},
		&libvirtBackend{client: lv, dir: m.imagesDir, log: m.log},
	}
}

// CreateOverlay creates <images.dir>/<vmName>-disk.qcow2 backed by basePath
// and returns its path. The first available backend is used; a backend
// that is installed but fails ends the attempt.
func (m *Manager) CreateOverlay(ctx context.Context, lv LibvirtClient, vmName, basePath string) (string, error) {
	format, err := BaseFormat(ctx, m.fs, basePath)
	if err != nil {
		return "", fmt.Errorf("failed to detect base image format: %w", err)
	}

	spec := OverlaySpec{
		Path:       m.OverlayPath(vmName),
		BasePath:   basePath,
		BaseFormat: format,
	}
	if err := spec.Validate(); err != nil {
		return "", fmt.Errorf("invalid overlay spec: %w", err)
	}

	exists, err := m.fs.Exists(ctx, spec.Path)
	if err != nil {
		return "", fmt.Errorf("failed to check overlay path: %w", err)
	}
	if exists {
		return "", fmt.Errorf("%w: %s", ErrOverlayExists, spec.Path)
	}

	var tried []string
	for _, b := range m.backends(lv) {
		tried = append(tried, b.Name())
		if !b.Available(ctx) {
			m.log.V(1).Info("overlay backend not available", "backend", b.Name())
			continue
		}

		if err := b.Create(ctx, spec); err != nil {
			if errors.Is(err, runner.ErrToolMissing) {
				continue
			}
			return "", fmt.Errorf("failed to create overlay with %s: %w", b.Name(), err)
		}

		m.log.Info("overlay disk created", "path", spec.Path, "base", basePath, "format", format, "backend", b.Name())
		if m.fs.Transport() == target.Local {
			if err := ChownToQEMU(spec.Path); err != nil {
				m.log.V(1).Info("could not hand overlay to the qemu user", "error", err.Error())
			}
		}
		return spec.Path, nil
	}

	return "", fmt.Errorf("%w: no overlay backend available (tried %s)", runner.ErrToolMissing, strings.Join(tried, ", "))
}

// RemoveOverlay deletes an overlay file. A missing file is not an error.
func (m *Manager) RemoveOverlay(ctx context.Context, overlayPath string) error {
	if overlayPath == "" {
		return nil
	}
	if err := m.fs.Remove(ctx, overlayPath); err != nil {
		return fmt.Errorf("failed to remove overlay %s: %w", overlayPath, err)
	}
	return nil
}

// qemuImgBackend creates overlays with qemu-img on the hypervisor host.
type qemuImgBackend struct {
	runner runner.Runner
}

func (b *qemuImgBackend) Name() string { return "qemu-img" }

func (b *qemuImgBackend) Available(ctx context.Context) bool {
	return b.runner.Available(ctx, "qemu-img")
}

func (b *qemuImgBackend) Create(ctx context.Context, spec OverlaySpec) error {
	_, err := b.runner.Run(ctx, runner.Command{
		Name: "qemu-img",
		Args: []string{"create", "-q", "-f", "qcow2", "-F", string(spec.BaseFormat), "-b", spec.BasePath, spec.Path},
	})
	return err
}

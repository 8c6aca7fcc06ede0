package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/digitalocean/go-libvirt"
	"github.com/go-logr/logr"
	libvirtxml "libvirt.org/go/libvirtxml"
)

// ErrNoPool is returned when no active dir pool covers a directory.
var ErrNoPool = errors.New("no storage pool for directory")

// libvirtBackend creates overlays as volumes of the storage pool whose
// target path is the images directory.
type libvirtBackend struct {
	client LibvirtClient
	dir    string
	log    logr.Logger
}

func (b *libvirtBackend) Name() string { return "libvirt" }

func (b *libvirtBackend) Available(context.Context) bool { return b.client != nil }

func (b *libvirtBackend) Create(_ context.Context, spec OverlaySpec) error {
	pool, err := findPoolForDir(b.client, b.dir)
	if err != nil {
		return err
	}

	// The pool may not know about a freshly downloaded base image yet.
	if err := b.client.StoragePoolRefresh(pool, 0); err != nil {
		b.log.V(1).Info("failed to refresh storage pool", "pool", pool.Name, "error", err.Error())
	}

	volumeXML, err := generateOverlayVolumeXML(spec)
	if err != nil {
		return fmt.Errorf("failed to generate volume XML: %w", err)
	}

	vol, err := b.client.StorageVolCreateXML(pool, volumeXML, 0)
	if err != nil {
		return fmt.Errorf("failed to create volume: %w", err)
	}

	if got, err := b.client.StorageVolGetPath(vol); err == nil && got != spec.Path {
		b.log.Info("overlay volume path differs from expected", "expected", spec.Path, "actual", got)
	}
	return nil
}

// findPoolForDir returns the active dir pool whose target path is dir.
func findPoolForDir(client LibvirtClient, dir string) (libvirt.StoragePool, error) {
	pools, _, err := client.ConnectListAllStoragePools(1, libvirt.ConnectListStoragePoolsActive)
	if err != nil {
		return libvirt.StoragePool{}, fmt.Errorf("failed to list storage pools: %w", err)
	}

	want := path.Clean(dir)
	for _, pool := range pools {
		xmlDesc, err := client.StoragePoolGetXMLDesc(pool, 0)
		if err != nil {
			continue
		}

		var poolDef libvirtxml.StoragePool
		if err := poolDef.Unmarshal(xmlDesc); err != nil {
			continue
		}
		if poolDef.Type == "dir" && poolDef.Target != nil && path.Clean(poolDef.Target.Path) == want {
			return pool, nil
		}
	}

	return libvirt.StoragePool{}, fmt.Errorf("%w: %s", ErrNoPool, dir)
}

// generateOverlayVolumeXML generates XML for a qcow2 volume backed by the
// base image. Capacity is omitted so libvirt takes it from the backing store.
func generateOverlayVolumeXML(spec OverlaySpec) (string, error) {
	vol := &libvirtxml.StorageVolume{
		Type: "file",
		Name: path.Base(spec.Path),
		Target: &libvirtxml.StorageVolumeTarget{
			Format: &libvirtxml.StorageVolumeTargetFormat{
				Type: string(VolumeFormatQCOW2),
			},
			Permissions: &libvirtxml.StorageVolumeTargetPermissions{
				Mode: "0644",
			},
		},
		BackingStore: &libvirtxml.StorageVolumeBackingStore{
			Path: spec.BasePath,
			Format: &libvirtxml.StorageVolumeTargetFormat{
				Type: string(spec.BaseFormat),
			},
		},
	}

	xmlStr, err := vol.Marshal()
	if err != nil {
		return "", err
	}
	xmlStr = strings.TrimPrefix(xmlStr, `<?xml version="1.0" encoding="UTF-8"?>`)
	return strings.TrimSpace(xmlStr), nil
}

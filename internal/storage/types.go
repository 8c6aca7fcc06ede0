package storage

import "fmt"

// VolumeFormat represents the disk format.
type VolumeFormat string

const (
	VolumeFormatQCOW2 VolumeFormat = "qcow2" // QCOW2 format
	VolumeFormatRaw   VolumeFormat = "raw"   // Raw format
)

// OverlaySpec describes one overlay disk.
type OverlaySpec struct {
	Path       string       // Overlay file path on the hypervisor host
	BasePath   string       // Backing image path on the hypervisor host
	BaseFormat VolumeFormat // Backing image format
}

// Validate checks if the overlay spec is valid.
func (s *OverlaySpec) Validate() error {
	if s.Path == "" {
		return fmt.Errorf("overlay path is required")
	}
	if s.BasePath == "" {
		return fmt.Errorf("base image path is required")
	}
	if s.Path == s.BasePath {
		return fmt.Errorf("overlay path must differ from base image path %q", s.BasePath)
	}
	if s.BaseFormat != VolumeFormatQCOW2 && s.BaseFormat != VolumeFormatRaw {
		return fmt.Errorf("invalid base format: %s (must be qcow2 or raw)", s.BaseFormat)
	}
	return nil
}

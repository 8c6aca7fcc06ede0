package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/jbweber/kiln/internal/hostfs"
	"github.com/jbweber/kiln/internal/target"
)

// Magic bytes and signatures for disk image format detection
var (
	// qcow2Magic is the magic bytes at the start of QCOW2 files: "QFI" + 0xfb
	// QCOW2 images begin with a file header where bytes 0-3 contain the magic
	// string 0x514649fb, which is ASCII "QFI" followed by 0xfb.
	// Reference: https://www.qemu.org/docs/master/interop/qcow2.html
	qcow2Magic = []byte{0x51, 0x46, 0x49, 0xfb}

	// mbrSignature is the boot sector signature at offset 510 in bootable disks.
	// This is the standard MBR boot signature 0x55 0xaa that appears at the end
	// of the first 512-byte sector on all bootable disks (MBR and GPT).
	// Reference: https://en.wikipedia.org/wiki/Master_boot_record
	mbrSignature = []byte{0x55, 0xaa}
)

const mbrSignatureOffset = 510

// DetectImageFormat detects the disk image format by reading magic bytes.
// Returns VolumeFormatQCOW2 for QCOW2 images, or VolumeFormatRaw for bootable RAW images.
// Returns error if the format is unsupported or the file is not a valid bootable image.
//
// Validation rules:
//   - QCOW2: Must have magic bytes "QFI\xfb" (0x51 0x46 0x49 0xfb) at offset 0
//   - RAW: Must have MBR signature 0x55 0xaa at offset 510 (boot sector end)
//
// This ensures that base images are valid bootable OS images, not arbitrary data files.
//
// Note: The MBR signature check works for both MBR and GPT partitioned disks. GPT disks
// include a "protective MBR" in the first sector that also contains the 0x55aa signature,
// as specified in UEFI Specification 2.10, Section 5 (GUID Partition Table Format).
// Reference: https://uefi.org/specs/UEFI/2.10/05_GUID_Partition_Table_Format.html
func DetectImageFormat(filePath string) (VolumeFormat, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to open image: %w", err)
	}
	defer func() { _ = f.Close() }()

	return detectFormat(f)
}

func detectFormat(r io.ReaderAt) (VolumeFormat, error) {
	magic := make([]byte, len(qcow2Magic))
	if _, err := r.ReadAt(magic, 0); err != nil {
		return "", fmt.Errorf("image too small to be valid (< %d bytes): %w", len(magic), err)
	}
	if bytes.Equal(magic, qcow2Magic) {
		return VolumeFormatQCOW2, nil
	}

	sig := make([]byte, len(mbrSignature))
	if _, err := r.ReadAt(sig, mbrSignatureOffset); err != nil {
		return "", fmt.Errorf("image too small for a boot sector (< 512 bytes): %w", err)
	}
	if bytes.Equal(sig, mbrSignature) {
		return VolumeFormatRaw, nil
	}

	return "", fmt.Errorf("unsupported image: not qcow2 and no boot sector signature (0x55aa at offset %d)", mbrSignatureOffset)
}

// BaseFormat returns the format of a base image on the hypervisor host.
// Local files are inspected; remote files are assumed to be qcow2.
func BaseFormat(_ context.Context, fs hostfs.FS, path string) (VolumeFormat, error) {
	if fs.Transport() != target.Local {
		return VolumeFormatQCOW2, nil
	}
	return DetectImageFormat(path)
}

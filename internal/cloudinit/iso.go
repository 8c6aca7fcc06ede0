package cloudinit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/kdomanski/iso9660"

	"github.com/jbweber/kiln/internal/runner"
)

// VolumeLabel is the ISO volume id the NoCloud datasource looks for.
const VolumeLabel = "CIDATA"

// Inputs are the staged payload files handed to a Backend.
type Inputs struct {
	Payload       Payload
	UserData      string
	MetaData      string
	NetworkConfig string // empty when there is no network-config
	ISOPath       string
}

// Backend is one ISO creation tool.
type Backend interface {
	Name() string
	Available(ctx context.Context) bool
	Build(ctx context.Context, in Inputs) error
}

// commandBackend runs an ISO tool through the hypervisor host runner.
type commandBackend struct {
	name   string
	runner runner.Runner
	args   func(in Inputs) []string
}

func (b *commandBackend) Name() string { return b.name }

func (b *commandBackend) Available(ctx context.Context) bool {
	return b.runner.Available(ctx, b.name)
}

func (b *commandBackend) Build(ctx context.Context, in Inputs) error {
	_, err := b.runner.Run(ctx, runner.Command{Name: b.name, Args: b.args(in)})
	return err
}

// NewCloudLocaldsBackend returns the cloud-localds backend.
func NewCloudLocaldsBackend(r runner.Runner) Backend {
	return &commandBackend{
		name:   "cloud-localds",
		runner: r,
		args: func(in Inputs) []string {
			var args []string
			if in.NetworkConfig != "" {
				args = append(args, "--network-config="+in.NetworkConfig)
			}
			return append(args, in.ISOPath, in.UserData, in.MetaData)
		},
	}
}

// NewGenisoimageBackend returns a genisoimage-compatible backend. mkisofs
// takes the same arguments.
func NewGenisoimageBackend(name string, r runner.Runner) Backend {
	return &commandBackend{
		name:   name,
		runner: r,
		args: func(in Inputs) []string {
			args := []string{"-output", in.ISOPath, "-volid", strings.ToLower(VolumeLabel), "-joliet", "-rock", in.UserData, in.MetaData}
			if in.NetworkConfig != "" {
				args = append(args, in.NetworkConfig)
			}
			return args
		},
	}
}

// builtinBackend writes the ISO in-process with kdomanski/iso9660. It can
// only write to the local filesystem.
type builtinBackend struct {
	enabled bool
}

// NewBuiltinBackend returns the in-process backend. It reports itself
// unavailable unless enabled.
func NewBuiltinBackend(enabled bool) Backend {
	return &builtinBackend{enabled: enabled}
}

func (b *builtinBackend) Name() string { return "builtin" }

func (b *builtinBackend) Available(context.Context) bool { return b.enabled }

func (b *builtinBackend) Build(_ context.Context, in Inputs) error {
	data, err := GenerateISO(in.Payload)
	if err != nil {
		return err
	}

	tmp := in.ISOPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write ISO: %w", err)
	}
	if err := os.Rename(tmp, in.ISOPath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to move ISO into place: %w", err)
	}
	return nil
}

// GenerateISO creates a cloud-init NoCloud ISO image from a payload.
//
// The generated ISO contains user-data, meta-data and, when present,
// network-config in the root directory, with the CIDATA volume label
// required by the NoCloud datasource.
//
// Returns the ISO image as a byte slice.
func GenerateISO(p Payload) ([]byte, error) {
	writer, err := iso9660.NewWriter()
	if err != nil {
		return nil, fmt.Errorf("failed to create ISO writer: %w", err)
	}
	defer func() {
		// Cleanup temporary files created by the ISO writer
		_ = writer.Cleanup()
	}()

	files := []struct {
		name, content string
	}{
		{"user-data", p.UserData},
		{"meta-data", p.MetaData},
		{"network-config", p.NetworkConfig},
	}
	for _, f := range files {
		if f.content == "" && f.name == "network-config" {
			continue
		}
		if err := writer.AddFile(bytes.NewReader([]byte(f.content)), f.name); err != nil {
			return nil, fmt.Errorf("failed to add %s: %w", f.name, err)
		}
	}

	var buf bytes.Buffer
	if err := writer.WriteTo(&buf, VolumeLabel); err != nil {
		return nil, fmt.Errorf("failed to write ISO image: %w", err)
	}

	return buf.Bytes(), nil
}

// VerifyISO checks that path is a readable ISO9660 image.
func VerifyISO(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open ISO: %w", err)
	}
	defer f.Close()

	img, err := iso9660.OpenImage(f)
	if err != nil {
		return fmt.Errorf("failed to read ISO: %w", err)
	}
	root, err := img.RootDir()
	if err != nil {
		return fmt.Errorf("failed to read ISO root directory: %w", err)
	}
	children, err := root.GetChildren()
	if err != nil {
		return fmt.Errorf("failed to list ISO root directory: %w", err)
	}
	if len(children) == 0 {
		return fmt.Errorf("ISO %s is empty", path)
	}
	return nil
}

// isBenignWarning reports whether a backend failure is only a complaint about
// an unreadable configuration file, which some ISO tools emit before
// producing a valid image anyway.
func isBenignWarning(err error) bool {
	var exitErr *runner.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	s := strings.ToLower(exitErr.Stderr)
	if !strings.Contains(s, "permission denied") {
		return false
	}
	return strings.Contains(s, ".conf") || strings.Contains(s, "config")
}

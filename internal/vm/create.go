package vm

import (
	"context"
	"fmt"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/jbweber/kiln/internal/cloudinit"
	"github.com/jbweber/kiln/internal/config"
	kvirt "github.com/jbweber/kiln/internal/libvirt"
	"github.com/jbweber/kiln/internal/metadata"
	"github.com/jbweber/kiln/internal/metrics"
	"github.com/jbweber/kiln/internal/storage"
)

// Cloud-init variants of create, as recorded in metadata.
const (
	CloudInitNone    = "none"
	CloudInitDefault = "default"
	CloudInitCustom  = "custom"
)

// CreateVM creates and starts a VM without cloud-init. Any cloud-init
// section in vm is ignored.
func (c *Controller) CreateVM(ctx context.Context, vm *config.VMConfig) error {
	return c.Create(ctx, vm, CloudInitNone)
}

// CreateVMWithCloudInit creates and starts a VM configured by the
// cloud-init section of vm, which must be present.
func (c *Controller) CreateVMWithCloudInit(ctx context.Context, vm *config.VMConfig) error {
	return c.Create(ctx, vm, CloudInitCustom)
}

// CreateVMWithDefaultCloudInit creates and starts a VM whose cloud-init
// settings come from the configured defaults wherever vm leaves them empty.
func (c *Controller) CreateVMWithDefaultCloudInit(ctx context.Context, vm *config.VMConfig) error {
	return c.Create(ctx, vm, CloudInitDefault)
}

// Create creates a VM with the named cloud-init variant: none, default or
// custom. vm is not modified.
//
// This orchestrates the entire VM creation process:
//  1. Validate the request
//  2. Connect to libvirt and reject an existing name
//  3. Resolve the image, creating an overlay when requested
//  4. Build and package cloud-init
//  5. Define the domain and store its provisioning record
//  6. Set autostart and start the VM
//
// On any failure, files created by this call are removed and a defined
// domain is undefined.
func (c *Controller) Create(ctx context.Context, vm *config.VMConfig, variant string) error {
	req, err := c.prepare(vm, variant)
	if err != nil {
		c.metrics.RecordOperation("create", metrics.OutcomeError, 0)
		return err
	}

	return c.run(ctx, "create", req.Name, func(ctx context.Context, lv libvirtClient) error {
		return c.createWithDeps(ctx, lv, req, variant)
	})
}

// prepare returns a validated copy of vm adjusted for variant.
func (c *Controller) prepare(vm *config.VMConfig, variant string) (*config.VMConfig, error) {
	if vm == nil {
		return nil, fmt.Errorf("VM configuration cannot be nil")
	}
	req := cloneVM(vm)

	switch variant {
	case CloudInitNone:
		req.CloudInit = nil
	case CloudInitCustom:
		if req.CloudInit == nil {
			return nil, fmt.Errorf("VM '%s' has no cloud-init configuration", req.Name)
		}
	case CloudInitDefault:
		req.ApplyCloudInitDefaults(c.cfg.CloudInit)
	default:
		return nil, fmt.Errorf("unknown cloud-init variant %q (must be none, default or custom)", variant)
	}

	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid VM configuration: %w", err)
	}
	if err := req.CalculateMAC(); err != nil {
		return nil, err
	}
	return req, nil
}

func cloneVM(vm *config.VMConfig) *config.VMConfig {
	out := *vm
	if vm.CloudInit != nil {
		ci := *vm.CloudInit
		out.CloudInit = &ci
	}
	return &out
}

// createState tracks what a create call has made so cleanup can undo it.
type createState struct {
	overlayPath string
	isoCreated  bool
	domain      libvirt.Domain
	defined     bool
}

func (c *Controller) createWithDeps(ctx context.Context, lv libvirtClient, vm *config.VMConfig, variant string) (err error) {
	log := c.log.WithValues("vm", vm.Name)

	if _, lookupErr := lv.DomainLookupByName(vm.Name); lookupErr == nil {
		return vmError(vm.Name, ErrAlreadyExists)
	} else if !kvirt.IsNoDomain(lookupErr) {
		return fmt.Errorf("failed to check for existing VM: %w", lookupErr)
	}

	var state createState
	defer func() {
		if err != nil {
			log.Info("create failed, cleaning up", "error", err.Error())
			c.cleanup(context.WithoutCancel(ctx), lv, log, vm.Name, &state)
		}
	}()

	basePath, err := c.resolveImage(ctx, vm)
	if err != nil {
		return err
	}

	rec := &metadata.Record{
		Image:     vm.Image,
		Disk:      basePath,
		CloudInit: variant,
		CreatedAt: time.Now().UTC(),
	}
	if rec.Image == "" {
		rec.Image = basePath
	}

	var diskFormat storage.VolumeFormat
	if vm.Overlay || c.cfg.Images.Overlay {
		state.overlayPath, err = c.overlays.CreateOverlay(ctx, lv, vm.Name, basePath)
		if err != nil {
			return fmt.Errorf("failed to create overlay disk: %w", err)
		}
		rec.Disk = state.overlayPath
		rec.Overlay = state.overlayPath
		diskFormat = storage.VolumeFormatQCOW2
	} else {
		diskFormat, err = storage.BaseFormat(ctx, c.fs, basePath)
		if err != nil {
			return fmt.Errorf("failed to detect image format: %w", err)
		}
	}

	if vm.CloudInit != nil {
		keys := c.keys.Collect(ctx, vm.CloudInit.GitHubUser)
		payload, err := cloudinit.Build(vm, keys, cloudinit.Options{Interface: c.cfg.Network.Interface})
		if err != nil {
			return fmt.Errorf("failed to build cloud-init: %w", err)
		}
		rec.CloudInitISO, err = c.packager.Package(ctx, vm.Name, payload)
		if err != nil {
			return err
		}
		state.isoCreated = true
	}

	spec := kvirt.DomainSpec{
		Name:         vm.Name,
		UUID:         uuid.NewString(),
		VCPUs:        vm.VCPUs,
		MemoryMiB:    vm.MemoryMiB,
		DiskPath:     rec.Disk,
		DiskFormat:   string(diskFormat),
		CloudInitISO: rec.CloudInitISO,
		Network:      vm.Network,
		Bridge:       vm.Bridge,
		MAC:          vm.MACAddress,
	}
	if spec.Network == "" && spec.Bridge == "" {
		spec.Network = c.cfg.Network.Default
	}
	domainXML, err := kvirt.GenerateDomainXML(spec)
	if err != nil {
		return fmt.Errorf("failed to generate domain XML: %w", err)
	}

	state.domain, err = lv.DomainDefineXML(domainXML)
	if err != nil {
		return fmt.Errorf("failed to define domain: %w", err)
	}
	state.defined = true
	log.Info("domain defined", "uuid", spec.UUID, "disk", rec.Disk)

	if err := metadata.Store(lv, state.domain, rec); err != nil {
		return fmt.Errorf("failed to store VM metadata: %w", err)
	}

	if vm.Autostart {
		if err := lv.DomainSetAutostart(state.domain, 1); err != nil {
			return fmt.Errorf("failed to set autostart: %w", err)
		}
	}

	if err := lv.DomainCreate(state.domain); err != nil {
		return fmt.Errorf("failed to start VM: %w", err)
	}

	log.Info("VM created", "vcpus", vm.VCPUs, "memory_mib", vm.MemoryMiB, "cloud_init", variant)
	return nil
}

// resolveImage returns the base image path on the hypervisor host: the
// resolved image reference, or a well-known image for the OS.
func (c *Controller) resolveImage(ctx context.Context, vm *config.VMConfig) (string, error) {
	if vm.Image == "" {
		return c.resolver.LocateKnownImage(ctx, vm.OS), nil
	}
	resolved, err := c.resolver.Resolve(ctx, vm.Image)
	if err != nil {
		// ResolutionError already names the reference
		return "", err
	}
	return resolved.Path, nil
}

// cleanup undoes a failed create. Every step is best effort and only logged.
func (c *Controller) cleanup(ctx context.Context, lv libvirtClient, log logr.Logger, vmName string, state *createState) {
	if state.defined {
		if err := lv.DomainUndefineFlags(state.domain, libvirt.DomainUndefineNvram); err != nil {
			log.Error(err, "failed to undefine domain during cleanup")
		}
	}
	if state.isoCreated {
		c.packager.RemoveISO(ctx, vmName)
	}
	if state.overlayPath != "" {
		if err := c.overlays.RemoveOverlay(ctx, state.overlayPath); err != nil {
			log.Error(err, "failed to remove overlay during cleanup")
		}
	}
}

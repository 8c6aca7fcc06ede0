package vm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/digitalocean/go-libvirt"

	kvirt "github.com/jbweber/kiln/internal/libvirt"
	"github.com/jbweber/kiln/internal/metadata"
)

// Start boots a defined VM. Starting a running VM returns
// ErrAlreadyRunning.
func (c *Controller) Start(ctx context.Context, name string) error {
	return c.run(ctx, "start", name, func(_ context.Context, lv libvirtClient) error {
		return c.startWithDeps(lv, name)
	})
}

func (c *Controller) startWithDeps(lv libvirtClient, name string) error {
	dom, err := lookupDomain(lv, name)
	if err != nil {
		return err
	}
	state, err := domainState(lv, dom)
	if err != nil {
		return err
	}
	if isActive(state) {
		return vmError(name, ErrAlreadyRunning)
	}

	if err := lv.DomainCreate(dom); err != nil {
		return fmt.Errorf("failed to start VM '%s': %w", name, err)
	}
	c.log.Info("VM started", "vm", name)
	return nil
}

// Stop asks the guest to shut down, or powers it off when force is set.
// A graceful stop returns once the request is delivered; the guest may
// ignore it. Stopping a stopped VM returns ErrAlreadyStopped.
func (c *Controller) Stop(ctx context.Context, name string, force bool) error {
	return c.run(ctx, "stop", name, func(_ context.Context, lv libvirtClient) error {
		return c.stopWithDeps(lv, name, force)
	})
}

func (c *Controller) stopWithDeps(lv libvirtClient, name string, force bool) error {
	dom, err := lookupDomain(lv, name)
	if err != nil {
		return err
	}
	state, err := domainState(lv, dom)
	if err != nil {
		return err
	}
	if !isActive(state) {
		return vmError(name, ErrAlreadyStopped)
	}

	if force {
		err = lv.DomainDestroy(dom)
	} else {
		err = lv.DomainShutdown(dom)
	}
	if err != nil {
		return fmt.Errorf("failed to stop VM '%s': %w", name, err)
	}
	c.log.Info("VM stopped", "vm", name, "force", force)
	return nil
}

// Destroy powers off a VM if it is running, undefines it together with its
// NVRAM, and removes the cloud-init ISO and overlay disk create made for
// it. File removal is best effort.
func (c *Controller) Destroy(ctx context.Context, name string) error {
	return c.run(ctx, "destroy", name, func(ctx context.Context, lv libvirtClient) error {
		return c.destroyWithDeps(ctx, lv, name)
	})
}

func (c *Controller) destroyWithDeps(ctx context.Context, lv libvirtClient, name string) error {
	log := c.log.WithValues("vm", name)

	dom, err := lookupDomain(lv, name)
	if err != nil {
		return err
	}

	// Collect the files to remove before the definition is gone.
	files := c.provisionedFiles(lv, dom)

	state, err := domainState(lv, dom)
	if err != nil {
		return err
	}
	if isActive(state) {
		log.Info("powering off VM")
		if err := lv.DomainDestroy(dom); err != nil {
			return fmt.Errorf("failed to power off VM '%s': %w", name, err)
		}
	}

	if err := lv.DomainUndefineFlags(dom, libvirt.DomainUndefineNvram); err != nil {
		return fmt.Errorf("failed to undefine VM '%s': %w", name, err)
	}
	log.Info("domain undefined")

	cleanupCtx := context.WithoutCancel(ctx)
	if files.iso != "" {
		if err := c.fs.Remove(cleanupCtx, files.iso); err != nil {
			log.Error(err, "failed to remove cloud-init ISO", "path", files.iso)
		}
	}
	if files.overlay != "" {
		if err := c.overlays.RemoveOverlay(cleanupCtx, files.overlay); err != nil {
			log.Error(err, "failed to remove overlay disk", "path", files.overlay)
		}
	}
	return nil
}

type provisioned struct {
	iso     string
	overlay string
}

// provisionedFiles returns the files create made for dom. Without a
// provisioning record only a CD-ROM named like a kiln cloud-init ISO is
// returned; disks are never guessed.
func (c *Controller) provisionedFiles(lv libvirtClient, dom libvirt.Domain) provisioned {
	rec, err := metadata.Load(lv, dom)
	if err == nil {
		return provisioned{iso: rec.CloudInitISO, overlay: rec.Overlay}
	}
	if !errors.Is(err, metadata.ErrNotFound) {
		c.log.V(1).Info("could not read VM metadata", "vm", dom.Name, "error", err.Error())
	}

	domainXML, err := lv.DomainGetXMLDesc(dom, libvirt.DomainXMLInactive)
	if err != nil {
		c.log.V(1).Info("could not read domain XML", "vm", dom.Name, "error", err.Error())
		return provisioned{}
	}
	_, cdroms, err := kvirt.DiskSources(domainXML)
	if err != nil {
		c.log.V(1).Info("could not parse domain XML", "vm", dom.Name, "error", err.Error())
		return provisioned{}
	}
	for _, cd := range cdroms {
		// renamed VMs keep the ISO named after their original name
		if strings.HasSuffix(cd, "-cloudinit.iso") {
			return provisioned{iso: cd}
		}
	}
	return provisioned{}
}

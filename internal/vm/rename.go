package vm

import (
	"context"
	"fmt"
	"time"

	"github.com/digitalocean/go-libvirt"

	"github.com/jbweber/kiln/internal/config"
	kvirt "github.com/jbweber/kiln/internal/libvirt"
	"github.com/jbweber/kiln/internal/metrics"
)

const defaultShutdownTimeout = 60 * time.Second

// Rename gives a VM a new name, keeping its UUID, devices and provisioning
// record. A running VM is shut down gracefully, renamed, and started again
// under the new name; if that restart fails the rename stands and a
// *PartialError is returned. Renaming to a name already in use returns
// ErrNameTaken without touching either domain.
func (c *Controller) Rename(ctx context.Context, oldName, newName string) error {
	if err := config.ValidateName(newName); err != nil {
		c.metrics.RecordOperation("rename", metrics.OutcomeError, 0)
		return fmt.Errorf("invalid new name: %w", err)
	}
	if oldName == newName {
		c.metrics.RecordOperation("rename", metrics.OutcomeError, 0)
		return fmt.Errorf("VM '%s' already has that name", oldName)
	}

	return c.run(ctx, "rename", oldName, func(ctx context.Context, lv libvirtClient) error {
		return c.renameWithDeps(ctx, lv, oldName, newName)
	})
}

func (c *Controller) renameWithDeps(ctx context.Context, lv libvirtClient, oldName, newName string) error {
	log := c.log.WithValues("vm", oldName, "new_name", newName)

	dom, err := lookupDomain(lv, oldName)
	if err != nil {
		return err
	}

	if _, err := lv.DomainLookupByName(newName); err == nil {
		return fmt.Errorf("cannot rename VM '%s' to '%s': %w", oldName, newName, ErrNameTaken)
	} else if !kvirt.IsNoDomain(err) {
		return fmt.Errorf("failed to check whether '%s' is in use: %w", newName, err)
	}

	state, err := domainState(lv, dom)
	if err != nil {
		return err
	}
	wasRunning := isActive(state)
	if wasRunning {
		log.Info("stopping VM for rename")
		if err := c.shutdownAndWait(ctx, lv, dom); err != nil {
			return fmt.Errorf("failed to stop VM '%s' for renaming: %w", oldName, err)
		}
	}

	// restore brings the VM back the way it was after a failed rename.
	restore := func(d libvirt.Domain) {
		if !wasRunning {
			return
		}
		if err := lv.DomainCreate(d); err != nil {
			log.Error(err, "failed to restart VM after aborted rename")
		}
	}

	oldXML, err := lv.DomainGetXMLDesc(dom, libvirt.DomainXMLInactive)
	if err != nil {
		restore(dom)
		return fmt.Errorf("failed to get configuration of VM '%s': %w", oldName, err)
	}
	newXML, err := kvirt.RenameDomainXML(oldXML, newName)
	if err != nil {
		restore(dom)
		return fmt.Errorf("failed to rewrite configuration of VM '%s': %w", oldName, err)
	}

	if err := lv.DomainUndefineFlags(dom, libvirt.DomainUndefineKeepNvram); err != nil {
		restore(dom)
		return fmt.Errorf("failed to undefine VM '%s': %w", oldName, err)
	}

	newDom, err := lv.DomainDefineXML(newXML)
	if err != nil {
		defineErr := err
		old, err := lv.DomainDefineXML(oldXML)
		if err != nil {
			log.Error(err, "failed to restore original definition")
		} else {
			restore(old)
		}
		return fmt.Errorf("failed to define VM as '%s': %w", newName, defineErr)
	}
	log.Info("VM renamed")

	if wasRunning {
		if err := lv.DomainCreate(newDom); err != nil {
			return &PartialError{Op: "rename", Name: newName, Err: err}
		}
		log.Info("VM restarted under new name")
	}
	return nil
}

// shutdownAndWait requests a graceful shutdown and polls until the domain
// is no longer active or libvirt.shutdown_timeout passes.
func (c *Controller) shutdownAndWait(ctx context.Context, lv libvirtClient, dom libvirt.Domain) error {
	if err := lv.DomainShutdown(dom); err != nil {
		return fmt.Errorf("shutdown request failed: %w", err)
	}

	timeout := c.cfg.Libvirt.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-waitCtx.Done():
			return fmt.Errorf("guest did not shut down within %s", timeout)
		case <-ticker.C:
			state, err := domainState(lv, dom)
			if err != nil {
				return err
			}
			if !isActive(state) {
				return nil
			}
		}
	}
}

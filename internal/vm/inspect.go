package vm

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	kvirt "github.com/jbweber/kiln/internal/libvirt"
)

// GetConfig returns the live XML configuration of a VM, re-indented for
// reading. XML that cannot be re-rendered is returned as libvirt gave it.
func (c *Controller) GetConfig(ctx context.Context, name string) (string, error) {
	var out string
	err := c.run(ctx, "get_config", name, func(_ context.Context, lv libvirtClient) error {
		var err error
		out, err = c.getConfigWithDeps(lv, name)
		return err
	})
	return out, err
}

func (c *Controller) getConfigWithDeps(lv libvirtClient, name string) (string, error) {
	dom, err := lookupDomain(lv, name)
	if err != nil {
		return "", err
	}
	raw, err := lv.DomainGetXMLDesc(dom, 0)
	if err != nil {
		return "", fmt.Errorf("failed to get configuration for VM '%s': %w", name, err)
	}

	pretty, err := kvirt.PrettyXML(raw)
	if err != nil {
		c.log.V(1).Info("returning raw domain XML", "vm", name, "error", err.Error())
		return raw, nil
	}
	return pretty, nil
}

// Info describes one defined VM.
type Info struct {
	Name string `json:"name" yaml:"name"`
	// ID is the hypervisor's runtime id; only meaningful when Active.
	ID     int32  `json:"id,omitempty" yaml:"id,omitempty"`
	UUID   string `json:"uuid" yaml:"uuid"`
	Active bool   `json:"active" yaml:"active"`
	State  string `json:"state" yaml:"state"`
}

// List returns every VM defined on the hypervisor, running or not, sorted
// by name.
func (c *Controller) List(ctx context.Context) ([]Info, error) {
	var out []Info
	err := c.run(ctx, "list", "", func(_ context.Context, lv libvirtClient) error {
		var err error
		out, err = c.listWithDeps(lv)
		return err
	})
	return out, err
}

func (c *Controller) listWithDeps(lv libvirtClient) ([]Info, error) {
	// NeedResults: 1 means populate the domains slice
	// Flags: 0 means all domains (active and inactive)
	domains, _, err := lv.ConnectListAllDomains(1, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list domains: %w", err)
	}

	vms := make([]Info, 0, len(domains))
	for _, dom := range domains {
		state, err := domainState(lv, dom)
		if err != nil {
			c.log.Info("skipping VM", "vm", dom.Name, "error", err.Error())
			continue
		}
		info := Info{
			Name:   dom.Name,
			UUID:   uuid.UUID(dom.UUID).String(),
			Active: isActive(state),
			State:  stateToString(state),
		}
		if info.Active {
			info.ID = dom.ID
		}
		vms = append(vms, info)
	}

	sort.Slice(vms, func(i, j int) bool { return vms[i].Name < vms[j].Name })
	return vms, nil
}

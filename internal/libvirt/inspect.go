package libvirt

import (
	"fmt"
	"strings"

	"libvirt.org/go/libvirtxml"
)

// Interface is a network interface as declared in a domain descriptor.
type Interface struct {
	// MAC is always lowercase.
	MAC     string
	Type    string
	Network string
	Bridge  string
	Target  string
}

// ParseInterfaces returns the network interfaces declared in a domain XML
// descriptor, in document order. Interfaces without a MAC are skipped.
func ParseInterfaces(domainXML string) ([]Interface, error) {
	var domain libvirtxml.Domain
	if err := domain.Unmarshal(domainXML); err != nil {
		return nil, fmt.Errorf("failed to parse domain XML: %w", err)
	}
	if domain.Devices == nil {
		return nil, nil
	}

	var ifaces []Interface
	for _, ni := range domain.Devices.Interfaces {
		if ni.MAC == nil || ni.MAC.Address == "" {
			continue
		}
		iface := Interface{MAC: strings.ToLower(ni.MAC.Address)}
		if ni.Source != nil {
			switch {
			case ni.Source.Network != nil:
				iface.Type = "network"
				iface.Network = ni.Source.Network.Network
				iface.Bridge = ni.Source.Network.Bridge
			case ni.Source.Bridge != nil:
				iface.Type = "bridge"
				iface.Bridge = ni.Source.Bridge.Bridge
			case ni.Source.Direct != nil:
				iface.Type = "direct"
			case ni.Source.User != nil:
				iface.Type = "user"
			}
		}
		if ni.Target != nil {
			iface.Target = ni.Target.Dev
		}
		ifaces = append(ifaces, iface)
	}

	return ifaces, nil
}

// RenameDomainXML returns domainXML with its name replaced. Everything else,
// including the UUID, is preserved.
func RenameDomainXML(domainXML, newName string) (string, error) {
	if newName == "" {
		return "", fmt.Errorf("new name is required")
	}

	var domain libvirtxml.Domain
	if err := domain.Unmarshal(domainXML); err != nil {
		return "", fmt.Errorf("failed to parse domain XML: %w", err)
	}
	if domain.Name == "" {
		return "", fmt.Errorf("domain XML has no name element")
	}
	domain.Name = newName

	out, err := domain.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal domain XML: %w", err)
	}
	return out, nil
}

// PrettyXML re-renders a domain descriptor with consistent indentation.
func PrettyXML(domainXML string) (string, error) {
	var domain libvirtxml.Domain
	if err := domain.Unmarshal(domainXML); err != nil {
		return "", fmt.Errorf("failed to parse domain XML: %w", err)
	}

	out, err := domain.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal domain XML: %w", err)
	}
	if !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	return out, nil
}

// DiskSources returns the file-backed disk paths of a domain, split into
// regular disks and CD-ROMs.
func DiskSources(domainXML string) (disks, cdroms []string, err error) {
	var domain libvirtxml.Domain
	if err := domain.Unmarshal(domainXML); err != nil {
		return nil, nil, fmt.Errorf("failed to parse domain XML: %w", err)
	}
	if domain.Devices == nil {
		return nil, nil, nil
	}

	for _, d := range domain.Devices.Disks {
		if d.Source == nil || d.Source.File == nil || d.Source.File.File == "" {
			continue
		}
		if d.Device == "cdrom" {
			cdroms = append(cdroms, d.Source.File.File)
		} else {
			disks = append(disks, d.Source.File.File)
		}
	}
	return disks, cdroms, nil
}

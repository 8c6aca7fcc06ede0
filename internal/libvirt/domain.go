package libvirt

import (
	"fmt"

	"libvirt.org/go/libvirtxml"
)

// GuestAgentChannel is the virtio-serial channel name of the QEMU guest agent.
const GuestAgentChannel = "org.qemu.guest_agent.0"

// DomainSpec is everything needed to render a domain descriptor.
type DomainSpec struct {
	Name      string
	UUID      string
	VCPUs     int
	MemoryMiB int

	// DiskPath is the boot disk file on the hypervisor host.
	DiskPath string
	// DiskFormat is the qemu driver type of the boot disk (qcow2 or raw).
	DiskFormat string
	// CloudInitISO, when set, is attached as a read-only CD-ROM.
	CloudInitISO string

	// Exactly one of Network or Bridge is used; Network wins when both are set.
	Network string
	Bridge  string
	MAC     string
	// TapDev optionally names the host-side tap device.
	TapDev string
}

// Validate checks that a spec can be rendered.
func (s DomainSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("domain name is required")
	}
	if s.VCPUs <= 0 {
		return fmt.Errorf("vcpus must be > 0, got %d", s.VCPUs)
	}
	if s.MemoryMiB <= 0 {
		return fmt.Errorf("memory must be > 0, got %d", s.MemoryMiB)
	}
	if s.DiskPath == "" {
		return fmt.Errorf("disk path is required")
	}
	if s.Network == "" && s.Bridge == "" {
		return fmt.Errorf("one of network or bridge is required")
	}
	return nil
}

// GenerateDomainXML renders a KVM domain descriptor from spec.
func GenerateDomainXML(spec DomainSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}

	diskFormat := spec.DiskFormat
	if diskFormat == "" {
		diskFormat = "qcow2"
	}

	domain := &libvirtxml.Domain{
		Type: "kvm",
		Name: spec.Name,
		UUID: spec.UUID,
		Memory: &libvirtxml.DomainMemory{
			Value: uint(spec.MemoryMiB),
			Unit:  "MiB",
		},
		VCPU: &libvirtxml.DomainVCPU{
			Placement: "static",
			Value:     uint(spec.VCPUs),
		},
		OS: &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{
				Arch: "x86_64",
				Type: "hvm",
			},
			BootDevices: []libvirtxml.DomainBootDevice{
				{Dev: "hd"},
			},
			BIOS: &libvirtxml.DomainBIOS{
				UseSerial: "yes",
			},
		},
		Features: &libvirtxml.DomainFeatureList{
			ACPI: &libvirtxml.DomainFeature{},
			APIC: &libvirtxml.DomainFeatureAPIC{},
		},
		CPU: &libvirtxml.DomainCPU{
			Mode: "host-passthrough",
		},
		Clock: &libvirtxml.DomainClock{
			Offset: "utc",
			Timer: []libvirtxml.DomainTimer{
				{Name: "rtc", TickPolicy: "catchup"},
				{Name: "pit", TickPolicy: "delay"},
				{Name: "hpet", Present: "no"},
			},
		},
		OnPoweroff: "destroy",
		OnReboot:   "restart",
		OnCrash:    "restart",
		Devices: &libvirtxml.DomainDeviceList{
			MemBalloon: &libvirtxml.DomainMemBalloon{
				Model: "virtio",
			},
			RNGs: []libvirtxml.DomainRNG{
				{
					Model: "virtio",
					Backend: &libvirtxml.DomainRNGBackend{
						Random: &libvirtxml.DomainRNGBackendRandom{
							Device: "/dev/urandom",
						},
					},
				},
			},
		},
	}

	domain.Devices.Disks = append(domain.Devices.Disks, libvirtxml.DomainDisk{
		Device: "disk",
		Driver: &libvirtxml.DomainDiskDriver{
			Name: "qemu",
			Type: diskFormat,
		},
		Source: &libvirtxml.DomainDiskSource{
			File: &libvirtxml.DomainDiskSourceFile{
				File: spec.DiskPath,
			},
		},
		Target: &libvirtxml.DomainDiskTarget{
			Dev: "vda",
			Bus: "virtio",
		},
	})

	if spec.CloudInitISO != "" {
		domain.Devices.Disks = append(domain.Devices.Disks, libvirtxml.DomainDisk{
			Device: "cdrom",
			Driver: &libvirtxml.DomainDiskDriver{
				Name: "qemu",
				Type: "raw",
			},
			Source: &libvirtxml.DomainDiskSource{
				File: &libvirtxml.DomainDiskSourceFile{
					File: spec.CloudInitISO,
				},
			},
			Target: &libvirtxml.DomainDiskTarget{
				Dev: "sda",
				Bus: "sata",
			},
			ReadOnly: &libvirtxml.DomainDiskReadOnly{},
		})
	}

	netIface := libvirtxml.DomainInterface{
		Model: &libvirtxml.DomainInterfaceModel{
			Type: "virtio",
		},
	}
	if spec.MAC != "" {
		netIface.MAC = &libvirtxml.DomainInterfaceMAC{Address: spec.MAC}
	}
	if spec.Network != "" {
		netIface.Source = &libvirtxml.DomainInterfaceSource{
			Network: &libvirtxml.DomainInterfaceSourceNetwork{Network: spec.Network},
		}
	} else {
		netIface.Source = &libvirtxml.DomainInterfaceSource{
			Bridge: &libvirtxml.DomainInterfaceSourceBridge{Bridge: spec.Bridge},
		}
	}
	if spec.TapDev != "" {
		netIface.Target = &libvirtxml.DomainInterfaceTarget{Dev: spec.TapDev}
	}
	domain.Devices.Interfaces = append(domain.Devices.Interfaces, netIface)

	// Guest agent channel, used for address discovery
	domain.Devices.Channels = []libvirtxml.DomainChannel{
		{
			Source: &libvirtxml.DomainChardevSource{
				UNIX: &libvirtxml.DomainChardevSourceUNIX{
					Mode: "bind",
				},
			},
			Target: &libvirtxml.DomainChannelTarget{
				VirtIO: &libvirtxml.DomainChannelTargetVirtIO{
					Name: GuestAgentChannel,
				},
			},
		},
	}

	// Add serial console
	domain.Devices.Serials = []libvirtxml.DomainSerial{
		{
			Source: &libvirtxml.DomainChardevSource{
				Pty: &libvirtxml.DomainChardevSourcePty{},
			},
			Target: &libvirtxml.DomainSerialTarget{
				Port: ptr(uint(0)),
			},
		},
	}
	domain.Devices.Consoles = []libvirtxml.DomainConsole{
		{
			Source: &libvirtxml.DomainChardevSource{
				Pty: &libvirtxml.DomainChardevSourcePty{},
			},
			Target: &libvirtxml.DomainConsoleTarget{
				Type: "serial",
				Port: ptr(uint(0)),
			},
		},
	}

	domain.Devices.Graphics = []libvirtxml.DomainGraphic{
		{
			VNC: &libvirtxml.DomainGraphicVNC{
				Port:     -1,
				AutoPort: "yes",
				Listen:   "127.0.0.1",
			},
		},
	}

	xml, err := domain.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal domain XML: %w", err)
	}

	return xml, nil
}

func ptr[T any](v T) *T {
	return &v
}

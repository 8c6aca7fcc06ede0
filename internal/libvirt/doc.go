// Package libvirt provides a client wrapper for interacting with libvirt.
//
// This package wraps github.com/digitalocean/go-libvirt to provide:
//   - Connection management for local and SSH-tunneled hypervisors
//   - Domain XML generation from a DomainSpec
//   - Domain XML inspection (interfaces, disks, rename, pretty printing)
//
// Connection Management:
//
// A connection is opened per logical operation and closed when it ends:
//
//	t, err := target.Parse("qemu+ssh://root@kvm01/system")
//	if err != nil {
//	    return err
//	}
//	client, err := libvirt.Connect(ctx, t, cfg, log)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
// For SSH targets the remote libvirt unix socket is forwarded over an SSH
// connection built from the ssh section of the configuration, so no local
// virsh or ssh binary is needed to talk to the hypervisor.
//
// Domain XML Generation:
//
//	xml, err := libvirt.GenerateDomainXML(libvirt.DomainSpec{
//	    Name:         "web1",
//	    VCPUs:        2,
//	    MemoryMiB:    2048,
//	    DiskPath:     "/var/lib/libvirt/images/web1-disk.qcow2",
//	    CloudInitISO: "/var/lib/libvirt/images/web1-cloudinit.iso",
//	    Network:      "default",
//	    MAC:          "be:ef:12:34:56:78",
//	})
//
// Consumer-Side Interfaces:
//
// This package does not define interfaces. Consumers (internal/vm,
// internal/storage, internal/metadata, internal/discovery) define their own
// LibvirtClient interfaces specifying only the operations they need. The
// *libvirt.Libvirt type satisfies these interfaces implicitly.
package libvirt

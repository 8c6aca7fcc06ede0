// Package discovery finds the IPv4 address of a VM.
//
// Three sources are asked in a fixed order and the first answer wins:
//  1. the QEMU guest agent, when the VM is running
//  2. the DHCP lease tables of the VM's libvirt networks
//  3. the hypervisor host's neighbor (ARP) table
//
// Results are never merged across sources and never cached; every call
// reads the VM's current interfaces from its live XML. When no source
// knows an address, Discover returns a *NotFoundError listing the MAC
// addresses that were searched for.
package discovery

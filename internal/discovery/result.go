package discovery

import (
	"errors"
	"fmt"
	"strings"
)

// Method names the source that produced an address.
type Method string

const (
	MethodGuestAgent Method = "guest-agent"
	MethodDHCP       Method = "dhcp-lease"
	MethodARP        Method = "arp-table"
)

var (
	// ErrNotFound is matched by *NotFoundError.
	ErrNotFound = errors.New("no IP address found")
	// ErrNoInterfaces is returned for a VM without any MAC-addressed interface.
	ErrNoInterfaces = errors.New("no network interfaces found")
	// ErrUnknownVM is returned when the VM is not defined.
	ErrUnknownVM = errors.New("not found")
)

// Result is one discovered address.
type Result struct {
	Address string `json:"address" yaml:"address"`
	Method  Method `json:"method" yaml:"method"`
	// Interface is the guest interface for guest-agent results and the
	// host-side interface otherwise, when known.
	Interface string `json:"interface,omitempty" yaml:"interface,omitempty"`
	// Network is the libvirt network of a DHCP lease.
	Network string `json:"network,omitempty" yaml:"network,omitempty"`
}

// String renders the result the way the ip command prints it.
func (r Result) String() string {
	switch r.Method {
	case MethodGuestAgent:
		return fmt.Sprintf("%s (guest agent via %s)", r.Address, r.Interface)
	case MethodDHCP:
		return fmt.Sprintf("%s (DHCP from %s)", r.Address, r.Network)
	case MethodARP:
		return fmt.Sprintf("%s (ARP table)", r.Address)
	default:
		return r.Address
	}
}

// NotFoundError reports that no source knew an address for the VM.
type NotFoundError struct {
	VM   string
	MACs []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no IP found for VM '%s' with MACs: %s", e.VM, strings.Join(e.MACs, ", "))
}

// Is matches ErrNotFound.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

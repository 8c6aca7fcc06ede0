package vm

import (
	"context"

	"github.com/digitalocean/go-libvirt"

	"github.com/jbweber/kiln/internal/cloudinit"
	"github.com/jbweber/kiln/internal/image"
	"github.com/jbweber/kiln/internal/metadata"
	"github.com/jbweber/kiln/internal/storage"
)

// libvirtClient defines the libvirt operations needed for VM management.
// This wraps operations from *libvirt.Libvirt to allow for testing.
//
// In production, this is satisfied by *libvirt.Libvirt directly.
// In tests, this is satisfied by mock implementations.
type libvirtClient interface {
	storage.LibvirtClient
	metadata.LibvirtClient

	DomainLookupByName(Name string) (libvirt.Domain, error)
	DomainDefineXML(XML string) (libvirt.Domain, error)
	DomainSetAutostart(Dom libvirt.Domain, Autostart int32) error
	DomainCreate(Dom libvirt.Domain) error
	DomainGetState(Dom libvirt.Domain, Flags uint32) (rState int32, rReason int32, err error)
	DomainShutdown(Dom libvirt.Domain) error
	DomainDestroy(Dom libvirt.Domain) error
	DomainUndefineFlags(Dom libvirt.Domain, Flags libvirt.DomainUndefineFlagsValues) error
	DomainGetXMLDesc(Dom libvirt.Domain, Flags libvirt.DomainXMLFlags) (string, error)
	ConnectListAllDomains(NeedResults int32, Flags libvirt.ConnectListAllDomainsFlags) ([]libvirt.Domain, uint32, error)
}

// imageResolver is satisfied by *image.Resolver.
type imageResolver interface {
	Resolve(ctx context.Context, raw string) (image.ResolvedImage, error)
	LocateKnownImage(ctx context.Context, osName string) string
}

// isoPackager is satisfied by *cloudinit.Packager.
type isoPackager interface {
	Package(ctx context.Context, vmName string, payload cloudinit.Payload) (string, error)
	RemoveISO(ctx context.Context, vmName string)
}

// keyCollector is satisfied by *cloudinit.KeyCollector.
type keyCollector interface {
	Collect(ctx context.Context, githubUser string) []string
}

// overlayManager is satisfied by *storage.Manager.
type overlayManager interface {
	CreateOverlay(ctx context.Context, lv storage.LibvirtClient, vmName, basePath string) (string, error)
	RemoveOverlay(ctx context.Context, overlayPath string) error
}

// Package metadata stores a provisioning record inside libvirt's custom XML
// metadata for a domain. The record travels with the domain definition, so
// destroy can find the files create made without any external state.
package metadata

import (
	"encoding/xml"
	"errors"
	"fmt"
	"time"

	"github.com/digitalocean/go-libvirt"
	"gopkg.in/yaml.v3"

	kvirt "github.com/jbweber/kiln/internal/libvirt"
)

const (
	// Namespace is the XML namespace of kiln metadata.
	Namespace = "https://github.com/jbweber/kiln/v1"

	// Key is the element prefix used when storing metadata.
	Key = "kiln"
)

// ErrNotFound is returned by Load when the domain carries no kiln metadata.
var ErrNotFound = errors.New("no kiln metadata on domain")

// Record describes what create provisioned for a domain.
type Record struct {
	// Image is the reference the VM was created from, as requested.
	Image string `yaml:"image"`
	// Disk is the path the domain boots from: the resolved image or the overlay.
	Disk string `yaml:"disk"`
	// Overlay is set when Disk is an overlay kiln created.
	Overlay string `yaml:"overlay,omitempty"`
	// CloudInitISO is set when kiln packaged a cloud-init ISO.
	CloudInitISO string `yaml:"cloud_init_iso,omitempty"`
	// CloudInit names the create variant: none, default or custom.
	CloudInit string    `yaml:"cloud_init"`
	CreatedAt time.Time `yaml:"created_at"`
}

// element is the XML wrapper. The record is stored as YAML text so it stays
// readable in `virsh dumpxml`.
type element struct {
	XMLName xml.Name `xml:"vm"`
	Xmlns   string   `xml:"xmlns,attr"`
	YAML    string   `xml:",chardata"`
}

// LibvirtClient is the subset of *libvirt.Libvirt used here.
type LibvirtClient interface {
	DomainSetMetadata(Dom libvirt.Domain, Type int32, Metadata libvirt.OptString, Key libvirt.OptString, Uri libvirt.OptString, Flags libvirt.DomainModificationImpact) error
	DomainGetMetadata(Dom libvirt.Domain, Type int32, Uri libvirt.OptString, Flags libvirt.DomainModificationImpact) (string, error)
}

// Store writes rec into the persistent definition of domain, replacing any
// previous record.
func Store(l LibvirtClient, domain libvirt.Domain, rec *Record) error {
	data, err := yaml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata to YAML: %w", err)
	}

	xmlData, err := xml.Marshal(element{Xmlns: Namespace, YAML: "\n" + string(data)})
	if err != nil {
		return fmt.Errorf("failed to marshal metadata to XML: %w", err)
	}

	err = l.DomainSetMetadata(
		domain,
		int32(libvirt.DomainMetadataElement),
		libvirt.OptString{string(xmlData)},
		libvirt.OptString{Key},
		libvirt.OptString{Namespace},
		libvirt.DomainAffectConfig,
	)
	if err != nil {
		return fmt.Errorf("failed to set libvirt domain metadata: %w", err)
	}
	return nil
}

// Load reads the record of domain. It returns ErrNotFound when the domain
// was not created by kiln.
func Load(l LibvirtClient, domain libvirt.Domain) (*Record, error) {
	xmlStr, err := l.DomainGetMetadata(
		domain,
		int32(libvirt.DomainMetadataElement),
		libvirt.OptString{Namespace},
		libvirt.DomainAffectConfig,
	)
	if err != nil {
		if kvirt.IsErrorCode(err, libvirt.ErrNoDomainMetadata) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get libvirt domain metadata: %w", err)
	}

	return Parse(xmlStr)
}

// Parse decodes a metadata element as returned by libvirt.
func Parse(xmlStr string) (*Record, error) {
	var el element
	if err := xml.Unmarshal([]byte(xmlStr), &el); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata XML: %w", err)
	}

	var rec Record
	if err := yaml.Unmarshal([]byte(el.YAML), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata YAML: %w", err)
	}
	return &rec, nil
}

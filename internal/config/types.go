package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"

	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"

	"github.com/jbweber/kiln/internal/naming"
)

// MinMemoryMiB is the smallest memory size accepted for a VM.
const MinMemoryMiB = 128

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// VMConfig is a VM provisioning request.
type VMConfig struct {
	Name      string `yaml:"name"`
	VCPUs     int    `yaml:"vcpus"`
	MemoryMiB int    `yaml:"memory_mib"`
	// Image is a URL (http, https, ftp, ftps, s3) or a path on the hypervisor host.
	Image string `yaml:"image,omitempty"`
	// OS selects a well-known image on the hypervisor host when Image is empty.
	OS        string           `yaml:"os,omitempty"`
	Network   string           `yaml:"network,omitempty"`
	Bridge    string           `yaml:"bridge,omitempty"`
	Autostart bool             `yaml:"autostart,omitempty"`
	Overlay   bool             `yaml:"overlay,omitempty"`
	CloudInit *CloudInitConfig `yaml:"cloud_init,omitempty"`

	// Derived fields (not in YAML)
	MACAddress string `yaml:"-"`
}

// CloudInitConfig contains the user-facing cloud-init settings for one VM.
// Follows cloud-init spec: https://cloudinit.readthedocs.io/
type CloudInitConfig struct {
	// Hostname defaults to the VM name.
	Hostname   string   `yaml:"hostname,omitempty"`
	FQDN       string   `yaml:"fqdn,omitempty"`
	User       string   `yaml:"user,omitempty"`
	Password   string   `yaml:"password,omitempty"`
	Groups     []string `yaml:"groups,omitempty"`
	Packages   []string `yaml:"packages,omitempty"`
	DNSServers []string `yaml:"dns_servers,omitempty"`
	GitHubUser string   `yaml:"github_user,omitempty"`
	SSHKeys    []string `yaml:"ssh_keys,omitempty"`
	SSHPwAuth  *bool    `yaml:"ssh_pwauth,omitempty"` // Pointer to distinguish unset vs false
	Static     *Static  `yaml:"static,omitempty"`
}

// Static describes a static IPv4 address for the VM's first interface.
type Static struct {
	Address string `yaml:"address"` // IP with CIDR, e.g. "10.20.30.40/24"
	Gateway string `yaml:"gateway"`
}

// Validate checks the request for errors.
// Does not validate hypervisor resources (images, networks) - only structure.
func (c *VMConfig) Validate() error {
	if err := ValidateName(c.Name); err != nil {
		return err
	}

	if c.VCPUs <= 0 {
		return fmt.Errorf("vcpus must be > 0, got %d", c.VCPUs)
	}
	if c.MemoryMiB < MinMemoryMiB {
		return fmt.Errorf("memory_mib must be >= %d, got %d", MinMemoryMiB, c.MemoryMiB)
	}
	if c.Image == "" && c.OS == "" {
		return fmt.Errorf("one of image or os is required")
	}
	if c.Network != "" && c.Bridge != "" {
		return fmt.Errorf("cannot specify both network and bridge")
	}

	if c.CloudInit != nil {
		if err := c.CloudInit.Validate(); err != nil {
			return fmt.Errorf("cloud_init: %w", err)
		}
	}

	return nil
}

// ValidateName checks a VM name: 1-64 characters, starting with an
// alphanumeric, then alphanumerics, dots, hyphens or underscores.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("name is required")
	}
	if len(name) > 64 {
		return fmt.Errorf("name must be at most 64 characters, got %d", len(name))
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("name must start with an alphanumeric character and contain only alphanumerics, dots, hyphens or underscores, got %q", name)
	}
	return nil
}

// Validate checks cloud-init configuration.
func (c *CloudInitConfig) Validate() error {
	if c.User == "" {
		return fmt.Errorf("user is required")
	}

	if c.FQDN != "" {
		// RFC 952/1123 labels separated by dots, at least one dot
		fqdnPattern := `^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)+$`
		matched, err := regexp.MatchString(fqdnPattern, c.FQDN)
		if err != nil {
			return fmt.Errorf("fqdn validation error: %w", err)
		}
		if !matched {
			return fmt.Errorf("fqdn must be a valid hostname with domain (e.g., host.example.com), got %q", c.FQDN)
		}
	}

	for i, key := range c.SSHKeys {
		if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(key)); err != nil {
			return fmt.Errorf("ssh_keys[%d] is not a valid SSH public key: %w", i, err)
		}
	}

	for i, dns := range c.DNSServers {
		if net.ParseIP(dns) == nil {
			return fmt.Errorf("dns_servers[%d] is not a valid IP address: %q", i, dns)
		}
	}

	if c.Static != nil {
		if err := c.Static.Validate(); err != nil {
			return fmt.Errorf("static: %w", err)
		}
	}

	return nil
}

// Validate checks static addressing.
func (s *Static) Validate() error {
	ip, _, err := net.ParseCIDR(s.Address)
	if err != nil {
		return fmt.Errorf("invalid address/cidr format %q: %w", s.Address, err)
	}
	if ip.To4() == nil {
		return fmt.Errorf("only IPv4 addresses are supported: %q", s.Address)
	}
	gw := net.ParseIP(s.Gateway)
	if gw == nil || gw.To4() == nil {
		return fmt.Errorf("invalid gateway IPv4 address %q", s.Gateway)
	}
	return nil
}

// Normalize trims user input. Called by LoadVMConfig before validation.
func (c *VMConfig) Normalize() {
	c.Name = strings.TrimSpace(c.Name)
	c.Image = strings.TrimSpace(c.Image)
	c.OS = strings.TrimSpace(c.OS)

	if c.CloudInit != nil {
		c.CloudInit.FQDN = strings.ToLower(strings.TrimSpace(c.CloudInit.FQDN))
		c.CloudInit.User = strings.TrimSpace(c.CloudInit.User)
	}
}

// ApplyCloudInitDefaults fills cloud-init fields the request left empty from
// the configured defaults, creating the section if it is absent.
func (c *VMConfig) ApplyCloudInitDefaults(d CloudInitDefaults) {
	if c.CloudInit == nil {
		c.CloudInit = &CloudInitConfig{}
	}
	ci := c.CloudInit
	if ci.User == "" {
		ci.User = d.User
	}
	if ci.Password == "" {
		ci.Password = d.Password
	}
	if len(ci.Groups) == 0 {
		ci.Groups = append([]string(nil), d.Groups...)
	}
	if len(ci.Packages) == 0 {
		ci.Packages = append([]string(nil), d.Packages...)
	}
	if len(ci.DNSServers) == 0 {
		ci.DNSServers = append([]string(nil), d.DNSServers...)
	}
	if ci.GitHubUser == "" {
		ci.GitHubUser = d.GitHubUser
	}
}

// Hostname returns the guest hostname: the configured hostname, the first
// label of the FQDN, or the VM name.
func (c *VMConfig) Hostname() string {
	if c.CloudInit != nil {
		if c.CloudInit.Hostname != "" {
			return c.CloudInit.Hostname
		}
		if c.CloudInit.FQDN != "" {
			host, _, _ := strings.Cut(c.CloudInit.FQDN, ".")
			return host
		}
	}
	return c.Name
}

// CalculateMAC sets MACAddress: derived from the static address when one is
// configured, otherwise from the VM name. Must be called after validation.
func (c *VMConfig) CalculateMAC() error {
	if c.CloudInit != nil && c.CloudInit.Static != nil {
		mac, err := naming.MACFromIP(c.CloudInit.Static.Address)
		if err != nil {
			return fmt.Errorf("static address: %w", err)
		}
		c.MACAddress = mac
		return nil
	}
	c.MACAddress = naming.MACFromName(c.Name)
	return nil
}

// LoadVMConfig loads a VM request from a YAML file.
func LoadVMConfig(path string) (*VMConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read VM file: %w", err)
	}

	var vm VMConfig
	if err := yaml.Unmarshal(data, &vm); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	vm.Normalize()

	if err := vm.Validate(); err != nil {
		return nil, fmt.Errorf("invalid VM configuration: %w", err)
	}

	return &vm, nil
}

// Package cloudinit provides cloud-init configuration generation and
// packaging for VM provisioning.
//
// This package generates cloud-init configuration files (user-data,
// meta-data, network-config) following the cloud-init NoCloud datasource
// specification, collects the SSH keys to install, and packages the files
// into a CIDATA ISO on the hypervisor host.
//
// See https://cloudinit.readthedocs.io/en/latest/reference/datasources/nocloud.html
package cloudinit

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/jbweber/kiln/internal/config"
)

// Payload is the set of NoCloud documents for one VM.
type Payload struct {
	UserData string
	MetaData string
	// NetworkConfig is empty when the guest uses DHCP.
	NetworkConfig string
}

// Options holds the inputs of Build that do not come from the request.
type Options struct {
	// Interface names the guest interface in network-config.
	Interface string
	// InstanceID overrides the generated <name>-<uuid> instance id.
	InstanceID string
}

// UserData represents the cloud-config user-data structure.
// This is marshaled to YAML and prefixed with "#cloud-config" header.
//
// See https://cloudinit.readthedocs.io/en/latest/explanation/format.html#cloud-config-data
type UserData struct {
	Hostname         string      `yaml:"hostname"`
	FQDN             string      `yaml:"fqdn,omitempty"`
	ManageEtcHosts   bool        `yaml:"manage_etc_hosts"`
	Users            []User      `yaml:"users"`
	SSHPasswordAuth  bool        `yaml:"ssh_pwauth"`
	Chpasswd         *Chpasswd   `yaml:"chpasswd,omitempty"`
	PackageUpdate    bool        `yaml:"package_update"`
	Packages         []string    `yaml:"packages,omitempty"`
	ManageResolvConf bool        `yaml:"manage_resolv_conf,omitempty"`
	ResolvConf       *ResolvConf `yaml:"resolv_conf,omitempty"`
	RunCmd           [][]string  `yaml:"runcmd,omitempty"`
	Output           *Output     `yaml:"output,omitempty"`
}

// User is one entry of the users list.
type User struct {
	Name              string   `yaml:"name"`
	Groups            string   `yaml:"groups,omitempty"`
	Sudo              string   `yaml:"sudo"`
	Shell             string   `yaml:"shell"`
	LockPasswd        bool     `yaml:"lock_passwd"`
	PlainTextPasswd   string   `yaml:"plain_text_passwd,omitempty"`
	SSHAuthorizedKeys []string `yaml:"ssh_authorized_keys,omitempty"`
}

// Chpasswd configures user password settings.
type Chpasswd struct {
	Expire bool `yaml:"expire"` // Whether to expire passwords on first login
}

// ResolvConf configures the guest resolver.
type ResolvConf struct {
	Nameservers []string `yaml:"nameservers"`
}

// Output configures cloud-init output logging.
type Output struct {
	All string `yaml:"all"`
}

// MetaData represents the cloud-init meta-data structure.
//
// See https://cloudinit.readthedocs.io/en/latest/reference/datasources/nocloud.html
type MetaData struct {
	InstanceID    string `yaml:"instance-id"`
	LocalHostname string `yaml:"local-hostname"`
}

// NetworkConfig represents the netplan v2 network configuration.
//
// See https://cloudinit.readthedocs.io/en/latest/reference/network-config-format-v2.html
type NetworkConfig struct {
	Version   int                       `yaml:"version"`
	Ethernets map[string]EthernetConfig `yaml:"ethernets"`
}

// EthernetConfig represents a single ethernet interface configuration.
type EthernetConfig struct {
	Match       *MatchConfig  `yaml:"match,omitempty"`
	SetName     string        `yaml:"set-name,omitempty"`
	DHCP4       bool          `yaml:"dhcp4"`
	Addresses   []string      `yaml:"addresses"`
	Routes      []RouteConfig `yaml:"routes,omitempty"`
	Nameservers *Nameservers  `yaml:"nameservers,omitempty"`
}

// MatchConfig matches an interface by MAC address.
type MatchConfig struct {
	MACAddress string `yaml:"macaddress"`
}

// RouteConfig represents a static route.
type RouteConfig struct {
	To  string `yaml:"to"`
	Via string `yaml:"via"`
}

// Nameservers represents DNS server configuration.
type Nameservers struct {
	Addresses []string `yaml:"addresses"`
}

// Build renders the NoCloud documents for vm. keys are installed for the
// user in addition to the request's own SSH keys; duplicates are dropped.
// Build performs no I/O.
func Build(vm *config.VMConfig, keys []string, opts Options) (Payload, error) {
	if vm == nil {
		return Payload{}, fmt.Errorf("VM configuration cannot be nil")
	}
	if vm.CloudInit == nil {
		return Payload{}, fmt.Errorf("VM %q has no cloud-init configuration", vm.Name)
	}

	userData, err := GenerateUserData(vm, keys)
	if err != nil {
		return Payload{}, fmt.Errorf("failed to generate user-data: %w", err)
	}

	metaData, err := GenerateMetaData(vm, opts.InstanceID)
	if err != nil {
		return Payload{}, fmt.Errorf("failed to generate meta-data: %w", err)
	}

	networkConfig, err := GenerateNetworkConfig(vm, opts.Interface)
	if err != nil {
		return Payload{}, fmt.Errorf("failed to generate network-config: %w", err)
	}

	return Payload{UserData: userData, MetaData: metaData, NetworkConfig: networkConfig}, nil
}

// GenerateUserData generates the user-data YAML content from VM configuration.
//
// Returns the complete user-data file content including the "#cloud-config" header.
func GenerateUserData(vm *config.VMConfig, keys []string) (string, error) {
	ci := vm.CloudInit
	if ci == nil || ci.User == "" {
		return "", fmt.Errorf("cloud-init user is required")
	}

	user := User{
		Name:              ci.User,
		Groups:            strings.Join(ci.Groups, ","),
		Sudo:              "ALL=(ALL) NOPASSWD:ALL",
		Shell:             "/bin/bash",
		LockPasswd:        ci.Password == "",
		PlainTextPasswd:   ci.Password,
		SSHAuthorizedKeys: MergeKeys(ci.SSHKeys, keys),
	}

	userData := UserData{
		Hostname:        vm.Hostname(),
		FQDN:            ci.FQDN,
		ManageEtcHosts:  true,
		Users:           []User{user},
		SSHPasswordAuth: ci.Password != "",
		PackageUpdate:   len(ci.Packages) > 0,
		Packages:        ci.Packages,
		Output: &Output{
			All: "| tee -a /var/log/cloud-init-output.log",
		},
	}
	if ci.SSHPwAuth != nil {
		userData.SSHPasswordAuth = *ci.SSHPwAuth
	}
	if ci.Password != "" {
		userData.Chpasswd = &Chpasswd{Expire: false}
	}
	if len(ci.DNSServers) > 0 {
		userData.ManageResolvConf = true
		userData.ResolvConf = &ResolvConf{Nameservers: ci.DNSServers}
	}
	for _, p := range ci.Packages {
		if p == "qemu-guest-agent" {
			userData.RunCmd = append(userData.RunCmd, []string{"systemctl", "enable", "--now", "qemu-guest-agent"})
			break
		}
	}

	yamlBytes, err := yaml.Marshal(&userData)
	if err != nil {
		return "", fmt.Errorf("failed to marshal user-data to YAML: %w", err)
	}

	// Prepend #cloud-config header (required by cloud-init spec)
	return "#cloud-config\n" + string(yamlBytes), nil
}

// GenerateMetaData generates the meta-data YAML content from VM configuration.
//
// The instance-id defaults to <name>-<uuid> so cloud-init runs again when a
// VM is recreated under the same name.
func GenerateMetaData(vm *config.VMConfig, instanceID string) (string, error) {
	if instanceID == "" {
		instanceID = fmt.Sprintf("%s-%s", vm.Name, uuid.NewString())
	}

	metaData := MetaData{
		InstanceID:    instanceID,
		LocalHostname: vm.Hostname(),
	}

	yamlBytes, err := yaml.Marshal(&metaData)
	if err != nil {
		return "", fmt.Errorf("failed to marshal meta-data to YAML: %w", err)
	}

	return string(yamlBytes), nil
}

// GenerateNetworkConfig generates the network-config YAML content for static
// addressing. It returns "" when the request has no static address, leaving
// the guest on DHCP.
//
// See https://cloudinit.readthedocs.io/en/latest/reference/network-config-format-v2.html
func GenerateNetworkConfig(vm *config.VMConfig, iface string) (string, error) {
	if vm.CloudInit == nil || vm.CloudInit.Static == nil {
		return "", nil
	}
	if iface == "" {
		iface = "enp1s0"
	}

	static := vm.CloudInit.Static
	eth := EthernetConfig{
		Addresses: []string{static.Address},
		Routes: []RouteConfig{
			{
				To:  "0.0.0.0/0",
				Via: static.Gateway,
			},
		},
	}
	if vm.MACAddress != "" {
		eth.Match = &MatchConfig{MACAddress: vm.MACAddress}
		eth.SetName = iface
	}
	if len(vm.CloudInit.DNSServers) > 0 {
		eth.Nameservers = &Nameservers{Addresses: vm.CloudInit.DNSServers}
	}

	networkConfig := NetworkConfig{
		Version:   2,
		Ethernets: map[string]EthernetConfig{iface: eth},
	}

	yamlBytes, err := yaml.Marshal(&networkConfig)
	if err != nil {
		return "", fmt.Errorf("failed to marshal network-config to YAML: %w", err)
	}

	return string(yamlBytes), nil
}

// MergeKeys returns the union of the key lists in order, dropping blanks and
// duplicates.
func MergeKeys(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, k := range list {
			k = strings.TrimSpace(k)
			if k == "" || seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

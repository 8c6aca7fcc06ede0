package cloudinit

import (
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/kiln/internal/config"
)

// Test SSH keys (valid keys generated for testing)
const (
	testSSHKeyEd25519 = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIIbJKZscbOLzBsgY5y2QupKW4A2kSDjMBQGPb1dChr+S test@example.com"
	testSSHKeyRSA     = "ssh-rsa AAAAB3NzaC1yc2EAAAADAQABAAABAQCq7mGKPGMc36QAe7g1dJ8oGeDD1VnfBwdC3YAlp8zX3cQm8PEaaBUsKgVPigiFVWMwKTBpP2YWAjQaqyBIgFM7sneE8Ke3ouMS9GaOoFHMcorvX1N6oJtldL58D1vfGpHcBfwZiSFHxHZOZwG0Q0hCBJcoAiVtBUaubspLiXY/QgUZnw1JgbAsVuFdHxMsqSwi8NC6smVhg00T28TDubfgMZM02Uvd/qNZF6PzKxUhcCIY4zCHtsiMeN7njssKmjnuBLBlD51D19Rw6CbHsKOEskdpIHU+8o5debIwHk7c6Q0iOGTs/2lg/Rjzs+Us59NOTRB+jECEAbO0r19l//pr test-rsa@example.com"
)

func parseUserData(t *testing.T, content string) UserData {
	t.Helper()
	if !strings.HasPrefix(content, "#cloud-config\n") {
		t.Fatalf("user-data must start with '#cloud-config', got %q", content)
	}
	var userData UserData
	if err := yaml.Unmarshal([]byte(strings.TrimPrefix(content, "#cloud-config\n")), &userData); err != nil {
		t.Fatalf("Failed to parse user-data YAML: %v", err)
	}
	return userData
}

func boolPtr(b bool) *bool { return &b }

func TestGenerateUserData(t *testing.T) {
	tests := []struct {
		name         string
		cfg          *config.VMConfig
		keys         []string
		expectErr    bool
		checkContent func(t *testing.T, ud UserData)
	}{
		{
			name:      "no cloud-init section",
			cfg:       &config.VMConfig{Name: "test-vm"},
			expectErr: true,
		},
		{
			name: "missing user",
			cfg: &config.VMConfig{
				Name:      "test-vm",
				CloudInit: &config.CloudInitConfig{},
			},
			expectErr: true,
		},
		{
			name: "password user with packages",
			cfg: &config.VMConfig{
				Name: "webA",
				CloudInit: &config.CloudInitConfig{
					User:       "ubuntu",
					Password:   "secret",
					Groups:     []string{"sudo", "adm"},
					Packages:   []string{"curl", "qemu-guest-agent"},
					DNSServers: []string{"8.8.8.8", "8.8.4.4"},
				},
			},
			checkContent: func(t *testing.T, ud UserData) {
				if ud.Hostname != "webA" {
					t.Errorf("Expected hostname 'webA', got %q", ud.Hostname)
				}
				if !ud.ManageEtcHosts {
					t.Error("Expected manage_etc_hosts true")
				}
				if len(ud.Users) != 1 {
					t.Fatalf("Expected 1 user, got %d", len(ud.Users))
				}
				u := ud.Users[0]
				if u.Name != "ubuntu" {
					t.Errorf("Expected user 'ubuntu', got %q", u.Name)
				}
				if u.Groups != "sudo,adm" {
					t.Errorf("Expected groups 'sudo,adm', got %q", u.Groups)
				}
				if u.Sudo != "ALL=(ALL) NOPASSWD:ALL" {
					t.Errorf("Unexpected sudo rule %q", u.Sudo)
				}
				if u.Shell != "/bin/bash" {
					t.Errorf("Expected shell /bin/bash, got %q", u.Shell)
				}
				if u.LockPasswd {
					t.Error("Expected lock_passwd false when a password is set")
				}
				if u.PlainTextPasswd != "secret" {
					t.Errorf("Expected plain_text_passwd 'secret', got %q", u.PlainTextPasswd)
				}
				if !ud.SSHPasswordAuth {
					t.Error("Expected ssh_pwauth true when a password is set")
				}
				if ud.Chpasswd == nil || ud.Chpasswd.Expire {
					t.Error("Expected chpasswd.expire false")
				}
				if !ud.PackageUpdate {
					t.Error("Expected package_update true")
				}
				if ud.ResolvConf == nil || len(ud.ResolvConf.Nameservers) != 2 || !ud.ManageResolvConf {
					t.Errorf("Expected resolv_conf with 2 nameservers, got %+v", ud.ResolvConf)
				}
				if len(ud.RunCmd) != 1 || strings.Join(ud.RunCmd[0], " ") != "systemctl enable --now qemu-guest-agent" {
					t.Errorf("Expected runcmd enabling qemu-guest-agent, got %v", ud.RunCmd)
				}
				if ud.Output == nil || ud.Output.All != "| tee -a /var/log/cloud-init-output.log" {
					t.Error("Expected output logging to be configured")
				}
			},
		},
		{
			name: "key-only user",
			cfg: &config.VMConfig{
				Name: "db1",
				CloudInit: &config.CloudInitConfig{
					User:    "admin",
					FQDN:    "db1.example.com",
					SSHKeys: []string{testSSHKeyEd25519},
				},
			},
			keys: []string{testSSHKeyRSA, testSSHKeyEd25519},
			checkContent: func(t *testing.T, ud UserData) {
				if ud.Hostname != "db1" || ud.FQDN != "db1.example.com" {
					t.Errorf("Unexpected hostname/fqdn %q/%q", ud.Hostname, ud.FQDN)
				}
				u := ud.Users[0]
				if !u.LockPasswd {
					t.Error("Expected lock_passwd true without a password")
				}
				if ud.SSHPasswordAuth {
					t.Error("Expected ssh_pwauth false without a password")
				}
				if ud.Chpasswd != nil {
					t.Error("Expected no chpasswd section without a password")
				}
				want := []string{testSSHKeyEd25519, testSSHKeyRSA}
				if len(u.SSHAuthorizedKeys) != len(want) {
					t.Fatalf("Expected %d keys, got %v", len(want), u.SSHAuthorizedKeys)
				}
				for i := range want {
					if u.SSHAuthorizedKeys[i] != want[i] {
						t.Errorf("key[%d] = %q, want %q", i, u.SSHAuthorizedKeys[i], want[i])
					}
				}
				if ud.PackageUpdate || len(ud.RunCmd) != 0 {
					t.Error("Expected no package_update or runcmd without packages")
				}
			},
		},
		{
			name: "ssh_pwauth override",
			cfg: &config.VMConfig{
				Name: "vm",
				CloudInit: &config.CloudInitConfig{
					User:      "ubuntu",
					Password:  "pw",
					SSHPwAuth: boolPtr(false),
				},
			},
			checkContent: func(t *testing.T, ud UserData) {
				if ud.SSHPasswordAuth {
					t.Error("Expected explicit ssh_pwauth false to win")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content, err := GenerateUserData(tt.cfg, tt.keys)
			if tt.expectErr {
				if err == nil {
					t.Fatal("Expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if tt.checkContent != nil {
				tt.checkContent(t, parseUserData(t, content))
			}
		})
	}
}

func TestGenerateMetaData(t *testing.T) {
	cfg := &config.VMConfig{
		Name:      "webA",
		CloudInit: &config.CloudInitConfig{User: "ubuntu", Hostname: "web-a"},
	}

	content, err := GenerateMetaData(cfg, "")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	var md MetaData
	if err := yaml.Unmarshal([]byte(content), &md); err != nil {
		t.Fatalf("Failed to parse meta-data YAML: %v", err)
	}
	if !strings.HasPrefix(md.InstanceID, "webA-") || len(md.InstanceID) != len("webA-")+36 {
		t.Errorf("Expected instance-id webA-<uuid>, got %q", md.InstanceID)
	}
	if md.LocalHostname != "web-a" {
		t.Errorf("Expected local-hostname 'web-a', got %q", md.LocalHostname)
	}

	again, err := GenerateMetaData(cfg, "")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if again == content {
		t.Error("Expected a fresh instance-id per call")
	}

	fixed, err := GenerateMetaData(cfg, "iid-1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !strings.Contains(fixed, "instance-id: iid-1") {
		t.Errorf("Expected explicit instance-id, got:\n%s", fixed)
	}
}

func TestGenerateNetworkConfig(t *testing.T) {
	t.Run("dhcp yields no document", func(t *testing.T) {
		cfg := &config.VMConfig{Name: "vm", CloudInit: &config.CloudInitConfig{User: "u"}}
		content, err := GenerateNetworkConfig(cfg, "")
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if content != "" {
			t.Errorf("Expected empty network-config, got:\n%s", content)
		}
	})

	t.Run("static with MAC match", func(t *testing.T) {
		cfg := &config.VMConfig{
			Name:       "vm",
			MACAddress: "be:ef:0a:14:1e:28",
			CloudInit: &config.CloudInitConfig{
				User:       "u",
				DNSServers: []string{"1.1.1.1"},
				Static:     &config.Static{Address: "10.20.30.40/24", Gateway: "10.20.30.1"},
			},
		}
		content, err := GenerateNetworkConfig(cfg, "")
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		var nc NetworkConfig
		if err := yaml.Unmarshal([]byte(content), &nc); err != nil {
			t.Fatalf("Failed to parse network-config YAML: %v", err)
		}
		if nc.Version != 2 {
			t.Errorf("Expected version 2, got %d", nc.Version)
		}
		eth, ok := nc.Ethernets["enp1s0"]
		if !ok {
			t.Fatalf("Expected default interface enp1s0, got %v", nc.Ethernets)
		}
		if eth.Match == nil || eth.Match.MACAddress != "be:ef:0a:14:1e:28" || eth.SetName != "enp1s0" {
			t.Errorf("Expected MAC match with set-name, got %+v / %q", eth.Match, eth.SetName)
		}
		if eth.DHCP4 {
			t.Error("Expected dhcp4 false")
		}
		if len(eth.Addresses) != 1 || eth.Addresses[0] != "10.20.30.40/24" {
			t.Errorf("Unexpected addresses %v", eth.Addresses)
		}
		if len(eth.Routes) != 1 || eth.Routes[0].To != "0.0.0.0/0" || eth.Routes[0].Via != "10.20.30.1" {
			t.Errorf("Unexpected routes %+v", eth.Routes)
		}
		if eth.Nameservers == nil || eth.Nameservers.Addresses[0] != "1.1.1.1" {
			t.Errorf("Unexpected nameservers %+v", eth.Nameservers)
		}
	})

	t.Run("custom interface without MAC", func(t *testing.T) {
		cfg := &config.VMConfig{
			Name: "vm",
			CloudInit: &config.CloudInitConfig{
				User:   "u",
				Static: &config.Static{Address: "10.0.0.5/24", Gateway: "10.0.0.1"},
			},
		}
		content, err := GenerateNetworkConfig(cfg, "eth0")
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if !strings.Contains(content, "eth0:") {
			t.Errorf("Expected eth0 section, got:\n%s", content)
		}
		if strings.Contains(content, "match:") || strings.Contains(content, "set-name") {
			t.Errorf("Expected no match section without a MAC, got:\n%s", content)
		}
	})
}

func TestBuild(t *testing.T) {
	if _, err := Build(nil, nil, Options{}); err == nil {
		t.Error("Expected error for nil config")
	}
	if _, err := Build(&config.VMConfig{Name: "vm"}, nil, Options{}); err == nil {
		t.Error("Expected error without cloud-init section")
	}

	cfg := &config.VMConfig{
		Name: "db1",
		CloudInit: &config.CloudInitConfig{
			User:   "ubuntu",
			Static: &config.Static{Address: "10.0.0.5/24", Gateway: "10.0.0.1"},
		},
	}
	p, err := Build(cfg, []string{testSSHKeyEd25519}, Options{Interface: "ens3", InstanceID: "db1-fixed"})
	if err != nil {
		t.Fatalf("Build() unexpected error: %v", err)
	}
	if !strings.Contains(p.UserData, testSSHKeyEd25519) {
		t.Error("Expected collected key in user-data")
	}
	if !strings.Contains(p.MetaData, "db1-fixed") {
		t.Errorf("Expected instance id in meta-data, got:\n%s", p.MetaData)
	}
	if !strings.Contains(p.NetworkConfig, "ens3:") {
		t.Errorf("Expected ens3 in network-config, got:\n%s", p.NetworkConfig)
	}
}

func TestMergeKeys(t *testing.T) {
	got := MergeKeys([]string{"a", " ", "b"}, nil, []string{"b ", "c", "a"})
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("MergeKeys() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("MergeKeys()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

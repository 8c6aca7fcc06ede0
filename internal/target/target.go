// Package target describes where the hypervisor lives and how kiln reaches it.
//
// A Target is parsed once from a libvirt connection URI and is immutable
// afterwards. Everything that needs to run a command or open a connection
// on the hypervisor host receives the same Target.
package target

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Transport identifies how the hypervisor host is reached.
type Transport string

const (
	// Local means the hypervisor runs on this machine.
	Local Transport = "local"
	// SSH means the hypervisor is reached through an SSH tunnel.
	SSH Transport = "ssh"
)

// DefaultSocket is the libvirt system socket path.
const DefaultSocket = "/var/run/libvirt/libvirt-sock"

// Target is a parsed hypervisor connection descriptor.
// Host is non-empty iff Transport is SSH.
type Target struct {
	Transport Transport
	Host      string
	User      string
	Port      int
	// Path is the driver path, e.g. "/system" or "/session".
	Path string
	// Socket is the libvirt socket on the hypervisor host.
	Socket string
	RawURI string
}

// Parse derives a Target from a libvirt URI such as qemu:///system or
// qemu+ssh://root@kvm01/system.
func Parse(uri string) (Target, error) {
	if strings.TrimSpace(uri) == "" {
		return Target{}, fmt.Errorf("hypervisor URI is empty")
	}

	u, err := url.Parse(uri)
	if err != nil {
		return Target{}, fmt.Errorf("invalid hypervisor URI %q: %w", uri, err)
	}

	t := Target{
		RawURI: uri,
		Path:   u.Path,
		Socket: DefaultSocket,
	}
	if s := u.Query().Get("socket"); s != "" {
		t.Socket = s
	}
	if t.Path == "" {
		t.Path = "/system"
	}

	driver, transport, _ := strings.Cut(u.Scheme, "+")
	if driver == "" {
		return Target{}, fmt.Errorf("invalid hypervisor URI %q: missing driver", uri)
	}

	switch transport {
	case "", "unix":
		t.Transport = Local
		if u.Hostname() != "" {
			return Target{}, fmt.Errorf("hypervisor URI %q names host %q without a remote transport", uri, u.Hostname())
		}
	case "ssh", "libssh", "libssh2":
		t.Transport = SSH
		t.Host = u.Hostname()
		if t.Host == "" {
			return Target{}, fmt.Errorf("hypervisor URI %q uses ssh but has no host", uri)
		}
		if u.User != nil {
			t.User = u.User.Username()
		}
		if p := u.Port(); p != "" {
			port, err := strconv.Atoi(p)
			if err != nil || port <= 0 || port > 65535 {
				return Target{}, fmt.Errorf("invalid ssh port %q in %q", p, uri)
			}
			t.Port = port
		}
	default:
		return Target{}, fmt.Errorf("unsupported hypervisor transport %q in %q", transport, uri)
	}

	return t, nil
}

// IsRemote reports whether commands for this target run over SSH.
func (t Target) IsRemote() bool {
	return t.Transport == SSH
}

// Address returns host:port for SSH targets, using defaultPort when the URI
// carries none.
func (t Target) Address(defaultPort int) string {
	port := t.Port
	if port == 0 {
		port = defaultPort
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// Destination returns user@host for SSH targets, using defaultUser when the
// URI carries none.
func (t Target) Destination(defaultUser string) string {
	user := t.User
	if user == "" {
		user = defaultUser
	}
	if user == "" {
		return t.Host
	}
	return user + "@" + t.Host
}

// DriverURI is the URI libvirtd itself expects, without transport or host.
func (t Target) DriverURI() string {
	u, err := url.Parse(t.RawURI)
	if err != nil {
		return "qemu://" + t.Path
	}
	driver, _, _ := strings.Cut(u.Scheme, "+")
	return driver + "://" + t.Path
}

func (t Target) String() string {
	if t.IsRemote() {
		return fmt.Sprintf("ssh://%s%s", t.Destination(""), t.Path)
	}
	return fmt.Sprintf("local%s", t.Path)
}

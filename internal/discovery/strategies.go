package discovery

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strings"

	"github.com/digitalocean/go-libvirt"
	"github.com/go-logr/logr"

	kvirt "github.com/jbweber/kiln/internal/libvirt"
	"github.com/jbweber/kiln/internal/runner"
)

var ipv4Pattern = regexp.MustCompile(`\b(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})\b`)

// usableIPv4 reports whether addr is an IPv4 address a client can reach:
// not loopback, link-local or unspecified.
func usableIPv4(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil || ip.To4() == nil {
		return false
	}
	return !ip.IsLoopback() && !ip.IsLinkLocalUnicast() && !ip.IsUnspecified()
}

// fromGuestAgent asks the QEMU guest agent for the guest's addresses.
func (e *Engine) fromGuestAgent(log logr.Logger, lv libvirtClient, dom libvirt.Domain) (Result, bool) {
	ifaces, err := lv.DomainInterfaceAddresses(dom, uint32(libvirt.DomainInterfaceAddressesSrcAgent), 0)
	if err != nil {
		log.V(1).Info("guest agent query failed", "error", err.Error())
		return Result{}, false
	}

	for _, iface := range ifaces {
		if strings.HasPrefix(iface.Name, "lo") {
			continue
		}
		for _, addr := range iface.Addrs {
			if addr.Type != int32(libvirt.IPAddrTypeIpv4) || !usableIPv4(addr.Addr) {
				continue
			}
			log.V(1).Info("address from guest agent", "interface", iface.Name, "address", addr.Addr)
			return Result{Address: addr.Addr, Method: MethodGuestAgent, Interface: iface.Name}, true
		}
	}
	return Result{}, false
}

// fromLeases searches the DHCP lease tables of networks for one of macs.
func (e *Engine) fromLeases(log logr.Logger, lv libvirtClient, networks, macs []string) (Result, bool) {
	want := make(map[string]bool, len(macs))
	for _, m := range macs {
		want[strings.ToLower(m)] = true
	}

	for _, name := range networks {
		network, err := lv.NetworkLookupByName(name)
		if err != nil {
			if kvirt.IsNoNetwork(err) {
				log.V(1).Info("network not defined, skipping", "network", name)
			} else {
				log.V(1).Info("network lookup failed", "network", name, "error", err.Error())
			}
			continue
		}

		leases, _, err := lv.NetworkGetDhcpLeases(network, nil, -1, 0)
		if err != nil {
			log.V(1).Info("failed to read DHCP leases", "network", name, "error", err.Error())
			continue
		}

		for _, lease := range leases {
			if len(lease.Mac) == 0 || !want[strings.ToLower(lease.Mac[0])] {
				continue
			}
			if lease.Type != int32(libvirt.IPAddrTypeIpv4) || !usableIPv4(lease.Ipaddr) {
				continue
			}
			log.V(1).Info("address from DHCP lease", "network", name, "address", lease.Ipaddr)
			return Result{Address: lease.Ipaddr, Method: MethodDHCP, Interface: lease.Iface, Network: name}, true
		}
	}
	return Result{}, false
}

// neighborTools are tried in order; the first one installed is used.
var neighborTools = []runner.Command{
	{Name: "arp", Args: []string{"-an"}},
	{Name: "ip", Args: []string{"neigh", "show"}},
}

// fromNeighbors scans the hypervisor host's neighbor table for one of macs.
func (e *Engine) fromNeighbors(ctx context.Context, log logr.Logger, macs []string) (Result, bool) {
	for _, cmd := range neighborTools {
		cmd.Timeout = e.cfg.Network.ARPTimeout
		res, err := e.runner.Run(ctx, cmd)
		if err != nil {
			if errors.Is(err, runner.ErrToolMissing) {
				log.V(1).Info("neighbor table tool not installed", "tool", cmd.Name)
				continue
			}
			log.V(1).Info("failed to read neighbor table", "tool", cmd.Name, "error", err.Error())
			return Result{}, false
		}

		if addr, ok := matchNeighbor(res.Stdout, macs); ok {
			log.V(1).Info("address from neighbor table", "tool", cmd.Name, "address", addr)
			return Result{Address: addr, Method: MethodARP}, true
		}
		return Result{}, false
	}
	return Result{}, false
}

// matchNeighbor returns the first valid IPv4 address on a line of table that
// mentions one of macs. It understands both `arp -an` lines
// ("? (192.168.122.50) at 52:54:00:.. [ether] on virbr0") and `ip neigh`
// lines ("192.168.122.50 dev virbr0 lladdr 52:54:00:.. REACHABLE").
func matchNeighbor(table string, macs []string) (string, bool) {
	for _, line := range strings.Split(table, "\n") {
		lower := strings.ToLower(line)
		if !containsAny(lower, macs) {
			continue
		}
		for _, m := range ipv4Pattern.FindAllStringSubmatch(line, -1) {
			if usableIPv4(m[1]) {
				return m[1], true
			}
		}
	}
	return "", false
}

func containsAny(s string, macs []string) bool {
	for _, m := range macs {
		if m != "" && strings.Contains(s, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

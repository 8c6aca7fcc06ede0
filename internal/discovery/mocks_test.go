package discovery

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/digitalocean/go-libvirt"
	"github.com/go-logr/logr"

	"github.com/jbweber/kiln/internal/config"
	"github.com/jbweber/kiln/internal/runner/runnertest"
	"github.com/jbweber/kiln/internal/target"
	"github.com/jbweber/kiln/internal/tracing"
)

type mockDomain struct {
	state int32
	xml   string
	agent []libvirt.DomainInterface
}

// mockLibvirtClient answers discovery queries from fixed tables.
type mockLibvirtClient struct {
	domains  map[string]*mockDomain
	leases   map[string][]libvirt.NetworkDhcpLease
	agentErr error
	leaseErr error

	agentCalls     int
	networkLookups []string
}

func newMockLibvirtClient() *mockLibvirtClient {
	return &mockLibvirtClient{
		domains: make(map[string]*mockDomain),
		leases:  make(map[string][]libvirt.NetworkDhcpLease),
	}
}

func (m *mockLibvirtClient) domain(dom libvirt.Domain) *mockDomain {
	return m.domains[dom.Name]
}

func (m *mockLibvirtClient) DomainLookupByName(name string) (libvirt.Domain, error) {
	if _, ok := m.domains[name]; !ok {
		return libvirt.Domain{}, libvirt.Error{Code: uint32(libvirt.ErrNoDomain), Message: fmt.Sprintf("Domain not found: no domain with matching name '%s'", name)}
	}
	return libvirt.Domain{Name: name}, nil
}

func (m *mockLibvirtClient) DomainGetState(dom libvirt.Domain, _ uint32) (int32, int32, error) {
	return m.domain(dom).state, 0, nil
}

func (m *mockLibvirtClient) DomainGetXMLDesc(dom libvirt.Domain, _ libvirt.DomainXMLFlags) (string, error) {
	return m.domain(dom).xml, nil
}

func (m *mockLibvirtClient) DomainInterfaceAddresses(dom libvirt.Domain, source uint32, _ uint32) ([]libvirt.DomainInterface, error) {
	m.agentCalls++
	if source != uint32(libvirt.DomainInterfaceAddressesSrcAgent) {
		return nil, fmt.Errorf("unexpected source %d", source)
	}
	if m.agentErr != nil {
		return nil, m.agentErr
	}
	return m.domain(dom).agent, nil
}

func (m *mockLibvirtClient) NetworkLookupByName(name string) (libvirt.Network, error) {
	m.networkLookups = append(m.networkLookups, name)
	if _, ok := m.leases[name]; !ok {
		return libvirt.Network{}, libvirt.Error{Code: uint32(libvirt.ErrNoNetwork), Message: fmt.Sprintf("Network not found: no network with matching name '%s'", name)}
	}
	return libvirt.Network{Name: name}, nil
}

func (m *mockLibvirtClient) NetworkGetDhcpLeases(network libvirt.Network, _ libvirt.OptString, _ int32, _ uint32) ([]libvirt.NetworkDhcpLease, uint32, error) {
	if m.leaseErr != nil {
		return nil, 0, m.leaseErr
	}
	leases := m.leases[network.Name]
	return leases, uint32(len(leases)), nil
}

// nic is one interface of a test domain.
type nic struct {
	mac     string
	network string
	bridge  string
}

func domainXML(name string, nics ...nic) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<domain type='kvm'><name>%s</name><devices>", name)
	for _, n := range nics {
		if n.bridge != "" {
			fmt.Fprintf(&b, "<interface type='bridge'><mac address='%s'/><source bridge='%s'/><model type='virtio'/></interface>", n.mac, n.bridge)
			continue
		}
		fmt.Fprintf(&b, "<interface type='network'><mac address='%s'/><source network='%s'/><model type='virtio'/></interface>", n.mac, n.network)
	}
	b.WriteString("</devices></domain>")
	return b.String()
}

func agentIface(name string, addrs ...string) libvirt.DomainInterface {
	iface := libvirt.DomainInterface{Name: name}
	for _, a := range addrs {
		typ := int32(libvirt.IPAddrTypeIpv4)
		if strings.Contains(a, ":") {
			typ = int32(libvirt.IPAddrTypeIpv6)
		}
		iface.Addrs = append(iface.Addrs, libvirt.DomainIPAddr{Type: typ, Addr: a, Prefix: 24})
	}
	return iface
}

func lease(mac, ip string) libvirt.NetworkDhcpLease {
	return libvirt.NetworkDhcpLease{
		Iface:  "virbr0",
		Type:   int32(libvirt.IPAddrTypeIpv4),
		Mac:    libvirt.OptString{mac},
		Ipaddr: ip,
		Prefix: 24,
	}
}

type testEngine struct {
	*Engine
	lv     *mockLibvirtClient
	runner *runnertest.Fake
	dials  int
	closes int
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()

	te := &testEngine{
		lv:     newMockLibvirtClient(),
		runner: runnertest.New(target.SSH),
	}
	te.Engine = &Engine{
		cfg:    config.Default(),
		runner: te.runner,
		log:    logr.Discard(),
		tracer: tracing.Tracer("test"),
	}
	te.dial = func(context.Context) (libvirtClient, func(), error) {
		te.dials++
		return te.lv, func() { te.closes++ }, nil
	}
	return te
}

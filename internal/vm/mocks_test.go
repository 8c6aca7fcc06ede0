package vm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"libvirt.org/go/libvirtxml"

	"github.com/jbweber/kiln/internal/cloudinit"
	"github.com/jbweber/kiln/internal/config"
	"github.com/jbweber/kiln/internal/hostfs"
	"github.com/jbweber/kiln/internal/image"
	"github.com/jbweber/kiln/internal/runner/runnertest"
	"github.com/jbweber/kiln/internal/storage"
	"github.com/jbweber/kiln/internal/target"
	"github.com/jbweber/kiln/internal/tracing"
)

// mockDomain is one domain held by mockLibvirtClient.
type mockDomain struct {
	dom       libvirt.Domain
	xml       string
	state     int32
	autostart bool
	metadata  string
}

// mockLibvirtClient is a small in-memory hypervisor. Domains are keyed by
// name; error injection fields override individual calls.
type mockLibvirtClient struct {
	mu sync.Mutex

	domains map[string]*mockDomain
	nextID  int32

	// Configurable behavior
	lookupErr      error
	defineErrs     []error // consumed in order by DomainDefineXML
	createErr      map[string]error
	undefineErr    error
	setMetadataErr error
	// ignoreShutdown leaves the guest running after DomainShutdown.
	ignoreShutdown bool

	// Call tracking, e.g. "DomainCreate(webA)"
	calls         []string
	undefineFlags []libvirt.DomainUndefineFlagsValues
}

func newMockLibvirtClient() *mockLibvirtClient {
	return &mockLibvirtClient{
		domains:   map[string]*mockDomain{},
		nextID:    1,
		createErr: map[string]error{},
	}
}

func noDomainError(name string) error {
	return libvirt.Error{Code: uint32(libvirt.ErrNoDomain), Message: fmt.Sprintf("Domain not found: no domain with matching name '%s'", name)}
}

// addDomain defines a domain named name in the given state.
func (m *mockLibvirtClient) addDomain(name string, state int32) libvirt.Domain {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.New()
	x := &libvirtxml.Domain{Type: "kvm", Name: name, UUID: id.String()}
	xml, _ := x.Marshal()
	d := &mockDomain{dom: libvirt.Domain{Name: name, UUID: libvirt.UUID(id)}, xml: xml, state: state}
	if state == domainStateRunning {
		d.dom.ID = m.nextID
		m.nextID++
	}
	m.domains[name] = d
	return d.dom
}

func (m *mockLibvirtClient) record(format string, args ...any) {
	m.calls = append(m.calls, fmt.Sprintf(format, args...))
}

func (m *mockLibvirtClient) get(name string) (*mockDomain, error) {
	d, ok := m.domains[name]
	if !ok {
		return nil, noDomainError(name)
	}
	return d, nil
}

func (m *mockLibvirtClient) has(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.domains[name]
	return ok
}

func (m *mockLibvirtClient) stateOf(name string) int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.domains[name].state
}

func (m *mockLibvirtClient) DomainLookupByName(name string) (libvirt.Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("DomainLookupByName(%s)", name)
	if m.lookupErr != nil {
		return libvirt.Domain{}, m.lookupErr
	}
	d, err := m.get(name)
	if err != nil {
		return libvirt.Domain{}, err
	}
	return d.dom, nil
}

func (m *mockLibvirtClient) DomainDefineXML(xml string) (libvirt.Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var x libvirtxml.Domain
	if err := x.Unmarshal(xml); err != nil {
		return libvirt.Domain{}, err
	}
	m.record("DomainDefineXML(%s)", x.Name)

	if len(m.defineErrs) > 0 {
		err := m.defineErrs[0]
		m.defineErrs = m.defineErrs[1:]
		if err != nil {
			return libvirt.Domain{}, err
		}
	}
	if _, exists := m.domains[x.Name]; exists {
		return libvirt.Domain{}, fmt.Errorf("domain '%s' already exists", x.Name)
	}

	id, err := uuid.Parse(x.UUID)
	if err != nil {
		return libvirt.Domain{}, fmt.Errorf("bad uuid %q: %w", x.UUID, err)
	}
	d := &mockDomain{dom: libvirt.Domain{Name: x.Name, UUID: libvirt.UUID(id)}, xml: xml, state: domainStateShutoff}
	m.domains[x.Name] = d
	return d.dom, nil
}

func (m *mockLibvirtClient) DomainSetAutostart(dom libvirt.Domain, autostart int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("DomainSetAutostart(%s, %d)", dom.Name, autostart)
	d, err := m.get(dom.Name)
	if err != nil {
		return err
	}
	d.autostart = autostart != 0
	return nil
}

func (m *mockLibvirtClient) DomainCreate(dom libvirt.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("DomainCreate(%s)", dom.Name)
	if err := m.createErr[dom.Name]; err != nil {
		return err
	}
	d, err := m.get(dom.Name)
	if err != nil {
		return err
	}
	d.state = domainStateRunning
	d.dom.ID = m.nextID
	m.nextID++
	return nil
}

func (m *mockLibvirtClient) DomainGetState(dom libvirt.Domain, flags uint32) (int32, int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.get(dom.Name)
	if err != nil {
		return 0, 0, err
	}
	return d.state, 0, nil
}

func (m *mockLibvirtClient) DomainShutdown(dom libvirt.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("DomainShutdown(%s)", dom.Name)
	d, err := m.get(dom.Name)
	if err != nil {
		return err
	}
	if !m.ignoreShutdown {
		d.state = domainStateShutoff
	}
	return nil
}

func (m *mockLibvirtClient) DomainDestroy(dom libvirt.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("DomainDestroy(%s)", dom.Name)
	d, err := m.get(dom.Name)
	if err != nil {
		return err
	}
	d.state = domainStateShutoff
	return nil
}

func (m *mockLibvirtClient) DomainUndefineFlags(dom libvirt.Domain, flags libvirt.DomainUndefineFlagsValues) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("DomainUndefineFlags(%s)", dom.Name)
	m.undefineFlags = append(m.undefineFlags, flags)
	if m.undefineErr != nil {
		return m.undefineErr
	}
	if _, err := m.get(dom.Name); err != nil {
		return err
	}
	delete(m.domains, dom.Name)
	return nil
}

func (m *mockLibvirtClient) DomainGetXMLDesc(dom libvirt.Domain, flags libvirt.DomainXMLFlags) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.get(dom.Name)
	if err != nil {
		return "", err
	}
	return d.xml, nil
}

func (m *mockLibvirtClient) ConnectListAllDomains(needResults int32, flags libvirt.ConnectListAllDomainsFlags) ([]libvirt.Domain, uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.domains))
	for name := range m.domains {
		names = append(names, name)
	}
	// reverse order so List has to sort
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	var doms []libvirt.Domain
	for _, name := range names {
		doms = append(doms, m.domains[name].dom)
	}
	return doms, uint32(len(doms)), nil
}

func (m *mockLibvirtClient) DomainSetMetadata(dom libvirt.Domain, typ int32, metadata libvirt.OptString, key libvirt.OptString, uri libvirt.OptString, flags libvirt.DomainModificationImpact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("DomainSetMetadata(%s)", dom.Name)
	if m.setMetadataErr != nil {
		return m.setMetadataErr
	}
	d, err := m.get(dom.Name)
	if err != nil {
		return err
	}
	if len(metadata) > 0 {
		d.metadata = metadata[0]
	}
	return nil
}

func (m *mockLibvirtClient) DomainGetMetadata(dom libvirt.Domain, typ int32, uri libvirt.OptString, flags libvirt.DomainModificationImpact) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.get(dom.Name)
	if err != nil {
		return "", err
	}
	if d.metadata == "" {
		return "", libvirt.Error{Code: uint32(libvirt.ErrNoDomainMetadata), Message: "metadata not found"}
	}
	return d.metadata, nil
}

var errNoStorage = errors.New("storage API not available in mock")

func (m *mockLibvirtClient) ConnectListAllStoragePools(needResults int32, flags libvirt.ConnectListAllStoragePoolsFlags) ([]libvirt.StoragePool, uint32, error) {
	return nil, 0, errNoStorage
}

func (m *mockLibvirtClient) StoragePoolGetXMLDesc(pool libvirt.StoragePool, flags libvirt.StorageXMLFlags) (string, error) {
	return "", errNoStorage
}

func (m *mockLibvirtClient) StoragePoolRefresh(pool libvirt.StoragePool, flags uint32) error {
	return errNoStorage
}

func (m *mockLibvirtClient) StorageVolCreateXML(pool libvirt.StoragePool, xml string, flags libvirt.StorageVolCreateFlags) (libvirt.StorageVol, error) {
	return libvirt.StorageVol{}, errNoStorage
}

func (m *mockLibvirtClient) StorageVolGetPath(vol libvirt.StorageVol) (string, error) {
	return "", errNoStorage
}

// mockResolver is a mock implementation of imageResolver.
type mockResolver struct {
	resolveFunc  func(raw string) (image.ResolvedImage, error)
	resolveCalls []string
	locateCalls  []string
}

func (m *mockResolver) Resolve(_ context.Context, raw string) (image.ResolvedImage, error) {
	m.resolveCalls = append(m.resolveCalls, raw)
	if m.resolveFunc != nil {
		return m.resolveFunc(raw)
	}
	return image.ResolvedImage{Path: "/var/lib/libvirt/images/base.qcow2", Location: image.LocationRemote, Source: raw}, nil
}

func (m *mockResolver) LocateKnownImage(_ context.Context, osName string) string {
	m.locateCalls = append(m.locateCalls, osName)
	return "/var/lib/libvirt/images/" + osName + ".qcow2"
}

// mockPackager is a mock implementation of isoPackager.
type mockPackager struct {
	packageErr   error
	payloads     []cloudinit.Payload
	removedISOs  []string
	packageCalls []string
}

func (m *mockPackager) Package(_ context.Context, vmName string, payload cloudinit.Payload) (string, error) {
	m.packageCalls = append(m.packageCalls, vmName)
	m.payloads = append(m.payloads, payload)
	if m.packageErr != nil {
		return "", m.packageErr
	}
	return "/var/lib/libvirt/images/" + vmName + "-cloudinit.iso", nil
}

func (m *mockPackager) RemoveISO(_ context.Context, vmName string) {
	m.removedISOs = append(m.removedISOs, vmName)
}

// mockKeys is a mock implementation of keyCollector.
type mockKeys struct {
	keys  []string
	users []string
}

func (m *mockKeys) Collect(_ context.Context, githubUser string) []string {
	m.users = append(m.users, githubUser)
	return m.keys
}

// mockOverlays is a mock implementation of overlayManager.
type mockOverlays struct {
	createErr     error
	createCalls   []string // format: "vm:base"
	removeCalls   []string
	removeOverlay func(path string) error
}

func (m *mockOverlays) CreateOverlay(_ context.Context, _ storage.LibvirtClient, vmName, basePath string) (string, error) {
	m.createCalls = append(m.createCalls, vmName+":"+basePath)
	if m.createErr != nil {
		return "", m.createErr
	}
	return "/var/lib/libvirt/images/" + vmName + "-disk.qcow2", nil
}

func (m *mockOverlays) RemoveOverlay(_ context.Context, path string) error {
	m.removeCalls = append(m.removeCalls, path)
	if m.removeOverlay != nil {
		return m.removeOverlay(path)
	}
	return nil
}

// testController bundles a Controller with its mocks.
type testController struct {
	*Controller
	lv       *mockLibvirtClient
	resolver *mockResolver
	packager *mockPackager
	keys     *mockKeys
	overlays *mockOverlays
	runner   *runnertest.Fake
	dials    int
	closes   int
}

// newTestController returns a Controller for an SSH target whose host
// commands are answered by a fake runner.
func newTestController(t *testing.T) *testController {
	t.Helper()

	cfg := config.Default()
	cfg.Libvirt.ShutdownTimeout = time.Second

	tc := &testController{
		lv:       newMockLibvirtClient(),
		resolver: &mockResolver{},
		packager: &mockPackager{},
		keys:     &mockKeys{},
		overlays: &mockOverlays{},
		runner:   runnertest.New(target.SSH),
	}
	tc.Controller = &Controller{
		cfg:          cfg,
		log:          logr.Discard(),
		tracer:       tracing.Tracer("test"),
		resolver:     tc.resolver,
		packager:     tc.packager,
		keys:         tc.keys,
		overlays:     tc.overlays,
		fs:           hostfs.New(tc.runner),
		pollInterval: time.Millisecond,
	}
	tc.dial = func(context.Context) (libvirtClient, func(), error) {
		tc.dials++
		return tc.lv, func() { tc.closes++ }, nil
	}
	return tc
}

// testVMConfig creates a minimal valid VM request for testing.
func testVMConfig() *config.VMConfig {
	return &config.VMConfig{
		Name:      "webA",
		VCPUs:     2,
		MemoryMiB: 2048,
		Image:     "https://example.com/base.img",
	}
}

// testVMConfigWithCloudInit creates a request with a custom cloud-init section.
func testVMConfigWithCloudInit() *config.VMConfig {
	vm := testVMConfig()
	vm.Name = "db1"
	vm.CloudInit = &config.CloudInitConfig{
		User:       "admin",
		GitHubUser: "octocat",
		SSHKeys: []string{
			"ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIIbJKZscbOLzBsgY5y2QupKW4A2kSDjMBQGPb1dChr+S test@example.com",
		},
	}
	return vm
}

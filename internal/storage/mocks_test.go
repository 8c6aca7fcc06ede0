package storage

import (
	"fmt"
	"strings"

	"github.com/digitalocean/go-libvirt"
)

// mockLibvirtClient is a mock implementation of LibvirtClient for testing.
type mockLibvirtClient struct {
	// pool name -> pool XML
	pools map[string]string

	storageVolCreateXMLFunc func(pool libvirt.StoragePool, xml string) (libvirt.StorageVol, error)

	// Call tracking
	refreshCalls   []string
	volCreateCalls []string
	volCreatePools []string
}

func newMockLibvirtClient() *mockLibvirtClient {
	m := &mockLibvirtClient{pools: make(map[string]string)}
	m.storageVolCreateXMLFunc = func(pool libvirt.StoragePool, xml string) (libvirt.StorageVol, error) {
		return libvirt.StorageVol{Pool: pool.Name, Name: extractTagValue(xml, "name")}, nil
	}
	return m
}

func (m *mockLibvirtClient) addDirPool(name, dir string) {
	m.pools[name] = fmt.Sprintf(`<pool type="dir"><name>%s</name><target><path>%s</path></target></pool>`, name, dir)
}

func (m *mockLibvirtClient) ConnectListAllStoragePools(needResults int32, flags libvirt.ConnectListAllStoragePoolsFlags) ([]libvirt.StoragePool, uint32, error) {
	var pools []libvirt.StoragePool
	for name := range m.pools {
		pools = append(pools, libvirt.StoragePool{Name: name})
	}
	return pools, uint32(len(pools)), nil
}

func (m *mockLibvirtClient) StoragePoolGetXMLDesc(pool libvirt.StoragePool, flags libvirt.StorageXMLFlags) (string, error) {
	xml, ok := m.pools[pool.Name]
	if !ok {
		return "", fmt.Errorf("storage pool not found: %s", pool.Name)
	}
	return xml, nil
}

func (m *mockLibvirtClient) StoragePoolRefresh(pool libvirt.StoragePool, flags uint32) error {
	m.refreshCalls = append(m.refreshCalls, pool.Name)
	return nil
}

func (m *mockLibvirtClient) StorageVolCreateXML(pool libvirt.StoragePool, xml string, flags libvirt.StorageVolCreateFlags) (libvirt.StorageVol, error) {
	m.volCreateCalls = append(m.volCreateCalls, xml)
	m.volCreatePools = append(m.volCreatePools, pool.Name)
	return m.storageVolCreateXMLFunc(pool, xml)
}

func (m *mockLibvirtClient) StorageVolGetPath(vol libvirt.StorageVol) (string, error) {
	return "/var/lib/libvirt/images/" + vol.Name, nil
}

// extractTagValue extracts the text content of the first <tag> element.
func extractTagValue(xml, tag string) string {
	_, rest, ok := strings.Cut(xml, "<"+tag+">")
	if !ok {
		return ""
	}
	value, _, ok := strings.Cut(rest, "</"+tag+">")
	if !ok {
		return ""
	}
	return value
}

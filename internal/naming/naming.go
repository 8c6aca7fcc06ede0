// Package naming provides the naming conventions kiln uses for files and
// devices it creates on the hypervisor host: image cache entries, cloud-init
// ISOs, overlay disks and MAC addresses.
//
// Every name is a pure function of its inputs so that create, destroy and
// cleanup paths agree without sharing state.
package naming

import (
	"crypto/md5" //nolint:gosec // cache key, not a security boundary
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"path"
	"strings"
)

// CacheKey returns the content-addressed cache key for an image URL.
// It is the hex md5 of the URL string exactly as given.
func CacheKey(rawURL string) string {
	sum := md5.Sum([]byte(rawURL)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// CacheFileName returns the cache file name for an image URL.
// Format: cached_{md5}_{basename}, or image_{md5}.qcow2 when the URL path
// has no usable basename.
//
// Example: https://example.com/base.img → cached_<md5>_base.img
func CacheFileName(rawURL string) string {
	key := CacheKey(rawURL)
	base := URLBase(rawURL)
	if base == "" {
		return fmt.Sprintf("image_%s.qcow2", key)
	}
	return fmt.Sprintf("cached_%s_%s", key, base)
}

// URLBase returns the last path element of a URL, ignoring query and
// fragment. Returns "" when the path ends in a slash or is empty.
func URLBase(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	if p == "" || strings.HasSuffix(p, "/") {
		return ""
	}
	base := path.Base(p)
	if base == "." || base == "/" {
		return ""
	}
	return base
}

// CloudInitISO returns the file name of a VM's cloud-init ISO.
// Format: {vmName}-cloudinit.iso
func CloudInitISO(vmName string) string {
	return fmt.Sprintf("%s-cloudinit.iso", vmName)
}

// OverlayDisk returns the file name of a VM's copy-on-write overlay disk.
// Format: {vmName}-disk.qcow2
func OverlayDisk(vmName string) string {
	return fmt.Sprintf("%s-disk.qcow2", vmName)
}

// MACFromName derives a stable, locally administered unicast MAC address
// from a VM name. Uses the be:ef: prefix followed by the first four bytes of
// sha256(name).
//
// Example: "webA" → be:ef:xx:xx:xx:xx (same value on every call)
func MACFromName(vmName string) string {
	sum := sha256.Sum256([]byte(vmName))
	return fmt.Sprintf("be:ef:%02x:%02x:%02x:%02x", sum[0], sum[1], sum[2], sum[3])
}

// MACFromIP calculates a deterministic MAC address from an IP address.
// Uses the RFC 2731 local assignment prefix be:ef:.
//
// Example: IP 10.55.22.22 → MAC be:ef:0a:37:16:16
func MACFromIP(ip string) (string, error) {
	ipv4, err := parseIPv4(ip)
	if err != nil {
		return "", err
	}

	// Format: be:ef:XX:XX:XX:XX where XX are IP octets in hex
	return fmt.Sprintf("be:ef:%02x:%02x:%02x:%02x",
		ipv4[0], ipv4[1], ipv4[2], ipv4[3]), nil
}

// parseIPv4 accepts "10.1.2.3" and "10.1.2.3/24".
func parseIPv4(ip string) (net.IP, error) {
	ipStr := ip
	if strings.Contains(ip, "/") {
		ipAddr, _, err := net.ParseCIDR(ip)
		if err != nil {
			return nil, fmt.Errorf("invalid IP/CIDR: %w", err)
		}
		ipStr = ipAddr.String()
	}

	parsedIP := net.ParseIP(ipStr)
	if parsedIP == nil {
		return nil, fmt.Errorf("invalid IP address: %s", ipStr)
	}

	ipv4 := parsedIP.To4()
	if ipv4 == nil {
		return nil, fmt.Errorf("not an IPv4 address: %s", ipStr)
	}
	return ipv4, nil
}

package libvirt

import (
	"errors"

	"github.com/digitalocean/go-libvirt"
)

// IsErrorCode reports whether err is a libvirt RPC error with the given code.
func IsErrorCode(err error, code libvirt.ErrorNumber) bool {
	var lerr libvirt.Error
	if errors.As(err, &lerr) {
		return lerr.Code == uint32(code)
	}
	return false
}

// IsNoDomain reports whether err means the domain does not exist.
func IsNoDomain(err error) bool {
	return IsErrorCode(err, libvirt.ErrNoDomain)
}

// IsNoNetwork reports whether err means the network does not exist.
func IsNoNetwork(err error) bool {
	return IsErrorCode(err, libvirt.ErrNoNetwork)
}

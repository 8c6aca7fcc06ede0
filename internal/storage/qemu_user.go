package storage

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/user"
	"strconv"
	"strings"
	"sync"
)

// qemuConfPath is where libvirt configures the user QEMU runs as.
var qemuConfPath = "/etc/libvirt/qemu.conf"

var (
	// Cached QEMU user/group IDs
	qemuUID  string
	qemuGID  string
	qemuOnce sync.Once
	qemuErr  error
)

// GetQEMUUserGroup returns the UID and GID of the user QEMU runs as:
//  1. the user and group configured in qemu.conf
//  2. the first existing user of qemu, libvirt-qemu
//  3. 107/107 (Fedora/RHEL default), together with an error
//
// The result is cached after the first call.
func GetQEMUUserGroup() (uid, gid string, err error) {
	qemuOnce.Do(func() {
		qemuUID, qemuGID, qemuErr = lookupQEMUUserGroup(qemuConfPath)
	})
	return qemuUID, qemuGID, qemuErr
}

func lookupQEMUUserGroup(confPath string) (uid, gid string, err error) {
	var username, groupname string
	if f, err := os.Open(confPath); err == nil {
		username, groupname = parseQEMUConf(f)
		_ = f.Close()
	}

	if username != "" {
		if u, err := user.Lookup(username); err == nil {
			gid := u.Gid
			if groupname != "" {
				if g, err := user.LookupGroup(groupname); err == nil {
					gid = g.Gid
				}
			}
			return u.Uid, gid, nil
		}
	}

	for _, name := range []string{"qemu", "libvirt-qemu"} {
		if u, err := user.Lookup(name); err == nil {
			return u.Uid, u.Gid, nil
		}
	}

	return "107", "107", fmt.Errorf("could not determine QEMU user/group, using fallback UID/GID 107")
}

// parseQEMUConf extracts the user and group settings from qemu.conf.
// Missing settings are returned as empty strings.
func parseQEMUConf(r io.Reader) (username, groupname string) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), "\"'")
		switch strings.TrimSpace(key) {
		case "user":
			username = value
		case "group":
			groupname = value
		}
	}
	return username, groupname
}

// ChownToQEMU hands a local file to the QEMU user so the hypervisor can
// open it. It does nothing unless the process runs as root.
func ChownToQEMU(path string) error {
	if os.Geteuid() != 0 {
		return nil
	}
	uidStr, gidStr, _ := GetQEMUUserGroup()
	uid, err := strconv.Atoi(uidStr)
	if err != nil {
		return fmt.Errorf("invalid QEMU uid %q: %w", uidStr, err)
	}
	gid, err := strconv.Atoi(gidStr)
	if err != nil {
		return fmt.Errorf("invalid QEMU gid %q: %w", gidStr, err)
	}
	if err := os.Chown(path, uid, gid); err != nil {
		return fmt.Errorf("failed to chown %s to QEMU user: %w", path, err)
	}
	return nil
}

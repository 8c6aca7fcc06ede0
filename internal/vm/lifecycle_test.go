package vm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/digitalocean/go-libvirt"
	"libvirt.org/go/libvirtxml"

	"github.com/jbweber/kiln/internal/metadata"
)

func TestStart(t *testing.T) {
	tests := []struct {
		name        string
		state       int32
		define      bool
		expectIs    error
		expectMsg   string
		expectStart bool
	}{
		{name: "stopped VM starts", state: domainStateShutoff, define: true, expectMsg: "OK", expectStart: true},
		{name: "crashed VM starts", state: domainStateCrashed, define: true, expectMsg: "OK", expectStart: true},
		{name: "running VM is a no-op", state: domainStateRunning, define: true, expectIs: ErrAlreadyRunning, expectMsg: "VM 'webA' is already running"},
		{name: "paused VM is a no-op", state: domainStatePaused, define: true, expectIs: ErrAlreadyRunning, expectMsg: "VM 'webA' is already running"},
		{name: "missing VM", expectIs: ErrNotFound, expectMsg: "VM 'webA' not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := newTestController(t)
			if tt.define {
				tc.lv.addDomain("webA", tt.state)
			}

			err := tc.Start(context.Background(), "webA")
			if tt.expectIs != nil && !errors.Is(err, tt.expectIs) {
				t.Errorf("expected %v, got %v", tt.expectIs, err)
			}
			if got := Message(err); got != tt.expectMsg {
				t.Errorf("Message() = %q, want %q", got, tt.expectMsg)
			}

			started := false
			for _, call := range tc.lv.calls {
				if call == "DomainCreate(webA)" {
					started = true
				}
			}
			if started != tt.expectStart {
				t.Errorf("DomainCreate called = %v, want %v", started, tt.expectStart)
			}
		})
	}
}

func TestStop(t *testing.T) {
	tests := []struct {
		name       string
		state      int32
		force      bool
		expectIs   error
		expectCall string
	}{
		{name: "graceful", state: domainStateRunning, expectCall: "DomainShutdown(webA)"},
		{name: "forced", state: domainStateRunning, force: true, expectCall: "DomainDestroy(webA)"},
		{name: "stopped VM is a no-op", state: domainStateShutoff, expectIs: ErrAlreadyStopped},
		{name: "forced stop of stopped VM is a no-op", state: domainStateShutoff, force: true, expectIs: ErrAlreadyStopped},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := newTestController(t)
			tc.lv.addDomain("webA", tt.state)

			err := tc.Stop(context.Background(), "webA", tt.force)
			if tt.expectIs != nil {
				if !errors.Is(err, tt.expectIs) {
					t.Fatalf("expected %v, got %v", tt.expectIs, err)
				}
				if !IsNoop(err) {
					t.Error("expected a no-op outcome")
				}
				if Message(err) != "VM 'webA' is already stopped" {
					t.Errorf("unexpected message %q", Message(err))
				}
				return
			}
			if err != nil {
				t.Fatalf("expected success, got %v", err)
			}
			if last := tc.lv.calls[len(tc.lv.calls)-1]; last != tt.expectCall {
				t.Errorf("expected %s, got %s", tt.expectCall, last)
			}
		})
	}
}

func TestStop_NotFound(t *testing.T) {
	tc := newTestController(t)
	err := tc.Stop(context.Background(), "ghost", false)
	if !errors.Is(err, ErrNotFound) || IsNoop(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDestroy_WithMetadata(t *testing.T) {
	tc := newTestController(t)
	dom := tc.lv.addDomain("webA", domainStateRunning)
	rec := &metadata.Record{
		Image:        "https://example.com/base.img",
		Disk:         "/var/lib/libvirt/images/webA-disk.qcow2",
		Overlay:      "/var/lib/libvirt/images/webA-disk.qcow2",
		CloudInitISO: "/var/lib/libvirt/images/webA-cloudinit.iso",
		CloudInit:    CloudInitDefault,
		CreatedAt:    time.Now().UTC(),
	}
	if err := metadata.Store(tc.lv, dom, rec); err != nil {
		t.Fatalf("failed to store metadata: %v", err)
	}

	if err := tc.Destroy(context.Background(), "webA"); err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	if tc.lv.has("webA") {
		t.Error("domain should be undefined")
	}
	if len(tc.lv.undefineFlags) != 1 || tc.lv.undefineFlags[0] != libvirt.DomainUndefineNvram {
		t.Errorf("expected undefine with NVRAM, got %v", tc.lv.undefineFlags)
	}

	var destroyed bool
	for _, call := range tc.lv.calls {
		if call == "DomainDestroy(webA)" {
			destroyed = true
		}
	}
	if !destroyed {
		t.Error("running VM should be powered off first")
	}

	lines := tc.runner.Lines()
	if len(lines) != 1 || lines[0] != "rm -f /var/lib/libvirt/images/webA-cloudinit.iso" {
		t.Errorf("unexpected host commands: %v", lines)
	}
	if len(tc.overlays.removeCalls) != 1 || tc.overlays.removeCalls[0] != rec.Overlay {
		t.Errorf("expected overlay removal, got %v", tc.overlays.removeCalls)
	}
}

func TestDestroy_WithoutMetadataFindsISO(t *testing.T) {
	tc := newTestController(t)
	tc.lv.addDomain("old", domainStateShutoff)

	// a VM created elsewhere, attached to an ISO named for its former name
	x := &libvirtxml.Domain{
		Type: "kvm",
		Name: "old",
		Devices: &libvirtxml.DomainDeviceList{
			Disks: []libvirtxml.DomainDisk{
				{Device: "disk", Source: &libvirtxml.DomainDiskSource{File: &libvirtxml.DomainDiskSourceFile{File: "/data/base.qcow2"}}},
				{Device: "cdrom", Source: &libvirtxml.DomainDiskSource{File: &libvirtxml.DomainDiskSourceFile{File: "/var/lib/libvirt/images/first-cloudinit.iso"}}},
			},
		},
	}
	xml, err := x.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	tc.lv.domains["old"].xml = xml

	if err := tc.Destroy(context.Background(), "old"); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	for _, call := range tc.lv.calls {
		if call == "DomainDestroy(old)" {
			t.Error("stopped VM should not be powered off")
		}
	}
	lines := tc.runner.Lines()
	if len(lines) != 1 || lines[0] != "rm -f /var/lib/libvirt/images/first-cloudinit.iso" {
		t.Errorf("unexpected host commands: %v", lines)
	}
	if len(tc.overlays.removeCalls) != 0 {
		t.Errorf("disks must never be guessed, got %v", tc.overlays.removeCalls)
	}
}

func TestDestroy_Errors(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		tc := newTestController(t)
		err := tc.Destroy(context.Background(), "ghost")
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
		if len(tc.lv.undefineFlags) != 0 {
			t.Error("nothing should be undefined")
		}
	})

	t.Run("undefine fails keeps files", func(t *testing.T) {
		tc := newTestController(t)
		tc.lv.addDomain("webA", domainStateShutoff)
		tc.lv.undefineErr = errors.New("operation forbidden")

		err := tc.Destroy(context.Background(), "webA")
		if err == nil || !strings.Contains(err.Error(), "failed to undefine VM 'webA'") {
			t.Fatalf("expected undefine error, got %v", err)
		}
		if len(tc.runner.Lines()) != 0 {
			t.Errorf("no files should be removed: %v", tc.runner.Lines())
		}
	})

	t.Run("file removal failure is not an error", func(t *testing.T) {
		tc := newTestController(t)
		dom := tc.lv.addDomain("webA", domainStateShutoff)
		if err := metadata.Store(tc.lv, dom, &metadata.Record{Overlay: "/var/lib/libvirt/images/webA-disk.qcow2"}); err != nil {
			t.Fatal(err)
		}
		tc.overlays.removeOverlay = func(string) error { return errors.New("permission denied") }

		if err := tc.Destroy(context.Background(), "webA"); err != nil {
			t.Fatalf("expected success, got %v", err)
		}
	})
}

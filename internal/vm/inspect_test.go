package vm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func uuidString(u [16]byte) string {
	return uuid.UUID(u).String()
}

func TestGetConfig(t *testing.T) {
	tc := newTestController(t)
	tc.lv.addDomain("webA", domainStateRunning)

	out, err := tc.GetConfig(context.Background(), "webA")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if !strings.Contains(out, "<name>webA</name>") {
		t.Errorf("expected domain XML, got:\n%s", out)
	}
	if !strings.HasSuffix(out, "\n") {
		t.Error("expected trailing newline")
	}
}

func TestGetConfig_RawFallback(t *testing.T) {
	tc := newTestController(t)
	tc.lv.addDomain("webA", domainStateRunning)
	tc.lv.domains["webA"].xml = "<domain><name>webA"

	out, err := tc.GetConfig(context.Background(), "webA")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if out != "<domain><name>webA" {
		t.Errorf("expected raw XML, got %q", out)
	}
}

func TestGetConfig_NotFound(t *testing.T) {
	tc := newTestController(t)
	_, err := tc.GetConfig(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestList(t *testing.T) {
	tc := newTestController(t)
	web := tc.lv.addDomain("web", domainStateRunning)
	db := tc.lv.addDomain("db", domainStateShutoff)

	vms, err := tc.List(context.Background())
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(vms) != 2 {
		t.Fatalf("expected 2 VMs, got %d", len(vms))
	}

	want := []Info{
		{Name: "db", UUID: uuidString(db.UUID), Active: false, State: "shutoff"},
		{Name: "web", ID: web.ID, UUID: uuidString(web.UUID), Active: true, State: "running"},
	}
	for i := range want {
		if vms[i] != want[i] {
			t.Errorf("vms[%d] = %+v, want %+v", i, vms[i], want[i])
		}
	}
	if web.ID == 0 {
		t.Error("running domain should have an id")
	}
}

func TestList_Empty(t *testing.T) {
	tc := newTestController(t)
	vms, err := tc.List(context.Background())
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if vms == nil || len(vms) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", vms)
	}
}

func TestStateToString(t *testing.T) {
	tests := map[int32]string{
		domainStateNoState:     "no state",
		domainStateRunning:     "running",
		domainStateBlocked:     "blocked",
		domainStatePaused:      "paused",
		domainStateShutdown:    "shutdown",
		domainStateShutoff:     "shutoff",
		domainStateCrashed:     "crashed",
		domainStatePMSuspended: "pmsuspended",
		42:                     "unknown(42)",
	}
	for state, want := range tests {
		if got := stateToString(state); got != want {
			t.Errorf("stateToString(%d) = %q, want %q", state, got, want)
		}
	}
}

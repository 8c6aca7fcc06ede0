package vm

import (
	"errors"
	"fmt"
	"testing"
)

func TestMessage(t *testing.T) {
	if got := Message(nil); got != "OK" {
		t.Errorf("Message(nil) = %q", got)
	}
	if got := Message(vmError("webA", ErrNotFound)); got != "VM 'webA' not found" {
		t.Errorf("unexpected message %q", got)
	}
}

func TestIsNoop(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{vmError("a", ErrAlreadyRunning), true},
		{vmError("a", ErrAlreadyStopped), true},
		{fmt.Errorf("wrapped: %w", vmError("a", ErrAlreadyStopped)), true},
		{vmError("a", ErrNotFound), false},
		{&PartialError{Op: "rename", Name: "b", Err: errors.New("x")}, false},
	}
	for _, tt := range tests {
		if got := IsNoop(tt.err); got != tt.want {
			t.Errorf("IsNoop(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "success"},
		{vmError("a", ErrAlreadyRunning), "noop"},
		{&PartialError{Op: "rename", Name: "b", Err: errors.New("x")}, "partial"},
		{errors.New("boom"), "error"},
	}
	for _, tt := range tests {
		if got := outcome(tt.err); got != tt.want {
			t.Errorf("outcome(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestPartialErrorUnwrap(t *testing.T) {
	cause := errors.New("cause")
	err := &PartialError{Op: "rename", Name: "b", Err: cause}
	if !errors.Is(err, cause) || !errors.Is(err, ErrPartial) {
		t.Error("PartialError should match its cause and ErrPartial")
	}
}

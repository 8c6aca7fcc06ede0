package vm

import (
	"errors"
	"fmt"

	kvirt "github.com/jbweber/kiln/internal/libvirt"
)

// Sentinel errors. Errors returned by this package wrap them, so
// errors.Is(err, ErrNotFound) works on any result.
var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrAlreadyRunning = errors.New("is already running")
	ErrAlreadyStopped = errors.New("is already stopped")
	ErrNameTaken      = errors.New("name is already in use")
	ErrPartial        = errors.New("operation partially succeeded")

	// ErrConnection marks failures to reach the hypervisor.
	ErrConnection = kvirt.ErrConnection
)

// vmError renders "VM '<name>' <sentinel>" and wraps the sentinel.
func vmError(name string, sentinel error) error {
	return fmt.Errorf("VM '%s' %w", name, sentinel)
}

// PartialError reports an operation whose main effect happened while a
// follow-up step failed. The main effect is not rolled back.
type PartialError struct {
	// Op is the operation that succeeded, e.g. "rename".
	Op string
	// Name is the VM name after the operation.
	Name string
	// Err is the follow-up failure.
	Err error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("%s succeeded but VM '%s' failed to restart: %v", e.Op, e.Name, e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }

// Is matches ErrPartial.
func (e *PartialError) Is(target error) bool { return target == ErrPartial }

// Message renders the result of an operation: "OK" on success, the error
// text otherwise.
func Message(err error) string {
	if err == nil {
		return "OK"
	}
	return err.Error()
}

// IsNoop reports whether err is a non-fatal no-op outcome: starting a
// running VM or stopping a stopped one.
func IsNoop(err error) bool {
	return errors.Is(err, ErrAlreadyRunning) || errors.Is(err, ErrAlreadyStopped)
}

// Package vm provides high-level VM lifecycle management operations.
//
// This package orchestrates the lower-level components (image resolution,
// overlays, cloud-init, libvirt) into the operations exposed by kiln:
//   - Create, in three variants that differ only in cloud-init handling
//   - Start, Stop and Destroy
//   - Rename, which preserves the domain UUID and running state
//   - GetConfig and List
//
// Error Handling:
//
// Errors match the package sentinels with errors.Is. Starting a running VM
// and stopping a stopped one return ErrAlreadyRunning and ErrAlreadyStopped;
// IsNoop reports these so callers can treat them as successful outcomes.
// A rename whose restart fails returns a *PartialError. Message renders any
// result as the "OK" marker or the error text.
//
// Create uses best-effort cleanup on failure: the cloud-init ISO and overlay
// it made are removed, and a domain it defined is undefined. Cleanup errors
// are logged and never replace the original error.
//
// Connections:
//
// Every operation opens its own hypervisor connection and closes it before
// returning.
package vm

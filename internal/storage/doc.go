// Package storage creates and removes copy-on-write overlay disks for VMs.
//
// An overlay is a qcow2 file at <images.dir>/<vm>-disk.qcow2 whose backing
// store is the resolved base image, so the base image is never written to
// and can be shared by many VMs.
//
// Overlay creation tries backends in order and uses the first available:
//   - qemu-img: `qemu-img create -f qcow2 -F <fmt> -b <base> <overlay>` run on
//     the hypervisor host through a runner.Runner
//   - libvirt: StorageVolCreateXML in the storage pool whose target path is
//     the images directory
//
// Format Validation:
//
// The base image format is detected from magic bytes when the file is
// local:
//   - QCOW2: Magic bytes "QFI\xfb" at offset 0
//   - RAW: MBR signature 0x55aa at offset 510
//
// Remote base images are assumed to be qcow2.
//
// Consumer-Side Interface:
//
// LibvirtClient lists only the storage calls the libvirt backend needs;
// *libvirt.Libvirt from digitalocean/go-libvirt satisfies it.
//
// Example usage:
//
//	mgr := storage.NewManager(cfg, r, log)
//	path, err := mgr.CreateOverlay(ctx, client.Libvirt(), "webA", resolved.Path)
//	if err != nil {
//	    return err
//	}
//	defer mgr.RemoveOverlay(ctx, path)
package storage

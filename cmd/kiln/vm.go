package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jbweber/kiln/internal/config"
	"github.com/jbweber/kiln/internal/vm"
)

func newController() *vm.Controller {
	a := current
	return vm.New(a.cfg, a.target, a.remote, a.local, a.log, a.rec)
}

// report prints the outcome of a single-result command: "OK", a no-op
// notice, or the error. Only real errors fail the command.
func report(err error) error {
	switch {
	case err == nil:
		fmt.Println(vm.Message(nil))
		return nil
	case vm.IsNoop(err):
		fmt.Println(vm.Message(err))
		return nil
	default:
		fmt.Fprintln(os.Stderr, vm.Message(err))
		return errReported
	}
}

// vmFlags are the request fields settable on the command line.
type vmFlags struct {
	file      string
	name      string
	vcpus     int
	memoryMiB int
	image     string
	os        string
	network   string
	bridge    string
	autostart bool
	overlay   bool

	user       string
	password   string
	githubUser string
	sshKeys    []string
	packages   []string
	staticIP   string
	gateway    string
}

func (f *vmFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVarP(&f.file, "file", "f", "", "VM request YAML file")
	flags.StringVar(&f.name, "name", "", "VM name")
	flags.IntVar(&f.vcpus, "vcpus", 2, "number of virtual CPUs")
	flags.IntVar(&f.memoryMiB, "memory", 2048, "memory in MiB")
	flags.StringVar(&f.image, "image", "", "image URL or path on the hypervisor host")
	flags.StringVar(&f.os, "os", "", "well-known image to use when --image is empty, e.g. ubuntu-24.04")
	flags.StringVar(&f.network, "network", "", "libvirt network (default from config)")
	flags.StringVar(&f.bridge, "bridge", "", "host bridge to attach instead of a network")
	flags.BoolVar(&f.autostart, "autostart", false, "start the VM when the host boots")
	flags.BoolVar(&f.overlay, "overlay", false, "boot from a qcow2 overlay instead of the image itself")

	flags.StringVar(&f.user, "user", "", "cloud-init user")
	flags.StringVar(&f.password, "password", "", "cloud-init user password")
	flags.StringVar(&f.githubUser, "github-user", "", "import SSH keys published for this GitHub user")
	flags.StringSliceVar(&f.sshKeys, "ssh-key", nil, "SSH public key to install (repeatable)")
	flags.StringSliceVar(&f.packages, "package", nil, "package to install (repeatable)")
	flags.StringVar(&f.staticIP, "ip", "", "static address in CIDR form, e.g. 10.20.30.40/24")
	flags.StringVar(&f.gateway, "gateway", "", "gateway for --ip")
}

// request builds the VM request from --file or the individual flags.
// Flags explicitly set on the command line override the file.
func (f *vmFlags) request(cmd *cobra.Command) (*config.VMConfig, error) {
	req := &config.VMConfig{}
	if f.file != "" {
		loaded, err := config.LoadVMConfig(f.file)
		if err != nil {
			return nil, err
		}
		req = loaded
	}

	changed := func(name string) bool {
		// without a file every flag applies, defaults included
		return f.file == "" || cmd.Flags().Changed(name)
	}

	if changed("name") {
		req.Name = f.name
	}
	if changed("vcpus") {
		req.VCPUs = f.vcpus
	}
	if changed("memory") {
		req.MemoryMiB = f.memoryMiB
	}
	if changed("image") {
		req.Image = f.image
	}
	if changed("os") {
		req.OS = f.os
	}
	if changed("network") {
		req.Network = f.network
	}
	if changed("bridge") {
		req.Bridge = f.bridge
	}
	if changed("autostart") {
		req.Autostart = f.autostart
	}
	if changed("overlay") {
		req.Overlay = f.overlay
	}

	if f.hasCloudInit() {
		if req.CloudInit == nil {
			req.CloudInit = &config.CloudInitConfig{}
		}
		ci := req.CloudInit
		if f.user != "" {
			ci.User = f.user
		}
		if f.password != "" {
			ci.Password = f.password
		}
		if f.githubUser != "" {
			ci.GitHubUser = f.githubUser
		}
		ci.SSHKeys = append(ci.SSHKeys, f.sshKeys...)
		ci.Packages = append(ci.Packages, f.packages...)
		if f.staticIP != "" {
			ci.Static = &config.Static{Address: f.staticIP, Gateway: f.gateway}
		}
	}

	if req.Name == "" {
		return nil, fmt.Errorf("a VM name is required (--name or name: in --file)")
	}
	return req, nil
}

func (f *vmFlags) hasCloudInit() bool {
	return f.user != "" || f.password != "" || f.githubUser != "" ||
		len(f.sshKeys) > 0 || len(f.packages) > 0 || f.staticIP != ""
}

var (
	createFlags   vmFlags
	cloudInitMode string
)

type createFunc func(*vm.Controller, context.Context, *config.VMConfig) error

// createFor maps a --cloud-init mode to the controller's create variant.
func createFor(mode string) (createFunc, error) {
	switch strings.ToLower(mode) {
	case vm.CloudInitNone:
		return (*vm.Controller).CreateVM, nil
	case vm.CloudInitDefault:
		return (*vm.Controller).CreateVMWithDefaultCloudInit, nil
	case vm.CloudInitCustom:
		return (*vm.Controller).CreateVMWithCloudInit, nil
	}
	return nil, fmt.Errorf("invalid --cloud-init mode %q (valid: none, default, custom)", mode)
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create and start a VM",
	Long: `Create a new virtual machine and start it.

The request comes from flags or a YAML file (-f). The --cloud-init mode
chooses how the guest is seeded:

  none     no cloud-init ISO is attached
  default  the configured cloud-init defaults fill anything the request leaves empty
  custom   the request's own cloud_init section is used as given

Example:
  kiln create --name web1 --image https://cloud-images.ubuntu.com/noble/current/noble-server-cloudimg-amd64.img --cloud-init default
  kiln -c qemu+ssh://root@kvm01/system create -f web1.yaml --cloud-init custom`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := createFlags.request(cmd)
		if err != nil {
			return err
		}

		create, err := createFor(cloudInitMode)
		if err != nil {
			return err
		}
		return report(create(newController(), cmd.Context(), req))
	},
}

func init() {
	createFlags.register(createCmd)
	createCmd.Flags().StringVar(&cloudInitMode, "cloud-init", "default", "cloud-init mode: none, default, custom")
}

var startCmd = &cobra.Command{
	Use:   "start <vm-name>",
	Short: "Start a stopped VM",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return report(newController().Start(cmd.Context(), args[0]))
	},
}

var stopForce bool

var stopCmd = &cobra.Command{
	Use:   "stop <vm-name>",
	Short: "Stop a running VM",
	Long: `Stop a running virtual machine.

By default the guest is asked to shut down via ACPI and the command returns
immediately. --force cuts power instead.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return report(newController().Stop(cmd.Context(), args[0], stopForce))
	},
}

func init() {
	stopCmd.Flags().BoolVar(&stopForce, "force", false, "power off instead of a graceful shutdown")
}

var destroyCmd = &cobra.Command{
	Use:   "destroy <vm-name>",
	Short: "Destroy a VM",
	Long: `Destroy a virtual machine by name.

This will:
- Power off the VM if running
- Remove its cloud-init ISO and disk overlay
- Undefine the domain, including NVRAM

Base images are never deleted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return report(newController().Destroy(cmd.Context(), args[0]))
	},
}

var renameCmd = &cobra.Command{
	Use:   "rename <old-name> <new-name>",
	Short: "Rename a VM",
	Long: `Rename a virtual machine, keeping its UUID, disks and NVRAM.

A running VM is shut down gracefully, renamed and started again.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return report(newController().Rename(cmd.Context(), args[0], args[1]))
	},
}

var configCmd = &cobra.Command{
	Use:   "config <vm-name>",
	Short: "Print a VM's libvirt XML",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		xml, err := newController().GetConfig(cmd.Context(), args[0])
		if err != nil {
			return report(err)
		}
		fmt.Println(xml)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List VMs",
	Long: `List all virtual machines defined on the hypervisor.

Output formats:
  -o table  Human-readable table (default)
  -o yaml   YAML sequence
  -o json   JSON array`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		formatter, err := newFormatter()
		if err != nil {
			return err
		}

		vms, err := newController().List(cmd.Context())
		if err != nil {
			return report(err)
		}

		result, err := formatter.FormatVMList(vms)
		if err != nil {
			return fmt.Errorf("failed to format output: %w", err)
		}
		fmt.Print(result)
		return nil
	},
}

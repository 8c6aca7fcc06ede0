package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jbweber/kiln/internal/discovery"
)

var ipNetwork string

var ipCmd = &cobra.Command{
	Use:   "ip <vm-name>",
	Short: "Find a VM's IP address",
	Long: `Find the IPv4 address of a virtual machine.

Sources are tried in order and the first answer wins:
  1. the QEMU guest agent (running VMs only)
  2. DHCP leases of the VM's libvirt networks (or --network)
  3. the hypervisor host's ARP table`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		formatter, err := newFormatter()
		if err != nil {
			return err
		}

		a := current
		engine := discovery.New(a.cfg, a.target, a.remote, a.log, a.rec)
		res, err := engine.Discover(cmd.Context(), args[0], ipNetwork)
		if err != nil {
			return report(err)
		}

		out, err := formatter.FormatAddress(res)
		if err != nil {
			return fmt.Errorf("failed to format output: %w", err)
		}
		fmt.Print(out)
		return nil
	},
}

func init() {
	ipCmd.Flags().StringVar(&ipNetwork, "network", "", "only search DHCP leases of this libvirt network")
}

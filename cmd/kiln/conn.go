package main

import (
	"fmt"

	"github.com/spf13/cobra"

	kvirt "github.com/jbweber/kiln/internal/libvirt"
)

var testConnCmd = &cobra.Command{
	Use:   "test-conn",
	Short: "Test the hypervisor connection",
	Long:  `Test connectivity to the libvirt daemon and display version information.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a := current
		fmt.Printf("Testing connection to %s...\n", a.target)

		client, err := kvirt.Connect(cmd.Context(), a.target, a.cfg, a.log)
		if err != nil {
			return fmt.Errorf("failed to connect to libvirt: %w", err)
		}
		defer func() {
			if closeErr := client.Close(); closeErr != nil {
				a.log.V(1).Info("failed to close libvirt connection", "error", closeErr.Error())
			}
		}()

		if err := client.Ping(); err != nil {
			return fmt.Errorf("connection test failed: %w", err)
		}

		// libvirt encodes 8.6.0 as 8006000
		version, err := client.Libvirt().ConnectGetLibVersion()
		if err != nil {
			return fmt.Errorf("failed to get libvirt version: %w", err)
		}
		fmt.Printf("Libvirt version: %d.%d.%d\n", version/1000000, (version%1000000)/1000, version%1000)

		hostname, err := client.Libvirt().ConnectGetHostname()
		if err != nil {
			return fmt.Errorf("failed to get hostname: %w", err)
		}
		fmt.Printf("Hypervisor hostname: %s\n", hostname)

		uri, err := client.Libvirt().ConnectGetUri()
		if err != nil {
			return fmt.Errorf("failed to get connection URI: %w", err)
		}
		fmt.Printf("Connection URI: %s\n", uri)
		return nil
	},
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jbweber/kiln/internal/cloudinit"
	"github.com/jbweber/kiln/internal/hostfs"
)

// Cloud-init commands
var cloudInitCmd = &cobra.Command{
	Use:   "cloud-init",
	Short: "Build cloud-init seed ISOs",
}

func init() {
	cloudInitCmd.AddCommand(cloudInitBuildCmd)
	ciBuildFlags.register(cloudInitBuildCmd)
	cloudInitBuildCmd.Flags().BoolVar(&ciBuildDryRun, "dry-run", false, "print the documents instead of writing an ISO")
}

var (
	ciBuildFlags  vmFlags
	ciBuildDryRun bool
)

var cloudInitBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Package a cloud-init ISO for a VM",
	Long: `Generate user-data, meta-data and network-config for a VM request and
package them into <images.dir>/<name>-cloudinit.iso on the hypervisor host.

Settings the request leaves empty are filled from the configured
cloud-init defaults.

Example:
  kiln cloud-init build --name web1 --github-user octocat
  kiln cloud-init build -f web1.yaml --dry-run`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := ciBuildFlags.request(cmd)
		if err != nil {
			return err
		}

		a := current
		req.ApplyCloudInitDefaults(a.cfg.CloudInit)
		if err := req.CalculateMAC(); err != nil {
			return err
		}

		ctx := cmd.Context()
		keys := cloudinit.NewKeyCollector(a.cfg.CloudInit, hostfs.New(a.remote), a.log).Collect(ctx, req.CloudInit.GitHubUser)
		payload, err := cloudinit.Build(req, keys, cloudinit.Options{Interface: a.cfg.Network.Interface})
		if err != nil {
			return report(err)
		}

		if ciBuildDryRun {
			fmt.Printf("# user-data\n%s\n# meta-data\n%s", payload.UserData, payload.MetaData)
			if payload.NetworkConfig != "" {
				fmt.Printf("\n# network-config\n%s", payload.NetworkConfig)
			}
			return nil
		}

		path, err := cloudinit.NewPackager(a.cfg, a.remote, a.log, a.rec).Package(ctx, req.Name, payload)
		if err != nil {
			return report(err)
		}
		fmt.Println(path)
		return nil
	},
}


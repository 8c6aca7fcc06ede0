package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jbweber/kiln/internal/image"
)

// Image commands
var imageCmd = &cobra.Command{
	Use:   "image",
	Short: "Resolve and locate base images",
	Long: `Resolve base OS images on the hypervisor host.

URLs are downloaded once into the images directory and reused afterwards.
For remote hypervisors the download happens locally and the image is
copied to the host.`,
}

func init() {
	imageCmd.AddCommand(imageResolveCmd)
	imageCmd.AddCommand(imageLocateCmd)
}

func newResolver() *image.Resolver {
	a := current
	return image.NewResolver(a.cfg, a.target, a.remote, a.local, a.log, a.rec)
}

var imageResolveCmd = &cobra.Command{
	Use:   "resolve <url-or-path>",
	Short: "Make an image available on the hypervisor host",
	Long: `Resolve an image reference to a path on the hypervisor host.

Supported references: http, https, ftp, ftps and s3 URLs, and paths on the
hypervisor host. Compressed downloads (.gz, .zst) are unpacked.

Example:
  kiln image resolve https://cloud-images.ubuntu.com/noble/current/noble-server-cloudimg-amd64.img
  kiln image resolve s3://images/fedora-43.qcow2`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		formatter, err := newFormatter()
		if err != nil {
			return err
		}

		img, err := newResolver().Resolve(cmd.Context(), args[0])
		if err != nil {
			return report(err)
		}

		out, err := formatter.FormatImage(img)
		if err != nil {
			return fmt.Errorf("failed to format output: %w", err)
		}
		fmt.Print(out)
		return nil
	},
}

var imageLocateCmd = &cobra.Command{
	Use:   "locate <os>",
	Short: "Find a well-known image on the hypervisor host",
	Long: `Search the configured image directories for <os>.qcow2, <os>.img and
the configured known image names. When nothing is found the conventional
path <images.dir>/<os>.qcow2 is printed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(newResolver().LocateKnownImage(cmd.Context(), args[0]))
		return nil
	},
}

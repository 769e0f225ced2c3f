package main

import (
	"io"
	"log"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var osStdout io.Writer = os.Stdout

func run() error {
	logrus.SetLevel(logrus.InfoLevel)

	rootCmd := &cobra.Command{
		Use:   "bootmedia",
		Short: "Write operating system images onto removable media",
		Long: `Write operating system images onto removable media

Bootmedia partitions a USB device, formats it and copies the files of an
ISO image or directory onto it, or writes a disk image block for block.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
	}
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Show debug output")
	rootCmd.PersistentFlags().String("image-target", "", "Use a disk image file as the only device instead of the physical devices")
	rootCmd.PersistentFlags().String("image-size", "", "Create the --image-target file with this size if it does not exist, e.g. 8GiB")

	listCmd := &cobra.Command{
		Use:          "list",
		Short:        "List the physical devices",
		RunE:         cmdList,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
	}
	rootCmd.AddCommand(listCmd)

	checkCmd := &cobra.Command{
		Use:          "check <index>",
		Short:        "Show whether a device is a safe target",
		RunE:         cmdCheck,
		SilenceUsage: true,
		Args:         cobra.ExactArgs(1),
	}
	checkCmd.Flags().String("source", "", "Source image that will be written")
	rootCmd.AddCommand(checkCmd)

	layoutCmd := &cobra.Command{
		Use:   "layout",
		Short: "Show the partitions a layout results in",
		Long: `Show the partitions a layout results in

Partitions are given as label:filesystem[:size], a missing size takes the
remaining space, e.g. --partition persist:ext4:512MiB --partition boot:fat32`,
		RunE:         cmdLayout,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
	}
	layoutCmd.Flags().String("scheme", "gpt", "Partition table type (gpt, mbr)")
	layoutCmd.Flags().String("capacity", "8GiB", "Device capacity")
	layoutCmd.Flags().StringArray("partition", nil, "Partition as label:filesystem[:size]")
	layoutCmd.Flags().String("filesystem", "fat32", "Filesystem of the single volume if no --partition is given")
	layoutCmd.Flags().String("label", "", "Label of the single volume if no --partition is given")
	rootCmd.AddCommand(layoutCmd)

	writeCmd := &cobra.Command{
		Use:   "write [<index> <source>]",
		Short: "Write a source image onto a device",
		Long: `Write a source image onto a device

The job is either given on the command line or read from a YAML or TOML
file with --job. Flags override the values of the job file.`,
		RunE:         cmdWrite,
		SilenceUsage: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if job, _ := cmd.Flags().GetString("job"); job != "" {
				return cobra.MaximumNArgs(2)(cmd, args)
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
	}
	writeCmd.Flags().String("job", "", "Read the job from this YAML or TOML file")
	writeCmd.Flags().String("strategy", "", "filesystem-copy or raw-sector-write")
	writeCmd.Flags().String("scheme", "", "Partition table type of the single volume (gpt, mbr)")
	writeCmd.Flags().String("filesystem", "", "Filesystem of the single volume")
	writeCmd.Flags().String("label", "", "Volume label")
	writeCmd.Flags().StringArray("partition", nil, "Custom layout partition as label:filesystem[:size], implies gpt")
	writeCmd.Flags().Bool("quick", true, "Quick format")
	writeCmd.Flags().String("cluster-size", "", "Cluster size, e.g. 4KiB")
	writeCmd.Flags().String("persistence", "", "Create a persistence store of this size")
	writeCmd.Flags().Bool("win11-bypass", false, "Skip the TPM, Secure Boot and RAM checks of Windows 11 setup")
	writeCmd.Flags().StringArray("split", nil, "Split matching files that are too large for the filesystem into <file>.partNN pieces; Windows setup does not read these, split install.wim into .swm files with DISM instead")
	writeCmd.Flags().StringArray("exclude", nil, "Do not copy matching files")
	writeCmd.Flags().Bool("skip-verify", false, "Do not verify the written content")
	writeCmd.Flags().Bool("allow-unsafe", false, "Write even to the system drive or the drive holding the source")
	writeCmd.Flags().Duration("mount-timeout", 0, "How long to wait for new volumes")
	writeCmd.Flags().Bool("no-progress", false, "Do not show a progress bar")
	rootCmd.AddCommand(writeCmd)

	rootCmd.SetArgs(os.Args[1:])
	rootCmd.SetOut(osStdout)
	return rootCmd.Execute()
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("error: %s", err)
	}
}

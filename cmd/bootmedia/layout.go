package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/osbuild/bootmedia/pkg/datasizes"
	"github.com/osbuild/bootmedia/pkg/disk"
)

// parsePartition parses label:filesystem[:size].
func parsePartition(s string) (disk.PartitionSpec, error) {
	fields := strings.Split(s, ":")
	if len(fields) < 2 || len(fields) > 3 {
		return disk.PartitionSpec{}, fmt.Errorf("invalid partition %q, expected label:filesystem[:size]", s)
	}
	fs, err := disk.NewFSType(fields[1])
	if err != nil {
		return disk.PartitionSpec{}, err
	}
	spec := disk.PartitionSpec{Label: fields[0], FSType: fs}
	if len(fields) == 3 && fields[2] != "" {
		size, err := datasizes.Parse(fields[2])
		if err != nil {
			return disk.PartitionSpec{}, fmt.Errorf("invalid size of partition %q: %w", s, err)
		}
		spec.Size = datasizes.Size(size)
	}
	return spec, nil
}

func parsePartitions(specs []string) ([]disk.PartitionSpec, error) {
	var res []disk.PartitionSpec
	for _, s := range specs {
		spec, err := parsePartition(s)
		if err != nil {
			return nil, err
		}
		res = append(res, spec)
	}
	return res, nil
}

func cmdLayout(cmd *cobra.Command, args []string) error {
	schemeStr, err := cmd.Flags().GetString("scheme")
	if err != nil {
		return err
	}
	capacityStr, err := cmd.Flags().GetString("capacity")
	if err != nil {
		return err
	}
	partStrs, err := cmd.Flags().GetStringArray("partition")
	if err != nil {
		return err
	}
	fsStr, err := cmd.Flags().GetString("filesystem")
	if err != nil {
		return err
	}
	label, err := cmd.Flags().GetString("label")
	if err != nil {
		return err
	}

	scheme, err := disk.NewPartitionTableType(schemeStr)
	if err != nil {
		return err
	}
	capacity, err := datasizes.Parse(capacityStr)
	if err != nil {
		return fmt.Errorf("invalid capacity: %w", err)
	}
	layout := disk.Layout{Type: scheme}
	layout.Partitions, err = parsePartitions(partStrs)
	if err != nil {
		return err
	}
	if len(layout.Partitions) == 0 {
		fs, err := disk.NewFSType(fsStr)
		if err != nil {
			return err
		}
		layout = disk.SingleVolume(scheme, label, fs)
	}

	parts, err := layout.Compute(capacity, disk.DefaultSectorSize)
	if err != nil {
		return err
	}
	return printPartitions(osStdout, layout.Type, capacity, parts)
}

func printPartitions(w io.Writer, pt disk.PartitionTableType, capacity uint64, parts []disk.Partition) error {
	fmt.Fprintf(w, "%s, %s\n", pt, humanize.IBytes(capacity))
	fmt.Fprintf(w, "%-3s %-12s %-12s %-10s %-10s %-8s %s\n", "#", "START", "END", "SIZE", "FS", "LABEL", "TYPE")
	for _, p := range parts {
		label := p.Label
		if p.IsReserved() {
			label = "(reserved)"
		}
		fmt.Fprintf(w, "%-3d %-12d %-12d %-10s %-10s %-8s %s\n", p.Number, p.Start, p.End(), humanize.IBytes(p.Size), p.FSType, label, p.Type)
	}
	return nil
}

package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/osbuild/bootmedia/pkg/device"
	"github.com/osbuild/bootmedia/pkg/safety"
)

func cmdList(cmd *cobra.Command, args []string) error {
	p, err := openPlatform(cmd)
	if err != nil {
		return err
	}
	refs, err := p.Devices.Devices()
	if err != nil {
		return err
	}
	return listDevices(osStdout, refs, safety.New(p.Volumes))
}

func listDevices(w io.Writer, refs []device.Ref, v *safety.Validator) error {
	fmt.Fprintf(w, "%-5s %-10s %-9s %-30s %-20s %s\n", "DISK", "SIZE", "REMOVABLE", "MODEL", "MOUNTPOINTS", "WARNINGS")
	for _, ref := range refs {
		mps := strings.Join(ref.MountPoints, ",")
		if mps == "" {
			mps = "-"
		}
		warnings := v.Classify(ref, "")
		fmt.Fprintf(w, "%-5d %-10s %-9s %-30s %-20s %s\n", ref.Index, humanize.IBytes(ref.Capacity), strconv.FormatBool(ref.Removable), ref.Model, mps, warnings)
	}
	return nil
}

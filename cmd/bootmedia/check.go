package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/osbuild/bootmedia/pkg/safety"
)

func cmdCheck(cmd *cobra.Command, args []string) error {
	index, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid disk index %q: %w", args[0], err)
	}
	src, err := cmd.Flags().GetString("source")
	if err != nil {
		return err
	}

	p, err := openPlatform(cmd)
	if err != nil {
		return err
	}
	ref, err := p.Devices.Device(index)
	if err != nil {
		return err
	}
	v := safety.New(p.Volumes).Classify(ref, src)
	switch {
	case v.Critical() != safety.None:
		fmt.Fprintf(osStdout, "%s: unsafe (%s)\n", ref, v)
	case v != safety.None:
		fmt.Fprintf(osStdout, "%s: usable with warnings (%s)\n", ref, v)
	default:
		fmt.Fprintf(osStdout, "%s: safe\n", ref)
	}
	return nil
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/osbuild/bootmedia/pkg/datasizes"
	"github.com/osbuild/bootmedia/pkg/deploy"
	"github.com/osbuild/bootmedia/pkg/device/imagefile"
)

// openPlatform returns the image file backend if --image-target is given
// and the devices of the running system otherwise.
func openPlatform(cmd *cobra.Command) (deploy.Platform, error) {
	target, err := cmd.Flags().GetString("image-target")
	if err != nil {
		return deploy.Platform{}, err
	}
	if target == "" {
		return nativePlatform()
	}

	sizeStr, err := cmd.Flags().GetString("image-size")
	if err != nil {
		return deploy.Platform{}, err
	}
	var size uint64
	if sizeStr != "" {
		size, err = datasizes.Parse(sizeStr)
		if err != nil {
			return deploy.Platform{}, fmt.Errorf("invalid --image-size: %w", err)
		}
	}
	img, err := imagefile.Open(target, 0, size)
	if err != nil {
		return deploy.Platform{}, err
	}
	return deploy.Platform{
		Devices:   img,
		Opener:    img,
		Volumes:   img,
		AutoMount: img,
		Formatter: img,
		Mounts:    img,
	}, nil
}

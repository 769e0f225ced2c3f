//go:build !windows

package main

import (
	"errors"

	"github.com/osbuild/bootmedia/pkg/deploy"
)

func nativePlatform() (deploy.Platform, error) {
	return deploy.Platform{}, errors.New("physical devices are only supported on windows, use --image-target")
}

//go:build windows

package main

import (
	"github.com/osbuild/bootmedia/pkg/deploy"
	"github.com/osbuild/bootmedia/pkg/device/winapi"
	"github.com/osbuild/bootmedia/pkg/format"
	"github.com/osbuild/bootmedia/pkg/volume"
)

func nativePlatform() (deploy.Platform, error) {
	p := winapi.New()
	return deploy.Platform{
		Devices:   p,
		Opener:    p,
		Volumes:   p,
		AutoMount: p,
		Formatter: format.NewToolFormatter(winapi.DevicePath),
		Mounts:    volume.OSProvider{},
	}, nil
}

package format

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/osbuild/bootmedia/pkg/disk"
	"github.com/osbuild/bootmedia/pkg/exttool"
)

// ToolFormatter formats through external command line tools: format.com
// for volumes the OS can mount and mke2fs for the ext family, which is
// written straight to the partition's byte range on the device.
type ToolFormatter struct {
	FormatTool string
	Mke2fsTool string
	// DevicePath maps a disk index to the path mke2fs is run against.
	DevicePath func(index int) string
}

func NewToolFormatter(devicePath func(int) string) *ToolFormatter {
	return &ToolFormatter{
		FormatTool: "format.com",
		Mke2fsTool: "mke2fs",
		DevicePath: devicePath,
	}
}

func (f *ToolFormatter) RequiresVolume(fs disk.FSType) bool {
	return !fs.IsExtFamily()
}

// FormatArgs returns the format.com command line for a mounted volume.
func FormatArgs(mountPath string, opts Options) []string {
	target := mountPath
	// format.com wants "E:" rather than "E:\"
	if len(target) == 3 && strings.HasSuffix(target, `:\`) {
		target = target[:2]
	}
	args := []string{target, "/FS:" + opts.FSType.FormatName()}
	if label := NormalizeLabel(opts.FSType, opts.Label); label != "" {
		args = append(args, "/V:"+label)
	}
	if opts.Quick {
		args = append(args, "/Q")
	}
	if opts.ClusterSize != 0 {
		args = append(args, fmt.Sprintf("/A:%d", opts.ClusterSize))
	}
	return append(args, "/X", "/Y")
}

// Mke2fsArgs returns the mke2fs command line for a partition at the given
// offset of the device.
func Mke2fsArgs(devicePath string, target Target, opts Options) []string {
	args := []string{"-F", "-t", opts.FSType.String()}
	if label := NormalizeLabel(opts.FSType, opts.Label); label != "" {
		args = append(args, "-L", label)
	}
	if opts.ClusterSize != 0 {
		args = append(args, "-b", fmt.Sprintf("%d", opts.ClusterSize))
	}
	if !opts.Quick {
		args = append(args, "-E", fmt.Sprintf("offset=%d,nodiscard", target.Offset))
	} else {
		args = append(args, "-E", fmt.Sprintf("offset=%d,lazy_itable_init=1", target.Offset))
	}
	return append(args, devicePath, fmt.Sprintf("%dk", target.Size/1024))
}

func (f *ToolFormatter) Format(ctx context.Context, target Target, opts Options) error {
	if err := opts.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrFormatFailed, err)
	}

	var tool string
	var args []string
	if opts.FSType.IsExtFamily() {
		if f.DevicePath == nil {
			return fmt.Errorf("%w: no device path for disk %d", ErrFormatFailed, target.DiskIndex)
		}
		tool = f.Mke2fsTool
		args = Mke2fsArgs(f.DevicePath(target.DiskIndex), target, opts)
	} else {
		if target.MountPath == "" {
			return fmt.Errorf("%w: %s needs a mounted volume", ErrFormatFailed, opts.FSType)
		}
		tool = f.FormatTool
		args = FormatArgs(target.MountPath, opts)
	}

	logrus.WithFields(logrus.Fields{
		"target": target.String(),
		"fs":     opts.FSType.String(),
	}).Infof("formatting")

	if _, err := exttool.Run(ctx, nil, tool, args...); err != nil {
		var toolErr *exttool.ToolError
		if errors.As(err, &toolErr) {
			return fmt.Errorf("%w: %s as %s: %s", ErrFormatFailed, target, opts.FSType, toolErr.Error())
		}
		return fmt.Errorf("%w: %s as %s: %v", ErrFormatFailed, target, opts.FSType, err)
	}
	return nil
}

// Package format creates filesystems on freshly partitioned volumes.
package format

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/osbuild/bootmedia/pkg/disk"
)

var ErrFormatFailed = errors.New("format failed")

// Options are the parameters of a single format run.
type Options struct {
	FSType      disk.FSType
	Label       string
	Quick       bool
	ClusterSize uint64
}

// Target is the partition to format. MountPath is only set when the
// formatter needs a mounted volume.
type Target struct {
	DiskIndex       int
	PartitionNumber int
	Offset          uint64
	Size            uint64
	MountPath       string
}

func (t Target) String() string {
	if t.MountPath != "" {
		return t.MountPath
	}
	return fmt.Sprintf("disk %d partition %d", t.DiskIndex, t.PartitionNumber)
}

// Formatter creates filesystems.
type Formatter interface {
	// RequiresVolume reports whether the filesystem is created through a
	// mounted volume rather than on the raw partition.
	RequiresVolume(fs disk.FSType) bool
	Format(ctx context.Context, target Target, opts Options) error
}

// Validate checks the options independently of the target.
func (o Options) Validate() error {
	if o.FSType == disk.FS_NONE {
		return errors.New("no filesystem type given")
	}
	if o.ClusterSize != 0 {
		if o.ClusterSize < 512 || o.ClusterSize > 2*1024*1024 || o.ClusterSize&(o.ClusterSize-1) != 0 {
			return fmt.Errorf("invalid cluster size %d: must be a power of two between 512 and 2M", o.ClusterSize)
		}
	}
	return nil
}

// NormalizeLabel adapts a label to the limits of the filesystem.
func NormalizeLabel(fs disk.FSType, label string) string {
	switch fs {
	case disk.FS_FAT32:
		label = strings.ToUpper(label)
		label = strings.Map(func(r rune) rune {
			if strings.ContainsRune(`*?.,;:/\|+=<>[]"`, r) || r > 0x7e {
				return '_'
			}
			return r
		}, label)
		if len(label) > 11 {
			label = label[:11]
		}
	case disk.FS_EXFAT:
		if len(label) > 15 {
			label = label[:15]
		}
	case disk.FS_NTFS:
		if len(label) > 32 {
			label = label[:32]
		}
	default:
		if len(label) > 16 {
			label = label[:16]
		}
	}
	return label
}

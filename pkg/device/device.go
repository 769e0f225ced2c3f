// Package device describes the physical devices and volumes a provisioning
// job works with, and the device-control surface a platform backend has to
// provide.
//
// The model follows the Windows disk/volume split: a physical device is
// addressed by an integer index and exposes zero or more volumes, which
// appear asynchronously after its partition table changes.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/osbuild/bootmedia/pkg/disk"
)

var (
	// ErrSharingViolation is returned by Opener.Open when another process
	// holds a conflicting handle on the device.
	ErrSharingViolation = errors.New("sharing violation")

	// ErrNotFound is returned when a device or volume does not exist.
	ErrNotFound = errors.New("not found")
)

// Ref identifies a physical device. Identity is the index; MountPoints is a
// snapshot taken at enumeration time and goes stale as soon as the
// partition table changes.
type Ref struct {
	Index      int
	Path       string
	Model      string
	Capacity   uint64
	SectorSize uint64
	Removable  bool
	ReadOnly   bool

	MountPoints []string
}

func (r Ref) String() string {
	if r.Model != "" {
		return fmt.Sprintf("disk %d (%s)", r.Index, r.Model)
	}
	return fmt.Sprintf("disk %d", r.Index)
}

// Extent is where (part of) a volume lives on a physical device.
type Extent struct {
	DiskIndex      int
	StartingOffset uint64
	Length         uint64
}

// ShareMode is the sharing requested when opening a device.
type ShareMode int

const (
	// ShareRead lets other handles read the device while we write.
	ShareRead ShareMode = iota
	// ShareReadWrite also tolerates other writers. Used when escalating
	// after repeated sharing violations.
	ShareReadWrite
)

func (s ShareMode) String() string {
	switch s {
	case ShareRead:
		return "read"
	case ShareReadWrite:
		return "read-write"
	default:
		return fmt.Sprintf("ShareMode(%d)", int(s))
	}
}

// Geometry is the size information reported by the device itself.
type Geometry struct {
	DiskSize       uint64
	BytesPerSector uint64
}

// Handle is an open physical device. All methods are synchronous
// device-control requests.
type Handle interface {
	io.ReaderAt
	io.WriterAt
	io.Closer

	Index() int

	// Lock places an exclusive lock on the device, Unlock releases it.
	Lock() error
	Unlock() error

	Geometry() (Geometry, error)
	// CreateDisk initializes the partition table. PT_RAW wipes it.
	CreateDisk(pt *disk.PartitionTable) error
	SetLayout(pt *disk.PartitionTable) error
	GetLayout() (*disk.PartitionTable, error)
	// UpdateProperties makes the OS re-read the partition table.
	UpdateProperties() error
}

// Opener opens physical devices by index.
type Opener interface {
	Open(index int, write bool, share ShareMode) (Handle, error)
}

// Enumerator lists the physical devices of the system.
type Enumerator interface {
	Devices() ([]Ref, error)
	Device(index int) (Ref, error)
}

// VolumeManager is the volume side of the device-control surface. Every
// call reflects the live OS state.
type VolumeManager interface {
	// Volumes returns the names of all volumes known to the OS.
	Volumes() ([]string, error)
	Extents(volume string) ([]Extent, error)
	// MountPoints returns the paths a volume is reachable under.
	MountPoints(volume string) ([]string, error)
	// IsReady reports whether the filesystem at the mount path can be
	// accessed.
	IsReady(mountPath string) bool
	// VolumeForPath resolves the volume a file lives on.
	VolumeForPath(path string) (string, error)
	// SystemVolume returns the volume the running OS booted from.
	SystemVolume() (string, error)
	Dismount(volume string) error

	// UpdateDiskProperties asks the OS to re-read the partition table of
	// a disk without requiring an open handle.
	UpdateDiskProperties(index int) error
	// Rescan asks the volume manager to look for new volumes.
	Rescan(ctx context.Context) error
	// BroadcastArrival notifies listeners that devices changed.
	BroadcastArrival() error
	// AssignDriveLetter forces a mount point onto the given partition.
	AssignDriveLetter(ctx context.Context, index, partition int) error
}

// AutoMounter controls the OS-wide automatic mounting of new volumes.
type AutoMounter interface {
	AutoMountEnabled() (bool, error)
	SetAutoMount(enabled bool) error
}

// VolumesOnDisk returns the volumes that have at least one extent on the
// given disk, queried live.
func VolumesOnDisk(vm VolumeManager, index int) ([]string, error) {
	vols, err := vm.Volumes()
	if err != nil {
		return nil, err
	}
	var res []string
	for _, vol := range vols {
		extents, err := vm.Extents(vol)
		if err != nil {
			// volumes without extents (e.g. optical drives) are skipped
			continue
		}
		for _, ext := range extents {
			if ext.DiskIndex == index {
				res = append(res, vol)
				break
			}
		}
	}
	return res, nil
}

// MountPointsOnDisk returns the current mount points of all volumes on
// the given disk.
func MountPointsOnDisk(vm VolumeManager, index int) ([]string, error) {
	vols, err := VolumesOnDisk(vm, index)
	if err != nil {
		return nil, err
	}
	var res []string
	for _, vol := range vols {
		mps, err := vm.MountPoints(vol)
		if err != nil {
			return nil, fmt.Errorf("cannot get mount points of %s: %w", vol, err)
		}
		res = append(res, mps...)
	}
	return res, nil
}

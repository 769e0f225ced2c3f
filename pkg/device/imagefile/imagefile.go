// Package imagefile emulates a single physical device with a disk image
// file, so that complete jobs can be run on any OS. Partition tables and
// FAT32 filesystems are written with go-diskfs.
//
// Volumes appear as soon as a layout is written. They are named after the
// partition and mounted at "<image>#<partition number>".
package imagefile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/sirupsen/logrus"

	"github.com/osbuild/bootmedia/pkg/device"
	"github.com/osbuild/bootmedia/pkg/disk"
)

// HostVolume is reported as the system volume. No image volume ever
// matches it.
const HostVolume = "host"

// Image is a disk image acting as physical device Index.
type Image struct {
	Path       string
	Index      int
	SectorSize uint64

	mu       sync.Mutex
	writers  int
	table    *disk.PartitionTable
	capacity uint64
}

// Open uses an existing image. If it does not exist and size is non-zero
// an empty image of that size is created.
func Open(path string, index int, size uint64) (*Image, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist) && size > 0:
		if _, err := diskfs.Create(path, int64(size), diskfs.Raw, diskfs.SectorSizeDefault); err != nil {
			return nil, fmt.Errorf("cannot create image %s: %w", path, err)
		}
		logrus.Infof("created image %s", path)
	case err != nil:
		return nil, err
	case fi.IsDir():
		return nil, fmt.Errorf("%s is a directory", path)
	default:
		size = uint64(fi.Size())
	}

	img := &Image{
		Path:       path,
		Index:      index,
		SectorSize: disk.DefaultSectorSize,
		capacity:   size,
	}
	// pick up an existing layout so that its volumes are visible
	if pt, err := img.readLayout(); err == nil && pt.Type != disk.PT_RAW {
		img.table = pt
	}
	return img, nil
}

func (img *Image) ref() device.Ref {
	return device.Ref{
		Index:      img.Index,
		Path:       img.Path,
		Model:      "disk image " + filepath.Base(img.Path),
		Capacity:   img.capacity,
		SectorSize: img.SectorSize,
		Removable:  true,
	}
}

func (img *Image) Devices() ([]device.Ref, error) {
	ref, err := img.Device(img.Index)
	if err != nil {
		return nil, err
	}
	return []device.Ref{ref}, nil
}

func (img *Image) Device(index int) (device.Ref, error) {
	if index != img.Index {
		return device.Ref{}, fmt.Errorf("disk %d: %w", index, device.ErrNotFound)
	}
	ref := img.ref()
	mps, err := device.MountPointsOnDisk(img, index)
	if err != nil {
		return device.Ref{}, err
	}
	ref.MountPoints = mps
	return ref, nil
}

// Open opens the image. Only one writer at a time is admitted unless
// write sharing is requested.
func (img *Image) Open(index int, write bool, share device.ShareMode) (device.Handle, error) {
	if index != img.Index {
		return nil, fmt.Errorf("disk %d: %w", index, device.ErrNotFound)
	}
	img.mu.Lock()
	defer img.mu.Unlock()

	if img.writers > 0 && share != device.ShareReadWrite {
		return nil, fmt.Errorf("%s: %w", img.Path, device.ErrSharingViolation)
	}
	flag := os.O_RDONLY
	if write {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(img.Path, flag, 0)
	if err != nil {
		return nil, err
	}
	if write {
		img.writers++
	}
	return &handle{img: img, f: f, write: write}, nil
}

// VolumeName is the name of the volume of a partition.
func (img *Image) VolumeName(partition int) string {
	return fmt.Sprintf(`\\?\Image{%s}\p%d`, filepath.Base(img.Path), partition)
}

// MountPath is where the volume of a partition is mounted.
func (img *Image) MountPath(partition int) string {
	return fmt.Sprintf("%s#%d", img.Path, partition)
}

// partitionOf returns the partition number of a volume name or mount path.
func (img *Image) partitionOf(s string) (int, bool) {
	var sep string
	switch {
	case strings.HasPrefix(s, img.Path+"#"):
		sep = "#"
	case strings.HasPrefix(s, fmt.Sprintf(`\\?\Image{%s}\p`, filepath.Base(img.Path))):
		sep = `\p`
	default:
		return 0, false
	}
	n, err := strconv.Atoi(s[strings.LastIndex(s, sep)+len(sep):])
	if err != nil {
		return 0, false
	}
	return n, true
}

func (img *Image) partition(s string) (disk.Partition, error) {
	img.mu.Lock()
	defer img.mu.Unlock()

	n, ok := img.partitionOf(s)
	if !ok || img.table == nil {
		return disk.Partition{}, fmt.Errorf("volume %s: %w", s, device.ErrNotFound)
	}
	for _, p := range img.table.UserPartitions() {
		if p.Number == n {
			return p, nil
		}
	}
	return disk.Partition{}, fmt.Errorf("volume %s: %w", s, device.ErrNotFound)
}

func (img *Image) Volumes() ([]string, error) {
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.table == nil {
		return nil, nil
	}
	var vols []string
	for _, p := range img.table.UserPartitions() {
		vols = append(vols, img.VolumeName(p.Number))
	}
	return vols, nil
}

func (img *Image) Extents(volume string) ([]device.Extent, error) {
	p, err := img.partition(volume)
	if err != nil {
		return nil, err
	}
	return []device.Extent{{DiskIndex: img.Index, StartingOffset: p.Start, Length: p.Size}}, nil
}

func (img *Image) MountPoints(volume string) ([]string, error) {
	p, err := img.partition(volume)
	if err != nil {
		return nil, err
	}
	return []string{img.MountPath(p.Number)}, nil
}

func (img *Image) IsReady(mountPath string) bool {
	_, err := img.partition(mountPath)
	return err == nil
}

// VolumeForPath resolves paths inside the image itself, so that using the
// image as its own source is detected. Everything else lives on the host.
func (img *Image) VolumeForPath(path string) (string, error) {
	if n, ok := img.partitionOf(path); ok {
		return img.VolumeName(n), nil
	}
	if abs, err := filepath.Abs(path); err == nil && abs == img.Path {
		img.mu.Lock()
		defer img.mu.Unlock()
		if img.table != nil {
			if parts := img.table.UserPartitions(); len(parts) > 0 {
				return img.VolumeName(parts[0].Number), nil
			}
		}
	}
	return HostVolume, nil
}

func (img *Image) SystemVolume() (string, error) {
	return HostVolume, nil
}

func (img *Image) Dismount(volume string) error {
	_, err := img.partition(volume)
	return err
}

func (img *Image) UpdateDiskProperties(index int) error {
	pt, err := img.readLayout()
	if err != nil {
		return err
	}
	img.mu.Lock()
	defer img.mu.Unlock()
	if pt.Type == disk.PT_RAW {
		img.table = nil
		return nil
	}
	// keep labels and filesystems, which the on-disk table may not carry
	if img.table == nil || len(img.table.Partitions) != len(pt.Partitions) {
		img.table = pt
	}
	return nil
}

func (img *Image) Rescan(ctx context.Context) error {
	return img.UpdateDiskProperties(img.Index)
}

func (img *Image) BroadcastArrival() error {
	return nil
}

func (img *Image) AssignDriveLetter(ctx context.Context, index, partition int) error {
	return nil
}

// AutoMountEnabled is always false, nothing mounts image files behind our
// back.
func (img *Image) AutoMountEnabled() (bool, error) {
	return false, nil
}

func (img *Image) SetAutoMount(enabled bool) error {
	return nil
}

//go:build windows

// Package winapi is the Windows implementation of the device-control
// surface. Physical devices are \\.\PhysicalDriveN, volumes are the
// \\?\Volume{GUID}\ names of the mount manager.
package winapi

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/windows"

	"github.com/osbuild/bootmedia/pkg/device"
	"github.com/osbuild/bootmedia/pkg/disk"
	"github.com/osbuild/bootmedia/pkg/winioctl"
)

// MaxDisks is the number of physical drive indices Devices tries.
const MaxDisks = 32

// DevicePath returns the path of physical drive index.
func DevicePath(index int) string {
	return fmt.Sprintf(`\\.\PhysicalDrive%d`, index)
}

// Platform talks to the local Windows system.
type Platform struct{}

func New() *Platform {
	return &Platform{}
}

func mapError(err error) error {
	switch {
	case errors.Is(err, windows.ERROR_SHARING_VIOLATION), errors.Is(err, windows.ERROR_LOCK_VIOLATION):
		return fmt.Errorf("%w: %v", device.ErrSharingViolation, err)
	case errors.Is(err, windows.ERROR_FILE_NOT_FOUND), errors.Is(err, windows.ERROR_PATH_NOT_FOUND):
		return fmt.Errorf("%w: %v", device.ErrNotFound, err)
	}
	return err
}

func openPath(path string, access, share uint32) (windows.Handle, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return windows.InvalidHandle, err
	}
	h, err := windows.CreateFile(p, access, share, nil, windows.OPEN_EXISTING, windows.FILE_ATTRIBUTE_NORMAL, 0)
	if err != nil {
		return windows.InvalidHandle, mapError(err)
	}
	return h, nil
}

// ioctl issues a device-control request. out may be nil.
func ioctl(h windows.Handle, code uint32, in, out []byte) (int, error) {
	var inPtr, outPtr *byte
	if len(in) > 0 {
		inPtr = &in[0]
	}
	if len(out) > 0 {
		outPtr = &out[0]
	}
	var returned uint32
	err := windows.DeviceIoControl(h, code, inPtr, uint32(len(in)), outPtr, uint32(len(out)), &returned, nil)
	return int(returned), err
}

func (p *Platform) Open(index int, write bool, share device.ShareMode) (device.Handle, error) {
	access := uint32(windows.GENERIC_READ)
	if write {
		access |= windows.GENERIC_WRITE
	}
	mode := uint32(windows.FILE_SHARE_READ)
	if share == device.ShareReadWrite {
		mode |= windows.FILE_SHARE_WRITE
	}

	path := DevicePath(index)
	h, err := openPath(path, access, mode)
	if err != nil {
		return nil, fmt.Errorf("cannot open %s: %w", path, err)
	}
	return &handle{index: index, h: h, f: os.NewFile(uintptr(h), path)}, nil
}

type handle struct {
	index int
	h     windows.Handle
	f     *os.File
}

func (h *handle) Index() int {
	return h.index
}

func (h *handle) ReadAt(b []byte, off int64) (int, error) {
	return h.f.ReadAt(b, off)
}

func (h *handle) WriteAt(b []byte, off int64) (int, error) {
	return h.f.WriteAt(b, off)
}

func (h *handle) Close() error {
	return h.f.Close()
}

func (h *handle) Lock() error {
	_, err := ioctl(h.h, winioctl.FSCTL_LOCK_VOLUME, nil, nil)
	return err
}

func (h *handle) Unlock() error {
	_, err := ioctl(h.h, winioctl.FSCTL_UNLOCK_VOLUME, nil, nil)
	return err
}

func (h *handle) Geometry() (device.Geometry, error) {
	return geometry(h.h)
}

func geometry(h windows.Handle) (device.Geometry, error) {
	buf := make([]byte, 256)
	n, err := ioctl(h, winioctl.IOCTL_DISK_GET_DRIVE_GEOMETRY_EX, nil, buf)
	if err != nil {
		return device.Geometry{}, err
	}
	return winioctl.DecodeGeometry(buf[:n])
}

func (h *handle) CreateDisk(pt *disk.PartitionTable) error {
	in, err := winioctl.CreateDisk(pt)
	if err != nil {
		return err
	}
	_, err = ioctl(h.h, winioctl.IOCTL_DISK_CREATE_DISK, in, nil)
	return err
}

func (h *handle) SetLayout(pt *disk.PartitionTable) error {
	in, err := winioctl.DriveLayout(pt)
	if err != nil {
		return err
	}
	_, err = ioctl(h.h, winioctl.IOCTL_DISK_SET_DRIVE_LAYOUT_EX, in, nil)
	return err
}

func (h *handle) GetLayout() (*disk.PartitionTable, error) {
	buf := make([]byte, winioctl.LayoutBufferSize)
	n, err := ioctl(h.h, winioctl.IOCTL_DISK_GET_DRIVE_LAYOUT_EX, nil, buf)
	if err != nil {
		return nil, err
	}
	return winioctl.DecodeDriveLayout(buf[:n])
}

func (h *handle) UpdateProperties() error {
	_, err := ioctl(h.h, winioctl.IOCTL_DISK_UPDATE_PROPERTIES, nil, nil)
	return err
}

// Devices tries to open each physical drive index.
func (p *Platform) Devices() ([]device.Ref, error) {
	var refs []device.Ref
	for idx := 0; idx < MaxDisks; idx++ {
		ref, err := p.Device(idx)
		if errors.Is(err, device.ErrNotFound) {
			continue
		}
		if err != nil {
			logrus.Debugf("skipping %s: %v", DevicePath(idx), err)
			continue
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func (p *Platform) Device(index int) (device.Ref, error) {
	path := DevicePath(index)
	// no access rights are needed to query a device
	h, err := openPath(path, 0, windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE)
	if err != nil {
		return device.Ref{}, fmt.Errorf("cannot open %s: %w", path, err)
	}
	defer windows.CloseHandle(h)

	geo, err := geometry(h)
	if err != nil {
		return device.Ref{}, fmt.Errorf("cannot read geometry of %s: %w", path, err)
	}
	ref := device.Ref{
		Index:      index,
		Path:       path,
		Capacity:   geo.DiskSize,
		SectorSize: geo.BytesPerSector,
	}

	buf := make([]byte, winioctl.DeviceDescriptorBufferSize)
	if n, err := ioctl(h, winioctl.IOCTL_STORAGE_QUERY_PROPERTY, winioctl.DeviceDescriptorQuery(), buf); err == nil {
		if desc, err := winioctl.DecodeDeviceDescriptor(buf[:n]); err == nil {
			ref.Model = desc.Model()
			ref.Removable = desc.Removable || desc.BusType == winioctl.BusTypeUSB
		}
	}
	if _, err := ioctl(h, winioctl.IOCTL_DISK_IS_WRITABLE, nil, nil); errors.Is(err, windows.ERROR_WRITE_PROTECT) {
		ref.ReadOnly = true
	}

	mps, err := device.MountPointsOnDisk(p, index)
	if err != nil {
		logrus.Debugf("cannot list mount points of %s: %v", path, err)
	}
	ref.MountPoints = mps
	return ref, nil
}

// utf16Buf returns a buffer for a Windows API string result.
func utf16Buf(n int) ([]uint16, *uint16) {
	b := make([]uint16, n)
	return b, &b[0]
}

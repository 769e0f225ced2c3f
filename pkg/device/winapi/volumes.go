//go:build windows

package winapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/osbuild/bootmedia/pkg/device"
	"github.com/osbuild/bootmedia/pkg/exttool"
	"github.com/osbuild/bootmedia/pkg/winioctl"
)

const (
	maxPath = windows.MAX_PATH + 1
	// volume names are \\?\Volume{GUID}\, 49 characters plus NUL
	volumeNameLen = 50
)

func (p *Platform) Volumes() ([]string, error) {
	buf, ptr := utf16Buf(volumeNameLen)
	find, err := windows.FindFirstVolume(ptr, uint32(len(buf)))
	if err != nil {
		return nil, fmt.Errorf("cannot enumerate volumes: %w", err)
	}
	defer windows.FindVolumeClose(find)

	var vols []string
	for {
		vols = append(vols, windows.UTF16ToString(buf))
		err := windows.FindNextVolume(find, ptr, uint32(len(buf)))
		if errors.Is(err, windows.ERROR_NO_MORE_FILES) {
			return vols, nil
		}
		if err != nil {
			return vols, fmt.Errorf("cannot enumerate volumes: %w", err)
		}
	}
}

// openVolume opens a volume name without its trailing backslash, which
// would open the root directory instead.
func openVolume(name string, access uint32) (windows.Handle, error) {
	return openPath(strings.TrimSuffix(name, `\`), access, windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE)
}

func (p *Platform) Extents(volume string) ([]device.Extent, error) {
	h, err := openVolume(volume, 0)
	if err != nil {
		return nil, err
	}
	defer windows.CloseHandle(h)

	for n := 1; n <= 64; n *= 4 {
		buf := make([]byte, winioctl.DiskExtentsBufferSize(n))
		got, err := ioctl(h, winioctl.IOCTL_VOLUME_GET_VOLUME_DISK_EXTENTS, nil, buf)
		if errors.Is(err, windows.ERROR_MORE_DATA) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return winioctl.DecodeDiskExtents(buf[:got])
	}
	return nil, fmt.Errorf("volume %s spans too many disks", volume)
}

func (p *Platform) MountPoints(volume string) ([]string, error) {
	name, err := windows.UTF16PtrFromString(volume)
	if err != nil {
		return nil, err
	}
	size := uint32(maxPath)
	for {
		buf, ptr := utf16Buf(int(size))
		err := windows.GetVolumePathNamesForVolumeName(name, ptr, size, &size)
		if errors.Is(err, windows.ERROR_MORE_DATA) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return multiSZ(buf), nil
	}
}

// multiSZ splits a list of NUL terminated strings ending in an empty one.
func multiSZ(buf []uint16) []string {
	var res []string
	for len(buf) > 0 && buf[0] != 0 {
		s := windows.UTF16ToString(buf)
		res = append(res, s)
		buf = buf[len(s)+1:]
	}
	return res
}

func (p *Platform) IsReady(mountPath string) bool {
	root, err := windows.UTF16PtrFromString(mountPath)
	if err != nil {
		return false
	}
	fsName, fsPtr := utf16Buf(maxPath)
	err = windows.GetVolumeInformation(root, nil, 0, nil, nil, nil, fsPtr, uint32(len(fsName)))
	return err == nil
}

func (p *Platform) VolumeForPath(path string) (string, error) {
	mp, err := volumePathName(path)
	if err != nil {
		return "", err
	}
	return volumeNameForMountPoint(mp)
}

func volumePathName(path string) (string, error) {
	name, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return "", err
	}
	buf, ptr := utf16Buf(maxPath)
	if err := windows.GetVolumePathName(name, ptr, uint32(len(buf))); err != nil {
		return "", fmt.Errorf("cannot get volume path of %s: %w", path, mapError(err))
	}
	return windows.UTF16ToString(buf), nil
}

func volumeNameForMountPoint(mp string) (string, error) {
	name, err := windows.UTF16PtrFromString(mp)
	if err != nil {
		return "", err
	}
	buf, ptr := utf16Buf(volumeNameLen)
	if err := windows.GetVolumeNameForVolumeMountPoint(name, ptr, uint32(len(buf))); err != nil {
		return "", fmt.Errorf("cannot get volume name of %s: %w", mp, mapError(err))
	}
	return windows.UTF16ToString(buf), nil
}

// SystemVolume returns the volume holding the Windows directory.
func (p *Platform) SystemVolume() (string, error) {
	dir, err := windows.GetWindowsDirectory()
	if err != nil {
		return "", err
	}
	return p.VolumeForPath(dir)
}

func (p *Platform) Dismount(volume string) error {
	h, err := openVolume(volume, windows.GENERIC_READ|windows.GENERIC_WRITE)
	if err != nil {
		return err
	}
	defer windows.CloseHandle(h)

	// the lock is best effort, dismounting works without it
	_, _ = ioctl(h, winioctl.FSCTL_LOCK_VOLUME, nil, nil)
	if _, err := ioctl(h, winioctl.FSCTL_DISMOUNT_VOLUME, nil, nil); err != nil {
		return fmt.Errorf("cannot dismount %s: %w", volume, err)
	}
	return nil
}

func (p *Platform) UpdateDiskProperties(index int) error {
	h, err := openPath(DevicePath(index), windows.GENERIC_READ, windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE)
	if err != nil {
		return err
	}
	defer windows.CloseHandle(h)
	_, err = ioctl(h, winioctl.IOCTL_DISK_UPDATE_PROPERTIES, nil, nil)
	return err
}

func (p *Platform) Rescan(ctx context.Context) error {
	_, err := exttool.RunDiskpart(ctx, exttool.RescanScript())
	return err
}

func (p *Platform) AssignDriveLetter(ctx context.Context, index, partition int) error {
	_, err := exttool.RunDiskpart(ctx, exttool.AssignScript(index, partition))
	return err
}

const (
	hwndBroadcast      = 0xffff
	wmDeviceChange     = 0x0219
	dbtDevNodesChanged = 0x0007
	smtoAbortIfHung    = 0x0002
	broadcastTimeoutMs = 1000
)

var (
	user32                  = windows.NewLazySystemDLL("user32.dll")
	procSendMessageTimeoutW = user32.NewProc("SendMessageTimeoutW")
)

// BroadcastArrival tells top level windows, Explorer in particular, that
// the device tree changed.
func (p *Platform) BroadcastArrival() error {
	if err := procSendMessageTimeoutW.Find(); err != nil {
		return err
	}
	var result uintptr
	r, _, err := procSendMessageTimeoutW.Call(
		hwndBroadcast,
		wmDeviceChange,
		dbtDevNodesChanged,
		0,
		smtoAbortIfHung,
		broadcastTimeoutMs,
		uintptr(unsafe.Pointer(&result)),
	)
	if r == 0 {
		return fmt.Errorf("device change broadcast failed: %w", err)
	}
	return nil
}

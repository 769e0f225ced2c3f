// Package fakedevice simulates a platform with physical devices and
// asynchronously appearing volumes. Devices are backed by sparse files so
// that large capacities cost nothing.
package fakedevice

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/osbuild/bootmedia/pkg/device"
	"github.com/osbuild/bootmedia/pkg/disk"
	"github.com/osbuild/bootmedia/pkg/format"
	"github.com/osbuild/bootmedia/pkg/volume"
)

// Counters tracks the calls issued against the platform.
type Counters struct {
	Opens           int
	DeviceControls  int
	Writes          int
	Dismounts       int
	Rescans         int
	Broadcasts      int
	UpdateProps     int
	Assigns         int
	AutoMountWrites int
	FSOpens         int
}

// FormatCall records a single Format invocation.
type FormatCall struct {
	Target format.Target
	Opts   format.Options
}

type fakeDisk struct {
	ref    device.Ref
	file   *os.File
	table  *disk.PartitionTable
	locked bool
}

type fakeVolume struct {
	name       string
	extent     device.Extent
	partition  int
	mountPoint string
	// visible from this Volumes() call on
	appearAt int
	// IsReady returns false this many times
	notReady int
	// surfaced while auto-mount was off, no drive letter until a rescan
	// with auto-mount on or an explicit assignment
	unlettered bool
}

func (v *fakeVolume) mounted() bool {
	return v.mountPoint != "" && !v.unlettered
}

// Platform is a simulated system.
type Platform struct {
	mu sync.Mutex

	dir     string
	disks   map[int]*fakeDisk
	volumes []*fakeVolume
	fs      map[string]afero.Fs
	polls   int
	letter  byte

	autoMount bool

	// SystemVolumeName is returned by SystemVolume.
	SystemVolumeName string
	// SystemVolumeErr makes SystemVolume fail.
	SystemVolumeErr error
	// PathVolumes maps path prefixes to the volume they live on.
	PathVolumes map[string]string

	// SharingViolations is the number of Open calls that fail with
	// device.ErrSharingViolation before opening succeeds.
	SharingViolations int
	LockErr           error
	CleanErr          error
	InitErr           error
	LayoutErr         error
	UpdateErr         error
	AutoMountErr      error

	// VolumeDelay is the number of Volumes() polls after a layout write
	// before the new volumes become visible. A negative value hides them
	// until a drive letter is assigned.
	VolumeDelay int
	// NotReadyChecks is the number of failing IsReady calls per volume.
	NotReadyChecks int
	// OnDisk makes volumes live in directories below this path instead
	// of memory.
	OnDisk bool

	Counters Counters
	Formats  []FormatCall
	Shares   []device.ShareMode
}

// New creates an empty platform whose device backing files live in dir.
func New(dir string) *Platform {
	return &Platform{
		dir:         dir,
		disks:       make(map[int]*fakeDisk),
		fs:          make(map[string]afero.Fs),
		letter:      'E',
		autoMount:   true,
		PathVolumes: make(map[string]string),
	}
}

// AddDisk adds a physical device backed by a sparse file.
func (p *Platform) AddDisk(ref device.Ref) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ref.SectorSize == 0 {
		ref.SectorSize = disk.DefaultSectorSize
	}
	f, err := os.Create(filepath.Join(p.dir, fmt.Sprintf("disk%d.img", ref.Index)))
	if err != nil {
		return err
	}
	if err := f.Truncate(int64(ref.Capacity)); err != nil {
		f.Close()
		return err
	}
	p.disks[ref.Index] = &fakeDisk{ref: ref, file: f}
	return nil
}

// AddVolume adds an already mounted volume.
func (p *Platform) AddVolume(name string, ext device.Extent, mountPoint string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volumes = append(p.volumes, &fakeVolume{name: name, extent: ext, mountPoint: mountPoint})
}

// Close releases the backing files.
func (p *Platform) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, d := range p.disks {
		d.file.Close()
	}
	return nil
}

// Layout returns the partition table last written to a disk.
func (p *Platform) Layout(index int) *disk.PartitionTable {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d, ok := p.disks[index]; ok {
		return d.table
	}
	return nil
}

// Locked reports whether the disk is currently locked.
func (p *Platform) Locked(index int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disks[index].locked
}

// ReadDisk reads raw bytes of a device.
func (p *Platform) ReadDisk(index int, off int64, n int) ([]byte, error) {
	p.mu.Lock()
	d := p.disks[index]
	p.mu.Unlock()
	buf := make([]byte, n)
	_, err := d.file.ReadAt(buf, off)
	return buf, err
}

// VolumeFS returns the files of the volume mounted at mountPath.
func (p *Platform) VolumeFS(mountPath string) afero.Fs {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fs[mountPath]
}

// MountPointAt returns the mount point of the volume at the given offset.
func (p *Platform) MountPointAt(index int, offset uint64) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, v := range p.volumes {
		if v.extent.DiskIndex == index && v.extent.StartingOffset == offset {
			return v.mountPoint
		}
	}
	return ""
}

func (p *Platform) Devices() ([]device.Ref, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var refs []device.Ref
	for idx := 0; idx < 64; idx++ {
		if d, ok := p.disks[idx]; ok {
			refs = append(refs, p.refLocked(d))
		}
	}
	return refs, nil
}

func (p *Platform) Device(index int) (device.Ref, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.disks[index]
	if !ok {
		return device.Ref{}, fmt.Errorf("disk %d: %w", index, device.ErrNotFound)
	}
	return p.refLocked(d), nil
}

func (p *Platform) refLocked(d *fakeDisk) device.Ref {
	ref := d.ref
	ref.MountPoints = nil
	for _, v := range p.volumes {
		if v.extent.DiskIndex == ref.Index && v.mounted() && v.appearAt <= p.polls {
			ref.MountPoints = append(ref.MountPoints, v.mountPoint)
		}
	}
	return ref
}

func (p *Platform) Open(index int, write bool, share device.ShareMode) (device.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Counters.Opens++
	p.Shares = append(p.Shares, share)
	d, ok := p.disks[index]
	if !ok {
		return nil, fmt.Errorf("disk %d: %w", index, device.ErrNotFound)
	}
	if p.SharingViolations > 0 {
		p.SharingViolations--
		return nil, fmt.Errorf("open disk %d: %w", index, device.ErrSharingViolation)
	}
	return &handle{p: p, d: d, write: write}, nil
}

func (p *Platform) Volumes() ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.polls++
	var names []string
	for _, v := range p.volumes {
		if v.appearAt >= 0 && v.appearAt <= p.polls {
			names = append(names, v.name)
		}
	}
	return names, nil
}

func (p *Platform) findVolumeLocked(name string) (*fakeVolume, error) {
	for _, v := range p.volumes {
		if v.name == name {
			return v, nil
		}
	}
	return nil, fmt.Errorf("volume %s: %w", name, device.ErrNotFound)
}

func (p *Platform) Extents(name string) ([]device.Extent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, err := p.findVolumeLocked(name)
	if err != nil {
		return nil, err
	}
	return []device.Extent{v.extent}, nil
}

func (p *Platform) MountPoints(name string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, err := p.findVolumeLocked(name)
	if err != nil {
		return nil, err
	}
	if !v.mounted() {
		return nil, nil
	}
	return []string{v.mountPoint}, nil
}

func (p *Platform) IsReady(mountPath string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, v := range p.volumes {
		if v.mountPoint == mountPath && v.mounted() {
			if v.notReady > 0 {
				v.notReady--
				return false
			}
			return true
		}
	}
	return false
}

func (p *Platform) VolumeForPath(path string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for prefix, vol := range p.PathVolumes {
		if strings.HasPrefix(path, prefix) {
			return vol, nil
		}
	}
	return "", fmt.Errorf("no volume for %s: %w", path, device.ErrNotFound)
}

func (p *Platform) SystemVolume() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.SystemVolumeErr != nil {
		return "", p.SystemVolumeErr
	}
	return p.SystemVolumeName, nil
}

func (p *Platform) Dismount(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Counters.DeviceControls++
	p.Counters.Dismounts++
	_, err := p.findVolumeLocked(name)
	return err
}

func (p *Platform) UpdateDiskProperties(index int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Counters.DeviceControls++
	p.Counters.UpdateProps++
	return p.UpdateErr
}

// Rescan gives drive letters to volumes that arrived while auto-mount was
// off, provided it is on again.
func (p *Platform) Rescan(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Counters.Rescans++
	if p.autoMount {
		for _, v := range p.volumes {
			v.unlettered = false
		}
	}
	return nil
}

func (p *Platform) BroadcastArrival() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Counters.Broadcasts++
	return nil
}

// AssignDriveLetter makes hidden volumes of the partition visible and
// letters them.
func (p *Platform) AssignDriveLetter(ctx context.Context, index, partition int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Counters.Assigns++
	for _, v := range p.volumes {
		if v.extent.DiskIndex != index || v.partition != partition {
			continue
		}
		if v.appearAt < 0 {
			v.appearAt = p.polls
		}
		v.unlettered = false
	}
	return nil
}

func (p *Platform) AutoMountEnabled() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.autoMount, nil
}

func (p *Platform) SetAutoMount(enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Counters.AutoMountWrites++
	if p.AutoMountErr != nil {
		return p.AutoMountErr
	}
	p.autoMount = enabled
	return nil
}

func (p *Platform) RequiresVolume(fs disk.FSType) bool {
	return true
}

// Format records the call and empties the volume.
func (p *Platform) Format(ctx context.Context, target format.Target, opts format.Options) error {
	if err := opts.Validate(); err != nil {
		return fmt.Errorf("%w: %v", format.ErrFormatFailed, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.Formats = append(p.Formats, FormatCall{Target: target, Opts: opts})
	if _, ok := p.fs[target.MountPath]; !ok {
		return fmt.Errorf("%w: no volume at %s", format.ErrFormatFailed, target.MountPath)
	}
	fs, err := p.newFSLocked(target.MountPath)
	if err != nil {
		return fmt.Errorf("%w: %v", format.ErrFormatFailed, err)
	}
	p.fs[target.MountPath] = fs
	return nil
}

func (p *Platform) newFSLocked(mountPoint string) (afero.Fs, error) {
	if !p.OnDisk {
		return afero.NewMemMapFs(), nil
	}
	dir := filepath.Join(p.dir, "volumes", strings.Trim(mountPoint, `:\/`))
	if err := os.RemoveAll(dir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return afero.NewBasePathFs(afero.NewOsFs(), dir), nil
}

func (p *Platform) OpenFS(mountPath string) (volume.FS, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Counters.FSOpens++
	fs, ok := p.fs[mountPath]
	if !ok {
		return nil, fmt.Errorf("no volume mounted at %s", mountPath)
	}
	return volume.NewAferoFS(fs), nil
}

// dropVolumesLocked removes all volumes of a disk, as a new partition
// table invalidates them.
func (p *Platform) dropVolumesLocked(index int) {
	var keep []*fakeVolume
	for _, v := range p.volumes {
		if v.extent.DiskIndex == index {
			delete(p.fs, v.mountPoint)
			continue
		}
		keep = append(keep, v)
	}
	p.volumes = keep
}

// surfaceVolumesLocked schedules the volumes of a freshly written table.
func (p *Platform) surfaceVolumesLocked(index int, pt *disk.PartitionTable) error {
	for _, part := range pt.UserPartitions() {
		appear := p.polls + p.VolumeDelay
		if p.VolumeDelay < 0 {
			appear = -1
		}
		mp := fmt.Sprintf(`%c:\`, p.letter)
		p.letter++
		p.volumes = append(p.volumes, &fakeVolume{
			name: fmt.Sprintf(`\\?\Volume{fake-%d-%d}\`, index, part.Number),
			extent: device.Extent{
				DiskIndex:      index,
				StartingOffset: part.Start,
				Length:         part.Size,
			},
			partition:  part.Number,
			mountPoint: mp,
			appearAt:   appear,
			notReady:   p.NotReadyChecks,
			unlettered: !p.autoMount,
		})
		fs, err := p.newFSLocked(mp)
		if err != nil {
			return err
		}
		p.fs[mp] = fs
	}
	return nil
}

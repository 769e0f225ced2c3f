package deploy_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osbuild/bootmedia/internal/fakedevice"
	"github.com/osbuild/bootmedia/internal/test"
	"github.com/osbuild/bootmedia/internal/testclock"
	"github.com/osbuild/bootmedia/pkg/datasizes"
	"github.com/osbuild/bootmedia/pkg/deploy"
	"github.com/osbuild/bootmedia/pkg/device"
	"github.com/osbuild/bootmedia/pkg/disk"
	"github.com/osbuild/bootmedia/pkg/drivelock"
	"github.com/osbuild/bootmedia/pkg/mountwait"
	"github.com/osbuild/bootmedia/pkg/progress"
	"github.com/osbuild/bootmedia/pkg/rawwrite"
	"github.com/osbuild/bootmedia/pkg/safety"
	"github.com/osbuild/bootmedia/pkg/source"
)

const (
	systemVolume = `\\?\Volume{system}\`
	usbDisk      = 1
	usbCapacity  = 8 * datasizes.GiB
)

// newPlatform simulates a machine with the system disk 0 and an 8 GiB USB
// stick as disk 1. Sources below /src live on the system volume.
func newPlatform(t *testing.T) (*fakedevice.Platform, *deploy.Orchestrator) {
	t.Helper()
	p := fakedevice.New(t.TempDir())
	t.Cleanup(func() { p.Close() })

	require.NoError(t, p.AddDisk(device.Ref{Index: 0, Model: "system disk", Capacity: 256 * datasizes.GiB}))
	require.NoError(t, p.AddDisk(device.Ref{Index: usbDisk, Model: "USB stick", Capacity: usbCapacity, Removable: true}))
	p.AddVolume(systemVolume, device.Extent{DiskIndex: 0, StartingOffset: datasizes.MiB, Length: 200 * datasizes.GiB}, `C:\`)
	p.SystemVolumeName = systemVolume
	p.PathVolumes["/src"] = systemVolume

	o := deploy.New(deploy.Platform{
		Devices:   p,
		Opener:    p,
		Volumes:   p,
		AutoMount: p,
		Formatter: p,
		Mounts:    p,
	})
	o.Clock = testclock.New()
	o.Rand = bytes.NewReader(make([]byte, 4096))
	return p, o
}

// memSource replaces the source filesystem with an in-memory one.
func memSource(t *testing.T, files map[string][]byte) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	for name, data := range files {
		require.NoError(t, fs.MkdirAll(filepath.Dir(name), 0755))
		require.NoError(t, afero.WriteFile(fs, name, data, 0644))
	}
	test.MockGlobal(t, &source.FS, fs)
	return fs
}

type recorder struct {
	mu    sync.Mutex
	stats []progress.Statistics
}

func (r *recorder) report(st progress.Statistics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = append(r.stats, st)
}

func (r *recorder) last() progress.Statistics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats[len(r.stats)-1]
}

func (r *recorder) monotonic() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for idx := 1; idx < len(r.stats); idx++ {
		if r.stats[idx].Percent < r.stats[idx-1].Percent {
			return false
		}
	}
	return true
}

func readFile(t *testing.T, fs afero.Fs, name string) []byte {
	t.Helper()
	data, err := afero.ReadFile(fs, name)
	require.NoError(t, err)
	return data
}

func TestSingleVolumeGPTCopy(t *testing.T) {
	if testing.Short() {
		t.Skip("copies 700 MiB")
	}
	p, o := newPlatform(t)
	p.OnDisk = true

	src := filepath.Join(t.TempDir(), "win11")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "efi", "boot"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sources"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "bootmgr"), []byte("bootmgr"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "efi", "boot", "bootx64.efi"), []byte("efi loader"), 0644))
	wim, err := os.Create(filepath.Join(src, "sources", "install.wim"))
	require.NoError(t, err)
	require.NoError(t, wim.Truncate(700*datasizes.MiB))
	require.NoError(t, wim.Close())
	p.PathVolumes[src] = systemVolume

	rec := &recorder{}
	res := o.Run(context.Background(), deploy.Job{
		SourceImagePath: src,
		TargetDevice:    usbDisk,
		Single:          deploy.SingleVolume{Scheme: disk.PT_GPT, FSType: disk.FS_FAT32, Label: "WIN11"},
		Strategy:        deploy.FileSystemCopy,
		Options:         deploy.Options{QuickFormat: true},
	}, rec.report)
	require.NoError(t, res.Err)
	assert.True(t, res.Success)

	pt := p.Layout(usbDisk)
	require.NotNil(t, pt)
	assert.Equal(t, disk.PT_GPT, pt.Type)
	require.Len(t, pt.Partitions, 2)
	assert.True(t, pt.Partitions[0].IsReserved())
	assert.Equal(t, uint64(datasizes.MiB), pt.Partitions[0].Start)
	assert.Equal(t, uint64(16*datasizes.MiB), pt.Partitions[0].Size)
	assert.Equal(t, uint64(17*datasizes.MiB), pt.Partitions[1].Start)
	assert.Equal(t, uint64(usbCapacity-17*datasizes.MiB-disk.TrailingGuard), pt.Partitions[1].Size)

	require.Len(t, p.Formats, 1)
	assert.Equal(t, disk.FS_FAT32, p.Formats[0].Opts.FSType)
	assert.True(t, p.Formats[0].Opts.Quick)

	mp := p.MountPointAt(usbDisk, disk.DataPartitionOffset)
	require.NotEmpty(t, mp)
	fs := p.VolumeFS(mp)
	assert.Equal(t, "bootmgr", string(readFile(t, fs, "/bootmgr")))
	assert.Equal(t, "efi loader", string(readFile(t, fs, "/efi/boot/bootx64.efi")))
	fi, err := fs.Stat("/sources/install.wim")
	require.NoError(t, err)
	assert.Equal(t, int64(700*datasizes.MiB), fi.Size())

	assert.Equal(t, float64(100), rec.last().Percent)
	assert.True(t, rec.monotonic())
	assert.False(t, p.Locked(usbDisk))
	enabled, err := p.AutoMountEnabled()
	require.NoError(t, err)
	assert.True(t, enabled)
}

func TestCustomLayoutWithPersistencePartition(t *testing.T) {
	p, o := newPlatform(t)
	memSource(t, map[string][]byte{
		"/src/live/casper/vmlinuz": []byte("kernel"),
		"/src/live/boot/grub.cfg":  []byte("menuentry"),
	})

	res := o.Run(context.Background(), deploy.Job{
		SourceImagePath: "/src/live",
		TargetDevice:    usbDisk,
		Layout: &disk.Layout{
			Type: disk.PT_GPT,
			Partitions: []disk.PartitionSpec{
				{Label: "persist", FSType: disk.FS_EXT4, Size: 512 * datasizes.MiB},
				{Label: "boot", FSType: disk.FS_FAT32},
			},
		},
		Strategy: deploy.FileSystemCopy,
	}, nil)
	require.NoError(t, res.Err)

	pt := p.Layout(usbDisk)
	require.Len(t, pt.Partitions, 3)
	user := pt.UserPartitions()
	require.Len(t, user, 2)
	assert.Equal(t, uint64(512*datasizes.MiB), user[0].Size)
	assert.Equal(t, disk.LinuxFilesystemGUID, user[0].Type)
	assert.Equal(t, disk.BasicDataGUID, user[1].Type)

	require.Len(t, p.Formats, 2)
	assert.Equal(t, disk.FS_EXT4, p.Formats[0].Opts.FSType)
	assert.Equal(t, "persist", p.Formats[0].Opts.Label)
	assert.Equal(t, disk.FS_FAT32, p.Formats[1].Opts.FSType)

	persist := p.MountPointAt(usbDisk, user[0].Start)
	boot := p.MountPointAt(usbDisk, user[1].Start)
	require.NotEmpty(t, persist)
	require.NotEmpty(t, boot)
	assert.NotEqual(t, persist, boot)
	assert.Equal(t, persist, p.Formats[0].Target.MountPath)
	assert.Equal(t, boot, p.Formats[1].Target.MountPath)

	assert.Equal(t, "kernel", string(readFile(t, p.VolumeFS(boot), "/casper/vmlinuz")))
	assert.Equal(t, "menuentry", string(readFile(t, p.VolumeFS(boot), "/boot/grub.cfg")))
	exists, err := afero.Exists(p.VolumeFS(persist), "/casper/vmlinuz")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSystemDriveRejectedBeforeDeviceAccess(t *testing.T) {
	p, o := newPlatform(t)
	memSource(t, map[string][]byte{"/src/iso/bootmgr": []byte("x")})

	res := o.Run(context.Background(), deploy.Job{
		SourceImagePath: "/src/iso",
		TargetDevice:    0,
		Strategy:        deploy.FileSystemCopy,
	}, nil)
	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, safety.ErrUnsafeTarget)
	assert.False(t, res.Success)
	assert.False(t, res.Retryable)
	assert.Contains(t, res.Message, "do not retry")

	assert.Equal(t, 0, p.Counters.Opens)
	assert.Equal(t, 0, p.Counters.DeviceControls)
	assert.Equal(t, 0, p.Counters.Writes)
	assert.Equal(t, 0, p.Counters.AutoMountWrites)
}

func TestRawSectorWrite(t *testing.T) {
	p, o := newPlatform(t)
	size := 10*datasizes.MiB + 37
	data := make([]byte, size)
	rand.New(rand.NewSource(42)).Read(data)
	memSource(t, map[string][]byte{"/src/disk.img": data})

	rec := &recorder{}
	res := o.Run(context.Background(), deploy.Job{
		SourceImagePath: "/src/disk.img",
		TargetDevice:    usbDisk,
		Strategy:        deploy.RawSectorWrite,
	}, rec.report)
	require.NoError(t, res.Err)

	// 4 MiB, 4 MiB and the padded rest
	assert.Equal(t, 3, p.Counters.Writes)
	padded := 10*datasizes.MiB + 512
	got, err := p.ReadDisk(usbDisk, 0, padded+512)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got[:size]))
	assert.Equal(t, make([]byte, padded+512-size), got[size:])
	assert.Nil(t, p.Layout(usbDisk))
	assert.Empty(t, p.Formats)
	assert.Equal(t, float64(100), rec.last().Percent)
	// auto-mount stays off for the whole write
	assert.Equal(t, 2, p.Counters.AutoMountWrites)
}

func TestSplitOversizedFiles(t *testing.T) {
	test.MockGlobal(t, &deploy.MaxFileSize, func(fs disk.FSType) uint64 {
		return 3 * datasizes.MiB
	})
	data := make([]byte, 7*datasizes.MiB+10)
	rand.New(rand.NewSource(7)).Read(data)

	t.Run("split", func(t *testing.T) {
		p, o := newPlatform(t)
		memSource(t, map[string][]byte{"/src/iso/sources/install.wim": data})
		res := o.Run(context.Background(), deploy.Job{
			SourceImagePath: "/src/iso",
			TargetDevice:    usbDisk,
			Options:         deploy.Options{SplitPatterns: []string{"*.wim"}},
		}, nil)
		require.NoError(t, res.Err)

		fs := p.VolumeFS(p.MountPointAt(usbDisk, disk.DataPartitionOffset))
		var joined []byte
		for idx, want := range []int{3 * datasizes.MiB, 3 * datasizes.MiB, datasizes.MiB + 10} {
			part := readFile(t, fs, "/sources/install.wim.part0"+string(rune('1'+idx)))
			assert.Len(t, part, want)
			joined = append(joined, part...)
		}
		assert.True(t, bytes.Equal(data, joined))
		exists, err := afero.Exists(fs, "/sources/install.wim")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("too-large", func(t *testing.T) {
		_, o := newPlatform(t)
		memSource(t, map[string][]byte{"/src/iso/sources/install.wim": data})
		res := o.Run(context.Background(), deploy.Job{
			SourceImagePath: "/src/iso",
			TargetDevice:    usbDisk,
			Options:         deploy.Options{SplitPatterns: []string{"*.esd"}},
		}, nil)
		assert.ErrorIs(t, res.Err, deploy.ErrFileTooLarge)
		assert.False(t, res.Retryable)
	})
}

func TestExclude(t *testing.T) {
	p, o := newPlatform(t)
	memSource(t, map[string][]byte{
		"/src/iso/setup.exe":       []byte("setup"),
		"/src/iso/setup.log":       []byte("log"),
		"/src/iso/debug/trace.bin": []byte("trace"),
	})
	res := o.Run(context.Background(), deploy.Job{
		SourceImagePath: "/src/iso",
		TargetDevice:    usbDisk,
		Options:         deploy.Options{Exclude: []string{"*.log", "debug"}},
	}, nil)
	require.NoError(t, res.Err)

	fs := p.VolumeFS(p.MountPointAt(usbDisk, disk.DataPartitionOffset))
	for name, want := range map[string]bool{
		"/setup.exe":       true,
		"/setup.log":       false,
		"/debug/trace.bin": false,
		"/debug":           false,
	} {
		exists, err := afero.Exists(fs, name)
		require.NoError(t, err)
		assert.Equal(t, want, exists, name)
	}
}

func TestPersistenceAndBypass(t *testing.T) {
	p, o := newPlatform(t)
	memSource(t, map[string][]byte{"/src/iso/setup.exe": []byte("setup")})
	res := o.Run(context.Background(), deploy.Job{
		SourceImagePath: "/src/iso",
		TargetDevice:    usbDisk,
		Single:          deploy.SingleVolume{Scheme: disk.PT_MBR, FSType: disk.FS_FAT32, Label: "LIVE"},
		Options: deploy.Options{
			PersistenceSize: 4 * datasizes.MiB,
			Win11Bypass:     true,
		},
	}, nil)
	require.NoError(t, res.Err)

	fs := p.VolumeFS(p.MountPointAt(usbDisk, disk.FirstPartitionOffset))
	fi, err := fs.Stat("/" + deploy.PersistenceFile)
	require.NoError(t, err)
	assert.Equal(t, int64(4*datasizes.MiB), fi.Size())
	answer := string(readFile(t, fs, "/"+deploy.AnswerFile))
	assert.Contains(t, answer, "BypassTPMCheck")
	assert.Contains(t, answer, "BypassSecureBootCheck")
	assert.Contains(t, answer, "BypassRAMCheck")
}

// autoMountWatch counts the volume waits issued while auto-mount is off.
type autoMountWatch struct {
	*fakedevice.Platform
	waitsWhileDisabled int
}

func (w *autoMountWatch) note() {
	if enabled, _ := w.AutoMountEnabled(); !enabled {
		w.waitsWhileDisabled++
	}
}

func (w *autoMountWatch) Rescan(ctx context.Context) error {
	w.note()
	return w.Platform.Rescan(ctx)
}

func (w *autoMountWatch) IsReady(mountPath string) bool {
	w.note()
	return w.Platform.IsReady(mountPath)
}

func TestVolumesAwaitedAfterAutoMountRestored(t *testing.T) {
	p, o := newPlatform(t)
	watch := &autoMountWatch{Platform: p}
	o.Platform.Volumes = watch
	memSource(t, map[string][]byte{"/src/iso/setup.exe": []byte("setup")})

	res := o.Run(context.Background(), deploy.Job{SourceImagePath: "/src/iso", TargetDevice: usbDisk}, nil)
	require.NoError(t, res.Err)

	assert.Equal(t, 0, watch.waitsWhileDisabled)
	// the volume got its letter from the OS, not from a forced assignment
	assert.Equal(t, 0, p.Counters.Assigns)
	assert.Equal(t, 2, p.Counters.AutoMountWrites)
	assert.False(t, p.Locked(usbDisk))

	mp := p.MountPointAt(usbDisk, disk.DataPartitionOffset)
	require.NotEmpty(t, mp)
	assert.Equal(t, "setup", string(readFile(t, p.VolumeFS(mp), "/setup.exe")))
}

func TestSourceTooLargeLeavesDeviceUntouched(t *testing.T) {
	p, o := newPlatform(t)
	memSource(t, map[string][]byte{"/src/iso/setup.exe": []byte("setup")})

	res := o.Run(context.Background(), deploy.Job{
		SourceImagePath: "/src/iso",
		TargetDevice:    usbDisk,
		Options:         deploy.Options{PersistenceSize: usbCapacity},
	}, nil)
	assert.ErrorIs(t, res.Err, rawwrite.ErrSourceTooLarge)
	assert.False(t, res.Success)
	assert.False(t, res.Retryable)

	assert.Equal(t, 0, p.Counters.Opens)
	assert.Equal(t, 0, p.Counters.DeviceControls)
	assert.Equal(t, 0, p.Counters.Writes)
	assert.Equal(t, 0, p.Counters.AutoMountWrites)
	assert.Nil(t, p.Layout(usbDisk))
}

func TestVerifyReopensVolume(t *testing.T) {
	for _, tc := range []struct {
		skip  bool
		opens int
	}{
		{false, 2},
		{true, 1},
	} {
		t.Run(fmt.Sprintf("skip=%v", tc.skip), func(t *testing.T) {
			p, o := newPlatform(t)
			memSource(t, map[string][]byte{"/src/iso/setup.exe": []byte("setup")})
			res := o.Run(context.Background(), deploy.Job{
				SourceImagePath: "/src/iso",
				TargetDevice:    usbDisk,
				Options:         deploy.Options{SkipVerify: tc.skip},
			}, nil)
			require.NoError(t, res.Err)
			assert.Equal(t, tc.opens, p.Counters.FSOpens)
		})
	}
}

func TestExistingVolumesDismounted(t *testing.T) {
	p, o := newPlatform(t)
	p.AddVolume(`\\?\Volume{old}\`, device.Extent{DiskIndex: usbDisk, StartingOffset: datasizes.MiB, Length: datasizes.GiB}, `Z:\`)
	memSource(t, map[string][]byte{"/src/iso/setup.exe": []byte("setup")})

	res := o.Run(context.Background(), deploy.Job{SourceImagePath: "/src/iso", TargetDevice: usbDisk}, nil)
	require.NoError(t, res.Err)
	assert.Equal(t, 1, p.Counters.Dismounts)
}

func TestDeviceBusy(t *testing.T) {
	p, o := newPlatform(t)
	p.SharingViolations = 100
	memSource(t, map[string][]byte{"/src/iso/setup.exe": []byte("setup")})

	res := o.Run(context.Background(), deploy.Job{SourceImagePath: "/src/iso", TargetDevice: usbDisk}, nil)
	assert.ErrorIs(t, res.Err, drivelock.ErrAccessDenied)
	assert.True(t, res.Retryable)
	assert.Contains(t, res.Message, "safe to retry")
	assert.Equal(t, drivelock.DefaultAttempts, p.Counters.Opens)

	enabled, err := p.AutoMountEnabled()
	require.NoError(t, err)
	assert.True(t, enabled)
}

func TestMountTimeoutReleasesDevice(t *testing.T) {
	p, o := newPlatform(t)
	p.VolumeDelay = 1000
	memSource(t, map[string][]byte{"/src/iso/setup.exe": []byte("setup")})

	res := o.Run(context.Background(), deploy.Job{
		SourceImagePath: "/src/iso",
		TargetDevice:    usbDisk,
		Options:         deploy.Options{MountTimeout: 2 * time.Second},
	}, nil)
	assert.ErrorIs(t, res.Err, mountwait.ErrMountTimeout)
	assert.True(t, res.Retryable)
	assert.False(t, p.Locked(usbDisk))
	assert.Equal(t, 1, p.Counters.Assigns)
}

func TestCancelled(t *testing.T) {
	p, o := newPlatform(t)
	memSource(t, map[string][]byte{"/src/iso/setup.exe": []byte("setup")})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := o.Run(ctx, deploy.Job{SourceImagePath: "/src/iso", TargetDevice: usbDisk}, nil)
	assert.ErrorIs(t, res.Err, deploy.ErrCancelled)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.True(t, res.Retryable)
	assert.Equal(t, 0, p.Counters.Opens)
}

func TestInvalidJob(t *testing.T) {
	_, o := newPlatform(t)
	res := o.Run(context.Background(), deploy.Job{TargetDevice: usbDisk}, nil)
	assert.ErrorIs(t, res.Err, deploy.ErrInvalidJob)
	assert.False(t, res.Retryable)
}

func TestRetryable(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want bool
	}{
		{nil, false},
		{mountwait.ErrMountTimeout, true},
		{drivelock.ErrAccessDenied, true},
		{drivelock.ErrLockFailed, true},
		{deploy.ErrCancelled, true},
		{context.DeadlineExceeded, true},
		{safety.ErrUnsafeTarget, false},
		{deploy.ErrFileTooLarge, false},
		{io.ErrUnexpectedEOF, false},
	} {
		assert.Equal(t, tc.want, deploy.Retryable(tc.err), "%v", tc.err)
	}
}

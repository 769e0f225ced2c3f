package imagefile_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osbuild/bootmedia/pkg/datasizes"
	"github.com/osbuild/bootmedia/pkg/device"
	"github.com/osbuild/bootmedia/pkg/device/imagefile"
	"github.com/osbuild/bootmedia/pkg/disk"
	"github.com/osbuild/bootmedia/pkg/format"
)

const imageSize = 64 * datasizes.MiB

func newImage(t *testing.T) *imagefile.Image {
	t.Helper()
	img, err := imagefile.Open(filepath.Join(t.TempDir(), "usb.img"), 3, imageSize)
	require.NoError(t, err)
	return img
}

func partitionImage(t *testing.T, img *imagefile.Image, layout disk.Layout) *disk.PartitionTable {
	t.Helper()
	pt, err := disk.NewPartitionTable(layout, imageSize, 512, nil)
	require.NoError(t, err)

	h, err := img.Open(img.Index, true, device.ShareRead)
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.CreateDisk(&disk.PartitionTable{Type: disk.PT_RAW}))
	require.NoError(t, h.CreateDisk(&disk.PartitionTable{Type: pt.Type, UUID: pt.UUID, Signature: pt.Signature, SectorSize: 512}))
	require.NoError(t, h.SetLayout(pt))
	return pt
}

func TestOpenCreatesImage(t *testing.T) {
	img := newImage(t)
	fi, err := os.Stat(img.Path)
	require.NoError(t, err)
	assert.Equal(t, int64(imageSize), fi.Size())

	refs, err := img.Devices()
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, 3, refs[0].Index)
	assert.Equal(t, uint64(imageSize), refs[0].Capacity)
	assert.Empty(t, refs[0].MountPoints)

	_, err = img.Device(0)
	assert.ErrorIs(t, err, device.ErrNotFound)

	_, err = imagefile.Open(filepath.Join(t.TempDir(), "missing.img"), 0, 0)
	assert.Error(t, err)
}

func TestExclusiveWriter(t *testing.T) {
	img := newImage(t)

	h, err := img.Open(img.Index, true, device.ShareRead)
	require.NoError(t, err)

	_, err = img.Open(img.Index, true, device.ShareRead)
	assert.ErrorIs(t, err, device.ErrSharingViolation)

	h2, err := img.Open(img.Index, true, device.ShareReadWrite)
	require.NoError(t, err)
	require.NoError(t, h2.Close())

	require.NoError(t, h.Close())
	h, err = img.Open(img.Index, true, device.ShareRead)
	require.NoError(t, err)
	require.NoError(t, h.Close())
}

func TestLayoutRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name   string
		layout disk.Layout
	}{
		{"gpt", disk.SingleVolume(disk.PT_GPT, "USB", disk.FS_FAT32)},
		{"mbr", disk.SingleVolume(disk.PT_MBR, "USB", disk.FS_FAT32)},
		{"gpt-multi", disk.Layout{
			Type: disk.PT_GPT,
			Partitions: []disk.PartitionSpec{
				{Label: "persist", FSType: disk.FS_EXT4, Size: 8 * datasizes.MiB},
				{Label: "data", FSType: disk.FS_FAT32},
			},
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			img := newImage(t)
			pt := partitionImage(t, img, tc.layout)

			h, err := img.Open(img.Index, false, device.ShareRead)
			require.NoError(t, err)
			defer h.Close()
			got, err := h.GetLayout()
			require.NoError(t, err)

			assert.Equal(t, pt.Type, got.Type)
			require.Len(t, got.Partitions, len(pt.Partitions))
			for idx, p := range pt.Partitions {
				assert.Equal(t, p.Number, got.Partitions[idx].Number)
				assert.Equal(t, p.Start, got.Partitions[idx].Start)
				assert.Equal(t, p.Size, got.Partitions[idx].Size)
				assert.True(t, strings.EqualFold(p.Type, got.Partitions[idx].Type), "%s != %s", p.Type, got.Partitions[idx].Type)
			}
			if pt.Type == disk.PT_GPT {
				assert.Equal(t, pt.UUID, got.UUID)
			}

			vols, err := img.Volumes()
			require.NoError(t, err)
			assert.Len(t, vols, len(pt.UserPartitions()))
			first := pt.UserPartitions()[0]
			extents, err := img.Extents(vols[0])
			require.NoError(t, err)
			assert.Equal(t, []device.Extent{{DiskIndex: 3, StartingOffset: first.Start, Length: first.Size}}, extents)

			mps, err := device.MountPointsOnDisk(img, img.Index)
			require.NoError(t, err)
			assert.Contains(t, mps, img.MountPath(first.Number))
		})
	}
}

func TestWipe(t *testing.T) {
	img := newImage(t)
	partitionImage(t, img, disk.SingleVolume(disk.PT_GPT, "USB", disk.FS_FAT32))

	h, err := img.Open(img.Index, true, device.ShareRead)
	require.NoError(t, err)
	defer h.Close()
	require.NoError(t, h.CreateDisk(&disk.PartitionTable{Type: disk.PT_RAW}))

	got, err := h.GetLayout()
	require.NoError(t, err)
	assert.Equal(t, disk.PT_RAW, got.Type)
	vols, err := img.Volumes()
	require.NoError(t, err)
	assert.Empty(t, vols)
}

func TestFormatAndFiles(t *testing.T) {
	img := newImage(t)
	pt := partitionImage(t, img, disk.SingleVolume(disk.PT_GPT, "bootmedia", disk.FS_FAT32))
	data := pt.UserPartitions()[0]
	mp := img.MountPath(data.Number)
	assert.True(t, img.IsReady(mp))

	err := img.Format(context.Background(), format.Target{DiskIndex: 3, PartitionNumber: data.Number, MountPath: mp}, format.Options{FSType: disk.FS_FAT32, Label: "bootmedia", Quick: true})
	require.NoError(t, err)

	fs, err := img.OpenFS(mp)
	require.NoError(t, err)

	w, err := fs.Create("efi/boot/bootx64.efi")
	require.NoError(t, err)
	_, err = w.Write([]byte("not really an efi binary"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.NoError(t, fs.Allocate("persistence.dat", 3*datasizes.MiB+5))

	fs, err = img.OpenFS(mp)
	require.NoError(t, err)
	r, err := fs.Open("/efi/boot/bootx64.efi")
	require.NoError(t, err)
	content, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "not really an efi binary", string(content))

	size, err := fs.Size("persistence.dat")
	require.NoError(t, err)
	assert.Equal(t, int64(3*datasizes.MiB+5), size)

	_, err = fs.Size("missing.txt")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFormatUnsupported(t *testing.T) {
	img := newImage(t)
	pt := partitionImage(t, img, disk.SingleVolume(disk.PT_GPT, "USB", disk.FS_FAT32))
	mp := img.MountPath(pt.UserPartitions()[0].Number)

	err := img.Format(context.Background(), format.Target{MountPath: mp}, format.Options{FSType: disk.FS_NTFS})
	assert.ErrorIs(t, err, format.ErrFormatFailed)

	err = img.Format(context.Background(), format.Target{MountPath: img.MountPath(9)}, format.Options{FSType: disk.FS_FAT32})
	assert.ErrorIs(t, err, format.ErrFormatFailed)
}

func TestSafetyView(t *testing.T) {
	img := newImage(t)
	partitionImage(t, img, disk.SingleVolume(disk.PT_MBR, "USB", disk.FS_FAT32))

	sys, err := img.SystemVolume()
	require.NoError(t, err)
	assert.Equal(t, imagefile.HostVolume, sys)

	vol, err := img.VolumeForPath("/usr/share/some.iso")
	require.NoError(t, err)
	assert.Equal(t, imagefile.HostVolume, vol)

	vol, err = img.VolumeForPath(img.Path)
	require.NoError(t, err)
	assert.Equal(t, img.VolumeName(1), vol)

	enabled, err := img.AutoMountEnabled()
	require.NoError(t, err)
	assert.False(t, enabled)
}

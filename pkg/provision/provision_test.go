package provision_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osbuild/bootmedia/internal/fakedevice"
	"github.com/osbuild/bootmedia/pkg/datasizes"
	"github.com/osbuild/bootmedia/pkg/device"
	"github.com/osbuild/bootmedia/pkg/disk"
	"github.com/osbuild/bootmedia/pkg/provision"
)

func newHandle(t *testing.T) (*fakedevice.Platform, device.Handle) {
	p := fakedevice.New(t.TempDir())
	require.NoError(t, p.AddDisk(device.Ref{Index: 2, Capacity: 8 * datasizes.GiB, Removable: true}))
	t.Cleanup(func() { p.Close() })
	h, err := p.Open(2, true, device.ShareRead)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return p, h
}

func newProvisioner(h device.Handle) *provision.Provisioner {
	prov := provision.New(h)
	prov.Rand = bytes.NewReader(bytes.Repeat([]byte{0x5a}, 4096))
	return prov
}

func TestPrepareSingleVolumeGPT(t *testing.T) {
	p, h := newHandle(t)
	prov := newProvisioner(h)

	report, err := prov.Prepare(context.Background(), disk.SingleVolume(disk.PT_GPT, "BOOT", disk.FS_FAT32))
	require.NoError(t, err)
	assert.Equal(t, provision.Rescanned, report.State)
	assert.Equal(t, provision.Rescanned, prov.State())
	assert.Empty(t, report.Warnings)

	pt := p.Layout(2)
	require.NotNil(t, pt)
	assert.Equal(t, disk.PT_GPT, pt.Type)
	assert.NotEmpty(t, pt.UUID)
	require.Len(t, pt.Partitions, 2)
	assert.True(t, pt.Partitions[0].IsReserved())
	assert.Equal(t, disk.FirstPartitionOffset, pt.Partitions[0].Start)
	assert.Equal(t, disk.ReservedPartitionSize, pt.Partitions[0].Size)
	assert.Equal(t, disk.DataPartitionOffset, pt.Partitions[1].Start)
	assert.Equal(t, 8*datasizes.GiB-disk.TrailingGuard, pt.Partitions[1].End())
	require.NotNil(t, report.ReadBack)
	assert.Len(t, report.ReadBack.Partitions, 2)
}

func TestPrepareSingleVolumeMBR(t *testing.T) {
	p, h := newHandle(t)

	_, err := newProvisioner(h).Prepare(context.Background(), disk.SingleVolume(disk.PT_MBR, "BOOT", disk.FS_FAT32))
	require.NoError(t, err)

	pt := p.Layout(2)
	assert.Equal(t, disk.PT_MBR, pt.Type)
	assert.NotZero(t, pt.Signature)
	require.Len(t, pt.Partitions, 1)
	assert.Equal(t, disk.FirstPartitionOffset, pt.Partitions[0].Start)
	assert.True(t, pt.Partitions[0].Bootable)
}

func TestPrepareAdvisoryFailures(t *testing.T) {
	p, h := newHandle(t)
	p.CleanErr = errors.New("not supported")
	p.UpdateErr = errors.New("busy")

	report, err := newProvisioner(h).Prepare(context.Background(), disk.SingleVolume(disk.PT_GPT, "BOOT", disk.FS_FAT32))
	require.NoError(t, err)
	assert.Equal(t, provision.Rescanned, report.State)
	assert.Len(t, report.Warnings, 2)
	assert.NotNil(t, p.Layout(2))
}

func TestPrepareMandatoryFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*fakedevice.Platform)
		state provision.State
	}{
		{"init", func(p *fakedevice.Platform) { p.InitErr = errors.New("rejected") }, provision.Cleaned},
		{"layout", func(p *fakedevice.Platform) { p.LayoutErr = errors.New("rejected") }, provision.Initialized},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, h := newHandle(t)
			tc.setup(p)
			prov := newProvisioner(h)

			_, err := prov.Prepare(context.Background(), disk.SingleVolume(disk.PT_GPT, "BOOT", disk.FS_FAT32))
			assert.ErrorIs(t, err, provision.ErrDiskPreparation)
			assert.Contains(t, err.Error(), "rejected")
			assert.Contains(t, err.Error(), "disk 2")
			assert.Equal(t, tc.state, prov.State())
		})
	}
}

func TestPrepareInvalidLayout(t *testing.T) {
	p, h := newHandle(t)
	layout := disk.Layout{
		Type: disk.PT_MBR,
		Partitions: []disk.PartitionSpec{
			{FSType: disk.FS_FAT32, Size: datasizes.Size(datasizes.GiB)},
			{FSType: disk.FS_EXT4},
		},
	}

	_, err := newProvisioner(h).Prepare(context.Background(), layout)
	assert.ErrorIs(t, err, provision.ErrDiskPreparation)
	assert.Equal(t, 1, p.Counters.DeviceControls, "only the geometry is read")
}

func TestPrepareCancelled(t *testing.T) {
	p, h := newHandle(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	prov := newProvisioner(h)
	_, err := prov.Prepare(ctx, disk.SingleVolume(disk.PT_GPT, "BOOT", disk.FS_FAT32))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, provision.Unformatted, prov.State())
	assert.Nil(t, p.Layout(2))
}

func TestPrepareRunsOnce(t *testing.T) {
	_, h := newHandle(t)
	prov := newProvisioner(h)
	layout := disk.SingleVolume(disk.PT_GPT, "BOOT", disk.FS_FAT32)

	_, err := prov.Prepare(context.Background(), layout)
	require.NoError(t, err)
	_, err = prov.Prepare(context.Background(), layout)
	assert.ErrorIs(t, err, provision.ErrDiskPreparation)
}

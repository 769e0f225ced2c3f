package format_test

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osbuild/bootmedia/internal/test"
	"github.com/osbuild/bootmedia/pkg/disk"
	"github.com/osbuild/bootmedia/pkg/exttool"
	"github.com/osbuild/bootmedia/pkg/format"
)

func TestFormatArgs(t *testing.T) {
	tests := []struct {
		name string
		path string
		opts format.Options
		want []string
	}{
		{
			name: "fat32-quick",
			path: `E:\`,
			opts: format.Options{FSType: disk.FS_FAT32, Label: "install media", Quick: true},
			want: []string{"E:", "/FS:FAT32", "/V:INSTALL MED", "/Q", "/X", "/Y"},
		},
		{
			name: "ntfs-cluster",
			path: `\\?\Volume{1234}\`,
			opts: format.Options{FSType: disk.FS_NTFS, ClusterSize: 4096},
			want: []string{`\\?\Volume{1234}\`, "/FS:NTFS", "/A:4096", "/X", "/Y"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, format.FormatArgs(tc.path, tc.opts))
		})
	}
}

func TestMke2fsArgs(t *testing.T) {
	target := format.Target{DiskIndex: 2, PartitionNumber: 2, Offset: 17 * 1024 * 1024, Size: 512 * 1024 * 1024}
	args := format.Mke2fsArgs(`\\.\PhysicalDrive2`, target, format.Options{FSType: disk.FS_EXT4, Label: "persistence", Quick: true})
	assert.Equal(t, []string{"-F", "-t", "ext4", "-L", "persistence", "-E", "offset=17825792,lazy_itable_init=1", `\\.\PhysicalDrive2`, "524288k"}, args)
}

func TestOptionsValidate(t *testing.T) {
	assert.NoError(t, format.Options{FSType: disk.FS_FAT32}.Validate())
	assert.NoError(t, format.Options{FSType: disk.FS_FAT32, ClusterSize: 32768}.Validate())
	assert.EqualError(t, format.Options{}.Validate(), "no filesystem type given")
	assert.EqualError(t, format.Options{FSType: disk.FS_NTFS, ClusterSize: 3000}.Validate(), "invalid cluster size 3000: must be a power of two between 512 and 2M")
}

func TestToolFormatterFailureCarriesStderr(t *testing.T) {
	test.MockGlobal(t, &exttool.Exec, func(ctx context.Context, stdin io.Reader, name string, arg ...string) (exttool.Result, error) {
		assert.Equal(t, "format.com", name)
		return exttool.Result{ExitCode: 4, Stderr: []byte("The volume is too big for FAT32.")}, nil
	})

	f := format.NewToolFormatter(nil)
	err := f.Format(context.Background(), format.Target{MountPath: `E:\`}, format.Options{FSType: disk.FS_FAT32})
	require.ErrorIs(t, err, format.ErrFormatFailed)
	assert.Contains(t, err.Error(), "The volume is too big for FAT32.")
}

func TestToolFormatterExtUsesDevicePath(t *testing.T) {
	var gotName string
	var gotArgs []string
	test.MockGlobal(t, &exttool.Exec, func(ctx context.Context, stdin io.Reader, name string, arg ...string) (exttool.Result, error) {
		gotName = name
		gotArgs = arg
		return exttool.Result{}, nil
	})

	f := format.NewToolFormatter(func(idx int) string { return `\\.\PhysicalDrive1` })
	assert.False(t, f.RequiresVolume(disk.FS_EXT3))
	assert.True(t, f.RequiresVolume(disk.FS_FAT32))

	err := f.Format(context.Background(), format.Target{DiskIndex: 1, Offset: 1 << 20, Size: 1 << 30}, format.Options{FSType: disk.FS_EXT3})
	require.NoError(t, err)
	assert.Equal(t, "mke2fs", gotName)
	assert.Contains(t, gotArgs, `\\.\PhysicalDrive1`)
}

func TestNormalizeLabel(t *testing.T) {
	assert.Equal(t, "WIN11_24H2_", format.NormalizeLabel(disk.FS_FAT32, "win11.24h2.x64"))
	assert.Equal(t, "short", format.NormalizeLabel(disk.FS_NTFS, "short"))
}

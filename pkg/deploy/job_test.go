package deploy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osbuild/bootmedia/pkg/datasizes"
	"github.com/osbuild/bootmedia/pkg/deploy"
	"github.com/osbuild/bootmedia/pkg/disk"
)

func TestStrategyKind(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want deploy.StrategyKind
	}{
		{"", deploy.FileSystemCopy},
		{"copy", deploy.FileSystemCopy},
		{"FileSystemCopy", deploy.FileSystemCopy},
		{"raw", deploy.RawSectorWrite},
		{"raw-sector-write", deploy.RawSectorWrite},
	} {
		got, err := deploy.NewStrategyKind(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	_, err := deploy.NewStrategyKind("dd")
	assert.Error(t, err)
	assert.Equal(t, "raw-sector-write", deploy.RawSectorWrite.String())
	assert.Panics(t, func() { _ = deploy.StrategyKind(9).String() })
}

func TestEffectiveLayout(t *testing.T) {
	job := deploy.Job{}
	assert.Equal(t, disk.SingleVolume(disk.PT_GPT, "", disk.FS_FAT32), job.EffectiveLayout())

	job.Single = deploy.SingleVolume{Scheme: disk.PT_MBR, FSType: disk.FS_NTFS, Label: "DATA"}
	assert.Equal(t, disk.SingleVolume(disk.PT_MBR, "DATA", disk.FS_NTFS), job.EffectiveLayout())

	custom := &disk.Layout{Type: disk.PT_GPT, Partitions: []disk.PartitionSpec{{FSType: disk.FS_EXFAT}}}
	job.Layout = custom
	assert.Equal(t, *custom, job.EffectiveLayout())
}

func TestJobValidate(t *testing.T) {
	valid := deploy.Job{SourceImagePath: "/src/win.iso", TargetDevice: 1}
	require.NoError(t, valid.Validate())

	for name, mutate := range map[string]func(j *deploy.Job){
		"no-source":      func(j *deploy.Job) { j.SourceImagePath = "" },
		"negative-disk":  func(j *deploy.Job) { j.TargetDevice = -1 },
		"bad-split-glob": func(j *deploy.Job) { j.Options.SplitPatterns = []string{"[a"} },
		"bad-exclude":    func(j *deploy.Job) { j.Options.Exclude = []string{"[a"} },
		"bad-cluster":    func(j *deploy.Job) { j.Options.ClusterSize = 3000 },
		"mbr-multi": func(j *deploy.Job) {
			j.Layout = &disk.Layout{
				Type: disk.PT_MBR,
				Partitions: []disk.PartitionSpec{
					{FSType: disk.FS_EXT4, Size: datasizes.Size(512 * datasizes.MiB)},
					{FSType: disk.FS_FAT32},
				},
			}
		},
		"raw-persistence": func(j *deploy.Job) {
			j.Strategy = deploy.RawSectorWrite
			j.Options.PersistenceSize = datasizes.Size(datasizes.GiB)
		},
		"unknown-strategy": func(j *deploy.Job) { j.Strategy = deploy.StrategyKind(7) },
	} {
		t.Run(name, func(t *testing.T) {
			job := valid
			mutate(&job)
			assert.ErrorIs(t, job.Validate(), deploy.ErrInvalidJob)
		})
	}
}

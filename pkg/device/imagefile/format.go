package imagefile

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	diskfs "github.com/diskfs/go-diskfs"
	dfsdisk "github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/sirupsen/logrus"

	"github.com/osbuild/bootmedia/pkg/datasizes"
	"github.com/osbuild/bootmedia/pkg/disk"
	"github.com/osbuild/bootmedia/pkg/format"
	"github.com/osbuild/bootmedia/pkg/volume"
)

// RequiresVolume is true, filesystems are addressed by the mount path of
// their partition.
func (img *Image) RequiresVolume(fs disk.FSType) bool {
	return true
}

// Format creates a FAT32 filesystem. Other filesystems are not supported
// on images.
func (img *Image) Format(ctx context.Context, target format.Target, opts format.Options) error {
	if err := opts.Validate(); err != nil {
		return fmt.Errorf("%w: %v", format.ErrFormatFailed, err)
	}
	if opts.FSType != disk.FS_FAT32 {
		return fmt.Errorf("%w: %s is not supported on image files", format.ErrFormatFailed, opts.FSType)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := img.partition(target.MountPath)
	if err != nil {
		return fmt.Errorf("%w: %v", format.ErrFormatFailed, err)
	}

	d, err := diskfs.Open(img.Path, diskfs.WithOpenMode(diskfs.ReadWrite))
	if err != nil {
		return fmt.Errorf("%w: cannot open image %s: %v", format.ErrFormatFailed, img.Path, err)
	}
	label := format.NormalizeLabel(opts.FSType, opts.Label)
	logrus.WithField("partition", p.Number).Debugf("creating fat32 filesystem %q on %s", label, img.Path)
	if _, err := d.CreateFilesystem(dfsdisk.FilesystemSpec{
		Partition:   p.Number,
		FSType:      filesystem.TypeFat32,
		VolumeLabel: label,
	}); err != nil {
		return fmt.Errorf("%w: %s: %v", format.ErrFormatFailed, target, err)
	}

	img.mu.Lock()
	defer img.mu.Unlock()
	if img.table != nil {
		for idx := range img.table.Partitions {
			if img.table.Partitions[idx].Number == p.Number {
				img.table.Partitions[idx].FSType = opts.FSType
				img.table.Partitions[idx].Label = label
			}
		}
	}
	return nil
}

// OpenFS opens the filesystem of the partition mounted at mountPath.
func (img *Image) OpenFS(mountPath string) (volume.FS, error) {
	p, err := img.partition(mountPath)
	if err != nil {
		return nil, err
	}
	d, err := diskfs.Open(img.Path, diskfs.WithOpenMode(diskfs.ReadWrite))
	if err != nil {
		return nil, fmt.Errorf("cannot open image %s: %w", img.Path, err)
	}
	fs, err := d.GetFilesystem(p.Number)
	if err != nil {
		return nil, fmt.Errorf("no filesystem on %s: %w", mountPath, err)
	}
	return &diskFS{fs: fs}, nil
}

// diskFS adapts a go-diskfs filesystem. Its Mkdir is not recursive and
// fails on existing directories.
type diskFS struct {
	fs filesystem.FileSystem
}

func (d *diskFS) MkdirAll(name string) error {
	name = volume.Clean(name)
	cur := ""
	for _, part := range strings.Split(strings.Trim(name, "/"), "/") {
		if part == "" {
			continue
		}
		cur += "/" + part
		if err := d.fs.Mkdir(cur); err != nil && !os.IsExist(err) {
			return fmt.Errorf("cannot create directory %s: %w", cur, err)
		}
	}
	return nil
}

func (d *diskFS) Create(name string) (io.WriteCloser, error) {
	name = volume.Clean(name)
	if dir := path.Dir(name); dir != "/" {
		if err := d.MkdirAll(dir); err != nil {
			return nil, err
		}
	}
	return d.fs.OpenFile(name, os.O_CREATE|os.O_RDWR|os.O_TRUNC)
}

func (d *diskFS) Open(name string) (io.ReadCloser, error) {
	f, err := d.fs.OpenFile(volume.Clean(name), os.O_RDONLY)
	if err != nil {
		return nil, fmt.Errorf("%s: %w (%v)", name, os.ErrNotExist, err)
	}
	return f, nil
}

func (d *diskFS) Size(name string) (int64, error) {
	f, err := d.fs.OpenFile(volume.Clean(name), os.O_RDONLY)
	if err != nil {
		return 0, fmt.Errorf("%s: %w (%v)", name, os.ErrNotExist, err)
	}
	defer f.Close()
	return f.Seek(0, io.SeekEnd)
}

func (d *diskFS) Allocate(name string, size int64) error {
	w, err := d.Create(name)
	if err != nil {
		return err
	}
	zero := make([]byte, datasizes.MiB)
	for left := size; left > 0; {
		n := int64(len(zero))
		if left < n {
			n = left
		}
		if _, err := w.Write(zero[:n]); err != nil {
			w.Close()
			return fmt.Errorf("cannot allocate %s: %w", name, err)
		}
		left -= n
	}
	return w.Close()
}

package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/osbuild/bootmedia/pkg/datasizes"
	"github.com/osbuild/bootmedia/pkg/disk"
	"github.com/osbuild/bootmedia/pkg/progress"
	"github.com/osbuild/bootmedia/pkg/rawwrite"
	"github.com/osbuild/bootmedia/pkg/source"
	"github.com/osbuild/bootmedia/pkg/volume"
)

var ErrFileTooLarge = errors.New("file too large for the target filesystem")

const (
	// PersistenceFile is the fixed size store live systems keep their
	// changes in.
	PersistenceFile = "persistence.dat"
	// AnswerFile is picked up by Windows setup from the root of the
	// installation media.
	AnswerFile = "autounattend.xml"

	copyBufferSize = 1 * datasizes.MiB
	reportInterval = 250 * time.Millisecond
)

// MaxFileSize returns the largest file the filesystem can hold, 0 for no
// limit.
var MaxFileSize = func(fs disk.FSType) uint64 {
	return fs.MaxFileSize()
}

// written is a file on the volume and the size it must have.
type written struct {
	name string
	size int64
}

type copier struct {
	d       *deployment
	fs      volume.FS
	fsType  disk.FSType
	limit   uint64
	split   patterns
	exclude patterns

	files []written
	buf   []byte
}

func newCopier(d *deployment, fs volume.FS, fsType disk.FSType) (*copier, error) {
	split, err := compilePatterns(d.job.Options.SplitPatterns)
	if err != nil {
		return nil, err
	}
	exclude, err := compilePatterns(d.job.Options.Exclude)
	if err != nil {
		return nil, err
	}
	return &copier{
		d:       d,
		fs:      fs,
		fsType:  fsType,
		limit:   MaxFileSize(fsType),
		split:   split,
		exclude: exclude,
		buf:     make([]byte, copyBufferSize),
	}, nil
}

// partSize is the size of the pieces an oversized file is split into,
// the limit rounded down to whole MiB.
func partSize(limit uint64) int64 {
	if aligned := limit - limit%datasizes.MiB; aligned > 0 {
		return int64(aligned)
	}
	return int64(limit)
}

// partName is the name of the n-th (1-based) piece of a split file.
func partName(name string, n int) string {
	return fmt.Sprintf("%s.part%02d", name, n)
}

// copyImage walks the image and recreates it on the volume.
func (c *copier) copyImage(ctx context.Context, img source.Image, report progress.Reporter) error {
	total := uint64(img.TotalSize())
	var done uint64
	report = progress.Throttle(report, reportInterval, c.d.clock)
	tick := func(n int) {
		done += uint64(n)
		c.d.addWritten(uint64(n))
		report(progress.Statistics{
			BytesWritten: done,
			TotalBytes:   total,
			Percent:      progress.Percent(done, total),
			Operation:    "copying files",
		})
	}

	var skipped []string
	err := img.Walk(func(e source.Entry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, dir := range skipped {
			if strings.HasPrefix(e.Path, dir+"/") {
				return nil
			}
		}
		if c.exclude.Match(e.Path) {
			c.d.log.Debugf("excluding %s", e.Path)
			if e.IsDir {
				skipped = append(skipped, e.Path)
			}
			return nil
		}
		if e.IsDir {
			return c.fs.MkdirAll(e.Path)
		}
		return c.copyFile(ctx, img, e, tick)
	})
	if err != nil {
		return err
	}
	report(progress.Statistics{BytesWritten: done, TotalBytes: total, Percent: 100, Operation: "copying files"})
	return nil
}

func (c *copier) copyFile(ctx context.Context, img source.Image, e source.Entry, tick func(int)) error {
	r, err := img.Open(e.Path)
	if err != nil {
		return fmt.Errorf("cannot open %s in source: %w", e.Path, err)
	}
	defer r.Close()

	if c.limit == 0 || uint64(e.Size) <= c.limit {
		return c.copyTo(ctx, e.Path, r, e.Size, tick)
	}
	if !c.split.Match(e.Path) {
		return fmt.Errorf("%w: %s has %s, %s files are limited to %s", ErrFileTooLarge, e.Path, humanize.IBytes(uint64(e.Size)), c.fsType, humanize.IBytes(c.limit))
	}

	size := partSize(c.limit)
	n := 0
	for off := int64(0); off < e.Size; off += size {
		n++
		left := e.Size - off
		if left > size {
			left = size
		}
		if err := c.copyTo(ctx, partName(e.Path, n), r, left, tick); err != nil {
			return err
		}
	}
	c.d.log.Infof("split %s into %d parts", e.Path, n)
	return nil
}

// copyTo creates name with exactly size bytes from r.
func (c *copier) copyTo(ctx context.Context, name string, r io.Reader, size int64, tick func(int)) error {
	w, err := c.fs.Create(name)
	if err != nil {
		return fmt.Errorf("cannot create %s: %w", name, err)
	}
	for left := size; left > 0; {
		if err := ctx.Err(); err != nil {
			w.Close()
			return err
		}
		chunk := c.buf
		if int64(len(chunk)) > left {
			chunk = chunk[:left]
		}
		if _, err := io.ReadFull(r, chunk); err != nil {
			w.Close()
			return fmt.Errorf("cannot read %s from source: %w", name, err)
		}
		if _, err := w.Write(chunk); err != nil {
			w.Close()
			return fmt.Errorf("cannot write %s: %w", name, err)
		}
		left -= int64(len(chunk))
		tick(len(chunk))
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("cannot write %s: %w", name, err)
	}
	c.files = append(c.files, written{name: name, size: size})
	return nil
}

func (c *copier) createPersistence(ctx context.Context, size uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.limit != 0 && size > c.limit {
		return fmt.Errorf("%w: persistence store of %s, %s files are limited to %s", ErrFileTooLarge, humanize.IBytes(size), c.fsType, humanize.IBytes(c.limit))
	}
	c.d.log.Infof("creating %s persistence store", humanize.IBytes(size))
	if err := c.fs.Allocate(PersistenceFile, int64(size)); err != nil {
		return fmt.Errorf("cannot create %s: %w", PersistenceFile, err)
	}
	c.d.addWritten(size)
	c.files = append(c.files, written{name: PersistenceFile, size: int64(size)})
	return nil
}

// bypassAnswerFile sets the LabConfig values Windows 11 setup checks
// before refusing unsupported hardware.
const bypassAnswerFile = `<?xml version="1.0" encoding="utf-8"?>
<unattend xmlns="urn:schemas-microsoft-com:unattend">
  <settings pass="windowsPE">
    <component name="Microsoft-Windows-Setup" processorArchitecture="amd64" publicKeyToken="31bf3856ad364e35" language="neutral" versionScope="nonSxS" xmlns:wcm="http://schemas.microsoft.com/WMIConfig/2002/State" xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance">
      <RunSynchronous>
        <RunSynchronousCommand wcm:action="add">
          <Order>1</Order>
          <Path>reg add HKLM\SYSTEM\Setup\LabConfig /v BypassTPMCheck /t REG_DWORD /d 1 /f</Path>
        </RunSynchronousCommand>
        <RunSynchronousCommand wcm:action="add">
          <Order>2</Order>
          <Path>reg add HKLM\SYSTEM\Setup\LabConfig /v BypassSecureBootCheck /t REG_DWORD /d 1 /f</Path>
        </RunSynchronousCommand>
        <RunSynchronousCommand wcm:action="add">
          <Order>3</Order>
          <Path>reg add HKLM\SYSTEM\Setup\LabConfig /v BypassRAMCheck /t REG_DWORD /d 1 /f</Path>
        </RunSynchronousCommand>
      </RunSynchronous>
    </component>
  </settings>
</unattend>
`

// injectBypass writes the answer file, replacing one the image brought.
func (c *copier) injectBypass() error {
	for _, f := range c.files {
		if strings.EqualFold(f.name, AnswerFile) {
			c.d.log.Warnf("replacing %s of the source image", f.name)
		}
	}
	w, err := c.fs.Create(AnswerFile)
	if err != nil {
		return fmt.Errorf("cannot create %s: %w", AnswerFile, err)
	}
	if _, err := io.WriteString(w, bypassAnswerFile); err != nil {
		w.Close()
		return fmt.Errorf("cannot write %s: %w", AnswerFile, err)
	}
	if err := w.Close(); err != nil {
		return err
	}
	c.files = append(c.files, written{name: AnswerFile, size: int64(len(bypassAnswerFile))})
	return nil
}

// verify checks that every file written is present in fs with its size.
func (c *copier) verify(ctx context.Context, fs volume.FS, report progress.Reporter) error {
	latest := make(map[string]int64, len(c.files))
	var names []string
	for _, f := range c.files {
		key := strings.ToLower(volume.Clean(f.name))
		if _, ok := latest[key]; !ok {
			names = append(names, f.name)
		}
		latest[key] = f.size
	}

	for idx, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		want := latest[strings.ToLower(volume.Clean(name))]
		got, err := fs.Size(name)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", rawwrite.ErrVerificationFailed, name, err)
		}
		if got != want {
			return fmt.Errorf("%w: %s has %d bytes, expected %d", rawwrite.ErrVerificationFailed, name, got, want)
		}
		report(progress.Statistics{
			Percent:   progress.Percent(uint64(idx+1), uint64(len(names))),
			Operation: "verifying",
		})
	}
	c.d.log.Infof("verified %d files", len(names))
	return nil
}

package deploy

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/osbuild/bootmedia/pkg/disk"
	"github.com/osbuild/bootmedia/pkg/drivelock"
	"github.com/osbuild/bootmedia/pkg/format"
	"github.com/osbuild/bootmedia/pkg/mountwait"
	"github.com/osbuild/bootmedia/pkg/progress"
	"github.com/osbuild/bootmedia/pkg/provision"
	"github.com/osbuild/bootmedia/pkg/rawwrite"
	"github.com/osbuild/bootmedia/pkg/source"
)

// strategy puts the content of a job onto the device. It holds the device
// through withDevice only while it needs exclusive access and verifies its
// own result.
type strategy interface {
	fmt.Stringer
	Deploy(ctx context.Context, d *deployment) error
}

func newStrategy(kind StrategyKind) strategy {
	switch kind {
	case FileSystemCopy:
		return fileSystemCopy{}
	case RawSectorWrite:
		return rawSectorWrite{}
	default:
		panic(fmt.Sprintf("unknown or unsupported strategy with enum value %d", kind))
	}
}

// Progress ranges of the steps of each strategy.
var (
	stageProvision   = progress.Stage{From: 0, To: 5}
	stageFormat      = progress.Stage{From: 5, To: 10}
	stageCopy        = progress.Stage{From: 10, To: 95}
	stagePatch       = progress.Stage{From: 95, To: 97}
	stageVerifyFiles = progress.Stage{From: 97, To: 100}

	stageRawWrite  = progress.Stage{From: 0, To: 90}
	stageRawVerify = progress.Stage{From: 90, To: 100}
)

func formatOptions(opts Options, fs disk.FSType, label string) format.Options {
	return format.Options{
		FSType:      fs,
		Label:       label,
		Quick:       opts.QuickFormat,
		ClusterSize: opts.ClusterSize.Uint64(),
	}
}

type fileSystemCopy struct{}

func (fileSystemCopy) String() string {
	return FileSystemCopy.String()
}

// contentPartition picks the partition the image files go to: the first
// one Windows can read, the last one otherwise. parts must not be empty.
func contentPartition(parts []disk.Partition) disk.Partition {
	for _, p := range parts {
		if p.FSType != disk.FS_NONE && !p.FSType.IsExtFamily() {
			return p
		}
	}
	return parts[len(parts)-1]
}

// checkFit computes the layout for the target and makes sure the content
// fits its content partition, before anything is written.
func (d *deployment) checkFit(img source.Image) error {
	parts, err := d.job.EffectiveLayout().Compute(d.ref.Capacity, d.ref.SectorSize)
	if err != nil {
		return fmt.Errorf("layout does not fit disk %d: %w", d.ref.Index, err)
	}
	var user []disk.Partition
	for _, p := range parts {
		if !p.IsReserved() {
			user = append(user, p)
		}
	}
	content := contentPartition(user)
	if need := uint64(img.TotalSize()) + d.job.Options.PersistenceSize.Uint64(); need > content.Size {
		return fmt.Errorf("%w: %s of content do not fit partition %d of %s", rawwrite.ErrSourceTooLarge, humanize.IBytes(need), content.Number, humanize.IBytes(content.Size))
	}
	return nil
}

func (fileSystemCopy) Deploy(ctx context.Context, d *deployment) error {
	img, err := source.Open(d.job.SourceImagePath)
	if err != nil {
		return fmt.Errorf("cannot open source %s: %w", d.job.SourceImagePath, err)
	}
	defer img.Close()

	if err := d.checkFit(img); err != nil {
		return err
	}

	// the OS only mounts the new volumes once the device is released and
	// auto-mount is back on
	var rep *provision.Report
	err = d.withDevice(ctx, func(ctx context.Context, h *drivelock.Handle) error {
		var err error
		rep, err = d.provisioner(h).Prepare(ctx, d.job.EffectiveLayout())
		return err
	})
	if err != nil {
		return err
	}
	for _, w := range rep.Warnings {
		d.warn(w)
	}
	stageProvision.Scale(d.report)(progress.Statistics{Percent: 100, Operation: "preparing disk"})

	parts := rep.Table.UserPartitions()
	content := contentPartition(parts)

	var contentMount string
	formatReport := stageFormat.Scale(d.report)
	for idx, p := range parts {
		mp, err := d.formatPartition(ctx, p, p.Number == content.Number)
		if err != nil {
			return err
		}
		if p.Number == content.Number {
			contentMount = mp
		}
		formatReport(progress.Statistics{
			Percent:   progress.Percent(uint64(idx+1), uint64(len(parts))),
			Operation: "formatting",
		})
	}

	fs, err := d.o.Platform.Mounts.OpenFS(contentMount)
	if err != nil {
		return fmt.Errorf("cannot access %s: %w", contentMount, err)
	}
	c, err := newCopier(d, fs, content.FSType)
	if err != nil {
		return err
	}
	if err := c.copyImage(ctx, img, stageCopy.Scale(d.report)); err != nil {
		return err
	}

	patch := stagePatch.Scale(d.report)
	if size := d.job.Options.PersistenceSize.Uint64(); size > 0 {
		if err := c.createPersistence(ctx, size); err != nil {
			return err
		}
	}
	patch(progress.Statistics{Percent: 50, Operation: "creating persistence store"})
	if d.job.Options.Win11Bypass {
		if err := c.injectBypass(); err != nil {
			return err
		}
	}
	patch(progress.Statistics{Percent: 100, Operation: "patching"})

	if d.job.Options.SkipVerify {
		return nil
	}
	// read back through a fresh view of the volume
	check, err := d.o.Platform.Mounts.OpenFS(contentMount)
	if err != nil {
		return fmt.Errorf("cannot reopen %s: %w", contentMount, err)
	}
	return c.verify(ctx, check, stageVerifyFiles.Scale(d.report))
}

// formatPartition creates the filesystem of a partition and returns its
// mount path. Volumes are only waited for when the formatter needs one or
// when content is copied onto them.
func (d *deployment) formatPartition(ctx context.Context, p disk.Partition, content bool) (string, error) {
	fmtr := d.o.Platform.Formatter
	target := format.Target{
		DiskIndex:       d.ref.Index,
		PartitionNumber: p.Number,
		Offset:          p.Start,
		Size:            p.Size,
	}
	if content || (p.FSType != disk.FS_NONE && fmtr.RequiresVolume(p.FSType)) {
		res, err := d.waiter().WaitForVolume(ctx, mountwait.Request{
			DiskIndex:       d.ref.Index,
			Offset:          p.Start,
			PartitionNumber: p.Number,
			Timeout:         d.job.Options.MountTimeout,
		})
		if err != nil {
			return "", err
		}
		d.log.WithField("method", res.Method).Infof("partition %d mounted at %s after %s", p.Number, res.VolumePath, res.Elapsed)
		target.MountPath = res.VolumePath
	}
	if p.FSType == disk.FS_NONE {
		return target.MountPath, nil
	}

	opts := formatOptions(d.job.Options, p.FSType, p.Label)
	d.log.Infof("formatting %s as %s", target, p.FSType)
	if err := fmtr.Format(ctx, target, opts); err != nil {
		return "", fmt.Errorf("cannot format partition %d of disk %d: %w", p.Number, d.ref.Index, err)
	}
	return target.MountPath, nil
}

type rawSectorWrite struct{}

func (rawSectorWrite) String() string {
	return RawSectorWrite.String()
}

func (rawSectorWrite) Deploy(ctx context.Context, d *deployment) error {
	src, size, err := source.OpenRaw(d.job.SourceImagePath)
	if err != nil {
		return fmt.Errorf("cannot open source %s: %w", d.job.SourceImagePath, err)
	}
	defer src.Close()

	return d.withDevice(ctx, func(ctx context.Context, h *drivelock.Handle) error {
		w := rawwrite.New(d.ref.Capacity, d.ref.SectorSize)
		w.Clock = d.clock
		w.Report = stageRawWrite.Scale(d.report)
		if err := w.Write(ctx, src, size, h); err != nil {
			return fmt.Errorf("cannot write image to disk %d: %w", d.ref.Index, err)
		}
		d.addWritten(uint64(size))

		if d.job.Options.SkipVerify {
			return nil
		}
		check, _, err := source.OpenRaw(d.job.SourceImagePath)
		if err != nil {
			return fmt.Errorf("cannot reopen source %s: %w", d.job.SourceImagePath, err)
		}
		defer check.Close()
		w.Report = stageRawVerify.Scale(d.report)
		if err := w.Verify(ctx, check, size, h); err != nil {
			return fmt.Errorf("disk %d: %w", d.ref.Index, err)
		}
		return nil
	})
}

// Package deploy runs a complete provisioning job: safety checks, exclusive
// device access with auto-mount suppressed, and one of the content
// strategies.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/osbuild/bootmedia/pkg/automount"
	"github.com/osbuild/bootmedia/pkg/device"
	"github.com/osbuild/bootmedia/pkg/drivelock"
	"github.com/osbuild/bootmedia/pkg/format"
	"github.com/osbuild/bootmedia/pkg/mountwait"
	"github.com/osbuild/bootmedia/pkg/progress"
	"github.com/osbuild/bootmedia/pkg/provision"
	"github.com/osbuild/bootmedia/pkg/rawwrite"
	"github.com/osbuild/bootmedia/pkg/retry"
	"github.com/osbuild/bootmedia/pkg/safety"
	"github.com/osbuild/bootmedia/pkg/volume"
)

// ErrCancelled is the terminal error of a cancelled job. Cleanup has run
// when it is returned.
var ErrCancelled = fmt.Errorf("job cancelled: %w", context.Canceled)

// Platform bundles the backend a job runs against.
type Platform struct {
	Devices   device.Enumerator
	Opener    device.Opener
	Volumes   device.VolumeManager
	AutoMount device.AutoMounter
	Formatter format.Formatter
	Mounts    volume.Provider
}

// Result is the outcome of a job as shown to the operator.
type Result struct {
	Success bool
	Err     error
	Message string
	// Retryable is true if running the same job again may succeed
	// without changing anything.
	Retryable bool
	Duration  time.Duration
	// Warnings are failures of advisory steps, the job still succeeded
	// despite them.
	Warnings []error
}

// Retryable separates transient failures (timeouts, lock contention,
// cancellation) from those that need operator attention.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, safety.ErrUnsafeTarget),
		errors.Is(err, rawwrite.ErrVerificationFailed),
		errors.Is(err, ErrInvalidJob):
		return false
	case errors.Is(err, mountwait.ErrMountTimeout),
		errors.Is(err, drivelock.ErrAccessDenied),
		errors.Is(err, drivelock.ErrLockFailed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return true
	default:
		return false
	}
}

type Orchestrator struct {
	Platform Platform
	// Clock drives every retry and poll, the wall clock if nil.
	Clock retry.Clock
	// Rand is the source of disk identifiers, crypto/rand if nil.
	Rand io.Reader

	// LockPolicy overrides the default DriveLock budget.
	LockPolicy *retry.Policy
}

func New(p Platform) *Orchestrator {
	return &Orchestrator{Platform: p}
}

// Run executes the job. The job is copied and not looked at by the
// caller's copy afterwards; report receives progress until Run returns.
func (o *Orchestrator) Run(ctx context.Context, job Job, report progress.Reporter) Result {
	clock := retry.ClockOrWall(o.Clock)
	report = progress.OrDiscard(report)
	start := clock.Now()
	log := logrus.WithFields(logrus.Fields{
		"disk":     job.TargetDevice,
		"strategy": job.Strategy,
	})

	d := &deployment{
		job:    job,
		o:      o,
		clock:  clock,
		report: report,
		log:    log,
	}
	err := d.run(ctx)
	if err != nil && ctx.Err() != nil && !errors.Is(err, ErrCancelled) {
		err = fmt.Errorf("%w: %v", ErrCancelled, err)
	}

	res := Result{
		Success:   err == nil,
		Err:       err,
		Retryable: Retryable(err),
		Duration:  clock.Now().Sub(start),
		Warnings:  d.warnings,
	}
	if err != nil {
		hint := "do not retry without checking the device and the job"
		if res.Retryable {
			hint = "safe to retry"
		}
		res.Message = fmt.Sprintf("job on disk %d failed after %s: %v (%s)", job.TargetDevice, res.Duration.Round(time.Millisecond), err, hint)
		log.Error(res.Message)
		return res
	}

	report(progress.Statistics{Percent: 100, Operation: "done", BytesWritten: d.written, TotalBytes: d.written})
	res.Message = fmt.Sprintf("wrote %s to disk %d in %s", humanize.IBytes(d.written), job.TargetDevice, res.Duration.Round(time.Millisecond))
	if len(d.warnings) > 0 {
		res.Message += fmt.Sprintf(" with %d warnings", len(d.warnings))
	}
	log.Info(res.Message)
	return res
}

// deployment is the state of one running job shared with the strategy.
type deployment struct {
	job    Job
	o      *Orchestrator
	clock  retry.Clock
	report progress.Reporter
	log    *logrus.Entry

	ref device.Ref

	mu       sync.Mutex
	handle   *drivelock.Handle
	warnings []error
	written  uint64
}

func (d *deployment) run(ctx context.Context) error {
	if err := d.job.Validate(); err != nil {
		return err
	}
	p := d.o.Platform

	ref, err := p.Devices.Device(d.job.TargetDevice)
	if err != nil {
		return fmt.Errorf("cannot find disk %d: %w", d.job.TargetDevice, err)
	}
	d.ref = ref
	d.log.Infof("target %s, %s", ref, humanize.IBytes(ref.Capacity))

	// nothing touches the device before the target is known to be safe
	if _, err := safety.New(p.Volumes).Check(ref, d.job.SourceImagePath, d.job.Options.AllowUnsafe); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	st := newStrategy(d.job.Strategy)
	d.log.Infof("deploying with %s", st)
	return st.Deploy(ctx, d)
}

// withDevice runs fn with auto-mount suppressed and the device locked,
// after taking its current volumes offline. The device is released before
// auto-mount is restored, so volumes created by fn are only mounted once
// withDevice returns.
func (d *deployment) withDevice(ctx context.Context, fn func(context.Context, *drivelock.Handle) error) error {
	p := d.o.Platform
	guard := automount.New(p.AutoMount)
	return guard.WithDisabled(ctx, func(ctx context.Context) error {
		locker := drivelock.New(p.Opener)
		if d.o.LockPolicy != nil {
			locker.Policy = *d.o.LockPolicy
		}
		locker.Policy.Clock = d.clock
		h, err := locker.OpenExclusive(ctx, d.ref.Index, true)
		if err != nil {
			return err
		}
		d.setHandle(h)
		defer d.cleanup()

		d.dismountVolumes()
		return fn(ctx, h)
	})
}

func (d *deployment) setHandle(h *drivelock.Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handle = h
}

// release gives up the device, once.
func (d *deployment) release() error {
	d.mu.Lock()
	h := d.handle
	d.handle = nil
	d.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.Release()
}

func (d *deployment) warn(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.warnings = append(d.warnings, err)
}

func (d *deployment) addWritten(n uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.written += n
}

// cleanup runs regardless of how the job ended and never fails it.
func (d *deployment) cleanup() {
	var errs *multierror.Error
	if err := d.release(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("cannot release disk %d: %w", d.ref.Index, err))
	}
	if err := errs.ErrorOrNil(); err != nil {
		d.log.Warnf("cleanup: %v", err)
		for _, e := range errs.Errors {
			d.warn(e)
		}
	}
}

// dismountVolumes takes the current volumes of the device offline so that
// nothing writes to them while the device changes underneath.
func (d *deployment) dismountVolumes() {
	vm := d.o.Platform.Volumes
	vols, err := device.VolumesOnDisk(vm, d.ref.Index)
	if err != nil {
		d.log.Warnf("cannot list volumes: %v", err)
		d.warn(err)
		return
	}
	var errs *multierror.Error
	for _, vol := range vols {
		if err := vm.Dismount(vol); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("cannot dismount %s: %w", vol, err))
			continue
		}
		d.log.Debugf("dismounted %s", vol)
	}
	if err := errs.ErrorOrNil(); err != nil {
		d.log.Warn(err)
		for _, e := range errs.Errors {
			d.warn(e)
		}
	}
}

func (d *deployment) provisioner(h device.Handle) *provision.Provisioner {
	p := provision.New(h)
	p.Rand = d.o.Rand
	return p
}

func (d *deployment) waiter() *mountwait.Waiter {
	w := mountwait.New(d.o.Platform.Volumes)
	w.Clock = d.clock
	return w
}

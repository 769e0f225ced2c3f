// Package mountwait waits for the volume of a freshly written partition to
// become mountable.
//
// A partition table change is not immediately visible as a volume. The
// waiter prods the OS with several refresh techniques, polls the volume
// list for a volume whose extent matches the partition and, if nothing
// shows up, forces a drive letter assignment.
package mountwait

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/osbuild/bootmedia/pkg/device"
	"github.com/osbuild/bootmedia/pkg/retry"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultReadyChecks  = 10
	DefaultReadyDelay   = 200 * time.Millisecond
	DefaultRefreshEvery = 10
	DefaultTimeout      = 60 * time.Second
)

var ErrMountTimeout = errors.New("mount timeout")

// Method is how the volume was found.
type Method string

const (
	MethodEnumeration Method = "enumeration"
	// MethodForcedAssignment means the volume only appeared after a drive
	// letter was forced onto the partition.
	MethodForcedAssignment Method = "forced-assignment"
)

type Request struct {
	DiskIndex int
	// Offset is the starting byte offset of the partition.
	Offset uint64
	// Wildcard accepts any volume on the disk.
	Wildcard bool
	// PartitionNumber is used for the forced drive letter assignment.
	PartitionNumber int
	Timeout         time.Duration
}

type Result struct {
	// Volume is the OS name of the volume.
	Volume string
	// VolumePath is the mount path, e.g. E:\.
	VolumePath string
	Elapsed    time.Duration
	Method     Method
}

type Waiter struct {
	Volumes      device.VolumeManager
	Clock        retry.Clock
	PollInterval time.Duration
	ReadyChecks  int
	ReadyDelay   time.Duration
	RefreshEvery int
}

func New(vm device.VolumeManager) *Waiter {
	return &Waiter{
		Volumes:      vm,
		PollInterval: DefaultPollInterval,
		ReadyChecks:  DefaultReadyChecks,
		ReadyDelay:   DefaultReadyDelay,
		RefreshEvery: DefaultRefreshEvery,
	}
}

// refresh triggers every technique that makes the OS notice new volumes.
// None of them is reliable on its own; failures are only logged.
func (w *Waiter) refresh(ctx context.Context, index int) {
	log := logrus.WithField("disk", index)
	if err := w.Volumes.UpdateDiskProperties(index); err != nil {
		log.Debugf("update disk properties failed: %v", err)
	}
	if err := w.Volumes.Rescan(ctx); err != nil {
		log.Debugf("volume rescan failed: %v", err)
	}
	if err := w.Volumes.BroadcastArrival(); err != nil {
		log.Debugf("device arrival broadcast failed: %v", err)
	}
}

func (w *Waiter) matches(req Request, extents []device.Extent) bool {
	for _, ext := range extents {
		if ext.DiskIndex != req.DiskIndex {
			continue
		}
		if req.Wildcard || ext.StartingOffset == req.Offset {
			return true
		}
	}
	return false
}

// find returns the volume and its mount path, or empty strings if no
// mounted volume matches yet.
func (w *Waiter) find(req Request) (string, string, error) {
	vols, err := w.Volumes.Volumes()
	if err != nil {
		return "", "", err
	}
	for _, vol := range vols {
		extents, err := w.Volumes.Extents(vol)
		if err != nil {
			continue
		}
		if !w.matches(req, extents) {
			continue
		}
		mps, err := w.Volumes.MountPoints(vol)
		if err != nil {
			return "", "", err
		}
		if len(mps) == 0 {
			logrus.Debugf("volume %s matches but has no mount point yet", vol)
			continue
		}
		return vol, mps[0], nil
	}
	return "", "", nil
}

func (w *Waiter) ready(ctx context.Context, clock retry.Clock, mountPath string) bool {
	checks := w.ReadyChecks
	if checks <= 0 {
		checks = 1
	}
	for i := 0; i < checks; i++ {
		if w.Volumes.IsReady(mountPath) {
			return true
		}
		if i+1 == checks {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-clock.After(w.ReadyDelay):
		}
	}
	return false
}

// WaitForVolume blocks until a mounted and ready volume matches the
// request, the timeout passes or ctx is done.
func (w *Waiter) WaitForVolume(ctx context.Context, req Request) (Result, error) {
	clock := retry.ClockOrWall(w.Clock)
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	interval := w.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	polls := int(timeout / interval)
	if polls < 1 {
		polls = 1
	}

	log := logrus.WithFields(logrus.Fields{
		"disk":   req.DiskIndex,
		"offset": req.Offset,
	})
	start := clock.Now()
	w.refresh(ctx, req.DiskIndex)

	policy := retry.Regular(polls, interval)
	policy.Clock = clock

	var res Result
	assigned := false
	_, err := retry.Do(ctx, policy, func(attempt int) retry.Result {
		elapsed := clock.Now().Sub(start)
		if elapsed > timeout {
			return retry.Fail(errTimeout)
		}
		if attempt > 1 && w.RefreshEvery > 0 && (attempt-1)%w.RefreshEvery == 0 {
			log.Debugf("no volume after %d polls, refreshing", attempt-1)
			w.refresh(ctx, req.DiskIndex)
		}
		if !assigned && elapsed >= timeout/4 {
			assigned = true
			w.forceAssignment(ctx, req)
		}

		vol, mp, err := w.find(req)
		if err != nil {
			log.Debugf("volume enumeration failed: %v", err)
			return retry.Retry(err)
		}
		if vol == "" {
			return retry.Retry(errNotYet)
		}
		if !w.ready(ctx, clock, mp) {
			log.Debugf("volume %s at %s is not ready", vol, mp)
			return retry.Retry(errNotYet)
		}

		res = Result{
			Volume:     vol,
			VolumePath: mp,
			Elapsed:    clock.Now().Sub(start),
			Method:     MethodEnumeration,
		}
		if assigned {
			res.Method = MethodForcedAssignment
		}
		return retry.Done()
	})
	if err == nil {
		log.WithField("elapsed", res.Elapsed).Infof("volume %s mounted at %s", res.Volume, res.VolumePath)
		return res, nil
	}
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}

	elapsed := clock.Now().Sub(start)
	return Result{}, fmt.Errorf("%w: no volume for disk %d at offset %d after %s, assign a drive letter manually (diskpart: select disk %d, select partition %d, assign)",
		ErrMountTimeout, req.DiskIndex, req.Offset, elapsed.Round(time.Millisecond), req.DiskIndex, req.PartitionNumber)
}

var (
	errNotYet  = errors.New("volume not available yet")
	errTimeout = errors.New("timeout")
)

func (w *Waiter) forceAssignment(ctx context.Context, req Request) {
	log := logrus.WithField("disk", req.DiskIndex)
	if req.PartitionNumber <= 0 {
		log.Debug("partition number unknown, cannot force a drive letter")
		return
	}
	log.Infof("volume did not appear, forcing drive letter on partition %d", req.PartitionNumber)
	if err := w.Volumes.AssignDriveLetter(ctx, req.DiskIndex, req.PartitionNumber); err != nil {
		log.Warnf("forced drive letter assignment failed: %v", err)
	}
}

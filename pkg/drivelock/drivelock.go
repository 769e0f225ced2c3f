// Package drivelock opens physical devices for exclusive use, riding out
// the transient handles that other OS components keep on freshly changed
// devices.
package drivelock

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
	DefaultAttempts      = 20
	DefaultDelay         = 250 * time.Millisecond
	DefaultEscalateAfter = 7
)

var (
	// ErrAccessDenied is returned when the device could not be opened
	// within the retry budget.
	ErrAccessDenied = errors.New("access denied")
	// ErrLockFailed is returned when the device was opened but could not
	// be locked.
	ErrLockFailed = errors.New("lock failed")
)

// Handle is an open device owned by a single job.
type Handle struct {
	device.Handle

	// Escalated is true if the device had to be opened with read-write
	// sharing, i.e. other writers may exist.
	Escalated bool
	locked    bool
}

// Release unlocks the device if it was locked and closes the handle.
func (h *Handle) Release() error {
	var unlockErr error
	if h.locked {
		unlockErr = h.Unlock()
		h.locked = false
	}
	if err := h.Close(); err != nil {
		return err
	}
	if unlockErr != nil {
		return fmt.Errorf("cannot unlock disk %d: %w", h.Index(), unlockErr)
	}
	return nil
}

type Locker struct {
	Opener device.Opener
	Policy retry.Policy
	// EscalateAfter is the attempt from which read-write sharing is
	// requested.
	EscalateAfter int
}

func New(opener device.Opener) *Locker {
	return &Locker{
		Opener:        opener,
		Policy:        retry.Regular(DefaultAttempts, DefaultDelay),
		EscalateAfter: DefaultEscalateAfter,
	}
}

// OpenExclusive opens the device. With write access the device is also
// locked; if that fails the handle is closed again and ErrLockFailed is
// returned.
func (l *Locker) OpenExclusive(ctx context.Context, index int, write bool) (*Handle, error) {
	var h device.Handle
	escalated := false

	attempts, err := retry.Do(ctx, l.Policy, func(attempt int) retry.Result {
		share := device.ShareRead
		if l.EscalateAfter > 0 && attempt >= l.EscalateAfter {
			share = device.ShareReadWrite
			if !escalated {
				logrus.WithFields(logrus.Fields{
					"disk":    index,
					"attempt": attempt,
				}).Warn("device still busy, allowing shared write access")
				escalated = true
			}
		}

		var err error
		h, err = l.Opener.Open(index, write, share)
		switch {
		case err == nil:
			return retry.Done()
		case errors.Is(err, device.ErrSharingViolation):
			logrus.WithFields(logrus.Fields{
				"disk":    index,
				"attempt": attempt,
			}).Debug("device busy")
			return retry.Retry(err)
		default:
			return retry.Fail(err)
		}
	})
	if err != nil {
		var exhausted *retry.ExhaustedError
		if errors.As(err, &exhausted) {
			return nil, fmt.Errorf("%w: disk %d still in use after %d attempts: %v", ErrAccessDenied, index, attempts, exhausted.Err)
		}
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("cannot open disk %d: %w", index, err)
	}

	handle := &Handle{Handle: h, Escalated: escalated}
	if !write {
		return handle, nil
	}
	if err := h.Lock(); err != nil {
		if cerr := h.Close(); cerr != nil {
			logrus.Warnf("cannot close disk %d after failed lock: %v", index, cerr)
		}
		return nil, fmt.Errorf("%w: disk %d: %v", ErrLockFailed, index, err)
	}
	handle.locked = true
	logrus.WithFields(logrus.Fields{
		"disk":      index,
		"attempts":  attempts,
		"escalated": escalated,
	}).Debug("device opened and locked")
	return handle, nil
}

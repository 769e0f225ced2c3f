// Package automount keeps the OS from mounting volumes while a device is
// being rewritten.
package automount

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/osbuild/bootmedia/pkg/device"
)

// Guard scopes a disabled auto-mount state to the duration of an action.
// The auto-mount setting is OS-wide; the guard is the only thing that
// keeps a disabled state from outliving a job.
type Guard struct {
	AutoMounter device.AutoMounter
}

func New(am device.AutoMounter) *Guard {
	return &Guard{AutoMounter: am}
}

// WithDisabled disables auto-mount if it is enabled, runs fn and restores
// the original state afterwards, also if fn fails or panics. Failures to
// read or change the state are logged; they never change the result of
// fn.
func (g *Guard) WithDisabled(ctx context.Context, fn func(context.Context) error) error {
	enabled, err := g.AutoMounter.AutoMountEnabled()
	if err != nil {
		logrus.Warnf("cannot read auto-mount state, leaving it untouched: %v", err)
		return fn(ctx)
	}
	if !enabled {
		return fn(ctx)
	}

	if err := g.AutoMounter.SetAutoMount(false); err != nil {
		logrus.Warnf("cannot disable auto-mount: %v", err)
		return fn(ctx)
	}
	logrus.Debug("auto-mount disabled")

	defer func() {
		if err := g.AutoMounter.SetAutoMount(true); err != nil {
			logrus.Errorf("cannot restore auto-mount, enable it manually: %v", err)
			return
		}
		logrus.Debug("auto-mount restored")
	}()

	return fn(ctx)
}

// String describes the current state, for diagnostics.
func (g *Guard) String() string {
	enabled, err := g.AutoMounter.AutoMountEnabled()
	if err != nil {
		return fmt.Sprintf("auto-mount unknown (%v)", err)
	}
	if enabled {
		return "auto-mount enabled"
	}
	return "auto-mount disabled"
}

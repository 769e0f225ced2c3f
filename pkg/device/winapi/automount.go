//go:build windows

package winapi

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sys/windows/registry"

	"github.com/osbuild/bootmedia/pkg/exttool"
)

const (
	mountMgrKey      = `SYSTEM\CurrentControlSet\Services\mountmgr`
	noAutoMountValue = "NoAutoMount"
)

// AutoMountEnabled reads the mount manager setting. A missing value means
// auto-mount is on.
func (p *Platform) AutoMountEnabled() (bool, error) {
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, mountMgrKey, registry.QUERY_VALUE)
	if err != nil {
		return false, fmt.Errorf("cannot open %s: %w", mountMgrKey, err)
	}
	defer k.Close()

	v, _, err := k.GetIntegerValue(noAutoMountValue)
	if errors.Is(err, registry.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("cannot read %s: %w", noAutoMountValue, err)
	}
	return v == 0, nil
}

// SetAutoMount changes the setting through diskpart, which also informs
// the running mount manager.
func (p *Platform) SetAutoMount(enabled bool) error {
	_, err := exttool.RunDiskpart(context.Background(), exttool.AutomountScript(enabled))
	return err
}

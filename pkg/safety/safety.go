// Package safety classifies how dangerous it is to overwrite a device.
package safety

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/osbuild/bootmedia/pkg/datasizes"
	"github.com/osbuild/bootmedia/pkg/device"
)

// MinCapacity is the smallest device that is considered sane. Anything
// below is likely misidentified or broken.
const MinCapacity = 64 * datasizes.MiB

var ErrUnsafeTarget = errors.New("unsafe target")

// Violation is a set of reasons not to overwrite a device.
type Violation uint8

const (
	None          Violation = 0
	IsSystemDrive Violation = 1 << (iota - 1)
	IsSourceDrive
	TooSmall
	ReadOnly
)

var violationNames = []struct {
	v    Violation
	name string
}{
	{IsSystemDrive, "system-drive"},
	{IsSourceDrive, "source-drive"},
	{TooSmall, "too-small"},
	{ReadOnly, "read-only"},
}

// Has is true if all flags of o are set.
func (v Violation) Has(o Violation) bool {
	return v&o == o
}

// Critical returns the flags that block a job.
func (v Violation) Critical() Violation {
	return v & (IsSystemDrive | IsSourceDrive)
}

// Advisory returns the flags that only warrant a warning.
func (v Violation) Advisory() Violation {
	return v &^ (IsSystemDrive | IsSourceDrive)
}

func (v Violation) String() string {
	if v == None {
		return "none"
	}
	var names []string
	for _, vn := range violationNames {
		if v.Has(vn.v) {
			names = append(names, vn.name)
		}
	}
	return strings.Join(names, ",")
}

// Validator runs the checks against the live volume state.
type Validator struct {
	Volumes     device.VolumeManager
	MinCapacity uint64
}

func New(vm device.VolumeManager) *Validator {
	return &Validator{Volumes: vm, MinCapacity: MinCapacity}
}

// Classify checks the device. The checks are independent; each one that
// fails adds its flag. sourcePath may be empty.
func (v *Validator) Classify(ref device.Ref, sourcePath string) Violation {
	var res Violation

	onDisk, volErr := device.VolumesOnDisk(v.Volumes, ref.Index)
	if volErr != nil {
		logrus.Warnf("cannot list volumes of disk %d: %v", ref.Index, volErr)
	}

	if v.isSystemDrive(ref, onDisk, volErr) {
		res |= IsSystemDrive
	}
	if sourcePath != "" && v.holdsSource(ref, onDisk, sourcePath) {
		res |= IsSourceDrive
	}
	if ref.Capacity < v.MinCapacity {
		res |= TooSmall
	}
	if ref.ReadOnly {
		res |= ReadOnly
	}
	return res
}

// isSystemDrive fails closed: any error counts as a match.
func (v *Validator) isSystemDrive(ref device.Ref, onDisk []string, volErr error) bool {
	if volErr != nil {
		return true
	}
	sys, err := v.Volumes.SystemVolume()
	if err != nil {
		logrus.Warnf("cannot determine the system volume, treating disk %d as system drive: %v", ref.Index, err)
		return true
	}
	if sys == "" {
		logrus.Warnf("empty system volume, treating disk %d as system drive", ref.Index)
		return true
	}
	for _, vol := range onDisk {
		if sameVolume(vol, sys) {
			return true
		}
	}

	// also compare the mount points, the system volume may be reported
	// by mount path on some platforms
	for _, vol := range onDisk {
		mps, err := v.Volumes.MountPoints(vol)
		if err != nil {
			logrus.Warnf("cannot get mount points of %s, treating disk %d as system drive: %v", vol, ref.Index, err)
			return true
		}
		for _, mp := range mps {
			if sameVolume(mp, sys) {
				return true
			}
		}
	}
	return false
}

func (v *Validator) holdsSource(ref device.Ref, onDisk []string, sourcePath string) bool {
	srcVol, err := v.Volumes.VolumeForPath(sourcePath)
	if err != nil {
		// a source that cannot be resolved does not live on a volume of
		// the target, e.g. a network path
		logrus.Debugf("cannot resolve volume of %s: %v", sourcePath, err)
		return false
	}
	for _, vol := range onDisk {
		if sameVolume(vol, srcVol) {
			return true
		}
	}
	return false
}

func sameVolume(a, b string) bool {
	norm := func(s string) string {
		return strings.ToLower(strings.TrimRight(s, `\/`))
	}
	return norm(a) == norm(b)
}

// Check classifies the device and returns ErrUnsafeTarget for critical
// violations unless override is set. Advisory violations are logged.
func (v *Validator) Check(ref device.Ref, sourcePath string, override bool) (Violation, error) {
	res := v.Classify(ref, sourcePath)
	if adv := res.Advisory(); adv != None {
		logrus.WithFields(logrus.Fields{
			"disk":     ref.Index,
			"capacity": humanize.IBytes(ref.Capacity),
		}).Warnf("target has advisory safety issues: %s", adv)
	}
	crit := res.Critical()
	if crit == None {
		return res, nil
	}
	if override {
		logrus.WithField("disk", ref.Index).Warnf("overriding critical safety violation: %s", crit)
		return res, nil
	}
	return res, fmt.Errorf("%w: %s is %s", ErrUnsafeTarget, ref, crit)
}

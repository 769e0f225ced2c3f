package deploy

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gobwas/glob"

	"github.com/osbuild/bootmedia/pkg/datasizes"
	"github.com/osbuild/bootmedia/pkg/disk"
)

var ErrInvalidJob = errors.New("invalid job")

// StrategyKind selects how content reaches the device.
type StrategyKind uint64

const (
	// FileSystemCopy partitions and formats the device and copies the
	// files of the image onto it.
	FileSystemCopy StrategyKind = iota
	// RawSectorWrite copies the image byte for byte onto the device.
	RawSectorWrite
)

func (s StrategyKind) String() string {
	switch s {
	case FileSystemCopy:
		return "filesystem-copy"
	case RawSectorWrite:
		return "raw-sector-write"
	default:
		panic(fmt.Sprintf("unknown or unsupported strategy with enum value %d", s))
	}
}

func NewStrategyKind(s string) (StrategyKind, error) {
	switch strings.ToLower(s) {
	case "", "filesystem-copy", "filesystemcopy", "copy":
		return FileSystemCopy, nil
	case "raw-sector-write", "rawsectorwrite", "raw":
		return RawSectorWrite, nil
	default:
		return FileSystemCopy, fmt.Errorf("unknown strategy: %s", s)
	}
}

func (s StrategyKind) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *StrategyKind) UnmarshalText(data []byte) error {
	k, err := NewStrategyKind(string(data))
	if err != nil {
		return err
	}
	*s = k
	return nil
}

// SingleVolume describes the common case of one data volume spanning the
// device.
type SingleVolume struct {
	Scheme disk.PartitionTableType `json:"scheme" yaml:"scheme" toml:"scheme"`
	FSType disk.FSType             `json:"filesystem" yaml:"filesystem" toml:"filesystem"`
	Label  string                  `json:"label,omitempty" yaml:"label,omitempty" toml:"label,omitempty"`
}

type Options struct {
	QuickFormat bool           `json:"quick_format,omitempty" yaml:"quick_format,omitempty" toml:"quick_format,omitempty"`
	ClusterSize datasizes.Size `json:"cluster_size,omitempty" yaml:"cluster_size,omitempty" toml:"cluster_size,omitempty"`
	// PersistenceSize is the size of the persistence file created on the
	// content volume, 0 for none.
	PersistenceSize datasizes.Size `json:"persistence_size,omitempty" yaml:"persistence_size,omitempty" toml:"persistence_size,omitempty"`
	// Win11Bypass adds an answer file that skips the TPM, Secure Boot and
	// RAM checks of Windows setup.
	Win11Bypass bool `json:"win11_bypass,omitempty" yaml:"win11_bypass,omitempty" toml:"win11_bypass,omitempty"`
	// SkipVerify skips reading back the result.
	SkipVerify bool `json:"skip_verify,omitempty" yaml:"skip_verify,omitempty" toml:"skip_verify,omitempty"`
	// SplitPatterns select the files that may be split into parts when
	// they exceed the file size limit of the filesystem.
	SplitPatterns []string `json:"split,omitempty" yaml:"split,omitempty" toml:"split,omitempty"`
	// Exclude skips matching source entries.
	Exclude []string `json:"exclude,omitempty" yaml:"exclude,omitempty" toml:"exclude,omitempty"`
	// AllowUnsafe overrides critical safety violations.
	AllowUnsafe  bool          `json:"allow_unsafe,omitempty" yaml:"allow_unsafe,omitempty" toml:"allow_unsafe,omitempty"`
	MountTimeout time.Duration `json:"mount_timeout,omitempty" yaml:"mount_timeout,omitempty" toml:"mount_timeout,omitempty"`
}

// Job is one provisioning run. Either Layout or Single describes the
// partitions; Layout wins if both are set.
type Job struct {
	SourceImagePath string       `json:"source" yaml:"source" toml:"source"`
	TargetDevice    int          `json:"target" yaml:"target" toml:"target"`
	Layout          *disk.Layout `json:"layout,omitempty" yaml:"layout,omitempty" toml:"layout,omitempty"`
	Single          SingleVolume `json:"single,omitempty" yaml:"single,omitempty" toml:"single,omitempty"`
	Strategy        StrategyKind `json:"strategy" yaml:"strategy" toml:"strategy"`
	Options         Options      `json:"options,omitempty" yaml:"options,omitempty" toml:"options,omitempty"`
}

// EffectiveLayout returns the partition layout the job asks for.
func (j Job) EffectiveLayout() disk.Layout {
	if j.Layout != nil {
		return *j.Layout
	}
	scheme := j.Single.Scheme
	if scheme == disk.PT_NONE {
		scheme = disk.PT_GPT
	}
	fs := j.Single.FSType
	if fs == disk.FS_NONE {
		fs = disk.FS_FAT32
	}
	return disk.SingleVolume(scheme, j.Single.Label, fs)
}

// Validate checks the job without touching any device.
func (j Job) Validate() error {
	if j.SourceImagePath == "" {
		return fmt.Errorf("%w: no source image", ErrInvalidJob)
	}
	if j.TargetDevice < 0 {
		return fmt.Errorf("%w: invalid target device %d", ErrInvalidJob, j.TargetDevice)
	}
	if _, err := compilePatterns(j.Options.SplitPatterns); err != nil {
		return fmt.Errorf("%w: split patterns: %v", ErrInvalidJob, err)
	}
	if _, err := compilePatterns(j.Options.Exclude); err != nil {
		return fmt.Errorf("%w: exclude patterns: %v", ErrInvalidJob, err)
	}

	switch j.Strategy {
	case FileSystemCopy:
		layout := j.EffectiveLayout()
		if err := layout.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidJob, err)
		}
		for _, p := range layout.Partitions {
			opts := formatOptions(j.Options, p.FSType, p.Label)
			if p.FSType == disk.FS_NONE {
				continue
			}
			if err := opts.Validate(); err != nil {
				return fmt.Errorf("%w: partition %q: %v", ErrInvalidJob, p.Label, err)
			}
		}
	case RawSectorWrite:
		if j.Options.PersistenceSize != 0 || j.Options.Win11Bypass {
			return fmt.Errorf("%w: persistence and boot bypass need the filesystem-copy strategy", ErrInvalidJob)
		}
	default:
		return fmt.Errorf("%w: unknown strategy %d", ErrInvalidJob, j.Strategy)
	}
	return nil
}

// patterns matches slash separated paths. A pattern without a slash also
// matches the base name anywhere in the tree.
type patterns []glob.Glob

func compilePatterns(pats []string) (patterns, error) {
	var res patterns
	for _, p := range pats {
		g, err := glob.Compile(strings.TrimPrefix(strings.ReplaceAll(p, `\`, "/"), "/"), '/')
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
		}
		res = append(res, g)
	}
	return res, nil
}

func (ps patterns) Match(p string) bool {
	base := p
	if idx := strings.LastIndex(p, "/"); idx >= 0 {
		base = p[idx+1:]
	}
	for _, g := range ps {
		if g.Match(p) || g.Match(base) {
			return true
		}
	}
	return false
}

package disk

import (
	"errors"
	"fmt"

	"github.com/osbuild/bootmedia/pkg/datasizes"
)

const (
	// DefaultSectorSize is used when the device does not report one.
	DefaultSectorSize = 512

	// DefaultGrainBytes is the alignment of partition starts and sizes.
	DefaultGrainBytes = uint64(1 * datasizes.MiB)

	// FirstPartitionOffset is where the first partition starts. On MBR
	// disks this is the single data partition.
	FirstPartitionOffset = uint64(1 * datasizes.MiB)

	// ReservedPartitionSize is the size of the Microsoft reserved
	// partition every GPT layout starts with.
	ReservedPartitionSize = uint64(16 * datasizes.MiB)

	// DataPartitionOffset is where the first user partition starts on GPT
	// disks.
	DataPartitionOffset = FirstPartitionOffset + ReservedPartitionSize

	// TrailingGuard is left unallocated at the end of the device.
	TrailingGuard = uint64(1 * datasizes.MiB)

	// MaxGPTPartitions is the number of entries of a standard GPT.
	MaxGPTPartitions = 128
)

var ErrLayoutTooLarge = errors.New("layout does not fit the device")

// PartitionSpec describes a user partition. A zero Size takes the
// remaining capacity of the device.
type PartitionSpec struct {
	Label    string         `json:"label,omitempty" yaml:"label,omitempty" toml:"label,omitempty"`
	FSType   FSType         `json:"filesystem" yaml:"filesystem" toml:"filesystem"`
	Size     datasizes.Size `json:"size,omitempty" yaml:"size,omitempty" toml:"size,omitempty"`
	Bootable bool           `json:"bootable,omitempty" yaml:"bootable,omitempty" toml:"bootable,omitempty"`
	// Type overrides the partition type derived from the filesystem.
	Type string `json:"type,omitempty" yaml:"type,omitempty" toml:"type,omitempty"`
}

// Layout is the ordered list of user partitions plus the partitioning
// scheme. Partitions required by the scheme itself are not listed.
type Layout struct {
	Type       PartitionTableType `json:"scheme" yaml:"scheme" toml:"scheme"`
	Partitions []PartitionSpec    `json:"partitions" yaml:"partitions" toml:"partitions"`
}

// SingleVolume returns the layout of a device holding one data volume
// that spans the whole disk.
func SingleVolume(pt PartitionTableType, label string, fs FSType) Layout {
	return Layout{
		Type: pt,
		Partitions: []PartitionSpec{
			{
				Label:    label,
				FSType:   fs,
				Bootable: pt == PT_MBR,
			},
		},
	}
}

// IsSingleVolume is true if the layout has exactly one user partition
// taking the whole device.
func (l Layout) IsSingleVolume() bool {
	return len(l.Partitions) == 1 && l.Partitions[0].Size == 0
}

// FirstDataOffset is the byte offset of the first user partition.
func (l Layout) FirstDataOffset() uint64 {
	if l.Type == PT_GPT {
		return DataPartitionOffset
	}
	return FirstPartitionOffset
}

// Validate checks the layout independently of any device size.
func (l Layout) Validate() error {
	switch l.Type {
	case PT_MBR, PT_GPT:
	default:
		return fmt.Errorf("unsupported partition table type %q for a layout", l.Type)
	}
	if len(l.Partitions) == 0 {
		return errors.New("layout has no partitions")
	}
	if l.Type == PT_MBR && len(l.Partitions) > 1 {
		return errors.New("multi-partition layouts require gpt")
	}
	if l.Type == PT_GPT && len(l.Partitions) > MaxGPTPartitions-1 {
		return fmt.Errorf("too many partitions: %d", len(l.Partitions))
	}

	remaining := -1
	for idx, spec := range l.Partitions {
		if remaining >= 0 {
			return fmt.Errorf("partition %d (%q) is unreachable: partition %d already takes the remaining capacity", idx+1, spec.Label, remaining+1)
		}
		if spec.Size == 0 {
			remaining = idx
		}
	}
	return nil
}

// Compute resolves the placement of every partition for a device of the
// given capacity, including the reserved partition of GPT layouts.
// Partition starts are aligned to DefaultGrainBytes; the last byte of the
// last partition never exceeds capacity - TrailingGuard.
func (l Layout) Compute(capacity, sectorSize uint64) ([]Partition, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	if sectorSize == 0 {
		sectorSize = DefaultSectorSize
	}
	if capacity <= l.FirstDataOffset()+TrailingGuard {
		return nil, fmt.Errorf("%w: capacity %d is below the minimum of %d", ErrLayoutTooLarge, capacity, l.FirstDataOffset()+TrailingGuard)
	}
	usableEnd := alignDown(capacity-TrailingGuard, sectorSize)

	var parts []Partition
	if l.Type == PT_GPT {
		parts = append(parts, Partition{
			Number: 1,
			Start:  FirstPartitionOffset,
			Size:   ReservedPartitionSize,
			Type:   MicrosoftReservedGUID,
		})
	}

	offset := l.FirstDataOffset()
	for _, spec := range l.Partitions {
		if offset >= usableEnd {
			return nil, fmt.Errorf("%w: partition %q would start at %d past the usable end %d", ErrLayoutTooLarge, spec.Label, offset, usableEnd)
		}
		size := alignUp(spec.Size.Uint64(), DefaultGrainBytes)
		if size == 0 {
			size = usableEnd - offset
		}
		if offset+size > usableEnd {
			return nil, fmt.Errorf("%w: partition %q needs %d bytes at offset %d, only %d left", ErrLayoutTooLarge, spec.Label, size, offset, usableEnd-offset)
		}
		if l.Type == PT_MBR && (offset+size)/sectorSize > 0xFFFFFFFF {
			return nil, fmt.Errorf("%w: mbr cannot address beyond %d sectors", ErrLayoutTooLarge, uint64(0xFFFFFFFF))
		}

		ptype := spec.Type
		if ptype == "" {
			ptype = defaultPartitionType(l.Type, spec.FSType)
		}
		parts = append(parts, Partition{
			Number:   len(parts) + 1,
			Start:    offset,
			Size:     size,
			Type:     ptype,
			Bootable: spec.Bootable,
			Label:    spec.Label,
			FSType:   spec.FSType,
		})
		offset = alignUp(offset+size, DefaultGrainBytes)
	}

	return parts, nil
}

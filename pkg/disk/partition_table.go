package disk

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

// PartitionTable is the concrete table written to a device: the computed
// partitions plus the identity of the disk itself.
type PartitionTable struct {
	Type PartitionTableType
	// UUID is the disk GUID of a GPT disk, upper case like the
	// well-known type GUIDs.
	UUID string
	// Signature is the disk signature of an MBR disk.
	Signature uint32

	Size       uint64 // Size of the device in bytes
	SectorSize uint64

	Partitions []Partition
}

// NewPartitionTable computes the partitions of the layout for a device of
// the given capacity and assigns fresh identifiers. If rng is nil
// crypto/rand is used.
func NewPartitionTable(layout Layout, capacity, sectorSize uint64, rng io.Reader) (*PartitionTable, error) {
	parts, err := layout.Compute(capacity, sectorSize)
	if err != nil {
		return nil, err
	}
	if rng == nil {
		rng = rand.Reader
	}

	pt := &PartitionTable{
		Type:       layout.Type,
		Size:       capacity,
		SectorSize: sectorSize,
		Partitions: parts,
	}

	switch layout.Type {
	case PT_GPT:
		id, err := uuid.NewRandomFromReader(rng)
		if err != nil {
			return nil, fmt.Errorf("cannot generate disk GUID: %w", err)
		}
		pt.UUID = strings.ToUpper(id.String())
		for idx := range pt.Partitions {
			pid, err := uuid.NewRandomFromReader(rng)
			if err != nil {
				return nil, fmt.Errorf("cannot generate partition GUID: %w", err)
			}
			pt.Partitions[idx].UUID = strings.ToUpper(pid.String())
		}
	case PT_MBR:
		var sig [4]byte
		if _, err := io.ReadFull(rng, sig[:]); err != nil {
			return nil, fmt.Errorf("cannot generate disk signature: %w", err)
		}
		pt.Signature = binary.LittleEndian.Uint32(sig[:])
		for idx := range pt.Partitions {
			pt.Partitions[idx].UUID = fmt.Sprintf("%08x-%02d", pt.Signature, pt.Partitions[idx].Number)
		}
	}

	return pt, nil
}

// AlignUp will round up the given size value to the default grain if not
// already aligned.
func (pt *PartitionTable) AlignUp(size uint64) uint64 {
	return alignUp(size, DefaultGrainBytes)
}

// UserPartitions returns all partitions except the reserved one.
func (pt *PartitionTable) UserPartitions() []Partition {
	var res []Partition
	for _, p := range pt.Partitions {
		if !p.IsReserved() {
			res = append(res, p)
		}
	}
	return res
}

// FindByOffset returns the partition starting at the given byte offset.
func (pt *PartitionTable) FindByOffset(offset uint64) (Partition, bool) {
	for _, p := range pt.Partitions {
		if p.Start == offset {
			return p, true
		}
	}
	return Partition{}, false
}

func alignUp(size, grain uint64) uint64 {
	if grain == 0 || size%grain == 0 {
		return size
	}
	return (size/grain + 1) * grain
}

func alignDown(size, grain uint64) uint64 {
	if grain == 0 {
		return size
	}
	return size - size%grain
}

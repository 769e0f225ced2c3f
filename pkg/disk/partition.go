package disk

import (
	"fmt"
	"strings"
)

// Partition is a partition entry with its placement on the device
// resolved.
type Partition struct {
	Number   int    // 1-based index in the partition table
	Start    uint64 // Start of the partition in bytes
	Size     uint64 // Size of the partition in bytes
	Type     string // Partition type, e.g. 0c for MBR or a UUID for gpt
	Bootable bool   // `Legacy BIOS bootable` (GPT) or `active` (DOS) flag

	// ID of the partition, dos doesn't use traditional UUIDs, therefore this
	// is just a string.
	UUID string

	Label  string
	FSType FSType
}

// End returns the first byte after the partition.
func (p Partition) End() uint64 {
	return p.Start + p.Size
}

func (p Partition) IsReserved() bool {
	return strings.EqualFold(p.Type, MicrosoftReservedGUID)
}

func (p Partition) String() string {
	name := p.Label
	if p.IsReserved() {
		name = "reserved"
	}
	return fmt.Sprintf("#%d %q [%d, %d) %s", p.Number, name, p.Start, p.End(), p.FSType)
}

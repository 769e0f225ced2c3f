package disk

import (
	"fmt"
	"strings"

	"github.com/osbuild/bootmedia/pkg/datasizes"
)

// PartitionTableType is the partitioning scheme of a physical device.
type PartitionTableType uint64

const (
	PT_NONE PartitionTableType = iota
	PT_MBR
	PT_GPT
	// PT_RAW is the transient state a disk is forced into before it is
	// initialized again.
	PT_RAW
)

func (t PartitionTableType) String() string {
	switch t {
	case PT_NONE:
		return ""
	case PT_MBR:
		return "mbr"
	case PT_GPT:
		return "gpt"
	case PT_RAW:
		return "raw"
	default:
		panic(fmt.Sprintf("unknown or unsupported partition table type with enum value %d", t))
	}
}

func NewPartitionTableType(s string) (PartitionTableType, error) {
	switch strings.ToLower(s) {
	case "":
		return PT_NONE, nil
	case "mbr", "dos":
		return PT_MBR, nil
	case "gpt":
		return PT_GPT, nil
	case "raw":
		return PT_RAW, nil
	default:
		return PT_NONE, fmt.Errorf("unknown or unsupported partition table type name: %s", s)
	}
}

func (t PartitionTableType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *PartitionTableType) UnmarshalText(data []byte) error {
	ptt, err := NewPartitionTableType(string(data))
	if err != nil {
		return err
	}
	*t = ptt
	return nil
}

// FSType is the filesystem a volume is formatted with.
type FSType uint64

const (
	FS_NONE FSType = iota
	FS_FAT32
	FS_EXFAT
	FS_NTFS
	FS_EXT2
	FS_EXT3
	FS_EXT4
)

func (f FSType) String() string {
	switch f {
	case FS_NONE:
		return ""
	case FS_FAT32:
		return "fat32"
	case FS_EXFAT:
		return "exfat"
	case FS_NTFS:
		return "ntfs"
	case FS_EXT2:
		return "ext2"
	case FS_EXT3:
		return "ext3"
	case FS_EXT4:
		return "ext4"
	default:
		panic(fmt.Sprintf("unknown or unsupported filesystem type with enum value %d", f))
	}
}

func NewFSType(s string) (FSType, error) {
	switch strings.ToLower(s) {
	case "":
		return FS_NONE, nil
	case "fat32", "vfat":
		return FS_FAT32, nil
	case "exfat":
		return FS_EXFAT, nil
	case "ntfs":
		return FS_NTFS, nil
	case "ext2":
		return FS_EXT2, nil
	case "ext3":
		return FS_EXT3, nil
	case "ext4":
		return FS_EXT4, nil
	default:
		return FS_NONE, fmt.Errorf("unknown or unsupported filesystem type name: %s", s)
	}
}

func (f FSType) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *FSType) UnmarshalText(data []byte) error {
	fst, err := NewFSType(string(data))
	if err != nil {
		return err
	}
	*f = fst
	return nil
}

// IsExtFamily is true for the ext2/3/4 filesystems, which the native
// format tool cannot create.
func (f FSType) IsExtFamily() bool {
	return f == FS_EXT2 || f == FS_EXT3 || f == FS_EXT4
}

// MaxFileSize returns the largest single file the filesystem can hold, 0
// means no limit relevant for removable media.
func (f FSType) MaxFileSize() uint64 {
	switch f {
	case FS_FAT32:
		return 4*datasizes.GiB - 1
	case FS_EXT2, FS_EXT3:
		return 2 * datasizes.TiB
	default:
		return 0
	}
}

// FormatName is the filesystem name as understood by format.com.
func (f FSType) FormatName() string {
	switch f {
	case FS_FAT32:
		return "FAT32"
	case FS_EXFAT:
		return "exFAT"
	case FS_NTFS:
		return "NTFS"
	default:
		return strings.ToUpper(f.String())
	}
}

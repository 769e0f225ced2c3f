// Package winioctl converts between the partition table model and the
// byte layouts of the Windows disk device-control requests.
//
// This is the only place that knows about the in-memory layout of
// CREATE_DISK, DRIVE_LAYOUT_INFORMATION_EX, DISK_GEOMETRY_EX and
// VOLUME_DISK_EXTENTS. It does not call the OS and builds on every
// platform.
package winioctl

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/google/uuid"

	"github.com/osbuild/bootmedia/pkg/device"
	"github.com/osbuild/bootmedia/pkg/disk"
)

// Control codes.
const (
	IOCTL_DISK_GET_DRIVE_GEOMETRY_EX     = 0x000700A0
	IOCTL_DISK_GET_DRIVE_LAYOUT_EX       = 0x00070050
	IOCTL_DISK_SET_DRIVE_LAYOUT_EX       = 0x0007C054
	IOCTL_DISK_CREATE_DISK               = 0x0007C058
	IOCTL_DISK_UPDATE_PROPERTIES         = 0x00070140
	IOCTL_VOLUME_GET_VOLUME_DISK_EXTENTS = 0x00560000
	IOCTL_STORAGE_GET_DEVICE_NUMBER      = 0x002D1080
	IOCTL_STORAGE_QUERY_PROPERTY         = 0x002D1400
	IOCTL_DISK_IS_WRITABLE               = 0x00070024
	FSCTL_LOCK_VOLUME                    = 0x00090018
	FSCTL_UNLOCK_VOLUME                  = 0x0009001C
	FSCTL_DISMOUNT_VOLUME                = 0x00090020
)

// PARTITION_STYLE values.
const (
	PartitionStyleMBR = 0
	PartitionStyleGPT = 1
	PartitionStyleRAW = 2
)

const (
	CreateDiskSize          = 24
	DriveLayoutHeaderSize   = 48
	PartitionInfoSize       = 144
	GeometryExSize          = 32
	DiskExtentSize          = 24
	diskExtentsHeaderSize   = 8
	gptNameChars            = 36
	mbrLayoutEntries        = 4
	storageDeviceNumberSize = 12
)

var ErrShortBuffer = errors.New("buffer too short")

var le = binary.LittleEndian

// EncodeGUID writes a GUID in the mixed endian Windows layout.
func EncodeGUID(b []byte, s string) error {
	id, err := uuid.Parse(s)
	if err != nil {
		return fmt.Errorf("invalid GUID %q: %w", s, err)
	}
	le.PutUint32(b[0:], binary.BigEndian.Uint32(id[0:4]))
	le.PutUint16(b[4:], binary.BigEndian.Uint16(id[4:6]))
	le.PutUint16(b[6:], binary.BigEndian.Uint16(id[6:8]))
	copy(b[8:16], id[8:16])
	return nil
}

// DecodeGUID reads a GUID in the mixed endian Windows layout.
func DecodeGUID(b []byte) string {
	var id uuid.UUID
	binary.BigEndian.PutUint32(id[0:], le.Uint32(b[0:]))
	binary.BigEndian.PutUint16(id[4:], le.Uint16(b[4:]))
	binary.BigEndian.PutUint16(id[6:], le.Uint16(b[6:]))
	copy(id[8:], b[8:16])
	return strings.ToUpper(id.String())
}

func style(t disk.PartitionTableType) (uint32, error) {
	switch t {
	case disk.PT_MBR:
		return PartitionStyleMBR, nil
	case disk.PT_GPT:
		return PartitionStyleGPT, nil
	case disk.PT_RAW:
		return PartitionStyleRAW, nil
	default:
		return 0, fmt.Errorf("no partition style for table type %q", t)
	}
}

// CreateDisk encodes CREATE_DISK for the table. A PT_RAW table wipes the
// partitioning information.
func CreateDisk(pt *disk.PartitionTable) ([]byte, error) {
	st, err := style(pt.Type)
	if err != nil {
		return nil, err
	}
	b := make([]byte, CreateDiskSize)
	le.PutUint32(b[0:], st)
	switch pt.Type {
	case disk.PT_MBR:
		le.PutUint32(b[4:], pt.Signature)
	case disk.PT_GPT:
		if err := EncodeGUID(b[4:20], pt.UUID); err != nil {
			return nil, err
		}
		le.PutUint32(b[20:], disk.MaxGPTPartitions)
	}
	return b, nil
}

// gptUsable returns the first and the size of the usable area of a GPT
// disk: primary header and entries at the start, backup at the end.
func gptUsable(size, sectorSize uint64) (uint64, uint64) {
	if sectorSize == 0 {
		sectorSize = disk.DefaultSectorSize
	}
	entrySectors := (disk.MaxGPTPartitions*128 + sectorSize - 1) / sectorSize
	first := (2 + entrySectors) * sectorSize
	last := size - (1+entrySectors)*sectorSize
	if last < first {
		return first, 0
	}
	return first, last - first
}

// DriveLayout encodes DRIVE_LAYOUT_INFORMATION_EX. MBR layouts are padded
// to the four primary entries Windows expects.
func DriveLayout(pt *disk.PartitionTable) ([]byte, error) {
	st, err := style(pt.Type)
	if err != nil {
		return nil, err
	}
	if pt.Type == disk.PT_RAW {
		return nil, errors.New("a raw disk has no drive layout")
	}

	count := len(pt.Partitions)
	if pt.Type == disk.PT_MBR {
		if count > mbrLayoutEntries {
			return nil, fmt.Errorf("mbr supports %d primary partitions, got %d", mbrLayoutEntries, count)
		}
		count = mbrLayoutEntries
	}

	b := make([]byte, DriveLayoutHeaderSize+count*PartitionInfoSize)
	le.PutUint32(b[0:], st)
	le.PutUint32(b[4:], uint32(count))
	switch pt.Type {
	case disk.PT_MBR:
		le.PutUint32(b[8:], pt.Signature)
	case disk.PT_GPT:
		if err := EncodeGUID(b[8:24], pt.UUID); err != nil {
			return nil, err
		}
		first, length := gptUsable(pt.Size, pt.SectorSize)
		le.PutUint64(b[24:], first)
		le.PutUint64(b[32:], length)
		le.PutUint32(b[40:], disk.MaxGPTPartitions)
	}

	for idx := 0; idx < count; idx++ {
		entry := b[DriveLayoutHeaderSize+idx*PartitionInfoSize:][:PartitionInfoSize]
		le.PutUint32(entry[0:], st)
		// every entry is rewritten, including the empty MBR slots
		entry[28] = 1
		if idx >= len(pt.Partitions) {
			continue
		}
		if err := encodePartition(entry, pt.Type, pt.Partitions[idx], pt.SectorSize); err != nil {
			return nil, fmt.Errorf("partition %d: %w", idx+1, err)
		}
	}
	return b, nil
}

func encodePartition(b []byte, pt disk.PartitionTableType, p disk.Partition, sectorSize uint64) error {
	le.PutUint64(b[8:], p.Start)
	le.PutUint64(b[16:], p.Size)
	le.PutUint32(b[24:], uint32(p.Number))

	switch pt {
	case disk.PT_MBR:
		t, err := strconv.ParseUint(p.Type, 16, 8)
		if err != nil {
			return fmt.Errorf("invalid mbr partition type %q: %w", p.Type, err)
		}
		b[32] = byte(t)
		if p.Bootable {
			b[33] = 1
		}
		b[34] = 1
		if sectorSize == 0 {
			sectorSize = disk.DefaultSectorSize
		}
		le.PutUint32(b[36:], uint32(p.Start/sectorSize))
	case disk.PT_GPT:
		if err := EncodeGUID(b[32:48], p.Type); err != nil {
			return err
		}
		if p.UUID != "" {
			if err := EncodeGUID(b[48:64], p.UUID); err != nil {
				return err
			}
		}
		name := utf16.Encode([]rune(p.Label))
		if p.IsReserved() {
			name = utf16.Encode([]rune("Microsoft reserved partition"))
		}
		if len(name) > gptNameChars {
			name = name[:gptNameChars]
		}
		for i, c := range name {
			le.PutUint16(b[72+2*i:], c)
		}
	}
	return nil
}

// DecodeDriveLayout reads DRIVE_LAYOUT_INFORMATION_EX. Empty MBR slots are
// skipped.
func DecodeDriveLayout(b []byte) (*disk.PartitionTable, error) {
	if len(b) < DriveLayoutHeaderSize {
		return nil, fmt.Errorf("%w: drive layout header needs %d bytes, got %d", ErrShortBuffer, DriveLayoutHeaderSize, len(b))
	}
	count := int(le.Uint32(b[4:]))
	if len(b) < DriveLayoutHeaderSize+count*PartitionInfoSize {
		return nil, fmt.Errorf("%w: %d partition entries need %d bytes, got %d", ErrShortBuffer, count, DriveLayoutHeaderSize+count*PartitionInfoSize, len(b))
	}

	pt := &disk.PartitionTable{}
	switch le.Uint32(b[0:]) {
	case PartitionStyleMBR:
		pt.Type = disk.PT_MBR
		pt.Signature = le.Uint32(b[8:])
	case PartitionStyleGPT:
		pt.Type = disk.PT_GPT
		pt.UUID = DecodeGUID(b[8:24])
	case PartitionStyleRAW:
		pt.Type = disk.PT_RAW
		return pt, nil
	default:
		return nil, fmt.Errorf("unknown partition style %d", le.Uint32(b[0:]))
	}

	for idx := 0; idx < count; idx++ {
		entry := b[DriveLayoutHeaderSize+idx*PartitionInfoSize:][:PartitionInfoSize]
		p := disk.Partition{
			Start:  le.Uint64(entry[8:]),
			Size:   le.Uint64(entry[16:]),
			Number: int(le.Uint32(entry[24:])),
		}
		switch pt.Type {
		case disk.PT_MBR:
			if entry[32] == 0 {
				continue
			}
			p.Type = fmt.Sprintf("%02x", entry[32])
			p.Bootable = entry[33] != 0
		case disk.PT_GPT:
			p.Type = DecodeGUID(entry[32:48])
			p.UUID = DecodeGUID(entry[48:64])
			var name []uint16
			for i := 0; i < gptNameChars; i++ {
				c := le.Uint16(entry[72+2*i:])
				if c == 0 {
					break
				}
				name = append(name, c)
			}
			p.Label = string(utf16.Decode(name))
		}
		pt.Partitions = append(pt.Partitions, p)
	}
	return pt, nil
}

// LayoutBufferSize is large enough for any layout IOCTL_DISK_GET_DRIVE_LAYOUT_EX
// returns for removable media.
const LayoutBufferSize = DriveLayoutHeaderSize + disk.MaxGPTPartitions*PartitionInfoSize

// DecodeGeometry reads DISK_GEOMETRY_EX.
func DecodeGeometry(b []byte) (device.Geometry, error) {
	if len(b) < GeometryExSize {
		return device.Geometry{}, fmt.Errorf("%w: geometry needs %d bytes, got %d", ErrShortBuffer, GeometryExSize, len(b))
	}
	return device.Geometry{
		BytesPerSector: uint64(le.Uint32(b[20:])),
		DiskSize:       le.Uint64(b[24:]),
	}, nil
}

// EncodeGeometry is the inverse of DecodeGeometry, used by fakes.
func EncodeGeometry(g device.Geometry) []byte {
	b := make([]byte, GeometryExSize)
	le.PutUint32(b[20:], uint32(g.BytesPerSector))
	le.PutUint64(b[24:], g.DiskSize)
	return b
}

// DiskExtentsBufferSize fits the extents of a volume spanning up to n
// disks.
func DiskExtentsBufferSize(n int) int {
	return diskExtentsHeaderSize + n*DiskExtentSize
}

// DecodeDiskExtents reads VOLUME_DISK_EXTENTS.
func DecodeDiskExtents(b []byte) ([]device.Extent, error) {
	if len(b) < diskExtentsHeaderSize {
		return nil, fmt.Errorf("%w: disk extents header needs %d bytes, got %d", ErrShortBuffer, diskExtentsHeaderSize, len(b))
	}
	count := int(le.Uint32(b[0:]))
	if len(b) < DiskExtentsBufferSize(count) {
		return nil, fmt.Errorf("%w: %d disk extents need %d bytes, got %d", ErrShortBuffer, count, DiskExtentsBufferSize(count), len(b))
	}
	res := make([]device.Extent, count)
	for idx := range res {
		e := b[diskExtentsHeaderSize+idx*DiskExtentSize:]
		res[idx] = device.Extent{
			DiskIndex:      int(le.Uint32(e[0:])),
			StartingOffset: le.Uint64(e[8:]),
			Length:         le.Uint64(e[16:]),
		}
	}
	return res, nil
}

// EncodeDiskExtents is the inverse of DecodeDiskExtents.
func EncodeDiskExtents(extents []device.Extent) []byte {
	b := make([]byte, DiskExtentsBufferSize(len(extents)))
	le.PutUint32(b[0:], uint32(len(extents)))
	for idx, ext := range extents {
		e := b[diskExtentsHeaderSize+idx*DiskExtentSize:]
		le.PutUint32(e[0:], uint32(ext.DiskIndex))
		le.PutUint64(e[8:], ext.StartingOffset)
		le.PutUint64(e[16:], ext.Length)
	}
	return b
}

// StorageDeviceNumberSize is the size of STORAGE_DEVICE_NUMBER.
const StorageDeviceNumberSize = storageDeviceNumberSize

// DecodeDeviceNumber returns the device number of STORAGE_DEVICE_NUMBER.
func DecodeDeviceNumber(b []byte) (int, error) {
	if len(b) < storageDeviceNumberSize {
		return 0, fmt.Errorf("%w: device number needs %d bytes, got %d", ErrShortBuffer, storageDeviceNumberSize, len(b))
	}
	return int(le.Uint32(b[4:])), nil
}

// BusTypeUSB is the STORAGE_BUS_TYPE of USB attached devices.
const BusTypeUSB = 7

// DeviceDescriptor is the part of STORAGE_DEVICE_DESCRIPTOR that is used.
type DeviceDescriptor struct {
	Removable bool
	BusType   uint32
	Vendor    string
	Product   string
}

// Model is vendor and product, as shown to the user.
func (d DeviceDescriptor) Model() string {
	return strings.TrimSpace(strings.TrimSpace(d.Vendor) + " " + strings.TrimSpace(d.Product))
}

// DeviceDescriptorQuery encodes the STORAGE_PROPERTY_QUERY for the device
// descriptor (StorageDeviceProperty, PropertyStandardQuery).
func DeviceDescriptorQuery() []byte {
	return make([]byte, 12)
}

// DeviceDescriptorBufferSize fits the descriptor and its strings.
const DeviceDescriptorBufferSize = 1024

// DecodeDeviceDescriptor reads STORAGE_DEVICE_DESCRIPTOR.
func DecodeDeviceDescriptor(b []byte) (DeviceDescriptor, error) {
	if len(b) < 32 {
		return DeviceDescriptor{}, fmt.Errorf("%w: device descriptor needs 32 bytes, got %d", ErrShortBuffer, len(b))
	}
	return DeviceDescriptor{
		Removable: b[10] != 0,
		BusType:   le.Uint32(b[28:]),
		Vendor:    cString(b, le.Uint32(b[12:])),
		Product:   cString(b, le.Uint32(b[16:])),
	}, nil
}

// cString returns the NUL terminated string at off, empty if off is 0 or
// out of range.
func cString(b []byte, off uint32) string {
	if off == 0 || int(off) >= len(b) {
		return ""
	}
	s := b[off:]
	if idx := bytes.IndexByte(s, 0); idx >= 0 {
		s = s[:idx]
	}
	return string(s)
}

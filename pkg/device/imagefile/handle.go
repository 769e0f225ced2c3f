package imagefile

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/diskfs/go-diskfs/partition/mbr"
	"github.com/sirupsen/logrus"

	"github.com/osbuild/bootmedia/pkg/datasizes"
	"github.com/osbuild/bootmedia/pkg/device"
	"github.com/osbuild/bootmedia/pkg/disk"
)

type handle struct {
	img   *Image
	f     *os.File
	write bool
}

func (h *handle) Index() int {
	return h.img.Index
}

func (h *handle) ReadAt(p []byte, off int64) (int, error) {
	return h.f.ReadAt(p, off)
}

func (h *handle) WriteAt(p []byte, off int64) (int, error) {
	if !h.write {
		return 0, fmt.Errorf("%s: opened read-only", h.img.Path)
	}
	if uint64(off)+uint64(len(p)) > h.img.capacity {
		return 0, fmt.Errorf("%s: write of %d bytes at %d beyond the end of the image", h.img.Path, len(p), off)
	}
	return h.f.WriteAt(p, off)
}

func (h *handle) Close() error {
	if h.write {
		h.img.mu.Lock()
		h.img.writers--
		h.img.mu.Unlock()
	}
	return h.f.Close()
}

// Lock and Unlock are no-ops, exclusive access is enforced in Open.
func (h *handle) Lock() error   { return nil }
func (h *handle) Unlock() error { return nil }

func (h *handle) Geometry() (device.Geometry, error) {
	fi, err := h.f.Stat()
	if err != nil {
		return device.Geometry{}, err
	}
	return device.Geometry{DiskSize: uint64(fi.Size()), BytesPerSector: h.img.SectorSize}, nil
}

// CreateDisk with PT_RAW zeroes both ends of the image, which destroys the
// primary and the backup GPT. Otherwise an empty table is written.
func (h *handle) CreateDisk(pt *disk.PartitionTable) error {
	if pt.Type == disk.PT_RAW {
		zero := make([]byte, datasizes.MiB)
		if _, err := h.WriteAt(zero, 0); err != nil {
			return err
		}
		if h.img.capacity > 2*datasizes.MiB {
			if _, err := h.WriteAt(zero, int64(h.img.capacity-datasizes.MiB)); err != nil {
				return err
			}
		}
		h.img.mu.Lock()
		h.img.table = nil
		h.img.mu.Unlock()
		return nil
	}

	empty := *pt
	empty.Partitions = nil
	if err := h.writeTable(&empty); err != nil {
		return err
	}
	h.img.mu.Lock()
	h.img.table = &empty
	h.img.mu.Unlock()
	return nil
}

func (h *handle) SetLayout(pt *disk.PartitionTable) error {
	if err := h.writeTable(pt); err != nil {
		return err
	}
	cp := *pt
	cp.Partitions = append([]disk.Partition(nil), pt.Partitions...)
	h.img.mu.Lock()
	h.img.table = &cp
	h.img.mu.Unlock()
	return nil
}

func (h *handle) GetLayout() (*disk.PartitionTable, error) {
	return h.img.readLayout()
}

// UpdateProperties re-reads the table, there is no OS cache to flush.
func (h *handle) UpdateProperties() error {
	return h.img.UpdateDiskProperties(h.img.Index)
}

func (h *handle) writeTable(pt *disk.PartitionTable) error {
	if !h.write {
		return fmt.Errorf("%s: opened read-only", h.img.Path)
	}
	d, err := diskfs.Open(h.img.Path, diskfs.WithOpenMode(diskfs.ReadWrite))
	if err != nil {
		return fmt.Errorf("cannot open image %s: %w", h.img.Path, err)
	}
	table, err := toDiskfs(pt)
	if err != nil {
		return err
	}
	if err := d.Partition(table); err != nil {
		return fmt.Errorf("cannot write %s partition table to %s: %w", pt.Type, h.img.Path, err)
	}
	logrus.Debugf("wrote %s table with %d partitions to %s", pt.Type, len(pt.Partitions), h.img.Path)
	return nil
}

// legacyBIOSBootable is the GPT attribute bit matching the MBR active flag.
const legacyBIOSBootable = 1 << 2

func toDiskfs(pt *disk.PartitionTable) (partition.Table, error) {
	sectorSize := pt.SectorSize
	if sectorSize == 0 {
		sectorSize = disk.DefaultSectorSize
	}
	switch pt.Type {
	case disk.PT_GPT:
		table := &gpt.Table{
			LogicalSectorSize:  int(sectorSize),
			PhysicalSectorSize: int(sectorSize),
			ProtectiveMBR:      true,
			GUID:               pt.UUID,
		}
		for _, p := range pt.Partitions {
			part := &gpt.Partition{
				Start: p.Start / sectorSize,
				End:   p.End()/sectorSize - 1,
				Size:  p.Size,
				Type:  gpt.Type(p.Type),
				Name:  p.Label,
				GUID:  p.UUID,
			}
			if p.Bootable {
				part.Attributes |= legacyBIOSBootable
			}
			table.Partitions = append(table.Partitions, part)
		}
		return table, nil
	case disk.PT_MBR:
		table := &mbr.Table{
			LogicalSectorSize:  int(sectorSize),
			PhysicalSectorSize: int(sectorSize),
		}
		for _, p := range pt.Partitions {
			ptype, err := strconv.ParseUint(p.Type, 16, 8)
			if err != nil {
				return nil, fmt.Errorf("invalid mbr partition type %q: %w", p.Type, err)
			}
			table.Partitions = append(table.Partitions, &mbr.Partition{
				Bootable: p.Bootable,
				Type:     mbr.Type(ptype),
				Start:    uint32(p.Start / sectorSize),
				Size:     uint32(p.Size / sectorSize),
			})
		}
		return table, nil
	default:
		return nil, fmt.Errorf("cannot write a %q partition table", pt.Type)
	}
}

// readLayout reads the partition table back from the image. An image
// without a recognizable table is PT_RAW.
func (img *Image) readLayout() (*disk.PartitionTable, error) {
	d, err := diskfs.Open(img.Path, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		return nil, fmt.Errorf("cannot open image %s: %w", img.Path, err)
	}
	res := &disk.PartitionTable{
		Type:       disk.PT_RAW,
		Size:       img.capacity,
		SectorSize: img.SectorSize,
	}
	table, err := d.GetPartitionTable()
	if err != nil {
		logrus.Debugf("no partition table on %s: %v", img.Path, err)
		return res, nil
	}

	switch t := table.(type) {
	case *gpt.Table:
		res.Type = disk.PT_GPT
		res.UUID = strings.ToUpper(t.GUID)
		sectorSize := orDefault(uint64(t.LogicalSectorSize), img.SectorSize)
		for idx, p := range t.Partitions {
			if p == nil || p.Type == gpt.Unused {
				continue
			}
			res.Partitions = append(res.Partitions, disk.Partition{
				Number:   idx + 1,
				Start:    p.Start * sectorSize,
				Size:     (p.End - p.Start + 1) * sectorSize,
				Type:     strings.ToUpper(string(p.Type)),
				UUID:     strings.ToUpper(p.GUID),
				Label:    p.Name,
				Bootable: p.Attributes&legacyBIOSBootable != 0,
			})
		}
	case *mbr.Table:
		res.Type = disk.PT_MBR
		sectorSize := orDefault(uint64(t.LogicalSectorSize), img.SectorSize)
		for idx, p := range t.Partitions {
			if p == nil || p.Type == mbr.Empty {
				continue
			}
			res.Partitions = append(res.Partitions, disk.Partition{
				Number:   idx + 1,
				Start:    uint64(p.Start) * sectorSize,
				Size:     uint64(p.Size) * sectorSize,
				Type:     fmt.Sprintf("%02x", byte(p.Type)),
				Bootable: p.Bootable,
			})
		}
	default:
		return nil, fmt.Errorf("unsupported partition table %T on %s", table, img.Path)
	}
	return res, nil
}

func orDefault(v, def uint64) uint64 {
	if v == 0 {
		return def
	}
	return v
}

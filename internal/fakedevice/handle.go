package fakedevice

import (
	"errors"
	"fmt"

	"github.com/osbuild/bootmedia/pkg/device"
	"github.com/osbuild/bootmedia/pkg/disk"
)

var errClosed = errors.New("handle closed")

type handle struct {
	p      *Platform
	d      *fakeDisk
	write  bool
	closed bool
}

func (h *handle) control() error {
	h.p.Counters.DeviceControls++
	if h.closed {
		return errClosed
	}
	return nil
}

func (h *handle) Index() int {
	return h.d.ref.Index
}

func (h *handle) ReadAt(b []byte, off int64) (int, error) {
	if h.closed {
		return 0, errClosed
	}
	return h.d.file.ReadAt(b, off)
}

func (h *handle) WriteAt(b []byte, off int64) (int, error) {
	h.p.mu.Lock()
	h.p.Counters.Writes++
	h.p.mu.Unlock()
	if h.closed {
		return 0, errClosed
	}
	if !h.write {
		return 0, fmt.Errorf("disk %d opened read-only", h.d.ref.Index)
	}
	if uint64(off)+uint64(len(b)) > h.d.ref.Capacity {
		return 0, fmt.Errorf("write beyond end of disk %d", h.d.ref.Index)
	}
	return h.d.file.WriteAt(b, off)
}

func (h *handle) Close() error {
	h.p.mu.Lock()
	defer h.p.mu.Unlock()
	if h.closed {
		return errClosed
	}
	h.closed = true
	h.d.locked = false
	return nil
}

func (h *handle) Lock() error {
	h.p.mu.Lock()
	defer h.p.mu.Unlock()
	if err := h.control(); err != nil {
		return err
	}
	if h.p.LockErr != nil {
		return h.p.LockErr
	}
	h.d.locked = true
	return nil
}

func (h *handle) Unlock() error {
	h.p.mu.Lock()
	defer h.p.mu.Unlock()
	if err := h.control(); err != nil {
		return err
	}
	h.d.locked = false
	return nil
}

func (h *handle) Geometry() (device.Geometry, error) {
	h.p.mu.Lock()
	defer h.p.mu.Unlock()
	if err := h.control(); err != nil {
		return device.Geometry{}, err
	}
	return device.Geometry{
		DiskSize:       h.d.ref.Capacity,
		BytesPerSector: h.d.ref.SectorSize,
	}, nil
}

func (h *handle) CreateDisk(pt *disk.PartitionTable) error {
	h.p.mu.Lock()
	defer h.p.mu.Unlock()
	if err := h.control(); err != nil {
		return err
	}
	if pt.Type == disk.PT_RAW {
		if h.p.CleanErr != nil {
			return h.p.CleanErr
		}
		h.d.table = nil
	} else {
		if h.p.InitErr != nil {
			return h.p.InitErr
		}
		h.d.table = &disk.PartitionTable{
			Type:       pt.Type,
			UUID:       pt.UUID,
			Signature:  pt.Signature,
			Size:       pt.Size,
			SectorSize: pt.SectorSize,
		}
	}
	h.p.dropVolumesLocked(h.d.ref.Index)
	return nil
}

func (h *handle) SetLayout(pt *disk.PartitionTable) error {
	h.p.mu.Lock()
	defer h.p.mu.Unlock()
	if err := h.control(); err != nil {
		return err
	}
	if h.p.LayoutErr != nil {
		return h.p.LayoutErr
	}
	if h.d.table == nil || h.d.table.Type != pt.Type {
		return fmt.Errorf("disk %d is not initialized as %s", h.d.ref.Index, pt.Type)
	}
	cp := *pt
	cp.Partitions = append([]disk.Partition(nil), pt.Partitions...)
	h.d.table = &cp
	h.p.dropVolumesLocked(h.d.ref.Index)
	return h.p.surfaceVolumesLocked(h.d.ref.Index, &cp)
}

func (h *handle) GetLayout() (*disk.PartitionTable, error) {
	h.p.mu.Lock()
	defer h.p.mu.Unlock()
	if err := h.control(); err != nil {
		return nil, err
	}
	if h.d.table == nil {
		return &disk.PartitionTable{Type: disk.PT_RAW, Size: h.d.ref.Capacity, SectorSize: h.d.ref.SectorSize}, nil
	}
	cp := *h.d.table
	return &cp, nil
}

func (h *handle) UpdateProperties() error {
	h.p.mu.Lock()
	defer h.p.mu.Unlock()
	if err := h.control(); err != nil {
		return err
	}
	h.p.Counters.UpdateProps++
	return h.p.UpdateErr
}

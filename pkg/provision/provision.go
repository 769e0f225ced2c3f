// Package provision forces a device into a fresh partition layout.
//
// Every run walks the same one-way sequence of states:
//
//	Unformatted -> Cleaned -> Initialized -> LayoutWritten -> Rescanned
//
// Cleaning and rescanning are advisory; their failures are logged and the
// run continues. Initialization and the layout write are mandatory.
package provision

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/osbuild/bootmedia/pkg/device"
	"github.com/osbuild/bootmedia/pkg/disk"
)

var ErrDiskPreparation = errors.New("disk preparation failed")

type State int

const (
	Unformatted State = iota
	Cleaned
	Initialized
	LayoutWritten
	Rescanned
)

func (s State) String() string {
	switch s {
	case Unformatted:
		return "unformatted"
	case Cleaned:
		return "cleaned"
	case Initialized:
		return "initialized"
	case LayoutWritten:
		return "layout-written"
	case Rescanned:
		return "rescanned"
	default:
		panic(fmt.Sprintf("unknown provisioning state with enum value %d", s))
	}
}

// Report describes a finished run.
type Report struct {
	Table *disk.PartitionTable
	State State
	// Warnings collects the swallowed failures of advisory steps.
	Warnings []error
	// ReadBack is the layout the device reported after the rescan, nil if
	// it could not be read.
	ReadBack *disk.PartitionTable
}

// Provisioner prepares one device through an open handle. It is not safe
// for concurrent use; partition table operations on a device are
// sequential.
type Provisioner struct {
	Handle device.Handle
	// Capacity and SectorSize override the geometry reported by the
	// device when non-zero.
	Capacity   uint64
	SectorSize uint64
	// Rand is the source of disk and partition identifiers, crypto/rand
	// if nil.
	Rand io.Reader

	state  State
	report *Report
}

func New(h device.Handle) *Provisioner {
	return &Provisioner{Handle: h}
}

func (p *Provisioner) State() State {
	return p.state
}

// Prepare runs the state machine for the layout.
func (p *Provisioner) Prepare(ctx context.Context, layout disk.Layout) (*Report, error) {
	if p.state != Unformatted {
		return nil, fmt.Errorf("%w: provisioner already ran (state %s)", ErrDiskPreparation, p.state)
	}

	log := logrus.WithField("disk", p.Handle.Index())

	pt, err := p.plan(layout)
	if err != nil {
		return nil, err
	}
	p.report = &Report{Table: pt}

	steps := []struct {
		to        State
		mandatory bool
		run       func(*disk.PartitionTable) error
	}{
		{Cleaned, false, p.clean},
		{Initialized, true, p.initialize},
		{LayoutWritten, true, p.writeLayout},
		{Rescanned, false, p.rescan},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return p.report, err
		}
		if err := step.run(pt); err != nil {
			if step.mandatory {
				return p.report, fmt.Errorf("%w: disk %d: %s -> %s: %v", ErrDiskPreparation, p.Handle.Index(), p.state, step.to, err)
			}
			log.Warnf("%s -> %s failed, continuing: %v", p.state, step.to, err)
			p.report.Warnings = append(p.report.Warnings, err)
		}
		log.Debugf("disk state %s -> %s", p.state, step.to)
		p.state = step.to
		p.report.State = step.to
	}

	return p.report, nil
}

func (p *Provisioner) plan(layout disk.Layout) (*disk.PartitionTable, error) {
	capacity, sectorSize := p.Capacity, p.SectorSize
	if capacity == 0 || sectorSize == 0 {
		geo, err := p.Handle.Geometry()
		if err != nil {
			return nil, fmt.Errorf("%w: cannot read geometry of disk %d: %v", ErrDiskPreparation, p.Handle.Index(), err)
		}
		if capacity == 0 {
			capacity = geo.DiskSize
		}
		if sectorSize == 0 {
			sectorSize = geo.BytesPerSector
		}
	}

	pt, err := disk.NewPartitionTable(layout, capacity, sectorSize, p.Rand)
	if err != nil {
		return nil, fmt.Errorf("%w: disk %d: %v", ErrDiskPreparation, p.Handle.Index(), err)
	}
	return pt, nil
}

func (p *Provisioner) clean(pt *disk.PartitionTable) error {
	return p.Handle.CreateDisk(&disk.PartitionTable{
		Type:       disk.PT_RAW,
		Size:       pt.Size,
		SectorSize: pt.SectorSize,
	})
}

func (p *Provisioner) initialize(pt *disk.PartitionTable) error {
	return p.Handle.CreateDisk(pt)
}

func (p *Provisioner) writeLayout(pt *disk.PartitionTable) error {
	return p.Handle.SetLayout(pt)
}

func (p *Provisioner) rescan(pt *disk.PartitionTable) error {
	if err := p.Handle.UpdateProperties(); err != nil {
		return fmt.Errorf("cannot update disk properties: %w", err)
	}
	rb, err := p.Handle.GetLayout()
	if err != nil {
		return fmt.Errorf("cannot read back layout: %w", err)
	}
	p.report.ReadBack = rb
	if rb.Type != pt.Type || len(rb.Partitions) != len(pt.Partitions) {
		return fmt.Errorf("read back %s layout with %d partitions, expected %s with %d", rb.Type, len(rb.Partitions), pt.Type, len(pt.Partitions))
	}
	return nil
}

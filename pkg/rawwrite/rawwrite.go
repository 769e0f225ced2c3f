// Package rawwrite streams an image block for block onto a device.
//
// A reader goroutine fills chunks from a small fixed pool of buffers and
// hands them over a FIFO channel to the writer, so reading chunk N+1
// overlaps with writing chunk N while memory stays bounded. The channel
// order is the only sequencing of chunks.
package rawwrite

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/osbuild/bootmedia/pkg/datasizes"
	"github.com/osbuild/bootmedia/pkg/progress"
	"github.com/osbuild/bootmedia/pkg/retry"
)

const (
	DefaultChunkSize      = 4 * datasizes.MiB
	DefaultBuffers        = 3
	DefaultSectorSize     = 512
	DefaultReportInterval = 250 * time.Millisecond
)

var (
	ErrSourceTooLarge     = errors.New("source larger than target")
	ErrVerificationFailed = errors.New("write verification failed")
)

// MismatchError is the first offset at which the device differs from the
// source.
type MismatchError struct {
	Offset int64
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%v: first mismatch at offset %d", ErrVerificationFailed, e.Offset)
}

func (e *MismatchError) Unwrap() error {
	return ErrVerificationFailed
}

// Target is the device written to.
type Target interface {
	io.WriterAt
}

type Writer struct {
	ChunkSize  int
	Buffers    int
	SectorSize uint64
	// Capacity of the target in bytes.
	Capacity uint64

	Report         progress.Reporter
	ReportInterval time.Duration
	Clock          retry.Clock
}

func New(capacity, sectorSize uint64) *Writer {
	if sectorSize == 0 {
		sectorSize = DefaultSectorSize
	}
	return &Writer{
		ChunkSize:      DefaultChunkSize,
		Buffers:        DefaultBuffers,
		SectorSize:     sectorSize,
		Capacity:       capacity,
		ReportInterval: DefaultReportInterval,
	}
}

type chunk struct {
	buf    []byte
	n      int // bytes to write, including padding
	offset int64
}

// PaddedSize is the number of bytes written for a source of the given
// size.
func (w *Writer) PaddedSize(size int64) uint64 {
	s := uint64(size)
	if rem := s % w.SectorSize; rem != 0 {
		s += w.SectorSize - rem
	}
	return s
}

func (w *Writer) check(size int64) error {
	if size < 0 {
		return fmt.Errorf("invalid source size %d", size)
	}
	if w.SectorSize == 0 || w.ChunkSize <= 0 || uint64(w.ChunkSize)%w.SectorSize != 0 {
		return fmt.Errorf("chunk size %d is not a multiple of the sector size %d", w.ChunkSize, w.SectorSize)
	}
	if w.PaddedSize(size) > w.Capacity {
		return fmt.Errorf("%w: %s image, %s device", ErrSourceTooLarge, humanize.IBytes(uint64(size)), humanize.IBytes(w.Capacity))
	}
	return nil
}

func (w *Writer) reporter(op string, size int64) func(done int64) {
	r := progress.Throttle(w.Report, w.ReportInterval, w.Clock)
	return func(done int64) {
		if done > size {
			done = size
		}
		r(progress.Statistics{
			BytesWritten: uint64(done),
			TotalBytes:   uint64(size),
			Percent:      progress.Percent(uint64(done), uint64(size)),
			Operation:    op,
		})
	}
}

// Write copies size bytes from src to the start of dst. The final chunk is
// padded with zeroes up to the sector size. Nothing is written if the
// source does not fit.
func (w *Writer) Write(ctx context.Context, src io.Reader, size int64, dst Target) error {
	if err := w.check(size); err != nil {
		return err
	}
	buffers := w.Buffers
	if buffers < 2 {
		buffers = 2
	}

	pool := make(chan []byte, buffers)
	for i := 0; i < buffers; i++ {
		pool <- make([]byte, w.ChunkSize)
	}
	chunks := make(chan chunk, buffers)
	report := w.reporter("writing image", size)
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(chunks)
		for off := int64(0); off < size; {
			var buf []byte
			select {
			case <-gctx.Done():
				return gctx.Err()
			case buf = <-pool:
			}

			n := int64(w.ChunkSize)
			if size-off < n {
				n = size - off
			}
			if _, err := io.ReadFull(src, buf[:n]); err != nil {
				return fmt.Errorf("cannot read source at offset %d: %w", off, err)
			}
			padded := int(w.PaddedSize(n))
			clear(buf[n:padded])

			select {
			case <-gctx.Done():
				return gctx.Err()
			case chunks <- chunk{buf: buf, n: padded, offset: off}:
			}
			off += n
		}
		return nil
	})
	g.Go(func() error {
		for c := range chunks {
			if err := gctx.Err(); err != nil {
				return err
			}
			if _, err := dst.WriteAt(c.buf[:c.n], c.offset); err != nil {
				return fmt.Errorf("cannot write at offset %d: %w", c.offset, err)
			}
			report(c.offset + int64(c.n))
			pool <- c.buf
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	report(size)
	logrus.WithFields(logrus.Fields{
		"bytes":   size,
		"elapsed": time.Since(start).Round(time.Millisecond),
	}).Infof("wrote %s", humanize.IBytes(uint64(size)))
	return nil
}

// Verify reads back the first size bytes of dst and compares them with
// src. Reads cover whole sectors, as raw devices reject anything else;
// padding written after the source is read but not checked.
func (w *Writer) Verify(ctx context.Context, src io.Reader, size int64, dst io.ReaderAt) error {
	if w.SectorSize == 0 || w.ChunkSize <= 0 || uint64(w.ChunkSize)%w.SectorSize != 0 {
		return fmt.Errorf("chunk size %d is not a multiple of the sector size %d", w.ChunkSize, w.SectorSize)
	}
	want := make([]byte, w.ChunkSize)
	got := make([]byte, w.ChunkSize)
	report := w.reporter("verifying image", size)

	for off := int64(0); off < size; {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := int64(w.ChunkSize)
		if size-off < n {
			n = size - off
		}
		if _, err := io.ReadFull(src, want[:n]); err != nil {
			return fmt.Errorf("cannot read source at offset %d: %w", off, err)
		}
		padded := int64(w.PaddedSize(n))
		if m, err := dst.ReadAt(got[:padded], off); err != nil && !(errors.Is(err, io.EOF) && int64(m) >= n) {
			return fmt.Errorf("cannot read back offset %d: %w", off, err)
		}
		if !bytes.Equal(want[:n], got[:n]) {
			return &MismatchError{Offset: off + firstDiff(want[:n], got[:n])}
		}
		off += n
		report(off)
	}
	return nil
}

func firstDiff(a, b []byte) int64 {
	for i := range a {
		if a[i] != b[i] {
			return int64(i)
		}
	}
	return int64(len(a))
}

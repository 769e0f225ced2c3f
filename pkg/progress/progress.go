// Package progress carries write statistics from long running operations
// to whoever displays them.
package progress

import (
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/osbuild/bootmedia/pkg/retry"
)

// Statistics is a progress snapshot. Only the most recent one matters.
type Statistics struct {
	BytesWritten uint64
	TotalBytes   uint64
	// Percent of the whole job, 0 to 100.
	Percent   float64
	Operation string
}

func (s Statistics) String() string {
	if s.TotalBytes == 0 {
		return fmt.Sprintf("%5.1f%% %s", s.Percent, s.Operation)
	}
	return fmt.Sprintf("%5.1f%% %s (%s / %s)", s.Percent, s.Operation, humanize.IBytes(s.BytesWritten), humanize.IBytes(s.TotalBytes))
}

// Reporter receives statistics. It must not block for long.
type Reporter func(Statistics)

// Discard drops all statistics.
func Discard(Statistics) {}

// OrDiscard returns r, or Discard if r is nil.
func OrDiscard(r Reporter) Reporter {
	if r == nil {
		return Discard
	}
	return r
}

// Percent computes the share of done in total.
func Percent(done, total uint64) float64 {
	if total == 0 {
		return 0
	}
	if done >= total {
		return 100
	}
	return float64(done) * 100 / float64(total)
}

// Stage maps the 0-100 progress of one step onto the [From, To] range of
// the whole job.
type Stage struct {
	From, To float64
}

// Scale wraps r so that a step reporting 0-100 moves the job from
// s.From to s.To.
func (s Stage) Scale(r Reporter) Reporter {
	r = OrDiscard(r)
	return func(st Statistics) {
		pct := st.Percent
		if pct < 0 {
			pct = 0
		}
		if pct > 100 {
			pct = 100
		}
		st.Percent = s.From + (s.To-s.From)*pct/100
		r(st)
	}
}

// Throttle forwards at most one snapshot per interval. Snapshots that
// complete a step (100%) or change the operation are always forwarded.
func Throttle(r Reporter, interval time.Duration, clock retry.Clock) Reporter {
	r = OrDiscard(r)
	clock = retry.ClockOrWall(clock)

	var (
		mu     sync.Mutex
		last   time.Time
		lastOp string
		sent   bool
	)
	return func(st Statistics) {
		mu.Lock()
		now := clock.Now()
		forward := !sent || st.Percent >= 100 || st.Operation != lastOp || now.Sub(last) >= interval
		if forward {
			sent = true
			last = now
			lastOp = st.Operation
		}
		mu.Unlock()
		if forward {
			r(st)
		}
	}
}

package progress_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/osbuild/bootmedia/internal/testclock"
	"github.com/osbuild/bootmedia/pkg/datasizes"
	"github.com/osbuild/bootmedia/pkg/progress"
)

type recorder struct {
	got []progress.Statistics
}

func (r *recorder) report(st progress.Statistics) {
	r.got = append(r.got, st)
}

func TestPercent(t *testing.T) {
	assert.Equal(t, 0.0, progress.Percent(5, 0))
	assert.Equal(t, 50.0, progress.Percent(5, 10))
	assert.Equal(t, 100.0, progress.Percent(11, 10))
}

func TestStageScale(t *testing.T) {
	rec := &recorder{}
	r := progress.Stage{From: 10, To: 90}.Scale(rec.report)

	r(progress.Statistics{Percent: 0})
	r(progress.Statistics{Percent: 50})
	r(progress.Statistics{Percent: 100})
	r(progress.Statistics{Percent: 150})

	var pcts []float64
	for _, st := range rec.got {
		pcts = append(pcts, st.Percent)
	}
	assert.Equal(t, []float64{10, 50, 90, 90}, pcts)
}

func TestThrottle(t *testing.T) {
	rec := &recorder{}
	clock := testclock.New()
	r := progress.Throttle(rec.report, 250*time.Millisecond, clock)

	r(progress.Statistics{Percent: 1, Operation: "write"})
	r(progress.Statistics{Percent: 2, Operation: "write"})
	clock.Advance(100 * time.Millisecond)
	r(progress.Statistics{Percent: 3, Operation: "write"})
	clock.Advance(200 * time.Millisecond)
	r(progress.Statistics{Percent: 4, Operation: "write"})
	r(progress.Statistics{Percent: 5, Operation: "verify"})
	r(progress.Statistics{Percent: 100, Operation: "verify"})

	var pcts []float64
	for _, st := range rec.got {
		pcts = append(pcts, st.Percent)
	}
	assert.Equal(t, []float64{1, 4, 5, 100}, pcts)
}

func TestStatisticsString(t *testing.T) {
	st := progress.Statistics{
		BytesWritten: 512 * datasizes.MiB,
		TotalBytes:   datasizes.GiB,
		Percent:      50,
		Operation:    "copying files",
	}
	assert.Equal(t, " 50.0% copying files (512 MiB / 1.0 GiB)", st.String())
	assert.Equal(t, "100.0% done", progress.Statistics{Percent: 100, Operation: "done"}.String())
}

func TestOrDiscard(t *testing.T) {
	assert.NotPanics(t, func() {
		progress.OrDiscard(nil)(progress.Statistics{})
	})
}

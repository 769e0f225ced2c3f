package main

import (
	"context"
	"io"
	"sync"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/osbuild/bootmedia/pkg/progress"
)

// newProgressBar renders the job progress as a single bar on w. The
// returned wait func completes the bar and must be called once the job
// is over.
func newProgressBar(ctx context.Context, w io.Writer) (progress.Reporter, func()) {
	p := mpb.NewWithContext(ctx, mpb.WithOutput(w), mpb.WithWidth(40))

	var (
		mu   sync.Mutex
		last progress.Statistics
	)
	bar := p.AddBar(100,
		mpb.PrependDecorators(
			decor.Any(func(decor.Statistics) string {
				mu.Lock()
				defer mu.Unlock()
				return last.Operation
			}, decor.WCSyncSpaceR),
		),
		mpb.AppendDecorators(decor.Percentage()),
	)

	report := func(st progress.Statistics) {
		mu.Lock()
		last = st
		mu.Unlock()
		bar.SetCurrent(int64(st.Percent))
	}
	wait := func() {
		mu.Lock()
		done := last.Percent >= 100
		mu.Unlock()
		if !done {
			// leave the bar where the job stopped
			bar.Abort(false)
		}
		p.Wait()
	}
	return report, wait
}

package imgpool

import (
	"context"
	"sync"

	"go.uber.org/multierr"
)

// BatchOptions tune ProcessBatch.
type BatchOptions struct {
	// MaxConcurrency caps how many of the batch's tasks are in
	// flight at once. Defaults to the pool's MaxWorkers, and never
	// exceeds the batch size.
	MaxConcurrency int

	Priority Priority

	// OnProgress receives overall fractional progress in [0,1]:
	// completed tasks plus the fractional progress of in-flight ones,
	// over the total.
	OnProgress func(fraction float64)

	OnTaskComplete func(index int, res *Result)
	OnTaskError    func(index int, err error)

	// AbortOnFirstError stops dispatching new tasks after the first
	// failure; in-flight tasks drain, then ProcessBatch returns the
	// aggregated error.
	AbortOnFirstError bool
}

// BatchResult aggregates per-task outcomes, index-aligned with the
// submitted requests.
type BatchResult struct {
	Results      []*Result
	Errors       []error
	SuccessCount int
	ErrorCount   int
	TotalCount   int
}

type batchDone struct {
	index int
	res   *Result
	err   error
}

// ProcessBatch runs the requests under a pull-based in-flight window:
// up to MaxConcurrency tasks are started, and each completion
// immediately starts the next request until all are dispatched.
// Without AbortOnFirstError the batch always runs to completion and
// individual failures only show up in the counts.
func (p *Pool) ProcessBatch(ctx context.Context, reqs []ConvertRequest, opts BatchOptions) (*BatchResult, error) {
	total := len(reqs)
	out := &BatchResult{
		Results:    make([]*Result, total),
		Errors:     make([]error, total),
		TotalCount: total,
	}
	if total == 0 {
		return out, nil
	}

	window := opts.MaxConcurrency
	if window <= 0 || window > p.opts.MaxWorkers {
		window = p.opts.MaxWorkers
	}
	if window > total {
		window = total
	}

	var (
		progressMu sync.Mutex
		fractions  = make(map[int]float64, window)
		completed  int
	)
	reportProgress := func() {
		if opts.OnProgress == nil {
			return
		}
		progressMu.Lock()
		frac := float64(completed)
		for _, f := range fractions {
			frac += f / 100
		}
		progressMu.Unlock()
		opts.OnProgress(frac / float64(total))
	}

	doneCh := make(chan batchDone)
	start := func(index int) bool {
		idx := index
		h, err := p.Submit(reqs[idx], SubmitOptions{
			Priority: opts.Priority,
			OnProgress: func(pct float64, _ string) {
				progressMu.Lock()
				fractions[idx] = pct
				progressMu.Unlock()
				reportProgress()
			},
		})
		if err != nil {
			go func() { doneCh <- batchDone{index: idx, err: err} }()
			return false
		}
		go func() {
			res, werr := h.Wait(ctx)
			doneCh <- batchDone{index: idx, res: res, err: werr}
		}()
		return true
	}

	next := 0
	for ; next < window; next++ {
		start(next)
	}

	aborted := false
	for finished := 0; finished < next; finished++ {
		d := <-doneCh

		progressMu.Lock()
		delete(fractions, d.index)
		completed++
		progressMu.Unlock()

		if d.err != nil {
			out.Errors[d.index] = d.err
			out.ErrorCount++
			if opts.OnTaskError != nil {
				opts.OnTaskError(d.index, d.err)
			}
			if opts.AbortOnFirstError {
				aborted = true
			}
		} else {
			out.Results[d.index] = d.res
			out.SuccessCount++
			if opts.OnTaskComplete != nil {
				opts.OnTaskComplete(d.index, d.res)
			}
		}
		reportProgress()

		if next < total && !aborted {
			start(next)
			next++
		}
	}

	if aborted {
		err := multierr.Combine(out.Errors...)
		p.bus.Publish(Event{Type: EventBatchFailed, Err: err})
		return out, err
	}
	p.bus.Publish(Event{Type: EventBatchCompleted})
	return out, nil
}

package imgpool_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	wp "github.com/azargarov/imgpool"
)

// markedEncode fails for payloads starting with 0xFF and echoes
// everything else.
func markedEncode(ctx context.Context, req wp.ConvertRequest, progress wp.ProgressFunc) ([]byte, error) {
	if len(req.Data) > 0 && req.Data[0] == 0xFF {
		return nil, errors.New("synthetic encode failure")
	}
	return req.Data, nil
}

func TestProcessBatchAllSucceed(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, wp.Options{MaxWorkers: 3, MinWorkers: 2})

	reqs := make([]wp.ConvertRequest, 6)
	for i := range reqs {
		reqs[i] = wp.ConvertRequest{Data: []byte{byte(i + 1)}, OutputFormat: "webp"}
	}

	res, err := p.ProcessBatch(context.Background(), reqs, wp.BatchOptions{})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if res.SuccessCount != 6 || res.ErrorCount != 0 || res.TotalCount != 6 {
		t.Fatalf("counts %d/%d/%d, want 6/0/6", res.SuccessCount, res.ErrorCount, res.TotalCount)
	}
	for i, r := range res.Results {
		if r == nil {
			t.Fatalf("result %d missing", i)
		}
		if !bytes.Equal(r.Data, reqs[i].Data) {
			t.Fatalf("result %d is not index-aligned", i)
		}
	}
}

// One bad request out of five: without AbortOnFirstError the batch
// runs to completion and the failure only shows in the counts.
func TestProcessBatchPartialFailure(t *testing.T) {
	t.Parallel()

	opts := fastRetryOptions()
	opts.MaxWorkers = 2
	opts.MinWorkers = 2
	opts.MaxRetries = -1
	opts.Encode = markedEncode
	p := newTestPool(t, opts)

	reqs := []wp.ConvertRequest{
		{Data: []byte{1}},
		{Data: []byte{0xFF, 2}},
		{Data: []byte{3}},
		{Data: []byte{4}},
		{Data: []byte{5}},
	}

	taskErrIndex := -1
	res, err := p.ProcessBatch(context.Background(), reqs, wp.BatchOptions{
		MaxConcurrency: 2,
		OnTaskError:    func(index int, _ error) { taskErrIndex = index },
	})
	if err != nil {
		t.Fatalf("batch returned error without abort: %v", err)
	}
	if res.SuccessCount != 4 || res.ErrorCount != 1 {
		t.Fatalf("counts %d/%d, want 4/1", res.SuccessCount, res.ErrorCount)
	}
	if res.Errors[1] == nil || res.Results[1] != nil {
		t.Fatal("failure not recorded at index 1")
	}
	if taskErrIndex != 1 {
		t.Fatalf("OnTaskError index %d, want 1", taskErrIndex)
	}
}

func TestProcessBatchAbortOnFirstError(t *testing.T) {
	t.Parallel()

	opts := fastRetryOptions()
	opts.MaxWorkers = 1
	opts.MinWorkers = 1
	opts.MaxRetries = -1
	opts.Encode = markedEncode
	p := newTestPool(t, opts)

	reqs := []wp.ConvertRequest{
		{Data: []byte{0xFF}},
		{Data: []byte{2}},
		{Data: []byte{3}},
		{Data: []byte{4}},
	}

	res, err := p.ProcessBatch(context.Background(), reqs, wp.BatchOptions{
		MaxConcurrency:    1,
		AbortOnFirstError: true,
	})
	if err == nil {
		t.Fatal("expected aggregated batch error")
	}
	if res.ErrorCount != 1 {
		t.Fatalf("error count %d, want 1", res.ErrorCount)
	}
	// With a window of 1 the abort fires before anything else starts.
	if res.SuccessCount != 0 {
		t.Fatalf("success count %d, want 0 after immediate abort", res.SuccessCount)
	}
}

func TestProcessBatchProgress(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, wp.Options{
		MaxWorkers: 2,
		MinWorkers: 1,
		Encode:     sleepEncode(10 * time.Millisecond),
	})

	var (
		mu        sync.Mutex
		fractions []float64
	)
	reqs := make([]wp.ConvertRequest, 4)
	for i := range reqs {
		reqs[i] = wp.ConvertRequest{Data: []byte{byte(i)}}
	}

	res, err := p.ProcessBatch(context.Background(), reqs, wp.BatchOptions{
		MaxConcurrency: 2,
		OnProgress: func(fraction float64) {
			mu.Lock()
			fractions = append(fractions, fraction)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if res.SuccessCount != 4 {
		t.Fatalf("success count %d, want 4", res.SuccessCount)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(fractions) == 0 {
		t.Fatal("no progress reported")
	}
	last := fractions[len(fractions)-1]
	if last != 1.0 {
		t.Fatalf("final fraction %v, want 1.0", last)
	}
	for _, f := range fractions {
		if f < 0 || f > 1 {
			t.Fatalf("fraction %v out of range", f)
		}
	}
}

func TestProcessBatchEmpty(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, wp.Options{})

	res, err := p.ProcessBatch(context.Background(), nil, wp.BatchOptions{})
	if err != nil {
		t.Fatalf("empty batch: %v", err)
	}
	if res.TotalCount != 0 {
		t.Fatalf("total %d, want 0", res.TotalCount)
	}
}

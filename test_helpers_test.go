package imgpool_test

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	wp "github.com/azargarov/imgpool"
)

// instantEncode returns the payload untouched.
func instantEncode(ctx context.Context, req wp.ConvertRequest, progress wp.ProgressFunc) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return req.Data, nil
}

// sleepEncode simulates work of duration d, honoring cancellation.
func sleepEncode(d time.Duration) wp.EncodeFunc {
	return func(ctx context.Context, req wp.ConvertRequest, progress wp.ProgressFunc) ([]byte, error) {
		select {
		case <-time.After(d):
			return req.Data, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// failingEncode always fails with the given message.
func failingEncode(msg string) wp.EncodeFunc {
	return func(ctx context.Context, req wp.ConvertRequest, progress wp.ProgressFunc) ([]byte, error) {
		return nil, errors.New(msg)
	}
}

// flakyEncode fails the first n calls with a transient error, then
// succeeds.
func flakyEncode(n int) wp.EncodeFunc {
	var mu sync.Mutex
	failures := 0
	return func(ctx context.Context, req wp.ConvertRequest, progress wp.ProgressFunc) ([]byte, error) {
		mu.Lock()
		defer mu.Unlock()
		if failures < n {
			failures++
			return nil, errors.New("transient encoder failure")
		}
		return req.Data, nil
	}
}

// gatedEncode blocks every call until release is closed.
func gatedEncode(release <-chan struct{}) wp.EncodeFunc {
	return func(ctx context.Context, req wp.ConvertRequest, progress wp.ProgressFunc) ([]byte, error) {
		select {
		case <-release:
			return req.Data, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func fastRetryOptions() wp.Options {
	return wp.Options{
		RetryInitialDelay:   5 * time.Millisecond,
		RetryMaxDelay:       20 * time.Millisecond,
		RestartInitialDelay: 5 * time.Millisecond,
		RestartMaxDelay:     20 * time.Millisecond,
	}
}

func newTestPool(t *testing.T, opts wp.Options) *wp.Pool {
	t.Helper()

	if opts.Encode == nil {
		opts.Encode = instantEncode
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 2
	}

	p := wp.New(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(p.Stop)
	return p
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		runtime.Gosched()
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not satisfied before timeout")
}

func mustWait(t *testing.T, h *wp.TaskHandle, timeout time.Duration) *wp.Result {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	res, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("task %s: %v", h.ID(), err)
	}
	return res
}

func mustFail(t *testing.T, h *wp.TaskHandle, timeout time.Duration) error {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, err := h.Wait(ctx)
	if err == nil {
		t.Fatalf("task %s: expected failure", h.ID())
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		t.Fatalf("task %s: timed out waiting for rejection", h.ID())
	}
	return err
}

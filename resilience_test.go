package imgpool_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	wp "github.com/azargarov/imgpool"
)

// modalEncode switches behavior at runtime: "fail" errors out,
// "block" parks until release is closed, anything else echoes.
type modalEncode struct {
	mu      sync.Mutex
	mode    string
	release chan struct{}
}

func (m *modalEncode) set(mode string) {
	m.mu.Lock()
	m.mode = mode
	m.mu.Unlock()
}

func (m *modalEncode) encode(ctx context.Context, req wp.ConvertRequest, progress wp.ProgressFunc) ([]byte, error) {
	m.mu.Lock()
	mode := m.mode
	m.mu.Unlock()

	switch mode {
	case "fail":
		return nil, errors.New("modal encoder failure")
	case "block":
		select {
		case <-m.release:
			return req.Data, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	default:
		return req.Data, nil
	}
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	t.Parallel()

	enc := &modalEncode{mode: "fail", release: make(chan struct{})}
	opts := fastRetryOptions()
	opts.MaxWorkers = 2
	opts.MinWorkers = 1
	opts.MaxRetries = -1
	opts.CircuitBreakerThreshold = 3
	opts.HalfOpenWindow = 100 * time.Millisecond
	opts.Encode = enc.encode
	p := newTestPool(t, opts)

	events, unsubscribe := p.Subscribe(wp.EventCircuitBreakerOpen)
	defer unsubscribe()

	for i := 0; i < 3; i++ {
		h, err := p.Submit(wp.ConvertRequest{Data: []byte{byte(i)}}, wp.SubmitOptions{})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		mustFail(t, h, 2*time.Second)
	}

	select {
	case <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("breaker-open event never published")
	}
	if _, err := p.Submit(wp.ConvertRequest{Data: []byte{9}}, wp.SubmitOptions{}); !errors.Is(err, wp.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen while open, got %v", err)
	}
	if !p.Stats().Breaker.Open {
		t.Fatal("stats do not report an open breaker")
	}

	// After the half-open window a single probe is admitted. While it
	// is in flight, further submissions are still rejected.
	enc.set("block")
	time.Sleep(150 * time.Millisecond)

	probe, err := p.Submit(wp.ConvertRequest{Data: []byte("probe")}, wp.SubmitOptions{})
	if err != nil {
		t.Fatalf("probe submission rejected: %v", err)
	}
	if _, err := p.Submit(wp.ConvertRequest{Data: []byte{1}}, wp.SubmitOptions{}); !errors.Is(err, wp.ErrCircuitOpen) {
		t.Fatalf("expected rejection while the probe is in flight, got %v", err)
	}

	enc.set("ok")
	close(enc.release)
	mustWait(t, probe, 2*time.Second)

	waitUntil(t, 2*time.Second, func() bool { return p.Stats().Breaker.State == "closed" })
	h, err := p.Submit(wp.ConvertRequest{Data: []byte{2}}, wp.SubmitOptions{})
	if err != nil {
		t.Fatalf("submit after recovery: %v", err)
	}
	mustWait(t, h, 2*time.Second)
}

func TestTaskTimeout(t *testing.T) {
	t.Parallel()

	opts := fastRetryOptions()
	opts.MaxWorkers = 1
	opts.MinWorkers = 1
	opts.MaxRetries = -1
	opts.Encode = sleepEncode(10 * time.Second)
	p := newTestPool(t, opts)

	h, err := p.Submit(wp.ConvertRequest{Data: []byte{1}}, wp.SubmitOptions{Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	werr := mustFail(t, h, 2*time.Second)
	if !errors.Is(werr, wp.ErrTaskTimeout) {
		t.Fatalf("expected ErrTaskTimeout, got %v", werr)
	}

	// The unit aborts the cancelled encode and is reusable.
	next, err := p.Submit(wp.ConvertRequest{Data: []byte{2}}, wp.SubmitOptions{Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("submit after timeout: %v", err)
	}
	if werr := mustFail(t, next, 2*time.Second); !errors.Is(werr, wp.ErrTaskTimeout) {
		t.Fatalf("expected ErrTaskTimeout on the reused unit, got %v", werr)
	}
}

// A codec that ignores cancellation wedges its unit. The health sweep
// restarts the unit and the pool keeps serving.
func TestStuckUnitRestartedByHealthSweep(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	hang := make(chan struct{})
	t.Cleanup(func() { close(hang) })

	internalErrs := make(chan error, 8)
	opts := fastRetryOptions()
	opts.MaxWorkers = 1
	opts.MinWorkers = 1
	opts.MaxRetries = -1
	opts.TaskTimeout = 50 * time.Millisecond
	opts.HealthCheckInterval = 25 * time.Millisecond
	opts.OnInternalError = func(err error) {
		select {
		case internalErrs <- err:
		default:
		}
	}
	opts.Encode = func(ctx context.Context, req wp.ConvertRequest, progress wp.ProgressFunc) ([]byte, error) {
		if calls.Add(1) == 1 {
			<-hang // deliberately deaf to ctx
		}
		return req.Data, nil
	}
	p := newTestPool(t, opts)

	events, unsubscribe := p.Subscribe(wp.EventWorkerFailed, wp.EventWorkerRestarted)
	defer unsubscribe()

	h, err := p.Submit(wp.ConvertRequest{Data: []byte{1}}, wp.SubmitOptions{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if werr := mustFail(t, h, 2*time.Second); !errors.Is(werr, wp.ErrTaskTimeout) {
		t.Fatalf("expected ErrTaskTimeout, got %v", werr)
	}

	sawFailed, sawRestarted := false, false
	deadline := time.After(5 * time.Second)
	for !(sawFailed && sawRestarted) {
		select {
		case ev := <-events:
			switch ev.Type {
			case wp.EventWorkerFailed:
				sawFailed = true
			case wp.EventWorkerRestarted:
				sawRestarted = true
			}
		case <-deadline:
			t.Fatalf("restart incomplete: failed=%v restarted=%v", sawFailed, sawRestarted)
		}
	}

	next, err := p.Submit(wp.ConvertRequest{Data: []byte{2}}, wp.SubmitOptions{})
	if err != nil {
		t.Fatalf("submit after restart: %v", err)
	}
	mustWait(t, next, 2*time.Second)

	if p.Stats().Global.RestartCount < 1 {
		t.Fatal("restart not counted in stats")
	}
	select {
	case <-internalErrs:
	case <-time.After(time.Second):
		t.Fatal("OnInternalError never invoked for the failed unit")
	}
}

func TestMemoryPressureSweep(t *testing.T) {
	t.Parallel()

	var pressure atomic.Value
	pressure.Store(0.1)

	p := newTestPool(t, wp.Options{
		MaxWorkers:             2,
		MinWorkers:             1,
		MemoryCheckInterval:    20 * time.Millisecond,
		MemoryCleanupThreshold: 0.8,
		MemorySampler:          func() float64 { return pressure.Load().(float64) },
	})

	h, err := p.Submit(wp.ConvertRequest{Data: []byte{1}}, wp.SubmitOptions{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	mustWait(t, h, 2*time.Second)
	if len(p.History(0)) != 1 {
		t.Fatal("expected one history record before the sweep")
	}

	events, unsubscribe := p.Subscribe(wp.EventMemoryPressure)
	defer unsubscribe()

	pressure.Store(0.85)
	select {
	case ev := <-events:
		if ev.Ratio != 0.85 {
			t.Fatalf("event ratio %v, want 0.85", ev.Ratio)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("memory-pressure event never published")
	}
	waitUntil(t, 2*time.Second, func() bool { return len(p.History(0)) == 0 })
}

func TestHistoryNewestFirst(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, wp.Options{MaxWorkers: 1, MinWorkers: 1})

	var last string
	for i := 0; i < 3; i++ {
		h, err := p.Submit(wp.ConvertRequest{Data: []byte{byte(i)}}, wp.SubmitOptions{})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		mustWait(t, h, 2*time.Second)
		last = h.ID()
	}

	recs := p.History(2)
	if len(recs) != 2 {
		t.Fatalf("history length %d, want 2", len(recs))
	}
	if recs[0].TaskID != last {
		t.Fatalf("newest record is %s, want %s", recs[0].TaskID, last)
	}
	if recs[0].CompletedAt.IsZero() || recs[0].EncodedSize != 1 {
		t.Fatalf("record fields not populated: %+v", recs[0])
	}
}

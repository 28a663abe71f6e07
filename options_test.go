package imgpool

import (
	"testing"
	"time"
)

func TestFillDefaults(t *testing.T) {
	t.Parallel()

	var o Options
	o.FillDefaults()

	if o.MaxWorkers < 2 || o.MaxWorkers > 6 {
		t.Fatalf("MaxWorkers default %d out of [2, 6]", o.MaxWorkers)
	}
	if o.MinWorkers != 1 {
		t.Fatalf("MinWorkers default %d, want 1", o.MinWorkers)
	}
	if o.TaskTimeout != defaultTaskTimeout {
		t.Fatalf("TaskTimeout default %s", o.TaskTimeout)
	}
	if o.MaxRetries != defaultMaxRetries {
		t.Fatalf("MaxRetries default %d, want %d", o.MaxRetries, defaultMaxRetries)
	}
	if o.CircuitBreakerThreshold != defaultBreakerThreshold {
		t.Fatalf("breaker threshold default %d", o.CircuitBreakerThreshold)
	}
	if o.HalfOpenWindow != defaultHalfOpenWindow {
		t.Fatalf("half-open window default %s", o.HalfOpenWindow)
	}
	if o.ScoreWeights != defaultScoreWeights {
		t.Fatalf("score weights default %+v", o.ScoreWeights)
	}
	if o.QueueCapacity != defaultQueueCapacity {
		t.Fatalf("queue capacity default %d", o.QueueCapacity)
	}
	if o.BaseContext == nil {
		t.Fatal("BaseContext default is nil")
	}
}

func TestFillDefaultsClampsMinWorkers(t *testing.T) {
	t.Parallel()

	o := Options{MaxWorkers: 2, MinWorkers: 5}
	o.FillDefaults()
	if o.MinWorkers != 2 {
		t.Fatalf("MinWorkers %d, want clamped to MaxWorkers", o.MinWorkers)
	}
}

func TestFillDefaultsDisablesRetries(t *testing.T) {
	t.Parallel()

	o := Options{MaxRetries: -1}
	o.FillDefaults()
	if o.MaxRetries != 0 {
		t.Fatalf("MaxRetries %d, want 0 for a negative input", o.MaxRetries)
	}
}

func TestTimerSetScheduleAndCancel(t *testing.T) {
	t.Parallel()

	fired := make(chan string, 8)
	ts := newTimerSet(func(fn func()) { fn() })

	ts.Schedule("a", 10*time.Millisecond, func() { fired <- "a" })
	ts.Schedule("b", 10*time.Millisecond, func() { fired <- "b" })
	ts.Cancel("b")

	select {
	case key := <-fired:
		if key != "a" {
			t.Fatalf("cancelled timer %q fired", key)
		}
	case <-time.After(time.Second):
		t.Fatal("scheduled timer never fired")
	}
	select {
	case key := <-fired:
		t.Fatalf("unexpected extra firing %q", key)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTimerSetCancelAll(t *testing.T) {
	t.Parallel()

	fired := make(chan string, 8)
	ts := newTimerSet(func(fn func()) { fn() })

	ts.Schedule("a", 10*time.Millisecond, func() { fired <- "a" })
	ts.Schedule("b", 10*time.Millisecond, func() { fired <- "b" })
	ts.CancelAll()

	select {
	case key := <-fired:
		t.Fatalf("timer %q fired after CancelAll", key)
	case <-time.After(50 * time.Millisecond):
	}

	// Scheduling after CancelAll is a no-op, not a panic.
	ts.Schedule("c", time.Millisecond, func() { fired <- "c" })
}

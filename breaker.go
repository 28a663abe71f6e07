package imgpool

import (
	"sync"
	"time"
)

// breakerState is the circuit breaker's externally visible phase.
type breakerState uint8

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// breaker guards submissions against a failing pool. Failures push
// failureCount toward the threshold; each success decays it by 0.5.
// Once open, the breaker stays open until halfOpenWindow has elapsed
// since the last failure, then admits a single probe. The probe's
// outcome either closes the breaker or re-opens it.
//
// The breaker carries its own lock so Submit can consult it without
// entering the control loop.
type breaker struct {
	mu             sync.Mutex
	threshold      int
	halfOpenWindow time.Duration

	state        breakerState
	failureCount float64
	lastFailure  time.Time
	probeActive  bool

	onOpen func() // invoked (outside the lock) on closed → open
	now    func() time.Time
}

func newBreaker(threshold int, window time.Duration, onOpen func()) *breaker {
	return &breaker{
		threshold:      threshold,
		halfOpenWindow: window,
		onOpen:         onOpen,
		now:            time.Now,
	}
}

// Allow reports whether a new submission may proceed. While open it
// returns false until the half-open window elapses, after which
// exactly one probe submission is admitted.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if b.now().Sub(b.lastFailure) < b.halfOpenWindow {
			return false
		}
		b.state = breakerHalfOpen
		b.probeActive = true
		return true
	case breakerHalfOpen:
		if b.probeActive {
			return false // one probe at a time
		}
		b.probeActive = true
		return true
	}
	return false
}

// AbortProbe releases the half-open probe slot when an admitted
// submission never reached a unit (pool closed, queue full).
func (b *breaker) AbortProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerHalfOpen {
		b.probeActive = false
	}
}

// RecordSuccess decays the failure count and closes a half-open
// breaker.
func (b *breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount -= 0.5
	if b.failureCount < 0 {
		b.failureCount = 0
	}
	if b.state == breakerHalfOpen {
		b.state = breakerClosed
		b.probeActive = false
		b.failureCount = 0
	}
}

// RecordFailure counts a unit or task failure. Crossing the threshold
// opens the breaker; any failure while half-open re-opens it.
func (b *breaker) RecordFailure() {
	b.mu.Lock()
	b.failureCount++
	b.lastFailure = b.now()

	opened := false
	switch b.state {
	case breakerClosed:
		if int(b.failureCount) >= b.threshold {
			b.state = breakerOpen
			opened = true
		}
	case breakerHalfOpen:
		b.state = breakerOpen
		b.probeActive = false
		opened = true
	}
	b.mu.Unlock()

	if opened && b.onOpen != nil {
		b.onOpen()
	}
}

// Snapshot returns the breaker's current observable state.
func (b *breaker) Snapshot() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BreakerStats{
		Open:            b.state == breakerOpen,
		State:           b.state.String(),
		FailureCount:    b.failureCount,
		LastFailureTime: b.lastFailure,
		HalfOpenWindow:  b.halfOpenWindow,
	}
}

package imgpool

import (
	"sync"
	"time"
)

// EventType tags pool lifecycle and statistics events.
type EventType uint8

const (
	EventInitialized EventType = iota
	EventTaskQueued
	EventTaskProgress
	EventTaskCompleted
	EventTaskFailed
	EventTaskCancelled
	EventWorkerFailed
	EventWorkerRestarted
	EventCircuitBreakerOpen
	EventMemoryPressure
	EventHealthCheck
	EventShutdownStarted
	EventShutdownCompleted
	EventShutdownError
	EventBatchCompleted
	EventBatchFailed
)

func (t EventType) String() string {
	switch t {
	case EventInitialized:
		return "initialized"
	case EventTaskQueued:
		return "task-queued"
	case EventTaskProgress:
		return "task-progress"
	case EventTaskCompleted:
		return "task-completed"
	case EventTaskFailed:
		return "task-failed"
	case EventTaskCancelled:
		return "task-cancelled"
	case EventWorkerFailed:
		return "worker-failed"
	case EventWorkerRestarted:
		return "worker-restarted"
	case EventCircuitBreakerOpen:
		return "circuit-breaker-open"
	case EventMemoryPressure:
		return "memory-pressure"
	case EventHealthCheck:
		return "health-check"
	case EventShutdownStarted:
		return "shutdown-started"
	case EventShutdownCompleted:
		return "shutdown-completed"
	case EventShutdownError:
		return "shutdown-error"
	case EventBatchCompleted:
		return "batch-completed"
	case EventBatchFailed:
		return "batch-failed"
	default:
		return "unknown"
	}
}

// Event is a single pool notification. Fields beyond Type and Time
// are populated per variant: task events carry TaskID, unit events
// UnitID, failures Err, progress Pct, memory-pressure Ratio.
type Event struct {
	Type   EventType
	Time   time.Time
	TaskID string
	UnitID int
	Err    error
	Pct    float64
	Ratio  float64
}

const defaultSubscriberBuffer = 64

// eventBus fans events out to subscribers. Publish never blocks: a
// subscriber that stops draining its channel loses events.
type eventBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]subscription
	closed bool
}

type subscription struct {
	ch    chan Event
	types map[EventType]bool // nil means all
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[int]subscription)}
}

// Subscribe registers a listener for the given event types (all types
// when none are named). The returned cancel func removes the
// subscription and closes the channel.
func (b *eventBus) Subscribe(types ...EventType) (<-chan Event, func()) {
	var filter map[EventType]bool
	if len(types) > 0 {
		filter = make(map[EventType]bool, len(types))
		for _, t := range types {
			filter[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, defaultSubscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = subscription{ch: ch, types: filter}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
		})
	}
	return ch, cancel
}

// Publish delivers ev to matching subscribers without blocking.
func (b *eventBus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.types != nil && !sub.types[ev.Type] {
			continue
		}
		select {
		case sub.ch <- ev:
		default: // slow subscriber, drop
		}
	}
}

// Close removes all subscribers and closes their channels.
func (b *eventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

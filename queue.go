package imgpool

// tierOrder is the dequeue precedence. Tier rings are indexed by the
// Priority value itself, which is ordinal (Normal is the zero value),
// so precedence is spelled out here rather than implied by iteration.
var tierOrder = [numPriorities]Priority{PriorityHigh, PriorityNormal, PriorityLow}

// tierQueue holds tasks waiting for a free unit, one ring buffer per
// priority tier. Pop order is strict: high before normal before low,
// FIFO within a tier. No aging, no cross-tier promotion.
//
// The queue is owned by the control goroutine and needs no locking.
type tierQueue struct {
	tiers [numPriorities]ring
}

func newTierQueue(capPerTier int) *tierQueue {
	q := &tierQueue{}
	for i := range q.tiers {
		q.tiers[i] = ring{buf: make([]*task, capPerTier), capacity: capPerTier}
	}
	return q
}

// Push appends the task to its tier. Returns ErrQueueFull when the
// tier's ring has no room.
func (q *tierQueue) Push(t *task) error {
	return q.tiers[t.priority].push(t)
}

// Pop removes the oldest task from the highest non-empty tier,
// skipping tasks that were cancelled while queued.
func (q *tierQueue) Pop() (*task, bool) {
	for _, pri := range tierOrder {
		for {
			t, ok := q.tiers[pri].pop()
			if !ok {
				break
			}
			if t.cancelled {
				continue
			}
			return t, true
		}
	}
	return nil, false
}

// Remove deletes the queued entry for t, if present. A task that
// fails or times out while still waiting must leave its tier
// immediately; otherwise the stale entry would later be popped and
// dispatched even though the task's handle has already settled.
func (q *tierQueue) Remove(t *task) bool {
	return q.tiers[t.priority].remove(t)
}

// Drain removes and returns every queued task, highest tier first.
func (q *tierQueue) Drain() []*task {
	var out []*task
	for {
		t, ok := q.Pop()
		if !ok {
			return out
		}
		out = append(out, t)
	}
}

// Len reports live (non-cancelled) queued tasks across all tiers.
func (q *tierQueue) Len() int {
	n := 0
	for i := range q.tiers {
		n += q.tiers[i].live()
	}
	return n
}

// Depths reports per-tier live counts, indexed by Priority value.
func (q *tierQueue) Depths() [numPriorities]int {
	var d [numPriorities]int
	for i := range q.tiers {
		d[i] = q.tiers[i].live()
	}
	return d
}

// ring is a fixed-capacity circular buffer of tasks. Removed entries
// leave nil holes that pop and live skip over.
type ring struct {
	buf        []*task
	head, tail int
	size       int
	capacity   int
}

func (r *ring) push(t *task) error {
	if r.size == r.capacity {
		return ErrQueueFull
	}
	r.buf[r.tail] = t
	r.tail++
	if r.tail == r.capacity {
		r.tail = 0
	}
	r.size++
	return nil
}

func (r *ring) pop() (*task, bool) {
	for r.size > 0 {
		t := r.buf[r.head]
		r.buf[r.head] = nil
		r.head++
		if r.head == r.capacity {
			r.head = 0
		}
		r.size--
		if t != nil {
			return t, true
		}
	}
	return nil, false
}

func (r *ring) remove(t *task) bool {
	for i, idx := 0, r.head; i < r.size; i++ {
		if r.buf[idx] == t {
			r.buf[idx] = nil
			return true
		}
		idx++
		if idx == r.capacity {
			idx = 0
		}
	}
	return false
}

// live counts buffered tasks that are neither removed nor cancelled.
func (r *ring) live() int {
	n := 0
	for i, idx := 0, r.head; i < r.size; i++ {
		if t := r.buf[idx]; t != nil && !t.cancelled {
			n++
		}
		idx++
		if idx == r.capacity {
			idx = 0
		}
	}
	return n
}

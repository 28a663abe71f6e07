package imgpool

import (
	"strings"
	"time"
)

// nonRetryablePatterns match error messages that indicate the input
// itself is bad. Retrying those burns a unit for nothing.
var nonRetryablePatterns = []string{
	"invalid input",
	"unsupported format",
	"file too large",
	"out of memory",
}

// CompletedTaskRecord is one entry of the bounded completed-task
// history.
type CompletedTaskRecord struct {
	TaskID         string
	UnitID         int
	ProcessingTime time.Duration
	EncodedSize    int
	CompletedAt    time.Time
}

// tracker owns the set of live tasks and the bounded history of
// finished ones. Owned by the control goroutine, no locking.
//
// A live task is always in exactly one place: the tier queue
// (taskQueued), the assignment map (taskAssigned), or waiting out a
// retry delay (taskRetryWait).
type tracker struct {
	tasks   map[string]*task
	history *completedHistory
}

func newTracker(historySize int) *tracker {
	return &tracker{
		tasks:   make(map[string]*task),
		history: newCompletedHistory(historySize),
	}
}

func (tr *tracker) add(t *task)            { tr.tasks[t.id] = t }
func (tr *tracker) remove(id string)       { delete(tr.tasks, id) }
func (tr *tracker) get(id string) *task    { return tr.tasks[id] }
func (tr *tracker) liveCount() int         { return len(tr.tasks) }
func (tr *tracker) record(r CompletedTaskRecord) { tr.history.add(r) }

// shouldRetry decides whether a failed task goes back into the pool.
func (tr *tracker) shouldRetry(t *task, err error, details FailureDetails, maxRetries int) bool {
	if t.cancelled {
		return false
	}
	if details.Fatal {
		return false
	}
	if t.retryCount >= maxRetries {
		return false
	}
	if err != nil {
		msg := strings.ToLower(err.Error())
		for _, pat := range nonRetryablePatterns {
			if strings.Contains(msg, pat) {
				return false
			}
		}
	}
	return true
}

// completedHistory is a fixed-capacity ring of recent results. When
// full, the oldest record is overwritten.
type completedHistory struct {
	items []CompletedTaskRecord
	head  int
	count int
}

func newCompletedHistory(capacity int) *completedHistory {
	if capacity < 1 {
		capacity = defaultCompletedHistorySize
	}
	return &completedHistory{items: make([]CompletedTaskRecord, capacity)}
}

func (h *completedHistory) add(r CompletedTaskRecord) {
	h.items[h.head] = r
	h.head = (h.head + 1) % len(h.items)
	if h.count < len(h.items) {
		h.count++
	}
}

// recent returns up to limit records, newest first. limit <= 0 means
// all retained records.
func (h *completedHistory) recent(limit int) []CompletedTaskRecord {
	if h.count == 0 {
		return nil
	}
	if limit <= 0 || limit > h.count {
		limit = h.count
	}
	out := make([]CompletedTaskRecord, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (h.head - 1 - i + len(h.items)) % len(h.items)
		out = append(out, h.items[idx])
	}
	return out
}

// clear drops every retained record. Used under memory pressure.
func (h *completedHistory) clear() {
	for i := range h.items {
		h.items[i] = CompletedTaskRecord{}
	}
	h.head = 0
	h.count = 0
}

func (h *completedHistory) len() int { return h.count }

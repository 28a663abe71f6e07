package imgpool

import (
	"context"
	"sync"
	"time"
)

// Priority selects the queue tier a task waits in when no unit is
// idle. Dequeue order is strict: High before Normal before Low,
// FIFO within a tier. Normal is the zero value so default
// submissions never outrank explicitly prioritized ones.
type Priority uint8

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityLow

	numPriorities = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ConvertRequest is the payload handed to an execution unit.
type ConvertRequest struct {
	Data         []byte
	OutputFormat string
	Quality      int
	MaxWidth     int
	MaxHeight    int
}

// Result is the terminal value of a successfully encoded task.
type Result struct {
	Data         []byte
	Format       string
	OriginalSize int
	EncodedSize  int
	UnitID       int
	Duration     time.Duration
}

// ProgressFunc receives fractional progress from the encoding unit.
// It is invoked from the pool's control goroutine and must not block.
type ProgressFunc func(pct float64, message string)

// EncodeFunc performs the actual conversion inside an execution unit.
// The pool never inspects the encoded bytes; the algorithm is entirely
// the caller's. Implementations should honor ctx, which is cancelled
// when the task is cancelled or the unit is torn down.
type EncodeFunc func(ctx context.Context, req ConvertRequest, progress ProgressFunc) ([]byte, error)

// SubmitOptions tune a single submission. The zero value means
// Normal priority, no progress callback and the pool's default
// task timeout.
type SubmitOptions struct {
	Priority   Priority
	OnProgress ProgressFunc
	Timeout    time.Duration
}

type taskState uint8

const (
	taskQueued taskState = iota
	taskAssigned
	taskRetryWait
)

// task is the pool-internal record of a submitted request. It is
// owned by the control goroutine; only the handle is shared with
// the caller.
type task struct {
	id          string
	req         ConvertRequest
	priority    Priority
	submittedAt time.Time
	timeout     time.Duration
	retryCount  int
	cancelled   bool
	state       taskState
	onProgress  ProgressFunc
	handle      *TaskHandle

	// nextRetryDelay yields the capped exponential backoff sequence
	// for this task. Created lazily on the first retry.
	nextRetryDelay func() time.Duration

	// cancelRun aborts the convert context while the task is
	// assigned. Nil when queued.
	cancelRun chan struct{}
}

// TaskHandle is the future returned by Submit. It resolves exactly
// once, from the pool's control goroutine.
type TaskHandle struct {
	id string

	once sync.Once
	done chan struct{}
	res  *Result
	err  error
}

func newTaskHandle(id string) *TaskHandle {
	return &TaskHandle{id: id, done: make(chan struct{})}
}

// ID returns the task identifier, usable with CancelTask.
func (h *TaskHandle) ID() string { return h.id }

// Done is closed when the task has resolved or been rejected.
func (h *TaskHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the task resolves, is rejected, or ctx expires.
func (h *TaskHandle) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-h.done:
		return h.res, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome without blocking. ok is false while the
// task is still in flight.
func (h *TaskHandle) Result() (res *Result, err error, ok bool) {
	select {
	case <-h.done:
		return h.res, h.err, true
	default:
		return nil, nil, false
	}
}

func (h *TaskHandle) resolve(r *Result) {
	h.once.Do(func() {
		h.res = r
		close(h.done)
	})
}

func (h *TaskHandle) reject(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

func (h *TaskHandle) resolved() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

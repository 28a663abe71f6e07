package imgpool

import (
	"errors"
	"fmt"
)

var (
	// ErrCircuitOpen is returned by Submit while the circuit breaker
	// is open. No unit or queue is touched in that case.
	ErrCircuitOpen = errors.New("imgpool: circuit breaker is open")

	// ErrPoolClosed is returned when submitting to a pool that has
	// been shut down or never initialized.
	ErrPoolClosed = errors.New("imgpool: pool closed")

	// ErrQueueFull is returned when the priority tier cannot accept
	// more tasks.
	ErrQueueFull = errors.New("imgpool: queue is full")

	// ErrUnitUnavailable means a dispatch could not reach the chosen
	// unit's inbox. The unit is failed and restarted.
	ErrUnitUnavailable = errors.New("imgpool: execution unit unavailable")

	// ErrTaskCancelled rejects the handle of a cancelled task.
	ErrTaskCancelled = errors.New("imgpool: task cancelled")

	// ErrTaskTimeout rejects a task whose per-task timeout elapsed
	// after all retries were spent.
	ErrTaskTimeout = errors.New("imgpool: task timed out")

	// ErrShutdown rejects pending and active tasks on forced shutdown.
	ErrShutdown = errors.New("imgpool: pool shutting down")

	// ErrInitFailed is returned by Initialize when fewer than
	// MinWorkers units became ready.
	ErrInitFailed = errors.New("imgpool: unit initialization failed")
)

// TaskError is the terminal error attached to a rejected task handle.
// It wraps the unit-side cause and records how the task ended.
type TaskError struct {
	TaskID     string
	UnitID     int
	RetryCount int
	Fatal      bool
	Cause      error
}

func (e *TaskError) Error() string {
	if e.UnitID >= 0 {
		return fmt.Sprintf("imgpool: task %s failed on unit %d after %d retries: %v",
			e.TaskID, e.UnitID, e.RetryCount, e.Cause)
	}
	return fmt.Sprintf("imgpool: task %s failed after %d retries: %v", e.TaskID, e.RetryCount, e.Cause)
}

func (e *TaskError) Unwrap() error { return e.Cause }

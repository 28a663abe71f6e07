package imgpool

import (
	"context"
	"fmt"
	"time"

	lg "github.com/Andrej220/go-utils/zlog"
)

// unitState tracks an execution unit through its lifecycle. Legal
// transitions: Initializing→Idle→Busy→Idle (repeating), or any
// state→Failed→Terminated.
type unitState uint8

const (
	unitInitializing unitState = iota
	unitIdle
	unitBusy
	unitFailed
	unitTerminated
)

func (s unitState) String() string {
	switch s {
	case unitInitializing:
		return "initializing"
	case unitIdle:
		return "idle"
	case unitBusy:
		return "busy"
	case unitFailed:
		return "failed"
	case unitTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// unitInfo is the control-loop-owned record of one execution unit.
// The goroutine behind it shares nothing with the loop; inbox is the
// only way in.
type unitInfo struct {
	id           int
	state        unitState
	inbox        chan unitMsg
	capabilities []string
	fallbackMode bool

	createdAt  time.Time
	lastUsedAt time.Time

	// busySince and busyTimeout describe the current dispatch, for
	// stuck-unit detection. Zero while idle.
	busySince   time.Time
	busyTimeout time.Duration

	errorCount   int
	restartCount int
	memoryUsage  uint64

	tasksCompleted uint64
	tasksErrored   uint64
	totalProcTime  time.Duration
	healthScore    float64
}

func (u *unitInfo) errorRate() float64 {
	total := u.tasksCompleted + u.tasksErrored
	if total == 0 {
		return 0
	}
	return float64(u.tasksErrored) / float64(total)
}

func (u *unitInfo) avgProcessingTime() time.Duration {
	if u.tasksCompleted == 0 {
		return 0
	}
	return u.totalProcTime / time.Duration(u.tasksCompleted)
}

const unitInboxDepth = 4

// runUnit is the execution-unit goroutine. It owns no pool state; it
// consumes its inbox and reports back over out. The goroutine exits
// when it receives terminateMsg or the inbox closes.
//
// Every encode runs behind a recover boundary: a panicking codec
// turns into an errorMsg, never a dead control thread.
func runUnit(ctx context.Context, id int, inbox <-chan unitMsg, out chan<- envelope, encode EncodeFunc, caps []string) {
	fallback := false
	if encode == nil {
		encode = passthroughEncode
		fallback = true
	}

	send := func(m unitMsg) {
		select {
		case out <- envelope{unitID: id, msg: m}:
		case <-ctx.Done():
		}
	}

	for {
		var m unitMsg
		var ok bool
		select {
		case m, ok = <-inbox:
			if !ok {
				return
			}
		case <-ctx.Done():
			return
		}

		switch msg := m.(type) {
		case initMsg:
			send(readyMsg{capabilities: caps, fallbackMode: fallback})

		case convertMsg:
			data, n, err := executeConvert(ctx, msg, encode, send)
			if err != nil {
				send(errorMsg{taskID: msg.taskID, err: err, details: FailureDetails{}})
			} else {
				send(successMsg{taskID: msg.taskID, data: data, format: msg.req.OutputFormat, duration: n})
			}
			send(memoryReportMsg{bytes: uint64(len(data))})

		case terminateMsg:
			return

		default:
			lg.FromContext(ctx).Warn("unit received unexpected message", lg.Int("unit", id), lg.Any("msg", m))
		}
	}
}

// executeConvert runs one encode with cancellation and panic
// containment.
func executeConvert(ctx context.Context, msg convertMsg, encode EncodeFunc, send func(unitMsg)) (data []byte, elapsed time.Duration, err error) {
	runCtx, cancel := context.WithDeadline(ctx, msg.deadline)
	defer cancel()
	if msg.cancel != nil {
		go func() {
			select {
			case <-msg.cancel:
				cancel()
			case <-runCtx.Done():
			}
		}()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("imgpool: codec panic: %v", r)
		}
	}()

	progress := func(pct float64, message string) {
		send(progressMsg{taskID: msg.taskID, pct: pct, message: message})
	}

	start := time.Now()
	data, err = encode(runCtx, msg.req, progress)
	elapsed = time.Since(start)
	if err == nil && runCtx.Err() != nil {
		err = runCtx.Err()
	}
	return data, elapsed, err
}

// passthroughEncode is the fallback used when no codec is configured:
// the payload is returned unmodified. Units report fallbackMode so
// callers can tell.
func passthroughEncode(ctx context.Context, req ConvertRequest, progress ProgressFunc) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if progress != nil {
		progress(100, "passthrough")
	}
	out := make([]byte, len(req.Data))
	copy(out, req.Data)
	return out, nil
}

package imgpool

import "time"

// The control loop and the execution units share no state. Everything
// crosses between them as one of the message variants below, carried
// over the unit's inbox channel (control → unit) or the pool-wide
// outbox (unit → control). The variants form a sealed union: the
// dispatch boundary type-switches over them exhaustively and drops
// anything it does not recognize.

type unitMsg interface{ unitMsg() }

// control → unit

type initMsg struct{}

type convertMsg struct {
	taskID   string
	req      ConvertRequest
	deadline time.Time
	cancel   <-chan struct{}
}

type terminateMsg struct{}

// unit → control

type readyMsg struct {
	capabilities []string
	fallbackMode bool
}

type progressMsg struct {
	taskID  string
	pct     float64
	message string
}

type successMsg struct {
	taskID   string
	data     []byte
	format   string
	duration time.Duration
}

type errorMsg struct {
	taskID  string
	err     error
	details FailureDetails
}

type memoryReportMsg struct {
	bytes uint64
}

func (initMsg) unitMsg()         {}
func (convertMsg) unitMsg()      {}
func (terminateMsg) unitMsg()    {}
func (readyMsg) unitMsg()        {}
func (progressMsg) unitMsg()     {}
func (successMsg) unitMsg()      {}
func (errorMsg) unitMsg()        {}
func (memoryReportMsg) unitMsg() {}

// envelope tags every unit → control message with its sender so the
// loop can drop stragglers from units that were already torn down.
type envelope struct {
	unitID int
	msg    unitMsg
}

// FailureDetails classifies a unit-side failure for the retry decision.
type FailureDetails struct {
	// Fatal marks errors that must never be retried regardless of
	// the retry budget.
	Fatal bool

	// HealthCheck marks failures injected by the stuck-task sweep
	// rather than reported by the unit itself.
	HealthCheck bool
}

package imgpool

import (
	"time"

	lg "github.com/Andrej220/go-utils/zlog"
)

// ScoreWeights tune how idle units are ranked when a task needs a
// home. They are heuristics, not a contract; the defaults favor
// healthy, rarely-failing units.
type ScoreWeights struct {
	Health float64
	Idle   float64
	Error  float64
	Memory float64
}

var defaultScoreWeights = ScoreWeights{Health: 0.4, Idle: 0.2, Error: 0.3, Memory: 0.1}

// pickUnit returns the idle unit with the best composite score, or
// nil when none is idle. Ties go to the first unit found.
func (p *Pool) pickUnit() *unitInfo {
	var best *unitInfo
	bestScore := -1.0
	now := time.Now()

	for _, u := range p.units {
		if u.state != unitIdle {
			continue
		}
		s := p.scoreUnit(u, now)
		if s > bestScore {
			best = u
			bestScore = s
		}
	}
	return best
}

// scoreUnit composes four 0..100 signals: current health, time spent
// idle (warmer is not better here, a long-idle unit is a safe bet),
// lifetime error rate, and resident memory relative to the per-unit
// budget.
func (p *Pool) scoreUnit(u *unitInfo, now time.Time) float64 {
	w := p.opts.ScoreWeights

	idleScore := now.Sub(u.lastUsedAt).Seconds()
	if idleScore > 100 {
		idleScore = 100
	}

	errorScore := 100 - u.errorRate()*200
	if errorScore < 0 {
		errorScore = 0
	}

	memScore := 100 - float64(u.memoryUsage)/float64(p.opts.MaxMemoryPerWorker)*100
	if memScore < 0 {
		memScore = 0
	}

	return u.healthScore*w.Health + idleScore*w.Idle + errorScore*w.Error + memScore*w.Memory
}

// assignTask moves the unit Idle→Busy and ships the payload. A send
// that cannot complete immediately means the unit's inbox is wedged;
// the unit is failed and the task re-routed through the error path.
func (p *Pool) assignTask(u *unitInfo, t *task) {
	now := time.Now()
	u.state = unitBusy
	u.lastUsedAt = now
	u.busySince = now
	u.busyTimeout = t.timeout
	t.state = taskAssigned
	t.cancelRun = make(chan struct{})
	p.assignments[u.id] = assignment{taskID: t.id, at: now}

	if busy := len(p.assignments); busy > p.counters.peakBusy {
		p.counters.peakBusy = busy
	}

	msg := convertMsg{
		taskID:   t.id,
		req:      t.req,
		deadline: now.Add(t.timeout),
		cancel:   t.cancelRun,
	}
	select {
	case u.inbox <- msg:
		lg.FromContext(p.ctx).Info("task dispatched",
			lg.String("task", t.id), lg.Int("unit", u.id), lg.String("priority", t.priority.String()))
	default:
		delete(p.assignments, u.id)
		p.markUnitFailed(u, ErrUnitUnavailable)
		p.failTask(t, u.id, ErrUnitUnavailable, FailureDetails{})
	}
}

// releaseUnit returns a busy unit to the idle set and immediately
// pulls the next queued task, highest tier first.
func (p *Pool) releaseUnit(u *unitInfo) {
	if u.state != unitBusy {
		return
	}
	u.state = unitIdle
	u.lastUsedAt = time.Now()
	u.busySince = time.Time{}
	u.busyTimeout = 0
	p.pullNext(u)
}

// pullNext feeds an idle unit from the queue.
func (p *Pool) pullNext(u *unitInfo) {
	if u.state != unitIdle || p.draining && p.tracker.liveCount() == 0 {
		return
	}
	t, ok := p.queue.Pop()
	if !ok {
		return
	}
	p.assignTask(u, t)
}

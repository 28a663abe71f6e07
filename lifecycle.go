package imgpool

import (
	"fmt"
	"strconv"
	"time"

	boff "github.com/Andrej220/go-utils/backoff"
	lg "github.com/Andrej220/go-utils/zlog"
)

// reportInternalError hands non-task failures to the configured
// handler. Task failures travel through handles instead.
func (p *Pool) reportInternalError(err error) {
	if p.opts.OnInternalError != nil {
		p.opts.OnInternalError(err)
	}
}

// restartMeta survives unit deletion so restart backoff keeps growing
// across consecutive failures of the same unit slot.
type restartMeta struct {
	count     int
	nextDelay func() time.Duration
}

// newBackoff adapts the backoff package into a delay generator:
// initial, 2·initial, 4·initial, ... capped at max.
func newBackoff(initial, max time.Duration) func() time.Duration {
	bo := boff.New(initial, max, time.Now().UnixNano())
	return bo.Next
}

// createUnit spins up the isolated execution context for a unit slot,
// sends Init and arms the Ready deadline. The unit is stored
// Initializing until its readyMsg arrives; health starts at 100.
func (p *Pool) createUnit(id int) {
	meta := p.restartMeta[id]
	if meta == nil {
		meta = &restartMeta{}
		p.restartMeta[id] = meta
	}

	u := &unitInfo{
		id:           id,
		state:        unitInitializing,
		inbox:        make(chan unitMsg, unitInboxDepth),
		createdAt:    time.Now(),
		lastUsedAt:   time.Now(),
		restartCount: meta.count,
		healthScore:  100,
	}
	p.units[id] = u

	go runUnit(p.ctx, id, u.inbox, p.outCh, p.opts.Encode, p.opts.UnitCapabilities)
	u.inbox <- initMsg{}

	p.timers.Schedule(unitInitKey(id), p.opts.InitTimeout, func() { p.onInitTimeout(id) })
	lg.FromContext(p.ctx).Info("creating unit", lg.Int("unit", id), lg.Int("restarts", meta.count))
}

func (p *Pool) onUnitReady(u *unitInfo, m readyMsg) {
	p.timers.Cancel(unitInitKey(u.id))
	u.state = unitIdle
	u.capabilities = m.capabilities
	u.fallbackMode = m.fallbackMode
	u.lastUsedAt = time.Now()

	meta := p.restartMeta[u.id]
	if meta != nil && meta.count > 0 {
		p.bus.Publish(Event{Type: EventWorkerRestarted, UnitID: u.id})
	}
	lg.FromContext(p.ctx).Info("unit ready",
		lg.Int("unit", u.id), lg.Any("capabilities", m.capabilities))

	p.initProgress(true)
	p.pullNext(u)
}

// onInitTimeout fails a unit that never answered Init within the
// deadline: the handle is terminated and the creation is retried only
// while the pool would otherwise sit below MinWorkers.
func (p *Pool) onInitTimeout(id int) {
	u, ok := p.units[id]
	if !ok || u.state != unitInitializing {
		return
	}
	lg.FromContext(p.ctx).Error("unit failed to become ready", lg.Int("unit", id))

	u.state = unitFailed
	p.terminateUnit(u)
	delete(p.units, id)
	p.bus.Publish(Event{Type: EventWorkerFailed, UnitID: id})
	p.reportInternalError(fmt.Errorf("%w: unit %d not ready within %s", ErrInitFailed, id, p.opts.InitTimeout))

	p.initProgress(false)
	if len(p.units) < p.opts.MinWorkers {
		p.scheduleRestart(id)
	}
}

// markUnitFailed transitions a unit to Failed and removes it. Any
// assigned task has already been resolved or routed to the retry path
// by the caller.
func (p *Pool) markUnitFailed(u *unitInfo, cause error) {
	delete(p.assignments, u.id)
	u.state = unitFailed
	p.terminateUnit(u)
	delete(p.units, u.id)

	p.bus.Publish(Event{Type: EventWorkerFailed, UnitID: u.id, Err: cause})
	p.reportInternalError(fmt.Errorf("unit %d failed: %w", u.id, cause))
	lg.FromContext(p.ctx).Error("unit failed",
		lg.Int("unit", u.id), lg.Any("error", cause))

	p.scheduleRestart(u.id)
}

// scheduleRestart re-creates a failed unit slot after a capped
// exponential delay, unless the pool is draining or already at
// capacity by the time the delay elapses.
func (p *Pool) scheduleRestart(id int) {
	if p.draining {
		return
	}
	meta := p.restartMeta[id]
	if meta == nil {
		meta = &restartMeta{}
		p.restartMeta[id] = meta
	}
	if meta.nextDelay == nil {
		meta.nextDelay = newBackoff(p.opts.RestartInitialDelay, p.opts.RestartMaxDelay)
	}
	meta.count++
	p.counters.restartCount++

	delay := meta.nextDelay()
	lg.FromContext(p.ctx).Info("scheduling unit restart",
		lg.Int("unit", id), lg.String("delay", delay.String()))
	p.timers.Schedule(unitRestartKey(id), delay, func() {
		if p.draining || len(p.units) >= p.opts.MaxWorkers {
			return
		}
		p.createUnit(id)
	})
}

// recycleUnit proactively replaces a live unit (idle-timeout or
// memory-pressure maintenance). Unlike markUnitFailed, the
// replacement starts immediately.
func (p *Pool) recycleUnit(u *unitInfo) {
	delete(p.assignments, u.id)
	p.terminateUnit(u)
	delete(p.units, u.id)
	p.counters.restartCount++

	meta := p.restartMeta[u.id]
	if meta == nil {
		meta = &restartMeta{}
		p.restartMeta[u.id] = meta
	}
	meta.count++
	lg.FromContext(p.ctx).Info("recycling unit", lg.Int("unit", u.id))
	p.createUnit(u.id)
}

// terminateUnit releases the underlying concurrent context: a
// Terminate message when the inbox has room, then the close as the
// unconditional stop signal. Any in-flight encode is abandoned and
// its late messages dropped at the dispatch boundary.
func (p *Pool) terminateUnit(u *unitInfo) {
	if u.state == unitTerminated {
		return
	}
	u.state = unitTerminated
	select {
	case u.inbox <- terminateMsg{}:
	default:
	}
	close(u.inbox)
}

func unitInitKey(id int) string    { return "unit-init:" + strconv.Itoa(id) }
func unitRestartKey(id int) string { return "unit-restart:" + strconv.Itoa(id) }

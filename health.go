package imgpool

import (
	"fmt"
	"time"

	lg "github.com/Andrej220/go-utils/zlog"
)

// stuckFactor scales a task's own timeout into the threshold past
// which the unit running it is considered hung rather than slow.
const stuckFactor = 1.2

// healthSweep runs every HealthCheckInterval. Two concerns:
//
//  1. Stuck units. A busy unit whose task has been running past
//     stuckFactor × the task timeout gets failed and restarted; the
//     task goes through the normal retry decision.
//  2. Stale idle units. Units idle past WorkerIdleTimeout are
//     recycled with a small probability, at most one per sweep, as
//     leak mitigation.
func (p *Pool) healthSweep() {
	now := time.Now()
	p.bus.Publish(Event{Type: EventHealthCheck})

	var stuck []*unitInfo
	for _, u := range p.units {
		if u.state != unitBusy || u.busySince.IsZero() {
			continue
		}
		if now.Sub(u.busySince) > time.Duration(stuckFactor*float64(u.busyTimeout)) {
			stuck = append(stuck, u)
		}
	}

	for _, u := range stuck {
		lg.FromContext(p.ctx).Error("stuck unit detected", lg.Int("unit", u.id))

		// The assigned task, if its own timeout has not already
		// dealt with it, goes through the normal retry decision.
		if a, ok := p.assignments[u.id]; ok {
			if t := p.tracker.get(a.taskID); t != nil {
				p.unassign(t)
				p.failTask(t, u.id, fmt.Errorf("%w: health-check timeout", ErrTaskTimeout),
					FailureDetails{HealthCheck: true})
			}
		}
		p.markUnitFailed(u, fmt.Errorf("imgpool: unit stuck past health-check deadline"))
	}

	p.maybeRecycleIdle(now)
}

// maybeRecycleIdle restarts at most one over-idle unit per sweep,
// gated by IdleRecycleProbability. A heuristic, not a guarantee.
func (p *Pool) maybeRecycleIdle(now time.Time) {
	if p.opts.IdleRecycleProbability <= 0 {
		return
	}

	var candidate *unitInfo
	for _, u := range p.units {
		if u.state != unitIdle {
			continue
		}
		if now.Sub(u.lastUsedAt) < p.opts.WorkerIdleTimeout {
			continue
		}
		if candidate == nil || u.lastUsedAt.Before(candidate.lastUsedAt) {
			candidate = u
		}
	}
	if candidate == nil {
		return
	}
	if p.recycleRand.Float64() >= p.opts.IdleRecycleProbability {
		return
	}
	p.recycleUnit(candidate)
}

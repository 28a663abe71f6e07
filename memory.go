package imgpool

import (
	"runtime"

	lg "github.com/Andrej220/go-utils/zlog"
	"github.com/shirou/gopsutil/v3/mem"
)

const recycleRatio = 0.9

// memorySweep runs every MemoryCheckInterval. Above the cleanup
// threshold the completed-task history is dropped and the runtime is
// nudged to collect; above recycleRatio the oldest idle unit is
// replaced, as long as that leaves MinWorkers alive.
func (p *Pool) memorySweep() {
	ratio := p.memoryPressure()
	if ratio <= p.opts.MemoryCleanupThreshold {
		return
	}

	lg.FromContext(p.ctx).Warn("memory pressure", lg.Any("ratio", ratio))
	p.bus.Publish(Event{Type: EventMemoryPressure, Ratio: ratio})

	p.tracker.history.clear()
	runtime.GC()

	if ratio > recycleRatio && len(p.units) > p.opts.MinWorkers {
		if u := p.oldestIdleUnit(); u != nil {
			p.recycleUnit(u)
		}
	}
}

func (p *Pool) oldestIdleUnit() *unitInfo {
	var oldest *unitInfo
	for _, u := range p.units {
		if u.state != unitIdle {
			continue
		}
		if oldest == nil || u.createdAt.Before(oldest.createdAt) {
			oldest = u
		}
	}
	return oldest
}

// memoryPressure measures heap pressure as the worse of two signals:
// the process heap against the pool's memory budget, and the host's
// overall memory use. The sampler is injectable for tests.
func (p *Pool) memoryPressure() float64 {
	if p.opts.MemorySampler != nil {
		return p.opts.MemorySampler()
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	budget := uint64(p.opts.MaxWorkers) * uint64(p.opts.MaxMemoryPerWorker)
	process := 0.0
	if budget > 0 {
		process = float64(ms.HeapAlloc) / float64(budget)
	}

	host := 0.0
	if vm, err := mem.VirtualMemory(); err == nil && vm.Total > 0 {
		host = vm.UsedPercent / 100
	}

	if host > process {
		return host
	}
	return process
}

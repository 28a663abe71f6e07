package imgpool

import "time"

// WorkerStats describes one execution unit at snapshot time.
type WorkerStats struct {
	UnitID            int
	State             string
	TasksCompleted    uint64
	TasksErrored      uint64
	AvgProcessingTime time.Duration
	HealthScore       float64 // 0..100
	LastActivity      time.Time
	ErrorCount        int
	RestartCount      int
	MemoryUsage       uint64
	Capabilities      []string
	FallbackMode      bool
}

// GlobalStats aggregates pool-wide counters since Initialize.
type GlobalStats struct {
	TotalTasks          uint64
	CompletedTasks      uint64
	FailedTasks         uint64
	CancelledTasks      uint64
	RetriedTasks        uint64
	AvgProcessingTime   time.Duration
	PeakConcurrentUnits int
	MemoryUsage         uint64
	Uptime              time.Duration
	RestartCount        int
}

// QueueStats reports per-tier backlog depth.
type QueueStats struct {
	High   int
	Normal int
	Low    int
	Total  int
}

// BreakerStats mirrors the circuit breaker's observable state.
type BreakerStats struct {
	Open            bool
	State           string
	FailureCount    float64
	LastFailureTime time.Time
	HalfOpenWindow  time.Duration
}

// StatsSnapshot is the consistent view returned by Pool.Stats.
type StatsSnapshot struct {
	Global  GlobalStats
	Workers []WorkerStats
	Queue   QueueStats
	Breaker BreakerStats

	ActiveTasks int
	LiveUnits   int
	IdleUnits   int
	BusyUnits   int
}

// globalCounters is the control-loop-owned mutable backing for
// GlobalStats.
type globalCounters struct {
	totalTasks     uint64
	completedTasks uint64
	failedTasks    uint64
	cancelledTasks uint64
	retriedTasks   uint64
	totalProcTime  time.Duration
	peakBusy       int
	restartCount   int
	startedAt      time.Time
}

func (g *globalCounters) snapshot(memUsage uint64) GlobalStats {
	var avg time.Duration
	if g.completedTasks > 0 {
		avg = g.totalProcTime / time.Duration(g.completedTasks)
	}
	var uptime time.Duration
	if !g.startedAt.IsZero() {
		uptime = time.Since(g.startedAt)
	}
	return GlobalStats{
		TotalTasks:          g.totalTasks,
		CompletedTasks:      g.completedTasks,
		FailedTasks:         g.failedTasks,
		CancelledTasks:      g.cancelledTasks,
		RetriedTasks:        g.retriedTasks,
		AvgProcessingTime:   avg,
		PeakConcurrentUnits: g.peakBusy,
		MemoryUsage:         memUsage,
		Uptime:              uptime,
		RestartCount:        g.restartCount,
	}
}

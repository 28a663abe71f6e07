// Package prometheus exports imgpool stats snapshots as Prometheus
// collectors.
package prometheus

import (
	"strconv"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/azargarov/imgpool"
)

// SnapshotProvider yields the pool's current stats snapshot.
type SnapshotProvider interface {
	Stats() imgpool.StatsSnapshot
}

var _ SnapshotProvider = (*imgpool.Pool)(nil)

// StatsCollector implements prometheus.Collector over a pool's
// Stats() snapshot. Every scrape takes one snapshot; nothing is
// cached between scrapes.
type StatsCollector struct {
	source SnapshotProvider

	tasksTotal     *prom.Desc
	tasksCompleted *prom.Desc
	tasksFailed    *prom.Desc
	tasksCancelled *prom.Desc
	tasksRetried   *prom.Desc
	queueDepth     *prom.Desc
	liveUnits      *prom.Desc
	busyUnits      *prom.Desc
	idleUnits      *prom.Desc
	activeTasks    *prom.Desc
	unitHealth     *prom.Desc
	unitMemory     *prom.Desc
	avgProcSeconds *prom.Desc
	breakerOpen    *prom.Desc
	restartsTotal  *prom.Desc
}

var _ prom.Collector = (*StatsCollector)(nil)

// NewStatsCollector builds a collector for source and registers it
// with reg (the default registerer when nil).
func NewStatsCollector(namespace string, reg prom.Registerer, source SnapshotProvider) (*StatsCollector, error) {
	if namespace == "" {
		namespace = "imgpool"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}

	c := &StatsCollector{
		source: source,
		tasksTotal: prom.NewDesc(prom.BuildFQName(namespace, "", "tasks_total"),
			"Total tasks submitted since initialization.", nil, nil),
		tasksCompleted: prom.NewDesc(prom.BuildFQName(namespace, "", "tasks_completed_total"),
			"Tasks that resolved successfully.", nil, nil),
		tasksFailed: prom.NewDesc(prom.BuildFQName(namespace, "", "tasks_failed_total"),
			"Tasks rejected after exhausting retries or hitting a non-retryable error.", nil, nil),
		tasksCancelled: prom.NewDesc(prom.BuildFQName(namespace, "", "tasks_cancelled_total"),
			"Tasks cancelled by the caller or a forced shutdown.", nil, nil),
		tasksRetried: prom.NewDesc(prom.BuildFQName(namespace, "", "tasks_retried_total"),
			"Retry attempts across all tasks.", nil, nil),
		queueDepth: prom.NewDesc(prom.BuildFQName(namespace, "", "queue_depth"),
			"Tasks waiting for a free unit.", []string{"tier"}, nil),
		liveUnits: prom.NewDesc(prom.BuildFQName(namespace, "", "units_live"),
			"Execution units currently alive.", nil, nil),
		busyUnits: prom.NewDesc(prom.BuildFQName(namespace, "", "units_busy"),
			"Execution units currently encoding.", nil, nil),
		idleUnits: prom.NewDesc(prom.BuildFQName(namespace, "", "units_idle"),
			"Execution units waiting for work.", nil, nil),
		activeTasks: prom.NewDesc(prom.BuildFQName(namespace, "", "tasks_active"),
			"Live tasks (queued, assigned or awaiting retry).", nil, nil),
		unitHealth: prom.NewDesc(prom.BuildFQName(namespace, "", "unit_health_score"),
			"Per-unit health score, 0 to 100.", []string{"unit"}, nil),
		unitMemory: prom.NewDesc(prom.BuildFQName(namespace, "", "unit_memory_bytes"),
			"Per-unit reported memory usage.", []string{"unit"}, nil),
		avgProcSeconds: prom.NewDesc(prom.BuildFQName(namespace, "", "avg_processing_seconds"),
			"Mean processing time of completed tasks.", nil, nil),
		breakerOpen: prom.NewDesc(prom.BuildFQName(namespace, "", "circuit_breaker_open"),
			"1 while the circuit breaker is open.", nil, nil),
		restartsTotal: prom.NewDesc(prom.BuildFQName(namespace, "", "unit_restarts_total"),
			"Unit restarts, including proactive recycling.", nil, nil),
	}
	if err := reg.Register(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *StatsCollector) Describe(ch chan<- *prom.Desc) {
	ch <- c.tasksTotal
	ch <- c.tasksCompleted
	ch <- c.tasksFailed
	ch <- c.tasksCancelled
	ch <- c.tasksRetried
	ch <- c.queueDepth
	ch <- c.liveUnits
	ch <- c.busyUnits
	ch <- c.idleUnits
	ch <- c.activeTasks
	ch <- c.unitHealth
	ch <- c.unitMemory
	ch <- c.avgProcSeconds
	ch <- c.breakerOpen
	ch <- c.restartsTotal
}

func (c *StatsCollector) Collect(ch chan<- prom.Metric) {
	s := c.source.Stats()

	ch <- prom.MustNewConstMetric(c.tasksTotal, prom.CounterValue, float64(s.Global.TotalTasks))
	ch <- prom.MustNewConstMetric(c.tasksCompleted, prom.CounterValue, float64(s.Global.CompletedTasks))
	ch <- prom.MustNewConstMetric(c.tasksFailed, prom.CounterValue, float64(s.Global.FailedTasks))
	ch <- prom.MustNewConstMetric(c.tasksCancelled, prom.CounterValue, float64(s.Global.CancelledTasks))
	ch <- prom.MustNewConstMetric(c.tasksRetried, prom.CounterValue, float64(s.Global.RetriedTasks))
	ch <- prom.MustNewConstMetric(c.restartsTotal, prom.CounterValue, float64(s.Global.RestartCount))

	ch <- prom.MustNewConstMetric(c.queueDepth, prom.GaugeValue, float64(s.Queue.High), "high")
	ch <- prom.MustNewConstMetric(c.queueDepth, prom.GaugeValue, float64(s.Queue.Normal), "normal")
	ch <- prom.MustNewConstMetric(c.queueDepth, prom.GaugeValue, float64(s.Queue.Low), "low")

	ch <- prom.MustNewConstMetric(c.liveUnits, prom.GaugeValue, float64(s.LiveUnits))
	ch <- prom.MustNewConstMetric(c.busyUnits, prom.GaugeValue, float64(s.BusyUnits))
	ch <- prom.MustNewConstMetric(c.idleUnits, prom.GaugeValue, float64(s.IdleUnits))
	ch <- prom.MustNewConstMetric(c.activeTasks, prom.GaugeValue, float64(s.ActiveTasks))
	ch <- prom.MustNewConstMetric(c.avgProcSeconds, prom.GaugeValue, s.Global.AvgProcessingTime.Seconds())

	open := 0.0
	if s.Breaker.Open {
		open = 1
	}
	ch <- prom.MustNewConstMetric(c.breakerOpen, prom.GaugeValue, open)

	for _, w := range s.Workers {
		unit := strconv.Itoa(w.UnitID)
		ch <- prom.MustNewConstMetric(c.unitHealth, prom.GaugeValue, w.HealthScore, unit)
		ch <- prom.MustNewConstMetric(c.unitMemory, prom.GaugeValue, float64(w.MemoryUsage), unit)
	}
}

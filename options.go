package imgpool

import (
	"context"
	"time"
)

const (
	defaultTaskTimeout          = 5 * time.Minute
	defaultMaxRetries           = 2
	defaultHealthCheckInterval  = 30 * time.Second
	defaultMemoryCheckInterval  = 60 * time.Second
	defaultInitTimeout          = 30 * time.Second
	defaultWorkerIdleTimeout    = 5 * time.Minute
	defaultShutdownTimeout      = 30 * time.Second
	defaultHalfOpenWindow       = 60 * time.Second
	defaultBreakerThreshold     = 5
	defaultMaxMemoryPerWorker   = 256 << 20
	defaultMemoryCleanup        = 0.8
	defaultIdleRecycleProb      = 0.10
	defaultQueueCapacity        = 1024
	defaultCompletedHistorySize = 100
	defaultInitBatchSize        = 2
	defaultRetryInitialDelay    = time.Second
	defaultRetryMaxDelay        = 30 * time.Second
	defaultRestartInitialDelay  = time.Second
	defaultRestartMaxDelay      = 30 * time.Second
)

// Options configure a Pool.
//
// All zero values are replaced with sensible defaults in FillDefaults.
type Options struct {
	// MaxWorkers bounds the number of execution units. Defaults to
	// OptimalUnitCount().
	MaxWorkers int

	// MinWorkers is the floor the pool tries to keep alive through
	// restarts, and the bar Initialize must clear.
	MinWorkers int

	// Encode is the codec run inside every unit. When nil, units run
	// in fallback (passthrough) mode and advertise it.
	Encode EncodeFunc

	// UnitCapabilities is advertised by units in their Ready message.
	UnitCapabilities []string

	TaskTimeout         time.Duration
	MaxRetries          int
	HealthCheckInterval time.Duration
	MemoryCheckInterval time.Duration
	InitTimeout         time.Duration
	WorkerIdleTimeout   time.Duration
	ShutdownTimeout     time.Duration

	MaxMemoryPerWorker     int64
	MemoryCleanupThreshold float64

	CircuitBreakerThreshold int
	HalfOpenWindow          time.Duration

	// IdleRecycleProbability gates the proactive restart of over-idle
	// units: per health sweep, at most one such unit is recycled with
	// this probability.
	IdleRecycleProbability float64

	ScoreWeights ScoreWeights

	QueueCapacity        int
	CompletedHistorySize int
	InitBatchSize        int

	RetryInitialDelay   time.Duration
	RetryMaxDelay       time.Duration
	RestartInitialDelay time.Duration
	RestartMaxDelay     time.Duration

	// OnInternalError receives non-task failures: unit setup
	// timeouts, wedged unit inboxes, forced-shutdown cancellations.
	// Nil means such errors are only logged and published as events.
	// Called on the control goroutine; must not block.
	OnInternalError func(error)

	// BaseContext scopes the pool's lifetime and carries the logger
	// picked up by zlog. Defaults to context.Background().
	BaseContext context.Context

	// MemorySampler overrides pressure measurement. Mainly a test
	// seam; nil means process-heap + host memory.
	MemorySampler func() float64
}

func (o *Options) FillDefaults() {
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = OptimalUnitCount()
	}
	if o.MinWorkers <= 0 {
		o.MinWorkers = 1
	}
	if o.MinWorkers > o.MaxWorkers {
		o.MinWorkers = o.MaxWorkers
	}
	if o.TaskTimeout <= 0 {
		o.TaskTimeout = defaultTaskTimeout
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	} else if o.MaxRetries == 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.HealthCheckInterval <= 0 {
		o.HealthCheckInterval = defaultHealthCheckInterval
	}
	if o.MemoryCheckInterval <= 0 {
		o.MemoryCheckInterval = defaultMemoryCheckInterval
	}
	if o.InitTimeout <= 0 {
		o.InitTimeout = defaultInitTimeout
	}
	if o.WorkerIdleTimeout <= 0 {
		o.WorkerIdleTimeout = defaultWorkerIdleTimeout
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = defaultShutdownTimeout
	}
	if o.MaxMemoryPerWorker <= 0 {
		o.MaxMemoryPerWorker = defaultMaxMemoryPerWorker
	}
	if o.MemoryCleanupThreshold <= 0 {
		o.MemoryCleanupThreshold = defaultMemoryCleanup
	}
	if o.CircuitBreakerThreshold <= 0 {
		o.CircuitBreakerThreshold = defaultBreakerThreshold
	}
	if o.HalfOpenWindow <= 0 {
		o.HalfOpenWindow = defaultHalfOpenWindow
	}
	if o.IdleRecycleProbability < 0 {
		o.IdleRecycleProbability = 0
	} else if o.IdleRecycleProbability == 0 {
		o.IdleRecycleProbability = defaultIdleRecycleProb
	}
	if o.ScoreWeights == (ScoreWeights{}) {
		o.ScoreWeights = defaultScoreWeights
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = defaultQueueCapacity
	}
	if o.CompletedHistorySize <= 0 {
		o.CompletedHistorySize = defaultCompletedHistorySize
	}
	if o.InitBatchSize <= 0 {
		o.InitBatchSize = defaultInitBatchSize
	}
	if o.RetryInitialDelay <= 0 {
		o.RetryInitialDelay = defaultRetryInitialDelay
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = defaultRetryMaxDelay
	}
	if o.RestartInitialDelay <= 0 {
		o.RestartInitialDelay = defaultRestartInitialDelay
	}
	if o.RestartMaxDelay <= 0 {
		o.RestartMaxDelay = defaultRestartMaxDelay
	}
	if o.BaseContext == nil {
		o.BaseContext = context.Background()
	}
}

package imgpool

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	lg "github.com/Andrej220/go-utils/zlog"
	"github.com/google/uuid"
)

// assignment binds a busy unit to its in-flight task.
type assignment struct {
	taskID string
	at     time.Time
}

// Pool supervises a bounded set of execution units encoding images.
//
// All mutable state (queues, unit records, task records, counters) is
// owned by a single control goroutine; callers and units talk to it
// exclusively through channels. Submit never blocks the caller beyond
// a buffered channel handoff.
type Pool struct {
	opts Options

	ctx    context.Context
	cancel context.CancelFunc

	submitCh chan *task
	cmdCh    chan func()
	outCh    chan envelope

	// control-loop-owned state
	queue       *tierQueue
	tracker     *tracker
	units       map[int]*unitInfo
	assignments map[int]assignment
	restartMeta map[int]*restartMeta
	counters    globalCounters
	nextUnitID  int
	initState   *initState
	initialized bool
	draining    bool

	timers      *timerSet
	brk         *breaker
	bus         *eventBus
	recycleRand *rand.Rand

	// gate serializes the last submissions against teardown so no
	// handle is left unresolved in the submit buffer.
	gateMu    sync.RWMutex
	accepting bool

	closed      atomic.Bool
	terminated  chan struct{}
	shutdownErr error
}

type initState struct {
	target  int
	created int
	ready   int
	failed  int
	resCh   chan error
}

// New constructs a pool. The pool accepts no work until Initialize
// has been called.
func New(opts Options) *Pool {
	opts.FillDefaults()

	ctx, cancel := context.WithCancel(opts.BaseContext)
	p := &Pool{
		opts:        opts,
		ctx:         ctx,
		cancel:      cancel,
		submitCh:    make(chan *task, opts.QueueCapacity),
		cmdCh:       make(chan func(), 256),
		outCh:       make(chan envelope, 256),
		queue:       newTierQueue(opts.QueueCapacity),
		tracker:     newTracker(opts.CompletedHistorySize),
		units:       make(map[int]*unitInfo),
		assignments: make(map[int]assignment),
		restartMeta: make(map[int]*restartMeta),
		bus:         newEventBus(),
		recycleRand: rand.New(rand.NewSource(time.Now().UnixNano())),
		accepting:   true,
		terminated:  make(chan struct{}),
	}
	p.timers = newTimerSet(func(fn func()) { p.post(fn) })
	p.brk = newBreaker(opts.CircuitBreakerThreshold, opts.HalfOpenWindow, func() {
		p.bus.Publish(Event{Type: EventCircuitBreakerOpen})
		lg.FromContext(p.ctx).Warn("circuit breaker opened")
	})

	go p.run()
	return p
}

// post delivers fn to the control loop. Returns false once the pool
// has terminated.
func (p *Pool) post(fn func()) bool {
	select {
	case <-p.terminated:
		return false
	default:
	}
	select {
	case p.cmdCh <- fn:
		return true
	case <-p.terminated:
		return false
	}
}

// run is the control loop, the only goroutine that touches pool
// state. It exits after finishShutdown has closed p.terminated.
func (p *Pool) run() {
	health := time.NewTicker(p.opts.HealthCheckInterval)
	defer health.Stop()
	memory := time.NewTicker(p.opts.MemoryCheckInterval)
	defer memory.Stop()

	for {
		select {
		case <-p.terminated:
			return
		default:
		}

		select {
		case t := <-p.submitCh:
			p.registerTask(t)
		case fn := <-p.cmdCh:
			fn()
		case env := <-p.outCh:
			p.handleUnitMsg(env)
		case <-health.C:
			if p.initialized && !p.draining {
				p.healthSweep()
			}
		case <-memory.C:
			if p.initialized && !p.draining {
				p.memorySweep()
			}
		case <-p.terminated:
			return
		}
	}
}

// handleUnitMsg is the catch-all boundary for unit → control traffic.
// Messages from units that were already torn down, and terminal
// messages that no longer match the unit's assignment, are dropped
// after releasing the unit. No unit-side fault reaches past here.
func (p *Pool) handleUnitMsg(env envelope) {
	u, live := p.units[env.unitID]

	switch m := env.msg.(type) {
	case readyMsg:
		if !live || u.state != unitInitializing {
			return
		}
		p.onUnitReady(u, m)

	case progressMsg:
		t := p.tracker.get(m.taskID)
		if t == nil || t.state != taskAssigned {
			return
		}
		if t.onProgress != nil {
			t.onProgress(m.pct, m.message)
		}
		p.bus.Publish(Event{Type: EventTaskProgress, TaskID: m.taskID, UnitID: env.unitID, Pct: m.pct})

	case successMsg:
		if !live {
			return
		}
		a, busy := p.assignments[u.id]
		if !busy || a.taskID != m.taskID {
			p.releaseUnit(u) // stale terminal message, the unit is free again
			return
		}
		p.onTaskSuccess(u, m)

	case errorMsg:
		if !live {
			return
		}
		a, busy := p.assignments[u.id]
		if !busy || a.taskID != m.taskID {
			p.releaseUnit(u)
			return
		}
		p.onTaskError(u, m)

	case memoryReportMsg:
		if !live {
			return
		}
		u.memoryUsage = m.bytes

	default:
		lg.FromContext(p.ctx).Warn("dropping unexpected unit message",
			lg.Int("unit", env.unitID), lg.Any("msg", env.msg))
	}
}

// Initialize creates the execution units in bounded batches and
// blocks until the pool is serviceable (at least MinWorkers units
// ready) or ctx expires.
func (p *Pool) Initialize(ctx context.Context) error {
	resCh := make(chan error, 1)
	if !p.post(func() { p.startInitialize(resCh) }) {
		return ErrPoolClosed
	}
	select {
	case err := <-resCh:
		return err
	case <-p.terminated:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) startInitialize(resCh chan error) {
	if p.initialized || p.initState != nil || p.draining {
		resCh <- fmt.Errorf("imgpool: already initialized")
		return
	}
	p.counters.startedAt = time.Now()
	p.initState = &initState{target: p.opts.MaxWorkers, resCh: resCh}
	for i := 0; i < p.opts.InitBatchSize && p.initState.created < p.initState.target; i++ {
		p.createUnit(p.allocUnitID())
		p.initState.created++
	}
}

// initProgress advances batched creation and resolves Initialize once
// every unit of the initial target has either become ready or failed
// its first creation attempt.
func (p *Pool) initProgress(ready bool) {
	st := p.initState
	if st == nil {
		return
	}
	if ready {
		st.ready++
	} else {
		st.failed++
	}

	if st.created < st.target {
		p.createUnit(p.allocUnitID())
		st.created++
		return
	}
	if st.ready+st.failed < st.target {
		return
	}

	p.initState = nil
	if st.ready >= p.opts.MinWorkers {
		p.initialized = true
		p.bus.Publish(Event{Type: EventInitialized})
		lg.FromContext(p.ctx).Info("pool initialized",
			lg.Int("units", st.ready), lg.Int("target", st.target))
		st.resCh <- nil
		return
	}
	st.resCh <- fmt.Errorf("%w: %d of %d units ready (need %d)",
		ErrInitFailed, st.ready, st.target, p.opts.MinWorkers)
}

func (p *Pool) allocUnitID() int {
	p.nextUnitID++
	return p.nextUnitID
}

// Submit registers the request and returns its future. The circuit
// breaker rejects here, before any unit or queue is touched. Submit
// never blocks: a full submission buffer returns ErrQueueFull.
func (p *Pool) Submit(req ConvertRequest, opts SubmitOptions) (*TaskHandle, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	if !p.brk.Allow() {
		return nil, ErrCircuitOpen
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = p.opts.TaskTimeout
	}
	t := &task{
		id:          uuid.NewString(),
		req:         req,
		priority:    opts.Priority,
		submittedAt: time.Now(),
		timeout:     timeout,
		onProgress:  opts.OnProgress,
	}
	t.handle = newTaskHandle(t.id)

	p.gateMu.RLock()
	defer p.gateMu.RUnlock()
	if !p.accepting {
		p.brk.AbortProbe()
		return nil, ErrPoolClosed
	}
	select {
	case p.submitCh <- t:
		return t.handle, nil
	default:
		p.brk.AbortProbe()
		return nil, ErrQueueFull
	}
}

func (p *Pool) registerTask(t *task) {
	if p.draining || !p.initialized {
		p.brk.AbortProbe()
		t.handle.reject(ErrPoolClosed)
		return
	}

	p.tracker.add(t)
	p.counters.totalTasks++
	p.timers.Schedule("task-timeout:"+t.id, t.timeout, func() { p.onTaskTimeout(t.id) })
	p.dispatch(t)
}

// dispatch hands the task to the best idle unit or leaves it queued
// in its priority tier.
func (p *Pool) dispatch(t *task) {
	if u := p.pickUnit(); u != nil {
		p.assignTask(u, t)
		return
	}
	if err := p.queue.Push(t); err != nil {
		p.timers.Cancel("task-timeout:" + t.id)
		p.tracker.remove(t.id)
		p.brk.AbortProbe()
		t.handle.reject(err)
		return
	}
	t.state = taskQueued
	p.bus.Publish(Event{Type: EventTaskQueued, TaskID: t.id})
}

// onTaskTimeout fires when a task exceeds its own deadline. The task
// goes through the normal retry decision; the unit, if any, keeps
// running until its encode returns and is released on its next
// message. A hung unit is the health monitor's problem, not this one.
func (p *Pool) onTaskTimeout(id string) {
	t := p.tracker.get(id)
	if t == nil {
		return
	}
	unitID := p.unassign(t)
	p.failTask(t, unitID, fmt.Errorf("%w after %s", ErrTaskTimeout, t.timeout), FailureDetails{})
}

// unassign detaches an assigned task from its unit and aborts the
// running encode. Returns the unit id, or -1 if the task was not
// assigned.
func (p *Pool) unassign(t *task) int {
	if t.state != taskAssigned {
		return -1
	}
	if t.cancelRun != nil {
		close(t.cancelRun)
		t.cancelRun = nil
	}
	for uid, a := range p.assignments {
		if a.taskID == t.id {
			delete(p.assignments, uid)
			return uid
		}
	}
	return -1
}

// failTask runs the retry decision for a failed task: either it is
// rescheduled after a backoff delay, or its future is rejected for
// good.
func (p *Pool) failTask(t *task, unitID int, cause error, details FailureDetails) {
	p.timers.Cancel("task-timeout:" + t.id)
	if t.state == taskQueued {
		// A task failing while it still waits in a tier must leave
		// it now; a stale ring entry would otherwise be dispatched
		// after this handle has settled.
		p.queue.Remove(t)
	}
	p.brk.RecordFailure()

	if !p.draining && p.tracker.shouldRetry(t, cause, details, p.opts.MaxRetries) {
		t.retryCount++
		p.counters.retriedTasks++
		t.state = taskRetryWait
		if t.nextRetryDelay == nil {
			t.nextRetryDelay = newBackoff(p.opts.RetryInitialDelay, p.opts.RetryMaxDelay)
		}
		delay := t.nextRetryDelay()
		lg.FromContext(p.ctx).Warn("task failed; retrying",
			lg.String("task", t.id), lg.Int("retry", t.retryCount),
			lg.String("delay", delay.String()), lg.Any("error", cause))
		p.timers.Schedule("task-retry:"+t.id, delay, func() { p.resubmit(t) })
		return
	}

	p.tracker.remove(t.id)
	p.counters.failedTasks++
	terr := &TaskError{TaskID: t.id, UnitID: unitID, RetryCount: t.retryCount, Fatal: details.Fatal, Cause: cause}
	t.handle.reject(terr)
	p.bus.Publish(Event{Type: EventTaskFailed, TaskID: t.id, UnitID: unitID, Err: terr})
	lg.FromContext(p.ctx).Error("task rejected",
		lg.String("task", t.id), lg.Int("retries", t.retryCount), lg.Any("error", cause))
	p.checkDrained()
}

// resubmit puts a retry-wait task back into rotation.
func (p *Pool) resubmit(t *task) {
	if p.tracker.get(t.id) == nil {
		return
	}
	if t.cancelled || p.draining {
		p.tracker.remove(t.id)
		t.handle.reject(ErrShutdown)
		p.checkDrained()
		return
	}
	p.timers.Schedule("task-timeout:"+t.id, t.timeout, func() { p.onTaskTimeout(t.id) })
	p.dispatch(t)
}

func (p *Pool) onTaskSuccess(u *unitInfo, m successMsg) {
	t := p.tracker.get(m.taskID)
	delete(p.assignments, u.id)
	p.timers.Cancel("task-timeout:" + m.taskID)

	u.tasksCompleted++
	u.totalProcTime += m.duration
	u.healthScore++
	if u.healthScore > 100 {
		u.healthScore = 100
	}

	p.releaseUnit(u)
	if t == nil {
		return
	}

	p.tracker.remove(t.id)
	p.counters.completedTasks++
	p.counters.totalProcTime += m.duration
	p.tracker.record(CompletedTaskRecord{
		TaskID:         t.id,
		UnitID:         u.id,
		ProcessingTime: m.duration,
		EncodedSize:    len(m.data),
		CompletedAt:    time.Now(),
	})
	p.brk.RecordSuccess()

	t.handle.resolve(&Result{
		Data:         m.data,
		Format:       m.format,
		OriginalSize: len(t.req.Data),
		EncodedSize:  len(m.data),
		UnitID:       u.id,
		Duration:     m.duration,
	})
	p.bus.Publish(Event{Type: EventTaskCompleted, TaskID: t.id, UnitID: u.id})
	p.checkDrained()
}

func (p *Pool) onTaskError(u *unitInfo, m errorMsg) {
	t := p.tracker.get(m.taskID)
	delete(p.assignments, u.id)

	u.errorCount++
	u.tasksErrored++
	u.healthScore -= 10
	if u.healthScore < 0 {
		u.healthScore = 0
	}

	p.releaseUnit(u)
	if t != nil {
		p.failTask(t, u.id, m.err, m.details)
	}
}

// CancelTask aborts a task wherever it currently is: queued, waiting
// out a retry delay, or assigned to a unit. Returns false when the
// id is unknown or the task has already resolved.
func (p *Pool) CancelTask(id string) bool {
	resCh := make(chan bool, 1)
	if !p.post(func() { resCh <- p.cancelTask(id, ErrTaskCancelled) }) {
		return false
	}
	select {
	case ok := <-resCh:
		return ok
	case <-p.terminated:
		return false
	}
}

func (p *Pool) cancelTask(id string, cause error) bool {
	t := p.tracker.get(id)
	if t == nil || t.handle.resolved() {
		return false
	}
	t.cancelled = true
	p.timers.Cancel("task-timeout:" + id)
	p.timers.Cancel("task-retry:" + id)

	// An assigned unit is released when its encode returns and its
	// terminal message no longer matches any assignment.
	p.unassign(t)

	p.tracker.remove(id)
	p.counters.cancelledTasks++
	t.handle.reject(cause)
	p.bus.Publish(Event{Type: EventTaskCancelled, TaskID: id})
	p.checkDrained()
	return true
}

// CancelAllTasks cancels every live task and returns their ids.
func (p *Pool) CancelAllTasks() []string {
	resCh := make(chan []string, 1)
	if !p.post(func() { resCh <- p.cancelAll(ErrTaskCancelled) }) {
		return nil
	}
	select {
	case ids := <-resCh:
		return ids
	case <-p.terminated:
		return nil
	}
}

func (p *Pool) cancelAll(cause error) []string {
	ids := make([]string, 0, p.tracker.liveCount())
	for id := range p.tracker.tasks {
		ids = append(ids, id)
	}
	cancelled := ids[:0]
	for _, id := range ids {
		if p.cancelTask(id, cause) {
			cancelled = append(cancelled, id)
		}
	}
	return cancelled
}

// Stats returns a consistent snapshot assembled on the control
// goroutine.
func (p *Pool) Stats() StatsSnapshot {
	resCh := make(chan StatsSnapshot, 1)
	if !p.post(func() { resCh <- p.snapshot() }) {
		// The loop is gone; state is frozen and safe to read.
		return p.snapshot()
	}
	select {
	case s := <-resCh:
		return s
	case <-p.terminated:
		return p.snapshot()
	}
}

func (p *Pool) snapshot() StatsSnapshot {
	var memTotal uint64
	workers := make([]WorkerStats, 0, len(p.units))
	idle, busy := 0, 0
	for _, u := range p.units {
		switch u.state {
		case unitIdle:
			idle++
		case unitBusy:
			busy++
		}
		memTotal += u.memoryUsage
		workers = append(workers, WorkerStats{
			UnitID:            u.id,
			State:             u.state.String(),
			TasksCompleted:    u.tasksCompleted,
			TasksErrored:      u.tasksErrored,
			AvgProcessingTime: u.avgProcessingTime(),
			HealthScore:       u.healthScore,
			LastActivity:      u.lastUsedAt,
			ErrorCount:        u.errorCount,
			RestartCount:      u.restartCount,
			MemoryUsage:       u.memoryUsage,
			Capabilities:      u.capabilities,
			FallbackMode:      u.fallbackMode,
		})
	}

	depths := p.queue.Depths()
	return StatsSnapshot{
		Global:  p.counters.snapshot(memTotal),
		Workers: workers,
		Queue: QueueStats{
			High:   depths[PriorityHigh],
			Normal: depths[PriorityNormal],
			Low:    depths[PriorityLow],
			Total:  depths[PriorityHigh] + depths[PriorityNormal] + depths[PriorityLow],
		},
		Breaker:     p.brk.Snapshot(),
		ActiveTasks: p.tracker.liveCount(),
		LiveUnits:   len(p.units),
		IdleUnits:   idle,
		BusyUnits:   busy,
	}
}

// Subscribe registers an event listener for the given types, or all
// types when none are named. The returned cancel func unsubscribes
// and closes the channel.
func (p *Pool) Subscribe(types ...EventType) (<-chan Event, func()) {
	return p.bus.Subscribe(types...)
}

// History returns up to limit recently completed task records,
// newest first.
func (p *Pool) History(limit int) []CompletedTaskRecord {
	resCh := make(chan []CompletedTaskRecord, 1)
	if !p.post(func() { resCh <- p.tracker.history.recent(limit) }) {
		return nil
	}
	select {
	case recs := <-resCh:
		return recs
	case <-p.terminated:
		return nil
	}
}

// Shutdown drains the pool: no new submissions are accepted, active
// and queued tasks run to completion, then every unit is terminated.
// If ctx expires first, all remaining tasks are force-cancelled and
// their futures rejected. Subsequent calls are no-ops that wait for
// the same completion.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.closed.Store(true)
	p.post(func() { p.beginShutdown() })

	select {
	case <-p.terminated:
		return p.shutdownErr
	case <-ctx.Done():
	}

	p.post(func() { p.forceShutdown() })
	<-p.terminated
	return p.shutdownErr
}

// Stop is the blocking convenience wrapper around Shutdown with the
// default drain timeout.
func (p *Pool) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.ShutdownTimeout)
	defer cancel()
	_ = p.Shutdown(ctx)
}

func (p *Pool) beginShutdown() {
	if p.draining {
		return
	}
	p.draining = true
	p.bus.Publish(Event{Type: EventShutdownStarted})
	lg.FromContext(p.ctx).Info("shutdown started", lg.Int("active_tasks", p.tracker.liveCount()))
	p.checkDrained()
}

func (p *Pool) forceShutdown() {
	if !p.draining {
		p.draining = true
		p.bus.Publish(Event{Type: EventShutdownStarted})
	}
	select {
	case <-p.terminated:
		return
	default:
	}
	cancelled := p.cancelAll(ErrShutdown)
	if len(cancelled) > 0 {
		p.shutdownErr = fmt.Errorf("%w: force-cancelled %d tasks", ErrShutdown, len(cancelled))
		p.bus.Publish(Event{Type: EventShutdownError, Err: p.shutdownErr})
		p.reportInternalError(p.shutdownErr)
	}
	p.finishShutdown()
}

// checkDrained is the completion signal for the graceful drain: the
// moment the last live task resolves while draining, teardown runs.
// No polling involved.
func (p *Pool) checkDrained() {
	if !p.draining {
		return
	}
	select {
	case <-p.terminated:
		return
	default:
	}
	if p.tracker.liveCount() == 0 {
		p.finishShutdown()
	}
}

func (p *Pool) finishShutdown() {
	// Stop the submit gate first, then reject whatever is still
	// buffered. With the write lock held no new sends can race in.
	p.gateMu.Lock()
	p.accepting = false
	for {
		select {
		case t := <-p.submitCh:
			t.handle.reject(ErrPoolClosed)
		default:
			p.gateMu.Unlock()
			goto drained
		}
	}
drained:

	p.timers.CancelAll()
	for id, u := range p.units {
		p.terminateUnit(u)
		delete(p.units, id)
	}
	p.assignments = make(map[int]assignment)
	p.cancel()

	p.bus.Publish(Event{Type: EventShutdownCompleted})
	lg.FromContext(context.Background()).Info("shutdown completed")
	p.bus.Close()
	close(p.terminated)
}

package imgpool

import (
	"testing"
	"time"
)

// schedPool builds just enough of a Pool to exercise scoring. The
// control loop is never started.
func schedPool(units ...*unitInfo) *Pool {
	p := &Pool{
		opts:  Options{MaxMemoryPerWorker: 256 << 20, ScoreWeights: defaultScoreWeights},
		units: make(map[int]*unitInfo),
	}
	for _, u := range units {
		p.units[u.id] = u
	}
	return p
}

func idleUnit(id int, health float64) *unitInfo {
	return &unitInfo{
		id:          id,
		state:       unitIdle,
		healthScore: health,
		lastUsedAt:  time.Now(),
	}
}

func TestPickUnitPrefersHealthy(t *testing.T) {
	t.Parallel()

	healthy := idleUnit(1, 100)
	ailing := idleUnit(2, 20)
	ailing.tasksCompleted = 1
	ailing.tasksErrored = 3

	p := schedPool(healthy, ailing)
	if got := p.pickUnit(); got != healthy {
		t.Fatalf("picked unit %d, want the healthy one", got.id)
	}
}

func TestPickUnitSkipsBusy(t *testing.T) {
	t.Parallel()

	busy := idleUnit(1, 100)
	busy.state = unitBusy
	idle := idleUnit(2, 50)

	p := schedPool(busy, idle)
	if got := p.pickUnit(); got != idle {
		t.Fatal("busy unit must never be picked")
	}

	idle.state = unitInitializing
	if got := p.pickUnit(); got != nil {
		t.Fatalf("expected nil with no idle units, got unit %d", got.id)
	}
}

func TestScoreUnitMemoryPenalty(t *testing.T) {
	t.Parallel()

	lean := idleUnit(1, 80)
	fat := idleUnit(2, 80)
	fat.memoryUsage = 256 << 20 // at the per-unit budget

	p := schedPool(lean, fat)
	now := time.Now()
	if p.scoreUnit(lean, now) <= p.scoreUnit(fat, now) {
		t.Fatal("memory-heavy unit must score below an otherwise equal lean one")
	}
}

func TestScoreUnitRewardsIdleTime(t *testing.T) {
	t.Parallel()

	fresh := idleUnit(1, 80)
	rested := idleUnit(2, 80)
	rested.lastUsedAt = time.Now().Add(-time.Minute)

	p := schedPool(fresh, rested)
	now := time.Now()
	if p.scoreUnit(rested, now) <= p.scoreUnit(fresh, now) {
		t.Fatal("longer-idle unit must score higher")
	}
}

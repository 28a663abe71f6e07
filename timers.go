package imgpool

import (
	"sync"
	"time"
)

// timerSet owns every scheduled callback the pool creates: task
// timeouts, retry delays, unit init deadlines and restart delays.
// Each timer is stored under a key so it can be cancelled
// individually, and CancelAll tears the whole set down on shutdown.
//
// Fired callbacks are posted into the control loop rather than run on
// the timer goroutine, so all pool state stays single-owner.
type timerSet struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	post   func(fn func()) // delivers fn to the control loop
}

func newTimerSet(post func(fn func())) *timerSet {
	return &timerSet{
		timers: make(map[string]*time.Timer),
		post:   post,
	}
}

// Schedule arms a timer under key, replacing any previous timer with
// the same key. fn runs on the control goroutine after d.
func (s *timerSet) Schedule(key string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timers == nil {
		return // already torn down
	}
	if old, ok := s.timers[key]; ok {
		old.Stop()
	}
	s.timers[key] = time.AfterFunc(d, func() {
		s.mu.Lock()
		_, live := s.timers[key]
		if live {
			delete(s.timers, key)
		}
		s.mu.Unlock()
		if live {
			s.post(fn)
		}
	})
}

// Cancel stops the timer under key. Returns false if no such timer
// was armed.
func (s *timerSet) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.timers[key]
	if !ok {
		return false
	}
	t.Stop()
	delete(s.timers, key)
	return true
}

// CancelAll stops every armed timer and prevents new ones.
func (s *timerSet) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, t := range s.timers {
		t.Stop()
		delete(s.timers, k)
	}
	s.timers = nil
}

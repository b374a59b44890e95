package telephony

import (
	"sync"
	"time"
)

// Stopper is the part of *time.Timer the driver needs.
type Stopper interface {
	Stop() bool
}

// timerSet holds the pending timers of every live call.
type timerSet struct {
	after func(time.Duration, func()) Stopper

	mu     sync.Mutex
	byCall map[string]map[string]Stopper
}

func newTimerSet(after func(time.Duration, func()) Stopper) *timerSet {
	if after == nil {
		after = func(d time.Duration, f func()) Stopper { return time.AfterFunc(d, f) }
	}
	return &timerSet{after: after, byCall: make(map[string]map[string]Stopper)}
}

func (s *timerSet) start(callID, timerID string, d time.Duration, f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byCall[callID] == nil {
		s.byCall[callID] = make(map[string]Stopper)
	}
	s.byCall[callID][timerID] = s.after(d, func() {
		if !s.remove(callID, timerID) {
			return
		}
		f()
	})
}

// remove reports whether the timer was still pending.
func (s *timerSet) remove(callID, timerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	timers := s.byCall[callID]
	if _, ok := timers[timerID]; !ok {
		return false
	}
	delete(timers, timerID)
	if len(timers) == 0 {
		delete(s.byCall, callID)
	}
	return true
}

func (s *timerSet) cancelCall(callID string) {
	s.mu.Lock()
	timers := s.byCall[callID]
	delete(s.byCall, callID)
	s.mu.Unlock()
	for _, t := range timers {
		t.Stop()
	}
}

func (s *timerSet) pending(callID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byCall[callID])
}

package service

import (
	"sync"
	"time"
)

// Scheduler runs fn once after delay
type Scheduler interface {
	Schedule(delay time.Duration, fn func())
}

// TimerScheduler backs Scheduler with runtime timers
type TimerScheduler struct {
	mu      sync.Mutex
	stopped bool
	timers  map[*time.Timer]struct{}
}

func NewTimerScheduler() *TimerScheduler {
	return &TimerScheduler{timers: make(map[*time.Timer]struct{})}
}

func (s *TimerScheduler) Schedule(delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, t)
		stopped := s.stopped
		s.mu.Unlock()
		if !stopped {
			fn()
		}
	})
	s.timers[t] = struct{}{}
}

// Pending is the number of timers that have not fired yet
func (s *TimerScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every pending timer and ignores later Schedule calls
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for t := range s.timers {
		t.Stop()
	}
	s.timers = make(map[*time.Timer]struct{})
}

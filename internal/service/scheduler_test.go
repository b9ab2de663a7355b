package service

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimerSchedulerRunsOnce(t *testing.T) {
	s := NewTimerScheduler()
	defer s.Stop()

	var runs atomic.Int32
	s.Schedule(10*time.Millisecond, func() { runs.Add(1) })

	assert.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestTimerSchedulerStopCancelsPending(t *testing.T) {
	s := NewTimerScheduler()

	var runs atomic.Int32
	s.Schedule(30*time.Millisecond, func() { runs.Add(1) })
	assert.Equal(t, 1, s.Pending())

	s.Stop()
	s.Schedule(time.Millisecond, func() { runs.Add(1) })

	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, runs.Load())
	assert.Zero(t, s.Pending())
}

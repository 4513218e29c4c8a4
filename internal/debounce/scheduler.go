package debounce

import (
	"sync/atomic"
	"time"

	"github.com/facebookgo/clock"
)

// Handle identifies a scheduled callback. It is only meaningful to the
// Scheduler that returned it.
type Handle any

// Scheduler runs fn once after d. Cancel must be given a handle returned by
// the same Scheduler.
type Scheduler interface {
	Schedule(d time.Duration, fn func()) Handle
	Cancel(h Handle)
}

// ClockScheduler fires callbacks on a timer goroutine.
type ClockScheduler struct {
	Clock clock.Clock
}

// NewClockScheduler uses clk, or the wall clock when clk is nil.
func NewClockScheduler(clk clock.Clock) *ClockScheduler {
	if clk == nil {
		clk = clock.New()
	}
	return &ClockScheduler{Clock: clk}
}

func (s *ClockScheduler) Schedule(d time.Duration, fn func()) Handle {
	return s.Clock.AfterFunc(d, fn)
}

func (s *ClockScheduler) Cancel(h Handle) {
	if t, ok := h.(*clock.Timer); ok && t != nil {
		t.Stop()
	}
}

// LoopScheduler waits on a timer and then hands fn to post, which runs it on
// an owner goroutine. A cancel that lands after the hand-off still
// suppresses fn.
type LoopScheduler struct {
	clock clock.Clock
	post  func(func())
}

// NewLoopScheduler schedules onto post. A nil clk uses the wall clock.
func NewLoopScheduler(clk clock.Clock, post func(func())) *LoopScheduler {
	if clk == nil {
		clk = clock.New()
	}
	return &LoopScheduler{clock: clk, post: post}
}

type loopHandle struct {
	timer    *clock.Timer
	canceled atomic.Bool
}

func (s *LoopScheduler) Schedule(d time.Duration, fn func()) Handle {
	h := &loopHandle{}
	h.timer = s.clock.AfterFunc(d, func() {
		if h.canceled.Load() {
			return
		}
		s.post(func() {
			if !h.canceled.Load() {
				fn()
			}
		})
	})
	return h
}

func (s *LoopScheduler) Cancel(h Handle) {
	lh, ok := h.(*loopHandle)
	if !ok || lh == nil {
		return
	}
	lh.canceled.Store(true)
	if lh.timer != nil {
		lh.timer.Stop()
	}
}

// Package debounce coalesces bursts of events into a single trailing-edge
// callback.
package debounce

import (
	"sync"
	"time"
)

// Batcher accumulates items and hands the whole batch to fn once no item has
// been added for the configured delay. All methods are safe for concurrent
// use; fn runs without the lock held and may call back into the Batcher.
type Batcher[T any] struct {
	delay time.Duration
	sched Scheduler
	fn    func([]T)

	mu      sync.Mutex
	pending []T
	handle  Handle
	gen     uint64
}

// NewBatcher creates a Batcher firing fn through sched.
func NewBatcher[T any](delay time.Duration, sched Scheduler, fn func([]T)) *Batcher[T] {
	return &Batcher[T]{delay: delay, sched: sched, fn: fn}
}

// Add appends item and restarts the delay.
func (b *Batcher[T]) Add(item T) {
	b.AddMany([]T{item})
}

// AddMany appends items and restarts the delay.
func (b *Batcher[T]) AddMany(items []T) {
	if len(items) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, items...)
	b.stopLocked()
	gen := b.gen
	b.handle = b.sched.Schedule(b.delay, func() { b.fire(gen) })
}

// Flush fires immediately with whatever is pending.
func (b *Batcher[T]) Flush() {
	b.mu.Lock()
	b.stopLocked()
	items := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(items) > 0 {
		b.fn(items)
	}
}

// Cancel drops pending items without firing.
func (b *Batcher[T]) Cancel() {
	b.mu.Lock()
	b.stopLocked()
	b.pending = nil
	b.mu.Unlock()
}

// Pending returns the number of buffered items.
func (b *Batcher[T]) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// stopLocked cancels the outstanding timer. Bumping gen also invalidates a
// callback that already started but has not taken the lock yet.
func (b *Batcher[T]) stopLocked() {
	if b.handle != nil {
		b.sched.Cancel(b.handle)
		b.handle = nil
	}
	b.gen++
}

func (b *Batcher[T]) fire(gen uint64) {
	b.mu.Lock()
	if gen != b.gen {
		b.mu.Unlock()
		return
	}
	b.handle = nil
	b.gen++
	items := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(items) > 0 {
		b.fn(items)
	}
}

// CallBatcher collapses repeated Call invocations into one fn call per quiet
// period.
type CallBatcher struct {
	b *Batcher[struct{}]
}

// NewCallBatcher creates a CallBatcher firing fn through sched.
func NewCallBatcher(delay time.Duration, sched Scheduler, fn func()) *CallBatcher {
	return &CallBatcher{b: NewBatcher(delay, sched, func([]struct{}) { fn() })}
}

// Call marks a pending invocation and restarts the delay.
func (c *CallBatcher) Call() { c.b.Add(struct{}{}) }

// Flush fires now if a call is pending.
func (c *CallBatcher) Flush() { c.b.Flush() }

// Cancel drops a pending call.
func (c *CallBatcher) Cancel() { c.b.Cancel() }

// IsPending reports whether a call is waiting to fire.
func (c *CallBatcher) IsPending() bool { return c.b.Pending() > 0 }

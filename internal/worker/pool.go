// Package worker runs background network operations on a fixed number of
// goroutines fed by a bounded queue.
package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrQueueFull is returned by TrySubmit when no queue slot is free.
	ErrQueueFull = errors.New("worker queue full")
	// ErrClosed is returned once the pool has been closed.
	ErrClosed = errors.New("worker pool closed")
)

// Task is a unit of work. ctx is cancelled when the pool closes.
type Task func(ctx context.Context)

type job struct {
	name string
	fn   Task
}

// Pool executes tasks on a fixed set of workers.
type Pool struct {
	queue  chan job
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	g      *errgroup.Group
}

// New starts workers goroutines draining a queue of queueSize slots.
func New(workers, queueSize int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	p := &Pool{
		queue:  make(chan job, queueSize),
		logger: logger,
		ctx:    gctx,
		cancel: cancel,
		g:      g,
	}
	for i := 0; i < workers; i++ {
		g.Go(p.loop)
	}
	return p
}

func (p *Pool) loop() error {
	for {
		select {
		case <-p.ctx.Done():
			return nil
		case j := <-p.queue:
			p.run(j)
		}
	}
}

func (p *Pool) run(j job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker task panicked", zap.String("task", j.name), zap.Any("panic", r))
		}
	}()
	j.fn(p.ctx)
}

// Submit queues fn, blocking while the queue is full.
func (p *Pool) Submit(ctx context.Context, name string, fn Task) error {
	select {
	case <-p.ctx.Done():
		return ErrClosed
	default:
	}
	select {
	case p.queue <- job{name: name, fn: fn}:
		return nil
	case <-p.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("submit %s: %w", name, ctx.Err())
	}
}

// TrySubmit queues fn or fails fast with ErrQueueFull.
func (p *Pool) TrySubmit(name string, fn Task) error {
	select {
	case <-p.ctx.Done():
		return ErrClosed
	default:
	}
	select {
	case p.queue <- job{name: name, fn: fn}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close cancels running tasks, drops queued ones and waits for workers to exit.
func (p *Pool) Close() {
	p.cancel()
	_ = p.g.Wait()
}

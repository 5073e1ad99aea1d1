package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// PoolMetrics tracks worker pool operational metrics.
type PoolMetrics struct {
	Queued    int64 `json:"queued"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// WorkerPool bounds how many executions run at once. Submit never blocks:
// work beyond the limit waits in its own goroutine for a slot.
type WorkerPool struct {
	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	metrics PoolMetrics

	mu     sync.Mutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewWorkerPool creates a pool with the given max concurrency.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		sem:    semaphore.NewWeighted(int64(size)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit schedules fn. fn always runs exactly once, even if the pool is
// force-stopped while it waits, in which case its context is already done.
func (p *WorkerPool) Submit(fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.mu.Unlock()

	atomic.AddInt64(&p.metrics.Queued, 1)
	go func() {
		defer p.wg.Done()

		acquired := p.sem.Acquire(p.ctx, 1) == nil
		atomic.AddInt64(&p.metrics.Queued, -1)
		atomic.AddInt64(&p.metrics.Active, 1)
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.metrics.Panics, 1)
				atomic.AddInt64(&p.metrics.Failed, 1)
			}
			atomic.AddInt64(&p.metrics.Active, -1)
			if acquired {
				p.sem.Release(1)
			}
		}()

		if err := fn(p.ctx); err != nil {
			atomic.AddInt64(&p.metrics.Failed, 1)
		} else {
			atomic.AddInt64(&p.metrics.Completed, 1)
		}
	}()
	return nil
}

// Closed reports whether Shutdown has been called.
func (p *WorkerPool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Wait blocks until all submitted work completes.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown stops accepting work and waits for submitted work to finish. If
// ctx ends first, running work is cancelled and Shutdown still waits for it
// to return before reporting ctx's error.
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

// Metrics returns a snapshot of the current pool metrics.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Queued:    atomic.LoadInt64(&p.metrics.Queued),
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}

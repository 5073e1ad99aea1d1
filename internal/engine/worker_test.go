package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPool_BasicExecution(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown(context.Background())

	var ran int64
	err := pool.Submit(func(ctx context.Context) error {
		atomic.AddInt64(&ran, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	pool.Wait()

	if atomic.LoadInt64(&ran) != 1 {
		t.Error("work did not execute")
	}
	if m := pool.Metrics(); m.Completed != 1 {
		t.Errorf("expected 1 completed, got %d", m.Completed)
	}
}

func TestWorkerPool_ConcurrencyLimit(t *testing.T) {
	const poolSize = 3
	pool := NewWorkerPool(poolSize)
	defer pool.Shutdown(context.Background())

	var current, peak int64
	for i := 0; i < 12; i++ {
		if err := pool.Submit(func(ctx context.Context) error {
			n := atomic.AddInt64(&current, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return nil
		}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	pool.Wait()

	if peak > poolSize {
		t.Errorf("peak concurrency %d exceeded pool size %d", peak, poolSize)
	}
	if m := pool.Metrics(); m.Completed != 12 || m.Queued != 0 || m.Active != 0 {
		t.Errorf("unexpected metrics %+v", m)
	}
}

func TestWorkerPool_SubmitDoesNotBlock(t *testing.T) {
	pool := NewWorkerPool(1)
	release := make(chan struct{})
	defer pool.Shutdown(context.Background())
	defer close(release)

	for i := 0; i < 5; i++ {
		start := time.Now()
		pool.Submit(func(ctx context.Context) error {
			<-release
			return nil
		})
		if time.Since(start) > 100*time.Millisecond {
			t.Fatal("submit blocked on a full pool")
		}
	}
}

func TestWorkerPool_FailuresAndPanics(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown(context.Background())

	pool.Submit(func(ctx context.Context) error { return errors.New("boom") })
	pool.Submit(func(ctx context.Context) error { panic("kaboom") })
	pool.Wait()

	m := pool.Metrics()
	if m.Failed != 2 {
		t.Errorf("expected 2 failed, got %d", m.Failed)
	}
	if m.Panics != 1 {
		t.Errorf("expected 1 panic, got %d", m.Panics)
	}
}

func TestWorkerPool_SubmitAfterShutdown(t *testing.T) {
	pool := NewWorkerPool(1)
	if err := pool.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := pool.Submit(func(ctx context.Context) error { return nil }); !errors.Is(err, ErrPoolShutdown) {
		t.Errorf("expected ErrPoolShutdown, got %v", err)
	}
}

func TestWorkerPool_ForcedShutdownCancelsWork(t *testing.T) {
	pool := NewWorkerPool(1)

	var cancelled, queuedRan int64
	pool.Submit(func(ctx context.Context) error {
		<-ctx.Done()
		atomic.AddInt64(&cancelled, 1)
		return ctx.Err()
	})
	pool.Submit(func(ctx context.Context) error {
		if ctx.Err() != nil {
			atomic.AddInt64(&queuedRan, 1)
		}
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := pool.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if atomic.LoadInt64(&cancelled) != 1 {
		t.Error("running work was not cancelled")
	}
	if atomic.LoadInt64(&queuedRan) != 1 {
		t.Error("queued work must still run with a done context")
	}
}

package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rendis/conductor/pkg/schema"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMemoryStore_CreateGetDelete(t *testing.T) {
	s := NewMemoryStore(MemoryConfig{})

	c, err := s.Create(NewContext{WorkflowID: "wf"})
	require.NoError(t, err)
	assert.NotEmpty(t, c.ExecutionID())
	assert.Equal(t, schema.StateRunning, c.State())
	assert.Equal(t, 1, s.Len())

	got, err := s.Get(c.ExecutionID())
	require.NoError(t, err)
	assert.Same(t, c, got)

	assert.True(t, s.Delete(c.ExecutionID()))
	assert.False(t, s.Delete(c.ExecutionID()))
	_, err = s.Get(c.ExecutionID())
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestMemoryStore_RejectsDuplicateAndMissingWorkflow(t *testing.T) {
	s := NewMemoryStore(MemoryConfig{})
	_, err := s.Create(NewContext{ID: "x", WorkflowID: "wf"})
	require.NoError(t, err)

	_, err = s.Create(NewContext{ID: "x", WorkflowID: "wf"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

	_, err = s.Create(NewContext{ID: "y"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStore_SweepHonoursRetention(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	s := NewMemoryStore(MemoryConfig{Retention: time.Hour, Now: clock.Now})

	running, _ := s.Create(NewContext{WorkflowID: "wf"})
	completed, _ := s.Create(NewContext{WorkflowID: "wf"})
	failed, _ := s.Create(NewContext{WorkflowID: "wf"})
	paused, _ := s.Create(NewContext{WorkflowID: "wf"})

	completed.Transition(schema.StateCompleted, nil, clock.Now())
	paused.Transition(schema.StatePaused, nil, clock.Now())
	clock.Advance(30 * time.Minute)
	failed.Transition(schema.StateFailed, nil, clock.Now())

	clock.Advance(31 * time.Minute)
	assert.Equal(t, 1, s.Sweep())
	_, err := s.Get(completed.ExecutionID())
	assert.Error(t, err)

	clock.Advance(10 * time.Hour)
	assert.Equal(t, 1, s.Sweep())

	_, err = s.Get(running.ExecutionID())
	assert.NoError(t, err, "running contexts are never reaped")
	_, err = s.Get(paused.ExecutionID())
	assert.NoError(t, err, "paused contexts are never reaped")
	assert.Equal(t, 2, s.Len())
}

func TestMemoryStore_ReaperLoop(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := NewMemoryStore(MemoryConfig{Retention: time.Millisecond, SweepInterval: 5 * time.Millisecond})
	c, _ := s.Create(NewContext{WorkflowID: "wf"})
	c.Transition(schema.StateCompleted, nil, time.Now())

	s.Start(context.Background())
	s.Start(context.Background())
	require.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()
}

func TestMemoryStore_ReaperStopsWithContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	s := NewMemoryStore(MemoryConfig{SweepInterval: time.Millisecond})
	s.Start(ctx)
	cancel()
	s.Stop()
}

func TestMemoryStore_ConcurrentCreate(t *testing.T) {
	s := NewMemoryStore(MemoryConfig{})
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Create(NewContext{WorkflowID: "wf"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, s.Len())
	assert.Len(t, s.IDs(), 100)
}

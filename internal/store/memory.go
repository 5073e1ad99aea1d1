package store

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/conductor/pkg/schema"
)

const (
	// DefaultRetention is how long a terminal context is kept.
	DefaultRetention = time.Hour
	// DefaultSweepInterval is how often the reaper scans for expired contexts.
	DefaultSweepInterval = time.Minute
)

// NewContext carries the immutable fields of a context being created.
type NewContext struct {
	ID         string
	WorkflowID string
	CallerID   string
	CallerType string
	Inputs     map[string]any
	Options    schema.ExecutionOptions
	StartTime  time.Time
}

// MemoryConfig configures a MemoryStore.
type MemoryConfig struct {
	Retention     time.Duration
	SweepInterval time.Duration
	Logger        *slog.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// MemoryStore owns every live ExecutionContext and discards terminal ones
// after the retention window. Running and paused contexts are never reaped.
type MemoryStore struct {
	mu       sync.RWMutex
	contexts map[string]*ExecutionContext

	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	logger    *slog.Logger

	lifecycle sync.Mutex
	stop      chan struct{}
	done      chan struct{}
}

// NewMemoryStore creates an empty store. Call Start to run the reaper.
func NewMemoryStore(cfg MemoryConfig) *MemoryStore {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &MemoryStore{
		contexts:  make(map[string]*ExecutionContext),
		retention: cfg.Retention,
		interval:  cfg.SweepInterval,
		now:       cfg.Now,
		logger:    cfg.Logger,
	}
}

// Create inserts a Running context. An empty ID is replaced by a new UUID.
func (s *MemoryStore) Create(nc NewContext) (*ExecutionContext, error) {
	if nc.WorkflowID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow id is required")
	}
	if nc.ID == "" {
		nc.ID = uuid.New().String()
	}
	if nc.StartTime.IsZero() {
		nc.StartTime = s.now()
	}
	c := &ExecutionContext{
		id:         nc.ID,
		workflowID: nc.WorkflowID,
		callerID:   nc.CallerID,
		callerType: nc.CallerType,
		inputs:     maps.Clone(nc.Inputs),
		options:    nc.Options,
		startTime:  nc.StartTime,
		state:      schema.StateRunning,
		results:    make(map[string]any),
		errors:     make(map[string]*schema.ConductorError),
	}
	if c.inputs == nil {
		c.inputs = map[string]any{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.contexts[c.id]; exists {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "execution %s already exists", c.id)
	}
	s.contexts[c.id] = c
	return c, nil
}

// Get returns the context for id.
func (s *MemoryStore) Get(id string) (*ExecutionContext, error) {
	s.mu.RLock()
	c, ok := s.contexts[id]
	s.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", id)
	}
	return c, nil
}

// Delete removes the context for id and reports whether it existed.
func (s *MemoryStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.contexts[id]
	delete(s.contexts, id)
	return ok
}

// Len returns the number of stored contexts.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.contexts)
}

// IDs returns the ids of every stored context.
func (s *MemoryStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.contexts))
	for id := range s.contexts {
		out = append(out, id)
	}
	return out
}

// Sweep removes terminal contexts whose end time is older than the retention
// window and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	cutoff := s.now().Add(-s.retention)

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, c := range s.contexts {
		end, terminal := c.EndTime()
		if terminal && end.Before(cutoff) {
			delete(s.contexts, id)
			removed++
		}
	}
	return removed
}

// Start launches the background reaper. It stops when ctx is done or Stop is
// called. Calling Start twice is a no-op.
func (s *MemoryStore) Start(ctx context.Context) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.reap(ctx, s.stop, s.done)
}

// Stop halts the reaper and waits for it to exit.
func (s *MemoryStore) Stop() {
	s.lifecycle.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.lifecycle.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (s *MemoryStore) reap(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Debug("reaped execution contexts", slog.Int("count", n), slog.Int("remaining", s.Len()))
			}
		}
	}
}

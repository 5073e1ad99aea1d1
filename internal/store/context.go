package store

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/rendis/conductor/pkg/schema"
)

// ExecutionContext is the mutable record of one workflow run. The results,
// errors and history only grow while the run is live; once the state is
// terminal every mutation is rejected.
type ExecutionContext struct {
	mu sync.RWMutex

	id         string
	workflowID string
	callerID   string
	callerType string
	inputs     map[string]any
	options    schema.ExecutionOptions
	startTime  time.Time
	endTime    time.Time

	state   schema.ExecutionState
	results map[string]any
	errors  map[string]*schema.ConductorError
	history []schema.HistoryEntry
}

var _ schema.MutableStepContext = (*ExecutionContext)(nil)

func (c *ExecutionContext) ExecutionID() string { return c.id }
func (c *ExecutionContext) WorkflowID() string { return c.workflowID }
func (c *ExecutionContext) CallerID() string { return c.callerID }
func (c *ExecutionContext) CallerType() string { return c.callerType }
func (c *ExecutionContext) StartTime() time.Time { return c.startTime }

// Options returns the per-run options supplied with the request.
func (c *ExecutionContext) Options() schema.ExecutionOptions { return c.options }

// Inputs returns a copy of the request parameters.
func (c *ExecutionContext) Inputs() map[string]any {
	return maps.Clone(c.inputs)
}

// State returns the current lifecycle state.
func (c *ExecutionContext) State() schema.ExecutionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// EndTime returns when the context reached a terminal state.
func (c *ExecutionContext) EndTime() (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endTime, c.state.IsTerminal()
}

func (c *ExecutionContext) Result(stepID string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.results[stepID]
	return v, ok
}

func (c *ExecutionContext) Results() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.results)
}

func (c *ExecutionContext) Errors() map[string]*schema.ConductorError {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.errors)
}

// History returns a copy of the step history.
func (c *ExecutionContext) History() []schema.HistoryEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.history)
}

// SetResult stores a result under key. Keys are written once.
func (c *ExecutionContext) SetResult(key string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.writableLocked(); err != nil {
		return err
	}
	if _, exists := c.results[key]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "result %q already recorded", key)
	}
	c.results[key] = value
	return nil
}

// RecordError stores an error under key. Keys are written once.
func (c *ExecutionContext) RecordError(key string, err *schema.ConductorError) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if werr := c.writableLocked(); werr != nil {
		return werr
	}
	if _, exists := c.errors[key]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "error %q already recorded", key)
	}
	c.errors[key] = err
	return nil
}

// BeginStep appends a history entry with provisional status Success and
// returns its index.
func (c *ExecutionContext) BeginStep(stepID string, at time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.writableLocked(); err != nil {
		return -1, err
	}
	c.history = append(c.history, schema.HistoryEntry{StepID: stepID, Status: schema.StepSuccess, StartTime: at})
	return len(c.history) - 1, nil
}

// CompleteStep stores the step result and closes its history entry.
func (c *ExecutionContext) CompleteStep(idx int, at time.Time, result any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.writableLocked(); err != nil {
		return err
	}
	if idx < 0 || idx >= len(c.history) {
		return schema.NewErrorf(schema.ErrCodeNotFound, "history entry %d not found", idx)
	}
	entry := &c.history[idx]
	if _, exists := c.results[entry.StepID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "result %q already recorded", entry.StepID)
	}
	c.results[entry.StepID] = result
	entry.EndTime = at
	entry.Result = result
	return nil
}

// FailStep stores the step error and marks its history entry as Error.
func (c *ExecutionContext) FailStep(idx int, at time.Time, stepErr *schema.ConductorError) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.writableLocked(); err != nil {
		return err
	}
	if idx < 0 || idx >= len(c.history) {
		return schema.NewErrorf(schema.ErrCodeNotFound, "history entry %d not found", idx)
	}
	entry := &c.history[idx]
	if _, exists := c.errors[entry.StepID]; !exists {
		c.errors[entry.StepID] = stepErr
	}
	entry.Status = schema.StepError
	entry.EndTime = at
	entry.Error = stepErr
	return nil
}

// SkipStep appends a Skipped entry whose start and end are the same instant.
func (c *ExecutionContext) SkipStep(stepID string, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.writableLocked(); err != nil {
		return err
	}
	c.history = append(c.history, schema.HistoryEntry{StepID: stepID, Status: schema.StepSkipped, StartTime: at, EndTime: at})
	return nil
}

// TransitionFunc reports whether a state change is legal.
type TransitionFunc func(from, to schema.ExecutionState) bool

// Transition moves the context to state to if allowed approves it. Reaching
// a terminal state stamps the end time. The previous state is returned.
func (c *ExecutionContext) Transition(to schema.ExecutionState, allowed TransitionFunc, at time.Time) (schema.ExecutionState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	from := c.state
	if allowed != nil && !allowed(from, to) {
		return from, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"execution %s cannot move from %s to %s", c.id, from, to)
	}
	c.state = to
	if to.IsTerminal() {
		c.endTime = at
	}
	return from, nil
}

// Snapshot returns a consistent deep-enough copy for reporting.
func (c *ExecutionContext) Snapshot() *schema.ExecutionSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := &schema.ExecutionSnapshot{
		ExecutionID: c.id,
		WorkflowID:  c.workflowID,
		CallerID:    c.callerID,
		CallerType:  c.callerType,
		Inputs:      maps.Clone(c.inputs),
		Options:     c.options,
		State:       c.state,
		StartTime:   c.startTime,
		Results:     maps.Clone(c.results),
		Errors:      maps.Clone(c.errors),
		History:     slices.Clone(c.history),
	}
	if c.state.IsTerminal() {
		end := c.endTime
		snap.EndTime = &end
	}
	return snap
}

func (c *ExecutionContext) writableLocked() error {
	if c.state.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %s is %s and can no longer change", c.id, c.state)
	}
	return nil
}

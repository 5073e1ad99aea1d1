package engine

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rendis/conductor/internal/store"
	"github.com/rendis/conductor/internal/streaming"
	"github.com/rendis/conductor/pkg/schema"
)

// ValidExecutionTransitions lists the legal state changes of an execution.
// Terminal states have no exits.
var ValidExecutionTransitions = map[schema.ExecutionState][]schema.ExecutionState{
	schema.StateRunning: {schema.StatePaused, schema.StateCompleted, schema.StateFailed},
	schema.StatePaused:  {schema.StateRunning, schema.StateFailed},
}

// IsValidTransition reports whether from -> to is legal.
func IsValidTransition(from, to schema.ExecutionState) bool {
	return slices.Contains(ValidExecutionTransitions[from], to)
}

// TransitionHook runs after a successful transition.
type TransitionHook func(ec *store.ExecutionContext, from, to schema.ExecutionState)

// ExecutionFSM applies validated state changes to execution contexts and
// publishes the terminal lifecycle events.
type ExecutionFSM struct {
	mu    sync.Mutex
	bus   streaming.EventBus
	after []TransitionHook
	now   func() time.Time
}

// NewExecutionFSM creates an FSM publishing to bus. A nil bus disables events.
func NewExecutionFSM(bus streaming.EventBus, now func() time.Time) *ExecutionFSM {
	if now == nil {
		now = time.Now
	}
	return &ExecutionFSM{bus: bus, now: now}
}

// OnAfter registers a hook called after every transition.
func (f *ExecutionFSM) OnAfter(hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.after = append(f.after, hook)
}

// Transition moves ec to state to. Reaching Completed publishes
// workflow.completed; reaching Failed publishes workflow.error carrying cause.
func (f *ExecutionFSM) Transition(ctx context.Context, ec *store.ExecutionContext, to schema.ExecutionState, cause *schema.ConductorError) error {
	from, err := ec.Transition(to, IsValidTransition, f.now())
	if err != nil {
		return err
	}

	switch to {
	case schema.StateCompleted:
		f.publish(ctx, schema.Event{Kind: schema.EventWorkflowCompleted, Result: ec.Results()}, ec)
	case schema.StateFailed:
		f.publish(ctx, schema.Event{Kind: schema.EventWorkflowError, Error: cause}, ec)
	}

	f.mu.Lock()
	hooks := slices.Clone(f.after)
	f.mu.Unlock()
	for _, hook := range hooks {
		hook(ec, from, to)
	}
	return nil
}

// Emit publishes a non-terminal event for ec.
func (f *ExecutionFSM) Emit(ctx context.Context, ec *store.ExecutionContext, e schema.Event) {
	f.publish(ctx, e, ec)
}

func (f *ExecutionFSM) publish(ctx context.Context, e schema.Event, ec *store.ExecutionContext) {
	if f.bus == nil {
		return
	}
	e.ExecutionID = ec.ExecutionID()
	e.WorkflowID = ec.WorkflowID()
	if e.Timestamp.IsZero() {
		e.Timestamp = f.now()
	}
	// Lifecycle events must go out even when the run itself was cancelled.
	_ = f.bus.Publish(context.WithoutCancel(ctx), e)
}

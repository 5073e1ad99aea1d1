package streaming

import (
	"context"
	"slices"

	"github.com/rendis/conductor/pkg/schema"
)

// Filter selects the events a subscriber receives. Zero fields match all.
type Filter struct {
	ExecutionID string             `json:"executionId,omitempty"`
	WorkflowID  string             `json:"workflowId,omitempty"`
	Kinds       []schema.EventKind `json:"kinds,omitempty"`
	// Buffer sizes the subscriber channel; events beyond it are dropped.
	Buffer int `json:"-"`
}

// Matches reports whether e passes the filter.
func (f Filter) Matches(e schema.Event) bool {
	if f.ExecutionID != "" && f.ExecutionID != e.ExecutionID {
		return false
	}
	if f.WorkflowID != "" && f.WorkflowID != e.WorkflowID {
		return false
	}
	return len(f.Kinds) == 0 || slices.Contains(f.Kinds, e.Kind)
}

// EventBus is the typed publish/subscribe channel for lifecycle events.
type EventBus interface {
	Publish(ctx context.Context, event schema.Event) error
	// Subscribe returns a channel closed by the returned cancel function.
	Subscribe(ctx context.Context, filter Filter) (<-chan schema.Event, func(), error)
}

// Handlers dispatches events to one typed callback per kind.
type Handlers struct {
	WorkflowStarted   func(schema.Event)
	StepCompleted     func(schema.Event)
	StepError         func(schema.Event)
	WorkflowCompleted func(schema.Event)
	WorkflowError     func(schema.Event)
}

// Kinds lists the kinds that have a handler, for use in a Filter.
func (h Handlers) Kinds() []schema.EventKind {
	var out []schema.EventKind
	for _, k := range schema.AllEventKinds {
		if h.handler(k) != nil {
			out = append(out, k)
		}
	}
	return out
}

// Dispatch calls the handler registered for e.Kind, if any.
func (h Handlers) Dispatch(e schema.Event) {
	if fn := h.handler(e.Kind); fn != nil {
		fn(e)
	}
}

func (h Handlers) handler(k schema.EventKind) func(schema.Event) {
	switch k {
	case schema.EventWorkflowStarted:
		return h.WorkflowStarted
	case schema.EventStepCompleted:
		return h.StepCompleted
	case schema.EventStepError:
		return h.StepError
	case schema.EventWorkflowCompleted:
		return h.WorkflowCompleted
	case schema.EventWorkflowError:
		return h.WorkflowError
	}
	return nil
}

// Consume subscribes with h and dispatches until ctx is done. It returns once
// the subscription is closed.
func Consume(ctx context.Context, bus EventBus, filter Filter, h Handlers) error {
	if len(filter.Kinds) == 0 {
		filter.Kinds = h.Kinds()
	}
	ch, cancel, err := bus.Subscribe(ctx, filter)
	if err != nil {
		return err
	}
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			h.Dispatch(e)
		}
	}
}

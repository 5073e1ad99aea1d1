package schema

import (
	"fmt"
	"time"
)

// EventKind is the closed set of lifecycle events published by the executor.
type EventKind uint8

const (
	EventWorkflowStarted EventKind = iota + 1
	EventStepCompleted
	EventStepError
	EventWorkflowCompleted
	EventWorkflowError
)

var eventKindNames = map[EventKind]string{
	EventWorkflowStarted:   "workflow.started",
	EventStepCompleted:     "step.completed",
	EventStepError:         "step.error",
	EventWorkflowCompleted: "workflow.completed",
	EventWorkflowError:     "workflow.error",
}

// AllEventKinds lists every kind in emission order.
var AllEventKinds = []EventKind{
	EventWorkflowStarted,
	EventStepCompleted,
	EventStepError,
	EventWorkflowCompleted,
	EventWorkflowError,
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("EventKind(%d)", uint8(k))
}

// Terminal reports whether the kind closes an execution.
func (k EventKind) Terminal() bool {
	return k == EventWorkflowCompleted || k == EventWorkflowError
}

func (k EventKind) MarshalText() ([]byte, error) {
	if _, ok := eventKindNames[k]; !ok {
		return nil, fmt.Errorf("unknown event kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *EventKind) UnmarshalText(b []byte) error {
	parsed, err := ParseEventKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseEventKind resolves the dotted wire name of an event kind.
func ParseEventKind(name string) (EventKind, error) {
	for k, n := range eventKindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, NewErrorf(ErrCodeValidation, "unknown event kind %q", name)
}

// Event is the payload carried for every kind. StepID, Result and Error are
// set only where the kind gives them meaning.
type Event struct {
	Kind        EventKind       `json:"kind"`
	ExecutionID string          `json:"executionId"`
	WorkflowID  string          `json:"workflowId"`
	StepID      string          `json:"stepId,omitempty"`
	Result      any             `json:"result,omitempty"`
	Error       *ConductorError `json:"error,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// ExecutionState is the lifecycle state of an execution context.
type ExecutionState string

const (
	StateRunning   ExecutionState = "running"
	StatePaused    ExecutionState = "paused"
	StateCompleted ExecutionState = "completed"
	StateFailed    ExecutionState = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s ExecutionState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// StepStatus is the outcome recorded in a step history entry.
type StepStatus string

const (
	StepSuccess StepStatus = "success"
	StepError   StepStatus = "error"
	StepSkipped StepStatus = "skipped"
)

// ResponseStatus is the caller-facing status of an execution request.
type ResponseStatus string

const (
	StatusAccepted  ResponseStatus = "accepted"
	StatusRejected  ResponseStatus = "rejected"
	StatusCompleted ResponseStatus = "completed"
	StatusFailed    ResponseStatus = "failed"
)

package engine

import (
	"time"

	"github.com/rendis/conductor/pkg/schema"
)

// Instrumentation receives engine measurements. internal/metrics provides the
// Prometheus implementation.
type Instrumentation interface {
	GatewayCall(service schema.ServiceID, operation, outcome string, elapsed time.Duration)
	BreakerState(service schema.ServiceID, state CircuitState)
	ExecutionStarted(workflowID string)
	ExecutionFinished(workflowID string, state schema.ExecutionState, elapsed time.Duration)
	StepFinished(workflowID, stepID string, status schema.StepStatus)
}

type noopInstrumentation struct{}

func (noopInstrumentation) GatewayCall(schema.ServiceID, string, string, time.Duration) {}
func (noopInstrumentation) BreakerState(schema.ServiceID, CircuitState) {}
func (noopInstrumentation) ExecutionStarted(string) {}
func (noopInstrumentation) ExecutionFinished(string, schema.ExecutionState, time.Duration) {}
func (noopInstrumentation) StepFinished(string, string, schema.StepStatus) {}

func instrumentationOrNoop(i Instrumentation) Instrumentation {
	if i == nil {
		return noopInstrumentation{}
	}
	return i
}

// Gateway call outcomes reported to Instrumentation.
const (
	OutcomeSuccess   = "success"
	OutcomeError     = "service_error"
	OutcomeTimeout   = "timeout"
	OutcomeRejected  = "rejected"
	OutcomeInvalid   = "invalid"
	OutcomeCancelled = "cancelled"
)

func outcomeOf(err error) string {
	if err == nil {
		return OutcomeSuccess
	}
	switch schema.AsConductorError(err).Code {
	case schema.ErrCodeServiceUnavailable:
		return OutcomeRejected
	case schema.ErrCodeTimeout:
		return OutcomeTimeout
	case schema.ErrCodeValidation:
		return OutcomeInvalid
	case schema.ErrCodeCancelled:
		return OutcomeCancelled
	}
	return OutcomeError
}

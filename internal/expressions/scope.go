package expressions

import (
	"github.com/rendis/conductor/pkg/schema"
)

// Scope variable names visible to every expression.
const (
	ScopeInputs    = "inputs"
	ScopeSteps     = "steps"
	ScopeExecution = "execution"
	// ScopeError is only populated for on_error rules.
	ScopeError = "error"
	// ScopeResult is only populated for export programs.
	ScopeResult = "result"
)

// ScopeKeys lists every scope variable in declaration order.
var ScopeKeys = []string{ScopeInputs, ScopeSteps, ScopeExecution, ScopeError, ScopeResult}

// Scope builds the evaluation data for sc. The maps are copies, so an
// expression never observes later writes to the context.
func Scope(sc schema.StepContext) map[string]any {
	inputs := sc.Inputs()
	if inputs == nil {
		inputs = map[string]any{}
	}
	return map[string]any{
		ScopeInputs: inputs,
		ScopeSteps:  sc.Results(),
		ScopeExecution: map[string]any{
			"id":          sc.ExecutionID(),
			"workflow_id": sc.WorkflowID(),
			"caller_id":   sc.CallerID(),
			"caller_type": sc.CallerType(),
		},
	}
}

// ErrorScope extends Scope with the failed step's error.
func ErrorScope(err *schema.ConductorError, sc schema.StepContext) map[string]any {
	data := Scope(sc)
	if err != nil {
		data[ScopeError] = map[string]any{
			"code":      err.Code,
			"message":   err.Message,
			"step_id":   err.StepID,
			"service":   string(err.Service),
			"retryable": err.IsRetryable(),
		}
	}
	return data
}

// ResultScope extends Scope with a step's raw result.
func ResultScope(result any, sc schema.StepContext) map[string]any {
	data := Scope(sc)
	data[ScopeResult] = result
	return data
}

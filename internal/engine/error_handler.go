package engine

import (
	"github.com/rendis/conductor/pkg/schema"
)

// FailureResolution records how a failed step was resolved.
type FailureResolution struct {
	Decision schema.ErrorDecision
	// Source is "hook" when the step's error hook decided, "fallback" otherwise.
	Source string
}

// ResolveStepFailure decides whether the workflow continues past a step
// whose retries are exhausted. The step's error hook wins when present;
// otherwise only FallbackSkip continues. Substitute has no value to put in
// place of the missing result, so it aborts like Terminate.
func ResolveStepFailure(step *schema.Step, policy schema.ErrorHandlingPolicy, stepErr *schema.ConductorError, sc schema.StepContext) FailureResolution {
	if step.OnError != nil {
		return FailureResolution{Decision: step.OnError(stepErr, sc), Source: "hook"}
	}
	if policy.Fallback == schema.FallbackSkip {
		return FailureResolution{Decision: schema.ErrorSkip, Source: "fallback"}
	}
	return FailureResolution{Decision: schema.ErrorAbort, Source: "fallback"}
}

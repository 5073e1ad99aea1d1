package schema

import (
	"maps"
	"slices"
	"time"
)

// ServiceID identifies a downstream service reachable through the gateway.
type ServiceID string

const (
	// ServiceAnalytics answers side-effect-free analytical queries.
	ServiceAnalytics ServiceID = "analytics"
	// ServiceAutomation performs side-effecting operations.
	ServiceAutomation ServiceID = "automation"
)

// WorkflowDefinition is an ordered, named sequence of steps with a shared
// error-handling policy.
type WorkflowDefinition struct {
	ID            string
	Name          string
	Description   string
	Steps         []Step
	CallerTypes   []string
	ErrorHandling ErrorHandlingPolicy
	// InputCheck, when set, must accept the request parameters for an
	// execution to be accepted.
	InputCheck func(inputs map[string]any) error
}

// Supports reports whether callerType may execute the workflow.
func (d *WorkflowDefinition) Supports(callerType string) bool {
	return slices.Contains(d.CallerTypes, callerType)
}

// Summary returns the listing view of the definition.
func (d *WorkflowDefinition) Summary() WorkflowSummary {
	return WorkflowSummary{ID: d.ID, Name: d.Name, Description: d.Description}
}

// Clone copies the slices of the definition so later edits by the caller do
// not leak into a registered copy. Step functions are shared.
func (d *WorkflowDefinition) Clone() *WorkflowDefinition {
	c := *d
	c.Steps = slices.Clone(d.Steps)
	c.CallerTypes = slices.Clone(d.CallerTypes)
	for i := range c.Steps {
		if c.Steps[i].Retry != nil {
			r := *c.Steps[i].Retry
			c.Steps[i].Retry = &r
		}
	}
	return &c
}

// Validate checks the structural requirements of a definition.
func (d *WorkflowDefinition) Validate() error {
	r := &ValidationResult{}
	if d.ID == "" {
		r.AddError("id", ErrCodeValidation, "workflow id is required")
	}
	if len(d.CallerTypes) == 0 {
		r.AddError("caller_types", ErrCodeValidation, "at least one caller type is required")
	}
	if len(d.Steps) == 0 {
		r.AddError("steps", ErrCodeValidation, "workflow must have at least one step")
	}
	if d.ErrorHandling.MaxRetries < 0 {
		r.AddError("error_handling.max_retries", ErrCodeValidation, "max_retries must not be negative")
	}
	seen := make(map[string]bool, len(d.Steps))
	for i, s := range d.Steps {
		path := StepPath(i)
		switch {
		case s.ID == "":
			r.AddError(path+".id", ErrCodeValidation, "step id is required")
		case seen[s.ID]:
			r.AddErrorf(path+".id", ErrCodeValidation, "duplicate step id %q", s.ID)
		}
		seen[s.ID] = true
		if s.Service == "" {
			r.AddError(path+".service", ErrCodeValidation, "step service is required")
		}
		if s.Operation == "" {
			r.AddError(path+".operation", ErrCodeValidation, "step operation is required")
		}
		if s.Retry != nil && s.Retry.MaxRetries < 0 {
			r.AddError(path+".retry.max_retries", ErrCodeValidation, "max_retries must not be negative")
		}
		if s.Timeout < 0 {
			r.AddError(path+".timeout", ErrCodeValidation, "timeout must not be negative")
		}
	}
	return r.ToError()
}

// WorkflowSummary is the listing view of a definition.
type WorkflowSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Step is one unit of work against a downstream service.
type Step struct {
	ID        string
	Service   ServiceID
	Operation string
	Params    ParamSource
	// Condition gates the step. A false result records a skipped entry.
	Condition Condition
	Retry     *RetryPolicy
	Timeout   time.Duration
	OnSuccess SuccessHook
	OnError   ErrorHook
}

// FallbackStrategy decides whether a workflow continues past a failed step
// that has no error hook.
type FallbackStrategy string

const (
	FallbackSkip       FallbackStrategy = "skip"
	FallbackSubstitute FallbackStrategy = "substitute"
	FallbackTerminate  FallbackStrategy = "terminate"
)

// ErrorHandlingPolicy is the workflow-wide failure policy.
type ErrorHandlingPolicy struct {
	MaxRetries int
	RetryDelay time.Duration
	Fallback   FallbackStrategy
}

// DefaultBackoffMultiplier applies when a policy derives from ErrorHandlingPolicy.
const DefaultBackoffMultiplier = 2.0

// RetryPolicy derives the step retry policy used when a step has no override.
func (p ErrorHandlingPolicy) RetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        p.MaxRetries,
		InitialDelay:      p.RetryDelay,
		BackoffMultiplier: DefaultBackoffMultiplier,
	}
}

// RetryPolicy bounds the attempts of one fallible call.
// Total attempts are MaxRetries+1.
type RetryPolicy struct {
	MaxRetries        int           `json:"max_retries" yaml:"max_retries"`
	InitialDelay      time.Duration `json:"initial_delay" yaml:"initial_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier,omitempty" yaml:"backoff_multiplier"`
	// MaxDelay caps a single backoff delay when positive.
	MaxDelay time.Duration `json:"max_delay,omitempty" yaml:"max_delay"`
	// Jitter randomises each delay in [delay/2, delay].
	Jitter bool `json:"jitter,omitempty" yaml:"jitter"`
}

// ErrorDecision is the result of an error hook.
type ErrorDecision uint8

const (
	ErrorAbort ErrorDecision = iota
	ErrorSkip
)

func (d ErrorDecision) String() string {
	if d == ErrorSkip {
		return "skip"
	}
	return "abort"
}

// StepContext is the read-only view of an execution handed to conditions,
// parameter functions and error hooks.
type StepContext interface {
	ExecutionID() string
	WorkflowID() string
	CallerID() string
	CallerType() string
	Inputs() map[string]any
	Result(stepID string) (any, bool)
	// Results returns a copy of every stored result.
	Results() map[string]any
	// Errors returns a copy of every stored error.
	Errors() map[string]*ConductorError
}

// MutableStepContext extends StepContext for success hooks, which may store
// additional results for downstream steps.
type MutableStepContext interface {
	StepContext
	SetResult(key string, value any) error
}

// Condition decides whether a step runs.
type Condition func(StepContext) (bool, error)

// SuccessHook runs after a step result has been stored.
type SuccessHook func(result any, sc MutableStepContext) error

// ErrorHook resolves a step failure after retries are exhausted.
type ErrorHook func(err *ConductorError, sc StepContext) ErrorDecision

// ParamSource is the tagged variant StaticParams | DerivedParams.
type ParamSource interface {
	Resolve(sc StepContext) (map[string]any, error)
	paramSource()
}

// StaticParams is a fixed parameter mapping.
type StaticParams map[string]any

// Resolve returns a shallow copy so the definition stays untouched.
func (p StaticParams) Resolve(StepContext) (map[string]any, error) {
	return maps.Clone(map[string]any(p)), nil
}

func (StaticParams) paramSource() {}

// DerivedParams computes parameters from the current execution.
type DerivedParams func(sc StepContext) (map[string]any, error)

func (p DerivedParams) Resolve(sc StepContext) (map[string]any, error) {
	return p(sc)
}

func (DerivedParams) paramSource() {}

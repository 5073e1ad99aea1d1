package schema

// WorkflowDocument is the declarative form of a workflow, as written in
// YAML or JSON definition files. Durations are Go duration strings.
type WorkflowDocument struct {
	ID            string                 `json:"id" yaml:"id"`
	Name          string                 `json:"name,omitempty" yaml:"name"`
	Description   string                 `json:"description,omitempty" yaml:"description"`
	CallerTypes   []string               `json:"caller_types" yaml:"caller_types"`
	ErrorHandling *ErrorHandlingDocument `json:"error_handling,omitempty" yaml:"error_handling"`
	// InputSchema is a JSON Schema the request parameters must satisfy.
	InputSchema map[string]any `json:"input_schema,omitempty" yaml:"input_schema"`
	Steps       []StepDocument `json:"steps" yaml:"steps"`
}

// ErrorHandlingDocument is the declarative ErrorHandlingPolicy.
type ErrorHandlingDocument struct {
	MaxRetries int    `json:"max_retries,omitempty" yaml:"max_retries"`
	RetryDelay string `json:"retry_delay,omitempty" yaml:"retry_delay"`
	Fallback   string `json:"fallback,omitempty" yaml:"fallback"`
}

// StepDocument is the declarative Step.
type StepDocument struct {
	ID        string         `json:"id" yaml:"id"`
	Service   string         `json:"service" yaml:"service"`
	Operation string         `json:"operation" yaml:"operation"`
	Params    map[string]any `json:"params,omitempty" yaml:"params"`
	// ParamsJQ derives parameters from the scope; exclusive with Params.
	ParamsJQ string `json:"params_jq,omitempty" yaml:"params_jq"`
	// Condition is a CEL expression gating the step.
	Condition string `json:"condition,omitempty" yaml:"condition"`
	// Export maps extra result keys to jq programs over the step result.
	Export  map[string]string `json:"export,omitempty" yaml:"export"`
	Retry   *RetryDocument    `json:"retry,omitempty" yaml:"retry"`
	Timeout string            `json:"timeout,omitempty" yaml:"timeout"`
	// OnError is an expr rule; true continues past the failure.
	OnError string `json:"on_error,omitempty" yaml:"on_error"`
}

// RetryDocument is the declarative RetryPolicy.
type RetryDocument struct {
	MaxRetries        int     `json:"max_retries" yaml:"max_retries"`
	InitialDelay      string  `json:"initial_delay,omitempty" yaml:"initial_delay"`
	BackoffMultiplier float64 `json:"backoff_multiplier,omitempty" yaml:"backoff_multiplier"`
	MaxDelay          string  `json:"max_delay,omitempty" yaml:"max_delay"`
	Jitter            bool    `json:"jitter,omitempty" yaml:"jitter"`
}

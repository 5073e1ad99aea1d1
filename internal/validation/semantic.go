package validation

import (
	"fmt"
	"time"

	"github.com/rendis/conductor/pkg/schema"
)

// maxSensibleRetries is the retry count above which a warning is reported.
const maxSensibleRetries = 10

// validateSemantic checks what the JSON Schema cannot express: unique step
// ids, configured services, parseable durations and compilable expressions.
func validateSemantic(doc *schema.WorkflowDocument, services ServiceLookup, compilers Compilers) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if eh := doc.ErrorHandling; eh != nil {
		checkDuration(result, "error_handling.retry_delay", eh.RetryDelay)
		if eh.Fallback == string(schema.FallbackSubstitute) {
			result.AddWarning("error_handling.fallback", schema.ErrCodeValidation,
				"substitute fallback has no replacement value and aborts like terminate")
		}
		if eh.MaxRetries > maxSensibleRetries {
			result.AddWarning("error_handling.max_retries", schema.ErrCodeValidation,
				fmt.Sprintf("high retry count (%d) may cause excessive delays", eh.MaxRetries))
		}
	}

	seen := make(map[string]int, len(doc.Steps))
	for i := range doc.Steps {
		step := &doc.Steps[i]
		path := schema.StepPath(i)

		if first, dup := seen[step.ID]; dup {
			result.AddErrorf(path+".id", schema.ErrCodeValidation,
				"duplicate step id %q (first used by %s)", step.ID, schema.StepPath(first))
		} else {
			seen[step.ID] = i
		}

		if services != nil && !services.Has(schema.ServiceID(step.Service)) {
			result.AddErrorf(path+".service", schema.ErrCodeValidation, "service %q is not configured", step.Service)
		}
		if len(step.Params) > 0 && step.ParamsJQ != "" {
			result.AddError(path, schema.ErrCodeValidation, "params and params_jq are mutually exclusive")
		}

		checkDuration(result, path+".timeout", step.Timeout)
		if r := step.Retry; r != nil {
			checkDuration(result, path+".retry.initial_delay", r.InitialDelay)
			checkDuration(result, path+".retry.max_delay", r.MaxDelay)
			if r.MaxRetries > maxSensibleRetries {
				result.AddWarning(path+".retry.max_retries", schema.ErrCodeValidation,
					fmt.Sprintf("high retry count (%d) may cause excessive delays", r.MaxRetries))
			}
		}

		checkExpression(result, path+".condition", step.Condition, compilers.Condition)
		checkExpression(result, path+".params_jq", step.ParamsJQ, compilers.JQ)
		checkExpression(result, path+".on_error", step.OnError, compilers.Rule)
		for key, program := range step.Export {
			if _, clash := seen[key]; clash {
				result.AddErrorf(path+".export."+key, schema.ErrCodeValidation,
					"export key %q collides with a step id", key)
			}
			checkExpression(result, path+".export."+key, program, compilers.JQ)
		}
	}

	// Result keys are write-once, so exports may neither shadow a later step
	// nor repeat across steps.
	exported := make(map[string]int)
	for i := range doc.Steps {
		for key := range doc.Steps[i].Export {
			if j, ok := seen[key]; ok && j > i {
				result.AddErrorf(schema.StepPath(i)+".export."+key, schema.ErrCodeValidation,
					"export key %q collides with a step id", key)
			}
			if first, dup := exported[key]; dup {
				result.AddErrorf(schema.StepPath(i)+".export."+key, schema.ErrCodeValidation,
					"export key %q already exported by %s", key, schema.StepPath(first))
			} else {
				exported[key] = i
			}
		}
	}

	return result
}

func checkDuration(result *schema.ValidationResult, path, value string) {
	if value == "" {
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		result.AddErrorf(path, schema.ErrCodeValidation, "invalid duration %q", value)
		return
	}
	if d < 0 {
		result.AddErrorf(path, schema.ErrCodeValidation, "duration %q must not be negative", value)
	}
}

func checkExpression(result *schema.ValidationResult, path, expression string, compile func(string) error) {
	if expression == "" || compile == nil {
		return
	}
	if err := compile(expression); err != nil {
		result.AddError(path, schema.ErrCodeValidation, schema.AsConductorError(err).Message)
	}
}

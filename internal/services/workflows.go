package services

import (
	"fmt"
	"time"

	"github.com/rendis/conductor/internal/engine"
	"github.com/rendis/conductor/pkg/schema"
)

// TopInsightTaskID is the id of the built-in insight to task workflow.
const TopInsightTaskID = "top-insight-task"

// highPriorityScore is the insight score at and above which tasks are
// created with high priority.
const highPriorityScore = 0.8

// Builtins returns the workflows defined in Go rather than in definition
// documents.
func Builtins() []*schema.WorkflowDefinition {
	return []*schema.WorkflowDefinition{TopInsightTask()}
}

// RegisterBuiltins registers every built-in workflow.
func RegisterBuiltins(reg *engine.WorkflowRegistry) error {
	for _, def := range Builtins() {
		if err := reg.Register(def); err != nil {
			return fmt.Errorf("register %s: %w", def.ID, err)
		}
	}
	return nil
}

// TopInsightTask queries insights for a sandbox and opens a task for the
// highest scored one. The task step is skipped when there are no insights and
// when the automation service is unavailable.
func TopInsightTask() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:          TopInsightTaskID,
		Name:        "Top insight task",
		Description: "Create an automation task for the highest scored analytics insight",
		CallerTypes: []string{"agent", "dealership"},
		ErrorHandling: schema.ErrorHandlingPolicy{
			MaxRetries: 2,
			RetryDelay: 500 * time.Millisecond,
			Fallback:   schema.FallbackTerminate,
		},
		InputCheck: requireString("sandbox_id"),
		Steps: []schema.Step{
			{
				ID:        "analyze",
				Service:   schema.ServiceAnalytics,
				Operation: OpQueryInsights,
				Params:    schema.DerivedParams(insightQuery),
				OnSuccess: storeTopInsight,
			},
			{
				ID:        "create_task",
				Service:   schema.ServiceAutomation,
				Operation: OpCreateTask,
				Condition: func(sc schema.StepContext) (bool, error) {
					_, ok := sc.Result("top_insight")
					return ok, nil
				},
				Params:  schema.DerivedParams(insightTask),
				Timeout: 5 * time.Second,
				OnError: func(err *schema.ConductorError, _ schema.StepContext) schema.ErrorDecision {
					if err.Code == schema.ErrCodeServiceUnavailable {
						return schema.ErrorSkip
					}
					return schema.ErrorAbort
				},
			},
		},
	}
}

func insightQuery(sc schema.StepContext) (map[string]any, error) {
	in := sc.Inputs()
	params := map[string]any{
		"sandbox_id": in["sandbox_id"],
		"metric":     "traffic",
		"period":     "30d",
	}
	for _, k := range []string{"metric", "period"} {
		if v, ok := in[k].(string); ok && v != "" {
			params[k] = v
		}
	}
	return params, nil
}

func storeTopInsight(result any, sc schema.MutableStepContext) error {
	insights, err := DecodeInsights(result)
	if err != nil {
		return err
	}
	top, ok := TopInsight(insights)
	if !ok {
		return nil
	}
	return sc.SetResult("top_insight", top.Map())
}

func insightTask(sc schema.StepContext) (map[string]any, error) {
	raw, _ := sc.Result("top_insight")
	top, ok := raw.(map[string]any)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "top_insight result missing")
	}
	title, _ := top["title"].(string)
	score, _ := top["score"].(float64)
	spec := TaskSpec{
		Title:       title,
		Description: fmt.Sprintf("Insight %v scored %.2f", top["id"], score),
		Priority:    "normal",
		Labels:      []string{"insight"},
	}
	if sandbox, ok := sc.Inputs()["sandbox_id"].(string); ok {
		spec.SandboxID = sandbox
	}
	if score >= highPriorityScore {
		spec.Priority = "high"
	}
	return spec.Params(), nil
}

func requireString(key string) func(map[string]any) error {
	return func(inputs map[string]any) error {
		if v, ok := inputs[key].(string); !ok || v == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "input %q must be a non-empty string", key)
		}
		return nil
	}
}

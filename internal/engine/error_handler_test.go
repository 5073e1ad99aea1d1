package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/conductor/pkg/schema"
)

func TestResolveStepFailure(t *testing.T) {
	stepErr := schema.NewError(schema.ErrCodeServiceError, "down")

	cases := []struct {
		name     string
		hook     schema.ErrorHook
		fallback schema.FallbackStrategy
		want     schema.ErrorDecision
		source   string
	}{
		{"no hook, skip", nil, schema.FallbackSkip, schema.ErrorSkip, "fallback"},
		{"no hook, terminate", nil, schema.FallbackTerminate, schema.ErrorAbort, "fallback"},
		{"no hook, substitute", nil, schema.FallbackSubstitute, schema.ErrorAbort, "fallback"},
		{"no hook, unset", nil, "", schema.ErrorAbort, "fallback"},
		{
			"hook overrides skip fallback",
			func(*schema.ConductorError, schema.StepContext) schema.ErrorDecision { return schema.ErrorAbort },
			schema.FallbackSkip, schema.ErrorAbort, "hook",
		},
		{
			"hook overrides terminate fallback",
			func(*schema.ConductorError, schema.StepContext) schema.ErrorDecision { return schema.ErrorSkip },
			schema.FallbackTerminate, schema.ErrorSkip, "hook",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			step := &schema.Step{ID: "s", OnError: tc.hook}
			got := ResolveStepFailure(step, schema.ErrorHandlingPolicy{Fallback: tc.fallback}, stepErr, nil)
			assert.Equal(t, tc.want, got.Decision)
			assert.Equal(t, tc.source, got.Source)
		})
	}
}

func TestResolveStepFailure_HookSeesError(t *testing.T) {
	stepErr := schema.NewError(schema.ErrCodeServiceUnavailable, "open").WithStep("s")
	var seen *schema.ConductorError
	step := &schema.Step{ID: "s", OnError: func(err *schema.ConductorError, _ schema.StepContext) schema.ErrorDecision {
		seen = err
		return schema.ErrorSkip
	}}
	ResolveStepFailure(step, schema.ErrorHandlingPolicy{}, stepErr, nil)
	assert.Same(t, stepErr, seen)
}

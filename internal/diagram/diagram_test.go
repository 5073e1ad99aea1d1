package diagram

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conductor/pkg/schema"
)

func insightWorkflow() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:          "seo-insight-tasks",
		Name:        "SEO insight tasks",
		CallerTypes: []string{"dealership"},
		ErrorHandling: schema.ErrorHandlingPolicy{
			Fallback: schema.FallbackTerminate,
		},
		Steps: []schema.Step{
			{ID: "analyze", Service: schema.ServiceAnalytics, Operation: "query_insights"},
			{
				ID: "create-task", Service: schema.ServiceAutomation, Operation: "create_task",
				Timeout:   5 * time.Second,
				Condition: func(schema.StepContext) (bool, error) { return true, nil },
			},
			{
				ID: "report", Service: schema.ServiceAutomation, Operation: "generate_report",
				OnError: func(*schema.ConductorError, schema.StepContext) schema.ErrorDecision { return schema.ErrorSkip },
			},
		},
	}
}

func TestBuild(t *testing.T) {
	model := Build(insightWorkflow(), nil)

	assert.Equal(t, "SEO insight tasks", model.Title)
	ids := make([]string, len(model.Nodes))
	for i, n := range model.Nodes {
		ids[i] = n.ID
		assert.Nil(t, n.Status)
	}
	assert.Equal(t, []string{startID, "analyze", "create-task", "report", endID}, ids)
	assert.Equal(t, NodeKindGuarded, model.Nodes[2].Kind)
	assert.Equal(t, "create-task\nautomation.create_task (5s)", model.Nodes[2].Label)

	assert.Equal(t, []Edge{
		{From: startID, To: "analyze"},
		{From: "analyze", To: "create-task"},
		{From: "create-task", To: "report"},
		{From: "report", To: endID},
		{From: "analyze", To: "report", Label: "skip"},
		{From: "report", To: endID, Label: "on error"},
	}, model.Edges)
}

func TestBuild_FallbackSkipEdges(t *testing.T) {
	def := insightWorkflow()
	def.ErrorHandling.Fallback = schema.FallbackSkip

	var fallback []Edge
	for _, e := range Build(def, nil).Edges {
		if e.Label == "fallback" {
			fallback = append(fallback, e)
		}
	}
	assert.Equal(t, []Edge{
		{From: "analyze", To: "create-task", Label: "fallback"},
		{From: "create-task", To: "report", Label: "fallback"},
	}, fallback)
}

func TestBuild_StatusOverlay(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	snap := &schema.ExecutionSnapshot{
		ExecutionID: "exec-1",
		History: []schema.HistoryEntry{
			{StepID: "analyze", Status: schema.StepSuccess, StartTime: start, EndTime: start.Add(120 * time.Millisecond)},
			{StepID: "create-task", Status: schema.StepError, StartTime: start, EndTime: start.Add(time.Second),
				Error: schema.NewError(schema.ErrCodeServiceUnavailable, "down")},
		},
	}

	model := Build(insightWorkflow(), snap)
	analyze := findNode(model.Nodes, "analyze")
	assert.Equal(t, &StatusOverlay{Status: "success", DurationMs: 120}, analyze.Status)
	task := findNode(model.Nodes, "create-task")
	assert.Equal(t, "error", task.Status.Status)
	assert.Equal(t, schema.ErrCodeServiceUnavailable, task.Status.Error)
	assert.Equal(t, "pending", findNode(model.Nodes, "report").Status.Status)
	assert.Nil(t, findNode(model.Nodes, startID).Status)
}

func TestRenderMermaid(t *testing.T) {
	start := time.Now()
	snap := &schema.ExecutionSnapshot{History: []schema.HistoryEntry{
		{StepID: "analyze", Status: schema.StepSuccess, StartTime: start, EndTime: start},
		{StepID: "create-task", Status: schema.StepSkipped},
	}}
	out := RenderMermaid(Build(insightWorkflow(), snap))

	assert.True(t, strings.HasPrefix(out, "graph TD\n"))
	assert.Contains(t, out, "%% SEO insight tasks")
	assert.Contains(t, out, `create_task{"create-task<br/>automation.create_task (5s)"}`)
	assert.Contains(t, out, `analyze["analyze<br/>analytics.query_insights"]`)
	assert.Contains(t, out, "__start__((\"Start\"))")
	assert.Contains(t, out, "analyze --> create_task")
	assert.Contains(t, out, "analyze -.->|skip| report")
	assert.Contains(t, out, "class analyze success")
	assert.Contains(t, out, "class create_task skipped")
	assert.Contains(t, out, "class report pending")
}

func TestRenderASCII(t *testing.T) {
	snap := &schema.ExecutionSnapshot{History: []schema.HistoryEntry{
		{StepID: "analyze", Status: schema.StepError, Error: schema.NewError(schema.ErrCodeTimeout, "slow")},
	}}
	out := RenderASCII(Build(insightWorkflow(), snap))

	assert.Contains(t, out, "=== SEO insight tasks ===")
	assert.Contains(t, out, "│ analyze")
	assert.Contains(t, out, "[FAIL] TIMEOUT_ERROR")
	assert.Contains(t, out, "[PEND]")
	assert.Contains(t, out, "▼")
	assert.Contains(t, out, "branches:\n")
	assert.Contains(t, out, "analyze ─→ report (skip)")
	assert.Contains(t, out, "report ─→ End (on error)")
}

func TestRender_Formats(t *testing.T) {
	model := Build(insightWorkflow(), nil)

	out, ct, err := Render(context.Background(), model, "")
	require.NoError(t, err)
	assert.Equal(t, "text/plain; charset=utf-8", ct)
	assert.Equal(t, RenderMermaid(model), string(out))

	out, _, err = Render(context.Background(), model, FormatASCII)
	require.NoError(t, err)
	assert.Equal(t, RenderASCII(model), string(out))

	_, _, err = Render(context.Background(), model, "pdf")
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestRenderImage(t *testing.T) {
	model := Build(insightWorkflow(), &schema.ExecutionSnapshot{})

	png, ct, err := Render(context.Background(), model, FormatPNG)
	require.NoError(t, err)
	assert.Equal(t, "image/png", ct)
	require.Greater(t, len(png), 8)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, png[:4])

	svg, ct, err := Render(context.Background(), model, FormatSVG)
	require.NoError(t, err)
	assert.Equal(t, "image/svg+xml", ct)
	assert.Contains(t, string(svg), "<svg")
}

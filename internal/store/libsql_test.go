package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conductor/internal/streaming"
	"github.com/rendis/conductor/pkg/schema"
)

func newTestArchive(t *testing.T) *LibSQLArchive {
	t.Helper()
	a, err := NewLibSQLArchive("file:" + filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	require.NoError(t, a.Migrate(context.Background()))
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("-- header only;\nCREATE TABLE a (x INT);\n\n-- note\nCREATE INDEX i ON a (x);")
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "CREATE TABLE a")
	assert.Contains(t, stmts[1], "CREATE INDEX i")
}

func TestLibSQLArchive_MigrateIsIdempotent(t *testing.T) {
	a := newTestArchive(t)
	require.NoError(t, a.Migrate(context.Background()))
}

func TestLibSQLArchive_AppendEventSequences(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	for _, k := range []schema.EventKind{schema.EventWorkflowStarted, schema.EventStepCompleted, schema.EventWorkflowCompleted} {
		_, err := a.AppendEvent(ctx, schema.Event{Kind: k, ExecutionID: "e1", WorkflowID: "wf", StepID: "a"})
		require.NoError(t, err)
	}
	seq, err := a.AppendEvent(ctx, schema.Event{Kind: schema.EventWorkflowStarted, ExecutionID: "e2", WorkflowID: "wf"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	events, err := a.Events(ctx, "e1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(1), events[0].Sequence)
	assert.Equal(t, schema.EventWorkflowStarted, events[0].Event.Kind)
	assert.Equal(t, schema.EventWorkflowCompleted, events[2].Event.Kind)
	assert.False(t, events[0].RecordedAt.IsZero())

	since, err := a.Events(ctx, "e1", 2)
	require.NoError(t, err)
	assert.Len(t, since, 1)

	_, err = a.AppendEvent(ctx, schema.Event{Kind: schema.EventWorkflowStarted})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestLibSQLArchive_Snapshots(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()
	end := time.Now().UTC()

	snap := &schema.ExecutionSnapshot{
		ExecutionID: "e1",
		WorkflowID:  "wf",
		CallerID:    "c1",
		CallerType:  "agency",
		State:       schema.StateFailed,
		StartTime:   end.Add(-time.Second),
		EndTime:     &end,
		Results:     map[string]any{"a": map[string]any{"n": float64(1)}},
		Errors:      map[string]*schema.ConductorError{"b": schema.NewError(schema.ErrCodeServiceError, "down").WithStep("b")},
		History:     []schema.HistoryEntry{{StepID: "a", Status: schema.StepSuccess}, {StepID: "b", Status: schema.StepError}},
	}
	require.NoError(t, a.SaveSnapshot(ctx, snap))
	require.NoError(t, a.SaveSnapshot(ctx, snap))

	got, err := a.GetSnapshot(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, schema.StateFailed, got.State)
	assert.Equal(t, snap.Results, got.Results)
	assert.Equal(t, "down", got.Errors["b"].Message)
	assert.Len(t, got.History, 2)
	assert.Equal(t, schema.StatusFailed, got.Response().Status)

	_, err = a.GetSnapshot(ctx, "missing")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

	other := &schema.ExecutionSnapshot{ExecutionID: "e2", WorkflowID: "other", State: schema.StateCompleted, StartTime: end}
	require.NoError(t, a.SaveSnapshot(ctx, other))

	list, err := a.ListSnapshots(ctx, SnapshotFilter{WorkflowID: "wf"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "e1", list[0].ExecutionID)

	list, err = a.ListSnapshots(ctx, SnapshotFilter{State: schema.StateCompleted, Limit: 5})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "e2", list[0].ExecutionID)
}

func TestRecorder_JournalsAndSnapshotsTerminalEvents(t *testing.T) {
	a := newTestArchive(t)
	mem := NewMemoryStore(MemoryConfig{})
	bus := streaming.NewMemoryBus()

	ec, err := mem.Create(NewContext{WorkflowID: "wf", CallerType: "agency"})
	require.NoError(t, err)
	id := ec.ExecutionID()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := NewRecorder(a, mem, nil)
	go rec.Run(ctx, bus)
	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, ec.SetResult("a", "ok"))
	ec.Transition(schema.StateCompleted, nil, time.Now())
	bus.Publish(ctx, schema.Event{Kind: schema.EventWorkflowStarted, ExecutionID: id, WorkflowID: "wf"})
	bus.Publish(ctx, schema.Event{Kind: schema.EventWorkflowCompleted, ExecutionID: id, WorkflowID: "wf"})

	require.Eventually(t, func() bool {
		snap, err := a.GetSnapshot(context.Background(), id)
		return err == nil && snap.State == schema.StateCompleted
	}, 2*time.Second, 10*time.Millisecond)

	events, err := a.Events(context.Background(), id, 0)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

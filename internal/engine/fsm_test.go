package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conductor/internal/store"
	"github.com/rendis/conductor/internal/streaming"
	"github.com/rendis/conductor/pkg/schema"
)

func newFSMContext(t *testing.T) *store.ExecutionContext {
	t.Helper()
	ec, err := store.NewMemoryStore(store.MemoryConfig{}).Create(store.NewContext{WorkflowID: "wf"})
	require.NoError(t, err)
	return ec
}

func TestIsValidTransition(t *testing.T) {
	cases := []struct {
		from, to schema.ExecutionState
		ok       bool
	}{
		{schema.StateRunning, schema.StatePaused, true},
		{schema.StateRunning, schema.StateCompleted, true},
		{schema.StateRunning, schema.StateFailed, true},
		{schema.StatePaused, schema.StateRunning, true},
		{schema.StatePaused, schema.StateFailed, true},
		{schema.StatePaused, schema.StateCompleted, false},
		{schema.StateCompleted, schema.StateFailed, false},
		{schema.StateFailed, schema.StateRunning, false},
		{schema.StateRunning, schema.StateRunning, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, IsValidTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestExecutionFSM_TerminalEvents(t *testing.T) {
	bus := streaming.NewMemoryBus()
	ch, cancel, err := bus.Subscribe(context.Background(), streaming.Filter{})
	require.NoError(t, err)
	defer cancel()

	fsm := NewExecutionFSM(bus, nil)
	ec := newFSMContext(t)
	require.NoError(t, ec.SetResult("a", 1))

	require.NoError(t, fsm.Transition(context.Background(), ec, schema.StatePaused, nil))
	require.NoError(t, fsm.Transition(context.Background(), ec, schema.StateRunning, nil))
	require.NoError(t, fsm.Transition(context.Background(), ec, schema.StateCompleted, nil))

	select {
	case e := <-ch:
		assert.Equal(t, schema.EventWorkflowCompleted, e.Kind)
		assert.Equal(t, ec.ExecutionID(), e.ExecutionID)
		assert.Equal(t, map[string]any{"a": 1}, e.Result)
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
	assert.Empty(t, ch, "pause and resume publish nothing")

	err = fsm.Transition(context.Background(), ec, schema.StateFailed, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
}

func TestExecutionFSM_FailedCarriesCauseEvenWhenCancelled(t *testing.T) {
	bus := streaming.NewMemoryBus()
	ch, cancel, _ := bus.Subscribe(context.Background(), streaming.Filter{})
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	stop()

	fsm := NewExecutionFSM(bus, nil)
	ec := newFSMContext(t)
	cause := schema.NewError(schema.ErrCodeCancelled, "cancelled by caller")
	require.NoError(t, fsm.Transition(ctx, ec, schema.StateFailed, cause))

	e := <-ch
	assert.Equal(t, schema.EventWorkflowError, e.Kind)
	assert.Equal(t, cause, e.Error)
}

func TestExecutionFSM_AfterHooks(t *testing.T) {
	fsm := NewExecutionFSM(nil, nil)
	var seen []string
	fsm.OnAfter(func(_ *store.ExecutionContext, from, to schema.ExecutionState) {
		seen = append(seen, string(from)+"->"+string(to))
	})

	ec := newFSMContext(t)
	require.NoError(t, fsm.Transition(context.Background(), ec, schema.StateFailed, nil))
	assert.Equal(t, []string{"running->failed"}, seen)
}

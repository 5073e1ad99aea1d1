package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conductor/internal/services"
	"github.com/rendis/conductor/internal/streaming"
	"github.com/rendis/conductor/pkg/schema"
)

type fakeSource map[string]*schema.ExecutionSnapshot

func (f fakeSource) Snapshot(_ context.Context, id string) (*schema.ExecutionSnapshot, error) {
	if s, ok := f[id]; ok {
		return s, nil
	}
	return nil, schema.NewError(schema.ErrCodeNotFound, "missing")
}

var fastRetry = &schema.RetryPolicy{MaxRetries: 2, InitialDelay: time.Millisecond}

func completed(id, url string) *schema.ExecutionSnapshot {
	end := time.Unix(1_700_000_100, 0).UTC()
	return &schema.ExecutionSnapshot{
		ExecutionID: id,
		WorkflowID:  "wf",
		State:       schema.StateCompleted,
		StartTime:   time.Unix(1_700_000_000, 0).UTC(),
		EndTime:     &end,
		Options:     schema.ExecutionOptions{WebhookURL: url},
		Results:     map[string]any{"a": "ok"},
	}
}

type receiver struct {
	mu       sync.Mutex
	bodies   [][]byte
	headers  []http.Header
	statuses []int
	calls    atomic.Int32
}

func (r *receiver) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		n := int(r.calls.Add(1))
		body, err := io.ReadAll(req.Body)
		assert.NoError(t, err)
		r.mu.Lock()
		r.bodies = append(r.bodies, body)
		r.headers = append(r.headers, req.Header.Clone())
		status := http.StatusOK
		if n <= len(r.statuses) {
			status = r.statuses[n-1]
		}
		r.mu.Unlock()
		w.WriteHeader(status)
	}
}

func TestDeliver_SignsPayload(t *testing.T) {
	rcv := &receiver{}
	srv := httptest.NewServer(rcv.handler(t))
	defer srv.Close()

	now := time.Unix(1_700_000_200, 0)
	n := NewNotifier(Config{Secret: "hook", Retry: fastRetry, Now: func() time.Time { return now }})
	snap := completed("e1", srv.URL)

	require.NoError(t, n.Deliver(context.Background(), srv.URL, schema.EventWorkflowCompleted, snap.Response()))

	require.Len(t, rcv.bodies, 1)
	var got schema.ExecutionResponse
	require.NoError(t, json.Unmarshal(rcv.bodies[0], &got))
	assert.Equal(t, "e1", got.ExecutionID)
	assert.Equal(t, schema.StatusCompleted, got.Status)

	h := rcv.headers[0]
	assert.Equal(t, "workflow.completed", h.Get(HeaderEvent))
	assert.Equal(t, "e1", h.Get(HeaderExecutionID))
	assert.Equal(t, "1", h.Get(HeaderAttempt))
	ts, sig := services.NewSigner("hook").Sign(now, rcv.bodies[0])
	assert.Equal(t, ts, h.Get(services.HeaderTimestamp))
	assert.Equal(t, sig, h.Get(services.HeaderSignature))
}

func TestDeliver_RetriesTransientFailures(t *testing.T) {
	rcv := &receiver{statuses: []int{http.StatusBadGateway, http.StatusTooManyRequests}}
	srv := httptest.NewServer(rcv.handler(t))
	defer srv.Close()

	n := NewNotifier(Config{Retry: fastRetry})
	err := n.Deliver(context.Background(), srv.URL, schema.EventWorkflowCompleted, completed("e1", srv.URL).Response())

	require.NoError(t, err)
	assert.EqualValues(t, 3, rcv.calls.Load())
	assert.Equal(t, "3", rcv.headers[2].Get(HeaderAttempt))
	assert.Empty(t, rcv.headers[0].Get(services.HeaderSignature))
}

func TestDeliver_GivesUpAfterThreeAttempts(t *testing.T) {
	rcv := &receiver{statuses: []int{500, 500, 500, 500}}
	srv := httptest.NewServer(rcv.handler(t))
	defer srv.Close()

	n := NewNotifier(Config{Retry: fastRetry})
	err := n.Deliver(context.Background(), srv.URL, schema.EventWorkflowError, completed("e1", srv.URL).Response())

	assert.True(t, schema.HasCode(err, schema.ErrCodeServiceError))
	assert.EqualValues(t, 3, rcv.calls.Load())
}

func TestDeliver_ClientErrorIsNotRetried(t *testing.T) {
	rcv := &receiver{statuses: []int{http.StatusGone}}
	srv := httptest.NewServer(rcv.handler(t))
	defer srv.Close()

	n := NewNotifier(Config{Retry: fastRetry})
	err := n.Deliver(context.Background(), srv.URL, schema.EventWorkflowCompleted, completed("e1", srv.URL).Response())

	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	assert.EqualValues(t, 1, rcv.calls.Load())
}

func TestDeliver_RejectsInvalidURL(t *testing.T) {
	n := NewNotifier(Config{})
	for _, u := range []string{"", "ftp://host/x", "not a url", "https://"} {
		err := n.Deliver(context.Background(), u, schema.EventWorkflowCompleted, &schema.ExecutionResponse{})
		assert.True(t, schema.HasCode(err, schema.ErrCodeValidation), u)
	}
}

func TestRun_DeliversTerminalEventsWithWebhook(t *testing.T) {
	rcv := &receiver{}
	srv := httptest.NewServer(rcv.handler(t))
	defer srv.Close()

	src := fakeSource{
		"with":    completed("with", srv.URL),
		"without": completed("without", ""),
	}
	bus := streaming.NewMemoryBus()
	defer bus.Close()
	n := NewNotifier(Config{Source: src, Retry: fastRetry})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx, bus) }()
	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	for _, e := range []schema.Event{
		{Kind: schema.EventWorkflowStarted, ExecutionID: "with"},
		{Kind: schema.EventWorkflowCompleted, ExecutionID: "without"},
		{Kind: schema.EventWorkflowCompleted, ExecutionID: "unknown"},
		{Kind: schema.EventWorkflowCompleted, ExecutionID: "with"},
	} {
		require.NoError(t, bus.Publish(ctx, e))
	}

	require.Eventually(t, func() bool { return rcv.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	rcv.mu.Lock()
	defer rcv.mu.Unlock()
	assert.Equal(t, "with", rcv.headers[0].Get(HeaderExecutionID))
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "https://hooks.example.com/x", redact("https://user:pw@hooks.example.com/x?token=abc"))
}

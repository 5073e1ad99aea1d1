package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/conductor/pkg/schema"
)

type fakeServices struct {
	analytics  *httptest.Server
	automation *httptest.Server

	mu    sync.Mutex
	tasks []map[string]any
}

func newFakeServices(t *testing.T) *fakeServices {
	t.Helper()
	f := &fakeServices{}
	f.analytics = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("X-Signature"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data": map[string]any{"insights": []any{
				map[string]any{"id": "i-1", "title": "Fix slow pages", "score": 0.92, "token": "hidden"},
				map[string]any{"id": "i-2", "title": "Add alt text", "score": 0.4},
			}},
		})
	}))
	f.automation = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.tasks = append(f.tasks, body)
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{"success": true, "data": {"task_id": "t-1"}}`))
	}))
	t.Cleanup(f.analytics.Close)
	t.Cleanup(f.automation.Close)
	return f
}

func (f *fakeServices) taskCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

func testConfig(t *testing.T, body string) Config {
	t.Helper()
	cfg, err := loadConfig(newViper(writeConfig(t, "conductor.yaml", body)))
	require.NoError(t, err)
	return cfg
}

// startApp runs the background components and serves the API until the
// test ends.
func startApp(t *testing.T, cfg Config) (*app, *httptest.Server) {
	t.Helper()
	a, err := newApp(context.Background(), cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	bgCtx, cancelBg := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(bgCtx)
	require.NoError(t, a.runBackground(gctx, g))

	srv := httptest.NewServer(a.apiServer().Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, a.shutdown(ctx))
		cancelBg()
		assert.NoError(t, g.Wait())
		a.close()
	})
	return a, srv
}

func getJSON(t *testing.T, url string) map[string]any {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestApp_EndToEnd(t *testing.T) {
	fake := newFakeServices(t)
	cfg := testConfig(t, `
definitions_dir: ../../examples/definitions
services:
  analytics:
    url: `+fake.analytics.URL+`
    hmac_secret: s
    timeout: 2s
    redact_fields: [token]
  automation:
    url: `+fake.automation.URL+`
    timeout: 2s
`)
	a, srv := startApp(t, cfg)

	assert.True(t, a.gateway.Has(schema.ServiceAnalytics))
	assert.True(t, a.gateway.Has(schema.ServiceAutomation))

	list := getJSON(t, srv.URL+"/v1/workflows")
	ids := []string{}
	for _, w := range list["workflows"].([]any) {
		ids = append(ids, w.(map[string]any)["id"].(string))
	}
	assert.ElementsMatch(t, []string{"top-insight-task", "seo-insight-tasks", "weekly-report"}, ids)

	resp, err := http.Post(srv.URL+"/v1/workflows/top-insight-task/executions", "application/json",
		strings.NewReader(`{"callerId": "dealer-1", "callerType": "dealership", "parameters": {"sandbox_id": "sb-1"}}`))
	require.NoError(t, err)
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(raw))

	var accepted schema.ExecutionResponse
	require.NoError(t, json.Unmarshal(raw, &accepted))

	var status map[string]any
	require.Eventually(t, func() bool {
		status = getJSON(t, srv.URL+"/v1/executions/"+accepted.ExecutionID)
		return status["status"] == "completed"
	}, 5*time.Second, 20*time.Millisecond)

	results := status["results"].(map[string]any)
	top := results["top_insight"].(map[string]any)
	assert.Equal(t, "i-1", top["id"])
	assert.NotContains(t, top, "token")
	assert.Equal(t, 1, fake.taskCount())

	assert.Eventually(t, func() bool {
		mresp, err := http.Get(srv.URL + "/metrics")
		if err != nil {
			return false
		}
		defer mresp.Body.Close()
		body, _ := io.ReadAll(mresp.Body)
		return strings.Contains(string(body), `conductor_executions_total{status="completed",workflow="top-insight-task"} 1`)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestApp_UnconfiguredServiceIsUnavailable(t *testing.T) {
	a, err := newApp(context.Background(), testConfig(t, "log_level: error\n"), slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer a.close()

	_, err = a.gateway.Call(context.Background(), schema.ServiceRequest{
		Service:   schema.ServiceAutomation,
		Operation: "create_task",
	})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeServiceUnavailable), err.Error())
}

func TestApp_RejectsInvalidSchedule(t *testing.T) {
	cfg := testConfig(t, `
schedules:
  - name: broken
    cron: "not a cron"
    workflow_id: weekly-report
    caller_type: scheduler
`)
	_, err := newApp(context.Background(), cfg, slog.New(slog.DiscardHandler))
	assert.Error(t, err)
}

func TestApp_RejectsBadServiceURL(t *testing.T) {
	cfg := testConfig(t, "services:\n  analytics:\n    url: ftp://nowhere\n")
	_, err := newApp(context.Background(), cfg, slog.New(slog.DiscardHandler))
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestVersionCommand(t *testing.T) {
	cmd := newRoot()
	var out strings.Builder
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, version+"\n", out.String())
}

package services

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conductor/pkg/schema"
)

var fixedNow = time.Unix(1_700_000_000, 0)

func newTransport(t *testing.T, handler http.HandlerFunc, mutate ...func(*HTTPConfig)) *HTTPTransport {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := HTTPConfig{
		Service: schema.ServiceAnalytics,
		BaseURL: srv.URL + "/v1/",
		Now:     func() time.Time { return fixedNow },
	}
	for _, m := range mutate {
		m(&cfg)
	}
	tr, err := NewHTTPTransport(cfg)
	require.NoError(t, err)
	return tr
}

func TestNewHTTPTransport_RejectsBadURL(t *testing.T) {
	for _, u := range []string{"", "ftp://x", "://", "http://"} {
		_, err := NewHTTPTransport(HTTPConfig{Service: schema.ServiceAnalytics, BaseURL: u})
		assert.True(t, schema.HasCode(err, schema.ErrCodeValidation), u)
	}
}

func TestHTTPTransport_SignsAndPosts(t *testing.T) {
	var (
		gotPath string
		gotBody []byte
		gotHdr  http.Header
	)
	tr := newTransport(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHdr = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		assert.Equal(t, http.MethodPost, r.Method)
		_, _ = w.Write([]byte(`{"success": true, "data": {"insights": []}}`))
	}, func(c *HTTPConfig) {
		c.APIKey = "key-1"
		c.HMACSecret = "secret"
	})

	resp, err := tr.Do(context.Background(), schema.ServiceRequest{
		Service:    schema.ServiceAnalytics,
		Operation:  OpQueryInsights,
		Parameters: map[string]any{"metric": "traffic"},
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, map[string]any{"insights": []any{}}, resp.Data)

	assert.Equal(t, "/v1/query_insights", gotPath)
	assert.JSONEq(t, `{"metric":"traffic"}`, string(gotBody))
	assert.Equal(t, "application/json", gotHdr.Get("Content-Type"))
	assert.Equal(t, "key-1", gotHdr.Get(HeaderAPIKey))
	assert.Equal(t, "1700000000", gotHdr.Get(HeaderTimestamp))
	_, wantSig := NewSigner("secret").Sign(fixedNow, gotBody)
	assert.Equal(t, wantSig, gotHdr.Get(HeaderSignature))
}

func TestHTTPTransport_UnsignedWithoutSecret(t *testing.T) {
	var hdr http.Header
	tr := newTransport(t, func(w http.ResponseWriter, r *http.Request) {
		hdr = r.Header.Clone()
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{}`, string(body))
		w.WriteHeader(http.StatusNoContent)
	})

	resp, err := tr.Do(context.Background(), schema.ServiceRequest{Operation: "ping"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Data)
	assert.Empty(t, hdr.Get(HeaderSignature))
	assert.Empty(t, hdr.Get(HeaderAPIKey))
}

func TestHTTPTransport_BareDataIsSuccess(t *testing.T) {
	tr := newTransport(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"id": "i1", "score": 0.4}]`))
	})
	resp, err := tr.Do(context.Background(), schema.ServiceRequest{Operation: OpQueryInsights})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Len(t, resp.Data, 1)
}

func TestHTTPTransport_EnvelopeFailurePassesThrough(t *testing.T) {
	tr := newTransport(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"error":   map[string]any{"code": "QUOTA", "message": "quota exhausted"},
		})
	})
	resp, err := tr.Do(context.Background(), schema.ServiceRequest{Operation: OpQueryInsights})
	require.NoError(t, err, "success=false is judged by the gateway")
	assert.False(t, resp.Success)
	assert.Equal(t, "quota exhausted", resp.Error.Message)
}

func TestHTTPTransport_SanitizesData(t *testing.T) {
	tr := newTransport(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"success": true, "data": {"vendor_id": "v", "name": "CustomerScout"}}`))
	}, func(c *HTTPConfig) {
		c.Sanitizer = &Sanitizer{Fields: []string{"vendor_"}, Replacements: map[string]string{"CustomerScout": "Rylie SEO"}}
	})
	resp, err := tr.Do(context.Background(), schema.ServiceRequest{Operation: "x"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "Rylie SEO"}, resp.Data)
}

func TestHTTPTransport_StatusMapping(t *testing.T) {
	tests := []struct {
		status    int
		body      string
		code      string
		message   string
		retryable bool
	}{
		{http.StatusServiceUnavailable, ``, schema.ErrCodeServiceUnavailable, "analytics.op returned 503", true},
		{http.StatusTooManyRequests, ``, schema.ErrCodeServiceError, "analytics.op returned 429", true},
		{http.StatusInternalServerError, `{"error": {"code": "X", "message": "db down"}}`, schema.ErrCodeServiceError, "db down", true},
		{http.StatusBadRequest, `{"detail": "metric is required"}`, schema.ErrCodeValidation, "metric is required", false},
		{http.StatusNotFound, `not json`, schema.ErrCodeValidation, "analytics.op returned 404", false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			tr := newTransport(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := tr.Do(context.Background(), schema.ServiceRequest{Operation: "op"})
			ce := schema.AsConductorError(err)
			require.NotNil(t, ce)
			assert.Equal(t, tt.code, ce.Code)
			assert.Equal(t, tt.message, ce.Message)
			assert.Equal(t, schema.ServiceAnalytics, ce.Service)
			assert.Equal(t, tt.status, ce.Details["http_status"])
			assert.Equal(t, tt.retryable, schema.IsRetryable(err))
		})
	}
}

func TestHTTPTransport_NetworkErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	tr, err := NewHTTPTransport(HTTPConfig{Service: schema.ServiceAutomation, BaseURL: url})
	require.NoError(t, err)
	_, err = tr.Do(context.Background(), schema.ServiceRequest{Operation: OpCreateTask})
	assert.True(t, schema.HasCode(err, schema.ErrCodeServiceUnavailable))
}

func TestHTTPTransport_MalformedJSON(t *testing.T) {
	tr := newTransport(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"success": tru`))
	})
	_, err := tr.Do(context.Background(), schema.ServiceRequest{Operation: "op"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeServiceError))
}

func TestHTTPTransport_ResponseBodyIsBounded(t *testing.T) {
	tr := newTransport(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"success": true, "data": "` + strings.Repeat("x", 64) + `"}`))
	}, func(c *HTTPConfig) { c.MaxResponseBody = 16 })
	_, err := tr.Do(context.Background(), schema.ServiceRequest{Operation: "op"})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	assert.Contains(t, err.Error(), "response too large")
	assert.False(t, schema.IsRetryable(err))
}

func TestHTTPTransport_BodyAtLimitIsAccepted(t *testing.T) {
	body := `{"success": true, "data": "ok"}`
	tr := newTransport(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(body))
	}, func(c *HTTPConfig) { c.MaxResponseBody = int64(len(body)) })
	resp, err := tr.Do(context.Background(), schema.ServiceRequest{Operation: "op"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Data)
}

func TestHTTPTransport_ContextCancelled(t *testing.T) {
	release := make(chan struct{})
	tr := newTransport(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tr.Do(ctx, schema.ServiceRequest{Operation: "op"})
	assert.ErrorIs(t, err, context.Canceled)
}

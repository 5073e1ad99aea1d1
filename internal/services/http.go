package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/conductor/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// HTTPConfig configures an HTTPTransport.
type HTTPConfig struct {
	Service schema.ServiceID
	BaseURL string
	APIKey  string
	// HMACSecret enables request signing when set.
	HMACSecret      string
	Client          *http.Client
	MaxResponseBody int64
	Sanitizer       *Sanitizer
	Now             func() time.Time
}

// HTTPTransport reaches a downstream service over JSON/HTTP. Every operation
// is a POST to {BaseURL}/{operation} with the parameters as the body.
type HTTPTransport struct {
	service   schema.ServiceID
	base      *url.URL
	apiKey    string
	signer    *Signer
	client    *http.Client
	maxBody   int64
	sanitizer *Sanitizer
	now       func() time.Time
}

// NewHTTPTransport validates cfg and builds the transport.
func NewHTTPTransport(cfg HTTPConfig) (*HTTPTransport, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid base url %q for service %s", cfg.BaseURL, cfg.Service)
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &HTTPTransport{
		service:   cfg.Service,
		base:      base,
		apiKey:    cfg.APIKey,
		signer:    NewSigner(cfg.HMACSecret),
		client:    cfg.Client,
		maxBody:   cfg.MaxResponseBody,
		sanitizer: cfg.Sanitizer,
		now:       cfg.Now,
	}, nil
}

// Do sends req. Status mapping: 2xx decodes the body; 503 and network
// failures are SERVICE_UNAVAILABLE; 429 and other 5xx are SERVICE_ERROR;
// remaining 4xx are VALIDATION_ERROR, which is neither retried nor counted
// by the breaker.
func (t *HTTPTransport) Do(ctx context.Context, req schema.ServiceRequest) (*schema.ServiceResponse, error) {
	params := req.Parameters
	if params == nil {
		params = map[string]any{}
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s.%s: parameters are not JSON", t.service, req.Operation).WithCause(err)
	}

	endpoint := t.base.JoinPath(req.Operation)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "%s.%s: build request", t.service, req.Operation).WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if t.apiKey != "" {
		httpReq.Header.Set(HeaderAPIKey, t.apiKey)
	}
	if t.signer != nil {
		ts, sig := t.signer.Sign(t.now(), body)
		httpReq.Header.Set(HeaderTimestamp, ts)
		httpReq.Header.Set(HeaderSignature, sig)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, schema.NewErrorf(schema.ErrCodeServiceUnavailable, "%s unavailable: %s", t.service, err.Error()).
			WithService(t.service).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBody+1))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeServiceError, "%s.%s: read response", t.service, req.Operation).
			WithService(t.service).WithCause(err)
	}
	tooLarge := int64(len(raw)) > t.maxBody
	if tooLarge {
		raw = raw[:t.maxBody]
	}

	if resp.StatusCode >= 300 {
		return nil, t.statusError(resp.StatusCode, req.Operation, raw)
	}
	if tooLarge {
		// The service answered; retrying would return the same body.
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s.%s: response too large", t.service, req.Operation).
			WithService(t.service).
			WithDetails(map[string]any{"max_bytes": t.maxBody})
	}
	return t.decode(raw)
}

func (t *HTTPTransport) statusError(status int, operation string, raw []byte) error {
	code := schema.ErrCodeValidation
	switch {
	case status == http.StatusServiceUnavailable:
		code = schema.ErrCodeServiceUnavailable
	case status == http.StatusTooManyRequests || status >= 500:
		code = schema.ErrCodeServiceError
	}
	msg := fmt.Sprintf("%s.%s returned %d", t.service, operation, status)
	if body := errorBody(raw); body != nil && body.Message != "" {
		msg = body.Message
	}
	return schema.NewError(code, msg).
		WithService(t.service).
		WithDetails(map[string]any{"http_status": status})
}

// decode accepts either a ServiceResponse envelope or bare JSON data, which
// is treated as a successful response.
func (t *HTTPTransport) decode(raw []byte) (*schema.ServiceResponse, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return &schema.ServiceResponse{Success: true}, nil
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err == nil {
		if _, enveloped := probe["success"]; enveloped {
			var out schema.ServiceResponse
			if err := json.Unmarshal(raw, &out); err != nil {
				return nil, t.malformed(err)
			}
			out.Data = t.sanitizer.Apply(out.Data)
			return &out, nil
		}
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, t.malformed(err)
	}
	return &schema.ServiceResponse{Success: true, Data: t.sanitizer.Apply(data)}, nil
}

func (t *HTTPTransport) malformed(err error) error {
	return schema.NewErrorf(schema.ErrCodeServiceError, "%s returned malformed JSON", t.service).
		WithService(t.service).WithCause(err)
}

func errorBody(raw []byte) *schema.ServiceErrorBody {
	var envelope struct {
		Error  *schema.ServiceErrorBody `json:"error"`
		Detail string                   `json:"detail"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if envelope.Detail != "" {
		return &schema.ServiceErrorBody{Message: envelope.Detail}
	}
	return nil
}

// Package webhook delivers terminal execution results to the webhook URL
// named in the execution options.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/rendis/conductor/internal/engine"
	"github.com/rendis/conductor/internal/services"
	"github.com/rendis/conductor/internal/streaming"
	"github.com/rendis/conductor/pkg/schema"
)

// Delivery headers in addition to the signature headers.
const (
	HeaderEvent       = "X-Conductor-Event"
	HeaderExecutionID = "X-Conductor-Execution-Id"
	HeaderAttempt     = "X-Conductor-Attempt"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultConcurrency = 8
	maxErrorBody       = 4096
)

// DefaultRetry gives three delivery attempts.
var DefaultRetry = schema.RetryPolicy{
	MaxRetries:        2,
	InitialDelay:      time.Second,
	BackoffMultiplier: 2,
	Jitter:            true,
}

// SnapshotSource resolves the final state of an execution.
type SnapshotSource interface {
	Snapshot(ctx context.Context, executionID string) (*schema.ExecutionSnapshot, error)
}

// Config configures a Notifier.
type Config struct {
	Source SnapshotSource
	// Secret signs payloads when set.
	Secret string
	Client *http.Client
	// Timeout bounds each attempt.
	Timeout time.Duration
	Retry   *schema.RetryPolicy
	// Concurrency bounds in-flight deliveries.
	Concurrency int
	Logger      *slog.Logger
	Now         func() time.Time
}

// Notifier posts the final ExecutionResponse of every execution that asked
// for a webhook.
type Notifier struct {
	source  SnapshotSource
	signer  *services.Signer
	client  *http.Client
	timeout time.Duration
	retry   schema.RetryPolicy
	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	logger  *slog.Logger
	now     func() time.Time
}

func NewNotifier(cfg Config) *Notifier {
	n := &Notifier{
		source:  cfg.Source,
		signer:  services.NewSigner(cfg.Secret),
		client:  cfg.Client,
		timeout: cfg.Timeout,
		retry:   DefaultRetry,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}
	if n.client == nil {
		n.client = &http.Client{}
	}
	if n.timeout <= 0 {
		n.timeout = defaultTimeout
	}
	if cfg.Retry != nil {
		n.retry = *cfg.Retry
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	n.sem = semaphore.NewWeighted(int64(cfg.Concurrency))
	if n.logger == nil {
		n.logger = slog.Default()
	}
	if n.now == nil {
		n.now = time.Now
	}
	return n
}

// Run consumes terminal events from bus until ctx is done, then waits for
// in-flight deliveries.
func (n *Notifier) Run(ctx context.Context, bus streaming.EventBus) error {
	handle := func(e schema.Event) { n.Handle(ctx, e) }
	err := streaming.Consume(ctx, bus, streaming.Filter{Buffer: 256}, streaming.Handlers{
		WorkflowCompleted: handle,
		WorkflowError:     handle,
	})
	n.wg.Wait()
	return err
}

// Handle starts an asynchronous delivery for a terminal event when the
// execution has a webhook URL. It blocks while the concurrency bound is
// reached.
func (n *Notifier) Handle(ctx context.Context, e schema.Event) {
	if !e.Kind.Terminal() {
		return
	}
	snap, err := n.source.Snapshot(ctx, e.ExecutionID)
	if err != nil {
		n.logger.WarnContext(ctx, "webhook snapshot unavailable",
			slog.String("execution_id", e.ExecutionID),
			slog.String("error", err.Error()))
		return
	}
	target := snap.Options.WebhookURL
	if target == "" {
		return
	}
	if err := n.sem.Acquire(ctx, 1); err != nil {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer n.sem.Release(1)
		dctx := context.WithoutCancel(ctx)
		if err := n.Deliver(dctx, target, e.Kind, snap.Response()); err != nil {
			n.logger.ErrorContext(dctx, "webhook delivery failed",
				slog.String("execution_id", e.ExecutionID),
				slog.String("url", redact(target)),
				slog.String("error", err.Error()))
			return
		}
		n.logger.InfoContext(dctx, "webhook delivered",
			slog.String("execution_id", e.ExecutionID),
			slog.String("url", redact(target)))
	}()
}

// Wait blocks until every started delivery has finished.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// Deliver posts resp to target, retrying transient failures.
func (n *Notifier) Deliver(ctx context.Context, target string, kind schema.EventKind, resp *schema.ExecutionResponse) error {
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid webhook url %q", redact(target))
	}
	body, err := json.Marshal(resp)
	if err != nil {
		return schema.NewError(schema.ErrCodeExecution, "encode webhook payload").WithCause(err)
	}
	return engine.RunWithRetry(ctx, n.retry, func(ctx context.Context, attempt int) error {
		return n.attempt(ctx, u.String(), kind, resp.ExecutionID, body, attempt)
	}, func(attempt int, err error, delay time.Duration) {
		n.logger.WarnContext(ctx, "webhook attempt failed",
			slog.String("execution_id", resp.ExecutionID),
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", delay),
			slog.String("error", err.Error()))
	})
}

func (n *Notifier) attempt(ctx context.Context, target string, kind schema.EventKind, executionID string, body []byte, attempt int) error {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "build webhook request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, kind.String())
	req.Header.Set(HeaderExecutionID, executionID)
	req.Header.Set(HeaderAttempt, strconv.Itoa(attempt+1))
	if n.signer != nil {
		ts, sig := n.signer.Sign(n.now(), body)
		req.Header.Set(services.HeaderTimestamp, ts)
		req.Header.Set(services.HeaderSignature, sig)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return schema.NewErrorf(schema.ErrCodeTimeout, "webhook timed out after %s", n.timeout).WithCause(err)
		}
		return schema.NewError(schema.ErrCodeServiceUnavailable, "webhook unreachable").WithCause(err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return schema.NewErrorf(schema.ErrCodeServiceError, "webhook returned %d", resp.StatusCode).
			WithDetails(map[string]any{"http_status": resp.StatusCode, "body": string(snippet)})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "webhook returned %d", resp.StatusCode).
		WithDetails(map[string]any{"http_status": resp.StatusCode, "body": string(snippet)})
}

// redact drops credentials and the query string from a URL for logging.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid>"
	}
	u.User = nil
	u.RawQuery = ""
	return u.String()
}

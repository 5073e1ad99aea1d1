package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/rendis/conductor/pkg/schema"
)

// Transport performs one request against a downstream service.
type Transport interface {
	Do(ctx context.Context, req schema.ServiceRequest) (*schema.ServiceResponse, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req schema.ServiceRequest) (*schema.ServiceResponse, error)

func (f TransportFunc) Do(ctx context.Context, req schema.ServiceRequest) (*schema.ServiceResponse, error) {
	return f(ctx, req)
}

// ServiceConfig describes how the gateway reaches one service.
type ServiceConfig struct {
	Transport Transport
	// Timeout bounds each attempt unless the call overrides it.
	Timeout time.Duration
	// Retry is applied inside the breaker, so a whole retry loop is one
	// breaker outcome. Zero value means a single attempt.
	Retry schema.RetryPolicy
	// RateLimit in requests per second; zero disables limiting.
	RateLimit float64
	Burst     int
	// Breaker overrides the registry default for this service.
	Breaker *CircuitBreakerConfig
}

type serviceEndpoint struct {
	transport Transport
	timeout   time.Duration
	retry     schema.RetryPolicy
	limiter   *rate.Limiter
}

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	Breakers        *CircuitBreakerRegistry
	Logger          *slog.Logger
	Instrumentation Instrumentation
	Tracer          trace.Tracer
}

// Gateway is the uniform call surface over the downstream services. Every
// call passes through the service's circuit breaker.
type Gateway struct {
	mu        sync.RWMutex
	endpoints map[schema.ServiceID]*serviceEndpoint
	breakers  *CircuitBreakerRegistry
	instr     Instrumentation
	tracer    trace.Tracer
	logger    *slog.Logger
}

// NewGateway creates an empty gateway. Services are added with Register.
func NewGateway(cfg GatewayConfig) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	breakers := cfg.Breakers
	if breakers == nil {
		breakers = NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig(), logger)
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/rendis/conductor/engine")
	}
	g := &Gateway{
		endpoints: make(map[schema.ServiceID]*serviceEndpoint),
		breakers:  breakers,
		instr:     instrumentationOrNoop(cfg.Instrumentation),
		tracer:    tracer,
		logger:    logger,
	}
	breakers.OnStateChange(func(service schema.ServiceID, _, to CircuitState) {
		g.instr.BreakerState(service, to)
	})
	return g
}

// Register adds or replaces a service endpoint.
func (g *Gateway) Register(service schema.ServiceID, cfg ServiceConfig) error {
	if service == "" || cfg.Transport == nil {
		return schema.NewError(schema.ErrCodeValidation, "service id and transport are required")
	}
	ep := &serviceEndpoint{
		transport: cfg.Transport,
		timeout:   cfg.Timeout,
		retry:     cfg.Retry,
	}
	if cfg.RateLimit > 0 {
		ep.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(cfg.Burst, 1))
	}
	if cfg.Breaker != nil {
		g.breakers.Configure(service, *cfg.Breaker)
	}

	g.mu.Lock()
	g.endpoints[service] = ep
	g.mu.Unlock()
	g.instr.BreakerState(service, g.breakers.GetState(service))
	return nil
}

// Has reports whether service is registered.
func (g *Gateway) Has(service schema.ServiceID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.endpoints[service]
	return ok
}

// Services lists the registered service ids in sorted order.
func (g *Gateway) Services() []schema.ServiceID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]schema.ServiceID, 0, len(g.endpoints))
	for id := range g.endpoints {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Breakers exposes the circuit breaker registry for diagnostics.
func (g *Gateway) Breakers() *CircuitBreakerRegistry {
	return g.breakers
}

// CallOption adjusts a single gateway call.
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
}

// WithTimeout bounds each attempt of the call.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// Call routes req to its service. Failures are ConductorErrors:
// SERVICE_UNAVAILABLE when the circuit rejects the call, SERVICE_ERROR when the
// service fails or answers success=false, TIMEOUT_ERROR when an attempt runs
// past its timeout.
func (g *Gateway) Call(ctx context.Context, req schema.ServiceRequest, opts ...CallOption) (*schema.ServiceResponse, error) {
	g.mu.RLock()
	ep, ok := g.endpoints[req.Service]
	g.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown service %q", req.Service).WithService(req.Service)
	}

	o := callOptions{timeout: ep.timeout}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, span := g.tracer.Start(ctx, "gateway.call", trace.WithAttributes(
		attribute.String("service", string(req.Service)),
		attribute.String("operation", req.Operation),
	))
	defer span.End()

	start := time.Now()
	resp, err := g.breakers.Execute(req.Service, func() (*schema.ServiceResponse, error) {
		var out *schema.ServiceResponse
		err := RunWithRetry(ctx, ep.retry, func(ctx context.Context, _ int) error {
			if ep.limiter != nil {
				if err := ep.limiter.Wait(ctx); err != nil {
					return contextError(ctx, err, req.Service)
				}
			}
			r, err := g.attempt(ctx, ep, req, o.timeout)
			if err != nil {
				return err
			}
			out = r
			return nil
		}, nil)
		if err != nil && !isConductorError(err) {
			err = contextError(ctx, err, req.Service)
		}
		return out, err
	})

	elapsed := time.Since(start)
	g.instr.GatewayCall(req.Service, req.Operation, outcomeOf(err), elapsed)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.logger.DebugContext(ctx, "gateway call failed",
			slog.String("service", string(req.Service)),
			slog.String("operation", req.Operation),
			slog.String("error", err.Error()))
		return nil, err
	}
	return resp, nil
}

// attempt performs one transport call, enforcing the timeout even when the
// transport ignores its context.
func (g *Gateway) attempt(ctx context.Context, ep *serviceEndpoint, req schema.ServiceRequest, timeout time.Duration) (*schema.ServiceResponse, error) {
	actx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		actx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	type result struct {
		resp *schema.ServiceResponse
		err  error
	}
	done := make(chan result, 1)
	started := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: schema.NewErrorf(schema.ErrCodeServiceError, "transport panic: %v", r).WithService(req.Service)}
			}
		}()
		resp, err := ep.transport.Do(actx, req)
		done <- result{resp: resp, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, transportError(actx, res.err, req.Service)
		}
		return g.accept(res.resp, req, time.Since(started))
	case <-actx.Done():
		if ctx.Err() == nil {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "%s.%s exceeded timeout of %s",
				req.Service, req.Operation, timeout).WithService(req.Service)
		}
		return nil, contextError(ctx, ctx.Err(), req.Service)
	}
}

func (g *Gateway) accept(resp *schema.ServiceResponse, req schema.ServiceRequest, elapsed time.Duration) (*schema.ServiceResponse, error) {
	if resp == nil {
		return nil, schema.NewErrorf(schema.ErrCodeServiceError, "%s.%s returned no response", req.Service, req.Operation).
			WithService(req.Service)
	}
	if resp.Meta.Source == "" {
		resp.Meta.Source = req.Service
	}
	if resp.Meta.Operation == "" {
		resp.Meta.Operation = req.Operation
	}
	if resp.Meta.ProcessingTimeMs == 0 {
		resp.Meta.ProcessingTimeMs = elapsed.Milliseconds()
	}
	if resp.Success {
		return resp, nil
	}

	msg := "service reported failure"
	details := map[string]any{"operation": req.Operation}
	if resp.Error != nil {
		msg = resp.Error.Message
		details["downstream_code"] = resp.Error.Code
		if len(resp.Error.Details) > 0 {
			details["downstream_details"] = resp.Error.Details
		}
	}
	return nil, schema.NewError(schema.ErrCodeServiceError, msg).WithService(req.Service).WithDetails(details)
}

func transportError(ctx context.Context, err error, service schema.ServiceID) error {
	if isConductorError(err) {
		return err
	}
	if ctx.Err() != nil {
		return contextError(ctx, err, service)
	}
	return schema.NewErrorf(schema.ErrCodeServiceError, "transport: %v", err).WithService(service).WithCause(err)
}

func contextError(ctx context.Context, err error, service schema.ServiceID) error {
	cause := ctx.Err()
	if cause == nil {
		cause = err
	}
	if errors.Is(cause, context.DeadlineExceeded) {
		return schema.NewError(schema.ErrCodeTimeout, "deadline exceeded").WithService(service).WithCause(err)
	}
	if errors.Is(cause, context.Canceled) {
		return schema.NewError(schema.ErrCodeCancelled, "call cancelled").WithService(service).WithCause(err)
	}
	return schema.NewError(schema.ErrCodeServiceError, fmt.Sprint(err)).WithService(service).WithCause(err)
}

func isConductorError(err error) bool {
	var ce *schema.ConductorError
	return errors.As(err, &ce)
}

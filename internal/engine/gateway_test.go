package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conductor/pkg/schema"
)

func newTestGateway(t *testing.T, breaker CircuitBreakerConfig) *Gateway {
	t.Helper()
	return NewGateway(GatewayConfig{Breakers: NewCircuitBreakerRegistry(breaker, nil)})
}

func TestGateway_CallSuccessFillsMeta(t *testing.T) {
	g := newTestGateway(t, DefaultCircuitBreakerConfig())
	require.NoError(t, g.Register(schema.ServiceAnalytics, ServiceConfig{
		Transport: TransportFunc(func(_ context.Context, req schema.ServiceRequest) (*schema.ServiceResponse, error) {
			assert.Equal(t, "traffic", req.Parameters["metric"])
			return &schema.ServiceResponse{Success: true, Data: map[string]any{"insights": []any{}}}, nil
		}),
	}))

	resp, err := g.Call(context.Background(), schema.ServiceRequest{
		Service:    schema.ServiceAnalytics,
		Operation:  "query_insights",
		Parameters: map[string]any{"metric": "traffic"},
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, schema.ServiceAnalytics, resp.Meta.Source)
	assert.Equal(t, "query_insights", resp.Meta.Operation)
}

func TestGateway_UnknownService(t *testing.T) {
	g := newTestGateway(t, DefaultCircuitBreakerConfig())
	_, err := g.Call(context.Background(), schema.ServiceRequest{Service: "billing", Operation: "x"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestGateway_RegisterRequiresTransport(t *testing.T) {
	g := newTestGateway(t, DefaultCircuitBreakerConfig())
	assert.Error(t, g.Register(schema.ServiceAnalytics, ServiceConfig{}))
}

func TestGateway_Has(t *testing.T) {
	g := newTestGateway(t, DefaultCircuitBreakerConfig())
	require.NoError(t, g.Register(schema.ServiceAnalytics, ServiceConfig{
		Transport: TransportFunc(func(context.Context, schema.ServiceRequest) (*schema.ServiceResponse, error) {
			return &schema.ServiceResponse{Success: true}, nil
		}),
	}))
	assert.True(t, g.Has(schema.ServiceAnalytics))
	assert.False(t, g.Has(schema.ServiceAutomation))
	assert.Equal(t, []schema.ServiceID{schema.ServiceAnalytics}, g.Services())
}

func TestGateway_UnsuccessfulResponseIsServiceError(t *testing.T) {
	g := newTestGateway(t, DefaultCircuitBreakerConfig())
	g.Register(schema.ServiceAutomation, ServiceConfig{
		Transport: TransportFunc(func(context.Context, schema.ServiceRequest) (*schema.ServiceResponse, error) {
			return &schema.ServiceResponse{Success: false, Error: &schema.ServiceErrorBody{Code: "QUOTA", Message: "quota exceeded"}}, nil
		}),
	})

	_, err := g.Call(context.Background(), schema.ServiceRequest{Service: schema.ServiceAutomation, Operation: "create_task"})
	require.Error(t, err)
	ce := schema.AsConductorError(err)
	assert.Equal(t, schema.ErrCodeServiceError, ce.Code)
	assert.Equal(t, "quota exceeded", ce.Message)
	assert.Equal(t, "QUOTA", ce.Details["downstream_code"])
	assert.Equal(t, schema.ServiceAutomation, ce.Service)
}

func TestGateway_TransportErrorIsServiceError(t *testing.T) {
	g := newTestGateway(t, DefaultCircuitBreakerConfig())
	cause := errors.New("connection refused")
	g.Register(schema.ServiceAutomation, ServiceConfig{
		Transport: TransportFunc(func(context.Context, schema.ServiceRequest) (*schema.ServiceResponse, error) {
			return nil, cause
		}),
	})

	_, err := g.Call(context.Background(), schema.ServiceRequest{Service: schema.ServiceAutomation, Operation: "x"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeServiceError))
	assert.ErrorIs(t, err, cause)
}

func TestGateway_TimeoutEnforcedWhenTransportIgnoresContext(t *testing.T) {
	g := newTestGateway(t, DefaultCircuitBreakerConfig())
	release := make(chan struct{})
	defer close(release)
	g.Register(schema.ServiceAnalytics, ServiceConfig{
		Transport: TransportFunc(func(context.Context, schema.ServiceRequest) (*schema.ServiceResponse, error) {
			<-release
			return &schema.ServiceResponse{Success: true}, nil
		}),
	})

	start := time.Now()
	_, err := g.Call(context.Background(), schema.ServiceRequest{Service: schema.ServiceAnalytics, Operation: "slow"},
		WithTimeout(30*time.Millisecond))
	assert.True(t, schema.HasCode(err, schema.ErrCodeTimeout))
	assert.Less(t, time.Since(start), time.Second)
}

func TestGateway_CallerCancellation(t *testing.T) {
	g := newTestGateway(t, CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})
	g.Register(schema.ServiceAnalytics, ServiceConfig{
		Transport: TransportFunc(func(ctx context.Context, _ schema.ServiceRequest) (*schema.ServiceResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := g.Call(ctx, schema.ServiceRequest{Service: schema.ServiceAnalytics, Operation: "x"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeCancelled))
	assert.Equal(t, CircuitClosed, g.Breakers().GetState(schema.ServiceAnalytics))
}

func TestGateway_BreakerScenario(t *testing.T) {
	g := newTestGateway(t, CircuitBreakerConfig{FailureThreshold: 5, ResetTimeout: 60 * time.Millisecond})
	var attempts atomic.Int32
	var healthy atomic.Bool
	g.Register(schema.ServiceAutomation, ServiceConfig{
		Transport: TransportFunc(func(context.Context, schema.ServiceRequest) (*schema.ServiceResponse, error) {
			attempts.Add(1)
			if healthy.Load() {
				return &schema.ServiceResponse{Success: true}, nil
			}
			return nil, errors.New("503")
		}),
	})
	req := schema.ServiceRequest{Service: schema.ServiceAutomation, Operation: "create_task"}

	for i := 0; i < 5; i++ {
		_, err := g.Call(context.Background(), req)
		assert.True(t, schema.HasCode(err, schema.ErrCodeServiceError))
	}
	assert.Equal(t, CircuitOpen, g.Breakers().GetState(schema.ServiceAutomation))

	_, err := g.Call(context.Background(), req)
	assert.True(t, schema.HasCode(err, schema.ErrCodeServiceUnavailable))
	assert.Equal(t, int32(5), attempts.Load(), "6th call must not reach the service")

	time.Sleep(90 * time.Millisecond)
	healthy.Store(true)
	_, err = g.Call(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int32(6), attempts.Load())
	assert.Equal(t, CircuitClosed, g.Breakers().GetState(schema.ServiceAutomation))
}

func TestGateway_TransportRetryIsOneBreakerOutcome(t *testing.T) {
	g := newTestGateway(t, CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})
	var attempts atomic.Int32
	g.Register(schema.ServiceAnalytics, ServiceConfig{
		Retry: schema.RetryPolicy{MaxRetries: 2, InitialDelay: time.Millisecond},
		Transport: TransportFunc(func(context.Context, schema.ServiceRequest) (*schema.ServiceResponse, error) {
			attempts.Add(1)
			return nil, errors.New("flaky")
		}),
	})

	_, err := g.Call(context.Background(), schema.ServiceRequest{Service: schema.ServiceAnalytics, Operation: "q"})
	require.Error(t, err)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, CircuitClosed, g.Breakers().GetState(schema.ServiceAnalytics))
	assert.Equal(t, uint32(1), g.Breakers().GetStats(schema.ServiceAnalytics).ConsecutiveFailures)
}

func TestGateway_RateLimited(t *testing.T) {
	g := newTestGateway(t, DefaultCircuitBreakerConfig())
	g.Register(schema.ServiceAnalytics, ServiceConfig{
		RateLimit: 20,
		Burst:     1,
		Transport: TransportFunc(func(context.Context, schema.ServiceRequest) (*schema.ServiceResponse, error) {
			return &schema.ServiceResponse{Success: true}, nil
		}),
	})

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := g.Call(context.Background(), schema.ServiceRequest{Service: schema.ServiceAnalytics, Operation: "q"})
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestGateway_TransportPanicIsServiceError(t *testing.T) {
	g := newTestGateway(t, DefaultCircuitBreakerConfig())
	g.Register(schema.ServiceAnalytics, ServiceConfig{
		Transport: TransportFunc(func(context.Context, schema.ServiceRequest) (*schema.ServiceResponse, error) {
			panic("nil map")
		}),
	})
	_, err := g.Call(context.Background(), schema.ServiceRequest{Service: schema.ServiceAnalytics, Operation: "q"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeServiceError))
}

func TestGateway_Services(t *testing.T) {
	g := newTestGateway(t, DefaultCircuitBreakerConfig())
	noop := TransportFunc(func(context.Context, schema.ServiceRequest) (*schema.ServiceResponse, error) { return nil, nil })
	g.Register(schema.ServiceAutomation, ServiceConfig{Transport: noop})
	g.Register(schema.ServiceAnalytics, ServiceConfig{Transport: noop})
	assert.Equal(t, []schema.ServiceID{schema.ServiceAnalytics, schema.ServiceAutomation}, g.Services())
}

package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/rendis/conductor/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitHalfOpen                     // Testing recovery
	CircuitOpen                         // Failing, rejecting calls
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

func circuitStateOf(s gobreaker.State) CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return CircuitOpen
	case gobreaker.StateHalfOpen:
		return CircuitHalfOpen
	}
	return CircuitClosed
}

// CircuitBreakerConfig configures a service's circuit breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before a trial call is allowed.
	ResetTimeout time.Duration
	// HalfOpenSuccessThreshold is the number of trial successes that closes the circuit.
	HalfOpenSuccessThreshold int
}

// DefaultCircuitBreakerConfig returns the default breaker configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:         5,
		ResetTimeout:             30 * time.Second,
		HalfOpenSuccessThreshold: 1,
	}
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	def := DefaultCircuitBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = def.ResetTimeout
	}
	if c.HalfOpenSuccessThreshold <= 0 {
		c.HalfOpenSuccessThreshold = def.HalfOpenSuccessThreshold
	}
	return c
}

// StateChangeFunc observes breaker transitions.
type StateChangeFunc func(service schema.ServiceID, from, to CircuitState)

// BreakerStats is a diagnostic view of one breaker.
type BreakerStats struct {
	Service              schema.ServiceID `json:"service"`
	State                string           `json:"state"`
	ConsecutiveFailures  uint32           `json:"consecutiveFailures"`
	ConsecutiveSuccesses uint32           `json:"consecutiveSuccesses"`
	Requests             uint32           `json:"requests"`
	TotalFailures        uint32           `json:"totalFailures"`
	LastFailure          *time.Time       `json:"lastFailure,omitempty"`
	FailureThreshold     int              `json:"failureThreshold"`
	ResetTimeout         string           `json:"resetTimeout"`
}

// serviceBreaker pairs a gobreaker instance, which serialises all state
// mutation behind its own mutex, with the last failure time it does not track.
type serviceBreaker struct {
	cb          *gobreaker.CircuitBreaker
	config      CircuitBreakerConfig
	lastFailure atomic.Int64
}

// CircuitBreakerRegistry owns exactly one breaker per service, shared by all
// executions.
type CircuitBreakerRegistry struct {
	mu        sync.Mutex
	breakers  map[schema.ServiceID]*serviceBreaker
	config    CircuitBreakerConfig
	overrides map[schema.ServiceID]CircuitBreakerConfig
	onChange  StateChangeFunc
	logger    *slog.Logger
}

// NewCircuitBreakerRegistry creates a registry whose breakers default to config.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig, logger *slog.Logger) *CircuitBreakerRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &CircuitBreakerRegistry{
		breakers:  make(map[schema.ServiceID]*serviceBreaker),
		config:    config.withDefaults(),
		overrides: make(map[schema.ServiceID]CircuitBreakerConfig),
		logger:    logger,
	}
}

// Configure sets a per-service configuration. It only affects breakers that
// have not been created yet.
func (r *CircuitBreakerRegistry) Configure(service schema.ServiceID, config CircuitBreakerConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[service] = config.withDefaults()
}

// OnStateChange registers the transition observer.
func (r *CircuitBreakerRegistry) OnStateChange(fn StateChangeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

func (r *CircuitBreakerRegistry) stateObserver() StateChangeFunc {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.onChange
}

// Execute runs fn through the service's breaker. While the circuit is open fn
// is not invoked and a SERVICE_UNAVAILABLE error is returned.
func (r *CircuitBreakerRegistry) Execute(service schema.ServiceID, fn func() (*schema.ServiceResponse, error)) (*schema.ServiceResponse, error) {
	sb := r.getOrCreate(service)
	out, err := sb.cb.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, schema.NewErrorf(schema.ErrCodeServiceUnavailable,
				"circuit breaker %s: call rejected", circuitStateOf(sb.cb.State())).
				WithService(service).
				WithCause(err).
				WithDetails(map[string]any{
					"state":         sb.cb.State().String(),
					"reset_timeout": sb.config.ResetTimeout.String(),
				})
		}
		return nil, err
	}
	resp, _ := out.(*schema.ServiceResponse)
	return resp, nil
}

// GetState returns the current state of the service's circuit.
func (r *CircuitBreakerRegistry) GetState(service schema.ServiceID) CircuitState {
	return circuitStateOf(r.getOrCreate(service).cb.State())
}

// GetStats returns diagnostic information about a service's breaker.
func (r *CircuitBreakerRegistry) GetStats(service schema.ServiceID) BreakerStats {
	sb := r.getOrCreate(service)
	state := sb.cb.State()
	counts := sb.cb.Counts()
	stats := BreakerStats{
		Service:              service,
		State:                circuitStateOf(state).String(),
		ConsecutiveFailures:  counts.ConsecutiveFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		Requests:             counts.Requests,
		TotalFailures:        counts.TotalFailures,
		FailureThreshold:     sb.config.FailureThreshold,
		ResetTimeout:         sb.config.ResetTimeout.String(),
	}
	if ns := sb.lastFailure.Load(); ns != 0 {
		ts := time.Unix(0, ns)
		stats.LastFailure = &ts
	}
	return stats
}

// Services lists the services that currently have a breaker.
func (r *CircuitBreakerRegistry) Services() []schema.ServiceID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]schema.ServiceID, 0, len(r.breakers))
	for id := range r.breakers {
		out = append(out, id)
	}
	return out
}

func (r *CircuitBreakerRegistry) getOrCreate(service schema.ServiceID) *serviceBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sb, ok := r.breakers[service]; ok {
		return sb
	}

	cfg, ok := r.overrides[service]
	if !ok {
		cfg = r.config
	}
	sb := &serviceBreaker{config: cfg}
	logger := r.logger

	sb.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(service),
		MaxRequests: uint32(cfg.HalfOpenSuccessThreshold),
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		IsSuccessful: func(err error) bool {
			if countsAsFailure(err) {
				sb.lastFailure.Store(time.Now().UnixNano())
				return false
			}
			return true
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			level := slog.LevelInfo
			if to == gobreaker.StateOpen {
				level = slog.LevelWarn
			}
			logger.Log(context.Background(), level, "circuit breaker state changed",
				slog.String("service", name),
				slog.String("from", circuitStateOf(from).String()),
				slog.String("to", circuitStateOf(to).String()))
			if onChange := r.stateObserver(); onChange != nil {
				onChange(schema.ServiceID(name), circuitStateOf(from), circuitStateOf(to))
			}
		},
	})
	r.breakers[service] = sb
	return sb
}

// countsAsFailure reports whether err reflects on the health of the service.
// Rejected input and caller cancellation do not.
func countsAsFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return !schema.HasCode(err, schema.ErrCodeValidation) && !schema.HasCode(err, schema.ErrCodeCancelled)
}

// Package metrics exports engine measurements to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/conductor/internal/engine"
	"github.com/rendis/conductor/pkg/schema"
)

const namespace = "conductor"

// Registry implements engine.Instrumentation. Each Registry owns its own
// prometheus.Registry.
type Registry struct {
	reg *prometheus.Registry

	executions       *prometheus.CounterVec
	executionSeconds *prometheus.HistogramVec
	steps            *prometheus.CounterVec
	gatewayCalls     *prometheus.CounterVec
	gatewaySeconds   *prometheus.HistogramVec
	breakerState     *prometheus.GaugeVec
	active           prometheus.Gauge
}

var _ engine.Instrumentation = (*Registry)(nil)

// Options controls optional collectors.
type Options struct {
	// Runtime adds the Go runtime and process collectors.
	Runtime bool
}

// New creates a Registry with every conductor metric registered.
func New(opts Options) *Registry {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	r := &Registry{
		reg: reg,
		executions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Finished workflow executions by terminal state.",
		}, []string{"workflow", "status"}),
		executionSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall time of finished workflow executions.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"workflow"}),
		steps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Finished steps by status.",
		}, []string{"workflow", "step", "status"}),
		gatewayCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_calls_total",
			Help:      "Gateway calls by outcome.",
		}, []string{"service", "operation", "outcome"}),
		gatewaySeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_call_duration_seconds",
			Help:      "Gateway call latency including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}, []string{"service"}),
		active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_executions",
			Help:      "Executions accepted and not yet terminal.",
		}),
	}
	if opts.Runtime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return r
}

// Registerer exposes the underlying registry for extra collectors.
func (r *Registry) Registerer() prometheus.Registerer {
	return r.reg
}

// Gatherer exposes the underlying registry for tests and custom handlers.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// WatchPool exports the worker pool counters as gauges read on scrape.
func (r *Registry) WatchPool(pool func() engine.PoolMetrics) {
	for name, read := range map[string]func(engine.PoolMetrics) int64{
		"pool_queued": func(m engine.PoolMetrics) int64 { return m.Queued },
		"pool_active": func(m engine.PoolMetrics) int64 { return m.Active },
	} {
		r.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      "Worker pool " + name[len("pool_"):] + " runs.",
		}, func() float64 { return float64(read(pool())) }))
	}
}

func (r *Registry) GatewayCall(service schema.ServiceID, operation, outcome string, elapsed time.Duration) {
	r.gatewayCalls.WithLabelValues(string(service), operation, outcome).Inc()
	r.gatewaySeconds.WithLabelValues(string(service)).Observe(elapsed.Seconds())
}

func (r *Registry) BreakerState(service schema.ServiceID, state engine.CircuitState) {
	r.breakerState.WithLabelValues(string(service)).Set(float64(state))
}

func (r *Registry) ExecutionStarted(string) {
	r.active.Inc()
}

func (r *Registry) ExecutionFinished(workflowID string, state schema.ExecutionState, elapsed time.Duration) {
	r.active.Dec()
	r.executions.WithLabelValues(workflowID, string(state)).Inc()
	r.executionSeconds.WithLabelValues(workflowID).Observe(elapsed.Seconds())
}

func (r *Registry) StepFinished(workflowID, stepID string, status schema.StepStatus) {
	r.steps.WithLabelValues(workflowID, stepID, string(status)).Inc()
}

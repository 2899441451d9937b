package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/searchktools/hello-server/core/router"
)

// Recorder receives one observation per handled request
type Recorder interface {
	ObserveRequest(kind router.Kind, status int, d time.Duration)
}

// LifecycleRecorder receives worker pool events from the supervisor
type LifecycleRecorder interface {
	WorkerStarted()
	WorkerExited(cause string)
	WorkerRestarted()
}

// MetricsConfig configures the Prometheus collectors
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "hello").
	Namespace string

	// ConstLabels are added to every collector, e.g. {"mode": "thread"}.
	ConstLabels prometheus.Labels

	// Buckets are the request duration histogram buckets.
	Buckets []float64

	// Registry is the registerer collectors are created in.
	// Default: a fresh prometheus.Registry owned by the Metrics value.
	Registry prometheus.Registerer
}

// MetricsOption configures the Prometheus collectors
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithRegistry sets the Prometheus registerer.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "hello",
		// sub-millisecond heavy: a benchmark server answers in microseconds
		Buckets: []float64{.00001, .00005, .0001, .00025, .0005, .001, .005, .01, .05, .1},
	}
}

// Metrics implements Recorder and LifecycleRecorder on Prometheus collectors
type Metrics struct {
	gatherer prometheus.Gatherer

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	workersAlive    prometheus.Gauge
	workerExits     *prometheus.CounterVec
	workerRestarts  prometheus.Counter
}

// NewMetrics creates and registers the collectors
func NewMetrics(opts ...MetricsOption) *Metrics {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}

	m := &Metrics{}
	if config.Registry == nil {
		reg := prometheus.NewRegistry()
		config.Registry = reg
		m.gatherer = reg
	} else if g, ok := config.Registry.(prometheus.Gatherer); ok {
		m.gatherer = g
	}

	factory := promauto.With(config.Registry)

	m.requestsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace:   config.Namespace,
		Name:        "requests_total",
		Help:        "Total number of HTTP requests handled, by route and status",
		ConstLabels: config.ConstLabels,
	}, []string{"route", "status"})

	m.requestDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   config.Namespace,
		Name:        "request_duration_seconds",
		Help:        "Time from parsed request to encoded response",
		ConstLabels: config.ConstLabels,
		Buckets:     config.Buckets,
	}, []string{"route"})

	m.workersAlive = factory.NewGauge(prometheus.GaugeOpts{
		Namespace:   config.Namespace,
		Name:        "workers_alive",
		Help:        "Number of workers currently running",
		ConstLabels: config.ConstLabels,
	})

	m.workerExits = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace:   config.Namespace,
		Name:        "worker_exits_total",
		Help:        "Total worker terminations by cause",
		ConstLabels: config.ConstLabels,
	}, []string{"cause"})

	m.workerRestarts = factory.NewCounter(prometheus.CounterOpts{
		Namespace:   config.Namespace,
		Name:        "worker_restarts_total",
		Help:        "Total replacement workers spawned after an exit",
		ConstLabels: config.ConstLabels,
	})

	return m
}

// Gatherer returns the gatherer backing these collectors, nil if the
// configured registerer cannot gather.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.gatherer
}

// ObserveRequest records a handled request
func (m *Metrics) ObserveRequest(kind router.Kind, status int, d time.Duration) {
	route := kind.String()
	m.requestsTotal.WithLabelValues(route, statusLabel(status)).Inc()
	if d > 0 {
		m.requestDuration.WithLabelValues(route).Observe(d.Seconds())
	}
}

// WorkerStarted increments the alive gauge
func (m *Metrics) WorkerStarted() {
	m.workersAlive.Inc()
}

// WorkerExited decrements the alive gauge and counts the cause
func (m *Metrics) WorkerExited(cause string) {
	m.workersAlive.Dec()
	m.workerExits.WithLabelValues(cause).Inc()
}

// WorkerRestarted counts a replacement spawn
func (m *Metrics) WorkerRestarted() {
	m.workerRestarts.Inc()
}

func statusLabel(status int) string {
	switch status {
	case 200:
		return "200"
	case 404:
		return "404"
	case 400:
		return "400"
	default:
		return strconv.Itoa(status)
	}
}

// Nop discards every observation
type Nop struct{}

func (Nop) ObserveRequest(router.Kind, int, time.Duration) {}
func (Nop) WorkerStarted()                                 {}
func (Nop) WorkerExited(string)                            {}
func (Nop) WorkerRestarted()                               {}

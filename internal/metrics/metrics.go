// =============================================================================
// OBSERVABILITY WITH PROMETHEUS - CORE METRICS INFRASTRUCTURE
// =============================================================================
//
// Logs (slog) say what happened, replay spans (OpenTelemetry) say where a
// replay spent its time, and the metrics here say how much and how often.
//
// WHERE THE NUMBERS COME FROM:
//
//   ┌──────────────────────────────────────────────────────────────────────┐
//   │   PUSHED BY EVENTS                     PULLED AT SCRAPE TIME         │
//   │                                                                      │
//   │   address.Observer ──► AddressMetrics  AddressCollector ◄── broker   │
//   │     publish outcome                      size, pages, dup cache,     │
//   │     paging on/off                        limit %, queues, paused     │
//   │     blocked/unblocked                                                │
//   │     corrupt record                     RetentionCollector ◄── log    │
//   │                                          segments, bytes             │
//   │   broker replay hook ──► ReplayMetrics                               │
//   │   api middleware     ──► HTTPMetrics                                 │
//   └──────────────────────────────────────────────────────────────────────┘
//
// Gauges that mirror state the broker already tracks are collected at
// scrape time so they can never drift from the source.
//
// NAMING CONVENTIONS:
//
//   {namespace}_{subsystem}_{name}_{unit}
//
//   - addrbroker_address_messages_published_total
//   - addrbroker_address_size_bytes
//   - addrbroker_replay_duration_seconds
//
// LABELS:
// address is the only unbounded label and is bounded by the number of
// addresses on the node. Message ids never become labels.
//
// =============================================================================

package metrics

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// =============================================================================
// METRICS REGISTRY
// =============================================================================

// Registry holds all broker metrics and the Prometheus registry.
type Registry struct {
	promRegistry *prometheus.Registry
	config       Config
	logger       *slog.Logger
	enabled      bool

	Address *AddressMetrics
	Replay  *ReplayMetrics
	HTTP    *HTTPMetrics
}

// Config holds metrics configuration.
type Config struct {
	// Enabled turns metrics collection on/off
	// When disabled, all metric operations are no-ops
	Enabled bool

	// Namespace is the prefix for all metrics (default: "addrbroker")
	Namespace string

	// IncludeGoCollector adds Go runtime metrics (goroutines, GC, memory)
	IncludeGoCollector bool

	// IncludeProcessCollector adds process metrics (CPU, memory, file descriptors)
	IncludeProcessCollector bool

	// HistogramBuckets for latency measurements (in seconds)
	HistogramBuckets []float64
}

// DefaultConfig returns sensible defaults for metrics configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:                 true,
		Namespace:               "addrbroker",
		IncludeGoCollector:      true,
		IncludeProcessCollector: true,
		HistogramBuckets: []float64{
			0.0005, // 0.5ms
			0.001,
			0.005,
			0.01,
			0.05,
			0.1,
			0.5,
			1,
			5,
			30, // long replays
			120,
		},
	}
}

// =============================================================================
// GLOBAL REGISTRY
// =============================================================================
//
// Init/Get give the server binary one registry; tests build their own with
// NewRegistry.
//

var (
	globalRegistry *Registry
	globalOnce     sync.Once
)

// Init initializes the global metrics registry with the given config.
// Should be called once at application startup.
func Init(config Config) *Registry {
	globalOnce.Do(func() {
		globalRegistry = NewRegistry(config)
	})
	return globalRegistry
}

// Get returns the global metrics registry.
// Returns nil if Init() was not called.
func Get() *Registry {
	return globalRegistry
}

// =============================================================================
// REGISTRY CREATION
// =============================================================================

// NewRegistry creates a new metrics registry.
func NewRegistry(config Config) *Registry {
	logger := slog.Default().With("component", "metrics")

	r := &Registry{
		promRegistry: prometheus.NewRegistry(),
		config:       config,
		logger:       logger,
		enabled:      config.Enabled,
	}

	if !config.Enabled {
		logger.Info("metrics collection disabled")
		return r
	}

	if config.IncludeGoCollector {
		r.promRegistry.MustRegister(collectors.NewGoCollector())
	}
	if config.IncludeProcessCollector {
		r.promRegistry.MustRegister(collectors.NewProcessCollector(
			collectors.ProcessCollectorOpts{},
		))
	}

	r.Address = newAddressMetrics(r)
	r.Replay = newReplayMetrics(r)
	r.HTTP = newHTTPMetrics(r)

	logger.Info("metrics registry initialized", "namespace", config.Namespace)
	return r
}

// =============================================================================
// HTTP HANDLER
// =============================================================================

// Handler returns an HTTP handler for the /metrics endpoint.
func (r *Registry) Handler() http.Handler {
	if !r.enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("# Metrics disabled\n"))
		})
	}

	return promhttp.HandlerFor(r.promRegistry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorLog:          &promLogger{logger: r.logger},
		Registry:          r.promRegistry,
	})
}

// promLogger adapts slog to Prometheus error logging interface.
type promLogger struct {
	logger *slog.Logger
}

func (l *promLogger) Println(v ...interface{}) {
	l.logger.Error("prometheus handler error", "error", v)
}

// =============================================================================
// UTILITY METHODS
// =============================================================================

func (r *Registry) Enabled() bool {
	return r.enabled
}

func (r *Registry) Namespace() string {
	return r.config.Namespace
}

// PrometheusRegistry returns the underlying Prometheus registry.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.promRegistry
}

// MustRegister registers extra collectors (see AddressCollector). It is a
// no-op when metrics are disabled.
func (r *Registry) MustRegister(cs ...prometheus.Collector) {
	if !r.enabled {
		return
	}
	r.promRegistry.MustRegister(cs...)
}

// =============================================================================
// METRIC REGISTRATION HELPERS
// =============================================================================

func (r *Registry) newCounterVec(opts prometheus.CounterOpts, labelNames []string) *prometheus.CounterVec {
	opts.Namespace = r.config.Namespace
	counterVec := prometheus.NewCounterVec(opts, labelNames)
	r.promRegistry.MustRegister(counterVec)
	return counterVec
}

func (r *Registry) newGaugeVec(opts prometheus.GaugeOpts, labelNames []string) *prometheus.GaugeVec {
	opts.Namespace = r.config.Namespace
	gaugeVec := prometheus.NewGaugeVec(opts, labelNames)
	r.promRegistry.MustRegister(gaugeVec)
	return gaugeVec
}

func (r *Registry) newHistogramVec(opts prometheus.HistogramOpts, labelNames []string) *prometheus.HistogramVec {
	opts.Namespace = r.config.Namespace
	if opts.Buckets == nil {
		opts.Buckets = r.config.HistogramBuckets
	}
	histogramVec := prometheus.NewHistogramVec(opts, labelNames)
	r.promRegistry.MustRegister(histogramVec)
	return histogramVec
}

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer measures the duration of an operation.
type Timer struct {
	start    time.Time
	observer prometheus.Observer
}

// NewTimer creates a new timer that will observe the given histogram.
func NewTimer(observer prometheus.Observer) *Timer {
	return &Timer{
		start:    time.Now(),
		observer: observer,
	}
}

// ObserveDuration records the elapsed time since the timer was created.
func (t *Timer) ObserveDuration() time.Duration {
	elapsed := time.Since(t.start)
	if t.observer != nil {
		t.observer.Observe(elapsed.Seconds())
	}
	return elapsed
}

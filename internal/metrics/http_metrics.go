package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// HTTPMetrics tracks the management API.
//
// The route label is the chi route pattern ("/addresses/{address}/pause"),
// never the raw path, so address names do not multiply series here.
type HTTPMetrics struct {
	Requests *prometheus.CounterVec
	Duration *prometheus.HistogramVec
	InFlight prometheus.Gauge

	registry *Registry
}

func newHTTPMetrics(r *Registry) *HTTPMetrics {
	m := &HTTPMetrics{registry: r}

	m.Requests = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "API requests by route, method and status code",
		},
		[]string{"route", "method", "code"},
	)

	m.Duration = r.newHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "API request latency",
		},
		[]string{"route", "method"},
	)

	m.InFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: r.config.Namespace,
		Subsystem: "http",
		Name:      "requests_in_flight",
		Help:      "API requests being served",
	})
	r.promRegistry.MustRegister(m.InFlight)

	return m
}

// Middleware instruments a chi router. It must be installed with
// router.Use so the route pattern is resolved by the time it is read.
func (m *HTTPMetrics) Middleware(next http.Handler) http.Handler {
	if m == nil || !m.registry.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.InFlight.Inc()
		defer m.InFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.Requests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		m.Duration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

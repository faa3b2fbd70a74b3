// =============================================================================
// REPLAY METRICS
// =============================================================================
//
//   addrbroker_replay_runs_total{address, result}
//     result: ok | cancelled | rejected | failed
//     rejected covers runs that never started (busy engine, bad filter).
//
//   addrbroker_replay_republished_total{address}
//   addrbroker_replay_corrupt_records_total{address}
//   addrbroker_replay_duration_seconds{address}
//
// =============================================================================

package metrics

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"addrbroker/internal/replay"
)

// ReplayMetrics implements broker.ReplayObserver.
type ReplayMetrics struct {
	Runs        *prometheus.CounterVec
	Republished *prometheus.CounterVec
	Suppressed  *prometheus.CounterVec
	Corrupt     *prometheus.CounterVec
	Duration    *prometheus.HistogramVec

	registry *Registry
}

func newReplayMetrics(r *Registry) *ReplayMetrics {
	m := &ReplayMetrics{registry: r}

	m.Runs = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "replay",
			Name:      "runs_total",
			Help:      "Replay runs by result",
		},
		[]string{"address", "result"},
	)

	m.Republished = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "replay",
			Name:      "republished_total",
			Help:      "Messages republished by replay",
		},
		[]string{"address"},
	)

	m.Suppressed = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "replay",
			Name:      "suppressed_total",
			Help:      "Replayed messages the target accepted without storing (duplicate, unrouted, dropped)",
		},
		[]string{"address"},
	)

	m.Corrupt = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "replay",
			Name:      "corrupt_records_total",
			Help:      "Retention records skipped by replay because they failed their checksum",
		},
		[]string{"address"},
	)

	m.Duration = r.newHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: "replay",
			Name:      "duration_seconds",
			Help:      "Wall time of replay runs that started",
		},
		[]string{"address"},
	)

	return m
}

// ReplayFinished records one run. Partial progress of a failed or
// cancelled run still counts.
func (m *ReplayMetrics) ReplayFinished(source string, res replay.Result, err error) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.Runs.WithLabelValues(source, replayResult(res, err)).Inc()
	if res.RunID == "" {
		return
	}
	m.Republished.WithLabelValues(source).Add(float64(res.Republished))
	m.Suppressed.WithLabelValues(source).Add(float64(res.Suppressed))
	m.Corrupt.WithLabelValues(source).Add(float64(res.Corrupt))
	m.Duration.WithLabelValues(source).Observe(res.Duration.Seconds())
}

func replayResult(res replay.Result, err error) string {
	switch {
	case err == nil:
		return "ok"
	case res.RunID == "":
		return "rejected"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "failed"
	}
}

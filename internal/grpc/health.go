// =============================================================================
// HEALTH SYNC - BROKER STATE INTO THE gRPC HEALTH TABLE
// =============================================================================
//
// SERVICE NAMES:
//
//   ┌──────────────────────────────┬──────────────────────────────────────┐
//   │ Service                      │ SERVING when                         │
//   ├──────────────────────────────┼──────────────────────────────────────┤
//   │ "" (overall)                 │ broker open                          │
//   │ "addrbroker.Broker"          │ broker open                          │
//   │ "addrbroker.Address/{name}"  │ broker open and the address is not   │
//   │                              │ blocked                              │
//   └──────────────────────────────┴──────────────────────────────────────┘
//
// A producer-side balancer can watch "addrbroker.Address/orders" and stop
// routing to a node whose orders address has reached its high watermark.
// Deleted addresses report SERVICE_UNKNOWN again.
//
// KUBERNETES INTEGRATION:
//
//   readinessProbe:
//     grpc:
//       port: 9000
//       service: "addrbroker.Broker"
//
// =============================================================================

package grpc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"addrbroker/internal/broker"
)

const (
	// ServiceBroker is the whole-broker service name.
	ServiceBroker = "addrbroker.Broker"

	// AddressServicePrefix prefixes per-address service names.
	AddressServicePrefix = "addrbroker.Address/"
)

// AddressService returns the health service name of an address.
func AddressService(name string) string {
	return AddressServicePrefix + name
}

// HealthSync copies broker state into a health.Server.
type HealthSync struct {
	broker *broker.Broker
	health *health.Server
	logger *slog.Logger

	mu    sync.Mutex
	known map[string]healthpb.HealthCheckResponse_ServingStatus
}

func NewHealthSync(b *broker.Broker, hs *health.Server, logger *slog.Logger) *HealthSync {
	return &HealthSync{
		broker: b,
		health: hs,
		logger: logger,
		known:  make(map[string]healthpb.HealthCheckResponse_ServingStatus),
	}
}

// Run syncs every interval until ctx is done.
func (h *HealthSync) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Sync()
		}
	}
}

// Sync performs one pass. Only changed statuses are written, so Watch
// streams see transitions and nothing else.
func (h *HealthSync) Sync() {
	h.mu.Lock()
	defer h.mu.Unlock()

	next := make(map[string]healthpb.HealthCheckResponse_ServingStatus)

	open := h.broker != nil && !h.broker.IsClosed()
	overall := healthpb.HealthCheckResponse_NOT_SERVING
	if open {
		overall = healthpb.HealthCheckResponse_SERVING
	}
	next[""] = overall
	next[ServiceBroker] = overall

	if open {
		for _, info := range h.broker.AddressInfos() {
			st := healthpb.HealthCheckResponse_SERVING
			if info.Blocked {
				st = healthpb.HealthCheckResponse_NOT_SERVING
			}
			next[AddressService(info.Address)] = st
		}
	}

	for svc, st := range next {
		if prev, ok := h.known[svc]; ok && prev == st {
			continue
		}
		h.health.SetServingStatus(svc, st)
		if svc != "" {
			h.logger.Debug("health status changed", "service", svc, "status", st.String())
		}
	}
	// Deleted addresses report SERVICE_UNKNOWN to Check and Watch alike.
	for svc := range h.known {
		if _, ok := next[svc]; !ok {
			h.health.SetServingStatus(svc, healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
		}
	}
	h.known = next
}

// =============================================================================
// HTTP API SERVER - MANAGEMENT INTERFACE FOR ADDRBROKER
// =============================================================================
//
// WHAT IS THIS?
// The operator's view of the broker. Every address.Control operation has a
// route here, next to the plumbing needed to drive an address end to end
// (publish, bind, consume, ack).
//
// ENDPOINT OVERVIEW:
//
//   ADDRESSES
//   POST   /addresses                              Create an address
//   GET    /addresses                              List names (?verbose=true → infos)
//   GET    /addresses/{address}                    Info snapshot
//   DELETE /addresses/{address}                    Delete (?force=true with bindings)
//   GET    /addresses/{address}/settings           Effective address-settings
//
//   MESSAGES & BINDINGS
//   POST   /addresses/{address}/messages                    Publish message(s)
//   POST   /addresses/{address}/bindings                    Bind a queue
//   DELETE /addresses/{address}/bindings/{queue}            Unbind a queue
//   GET    /addresses/{address}/queues/{queue}/messages     Consume (?max=N)
//   POST   /addresses/{address}/queues/{queue}/ack          Ack delivery tags
//
//   CONTROL
//   POST   /addresses/{address}/pause              {"persist": bool}
//   POST   /addresses/{address}/resume
//   POST   /addresses/{address}/purge
//   POST   /addresses/{address}/block
//   POST   /addresses/{address}/unblock
//   DELETE /addresses/{address}/duplicate-cache
//   POST   /addresses/{address}/page-cleanup
//   GET    /addresses/{address}/limit-percent
//   POST   /addresses/{address}/reset-counters
//   POST   /addresses/{address}/send-message
//   POST   /addresses/{address}/replay             dates optional
//   GET    /addresses/{address}/replay             engine state
//
//   ADMIN
//   PUT    /global-max-size       {"bytes": N}
//   GET    /stats                 Broker statistics
//   GET    /health /healthz /readyz /livez /version
//   GET    /metrics               Prometheus (when a registry is given)
//
// AUTHENTICATION:
//   With an enabled security.Authenticator every route except the health
//   probes, /version and the metrics scrape needs an API key, and each
//   route group needs a permission (address:read, control:write, ...).
//
// ERROR MAPPING:
//
//   ┌───────────────────────────────┬──────────────────────────────┐
//   │ error                         │ status                       │
//   ├───────────────────────────────┼──────────────────────────────┤
//   │ malformed request             │ 400 Bad Request              │
//   │ broker.ErrAddressNotFound     │ 404 Not Found                │
//   │ broker.ErrAddressExists       │ 409 Conflict                 │
//   │ address.ErrInvalidState       │ 409 Conflict                 │
//   │ address.ErrBlocked            │ 503 Service Unavailable      │
//   │ address.ErrSegmentUnavailable │ 503 Service Unavailable      │
//   │ broker.ErrBrokerClosed        │ 503 Service Unavailable      │
//   │ address.ErrCapacityExceeded   │ 507 Insufficient Storage     │
//   │ anything else                 │ 500 Internal Server Error    │
//   └───────────────────────────────┴──────────────────────────────┘
//
// The error body carries the domain kind so clients need not parse text:
//   {"error": "...", "kind": "Blocked", "status": 503}
//
// =============================================================================

package api

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"addrbroker/internal/address"
	"addrbroker/internal/broker"
	"addrbroker/internal/metrics"
	"addrbroker/internal/security"
)

// =============================================================================
// API SERVER
// =============================================================================

// Server is the HTTP management server.
type Server struct {
	broker     *broker.Broker
	httpServer *http.Server
	router     *chi.Mux
	handler    http.Handler
	metrics    *metrics.Registry
	auth       *security.Authenticator
	tlsConfig  *tls.Config
	logger     *slog.Logger

	metricsPath string
	wg          sync.WaitGroup
}

// ServerConfig holds API server configuration.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Metrics mounts the scrape endpoint and instruments every route.
	// Optional.
	Metrics *metrics.Registry

	// MetricsPath is where Metrics is mounted; empty means /metrics.
	MetricsPath string

	// TracerProvider enables otelhttp server spans. Nil disables them.
	TracerProvider trace.TracerProvider

	// Auth guards the management routes. Nil leaves them open.
	Auth *security.Authenticator

	// TLS serves HTTPS when set.
	TLS *tls.Config

	Logger *slog.Logger
}

// DefaultServerConfig returns sensible defaults. WriteTimeout bounds a
// synchronous replay as well, so it is longer than a plain API would use.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         ":8080",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
}

// NewServer creates a new API server.
func NewServer(b *broker.Broker, config ServerConfig) *Server {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	r := chi.NewRouter()

	s := &Server{
		broker:  b,
		router:  r,
		metrics:   config.Metrics,
		auth:      config.Auth,
		tlsConfig: config.TLS,
		logger:    logger.With("component", "api"),

		metricsPath: config.MetricsPath,
	}
	if s.metricsPath == "" {
		s.metricsPath = "/metrics"
	}

	// Set up middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if s.metrics != nil {
		r.Use(s.metrics.HTTP.Middleware)
	}
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	s.registerRoutes()

	s.handler = r
	if config.TracerProvider != nil {
		s.handler = otelhttp.NewHandler(r, "addrbroker.api",
			otelhttp.WithTracerProvider(config.TracerProvider),
			otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
				return req.Method + " " + req.URL.Path
			}),
		)
	}

	s.httpServer = &http.Server{
		Addr:         config.Addr,
		Handler:      s.handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return s
}

// registerRoutes sets up all API endpoints using chi router.
func (s *Server) registerRoutes() {
	// Open: probes and scrapes
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)
	s.router.Get("/livez", s.handleLivez)
	s.router.Get("/version", s.handleVersion)
	if s.metrics != nil {
		s.router.Method(http.MethodGet, s.metricsPath, s.metrics.Handler())
	}

	s.router.Group(func(r chi.Router) {
		if s.auth != nil {
			r.Use(s.auth.Middleware)
		}

		r.With(s.require(security.PermAddressRead)).Get("/stats", s.handleStats)
		r.With(s.require(security.PermBrokerAdmin)).Put("/global-max-size", s.setGlobalMaxSize)

		r.Route("/addresses", func(r chi.Router) {
			r.With(s.require(security.PermAddressManage)).Post("/", s.createAddress)
			r.With(s.require(security.PermAddressRead)).Get("/", s.listAddresses)

			r.Route("/{address}", func(r chi.Router) {
				read := r.With(s.require(security.PermAddressRead))
				read.Get("/", s.getAddress)
				read.Get("/settings", s.getSettings)
				read.Get("/limit-percent", s.limitPercent)
				read.Get("/replay", s.replayState)

				manage := r.With(s.require(security.PermAddressManage))
				manage.Delete("/", s.deleteAddress)
				manage.Post("/bindings", s.bindQueue)
				manage.Delete("/bindings/{queue}", s.unbindQueue)

				// Messages
				publish := r.With(s.require(security.PermMessagePublish))
				publish.Post("/messages", s.publishMessages)
				publish.Post("/send-message", s.sendMessage)

				consume := r.With(s.require(security.PermMessageConsume))
				consume.Get("/queues/{queue}/messages", s.consumeMessages)
				consume.Post("/queues/{queue}/ack", s.ackMessages)

				// Control
				control := r.With(s.require(security.PermControlWrite))
				control.Post("/pause", s.pauseAddress)
				control.Post("/resume", s.resumeAddress)
				control.Post("/purge", s.purgeAddress)
				control.Post("/block", s.blockAddress)
				control.Post("/unblock", s.unblockAddress)
				control.Delete("/duplicate-cache", s.clearDuplicateCache)
				control.Post("/page-cleanup", s.schedulePageCleanup)
				control.Post("/reset-counters", s.resetCounters)

				r.With(s.require(security.PermReplayRun)).Post("/replay", s.replay)
			})
		})
	})
}

// require is a no-op without an Authenticator.
func (s *Server) require(perm security.Permission) func(http.Handler) http.Handler {
	if s.auth == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return s.auth.Require(perm)
}

// loggingMiddleware logs all HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWrapper{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start).String(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type responseWrapper struct {
	http.ResponseWriter
	status int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// =============================================================================
// SERVER LIFECYCLE
// =============================================================================

// Handler returns the full handler chain, tracing included.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins listening for HTTP requests (non-blocking). The listener is
// bound before Start returns so a bad address fails fast.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}
	s.logger.Info("starting HTTP API server",
		"addr", ln.Addr().String(),
		"tls", s.tlsConfig != nil,
		"auth", s.auth != nil && s.auth.Enabled(),
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	err := s.httpServer.Shutdown(ctx)
	s.wg.Wait()
	return err
}

// =============================================================================
// STATS & ADMIN HANDLERS
// =============================================================================

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.broker.Stats()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"node_id":          stats.NodeID,
		"uptime":           stats.Uptime.String(),
		"addresses":        stats.Addresses,
		"total_size_bytes": stats.TotalSize,
		"global_max_size":  stats.GlobalMaxSize,
		"paging":           stats.Paging,
		"blocked":          stats.Blocked,
		"paused":           stats.Paused,
	})
}

// GlobalMaxSizeRequest is the body of PUT /global-max-size.
type GlobalMaxSizeRequest struct {
	Bytes int64 `json:"bytes"`
}

func (s *Server) setGlobalMaxSize(w http.ResponseWriter, r *http.Request) {
	var req GlobalMaxSizeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Bytes < 0 {
		s.errorResponse(w, http.StatusBadRequest, "bytes must be >= 0")
		return
	}
	s.broker.SetGlobalMaxSize(req.Bytes)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"global_max_size": req.Bytes})
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

// decode reads a JSON body. An empty body leaves v untouched.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"error":  message,
		"status": status,
	})
}

// writeError maps a broker or address error to a status code.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := map[string]interface{}{
		"error":  err.Error(),
		"status": status,
	}
	if kind := address.KindOf(err); kind != address.KindUnknown {
		body["kind"] = kind.String()
	}
	if status >= 500 && status != http.StatusServiceUnavailable {
		s.logger.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, broker.ErrAddressNotFound):
		return http.StatusNotFound
	case errors.Is(err, broker.ErrAddressExists):
		return http.StatusConflict
	case errors.Is(err, broker.ErrBrokerClosed):
		return http.StatusServiceUnavailable
	}
	switch address.KindOf(err) {
	case address.KindInvalidState:
		return http.StatusConflict
	case address.KindBlocked, address.KindSegmentUnavailable:
		return http.StatusServiceUnavailable
	case address.KindCapacityExceeded:
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

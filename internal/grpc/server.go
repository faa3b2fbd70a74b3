// =============================================================================
// gRPC SERVER - HEALTH AND DISCOVERY FOR ADDRBROKER
// =============================================================================
//
// WHAT IS THIS?
// The gRPC listener carries the standard grpc.health.v1 protocol (plus
// reflection for grpcurl). Load balancers and Kubernetes grpc probes ask it
// whether the node, or one address on it, can take traffic. Management
// stays on the HTTP API.
//
// ARCHITECTURE:
//
//   ┌──────────────────────────────────────────────────────────────────────┐
//   │   grpc.health.v1.Health/Check  ─┐                                    │
//   │   grpc.health.v1.Health/Watch  ─┼──► health.Server (status table)    │
//   │                                 │          ▲                         │
//   │                                 │          │ SetServingStatus        │
//   │                                 │   ┌──────┴───────┐  every interval │
//   │                                 │   │ HealthSync   │ ◄── broker      │
//   │                                 │   └──────────────┘     state       │
//   │   reflection (optional)        ─┘                                    │
//   └──────────────────────────────────────────────────────────────────────┘
//
// PORT CONFIGURATION:
//   - HTTP API: :8080 (management, metrics, probes)
//   - gRPC:     :9000 (health, reflection)
//
// =============================================================================

package grpc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"addrbroker/internal/broker"
)

// =============================================================================
// SERVER CONFIGURATION
// =============================================================================

// ServerConfig holds gRPC server configuration.
type ServerConfig struct {
	// Address to listen on (e.g., ":9000")
	Address string

	// MaxConcurrentStreams per connection. Health Watch streams are the
	// only long-lived ones.
	MaxConcurrentStreams uint32

	// Keepalive settings
	KeepaliveTime    time.Duration // How often to ping if no activity
	KeepaliveTimeout time.Duration // How long to wait for ping response

	// HealthInterval is how often broker state is copied into the health
	// status table.
	HealthInterval time.Duration

	// EnableReflection enables gRPC reflection for debugging tools
	EnableReflection bool

	// TLS serves with transport credentials when set.
	TLS *tls.Config

	Logger *slog.Logger
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:              ":9000",
		MaxConcurrentStreams: 100,
		KeepaliveTime:        30 * time.Second,
		KeepaliveTimeout:     10 * time.Second,
		HealthInterval:       time.Second,
		EnableReflection:     true,
	}
}

// =============================================================================
// SERVER STRUCT
// =============================================================================

// Server is the gRPC server.
type Server struct {
	config     ServerConfig
	broker     *broker.Broker
	grpcServer *grpc.Server
	health     *health.Server
	sync       *HealthSync
	logger     *slog.Logger

	// mu protects server state
	mu       sync.RWMutex
	running  bool
	listener net.Listener
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewServer creates a new gRPC server. Nothing listens until Start or
// Serve.
func NewServer(b *broker.Broker, config ServerConfig) *Server {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	logger = logger.With("component", "grpc")

	opts := []grpc.ServerOption{
		grpc.MaxConcurrentStreams(config.MaxConcurrentStreams),

		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    config.KeepaliveTime,
			Timeout: config.KeepaliveTimeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			PermitWithoutStream: true,
			MinTime:             10 * time.Second,
		}),

		grpc.ChainUnaryInterceptor(
			unaryLoggingInterceptor(logger),
			unaryRecoveryInterceptor(logger),
		),
		grpc.ChainStreamInterceptor(
			streamLoggingInterceptor(logger),
			streamRecoveryInterceptor(logger),
		),
	}

	if config.TLS != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(config.TLS)))
	}

	grpcServer := grpc.NewServer(opts...)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)

	if config.EnableReflection {
		reflection.Register(grpcServer)
	}

	return &Server{
		config:     config,
		broker:     b,
		grpcServer: grpcServer,
		health:     hs,
		sync:       NewHealthSync(b, hs, logger),
		logger:     logger,
	}
}

// =============================================================================
// SERVER LIFECYCLE
// =============================================================================

// Start listens on the configured address and serves until Stop. It
// blocks; run it in a goroutine.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	return s.Serve(listener)
}

// Serve serves on an existing listener until Stop.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		listener.Close()
		return errors.New("server already running")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.listener = listener
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	// First sync before accepting, so no probe sees an empty table.
	s.sync.Sync()
	go func() {
		defer close(s.done)
		s.sync.Run(ctx, s.config.HealthInterval)
	}()

	s.logger.Info("gRPC server starting",
		"address", listener.Addr().String(),
		"reflection", s.config.EnableReflection,
	)
	err := s.grpcServer.Serve(listener)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Stop marks every service NOT_SERVING, so Watch streams see the change,
// then waits for in-flight RPCs.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	s.logger.Info("gRPC server stopping...")

	cancel()
	<-done
	s.health.Shutdown()
	s.grpcServer.GracefulStop()

	s.logger.Info("gRPC server stopped")
}

// Address returns the address the server is listening on.
// Useful when using port 0 for dynamic port assignment.
func (s *Server) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Address
}

// =============================================================================
// INTERCEPTORS (MIDDLEWARE)
// =============================================================================
//
// EXECUTION ORDER (ChainUnaryInterceptor):
//   Request → Logging → Recovery → Handler
//   Response ← Logging ← Recovery ← Handler
//
// Health checks arrive every few seconds from every probe, so successful
// calls log at DEBUG.
//

func unaryLoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		level := slog.LevelDebug
		if err != nil {
			level = slog.LevelWarn
		}
		logger.Log(ctx, level, "gRPC unary",
			"method", info.FullMethod,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return resp, err
	}
}

// unaryRecoveryInterceptor catches panics and converts them to errors.
func unaryRecoveryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("gRPC panic recovered",
					"method", info.FullMethod,
					"panic", r,
				)
				err = status.Errorf(codes.Internal, "internal server error")
			}
		}()
		return handler(ctx, req)
	}
}

func streamLoggingInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		start := time.Now()
		err := handler(srv, ss)

		level := slog.LevelDebug
		if err != nil && status.Code(err) != codes.Canceled {
			level = slog.LevelWarn
		}
		logger.Log(ss.Context(), level, "gRPC stream",
			"method", info.FullMethod,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return err
	}
}

// streamRecoveryInterceptor catches panics in streaming RPCs.
func streamRecoveryInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("gRPC stream panic recovered",
					"method", info.FullMethod,
					"panic", r,
				)
				err = status.Errorf(codes.Internal, "internal server error")
			}
		}()
		return handler(srv, ss)
	}
}

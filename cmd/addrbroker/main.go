// =============================================================================
// ADDRBROKER MAIN ENTRY POINT
// =============================================================================
//
// Starts one broker node:
//   - loads ADDRBROKER_CONFIG (YAML) and applies ADDRBROKER_* overrides
//   - builds the address-settings repository from the file
//   - opens the broker (journal, page stores, retention log)
//   - serves the HTTP management API and the gRPC health service
//   - hot-reloads address-settings when the file changes
//   - shuts down gracefully on SIGINT/SIGTERM
//
// ENVIRONMENT:
//
//   ADDRBROKER_CONFIG            path to the YAML file (optional)
//   ADDRBROKER_DATA_DIR          broker.data-dir
//   ADDRBROKER_NODE_ID           broker.node-id
//   ADDRBROKER_JOURNAL           broker.journal (leveldb | sqlite | memory)
//   ADDRBROKER_LOG_LEVEL         broker.log-level
//   ADDRBROKER_GLOBAL_MAX_SIZE   broker.global-max-size
//   ADDRBROKER_AUTO_CREATE       broker.auto-create-addresses
//   ADDRBROKER_HTTP_ADDR         http.address
//   ADDRBROKER_GRPC_ADDR         grpc.address
//   ADDRBROKER_METRICS_ENABLED   metrics.enabled
//   ADDRBROKER_TRACING_ENABLED   tracing.enabled
//   ADDRBROKER_TRACING_ENDPOINT  tracing.endpoint
//   ADDRBROKER_RETENTION_ENABLED retention.enabled
//   ADDRBROKER_AUTH_ENABLED      security.auth.enabled
//   ADDRBROKER_API_ROOT_KEY      raw admin API key (never read from the file)
//   ADDRBROKER_TLS_ENABLED       security.tls.enabled
//   ADDRBROKER_TLS_CERT_FILE     security.tls.cert-file
//   ADDRBROKER_TLS_KEY_FILE      security.tls.key-file
//
// =============================================================================

package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/trace"

	"addrbroker/internal/api"
	"addrbroker/internal/broker"
	"addrbroker/internal/config"
	"addrbroker/internal/grpc"
	"addrbroker/internal/metrics"
	"addrbroker/internal/security"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "addrbroker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// -------------------------------------------------------------------------
	// STEP 1: Configuration
	// -------------------------------------------------------------------------
	configPath := os.Getenv("ADDRBROKER_CONFIG")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	logger.Info("starting addrbroker",
		"version", api.Version,
		"commit", api.GitCommit,
		"config", configPath,
		"node_id", cfg.Broker.NodeID,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// -------------------------------------------------------------------------
	// STEP 2: Metrics and tracing
	// -------------------------------------------------------------------------
	// ┌─────────────────────────────────────────────────────────────────────────┐
	// │ The registry exists before the broker so the broker can report flow    │
	// │ and publish outcomes into it from the first address it opens. The      │
	// │ scrape-time collectors need the broker, so they register afterwards.   │
	// └─────────────────────────────────────────────────────────────────────────┘
	var registry *metrics.Registry
	if cfg.Metrics.Enabled {
		registry = metrics.Init(metrics.DefaultConfig())
	}

	var tracerProvider trace.TracerProvider
	if cfg.Tracing.Enabled {
		tp, err := initTracing(ctx, cfg.Tracing, cfg.Broker.NodeID, logger)
		if err != nil {
			return fmt.Errorf("failed to init tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logger.Warn("tracer shutdown failed", "error", err)
			}
		}()
		tracerProvider = tp
		logger.Info("tracing enabled", "endpoint", cfg.Tracing.Endpoint, "sample_ratio", cfg.Tracing.SampleRatio)
	}

	// -------------------------------------------------------------------------
	// STEP 3: Broker
	// -------------------------------------------------------------------------
	defaults, rules := cfg.AddressSettingsRules()
	settings := broker.NewSettingsRepository(defaults)
	for match, s := range rules {
		settings.Set(match, s)
	}

	bc := broker.DefaultBrokerConfig()
	bc.DataDir = cfg.Broker.DataDir
	bc.NodeID = cfg.Broker.NodeID
	bc.JournalBackend = cfg.Broker.Journal
	bc.GlobalMaxSize = cfg.Broker.GlobalMaxSize
	bc.AutoCreateAddresses = cfg.Broker.AutoCreateAddresses
	bc.Settings = settings
	bc.RetentionEnabled = cfg.Retention.Enabled
	bc.Retention = cfg.RetentionConfig()
	bc.TracerProvider = tracerProvider
	bc.Logger = logger
	bc.LogLevel = cfg.SlogLevel()
	if registry != nil {
		bc.Observer = registry.Address
		bc.ReplayObserver = registry.Replay
	}

	b, err := broker.NewBroker(bc)
	if err != nil {
		return fmt.Errorf("failed to create broker: %w", err)
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Error("broker close failed", "error", err)
		}
	}()

	if registry != nil {
		ns := registry.Namespace()
		registry.MustRegister(metrics.NewAddressCollector(ns, b))
		if rl := b.Retention(); rl != nil {
			registry.MustRegister(metrics.NewRetentionCollector(ns, rl))
		}
	}

	// -------------------------------------------------------------------------
	// STEP 4: Listeners
	// -------------------------------------------------------------------------
	auth, tlsConfig, err := buildSecurity(cfg.Security, logger)
	if err != nil {
		return err
	}

	var apiServer *api.Server
	if cfg.HTTP.Enabled {
		sc := api.DefaultServerConfig()
		sc.Addr = cfg.HTTP.Address
		sc.Metrics = registry
		sc.MetricsPath = cfg.Metrics.Path
		sc.TracerProvider = tracerProvider
		sc.Auth = auth
		sc.TLS = tlsConfig
		sc.Logger = logger
		apiServer = api.NewServer(b, sc)
		if err := apiServer.Start(); err != nil {
			return fmt.Errorf("failed to start HTTP API: %w", err)
		}
	}

	var grpcServer *grpc.Server
	grpcErr := make(chan error, 1)
	if cfg.GRPC.Enabled {
		gc := grpc.DefaultServerConfig()
		gc.Address = cfg.GRPC.Address
		gc.TLS = tlsConfig
		gc.Logger = logger
		grpcServer = grpc.NewServer(b, gc)
		go func() {
			grpcErr <- grpcServer.Start()
		}()
	}

	// -------------------------------------------------------------------------
	// STEP 5: Settings hot-reload
	// -------------------------------------------------------------------------
	// Only address-settings are reloaded. Listener, storage and journal
	// changes need a restart.
	if configPath != "" {
		watcher := config.NewWatcher(configPath, func(next *config.Config) {
			if err := next.ApplyEnv(os.LookupEnv); err != nil {
				logger.Warn("ignoring reloaded config", "error", err)
				return
			}
			d, r := next.AddressSettingsRules()
			if err := b.ReloadSettings(d, r); err != nil {
				logger.Error("address-settings reload failed", "error", err)
				return
			}
			logger.Info("address-settings reloaded", "rules", len(r))
		}, logger)
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("config watcher stopped", "error", err)
			}
		}()
	}

	api.GetHealthState().SetReady(true)
	logger.Info("broker ready",
		"http", cfg.HTTP.Address,
		"grpc", cfg.GRPC.Address,
		"journal", cfg.Broker.Journal,
		"data_dir", cfg.Broker.DataDir,
	)

	// -------------------------------------------------------------------------
	// STEP 6: Wait, then shut down in reverse order
	// -------------------------------------------------------------------------
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-grpcErr:
		if err != nil {
			logger.Error("gRPC server failed", "error", err)
		}
	}

	api.GetHealthState().SetReady(false)

	if grpcServer != nil {
		grpcServer.Stop()
	}
	if apiServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := apiServer.Stop(shutdownCtx); err != nil {
			logger.Warn("HTTP API shutdown failed", "error", err)
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// buildSecurity turns the security section into the listener guards.
func buildSecurity(sec config.SecuritySection, logger *slog.Logger) (*security.Authenticator, *tls.Config, error) {
	keys := make([]security.KeySpec, len(sec.Auth.Keys))
	for i, k := range sec.Auth.Keys {
		keys[i] = security.KeySpec{Name: k.Name, KeySHA256: k.KeySHA256, Roles: k.Roles}
	}
	auth, err := security.NewAuthenticator(security.AuthConfig{
		Enabled: sec.Auth.Enabled,
		RootKey: sec.Auth.RootKey,
		Keys:    keys,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up authentication: %w", err)
	}

	tlsConfig, err := security.TLSConfig{
		Enabled:    sec.TLS.Enabled,
		CertFile:   sec.TLS.CertFile,
		KeyFile:    sec.TLS.KeyFile,
		CAFile:     sec.TLS.CAFile,
		ClientAuth: sec.TLS.ClientAuth,
		MinVersion: sec.TLS.MinVersion,
		SelfSigned: sec.TLS.SelfSigned,
		Hosts:      sec.TLS.Hosts,
	}.ServerTLS()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up TLS: %w", err)
	}
	if sec.TLS.Enabled && sec.TLS.SelfSigned && sec.TLS.CertFile == "" {
		logger.Warn("using a self-signed certificate")
	}
	if auth.Enabled() && tlsConfig == nil {
		logger.Warn("API keys are sent in clear text; enable security.tls")
	}
	return auth, tlsConfig, nil
}

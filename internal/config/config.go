// =============================================================================
// CONFIG - THE YAML FILE THE BROKER STARTS FROM
// =============================================================================
//
// EXAMPLE:
//
//   broker:
//     data-dir: /var/lib/addrbroker
//     node-id: node-1
//     journal: leveldb
//     global-max-size: 1073741824
//     auto-create-addresses: true
//     log-level: info
//   http:
//     address: ":8080"
//   grpc:
//     address: ":9000"
//   metrics:
//     enabled: true
//     path: /metrics
//   tracing:
//     enabled: true
//     endpoint: localhost:4318
//     sample-ratio: 0.1
//   retention:
//     enabled: true
//     max-segment-bytes: 67108864
//     max-segment-age: 1h
//     max-age: 168h
//   address-settings:
//     "#":
//       max-size-bytes: 10485760
//     "orders.#":
//       full-policy: BLOCK
//       low-watermark: 4194304
//
// Each address-settings entry overrides only the keys it names; everything
// else comes from the built-in defaults. Entries are not layered on each
// other: "orders.#" above does not inherit from "#".
//
// PRECEDENCE: built-in defaults < file < ADDRBROKER_* environment.
//
// =============================================================================

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"addrbroker/internal/address"
	"addrbroker/internal/storage"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ADDRBROKER_"

// Config is the whole broker configuration file.
type Config struct {
	Broker          BrokerSection              `yaml:"broker"`
	HTTP            ListenerSection            `yaml:"http"`
	GRPC            ListenerSection            `yaml:"grpc"`
	Metrics         MetricsSection             `yaml:"metrics"`
	Tracing         TracingSection             `yaml:"tracing"`
	Retention       RetentionSection           `yaml:"retention"`
	Security        SecuritySection            `yaml:"security"`
	AddressSettings map[string]AddressSettings `yaml:"address-settings"`
}

type BrokerSection struct {
	DataDir             string `yaml:"data-dir"`
	NodeID              string `yaml:"node-id"`
	Journal             string `yaml:"journal"`
	GlobalMaxSize       int64  `yaml:"global-max-size"`
	AutoCreateAddresses bool   `yaml:"auto-create-addresses"`
	LogLevel            string `yaml:"log-level"`
}

type ListenerSection struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type MetricsSection struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingSection configures the OTLP/HTTP span exporter.
type TracingSection struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"service-name"`
	SampleRatio float64 `yaml:"sample-ratio"`
}

type RetentionSection struct {
	Enabled         bool          `yaml:"enabled"`
	MaxSegmentBytes int64         `yaml:"max-segment-bytes"`
	MaxSegmentAge   time.Duration `yaml:"max-segment-age"`
	MaxSegments     int           `yaml:"max-segments"`
	MaxAge          time.Duration `yaml:"max-age"`
}

// SecuritySection covers API keys for the management API and TLS for both
// listeners.
type SecuritySection struct {
	Auth AuthSection `yaml:"auth"`
	TLS  TLSSection  `yaml:"tls"`
}

// AuthSection lists keys by SHA-256 hash. The raw root key only comes from
// ADDRBROKER_API_ROOT_KEY.
type AuthSection struct {
	Enabled bool       `yaml:"enabled"`
	RootKey string     `yaml:"-"`
	Keys    []KeyEntry `yaml:"keys"`
}

type KeyEntry struct {
	Name      string   `yaml:"name"`
	KeySHA256 string   `yaml:"key-sha256"`
	Roles     []string `yaml:"roles"`
}

type TLSSection struct {
	Enabled    bool     `yaml:"enabled"`
	CertFile   string   `yaml:"cert-file"`
	KeyFile    string   `yaml:"key-file"`
	CAFile     string   `yaml:"ca-file"`
	ClientAuth string   `yaml:"client-auth"`
	MinVersion string   `yaml:"min-version"`
	SelfSigned bool     `yaml:"self-signed"`
	Hosts      []string `yaml:"hosts"`
}

// AddressSettings is one address-settings entry. Nil fields keep the
// default.
type AddressSettings struct {
	MaxSizeBytes         *int64  `yaml:"max-size-bytes"`
	LowWatermark         *int64  `yaml:"low-watermark"`
	PagingThreshold      *int64  `yaml:"paging-threshold"`
	PageSizeBytes        *int64  `yaml:"page-size-bytes"`
	MaxDiskBytes         *int64  `yaml:"max-disk-bytes"`
	FullPolicy           *string `yaml:"full-policy"`
	MaxReadPageBytes     *int64  `yaml:"max-read-page-bytes"`
	MaxReadPageMessages  *int    `yaml:"max-read-page-messages"`
	PrefetchPageBytes    *int64  `yaml:"prefetch-page-bytes"`
	PrefetchPageMessages *int    `yaml:"prefetch-page-messages"`
	DuplicateCacheSize   *int    `yaml:"duplicate-cache-size"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	rc := storage.DefaultRetentionConfig()
	return &Config{
		Broker: BrokerSection{
			DataDir:             "./data",
			NodeID:              "node-1",
			Journal:             "leveldb",
			AutoCreateAddresses: true,
			LogLevel:            "info",
		},
		HTTP: ListenerSection{Enabled: true, Address: "127.0.0.1:8080"},
		GRPC: ListenerSection{Enabled: true, Address: "127.0.0.1:9000"},
		Metrics: MetricsSection{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingSection{
			Endpoint:    "localhost:4318",
			Insecure:    true,
			ServiceName: "addrbroker",
			SampleRatio: 1,
		},
		Retention: RetentionSection{
			Enabled:         true,
			MaxSegmentBytes: rc.MaxSegmentBytes,
			MaxSegmentAge:   rc.MaxSegmentAge,
			MaxSegments:     rc.MaxSegments,
			MaxAge:          rc.MaxAge,
		},
		AddressSettings: map[string]AddressSettings{},
	}
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads and validates a config file. An empty path returns the
// defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := DefaultConfig()
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of the defaults and validates the result.
// Unknown keys are errors.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.AddressSettings == nil {
		cfg.AddressSettings = map[string]AddressSettings{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides file values from ADDRBROKER_* variables. lookup is
// os.LookupEnv outside of tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []string
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}

	str("DATA_DIR", &c.Broker.DataDir)
	str("NODE_ID", &c.Broker.NodeID)
	str("JOURNAL", &c.Broker.Journal)
	str("LOG_LEVEL", &c.Broker.LogLevel)
	str("HTTP_ADDR", &c.HTTP.Address)
	str("GRPC_ADDR", &c.GRPC.Address)
	str("TRACING_ENDPOINT", &c.Tracing.Endpoint)
	str("API_ROOT_KEY", &c.Security.Auth.RootKey)
	str("TLS_CERT_FILE", &c.Security.TLS.CertFile)
	str("TLS_KEY_FILE", &c.Security.TLS.KeyFile)
	boolean("AUTO_CREATE", &c.Broker.AutoCreateAddresses)
	boolean("METRICS_ENABLED", &c.Metrics.Enabled)
	boolean("TRACING_ENABLED", &c.Tracing.Enabled)
	boolean("RETENTION_ENABLED", &c.Retention.Enabled)
	boolean("AUTH_ENABLED", &c.Security.Auth.Enabled)
	boolean("TLS_ENABLED", &c.Security.TLS.Enabled)

	if v, ok := lookup(EnvPrefix + "GLOBAL_MAX_SIZE"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%sGLOBAL_MAX_SIZE: %v", EnvPrefix, err))
		} else {
			c.Broker.GlobalMaxSize = n
		}
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// =============================================================================
// CONVERSIONS
// =============================================================================

// SlogLevel parses the configured log level.
func (c *Config) SlogLevel() slog.Level {
	level, _ := parseLogLevel(c.Broker.LogLevel)
	return level
}

func parseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(strings.TrimSpace(s)))
	return level, err
}

// RetentionConfig converts the retention section.
func (c *Config) RetentionConfig() storage.RetentionConfig {
	rc := storage.DefaultRetentionConfig()
	rc.MaxSegmentBytes = c.Retention.MaxSegmentBytes
	rc.MaxSegmentAge = c.Retention.MaxSegmentAge
	rc.MaxSegments = c.Retention.MaxSegments
	rc.MaxAge = c.Retention.MaxAge
	return rc
}

// AddressSettingsRules resolves every address-settings entry against the
// defaults.
func (c *Config) AddressSettingsRules() (address.Settings, map[string]address.Settings) {
	defaults := address.DefaultSettings()
	rules := make(map[string]address.Settings, len(c.AddressSettings))
	for match, entry := range c.AddressSettings {
		rules[match] = entry.Resolve(defaults)
	}
	return defaults, rules
}

// Resolve overlays the entry on base.
func (s AddressSettings) Resolve(base address.Settings) address.Settings {
	out := base
	setInt64(&out.MaxSizeBytes, s.MaxSizeBytes)
	setInt64(&out.LowWatermark, s.LowWatermark)
	setInt64(&out.PagingThreshold, s.PagingThreshold)
	setInt64(&out.PageSizeBytes, s.PageSizeBytes)
	setInt64(&out.MaxDiskBytes, s.MaxDiskBytes)
	setInt64(&out.ReadBudget.MaxBytes, s.MaxReadPageBytes)
	setInt64(&out.ReadBudget.PrefetchBytes, s.PrefetchPageBytes)
	setInt(&out.ReadBudget.MaxMessages, s.MaxReadPageMessages)
	setInt(&out.ReadBudget.PrefetchMessages, s.PrefetchPageMessages)
	setInt(&out.DuplicateCacheSize, s.DuplicateCacheSize)
	if s.FullPolicy != nil {
		out.FullPolicy = address.FullPolicy(strings.ToUpper(strings.TrimSpace(*s.FullPolicy)))
	}
	// A lowered max size without an explicit low watermark keeps the
	// watermark inside the band.
	if s.MaxSizeBytes != nil && s.LowWatermark == nil && out.MaxSizeBytes > 0 && out.LowWatermark > out.MaxSizeBytes {
		out.LowWatermark = out.MaxSizeBytes / 2
	}
	return out
}

func setInt64(dst *int64, v *int64) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

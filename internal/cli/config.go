// =============================================================================
// CLI CONFIGURATION - BROKER CONTEXTS
// =============================================================================
//
// WHAT IS THIS?
// The CLI remembers brokers by name, kubectl style. Operators switch
// between a local broker and production ones without retyping URLs.
//
// PRECEDENCE (highest to lowest):
//   1. Flags (--server, --context, --timeout)
//   2. Environment (ADDRBROKER_SERVER, ADDRBROKER_CONTEXT, ...)
//   3. The current context of ~/.addrbroker/cli.yaml
//   4. http://localhost:8080
//
// FILE FORMAT (~/.addrbroker/cli.yaml):
//
//   current-context: prod
//   contexts:
//     local:
//       server: http://localhost:8080
//     prod:
//       server: https://broker-1.prod.example.com
//       api-key: "..."
//       timeout: 300          # seconds; replays run synchronously
//
// =============================================================================

package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the CLI configuration file.
type Config struct {
	CurrentContext string                    `yaml:"current-context"`
	Contexts       map[string]*ContextConfig `yaml:"contexts"`
}

// ContextConfig is one named broker.
type ContextConfig struct {
	Server string `yaml:"server"`
	APIKey string `yaml:"api-key,omitempty"`

	// Timeout in seconds; 0 means the default.
	Timeout int `yaml:"timeout,omitempty"`
}

// DefaultConfigDir returns ~/.addrbroker.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".addrbroker"
	}
	return filepath.Join(home, ".addrbroker")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "cli.yaml")
}

// DefaultConfig returns a config with a single local context.
func DefaultConfig() *Config {
	return &Config{
		CurrentContext: "local",
		Contexts: map[string]*ContextConfig{
			"local": {Server: "http://localhost:8080"},
		},
	}
}

// =============================================================================
// LOAD / SAVE
// =============================================================================

// LoadConfig loads configuration from the default path.
func LoadConfig() (*Config, error) {
	return LoadConfigFromPath(DefaultConfigPath())
}

// LoadConfigFromPath loads configuration from path. A missing file yields
// DefaultConfig; unknown keys are an error so typos surface.
func LoadConfigFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if config.Contexts == nil {
		config.Contexts = make(map[string]*ContextConfig)
	}
	return &config, nil
}

// Save writes the configuration to the default path.
func (c *Config) Save() error {
	return c.SaveToPath(DefaultConfigPath())
}

// SaveToPath writes the configuration to path with owner-only permissions;
// contexts may hold API keys.
func (c *Config) SaveToPath(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// CONTEXT OPERATIONS
// =============================================================================

// GetCurrentContext returns the current context.
func (c *Config) GetCurrentContext() (*ContextConfig, error) {
	if c.CurrentContext == "" {
		return nil, errors.New("no current context set")
	}
	return c.GetContext(c.CurrentContext)
}

// GetContext returns a context by name.
func (c *Config) GetContext(name string) (*ContextConfig, error) {
	ctx, ok := c.Contexts[name]
	if !ok {
		return nil, fmt.Errorf("context %q not found", name)
	}
	return ctx, nil
}

// SetContext creates or replaces a context.
func (c *Config) SetContext(name string, ctx *ContextConfig) {
	if c.Contexts == nil {
		c.Contexts = make(map[string]*ContextConfig)
	}
	c.Contexts[name] = ctx
}

// DeleteContext removes a context, clearing the current context if it was
// the one removed.
func (c *Config) DeleteContext(name string) error {
	if _, ok := c.Contexts[name]; !ok {
		return fmt.Errorf("context %q not found", name)
	}
	delete(c.Contexts, name)
	if c.CurrentContext == name {
		c.CurrentContext = ""
	}
	return nil
}

// UseContext sets the current context.
func (c *Config) UseContext(name string) error {
	if _, ok := c.Contexts[name]; !ok {
		return fmt.Errorf("context %q not found", name)
	}
	c.CurrentContext = name
	return nil
}

// ListContexts returns context names, sorted.
func (c *Config) ListContexts() []string {
	names := make([]string, 0, len(c.Contexts))
	for name := range c.Contexts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// =============================================================================
// RESOLUTION
// =============================================================================

// Environment variable names
const (
	EnvServer  = "ADDRBROKER_SERVER"
	EnvContext = "ADDRBROKER_CONTEXT"
	EnvAPIKey  = "ADDRBROKER_API_KEY"
	EnvTimeout = "ADDRBROKER_TIMEOUT"
)

// ResolveServer picks the server URL: flag > env > context > default.
func ResolveServer(flagValue string, config *Config) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(EnvServer); env != "" {
		return env
	}
	if config != nil {
		if ctx, err := config.GetCurrentContext(); err == nil && ctx.Server != "" {
			return ctx.Server
		}
	}
	return DefaultClientConfig().ServerURL
}

// ResolveAPIKey picks the API key: flag > env > context.
func ResolveAPIKey(flagValue string, config *Config) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(EnvAPIKey); env != "" {
		return env
	}
	if config != nil {
		if ctx, err := config.GetCurrentContext(); err == nil {
			return ctx.APIKey
		}
	}
	return ""
}

// ResolveTimeout picks the request timeout in seconds: flag (when > 0) >
// env > context > default.
func ResolveTimeout(flagSeconds int, config *Config) time.Duration {
	if flagSeconds > 0 {
		return time.Duration(flagSeconds) * time.Second
	}
	if env := os.Getenv(EnvTimeout); env != "" {
		if n, err := strconv.Atoi(env); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	if config != nil {
		if ctx, err := config.GetCurrentContext(); err == nil && ctx.Timeout > 0 {
			return time.Duration(ctx.Timeout) * time.Second
		}
	}
	return DefaultClientConfig().Timeout
}

package config

import (
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"addrbroker/internal/address"
)

// =============================================================================
// CONFIG VALIDATION MODULE
// =============================================================================
//
// WHY VALIDATE CONFIG AT STARTUP?
//
//   FAIL-FAST: Bad config -> immediate, clear error -> fix before traffic hits
//   FAIL-LAZY: Bad config -> broker starts -> first publish fails -> pages on-call
//
//   PATTERN: ACCUMULATE ERRORS
//   We collect ALL validation errors and return them together so the operator
//   can fix everything in one pass instead of playing whack-a-mole.
//
// A hot reload runs the same validation; a file that fails it is ignored
// and the running settings stay.
//
// =============================================================================

// ValidationError holds one or more configuration validation failures.
type ValidationError struct {
	Errors []string
}

// Error formats all validation errors as a numbered list.
func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0])
	}

	var b strings.Builder
	b.WriteString("configuration validation failed:\n")
	for i, err := range e.Errors {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, err)
	}
	return b.String()
}

var journalBackends = map[string]bool{"leveldb": true, "sqlite": true, "memory": true}

// Validate checks the whole configuration. Returns nil if valid, or a
// *ValidationError with all problems found.
func (c *Config) Validate() error {
	var errs []string

	// DataDir: journal, pages and retention segments live here
	if c.Broker.DataDir == "" {
		errs = append(errs, "broker.data-dir: must not be empty")
	} else {
		errs = append(errs, validateDataDir(c.Broker.DataDir)...)
	}

	if c.Broker.NodeID == "" {
		errs = append(errs, "broker.node-id: must not be empty")
	} else if strings.ContainsAny(c.Broker.NodeID, " \t\n\r") {
		errs = append(errs, "broker.node-id: must not contain whitespace")
	}

	if !journalBackends[strings.ToLower(c.Broker.Journal)] {
		errs = append(errs, fmt.Sprintf("broker.journal: unknown backend %q (want leveldb, sqlite or memory)", c.Broker.Journal))
	}
	if c.Broker.GlobalMaxSize < 0 {
		errs = append(errs, fmt.Sprintf("broker.global-max-size: must be >= 0, got %d", c.Broker.GlobalMaxSize))
	}
	if _, err := parseLogLevel(c.Broker.LogLevel); err != nil {
		errs = append(errs, fmt.Sprintf("broker.log-level: %v", err))
	}

	if c.HTTP.Enabled {
		if err := validateAddress(c.HTTP.Address); err != nil {
			errs = append(errs, fmt.Sprintf("http.address: invalid: %v", err))
		}
	}
	if c.GRPC.Enabled {
		if err := validateAddress(c.GRPC.Address); err != nil {
			errs = append(errs, fmt.Sprintf("grpc.address: invalid: %v", err))
		}
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, fmt.Sprintf("metrics.path: must start with '/', got %q", c.Metrics.Path))
	}

	if c.Tracing.Enabled {
		if c.Tracing.Endpoint == "" {
			errs = append(errs, "tracing.endpoint: must not be empty when tracing is enabled")
		}
		if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
			errs = append(errs, fmt.Sprintf("tracing.sample-ratio: must be within [0, 1], got %g", c.Tracing.SampleRatio))
		}
	}

	if c.Retention.Enabled {
		if c.Retention.MaxSegmentBytes <= 0 {
			errs = append(errs, fmt.Sprintf("retention.max-segment-bytes: must be > 0, got %d", c.Retention.MaxSegmentBytes))
		}
		if c.Retention.MaxSegmentAge < 0 || c.Retention.MaxAge < 0 || c.Retention.MaxSegments < 0 {
			errs = append(errs, "retention: limits must not be negative")
		}
	}

	errs = append(errs, c.validateSecurity()...)
	errs = append(errs, c.validateAddressSettings()...)

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// validateSecurity checks key entries and TLS sources. Whether any key
// exists is checked at startup, since the root key may come from the
// environment.
func (c *Config) validateSecurity() []string {
	var errs []string
	seen := make(map[string]bool)
	for i, k := range c.Security.Auth.Keys {
		prefix := fmt.Sprintf("security.auth.keys[%d]", i)
		if k.Name == "" {
			errs = append(errs, prefix+".name: must not be empty")
		} else if seen[k.Name] {
			errs = append(errs, fmt.Sprintf("%s.name: duplicate %q", prefix, k.Name))
		}
		seen[k.Name] = true
		if b, err := hex.DecodeString(k.KeySHA256); err != nil || len(b) != 32 {
			errs = append(errs, prefix+".key-sha256: must be 64 hex characters")
		}
		if len(k.Roles) == 0 {
			errs = append(errs, prefix+".roles: must not be empty")
		}
	}

	t := c.Security.TLS
	if t.Enabled {
		if (t.CertFile == "") != (t.KeyFile == "") {
			errs = append(errs, "security.tls: cert-file and key-file must be set together")
		}
		if t.CertFile == "" && !t.SelfSigned {
			errs = append(errs, "security.tls: needs cert-file/key-file or self-signed")
		}
		switch t.MinVersion {
		case "", "1.2", "1.3":
		default:
			errs = append(errs, fmt.Sprintf("security.tls.min-version: want 1.2 or 1.3, got %q", t.MinVersion))
		}
	}
	return errs
}

// validateAddressSettings checks each entry resolved against the defaults,
// in match order so the output is stable.
func (c *Config) validateAddressSettings() []string {
	matches := make([]string, 0, len(c.AddressSettings))
	for match := range c.AddressSettings {
		matches = append(matches, match)
	}
	sort.Strings(matches)

	var errs []string
	defaults := address.DefaultSettings()
	for _, match := range matches {
		prefix := fmt.Sprintf("address-settings[%q]", match)
		if errMsg := validateMatch(match); errMsg != "" {
			errs = append(errs, prefix+": "+errMsg)
			continue
		}

		entry := c.AddressSettings[match]
		if entry.FullPolicy != nil {
			if _, err := address.ParseFullPolicy(*entry.FullPolicy); err != nil {
				errs = append(errs, fmt.Sprintf("%s.full-policy: %v", prefix, err))
				continue
			}
		}
		s := entry.Resolve(defaults)
		if s.PagingThreshold < 0 {
			errs = append(errs, fmt.Sprintf("%s.paging-threshold: must be >= 0, got %d", prefix, s.PagingThreshold))
		}
		if s.MaxDiskBytes < 0 {
			errs = append(errs, fmt.Sprintf("%s.max-disk-bytes: must be >= 0, got %d", prefix, s.MaxDiskBytes))
		}
		if s.DuplicateCacheSize < 0 {
			errs = append(errs, fmt.Sprintf("%s.duplicate-cache-size: must be >= 0, got %d", prefix, s.DuplicateCacheSize))
		}
		if err := s.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", prefix, err))
		}
	}
	return errs
}

// validateMatch checks an address-settings match: dot-separated words where
// '#' and '*' must stand alone.
func validateMatch(match string) string {
	if match == "" {
		return "match must not be empty"
	}
	for _, word := range strings.Split(match, ".") {
		if word == "" {
			return "match has an empty word"
		}
		if word != "#" && word != "*" && strings.ContainsAny(word, "#*") {
			return fmt.Sprintf("wildcard in %q must be a whole word", word)
		}
	}
	return ""
}

// validateDataDir checks that the data directory is usable.
func validateDataDir(dir string) []string {
	var errs []string

	absDir, err := filepath.Abs(dir)
	if err != nil {
		errs = append(errs, fmt.Sprintf("broker.data-dir: cannot resolve path %q: %v", dir, err))
		return errs
	}

	info, err := os.Stat(absDir)
	if err == nil {
		if !info.IsDir() {
			errs = append(errs, fmt.Sprintf("broker.data-dir: %q exists but is not a directory", absDir))
		}
		return errs
	}

	if !os.IsNotExist(err) {
		errs = append(errs, fmt.Sprintf("broker.data-dir: cannot access %q: %v", absDir, err))
		return errs
	}

	// Directory doesn't exist -- check if parent is accessible
	parent := filepath.Dir(absDir)
	if _, err := os.Stat(parent); err != nil {
		errs = append(errs, fmt.Sprintf("broker.data-dir: %q does not exist and parent %q is not accessible: %v", absDir, parent, err))
	}

	return errs
}

// validateAddress checks that a string is a valid host:port or :port address.
func validateAddress(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("must be host:port format: %w", err)
	}
	if port == "" {
		return fmt.Errorf("port must not be empty")
	}
	return nil
}

// =============================================================================
// API KEY AUTHENTICATION - MANAGEMENT ACCESS FOR ADDRBROKER
// =============================================================================
//
// ┌─────────────────────────────────────────────────────────────────────────────┐
// │ WHAT IS PROTECTED?                                                          │
// │                                                                             │
// │ The management API: every control operation (pause, purge, block, ...),     │
// │ replay, address lifecycle and the publish/consume plumbing. Health probes   │
// │ and the metrics scrape stay open; orchestrators call them without keys.     │
// │                                                                             │
// │ FLOW:                                                                       │
// │   CLI ──[X-API-Key: ab_...]──► api.Server ──[Authenticate]──► Require(perm) │
// │                                                                             │
// │ STORAGE:                                                                    │
// │   Only the SHA-256 of a key is kept. The config file carries hashes; the    │
// │   root key arrives raw through ADDRBROKER_API_ROOT_KEY and is hashed on     │
// │   load.                                                                     │
// └─────────────────────────────────────────────────────────────────────────────┘
//
// =============================================================================

package security

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNoAPIKey is returned when no API key is provided
	ErrNoAPIKey = errors.New("no API key provided")

	// ErrInvalidAPIKey is returned when the key matches no known hash
	ErrInvalidAPIKey = errors.New("invalid API key")

	// ErrPermissionDenied is returned when the key lacks the permission
	ErrPermissionDenied = errors.New("permission denied")

	// ErrUnknownRole is returned for a role name not in RolePermissions
	ErrUnknownRole = errors.New("unknown role")
)

// =============================================================================
// ROLES & PERMISSIONS
// =============================================================================
//
//   ┌──────────┬──────────────────────────────────────────────────────────┐
//   │ role     │ permissions                                              │
//   ├──────────┼──────────────────────────────────────────────────────────┤
//   │ admin    │ everything, including broker:admin (global max size)     │
//   │ operator │ address:*, control:write, replay:run, message:*          │
//   │ producer │ address:read, message:publish                            │
//   │ consumer │ address:read, message:consume                            │
//   │ observer │ address:read                                             │
//   └──────────┴──────────────────────────────────────────────────────────┘

// Built-in roles
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleProducer = "producer"
	RoleConsumer = "consumer"
	RoleObserver = "observer"
)

// Permission is one guarded action.
type Permission string

const (
	PermAddressRead    Permission = "address:read"
	PermAddressManage  Permission = "address:manage"
	PermMessagePublish Permission = "message:publish"
	PermMessageConsume Permission = "message:consume"
	PermControlWrite   Permission = "control:write"
	PermReplayRun      Permission = "replay:run"
	PermBrokerAdmin    Permission = "broker:admin"

	permAll Permission = "*"
)

// RolePermissions maps roles to their permissions.
var RolePermissions = map[string][]Permission{
	RoleAdmin: {permAll},
	RoleOperator: {
		PermAddressRead,
		PermAddressManage,
		PermMessagePublish,
		PermMessageConsume,
		PermControlWrite,
		PermReplayRun,
	},
	RoleProducer: {PermAddressRead, PermMessagePublish},
	RoleConsumer: {PermAddressRead, PermMessageConsume},
	RoleObserver: {PermAddressRead},
}

// =============================================================================
// API KEY
// =============================================================================

// APIKey is a known key. The raw key is never stored.
type APIKey struct {
	Name       string
	KeyHash    string
	Roles      []string
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// HasPermission reports whether any of the key's roles grants perm.
func (k *APIKey) HasPermission(perm Permission) bool {
	for _, role := range k.Roles {
		for _, p := range RolePermissions[role] {
			if p == permAll || p == perm {
				return true
			}
		}
	}
	return false
}

// =============================================================================
// AUTHENTICATOR
// =============================================================================

// KeySpec declares a key by the hex SHA-256 of its raw value.
type KeySpec struct {
	Name      string
	KeySHA256 string
	Roles     []string
}

// AuthConfig configures an Authenticator.
type AuthConfig struct {
	// Enabled turns authentication on. Disabled lets every request through.
	Enabled bool

	// RootKey is a raw admin key, usually from the environment.
	RootKey string

	Keys []KeySpec
}

// Authenticator validates API keys and guards HTTP handlers.
type Authenticator struct {
	enabled bool

	mu     sync.RWMutex
	byHash map[string]*APIKey

	logger *slog.Logger
}

// NewAuthenticator builds an Authenticator from config. Unknown roles and
// malformed hashes are errors.
func NewAuthenticator(config AuthConfig, logger *slog.Logger) (*Authenticator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Authenticator{
		enabled: config.Enabled,
		byHash:  make(map[string]*APIKey),
		logger:  logger.With("component", "auth"),
	}

	if config.RootKey != "" {
		if err := a.AddKey("root", config.RootKey, []string{RoleAdmin}); err != nil {
			return nil, err
		}
		a.logger.Info("loaded root API key from environment")
	}
	for _, spec := range config.Keys {
		if err := a.addHashed(spec.Name, spec.KeySHA256, spec.Roles); err != nil {
			return nil, fmt.Errorf("key %q: %w", spec.Name, err)
		}
	}
	if a.enabled && len(a.byHash) == 0 {
		return nil, errors.New("authentication enabled but no keys configured")
	}
	return a, nil
}

// Enabled reports whether requests are checked.
func (a *Authenticator) Enabled() bool {
	return a.enabled
}

// AddKey registers a raw key.
func (a *Authenticator) AddKey(name, rawKey string, roles []string) error {
	if rawKey == "" {
		return ErrNoAPIKey
	}
	return a.addHashed(name, HashKey(rawKey), roles)
}

func (a *Authenticator) addHashed(name, hash string, roles []string) error {
	hash = strings.ToLower(strings.TrimSpace(hash))
	if b, err := hex.DecodeString(hash); err != nil || len(b) != sha256.Size {
		return fmt.Errorf("key hash must be %d hex characters", sha256.Size*2)
	}
	if len(roles) == 0 {
		return fmt.Errorf("%w: no roles", ErrUnknownRole)
	}
	for _, r := range roles {
		if _, ok := RolePermissions[r]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownRole, r)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.byHash[hash] = &APIKey{
		Name:      name,
		KeyHash:   hash,
		Roles:     append([]string(nil), roles...),
		CreatedAt: time.Now(),
	}
	return nil
}

// GenerateKey creates, registers and returns a new random key. The raw key
// is returned once; only its hash is retained.
func (a *Authenticator) GenerateKey(name string, roles []string) (string, *APIKey, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, fmt.Errorf("failed to generate random key: %w", err)
	}
	raw := "ab_" + hex.EncodeToString(b)
	if err := a.AddKey(name, raw, roles); err != nil {
		return "", nil, err
	}
	key, _ := a.Validate(raw)
	return raw, key, nil
}

// Validate resolves a raw key.
func (a *Authenticator) Validate(rawKey string) (*APIKey, error) {
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}
	hash := HashKey(rawKey)

	a.mu.Lock()
	defer a.mu.Unlock()
	key, ok := a.byHash[hash]
	if !ok || subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
		return nil, ErrInvalidAPIKey
	}
	key.LastUsedAt = time.Now()
	return key, nil
}

// KeyNames returns the registered key names, sorted.
func (a *Authenticator) KeyNames() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	names := make([]string, 0, len(a.byHash))
	for _, k := range a.byHash {
		names = append(names, k.Name)
	}
	sort.Strings(names)
	return names
}

// =============================================================================
// HTTP MIDDLEWARE
// =============================================================================

type contextKey struct{}

// KeyFromContext returns the authenticated key, or nil.
func KeyFromContext(ctx context.Context) *APIKey {
	key, _ := ctx.Value(contextKey{}).(*APIKey)
	return key
}

// Middleware authenticates the request and stores the key in its context.
//
// Key extraction order:
//  1. Authorization: Bearer <key>
//  2. X-API-Key: <key>
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.enabled {
			next.ServeHTTP(w, r)
			return
		}
		key, err := a.Validate(extractAPIKey(r))
		if err != nil {
			a.logger.Warn("authentication failed",
				"path", r.URL.Path,
				"method", r.Method,
				"error", err,
				"remote_addr", r.RemoteAddr,
			)
			writeAuthError(w, http.StatusUnauthorized, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, key)))
	})
}

// Require returns middleware that checks perm on the authenticated key.
// Must run after Middleware.
func (a *Authenticator) Require(perm Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.enabled {
				next.ServeHTTP(w, r)
				return
			}
			key := KeyFromContext(r.Context())
			if key == nil {
				writeAuthError(w, http.StatusUnauthorized, ErrNoAPIKey)
				return
			}
			if !key.HasPermission(perm) {
				a.logger.Warn("permission denied",
					"key", key.Name,
					"permission", perm,
					"path", r.URL.Path,
				)
				writeAuthError(w, http.StatusForbidden, fmt.Errorf("%w: %s", ErrPermissionDenied, perm))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writeAuthError uses the API's error body shape.
func writeAuthError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":  err.Error(),
		"status": status,
	})
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// HashKey returns the hex SHA-256 of a raw key, the form stored in config.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

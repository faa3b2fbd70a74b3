// =============================================================================
// BROKER - THE ADDRESS REGISTRY
// =============================================================================
//
// WHAT IS THE BROKER HERE?
// The broker owns every address on this node and the shared pieces they
// need but cannot own themselves:
//   - the journal (duplicate ids, address definitions, persisted pauses)
//   - the retention log every routed publish is archived into
//   - the settings repository (address-settings matched by name)
//   - the router that turns a message into binding names
//
//   ┌─────────────────────────────────────────────────────────────────────────┐
//   │                           BROKER                                        │
//   │                                                                         │
//   │   ┌──────────────────────────────────────────────────────────────────┐  │
//   │   │                    Address Registry                              │  │
//   │   │   - CreateAddress / GetAddress / ListAddresses / DeleteAddress   │  │
//   │   │   - Bind / Unbind                                                │  │
//   │   └──────────────────────────────────────────────────────────────────┘  │
//   │                              │                                          │
//   │   ┌──────────────────────────────────────────────────────────────────┐  │
//   │   │                    Publish Path                                  │  │
//   │   │   - Router → Address.Publish → RetentionLog.Append               │  │
//   │   │   - Consume / Ack                                                │  │
//   │   └──────────────────────────────────────────────────────────────────┘  │
//   │                              │                                          │
//   │   ┌──────────────────────────────────────────────────────────────────┐  │
//   │   │                    Management                                    │  │
//   │   │   - Control(name) → pause, purge, block, replay, sendMessage     │  │
//   │   │   - ReloadSettings (config hot reload)                           │  │
//   │   └──────────────────────────────────────────────────────────────────┘  │
//   │                                                                         │
//   └─────────────────────────────────────────────────────────────────────────┘
//
// DATA DIRECTORY:
//
//   DataDir/
//   ├── journal/          leveldb or sqlite journal
//   ├── pages/{address}/  one page store per address
//   └── retention/        time-segmented retention log
//
// =============================================================================

package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"addrbroker/internal/address"
	"addrbroker/internal/journal"
	"addrbroker/internal/replay"
	"addrbroker/internal/storage"
)

// =============================================================================
// ERROR DEFINITIONS
// =============================================================================

var (
	// ErrBrokerClosed means the broker has been shut down
	ErrBrokerClosed = errors.New("broker is closed")

	ErrAddressNotFound = errors.New("address not found")

	ErrAddressExists = errors.New("address already exists")

	// ErrRetentionDisabled means replay was asked for without a retention log.
	ErrRetentionDisabled = errors.New("retention log is disabled")
)

// =============================================================================
// BROKER CONFIGURATION
// =============================================================================

// BrokerConfig holds broker configuration.
type BrokerConfig struct {
	// DataDir is the root directory for journal, pages and retention.
	DataDir string

	NodeID string

	// JournalBackend is leveldb (default), sqlite or memory.
	JournalBackend string

	// GlobalMaxSize caps the bytes all addresses together may hold in
	// memory; it feeds AddressLimitPercent. 0 means unlimited.
	GlobalMaxSize int64

	// AutoCreateAddresses creates a multicast address on first publish.
	AutoCreateAddresses bool

	// Settings resolves address-settings by name. Nil uses the defaults
	// for every address.
	Settings *SettingsRepository

	RetentionEnabled bool
	Retention        storage.RetentionConfig

	// Router picks the bindings of each publish. Nil uses BindingRouter.
	Router Router

	Observer       address.Observer
	ReplayObserver ReplayObserver
	TracerProvider trace.TracerProvider

	// Logger overrides the text handler built from LogLevel.
	Logger   *slog.Logger
	LogLevel slog.Level
}

// DefaultBrokerConfig returns sensible defaults.
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		DataDir:             "./data",
		NodeID:              "node-1",
		JournalBackend:      journal.BackendLevelDB,
		AutoCreateAddresses: true,
		RetentionEnabled:    true,
		Retention:           storage.DefaultRetentionConfig(),
		LogLevel:            slog.LevelInfo,
	}
}

// AddressConfig describes an address to create.
type AddressConfig struct {
	Name         string                `json:"name"`
	RoutingTypes []address.RoutingType `json:"routing_types,omitempty"`
	Internal     bool                  `json:"internal,omitempty"`
	Temporary    bool                  `json:"temporary,omitempty"`

	autoCreated bool
}

// =============================================================================
// BROKER STRUCT
// =============================================================================

// Broker is the registry of addresses on this node.
type Broker struct {
	config   BrokerConfig
	settings *SettingsRepository
	router   Router

	journal   journal.Journal
	retention *storage.RetentionLog

	// addresses maps address name to its aggregate
	addresses map[string]*address.Address

	// replays holds one engine per source address, created on first use
	replays map[string]*replay.Engine

	nextID    atomic.Uint64
	mu        sync.RWMutex
	logger    *slog.Logger
	startedAt time.Time
	closed    bool
}

// =============================================================================
// BROKER LIFECYCLE
// =============================================================================

// NewBroker creates and starts a new broker.
//
// STARTUP PROCESS:
//  1. Create the data directory and open the journal
//  2. Open the retention log (if enabled)
//  3. Reopen every persisted address; its page store recovers on open
//  4. Remove page directories no journal record claims (temporary addresses)
func NewBroker(config BrokerConfig) (*Broker, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.LogLevel,
		}))
	}

	if err := os.MkdirAll(config.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	j, err := journal.Open(config.JournalBackend, filepath.Join(config.DataDir, "journal"))
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	settings := config.Settings
	if settings == nil {
		settings = NewSettingsRepository(address.DefaultSettings())
	}
	router := config.Router
	if router == nil {
		router = &BindingRouter{}
	}

	b := &Broker{
		config:    config,
		settings:  settings,
		router:    router,
		journal:   j,
		addresses: make(map[string]*address.Address),
		replays:   make(map[string]*replay.Engine),
		logger:    logger,
		startedAt: time.Now(),
	}

	if config.RetentionEnabled {
		rc := config.Retention
		if rc.Logger == nil {
			rc.Logger = logger
		}
		b.retention, err = storage.OpenRetentionLog(filepath.Join(config.DataDir, "retention"), rc)
		if err != nil {
			j.Close()
			return nil, fmt.Errorf("failed to open retention log: %w", err)
		}
	}

	if err := b.loadAddresses(); err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to load addresses: %w", err)
	}

	logger.Info("broker started",
		"nodeID", config.NodeID,
		"dataDir", config.DataDir,
		"journal", config.JournalBackend,
		"retention", config.RetentionEnabled,
		"addresses", len(b.addresses))

	return b, nil
}

// loadAddresses reopens the persisted addresses.
func (b *Broker) loadAddresses() error {
	records, err := b.journal.LoadAddresses()
	if err != nil {
		return err
	}

	known := make(map[string]bool, len(records))
	for _, rec := range records {
		if rec.ID > b.nextID.Load() {
			b.nextID.Store(rec.ID)
		}
		if rec.Temporary {
			continue
		}
		known[rec.Name] = true

		routing := make([]address.RoutingType, 0, len(rec.RoutingTypes))
		for _, rt := range rec.RoutingTypes {
			routing = append(routing, address.RoutingType(rt))
		}
		addr, err := address.Open(address.Options{
			ID:              rec.ID,
			Name:            rec.Name,
			RoutingTypes:    routing,
			AutoCreated:     rec.AutoCreated,
			Internal:        rec.Internal,
			Settings:        b.settings.Match(rec.Name),
			GlobalMaxSize:   b.config.GlobalMaxSize,
			DataDir:         b.config.DataDir,
			Journal:         b.journal,
			Logger:          b.logger,
			Observer:        b.config.Observer,
			Bindings:        rec.Bindings,
			PausedPersisted: rec.PausedPersisted,
		})
		if err != nil {
			b.logger.Error("failed to load address",
				"address", rec.Name,
				"error", err)
			// Continue loading other addresses
			continue
		}
		b.addresses[rec.Name] = addr
		b.logger.Info("loaded address",
			"address", rec.Name,
			"bindings", len(rec.Bindings),
			"paused", rec.PausedPersisted,
			"paging", addr.PageStore().IsPaging())
	}

	b.removeOrphanedPages(known)
	return nil
}

// removeOrphanedPages deletes page directories of addresses that were not
// persisted, which is what temporary addresses leave behind.
func (b *Broker) removeOrphanedPages(known map[string]bool) {
	pagesDir := filepath.Join(b.config.DataDir, "pages")
	entries, err := os.ReadDir(pagesDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name, err := url.PathUnescape(entry.Name())
		if err != nil || known[name] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(pagesDir, entry.Name())); err != nil {
			b.logger.Warn("failed to remove orphaned pages", "address", name, "error", err)
			continue
		}
		b.logger.Info("removed orphaned pages", "address", name)
	}
}

// Close shuts down the broker gracefully.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	for name, addr := range b.addresses {
		if addr.Temporary() {
			if err := addr.Delete(); err != nil {
				errs = append(errs, fmt.Errorf("address %s: %w", name, err))
			}
			continue
		}
		if err := addr.Close(); err != nil {
			errs = append(errs, fmt.Errorf("address %s: %w", name, err))
		}
	}
	if b.retention != nil {
		if err := b.retention.Close(); err != nil {
			errs = append(errs, fmt.Errorf("retention: %w", err))
		}
	}
	if err := b.journal.Close(); err != nil {
		errs = append(errs, fmt.Errorf("journal: %w", err))
	}

	b.logger.Info("broker stopped", "uptime", time.Since(b.startedAt))
	return errors.Join(errs...)
}

// =============================================================================
// ADDRESS MANAGEMENT
// =============================================================================

// CreateAddress creates a new address with the settings that match its name.
func (b *Broker) CreateAddress(cfg AddressConfig) (*address.Address, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBrokerClosed
	}
	return b.createLocked(cfg)
}

func (b *Broker) createLocked(cfg AddressConfig) (*address.Address, error) {
	if _, exists := b.addresses[cfg.Name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAddressExists, cfg.Name)
	}

	addr, err := address.Open(address.Options{
		ID:            b.nextID.Add(1),
		Name:          cfg.Name,
		RoutingTypes:  cfg.RoutingTypes,
		AutoCreated:   cfg.autoCreated,
		Internal:      cfg.Internal,
		Temporary:     cfg.Temporary,
		Settings:      b.settings.Match(cfg.Name),
		GlobalMaxSize: b.config.GlobalMaxSize,
		DataDir:       b.config.DataDir,
		Journal:       b.journal,
		Logger:        b.logger,
		Observer:      b.config.Observer,
	})
	if err != nil {
		return nil, err
	}
	if err := addr.Persist(); err != nil {
		addr.Delete()
		return nil, err
	}

	b.addresses[cfg.Name] = addr
	b.logger.Info("created address",
		"address", cfg.Name,
		"routingTypes", addr.RoutingTypes(),
		"autoCreated", cfg.autoCreated,
		"temporary", cfg.Temporary)
	return addr, nil
}

// GetAddress returns an address by name.
func (b *Broker) GetAddress(name string) (*address.Address, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrBrokerClosed
	}
	addr, exists := b.addresses[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrAddressNotFound, name)
	}
	return addr, nil
}

// addressForPublish returns the address, creating it when auto-create is
// on.
func (b *Broker) addressForPublish(name string) (*address.Address, error) {
	addr, err := b.GetAddress(name)
	if err == nil || !errors.Is(err, ErrAddressNotFound) || !b.config.AutoCreateAddresses {
		return addr, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}
	// Another publisher may have won the race.
	if addr, exists := b.addresses[name]; exists {
		return addr, nil
	}
	return b.createLocked(AddressConfig{Name: name, autoCreated: true})
}

// ListAddresses returns all address names, sorted.
func (b *Broker) ListAddresses() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.addresses))
	for name := range b.addresses {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DeleteAddress removes an address with its pages and journal state. An
// address with bindings is only removed when force is set.
func (b *Broker) DeleteAddress(name string, force bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBrokerClosed
	}
	addr, exists := b.addresses[name]
	if !exists {
		return fmt.Errorf("%w: %s", ErrAddressNotFound, name)
	}
	if n := addr.BindingCount(); n > 0 && !force {
		return address.NewError(address.KindInvalidState, "delete", name,
			fmt.Errorf("address has %d bindings", n))
	}
	if err := b.deleteLocked(name, addr); err != nil {
		return err
	}
	b.logger.Info("deleted address", "address", name)
	return nil
}

// deleteLocked drops addr from the registry and removes its state. Caller
// holds mu.
func (b *Broker) deleteLocked(name string, addr *address.Address) error {
	delete(b.addresses, name)
	delete(b.replays, name)
	if err := addr.Delete(); err != nil {
		return err
	}
	if f, ok := b.config.Observer.(interface{ Forget(string) }); ok {
		f.Forget(name)
	}
	return nil
}

// Bind binds a queue to an address, creating the address when auto-create
// is on.
func (b *Broker) Bind(addressName, queue string, remote bool) error {
	addr, err := b.addressForPublish(addressName)
	if err != nil {
		return err
	}
	_, err = addr.Bind(queue, remote)
	return err
}

// Unbind removes a queue binding. An auto-created or temporary address goes
// away with its last binding; addresses created explicitly and internal
// addresses stay until deleted.
func (b *Broker) Unbind(addressName, queue string) error {
	addr, err := b.GetAddress(addressName)
	if err != nil {
		return err
	}
	if err := addr.Unbind(queue); err != nil {
		return err
	}
	if addr.Internal() || !(addr.AutoCreated() || addr.Temporary()) {
		return nil
	}
	return b.destroyUnbound(addressName, addr)
}

// destroyUnbound deletes addr unless a binding was added since the last one
// was removed.
func (b *Broker) destroyUnbound(name string, addr *address.Address) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	if cur, ok := b.addresses[name]; !ok || cur != addr || addr.BindingCount() > 0 {
		return nil
	}
	if err := b.deleteLocked(name, addr); err != nil {
		return err
	}
	b.logger.Info("destroyed address with its last binding",
		"address", name,
		"autoCreated", addr.AutoCreated(),
		"temporary", addr.Temporary())
	return nil
}

// SetGlobalMaxSize changes the broker-wide limit on every address.
func (b *Broker) SetGlobalMaxSize(n int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.config.GlobalMaxSize = n
	for _, addr := range b.addresses {
		addr.SetGlobalMaxSize(n)
	}
}

// ReloadSettings swaps the settings rules and re-applies the matching
// settings to every address. An address whose new settings are invalid
// keeps its old ones; the first such error is returned.
func (b *Broker) ReloadSettings(defaults address.Settings, rules map[string]address.Settings) error {
	b.settings.Replace(defaults, rules)

	b.mu.RLock()
	defer b.mu.RUnlock()

	var firstErr error
	for name, addr := range b.addresses {
		if err := addr.ApplySettings(b.settings.Match(name)); err != nil {
			b.logger.Error("failed to apply address settings", "address", name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	b.logger.Info("address settings reloaded", "rules", len(rules), "addresses", len(b.addresses))
	return firstErr
}

// Settings returns the settings repository.
func (b *Broker) Settings() *SettingsRepository { return b.settings }

// Retention returns the retention log, or nil when disabled.
func (b *Broker) Retention() *storage.RetentionLog { return b.retention }

// =============================================================================
// STATS
// =============================================================================

// Stats is a broker-wide summary.
type Stats struct {
	NodeID        string        `json:"node_id"`
	Uptime        time.Duration `json:"uptime"`
	Addresses     int           `json:"addresses"`
	TotalSize     int64         `json:"total_size"`
	GlobalMaxSize int64         `json:"global_max_size"`
	Paging        int           `json:"paging"`
	Blocked       int           `json:"blocked"`
	Paused        int           `json:"paused"`
}

// Stats returns broker statistics.
func (b *Broker) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := Stats{
		NodeID:        b.config.NodeID,
		Uptime:        time.Since(b.startedAt),
		Addresses:     len(b.addresses),
		GlobalMaxSize: b.config.GlobalMaxSize,
	}
	for _, addr := range b.addresses {
		stats.TotalSize += addr.Size()
		if addr.PageStore().IsPaging() {
			stats.Paging++
		}
		if addr.IsBlocked() {
			stats.Blocked++
		}
		if addr.IsPaused() {
			stats.Paused++
		}
	}
	return stats
}

// AddressInfos snapshots every address, sorted by name.
func (b *Broker) AddressInfos() []address.Info {
	b.mu.RLock()
	addrs := make([]*address.Address, 0, len(b.addresses))
	for _, addr := range b.addresses {
		addrs = append(addrs, addr)
	}
	b.mu.RUnlock()

	infos := make([]address.Info, 0, len(addrs))
	for _, addr := range addrs {
		infos = append(infos, addr.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Address < infos[j].Address })
	return infos
}

// IsClosed reports whether Close has been called.
func (b *Broker) IsClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

func (b *Broker) NodeID() string { return b.config.NodeID }

func (b *Broker) Uptime() time.Duration { return time.Since(b.startedAt) }

// =============================================================================
// JOURNAL - DURABLE CONTROLLER STATE
// =============================================================================
//
// WHAT LIVES HERE?
// Everything an address needs to come back after a restart that is not a
// message body:
//
//   - duplicate ids, keyed (address, duplicate id) -> sequence
//   - address definitions: id, routing types, origin flags, bindings and a
//     persisted pause
//
// Message bodies live in page files and the retention log (see storage).
//
// BACKENDS:
//
//   ┌──────────┬──────────────────────────────────────────────────────────┐
//   │ leveldb  │ default; prefix-keyed, batch writes                      │
//   │ sqlite   │ single file, WAL; handy for inspection with sqlite3 CLI  │
//   │ memory   │ tests and ephemeral brokers                              │
//   └──────────┴──────────────────────────────────────────────────────────┘
//
// ATOMICITY:
// StoreDuplicateID inserts the new id and deletes the evicted one in one
// write, so a crash never leaves the persisted set larger than the cache.
//
// =============================================================================

package journal

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

const (
	BackendLevelDB = "leveldb"
	BackendSQLite  = "sqlite"
	BackendMemory  = "memory"
)

var (
	ErrClosed = errors.New("journal is closed")

	ErrUnknownBackend = errors.New("unknown journal backend")
)

// DuplicateEntry is one persisted duplicate id.
type DuplicateEntry struct {
	ID       []byte
	Sequence uint64
}

// Binding is a persisted queue or divert bound to an address.
type Binding struct {
	Name   string `json:"name"`
	Remote bool   `json:"remote,omitempty"`

	// PageID and Position are the oldest paged record the queue has not
	// acknowledged. A restarted queue resumes reading there.
	PageID   int64 `json:"page_id,omitempty"`
	Position int64 `json:"position,omitempty"`
}

// AddressRecord is the persisted definition of an address.
type AddressRecord struct {
	Name         string    `json:"name"`
	ID           uint64    `json:"id"`
	RoutingTypes []string  `json:"routing_types"`
	AutoCreated  bool      `json:"auto_created,omitempty"`
	Internal     bool      `json:"internal,omitempty"`
	Temporary    bool      `json:"temporary,omitempty"`
	Bindings     []Binding `json:"bindings,omitempty"`

	// PausedPersisted survives restarts; a non-persisted pause is never
	// written.
	PausedPersisted bool `json:"paused_persisted,omitempty"`
}

// Journal persists duplicate ids and address definitions.
type Journal interface {
	// StoreDuplicateID records entry and removes evicted (if non-nil) in a
	// single atomic write.
	StoreDuplicateID(address string, entry DuplicateEntry, evicted []byte) error

	// LoadDuplicateIDs returns an address's ids in ascending sequence order.
	LoadDuplicateIDs(address string) ([]DuplicateEntry, error)

	// DeleteDuplicateIDs removes specific ids; missing ids are ignored.
	DeleteDuplicateIDs(address string, ids [][]byte) error

	// ClearDuplicateIDs removes every id of an address and returns how many.
	ClearDuplicateIDs(address string) (int, error)

	PutAddress(rec AddressRecord) error
	LoadAddresses() ([]AddressRecord, error)

	// DeleteAddress removes the definition and every duplicate id.
	DeleteAddress(address string) error

	Close() error
}

// Open opens the journal backend under dir.
func Open(backend, dir string) (Journal, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendLevelDB:
		return OpenLevelDB(filepath.Join(dir, "journal.ldb"))
	case BackendSQLite:
		return OpenSQLite(filepath.Join(dir, "journal.db"))
	case BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

func sortEntries(entries []DuplicateEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Sequence < entries[j].Sequence })
}

func sortAddresses(recs []AddressRecord) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
}

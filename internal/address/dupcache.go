// =============================================================================
// DUPLICATE ID CACHE - BOUNDED, PERSISTED RE-DELIVERY FILTER
// =============================================================================
//
// Producers that retry after a lost ack attach the same duplicate id to the
// retried message. The cache remembers the last N ids per address; a repeat
// is acknowledged silently and never routed.
//
// STRUCTURE:
//
//   ring (capacity N, insertion order)          index
//   ┌────┬────┬────┬────┬────┐                  ┌──────────┬─────┐
//   │ c  │ d  │ e  │ a  │ b  │                  │ "a" → 41 │ ... │
//   └────┴────┴────┴─▲──┴────┘                  └──────────┴─────┘
//                    head: next slot, holds the oldest id once full
//
//   CheckAndRecord on a full ring overwrites ring[head] and drops that id
//   from the index and from the journal in the same write as the insert.
//
// LOCKING:
// One mutex covers check + insert + evict, and Clear holds it for its whole
// duration, so no caller sees an id as both present and absent.
//
// =============================================================================

package address

import (
	"fmt"
	"sync"

	"addrbroker/internal/journal"
)

// DefaultDuplicateCacheSize matches the broker's stock id-cache-size.
const DefaultDuplicateCacheSize = 20000

// CheckResult is the outcome of CheckAndRecord.
type CheckResult int

const (
	Recorded CheckResult = iota
	AlreadySeen
)

func (r CheckResult) String() string {
	if r == AlreadySeen {
		return "AlreadySeen"
	}
	return "Recorded"
}

// DuplicateIDCache is the per-address duplicate id set.
type DuplicateIDCache struct {
	address  string
	journal  journal.Journal
	capacity int

	mu      sync.Mutex
	ring    [][]byte
	head    int
	count   int
	index   map[string]uint64
	nextSeq uint64
}

// NewDuplicateIDCache creates the cache and reloads persisted ids. If more
// ids are persisted than capacity allows, the oldest are evicted from the
// journal.
func NewDuplicateIDCache(address string, capacity int, j journal.Journal) (*DuplicateIDCache, error) {
	if capacity <= 0 {
		capacity = DefaultDuplicateCacheSize
	}
	c := &DuplicateIDCache{
		address:  address,
		journal:  j,
		capacity: capacity,
		ring:     make([][]byte, capacity),
		index:    make(map[string]uint64),
		nextSeq:  1,
	}
	if j == nil {
		return c, nil
	}

	entries, err := j.LoadDuplicateIDs(address)
	if err != nil {
		return nil, NewError(KindCorruption, "load duplicate ids", address, err)
	}
	if excess := len(entries) - capacity; excess > 0 {
		stale := make([][]byte, 0, excess)
		for _, e := range entries[:excess] {
			stale = append(stale, e.ID)
		}
		if err := j.DeleteDuplicateIDs(address, stale); err != nil {
			return nil, NewError(KindCapacityExceeded, "trim duplicate ids", address, err)
		}
		entries = entries[excess:]
	}
	for _, e := range entries {
		c.ring[c.head] = e.ID
		c.head = (c.head + 1) % capacity
		c.count++
		c.index[string(e.ID)] = e.Sequence
		if e.Sequence >= c.nextSeq {
			c.nextSeq = e.Sequence + 1
		}
	}
	return c, nil
}

// CheckAndRecord returns AlreadySeen if id is cached. Otherwise it records
// id, evicting the oldest entry when full, and returns Recorded. A journal
// failure leaves the cache unchanged.
func (c *DuplicateIDCache) CheckAndRecord(id []byte) (CheckResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.index[string(id)]; ok {
		return AlreadySeen, nil
	}

	var evicted []byte
	if c.count == c.capacity {
		evicted = c.ring[c.head]
	}
	seq := c.nextSeq

	if c.journal != nil {
		entry := journal.DuplicateEntry{ID: id, Sequence: seq}
		if err := c.journal.StoreDuplicateID(c.address, entry, evicted); err != nil {
			return Recorded, &Error{
				Kind:        KindCapacityExceeded,
				Op:          "record duplicate id",
				Address:     c.address,
				PageID:      NoPage,
				DuplicateID: append([]byte(nil), id...),
				Err:         err,
			}
		}
	}

	if evicted != nil {
		delete(c.index, string(evicted))
	} else {
		c.count++
	}
	stored := append([]byte(nil), id...)
	c.ring[c.head] = stored
	c.head = (c.head + 1) % c.capacity
	c.index[string(stored)] = seq
	c.nextSeq++
	return Recorded, nil
}

// Contains reports whether id is cached without recording it.
func (c *DuplicateIDCache) Contains(id []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.index[string(id)]
	return ok
}

// Forget removes a single id. The publish path uses it to undo a record
// when the message itself failed to persist.
func (c *DuplicateIDCache) Forget(id []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.index[string(id)]; !ok {
		return nil
	}
	if c.journal != nil {
		if err := c.journal.DeleteDuplicateIDs(c.address, [][]byte{id}); err != nil {
			return NewError(KindCapacityExceeded, "forget duplicate id", c.address, err)
		}
	}
	delete(c.index, string(id))

	// Compact the ring so insertion order of the rest is preserved.
	kept := make([][]byte, 0, c.count)
	for i := 0; i < c.count; i++ {
		slot := c.ring[(c.head-c.count+i+c.capacity*2)%c.capacity]
		if string(slot) != string(id) {
			kept = append(kept, slot)
		}
	}
	c.ring = make([][]byte, c.capacity)
	copy(c.ring, kept)
	c.count = len(kept)
	c.head = c.count % c.capacity
	return nil
}

func (c *DuplicateIDCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func (c *DuplicateIDCache) Capacity() int { return c.capacity }

// Clear removes every id from memory and the journal and returns how many
// were removed.
func (c *DuplicateIDCache) Clear() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.journal != nil {
		if _, err := c.journal.ClearDuplicateIDs(c.address); err != nil {
			return 0, NewError(KindCapacityExceeded, "clear duplicate ids", c.address, fmt.Errorf("journal: %w", err))
		}
	}
	n := c.count
	c.ring = make([][]byte, c.capacity)
	c.head = 0
	c.count = 0
	c.index = make(map[string]uint64)
	return n, nil
}

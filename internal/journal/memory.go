package journal

import "sync"

// Memory is a Journal that keeps everything in maps. State is lost on exit.
type Memory struct {
	mu        sync.Mutex
	dups      map[string]map[string]uint64
	addresses map[string]AddressRecord
	closed    bool
}

var _ Journal = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		dups:      make(map[string]map[string]uint64),
		addresses: make(map[string]AddressRecord),
	}
}

func (m *Memory) StoreDuplicateID(address string, entry DuplicateEntry, evicted []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	ids := m.dups[address]
	if ids == nil {
		ids = make(map[string]uint64)
		m.dups[address] = ids
	}
	if evicted != nil {
		delete(ids, string(evicted))
	}
	ids[string(entry.ID)] = entry.Sequence
	return nil
}

func (m *Memory) LoadDuplicateIDs(address string) ([]DuplicateEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	var entries []DuplicateEntry
	for id, seq := range m.dups[address] {
		entries = append(entries, DuplicateEntry{ID: []byte(id), Sequence: seq})
	}
	sortEntries(entries)
	return entries, nil
}

func (m *Memory) DeleteDuplicateIDs(address string, ids [][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, id := range ids {
		delete(m.dups[address], string(id))
	}
	return nil
}

func (m *Memory) ClearDuplicateIDs(address string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	n := len(m.dups[address])
	delete(m.dups, address)
	return n, nil
}

func (m *Memory) PutAddress(rec AddressRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	rec.Bindings = append([]Binding(nil), rec.Bindings...)
	rec.RoutingTypes = append([]string(nil), rec.RoutingTypes...)
	m.addresses[rec.Name] = rec
	return nil
}

func (m *Memory) LoadAddresses() ([]AddressRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	recs := make([]AddressRecord, 0, len(m.addresses))
	for _, rec := range m.addresses {
		recs = append(recs, rec)
	}
	sortAddresses(recs)
	return recs, nil
}

func (m *Memory) DeleteAddress(address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.dups, address)
	delete(m.addresses, address)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

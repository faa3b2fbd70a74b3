package journal

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	'd' | address | 0x00 | duplicate id   -> uint64 sequence (big endian)
//	'a' | address                         -> AddressRecord JSON
var (
	prefixDuplicate = []byte{'d'}
	prefixAddress   = []byte{'a'}
)

// ErrCorrupted is returned when leveldb reports on-disk corruption.
var ErrCorrupted = errors.New("journal corrupted")

// LevelDB is the default Journal backend.
type LevelDB struct {
	db *leveldb.DB
}

var _ Journal = (*LevelDB)(nil)

// OpenLevelDB opens (creating when needed) a leveldb journal at path.
func OpenLevelDB(path string) (*LevelDB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	opts := opt.Options{
		Strict:      opt.DefaultStrict,
		Compression: opt.NoCompression,
		Filter:      filter.NewBloomFilter(10),
	}
	db, err := leveldb.OpenFile(path, &opts)
	if err != nil {
		return nil, convertLdbErr(err, "failed to open journal")
	}
	return &LevelDB{db: db}, nil
}

// convertLdbErr maps leveldb errors onto journal sentinels while keeping the
// original in the chain.
func convertLdbErr(err error, desc string) error {
	switch {
	case ldberrors.IsCorrupted(err):
		return fmt.Errorf("%s: %w: %w", desc, ErrCorrupted, err)
	case errors.Is(err, leveldb.ErrClosed):
		return fmt.Errorf("%s: %w", desc, ErrClosed)
	}
	return fmt.Errorf("%s: %w", desc, err)
}

func duplicatePrefix(address string) []byte {
	key := make([]byte, 0, 2+len(address))
	key = append(key, prefixDuplicate...)
	key = append(key, address...)
	return append(key, 0x00)
}

func duplicateKey(address string, id []byte) []byte {
	return append(duplicatePrefix(address), id...)
}

func addressKey(address string) []byte {
	return append(append([]byte{}, prefixAddress...), address...)
}

func (l *LevelDB) StoreDuplicateID(address string, entry DuplicateEntry, evicted []byte) error {
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], entry.Sequence)

	batch := new(leveldb.Batch)
	if evicted != nil {
		batch.Delete(duplicateKey(address, evicted))
	}
	batch.Put(duplicateKey(address, entry.ID), seq[:])

	if err := l.db.Write(batch, nil); err != nil {
		return convertLdbErr(err, fmt.Sprintf("failed to store duplicate id for %s", address))
	}
	return nil
}

func (l *LevelDB) LoadDuplicateIDs(address string) ([]DuplicateEntry, error) {
	prefix := duplicatePrefix(address)
	iter := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var entries []DuplicateEntry
	for iter.Next() {
		value := iter.Value()
		if len(value) != 8 {
			return nil, fmt.Errorf("%w: duplicate id value is %d bytes", ErrCorrupted, len(value))
		}
		id := append([]byte(nil), iter.Key()[len(prefix):]...)
		entries = append(entries, DuplicateEntry{ID: id, Sequence: binary.BigEndian.Uint64(value)})
	}
	if err := iter.Error(); err != nil {
		return nil, convertLdbErr(err, fmt.Sprintf("failed to load duplicate ids for %s", address))
	}
	sortEntries(entries)
	return entries, nil
}

func (l *LevelDB) DeleteDuplicateIDs(address string, ids [][]byte) error {
	if len(ids) == 0 {
		return nil
	}
	batch := new(leveldb.Batch)
	for _, id := range ids {
		batch.Delete(duplicateKey(address, id))
	}
	if err := l.db.Write(batch, nil); err != nil {
		return convertLdbErr(err, fmt.Sprintf("failed to delete duplicate ids for %s", address))
	}
	return nil
}

func (l *LevelDB) ClearDuplicateIDs(address string) (int, error) {
	return l.deletePrefix(duplicatePrefix(address))
}

func (l *LevelDB) deletePrefix(prefix []byte) (int, error) {
	iter := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	batch := new(leveldb.Batch)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return 0, convertLdbErr(err, "failed to scan journal")
	}
	if batch.Len() == 0 {
		return 0, nil
	}
	if err := l.db.Write(batch, nil); err != nil {
		return 0, convertLdbErr(err, "failed to delete journal keys")
	}
	return batch.Len(), nil
}

func (l *LevelDB) PutAddress(rec AddressRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode address %s: %w", rec.Name, err)
	}
	if err := l.db.Put(addressKey(rec.Name), data, nil); err != nil {
		return convertLdbErr(err, fmt.Sprintf("failed to store address %s", rec.Name))
	}
	return nil
}

func (l *LevelDB) LoadAddresses() ([]AddressRecord, error) {
	iter := l.db.NewIterator(util.BytesPrefix(prefixAddress), nil)
	defer iter.Release()

	var recs []AddressRecord
	for iter.Next() {
		var rec AddressRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("%w: address %q: %v", ErrCorrupted, iter.Key()[1:], err)
		}
		recs = append(recs, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, convertLdbErr(err, "failed to load addresses")
	}
	sortAddresses(recs)
	return recs, nil
}

func (l *LevelDB) DeleteAddress(address string) error {
	if _, err := l.deletePrefix(duplicatePrefix(address)); err != nil {
		return err
	}
	if err := l.db.Delete(addressKey(address), nil); err != nil {
		return convertLdbErr(err, fmt.Sprintf("failed to delete address %s", address))
	}
	return nil
}

func (l *LevelDB) Close() error {
	if err := l.db.Close(); err != nil {
		return convertLdbErr(err, "failed to close journal")
	}
	return nil
}

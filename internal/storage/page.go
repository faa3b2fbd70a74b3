// =============================================================================
// PAGE FILE - ONE CHUNK OF AN ADDRESS'S OVERFLOW
// =============================================================================
//
// WHAT IS A PAGE?
// When an address holds more bytes in memory than its paging threshold, new
// messages are written to page files instead of the bound queues. A page is
// a bounded, append-only file of records. The page store keeps an ordered
// list of them.
//
// PAGE NAMING CONVENTION:
//   Format: {20-digit zero-padded page id}.page
//
//     00000000000000000000.page
//     00000000000000000001.page
//
//   Lexicographic order equals page id order, so listing the directory
//   and sorting names recovers page order after a restart.
//
// PAGE LIFECYCLE:
//
//   ┌─────────────┐  next record  ┌─────────────┐  all refs   ┌─────────────┐
//   │  WRITABLE   │  won't fit    │  COMPLETED  │  released   │   DELETED   │
//   │ (one/store) │ ────────────► │ (read-only) │ ──────────► │             │
//   └─────────────┘               └─────────────┘             └─────────────┘
//
//   - WRITABLE: the newest page; readers never look inside it
//   - COMPLETED: sealed and fsynced, readable by any number of cursors
//   - DELETED: every queue has acked or purged every record in it
//
// A page is allowed to be empty. An empty page that gets superseded is
// still a completed page and is pruned like any other.
//
// =============================================================================

package storage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	DefaultPageSize = 10 * 1024 * 1024

	DefaultSyncInterval = time.Second

	ReadBufferSize = 64 * 1024

	pageFileSuffix = ".page"
)

var (
	// ErrPageFull means the record does not fit; the store rolls to a new page.
	ErrPageFull = errors.New("page is full")

	ErrPageClosed = errors.New("page is closed")

	// ErrPageSealed means a write reached a completed page.
	ErrPageSealed = errors.New("page is sealed")
)

// Page is a single page file.
//
// THREAD SAFETY:
//   - Append and Seal are serialized by mu
//   - ReadFrom opens its own file handle so readers never contend with the
//     writer's buffered position
type Page struct {
	id   int64
	dir  string
	file *os.File

	writer *bufio.Writer

	// size is the byte length of valid data
	size int64

	count int64

	// refs is the number of (record, queue) deliveries still outstanding
	refs int64

	limit int64

	mu       sync.RWMutex
	sealed   bool
	closed   bool
	lastSync time.Time

	syncInterval time.Duration
}

// PageFileName returns the file name for a page id.
func PageFileName(id int64) string {
	return fmt.Sprintf("%020d%s", id, pageFileSuffix)
}

// NewPage creates an empty writable page.
func NewPage(dir string, id, limit int64, syncInterval time.Duration) (*Page, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create page directory: %w", err)
	}

	file, err := os.OpenFile(filepath.Join(dir, PageFileName(id)), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create page %d: %w", id, err)
	}

	return &Page{
		id:           id,
		dir:          dir,
		file:         file,
		writer:       bufio.NewWriter(file),
		limit:        limit,
		lastSync:     time.Now(),
		syncInterval: syncInterval,
	}, nil
}

// LoadPage opens an existing page file.
//
// RECOVERY:
// A crash can leave a partial record at the tail. The file is scanned, the
// valid prefix kept and anything after it truncated. A record with a bad
// CRC but intact framing is kept in place; readers skip it. The
// reference count is rebuilt from the queue lists of the valid records.
func LoadPage(dir string, id, limit int64, syncInterval time.Duration) (*Page, error) {
	path := filepath.Join(dir, PageFileName(id))
	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open page %d: %w", id, err)
	}

	size, count, refs, err := scanPage(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to scan page %d: %w", id, err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat page %d: %w", id, err)
	}
	if size < stat.Size() {
		if err := file.Truncate(size); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to truncate page %d: %w", id, err)
		}
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to seek page %d: %w", id, err)
	}

	return &Page{
		id:           id,
		dir:          dir,
		file:         file,
		writer:       bufio.NewWriter(file),
		size:         size,
		count:        count,
		refs:         refs,
		limit:        limit,
		lastSync:     time.Now(),
		syncInterval: syncInterval,
	}, nil
}

// scanPage walks the file to the last intact frame.
func scanPage(file *os.File) (size, count, refs int64, err error) {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return 0, 0, 0, err
	}
	reader := bufio.NewReaderSize(file, ReadBufferSize)

	for {
		rec, n, err := readRecord(reader)
		if err == io.EOF {
			break
		}
		if errors.Is(err, ErrCorruptedRecord) {
			size += n
			count++
			continue
		}
		if err != nil {
			// partial tail or lost framing: keep the valid prefix
			break
		}
		size += n
		count++
		refs += int64(len(rec.Queues))
	}
	return size, count, refs, nil
}

// =============================================================================
// WRITE PATH
// =============================================================================

// Append writes a record and returns the byte position it starts at.
// A record larger than the page limit is still accepted by an empty page so
// oversized messages are never stuck.
func (p *Page) Append(rec *Record) (int64, error) {
	data, err := rec.Encode()
	if err != nil {
		return 0, fmt.Errorf("failed to encode record: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, ErrPageClosed
	}
	if p.sealed {
		return 0, ErrPageSealed
	}
	if p.count > 0 && p.size+int64(len(data)) > p.limit {
		return 0, ErrPageFull
	}

	if _, err := p.writer.Write(data); err != nil {
		return 0, fmt.Errorf("failed to write record: %w", err)
	}

	position := p.size
	p.size += int64(len(data))
	p.count++
	p.refs += int64(len(rec.Queues))

	if err := p.maybeSync(); err != nil {
		return 0, fmt.Errorf("failed to sync: %w", err)
	}
	return position, nil
}

func (p *Page) maybeSync() error {
	if err := p.writer.Flush(); err != nil {
		return err
	}
	if p.syncInterval == 0 || time.Since(p.lastSync) >= p.syncInterval {
		if err := p.file.Sync(); err != nil {
			return err
		}
		p.lastSync = time.Now()
	}
	return nil
}

// Seal flushes, fsyncs and marks the page completed.
func (p *Page) Seal() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPageClosed
	}
	if p.sealed {
		return nil
	}
	if err := p.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	if err := p.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync: %w", err)
	}
	p.sealed = true
	return nil
}

// =============================================================================
// READ PATH
// =============================================================================

// PageEntry is one record read back with its location.
type PageEntry struct {
	Record *Record

	// Position is the record's byte offset, Next the offset just after it.
	Position int64
	Next     int64

	// Corrupt is set when the record failed its CRC. Record is nil then.
	Corrupt bool
}

// ReadFrom calls fn for each record starting at byte position, in append
// order, until fn returns false or the valid data ends. Only completed
// pages are read, the store guarantees that.
func (p *Page) ReadFrom(position int64, fn func(PageEntry) bool) error {
	p.mu.RLock()
	end := p.size
	p.mu.RUnlock()

	if position >= end {
		return nil
	}

	file, err := os.Open(filepath.Join(p.dir, PageFileName(p.id)))
	if err != nil {
		return fmt.Errorf("failed to open page %d for reading: %w", p.id, err)
	}
	defer file.Close()

	if position > 0 {
		if _, err := file.Seek(position, io.SeekStart); err != nil {
			return fmt.Errorf("failed to seek page %d to %d: %w", p.id, position, err)
		}
	}
	reader := bufio.NewReaderSize(io.LimitReader(file, end-position), ReadBufferSize)

	pos := position
	for pos < end {
		rec, n, err := readRecord(reader)
		if err == io.EOF {
			return nil
		}
		if errors.Is(err, ErrCorruptedRecord) {
			entry := PageEntry{Position: pos, Next: pos + n, Corrupt: true}
			pos += n
			if !fn(entry) {
				return nil
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("page %d at position %d: %w", p.id, pos, err)
		}
		entry := PageEntry{Record: rec, Position: pos, Next: pos + n}
		pos += n
		if !fn(entry) {
			return nil
		}
	}
	return nil
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	var errs []error
	if err := p.writer.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("flush: %w", err))
	}
	if err := p.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	p.closed = true
	return errors.Join(errs...)
}

// Delete closes and removes the page file.
func (p *Page) Delete() error {
	if err := p.Close(); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(p.dir, PageFileName(p.id))); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete page %d: %w", p.id, err)
	}
	return nil
}

func (p *Page) ID() int64 { return p.id }

func (p *Page) Size() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.size
}

func (p *Page) MessageCount() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.count
}

func (p *Page) IsSealed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sealed
}

// release drops n outstanding references and returns what remains.
func (p *Page) release(n int64) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refs -= n
	if p.refs < 0 {
		p.refs = 0
	}
	return p.refs
}

func (p *Page) setReferences(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refs = n
}

func (p *Page) references() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.refs
}

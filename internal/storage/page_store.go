// =============================================================================
// PAGE STORE - ORDERED OVERFLOW FOR ONE ADDRESS
// =============================================================================
//
// WHAT IS THE PAGE STORE?
// When an address's in-memory backlog crosses its paging threshold, new
// messages stop going to the bound queues and are appended here instead.
// Queues later depage them back, in order, as memory pressure subsides.
//
// STRUCTURE:
//
//   data/pages/{address}/
//     00000000000000000007.page   completed  (refs 0 -> cleanup deletes)
//     00000000000000000008.page   completed  (refs 12)
//     00000000000000000009.page   writable   (never read, never deleted)
//
// CURSORS:
// A cursor is (pageID, byte position). Every bound queue owns one and
// advances it by calling Depage. Depage only ever reads completed pages,
// so the writer and the readers never touch the same bytes. When a read
// finishes a page exactly, the returned cursor is normalized to the start of
// the next page; a cursor pointing into a page that cleanup already removed
// is moved forward to the next surviving page (a removed page had nothing
// outstanding for anyone).
//
// READ BUDGET AND PREFETCH:
//
//   ┌──────────── MaxBytes / MaxMessages ────────────┐
//   │ returned records          │ prefetched records │
//   └───────────────────────────┴────────────────────┘
//                               ^ Batch.Next
//
//   Records read beyond the request are parked in an LRU keyed by the
//   cursor they start at. The next Depage from that cursor is served from
//   memory first. Prefetch is capped so returned + parked bytes never
//   exceed MaxBytes.
//
// REFERENCES AND CLEANUP:
// Each paged record adds one reference per destination queue to its page.
// A queue releases a reference when it acks or purges that record. Cleanup
// deletes completed pages whose references reached zero. A record that
// fails its CRC cannot be attributed to a queue, so its page is reclaimed
// after the next restart, when references are rebuilt from intact records.
//
// =============================================================================

package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decred/dcrd/container/lru"
)

var (
	ErrPageStoreClosed = errors.New("page store is closed")

	// ErrPageNotFound means a cursor names a page that never existed.
	ErrPageNotFound = errors.New("page not found")

	// ErrStoreFull means the store's disk quota would be exceeded.
	ErrStoreFull = errors.New("page store disk limit reached")
)

// PageStoreConfig configures one address's page store.
type PageStoreConfig struct {
	// PageSize is the per-page byte limit that triggers rollover.
	PageSize int64

	// MaxDiskBytes caps the bytes held across all pages (0 = unlimited).
	MaxDiskBytes int64

	SyncInterval time.Duration

	// PrefetchEntries bounds how many parked prefetch batches are kept.
	PrefetchEntries uint32

	Logger *slog.Logger
}

// DefaultPageStoreConfig returns sensible defaults.
func DefaultPageStoreConfig() PageStoreConfig {
	return PageStoreConfig{
		PageSize:        DefaultPageSize,
		SyncInterval:    DefaultSyncInterval,
		PrefetchEntries: 64,
	}
}

// ReadBudget caps how much paged data a single Depage call may hold in
// memory.
type ReadBudget struct {
	MaxBytes         int64
	MaxMessages      int
	PrefetchBytes    int64
	PrefetchMessages int
}

// DefaultReadBudget mirrors the broker's stock depaging limits.
func DefaultReadBudget() ReadBudget {
	return ReadBudget{
		MaxBytes:         10 * 1024 * 1024,
		MaxMessages:      -1,
		PrefetchBytes:    1024 * 1024,
		PrefetchMessages: 1000,
	}
}

// limits turns "negative = unlimited" into concrete caps.
func (b ReadBudget) limits() (maxBytes int64, maxMessages int) {
	maxBytes, maxMessages = b.MaxBytes, b.MaxMessages
	if maxBytes <= 0 {
		maxBytes = 1<<63 - 1
	}
	if maxMessages <= 0 {
		maxMessages = int(^uint(0) >> 1)
	}
	return maxBytes, maxMessages
}

// Cursor is a restartable read position.
type Cursor struct {
	PageID   int64
	Position int64
}

// Before reports whether c reads earlier than o.
func (c Cursor) Before(o Cursor) bool {
	return c.PageID < o.PageID || (c.PageID == o.PageID && c.Position < o.Position)
}

func (c Cursor) String() string {
	return fmt.Sprintf("%d:%d", c.PageID, c.Position)
}

// DepagedRecord is a record handed back by Depage, with enough location to
// release it and to restart reading at it.
type DepagedRecord struct {
	Record   *Record
	PageID   int64
	Position int64
	Size     int64
}

// Batch is the result of one Depage call.
type Batch struct {
	Records []DepagedRecord

	// Next is where the following Depage call should start.
	Next Cursor

	// Skipped lists records that failed their checksum.
	Skipped []Cursor
}

// PageInfo describes one page for introspection.
type PageInfo struct {
	PageID       int64 `json:"page_id"`
	ByteSize     int64 `json:"byte_size"`
	MessageCount int64 `json:"message_count"`
	Completed    bool  `json:"completed"`
	References   int64 `json:"references"`
}

type prefetched struct {
	records []DepagedRecord
	skipped []Cursor
	next    Cursor
}

// PageStore is the append-ordered set of pages for one address.
type PageStore struct {
	dir    string
	config PageStoreConfig
	logger *slog.Logger

	// pages is sorted by id; the last one is current
	pages   []*Page
	current *Page

	// diskBytes is the sum of page sizes
	diskBytes int64

	paging atomic.Bool

	prefetch *lru.Map[Cursor, prefetched]

	cleaning       atomic.Bool
	cleanupPending atomic.Bool
	wg             sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// OpenPageStore opens the store in dir, creating the first page if the
// directory holds none.
//
// RECOVERY PROCESS:
//  1. List .page files and parse ids from their names
//  2. Load each page (truncating any partial tail)
//  3. Seal all but the newest page
//  4. Paging resumes if any page still holds records
func OpenPageStore(dir string, config PageStoreConfig) (*PageStore, error) {
	if config.PageSize <= 0 {
		config.PageSize = DefaultPageSize
	}
	if config.PrefetchEntries == 0 {
		config.PrefetchEntries = 64
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create page directory: %w", err)
	}

	ids, err := ListPageFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list pages: %w", err)
	}

	s := &PageStore{
		dir:      dir,
		config:   config,
		logger:   logger.With("store", "pages", "dir", dir),
		prefetch: lru.NewMap[Cursor, prefetched](config.PrefetchEntries),
	}

	if len(ids) == 0 {
		page, err := NewPage(dir, 0, config.PageSize, config.SyncInterval)
		if err != nil {
			return nil, err
		}
		s.pages = []*Page{page}
		s.current = page
		return s, nil
	}

	pending := int64(0)
	for _, id := range ids {
		page, err := LoadPage(dir, id, config.PageSize, config.SyncInterval)
		if err != nil {
			for _, p := range s.pages {
				p.Close()
			}
			return nil, fmt.Errorf("failed to load page %d: %w", id, err)
		}
		s.pages = append(s.pages, page)
		s.diskBytes += page.Size()
		pending += page.MessageCount()
	}

	for _, page := range s.pages[:len(s.pages)-1] {
		if err := page.Seal(); err != nil {
			s.logger.Warn("failed to seal recovered page", "page", page.ID(), "error", err)
		}
	}
	s.current = s.pages[len(s.pages)-1]

	if pending > 0 {
		s.paging.Store(true)
	}

	s.logger.Info("page store recovered",
		"pages", len(s.pages),
		"bytes", s.diskBytes,
		"paging", s.paging.Load(),
	)
	return s, nil
}

// =============================================================================
// PAGING (WRITE PATH)
// =============================================================================

// Page appends rec to the writable page and returns the id of the page it
// landed in. If the record would push the page over its byte limit the page
// is sealed and a new one opened first.
func (s *PageStore) Page(rec *Record) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrPageStoreClosed
	}

	size := int64(rec.EncodedSize())
	if s.config.MaxDiskBytes > 0 && s.diskBytes+size > s.config.MaxDiskBytes {
		return 0, fmt.Errorf("%w: %d + %d > %d bytes", ErrStoreFull, s.diskBytes, size, s.config.MaxDiskBytes)
	}

	_, err := s.current.Append(rec)
	if errors.Is(err, ErrPageFull) {
		if err := s.rollover(); err != nil {
			return 0, err
		}
		_, err = s.current.Append(rec)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to page record into page %d: %w", s.current.ID(), err)
	}

	s.diskBytes += size
	return s.current.ID(), nil
}

// rollover seals the current page and opens the next. Caller holds mu.
func (s *PageStore) rollover() error {
	if err := s.current.Seal(); err != nil {
		return fmt.Errorf("failed to seal page %d: %w", s.current.ID(), err)
	}
	next, err := NewPage(s.dir, s.current.ID()+1, s.config.PageSize, s.config.SyncInterval)
	if err != nil {
		return err
	}
	s.pages = append(s.pages, next)
	s.current = next
	s.logger.Debug("page rolled over", "sealed", next.ID()-1, "current", next.ID())
	return nil
}

// SealCurrent completes the writable page so readers can drain it. It is a
// no-op when the writable page is empty.
func (s *PageStore) SealCurrent() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrPageStoreClosed
	}
	if s.current.MessageCount() == 0 {
		return nil
	}
	return s.rollover()
}

// =============================================================================
// DEPAGING (READ PATH)
// =============================================================================

// Depage reads records starting at cursor, bounded by budget. It never reads
// the writable page. Reading past the last completed page returns an empty
// batch whose Next equals the (normalized) cursor.
func (s *PageStore) Depage(cursor Cursor, budget ReadBudget) (*Batch, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrPageStoreClosed
	}
	currentID := s.current.ID()
	if cursor.PageID < 0 || cursor.PageID > currentID || cursor.Position < 0 {
		s.mu.RUnlock()
		return nil, fmt.Errorf("%w: cursor %s, current page %d", ErrPageNotFound, cursor, currentID)
	}
	var readable []*Page
	for _, p := range s.pages {
		if p.ID() >= cursor.PageID && p != s.current {
			readable = append(readable, p)
		}
	}
	s.mu.RUnlock()

	maxBytes, maxMessages := budget.limits()
	batch := &Batch{Next: cursor}
	var used int64

	// Serve parked prefetch first.
	readFrom := cursor
	if pf, ok := s.prefetch.Get(cursor); ok {
		s.prefetch.Delete(cursor)
		batch.Skipped = append(batch.Skipped, pf.skipped...)

		taken := 0
		for _, r := range pf.records {
			if len(batch.Records) >= maxMessages || (used+r.Size > maxBytes && len(batch.Records) > 0) {
				break
			}
			batch.Records = append(batch.Records, r)
			used += r.Size
			taken++
		}
		if rest := pf.records[taken:]; len(rest) > 0 {
			batch.Next = Cursor{PageID: rest[0].PageID, Position: rest[0].Position}
			s.prefetch.Put(batch.Next, prefetched{records: rest, next: pf.next})
			return batch, nil
		}
		readFrom = pf.next
		batch.Next = pf.next
	}

	records, skipped, next, err := s.read(readable, currentID, readFrom,
		maxBytes-used, maxMessages-len(batch.Records), len(batch.Records) == 0)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		used += r.Size
	}
	batch.Records = append(batch.Records, records...)
	batch.Skipped = append(batch.Skipped, skipped...)
	batch.Next = next

	// Read ahead, keeping returned + parked bytes under MaxBytes.
	pfBytes := budget.PrefetchBytes
	if room := maxBytes - used; pfBytes > room {
		pfBytes = room
	}
	if pfBytes > 0 && budget.PrefetchMessages > 0 {
		ahead, aheadSkipped, aheadNext, err := s.read(readable, currentID, next, pfBytes, budget.PrefetchMessages, false)
		if err == nil && len(ahead) > 0 {
			s.prefetch.Put(next, prefetched{records: ahead, skipped: aheadSkipped, next: aheadNext})
		}
	}

	return batch, nil
}

// read scans completed pages from cursor. allowOversized lets the very first
// record through even if it alone exceeds maxBytes, so a large message can
// never wedge a cursor.
func (s *PageStore) read(pages []*Page, currentID int64, from Cursor, maxBytes int64, maxMessages int, allowOversized bool) ([]DepagedRecord, []Cursor, Cursor, error) {
	var (
		out     []DepagedRecord
		skipped []Cursor
		used    int64
	)
	cursor := from

	// A cursor on a page cleanup removed moves to the next survivor.
	if len(pages) > 0 && pages[0].ID() > cursor.PageID {
		cursor = Cursor{PageID: pages[0].ID()}
	} else if len(pages) == 0 && cursor.PageID < currentID {
		cursor = Cursor{PageID: currentID}
	}

	for i, page := range pages {
		if page.ID() < cursor.PageID {
			continue
		}
		nextPage := Cursor{PageID: currentID}
		if i+1 < len(pages) {
			nextPage = Cursor{PageID: pages[i+1].ID()}
		}

		full := false
		pageEnd := page.Size()
		err := page.ReadFrom(cursor.Position, func(e PageEntry) bool {
			if e.Corrupt {
				skipped = append(skipped, Cursor{PageID: page.ID(), Position: e.Position})
				cursor = Cursor{PageID: page.ID(), Position: e.Next}
				return true
			}
			size := e.Next - e.Position
			if len(out) >= maxMessages || (used+size > maxBytes && (len(out) > 0 || !allowOversized)) {
				full = true
				return false
			}
			out = append(out, DepagedRecord{Record: e.Record, PageID: page.ID(), Position: e.Position, Size: size})
			used += size
			cursor = Cursor{PageID: page.ID(), Position: e.Next}
			return true
		})
		if err != nil {
			return nil, nil, from, fmt.Errorf("depage page %d: %w", page.ID(), err)
		}
		if full {
			return out, skipped, cursor, nil
		}
		if cursor.Position >= pageEnd || cursor.PageID < page.ID() {
			cursor = nextPage
		}
		if len(out) >= maxMessages {
			return out, skipped, cursor, nil
		}
	}
	return out, skipped, cursor, nil
}

// =============================================================================
// REFERENCES & CLEANUP
// =============================================================================

// Release drops n references from a page after acks or purges.
func (s *PageStore) Release(pageID int64, n int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.pages {
		if p.ID() == pageID {
			p.release(n)
			return
		}
	}
}

// ScheduleCleanup deletes unreferenced completed pages in the background.
// Calls while a run is in flight coalesce into one more run.
func (s *PageStore) ScheduleCleanup() {
	s.cleanupPending.Store(true)
	if !s.cleaning.CompareAndSwap(false, true) {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			for s.cleanupPending.Swap(false) {
				if _, err := s.Cleanup(); err != nil && !errors.Is(err, ErrPageStoreClosed) {
					s.logger.Error("page cleanup failed", "error", err)
				}
			}
			s.cleaning.Store(false)
			if !s.cleanupPending.Load() || !s.cleaning.CompareAndSwap(false, true) {
				return
			}
		}
	}()
}

// Cleanup synchronously deletes every completed page with zero references
// and returns how many were removed. The writable page is never removed.
func (s *PageStore) Cleanup() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrPageStoreClosed
	}

	keep := make([]*Page, 0, len(s.pages))
	removed := 0
	var errs []error
	for _, p := range s.pages {
		if p == s.current || !p.IsSealed() || p.references() > 0 {
			keep = append(keep, p)
			continue
		}
		size := p.Size()
		if err := p.Delete(); err != nil {
			errs = append(errs, err)
			keep = append(keep, p)
			continue
		}
		s.diskBytes -= size
		removed++
	}
	s.pages = keep

	if removed > 0 {
		s.logger.Debug("pages cleaned up", "removed", removed, "remaining", len(s.pages))
	}
	return removed, errors.Join(errs...)
}

// RestoreReferences recounts page references from the queues' saved read
// positions after a restart. A record holds one reference for every queue
// it names whose cursor is at or before it; records behind a cursor were
// acknowledged or purged. Queues absent from cursors hold none. Paging
// stays on only while some record is still referenced.
func (s *PageStore) RestoreReferences(cursors map[string]Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrPageStoreClosed
	}

	var total int64
	for _, p := range s.pages {
		var refs int64
		id := p.ID()
		err := p.ReadFrom(0, func(e PageEntry) bool {
			if e.Corrupt {
				return true
			}
			at := Cursor{PageID: id, Position: e.Position}
			for _, q := range e.Record.Queues {
				if c, ok := cursors[q]; ok && !at.Before(c) {
					refs++
				}
			}
			return true
		})
		if err != nil {
			return fmt.Errorf("failed to restore references of page %d: %w", id, err)
		}
		p.setReferences(refs)
		total += refs
	}

	// Nothing left to read: complete the writable page so cleanup can
	// reclaim it along with the rest.
	if total == 0 && s.current.MessageCount() > 0 {
		if err := s.rollover(); err != nil {
			return err
		}
	}
	s.paging.Store(total > 0)

	s.logger.Debug("page references restored",
		"queues", len(cursors),
		"references", total,
		"paging", total > 0,
	)
	return nil
}

// =============================================================================
// STATE & INTROSPECTION
// =============================================================================

func (s *PageStore) IsPaging() bool { return s.paging.Load() }

// StartPaging flips the store into paging mode; it reports whether the
// state changed.
func (s *PageStore) StartPaging() bool { return s.paging.CompareAndSwap(false, true) }

func (s *PageStore) StopPaging() bool { return s.paging.CompareAndSwap(true, false) }

// Tail is the cursor a newly bound queue starts from.
func (s *PageStore) Tail() Cursor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Cursor{PageID: s.current.ID()}
}

// CaughtUp reports whether cursor has consumed every paged record.
func (s *PageStore) CaughtUp(cursor Cursor) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cursor.PageID >= s.current.ID() && s.current.MessageCount() == 0
}

func (s *PageStore) NumberOfPages() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pages)
}

func (s *PageStore) BytesPerPage() int64 { return s.config.PageSize }

func (s *PageStore) CurrentPageID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.ID()
}

func (s *PageStore) DiskBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.diskBytes
}

func (s *PageStore) Pages() []PageInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]PageInfo, 0, len(s.pages))
	for _, p := range s.pages {
		infos = append(infos, PageInfo{
			PageID:       p.ID(),
			ByteSize:     p.Size(),
			MessageCount: p.MessageCount(),
			Completed:    p.IsSealed(),
			References:   p.references(),
		})
	}
	return infos
}

func (s *PageStore) Dir() string { return s.dir }

// Close waits for in-flight cleanup and closes every page.
func (s *PageStore) Close() error {
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.prefetch.Clear()

	var errs []error
	for _, p := range s.pages {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("page %d: %w", p.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// Delete closes the store and removes its directory.
func (s *PageStore) Delete() error {
	if err := s.Close(); err != nil {
		return err
	}
	return os.RemoveAll(s.dir)
}

// =============================================================================
// UTILITY FUNCTIONS
// =============================================================================

// ListPageFiles returns the page ids present in dir, ascending.
func ListPageFiles(dir string) ([]int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var ids []int64
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), pageFileSuffix) {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSuffix(entry.Name(), pageFileSuffix), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// =============================================================================
// PAGE STORE TESTS
// =============================================================================
//
// KEY BEHAVIORS TO TEST:
//   - Rollover when a page would exceed its byte limit
//   - Depage never reads the writable page
//   - Restartable cursors: one big budget == many small budgets
//   - Cleanup removes only unreferenced completed pages
//   - Recovery reloads pages and resumes paging
//   - Corrupt records are skipped and reported
//   - References restored from saved cursors after a restart
//   - Paging, depaging and cleanup running concurrently
//
// =============================================================================

package storage

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func testRecord(i int, queues ...string) *Record {
	return &Record{
		Sequence:  uint64(i),
		Timestamp: int64(i),
		MessageID: fmt.Sprintf("m-%d", i),
		Address:   "orders",
		Queues:    queues,
		Body:      []byte(fmt.Sprintf("payload-%03d", i)),
	}
}

func openTestStore(t *testing.T, pageSize int64) *PageStore {
	t.Helper()
	config := DefaultPageStoreConfig()
	config.PageSize = pageSize
	config.SyncInterval = 0
	store, err := OpenPageStore(t.TempDir(), config)
	if err != nil {
		t.Fatalf("OpenPageStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func drain(t *testing.T, store *PageStore, cursor Cursor, budget ReadBudget) ([]uint64, Cursor) {
	t.Helper()
	var seqs []uint64
	for i := 0; i < 10000; i++ {
		batch, err := store.Depage(cursor, budget)
		if err != nil {
			t.Fatalf("Depage(%s) failed: %v", cursor, err)
		}
		for _, r := range batch.Records {
			seqs = append(seqs, r.Record.Sequence)
		}
		if len(batch.Records) == 0 && batch.Next == cursor {
			return seqs, cursor
		}
		cursor = batch.Next
	}
	t.Fatal("drain did not terminate")
	return nil, cursor
}

func TestPageStore_Rollover(t *testing.T) {
	size := int64(testRecord(0, "q").EncodedSize())
	store := openTestStore(t, size*3)

	var ids []int64
	for i := 0; i < 10; i++ {
		id, err := store.Page(testRecord(i, "q"))
		if err != nil {
			t.Fatalf("Page(%d) failed: %v", i, err)
		}
		ids = append(ids, id)
	}

	for i := 1; i < len(ids); i++ {
		if ids[i] < ids[i-1] {
			t.Fatalf("page ids went backwards: %v", ids)
		}
	}
	if ids[0] != 0 || ids[9] != 3 {
		t.Errorf("page ids = %v, want 3 records per page ending on page 3", ids)
	}
	if got := store.NumberOfPages(); got != 4 {
		t.Errorf("NumberOfPages = %d, want 4", got)
	}
	if got := store.BytesPerPage(); got != size*3 {
		t.Errorf("BytesPerPage = %d, want %d", got, size*3)
	}

	pages := store.Pages()
	for _, p := range pages[:3] {
		if !p.Completed || p.MessageCount != 3 {
			t.Errorf("page %d = %+v, want completed with 3 messages", p.PageID, p)
		}
	}
	if pages[3].Completed {
		t.Error("writable page reported as completed")
	}
}

func TestPageStore_DepageSkipsWritablePage(t *testing.T) {
	store := openTestStore(t, 1<<20)

	for i := 0; i < 5; i++ {
		if _, err := store.Page(testRecord(i, "q")); err != nil {
			t.Fatalf("Page failed: %v", err)
		}
	}

	batch, err := store.Depage(Cursor{}, DefaultReadBudget())
	if err != nil {
		t.Fatalf("Depage failed: %v", err)
	}
	if len(batch.Records) != 0 {
		t.Fatalf("read %d records from the writable page, want 0", len(batch.Records))
	}

	if err := store.SealCurrent(); err != nil {
		t.Fatalf("SealCurrent failed: %v", err)
	}
	seqs, end := drain(t, store, Cursor{}, DefaultReadBudget())
	if len(seqs) != 5 {
		t.Fatalf("depaged %d records, want 5", len(seqs))
	}
	if !store.CaughtUp(end) {
		t.Errorf("CaughtUp(%s) = false after draining", end)
	}
}

func TestPageStore_RestartableCursorLaw(t *testing.T) {
	size := int64(testRecord(0, "q").EncodedSize())
	store := openTestStore(t, size*4)

	const n = 37
	for i := 0; i < n; i++ {
		if _, err := store.Page(testRecord(i, "q")); err != nil {
			t.Fatalf("Page failed: %v", err)
		}
	}
	if err := store.SealCurrent(); err != nil {
		t.Fatalf("SealCurrent failed: %v", err)
	}

	big, _ := drain(t, store, Cursor{}, ReadBudget{MaxBytes: -1, MaxMessages: -1})

	budgets := []ReadBudget{
		{MaxBytes: -1, MaxMessages: 1},
		{MaxBytes: -1, MaxMessages: 3, PrefetchBytes: 1 << 20, PrefetchMessages: 5},
		{MaxBytes: size * 2, MaxMessages: -1, PrefetchBytes: size, PrefetchMessages: 10},
		{MaxBytes: size*5 + 1, MaxMessages: 4, PrefetchBytes: size * 3, PrefetchMessages: 2},
	}
	for i, budget := range budgets {
		t.Run(fmt.Sprintf("budget-%d", i), func(t *testing.T) {
			small, _ := drain(t, store, Cursor{}, budget)
			if len(small) != len(big) {
				t.Fatalf("small budgets read %d records, big budget read %d", len(small), len(big))
			}
			for j := range big {
				if small[j] != big[j] {
					t.Fatalf("record %d: small=%d big=%d", j, small[j], big[j])
				}
			}
		})
	}

	for i, seq := range big {
		if seq != uint64(i) {
			t.Fatalf("record %d has sequence %d, want paging order", i, seq)
		}
	}
}

func TestPageStore_BudgetLimits(t *testing.T) {
	size := int64(testRecord(0, "q").EncodedSize())
	store := openTestStore(t, 1<<20)

	for i := 0; i < 20; i++ {
		store.Page(testRecord(i, "q"))
	}
	store.SealCurrent()

	batch, err := store.Depage(Cursor{}, ReadBudget{MaxBytes: size * 4, MaxMessages: 100, PrefetchBytes: size * 10, PrefetchMessages: 10})
	if err != nil {
		t.Fatalf("Depage failed: %v", err)
	}
	if len(batch.Records) != 4 {
		t.Errorf("records = %d, want 4 (byte bound)", len(batch.Records))
	}

	batch, err = store.Depage(Cursor{}, ReadBudget{MaxBytes: -1, MaxMessages: 7})
	if err != nil {
		t.Fatalf("Depage failed: %v", err)
	}
	if len(batch.Records) != 7 {
		t.Errorf("records = %d, want 7 (message bound)", len(batch.Records))
	}
}

func TestPageStore_OversizedRecordNeverWedges(t *testing.T) {
	store := openTestStore(t, 64)

	big := testRecord(1, "q")
	big.Body = make([]byte, 4096)
	if _, err := store.Page(big); err != nil {
		t.Fatalf("Page failed: %v", err)
	}
	store.SealCurrent()

	batch, err := store.Depage(Cursor{}, ReadBudget{MaxBytes: 100, MaxMessages: -1})
	if err != nil {
		t.Fatalf("Depage failed: %v", err)
	}
	if len(batch.Records) != 1 {
		t.Errorf("records = %d, want the oversized record alone", len(batch.Records))
	}
}

func TestPageStore_CleanupOnlyUnreferenced(t *testing.T) {
	size := int64(testRecord(0, "q").EncodedSize())
	store := openTestStore(t, size*2)

	for i := 0; i < 6; i++ {
		store.Page(testRecord(i, "q"))
	}
	// pages 0,1 completed; page 2 writable with 2 records
	if got := store.NumberOfPages(); got != 3 {
		t.Fatalf("NumberOfPages = %d, want 3", got)
	}

	removed, err := store.Cleanup()
	if err != nil || removed != 0 {
		t.Fatalf("Cleanup = (%d, %v), want nothing removed while referenced", removed, err)
	}

	store.Release(0, 2)
	removed, err = store.Cleanup()
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	// A writable page is never removed, even with no references.
	store.Release(2, 2)
	store.Cleanup()
	if store.CurrentPageID() != 2 || store.NumberOfPages() != 2 {
		t.Errorf("current=%d pages=%d, want current page kept", store.CurrentPageID(), store.NumberOfPages())
	}

	// A cursor into the removed page moves on to the next survivor.
	store.SealCurrent()
	seqs, _ := drain(t, store, Cursor{PageID: 0}, DefaultReadBudget())
	if len(seqs) != 4 || seqs[0] != 2 {
		t.Errorf("depaged %v after cleanup, want records 2..5", seqs)
	}
}

func TestPageStore_ScheduleCleanupIsIdempotent(t *testing.T) {
	size := int64(testRecord(0).EncodedSize())
	store := openTestStore(t, size)

	for i := 0; i < 5; i++ {
		store.Page(testRecord(i))
	}
	for i := 0; i < 10; i++ {
		store.ScheduleCleanup()
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	ids, err := ListPageFiles(store.Dir())
	if err != nil {
		t.Fatalf("ListPageFiles failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != 4 {
		t.Errorf("pages left = %v, want only the writable page 4", ids)
	}
}

func TestPageStore_Recovery(t *testing.T) {
	dir := t.TempDir()
	size := int64(testRecord(0, "a", "b").EncodedSize())
	config := DefaultPageStoreConfig()
	config.PageSize = size * 2

	store, err := OpenPageStore(dir, config)
	if err != nil {
		t.Fatalf("OpenPageStore failed: %v", err)
	}
	store.StartPaging()
	for i := 0; i < 5; i++ {
		store.Page(testRecord(i, "a", "b"))
	}
	store.Close()

	reopened, err := OpenPageStore(dir, config)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	if !reopened.IsPaging() {
		t.Error("IsPaging = false after recovering pages with records")
	}
	if got := reopened.NumberOfPages(); got != 3 {
		t.Errorf("NumberOfPages = %d, want 3", got)
	}
	for _, p := range reopened.Pages() {
		if p.References != p.MessageCount*2 {
			t.Errorf("page %d references = %d, want %d", p.PageID, p.References, p.MessageCount*2)
		}
	}

	reopened.SealCurrent()
	seqs, _ := drain(t, reopened, Cursor{}, DefaultReadBudget())
	if len(seqs) != 5 {
		t.Errorf("recovered %d records, want 5", len(seqs))
	}
}

func TestPageStore_RecoveryTruncatesPartialTail(t *testing.T) {
	dir := t.TempDir()
	config := DefaultPageStoreConfig()

	store, _ := OpenPageStore(dir, config)
	store.Page(testRecord(0, "q"))
	store.Page(testRecord(1, "q"))
	store.Close()

	path := filepath.Join(dir, PageFileName(0))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("open page: %v", err)
	}
	f.Write([]byte{MagicByte1, MagicByte2, FormatVersion, 0, 1, 2})
	f.Close()

	reopened, err := OpenPageStore(dir, config)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	if got := reopened.Pages()[0].MessageCount; got != 2 {
		t.Errorf("MessageCount = %d, want 2 after truncating the partial tail", got)
	}
}

func TestPageStore_CorruptRecordSkipped(t *testing.T) {
	store := openTestStore(t, 1<<20)
	for i := 0; i < 4; i++ {
		store.Page(testRecord(i, "q"))
	}
	store.SealCurrent()

	first, err := store.Depage(Cursor{}, ReadBudget{MaxBytes: -1, MaxMessages: -1})
	if err != nil {
		t.Fatalf("Depage failed: %v", err)
	}
	target := first.Records[2]

	path := filepath.Join(store.Dir(), PageFileName(0))
	data, _ := os.ReadFile(path)
	data[target.Position+RecordHeaderSize] ^= 0xFF
	os.WriteFile(path, data, 0644)

	batch, err := store.Depage(Cursor{}, ReadBudget{MaxBytes: -1, MaxMessages: -1})
	if err != nil {
		t.Fatalf("Depage failed: %v", err)
	}
	if len(batch.Records) != 3 {
		t.Errorf("records = %d, want 3", len(batch.Records))
	}
	if len(batch.Skipped) != 1 || batch.Skipped[0].Position != target.Position {
		t.Errorf("Skipped = %v, want position %d", batch.Skipped, target.Position)
	}
}

func TestPageStore_InvalidCursor(t *testing.T) {
	store := openTestStore(t, 1<<20)

	_, err := store.Depage(Cursor{PageID: 99}, DefaultReadBudget())
	if !errors.Is(err, ErrPageNotFound) {
		t.Errorf("Depage(future page) error = %v, want ErrPageNotFound", err)
	}
}

func TestPageStore_DiskLimit(t *testing.T) {
	config := DefaultPageStoreConfig()
	config.MaxDiskBytes = int64(testRecord(0).EncodedSize()) * 2
	store, err := OpenPageStore(t.TempDir(), config)
	if err != nil {
		t.Fatalf("OpenPageStore failed: %v", err)
	}
	defer store.Close()

	store.Page(testRecord(0))
	store.Page(testRecord(1))
	if _, err := store.Page(testRecord(2)); !errors.Is(err, ErrStoreFull) {
		t.Errorf("third Page error = %v, want ErrStoreFull", err)
	}
}

// =============================================================================
// RESTORED REFERENCES
// =============================================================================

func TestPageStore_RestoreReferences(t *testing.T) {
	dir := t.TempDir()
	size := int64(testRecord(0, "a", "b").EncodedSize())
	config := DefaultPageStoreConfig()
	config.PageSize = size * 2

	store, err := OpenPageStore(dir, config)
	if err != nil {
		t.Fatalf("OpenPageStore failed: %v", err)
	}
	for i := 0; i < 6; i++ {
		store.Page(testRecord(i, "a", "b"))
	}
	store.Close()

	reopened, err := OpenPageStore(dir, config)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	// a acked everything in page 0, b everything in pages 0 and 1.
	err = reopened.RestoreReferences(map[string]Cursor{
		"a": {PageID: 1},
		"b": {PageID: 2},
	})
	if err != nil {
		t.Fatalf("RestoreReferences failed: %v", err)
	}
	want := map[int64]int64{0: 0, 1: 2, 2: 4}
	for _, p := range reopened.Pages() {
		if p.References != want[p.PageID] {
			t.Errorf("page %d references = %d, want %d", p.PageID, p.References, want[p.PageID])
		}
	}
	if !reopened.IsPaging() {
		t.Error("IsPaging = false with referenced records left")
	}
	if removed, err := reopened.Cleanup(); err != nil || removed != 1 {
		t.Errorf("Cleanup = (%d, %v), want page 0 removed", removed, err)
	}

	// Every queue past the last record: nothing is referenced any more.
	err = reopened.RestoreReferences(map[string]Cursor{
		"a": {PageID: 3},
		"b": {PageID: 3},
	})
	if err != nil {
		t.Fatalf("RestoreReferences failed: %v", err)
	}
	if reopened.IsPaging() {
		t.Error("IsPaging = true with every record acknowledged")
	}
	if got := reopened.CurrentPageID(); got != 3 {
		t.Errorf("CurrentPageID = %d, want 3 (writable page completed)", got)
	}
	if removed, err := reopened.Cleanup(); err != nil || removed != 2 {
		t.Errorf("Cleanup = (%d, %v), want pages 1 and 2 removed", removed, err)
	}
}

func TestPageStore_LoggerKeepsCallerComponent(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	config := DefaultPageStoreConfig()
	config.Logger = slog.New(handler).With("component", "address")

	store, err := OpenPageStore(t.TempDir(), config)
	if err != nil {
		t.Fatalf("OpenPageStore failed: %v", err)
	}
	defer store.Close()
	if err := store.RestoreReferences(nil); err != nil {
		t.Fatalf("RestoreReferences failed: %v", err)
	}

	out := strings.TrimSpace(buf.String())
	if out == "" {
		t.Fatal("no log output")
	}
	for _, line := range strings.Split(out, "\n") {
		if n := strings.Count(line, "component="); n != 1 {
			t.Errorf("component key appears %d times in %q", n, line)
		}
		if !strings.Contains(line, "store=pages") {
			t.Errorf("store key missing from %q", line)
		}
	}
}

func TestCursor_Before(t *testing.T) {
	tests := []struct {
		a, b Cursor
		want bool
	}{
		{Cursor{0, 10}, Cursor{0, 20}, true},
		{Cursor{0, 20}, Cursor{1, 0}, true},
		{Cursor{1, 0}, Cursor{1, 0}, false},
		{Cursor{2, 0}, Cursor{1, 99}, false},
	}
	for _, tt := range tests {
		if got := tt.a.Before(tt.b); got != tt.want {
			t.Errorf("%s.Before(%s) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

// =============================================================================
// CONCURRENCY
// =============================================================================

// pageConcurrently pages total records for queue q from its own goroutine.
func pageConcurrently(t *testing.T, store *PageStore, total int) *sync.WaitGroup {
	t.Helper()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			if _, err := store.Page(testRecord(i, "q")); err != nil {
				t.Errorf("Page(%d) failed: %v", i, err)
				return
			}
		}
	}()
	return &wg
}

// readAll depages until total records arrived, sealing the writable page
// whenever the reader catches up with the writer.
func readAll(t *testing.T, store *PageStore, total int, budget ReadBudget, fn func(DepagedRecord)) []uint64 {
	t.Helper()
	var (
		seqs   []uint64
		cursor Cursor
	)
	deadline := time.Now().Add(5 * time.Second)
	for len(seqs) < total {
		if time.Now().After(deadline) {
			t.Fatalf("read %d of %d records before timing out", len(seqs), total)
		}
		batch, err := store.Depage(cursor, budget)
		if err != nil {
			t.Fatalf("Depage(%s) failed: %v", cursor, err)
		}
		for _, r := range batch.Records {
			seqs = append(seqs, r.Record.Sequence)
			if fn != nil {
				fn(r)
			}
		}
		if len(batch.Records) == 0 && batch.Next == cursor {
			if err := store.SealCurrent(); err != nil {
				t.Fatalf("SealCurrent failed: %v", err)
			}
		}
		cursor = batch.Next
	}
	return seqs
}

func wantSequence(t *testing.T, seqs []uint64, total int) {
	t.Helper()
	if len(seqs) != total {
		t.Fatalf("read %d records, want %d", len(seqs), total)
	}
	for i, seq := range seqs {
		if seq != uint64(i) {
			t.Fatalf("record[%d] = %d, want %d", i, seq, i)
		}
	}
}

func TestPageStore_ConcurrentPageAndDepage(t *testing.T) {
	size := int64(testRecord(0, "q").EncodedSize())
	store := openTestStore(t, size*4)
	const total = 300

	writer := pageConcurrently(t, store, total)
	seqs := readAll(t, store, total, ReadBudget{MaxMessages: 7, PrefetchBytes: size * 8, PrefetchMessages: 8}, nil)
	writer.Wait()

	wantSequence(t, seqs, total)
	var messages int64
	for _, p := range store.Pages() {
		messages += p.MessageCount
	}
	if messages != total {
		t.Errorf("pages hold %d records, want %d", messages, total)
	}
}

func TestPageStore_CleanupWhilePaging(t *testing.T) {
	size := int64(testRecord(0, "q").EncodedSize())
	store := openTestStore(t, size*3)
	store.StartPaging()
	const total = 300

	writer := pageConcurrently(t, store, total)
	seqs := readAll(t, store, total, ReadBudget{MaxMessages: 5}, func(r DepagedRecord) {
		store.Release(r.PageID, 1)
		store.ScheduleCleanup()
	})
	writer.Wait()
	wantSequence(t, seqs, total)

	store.SealCurrent()
	if _, err := store.Cleanup(); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if got := store.NumberOfPages(); got != 1 {
		t.Errorf("NumberOfPages = %d, want only the writable page", got)
	}
	if got := store.DiskBytes(); got != 0 {
		t.Errorf("DiskBytes = %d, want 0 once every page is released", got)
	}
}

package address

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"addrbroker/internal/journal"
)

// failingJournal rejects every duplicate id write.
type failingJournal struct {
	*journal.Memory
}

func (failingJournal) StoreDuplicateID(string, journal.DuplicateEntry, []byte) error {
	return errors.New("disk full")
}

func TestDuplicateIDCache_RecordedThenAlreadySeen(t *testing.T) {
	c, err := NewDuplicateIDCache("orders", 10, journal.NewMemory())
	if err != nil {
		t.Fatalf("NewDuplicateIDCache failed: %v", err)
	}

	if got, _ := c.CheckAndRecord([]byte("id-1")); got != Recorded {
		t.Errorf("first CheckAndRecord = %v, want Recorded", got)
	}
	if got, _ := c.CheckAndRecord([]byte("id-1")); got != AlreadySeen {
		t.Errorf("second CheckAndRecord = %v, want AlreadySeen", got)
	}

	n, err := c.Clear()
	if err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Clear = %d, want 1", n)
	}
	if got, _ := c.CheckAndRecord([]byte("id-1")); got != Recorded {
		t.Errorf("CheckAndRecord after Clear = %v, want Recorded", got)
	}
}

func TestDuplicateIDCache_EvictsOldest(t *testing.T) {
	j := journal.NewMemory()
	c, err := NewDuplicateIDCache("orders", 3, j)
	if err != nil {
		t.Fatalf("NewDuplicateIDCache failed: %v", err)
	}

	for i := 0; i < 4; i++ {
		if _, err := c.CheckAndRecord([]byte(fmt.Sprintf("id-%d", i))); err != nil {
			t.Fatalf("CheckAndRecord(%d) failed: %v", i, err)
		}
		if c.Size() > c.Capacity() {
			t.Fatalf("Size = %d exceeds capacity %d", c.Size(), c.Capacity())
		}
	}

	if c.Contains([]byte("id-0")) {
		t.Error("id-0 still cached, want evicted")
	}
	for _, id := range []string{"id-1", "id-2", "id-3"} {
		if !c.Contains([]byte(id)) {
			t.Errorf("%s evicted, want cached", id)
		}
	}

	persisted, err := j.LoadDuplicateIDs("orders")
	if err != nil {
		t.Fatalf("LoadDuplicateIDs failed: %v", err)
	}
	if len(persisted) != 3 {
		t.Fatalf("persisted = %d entries, want 3", len(persisted))
	}
	if got := string(persisted[0].ID); got != "id-1" {
		t.Errorf("oldest persisted = %q, want id-1", got)
	}
}

func TestDuplicateIDCache_ReloadsAfterRestart(t *testing.T) {
	dir := t.TempDir()
	j, err := journal.Open(journal.BackendLevelDB, dir)
	if err != nil {
		t.Fatalf("journal.Open failed: %v", err)
	}
	c, err := NewDuplicateIDCache("orders", 5, j)
	if err != nil {
		t.Fatalf("NewDuplicateIDCache failed: %v", err)
	}
	for i := 0; i < 7; i++ {
		c.CheckAndRecord([]byte(fmt.Sprintf("id-%d", i)))
	}
	j.Close()

	j, err = journal.Open(journal.BackendLevelDB, dir)
	if err != nil {
		t.Fatalf("journal reopen failed: %v", err)
	}
	defer j.Close()

	// Smaller capacity on reload trims the oldest persisted ids.
	c, err = NewDuplicateIDCache("orders", 3, j)
	if err != nil {
		t.Fatalf("NewDuplicateIDCache after restart failed: %v", err)
	}
	if got := c.Size(); got != 3 {
		t.Fatalf("Size = %d, want 3", got)
	}
	if got, _ := c.CheckAndRecord([]byte("id-6")); got != AlreadySeen {
		t.Errorf("CheckAndRecord(id-6) = %v, want AlreadySeen", got)
	}
	if got, _ := c.CheckAndRecord([]byte("id-3")); got != Recorded {
		t.Errorf("CheckAndRecord(id-3) = %v, want Recorded (trimmed on reload)", got)
	}

	persisted, err := j.LoadDuplicateIDs("orders")
	if err != nil {
		t.Fatalf("LoadDuplicateIDs failed: %v", err)
	}
	if len(persisted) != 3 {
		t.Errorf("persisted = %d entries, want 3", len(persisted))
	}
}

func TestDuplicateIDCache_Forget(t *testing.T) {
	c, err := NewDuplicateIDCache("orders", 3, journal.NewMemory())
	if err != nil {
		t.Fatalf("NewDuplicateIDCache failed: %v", err)
	}
	for _, id := range []string{"a", "b", "c"} {
		c.CheckAndRecord([]byte(id))
	}

	if err := c.Forget([]byte("b")); err != nil {
		t.Fatalf("Forget failed: %v", err)
	}
	if c.Contains([]byte("b")) {
		t.Error("b still cached after Forget")
	}
	if got := c.Size(); got != 2 {
		t.Errorf("Size = %d, want 2", got)
	}

	// Eviction order is still insertion order: d fits, e evicts a.
	c.CheckAndRecord([]byte("d"))
	c.CheckAndRecord([]byte("e"))
	if c.Contains([]byte("a")) {
		t.Error("a still cached, want evicted as oldest")
	}
	for _, id := range []string{"c", "d", "e"} {
		if !c.Contains([]byte(id)) {
			t.Errorf("%s missing, want cached", id)
		}
	}
}

func TestDuplicateIDCache_JournalFailureLeavesCacheUnchanged(t *testing.T) {
	c, err := NewDuplicateIDCache("orders", 3, failingJournal{journal.NewMemory()})
	if err != nil {
		t.Fatalf("NewDuplicateIDCache failed: %v", err)
	}

	_, err = c.CheckAndRecord([]byte("id-1"))
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("CheckAndRecord error = %v, want CapacityExceeded", err)
	}
	var e *Error
	if !errors.As(err, &e) || string(e.DuplicateID) != "id-1" {
		t.Errorf("error does not carry the duplicate id: %v", err)
	}
	if c.Contains([]byte("id-1")) {
		t.Error("id cached despite journal failure")
	}
}

func TestDuplicateIDCache_ClearDuringCheckAndRecord(t *testing.T) {
	j := journal.NewMemory()
	c, err := NewDuplicateIDCache("orders", 64, j)
	if err != nil {
		t.Fatalf("NewDuplicateIDCache failed: %v", err)
	}

	const writers, perWriter = 4, 200
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				id := []byte(fmt.Sprintf("w%d-id-%d", w, i))
				got, err := c.CheckAndRecord(id)
				if err != nil {
					t.Errorf("CheckAndRecord(%s) failed: %v", id, err)
					return
				}
				if got != Recorded {
					t.Errorf("CheckAndRecord(%s) = %v, want Recorded for a fresh id", id, got)
				}
				if n := c.Size(); n > c.Capacity() {
					t.Errorf("Size = %d exceeds capacity %d", n, c.Capacity())
				}
			}
		}(w)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			if _, err := c.Clear(); err != nil {
				t.Errorf("Clear failed: %v", err)
				return
			}
		}
	}()
	wg.Wait()

	// Memory and journal must agree once everyone is done.
	entries, err := j.LoadDuplicateIDs("orders")
	if err != nil {
		t.Fatalf("LoadDuplicateIDs failed: %v", err)
	}
	if len(entries) != c.Size() {
		t.Errorf("journal holds %d ids, cache holds %d", len(entries), c.Size())
	}
	for _, e := range entries {
		if !c.Contains(e.ID) {
			t.Errorf("journaled id %s missing from the cache", e.ID)
		}
	}
}

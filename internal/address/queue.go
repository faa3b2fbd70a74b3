// =============================================================================
// BOUND QUEUE - IN-MEMORY BACKLOG + PAGE CURSOR
// =============================================================================
//
// Every queue bound to an address owns:
//
//   pending   messages ready for consumers, in arrival order
//   inflight  messages handed out and not yet acked (by delivery tag)
//   cursor    where this queue is in the address's page store
//
// While the address is paging, new messages skip pending and go to disk.
// When pending runs low the queue depages from its cursor, keeping only
// records whose destination list names this queue.
//
// SIZE ACCOUNTING:
// A message routed in memory to k queues is charged once and carries a
// shared reference; the charge is released when the last queue acks or
// purges it. A depaged record is charged when it comes back into memory and
// released on ack. Each ack of a depaged record also drops one reference on
// its page so cleanup can delete the page once everyone is done with it.
//
// CHECKPOINTS:
// The journaled position of a queue is the oldest depaged record it still
// holds, or its cursor when it holds none. It is written whenever that
// position moves to another page, on purge and on close. A restart replays
// from there, so acks since the last checkpoint may be delivered again.
//
// =============================================================================

package address

import (
	"errors"
	"slices"
	"sync"
	"sync/atomic"

	"addrbroker/internal/storage"
)

// memRef is the shared size charge of one in-memory message.
type memRef struct {
	size int64
	refs atomic.Int32
}

type entry struct {
	msg    *Message
	seq    uint64
	ref    *memRef
	pageID int64

	// at is where a depaged record sits in the page store.
	at storage.Cursor
}

// Queue is one binding of an address.
type Queue struct {
	name   string
	remote bool
	addr   *Address

	mu       sync.Mutex
	cursor   storage.Cursor
	saved    storage.Cursor
	pending  []*entry
	inflight map[uint64]*entry
	nextTag  uint64

	added atomic.Int64
	acked atomic.Int64
}

func newQueue(addr *Address, name string, remote bool, cursor storage.Cursor) *Queue {
	return &Queue{
		name:     name,
		remote:   remote,
		addr:     addr,
		cursor:   cursor,
		saved:    cursor,
		inflight: make(map[uint64]*entry),
	}
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) Remote() bool { return q.remote }

// Paused reports the address pause state; queues inherit it.
func (q *Queue) Paused() bool { return q.addr.pause.IsPaused() }

// MessageCount is the in-memory backlog: pending plus in flight.
func (q *Queue) MessageCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + len(q.inflight)
}

// Cursor returns the queue's page cursor.
func (q *Queue) Cursor() storage.Cursor {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cursor
}

// Checkpoint is the position a restart resumes this queue from.
func (q *Queue) Checkpoint() storage.Cursor {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.checkpointLocked()
}

func (q *Queue) checkpointLocked() storage.Cursor {
	c := q.cursor
	for _, e := range q.pending {
		if e.pageID != NoPage && e.at.Before(c) {
			c = e.at
		}
	}
	for _, e := range q.inflight {
		if e.pageID != NoPage && e.at.Before(c) {
			c = e.at
		}
	}
	return c
}

// checkpointMoved reports whether the checkpoint left the page last
// written to the journal.
func (q *Queue) checkpointMoved() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.checkpointLocked().PageID != q.saved.PageID
}

func (q *Queue) markSaved(c storage.Cursor) {
	q.mu.Lock()
	q.saved = c
	q.mu.Unlock()
}

func (q *Queue) enqueue(e *entry) {
	q.mu.Lock()
	q.pending = append(q.pending, e)
	q.mu.Unlock()
	q.added.Add(1)
}

// Poll hands out up to max messages. It returns nothing while the address
// is paused.
func (q *Queue) Poll(max int) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}
	if q.addr.pause.IsPaused() {
		return nil, nil
	}

	q.mu.Lock()
	var fillErr error
	if len(q.pending) < max && q.addr.store.IsPaging() {
		fillErr = q.fillLocked(max)
	}

	n := min(max, len(q.pending))
	out := make([]Delivery, 0, n)
	for _, e := range q.pending[:n] {
		q.nextTag++
		q.inflight[q.nextTag] = e
		out = append(out, Delivery{
			Tag:      q.nextTag,
			Queue:    q.name,
			Sequence: e.seq,
			Paged:    e.pageID != NoPage,
			Message:  e.msg,
		})
	}
	q.pending = q.pending[n:]
	q.mu.Unlock()

	q.addr.maybeStopPaging()

	if fillErr != nil && len(out) == 0 {
		return nil, fillErr
	}
	return out, nil
}

// Ack acknowledges a delivery. Unknown tags are an InvalidState error.
func (q *Queue) Ack(tag uint64) error {
	q.mu.Lock()
	e, ok := q.inflight[tag]
	if ok {
		delete(q.inflight, tag)
	}
	q.mu.Unlock()

	if !ok {
		return NewError(KindInvalidState, "ack", q.addr.name, errors.New("unknown delivery tag"))
	}
	q.release(e)
	q.acked.Add(1)
	if e.pageID != NoPage && q.checkpointMoved() {
		q.addr.checkpoint()
	}
	if q.addr.store.IsPaging() {
		q.addr.maybeStopPaging()
	}
	return nil
}

func (q *Queue) release(e *entry) {
	if e.ref.refs.Add(-1) == 0 {
		q.addr.flow.Release(e.ref.size)
	}
	if e.pageID != NoPage {
		q.addr.store.Release(e.pageID, 1)
		q.addr.store.ScheduleCleanup()
	}
}

// fillLocked depages until pending holds want messages or the store has
// nothing more for this queue. If everything left sits in the writable page
// and memory pressure is below the paging threshold, the page is sealed so
// it can be read.
func (q *Queue) fillLocked(want int) error {
	store := q.addr.store
	budget := q.addr.Settings().ReadBudget
	sealed := false

	for len(q.pending) < want {
		batch, err := store.Depage(q.cursor, budget)
		if err != nil {
			return q.addr.depageError(q.cursor, err)
		}
		q.reportSkipped(batch.Skipped)

		for _, r := range batch.Records {
			if !slices.Contains(r.Record.Queues, q.name) {
				continue
			}
			ref := &memRef{size: r.Size}
			ref.refs.Store(1)
			q.addr.flow.Charge(r.Size)
			q.pending = append(q.pending, &entry{
				msg:    MessageFromRecord(r.Record),
				seq:    r.Record.Sequence,
				ref:    ref,
				pageID: r.PageID,
				at:     storage.Cursor{PageID: r.PageID, Position: r.Position},
			})
		}
		progressed := batch.Next != q.cursor
		q.cursor = batch.Next

		if len(batch.Records) == 0 && !progressed {
			if store.CaughtUp(q.cursor) || sealed || !q.addr.belowPagingThreshold() {
				return nil
			}
			if err := store.SealCurrent(); err != nil {
				return q.addr.depageError(q.cursor, err)
			}
			sealed = true
		}
	}
	return nil
}

func (q *Queue) reportSkipped(skipped []storage.Cursor) {
	for _, c := range skipped {
		q.addr.logger.Warn("skipped corrupted paged record",
			"queue", q.name,
			"page", c.PageID,
			"position", c.Position,
		)
		q.addr.observer.CorruptRecord(q.addr.name)
	}
}

// purge drops every undelivered message, in memory and paged, and returns
// how many belonged to this queue. In-flight deliveries are left alone.
// The caller seals the writable page first.
func (q *Queue) purge() (int, error) {
	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	purged := len(pending)

	store := q.addr.store
	budget := storage.ReadBudget{MaxBytes: q.addr.Settings().ReadBudget.MaxBytes, MaxMessages: -1}
	var err error
	for {
		batch, derr := store.Depage(q.cursor, budget)
		if derr != nil {
			err = q.addr.depageError(q.cursor, derr)
			break
		}
		q.reportSkipped(batch.Skipped)
		for _, r := range batch.Records {
			if slices.Contains(r.Record.Queues, q.name) {
				store.Release(r.PageID, 1)
				purged++
			}
		}
		if len(batch.Records) == 0 && batch.Next == q.cursor {
			break
		}
		q.cursor = batch.Next
	}
	q.mu.Unlock()

	for _, e := range pending {
		q.release(e)
	}
	store.ScheduleCleanup()
	return purged, err
}

// drainInflight releases every unacked delivery; used when the queue is
// unbound.
func (q *Queue) drainInflight() {
	q.mu.Lock()
	inflight := q.inflight
	q.inflight = make(map[uint64]*entry)
	q.mu.Unlock()

	for _, e := range inflight {
		q.release(e)
	}
}

// =============================================================================
// ADDRESS - THE AGGREGATE ROOT
// =============================================================================
//
// An Address owns everything needed to accept messages for one routing
// point:
//
//   ┌──────────────────────────── Address "orders" ───────────────────────────┐
//   │                                                                         │
//   │  DuplicateIDCache   FlowController        PageStore      PauseController│
//   │  (ring + journal)   (size, watermarks)    (page files)   (gate)         │
//   │                                                                         │
//   │  bindings: [orders.eu] [orders.us] [orders.audit (remote)]              │
//   │  counters: routed / unrouted / messageCount                             │
//   └─────────────────────────────────────────────────────────────────────────┘
//
// PUBLISH PATH:
//
//   1. duplicate id already cached?         → silent ack (Duplicate)
//   2. no binding resolved?                 → Unrouted
//   3. full policy decides:
//        PAGE  → page if paging or over the paging threshold
//        BLOCK → wait for flow control credit
//        FAIL  → Blocked error
//        DROP  → silent discard
//   4. record the duplicate id (atomic with eviction)
//   5. page the record, or enqueue to every bound queue
//
// A failure in step 5 undoes step 4 so a retry is not mistaken for a
// duplicate of a message that was never stored.
//
// LOCKS:
// routeMu is read-locked by publishes and write-locked only to turn paging
// off, which must not race with a publish choosing to page. Lock order is
// routeMu → bindMu → Queue.mu.
//
// =============================================================================

package address

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"addrbroker/internal/journal"
	"addrbroker/internal/storage"
)

// RoutingType is a routing semantic an address supports.
type RoutingType string

const (
	Multicast RoutingType = "MULTICAST"
	Anycast   RoutingType = "ANYCAST"
)

// RetroactivePrefix names the internal addresses that hold retroactive
// history for another address.
const RetroactivePrefix = "$retro."

// Observer receives address events; the broker wires it to metrics.
type Observer interface {
	MessagePublished(address string, outcome Outcome, bytes int64)
	PagingChanged(address string, paging bool)
	FlowChanged(address string, blocked bool)
	CorruptRecord(address string)
}

type noopObserver struct{}

func (noopObserver) MessagePublished(string, Outcome, int64) {}
func (noopObserver) PagingChanged(string, bool)              {}
func (noopObserver) FlowChanged(string, bool)                {}
func (noopObserver) CorruptRecord(string)                    {}

// Options configures Open.
type Options struct {
	ID           uint64
	Name         string
	RoutingTypes []RoutingType
	AutoCreated  bool
	Internal     bool
	Temporary    bool

	Settings Settings

	// GlobalMaxSize is the broker-wide memory limit (0 = unlimited).
	GlobalMaxSize int64

	// DataDir holds one page directory per address.
	DataDir string

	Journal  journal.Journal
	Logger   *slog.Logger
	Observer Observer

	// Restored state from the journal.
	Bindings        []journal.Binding
	PausedPersisted bool
}

// Address is the unit the broker routes to.
type Address struct {
	id           uint64
	name         string
	routingTypes []RoutingType
	autoCreated  bool
	internal     bool
	temporary    bool

	settings  atomic.Pointer[Settings]
	globalMax atomic.Int64

	flow  *FlowController
	store *storage.PageStore
	dups  *DuplicateIDCache
	pause *PauseController

	routeMu sync.RWMutex

	bindMu sync.RWMutex
	queues []*Queue

	routed       atomic.Int64
	unrouted     atomic.Int64
	messageCount atomic.Int64
	seq          atomic.Uint64

	journal  journal.Journal
	logger   *slog.Logger
	observer Observer

	// persistMu orders journal writes so an older snapshot never lands
	// after a newer one.
	persistMu sync.Mutex

	closed atomic.Bool
}

// Open creates or reopens an address. Pages left from a previous run are
// recovered, each restored binding resumes from its journaled position and
// paging continues until the remaining records are drained.
func Open(opts Options) (*Address, error) {
	if opts.Name == "" {
		return nil, NewError(KindInvalidState, "open", "", errors.New("address name is empty"))
	}
	settings := opts.Settings
	if err := settings.Validate(); err != nil {
		return nil, NewError(KindInvalidState, "open", opts.Name, err)
	}
	if settings.FullPolicy == "" {
		settings.FullPolicy = PolicyPage
	}
	if len(opts.RoutingTypes) == 0 {
		opts.RoutingTypes = []RoutingType{Multicast}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observer := opts.Observer
	if observer == nil {
		observer = noopObserver{}
	}

	a := &Address{
		id:           opts.ID,
		name:         opts.Name,
		routingTypes: append([]RoutingType(nil), opts.RoutingTypes...),
		autoCreated:  opts.AutoCreated,
		internal:     opts.Internal,
		temporary:    opts.Temporary,
		flow:         NewFlowController(settings.MaxSizeBytes, settings.LowWatermark),
		journal:      opts.Journal,
		logger:       logger.With("component", "address", "address", opts.Name),
		observer:     observer,
	}
	a.settings.Store(&settings)
	a.globalMax.Store(opts.GlobalMaxSize)
	a.flow.OnChange(func(blocked bool) {
		a.logger.Info("flow control changed", "blocked", blocked, "size", a.flow.Size())
		a.observer.FlowChanged(a.name, blocked)
	})

	initial := Running
	if opts.PausedPersisted {
		initial = PausedPersisted
	}
	a.pause = NewPauseController(initial)

	store, err := storage.OpenPageStore(PageDir(opts.DataDir, opts.Name), storage.PageStoreConfig{
		PageSize:     settings.PageSizeBytes,
		MaxDiskBytes: settings.MaxDiskBytes,
		SyncInterval: storage.DefaultSyncInterval,
		Logger:       a.logger,
	})
	if err != nil {
		return nil, NewError(KindCorruption, "open page store", opts.Name, err)
	}
	a.store = store

	dups, err := NewDuplicateIDCache(opts.Name, settings.DuplicateCacheSize, opts.Journal)
	if err != nil {
		store.Close()
		return nil, err
	}
	a.dups = dups

	cursors := make(map[string]storage.Cursor, len(opts.Bindings))
	for _, b := range opts.Bindings {
		cursor := storage.Cursor{PageID: b.PageID, Position: b.Position}
		if cursor.PageID > store.CurrentPageID() {
			a.logger.Warn("journaled position is past the last page, starting at tail",
				"queue", b.Name, "position", cursor.String())
			cursor = store.Tail()
		}
		cursors[b.Name] = cursor
		a.queues = append(a.queues, newQueue(a, b.Name, b.Remote, cursor))
	}
	if err := store.RestoreReferences(cursors); err != nil {
		store.Close()
		return nil, NewError(KindCorruption, "restore page references", opts.Name, err)
	}
	store.ScheduleCleanup()
	if store.IsPaging() {
		observer.PagingChanged(a.name, true)
	}
	return a, nil
}

// PageDir is where an address keeps its page files.
func PageDir(dataDir, name string) string {
	return filepath.Join(dataDir, "pages", url.PathEscape(name))
}

// =============================================================================
// IDENTITY & SETTINGS
// =============================================================================

func (a *Address) ID() uint64 { return a.id }

func (a *Address) Name() string { return a.name }

func (a *Address) RoutingTypes() []RoutingType {
	return append([]RoutingType(nil), a.routingTypes...)
}

func (a *Address) Internal() bool { return a.internal }

func (a *Address) Temporary() bool { return a.temporary }

func (a *Address) AutoCreated() bool { return a.autoCreated }

// IsRetroactiveResource reports whether this is an internal address that
// holds retroactive history.
func (a *Address) IsRetroactiveResource() bool {
	return a.internal && strings.HasPrefix(a.name, RetroactivePrefix)
}

func (a *Address) Settings() Settings { return *a.settings.Load() }

// ApplySettings swaps the settings and re-evaluates flow control against
// the new watermarks.
func (a *Address) ApplySettings(s Settings) error {
	if err := s.Validate(); err != nil {
		return NewError(KindInvalidState, "apply settings", a.name, err)
	}
	if s.FullPolicy == "" {
		s.FullPolicy = PolicyPage
	}
	a.settings.Store(&s)
	a.flow.SetWatermarks(s.MaxSizeBytes, s.LowWatermark)
	a.logger.Info("address settings applied",
		"max_size", s.MaxSizeBytes,
		"low_watermark", s.LowWatermark,
		"policy", s.FullPolicy,
	)
	return nil
}

// SetGlobalMaxSize updates the broker-wide limit used by
// AddressLimitPercent.
func (a *Address) SetGlobalMaxSize(n int64) { a.globalMax.Store(n) }

func (a *Address) Size() int64 { return a.flow.Size() }

func (a *Address) Flow() *FlowController { return a.flow }

func (a *Address) PageStore() *storage.PageStore { return a.store }

func (a *Address) DuplicateCache() *DuplicateIDCache { return a.dups }

func (a *Address) belowPagingThreshold() bool {
	t := a.Settings().pagingThreshold()
	return t <= 0 || a.flow.Size() < t
}

// =============================================================================
// PUBLISH
// =============================================================================

// Publish runs one message through the publish path. bindings are the
// queue names the router resolved; unknown names are ignored.
func (a *Address) Publish(ctx context.Context, msg *Message, bindings []string) (PublishResult, error) {
	if a.closed.Load() {
		return PublishResult{}, NewError(KindInvalidState, "publish", a.name, errors.New("address is closed"))
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	res := PublishResult{MessageID: msg.ID, PageID: NoPage}
	dupID := msg.DuplicateID

	if len(dupID) > 0 && a.dups.Contains(dupID) {
		res.Outcome = OutcomeDuplicate
		a.observer.MessagePublished(a.name, res.Outcome, 0)
		return res, nil
	}

	queues := a.resolve(bindings)
	if len(queues) == 0 {
		a.unrouted.Add(1)
		res.Outcome = OutcomeUnrouted
		a.observer.MessagePublished(a.name, res.Outcome, 0)
		return res, nil
	}
	names := make([]string, len(queues))
	for i, q := range queues {
		names[i] = q.name
	}

	seq := a.seq.Add(1)
	rec := msg.Record(a.name, seq, names)
	size := int64(rec.EncodedSize())
	res.Size = size

	charged, page, err := a.admit(ctx, size)
	if err != nil {
		return res, err
	}
	if !charged && !page {
		res.Outcome = OutcomeDropped
		a.observer.MessagePublished(a.name, res.Outcome, size)
		a.logger.Debug("message dropped, address full", "size", size)
		return res, nil
	}

	if len(dupID) > 0 {
		result, err := a.dups.CheckAndRecord(dupID)
		if err != nil || result == AlreadySeen {
			if charged {
				a.flow.Release(size)
			}
			if err != nil {
				return res, err
			}
			res.Outcome = OutcomeDuplicate
			a.observer.MessagePublished(a.name, res.Outcome, 0)
			return res, nil
		}
	}

	pageID, paged, err := a.route(rec, queues, page, charged, size)
	if err != nil {
		if len(dupID) > 0 {
			if ferr := a.dups.Forget(dupID); ferr != nil {
				a.logger.Error("failed to undo duplicate id after publish failure", "error", ferr)
			}
		}
		return res, err
	}

	a.routed.Add(1)
	a.messageCount.Add(1)
	res.Sequence = seq
	res.Queues = len(queues)
	res.Record = rec
	if paged {
		res.Outcome = OutcomePaged
		res.PageID = pageID
	} else {
		res.Outcome = OutcomeDelivered
	}
	a.observer.MessagePublished(a.name, res.Outcome, size)
	return res, nil
}

// admit applies the full policy. charged means size is now on the flow
// controller; page means the message must go to the page store.
func (a *Address) admit(ctx context.Context, size int64) (charged, page bool, err error) {
	s := a.Settings()
	switch s.FullPolicy {
	case PolicyPage:
		if t := s.pagingThreshold(); a.store.IsPaging() || (t > 0 && a.flow.Size()+size > t) {
			return false, true, nil
		}
		if a.flow.Admit(size) == Admitted {
			return true, false, nil
		}
		return false, true, nil

	case PolicyBlock:
		if err := a.flow.Wait(ctx, size); err != nil {
			return false, false, NewError(KindBlocked, "publish", a.name, err)
		}
		return true, false, nil

	case PolicyDrop:
		return a.flow.Admit(size) == Admitted, false, nil

	default:
		if a.flow.Admit(size) == Admitted {
			return true, false, nil
		}
		return false, false, NewError(KindBlocked, "publish", a.name,
			fmt.Errorf("size %d with %d pending reaches the high watermark", size, a.flow.Size()))
	}
}

func (a *Address) route(rec *storage.Record, queues []*Queue, page, charged bool, size int64) (int64, bool, error) {
	a.routeMu.RLock()
	defer a.routeMu.RUnlock()

	if page || a.store.IsPaging() {
		if charged {
			a.flow.Release(size)
		}
		if a.store.StartPaging() {
			a.logger.Info("paging started", "size", a.flow.Size())
			a.observer.PagingChanged(a.name, true)
		}
		pageID, err := a.store.Page(rec)
		if err != nil {
			kind := KindCorruption
			if errors.Is(err, storage.ErrStoreFull) {
				kind = KindCapacityExceeded
			}
			if errors.Is(err, storage.ErrPageStoreClosed) {
				kind = KindInvalidState
			}
			return NoPage, false, &Error{Kind: kind, Op: "page", Address: a.name, PageID: a.store.CurrentPageID(), Err: err}
		}
		return pageID, true, nil
	}

	ref := &memRef{size: size}
	ref.refs.Store(int32(len(queues)))
	msg := MessageFromRecord(rec)
	for _, q := range queues {
		q.enqueue(&entry{msg: msg, seq: rec.Sequence, ref: ref, pageID: NoPage})
	}
	return NoPage, false, nil
}

func (a *Address) resolve(bindings []string) []*Queue {
	a.bindMu.RLock()
	defer a.bindMu.RUnlock()

	var out []*Queue
	for _, name := range bindings {
		for _, q := range a.queues {
			if q.name == name {
				out = append(out, q)
				break
			}
		}
	}
	return out
}

// maybeStopPaging turns paging off once memory is below the threshold and
// every queue has read everything paged.
func (a *Address) maybeStopPaging() {
	if !a.store.IsPaging() || !a.belowPagingThreshold() {
		return
	}

	a.routeMu.Lock()
	defer a.routeMu.Unlock()

	a.bindMu.RLock()
	for _, q := range a.queues {
		if !a.store.CaughtUp(q.Cursor()) {
			a.bindMu.RUnlock()
			return
		}
	}
	a.bindMu.RUnlock()

	if a.store.StopPaging() {
		a.logger.Info("paging stopped", "size", a.flow.Size(), "pages", a.store.NumberOfPages())
		a.observer.PagingChanged(a.name, false)
		a.store.ScheduleCleanup()
	}
}

func (a *Address) depageError(cursor storage.Cursor, err error) error {
	kind := KindCorruption
	if errors.Is(err, storage.ErrPageNotFound) || errors.Is(err, storage.ErrPageStoreClosed) {
		kind = KindInvalidState
	}
	return &Error{Kind: kind, Op: "depage", Address: a.name, PageID: cursor.PageID, Err: err}
}

// =============================================================================
// BINDINGS
// =============================================================================

// Bind adds a queue. A new queue starts at the page store's tail, so it
// only sees messages published after it was bound, and it inherits the
// current pause state.
func (a *Address) Bind(name string, remote bool) (*Queue, error) {
	a.bindMu.Lock()
	for _, q := range a.queues {
		if q.name == name {
			a.bindMu.Unlock()
			return nil, NewError(KindInvalidState, "bind", a.name, fmt.Errorf("queue %q already bound", name))
		}
	}
	q := newQueue(a, name, remote, a.store.Tail())
	a.queues = append(a.queues, q)
	a.bindMu.Unlock()

	if err := a.persist(); err != nil {
		return q, err
	}
	a.logger.Info("queue bound", "queue", name, "remote", remote)
	return q, nil
}

// Unbind removes a queue, dropping its backlog and releasing its page
// references.
func (a *Address) Unbind(name string) error {
	a.bindMu.Lock()
	var q *Queue
	for i, cand := range a.queues {
		if cand.name == name {
			q = cand
			a.queues = append(a.queues[:i:i], a.queues[i+1:]...)
			break
		}
	}
	a.bindMu.Unlock()

	if q == nil {
		return NewError(KindInvalidState, "unbind", a.name, fmt.Errorf("queue %q not bound", name))
	}
	if err := a.store.SealCurrent(); err != nil {
		return NewError(KindCorruption, "unbind", a.name, err)
	}
	if _, err := q.purge(); err != nil {
		a.logger.Warn("purge on unbind incomplete", "queue", name, "error", err)
	}
	q.drainInflight()
	a.maybeStopPaging()

	if err := a.persist(); err != nil {
		return err
	}
	a.logger.Info("queue unbound", "queue", name)
	return nil
}

func (a *Address) Queue(name string) (*Queue, bool) {
	a.bindMu.RLock()
	defer a.bindMu.RUnlock()
	for _, q := range a.queues {
		if q.name == name {
			return q, true
		}
	}
	return nil, false
}

func (a *Address) Queues() []*Queue {
	a.bindMu.RLock()
	defer a.bindMu.RUnlock()
	return append([]*Queue(nil), a.queues...)
}

func (a *Address) BindingCount() int {
	a.bindMu.RLock()
	defer a.bindMu.RUnlock()
	return len(a.queues)
}

// =============================================================================
// PERSISTENCE & LIFECYCLE
// =============================================================================

// JournalRecord is the persisted definition of this address, including
// each binding's checkpoint.
func (a *Address) JournalRecord() journal.AddressRecord {
	rec, _ := a.journalRecord()
	return rec
}

func (a *Address) journalRecord() (journal.AddressRecord, []*Queue) {
	queues := a.Queues()
	rec := journal.AddressRecord{
		Name:            a.name,
		ID:              a.id,
		AutoCreated:     a.autoCreated,
		Internal:        a.internal,
		Temporary:       a.temporary,
		PausedPersisted: a.pause.State() == PausedPersisted,
	}
	for _, rt := range a.routingTypes {
		rec.RoutingTypes = append(rec.RoutingTypes, string(rt))
	}
	for _, q := range queues {
		c := q.Checkpoint()
		rec.Bindings = append(rec.Bindings, journal.Binding{
			Name:     q.name,
			Remote:   q.remote,
			PageID:   c.PageID,
			Position: c.Position,
		})
	}
	return rec, queues
}

func (a *Address) persist() error {
	if a.journal == nil || a.temporary {
		return nil
	}
	a.persistMu.Lock()
	defer a.persistMu.Unlock()

	rec, queues := a.journalRecord()
	if err := a.journal.PutAddress(rec); err != nil {
		return NewError(KindCapacityExceeded, "persist address", a.name, err)
	}
	for i, q := range queues {
		q.markSaved(storage.Cursor{PageID: rec.Bindings[i].PageID, Position: rec.Bindings[i].Position})
	}
	return nil
}

// checkpoint persists queue positions outside an operation that could
// report the failure, so a failed write is only logged.
func (a *Address) checkpoint() {
	if err := a.persist(); err != nil {
		a.logger.Warn("failed to checkpoint queue positions", "error", err)
	}
}

// Persist writes the address definition to the journal.
func (a *Address) Persist() error { return a.persist() }

// Close checkpoints every queue and releases the page store. Unacked
// in-memory messages are lost; paged messages not yet acknowledged are
// recovered on the next Open.
func (a *Address) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	a.flow.Unblock()
	a.checkpoint()
	return a.store.Close()
}

// Delete closes the address and removes its pages and journal state.
func (a *Address) Delete() error {
	a.closed.Store(true)
	a.flow.Unblock()
	if err := a.store.Delete(); err != nil {
		return NewError(KindCapacityExceeded, "delete", a.name, err)
	}
	if a.journal != nil {
		if err := a.journal.DeleteAddress(a.name); err != nil {
			return NewError(KindCapacityExceeded, "delete", a.name, err)
		}
	}
	return nil
}

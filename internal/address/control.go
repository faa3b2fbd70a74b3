// =============================================================================
// ADDRESS CONTROL - THE MANAGEMENT SURFACE
// =============================================================================
//
// Control lists every operator-facing operation on one address. The broker
// adds replay and sendMessage on top (they need the router and the
// retention log), and the HTTP API maps each method to one route.
//
//   ┌───────────────────────┬──────────────────────────────────────────┐
//   │ Operation             │ Result                                   │
//   ├───────────────────────┼──────────────────────────────────────────┤
//   │ Info                  │ snapshot of every read-only attribute    │
//   │ Pause(opts)           │ RUNNING → PAUSED / PAUSED_PERSISTED      │
//   │ Resume                │ → RUNNING                                │
//   │ Purge                 │ number of undelivered messages removed   │
//   │ Block / Unblock       │ administrative flow control              │
//   │ ClearDuplicateIDCache │ number of ids evicted                    │
//   │ SchedulePageCleanup   │ fire and forget                          │
//   │ AddressLimitPercent   │ 0..100                                   │
//   └───────────────────────┴──────────────────────────────────────────┘
//
// =============================================================================

package address

import (
	"sort"
)

// Control is the typed management interface of an address.
type Control interface {
	Info() Info
	Pause(opts PauseOptions) error
	Resume() error
	Purge() (int, error)
	Block() bool
	Unblock()
	ClearDuplicateIDCache() (int, error)
	SchedulePageCleanup()
	AddressLimitPercent() int
	ResetMessageCounters()
}

var _ Control = (*Address)(nil)

// Info is a point-in-time snapshot of an address.
type Info struct {
	ID           uint64   `json:"id"`
	Address      string   `json:"address"`
	RoutingTypes []string `json:"routing_types"`
	AddressSize  int64    `json:"address_size"`

	MaxPageReadBytes            int64 `json:"max_page_read_bytes"`
	MaxPageReadMessages         int   `json:"max_page_read_messages"`
	PrefetchPageBytes           int64 `json:"prefetch_page_bytes"`
	PrefetchPageMessages        int   `json:"prefetch_page_messages"`
	NumberOfPages               int   `json:"number_of_pages"`
	NumberOfBytesPerPage        int64 `json:"number_of_bytes_per_page"`
	Paging                      bool  `json:"paging"`
	AddressLimitPercent         int   `json:"address_limit_percent"`
	Blocked                     bool  `json:"blocked"`
	CurrentDuplicateIDCacheSize int   `json:"current_duplicate_id_cache_size"`

	QueueNames       []string `json:"queue_names"`
	RemoteQueueNames []string `json:"remote_queue_names"`
	AllQueueNames    []string `json:"all_queue_names"`
	BindingNames     []string `json:"binding_names"`
	QueueCount       int      `json:"queue_count"`

	MessageCount         int64 `json:"message_count"`
	RoutedMessageCount   int64 `json:"routed_message_count"`
	UnroutedMessageCount int64 `json:"unrouted_message_count"`

	Paused              bool   `json:"paused"`
	PauseState          string `json:"pause_state"`
	RetroactiveResource bool   `json:"retroactive_resource"`
	AutoCreated         bool   `json:"auto_created"`
	Internal            bool   `json:"internal"`
	Temporary           bool   `json:"temporary"`
}

// Info collects the attributes. Queue name lists are sorted.
func (a *Address) Info() Info {
	s := a.Settings()
	info := Info{
		ID:                          a.id,
		Address:                     a.name,
		AddressSize:                 a.flow.Size(),
		MaxPageReadBytes:            s.ReadBudget.MaxBytes,
		MaxPageReadMessages:         s.ReadBudget.MaxMessages,
		PrefetchPageBytes:           s.ReadBudget.PrefetchBytes,
		PrefetchPageMessages:        s.ReadBudget.PrefetchMessages,
		NumberOfPages:               a.store.NumberOfPages(),
		NumberOfBytesPerPage:        a.store.BytesPerPage(),
		Paging:                      a.store.IsPaging(),
		AddressLimitPercent:         a.AddressLimitPercent(),
		Blocked:                     a.flow.IsBlocked(),
		CurrentDuplicateIDCacheSize: a.dups.Size(),
		MessageCount:                a.messageCount.Load(),
		RoutedMessageCount:          a.routed.Load(),
		UnroutedMessageCount:        a.unrouted.Load(),
		PauseState:                  a.pause.State().String(),
		Paused:                      a.pause.IsPaused(),
		RetroactiveResource:         a.IsRetroactiveResource(),
		AutoCreated:                 a.autoCreated,
		Internal:                    a.internal,
		Temporary:                   a.temporary,
	}
	for _, rt := range a.routingTypes {
		info.RoutingTypes = append(info.RoutingTypes, string(rt))
	}

	info.QueueNames = []string{}
	info.RemoteQueueNames = []string{}
	info.AllQueueNames = []string{}
	for _, q := range a.Queues() {
		if q.remote {
			info.RemoteQueueNames = append(info.RemoteQueueNames, q.name)
		} else {
			info.QueueNames = append(info.QueueNames, q.name)
		}
		info.AllQueueNames = append(info.AllQueueNames, q.name)
	}
	sort.Strings(info.QueueNames)
	sort.Strings(info.RemoteQueueNames)
	sort.Strings(info.AllQueueNames)
	info.BindingNames = append([]string{}, info.AllQueueNames...)
	info.QueueCount = len(info.AllQueueNames)
	return info
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Pause stops every bound queue from handing out messages. With Persist the
// pause is written to the journal and survives a restart.
func (a *Address) Pause(opts PauseOptions) error {
	prev := a.pause.Pause(opts)
	if opts.Persist || prev == PausedPersisted {
		if err := a.persist(); err != nil {
			a.pause.Pause(PauseOptions{Persist: prev == PausedPersisted})
			if prev == Running {
				a.pause.Resume()
			}
			return err
		}
	}
	a.logger.Info("address paused", "previous", prev.String(), "persist", opts.Persist)
	return nil
}

// Resume returns to RUNNING; queued messages become deliverable at once.
func (a *Address) Resume() error {
	prev := a.pause.Resume()
	if prev == PausedPersisted {
		if err := a.persist(); err != nil {
			return err
		}
	}
	if prev != Running {
		a.logger.Info("address resumed", "previous", prev.String())
	}
	return nil
}

// IsPaused reports whether delivery is suspended.
func (a *Address) IsPaused() bool { return a.pause.IsPaused() }

func (a *Address) PauseState() PauseState { return a.pause.State() }

// Purge removes every undelivered message, paged and in memory, from every
// bound queue. Lifetime counters are left untouched.
func (a *Address) Purge() (int, error) {
	if err := a.store.SealCurrent(); err != nil {
		return 0, NewError(KindCorruption, "purge", a.name, err)
	}

	total := 0
	var firstErr error
	for _, q := range a.Queues() {
		n, err := q.purge()
		total += n
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.maybeStopPaging()
	a.checkpoint()
	a.logger.Info("address purged", "purged", total, "size", a.flow.Size())
	return total, firstErr
}

// Block forces producers to be refused until Unblock or the next time the
// size drops to the low watermark.
func (a *Address) Block() bool {
	changed := a.flow.Block()
	if changed {
		a.logger.Info("address blocked by operator")
	}
	return changed
}

// Unblock clears the blocked flag and admits every waiting producer. The
// watermarks apply again on the next size change.
func (a *Address) Unblock() {
	a.flow.Unblock()
	a.logger.Info("address unblocked by operator")
}

func (a *Address) IsBlocked() bool { return a.flow.IsBlocked() }

func (a *Address) ClearDuplicateIDCache() (int, error) {
	n, err := a.dups.Clear()
	if err != nil {
		return 0, err
	}
	a.logger.Info("duplicate id cache cleared", "evicted", n)
	return n, nil
}

func (a *Address) SchedulePageCleanup() { a.store.ScheduleCleanup() }

// AddressLimitPercent is the size as a percentage of the smaller of the
// global and local memory limits, or 0 when neither is set.
func (a *Address) AddressLimitPercent() int {
	limit := a.Settings().MaxSizeBytes
	if g := a.globalMax.Load(); g > 0 && (limit <= 0 || g < limit) {
		limit = g
	}
	if limit <= 0 {
		return 0
	}
	pct := a.flow.Size() * 100 / limit
	return int(max(0, min(pct, 100)))
}

// ResetMessageCounters zeroes messageCount. Routed and unrouted counts are
// lifetime totals and are kept.
func (a *Address) ResetMessageCounters() {
	a.messageCount.Store(0)
}

func (a *Address) MessageCount() int64 { return a.messageCount.Load() }

func (a *Address) RoutedCount() int64 { return a.routed.Load() }

func (a *Address) UnroutedCount() int64 { return a.unrouted.Load() }

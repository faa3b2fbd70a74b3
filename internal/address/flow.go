// =============================================================================
// FLOW CONTROLLER - PRODUCER BACKPRESSURE WITH HYSTERESIS
// =============================================================================
//
// The flow controller owns the address's size estimate: the bytes held in
// memory by every bound queue. Producers are admitted while the estimate is
// below the high watermark. Once it reaches the high watermark the address
// blocks, and it stays blocked until consumers bring it back down to the
// low watermark.
//
//   size ▲
//        │            ┌── blocked ──────────┐
//   high ┼ ─ ─ ─ ─ ─ ╱─ ─ ─ ─ ─ ─ ─ ─ ─ ─ ─ ┼ ─ ─
//        │          ╱                         ╲
//   low  ┼ ─ ─ ─ ─ ╱─ ─ ─ ─ ─ ─ ─ ─ ─ ─ ─ ─ ─ ─╲─ ─  unblocks here
//        │        ╱                             ╲
//        └────────────────────────────────────────────► time
//
// Inside the band nothing changes, so a consumer acking one message at a
// time cannot make the flag flap.
//
// WAITERS:
// Wait is the blocking form of Admit. Waiters queue FIFO. When the address
// unblocks, every waiter is admitted in arrival order before any new Admit
// is considered; while waiters are queued, Admit rejects.
//
// ADMINISTRATIVE OVERRIDE:
// Block and Unblock flip the flag directly. The flag then stays where the
// operator put it until the next size change re-evaluates the watermarks.
//
// =============================================================================

package address

import (
	"context"
	"sync"
	"sync/atomic"
)

// Admission is the result of Admit.
type Admission int

const (
	Admitted Admission = iota
	Rejected
)

func (a Admission) String() string {
	if a == Admitted {
		return "Admitted"
	}
	return "Rejected(BLOCKED)"
}

type creditWaiter struct {
	size     int64
	ready    chan struct{}
	admitted bool
}

// FlowController tracks an address's in-memory size and its blocked state.
type FlowController struct {
	size    atomic.Int64
	blocked atomic.Bool
	waiting atomic.Int32

	mu      sync.Mutex
	high    int64
	low     int64
	waiters []*creditWaiter

	// onChange is called outside mu after each blocked transition.
	onChange func(blocked bool)
}

// NewFlowController creates a controller. A high watermark <= 0 disables
// size-triggered blocking; the administrative toggles still work.
func NewFlowController(high, low int64) *FlowController {
	f := &FlowController{}
	f.SetWatermarks(high, low)
	return f
}

// SetWatermarks replaces the watermarks and re-evaluates the current size.
// low is clamped to high.
func (f *FlowController) SetWatermarks(high, low int64) {
	f.mu.Lock()
	if high > 0 && (low > high || low < 0) {
		low = high
	}
	f.high, f.low = high, low
	f.mu.Unlock()
	f.OnSizeChanged(f.size.Load())
}

func (f *FlowController) Watermarks() (high, low int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.high, f.low
}

// OnChange installs a callback for blocked transitions.
func (f *FlowController) OnChange(fn func(blocked bool)) {
	f.mu.Lock()
	f.onChange = fn
	f.mu.Unlock()
}

func (f *FlowController) Size() int64 { return f.size.Load() }

func (f *FlowController) IsBlocked() bool { return f.blocked.Load() }

// Waiting returns the number of queued waiters.
func (f *FlowController) Waiting() int { return int(f.waiting.Load()) }

// Admit charges size to the estimate and returns Admitted, or returns
// Rejected when the address is blocked, waiters are queued, or the charge
// would reach the high watermark. A message arriving at an empty address is
// always admitted so one oversized message cannot wedge it.
func (f *FlowController) Admit(size int64) Admission {
	if f.blocked.Load() || f.waiting.Load() > 0 {
		return Rejected
	}

	projected := f.size.Add(size)
	f.mu.Lock()
	high := f.high
	f.mu.Unlock()

	if high > 0 && projected >= high && projected-size > 0 {
		f.size.Add(-size)
		f.transition(true)
		return Rejected
	}
	if high > 0 && projected >= high {
		f.transition(true)
	}
	return Admitted
}

// Wait blocks until size is admitted or ctx is done. On ctx cancellation
// nothing is charged, unless the waiter was admitted concurrently, in which
// case Wait reports success.
func (f *FlowController) Wait(ctx context.Context, size int64) error {
	if f.Admit(size) == Admitted {
		return nil
	}

	f.mu.Lock()
	// The address may have unblocked between Admit and here.
	if !f.blocked.Load() && len(f.waiters) == 0 {
		f.mu.Unlock()
		return f.Wait(ctx, size)
	}
	w := &creditWaiter{size: size, ready: make(chan struct{})}
	f.waiters = append(f.waiters, w)
	f.waiting.Add(1)
	f.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		f.mu.Lock()
		defer f.mu.Unlock()
		if w.admitted {
			return nil
		}
		for i, other := range f.waiters {
			if other == w {
				f.waiters = append(f.waiters[:i], f.waiters[i+1:]...)
				f.waiting.Add(-1)
				break
			}
		}
		return ctx.Err()
	}
}

// Charge adds bytes to the estimate without an admission decision (depaged
// messages, waiter admissions).
func (f *FlowController) Charge(bytes int64) {
	f.OnSizeChanged(f.size.Add(bytes))
}

// Release subtracts bytes from the estimate.
func (f *FlowController) Release(bytes int64) {
	n := f.size.Add(-bytes)
	if n < 0 {
		f.size.CompareAndSwap(n, 0)
		n = 0
	}
	f.OnSizeChanged(n)
}

// OnSizeChanged re-evaluates the watermarks for newSize.
func (f *FlowController) OnSizeChanged(newSize int64) {
	f.mu.Lock()
	high, low := f.high, f.low
	f.mu.Unlock()

	if high <= 0 {
		if f.blocked.Load() && newSize <= low {
			f.transition(false)
		}
		return
	}
	switch {
	case f.blocked.Load() && newSize <= low:
		f.transition(false)
	case !f.blocked.Load() && newSize >= high:
		f.transition(true)
	}
}

// Block forces the address blocked and reports whether that changed
// anything.
func (f *FlowController) Block() bool {
	return f.transition(true)
}

// Unblock clears the blocked flag regardless of size and admits every
// waiter.
func (f *FlowController) Unblock() {
	if !f.transition(false) {
		// already unblocked; still release anyone who raced in
		f.mu.Lock()
		f.releaseWaitersLocked()
		f.mu.Unlock()
	}
}

// transition flips the blocked flag and, on unblock, admits every waiter in
// arrival order before new admissions see the flag cleared.
func (f *FlowController) transition(blocked bool) bool {
	f.mu.Lock()
	if f.blocked.Load() == blocked {
		f.mu.Unlock()
		return false
	}
	admitted := 0
	if !blocked {
		admitted = f.releaseWaitersLocked()
	}
	f.blocked.Store(blocked)
	fn := f.onChange
	f.mu.Unlock()

	if fn != nil {
		fn(blocked)
	}
	if admitted > 0 {
		// Admitted waiters may have pushed the size back over high.
		f.OnSizeChanged(f.size.Load())
	}
	return true
}

func (f *FlowController) releaseWaitersLocked() int {
	n := len(f.waiters)
	for _, w := range f.waiters {
		f.size.Add(w.size)
		w.admitted = true
		close(w.ready)
	}
	f.waiting.Add(-int32(n))
	f.waiters = nil
	return n
}

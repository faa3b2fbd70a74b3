package address

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// ERROR KINDS
// =============================================================================
//
//   ┌────────────────────┬──────────────────────────────────────────────────┐
//   │ Kind               │ Meaning / who handles it                         │
//   ├────────────────────┼──────────────────────────────────────────────────┤
//   │ Blocked            │ admission refused; producer retries or waits     │
//   │ Corruption         │ one record/page unreadable; skipped + reported   │
//   │ SegmentUnavailable │ whole retention segment unreadable; replay fails │
//   │ CapacityExceeded   │ disk/quota or journal write failed; op fails     │
//   │ InvalidState       │ caller asked for something that cannot exist     │
//   └────────────────────┴──────────────────────────────────────────────────┘
//
// Every *Error matches its kind's sentinel with errors.Is:
//
//	if errors.Is(err, address.ErrBlocked) { ... }
//
// =============================================================================

type Kind int

const (
	KindUnknown Kind = iota
	KindBlocked
	KindCorruption
	KindSegmentUnavailable
	KindCapacityExceeded
	KindInvalidState
)

var (
	ErrBlocked            = errors.New("address blocked")
	ErrCorruption         = errors.New("corrupted record")
	ErrSegmentUnavailable = errors.New("retention segment unavailable")
	ErrCapacityExceeded   = errors.New("capacity exceeded")
	ErrInvalidState       = errors.New("invalid state")
)

func (k Kind) String() string {
	switch k {
	case KindBlocked:
		return "Blocked"
	case KindCorruption:
		return "Corruption"
	case KindSegmentUnavailable:
		return "SegmentUnavailable"
	case KindCapacityExceeded:
		return "CapacityExceeded"
	case KindInvalidState:
		return "InvalidState"
	default:
		return "Unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindBlocked:
		return ErrBlocked
	case KindCorruption:
		return ErrCorruption
	case KindSegmentUnavailable:
		return ErrSegmentUnavailable
	case KindCapacityExceeded:
		return ErrCapacityExceeded
	case KindInvalidState:
		return ErrInvalidState
	}
	return nil
}

// NoPage marks an Error that is not about a specific page.
const NoPage int64 = -1

// Error carries enough context to diagnose a failure without re-running it.
type Error struct {
	Kind    Kind
	Op      string
	Address string

	PageID      int64
	Segment     string
	DuplicateID []byte

	Err error
}

// NewError builds an Error with no page attached.
func NewError(kind Kind, op, address string, err error) *Error {
	return &Error{Kind: kind, Op: op, Address: address, PageID: NoPage, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Address != "" {
		fmt.Fprintf(&b, " address=%s", e.Address)
	}
	if e.PageID != NoPage {
		fmt.Fprintf(&b, " page=%d", e.PageID)
	}
	if e.Segment != "" {
		fmt.Fprintf(&b, " segment=%s", e.Segment)
	}
	if len(e.DuplicateID) > 0 {
		fmt.Fprintf(&b, " duplicate-id=%q", e.DuplicateID)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// =============================================================================
// REPLAY ENGINE - REPUBLISH HISTORY FROM THE RETENTION LOG
// =============================================================================
//
// STATE MACHINE:
//
//              Replay()                 matching record
//   ┌──────┐ ──────────► ┌──────────┐ ─────────────────► ┌──────────────┐
//   │ IDLE │             │ SCANNING │                    │ REPUBLISHING │
//   └──────┘ ◄────────── └──────────┘ ◄───────────────── └──────────────┘
//      ▲      done/cancel     │          published             │
//      │                      │ unreadable segment             │ publish failed
//      │                      ▼                                ▼
//      │                  ┌────────┐ ◄─────────────────────────┘
//      └──── next run ─── │ FAILED │
//                         └────────┘
//
// FLOW:
//   1. List sealed segments, keep those overlapping [StartScan, EndScan]
//   2. Read each segment in time order, records in append order
//   3. Skip corrupt records (reported), records from other addresses, and
//      records the filter rejects
//   4. Republish the rest to the target through the normal publish path
//
// Cancellation is checked between records, so the record in flight is
// either fully republished or not at all. A cancelled run returns to IDLE.
//
// One engine serves one source address and runs one replay at a time. It
// holds no broker lock while running; the target's flow control is the
// only thing that can make it wait.
//
// =============================================================================

package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"addrbroker/internal/address"
	"addrbroker/internal/storage"
)

// TracerName is the instrumentation scope of replay spans.
const TracerName = "addrbroker/replay"

// State is the engine's position in the replay state machine.
type State int32

const (
	StateIdle State = iota
	StateScanning
	StateRepublishing
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateScanning:
		return "SCANNING"
	case StateRepublishing:
		return "REPUBLISHING"
	case StateFailed:
		return "FAILED"
	default:
		return "IDLE"
	}
}

// SegmentSource is the retention log as the engine sees it.
// *storage.RetentionLog implements it.
type SegmentSource interface {
	Segments(ctx context.Context) ([]storage.SegmentInfo, error)
	ReadSegment(ctx context.Context, info storage.SegmentInfo, fn func(storage.SegmentRecord) error) error
}

// Publisher republishes one record to target through the publish path and
// reports what the target did with it.
type Publisher interface {
	Republish(ctx context.Context, target string, rec *storage.Record) (address.Outcome, error)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, target string, rec *storage.Record) (address.Outcome, error)

func (f PublisherFunc) Republish(ctx context.Context, target string, rec *storage.Record) (address.Outcome, error) {
	return f(ctx, target, rec)
}

// Result summarizes one run.
type Result struct {
	RunID string `json:"run_id"`

	// Republished counts records the target delivered or paged.
	// Suppressed counts the ones it accepted without storing: duplicates,
	// unrouted or dropped.
	Republished int           `json:"republished"`
	Suppressed  int           `json:"suppressed"`
	Scanned     int           `json:"scanned"`
	Corrupt     int           `json:"corrupt"`
	Segments    int           `json:"segments"`
	Duration    time.Duration `json:"duration"`
}

// Engine replays one address's history.
type Engine struct {
	address   string
	source    SegmentSource
	publisher Publisher
	logger    *slog.Logger
	tracer    trace.Tracer

	run   sync.Mutex
	state atomic.Int32
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracer = tp.Tracer(TracerName) }
}

// NewEngine creates an engine for the source address.
func NewEngine(sourceAddress string, source SegmentSource, publisher Publisher, opts ...Option) *Engine {
	e := &Engine{
		address:   sourceAddress,
		source:    source,
		publisher: publisher,
		logger:    slog.Default(),
		tracer:    otel.Tracer(TracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "replay", "address", sourceAddress)
	return e
}

func (e *Engine) State() State { return State(e.state.Load()) }

func (e *Engine) setState(s State) { e.state.Store(int32(s)) }

// Replay runs spec to completion and returns how many messages were
// republished. It blocks for the whole run.
func (e *Engine) Replay(ctx context.Context, spec Spec) (Result, error) {
	if !e.run.TryLock() {
		return Result{}, address.NewError(address.KindInvalidState, "replay", e.address,
			errors.New("a replay is already running"))
	}
	defer e.run.Unlock()

	if err := spec.Validate(); err != nil {
		return Result{}, address.NewError(address.KindInvalidState, "replay", e.address, err)
	}
	filter, err := CompileFilter(spec.Filter)
	if err != nil {
		return Result{}, address.NewError(address.KindInvalidState, "replay", e.address, err)
	}

	res := Result{RunID: uuid.NewString()}
	started := time.Now()

	ctx, span := e.tracer.Start(ctx, "replay.run",
		trace.WithAttributes(
			attribute.String("replay.run_id", res.RunID),
			attribute.String("replay.address", e.address),
			attribute.String("replay.target", spec.Target),
			attribute.String("replay.filter", spec.Filter),
			attribute.String("replay.start_scan", formatBound(spec.StartScan)),
			attribute.String("replay.end_scan", formatBound(spec.EndScan)),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)

	logger := e.logger.With("run_id", res.RunID, "target", spec.Target)
	logger.Info("replay started",
		"start_scan", formatBound(spec.StartScan),
		"end_scan", formatBound(spec.EndScan),
		"filter", spec.Filter,
	)

	err = e.scan(ctx, spec, filter, &res, logger)
	res.Duration = time.Since(started)
	span.SetAttributes(
		attribute.Int("replay.republished", res.Republished),
		attribute.Int("replay.suppressed", res.Suppressed),
		attribute.Int("replay.scanned", res.Scanned),
		attribute.Int("replay.corrupt", res.Corrupt),
		attribute.Int("replay.segments", res.Segments),
	)

	switch {
	case err == nil:
		e.setState(StateIdle)
		span.SetStatus(codes.Ok, "")
		logger.Info("replay finished",
			"republished", res.Republished,
			"suppressed", res.Suppressed,
			"scanned", res.Scanned,
			"corrupt", res.Corrupt,
			"duration", res.Duration,
		)

	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		e.setState(StateIdle)
		span.RecordError(err)
		span.SetStatus(codes.Error, "cancelled")
		logger.Info("replay cancelled", "republished", res.Republished)

	default:
		e.setState(StateFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("replay failed", "republished", res.Republished, "error", err)
	}
	span.End()
	return res, err
}

func (e *Engine) scan(ctx context.Context, spec Spec, filter *Filter, res *Result, logger *slog.Logger) error {
	e.setState(StateScanning)

	segments, err := e.source.Segments(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &address.Error{
			Kind:    address.KindSegmentUnavailable,
			Op:      "replay list segments",
			Address: e.address,
			PageID:  address.NoPage,
			Err:     err,
		}
	}
	sort.SliceStable(segments, func(i, j int) bool {
		return segments[i].Start.Before(segments[j].Start)
	})

	for _, seg := range segments {
		if !seg.Overlaps(spec.StartScan, spec.EndScan) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		res.Segments++
		if err := e.replaySegment(ctx, seg, spec, filter, res, logger); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) replaySegment(ctx context.Context, seg storage.SegmentInfo, spec Spec, filter *Filter, res *Result, logger *slog.Logger) error {
	ctx, span := e.tracer.Start(ctx, "replay.segment",
		trace.WithAttributes(
			attribute.String("segment.name", seg.Name),
			attribute.Int64("segment.size", seg.Size),
		),
	)
	defer span.End()

	var publishErr error
	err := e.source.ReadSegment(ctx, seg, func(r storage.SegmentRecord) error {
		if r.Err != nil {
			res.Corrupt++
			logger.Warn("skipping corrupted retention record",
				"segment", seg.Name,
				"position", r.Position,
				"error", r.Err,
			)
			span.AddEvent("corrupt_record", trace.WithAttributes(
				attribute.Int64("record.position", r.Position),
			))
			return nil
		}

		res.Scanned++
		if r.Record.Address != e.address || !filter.Match(r.Record) {
			return nil
		}

		e.setState(StateRepublishing)
		outcome, err := e.publisher.Republish(ctx, spec.Target, r.Record.Clone())
		e.setState(StateScanning)
		if err != nil {
			publishErr = fmt.Errorf("republish %s from segment %s to %s: %w",
				r.Record.MessageID, seg.Name, spec.Target, err)
			return publishErr
		}
		switch outcome {
		case address.OutcomeDelivered, address.OutcomePaged:
			res.Republished++
		default:
			res.Suppressed++
			logger.Debug("replayed record not stored by target",
				"messageID", r.Record.MessageID,
				"outcome", outcome)
		}
		return nil
	})

	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
		return nil
	case publishErr != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "republish failed")
		return err
	case errors.Is(err, storage.ErrSegmentUnreadable):
		span.RecordError(err)
		span.SetStatus(codes.Error, "segment unavailable")
		return &address.Error{
			Kind:    address.KindSegmentUnavailable,
			Op:      "replay",
			Address: e.address,
			PageID:  address.NoPage,
			Segment: seg.Name,
			Err:     err,
		}
	default:
		span.RecordError(err)
		return err
	}
}

func formatBound(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(ScanDateLayout)
}

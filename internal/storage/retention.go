// =============================================================================
// RETENTION LOG - TIME-SEGMENTED ARCHIVE FOR REPLAY
// =============================================================================
//
// WHAT IS THE RETENTION LOG?
// Every routed publish is also appended here. Unlike pages, retention
// segments are not released when consumers ack; they expire by count or age.
// The replay engine scans them to re-inject history into a live address.
//
// SEGMENT NAMING CONVENTION:
//
//   {first nanos:020d}-{last nanos:020d}-{created nanos:020d}.segment  sealed
//   {created nanos:020d}.active                                        open
//
//   The time range is part of the sealed file name, so listing the
//   directory is enough to decide which segments a replay window touches.
//   Sorting sealed names sorts segments by start time.
//
// SEGMENT LIFECYCLE:
//
//   ┌─────────────┐ size/age/Roll ┌─────────────┐  count/age  ┌─────────────┐
//   │   ACTIVE    │ ────────────► │   SEALED    │ ──────────► │   DELETED   │
//   │  (.active)  │   (rename)    │ (.segment)  │  retention  │             │
//   └─────────────┘               └─────────────┘             └─────────────┘
//
// FAILURE MODEL FOR READERS:
//   - a record with a bad checksum is reported and skipped
//   - a segment that cannot be opened, or whose framing is lost part way,
//     is unavailable as a whole
//
// =============================================================================

package storage

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	segmentSuffix = ".segment"
	activeSuffix  = ".active"

	DefaultRetentionSegmentBytes = 64 * 1024 * 1024
	DefaultRetentionSegmentAge   = time.Hour
)

var (
	ErrRetentionClosed = errors.New("retention log is closed")

	// ErrSegmentUnreadable means a whole retention segment cannot be read.
	ErrSegmentUnreadable = errors.New("retention segment unreadable")
)

// RetentionConfig configures the retention log.
type RetentionConfig struct {
	// MaxSegmentBytes rolls the active segment once exceeded.
	MaxSegmentBytes int64

	// MaxSegmentAge rolls the active segment once its first record is older.
	MaxSegmentAge time.Duration

	// MaxSegments keeps at most this many sealed segments (0 = unlimited).
	MaxSegments int

	// MaxAge drops sealed segments whose last record is older (0 = forever).
	MaxAge time.Duration

	SyncInterval time.Duration

	Logger *slog.Logger
}

// DefaultRetentionConfig returns sensible defaults.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		MaxSegmentBytes: DefaultRetentionSegmentBytes,
		MaxSegmentAge:   DefaultRetentionSegmentAge,
		MaxAge:          7 * 24 * time.Hour,
		SyncInterval:    DefaultSyncInterval,
	}
}

// SegmentInfo identifies a sealed retention segment and its time range.
type SegmentInfo struct {
	Name  string    `json:"name"`
	Path  string    `json:"-"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Size  int64     `json:"size"`
}

// Overlaps reports whether the segment's range intersects [from, to].
// A zero bound is unbounded on that side.
func (si SegmentInfo) Overlaps(from, to time.Time) bool {
	if !from.IsZero() && si.End.Before(from) {
		return false
	}
	if !to.IsZero() && si.Start.After(to) {
		return false
	}
	return true
}

// SegmentRecord is one entry yielded while reading a segment.
type SegmentRecord struct {
	Record   *Record
	Position int64

	// Err is set (and Record nil) when this record failed its checksum.
	Err error
}

// activeSegment is the segment currently being appended to.
type activeSegment struct {
	path    string
	file    *os.File
	writer  *bufio.Writer
	size    int64
	start   int64
	end     int64
	count   int64
	created time.Time
}

// RetentionLog is the archive the replay engine reads.
type RetentionLog struct {
	dir    string
	config RetentionConfig
	logger *slog.Logger

	sealed []SegmentInfo
	active *activeSegment

	lastSync time.Time

	mu     sync.Mutex
	closed bool
}

// OpenRetentionLog opens or creates the retention log in dir. A leftover
// .active file from a crash is scanned and sealed.
func OpenRetentionLog(dir string, config RetentionConfig) (*RetentionLog, error) {
	if config.MaxSegmentBytes <= 0 {
		config.MaxSegmentBytes = DefaultRetentionSegmentBytes
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create retention directory: %w", err)
	}

	l := &RetentionLog{
		dir:      dir,
		config:   config,
		logger:   logger.With("component", "retention-log"),
		lastSync: time.Now(),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read retention directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), activeSuffix) {
			continue
		}
		if err := l.recoverActive(filepath.Join(dir, entry.Name())); err != nil {
			return nil, err
		}
	}

	if err := l.loadSealed(); err != nil {
		return nil, err
	}
	return l, nil
}

// recoverActive seals what is readable of an interrupted active segment.
func (l *RetentionLog) recoverActive(path string) error {
	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}

	var size, start, end, count int64
	reader := bufio.NewReaderSize(file, ReadBufferSize)
	for {
		rec, n, err := readRecord(reader)
		if err == io.EOF {
			break
		}
		if errors.Is(err, ErrCorruptedRecord) {
			size += n
			continue
		}
		if err != nil {
			break
		}
		if count == 0 || rec.Timestamp < start {
			start = rec.Timestamp
		}
		if rec.Timestamp > end {
			end = rec.Timestamp
		}
		size += n
		count++
	}

	if err := file.Truncate(size); err != nil {
		file.Close()
		return fmt.Errorf("failed to truncate %s: %w", path, err)
	}
	file.Close()

	if count == 0 {
		return os.Remove(path)
	}
	created, _ := strconv.ParseInt(strings.TrimSuffix(filepath.Base(path), activeSuffix), 10, 64)
	sealedPath := filepath.Join(l.dir, sealedSegmentName(start, end, created))
	if err := os.Rename(path, sealedPath); err != nil {
		return fmt.Errorf("failed to seal recovered segment: %w", err)
	}
	l.logger.Info("recovered active retention segment", "segment", filepath.Base(sealedPath), "records", count)
	return nil
}

func (l *RetentionLog) loadSealed() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("failed to read retention directory: %w", err)
	}
	l.sealed = l.sealed[:0]
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, ok := parseSegmentName(entry.Name())
		if !ok {
			continue
		}
		info.Path = filepath.Join(l.dir, entry.Name())
		if fi, err := entry.Info(); err == nil {
			info.Size = fi.Size()
		}
		l.sealed = append(l.sealed, info)
	}
	sortSegments(l.sealed)
	return nil
}

func sealedSegmentName(start, end, created int64) string {
	return fmt.Sprintf("%020d-%020d-%020d%s", start, end, created, segmentSuffix)
}

func parseSegmentName(name string) (SegmentInfo, bool) {
	if !strings.HasSuffix(name, segmentSuffix) {
		return SegmentInfo{}, false
	}
	parts := strings.Split(strings.TrimSuffix(name, segmentSuffix), "-")
	if len(parts) != 3 {
		return SegmentInfo{}, false
	}
	start, err1 := strconv.ParseInt(parts[0], 10, 64)
	end, err2 := strconv.ParseInt(parts[1], 10, 64)
	if err1 != nil || err2 != nil || end < start {
		return SegmentInfo{}, false
	}
	return SegmentInfo{Name: name, Start: time.Unix(0, start).UTC(), End: time.Unix(0, end).UTC()}, true
}

func sortSegments(segments []SegmentInfo) {
	sort.Slice(segments, func(i, j int) bool {
		if segments[i].Start.Equal(segments[j].Start) {
			return segments[i].Name < segments[j].Name
		}
		return segments[i].Start.Before(segments[j].Start)
	})
}

// =============================================================================
// WRITE PATH
// =============================================================================

// Append archives a record. Timestamp must be set by the caller.
func (l *RetentionLog) Append(rec *Record) error {
	data, err := rec.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode retention record: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrRetentionClosed
	}

	if l.active != nil && l.shouldRoll(int64(len(data))) {
		if err := l.rollLocked(); err != nil {
			return err
		}
	}
	if l.active == nil {
		if err := l.openActive(); err != nil {
			return err
		}
	}

	a := l.active
	if _, err := a.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write retention record: %w", err)
	}
	if a.count == 0 || rec.Timestamp < a.start {
		a.start = rec.Timestamp
	}
	if rec.Timestamp > a.end {
		a.end = rec.Timestamp
	}
	a.size += int64(len(data))
	a.count++

	if err := a.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush retention segment: %w", err)
	}
	if l.config.SyncInterval == 0 || time.Since(l.lastSync) >= l.config.SyncInterval {
		if err := a.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync retention segment: %w", err)
		}
		l.lastSync = time.Now()
	}
	return nil
}

func (l *RetentionLog) shouldRoll(next int64) bool {
	a := l.active
	if a.count == 0 {
		return false
	}
	if a.size+next > l.config.MaxSegmentBytes {
		return true
	}
	return l.config.MaxSegmentAge > 0 && time.Since(a.created) >= l.config.MaxSegmentAge
}

func (l *RetentionLog) openActive() error {
	now := time.Now()
	path := filepath.Join(l.dir, fmt.Sprintf("%020d%s", now.UnixNano(), activeSuffix))
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create retention segment: %w", err)
	}
	l.active = &activeSegment{
		path:    path,
		file:    file,
		writer:  bufio.NewWriter(file),
		created: now,
	}
	return nil
}

// Roll seals the active segment so it becomes visible to readers. It is a
// no-op when nothing has been written since the last roll.
func (l *RetentionLog) Roll() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrRetentionClosed
	}
	return l.rollLocked()
}

func (l *RetentionLog) rollLocked() error {
	a := l.active
	if a == nil {
		return nil
	}
	l.active = nil

	if err := a.writer.Flush(); err != nil {
		a.file.Close()
		return fmt.Errorf("failed to flush retention segment: %w", err)
	}
	if err := a.file.Sync(); err != nil {
		a.file.Close()
		return fmt.Errorf("failed to sync retention segment: %w", err)
	}
	if err := a.file.Close(); err != nil {
		return fmt.Errorf("failed to close retention segment: %w", err)
	}

	if a.count == 0 {
		return os.Remove(a.path)
	}

	name := sealedSegmentName(a.start, a.end, a.created.UnixNano())
	sealedPath := filepath.Join(l.dir, name)
	if err := os.Rename(a.path, sealedPath); err != nil {
		return fmt.Errorf("failed to seal retention segment: %w", err)
	}

	l.sealed = append(l.sealed, SegmentInfo{
		Name:  name,
		Path:  sealedPath,
		Start: time.Unix(0, a.start).UTC(),
		End:   time.Unix(0, a.end).UTC(),
		Size:  a.size,
	})
	sortSegments(l.sealed)

	l.logger.Debug("retention segment sealed", "segment", name, "records", a.count)
	return l.enforceLocked()
}

// enforceLocked drops sealed segments beyond the count or age limit.
func (l *RetentionLog) enforceLocked() error {
	var errs []error
	cutoff := time.Time{}
	if l.config.MaxAge > 0 {
		cutoff = time.Now().Add(-l.config.MaxAge)
	}

	keep := l.sealed[:0]
	excess := 0
	if l.config.MaxSegments > 0 && len(l.sealed) > l.config.MaxSegments {
		excess = len(l.sealed) - l.config.MaxSegments
	}
	for i, seg := range l.sealed {
		expired := !cutoff.IsZero() && seg.End.Before(cutoff)
		if i < excess || expired {
			if err := os.Remove(seg.Path); err != nil && !os.IsNotExist(err) {
				errs = append(errs, err)
				keep = append(keep, seg)
				continue
			}
			l.logger.Info("retention segment expired", "segment", seg.Name)
			continue
		}
		keep = append(keep, seg)
	}
	l.sealed = keep
	return errors.Join(errs...)
}

// =============================================================================
// READ PATH
// =============================================================================

// Segments returns the sealed segments in start-time order.
func (l *RetentionLog) Segments(ctx context.Context) ([]SegmentInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrRetentionClosed
	}
	out := make([]SegmentInfo, len(l.sealed))
	copy(out, l.sealed)
	return out, nil
}

// ReadSegment streams records from a sealed segment in append order. A
// record with a bad checksum is passed to fn with Err set; fn decides
// whether to continue. A missing file or lost framing returns
// ErrSegmentUnreadable.
func (l *RetentionLog) ReadSegment(ctx context.Context, info SegmentInfo, fn func(SegmentRecord) error) error {
	file, err := os.Open(info.Path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSegmentUnreadable, info.Name, err)
	}
	defer file.Close()

	reader := bufio.NewReaderSize(file, ReadBufferSize)
	var pos int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		rec, n, err := readRecord(reader)
		if err == io.EOF {
			return nil
		}
		if errors.Is(err, ErrCorruptedRecord) {
			if ferr := fn(SegmentRecord{Position: pos, Err: err}); ferr != nil {
				return ferr
			}
			pos += n
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: %s at position %d: %v", ErrSegmentUnreadable, info.Name, pos, err)
		}
		if ferr := fn(SegmentRecord{Record: rec, Position: pos}); ferr != nil {
			return ferr
		}
		pos += n
	}
}

func (l *RetentionLog) Dir() string { return l.dir }

// Close seals the active segment and closes the log.
func (l *RetentionLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	err := l.rollLocked()
	l.closed = true
	return err
}

package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestRetention(t *testing.T, config RetentionConfig) *RetentionLog {
	t.Helper()
	config.SyncInterval = 0
	l, err := OpenRetentionLog(t.TempDir(), config)
	if err != nil {
		t.Fatalf("OpenRetentionLog failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func stamped(i int, ts time.Time) *Record {
	rec := testRecord(i, "q")
	rec.Timestamp = ts.UnixNano()
	return rec
}

func TestRetention_RollAndSegments(t *testing.T) {
	config := DefaultRetentionConfig()
	config.MaxAge = 0
	l := openTestRetention(t, config)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if err := l.Append(stamped(i, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	segs, _ := l.Segments(ctx)
	if len(segs) != 0 {
		t.Fatalf("segments before Roll = %d, want 0 (active segment is not readable)", len(segs))
	}

	if err := l.Roll(); err != nil {
		t.Fatalf("Roll failed: %v", err)
	}
	if err := l.Roll(); err != nil {
		t.Fatalf("second Roll failed: %v", err)
	}

	segs, err := l.Segments(ctx)
	if err != nil {
		t.Fatalf("Segments failed: %v", err)
	}
	if len(segs) != 1 {
		t.Fatalf("segments = %d, want 1", len(segs))
	}
	if !segs[0].Start.Equal(base) || !segs[0].End.Equal(base.Add(2*time.Minute)) {
		t.Errorf("range = %v..%v", segs[0].Start, segs[0].End)
	}

	var seqs []uint64
	err = l.ReadSegment(ctx, segs[0], func(r SegmentRecord) error {
		seqs = append(seqs, r.Record.Sequence)
		return nil
	})
	if err != nil {
		t.Fatalf("ReadSegment failed: %v", err)
	}
	if len(seqs) != 3 || seqs[2] != 2 {
		t.Errorf("sequences = %v, want [0 1 2]", seqs)
	}
}

func TestRetention_RollsOnSize(t *testing.T) {
	config := DefaultRetentionConfig()
	config.MaxSegmentBytes = int64(stamped(0, time.Now()).EncodedSize()) * 2
	l := openTestRetention(t, config)

	now := time.Now()
	for i := 0; i < 5; i++ {
		l.Append(stamped(i, now.Add(time.Duration(i)*time.Second)))
	}
	l.Roll()

	segs, _ := l.Segments(context.Background())
	if len(segs) != 3 {
		t.Errorf("segments = %d, want 3", len(segs))
	}
	for i := 1; i < len(segs); i++ {
		if segs[i].Start.Before(segs[i-1].Start) {
			t.Errorf("segments not sorted by start: %v", segs)
		}
	}
}

func TestSegmentInfo_Overlaps(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC) }
	seg := SegmentInfo{Start: day(2), End: day(4)}

	tests := []struct {
		name     string
		from, to time.Time
		want     bool
	}{
		{"unbounded", time.Time{}, time.Time{}, true},
		{"inside", day(3), day(3), true},
		{"before", day(1), day(1).Add(time.Hour), false},
		{"after", day(5), day(6), false},
		{"touching start", day(1), day(2), true},
		{"open start", time.Time{}, day(2), true},
		{"open end", day(4), time.Time{}, true},
		{"open end after", day(5), time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := seg.Overlaps(tt.from, tt.to); got != tt.want {
				t.Errorf("Overlaps(%v, %v) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestRetention_CorruptRecordReported(t *testing.T) {
	l := openTestRetention(t, DefaultRetentionConfig())
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 3; i++ {
		l.Append(stamped(i, now))
	}
	l.Roll()
	segs, _ := l.Segments(ctx)

	data, _ := os.ReadFile(segs[0].Path)
	second := stamped(0, now).EncodedSize()
	data[second+RecordHeaderSize] ^= 0xFF
	os.WriteFile(segs[0].Path, data, 0644)

	var good, bad int
	err := l.ReadSegment(ctx, segs[0], func(r SegmentRecord) error {
		if r.Err != nil {
			bad++
			return nil
		}
		good++
		return nil
	})
	if err != nil {
		t.Fatalf("ReadSegment failed: %v", err)
	}
	if good != 2 || bad != 1 {
		t.Errorf("good=%d bad=%d, want 2 and 1", good, bad)
	}
}

func TestRetention_UnreadableSegment(t *testing.T) {
	l := openTestRetention(t, DefaultRetentionConfig())
	ctx := context.Background()

	l.Append(stamped(0, time.Now()))
	l.Append(stamped(1, time.Now()))
	l.Roll()
	segs, _ := l.Segments(ctx)

	data, _ := os.ReadFile(segs[0].Path)
	data[stamped(0, time.Now()).EncodedSize()] = 0x00 // second record's magic
	os.WriteFile(segs[0].Path, data, 0644)

	err := l.ReadSegment(ctx, segs[0], func(SegmentRecord) error { return nil })
	if !errors.Is(err, ErrSegmentUnreadable) {
		t.Errorf("lost framing error = %v, want ErrSegmentUnreadable", err)
	}

	os.Remove(segs[0].Path)
	err = l.ReadSegment(ctx, segs[0], func(SegmentRecord) error { return nil })
	if !errors.Is(err, ErrSegmentUnreadable) {
		t.Errorf("missing file error = %v, want ErrSegmentUnreadable", err)
	}
}

func TestRetention_ReadHonorsCancellation(t *testing.T) {
	l := openTestRetention(t, DefaultRetentionConfig())
	for i := 0; i < 10; i++ {
		l.Append(stamped(i, time.Now()))
	}
	l.Roll()
	segs, _ := l.Segments(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	read := 0
	err := l.ReadSegment(ctx, segs[0], func(SegmentRecord) error {
		read++
		if read == 3 {
			cancel()
		}
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if read != 3 {
		t.Errorf("read = %d after cancel, want 3", read)
	}
}

func TestRetention_RecoversActiveSegment(t *testing.T) {
	dir := t.TempDir()
	config := DefaultRetentionConfig()

	l, err := OpenRetentionLog(dir, config)
	if err != nil {
		t.Fatalf("OpenRetentionLog failed: %v", err)
	}
	l.Append(stamped(0, time.Now()))
	l.Append(stamped(1, time.Now()))

	// Simulate a crash: leave the .active file behind with a torn tail.
	l.mu.Lock()
	activePath := l.active.path
	l.active.writer.Flush()
	l.active.file.Write([]byte{MagicByte1, MagicByte2})
	l.active.file.Close()
	l.active = nil
	l.closed = true
	l.mu.Unlock()

	recovered, err := OpenRetentionLog(dir, config)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer recovered.Close()

	if _, err := os.Stat(activePath); !os.IsNotExist(err) {
		t.Error("active file still present after recovery")
	}
	segs, _ := recovered.Segments(context.Background())
	if len(segs) != 1 || !strings.HasSuffix(segs[0].Name, segmentSuffix) {
		t.Fatalf("segments = %v, want one sealed segment", segs)
	}

	count := 0
	recovered.ReadSegment(context.Background(), segs[0], func(SegmentRecord) error {
		count++
		return nil
	})
	if count != 2 {
		t.Errorf("recovered %d records, want 2", count)
	}
}

func TestRetention_EnforcesMaxSegments(t *testing.T) {
	config := DefaultRetentionConfig()
	config.MaxSegments = 2
	l := openTestRetention(t, config)

	base := time.Now()
	for i := 0; i < 4; i++ {
		l.Append(stamped(i, base.Add(time.Duration(i)*time.Second)))
		l.Roll()
	}

	segs, _ := l.Segments(context.Background())
	if len(segs) != 2 {
		t.Fatalf("segments = %d, want 2", len(segs))
	}
	if !segs[0].Start.Equal(time.Unix(0, base.Add(2*time.Second).UnixNano()).UTC()) {
		t.Errorf("oldest kept segment starts %v, want the third one", segs[0].Start)
	}

	matches, _ := filepath.Glob(filepath.Join(l.Dir(), "*"+segmentSuffix))
	if len(matches) != 2 {
		t.Errorf("segment files on disk = %d, want 2", len(matches))
	}
}

func TestRetention_ClosedLog(t *testing.T) {
	l, _ := OpenRetentionLog(t.TempDir(), DefaultRetentionConfig())
	l.Close()

	if err := l.Append(stamped(0, time.Now())); !errors.Is(err, ErrRetentionClosed) {
		t.Errorf("Append after Close = %v, want ErrRetentionClosed", err)
	}
}

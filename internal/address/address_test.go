// =============================================================================
// ADDRESS TESTS
// =============================================================================
//
// KEY BEHAVIORS TO TEST:
//   - Publish outcomes: delivered, paged, duplicate, unrouted, dropped
//   - Full policies PAGE / BLOCK / FAIL / DROP
//   - Paging then depaging preserves order and turns paging off again
//   - Pause/resume gates delivery without reordering
//   - Purge counts paged + in-memory messages, keeps lifetime counters
//   - Address limit percent against local and global limits
//   - Persisted pause and paged messages survive a restart
//   - Acknowledged paged messages are not delivered again after a restart
//
// =============================================================================

package address

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"addrbroker/internal/journal"
)

func testMessage(i int) *Message {
	return &Message{
		ID:   fmt.Sprintf("m-%03d", i),
		Body: []byte("payload"),
	}
}

// msgSize is the accounted size of a testMessage routed to queues.
func msgSize(queues ...string) int64 {
	return int64(testMessage(0).Record("orders", 0, queues).EncodedSize())
}

func openTestAddress(t *testing.T, opts Options) *Address {
	t.Helper()
	if opts.Name == "" {
		opts.Name = "orders"
	}
	if opts.DataDir == "" {
		opts.DataDir = t.TempDir()
	}
	if opts.Journal == nil {
		opts.Journal = journal.NewMemory()
	}
	a, err := Open(opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func bindQueues(t *testing.T, a *Address, names ...string) {
	t.Helper()
	for _, name := range names {
		if _, err := a.Bind(name, false); err != nil {
			t.Fatalf("Bind(%s) failed: %v", name, err)
		}
	}
}

func publish(t *testing.T, a *Address, i int, bindings ...string) PublishResult {
	t.Helper()
	res, err := a.Publish(context.Background(), testMessage(i), bindings)
	if err != nil {
		t.Fatalf("Publish(%d) failed: %v", i, err)
	}
	return res
}

// consume polls and acks until want messages arrived, returning their ids.
func consume(t *testing.T, q *Queue, want int) []string {
	t.Helper()
	var ids []string
	for i := 0; i < 100 && len(ids) < want; i++ {
		ds, err := q.Poll(4)
		if err != nil {
			t.Fatalf("Poll failed: %v", err)
		}
		for _, d := range ds {
			ids = append(ids, d.Message.ID)
			if err := q.Ack(d.Tag); err != nil {
				t.Fatalf("Ack(%d) failed: %v", d.Tag, err)
			}
		}
	}
	return ids
}

func wantIDs(t *testing.T, got []string, from, to int) {
	t.Helper()
	if len(got) != to-from+1 {
		t.Fatalf("got %d messages %v, want %d", len(got), got, to-from+1)
	}
	for i, id := range got {
		if want := fmt.Sprintf("m-%03d", from+i); id != want {
			t.Errorf("message[%d] = %s, want %s", i, id, want)
		}
	}
}

// =============================================================================
// PUBLISH OUTCOMES
// =============================================================================

func TestAddress_PublishDelivered(t *testing.T) {
	a := openTestAddress(t, Options{Settings: DefaultSettings()})
	bindQueues(t, a, "q1")

	res := publish(t, a, 1, "q1")
	if res.Outcome != OutcomeDelivered {
		t.Errorf("Outcome = %s, want delivered", res.Outcome)
	}
	if res.Queues != 1 {
		t.Errorf("Queues = %d, want 1", res.Queues)
	}
	if res.Record == nil {
		t.Error("Record = nil, want stored form")
	}
	if got, want := a.Size(), msgSize("q1"); got != want {
		t.Errorf("Size = %d, want %d", got, want)
	}
	if got := a.MessageCount(); got != 1 {
		t.Errorf("MessageCount = %d, want 1", got)
	}
}

func TestAddress_PublishUnrouted(t *testing.T) {
	a := openTestAddress(t, Options{Settings: DefaultSettings()})
	bindQueues(t, a, "q1")

	res := publish(t, a, 1, "nobody")
	if res.Outcome != OutcomeUnrouted {
		t.Errorf("Outcome = %s, want unrouted", res.Outcome)
	}
	if got := a.UnroutedCount(); got != 1 {
		t.Errorf("UnroutedCount = %d, want 1", got)
	}
	if got := a.Size(); got != 0 {
		t.Errorf("Size = %d, want 0", got)
	}
}

func TestAddress_DuplicateSilentlyAcked(t *testing.T) {
	a := openTestAddress(t, Options{Settings: DefaultSettings()})
	bindQueues(t, a, "q1")

	for i := 0; i < 2; i++ {
		msg := testMessage(i)
		msg.DuplicateID = []byte("order-42")
		res, err := a.Publish(context.Background(), msg, []string{"q1"})
		if err != nil {
			t.Fatalf("Publish #%d failed: %v", i, err)
		}
		want := OutcomeDelivered
		if i == 1 {
			want = OutcomeDuplicate
		}
		if res.Outcome != want {
			t.Errorf("publish #%d Outcome = %s, want %s", i, res.Outcome, want)
		}
	}

	q, _ := a.Queue("q1")
	if got := q.MessageCount(); got != 1 {
		t.Errorf("queue MessageCount = %d, want 1", got)
	}
	if got := a.Info().CurrentDuplicateIDCacheSize; got != 1 {
		t.Errorf("duplicate cache size = %d, want 1", got)
	}
}

func TestAddress_MulticastChargedOnce(t *testing.T) {
	a := openTestAddress(t, Options{Settings: DefaultSettings()})
	bindQueues(t, a, "q1", "q2")

	publish(t, a, 1, "q1", "q2")
	size := msgSize("q1", "q2")
	if got := a.Size(); got != size {
		t.Fatalf("Size = %d, want %d", got, size)
	}

	q1, _ := a.Queue("q1")
	q2, _ := a.Queue("q2")
	consume(t, q1, 1)
	if got := a.Size(); got != size {
		t.Errorf("Size after first ack = %d, want %d", got, size)
	}
	consume(t, q2, 1)
	if got := a.Size(); got != 0 {
		t.Errorf("Size after last ack = %d, want 0", got)
	}
}

// =============================================================================
// FULL POLICIES
// =============================================================================

func policySettings(policy FullPolicy) Settings {
	sz := msgSize("q1")
	s := DefaultSettings()
	s.MaxSizeBytes = 2*sz + 1
	s.LowWatermark = sz
	s.FullPolicy = policy
	return s
}

func TestAddress_PolicyFail(t *testing.T) {
	a := openTestAddress(t, Options{Settings: policySettings(PolicyFail)})
	bindQueues(t, a, "q1")

	publish(t, a, 1, "q1")
	publish(t, a, 2, "q1")

	_, err := a.Publish(context.Background(), testMessage(3), []string{"q1"})
	if !errors.Is(err, ErrBlocked) {
		t.Fatalf("third Publish error = %v, want ErrBlocked", err)
	}
	if KindOf(err) != KindBlocked {
		t.Errorf("KindOf = %v, want Blocked", KindOf(err))
	}
	if !a.IsBlocked() {
		t.Error("address not blocked")
	}
	if got := a.MessageCount(); got != 2 {
		t.Errorf("MessageCount = %d, want 2", got)
	}

	// Draining to the low watermark unblocks.
	q, _ := a.Queue("q1")
	consume(t, q, 1)
	if a.IsBlocked() {
		t.Error("still blocked at the low watermark")
	}
	if res := publish(t, a, 3, "q1"); res.Outcome != OutcomeDelivered {
		t.Errorf("Outcome after unblock = %s, want delivered", res.Outcome)
	}
}

func TestAddress_PolicyDrop(t *testing.T) {
	a := openTestAddress(t, Options{Settings: policySettings(PolicyDrop)})
	bindQueues(t, a, "q1")

	publish(t, a, 1, "q1")
	publish(t, a, 2, "q1")
	res := publish(t, a, 3, "q1")
	if res.Outcome != OutcomeDropped {
		t.Errorf("Outcome = %s, want dropped", res.Outcome)
	}
	q, _ := a.Queue("q1")
	if got := q.MessageCount(); got != 2 {
		t.Errorf("queue MessageCount = %d, want 2", got)
	}
}

func TestAddress_PolicyBlockWaitsForCredit(t *testing.T) {
	a := openTestAddress(t, Options{Settings: policySettings(PolicyBlock)})
	bindQueues(t, a, "q1")

	publish(t, a, 1, "q1")
	publish(t, a, 2, "q1")

	done := make(chan PublishResult, 1)
	go func() {
		res, err := a.Publish(context.Background(), testMessage(3), []string{"q1"})
		if err != nil {
			t.Errorf("blocked Publish failed: %v", err)
		}
		done <- res
	}()
	waitFor(t, "producer to wait", func() bool { return a.Flow().Waiting() == 1 })

	select {
	case <-done:
		t.Fatal("Publish returned while address blocked")
	default:
	}

	q, _ := a.Queue("q1")
	consume(t, q, 1)

	select {
	case res := <-done:
		if res.Outcome != OutcomeDelivered {
			t.Errorf("Outcome = %s, want delivered", res.Outcome)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Publish still blocked after draining")
	}
}

func TestAddress_PolicyBlockCancelled(t *testing.T) {
	a := openTestAddress(t, Options{Settings: policySettings(PolicyBlock)})
	bindQueues(t, a, "q1")
	publish(t, a, 1, "q1")
	publish(t, a, 2, "q1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := a.Publish(ctx, testMessage(3), []string{"q1"})
	if !errors.Is(err, ErrBlocked) {
		t.Errorf("error = %v, want ErrBlocked", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want to wrap context.DeadlineExceeded", err)
	}
}

// =============================================================================
// PAGING
// =============================================================================

func TestAddress_PagingThenDepaging(t *testing.T) {
	sz := msgSize("q1")
	s := DefaultSettings()
	s.PagingThreshold = 3*sz + 1
	s.PageSizeBytes = 2 * sz

	a := openTestAddress(t, Options{Settings: s})
	bindQueues(t, a, "q1")

	for i := 1; i <= 10; i++ {
		res := publish(t, a, i, "q1")
		want := OutcomePaged
		if i <= 3 {
			want = OutcomeDelivered
		}
		if res.Outcome != want {
			t.Errorf("publish %d Outcome = %s, want %s", i, res.Outcome, want)
		}
	}
	info := a.Info()
	if !info.Paging {
		t.Fatal("Paging = false after crossing the threshold")
	}
	if info.NumberOfPages < 2 {
		t.Errorf("NumberOfPages = %d, want rollover", info.NumberOfPages)
	}
	if got := a.Size(); got != 3*sz {
		t.Errorf("Size = %d, want %d (paged messages not charged)", got, 3*sz)
	}

	q, _ := a.Queue("q1")
	wantIDs(t, consume(t, q, 10), 1, 10)

	if a.PageStore().IsPaging() {
		t.Error("still paging after every queue caught up")
	}
	if got := a.Size(); got != 0 {
		t.Errorf("Size = %d, want 0", got)
	}
	waitFor(t, "page cleanup", func() bool { return a.PageStore().NumberOfPages() == 1 })
}

func TestAddress_NewBindingStartsAtTail(t *testing.T) {
	s := DefaultSettings()
	s.PagingThreshold = 1
	a := openTestAddress(t, Options{Settings: s})
	bindQueues(t, a, "q1")

	for i := 1; i <= 3; i++ {
		publish(t, a, i, "q1")
	}
	bindQueues(t, a, "late")
	publish(t, a, 4, "q1", "late")

	late, _ := a.Queue("late")
	wantIDs(t, consume(t, late, 1), 4, 4)
}

func TestAddress_PageStoreFull(t *testing.T) {
	s := DefaultSettings()
	s.PagingThreshold = 1
	s.MaxDiskBytes = msgSize("q1") * 2
	a := openTestAddress(t, Options{Settings: s})
	bindQueues(t, a, "q1")

	publish(t, a, 1, "q1")
	publish(t, a, 2, "q1")

	msg := testMessage(3)
	msg.DuplicateID = []byte("dup-3")
	_, err := a.Publish(context.Background(), msg, []string{"q1"})
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("error = %v, want CapacityExceeded", err)
	}
	if a.DuplicateCache().Contains([]byte("dup-3")) {
		t.Error("duplicate id kept for a message that was never stored")
	}
}

// =============================================================================
// PAUSE / RESUME
// =============================================================================

func TestAddress_PauseResumePreservesOrder(t *testing.T) {
	a := openTestAddress(t, Options{Settings: DefaultSettings()})
	bindQueues(t, a, "q1")
	q, _ := a.Queue("q1")

	if err := a.Pause(PauseOptions{}); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	for i := 1; i <= 3; i++ {
		if res := publish(t, a, i, "q1"); res.Outcome != OutcomeDelivered {
			t.Errorf("publish while paused Outcome = %s, want delivered", res.Outcome)
		}
	}

	ds, err := q.Poll(10)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if len(ds) != 0 {
		t.Errorf("Poll while paused returned %d messages, want 0", len(ds))
	}

	bindQueues(t, a, "late")
	late, _ := a.Queue("late")
	if !late.Paused() {
		t.Error("queue bound while paused is not paused")
	}

	// Idempotent.
	a.Pause(PauseOptions{})
	if err := a.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	a.Resume()

	if got := a.PauseState(); got != Running {
		t.Errorf("PauseState = %v, want RUNNING", got)
	}
	wantIDs(t, consume(t, q, 3), 1, 3)
}

func TestPauseController_States(t *testing.T) {
	p := NewPauseController(Running)
	if p.IsPaused() {
		t.Fatal("IsPaused = true for a running controller")
	}

	if prev := p.Pause(PauseOptions{Persist: true}); prev != Running {
		t.Errorf("Pause prev = %v, want RUNNING", prev)
	}
	if got := p.State(); got != PausedPersisted {
		t.Errorf("State = %v, want PAUSED_PERSISTED", got)
	}

	// A plain pause over a persisted one drops persistence.
	if prev := p.Pause(PauseOptions{}); prev != PausedPersisted {
		t.Errorf("Pause prev = %v, want PAUSED_PERSISTED", prev)
	}
	if got := p.State(); got != Paused {
		t.Errorf("State = %v, want PAUSED", got)
	}

	if prev := p.Resume(); prev != Paused {
		t.Errorf("Resume prev = %v, want PAUSED", prev)
	}
	if p.IsPaused() {
		t.Error("IsPaused = true after Resume")
	}
	if prev := p.Resume(); prev != Running {
		t.Errorf("second Resume prev = %v, want RUNNING", prev)
	}
}

// =============================================================================
// PURGE
// =============================================================================

func TestAddress_PurgeCountsEveryQueue(t *testing.T) {
	a := openTestAddress(t, Options{Settings: DefaultSettings()})
	bindQueues(t, a, "q1", "q2", "q3")

	for i := 0; i < 5; i++ {
		publish(t, a, i, "q1")
	}
	for i := 5; i < 7; i++ {
		publish(t, a, i, "q2")
	}

	n, err := a.Purge()
	if err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if n != 7 {
		t.Errorf("Purge = %d, want 7", n)
	}
	if got := a.MessageCount(); got != 7 {
		t.Errorf("MessageCount = %d, want 7 (lifetime)", got)
	}
	if got := a.RoutedCount(); got != 7 {
		t.Errorf("RoutedCount = %d, want 7", got)
	}
	if got := a.Size(); got != 0 {
		t.Errorf("Size = %d, want 0", got)
	}
}

func TestAddress_PurgeIncludesPagedMessages(t *testing.T) {
	sz := msgSize("q1")
	s := DefaultSettings()
	s.PagingThreshold = 2*sz + 1
	a := openTestAddress(t, Options{Settings: s})
	bindQueues(t, a, "q1")

	for i := 1; i <= 5; i++ {
		publish(t, a, i, "q1")
	}
	if !a.PageStore().IsPaging() {
		t.Fatal("not paging")
	}

	n, err := a.Purge()
	if err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if n != 5 {
		t.Errorf("Purge = %d, want 5", n)
	}
	if a.PageStore().IsPaging() {
		t.Error("still paging after purge")
	}
	q, _ := a.Queue("q1")
	if ds, _ := q.Poll(10); len(ds) != 0 {
		t.Errorf("Poll after purge returned %d messages", len(ds))
	}
}

// =============================================================================
// LIMITS & INFO
// =============================================================================

func TestAddress_LimitPercent(t *testing.T) {
	s := DefaultSettings()
	s.MaxSizeBytes = 1000
	s.LowWatermark = 500
	a := openTestAddress(t, Options{Settings: s})

	a.Flow().Charge(250)

	tests := []struct {
		name   string
		global int64
		want   int
	}{
		{"local only", 0, 25},
		{"global smaller", 500, 50},
		{"local smaller", 2000, 25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a.SetGlobalMaxSize(tt.global)
			if got := a.AddressLimitPercent(); got != tt.want {
				t.Errorf("AddressLimitPercent = %d, want %d", got, tt.want)
			}
		})
	}

	a.SetGlobalMaxSize(0)
	a.Flow().Charge(5000)
	if got := a.AddressLimitPercent(); got != 100 {
		t.Errorf("AddressLimitPercent over limit = %d, want 100", got)
	}

	s.MaxSizeBytes = 0
	s.LowWatermark = 0
	if err := a.ApplySettings(s); err != nil {
		t.Fatalf("ApplySettings failed: %v", err)
	}
	if got := a.AddressLimitPercent(); got != 0 {
		t.Errorf("AddressLimitPercent unlimited = %d, want 0", got)
	}
}

func TestAddress_Info(t *testing.T) {
	a := openTestAddress(t, Options{
		ID:           7,
		Name:         RetroactivePrefix + "orders",
		Internal:     true,
		RoutingTypes: []RoutingType{Multicast, Anycast},
		Settings:     DefaultSettings(),
	})
	bindQueues(t, a, "b-local", "a-local")
	if _, err := a.Bind("remote-1", true); err != nil {
		t.Fatalf("Bind remote failed: %v", err)
	}

	info := a.Info()
	if info.ID != 7 {
		t.Errorf("ID = %d, want 7", info.ID)
	}
	if !info.RetroactiveResource {
		t.Error("RetroactiveResource = false, want true")
	}
	if got := fmt.Sprint(info.QueueNames); got != "[a-local b-local]" {
		t.Errorf("QueueNames = %s", got)
	}
	if got := fmt.Sprint(info.RemoteQueueNames); got != "[remote-1]" {
		t.Errorf("RemoteQueueNames = %s", got)
	}
	if info.QueueCount != 3 || len(info.BindingNames) != 3 {
		t.Errorf("QueueCount = %d, BindingNames = %v, want 3", info.QueueCount, info.BindingNames)
	}
	if got := fmt.Sprint(info.RoutingTypes); got != "[MULTICAST ANYCAST]" {
		t.Errorf("RoutingTypes = %s", got)
	}
	if info.PauseState != "RUNNING" {
		t.Errorf("PauseState = %s, want RUNNING", info.PauseState)
	}
}

func TestAddress_BindUnbind(t *testing.T) {
	a := openTestAddress(t, Options{Settings: DefaultSettings()})
	bindQueues(t, a, "q1")

	if _, err := a.Bind("q1", false); !errors.Is(err, ErrInvalidState) {
		t.Errorf("duplicate Bind error = %v, want InvalidState", err)
	}

	publish(t, a, 1, "q1")
	if err := a.Unbind("q1"); err != nil {
		t.Fatalf("Unbind failed: %v", err)
	}
	if got := a.Size(); got != 0 {
		t.Errorf("Size after Unbind = %d, want 0", got)
	}
	if err := a.Unbind("q1"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second Unbind error = %v, want InvalidState", err)
	}
}

func TestAddress_ResetMessageCounters(t *testing.T) {
	a := openTestAddress(t, Options{Settings: DefaultSettings()})
	bindQueues(t, a, "q1")
	publish(t, a, 1, "q1")
	publish(t, a, 2, "nobody")

	a.ResetMessageCounters()
	if got := a.MessageCount(); got != 0 {
		t.Errorf("MessageCount = %d, want 0", got)
	}
	if a.RoutedCount() != 1 || a.UnroutedCount() != 1 {
		t.Errorf("routed/unrouted = %d/%d, want 1/1", a.RoutedCount(), a.UnroutedCount())
	}
}

// =============================================================================
// RESTART
// =============================================================================

func TestAddress_RestoresPauseAndPages(t *testing.T) {
	dir := t.TempDir()
	j := journal.NewMemory()
	s := DefaultSettings()
	s.PagingThreshold = 1

	a, err := Open(Options{Name: "orders", DataDir: dir, Journal: j, Settings: s})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	bindQueues(t, a, "q1")
	if err := a.Pause(PauseOptions{Persist: true}); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	for i := 1; i <= 4; i++ {
		if res := publish(t, a, i, "q1"); res.Outcome != OutcomePaged {
			t.Fatalf("publish %d Outcome = %s, want paged", i, res.Outcome)
		}
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	recs, err := j.LoadAddresses()
	if err != nil || len(recs) != 1 {
		t.Fatalf("LoadAddresses = %v, %v; want one record", recs, err)
	}
	rec := recs[0]
	if !rec.PausedPersisted {
		t.Fatal("persisted pause not journaled")
	}

	a = openTestAddress(t, Options{
		Name:            rec.Name,
		DataDir:         dir,
		Journal:         j,
		Settings:        s,
		Bindings:        rec.Bindings,
		PausedPersisted: rec.PausedPersisted,
	})
	if got := a.PauseState(); got != PausedPersisted {
		t.Errorf("PauseState = %v, want PAUSED_PERSISTED", got)
	}
	if !a.PageStore().IsPaging() {
		t.Error("paging not resumed after restart")
	}

	if err := a.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	q, ok := a.Queue("q1")
	if !ok {
		t.Fatal("binding q1 not restored")
	}
	wantIDs(t, consume(t, q, 4), 1, 4)
}

func TestAddress_RestartSkipsAcknowledgedPages(t *testing.T) {
	dir := t.TempDir()
	j := journal.NewMemory()
	s := DefaultSettings()
	s.PagingThreshold = 1

	a, err := Open(Options{Name: "orders", DataDir: dir, Journal: j, Settings: s})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	bindQueues(t, a, "q1")
	for i := 1; i <= 4; i++ {
		if res := publish(t, a, i, "q1"); res.Outcome != OutcomePaged {
			t.Fatalf("publish %d Outcome = %s, want paged", i, res.Outcome)
		}
	}
	q, _ := a.Queue("q1")
	ds, err := q.Poll(2)
	if err != nil || len(ds) != 2 {
		t.Fatalf("Poll = %d deliveries, %v; want 2", len(ds), err)
	}
	var acked []string
	for _, d := range ds {
		if err := q.Ack(d.Tag); err != nil {
			t.Fatalf("Ack(%d) failed: %v", d.Tag, err)
		}
		acked = append(acked, d.Message.ID)
	}
	wantIDs(t, acked, 1, 2)
	if err := a.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	recs, err := j.LoadAddresses()
	if err != nil || len(recs) != 1 || len(recs[0].Bindings) != 1 {
		t.Fatalf("LoadAddresses = %v, %v; want one record with one binding", recs, err)
	}
	rec := recs[0]
	if b := rec.Bindings[0]; b.PageID == 0 && b.Position == 0 {
		t.Error("binding checkpoint not journaled on close")
	}

	a = openTestAddress(t, Options{
		Name:     rec.Name,
		DataDir:  dir,
		Journal:  j,
		Settings: s,
		Bindings: rec.Bindings,
	})
	if !a.PageStore().IsPaging() {
		t.Error("paging not resumed with unacknowledged pages")
	}
	q, ok := a.Queue("q1")
	if !ok {
		t.Fatal("binding q1 not restored")
	}
	wantIDs(t, consume(t, q, 4), 3, 4)

	if ds, err := q.Poll(4); err != nil || len(ds) != 0 {
		t.Errorf("Poll after drain = %d deliveries, %v; want none", len(ds), err)
	}
}

func TestAddress_RestartWithEverythingAcknowledged(t *testing.T) {
	dir := t.TempDir()
	j := journal.NewMemory()
	s := DefaultSettings()
	s.PagingThreshold = 1

	a, err := Open(Options{Name: "orders", DataDir: dir, Journal: j, Settings: s})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	bindQueues(t, a, "q1")
	for i := 1; i <= 3; i++ {
		publish(t, a, i, "q1")
	}
	q, _ := a.Queue("q1")
	wantIDs(t, consume(t, q, 3), 1, 3)
	a.Close()

	recs, _ := j.LoadAddresses()
	a = openTestAddress(t, Options{
		Name:     "orders",
		DataDir:  dir,
		Journal:  j,
		Settings: s,
		Bindings: recs[0].Bindings,
	})
	if a.PageStore().IsPaging() {
		t.Error("IsPaging = true with every paged message acknowledged")
	}
	q, _ = a.Queue("q1")
	if ds, err := q.Poll(4); err != nil || len(ds) != 0 {
		t.Errorf("Poll after restart = %d deliveries, %v; want none", len(ds), err)
	}
}

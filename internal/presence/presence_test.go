package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

var pollTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type stubReader struct {
	mu    sync.Mutex
	row   Row
	found bool
	err   error
	reads []string
	read  chan struct{}
}

func newStubReader() *stubReader {
	return &stubReader{read: make(chan struct{}, 64)}
}

func (r *stubReader) set(row Row, found bool, err error) {
	r.mu.Lock()
	r.row, r.found, r.err = row, found, err
	r.mu.Unlock()
}

func (r *stubReader) ReadPresence(_ context.Context, kind KeyKind, id string) (Row, bool, error) {
	r.mu.Lock()
	r.reads = append(r.reads, string(kind)+":"+id)
	row, found, err := r.row, r.found, r.err
	r.mu.Unlock()
	select {
	case r.read <- struct{}{}:
	default:
	}
	return row, found, err
}

func (r *stubReader) readKeys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.reads...)
}

func mustTracker(t *testing.T, reader Reader, clock func() time.Time, onChange func(Snapshot)) *Tracker {
	t.Helper()
	tracker, err := NewTracker(TrackerConfig{Reader: reader, Interval: 10 * time.Millisecond, Clock: clock, OnChange: onChange})
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	t.Cleanup(tracker.Stop)
	return tracker
}

func timePointer(value time.Time) *time.Time {
	return &value
}

func TestEffectiveTypingExpiryBoundary(t *testing.T) {
	expiresAt := pollTime
	row := Row{IsTyping: true, IsOnline: true, TypingExpiresAt: &expiresAt}
	tests := []struct {
		name string
		row  Row
		now  time.Time
		want bool
	}{
		{name: "before-expiry", row: row, now: pollTime.Add(-time.Nanosecond), want: true},
		{name: "at-expiry", row: row, now: pollTime, want: false},
		{name: "after-expiry", row: row, now: pollTime.Add(time.Second), want: false},
		{name: "no-expiry", row: Row{IsTyping: true}, now: pollTime, want: false},
		{name: "not-typing", row: Row{TypingExpiresAt: &expiresAt}, now: pollTime.Add(-time.Hour), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Effective(tt.row, tt.now).IsTyping; got != tt.want {
				t.Fatalf("want typing=%v, got %v", tt.want, got)
			}
		})
	}
}

func TestKeyResolvePrefersConversation(t *testing.T) {
	kind, id, ok := Key{ConversationID: "c1", IdentityID: "i1"}.Resolve()
	if !ok || kind != KeyKindConversation || id != "c1" {
		t.Fatalf("unexpected resolution %s %s %v", kind, id, ok)
	}
	kind, id, ok = Key{IdentityID: "i1"}.Resolve()
	if !ok || kind != KeyKindIdentity || id != "i1" {
		t.Fatalf("unexpected resolution %s %s %v", kind, id, ok)
	}
	if _, _, ok := (Key{}).Resolve(); ok {
		t.Fatalf("expected empty key to resolve to nothing")
	}
}

func TestTrackerResetsOnMissingRow(t *testing.T) {
	reader := newStubReader()
	tracker := mustTracker(t, reader, func() time.Time { return pollTime }, nil)
	ctx := context.Background()

	reader.set(Row{IsTyping: true, IsOnline: true, LastSeenAt: timePointer(pollTime), TypingExpiresAt: timePointer(pollTime.Add(time.Minute))}, true, nil)
	tracker.poll(ctx, tracker.generation, KeyKindConversation, "c1")
	if current := tracker.Current(); !current.IsTyping || !current.IsOnline {
		t.Fatalf("expected typing and online, got %+v", current)
	}

	reader.set(Row{}, false, nil)
	tracker.poll(ctx, tracker.generation, KeyKindConversation, "c1")
	if current := tracker.Current(); current.IsTyping || current.IsOnline || current.LastSeenAt != nil {
		t.Fatalf("expected reset state, got %+v", current)
	}
}

func TestTrackerKeepsStateOnReadError(t *testing.T) {
	reader := newStubReader()
	tracker := mustTracker(t, reader, func() time.Time { return pollTime }, nil)
	ctx := context.Background()

	reader.set(Row{IsOnline: true}, true, nil)
	tracker.poll(ctx, tracker.generation, KeyKindIdentity, "i1")
	reader.set(Row{}, false, errors.New("network down"))
	tracker.poll(ctx, tracker.generation, KeyKindIdentity, "i1")

	if !tracker.Current().IsOnline {
		t.Fatalf("expected previous state retained after read error")
	}
}

func TestTrackerRecomputesExpiryWithoutNewWrites(t *testing.T) {
	reader := newStubReader()
	now := pollTime
	tracker := mustTracker(t, reader, func() time.Time { return now }, nil)
	ctx := context.Background()

	reader.set(Row{IsTyping: true, TypingExpiresAt: timePointer(pollTime.Add(time.Second))}, true, nil)
	tracker.poll(ctx, tracker.generation, KeyKindConversation, "c1")
	if !tracker.Current().IsTyping {
		t.Fatalf("expected typing before expiry")
	}
	now = pollTime.Add(time.Second)
	tracker.poll(ctx, tracker.generation, KeyKindConversation, "c1")
	if tracker.Current().IsTyping {
		t.Fatalf("expected typing to expire on the next tick")
	}
}

func TestTrackerDiscardsStaleGeneration(t *testing.T) {
	reader := newStubReader()
	tracker := mustTracker(t, reader, func() time.Time { return pollTime }, nil)
	stale := tracker.generation

	tracker.Stop()
	reader.set(Row{IsOnline: true}, true, nil)
	tracker.poll(context.Background(), stale, KeyKindConversation, "c1")
	if tracker.Current().IsOnline {
		t.Fatalf("expected read from stale generation to be discarded")
	}
}

func TestTrackerStartPollsImmediatelyAndStopHalts(t *testing.T) {
	reader := newStubReader()
	reader.set(Row{IsOnline: true}, true, nil)
	changes := make(chan Snapshot, 16)
	tracker := mustTracker(t, reader, func() time.Time { return pollTime }, func(snapshot Snapshot) {
		changes <- snapshot
	})

	tracker.Start(Key{ConversationID: "c1", IdentityID: "i1"})
	select {
	case snapshot := <-changes:
		if !snapshot.IsOnline {
			t.Fatalf("expected online snapshot, got %+v", snapshot)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no presence change reported")
	}
	<-reader.read

	tracker.Stop()
	count := len(reader.readKeys())
	time.Sleep(50 * time.Millisecond)
	if after := len(reader.readKeys()); after != count {
		t.Fatalf("expected no reads after stop, got %d more", after-count)
	}
	for _, key := range reader.readKeys() {
		if key != "conversation:c1" {
			t.Fatalf("expected conversation key to win, read %q", key)
		}
	}
}

func TestTrackerWithoutKeyDoesNotPoll(t *testing.T) {
	reader := newStubReader()
	tracker := mustTracker(t, reader, nil, nil)
	tracker.Start(Key{})
	time.Sleep(30 * time.Millisecond)
	if reads := reader.readKeys(); len(reads) != 0 {
		t.Fatalf("expected no reads without key, got %v", reads)
	}
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&StatusRecord{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestSQLStoreRoundTrip(t *testing.T) {
	store, err := NewSQLStore(openTestDatabase(t))
	if err != nil {
		t.Fatalf("new sql store: %v", err)
	}
	ctx := context.Background()

	if _, found, err := store.ReadPresence(ctx, KeyKindConversation, "c1"); err != nil || found {
		t.Fatalf("expected missing row, got found=%v err=%v", found, err)
	}

	expiresAt := pollTime.Add(5 * time.Second)
	if err := store.WritePresence(ctx, KeyKindConversation, "c1", Row{IsTyping: true, IsOnline: true, TypingExpiresAt: &expiresAt}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := store.WritePresence(ctx, KeyKindConversation, "c1", Row{IsTyping: false, IsOnline: true, LastSeenAt: timePointer(pollTime)}); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	row, found, err := store.ReadPresence(ctx, KeyKindConversation, "c1")
	if err != nil || !found {
		t.Fatalf("expected row, got found=%v err=%v", found, err)
	}
	if row.IsTyping || !row.IsOnline || row.LastSeenAt == nil || !row.LastSeenAt.Equal(pollTime) || row.TypingExpiresAt != nil {
		t.Fatalf("unexpected row %+v", row)
	}
	if _, found, _ := store.ReadPresence(ctx, KeyKindIdentity, "c1"); found {
		t.Fatalf("expected key kinds to be distinct")
	}
}

type fakeRedis struct {
	values map[string]string
	ttls   map[string]time.Duration
	getErr error
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	if f.getErr != nil {
		return redis.NewStringResult("", f.getErr)
	}
	value, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(value, nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	switch typed := value.(type) {
	case []byte:
		f.values[key] = string(typed)
	case string:
		f.values[key] = typed
	}
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func TestRedisStoreRoundTrip(t *testing.T) {
	client := &fakeRedis{values: map[string]string{}, ttls: map[string]time.Duration{}}
	store, err := NewRedisStore(client, "inbox", 30*time.Second)
	if err != nil {
		t.Fatalf("new redis store: %v", err)
	}
	ctx := context.Background()

	if _, found, err := store.ReadPresence(ctx, KeyKindIdentity, "i1"); err != nil || found {
		t.Fatalf("expected missing row, got found=%v err=%v", found, err)
	}
	if err := store.WritePresence(ctx, KeyKindIdentity, "i1", Row{IsOnline: true}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, ok := client.values["inbox:presence:identity:i1"]; !ok {
		t.Fatalf("expected namespaced key, have %v", client.values)
	}
	if client.ttls["inbox:presence:identity:i1"] != 30*time.Second {
		t.Fatalf("expected ttl to be applied")
	}
	row, found, err := store.ReadPresence(ctx, KeyKindIdentity, "i1")
	if err != nil || !found || !row.IsOnline {
		t.Fatalf("unexpected read row=%+v found=%v err=%v", row, found, err)
	}

	client.values["inbox:presence:identity:broken"] = "{"
	if _, _, err := store.ReadPresence(ctx, KeyKindIdentity, "broken"); err == nil {
		t.Fatalf("expected decode error")
	}
	client.getErr = errors.New("connection refused")
	if _, _, err := store.ReadPresence(ctx, KeyKindIdentity, "i1"); err == nil {
		t.Fatalf("expected read error")
	}
}

type recordingWriter struct {
	rows []Row
	err  error
}

func (w *recordingWriter) WritePresence(_ context.Context, _ KeyKind, _ string, row Row) error {
	if w.err != nil {
		return w.err
	}
	w.rows = append(w.rows, row)
	return nil
}

func TestTypingReporterThrottlesWrites(t *testing.T) {
	writer := &recordingWriter{}
	now := pollTime
	reporter, err := NewTypingReporter(TypingReporterConfig{Writer: writer, TTL: 5 * time.Second, Throttle: 2 * time.Second, Clock: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("new reporter: %v", err)
	}
	key := Key{ConversationID: "c1"}
	ctx := context.Background()

	if sent, err := reporter.Typing(ctx, key); err != nil || !sent {
		t.Fatalf("expected first typing write, got sent=%v err=%v", sent, err)
	}
	now = pollTime.Add(time.Second)
	if sent, _ := reporter.Typing(ctx, key); sent {
		t.Fatalf("expected throttled write")
	}
	now = pollTime.Add(3 * time.Second)
	if sent, _ := reporter.Typing(ctx, key); !sent {
		t.Fatalf("expected write after throttle window")
	}
	if len(writer.rows) != 2 || !writer.rows[0].TypingExpiresAt.Equal(pollTime.Add(5*time.Second)) {
		t.Fatalf("unexpected rows %+v", writer.rows)
	}

	if err := reporter.StopTyping(ctx, key); err != nil {
		t.Fatalf("stop typing: %v", err)
	}
	if last := writer.rows[len(writer.rows)-1]; last.IsTyping {
		t.Fatalf("expected typing cleared")
	}
	if _, err := reporter.Typing(ctx, Key{}); !errors.Is(err, ErrMissingKey) {
		t.Fatalf("expected ErrMissingKey, got %v", err)
	}
}

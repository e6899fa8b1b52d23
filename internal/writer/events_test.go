package writer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/lockerlink/livelink/internal/model"
	"github.com/lockerlink/livelink/internal/router"
)

// fakeDB records queued statements and answers each with a command tag.
type fakeDB struct {
	mu       sync.Mutex
	batches  [][]*pgx.QueuedQuery
	fail     error
	conflict map[string]bool
	execSQL  []string
}

func (f *fakeDB) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, b.QueuedQueries)
	return &fakeResults{db: f, queries: b.QueuedQueries, fail: f.fail}
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execSQL = append(f.execSQL, sql)
	return pgconn.NewCommandTag("CREATE TABLE"), f.fail
}

func (f *fakeDB) rows() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

type fakeResults struct {
	db      *fakeDB
	queries []*pgx.QueuedQuery
	next    int
	fail    error
}

func (r *fakeResults) Exec() (pgconn.CommandTag, error) {
	if r.fail != nil {
		return pgconn.CommandTag{}, r.fail
	}
	q := r.queries[r.next]
	r.next++
	if r.db.conflict[q.Arguments[0].(string)] {
		return pgconn.NewCommandTag("INSERT 0 0"), nil
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (r *fakeResults) Query() (pgx.Rows, error) { return nil, errors.New("not implemented") }
func (r *fakeResults) QueryRow() pgx.Row         { return nil }
func (r *fakeResults) Close() error              { return nil }

func testEvent(deviceID string) router.DeviceEvent {
	battery := 42
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return router.DeviceEvent{
		ID:       uuid.New(),
		DeviceID: deviceID,
		Type:     "device_update",
		Patch:    model.DevicePatch{BatteryLevel: &battery},
		Device: model.Device{
			ID:           deviceID,
			BatteryLevel: battery,
			LockStatus:   model.LockStatusLocked,
			IsOnline:     true,
		},
		ReceivedAt: now,
		AppliedAt:  now.Add(time.Millisecond),
	}
}

func TestTransform(t *testing.T) {
	ev := testEvent("d1")
	ev.ServerTime = "2026-03-01T09:00:00Z"

	row, err := transform(ev)
	if err != nil {
		t.Fatalf("transform() error = %v", err)
	}

	if row.ID != ev.ID.String() {
		t.Errorf("ID = %s, want %s", row.ID, ev.ID)
	}
	if row.BatteryLevel != 42 || row.LockStatus != "locked" || !row.IsOnline {
		t.Errorf("device columns = %d/%s/%v", row.BatteryLevel, row.LockStatus, row.IsOnline)
	}
	if row.ServerTime == nil || *row.ServerTime != ev.ServerTime {
		t.Errorf("ServerTime = %v, want %s", row.ServerTime, ev.ServerTime)
	}

	var patch map[string]any
	if err := json.Unmarshal(row.Patch, &patch); err != nil {
		t.Fatalf("patch is not JSON: %v", err)
	}
	if patch["battery_level"] != float64(42) {
		t.Errorf("patch = %v", patch)
	}
	if _, ok := patch["lock_status"]; ok {
		t.Error("unset patch fields should be omitted")
	}
}

func TestTransform_NoServerTime(t *testing.T) {
	row, err := transform(testEvent("d1"))
	if err != nil {
		t.Fatalf("transform() error = %v", err)
	}
	if row.ServerTime != nil {
		t.Errorf("ServerTime = %v, want nil", *row.ServerTime)
	}
}

func TestEventWriter_FlushOnBatchSize(t *testing.T) {
	db := &fakeDB{}
	q := router.NewQueue[router.DeviceEvent](10)
	w := NewEventWriter(WriterConfig{BatchSize: 3, FlushInterval: time.Hour}, q, db, nil)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		q.Push(testEvent("d1"))
	}

	deadline := time.Now().Add(time.Second)
	for db.rows() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	w.Stop(stopCtx)

	if db.rows() != 3 {
		t.Errorf("rows = %d, want 3", db.rows())
	}
	stats := w.Stats()
	if stats.Inserts != 3 || stats.Flushes != 1 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestEventWriter_FlushOnInterval(t *testing.T) {
	db := &fakeDB{}
	q := router.NewQueue[router.DeviceEvent](10)
	w := NewEventWriter(WriterConfig{BatchSize: 100, FlushInterval: 20 * time.Millisecond}, q, db, nil)

	w.Start(context.Background())
	q.Push(testEvent("d1"))

	time.Sleep(100 * time.Millisecond)
	if db.rows() != 1 {
		t.Errorf("rows = %d, want 1", db.rows())
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	w.Stop(stopCtx)
}

func TestEventWriter_StopDrainsQueue(t *testing.T) {
	db := &fakeDB{}
	q := router.NewQueue[router.DeviceEvent](10)
	w := NewEventWriter(WriterConfig{BatchSize: 100, FlushInterval: time.Hour}, q, db, nil)

	w.Start(context.Background())
	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	q.Push(testEvent("d1"))
	q.Push(testEvent("d2"))
	if err := w.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if db.rows() != 2 {
		t.Errorf("rows = %d, want 2", db.rows())
	}
}

func TestEventWriter_Conflicts(t *testing.T) {
	dup := testEvent("d1")
	db := &fakeDB{conflict: map[string]bool{dup.ID.String(): true}}
	q := router.NewQueue[router.DeviceEvent](10)
	w := NewEventWriter(DefaultWriterConfig(), q, db, nil)

	w.add(dup)
	w.add(testEvent("d2"))
	w.flush(context.Background())

	stats := w.Stats()
	if stats.Inserts != 1 {
		t.Errorf("Inserts = %d, want 1", stats.Inserts)
	}
	if stats.Conflicts != 1 {
		t.Errorf("Conflicts = %d, want 1", stats.Conflicts)
	}
}

func TestEventWriter_FailedFlushRetries(t *testing.T) {
	db := &fakeDB{fail: errors.New("connection refused")}
	q := router.NewQueue[router.DeviceEvent](10)
	w := NewEventWriter(DefaultWriterConfig(), q, db, nil)

	w.add(testEvent("d1"))
	w.flush(context.Background())

	if w.Stats().Errors != 1 {
		t.Errorf("Errors = %d, want 1", w.Stats().Errors)
	}

	db.mu.Lock()
	db.fail = nil
	db.mu.Unlock()

	w.flush(context.Background())
	stats := w.Stats()
	if stats.Inserts != 1 {
		t.Errorf("Inserts after retry = %d, want 1", stats.Inserts)
	}
}

func TestEnsureSchema(t *testing.T) {
	db := &fakeDB{}
	if err := EnsureSchema(context.Background(), db); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	if len(db.execSQL) != 1 {
		t.Errorf("exec calls = %d, want 1", len(db.execSQL))
	}

	db.fail = errors.New("permission denied")
	if err := EnsureSchema(context.Background(), db); err == nil {
		t.Error("expected error")
	}
}

func TestDefaultWriterConfig(t *testing.T) {
	w := NewEventWriter(WriterConfig{}, router.NewQueue[router.DeviceEvent](1), &fakeDB{}, nil)
	if w.cfg != DefaultWriterConfig() {
		t.Errorf("cfg = %+v, want defaults", w.cfg)
	}
}

func TestEventWriter_FailedFlushBounded(t *testing.T) {
	db := &fakeDB{fail: errors.New("connection refused")}
	q := router.NewQueue[router.DeviceEvent](10)
	w := NewEventWriter(WriterConfig{BatchSize: 2, FlushInterval: time.Hour}, q, db, nil)

	for i := 0; i < 30; i++ {
		w.add(testEvent("d1"))
		w.flush(context.Background())
	}

	w.batchMu.Lock()
	pending := len(w.batch)
	w.batchMu.Unlock()

	if pending != maxPendingBatches*2 {
		t.Errorf("pending = %d, want %d", pending, maxPendingBatches*2)
	}
	if w.Stats().Dropped != 10 {
		t.Errorf("Dropped = %d, want 10", w.Stats().Dropped)
	}
}

func TestEventWriter_CancelledFlushKeepsRows(t *testing.T) {
	db := &fakeDB{fail: context.Canceled}
	q := router.NewQueue[router.DeviceEvent](10)
	w := NewEventWriter(WriterConfig{BatchSize: 100, FlushInterval: time.Hour}, q, db, nil)

	// A flush interrupted by shutdown must leave its rows for Stop.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.add(testEvent("d1"))
	w.add(testEvent("d2"))
	w.flush(ctx)

	db.mu.Lock()
	db.fail = nil
	db.batches = nil
	db.mu.Unlock()

	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if db.rows() != 2 {
		t.Errorf("rows = %d, want 2", db.rows())
	}
	if w.Stats().Dropped != 0 {
		t.Errorf("Dropped = %d, want 0", w.Stats().Dropped)
	}
}

func TestEventWriter_StopCountsUnwritten(t *testing.T) {
	db := &fakeDB{fail: errors.New("connection refused")}
	q := router.NewQueue[router.DeviceEvent](10)
	w := NewEventWriter(WriterConfig{BatchSize: 100, FlushInterval: time.Hour}, q, db, nil)

	q.Push(testEvent("d1"))
	q.Push(testEvent("d2"))
	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	stats := w.Stats()
	if stats.Dropped != 2 {
		t.Errorf("Dropped = %d, want 2", stats.Dropped)
	}
	if stats.Inserts != 0 {
		t.Errorf("Inserts = %d, want 0", stats.Inserts)
	}
}

package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/lockerlink/livelink/internal/router"
)

const schema = `
CREATE TABLE IF NOT EXISTS device_events (
	id            UUID PRIMARY KEY,
	device_id     TEXT NOT NULL,
	type          TEXT NOT NULL,
	patch         JSONB NOT NULL,
	battery_level INTEGER NOT NULL,
	lock_status   TEXT NOT NULL,
	is_online     BOOLEAN NOT NULL,
	server_time   TEXT,
	received_at   TIMESTAMPTZ NOT NULL,
	applied_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS device_events_device_idx ON device_events (device_id, applied_at DESC);
`

const insertEvent = `
INSERT INTO device_events (id, device_id, type, patch, battery_level, lock_status, is_online, server_time, received_at, applied_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO NOTHING`

// maxPendingBatches bounds how many failed batches are kept for retry.
const maxPendingBatches = 10

// BatchSender is the subset of pgxpool.Pool the writer needs.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Execer runs a statement without returning rows.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// EnsureSchema creates the device_events table if needed.
func EnsureSchema(ctx context.Context, db Execer) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create device_events: %w", err)
	}
	return nil
}

// WriterConfig holds batching settings.
type WriterConfig struct {
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultWriterConfig returns default configuration.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     100,
		FlushInterval: time.Second,
	}
}

// WriterMetrics counts writer activity.
type WriterMetrics struct {
	Inserts   int64 `json:"inserts"`
	Conflicts int64 `json:"conflicts"`
	Errors    int64 `json:"errors"`
	Flushes   int64 `json:"flushes"`
	Dropped   int64 `json:"dropped"`
}

type eventRow struct {
	ID           string
	DeviceID     string
	Type         string
	Patch        []byte
	BatteryLevel int
	LockStatus   string
	IsOnline     bool
	ServerTime   *string
	ReceivedAt   time.Time
	AppliedAt    time.Time
}

// EventWriter consumes DeviceEvents from the router queue and writes them
// to the device_events table.
type EventWriter struct {
	cfg    WriterConfig
	logger *slog.Logger

	input *router.Queue[router.DeviceEvent]
	db    BatchSender

	batch   []eventRow
	batchMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics WriterMetrics
}

// NewEventWriter creates a new EventWriter.
func NewEventWriter(
	cfg WriterConfig,
	input *router.Queue[router.DeviceEvent],
	db BatchSender,
	logger *slog.Logger,
) *EventWriter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultWriterConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultWriterConfig().FlushInterval
	}
	return &EventWriter{
		cfg:    cfg,
		input:  input,
		db:     db,
		logger: logger.With("component", "event_writer"),
		batch:  make([]eventRow, 0, cfg.BatchSize),
	}
}

// Start begins consuming events and writing to the database.
func (w *EventWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(2)
	go w.consumeLoop()
	go w.flushLoop()

	w.logger.Info("event writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop shuts the writer down, draining queued events into a final flush.
func (w *EventWriter) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("event writer stop timed out")
		return ctx.Err()
	}

	for _, ev := range w.input.Drain(0) {
		w.add(ev)
	}
	w.flush(ctx)

	w.batchMu.Lock()
	if lost := len(w.batch); lost > 0 {
		w.metrics.Dropped += int64(lost)
		w.batch = nil
		w.logger.Error("unwritten events discarded on stop", "count", lost)
	}
	w.batchMu.Unlock()

	w.logger.Info("event writer stopped")
	return nil
}

// Stats returns current metrics.
func (w *EventWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

func (w *EventWriter) consumeLoop() {
	defer w.wg.Done()

	for {
		ev, ok := w.input.TryPop()
		if !ok {
			select {
			case <-w.ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
				continue
			}
		}

		if w.add(ev) {
			w.flush(w.ctx)
		}
	}
}

func (w *EventWriter) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flush(w.ctx)
		}
	}
}

// add appends an event and reports whether the batch is full.
func (w *EventWriter) add(ev router.DeviceEvent) bool {
	row, err := transform(ev)
	if err != nil {
		w.logger.Warn("dropping event", "event_id", ev.ID, "error", err)
		w.batchMu.Lock()
		w.metrics.Dropped++
		w.batchMu.Unlock()
		return false
	}

	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	w.batch = append(w.batch, row)
	return len(w.batch) >= w.cfg.BatchSize
}

func transform(ev router.DeviceEvent) (eventRow, error) {
	patch, err := json.Marshal(ev.Patch)
	if err != nil {
		return eventRow{}, fmt.Errorf("marshal patch: %w", err)
	}

	row := eventRow{
		ID:           ev.ID.String(),
		DeviceID:     ev.DeviceID,
		Type:         ev.Type,
		Patch:        patch,
		BatteryLevel: ev.Device.BatteryLevel,
		LockStatus:   ev.Device.LockStatus,
		IsOnline:     ev.Device.IsOnline,
		ReceivedAt:   ev.ReceivedAt.UTC(),
		AppliedAt:    ev.AppliedAt.UTC(),
	}
	if ev.ServerTime != "" {
		st := ev.ServerTime
		row.ServerTime = &st
	}
	return row, nil
}

// flush writes the current batch. Rows from a failed insert go back to the
// front of the batch for the next attempt; the oldest are dropped once
// maxPendingBatches batches are pending.
func (w *EventWriter) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}
	rows := w.batch
	w.batch = make([]eventRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()
	conflicts, err := w.batchInsert(ctx, rows)

	w.batchMu.Lock()
	defer w.batchMu.Unlock()

	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(rows))
		w.metrics.Errors++
		// Rows go back even when ctx is done; Stop flushes them once more.
		w.batch = append(rows, w.batch...)
		if over := len(w.batch) - maxPendingBatches*w.cfg.BatchSize; over > 0 {
			w.batch = w.batch[over:]
			w.metrics.Dropped += int64(over)
		}
		return
	}

	w.metrics.Inserts += int64(len(rows) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++

	w.logger.Debug("flushed device events",
		"count", len(rows),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *EventWriter) batchInsert(ctx context.Context, rows []eventRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertEvent,
			r.ID, r.DeviceID, r.Type, r.Patch, r.BatteryLevel,
			r.LockStatus, r.IsOnline, r.ServerTime, r.ReceivedAt, r.AppliedAt,
		)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}

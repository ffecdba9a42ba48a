package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/SajModbusHub/internal/hub"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// DB is the subset of pgxpool.Pool used by History.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const (
	queueSize     = 256
	pruneInterval = time.Hour
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS inverter_snapshots (
	inverter    TEXT        NOT NULL,
	generation  BIGINT      NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL,
	snapshot    JSONB       NOT NULL,
	PRIMARY KEY (inverter, generation)
);
CREATE INDEX IF NOT EXISTS inverter_snapshots_recorded_at
	ON inverter_snapshots (recorded_at)`

// Optimistic writes republish the same generation, the row is updated.
const insertSQL = `
INSERT INTO inverter_snapshots (inverter, generation, recorded_at, snapshot)
VALUES ($1, $2, $3, $4)
ON CONFLICT (inverter, generation)
DO UPDATE SET recorded_at = EXCLUDED.recorded_at, snapshot = EXCLUDED.snapshot`

const pruneSQL = `DELETE FROM inverter_snapshots WHERE recorded_at < $1`

const recentSQL = `
SELECT inverter, generation, recorded_at, snapshot
FROM inverter_snapshots
WHERE inverter = $1
ORDER BY generation DESC
LIMIT $2`

// History persists snapshot generations. Listeners only enqueue, the
// database work happens in Run.
type History struct {
	db        DB
	retention time.Duration
	logger    *zap.Logger

	queue   chan Record
	dropped atomic.Uint64
}

func NewHistory(db DB, retention time.Duration, logger *zap.Logger) *History {
	return &History{
		db:        db,
		retention: retention,
		logger:    logger.Named("history"),
		queue:     make(chan Record, queueSize),
	}
}

func (h *History) EnsureSchema(ctx context.Context) error {
	if _, err := h.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create history schema: %w", err)
	}
	return nil
}

// Listener returns a hub listener for one inverter. It never blocks the
// hub: when the queue is full the generation is dropped.
func (h *History) Listener(inverter string) hub.Listener {
	return func(s *hub.Snapshot) {
		h.enqueue(recordOf(inverter, s))
	}
}

func (h *History) enqueue(r Record) {
	select {
	case h.queue <- r:
	default:
		n := h.dropped.Add(1)
		h.logger.Warn("History queue full, snapshot dropped",
			zap.String("inverter", r.Inverter),
			zap.Uint64("generation", r.Generation),
			zap.Uint64("dropped_total", n))
	}
}

// Dropped reports how many generations were lost to a full queue.
func (h *History) Dropped() uint64 {
	return h.dropped.Load()
}

// Run stores queued records until ctx is done, pruning old rows once per
// hour. Records still queued on cancellation are discarded.
func (h *History) Run(ctx context.Context) error {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-h.queue:
			if err := h.Record(ctx, r); err != nil {
				h.logger.Error("Failed to store snapshot",
					zap.String("inverter", r.Inverter),
					zap.Uint64("generation", r.Generation),
					zap.Error(err))
			}
		case now := <-ticker.C:
			if _, err := h.Prune(ctx, now); err != nil {
				h.logger.Error("Failed to prune history", zap.Error(err))
			}
		}
	}
}

func (h *History) Record(ctx context.Context, r Record) error {
	payload, err := json.Marshal(r.Values)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	_, err = h.db.Exec(ctx, insertSQL, r.Inverter, int64(r.Generation), r.Timestamp, payload)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

// Prune deletes rows older than the retention. A zero retention keeps
// everything.
func (h *History) Prune(ctx context.Context, now time.Time) (int64, error) {
	if h.retention <= 0 {
		return 0, nil
	}
	tag, err := h.db.Exec(ctx, pruneSQL, now.Add(-h.retention))
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		h.logger.Info("History pruned", zap.Int64("rows", n))
	}
	return tag.RowsAffected(), nil
}

// Recent returns the newest records of one inverter, newest first.
func (h *History) Recent(ctx context.Context, inverter string, limit int) ([]Record, error) {
	rows, err := h.db.Query(ctx, recentSQL, inverter, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r       Record
			gen     int64
			payload []byte
		)
		if err := rows.Scan(&r.Inverter, &gen, &r.Timestamp, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		if err := json.Unmarshal(payload, &r.Values); err != nil {
			return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
		}
		r.Generation = uint64(gen)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read snapshots: %w", err)
	}
	return records, nil
}

package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"cotick/internal/types"
)

// defaultEventListLimit bounds unbounded event log listings.
const defaultEventListLimit = 200

// EventLogRepository provides data access for the timer_events table.
// The payload column holds the zstd-compressed wire JSON of the event; use
// CompressPayload / DecompressPayload at the boundaries.
type EventLogRepository struct {
	db DBTX
}

// NewEventLogRepository creates an EventLogRepository backed by the given
// database connection (pool or transaction).
func NewEventLogRepository(db DBTX) *EventLogRepository {
	return &EventLogRepository{db: db}
}

const elColumns = `e.id, e.event_id, e.event_type, e.timer_id,
	e.origin_server_id, e.priority, e.payload,
	e.occurred_at, e.created_at, e.expires_at`

// scanEventLogFromRows scans a single row from a pgx.Rows result set.
// The columns must match the order defined in elColumns.
func scanEventLogFromRows(rows pgx.Rows) (*types.TimerEventLog, error) {
	var l types.TimerEventLog
	err := rows.Scan(
		&l.ID,
		&l.EventID,
		&l.EventType,
		&l.TimerID,
		&l.OriginServerID,
		&l.Priority,
		&l.Payload,
		&l.OccurredAt,
		&l.CreatedAt,
		&l.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// Create inserts a fleet event record. Inserts are idempotent on event_id:
// every server in the fleet consumes every event, so replays and multi-server
// writes of the same event collapse into a single row.
func (r *EventLogRepository) Create(ctx context.Context, l *types.TimerEventLog) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO timer_events (
			id, event_id, event_type, timer_id,
			origin_server_id, priority, payload,
			occurred_at, created_at, expires_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7,
			$8, COALESCE($9, NOW()), $10
		)
		ON CONFLICT (event_id) DO NOTHING`,
		l.ID,
		l.EventID,
		l.EventType,
		l.TimerID,
		l.OriginServerID,
		l.Priority,
		l.Payload,
		l.OccurredAt,
		nilIfZeroTime(l.CreatedAt),
		l.ExpiresAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create event log", err)
	}
	return nil
}

// ListByTimer returns the most recent events recorded for a timer, newest
// first. A non-positive limit falls back to the default.
func (r *EventLogRepository) ListByTimer(ctx context.Context, timerID string, limit int) ([]*types.TimerEventLog, error) {
	if limit <= 0 || limit > defaultEventListLimit {
		limit = defaultEventListLimit
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+elColumns+`
		 FROM timer_events e
		 WHERE e.timer_id = $1
		 ORDER BY e.occurred_at DESC
		 LIMIT $2`,
		timerID, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list event logs", err)
	}
	defer rows.Close()

	var logs []*types.TimerEventLog
	for rows.Next() {
		l, err := scanEventLogFromRows(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan event log", err)
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate event logs", err)
	}
	return logs, nil
}

// DeleteExpired removes event rows whose retention window has lapsed and
// returns the number of rows pruned.
func (r *EventLogRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM timer_events WHERE expires_at < $1`,
		now,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to prune expired event logs", err)
	}
	return tag.RowsAffected(), nil
}

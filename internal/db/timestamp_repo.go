package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"cotick/internal/types"
)

// defaultTimestampListLimit bounds unbounded timestamp listings.
const defaultTimestampListLimit = 100

// TimestampRepository provides data access for the timer_timestamps table.
// Marks are append-only: there is no update or single-row delete surface,
// only inserts, reads, and retention pruning.
type TimestampRepository struct {
	db DBTX
}

// NewTimestampRepository creates a TimestampRepository backed by the given
// database connection (pool or transaction).
func NewTimestampRepository(db DBTX) *TimestampRepository {
	return &TimestampRepository{db: db}
}

const tsColumns = `s.id, s.timer_id, s.user_id,
	s.saved_at, s.remaining_at_save_ms, s.target_at_save, s.metadata,
	s.created_at, s.expires_at`

// scanTimestampFromRows scans a single row from a pgx.Rows result set.
// The columns must match the order defined in tsColumns.
func scanTimestampFromRows(rows pgx.Rows) (*types.TimestampMark, error) {
	var m types.TimestampMark
	var remainingMillis int64
	err := rows.Scan(
		&m.ID,
		&m.TimerID,
		&m.UserID,
		&m.SavedAt,
		&remainingMillis,
		&m.TargetAtSave,
		&m.Metadata,
		&m.CreatedAt,
		&m.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	m.RemainingAtSave = types.Duration(time.Duration(remainingMillis) * time.Millisecond)
	return &m, nil
}

// Create inserts a new timestamp mark. The caller must set the ID, timer and
// user scope, capture fields, and expires_at before calling.
func (r *TimestampRepository) Create(ctx context.Context, m *types.TimestampMark) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO timer_timestamps (
			id, timer_id, user_id,
			saved_at, remaining_at_save_ms, target_at_save, metadata,
			created_at, expires_at
		) VALUES (
			$1, $2, $3,
			$4, $5, $6, $7,
			COALESCE($8, NOW()), $9
		)`,
		m.ID,
		m.TimerID,
		m.UserID,
		m.SavedAt,
		time.Duration(m.RemainingAtSave).Milliseconds(),
		m.TargetAtSave,
		m.Metadata,
		nilIfZeroTime(m.CreatedAt),
		m.ExpiresAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create timestamp mark", err)
	}
	return nil
}

// ListByTimer returns the most recent marks for a timer across all users,
// newest first. A non-positive limit falls back to the default.
func (r *TimestampRepository) ListByTimer(ctx context.Context, timerID string, limit int) ([]*types.TimestampMark, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+tsColumns+`
		 FROM timer_timestamps s
		 WHERE s.timer_id = $1
		 ORDER BY s.saved_at DESC
		 LIMIT $2`,
		timerID, normalizeLimit(limit),
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list timestamp marks", err)
	}
	defer rows.Close()
	return collectTimestamps(rows)
}

// ListByTimerAndUser returns the most recent marks one user saved on a timer,
// newest first.
func (r *TimestampRepository) ListByTimerAndUser(ctx context.Context, timerID, userID string, limit int) ([]*types.TimestampMark, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+tsColumns+`
		 FROM timer_timestamps s
		 WHERE s.timer_id = $1 AND s.user_id = $2
		 ORDER BY s.saved_at DESC
		 LIMIT $3`,
		timerID, userID, normalizeLimit(limit),
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list user timestamp marks", err)
	}
	defer rows.Close()
	return collectTimestamps(rows)
}

// DeleteExpired removes marks whose retention window has lapsed and returns
// the number of rows pruned.
func (r *TimestampRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM timer_timestamps WHERE expires_at < $1`,
		now,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to prune expired timestamp marks", err)
	}
	return tag.RowsAffected(), nil
}

func collectTimestamps(rows pgx.Rows) ([]*types.TimestampMark, error) {
	var marks []*types.TimestampMark
	for rows.Next() {
		m, err := scanTimestampFromRows(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan timestamp mark", err)
		}
		marks = append(marks, m)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate timestamp marks", err)
	}
	return marks, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > defaultTimestampListLimit {
		return defaultTimestampListLimit
	}
	return limit
}

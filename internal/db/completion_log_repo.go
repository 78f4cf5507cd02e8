package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"cotick/internal/types"
)

// CompletionLogRepository provides data access for the timer_completion_logs
// table. Each row is one server's attempt to process an expiry notification;
// the reconciliation monitor classifies failures by reading these rows back.
type CompletionLogRepository struct {
	db DBTX
}

// NewCompletionLogRepository creates a CompletionLogRepository backed by the
// given database connection (pool or transaction).
func NewCompletionLogRepository(db DBTX) *CompletionLogRepository {
	return &CompletionLogRepository{db: db}
}

const clColumns = `c.id, c.timer_id, c.server_id,
	c.notification_received_at, c.processing_started_at, c.processing_completed_at,
	c.lock_acquired, c.success, c.error_message,
	c.original_target_instant, c.processing_delay_ms,
	c.created_at, c.expires_at`

// scanCompletionLogFromRows scans a single row from a pgx.Rows result set.
// The columns must match the order defined in clColumns.
func scanCompletionLogFromRows(rows pgx.Rows) (*types.CompletionLog, error) {
	var l types.CompletionLog
	var errorMessage *string
	err := rows.Scan(
		&l.ID,
		&l.TimerID,
		&l.ServerID,
		&l.NotificationReceivedAt,
		&l.ProcessingStartedAt,
		&l.ProcessingCompletedAt,
		&l.LockAcquired,
		&l.Success,
		&errorMessage,
		&l.OriginalTargetInstant,
		&l.ProcessingDelayMillis,
		&l.CreatedAt,
		&l.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	if errorMessage != nil {
		l.ErrorMessage = *errorMessage
	}
	return &l, nil
}

// Create inserts the initial attempt record, written the moment an expiry
// notification arrives and before the processing lock is contested. The
// caller must set the ID, timer and server scope, notification instant,
// original target, and expires_at.
func (r *CompletionLogRepository) Create(ctx context.Context, l *types.CompletionLog) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO timer_completion_logs (
			id, timer_id, server_id,
			notification_received_at, processing_started_at, processing_completed_at,
			lock_acquired, success, error_message,
			original_target_instant, processing_delay_ms,
			created_at, expires_at
		) VALUES (
			$1, $2, $3,
			$4, $5, $6,
			$7, $8, $9,
			$10, $11,
			COALESCE($12, NOW()), $13
		)`,
		l.ID,
		l.TimerID,
		l.ServerID,
		l.NotificationReceivedAt,
		l.ProcessingStartedAt,
		l.ProcessingCompletedAt,
		l.LockAcquired,
		l.Success,
		nilIfEmpty(l.ErrorMessage),
		l.OriginalTargetInstant,
		l.ProcessingDelayMillis,
		nilIfZeroTime(l.CreatedAt),
		l.ExpiresAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create completion log", err)
	}
	return nil
}

// UpdateOutcome records the outcome of a processing attempt on an existing
// log row: lock acquisition, success, timing, and any error message.
func (r *CompletionLogRepository) UpdateOutcome(ctx context.Context, l *types.CompletionLog) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE timer_completion_logs SET
			processing_started_at = $2,
			processing_completed_at = $3,
			lock_acquired = $4,
			success = $5,
			error_message = $6,
			processing_delay_ms = $7
		 WHERE id = $1`,
		l.ID,
		l.ProcessingStartedAt,
		l.ProcessingCompletedAt,
		l.LockAcquired,
		l.Success,
		nilIfEmpty(l.ErrorMessage),
		l.ProcessingDelayMillis,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update completion log", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeInternalDB, "completion log row missing for update", nil)
	}
	return nil
}

// ListByTimer returns all attempt records for a timer, newest first. The
// monitor inspects the latest attempt to classify a missed completion.
func (r *CompletionLogRepository) ListByTimer(ctx context.Context, timerID string) ([]*types.CompletionLog, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+clColumns+`
		 FROM timer_completion_logs c
		 WHERE c.timer_id = $1
		 ORDER BY c.notification_received_at DESC`,
		timerID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list completion logs", err)
	}
	defer rows.Close()

	var logs []*types.CompletionLog
	for rows.Next() {
		l, err := scanCompletionLogFromRows(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan completion log", err)
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate completion logs", err)
	}
	return logs, nil
}

// HasSuccess reports whether any server recorded a successful completion
// attempt for the timer.
func (r *CompletionLogRepository) HasSuccess(ctx context.Context, timerID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM timer_completion_logs
			WHERE timer_id = $1 AND success = TRUE
		 )`,
		timerID,
	).Scan(&exists)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check completion success", err)
	}
	return exists, nil
}

// Stats aggregates completion attempt outcomes over [from, to). Delay
// statistics only consider attempts that acquired the lock, since attempts
// that lost the race never measure processing delay.
func (r *CompletionLogRepository) Stats(ctx context.Context, from, to time.Time) (*types.CompletionStats, error) {
	stats := &types.CompletionStats{
		WindowStart: from,
		WindowEnd:   to,
	}

	row := r.db.QueryRow(ctx,
		`SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE success = TRUE),
			COUNT(*) FILTER (WHERE lock_acquired = TRUE AND success = FALSE),
			COUNT(*) FILTER (WHERE lock_acquired = FALSE),
			COALESCE(AVG(processing_delay_ms) FILTER (WHERE lock_acquired = TRUE), 0)::BIGINT,
			COALESCE(MAX(processing_delay_ms) FILTER (WHERE lock_acquired = TRUE), 0)
		 FROM timer_completion_logs
		 WHERE notification_received_at >= $1 AND notification_received_at < $2`,
		from, to,
	)

	err := row.Scan(
		&stats.TotalAttempts,
		&stats.Succeeded,
		&stats.Failed,
		&stats.LockContentionLost,
		&stats.AvgDelayMillis,
		&stats.MaxDelayMillis,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to aggregate completion stats", err)
	}
	return stats, nil
}

// DeleteExpired removes log rows whose retention window has lapsed and
// returns the number of rows pruned.
func (r *CompletionLogRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM timer_completion_logs WHERE expires_at < $1`,
		now,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to prune expired completion logs", err)
	}
	return tag.RowsAffected(), nil
}

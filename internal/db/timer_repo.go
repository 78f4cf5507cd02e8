package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"cotick/internal/types"
)

// TimerRepository provides data access for the timers table.
type TimerRepository struct {
	db DBTX
}

// NewTimerRepository creates a TimerRepository backed by the given database
// connection (pool or transaction).
func NewTimerRepository(db DBTX) *TimerRepository {
	return &TimerRepository{db: db}
}

// timerColumns defines the standard set of columns selected for timer queries.
const timerColumns = `t.id, t.owner_id, t.share_token, t.target_time,
	t.completed, t.completed_at,
	t.created_at, t.updated_at, t.expires_at`

// scanTimer scans a single timer row into a types.Timer struct.
// The columns must match the order defined in timerColumns.
func scanTimer(row pgx.Row) (*types.Timer, error) {
	var t types.Timer
	err := row.Scan(
		&t.ID,
		&t.OwnerID,
		&t.ShareToken,
		&t.TargetTime,
		&t.Completed,
		&t.CompletedAt,
		&t.CreatedAt,
		&t.UpdatedAt,
		&t.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// scanTimerFromRows scans a single row from a pgx.Rows result set.
// Uses the same column ordering as scanTimer but operates on pgx.Rows.
func scanTimerFromRows(rows pgx.Rows) (*types.Timer, error) {
	var t types.Timer
	err := rows.Scan(
		&t.ID,
		&t.OwnerID,
		&t.ShareToken,
		&t.TargetTime,
		&t.Completed,
		&t.CompletedAt,
		&t.CreatedAt,
		&t.UpdatedAt,
		&t.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Create inserts a new timer record. The caller must set the ID, share token,
// owner, target time, and expires_at before calling.
func (r *TimerRepository) Create(ctx context.Context, t *types.Timer) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO timers (
			id, owner_id, share_token, target_time,
			completed, completed_at,
			created_at, updated_at, expires_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6,
			COALESCE($7, NOW()), COALESCE($8, NOW()), $9
		)`,
		t.ID,
		t.OwnerID,
		t.ShareToken,
		t.TargetTime,
		t.Completed,
		t.CompletedAt,
		nilIfZeroTime(t.CreatedAt),
		nilIfZeroTime(t.UpdatedAt),
		t.ExpiresAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create timer", err)
	}
	return nil
}

// GetByID retrieves a timer by its ID.
// Returns ErrCodeNotFoundTimer if no timer exists with the given ID.
func (r *TimerRepository) GetByID(ctx context.Context, id string) (*types.Timer, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+timerColumns+`
		 FROM timers t
		 WHERE t.id = $1`,
		id,
	)

	t, err := scanTimer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundTimer, "timer not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve timer", err)
	}
	return t, nil
}

// GetByShareToken retrieves a timer by its opaque share token.
// Returns ErrCodeNotFoundShareToken if no timer carries the token.
func (r *TimerRepository) GetByShareToken(ctx context.Context, token string) (*types.Timer, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+timerColumns+`
		 FROM timers t
		 WHERE t.share_token = $1`,
		token,
	)

	t, err := scanTimer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundShareToken, "share token not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve timer by share token", err)
	}
	return t, nil
}

// UpdateTarget moves the countdown target of a not-yet-completed timer.
// Returns ErrCodeNotFoundTimer if the timer does not exist and
// ErrCodeConflictCompleted if it has already completed; the completed guard
// lives in the WHERE clause so the check and the write are one statement.
func (r *TimerRepository) UpdateTarget(ctx context.Context, id string, newTarget, newExpiry time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE timers SET
			target_time = $2,
			expires_at = $3,
			updated_at = NOW()
		 WHERE id = $1 AND completed = FALSE`,
		id, newTarget, newExpiry,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update timer target", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish missing from completed so callers return the right code.
		var completed bool
		err := r.db.QueryRow(ctx, `SELECT completed FROM timers WHERE id = $1`, id).Scan(&completed)
		if errors.Is(err, pgx.ErrNoRows) {
			return types.NewAppError(types.ErrCodeNotFoundTimer, "timer not found", nil)
		}
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to update timer target", err)
		}
		return types.NewAppError(types.ErrCodeConflictCompleted, "timer already completed", nil)
	}
	return nil
}

// MarkCompleted commits the completion of a timer. The statement only
// transitions completed from FALSE to TRUE, so concurrent callers observe
// exactly one commit: the return value reports whether this call was the one
// that flipped the flag. A false return with nil error means the timer was
// already completed (or does not exist) and the caller should treat the
// completion as a no-op.
func (r *TimerRepository) MarkCompleted(ctx context.Context, id string, completedAt time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE timers SET
			completed = TRUE,
			completed_at = $2,
			updated_at = NOW()
		 WHERE id = $1 AND completed = FALSE`,
		id, completedAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to mark timer completed", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListMissed returns timers whose target has passed without a completion
// commit, restricted to targets inside (oldest, now]. The sweep window keeps
// each run's result set bounded; anything older was reported by a previous
// sweep.
func (r *TimerRepository) ListMissed(ctx context.Context, oldest, now time.Time) ([]*types.Timer, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+timerColumns+`
		 FROM timers t
		 WHERE t.completed = FALSE
		   AND t.target_time < $2
		   AND t.target_time > $1
		 ORDER BY t.target_time ASC`,
		oldest, now,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list missed timers", err)
	}
	defer rows.Close()

	var timers []*types.Timer
	for rows.Next() {
		t, err := scanTimerFromRows(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan missed timer", err)
		}
		timers = append(timers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate missed timers", err)
	}
	return timers, nil
}

// DeleteExpired removes timers whose retention window has lapsed and returns
// the number of rows pruned.
func (r *TimerRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM timers WHERE expires_at < $1`,
		now,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to prune expired timers", err)
	}
	return tag.RowsAffected(), nil
}

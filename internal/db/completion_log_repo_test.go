package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"cotick/internal/types"
)

// --- Mock Rows for Query ---

// mockRows implements pgx.Rows for testing Query results.
type mockRows struct {
	data    [][]any
	idx     int
	closed  bool
	scanErr error
	errVal  error
}

func newMockRows(data [][]any) *mockRows {
	return &mockRows{data: data, idx: -1}
}

func (r *mockRows) Next() bool {
	if r.closed {
		return false
	}
	r.idx++
	return r.idx < len(r.data)
}

func (r *mockRows) Scan(dest ...any) error {
	if r.scanErr != nil {
		return r.scanErr
	}
	row := r.data[r.idx]
	for i, d := range dest {
		switch v := d.(type) {
		case *string:
			*v = row[i].(string)
		case **string:
			*v = row[i].(*string)
		case *time.Time:
			*v = row[i].(time.Time)
		case **time.Time:
			*v = row[i].(*time.Time)
		case *bool:
			*v = row[i].(bool)
		case *int:
			*v = row[i].(int)
		case *int64:
			*v = row[i].(int64)
		case *[]byte:
			*v = row[i].([]byte)
		case *types.Priority:
			*v = row[i].(types.Priority)
		case *types.Metadata:
			*v = row[i].(types.Metadata)
		}
	}
	return nil
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.errVal }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }

// --- CompletionLogRepository Tests ---

func testCompletionLog(now time.Time) *types.CompletionLog {
	return &types.CompletionLog{
		ID:                     "log-1",
		TimerID:                "timer-1",
		ServerID:               "srv-a-deadbeef",
		NotificationReceivedAt: now,
		OriginalTargetInstant:  now.Add(-time.Second),
		ExpiresAt:              now.Add(7 * 24 * time.Hour),
	}
}

func TestCompletionLogRepository_Create_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewCompletionLogRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	err := repo.Create(context.Background(), testCompletionLog(time.Now().UTC()))
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestCompletionLogRepository_UpdateOutcome_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewCompletionLogRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	now := time.Now().UTC()
	log := testCompletionLog(now)
	log.ProcessingStartedAt = &now
	log.LockAcquired = true
	log.Success = true

	err := repo.UpdateOutcome(context.Background(), log)
	require.NoError(t, err)
}

func TestCompletionLogRepository_UpdateOutcome_RowMissing(t *testing.T) {
	db := new(mockDBTX)
	repo := NewCompletionLogRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	err := repo.UpdateOutcome(context.Background(), testCompletionLog(time.Now().UTC()))
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestCompletionLogRepository_ListByTimer(t *testing.T) {
	db := new(mockDBTX)
	repo := NewCompletionLogRepository(db)

	now := time.Now().UTC()
	errMsg := "lock not acquired"
	rows := newMockRows([][]any{
		{"log-2", "timer-1", "srv-b", now, (*time.Time)(nil), (*time.Time)(nil), false, false, &errMsg, now.Add(-time.Second), int64(0), now, now.Add(7 * 24 * time.Hour)},
		{"log-1", "timer-1", "srv-a", now.Add(-time.Second), &now, &now, true, true, (*string)(nil), now.Add(-time.Second), int64(150), now, now.Add(7 * 24 * time.Hour)},
	})

	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(rows, nil)

	logs, err := repo.ListByTimer(context.Background(), "timer-1")
	require.NoError(t, err)
	require.Len(t, logs, 2)

	assert.Equal(t, "log-2", logs[0].ID)
	assert.False(t, logs[0].LockAcquired)
	assert.Equal(t, "lock not acquired", logs[0].ErrorMessage)

	assert.Equal(t, "log-1", logs[1].ID)
	assert.True(t, logs[1].LockAcquired)
	assert.True(t, logs[1].Success)
	assert.Equal(t, int64(150), logs[1].ProcessingDelayMillis)
	db.AssertExpectations(t)
}

func TestCompletionLogRepository_HasSuccess(t *testing.T) {
	db := new(mockDBTX)
	repo := NewCompletionLogRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*bool) = true
			return nil
		}})

	ok, err := repo.HasSuccess(context.Background(), "timer-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCompletionLogRepository_Stats(t *testing.T) {
	db := new(mockDBTX)
	repo := NewCompletionLogRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*int) = 10
			*dest[1].(*int) = 8
			*dest[2].(*int) = 1
			*dest[3].(*int) = 1
			*dest[4].(*int64) = 120
			*dest[5].(*int64) = 900
			return nil
		}})

	from := time.Now().UTC().Add(-time.Hour)
	to := time.Now().UTC()

	stats, err := repo.Stats(context.Background(), from, to)
	require.NoError(t, err)
	assert.Equal(t, 10, stats.TotalAttempts)
	assert.Equal(t, 8, stats.Succeeded)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.LockContentionLost)
	assert.Equal(t, int64(120), stats.AvgDelayMillis)
	assert.Equal(t, int64(900), stats.MaxDelayMillis)
	assert.Equal(t, from, stats.WindowStart)
	assert.Equal(t, to, stats.WindowEnd)
}

func TestCompletionLogRepository_Stats_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewCompletionLogRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: errors.New("broken pipe")})

	stats, err := repo.Stats(context.Background(), time.Now().Add(-time.Hour), time.Now())
	require.Error(t, err)
	assert.Nil(t, stats)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"cotick/internal/types"
)

func TestTimestampRepository_Create_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewTimestampRepository(db)

	now := time.Now().UTC()
	mark := &types.TimestampMark{
		ID:              "mark-1",
		TimerID:         "timer-1",
		UserID:          "user-1",
		SavedAt:         now,
		RemainingAtSave: types.Duration(90 * time.Second),
		TargetAtSave:    now.Add(90 * time.Second),
		ExpiresAt:       now.Add(24 * time.Hour),
	}

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	err := repo.Create(context.Background(), mark)
	require.NoError(t, err)

	// The remaining duration is persisted as milliseconds.
	args := db.Calls[0].Arguments.Get(2).([]any)
	assert.Equal(t, int64(90000), args[4])
	db.AssertExpectations(t)
}

func TestTimestampRepository_Create_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewTimestampRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	err := repo.Create(context.Background(), &types.TimestampMark{ID: "mark-1"})
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestTimestampRepository_ListByTimer(t *testing.T) {
	db := new(mockDBTX)
	repo := NewTimestampRepository(db)

	now := time.Now().UTC()
	rows := newMockRows([][]any{
		{"mark-2", "timer-1", "user-2", now, int64(45000), now.Add(45 * time.Second), types.Metadata(nil), now, now.Add(24 * time.Hour)},
		{"mark-1", "timer-1", "user-1", now.Add(-time.Minute), int64(105000), now.Add(45 * time.Second), types.Metadata(nil), now, now.Add(24 * time.Hour)},
	})

	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(rows, nil)

	marks, err := repo.ListByTimer(context.Background(), "timer-1", 50)
	require.NoError(t, err)
	require.Len(t, marks, 2)

	assert.Equal(t, "mark-2", marks[0].ID)
	assert.Equal(t, types.Duration(45*time.Second), marks[0].RemainingAtSave)
	assert.Equal(t, "user-1", marks[1].UserID)
	db.AssertExpectations(t)
}

func TestTimestampRepository_ListByTimerAndUser_LimitClamped(t *testing.T) {
	db := new(mockDBTX)
	repo := NewTimestampRepository(db)

	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(newMockRows(nil), nil)

	_, err := repo.ListByTimerAndUser(context.Background(), "timer-1", "user-1", -5)
	require.NoError(t, err)

	args := db.Calls[0].Arguments.Get(2).([]any)
	assert.Equal(t, defaultTimestampListLimit, args[2])
}

func TestTimestampRepository_DeleteExpired(t *testing.T) {
	db := new(mockDBTX)
	repo := NewTimestampRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("DELETE 12"), nil)

	pruned, err := repo.DeleteExpired(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, int64(12), pruned)
}

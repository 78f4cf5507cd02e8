package timercore

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cotick/internal/types"
)

// --- Fakes ---

type fakeTimerStore struct {
	createFn        func(ctx context.Context, t *types.Timer) error
	getFn           func(ctx context.Context, id string) (*types.Timer, error)
	getByTokenFn    func(ctx context.Context, token string) (*types.Timer, error)
	updateTargetFn  func(ctx context.Context, id string, newTarget, newExpiry time.Time) error
	markCompletedFn func(ctx context.Context, id string, completedAt time.Time) (bool, error)
}

func (f *fakeTimerStore) Create(ctx context.Context, t *types.Timer) error {
	return f.createFn(ctx, t)
}

func (f *fakeTimerStore) GetByID(ctx context.Context, id string) (*types.Timer, error) {
	return f.getFn(ctx, id)
}

func (f *fakeTimerStore) GetByShareToken(ctx context.Context, token string) (*types.Timer, error) {
	return f.getByTokenFn(ctx, token)
}

func (f *fakeTimerStore) UpdateTarget(ctx context.Context, id string, newTarget, newExpiry time.Time) error {
	return f.updateTargetFn(ctx, id, newTarget, newExpiry)
}

func (f *fakeTimerStore) MarkCompleted(ctx context.Context, id string, completedAt time.Time) (bool, error) {
	return f.markCompletedFn(ctx, id, completedAt)
}

type fakeTimestampStore struct {
	created []*types.TimestampMark
	listFn  func(ctx context.Context, timerID string, limit int) ([]*types.TimestampMark, error)
}

func (f *fakeTimestampStore) Create(_ context.Context, m *types.TimestampMark) error {
	cp := *m
	f.created = append(f.created, &cp)
	return nil
}

func (f *fakeTimestampStore) ListByTimer(ctx context.Context, timerID string, limit int) ([]*types.TimestampMark, error) {
	if f.listFn != nil {
		return f.listFn(ctx, timerID, limit)
	}
	return nil, nil
}

func (f *fakeTimestampStore) ListByTimerAndUser(_ context.Context, _, _ string, _ int) ([]*types.TimestampMark, error) {
	return nil, nil
}

type fakePresence struct {
	count    int
	users    []string
	countErr error
}

func (f *fakePresence) OnlineCount(_ context.Context, _ string) (int, error) {
	return f.count, f.countErr
}

func (f *fakePresence) OnlineUsers(_ context.Context, _ string) ([]string, error) {
	return f.users, f.countErr
}

type fakePublisher struct {
	mu        sync.Mutex
	published []types.Event
	err       error
}

func (f *fakePublisher) Publish(_ context.Context, e types.Event) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, e)
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

type fakeHub struct {
	frames map[string][][]byte
}

func (f *fakeHub) BroadcastToTimer(timerID string, message []byte) {
	if f.frames == nil {
		f.frames = map[string][][]byte{}
	}
	f.frames[timerID] = append(f.frames[timerID], message)
}

type serviceHarness struct {
	svc        *Service
	timers     *fakeTimerStore
	timestamps *fakeTimestampStore
	presence   *fakePresence
	publisher  *fakePublisher
	hub        *fakeHub
	schedule   chan types.ScheduleRequest
	now        time.Time
}

func newHarness(t *testing.T) *serviceHarness {
	t.Helper()
	h := &serviceHarness{
		timers:     &fakeTimerStore{},
		timestamps: &fakeTimestampStore{},
		presence:   &fakePresence{count: 2, users: []string{"user-a", "user-b"}},
		publisher:  &fakePublisher{},
		hub:        &fakeHub{},
		schedule:   make(chan types.ScheduleRequest, 8),
		now:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.svc = NewService(ServiceConfig{
		Timers:     h.timers,
		Timestamps: h.timestamps,
		Presence:   h.presence,
		Publisher:  h.publisher,
		Hub:        h.hub,
		Schedule:   h.schedule,
		ServerID:   "srv-test",
	})
	h.svc.now = func() time.Time { return h.now }
	return h
}

func (h *serviceHarness) timer(completed bool) *types.Timer {
	var completedAt *time.Time
	if completed {
		at := h.now.Add(-time.Minute)
		completedAt = &at
	}
	return &types.Timer{
		ID:          "timer-1",
		OwnerID:     "owner-1",
		ShareToken:  "tok-1",
		TargetTime:  h.now.Add(10 * time.Minute),
		Completed:   completed,
		CompletedAt: completedAt,
		CreatedAt:   h.now.Add(-time.Hour),
		UpdatedAt:   h.now.Add(-time.Hour),
	}
}

func assertAppCode(t *testing.T, err error, code types.ErrorCode) {
	t.Helper()
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, code, appErr.Code)
}

// --- Create ---

func TestService_Create_PersistsAndSchedules(t *testing.T) {
	h := newHarness(t)
	var persisted *types.Timer
	h.timers.createFn = func(_ context.Context, tm *types.Timer) error {
		cp := *tm
		persisted = &cp
		return nil
	}

	view, warnings, err := h.svc.Create(context.Background(), "owner-1", 600)
	require.NoError(t, err)
	assert.Empty(t, warnings)

	require.NotNil(t, persisted)
	assert.Equal(t, "owner-1", persisted.OwnerID)
	assert.Equal(t, h.now.Add(10*time.Minute), persisted.TargetTime)
	assert.Equal(t, persisted.TargetTime.Add(30*24*time.Hour), persisted.ExpiresAt)
	assert.NotEmpty(t, persisted.ShareToken)
	assert.NotEqual(t, persisted.ID, persisted.ShareToken)

	assert.Equal(t, persisted.ID, view.TimerID)
	assert.Equal(t, types.RoleOwner, view.UserRole)
	assert.Equal(t, 2, view.OnlineUserCount)
	assert.True(t, strings.HasPrefix(view.ShareURL, types.ShareURLPrefix))

	req := <-h.schedule
	assert.Equal(t, types.ScheduleOpSchedule, req.Op)
	assert.Equal(t, persisted.ID, req.Timer.ID)
}

func TestService_Create_RejectsBadInput(t *testing.T) {
	h := newHarness(t)

	_, _, err := h.svc.Create(context.Background(), "owner-1", 0)
	assertAppCode(t, err, types.ErrCodeValidationTargetSeconds)

	_, _, err = h.svc.Create(context.Background(), "owner-1", -5)
	assertAppCode(t, err, types.ErrCodeValidationTargetSeconds)

	_, _, err = h.svc.Create(context.Background(), "", 60)
	assertAppCode(t, err, types.ErrCodeValidationMissingUser)
}

// --- Reads ---

func TestService_GetByID_DegradesWhenPresenceDown(t *testing.T) {
	h := newHarness(t)
	h.timers.getFn = func(_ context.Context, _ string) (*types.Timer, error) {
		return h.timer(false), nil
	}
	h.presence.countErr = errors.New("connection refused")

	view, warnings, err := h.svc.GetByID(context.Background(), "timer-1", "viewer-1")
	require.NoError(t, err)
	assert.Equal(t, 0, view.OnlineUserCount)
	assert.Equal(t, types.RoleViewer, view.UserRole)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "presence")
}

func TestService_GetByShareToken_NotifiesOwnerOfForeignAccess(t *testing.T) {
	h := newHarness(t)
	h.timers.getByTokenFn = func(_ context.Context, token string) (*types.Timer, error) {
		require.Equal(t, "tok-1", token)
		return h.timer(false), nil
	}

	_, _, err := h.svc.GetByShareToken(context.Background(), "tok-1", "viewer-1")
	require.NoError(t, err)

	require.Len(t, h.publisher.published, 1)
	e, ok := h.publisher.published[0].(*types.SharedTimerAccessedEvent)
	require.True(t, ok)
	assert.Equal(t, "viewer-1", e.AccessedUserID)
	assert.Equal(t, "owner-1", e.OwnerID)
}

func TestService_GetByShareToken_OwnerAccessIsSilent(t *testing.T) {
	h := newHarness(t)
	h.timers.getByTokenFn = func(_ context.Context, _ string) (*types.Timer, error) {
		return h.timer(false), nil
	}

	_, _, err := h.svc.GetByShareToken(context.Background(), "tok-1", "owner-1")
	require.NoError(t, err)
	assert.Empty(t, h.publisher.published)
}

// --- ChangeTarget ---

func TestService_ChangeTarget_Success(t *testing.T) {
	h := newHarness(t)
	timer := h.timer(false)
	h.timers.getFn = func(_ context.Context, _ string) (*types.Timer, error) { return timer, nil }

	newTarget := h.now.Add(time.Hour)
	var gotTarget, gotExpiry time.Time
	h.timers.updateTargetFn = func(_ context.Context, _ string, target, expiry time.Time) error {
		gotTarget, gotExpiry = target, expiry
		return nil
	}

	view, _, err := h.svc.ChangeTarget(context.Background(), "timer-1", "owner-1", newTarget)
	require.NoError(t, err)
	assert.Equal(t, newTarget, gotTarget)
	assert.Equal(t, newTarget.Add(30*24*time.Hour), gotExpiry)
	assert.Equal(t, newTarget, view.TargetTime)

	req := <-h.schedule
	assert.Equal(t, types.ScheduleOpUpdate, req.Op)
	assert.Equal(t, newTarget, req.Timer.TargetTime)

	require.Len(t, h.publisher.published, 1)
	e, ok := h.publisher.published[0].(*types.TargetTimeChangedEvent)
	require.True(t, ok)
	assert.Equal(t, h.now.Add(10*time.Minute), e.OldTargetTime)
	assert.Equal(t, newTarget, e.NewTargetTime)
	assert.Equal(t, "owner-1", e.ChangedBy)
}

func TestService_ChangeTarget_Guards(t *testing.T) {
	h := newHarness(t)
	h.timers.getFn = func(_ context.Context, _ string) (*types.Timer, error) {
		return h.timer(false), nil
	}

	_, _, err := h.svc.ChangeTarget(context.Background(), "timer-1", "viewer-1", h.now.Add(time.Hour))
	assertAppCode(t, err, types.ErrCodePermissionNotOwner)

	_, _, err = h.svc.ChangeTarget(context.Background(), "timer-1", "owner-1", h.now.Add(-time.Second))
	assertAppCode(t, err, types.ErrCodeValidationTargetInPast)

	h.timers.getFn = func(_ context.Context, _ string) (*types.Timer, error) {
		return h.timer(true), nil
	}
	_, _, err = h.svc.ChangeTarget(context.Background(), "timer-1", "owner-1", h.now.Add(time.Hour))
	assertAppCode(t, err, types.ErrCodeConflictCompleted)

	assert.Empty(t, h.publisher.published)
	assert.Empty(t, h.schedule)
}

// --- SaveTimestamp ---

func TestService_SaveTimestamp_CapturesRemaining(t *testing.T) {
	h := newHarness(t)
	h.timers.getFn = func(_ context.Context, _ string) (*types.Timer, error) {
		return h.timer(false), nil
	}

	mark, err := h.svc.SaveTimestamp(context.Background(), "timer-1", "user-a", types.Metadata{"note": "halfway"})
	require.NoError(t, err)

	assert.Equal(t, types.Duration(10*time.Minute), mark.RemainingAtSave)
	assert.Equal(t, h.now, mark.SavedAt)
	assert.Equal(t, h.now.Add(90*24*time.Hour), mark.ExpiresAt)
	require.Len(t, h.timestamps.created, 1)

	require.Len(t, h.publisher.published, 1)
	e, ok := h.publisher.published[0].(*types.TimestampSavedEvent)
	require.True(t, ok)
	assert.Equal(t, "user-a", e.UserID)
	assert.Equal(t, mark.ID, e.TimestampEntry.ID)
}

func TestService_SaveTimestamp_ClampsRemainingPastTarget(t *testing.T) {
	h := newHarness(t)
	timer := h.timer(false)
	timer.TargetTime = h.now.Add(-time.Minute)
	h.timers.getFn = func(_ context.Context, _ string) (*types.Timer, error) { return timer, nil }

	mark, err := h.svc.SaveTimestamp(context.Background(), "timer-1", "user-a", nil)
	require.NoError(t, err)
	assert.Equal(t, types.Duration(0), mark.RemainingAtSave)
}

func TestService_SaveTimestamp_RejectsOversizedMetadata(t *testing.T) {
	h := newHarness(t)
	h.timers.getFn = func(_ context.Context, _ string) (*types.Timer, error) {
		return h.timer(false), nil
	}

	_, err := h.svc.SaveTimestamp(context.Background(), "timer-1", "user-a",
		types.Metadata{"blob": strings.Repeat("x", maxMetadataBytes+1)})
	assertAppCode(t, err, types.ErrCodeValidationMetadataTooLarge)
	assert.Empty(t, h.timestamps.created)
}

// --- Completion ---

func TestService_OnCompletionSignal_CommitsAndPublishes(t *testing.T) {
	h := newHarness(t)
	h.timers.getFn = func(_ context.Context, _ string) (*types.Timer, error) {
		return h.timer(false), nil
	}
	var committedAt time.Time
	h.timers.markCompletedFn = func(_ context.Context, _ string, at time.Time) (bool, error) {
		committedAt = at
		return true, nil
	}

	firedAt := h.now.Add(-time.Second)
	err := h.svc.OnCompletionSignal(context.Background(), types.CompletionSignal{TimerID: "timer-1", FiredAt: firedAt})
	require.NoError(t, err)
	assert.Equal(t, firedAt, committedAt)

	require.Len(t, h.publisher.published, 1)
	e, ok := h.publisher.published[0].(*types.TimerCompletedEvent)
	require.True(t, ok)
	assert.Equal(t, firedAt, e.CompletedAt)
	assert.Equal(t, 2, e.OnlineUserCount)
	assert.Equal(t, "owner-1", e.OwnerID)
}

func TestService_OnCompletionSignal_AlreadyCompletedIsNoop(t *testing.T) {
	h := newHarness(t)
	h.timers.getFn = func(_ context.Context, _ string) (*types.Timer, error) {
		return h.timer(true), nil
	}

	err := h.svc.OnCompletionSignal(context.Background(), types.CompletionSignal{TimerID: "timer-1", FiredAt: h.now})
	require.NoError(t, err)
	assert.Empty(t, h.publisher.published)
}

func TestService_OnCompletionSignal_LostCommitRaceIsSilent(t *testing.T) {
	h := newHarness(t)
	h.timers.getFn = func(_ context.Context, _ string) (*types.Timer, error) {
		return h.timer(false), nil
	}
	h.timers.markCompletedFn = func(_ context.Context, _ string, _ time.Time) (bool, error) {
		// Another path committed between the read and the update.
		return false, nil
	}

	err := h.svc.OnCompletionSignal(context.Background(), types.CompletionSignal{TimerID: "timer-1", FiredAt: h.now})
	require.NoError(t, err)
	assert.Empty(t, h.publisher.published)
}

func TestService_ForceComplete_OwnerOnly(t *testing.T) {
	h := newHarness(t)
	h.timers.getFn = func(_ context.Context, _ string) (*types.Timer, error) {
		return h.timer(false), nil
	}

	_, _, err := h.svc.ForceComplete(context.Background(), "timer-1", "viewer-1")
	assertAppCode(t, err, types.ErrCodePermissionNotOwner)
}

func TestService_ForceComplete_CommitsAndCancelsSchedule(t *testing.T) {
	h := newHarness(t)
	h.timers.getFn = func(_ context.Context, _ string) (*types.Timer, error) {
		return h.timer(false), nil
	}
	h.timers.markCompletedFn = func(_ context.Context, _ string, _ time.Time) (bool, error) {
		return true, nil
	}

	view, _, err := h.svc.ForceComplete(context.Background(), "timer-1", "owner-1")
	require.NoError(t, err)
	assert.True(t, view.Completed)

	req := <-h.schedule
	assert.Equal(t, types.ScheduleOpCancel, req.Op)

	require.Len(t, h.publisher.published, 1)
	_, ok := h.publisher.published[0].(*types.TimerCompletedEvent)
	assert.True(t, ok)
}

// --- Session lifecycle ---

func TestService_OnSessionConnected_PublishesAndBroadcastsCount(t *testing.T) {
	h := newHarness(t)
	h.presence.count = 3

	h.svc.OnSessionConnected(context.Background(), "timer-1", "user-a")

	require.Len(t, h.publisher.published, 1)
	e, ok := h.publisher.published[0].(*types.UserJoinedEvent)
	require.True(t, ok)
	assert.Equal(t, "user-a", e.UserID)
	assert.Equal(t, 3, e.OnlineUserCount)

	frames := h.hub.frames["timer-1"]
	require.Len(t, frames, 1)
	assert.Contains(t, string(frames[0]), types.OnlineCountUpdated)
	assert.Contains(t, string(frames[0]), `"onlineUserCount":3`)
}

func TestService_OnSessionDisconnected_PublishesUserLeft(t *testing.T) {
	h := newHarness(t)
	h.presence.count = 1

	h.svc.OnSessionDisconnected(context.Background(), "timer-1", "user-a")

	require.Len(t, h.publisher.published, 1)
	e, ok := h.publisher.published[0].(*types.UserLeftEvent)
	require.True(t, ok)
	assert.Equal(t, 1, e.OnlineUserCount)
	require.Len(t, h.hub.frames["timer-1"], 1)
}

// --- Signal loop ---

func TestService_RunCompletionSignals_StopsOnCancel(t *testing.T) {
	h := newHarness(t)
	h.timers.getFn = func(_ context.Context, _ string) (*types.Timer, error) {
		return h.timer(false), nil
	}
	h.timers.markCompletedFn = func(_ context.Context, _ string, _ time.Time) (bool, error) {
		return true, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan types.CompletionSignal, 1)
	done := make(chan error, 1)
	go func() { done <- h.svc.RunCompletionSignals(ctx, signals) }()

	signals <- types.CompletionSignal{TimerID: "timer-1", FiredAt: h.now}
	require.Eventually(t, func() bool {
		return h.publisher.count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cotick/internal/types"
)

// --- Fakes ---

type fakeTimerStore struct {
	getFn func(ctx context.Context, id string) (*types.Timer, error)
}

func (f *fakeTimerStore) GetByID(ctx context.Context, id string) (*types.Timer, error) {
	return f.getFn(ctx, id)
}

type fakeLogStore struct {
	created []*types.CompletionLog
	updated []*types.CompletionLog
}

func (f *fakeLogStore) Create(_ context.Context, l *types.CompletionLog) error {
	cp := *l
	f.created = append(f.created, &cp)
	return nil
}

func (f *fakeLogStore) UpdateOutcome(_ context.Context, l *types.CompletionLog) error {
	cp := *l
	f.updated = append(f.updated, &cp)
	return nil
}

type fakeDispatcher struct {
	signals []types.CompletionSignal
	err     error
}

func (f *fakeDispatcher) DispatchCompletion(sig types.CompletionSignal) error {
	if f.err != nil {
		return f.err
	}
	f.signals = append(f.signals, sig)
	return nil
}

func newTestScheduler(t *testing.T, timers TimerStore, logs CompletionLogStore, signals SignalDispatcher) (*Scheduler, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := New(Config{
		Client:   client,
		Timers:   timers,
		Logs:     logs,
		Signals:  signals,
		ServerID: "srv-test",
		LockTTL:  5 * time.Minute,
	})
	return s, mr
}

func futureTimer(id string, in time.Duration) *types.Timer {
	now := time.Now().UTC()
	return &types.Timer{
		ID:         id,
		OwnerID:    "owner-1",
		ShareToken: "tok-" + id,
		TargetTime: now.Add(in),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// --- Schedule / Update / Cancel ---

func TestScheduler_Schedule_ArmsKeyWithTargetTTL(t *testing.T) {
	s, mr := newTestScheduler(t, nil, nil, nil)

	timer := futureTimer("timer-1", 10*time.Minute)
	require.NoError(t, s.Schedule(context.Background(), timer))

	require.True(t, mr.Exists("timer:schedule:timer-1"))
	ttl := mr.TTL("timer:schedule:timer-1")
	assert.InDelta(t, (10 * time.Minute).Seconds(), ttl.Seconds(), 2)
}

func TestScheduler_Schedule_SkipsCompletedAndPast(t *testing.T) {
	s, mr := newTestScheduler(t, nil, nil, nil)
	ctx := context.Background()

	done := futureTimer("timer-done", 10*time.Minute)
	done.Completed = true
	require.NoError(t, s.Schedule(ctx, done))
	assert.False(t, mr.Exists("timer:schedule:timer-done"))

	past := futureTimer("timer-past", -time.Minute)
	require.NoError(t, s.Schedule(ctx, past))
	assert.False(t, mr.Exists("timer:schedule:timer-past"))
}

func TestScheduler_Update_ReplacesTTL(t *testing.T) {
	s, mr := newTestScheduler(t, nil, nil, nil)
	ctx := context.Background()

	timer := futureTimer("timer-1", 5*time.Minute)
	require.NoError(t, s.Schedule(ctx, timer))

	timer.TargetTime = time.Now().UTC().Add(20 * time.Minute)
	require.NoError(t, s.Update(ctx, timer))

	ttl := mr.TTL("timer:schedule:timer-1")
	assert.InDelta(t, (20 * time.Minute).Seconds(), ttl.Seconds(), 2)
}

func TestScheduler_Cancel_RemovesKey(t *testing.T) {
	s, mr := newTestScheduler(t, nil, nil, nil)
	ctx := context.Background()

	require.NoError(t, s.Schedule(ctx, futureTimer("timer-1", time.Minute)))
	require.NoError(t, s.Cancel(ctx, "timer-1"))
	assert.False(t, mr.Exists("timer:schedule:timer-1"))

	scheduled, err := s.IsScheduled(ctx, "timer-1")
	require.NoError(t, err)
	assert.False(t, scheduled)
}

func TestScheduler_ScheduledCount(t *testing.T) {
	s, _ := newTestScheduler(t, nil, nil, nil)
	ctx := context.Background()

	require.NoError(t, s.Schedule(ctx, futureTimer("timer-1", time.Minute)))
	require.NoError(t, s.Schedule(ctx, futureTimer("timer-2", time.Minute)))
	require.NoError(t, s.Schedule(ctx, futureTimer("timer-3", time.Minute)))

	count, err := s.ScheduledCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

// --- Completion protocol ---

func TestScheduler_HandleExpiry_WinnerPath(t *testing.T) {
	timer := futureTimer("timer-1", -time.Second)
	timers := &fakeTimerStore{getFn: func(_ context.Context, id string) (*types.Timer, error) {
		return timer, nil
	}}
	logs := &fakeLogStore{}
	dispatcher := &fakeDispatcher{}
	s, mr := newTestScheduler(t, timers, logs, dispatcher)

	receivedAt := time.Now().UTC()
	s.HandleExpiry(context.Background(), "timer-1", receivedAt)

	// The winner dispatched exactly one completion signal.
	require.Len(t, dispatcher.signals, 1)
	assert.Equal(t, "timer-1", dispatcher.signals[0].TimerID)
	assert.Equal(t, receivedAt, dispatcher.signals[0].FiredAt)

	// Initial log then outcome update, with lock and success recorded.
	require.Len(t, logs.created, 1)
	assert.Equal(t, "srv-test", logs.created[0].ServerID)
	assert.Equal(t, timer.TargetTime, logs.created[0].OriginalTargetInstant)

	require.Len(t, logs.updated, 1)
	outcome := logs.updated[0]
	assert.True(t, outcome.LockAcquired)
	assert.True(t, outcome.Success)
	assert.Empty(t, outcome.ErrorMessage)
	assert.NotNil(t, outcome.ProcessingStartedAt)
	assert.NotNil(t, outcome.ProcessingCompletedAt)

	// The mutex was released, not left to its TTL.
	assert.False(t, mr.Exists("timer:processing:timer-1"))
}

func TestScheduler_HandleExpiry_LockContention(t *testing.T) {
	timer := futureTimer("timer-1", -time.Second)
	timers := &fakeTimerStore{getFn: func(_ context.Context, id string) (*types.Timer, error) {
		return timer, nil
	}}
	logs := &fakeLogStore{}
	dispatcher := &fakeDispatcher{}
	s, mr := newTestScheduler(t, timers, logs, dispatcher)

	// Another server already holds the mutex.
	require.NoError(t, mr.Set("timer:processing:timer-1", "srv-other"))

	s.HandleExpiry(context.Background(), "timer-1", time.Now().UTC())

	assert.Empty(t, dispatcher.signals)
	require.Len(t, logs.updated, 1)
	outcome := logs.updated[0]
	assert.False(t, outcome.LockAcquired)
	assert.False(t, outcome.Success)
	assert.Equal(t, "lock not acquired", outcome.ErrorMessage)

	// The loser must not release the winner's mutex.
	holder, err := mr.Get("timer:processing:timer-1")
	require.NoError(t, err)
	assert.Equal(t, "srv-other", holder)
}

func TestScheduler_HandleExpiry_TimerNotFound(t *testing.T) {
	timers := &fakeTimerStore{getFn: func(_ context.Context, id string) (*types.Timer, error) {
		return nil, types.NewAppError(types.ErrCodeNotFoundTimer, "timer not found", nil)
	}}
	logs := &fakeLogStore{}
	dispatcher := &fakeDispatcher{}
	s, _ := newTestScheduler(t, timers, logs, dispatcher)

	s.HandleExpiry(context.Background(), "ghost", time.Now().UTC())

	assert.Empty(t, dispatcher.signals)
	require.Len(t, logs.created, 1)
	assert.False(t, logs.created[0].Success)
	assert.Equal(t, "timer not found", logs.created[0].ErrorMessage)
	assert.Empty(t, logs.updated)
}

func TestScheduler_HandleExpiry_DispatchFailureReleasesLock(t *testing.T) {
	timer := futureTimer("timer-1", -time.Second)
	timers := &fakeTimerStore{getFn: func(_ context.Context, id string) (*types.Timer, error) {
		return timer, nil
	}}
	logs := &fakeLogStore{}
	dispatcher := &fakeDispatcher{err: types.NewAppError(types.ErrCodeInternalUnexpected, "completion signal channel full; signal dropped", nil)}
	s, mr := newTestScheduler(t, timers, logs, dispatcher)

	s.HandleExpiry(context.Background(), "timer-1", time.Now().UTC())

	require.Len(t, logs.updated, 1)
	outcome := logs.updated[0]
	assert.True(t, outcome.LockAcquired)
	assert.False(t, outcome.Success)
	assert.Contains(t, outcome.ErrorMessage, "signal dropped")

	// Released on the failure path too.
	assert.False(t, mr.Exists("timer:processing:timer-1"))
}

// --- Channel dispatcher ---

func TestChannelDispatcher_DeliversAndDropsWhenFull(t *testing.T) {
	ch := make(chan types.CompletionSignal, 1)
	d := NewChannelDispatcher(ch)

	sig := types.CompletionSignal{TimerID: "timer-1", FiredAt: time.Now().UTC()}
	require.NoError(t, d.DispatchCompletion(sig))

	// Channel full: the send must not block.
	err := d.DispatchCompletion(types.CompletionSignal{TimerID: "timer-2"})
	require.Error(t, err)

	got := <-ch
	assert.Equal(t, "timer-1", got.TimerID)
}

// --- Request loop ---

func TestScheduler_Run_ProcessesScheduleRequests(t *testing.T) {
	s, mr := newTestScheduler(t, nil, nil, &fakeDispatcher{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	requests := make(chan types.ScheduleRequest, 4)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, requests) }()

	timer := futureTimer("timer-1", 10*time.Minute)
	requests <- types.ScheduleRequest{Op: types.ScheduleOpSchedule, Timer: *timer}

	require.Eventually(t, func() bool {
		return mr.Exists("timer:schedule:timer-1")
	}, 2*time.Second, 10*time.Millisecond)

	requests <- types.ScheduleRequest{Op: types.ScheduleOpCancel, Timer: *timer}

	require.Eventually(t, func() bool {
		return !mr.Exists("timer:schedule:timer-1")
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

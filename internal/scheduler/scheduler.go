// Package scheduler arms per-timer expiry keys in Redis and runs the
// distributed completion protocol when they fire. Redis delivers key-expiry
// notifications to every subscribed server (broadcast, not a queue), so the
// protocol elects a single winner per expiry through a short-lived SetNX
// mutex; every attempt, winning or losing, leaves a completion log row for
// the reconciliation monitor.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"cotick/internal/types"
)

// scheduleKeyPrefix namespaces the expiry keys this package owns.
const scheduleKeyPrefix = "timer:schedule:"

// processingKeyPrefix namespaces the per-expiry completion mutex keys.
const processingKeyPrefix = "timer:processing:"

func keySchedule(timerID string) string   { return scheduleKeyPrefix + timerID }
func keyProcessing(timerID string) string { return processingKeyPrefix + timerID }

// TimerStore is the read surface the scheduler needs from the timer
// repository.
type TimerStore interface {
	GetByID(ctx context.Context, id string) (*types.Timer, error)
}

// CompletionLogStore is the write surface for attempt records.
type CompletionLogStore interface {
	Create(ctx context.Context, l *types.CompletionLog) error
	UpdateOutcome(ctx context.Context, l *types.CompletionLog) error
}

// SignalDispatcher hands a won completion to the local dispatcher. The
// channel-backed implementation lives in dispatcher.go; tests substitute
// their own.
type SignalDispatcher interface {
	DispatchCompletion(signal types.CompletionSignal) error
}

// Metrics is the telemetry surface the scheduler emits to. Implementations
// must be nil-safe via NoopMetrics in tests.
type Metrics interface {
	RecordCompletion(ctx context.Context, result string, delayMillis int64)
}

// Scheduler owns the timer:schedule:* and timer:processing:* key families.
type Scheduler struct {
	client   redis.UniversalClient
	timers   TimerStore
	logs     CompletionLogStore
	signals  SignalDispatcher
	metrics  Metrics
	serverID string
	lockTTL  time.Duration
	logger   *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// Config bundles the scheduler's dependencies.
type Config struct {
	Client   redis.UniversalClient
	Timers   TimerStore
	Logs     CompletionLogStore
	Signals  SignalDispatcher
	Metrics  Metrics
	ServerID string
	LockTTL  time.Duration
	Logger   *slog.Logger
}

// New creates a Scheduler. LockTTL defaults to five minutes: long enough to
// cover any realistic completion transaction, short enough to bound the
// blast radius of a crashed winner.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = 5 * time.Minute
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Scheduler{
		client:   cfg.Client,
		timers:   cfg.Timers,
		logs:     cfg.Logs,
		signals:  cfg.Signals,
		metrics:  metrics,
		serverID: cfg.ServerID,
		lockTTL:  lockTTL,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type noopMetrics struct{}

func (noopMetrics) RecordCompletion(context.Context, string, int64) {}

// Schedule arms the expiry key for a timer. Completed timers and timers whose
// target has already passed are skipped; the monitor sweep covers the latter.
func (s *Scheduler) Schedule(ctx context.Context, timer *types.Timer) error {
	if timer.Completed {
		return nil
	}
	ttl := timer.TargetTime.Sub(s.now())
	if ttl <= 0 {
		s.logger.Debug("skipping schedule for past target",
			slog.String("timer_id", timer.ID),
			slog.Time("target_time", timer.TargetTime),
		)
		return nil
	}

	if err := s.client.Set(ctx, keySchedule(timer.ID), timer.ID, ttl).Err(); err != nil {
		return types.NewAppError(types.ErrCodeUnavailablePresence, "failed to schedule timer expiry", err)
	}
	s.logger.Info("timer scheduled",
		slog.String("timer_id", timer.ID),
		slog.Duration("ttl", ttl),
	)
	return nil
}

// Update re-arms the expiry key after a target change: delete then set, an
// idempotent replace. A notification firing between the two calls is covered
// by the monitor safety net.
func (s *Scheduler) Update(ctx context.Context, timer *types.Timer) error {
	if err := s.client.Del(ctx, keySchedule(timer.ID)).Err(); err != nil {
		return types.NewAppError(types.ErrCodeUnavailablePresence, "failed to clear timer schedule", err)
	}
	return s.Schedule(ctx, timer)
}

// Cancel removes the expiry key for a timer.
func (s *Scheduler) Cancel(ctx context.Context, timerID string) error {
	if err := s.client.Del(ctx, keySchedule(timerID)).Err(); err != nil {
		return types.NewAppError(types.ErrCodeUnavailablePresence, "failed to cancel timer schedule", err)
	}
	return nil
}

// IsScheduled reports whether an expiry key is currently armed for the timer.
func (s *Scheduler) IsScheduled(ctx context.Context, timerID string) (bool, error) {
	n, err := s.client.Exists(ctx, keySchedule(timerID)).Result()
	if err != nil {
		return false, types.NewAppError(types.ErrCodeUnavailablePresence, "failed to check timer schedule", err)
	}
	return n > 0, nil
}

// ScheduleTTL returns the remaining time on a timer's expiry key, or a
// negative duration when no key is armed.
func (s *Scheduler) ScheduleTTL(ctx context.Context, timerID string) (time.Duration, error) {
	ttl, err := s.client.TTL(ctx, keySchedule(timerID)).Result()
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeUnavailablePresence, "failed to read schedule ttl", err)
	}
	return ttl, nil
}

// ScheduledCount counts armed expiry keys across the fleet via cursor SCAN;
// never KEYS, which blocks the store.
func (s *Scheduler) ScheduledCount(ctx context.Context) (int, error) {
	var count int
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, scheduleKeyPrefix+"*", 100).Result()
		if err != nil {
			return 0, types.NewAppError(types.ErrCodeUnavailablePresence, "failed to scan schedule keys", err)
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			return count, nil
		}
	}
}

// ConfigureKeyspaceEvents enables expired-key notifications on the store.
// Best effort: managed Redis offerings commonly deny CONFIG, in which case
// the operator must preconfigure notify-keyspace-events to include "Ex".
func (s *Scheduler) ConfigureKeyspaceEvents(ctx context.Context) {
	if err := s.client.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
		s.logger.Warn("could not enable keyspace expiry notifications; ensure notify-keyspace-events includes Ex",
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.Info("keyspace expiry notifications enabled")
}

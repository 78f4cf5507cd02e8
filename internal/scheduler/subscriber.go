package scheduler

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"cotick/internal/types"
)

// expiryPattern matches the keyspace notification channel for expired keys on
// any database.
const expiryPattern = "__keyevent@*__:expired"

// completionLogRetention is how long attempt records stay queryable.
const completionLogRetention = 90 * 24 * time.Hour

// Run consumes schedule requests from the in-process channel and expiry
// notifications from Redis until the context is cancelled. It is the only
// goroutine that touches the schedule keys, so request ordering per timer is
// the channel ordering.
func (s *Scheduler) Run(ctx context.Context, requests <-chan types.ScheduleRequest) error {
	pubsub := s.client.PSubscribe(ctx, expiryPattern)
	defer func() { _ = pubsub.Close() }()

	// Force the subscription handshake before reporting started, so no
	// expiry fired after Run returns to the caller is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		return types.NewAppError(types.ErrCodeUnavailablePresence, "failed to subscribe to expiry notifications", err)
	}
	s.logger.Info("expiry subscriber started", slog.String("pattern", expiryPattern))

	expiries := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case req, ok := <-requests:
			if !ok {
				return nil
			}
			s.handleRequest(ctx, req)

		case msg, ok := <-expiries:
			if !ok {
				return nil
			}
			if !strings.HasPrefix(msg.Payload, scheduleKeyPrefix) {
				continue
			}
			timerID := strings.TrimPrefix(msg.Payload, scheduleKeyPrefix)
			s.HandleExpiry(ctx, timerID, s.now())
		}
	}
}

func (s *Scheduler) handleRequest(ctx context.Context, req types.ScheduleRequest) {
	var err error
	switch req.Op {
	case types.ScheduleOpSchedule:
		err = s.Schedule(ctx, &req.Timer)
	case types.ScheduleOpUpdate:
		err = s.Update(ctx, &req.Timer)
	case types.ScheduleOpCancel:
		err = s.Cancel(ctx, req.Timer.ID)
	default:
		s.logger.Error("unknown schedule op", slog.String("op", string(req.Op)))
		return
	}
	if err != nil {
		// The monitor sweep catches timers whose schedule write was lost.
		s.logger.Error("schedule request failed",
			slog.String("op", string(req.Op)),
			slog.String("timer_id", req.Timer.ID),
			slog.String("error", err.Error()),
		)
	}
}

// HandleExpiry runs the completion protocol for one expired schedule key.
// Every server in the fleet runs this concurrently for the same key; the
// processing mutex elects exactly one winner. Every attempt leaves a
// completion log row regardless of outcome.
func (s *Scheduler) HandleExpiry(ctx context.Context, timerID string, receivedAt time.Time) {
	timer, err := s.timers.GetByID(ctx, timerID)
	if err != nil {
		// A deleted or never-persisted timer still gets a failure record so
		// the monitor can see the notification arrived.
		s.writeOrphanLog(ctx, timerID, receivedAt, err)
		s.metrics.RecordCompletion(ctx, "timer_not_found", 0)
		return
	}

	log := &types.CompletionLog{
		ID:                     uuid.NewString(),
		TimerID:                timerID,
		ServerID:               s.serverID,
		NotificationReceivedAt: receivedAt,
		OriginalTargetInstant:  timer.TargetTime,
		ExpiresAt:              receivedAt.Add(completionLogRetention),
	}
	if err := s.logs.Create(ctx, log); err != nil {
		s.logger.Error("failed to write initial completion log",
			slog.String("timer_id", timerID),
			slog.String("error", err.Error()),
		)
		// Continue: losing the audit row must not lose the completion.
	}

	acquired, err := s.client.SetNX(ctx, keyProcessing(timerID), s.serverID, s.lockTTL).Result()
	if err != nil {
		s.finishLog(ctx, log, false, false, "mutex acquisition failed: "+err.Error())
		s.metrics.RecordCompletion(ctx, "mutex_error", 0)
		return
	}

	startedAt := s.now()
	log.ProcessingStartedAt = &startedAt
	log.LockAcquired = acquired
	log.ProcessingDelayMillis = startedAt.Sub(timer.TargetTime).Milliseconds()

	if !acquired {
		s.finishLog(ctx, log, false, false, "lock not acquired")
		s.metrics.RecordCompletion(ctx, "lock_lost", log.ProcessingDelayMillis)
		s.logger.Info("lost completion race",
			slog.String("timer_id", timerID),
			slog.String("server_id", s.serverID),
		)
		return
	}

	// Winner path. The mutex is released on every exit; its TTL is only the
	// safety net for a crash between here and the DEL.
	defer func() {
		if err := s.client.Del(ctx, keyProcessing(timerID)).Err(); err != nil {
			s.logger.Error("failed to release completion mutex; it will expire",
				slog.String("timer_id", timerID),
				slog.String("error", err.Error()),
			)
		}
	}()

	if err := s.signals.DispatchCompletion(types.CompletionSignal{
		TimerID: timerID,
		FiredAt: receivedAt,
	}); err != nil {
		s.finishLog(ctx, log, true, false, err.Error())
		s.metrics.RecordCompletion(ctx, "dispatch_failed", log.ProcessingDelayMillis)
		return
	}

	s.finishLog(ctx, log, true, true, "")
	s.metrics.RecordCompletion(ctx, "success", log.ProcessingDelayMillis)
	s.logger.Info("won completion race",
		slog.String("timer_id", timerID),
		slog.String("server_id", s.serverID),
		slog.Int64("processing_delay_ms", log.ProcessingDelayMillis),
	)
}

// finishLog records the attempt outcome on the log row.
func (s *Scheduler) finishLog(ctx context.Context, log *types.CompletionLog, lockAcquired, success bool, errMsg string) {
	completedAt := s.now()
	log.ProcessingCompletedAt = &completedAt
	log.LockAcquired = lockAcquired
	log.Success = success
	log.ErrorMessage = errMsg
	if log.ProcessingStartedAt == nil {
		log.ProcessingStartedAt = &completedAt
	}
	if err := s.logs.UpdateOutcome(ctx, log); err != nil {
		s.logger.Error("failed to record completion outcome",
			slog.String("timer_id", log.TimerID),
			slog.String("error", err.Error()),
		)
	}
}

// writeOrphanLog records an expiry notification whose timer could not be
// loaded.
func (s *Scheduler) writeOrphanLog(ctx context.Context, timerID string, receivedAt time.Time, cause error) {
	completedAt := s.now()
	log := &types.CompletionLog{
		ID:                     uuid.NewString(),
		TimerID:                timerID,
		ServerID:               s.serverID,
		NotificationReceivedAt: receivedAt,
		ProcessingCompletedAt:  &completedAt,
		Success:                false,
		ErrorMessage:           "timer not found",
		ExpiresAt:              receivedAt.Add(completionLogRetention),
	}
	if err := s.logs.Create(ctx, log); err != nil {
		s.logger.Error("failed to record orphan expiry",
			slog.String("timer_id", timerID),
			slog.String("cause", cause.Error()),
			slog.String("error", err.Error()),
		)
	}
}

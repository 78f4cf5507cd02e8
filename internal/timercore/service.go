// Package timercore implements the timer domain: creation, share-token
// access, target changes, timestamp marks, and the completion commit. It
// never calls the TTL scheduler directly; schedule changes travel over an
// in-process channel and won completions arrive back the same way, so the
// two components share no references.
package timercore

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"cotick/internal/types"
)

// Retention windows drive the expires_at columns. Timers outlive their
// target long enough for history endpoints to stay useful.
const (
	timerRetention     = 30 * 24 * time.Hour
	timestampRetention = 90 * 24 * time.Hour
)

// maxMetadataBytes caps the serialized metadata accepted on a timestamp mark.
const maxMetadataBytes = 4096

// TimerStore is the persistence surface for timers.
type TimerStore interface {
	Create(ctx context.Context, t *types.Timer) error
	GetByID(ctx context.Context, id string) (*types.Timer, error)
	GetByShareToken(ctx context.Context, token string) (*types.Timer, error)
	UpdateTarget(ctx context.Context, id string, newTarget, newExpiry time.Time) error
	MarkCompleted(ctx context.Context, id string, completedAt time.Time) (bool, error)
}

// TimestampStore is the persistence surface for timestamp marks.
type TimestampStore interface {
	Create(ctx context.Context, m *types.TimestampMark) error
	ListByTimer(ctx context.Context, timerID string, limit int) ([]*types.TimestampMark, error)
	ListByTimerAndUser(ctx context.Context, timerID, userID string, limit int) ([]*types.TimestampMark, error)
}

// PresenceReader is the read surface of the presence index the service
// consults for snapshots and event payloads.
type PresenceReader interface {
	OnlineCount(ctx context.Context, timerID string) (int, error)
	OnlineUsers(ctx context.Context, timerID string) ([]string, error)
}

// Publisher puts events on the fleet bus.
type Publisher interface {
	Publish(ctx context.Context, e types.Event) error
}

// Hub pushes raw frames to websocket sessions attached to this server.
type Hub interface {
	BroadcastToTimer(timerID string, message []byte)
}

// Service is the timer domain service.
type Service struct {
	timers     TimerStore
	timestamps TimestampStore
	presence   PresenceReader
	publisher  Publisher
	hub        Hub
	schedule   chan<- types.ScheduleRequest
	serverID   string
	logger     *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// ServiceConfig bundles the service dependencies.
type ServiceConfig struct {
	Timers     TimerStore
	Timestamps TimestampStore
	Presence   PresenceReader
	Publisher  Publisher
	Hub        Hub
	Schedule   chan<- types.ScheduleRequest
	ServerID   string
	Logger     *slog.Logger
}

// NewService creates the timer domain service.
func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		timers:     cfg.Timers,
		timestamps: cfg.Timestamps,
		presence:   cfg.Presence,
		publisher:  cfg.Publisher,
		hub:        cfg.Hub,
		schedule:   cfg.Schedule,
		serverID:   cfg.ServerID,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// presenceWarning is attached to response meta when the presence store is
// unreachable and counts in the snapshot may be stale.
const presenceWarning = "presence store unreachable; online counts may be stale"

// snapshot builds the timer view, degrading to zero presence counts with a
// warning when the store is unreachable. A timer read must not fail because
// Redis is down.
func (s *Service) snapshot(ctx context.Context, timer *types.Timer, userID string) (types.TimerView, []string) {
	var warnings []string
	count, err := s.presence.OnlineCount(ctx, timer.ID)
	if err != nil {
		s.logger.Warn("presence count unavailable",
			slog.String("timer_id", timer.ID),
			slog.String("error", err.Error()),
		)
		return types.NewTimerView(timer, userID, s.now(), 0, nil), []string{presenceWarning}
	}
	users, err := s.presence.OnlineUsers(ctx, timer.ID)
	if err != nil {
		warnings = append(warnings, presenceWarning)
		users = nil
	}
	return types.NewTimerView(timer, userID, s.now(), count, users), warnings
}

// Create allocates a new timer owned by ownerID, expiring targetSeconds from
// now, persists it, and arms the expiry schedule.
func (s *Service) Create(ctx context.Context, ownerID string, targetSeconds int64) (types.TimerView, []string, error) {
	if ownerID == "" {
		return types.TimerView{}, nil, types.NewAppError(types.ErrCodeValidationMissingUser,
			"owner identity is required to create a timer", nil)
	}
	if targetSeconds <= 0 {
		return types.TimerView{}, nil, types.NewAppError(types.ErrCodeValidationTargetSeconds,
			"targetSeconds must be a positive integer", nil)
	}

	now := s.now()
	timer := &types.Timer{
		ID:         uuid.NewString(),
		OwnerID:    ownerID,
		ShareToken: uuid.NewString(),
		TargetTime: now.Add(time.Duration(targetSeconds) * time.Second),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	timer.ExpiresAt = timer.TargetTime.Add(timerRetention)

	if err := s.timers.Create(ctx, timer); err != nil {
		return types.TimerView{}, nil, err
	}

	s.sendScheduleRequest(types.ScheduleRequest{Op: types.ScheduleOpSchedule, Timer: *timer})

	view, warnings := s.snapshot(ctx, timer, ownerID)
	return view, warnings, nil
}

// GetByID returns the snapshot of a timer as seen by userID.
func (s *Service) GetByID(ctx context.Context, timerID, userID string) (types.TimerView, []string, error) {
	timer, err := s.timers.GetByID(ctx, timerID)
	if err != nil {
		return types.TimerView{}, nil, err
	}
	view, warnings := s.snapshot(ctx, timer, userID)
	return view, warnings, nil
}

// GetByShareToken resolves a share link. When the accessor is identified and
// is not the owner, a SHARED_TIMER_ACCESSED event tells the owner's sessions
// someone opened their link.
func (s *Service) GetByShareToken(ctx context.Context, token, userID string) (types.TimerView, []string, error) {
	timer, err := s.timers.GetByShareToken(ctx, token)
	if err != nil {
		return types.TimerView{}, nil, err
	}

	if userID != "" && userID != timer.OwnerID {
		e := types.NewSharedTimerAccessedEvent(timer.ID, userID, timer.OwnerID, s.serverID, s.now())
		if err := s.publisher.Publish(ctx, e); err != nil {
			// Access notification is best-effort; the read still succeeds.
			s.logger.Warn("failed to publish shared access event",
				slog.String("timer_id", timer.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	view, warnings := s.snapshot(ctx, timer, userID)
	return view, warnings, nil
}

// ChangeTarget moves the countdown target. Owner-only; the new target must
// be in the future and the timer not yet completed.
func (s *Service) ChangeTarget(ctx context.Context, timerID, userID string, newTarget time.Time) (types.TimerView, []string, error) {
	timer, err := s.timers.GetByID(ctx, timerID)
	if err != nil {
		return types.TimerView{}, nil, err
	}
	if userID == "" || userID != timer.OwnerID {
		return types.TimerView{}, nil, types.NewAppError(types.ErrCodePermissionNotOwner,
			"only the timer owner may change the target time", nil)
	}
	now := s.now()
	if !newTarget.After(now) {
		return types.TimerView{}, nil, types.NewAppError(types.ErrCodeValidationTargetInPast,
			"newTargetTime must be in the future", nil)
	}
	if timer.Completed {
		return types.TimerView{}, nil, types.NewAppError(types.ErrCodeConflictCompleted,
			"timer already completed", nil)
	}

	oldTarget := timer.TargetTime
	if err := s.timers.UpdateTarget(ctx, timerID, newTarget, newTarget.Add(timerRetention)); err != nil {
		return types.TimerView{}, nil, err
	}
	timer.TargetTime = newTarget
	timer.UpdatedAt = now

	s.sendScheduleRequest(types.ScheduleRequest{Op: types.ScheduleOpUpdate, Timer: *timer})

	e := types.NewTargetTimeChangedEvent(timerID, s.serverID, oldTarget, newTarget, userID, now)
	if err := s.publisher.Publish(ctx, e); err != nil {
		// The change is committed; surface the bus outage so the caller
		// knows remote viewers have not seen it yet.
		return types.TimerView{}, nil, err
	}

	view, warnings := s.snapshot(ctx, timer, userID)
	return view, warnings, nil
}

// SaveTimestamp appends a mark capturing the countdown state at this server
// instant. Appends are unconditional: completed and expired timers still
// accept marks.
func (s *Service) SaveTimestamp(ctx context.Context, timerID, userID string, metadata types.Metadata) (*types.TimestampMark, error) {
	if userID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingUser,
			"user identity is required to save a timestamp", nil)
	}
	timer, err := s.timers.GetByID(ctx, timerID)
	if err != nil {
		return nil, err
	}
	if size := metadata.ByteSize(); size > maxMetadataBytes {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationMetadataTooLarge,
			"metadata exceeds the allowed size", nil,
			map[string]any{"size": size, "max": maxMetadataBytes})
	}

	now := s.now()
	mark := &types.TimestampMark{
		ID:              uuid.NewString(),
		TimerID:         timerID,
		UserID:          userID,
		SavedAt:         now,
		RemainingAtSave: types.Duration(timer.Remaining(now)),
		TargetAtSave:    timer.TargetTime,
		Metadata:        metadata,
		CreatedAt:       now,
		ExpiresAt:       now.Add(timestampRetention),
	}
	if err := s.timestamps.Create(ctx, mark); err != nil {
		return nil, err
	}

	e := types.NewTimestampSavedEvent(s.serverID, *mark, now)
	if err := s.publisher.Publish(ctx, e); err != nil {
		return nil, err
	}
	return mark, nil
}

// ListTimestamps returns the mark history for a timer across all users.
func (s *Service) ListTimestamps(ctx context.Context, timerID string, limit int) ([]*types.TimestampMark, error) {
	if _, err := s.timers.GetByID(ctx, timerID); err != nil {
		return nil, err
	}
	return s.timestamps.ListByTimer(ctx, timerID, limit)
}

// ListUserTimestamps returns one user's mark history on a timer.
func (s *Service) ListUserTimestamps(ctx context.Context, timerID, userID string, limit int) ([]*types.TimestampMark, error) {
	if _, err := s.timers.GetByID(ctx, timerID); err != nil {
		return nil, err
	}
	return s.timestamps.ListByTimerAndUser(ctx, timerID, userID, limit)
}

// OnCompletionSignal commits the completion this server won. Idempotent: a
// timer already completed (by a force-complete racing the expiry, or a
// replayed signal) is a no-op and not an error.
func (s *Service) OnCompletionSignal(ctx context.Context, sig types.CompletionSignal) error {
	timer, err := s.timers.GetByID(ctx, sig.TimerID)
	if err != nil {
		return err
	}
	if timer.Completed {
		return nil
	}
	return s.commitCompletion(ctx, timer, sig.FiredAt)
}

// ForceComplete completes a timer ahead of its target. Owner-only; runs the
// same completion transaction as the expiry path and cancels the armed
// schedule.
func (s *Service) ForceComplete(ctx context.Context, timerID, userID string) (types.TimerView, []string, error) {
	timer, err := s.timers.GetByID(ctx, timerID)
	if err != nil {
		return types.TimerView{}, nil, err
	}
	if userID == "" || userID != timer.OwnerID {
		return types.TimerView{}, nil, types.NewAppError(types.ErrCodePermissionNotOwner,
			"only the timer owner may complete the timer", nil)
	}

	if !timer.Completed {
		if err := s.commitCompletion(ctx, timer, s.now()); err != nil {
			return types.TimerView{}, nil, err
		}
		s.sendScheduleRequest(types.ScheduleRequest{Op: types.ScheduleOpCancel, Timer: *timer})
	}

	view, warnings := s.snapshot(ctx, timer, userID)
	return view, warnings, nil
}

// commitCompletion flips the completed flag and announces the completion to
// the fleet. The flag transition is guarded in SQL, so a concurrent commit
// elsewhere turns this into a no-op without a duplicate event.
func (s *Service) commitCompletion(ctx context.Context, timer *types.Timer, completedAt time.Time) error {
	committed, err := s.timers.MarkCompleted(ctx, timer.ID, completedAt)
	if err != nil {
		return err
	}
	timer.Completed = true
	timer.CompletedAt = &completedAt
	if !committed {
		return nil
	}

	count, err := s.presence.OnlineCount(ctx, timer.ID)
	if err != nil {
		s.logger.Warn("presence count unavailable for completion event",
			slog.String("timer_id", timer.ID),
			slog.String("error", err.Error()),
		)
		count = 0
	}

	e := types.NewTimerCompletedEvent(timer, s.serverID, count, completedAt)
	if err := s.publisher.Publish(ctx, e); err != nil {
		// The commit stands; remote fleets catch up via the monitor's
		// divergence classification if the event never lands.
		s.logger.Error("failed to publish completion event",
			slog.String("timer_id", timer.ID),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

// OnSessionConnected registers the fleet-visible side effects of a session
// attach: USER_JOINED on the bus and an online-count frame to this server's
// local sessions. Called exactly once per session start.
func (s *Service) OnSessionConnected(ctx context.Context, timerID, userID string) {
	count, err := s.presence.OnlineCount(ctx, timerID)
	if err != nil {
		s.logger.Warn("presence count unavailable on connect",
			slog.String("timer_id", timerID),
			slog.String("error", err.Error()),
		)
	}

	e := types.NewUserJoinedEvent(timerID, userID, s.serverID, count, s.now())
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.logger.Warn("failed to publish user joined event",
			slog.String("timer_id", timerID),
			slog.String("error", err.Error()),
		)
	}

	s.broadcastOnlineCount(timerID, count)
}

// OnSessionDisconnected mirrors OnSessionConnected for the detach path.
func (s *Service) OnSessionDisconnected(ctx context.Context, timerID, userID string) {
	count, err := s.presence.OnlineCount(ctx, timerID)
	if err != nil {
		s.logger.Warn("presence count unavailable on disconnect",
			slog.String("timer_id", timerID),
			slog.String("error", err.Error()),
		)
	}

	e := types.NewUserLeftEvent(timerID, userID, s.serverID, count, s.now())
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.logger.Warn("failed to publish user left event",
			slog.String("timer_id", timerID),
			slog.String("error", err.Error()),
		)
	}

	s.broadcastOnlineCount(timerID, count)
}

// broadcastOnlineCount pushes the count control frame to local sessions.
// Never on the bus: every server derives its own count from the shared
// presence index.
func (s *Service) broadcastOnlineCount(timerID string, count int) {
	if s.hub == nil {
		return
	}
	frame := types.NewOnlineCountFrame(timerID, count, s.now())
	payload, err := types.EncodeFrame(frame)
	if err != nil {
		s.logger.Error("failed to encode online count frame",
			slog.String("timer_id", timerID),
			slog.String("error", err.Error()),
		)
		return
	}
	s.hub.BroadcastToTimer(timerID, payload)
}

// RunCompletionSignals consumes won completions from the scheduler channel
// until the context is cancelled.
func (s *Service) RunCompletionSignals(ctx context.Context, signals <-chan types.CompletionSignal) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-signals:
			if !ok {
				return nil
			}
			if err := s.OnCompletionSignal(ctx, sig); err != nil {
				s.logger.Error("completion signal handling failed",
					slog.String("timer_id", sig.TimerID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// sendScheduleRequest forwards a schedule change without ever blocking the
// request path. Dropped requests are logged; the monitor sweep is the
// safety net for a timer whose schedule never armed.
func (s *Service) sendScheduleRequest(req types.ScheduleRequest) {
	if s.schedule == nil {
		return
	}
	select {
	case s.schedule <- req:
	default:
		s.logger.Error("schedule request channel full; request dropped",
			slog.String("op", string(req.Op)),
			slog.String("timer_id", req.Timer.ID),
		)
	}
}

package types

import (
	"time"
)

// Role describes a user's relationship to a timer.
type Role string

const (
	RoleOwner  Role = "OWNER"
	RoleViewer Role = "VIEWER"
)

// RoleFor returns the role a user holds on a timer owned by ownerID.
func RoleFor(userID, ownerID string) Role {
	if userID != "" && userID == ownerID {
		return RoleOwner
	}
	return RoleViewer
}

// Timer is the core domain entity representing a shared countdown.
type Timer struct {
	ID         string `json:"timerId" db:"id"`
	OwnerID    string `json:"ownerId" db:"owner_id"`
	ShareToken string `json:"shareToken" db:"share_token"`

	TargetTime time.Time `json:"targetTime" db:"target_time"`

	Completed   bool       `json:"completed" db:"completed"`
	CompletedAt *time.Time `json:"completedAt,omitempty" db:"completed_at"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
	ExpiresAt time.Time `json:"-" db:"expires_at"`
}

// Remaining returns the time left until the target, clamped at zero.
func (t *Timer) Remaining(now time.Time) time.Duration {
	d := t.TargetTime.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Expired reports whether the target instant has passed.
func (t *Timer) Expired(now time.Time) bool {
	return !t.TargetTime.After(now)
}

// TimestampMark is an append-only record of a user saving the current
// countdown state. Scoped to a (timerID, userID) pair.
type TimestampMark struct {
	ID      string `json:"id" db:"id"`
	TimerID string `json:"timerId" db:"timer_id"`
	UserID  string `json:"userId" db:"user_id"`

	SavedAt         time.Time `json:"savedAt" db:"saved_at"`
	RemainingAtSave Duration  `json:"remainingAtSave" db:"remaining_at_save_ms"`
	TargetAtSave    time.Time `json:"targetAtSave" db:"target_at_save"`
	Metadata        Metadata  `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	ExpiresAt time.Time `json:"-" db:"expires_at"`
}

// CompletionLog records one server's attempt to process an expiry
// notification. Zero logs for a timer past target means the notification
// was lost; multiple logs mean a multi-server race with a single winner.
type CompletionLog struct {
	ID       string `json:"id" db:"id"`
	TimerID  string `json:"timerId" db:"timer_id"`
	ServerID string `json:"serverId" db:"server_id"`

	NotificationReceivedAt time.Time  `json:"notificationReceivedAt" db:"notification_received_at"`
	ProcessingStartedAt    *time.Time `json:"processingStartedAt,omitempty" db:"processing_started_at"`
	ProcessingCompletedAt  *time.Time `json:"processingCompletedAt,omitempty" db:"processing_completed_at"`

	LockAcquired bool   `json:"lockAcquired" db:"lock_acquired"`
	Success      bool   `json:"success" db:"success"`
	ErrorMessage string `json:"errorMessage,omitempty" db:"error_message"`

	OriginalTargetInstant time.Time `json:"originalTargetInstant" db:"original_target_instant"`
	ProcessingDelayMillis int64     `json:"processingDelayMillis" db:"processing_delay_ms"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	ExpiresAt time.Time `json:"-" db:"expires_at"`
}

// TimerEventLog is the persisted form of a fleet event, kept for
// reconciliation and audit. Payload is the zstd-compressed event JSON.
type TimerEventLog struct {
	ID             string   `json:"id" db:"id"`
	EventID        string   `json:"eventId" db:"event_id"`
	EventType      string   `json:"eventType" db:"event_type"`
	TimerID        string   `json:"timerId" db:"timer_id"`
	OriginServerID string   `json:"originServerId" db:"origin_server_id"`
	Priority       Priority `json:"priority" db:"priority"`

	Payload []byte `json:"-" db:"payload"`

	OccurredAt time.Time `json:"occurredAt" db:"occurred_at"`
	CreatedAt  time.Time `json:"createdAt" db:"created_at"`
	ExpiresAt  time.Time `json:"-" db:"expires_at"`
}

// TimerView is the API snapshot of a timer as seen by one user at one
// server instant. Remaining is derived from the server clock so clients
// never trust their own.
type TimerView struct {
	TimerID         string    `json:"timerId"`
	UserID          string    `json:"userId,omitempty"`
	TargetTime      time.Time `json:"targetTime"`
	ServerTime      time.Time `json:"serverTime"`
	RemainingTime   Duration  `json:"remainingTime"`
	Completed       bool      `json:"completed"`
	OwnerID         string    `json:"ownerId"`
	OnlineUserCount int       `json:"onlineUserCount"`
	OnlineUsers     []string  `json:"onlineUsers,omitempty"`
	ShareURL        string    `json:"shareToken"`
	UserRole        Role      `json:"userRole"`
}

// ShareURLPrefix is prepended to a timer's share token to form the
// client-facing share path.
const ShareURLPrefix = "/timer/"

// NewTimerView builds the snapshot for a timer at the given server instant.
func NewTimerView(t *Timer, userID string, now time.Time, onlineCount int, onlineUsers []string) TimerView {
	remaining := t.Remaining(now)
	return TimerView{
		TimerID:         t.ID,
		UserID:          userID,
		TargetTime:      t.TargetTime,
		ServerTime:      now,
		RemainingTime:   Duration(remaining),
		Completed:       t.Completed || remaining == 0,
		OwnerID:         t.OwnerID,
		OnlineUserCount: onlineCount,
		OnlineUsers:     onlineUsers,
		ShareURL:        ShareURLPrefix + t.ShareToken,
		UserRole:        RoleFor(userID, t.OwnerID),
	}
}

// FailureClass categorizes why a timer passed its target without being
// marked complete. Assigned by the reconciliation monitor.
type FailureClass string

const (
	FailureNotificationLost   FailureClass = "NOTIFICATION_LOST"
	FailureLockContentionLost FailureClass = "LOCK_CONTENTION_LOST"
	FailureProcessingFailed   FailureClass = "PROCESSING_FAILED"
	FailureCommitDivergence   FailureClass = "COMMIT_DIVERGENCE"
)

// MissedTimerReport describes one timer the monitor found past target
// but not completed, with the inferred failure mode.
type MissedTimerReport struct {
	TimerID        string       `json:"timerId"`
	TargetTime     time.Time    `json:"targetTime"`
	OverdueMillis  int64        `json:"overdueMillis"`
	Classification FailureClass `json:"classification"`
	AttemptCount   int          `json:"attemptCount"`
	ErrorMessage   string       `json:"errorMessage,omitempty"`
	DetectedAt     time.Time    `json:"detectedAt"`
}

// CompletionStats aggregates completion outcomes over a trailing window.
type CompletionStats struct {
	WindowStart        time.Time `json:"windowStart"`
	WindowEnd          time.Time `json:"windowEnd"`
	TotalAttempts      int       `json:"totalAttempts"`
	Succeeded          int       `json:"succeeded"`
	Failed             int       `json:"failed"`
	LockContentionLost int       `json:"lockContentionLost"`
	AvgDelayMillis     int64     `json:"avgDelayMillis"`
	MaxDelayMillis     int64     `json:"maxDelayMillis"`
}

// ScheduleOp names an operation on the expiry schedule.
type ScheduleOp string

const (
	ScheduleOpSchedule ScheduleOp = "SCHEDULE"
	ScheduleOpUpdate   ScheduleOp = "UPDATE"
	ScheduleOpCancel   ScheduleOp = "CANCEL"
)

// ScheduleRequest asks the TTL scheduler to (re)arm or cancel the expiry
// notification for a timer. Sent from TimerCore over a channel so the
// two components never import each other.
type ScheduleRequest struct {
	Op    ScheduleOp
	Timer Timer
}

// CompletionSignal notifies TimerCore that this server won the completion
// race for a timer and the completed event should be committed and fanned
// out. Sent from the TTL scheduler over a channel.
type CompletionSignal struct {
	TimerID string
	FiredAt time.Time
}

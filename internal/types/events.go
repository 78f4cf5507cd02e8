package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType discriminates the fleet event union on the wire.
type EventType string

const (
	EventTargetTimeChanged   EventType = "TARGET_TIME_CHANGED"
	EventTimestampSaved      EventType = "TIMESTAMP_SAVED"
	EventUserJoined          EventType = "USER_JOINED"
	EventUserLeft            EventType = "USER_LEFT"
	EventTimerCompleted      EventType = "TIMER_COMPLETED"
	EventSharedTimerAccessed EventType = "SHARED_TIMER_ACCESSED"
)

// OnlineCountUpdated is a local-only control frame type. It is pushed to
// sessions attached to this server and never crosses the fleet bus.
const OnlineCountUpdated = "ONLINE_USER_COUNT_UPDATED"

// Priority classifies how aggressively an event should be delivered and
// retained. It travels with the event log, not the wire envelope.
type Priority string

const (
	PriorityCritical  Priority = "CRITICAL"
	PriorityImportant Priority = "IMPORTANT"
	PriorityNormal    Priority = "NORMAL"
)

// Event is the fleet event union. Concrete types embed EventBase and add
// their payload fields. Dispatch is always an explicit type switch on
// Type(); nothing in the system inspects events reflectively.
type Event interface {
	Type() EventType
	Priority() Priority
	Base() *EventBase
}

// EventBase carries the envelope fields shared by every fleet event.
// EventType doubles as the JSON discriminator so concrete events marshal
// to the wire format directly.
type EventBase struct {
	EventType      EventType `json:"eventType"`
	EventID        string    `json:"eventId"`
	TimerID        string    `json:"timerId"`
	Timestamp      time.Time `json:"timestamp"`
	OriginServerID string    `json:"originServerId"`
}

// Type returns the discriminator.
func (b *EventBase) Type() EventType { return b.EventType }

// Base returns the envelope for envelope-only consumers.
func (b *EventBase) Base() *EventBase { return b }

func newEventBase(t EventType, timerID, serverID string, at time.Time) EventBase {
	return EventBase{
		EventType:      t,
		EventID:        uuid.NewString(),
		TimerID:        timerID,
		Timestamp:      at,
		OriginServerID: serverID,
	}
}

// TargetTimeChangedEvent announces an owner moving the countdown target.
type TargetTimeChangedEvent struct {
	EventBase
	OldTargetTime time.Time `json:"oldTargetTime"`
	NewTargetTime time.Time `json:"newTargetTime"`
	ChangedBy     string    `json:"changedBy"`
	ServerTime    time.Time `json:"serverTime"`
}

func (e *TargetTimeChangedEvent) Priority() Priority { return PriorityImportant }

// NewTargetTimeChangedEvent builds the event for a target move applied at
// serverTime on the given server.
func NewTargetTimeChangedEvent(timerID, serverID string, oldTarget, newTarget time.Time, changedBy string, serverTime time.Time) *TargetTimeChangedEvent {
	return &TargetTimeChangedEvent{
		EventBase:     newEventBase(EventTargetTimeChanged, timerID, serverID, serverTime),
		OldTargetTime: oldTarget,
		NewTargetTime: newTarget,
		ChangedBy:     changedBy,
		ServerTime:    serverTime,
	}
}

// TimestampSavedEvent announces a user saving the countdown state.
// The full mark rides along so remote sessions can render it without a
// read back to the store.
type TimestampSavedEvent struct {
	EventBase
	UserID         string        `json:"userId"`
	TimestampEntry TimestampMark `json:"timestampEntry"`
}

func (e *TimestampSavedEvent) Priority() Priority { return PriorityImportant }

// NewTimestampSavedEvent builds the event for a freshly persisted mark.
func NewTimestampSavedEvent(serverID string, mark TimestampMark, at time.Time) *TimestampSavedEvent {
	return &TimestampSavedEvent{
		EventBase:      newEventBase(EventTimestampSaved, mark.TimerID, serverID, at),
		UserID:         mark.UserID,
		TimestampEntry: mark,
	}
}

// UserJoinedEvent announces a session attaching to a timer somewhere in
// the fleet.
type UserJoinedEvent struct {
	EventBase
	UserID          string `json:"userId"`
	ServerID        string `json:"serverId"`
	OnlineUserCount int    `json:"onlineUserCount"`
}

func (e *UserJoinedEvent) Priority() Priority { return PriorityNormal }

// NewUserJoinedEvent builds the event for a session attach observed on
// serverID with the fleet-wide count after the attach.
func NewUserJoinedEvent(timerID, userID, serverID string, onlineCount int, at time.Time) *UserJoinedEvent {
	return &UserJoinedEvent{
		EventBase:       newEventBase(EventUserJoined, timerID, serverID, at),
		UserID:          userID,
		ServerID:        serverID,
		OnlineUserCount: onlineCount,
	}
}

// UserLeftEvent announces a session detaching from a timer.
type UserLeftEvent struct {
	EventBase
	UserID          string `json:"userId"`
	ServerID        string `json:"serverId"`
	OnlineUserCount int    `json:"onlineUserCount"`
}

func (e *UserLeftEvent) Priority() Priority { return PriorityNormal }

// NewUserLeftEvent builds the event for a session detach observed on
// serverID with the fleet-wide count after the detach.
func NewUserLeftEvent(timerID, userID, serverID string, onlineCount int, at time.Time) *UserLeftEvent {
	return &UserLeftEvent{
		EventBase:       newEventBase(EventUserLeft, timerID, serverID, at),
		UserID:          userID,
		ServerID:        serverID,
		OnlineUserCount: onlineCount,
	}
}

// TimerCompletedEvent announces that a countdown reached its target and
// exactly one server committed the completion.
type TimerCompletedEvent struct {
	EventBase
	CompletedTargetTime time.Time `json:"completedTargetTime"`
	CompletedAt         time.Time `json:"completedAt"`
	OwnerID             string    `json:"ownerId"`
	OnlineUserCount     int       `json:"onlineUserCount"`
}

func (e *TimerCompletedEvent) Priority() Priority { return PriorityCritical }

// NewTimerCompletedEvent builds the completion event for a committed timer.
func NewTimerCompletedEvent(timer *Timer, serverID string, onlineCount int, completedAt time.Time) *TimerCompletedEvent {
	return &TimerCompletedEvent{
		EventBase:           newEventBase(EventTimerCompleted, timer.ID, serverID, completedAt),
		CompletedTargetTime: timer.TargetTime,
		CompletedAt:         completedAt,
		OwnerID:             timer.OwnerID,
		OnlineUserCount:     onlineCount,
	}
}

// SharedTimerAccessedEvent tells the owner someone opened their timer
// through the share link.
type SharedTimerAccessedEvent struct {
	EventBase
	AccessedUserID string `json:"accessedUserId"`
	OwnerID        string `json:"ownerId"`
}

func (e *SharedTimerAccessedEvent) Priority() Priority { return PriorityNormal }

// NewSharedTimerAccessedEvent builds the event for a non-owner opening a
// shared timer.
func NewSharedTimerAccessedEvent(timerID, accessedUserID, ownerID, serverID string, at time.Time) *SharedTimerAccessedEvent {
	return &SharedTimerAccessedEvent{
		EventBase:      newEventBase(EventSharedTimerAccessed, timerID, serverID, at),
		AccessedUserID: accessedUserID,
		OwnerID:        ownerID,
	}
}

// Compile-time union membership assertions.
var (
	_ Event = (*TargetTimeChangedEvent)(nil)
	_ Event = (*TimestampSavedEvent)(nil)
	_ Event = (*UserJoinedEvent)(nil)
	_ Event = (*UserLeftEvent)(nil)
	_ Event = (*TimerCompletedEvent)(nil)
	_ Event = (*SharedTimerAccessedEvent)(nil)
)

// EncodeEvent serializes an event to its wire form. The discriminator is
// part of EventBase, so this is a plain marshal of the concrete type.
func EncodeEvent(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", e.Type(), err)
	}
	return data, nil
}

// DecodeEvent deserializes a wire payload into the matching concrete
// event type. Unknown discriminators return an error rather than a
// partially decoded envelope so consumers fail loudly on schema drift.
func DecodeEvent(data []byte) (Event, error) {
	var head struct {
		EventType EventType `json:"eventType"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode event discriminator: %w", err)
	}

	var e Event
	switch head.EventType {
	case EventTargetTimeChanged:
		e = &TargetTimeChangedEvent{}
	case EventTimestampSaved:
		e = &TimestampSavedEvent{}
	case EventUserJoined:
		e = &UserJoinedEvent{}
	case EventUserLeft:
		e = &UserLeftEvent{}
	case EventTimerCompleted:
		e = &TimerCompletedEvent{}
	case EventSharedTimerAccessed:
		e = &SharedTimerAccessedEvent{}
	default:
		return nil, NewAppError(ErrCodeInternalEventUnknown,
			fmt.Sprintf("unknown event type %q", head.EventType), nil)
	}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("decode %s event: %w", head.EventType, err)
	}
	return e, nil
}

// OnlineCountFrame is the local-only frame broadcast to this server's
// sessions when the online user count changes. It shares the envelope
// shape with fleet events but is never published to the bus.
type OnlineCountFrame struct {
	EventType       string    `json:"eventType"`
	TimerID         string    `json:"timerId"`
	OnlineUserCount int       `json:"onlineUserCount"`
	Timestamp       time.Time `json:"timestamp"`
}

// NewOnlineCountFrame builds the control frame for a count change.
func NewOnlineCountFrame(timerID string, count int, at time.Time) OnlineCountFrame {
	return OnlineCountFrame{
		EventType:       OnlineCountUpdated,
		TimerID:         timerID,
		OnlineUserCount: count,
		Timestamp:       at,
	}
}

// EncodeFrame serializes a local control frame for the websocket wire.
func EncodeFrame(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

package timercore

import (
	"context"
	"log/slog"

	"cotick/internal/types"
)

// RelevanceChecker answers whether any session on this server is attached to
// a timer. Backed by the presence index's set intersection.
type RelevanceChecker interface {
	IsServerRelevant(ctx context.Context, timerID, serverID string) (bool, error)
}

// bypassFilter lists the event types delivered to local sessions even when
// the presence index says nobody here is watching. These are the events a
// session must not miss because of a stale or missing presence entry.
var bypassFilter = map[types.EventType]bool{
	types.EventTargetTimeChanged:   true,
	types.EventTimerCompleted:      true,
	types.EventSharedTimerAccessed: true,
}

// Dispatcher fans a consumed fleet event out to this server's websocket
// sessions. The bus consumer calls it once per decoded event, own-origin
// events included, so local and remote sessions see the same stream.
type Dispatcher struct {
	relevance RelevanceChecker
	hub       Hub
	serverID  string
	logger    *slog.Logger
}

// NewDispatcher creates the local fan-out dispatcher.
func NewDispatcher(relevance RelevanceChecker, hub Hub, serverID string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		relevance: relevance,
		hub:       hub,
		serverID:  serverID,
		logger:    logger,
	}
}

// Dispatch pushes the event's wire payload to local sessions attached to its
// timer. Non-critical events are filtered through the presence index first;
// a relevance check failure fails open so an outage degrades to extra
// broadcasts, never to missed ones.
func (d *Dispatcher) Dispatch(ctx context.Context, e types.Event, payload []byte) {
	base := e.Base()
	if !bypassFilter[e.Type()] {
		relevant, err := d.relevance.IsServerRelevant(ctx, base.TimerID, d.serverID)
		if err != nil {
			d.logger.Warn("relevance check failed; broadcasting anyway",
				slog.String("timer_id", base.TimerID),
				slog.String("event_type", string(e.Type())),
				slog.String("error", err.Error()),
			)
		} else if !relevant {
			return
		}
	}
	d.hub.BroadcastToTimer(base.TimerID, payload)
}

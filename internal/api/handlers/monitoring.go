package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"cotick/internal/core"
	"cotick/internal/db"
	"cotick/internal/types"
)

// defaultEventLimit bounds GET /monitoring/timers/{id}/events.
const defaultEventLimit = 100

// MonitorService is the reconciliation surface exposed over HTTP.
type MonitorService interface {
	DetectMissedTimers(ctx context.Context) ([]types.MissedTimerReport, error)
	CompletionStats(ctx context.Context) (*types.CompletionStats, error)
}

// PresenceReader reads the live session index for a timer.
type PresenceReader interface {
	OnlineCount(ctx context.Context, timerID string) (int, error)
	OnlineUsers(ctx context.Context, timerID string) ([]string, error)
}

// ScheduleInspector reads the armed expiry state for a timer.
type ScheduleInspector interface {
	IsScheduled(ctx context.Context, timerID string) (bool, error)
	ScheduleTTL(ctx context.Context, timerID string) (time.Duration, error)
}

// EventLogReader reads persisted fleet events. Mirrors db.EventLogRepository.
type EventLogReader interface {
	ListByTimer(ctx context.Context, timerID string, limit int) ([]*types.TimerEventLog, error)
}

// --- Response Models ---

// MissedTimerSweepResult is the response body for the on-demand sweep.
type MissedTimerSweepResult struct {
	Reports []types.MissedTimerReport `json:"missedTimers"`
	Count   int                       `json:"count"`
	SweptAt time.Time                 `json:"sweptAt"`
}

// TimerPresenceDetail combines the live session index with the armed
// expiry state for one timer.
type TimerPresenceDetail struct {
	TimerID            string   `json:"timerId"`
	OnlineUsers        int      `json:"onlineUsers"`
	UserIDs            []string `json:"userIds"`
	Scheduled          bool     `json:"scheduled"`
	ScheduleTTLSeconds *int64   `json:"scheduleTtlSeconds,omitempty"`
}

// TimerEventDetail is one persisted fleet event with its payload restored
// to wire JSON.
type TimerEventDetail struct {
	EventID        string          `json:"eventId"`
	EventType      string          `json:"eventType"`
	TimerID        string          `json:"timerId"`
	OriginServerID string          `json:"originServerId"`
	Priority       types.Priority  `json:"priority"`
	OccurredAt     time.Time       `json:"occurredAt"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// --- Handler ---

// MonitoringHandler serves the operator endpoints: completion statistics,
// on-demand missed-timer sweeps, and per-timer presence and event views.
type MonitoringHandler struct {
	monitor   MonitorService
	presence  PresenceReader
	scheduler ScheduleInspector
	events    EventLogReader
	logger    *slog.Logger
}

// NewMonitoringHandler creates a MonitoringHandler.
func NewMonitoringHandler(
	monitor MonitorService,
	presence PresenceReader,
	scheduler ScheduleInspector,
	events EventLogReader,
	logger *slog.Logger,
) *MonitoringHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &MonitoringHandler{
		monitor:   monitor,
		presence:  presence,
		scheduler: scheduler,
		events:    events,
		logger:    logger,
	}
}

// RegisterRoutes mounts the monitoring routes on the provided chi.Router.
func (h *MonitoringHandler) RegisterRoutes(r chi.Router) {
	r.Route("/monitoring", func(r chi.Router) {
		r.Get("/completion-stats", h.CompletionStats)
		r.Post("/detect-missed-timers", h.DetectMissedTimers)

		r.Route("/timers/{id}", func(r chi.Router) {
			r.Get("/presence", h.TimerPresence)
			r.Get("/events", h.TimerEvents)
		})
	})
}

// CompletionStats handles GET /api/v1/monitoring/completion-stats:
// completion attempt outcomes aggregated over the trailing stats window.
func (h *MonitoringHandler) CompletionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.monitor.CompletionStats(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: stats})
}

// DetectMissedTimers handles POST /api/v1/monitoring/detect-missed-timers:
// an on-demand sweep, the same classification the periodic loop runs.
func (h *MonitoringHandler) DetectMissedTimers(w http.ResponseWriter, r *http.Request) {
	reports, err := h.monitor.DetectMissedTimers(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if reports == nil {
		reports = []types.MissedTimerReport{}
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: MissedTimerSweepResult{
		Reports: reports,
		Count:   len(reports),
		SweptAt: time.Now().UTC(),
	}})
}

// TimerPresence handles GET /api/v1/monitoring/timers/{id}/presence. The
// schedule TTL is included only while an expiry key is armed; a negative
// TTL from the store means the key is gone.
func (h *MonitoringHandler) TimerPresence(w http.ResponseWriter, r *http.Request) {
	timerID := chi.URLParam(r, "id")

	count, err := h.presence.OnlineCount(r.Context(), timerID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	users, err := h.presence.OnlineUsers(r.Context(), timerID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if users == nil {
		users = []string{}
	}

	detail := TimerPresenceDetail{
		TimerID:     timerID,
		OnlineUsers: count,
		UserIDs:     users,
	}

	scheduled, err := h.scheduler.IsScheduled(r.Context(), timerID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	detail.Scheduled = scheduled
	if scheduled {
		ttl, err := h.scheduler.ScheduleTTL(r.Context(), timerID)
		if err != nil {
			core.Error(w, r, err)
			return
		}
		if ttl > 0 {
			seconds := int64(ttl.Seconds())
			detail.ScheduleTTLSeconds = &seconds
		}
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: detail})
}

// TimerEvents handles GET /api/v1/monitoring/timers/{id}/events: the
// persisted fleet events for a timer, newest first, payloads decompressed
// back to wire JSON. An undecodable payload is logged and omitted rather
// than failing the listing.
func (h *MonitoringHandler) TimerEvents(w http.ResponseWriter, r *http.Request) {
	timerID := chi.URLParam(r, "id")

	logs, err := h.events.ListByTimer(r.Context(), timerID, defaultEventLimit)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	details := make([]TimerEventDetail, 0, len(logs))
	for _, l := range logs {
		detail := TimerEventDetail{
			EventID:        l.EventID,
			EventType:      l.EventType,
			TimerID:        l.TimerID,
			OriginServerID: l.OriginServerID,
			Priority:       l.Priority,
			OccurredAt:     l.OccurredAt,
		}
		payload, err := db.DecompressPayload(l.Payload)
		if err != nil {
			h.logger.WarnContext(r.Context(), "stored event payload is unreadable",
				slog.String("event_id", l.EventID),
				slog.String("error", err.Error()),
			)
		} else {
			detail.Payload = payload
		}
		details = append(details, detail)
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: details})
}

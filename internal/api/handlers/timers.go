// Package handlers contains the HTTP handler implementations for the
// cotick API. Handlers depend on locally-defined interfaces so tests can
// inject fakes without touching the concrete service wiring.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"cotick/internal/core"
	"cotick/internal/types"
)

// History pagination bounds. The repositories order newest-first, so the
// limit trims the tail of the history, not the head.
const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// TimerService is the domain surface the HTTP handlers drive. Mirrors the
// concrete timercore.Service methods used here.
type TimerService interface {
	Create(ctx context.Context, ownerID string, targetSeconds int64) (types.TimerView, []string, error)
	GetByID(ctx context.Context, timerID, userID string) (types.TimerView, []string, error)
	GetByShareToken(ctx context.Context, token, userID string) (types.TimerView, []string, error)
	ChangeTarget(ctx context.Context, timerID, userID string, newTarget time.Time) (types.TimerView, []string, error)
	SaveTimestamp(ctx context.Context, timerID, userID string, metadata types.Metadata) (*types.TimestampMark, error)
	ListTimestamps(ctx context.Context, timerID string, limit int) ([]*types.TimestampMark, error)
	ListUserTimestamps(ctx context.Context, timerID, userID string, limit int) ([]*types.TimestampMark, error)
	ForceComplete(ctx context.Context, timerID, userID string) (types.TimerView, []string, error)
}

// --- Request Models ---

// CreateTimerRequest is the request body for POST /api/v1/timers.
type CreateTimerRequest struct {
	TargetSeconds int64 `json:"targetSeconds"`
}

// ChangeTargetRequest is the request body for PUT /api/v1/timers/{id}/target-time.
type ChangeTargetRequest struct {
	NewTargetTime time.Time `json:"newTargetTime"`
}

// SaveTimestampRequest is the request body for POST /api/v1/timers/{id}/timestamps.
// The body is optional; an empty body saves a mark without metadata.
type SaveTimestampRequest struct {
	Metadata types.Metadata `json:"metadata,omitempty"`
}

// --- Handler ---

// TimerHandler serves the timer lifecycle and history endpoints.
type TimerHandler struct {
	service TimerService
	logger  *slog.Logger
}

// NewTimerHandler creates a TimerHandler.
func NewTimerHandler(service TimerService, logger *slog.Logger) *TimerHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TimerHandler{service: service, logger: logger}
}

// RegisterRoutes mounts the timer routes on the provided chi.Router.
func (h *TimerHandler) RegisterRoutes(r chi.Router) {
	r.Route("/timers", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/shared/{shareToken}", h.GetByShareToken)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Put("/target-time", h.ChangeTarget)
			r.Post("/timestamps", h.SaveTimestamp)
			r.Get("/history", h.History)
			r.Get("/users/{userId}/history", h.UserHistory)
			r.Post("/complete", h.Complete)
		})
	})
}

// Create handles POST /api/v1/timers. The caller becomes the owner; an
// anonymous request is rejected because an ownerless timer could never be
// retargeted or force-completed.
func (h *TimerHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, err := core.RequireUserID(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	var req CreateTimerRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	view, warnings, err := h.service.Create(r.Context(), userID, req.TargetSeconds)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: view, Meta: responseMeta(warnings)})
}

// Get handles GET /api/v1/timers/{id}. Anonymous callers are served with
// the VIEWER role.
func (h *TimerHandler) Get(w http.ResponseWriter, r *http.Request) {
	timerID := chi.URLParam(r, "id")
	userID, _ := types.GetUserID(r.Context())

	view, warnings, err := h.service.GetByID(r.Context(), timerID, userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: view, Meta: responseMeta(warnings)})
}

// GetByShareToken handles GET /api/v1/timers/shared/{shareToken}. Access
// through a share link is the event that announces a new participant, so
// this goes through the service rather than a plain lookup.
func (h *TimerHandler) GetByShareToken(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "shareToken")
	userID, _ := types.GetUserID(r.Context())

	view, warnings, err := h.service.GetByShareToken(r.Context(), token, userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: view, Meta: responseMeta(warnings)})
}

// ChangeTarget handles PUT /api/v1/timers/{id}/target-time. Owner only;
// the service enforces the role and target-time rules.
func (h *TimerHandler) ChangeTarget(w http.ResponseWriter, r *http.Request) {
	userID, err := core.RequireUserID(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	var req ChangeTargetRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	view, warnings, err := h.service.ChangeTarget(r.Context(), chi.URLParam(r, "id"), userID, req.NewTargetTime)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: view, Meta: responseMeta(warnings)})
}

// SaveTimestamp handles POST /api/v1/timers/{id}/timestamps. Any identified
// participant may save a mark; the body is optional.
func (h *TimerHandler) SaveTimestamp(w http.ResponseWriter, r *http.Request) {
	userID, err := core.RequireUserID(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	var req SaveTimestampRequest
	if r.ContentLength != 0 {
		if err := core.DecodeJSON(w, r, &req); err != nil {
			core.Error(w, r, err)
			return
		}
	}

	mark, err := h.service.SaveTimestamp(r.Context(), chi.URLParam(r, "id"), userID, req.Metadata)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: mark})
}

// History handles GET /api/v1/timers/{id}/history: all saved timestamps
// for the timer, newest first.
func (h *TimerHandler) History(w http.ResponseWriter, r *http.Request) {
	limit, err := historyLimit(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	marks, err := h.service.ListTimestamps(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: marks})
}

// UserHistory handles GET /api/v1/timers/{id}/users/{userId}/history: the
// saved timestamps of one participant on the timer.
func (h *TimerHandler) UserHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := historyLimit(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	marks, err := h.service.ListUserTimestamps(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "userId"), limit)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: marks})
}

// Complete handles POST /api/v1/timers/{id}/complete. Owner only; marks
// the timer complete ahead of its target and cancels the pending expiry.
func (h *TimerHandler) Complete(w http.ResponseWriter, r *http.Request) {
	userID, err := core.RequireUserID(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	view, warnings, err := h.service.ForceComplete(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: view, Meta: responseMeta(warnings)})
}

// --- Helpers ---

// responseMeta wraps non-empty warning lists; nil keeps the meta object out
// of clean responses entirely.
func responseMeta(warnings []string) *types.ResponseMeta {
	if len(warnings) == 0 {
		return nil
	}
	return &types.ResponseMeta{Warnings: warnings}
}

// historyLimit parses the limit query parameter with bounds checking.
func historyLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultHistoryLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 || limit > maxHistoryLimit {
		return 0, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"limit must be a number between 1 and 200",
			nil,
		)
	}
	return limit, nil
}

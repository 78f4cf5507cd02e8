package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"cotick/internal/types"
)

// PresenceStore is the presence surface a session lifecycle needs.
type PresenceStore interface {
	RecordConnection(ctx context.Context, timerID, userID, serverID, sessionID string) error
	RemoveConnection(ctx context.Context, sessionID string) error
	Heartbeat(ctx context.Context, sessionID string) error
}

// TimerService is the domain surface driven by client frames and the
// session lifecycle.
type TimerService interface {
	GetByID(ctx context.Context, timerID, userID string) (types.TimerView, []string, error)
	SaveTimestamp(ctx context.Context, timerID, userID string, metadata types.Metadata) (*types.TimestampMark, error)
	ChangeTarget(ctx context.Context, timerID, userID string, newTarget time.Time) (types.TimerView, []string, error)
	ForceComplete(ctx context.Context, timerID, userID string) (types.TimerView, []string, error)
	OnSessionConnected(ctx context.Context, timerID, userID string)
	OnSessionDisconnected(ctx context.Context, timerID, userID string)
}

// Handler upgrades GET /ws requests into timer sessions.
type Handler struct {
	hub      *Hub
	presence PresenceStore
	service  TimerService
	serverID string
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// HandlerConfig bundles the handler dependencies.
type HandlerConfig struct {
	Hub      *Hub
	Presence PresenceStore
	Service  TimerService
	ServerID string
	Logger   *slog.Logger

	// CheckOrigin overrides the upgrade origin check. Nil allows all
	// origins; share links are expected to be opened from anywhere.
	CheckOrigin func(r *http.Request) bool
}

// NewHandler creates the websocket upgrade handler.
func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		hub:      cfg.Hub,
		presence: cfg.Presence,
		service:  cfg.Service,
		serverID: cfg.ServerID,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

// resolveUserID picks the caller identity: explicit header, then query
// param, then an identity derived from the session id so anonymous viewers
// still count once in presence.
func resolveUserID(r *http.Request, sessionID string) string {
	if id := r.Header.Get("X-User-Id"); id != "" {
		return id
	}
	if id := r.URL.Query().Get("userId"); id != "" {
		return id
	}
	return "user-" + sessionID[:8]
}

// ServeHTTP validates the timer, upgrades the connection, and starts the
// session pumps.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	timerID := r.URL.Query().Get("timerId")
	if timerID == "" {
		http.Error(w, "timerId query parameter is required", http.StatusBadRequest)
		return
	}

	sessionID := uuid.NewString()
	userID := resolveUserID(r, sessionID)

	// Reject unknown timers before paying for the upgrade.
	view, _, err := h.service.GetByID(r.Context(), timerID, userID)
	if err != nil {
		var appErr *types.AppError
		status := http.StatusInternalServerError
		if errors.As(err, &appErr) {
			status = appErr.HTTPStatus()
		}
		http.Error(w, err.Error(), status)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	client := newClient(h.hub, conn, h.presence, h.service, sessionID, timerID, userID, h.logger)

	// Presence first, so the USER_JOINED count below includes this session.
	// The write decays via TTL, so a failure degrades counts, not the session.
	ctx := context.WithoutCancel(r.Context())
	if err := h.presence.RecordConnection(ctx, timerID, userID, h.serverID, sessionID); err != nil {
		h.logger.Warn("presence registration failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}

	h.hub.register(client)
	h.service.OnSessionConnected(ctx, timerID, userID)

	go client.writePump()
	go client.readPump(ctx)

	client.sendFrame(serverFrame{Action: actionSnapshot, Data: view})

	h.logger.Info("websocket session started",
		slog.String("session_id", sessionID),
		slog.String("timer_id", timerID),
		slog.String("user_id", userID),
	)
}

package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"cotick/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

// Client frame actions.
const (
	actionSnapshot      = "snapshot"
	actionError         = "error"
	actionSaveTimestamp = "save_timestamp"
	actionChangeTarget  = "change_target"
	actionComplete      = "complete"
)

// clientFrame is the envelope for client-to-server messages.
type clientFrame struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// serverFrame is the envelope for server-originated control frames. Fleet
// events bypass it and go to the socket as their own JSON envelope.
type serverFrame struct {
	Action string `json:"action"`
	Data   any    `json:"data,omitempty"`
}

// Client is one websocket session pinned to one timer.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	presence PresenceStore
	service  TimerService
	logger   *slog.Logger

	sessionID string
	timerID   string
	userID    string

	send   chan []byte
	done   chan struct{}
	closed atomic.Bool
}

func newClient(hub *Hub, conn *websocket.Conn, presence PresenceStore, service TimerService, sessionID, timerID, userID string, logger *slog.Logger) *Client {
	return &Client{
		hub:       hub,
		conn:      conn,
		presence:  presence,
		service:   service,
		logger:    logger,
		sessionID: sessionID,
		timerID:   timerID,
		userID:    userID,
		send:      make(chan []byte, sendBufferSize),
		done:      make(chan struct{}),
	}
}

// trySend queues a frame without blocking. False means the buffer is full.
func (c *Client) trySend(message []byte) bool {
	select {
	case <-c.done:
		return true
	case c.send <- message:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	close(c.done)
	_ = c.conn.Close()
}

func (c *Client) sendFrame(frame serverFrame) {
	payload, err := types.EncodeFrame(frame)
	if err != nil {
		c.logger.Error("failed to encode frame",
			slog.String("action", frame.Action),
			slog.String("error", err.Error()),
		)
		return
	}
	c.trySend(payload)
}

func (c *Client) sendError(err error) {
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		appErr = types.NewAppError(types.ErrCodeInternalUnexpected, "unexpected error", err)
	}
	c.sendFrame(serverFrame{Action: actionError, Data: appErr})
}

// readPump drains inbound frames until the socket dies, then tears the
// session down: presence removal, USER_LEFT, count broadcast.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		c.close()
		if err := c.presence.RemoveConnection(ctx, c.sessionID); err != nil {
			c.logger.Warn("presence removal failed; TTLs will reclaim the session",
				slog.String("session_id", c.sessionID),
				slog.String("error", err.Error()),
			)
		}
		c.service.OnSessionDisconnected(ctx, c.timerID, c.userID)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if err := c.presence.Heartbeat(ctx, c.sessionID); err != nil {
			c.logger.Warn("presence heartbeat failed",
				slog.String("session_id", c.sessionID),
				slog.String("error", err.Error()),
			)
		}
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error",
					slog.String("session_id", c.sessionID),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		c.handleFrame(ctx, message)
	}
}

// writePump serializes all socket writes and drives the ping cycle.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleFrame(ctx context.Context, message []byte) {
	var frame clientFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		c.sendError(types.NewAppError(types.ErrCodeValidationInvalidJSON, "malformed frame", err))
		return
	}

	switch frame.Action {
	case actionSaveTimestamp:
		c.handleSaveTimestamp(ctx, frame.Data)
	case actionChangeTarget:
		c.handleChangeTarget(ctx, frame.Data)
	case actionComplete:
		c.handleComplete(ctx)
	default:
		c.sendError(types.NewAppError(types.ErrCodeValidationInvalidJSON, "unknown action", nil))
	}
}

func (c *Client) handleSaveTimestamp(ctx context.Context, data json.RawMessage) {
	var body struct {
		Metadata types.Metadata `json:"metadata"`
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &body); err != nil {
			c.sendError(types.NewAppError(types.ErrCodeValidationInvalidJSON, "malformed save_timestamp data", err))
			return
		}
	}
	if _, err := c.service.SaveTimestamp(ctx, c.timerID, c.userID, body.Metadata); err != nil {
		c.sendError(err)
	}
	// The TIMESTAMP_SAVED event coming back through the bus is the
	// confirmation; no direct reply.
}

func (c *Client) handleChangeTarget(ctx context.Context, data json.RawMessage) {
	var body struct {
		NewTargetTime time.Time `json:"newTargetTime"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		c.sendError(types.NewAppError(types.ErrCodeValidationInvalidJSON, "malformed change_target data", err))
		return
	}
	if _, _, err := c.service.ChangeTarget(ctx, c.timerID, c.userID, body.NewTargetTime); err != nil {
		c.sendError(err)
	}
}

func (c *Client) handleComplete(ctx context.Context) {
	if _, _, err := c.service.ForceComplete(ctx, c.timerID, c.userID); err != nil {
		c.sendError(err)
	}
}

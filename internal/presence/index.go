package presence

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"cotick/internal/types"
)

// Index is the Redis-backed presence index. All multi-key writes go through
// one pipeline; the operation is considered successful when the pipeline
// settles. Partial writes on failure are left in place to decay via TTL.
type Index struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// NewIndex creates a presence index on the given Redis client.
func NewIndex(client redis.UniversalClient, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{client: client, logger: logger}
}

// RecordConnection registers a session against all five key families: the
// timer's viewer set, this server's viewer set, the user-to-server scalar,
// the session record, and the user's session index.
func (i *Index) RecordConnection(ctx context.Context, timerID, userID, serverID, sessionID string) error {
	now := time.Now().UTC()
	sess := Session{
		SessionID:     sessionID,
		TimerID:       timerID,
		UserID:        userID,
		ServerID:      serverID,
		ConnectedAt:   now,
		LastHeartbeat: now,
	}
	payload, err := json.Marshal(sess)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode presence session", err)
	}

	_, err = i.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, keyOnlineUsers(timerID), userID)
		pipe.Expire(ctx, keyOnlineUsers(timerID), onlineUsersTTL)
		pipe.SAdd(ctx, keyServerUsers(serverID), userID)
		pipe.Expire(ctx, keyServerUsers(serverID), serverUsersTTL)
		pipe.Set(ctx, keyConnectedServer(userID), serverID, connectedServerTTL)
		pipe.Set(ctx, keySession(sessionID), payload, sessionTTL)
		pipe.SAdd(ctx, keyUserSessions(userID), sessionID)
		pipe.Expire(ctx, keyUserSessions(userID), sessionTTL)
		return nil
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeUnavailablePresence, "failed to record connection", err)
	}
	return nil
}

// RemoveConnection reads the session record and performs the reverse
// removals, then deletes the session itself. A missing session key is a
// no-op: the record may have expired naturally.
func (i *Index) RemoveConnection(ctx context.Context, sessionID string) error {
	raw, err := i.client.Get(ctx, keySession(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return types.NewAppError(types.ErrCodeUnavailablePresence, "failed to load session for removal", err)
	}

	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		// A corrupt record cannot drive reverse removals; delete it and let
		// the remaining keys decay via TTL.
		i.logger.Warn("dropping undecodable presence session",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		if delErr := i.client.Del(ctx, keySession(sessionID)).Err(); delErr != nil {
			return types.NewAppError(types.ErrCodeUnavailablePresence, "failed to delete session", delErr)
		}
		return nil
	}

	_, err = i.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, keyOnlineUsers(sess.TimerID), sess.UserID)
		pipe.SRem(ctx, keyServerUsers(sess.ServerID), sess.UserID)
		pipe.Del(ctx, keyConnectedServer(sess.UserID))
		pipe.SRem(ctx, keyUserSessions(sess.UserID), sessionID)
		pipe.Del(ctx, keySession(sessionID))
		return nil
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeUnavailablePresence, "failed to remove connection", err)
	}
	return nil
}

// RemoveUser is the positional removal used by debug tooling: it drops a user
// from a timer's viewer set and this server's set without a session record.
func (i *Index) RemoveUser(ctx context.Context, timerID, userID, serverID string) error {
	_, err := i.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, keyOnlineUsers(timerID), userID)
		pipe.SRem(ctx, keyServerUsers(serverID), userID)
		pipe.Del(ctx, keyConnectedServer(userID))
		return nil
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeUnavailablePresence, "failed to remove user", err)
	}
	return nil
}

// Heartbeat refreshes every TTL tied to the session and rewrites the session
// record with a new lastHeartbeat. A missing session is a no-op; the client
// will be detached by its server when the websocket dies.
func (i *Index) Heartbeat(ctx context.Context, sessionID string) error {
	raw, err := i.client.Get(ctx, keySession(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return types.NewAppError(types.ErrCodeUnavailablePresence, "failed to load session for heartbeat", err)
	}

	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to decode presence session", err)
	}
	sess.LastHeartbeat = time.Now().UTC()

	payload, err := json.Marshal(sess)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode presence session", err)
	}

	_, err = i.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Expire(ctx, keyOnlineUsers(sess.TimerID), onlineUsersTTL)
		pipe.Expire(ctx, keyServerUsers(sess.ServerID), serverUsersTTL)
		pipe.Expire(ctx, keyConnectedServer(sess.UserID), connectedServerTTL)
		pipe.Set(ctx, keySession(sessionID), payload, sessionTTL)
		pipe.Expire(ctx, keyUserSessions(sess.UserID), sessionTTL)
		return nil
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeUnavailablePresence, "failed to refresh session", err)
	}
	return nil
}

// IsServerRelevant reports whether any viewer of the timer is attached to the
// given server. SINTERCARD with LIMIT 1 answers has-any in one round trip
// without materializing the intersection; this runs on every bus event on
// every server.
func (i *Index) IsServerRelevant(ctx context.Context, timerID, serverID string) (bool, error) {
	n, err := i.client.SInterCard(ctx, 1, keyOnlineUsers(timerID), keyServerUsers(serverID)).Result()
	if err != nil {
		return false, types.NewAppError(types.ErrCodeUnavailablePresence, "failed to check server relevance", err)
	}
	return n > 0, nil
}

// OnlineCount returns the fleet-wide viewer count for a timer.
func (i *Index) OnlineCount(ctx context.Context, timerID string) (int, error) {
	n, err := i.client.SCard(ctx, keyOnlineUsers(timerID)).Result()
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeUnavailablePresence, "failed to count online users", err)
	}
	return int(n), nil
}

// OnlineUsers returns the fleet-wide viewer set for a timer. Order is
// unspecified.
func (i *Index) OnlineUsers(ctx context.Context, timerID string) ([]string, error) {
	users, err := i.client.SMembers(ctx, keyOnlineUsers(timerID)).Result()
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUnavailablePresence, "failed to list online users", err)
	}
	return users, nil
}

// GetSession returns the stored session record, or nil when absent.
func (i *Index) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	raw, err := i.client.Get(ctx, keySession(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUnavailablePresence, "failed to load session", err)
	}
	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to decode presence session", err)
	}
	return &sess, nil
}

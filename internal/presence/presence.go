// Package presence maintains the fleet-wide viewer index in Redis: which
// users watch which timer, which server each session is attached to, and the
// session records themselves. Every key carries a layered TTL refreshed on
// heartbeat, so state abandoned by a crashed server or client decays on its
// own. There is no compensation logic -- the TTLs are the correctness
// mechanism.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"cotick/internal/config"
)

// Layered TTLs. Each level outlives the one below it so a missed heartbeat
// degrades gradually instead of dropping all state at once.
const (
	onlineUsersTTL     = 30 * time.Minute
	serverUsersTTL     = 45 * time.Minute
	connectedServerTTL = 60 * time.Minute
	sessionTTL         = 120 * time.Minute
)

func keyOnlineUsers(timerID string) string     { return "timer:" + timerID + ":online_users" }
func keyServerUsers(serverID string) string    { return "server:" + serverID + ":users" }
func keyConnectedServer(userID string) string  { return "user:" + userID + ":connected_server_id" }
func keySession(sessionID string) string       { return "session:" + sessionID }
func keyUserSessions(userID string) string     { return "user:" + userID + ":sessions" }

// Session is the JSON record stored under session:{sessionId}. It is the
// source of truth for reverse removals when a session disconnects.
type Session struct {
	SessionID     string    `json:"sessionId"`
	TimerID       string    `json:"timerId"`
	UserID        string    `json:"userId"`
	ServerID      string    `json:"serverId"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// NewClient creates a go-redis client from the Redis configuration and
// verifies connectivity with a ping before returning.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password.Unmask(),
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// HealthProbe adapts a Redis client to the core.HealthProbe interface.
type HealthProbe struct {
	Client redis.UniversalClient
}

// Name identifies the probe in health check responses.
func (p *HealthProbe) Name() string { return "redis" }

// Check pings the store within the caller's deadline.
func (p *HealthProbe) Check(ctx context.Context) error {
	return p.Client.Ping(ctx).Err()
}

// Package bus connects the server fleet through Kafka. Producers key every
// message by timer id so per-timer ordering holds, and each server consumes
// through its own consumer group so every event reaches every server
// (broadcast, not work-stealing).
package bus

import (
	"context"
	"time"

	"cotick/internal/types"
)

// Header keys attached to every produced message.
const (
	headerEventType = "event_type"
	headerTimestamp = "timestamp"
)

// eventLogRetention is how long consumed events stay queryable.
const eventLogRetention = 365 * 24 * time.Hour

// Metrics is the telemetry surface for bus failures.
type Metrics interface {
	RecordPublishFailure(ctx context.Context, topic string, eventType types.EventType)
	RecordConsumeFailure(ctx context.Context, topic string)
}

type noopMetrics struct{}

func (noopMetrics) RecordPublishFailure(context.Context, string, types.EventType) {}
func (noopMetrics) RecordConsumeFailure(context.Context, string)                  {}

package bus

import (
	"context"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"cotick/internal/config"
	"cotick/internal/db"
	"cotick/internal/types"
)

// EventSink receives every decoded event for local fan-out. The timercore
// dispatcher applies the relevance filter behind this interface.
type EventSink interface {
	Dispatch(ctx context.Context, e types.Event, payload []byte)
}

// EventLogStore persists consumed events. Create must be idempotent on the
// event id: every server in the fleet consumes every event, so the same
// event arrives once per server and exactly one insert wins.
type EventLogStore interface {
	Create(ctx context.Context, l *types.TimerEventLog) error
}

// Consumer runs this server's broadcast consumer group over both fleet
// topics. The group id embeds the server instance id, so each server keeps
// its own offsets and receives the full stream.
type Consumer struct {
	group  sarama.ConsumerGroup
	topics []string
	hdl    *groupHandler
	logger *slog.Logger
}

func consumerConfig(cfg config.KafkaConfig) *sarama.Config {
	sc := sarama.NewConfig()
	sc.ClientID = cfg.ClientID
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	// A freshly started server has no sessions; replaying history would only
	// produce frames nobody receives.
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	sc.Consumer.Return.Errors = true
	return sc
}

// NewConsumer creates the broadcast consumer for this server instance.
func NewConsumer(cfg config.KafkaConfig, serverID string, sink EventSink, logs EventLogStore, metrics Metrics, logger *slog.Logger) (*Consumer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.ConsumerGroup(serverID), consumerConfig(cfg))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUnavailableBus, "failed to join consumer group", err)
	}

	return &Consumer{
		group:  group,
		topics: []string{cfg.TimerEventsTopic, cfg.UserActionsTopic},
		hdl: &groupHandler{
			sink:    sink,
			logs:    logs,
			metrics: metrics,
			logger:  logger,
			now:     func() time.Time { return time.Now().UTC() },
		},
		logger: logger,
	}, nil
}

// Run consumes until the context is cancelled. Consume returns on every
// rebalance, so it loops; group errors are drained and logged in parallel.
func (c *Consumer) Run(ctx context.Context) error {
	go func() {
		for err := range c.group.Errors() {
			c.logger.Error("consumer group error", slog.String("error", err.Error()))
		}
	}()

	for {
		if err := c.group.Consume(ctx, c.topics, c.hdl); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("consume session failed; rejoining",
				slog.String("error", err.Error()),
			)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Close leaves the consumer group.
func (c *Consumer) Close() error {
	return c.group.Close()
}

// groupHandler implements sarama.ConsumerGroupHandler. Every message is
// acked regardless of handling outcome: fleet events are ephemeral UI
// updates and redelivery would replay stale frames to sessions.
type groupHandler struct {
	sink    EventSink
	logs    EventLogStore
	metrics Metrics
	logger  *slog.Logger
	now     func() time.Time
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.handleMessage(session.Context(), msg)
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

// handleMessage runs the per-event pipeline: decode, persist, fan out.
// Persist and fan-out failures are logged and skipped so one bad event never
// wedges the partition.
func (h *groupHandler) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) {
	e, err := types.DecodeEvent(msg.Value)
	if err != nil {
		h.metrics.RecordConsumeFailure(ctx, msg.Topic)
		h.logger.Error("dropping undecodable event",
			slog.String("topic", msg.Topic),
			slog.Int64("offset", msg.Offset),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := h.persistEvent(ctx, e, msg.Value); err != nil {
		h.metrics.RecordConsumeFailure(ctx, msg.Topic)
		h.logger.Error("failed to persist event log",
			slog.String("event_id", e.Base().EventID),
			slog.String("event_type", string(e.Type())),
			slog.String("error", err.Error()),
		)
	}

	h.sink.Dispatch(ctx, e, msg.Value)
}

func (h *groupHandler) persistEvent(ctx context.Context, e types.Event, payload []byte) error {
	now := h.now()
	base := e.Base()
	return h.logs.Create(ctx, &types.TimerEventLog{
		ID:             uuid.NewString(),
		EventID:        base.EventID,
		EventType:      string(e.Type()),
		TimerID:        base.TimerID,
		OriginServerID: base.OriginServerID,
		Priority:       e.Priority(),
		Payload:        db.CompressPayload(payload),
		OccurredAt:     base.Timestamp,
		CreatedAt:      now,
		ExpiresAt:      now.Add(eventLogRetention),
	})
}

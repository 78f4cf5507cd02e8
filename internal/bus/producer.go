package bus

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/sony/gobreaker/v2"

	"cotick/internal/config"
	"cotick/internal/types"
)

// Producer publishes fleet events through a synchronous Kafka producer
// behind a circuit breaker. When brokers are down the breaker opens after a
// few consecutive failures and publishes fail fast instead of stalling every
// request on broker timeouts.
type Producer struct {
	producer sarama.SyncProducer
	breaker  *gobreaker.CircuitBreaker[struct{}]

	timerEventsTopic string
	userActionsTopic string

	metrics Metrics
	logger  *slog.Logger

	now func() time.Time
}

// producerConfig builds the sarama settings for the fleet producer. Acks from
// all in-sync replicas and hash partitioning on the message key keep
// per-timer ordering intact across retries.
func producerConfig(cfg config.KafkaConfig) *sarama.Config {
	sc := sarama.NewConfig()
	sc.ClientID = cfg.ClientID
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 3
	sc.Producer.Timeout = 10 * time.Second
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	return sc
}

// NewProducer connects to the brokers and wraps the producer in a breaker.
func NewProducer(cfg config.KafkaConfig, metrics Metrics, logger *slog.Logger) (*Producer, error) {
	sp, err := sarama.NewSyncProducer(cfg.Brokers, producerConfig(cfg))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUnavailableBus, "failed to connect to event bus", err)
	}
	return NewProducerWith(sp, cfg, metrics, logger), nil
}

// NewProducerWith wraps an existing SyncProducer; tests inject sarama mocks
// through it.
func NewProducerWith(sp sarama.SyncProducer, cfg config.KafkaConfig, metrics Metrics, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "kafka-producer",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
	return &Producer{
		producer:         sp,
		breaker:          breaker,
		timerEventsTopic: cfg.TimerEventsTopic,
		userActionsTopic: cfg.UserActionsTopic,
		metrics:          metrics,
		logger:           logger,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

// topicFor routes an event to its logical topic. Timer lifecycle events and
// share-access notices ride timer-events; session and mark activity rides
// user-actions. Consumers subscribe to both, so routing only shapes
// partition load.
func (p *Producer) topicFor(t types.EventType) string {
	switch t {
	case types.EventTargetTimeChanged, types.EventTimerCompleted, types.EventSharedTimerAccessed:
		return p.timerEventsTopic
	default:
		return p.userActionsTopic
	}
}

// Publish encodes the event and sends it keyed by timer id.
func (p *Producer) Publish(ctx context.Context, e types.Event) error {
	payload, err := types.EncodeEvent(e)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalEventCodec, "failed to encode event", err)
	}

	topic := p.topicFor(e.Type())
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(e.Base().TimerID),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte(headerEventType), Value: []byte(e.Type())},
			{Key: []byte(headerTimestamp), Value: []byte(p.now().Format(time.RFC3339))},
		},
	}

	_, err = p.breaker.Execute(func() (struct{}, error) {
		_, _, sendErr := p.producer.SendMessage(msg)
		return struct{}{}, sendErr
	})
	if err != nil {
		p.metrics.RecordPublishFailure(ctx, topic, e.Type())
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return types.NewAppError(types.ErrCodeUnavailableBus, "event bus circuit open", err)
		}
		return types.NewAppError(types.ErrCodeUnavailableBus, "failed to publish event", err)
	}

	p.logger.Debug("event published",
		slog.String("topic", topic),
		slog.String("event_type", string(e.Type())),
		slog.String("timer_id", e.Base().TimerID),
	)
	return nil
}

// Close flushes and closes the underlying producer.
func (p *Producer) Close() error {
	return p.producer.Close()
}

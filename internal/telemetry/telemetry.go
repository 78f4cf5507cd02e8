// Package telemetry emits operational metrics to CloudWatch. Each consuming
// package declares its own narrow metrics interface; Collector implements
// all of them so wiring stays a single construction in main.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"cotick/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for
// testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// API request metric names. These carry their own dimension keys because the
// request surface is not part of the shared constants.
const (
	metricAPIRequest        = "APIRequest"
	metricAPIRequestLatency = "APIRequestLatency"

	dimMethod = "Method"
	dimStatus = "Status"
)

// requestMetricTimeout bounds the fire-and-forget publish from the HTTP
// middleware, which carries no request context.
const requestMetricTimeout = 2 * time.Second

// Collector publishes metrics to a CloudWatch namespace. Publish failures
// are logged and swallowed: telemetry must never fail a request or a
// completion.
type Collector struct {
	client    CloudWatchClient
	namespace string
	serverID  string
	logger    *slog.Logger
}

// New creates a Collector publishing to the given namespace. An empty
// namespace falls back to the service default.
func New(client CloudWatchClient, namespace, serverID string, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	return &Collector{
		client:    client,
		namespace: namespace,
		serverID:  serverID,
		logger:    logger,
	}
}

func (c *Collector) put(ctx context.Context, data ...cwtypes.MetricDatum) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(c.namespace),
		MetricData: data,
	}
	if _, err := c.client.PutMetricData(ctx, input); err != nil {
		c.logger.Error("failed to publish metrics",
			slog.String("metric", aws.ToString(data[0].MetricName)),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Collector) serverDim() cwtypes.Dimension {
	return cwtypes.Dimension{
		Name:  aws.String(types.DimServerID),
		Value: aws.String(c.serverID),
	}
}

// RecordCompletion emits the outcome of one expiry processing attempt. The
// delay datum is emitted only for attempts that reached the mutex, so the
// delay average is not skewed by failures that never started processing.
func (c *Collector) RecordCompletion(ctx context.Context, result string, delayMillis int64) {
	data := []cwtypes.MetricDatum{
		{
			MetricName: aws.String(types.MetricCompletionProcessed),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{
				{Name: aws.String(types.DimResult), Value: aws.String(result)},
				c.serverDim(),
			},
		},
	}
	if result == "success" || result == "lock_lost" {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricCompletionDelay),
			Value:      aws.Float64(float64(delayMillis)),
			Unit:       cwtypes.StandardUnitMilliseconds,
			Dimensions: []cwtypes.Dimension{c.serverDim()},
		})
	}
	if result == "lock_lost" {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricLockContention),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{c.serverDim()},
		})
	}
	c.put(ctx, data...)
}

// RecordMissedTimer emits one datum per timer the reconciliation sweep found
// past target without a completion, dimensioned by failure class.
func (c *Collector) RecordMissedTimer(ctx context.Context, classification types.FailureClass) {
	c.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricMissedTimerDetected),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(types.DimClassification), Value: aws.String(string(classification))},
			c.serverDim(),
		},
	})
}

// RecordPublishFailure counts an event that could not be put on the bus.
func (c *Collector) RecordPublishFailure(ctx context.Context, topic string, eventType types.EventType) {
	c.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricEventPublishFailure),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(types.DimTopic), Value: aws.String(topic)},
			{Name: aws.String(types.DimEventType), Value: aws.String(string(eventType))},
			c.serverDim(),
		},
	})
}

// RecordConsumeFailure counts a consumed message that could not be decoded
// or dispatched.
func (c *Collector) RecordConsumeFailure(ctx context.Context, topic string) {
	c.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricEventConsumeFailure),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(types.DimTopic), Value: aws.String(topic)},
			c.serverDim(),
		},
	})
}

// RecordSessionCount gauges the number of websocket sessions attached to
// this server.
func (c *Collector) RecordSessionCount(ctx context.Context, count int) {
	c.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricPresenceSessionCount),
		Value:      aws.Float64(float64(count)),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{c.serverDim()},
	})
}

// RecordRequest emits API request count and latency. It satisfies the HTTP
// server's MetricsCollector and runs on a detached context because the
// middleware records after the response is written.
func (c *Collector) RecordRequest(method, endpoint, status string, duration time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), requestMetricTimeout)
	defer cancel()

	dims := []cwtypes.Dimension{
		{Name: aws.String(dimMethod), Value: aws.String(method)},
		{Name: aws.String(dimStatus), Value: aws.String(status)},
		c.serverDim(),
	}
	c.put(ctx,
		cwtypes.MetricDatum{
			MetricName: aws.String(metricAPIRequest),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: dims,
		},
		cwtypes.MetricDatum{
			MetricName: aws.String(metricAPIRequestLatency),
			Value:      aws.Float64(float64(duration.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
			Dimensions: dims,
		},
	)
}

// Noop is the disabled-telemetry collector. It satisfies every consumer
// interface and does nothing.
type Noop struct{}

func (Noop) RecordCompletion(context.Context, string, int64)               {}
func (Noop) RecordMissedTimer(context.Context, types.FailureClass)         {}
func (Noop) RecordPublishFailure(context.Context, string, types.EventType) {}
func (Noop) RecordConsumeFailure(context.Context, string)                  {}
func (Noop) RecordSessionCount(context.Context, int)                       {}
func (Noop) RecordRequest(method, endpoint, status string, d time.Duration) {}

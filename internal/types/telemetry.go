package types

// Telemetry metric names for CloudWatch.
// All components MUST use these constants.
const (
	// Metric Names
	MetricCompletionProcessed  = "CompletionProcessed"
	MetricCompletionDelay      = "CompletionProcessingDelay"
	MetricLockContention       = "CompletionLockContention"
	MetricMissedTimerDetected  = "MissedTimerDetected"
	MetricEventPublishFailure  = "EventPublishFailure"
	MetricEventConsumeFailure  = "EventConsumeFailure"
	MetricPresenceSessionCount = "PresenceSessionCount"

	// Dimension Keys
	DimResult         = "Result"
	DimClassification = "Classification"
	DimEventType      = "EventType"
	DimServerID       = "ServerID"
	DimTopic          = "Topic"

	// Metric Namespace
	MetricNamespace = "CoTick"
)

package bus

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cotick/internal/db"
	"cotick/internal/types"
)

type fakeSink struct {
	events   []types.Event
	payloads [][]byte
}

func (f *fakeSink) Dispatch(_ context.Context, e types.Event, payload []byte) {
	f.events = append(f.events, e)
	f.payloads = append(f.payloads, payload)
}

type fakeEventLogStore struct {
	created []*types.TimerEventLog
	err     error
}

func (f *fakeEventLogStore) Create(_ context.Context, l *types.TimerEventLog) error {
	if f.err != nil {
		return f.err
	}
	cp := *l
	f.created = append(f.created, &cp)
	return nil
}

type countingMetrics struct {
	consumeFailures int
}

func (m *countingMetrics) RecordPublishFailure(context.Context, string, types.EventType) {}
func (m *countingMetrics) RecordConsumeFailure(context.Context, string)                  { m.consumeFailures++ }

func newTestHandler(sink *fakeSink, logs *fakeEventLogStore, metrics *countingMetrics) *groupHandler {
	return &groupHandler{
		sink:    sink,
		logs:    logs,
		metrics: metrics,
		logger:  slog.New(slog.DiscardHandler),
		now:     func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	}
}

func TestGroupHandler_PersistsAndDispatches(t *testing.T) {
	sink := &fakeSink{}
	logs := &fakeEventLogStore{}
	metrics := &countingMetrics{}
	h := newTestHandler(sink, logs, metrics)

	occurred := time.Date(2026, 3, 1, 11, 59, 0, 0, time.UTC)
	e := types.NewUserJoinedEvent("timer-1", "user-a", "srv-other", 4, occurred)
	payload, err := types.EncodeEvent(e)
	require.NoError(t, err)

	h.handleMessage(context.Background(), &sarama.ConsumerMessage{
		Topic: "user-actions",
		Value: payload,
	})

	require.Len(t, logs.created, 1)
	stored := logs.created[0]
	assert.Equal(t, e.EventID, stored.EventID)
	assert.Equal(t, string(types.EventUserJoined), stored.EventType)
	assert.Equal(t, "timer-1", stored.TimerID)
	assert.Equal(t, "srv-other", stored.OriginServerID)
	assert.Equal(t, types.PriorityNormal, stored.Priority)
	assert.Equal(t, occurred, stored.OccurredAt)
	assert.Equal(t, h.now().Add(eventLogRetention), stored.ExpiresAt)

	// The payload is stored compressed but round-trips to the wire bytes.
	raw, err := db.DecompressPayload(stored.Payload)
	require.NoError(t, err)
	assert.JSONEq(t, string(payload), string(raw))

	require.Len(t, sink.events, 1)
	assert.Equal(t, types.EventUserJoined, sink.events[0].Type())
	assert.Equal(t, payload, sink.payloads[0])
	assert.Zero(t, metrics.consumeFailures)
}

func TestGroupHandler_DropsUndecodableEvents(t *testing.T) {
	sink := &fakeSink{}
	logs := &fakeEventLogStore{}
	metrics := &countingMetrics{}
	h := newTestHandler(sink, logs, metrics)

	h.handleMessage(context.Background(), &sarama.ConsumerMessage{
		Topic: "user-actions",
		Value: []byte(`{"eventType":"NO_SUCH_TYPE"}`),
	})

	assert.Empty(t, logs.created)
	assert.Empty(t, sink.events)
	assert.Equal(t, 1, metrics.consumeFailures)
}

func TestGroupHandler_DispatchesDespitePersistFailure(t *testing.T) {
	sink := &fakeSink{}
	logs := &fakeEventLogStore{err: types.NewAppError(types.ErrCodeInternalDB, "insert failed", nil)}
	metrics := &countingMetrics{}
	h := newTestHandler(sink, logs, metrics)

	e := types.NewUserLeftEvent("timer-1", "user-a", "srv-other", 2, time.Now().UTC())
	payload, err := types.EncodeEvent(e)
	require.NoError(t, err)

	h.handleMessage(context.Background(), &sarama.ConsumerMessage{Topic: "user-actions", Value: payload})

	// Persist failure is recorded but the local fan-out still happens.
	assert.Equal(t, 1, metrics.consumeFailures)
	require.Len(t, sink.events, 1)
}

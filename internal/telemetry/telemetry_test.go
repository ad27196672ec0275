package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

type failingSink struct{}

func (failingSink) Emit(context.Context, Event) error { return errors.New("down") }

func TestKafkaSink_KeysByPlanID(t *testing.T) {
	w := &fakeWriter{}
	sink := newKafkaSink(w, "test.topic", zaptest.NewLogger(t))

	e := NewEvent(EventExecutionResult, 1_700_000_000_000, map[string]any{"success": true})
	e.PlanID = "plan-1"
	e.IdempotencyKey = "exec:abc"
	require.NoError(t, sink.Emit(context.Background(), e))

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "plan-1", string(msg.Key))
	assert.Equal(t, "execution_result", string(msg.Headers[0].Value))

	var decoded Event
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, e.ID, decoded.ID)
	assert.Equal(t, "exec:abc", decoded.IdempotencyKey)

	require.NoError(t, sink.Close())
	assert.True(t, w.closed)
}

func TestKafkaSink_WriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	sink := newKafkaSink(w, "t", nil)
	err := sink.Emit(context.Background(), NewEvent(EventSignalReceived, 1, nil))
	assert.Error(t, err)
}

func TestNewKafkaSink_RequiresBrokers(t *testing.T) {
	_, err := NewKafkaSink(KafkaConfig{}, nil)
	assert.ErrorIs(t, err, ErrNoBrokers)
}

func TestMultiSink(t *testing.T) {
	rec := NewRecorder()
	m := NewMultiSink(zaptest.NewLogger(t), failingSink{}, rec)

	require.NoError(t, m.Emit(context.Background(), NewEvent(EventRiskDecision, 1, nil)))
	assert.Equal(t, 1, rec.Count(EventRiskDecision))

	allFail := NewMultiSink(nil, failingSink{}, failingSink{})
	assert.Error(t, allFail.Emit(context.Background(), NewEvent(EventRiskDecision, 1, nil)))
}

func TestEvent_Key(t *testing.T) {
	e := NewEvent(EventSignalDropped, 1, nil)
	assert.Equal(t, e.ID, e.Key())
	e.SignalID = "sig"
	assert.Equal(t, "sig", e.Key())
	e.PlanID = "plan"
	assert.Equal(t, "plan", e.Key())
}

func TestRecorder_Concurrent(t *testing.T) {
	rec := NewRecorder()
	sink := NewLogSink(zaptest.NewLogger(t))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e := NewEvent(EventChaosApplied, 5, nil)
			_ = rec.Emit(context.Background(), e)
			_ = sink.Emit(context.Background(), e)
		}()
	}
	wg.Wait()
	assert.Len(t, rec.Events(), 20)
}

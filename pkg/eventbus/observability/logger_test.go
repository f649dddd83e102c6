package observability

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
)

func newObservedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

func testEnvelope(t *testing.T, eventType string) *event.Envelope {
	t.Helper()
	evt, err := event.New(eventType, "O1", "Order", "T1", map[string]any{"card": "4242"},
		event.WithSequence(3))
	require.NoError(t, err)
	return event.NewEnvelope(evt, event.PriorityHigh)
}

func TestEventFields(t *testing.T) {
	logger, logs := newObservedLogger()
	env := testEnvelope(t, event.TypeOrderCreated)

	logger.Info("x", EventFields(env)...)

	ctx := logs.All()[0].ContextMap()
	assert.Equal(t, env.EventID(), ctx["event_id"])
	assert.Equal(t, event.TypeOrderCreated, ctx["event_type"])
	assert.Equal(t, "T1", ctx["tenant_id"])
	assert.Equal(t, "O1", ctx["aggregate_id"])
	assert.Equal(t, int64(3), ctx["sequence"])

	assert.Nil(t, EventFields(nil))
}

func TestEventFields_Legacy(t *testing.T) {
	logger, logs := newObservedLogger()
	env := event.NewLegacyEnvelope(&event.LegacyEvent{EventType: "Ping", Data: map[string]any{}}, event.PriorityNormal)

	logger.Info("x", EventFields(env)...)

	ctx := logs.All()[0].ContextMap()
	assert.Equal(t, true, ctx["legacy"])
	assert.NotContains(t, ctx, "aggregate_id")
}

func TestPayloadField_RedactsSensitive(t *testing.T) {
	logger, logs := newObservedLogger()

	logger.Info("sensitive", PayloadField(testEnvelope(t, event.TypePaymentProcessed)))
	logger.Info("plain", PayloadField(testEnvelope(t, event.TypeOrderCreated)))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "[redacted]", entries[0].ContextMap()["payload"])
	assert.Contains(t, entries[1].ContextMap()["payload"], "4242")
}

func TestEnrichLogger(t *testing.T) {
	assert.Nil(t, EnrichLogger(nil, nil, "h", 1))

	logger, logs := newObservedLogger()
	env := testEnvelope(t, event.TypeOrderCreated)
	EnrichLogger(logger, env, "billing", 2).Info("retrying")

	ctx := logs.All()[0].ContextMap()
	assert.Equal(t, "billing", ctx["handler"])
	assert.Equal(t, int64(2), ctx["attempt"])
	assert.Equal(t, env.EventID(), ctx["event_id"])
}

func TestLogHelpers(t *testing.T) {
	logger, logs := newObservedLogger()
	env := testEnvelope(t, event.TypeOrderCreated)
	boom := errors.New("boom")

	LogPublish(logger, env, "events.order.OrderCreated", 1.5)
	LogPublishError(logger, env, boom)
	LogDuplicate(logger, env, "billing")
	LogDeadLetter(logger, env, "billing", 3, boom)
	LogDispatchError(logger, env, "billing", 1, boom)
	LogCorruptEvent(logger, "events.x", nil, boom)

	entries := logs.All()
	require.Len(t, entries, 6)

	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, "events.order.OrderCreated", entries[0].ContextMap()["topic"])
	assert.Equal(t, "high", entries[0].ContextMap()["priority"])

	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "boom", entries[1].ContextMap()["error"])

	assert.Equal(t, "duplicate suppressed", entries[2].Message)

	assert.Equal(t, zapcore.ErrorLevel, entries[3].Level)
	assert.Equal(t, int64(3), entries[3].ContextMap()["attempts"])

	assert.Equal(t, int64(1), entries[4].ContextMap()["attempt"])
	assert.Equal(t, "corrupt event discarded", entries[5].Message)
}

func TestLogHelpers_NilLogger(t *testing.T) {
	env := testEnvelope(t, event.TypeOrderCreated)
	assert.NotPanics(t, func() {
		LogPublish(nil, env, "t", 1)
		LogPublishError(nil, env, errors.New("x"))
		LogDuplicate(nil, env, "")
		LogDeadLetter(nil, env, "", 1, errors.New("x"))
		LogDispatchError(nil, env, "h", 1, errors.New("x"))
		LogCorruptEvent(nil, "t", env, errors.New("x"))
	})
}

func TestNewLogger(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		logger, err := NewLogger(LogConfig{})
		require.NoError(t, err)
		assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
		assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
	})

	t.Run("rotated file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bus.log")
		logger, err := NewLogger(LogConfig{Level: "debug", File: path, MaxSizeMB: 1})
		require.NoError(t, err)

		logger.Debug("hello", zap.String("k", "v"))
		require.NoError(t, logger.Sync())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"msg":"hello"`)
		assert.Contains(t, string(data), `"k":"v"`)
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := NewLogger(LogConfig{Level: "loud"})
		assert.Error(t, err)
		_, err = NewLogger(LogConfig{Format: "xml"})
		assert.Error(t, err)
	})
}

func TestTimedOperation(t *testing.T) {
	done := TimedOperation()
	assert.GreaterOrEqual(t, done(), 0.0)
}

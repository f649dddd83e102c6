package event_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	buserrors "github.com/randalmurphal/eventbus/pkg/eventbus/errors"
	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
)

func TestEncodeDecode(t *testing.T) {
	evt := newOrderCreated(t)
	env := event.NewEnvelope(evt, event.PriorityCritical)
	env.AttemptCount = 2

	data, err := event.Encode(env)
	require.NoError(t, err)
	assert.Greater(t, env.SizeBytes, 0)
	assert.Contains(t, string(data), `"priority":"critical"`)

	decoded, err := event.Decode(data)
	require.NoError(t, err)
	assert.False(t, decoded.IsLegacy())
	assert.Equal(t, event.PriorityCritical, decoded.Priority)
	assert.Equal(t, 2, decoded.AttemptCount)
	assert.Equal(t, env.SizeBytes, decoded.SizeBytes)
	assert.Equal(t, evt.ID(), decoded.EventID())
	assert.Equal(t, "T1", decoded.TenantID())
	assert.NoError(t, decoded.Event.Verify())
}

func TestDecode_TamperedPayload(t *testing.T) {
	data, err := event.Encode(event.NewEnvelope(newOrderCreated(t), event.PriorityNormal))
	require.NoError(t, err)

	idx := bytes.Index(data, []byte(`"EUR"`))
	require.Positive(t, idx)
	data[idx+1] = 'F' // "FUR"

	decoded, err := event.Decode(data)
	require.NoError(t, err)
	assert.ErrorIs(t, decoded.Event.Verify(), buserrors.ErrCorruptEvent)
}

func TestDecode_BareLegacyEvent(t *testing.T) {
	data := []byte(`{"event_type":"UserLoggedOut","tenant_id":"T1","data":{"user_id":"u1"}}`)

	env, err := event.Decode(data)
	require.NoError(t, err)
	assert.True(t, env.IsLegacy())
	assert.Equal(t, "UserLoggedOut", env.EventType())
	assert.Equal(t, event.PriorityNormal, env.Priority)

	again, err := event.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, env.EventID(), again.EventID(), "derived legacy ids are stable")

	upgraded, err := env.DomainEvent()
	require.NoError(t, err)
	assert.Equal(t, 0, upgraded.SchemaVersion())
	assert.Equal(t, int64(0), upgraded.Sequence())
	assert.NoError(t, upgraded.Verify())
}

func TestDecode_Invalid(t *testing.T) {
	_, err := event.Decode([]byte(`not json`))
	assert.Error(t, err)

	_, err = event.Decode([]byte(`{"priority":"high"}`))
	assert.Error(t, err)

	_, err = event.Decode([]byte(`{"event":null}`))
	assert.Error(t, err)
}

func TestPriority(t *testing.T) {
	for _, p := range event.Priorities {
		parsed, err := event.ParsePriority(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, parsed)
	}
	assert.True(t, event.PriorityCritical > event.PriorityHigh)
	assert.True(t, event.PriorityNormal > event.PriorityLow)

	_, err := event.ParsePriority("urgent")
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	registry := event.NewRegistry()
	registry.MustRegister(&event.Schema{Type: event.TypeOrderCreated, Version: 3, MinVersion: 2})

	v1 := newOrderCreated(t, event.WithSchemaVersion(1))
	v2 := newOrderCreated(t, event.WithSchemaVersion(2))
	v5 := newOrderCreated(t, event.WithSchemaVersion(5))

	assert.ErrorIs(t, registry.Check(v1), buserrors.ErrUnsupportedVersion)
	assert.NoError(t, registry.Check(v2))
	assert.NoError(t, registry.Check(v5), "newer versions are additive")

	unknown, err := event.New("Unregistered", "X", "Thing", "T1", nil)
	require.NoError(t, err)
	assert.NoError(t, registry.Check(unknown))

	assert.Error(t, registry.Register(&event.Schema{Type: event.TypeOrderCreated, Version: 2}))
	assert.Error(t, registry.Register(&event.Schema{Type: "", Version: 1}))
	assert.Error(t, registry.Register(&event.Schema{Type: "A", Version: 1, MinVersion: 2}))
	assert.Equal(t, []string{event.TypeOrderCreated}, registry.Types())
}

func TestRegistry_Validator(t *testing.T) {
	registry := event.NewRegistry()
	registry.MustRegister(&event.Schema{
		Type:    event.TypeOrderCreated,
		Version: 1,
		Validator: func(evt *event.DomainEvent) error {
			var p event.OrderCreated
			if err := evt.DecodePayload(&p); err != nil {
				return err
			}
			if p.Currency == "" {
				return assert.AnError
			}
			return nil
		},
	})

	bad, err := event.New(event.TypeOrderCreated, "O1", event.AggregateOrder, "T1", event.OrderCreated{OrderID: "O1"})
	require.NoError(t, err)
	assert.ErrorIs(t, registry.Check(bad), buserrors.ErrUnsupportedVersion)
	assert.NoError(t, registry.Check(newOrderCreated(t)))
}

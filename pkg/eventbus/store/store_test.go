package store_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	buserrors "github.com/randalmurphal/eventbus/pkg/eventbus/errors"
	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
	"github.com/randalmurphal/eventbus/pkg/eventbus/ledger"
	"github.com/randalmurphal/eventbus/pkg/eventbus/store"
)

var base = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func envelopeAt(t *testing.T, eventType, tenant string, seq int64, occurred time.Time) *event.Envelope {
	t.Helper()
	evt, err := event.New(eventType, "O1", event.AggregateOrder, tenant,
		map[string]any{"n": seq},
		event.WithSequence(seq),
		event.WithOccurredAt(occurred),
	)
	require.NoError(t, err)
	return event.NewEnvelope(evt, event.PriorityNormal)
}

// storeFactories returns every implementation under test.
func storeFactories(t *testing.T) map[string]func(t *testing.T) store.Store {
	factories := map[string]func(t *testing.T) store.Store{
		"memory": func(t *testing.T) store.Store {
			return store.NewMemoryStore()
		},
		"sqlite": func(t *testing.T) store.Store {
			s, err := store.NewSQLiteStore(":memory:")
			require.NoError(t, err)
			return s
		},
	}
	if addr := os.Getenv("EVENTBUS_TEST_REDIS"); addr != "" && !testing.Short() {
		factories["redis"] = func(t *testing.T) store.Store {
			client := redis.NewClient(&redis.Options{Addr: addr})
			t.Cleanup(func() { _ = client.Close() })
			return store.NewRedisStore(client, store.WithStorePrefix("eventbus-test:"+uuid.NewString()+":"))
		}
	}
	return factories
}

func TestStore_AppendRange(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			defer s.Close()

			first := envelopeAt(t, event.TypeOrderCreated, "T1", 1, base)
			second := envelopeAt(t, event.TypeOrderStatus, "T1", 2, base.Add(time.Minute))
			other := envelopeAt(t, event.TypeOrderCreated, "T2", 1, base.Add(2*time.Minute))

			for _, env := range []*event.Envelope{first, second, other} {
				require.NoError(t, s.Append(ctx, store.NewRecord(env, store.OutcomePublished, base)))
			}

			all, err := s.Range(ctx, store.Query{})
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, first.EventID(), all[0].Envelope.EventID())
			assert.Equal(t, second.EventID(), all[1].Envelope.EventID())
			assert.NoError(t, all[0].Envelope.Event.Verify(), "stored envelopes keep their digest")

			byType, err := s.Range(ctx, store.Query{EventTypes: []string{event.TypeOrderCreated}})
			require.NoError(t, err)
			assert.Len(t, byType, 2)

			byTenant, err := s.Range(ctx, store.Query{TenantID: "T2"})
			require.NoError(t, err)
			require.Len(t, byTenant, 1)
			assert.Equal(t, other.EventID(), byTenant[0].Envelope.EventID())

			window, err := s.Range(ctx, store.Query{From: base.Add(time.Minute), To: base.Add(2 * time.Minute)})
			require.NoError(t, err)
			require.Len(t, window, 1)
			assert.Equal(t, second.EventID(), window[0].Envelope.EventID())

			limited, err := s.Range(ctx, store.Query{Limit: 2})
			require.NoError(t, err)
			assert.Len(t, limited, 2)

			none, err := s.Range(ctx, store.Query{TenantID: "nobody"})
			require.NoError(t, err)
			assert.NotNil(t, none)
			assert.Empty(t, none)
		})
	}
}

func TestStore_DeadLetters(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			defer s.Close()

			env := envelopeAt(t, event.TypePaymentProcessed, "T1", 1, base)
			rec := store.NewRecord(env, store.OutcomeDeadLettered, base)
			rec.Handler = "billing"
			rec.Error = "handler error: boom"
			rec.Attempts = []buserrors.AttemptRecord{
				{Number: 1, Error: "boom", StartedAt: base, Duration: time.Millisecond},
				{Number: 2, Error: "boom", StartedAt: base.Add(time.Second), Duration: time.Millisecond},
			}
			require.NoError(t, s.Append(ctx, rec))
			require.NoError(t, s.Append(ctx, store.NewRecord(envelopeAt(t, event.TypeOrderCreated, "T1", 2, base), store.OutcomePublished, base)))

			dead, err := s.Range(ctx, store.Query{Outcome: store.OutcomeDeadLettered})
			require.NoError(t, err)
			require.Len(t, dead, 1)
			assert.Equal(t, "billing", dead[0].Handler)
			assert.Equal(t, "handler error: boom", dead[0].Error)
			require.Len(t, dead[0].Attempts, 2)
			assert.Equal(t, 2, dead[0].Attempts[1].Number)

			require.NoError(t, s.Delete(ctx, dead[0].ID))
			dead, err = s.Range(ctx, store.Query{Outcome: store.OutcomeDeadLettered})
			require.NoError(t, err)
			assert.Empty(t, dead)

			published, err := s.Range(ctx, store.Query{Outcome: store.OutcomePublished})
			require.NoError(t, err)
			assert.Len(t, published, 1)
		})
	}
}

func TestStore_Purge(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			defer s.Close()

			short, err := event.New(event.TypeSystemEvent, "sys", "System", "T1", nil)
			require.NoError(t, err)
			require.Equal(t, event.RetentionShort, short.Retention())

			now := time.Now().UTC()
			require.NoError(t, s.Append(ctx, store.NewRecord(event.NewEnvelope(short, event.PriorityLow), store.OutcomePublished, now)))
			require.NoError(t, s.Append(ctx, store.NewRecord(envelopeAt(t, event.TypePaymentProcessed, "T1", 1, base), store.OutcomePublished, now)))

			removed, err := s.Purge(ctx, now.Add(100*24*time.Hour))
			require.NoError(t, err)
			assert.Equal(t, 1, removed)

			left, err := s.Range(ctx, store.Query{})
			require.NoError(t, err)
			require.Len(t, left, 1)
			assert.Equal(t, event.TypePaymentProcessed, left[0].Envelope.EventType())
		})
	}
}

func TestStore_LegacyEnvelope(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			defer s.Close()

			legacy := event.NewLegacyEnvelope(&event.LegacyEvent{
				EventType: "UserLoggedOut",
				TenantID:  "T1",
				Data:      map[string]any{"user_id": "u1"},
			}, event.PriorityNormal)
			require.NoError(t, s.Append(ctx, store.NewRecord(legacy, store.OutcomePublished, time.Now())))

			got, err := s.Range(ctx, store.Query{EventTypes: []string{"UserLoggedOut"}})
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.True(t, got[0].Envelope.IsLegacy())
			assert.Equal(t, legacy.EventID(), got[0].Envelope.EventID())
		})
	}
}

func TestStore_Closed(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			require.NoError(t, s.Close())

			err := s.Append(ctx, store.NewRecord(envelopeAt(t, event.TypeOrderCreated, "T1", 1, base), store.OutcomePublished, base))
			assert.ErrorIs(t, err, store.ErrStoreClosed)
			_, err = s.Range(ctx, store.Query{})
			assert.ErrorIs(t, err, store.ErrStoreClosed)
		})
	}
}

func TestStore_InvalidRecord(t *testing.T) {
	s := store.NewMemoryStore()
	assert.ErrorIs(t, s.Append(context.Background(), &store.Record{}), store.ErrInvalidRecord)
}

func TestSQLiteStore_Persistence(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "events.db")

	store1, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	env := envelopeAt(t, event.TypeOrderCreated, "T1", 1, base)
	require.NoError(t, store1.Append(ctx, store.NewRecord(env, store.OutcomePublished, base)))
	require.NoError(t, store1.Close())

	store2, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store2.Close()

	got, err := store2.Range(ctx, store.Query{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, env.EventID(), got[0].Envelope.EventID())
}

func TestSQLiteStore_InvalidPath(t *testing.T) {
	_, err := store.NewSQLiteStore("/nonexistent/path/events.sqlite")
	assert.Error(t, err)
}

func TestSQLiteStore_CloseIdempotent(t *testing.T) {
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}

func TestSQLiteStore_Concurrent(t *testing.T) {
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	const numGoroutines = 20

	var wg sync.WaitGroup
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			env := envelopeAt(t, event.TypeOrderCreated, "T1", int64(i+1), base)
			assert.NoError(t, s.Append(ctx, store.NewRecord(env, store.OutcomePublished, base)))
			_, err := s.Range(ctx, store.Query{Limit: 5})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	all, err := s.Range(ctx, store.Query{})
	require.NoError(t, err)
	assert.Len(t, all, numGoroutines)
}

func TestSQLiteStore_SequenceCheckpoint(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "events.db")
	key := event.AggregateKey{TenantID: "T1", AggregateID: "O1"}

	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)

	l := ledger.NewMemoryLedger(ledger.WithCheckpoint(s))
	require.NoError(t, l.Advance(ctx, ledger.PublishScope, key, 3, "e3"))
	require.NoError(t, l.Advance(ctx, ledger.PublishScope, key, 4, "e4"))
	require.NoError(t, l.Advance(ctx, "audit", key, 1, "e1"))
	require.NoError(t, l.Release(ctx, "audit", key, 1))
	require.NoError(t, s.Close())

	reopened, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	records, err := reopened.LoadSequences(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1, "released first advance deletes the watermark")
	assert.Equal(t, int64(4), records[0].Sequence)
	assert.Equal(t, "e4", records[0].EventID)

	restored := ledger.NewMemoryLedger(ledger.WithCheckpoint(reopened))
	n, err := restored.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, restored.Advance(ctx, ledger.PublishScope, key, 4, "other"), buserrors.ErrOutOfOrder)
}

func TestSQLiteStore_SaveSequenceNeverLowers(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	defer s.Close()
	key := event.AggregateKey{TenantID: "T1", AggregateID: "O1"}

	require.NoError(t, s.SaveSequence(ctx, ledger.SequenceRecord{Scope: ledger.PublishScope, Key: key, Sequence: 7, EventID: "e7"}))
	require.NoError(t, s.SaveSequence(ctx, ledger.SequenceRecord{Scope: ledger.PublishScope, Key: key, Sequence: 5, EventID: "e5"}))

	records, err := s.LoadSequences(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(7), records[0].Sequence)
	assert.Equal(t, "e7", records[0].EventID)

	// A release only lowers the watermark it released.
	require.NoError(t, s.ReleaseSequence(ctx, ledger.SequenceRecord{Scope: ledger.PublishScope, Key: key, Sequence: 4, EventID: "e4"}, 6))
	records, err = s.LoadSequences(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), records[0].Sequence)

	require.NoError(t, s.ReleaseSequence(ctx, ledger.SequenceRecord{Scope: ledger.PublishScope, Key: key, Sequence: 6, EventID: "e6"}, 7))
	records, err = s.LoadSequences(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), records[0].Sequence)
	assert.Equal(t, "e6", records[0].EventID)
}

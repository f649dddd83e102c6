package benchmarks

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
	"github.com/randalmurphal/eventbus/pkg/eventbus/store"
)

func createSQLiteStore(b *testing.B) *store.SQLiteStore {
	b.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(b.TempDir(), "bench.db"))
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = s.Close() })
	return s
}

func fillStore(b *testing.B, s store.Store, n int) {
	b.Helper()
	f := event.NewFactory()
	now := time.Now()
	for i := range n {
		env := event.NewEnvelope(createOrder(b, f, i, 3), event.PriorityNormal)
		if err := s.Append(context.Background(), store.NewRecord(env, store.OutcomePublished, now)); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkMemoryStore_Append measures in-memory record append.
func BenchmarkMemoryStore_Append(b *testing.B) {
	s := store.NewMemoryStore()
	env := event.NewEnvelope(createOrder(b, event.NewFactory(), 0, 3), event.PriorityNormal)
	now := time.Now()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = s.Append(context.Background(), store.NewRecord(env, store.OutcomePublished, now))
	}
}

// BenchmarkSQLiteStore_Append measures SQLite record append.
func BenchmarkSQLiteStore_Append(b *testing.B) {
	s := createSQLiteStore(b)
	env := event.NewEnvelope(createOrder(b, event.NewFactory(), 0, 3), event.PriorityNormal)
	now := time.Now()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = s.Append(context.Background(), store.NewRecord(env, store.OutcomePublished, now))
	}
}

// BenchmarkMemoryStore_Range measures a filtered scan over 1000 records.
func BenchmarkMemoryStore_Range(b *testing.B) {
	s := store.NewMemoryStore()
	fillStore(b, s, 1000)
	q := store.Query{EventTypes: []string{event.TypeOrderCreated}, Limit: 100}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = s.Range(context.Background(), q)
	}
}

// BenchmarkSQLiteStore_Range measures a filtered scan over 1000 records.
func BenchmarkSQLiteStore_Range(b *testing.B) {
	s := createSQLiteStore(b)
	fillStore(b, s, 1000)
	q := store.Query{EventTypes: []string{event.TypeOrderCreated}, Limit: 100}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = s.Range(context.Background(), q)
	}
}

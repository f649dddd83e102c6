package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	buserrors "github.com/randalmurphal/eventbus/pkg/eventbus/errors"
	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
	"github.com/randalmurphal/eventbus/pkg/eventbus/ledger"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var orderKey = event.AggregateKey{TenantID: "T1", AggregateID: "O1"}

func TestMemoryLedger_SeenWindowIsSeparate(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := ledger.NewMemoryLedger(
		ledger.WithWindow(time.Hour),
		ledger.WithSeenWindow(time.Second),
		ledger.WithClock(clock.Now))

	_, err := l.MarkSeen(ctx, "e1")
	require.NoError(t, err)
	require.NoError(t, l.MarkDelivered(ctx, "e1", "audit"))

	clock.Advance(2 * time.Second)
	seen, err := l.MarkSeen(ctx, "e1")
	require.NoError(t, err)
	assert.False(t, seen)
	done, err := l.Delivered(ctx, "e1", "audit")
	require.NoError(t, err)
	assert.True(t, done, "delivery records keep the ledger window")
}

func TestMemoryLedger_MarkSeen(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := ledger.NewMemoryLedger(ledger.WithWindow(time.Minute), ledger.WithClock(clock.Now))

	seen, err := l.MarkSeen(ctx, "e1")
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = l.MarkSeen(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, seen)

	clock.Advance(time.Minute)
	seen, err = l.MarkSeen(ctx, "e1")
	require.NoError(t, err)
	assert.False(t, seen, "ids are forgotten after the window")

	require.NoError(t, l.Forget(ctx, "e1"))
	seen, err = l.MarkSeen(ctx, "e1")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestMemoryLedger_MarkSeenConcurrent(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger()

	var fresh atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen, err := l.MarkSeen(ctx, "same")
			if err == nil && !seen {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), fresh.Load(), "exactly one caller wins the reservation")
}

func TestMemoryLedger_Advance(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger()
	scope := ledger.PublishScope

	require.NoError(t, l.Advance(ctx, scope, orderKey, 1, "e1"))
	require.NoError(t, l.Advance(ctx, scope, orderKey, 2, "e2"))

	err := l.Advance(ctx, scope, orderKey, 2, "e3")
	assert.ErrorIs(t, err, buserrors.ErrOutOfOrder, "equal sequence from another event")

	err = l.Advance(ctx, scope, orderKey, 1, "e4")
	assert.ErrorIs(t, err, buserrors.ErrOutOfOrder)

	assert.NoError(t, l.Advance(ctx, scope, orderKey, 2, "e2"), "same event may be re-admitted")
	assert.NoError(t, l.Advance(ctx, scope, orderKey, 7, "e7"), "gaps are allowed")

	last, err := l.LastSequence(ctx, scope, orderKey)
	require.NoError(t, err)
	assert.Equal(t, int64(7), last)

	// scopes are independent
	require.NoError(t, l.Advance(ctx, "audit-handler", orderKey, 1, "e1"))
	other := event.AggregateKey{TenantID: "T2", AggregateID: "O1"}
	require.NoError(t, l.Advance(ctx, scope, other, 1, "x1"))
}

func TestMemoryLedger_Release(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger()
	scope := ledger.PublishScope

	require.NoError(t, l.Advance(ctx, scope, orderKey, 3, "e3"))
	require.NoError(t, l.Advance(ctx, scope, orderKey, 4, "e4"))

	require.NoError(t, l.Release(ctx, scope, orderKey, 9))
	last, _ := l.LastSequence(ctx, scope, orderKey)
	assert.Equal(t, int64(4), last, "releasing a stale sequence is a no-op")

	require.NoError(t, l.Release(ctx, scope, orderKey, 4))
	last, _ = l.LastSequence(ctx, scope, orderKey)
	assert.Equal(t, int64(3), last)

	assert.NoError(t, l.Advance(ctx, scope, orderKey, 4, "e4-retry"))
}

func TestMemoryLedger_Delivered(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := ledger.NewMemoryLedger(ledger.WithWindow(time.Minute), ledger.WithClock(clock.Now))

	ok, err := l.Delivered(ctx, "e1", "audit")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.MarkDelivered(ctx, "e1", "audit"))
	ok, _ = l.Delivered(ctx, "e1", "audit")
	assert.True(t, ok)
	ok, _ = l.Delivered(ctx, "e1", "billing")
	assert.False(t, ok)

	clock.Advance(2 * time.Minute)
	ok, _ = l.Delivered(ctx, "e1", "audit")
	assert.False(t, ok)
}

func TestMemoryLedger_Sweep(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := ledger.NewMemoryLedger(
		ledger.WithWindow(time.Minute),
		ledger.WithSequenceTTL(time.Hour),
		ledger.WithClock(clock.Now),
	)

	_, _ = l.MarkSeen(ctx, "e1")
	_ = l.MarkDelivered(ctx, "e1", "audit")
	_ = l.Advance(ctx, ledger.PublishScope, orderKey, 1, "e1")
	clock.Advance(30 * time.Second)
	_, _ = l.MarkSeen(ctx, "e2")

	clock.Advance(45 * time.Second)
	removed, err := l.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	seen, delivered, sequences := l.Stats()
	assert.Equal(t, 1, seen)
	assert.Equal(t, 0, delivered)
	assert.Equal(t, 1, sequences)

	clock.Advance(time.Hour)
	removed, err = l.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
}

type memCheckpoint struct {
	mu      sync.Mutex
	records map[string]ledger.SequenceRecord
	failing bool
}

func newMemCheckpoint() *memCheckpoint {
	return &memCheckpoint{records: make(map[string]ledger.SequenceRecord)}
}

func (c *memCheckpoint) SaveSequence(_ context.Context, rec ledger.SequenceRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing {
		return errors.New("disk full")
	}
	c.records[rec.Scope+"|"+rec.Key.String()] = rec
	return nil
}

func (c *memCheckpoint) ReleaseSequence(_ context.Context, rec ledger.SequenceRecord, released int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := rec.Scope + "|" + rec.Key.String()
	if cur, ok := c.records[k]; ok && cur.Sequence == released {
		c.records[k] = rec
	}
	return nil
}

func (c *memCheckpoint) DeleteSequence(_ context.Context, scope string, key event.AggregateKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, scope+"|"+key.String())
	return nil
}

func (c *memCheckpoint) LoadSequences(context.Context) ([]ledger.SequenceRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ledger.SequenceRecord, 0, len(c.records))
	for _, rec := range c.records {
		out = append(out, rec)
	}
	return out, nil
}

func TestMemoryLedger_CheckpointRestore(t *testing.T) {
	ctx := context.Background()
	cp := newMemCheckpoint()

	first := ledger.NewMemoryLedger(ledger.WithCheckpoint(cp))
	require.NoError(t, first.Advance(ctx, ledger.PublishScope, orderKey, 5, "e5"))
	require.NoError(t, first.Advance(ctx, "audit", orderKey, 1, "e1"))
	require.NoError(t, first.Close())

	second := ledger.NewMemoryLedger(ledger.WithCheckpoint(cp))
	n, err := second.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	err = second.Advance(ctx, ledger.PublishScope, orderKey, 4, "e4")
	assert.ErrorIs(t, err, buserrors.ErrOutOfOrder, "watermark survives restart")

	require.NoError(t, second.Advance(ctx, ledger.PublishScope, orderKey, 6, "e6"))
	require.NoError(t, second.Release(ctx, ledger.PublishScope, orderKey, 6))
	records, _ := cp.LoadSequences(ctx)
	for _, rec := range records {
		if rec.Scope == ledger.PublishScope {
			assert.Equal(t, int64(5), rec.Sequence)
		}
	}
}

func TestMemoryLedger_ConcurrentAdvanceCheckpointsHighest(t *testing.T) {
	ctx := context.Background()
	cp := newMemCheckpoint()
	l := ledger.NewMemoryLedger(ledger.WithCheckpoint(cp))

	var wg sync.WaitGroup
	for seq := int64(1); seq <= 200; seq++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Advance(ctx, ledger.PublishScope, orderKey, seq, fmt.Sprintf("e%d", seq))
		}()
	}
	wg.Wait()

	last, err := l.LastSequence(ctx, ledger.PublishScope, orderKey)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	restarted := ledger.NewMemoryLedger(ledger.WithCheckpoint(cp))
	_, err = restarted.Restore(ctx)
	require.NoError(t, err)
	got, err := restarted.LastSequence(ctx, ledger.PublishScope, orderKey)
	require.NoError(t, err)
	assert.Equal(t, last, got)
}

func TestMemoryLedger_ConcurrentReleaseCheckpoints(t *testing.T) {
	ctx := context.Background()
	cp := newMemCheckpoint()
	l := ledger.NewMemoryLedger(ledger.WithCheckpoint(cp))
	require.NoError(t, l.Advance(ctx, ledger.PublishScope, orderKey, 1, "e1"))

	var wg sync.WaitGroup
	for seq := int64(2); seq <= 100; seq++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Advance(ctx, ledger.PublishScope, orderKey, seq, fmt.Sprintf("e%d", seq)) == nil && seq%2 == 0 {
				_ = l.Release(ctx, ledger.PublishScope, orderKey, seq)
			}
		}()
	}
	wg.Wait()

	last, err := l.LastSequence(ctx, ledger.PublishScope, orderKey)
	require.NoError(t, err)
	records, err := cp.LoadSequences(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, last, records[0].Sequence)
}

func TestMemoryLedger_CheckpointFailureDoesNotBlock(t *testing.T) {
	cp := newMemCheckpoint()
	cp.failing = true
	l := ledger.NewMemoryLedger(ledger.WithCheckpoint(cp))
	assert.NoError(t, l.Advance(context.Background(), ledger.PublishScope, orderKey, 1, "e1"))
}

func TestMemoryLedger_Closed(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger()
	require.NoError(t, l.Close())

	_, err := l.MarkSeen(ctx, "e1")
	assert.ErrorIs(t, err, buserrors.ErrLedgerUnavailable)
	err = l.Advance(ctx, ledger.PublishScope, orderKey, 1, "e1")
	assert.ErrorIs(t, err, buserrors.ErrLedgerUnavailable)
	_, err = l.Delivered(ctx, "e1", "h")
	assert.ErrorIs(t, err, buserrors.ErrLedgerUnavailable)
}

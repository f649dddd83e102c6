package ledger_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	buserrors "github.com/randalmurphal/eventbus/pkg/eventbus/errors"
	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
	"github.com/randalmurphal/eventbus/pkg/eventbus/ledger"
)

// redisLedger connects to EVENTBUS_TEST_REDIS or skips.
func redisLedger(t *testing.T) *ledger.RedisLedger {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}
	addr := os.Getenv("EVENTBUS_TEST_REDIS")
	if addr == "" {
		t.Skip("EVENTBUS_TEST_REDIS not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	l, err := ledger.DialRedisLedger(ctx, addr, "", 0,
		ledger.WithRedisPrefix("eventbus-test:"+uuid.NewString()),
		ledger.WithRedisWindow(time.Minute),
	)
	if err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestRedisLedger_MarkSeen(t *testing.T) {
	l := redisLedger(t)
	ctx := context.Background()

	seen, err := l.MarkSeen(ctx, "e1")
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = l.MarkSeen(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, seen)

	require.NoError(t, l.Forget(ctx, "e1"))
	seen, err = l.MarkSeen(ctx, "e1")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestRedisLedger_AdvanceRelease(t *testing.T) {
	l := redisLedger(t)
	ctx := context.Background()
	key := event.AggregateKey{TenantID: "T1", AggregateID: "O1"}

	require.NoError(t, l.Advance(ctx, ledger.PublishScope, key, 1, "e1"))
	require.NoError(t, l.Advance(ctx, ledger.PublishScope, key, 2, "e2"))
	assert.NoError(t, l.Advance(ctx, ledger.PublishScope, key, 2, "e2"))
	assert.ErrorIs(t, l.Advance(ctx, ledger.PublishScope, key, 2, "other"), buserrors.ErrOutOfOrder)
	assert.ErrorIs(t, l.Advance(ctx, ledger.PublishScope, key, 1, "e1"), buserrors.ErrOutOfOrder)

	require.NoError(t, l.Release(ctx, ledger.PublishScope, key, 2))
	last, err := l.LastSequence(ctx, ledger.PublishScope, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), last)

	require.NoError(t, l.Release(ctx, ledger.PublishScope, key, 1))
	last, err = l.LastSequence(ctx, ledger.PublishScope, key)
	require.NoError(t, err)
	assert.Equal(t, int64(0), last)
}

func TestRedisLedger_Delivered(t *testing.T) {
	l := redisLedger(t)
	ctx := context.Background()

	ok, err := l.Delivered(ctx, "e1", "audit")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.MarkDelivered(ctx, "e1", "audit"))
	ok, err = l.Delivered(ctx, "e1", "audit")
	require.NoError(t, err)
	assert.True(t, ok)
}

package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	buserrors "github.com/randalmurphal/eventbus/pkg/eventbus/errors"
	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
)

// DefaultRedisPrefix namespaces every ledger key.
const DefaultRedisPrefix = "eventbus:ledger"

// advanceScript moves the watermark only forwards and remembers the previous
// value for releaseScript. Returns 1 when admitted, 0 when out of order.
const advanceScript = `
local cur = redis.call('HMGET', KEYS[1], 'seq', 'id')
local seq = tonumber(ARGV[1])
if cur[1] then
  local last = tonumber(cur[1])
  if seq == last and cur[2] == ARGV[2] then
    return 1
  end
  if seq <= last then
    return 0
  end
  redis.call('HSET', KEYS[1], 'prev_seq', cur[1], 'prev_id', cur[2] or '')
else
  redis.call('HDEL', KEYS[1], 'prev_seq', 'prev_id')
end
redis.call('HSET', KEYS[1], 'seq', ARGV[1], 'id', ARGV[2])
local ttl = tonumber(ARGV[3])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return 1
`

const releaseScript = `
local cur = redis.call('HGET', KEYS[1], 'seq')
if not cur or tonumber(cur) ~= tonumber(ARGV[1]) then
  return 0
end
local prev = redis.call('HMGET', KEYS[1], 'prev_seq', 'prev_id')
if prev[1] then
  redis.call('HSET', KEYS[1], 'seq', prev[1], 'id', prev[2] or '')
  redis.call('HDEL', KEYS[1], 'prev_seq', 'prev_id')
else
  redis.call('DEL', KEYS[1])
end
return 1
`

// RedisLedger keeps ledger state in Redis so that it is shared between
// processes and survives restarts. Expiry is delegated to key TTLs.
type RedisLedger struct {
	client      redis.UniversalClient
	prefix      string
	window      time.Duration
	seenWindow  time.Duration
	sequenceTTL time.Duration
	ownsClient  bool
}

// RedisOption configures a RedisLedger.
type RedisOption func(*RedisLedger)

// WithRedisPrefix overrides DefaultRedisPrefix.
func WithRedisPrefix(prefix string) RedisOption {
	return func(l *RedisLedger) {
		if prefix != "" {
			l.prefix = prefix
		}
	}
}

// WithRedisWindow sets the deduplication window.
func WithRedisWindow(d time.Duration) RedisOption {
	return func(l *RedisLedger) {
		if d > 0 {
			l.window = d
		}
	}
}

// WithRedisSeenWindow keeps seen event ids for d instead of the
// WithRedisWindow window.
func WithRedisSeenWindow(d time.Duration) RedisOption {
	return func(l *RedisLedger) {
		if d > 0 {
			l.seenWindow = d
		}
	}
}

// WithRedisSequenceTTL expires idle sequence watermarks.
func WithRedisSequenceTTL(d time.Duration) RedisOption {
	return func(l *RedisLedger) {
		l.sequenceTTL = d
	}
}

// NewRedisLedger creates a ledger on an existing client. The caller keeps
// ownership of the client.
func NewRedisLedger(client redis.UniversalClient, opts ...RedisOption) *RedisLedger {
	l := &RedisLedger{
		client: client,
		prefix: DefaultRedisPrefix,
		window: DefaultWindow,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// DialRedisLedger connects to addr and verifies the connection.
// The returned ledger closes the client on Close.
func DialRedisLedger(ctx context.Context, addr, password string, db int, opts ...RedisOption) (*RedisLedger, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, buserrors.Wrap(buserrors.ErrLedgerUnavailable, fmt.Errorf("redis ping %s: %w", addr, err))
	}
	l := NewRedisLedger(client, opts...)
	l.ownsClient = true
	return l, nil
}

// Compile-time interface check.
var _ Ledger = (*RedisLedger)(nil)

func (l *RedisLedger) seenKey(eventID string) string {
	return l.prefix + ":seen:" + eventID
}

func (l *RedisLedger) deliveredKey(eventID, handler string) string {
	return l.prefix + ":delivered:" + handler + ":" + eventID
}

func (l *RedisLedger) sequenceKey(scope string, key event.AggregateKey) string {
	return l.prefix + ":seq:" + scope + ":" + key.TenantID + ":" + key.AggregateID
}

func unavailable(op string, err error) error {
	return buserrors.Wrap(buserrors.ErrLedgerUnavailable, fmt.Errorf("redis %s: %w", op, err))
}

// MarkSeen implements Ledger.
func (l *RedisLedger) MarkSeen(ctx context.Context, eventID string) (bool, error) {
	ttl := l.window
	if l.seenWindow > 0 {
		ttl = l.seenWindow
	}
	created, err := l.client.SetNX(ctx, l.seenKey(eventID), 1, ttl).Result()
	if err != nil {
		return false, unavailable("setnx", err)
	}
	return !created, nil
}

// Forget implements Ledger.
func (l *RedisLedger) Forget(ctx context.Context, eventID string) error {
	if err := l.client.Del(ctx, l.seenKey(eventID)).Err(); err != nil {
		return unavailable("del", err)
	}
	return nil
}

// Advance implements Ledger.
func (l *RedisLedger) Advance(ctx context.Context, scope string, key event.AggregateKey, seq int64, eventID string) error {
	admitted, err := l.client.Eval(ctx, advanceScript, []string{l.sequenceKey(scope, key)},
		strconv.FormatInt(seq, 10),
		eventID,
		strconv.FormatInt(l.sequenceTTL.Milliseconds(), 10),
	).Int64()
	if err != nil {
		return unavailable("advance", err)
	}
	if admitted != 1 {
		return fmt.Errorf("%w: %s sequence %d at or below watermark", buserrors.ErrOutOfOrder, key, seq)
	}
	return nil
}

// Release implements Ledger.
func (l *RedisLedger) Release(ctx context.Context, scope string, key event.AggregateKey, seq int64) error {
	err := l.client.Eval(ctx, releaseScript, []string{l.sequenceKey(scope, key)},
		strconv.FormatInt(seq, 10),
	).Err()
	if err != nil {
		return unavailable("release", err)
	}
	return nil
}

// LastSequence implements Ledger.
func (l *RedisLedger) LastSequence(ctx context.Context, scope string, key event.AggregateKey) (int64, error) {
	seq, err := l.client.HGet(ctx, l.sequenceKey(scope, key), "seq").Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("hget", err)
	}
	return seq, nil
}

// MarkDelivered implements Ledger.
func (l *RedisLedger) MarkDelivered(ctx context.Context, eventID, handler string) error {
	if err := l.client.Set(ctx, l.deliveredKey(eventID, handler), 1, l.window).Err(); err != nil {
		return unavailable("set", err)
	}
	return nil
}

// Delivered implements Ledger.
func (l *RedisLedger) Delivered(ctx context.Context, eventID, handler string) (bool, error) {
	n, err := l.client.Exists(ctx, l.deliveredKey(eventID, handler)).Result()
	if err != nil {
		return false, unavailable("exists", err)
	}
	return n > 0, nil
}

// Sweep is a no-op: Redis expires keys itself.
func (l *RedisLedger) Sweep(ctx context.Context) (int, error) {
	if err := l.client.Ping(ctx).Err(); err != nil {
		return 0, unavailable("ping", err)
	}
	return 0, nil
}

// Close implements Ledger.
func (l *RedisLedger) Close() error {
	if l.ownsClient {
		return l.client.Close()
	}
	return nil
}

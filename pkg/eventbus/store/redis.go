package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	buserrors "github.com/randalmurphal/eventbus/pkg/eventbus/errors"
	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
)

// Redis key names, relative to the configured prefix.
const (
	redisEventStream      = "events.stream"
	redisDeadLetterList   = "events.dead_letter"
	redisDeadLetterStream = "events.dead_letter.stream"
	redisRecordField      = "record"
)

// DefaultStreamMaxLen caps the global event stream.
const DefaultStreamMaxLen = 100000

// RedisStore keeps published events in a global stream plus one stream per
// aggregate, and dead letters in a list mirrored to a stream.
// Range scans and filters client-side, so it suits operational replay of
// recent history rather than analytical queries.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	maxLen int64

	mu     sync.RWMutex
	closed bool
}

// RedisStoreOption configures a RedisStore.
type RedisStoreOption func(*RedisStore)

// WithStorePrefix prefixes every key, e.g. "svc:" gives "svc:events.stream".
func WithStorePrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithStreamMaxLen overrides DefaultStreamMaxLen.
func WithStreamMaxLen(n int64) RedisStoreOption {
	return func(s *RedisStore) {
		if n > 0 {
			s.maxLen = n
		}
	}
}

// NewRedisStore creates a store on client. The caller keeps ownership of the
// client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{
		client: client,
		maxLen: DefaultStreamMaxLen,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Compile-time interface check.
var _ Store = (*RedisStore)(nil)

// redisRecord is the JSON shape of a Record inside Redis.
type redisRecord struct {
	ID         string                    `json:"id"`
	Outcome    Outcome                   `json:"outcome"`
	Handler    string                    `json:"handler,omitempty"`
	Topic      string                    `json:"topic,omitempty"`
	Error      string                    `json:"error,omitempty"`
	Attempts   []buserrors.AttemptRecord `json:"attempts,omitempty"`
	RecordedAt time.Time                 `json:"recorded_at"`
	ExpiresAt  time.Time                 `json:"expires_at"`
	Envelope   json.RawMessage           `json:"envelope"`
}

func encodeRecord(rec *Record) (string, error) {
	env, err := event.Encode(rec.Envelope.Clone())
	if err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}
	data, err := event.Marshal(redisRecord{
		ID:         rec.ID,
		Outcome:    rec.Outcome,
		Handler:    rec.Handler,
		Topic:      rec.Topic,
		Error:      rec.Error,
		Attempts:   rec.Attempts,
		RecordedAt: rec.RecordedAt,
		ExpiresAt:  rec.ExpiresAt,
		Envelope:   env,
	})
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}
	return string(data), nil
}

func decodeRecord(data string) (*Record, error) {
	var raw redisRecord
	if err := event.Unmarshal([]byte(data), &raw); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	env, err := event.Decode(raw.Envelope)
	if err != nil {
		return nil, fmt.Errorf("decode envelope for %s: %w", raw.ID, err)
	}
	return &Record{
		ID:         raw.ID,
		Envelope:   env,
		Outcome:    raw.Outcome,
		Handler:    raw.Handler,
		Topic:      raw.Topic,
		Error:      raw.Error,
		Attempts:   raw.Attempts,
		RecordedAt: raw.RecordedAt,
		ExpiresAt:  raw.ExpiresAt,
	}, nil
}

func (s *RedisStore) key(name string) string {
	return s.prefix + name
}

// aggregateStream is "{aggregate_type}-{aggregate_id}", scoped by tenant.
func (s *RedisStore) aggregateStream(env *event.Envelope) string {
	evt := env.Event
	if evt == nil {
		return ""
	}
	return s.prefix + "events.aggregate." + evt.TenantID() + "." +
		strings.ToLower(evt.AggregateType()) + "-" + evt.AggregateID()
}

func (s *RedisStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Append implements Store.
func (s *RedisStore) Append(ctx context.Context, rec *Record) error {
	if err := prepare(rec); err != nil {
		return err
	}
	if err := s.checkOpen(); err != nil {
		return err
	}
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	values := map[string]interface{}{redisRecordField: data}
	if rec.Outcome == OutcomeDeadLettered {
		pipe.LPush(ctx, s.key(redisDeadLetterList), data)
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: s.key(redisDeadLetterStream),
			MaxLen: s.maxLen,
			Approx: true,
			Values: values,
		})
	} else {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: s.key(redisEventStream),
			MaxLen: s.maxLen,
			Approx: true,
			Values: values,
		})
		if stream := s.aggregateStream(rec.Envelope); stream != "" {
			pipe.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values})
			pipe.PExpire(ctx, stream, time.Until(rec.ExpiresAt))
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	return nil
}

type streamRecord struct {
	streamID string
	raw      string
	rec      *Record
}

func (s *RedisStore) readStream(ctx context.Context, stream string) ([]streamRecord, error) {
	msgs, err := s.client.XRange(ctx, stream, "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", stream, err)
	}
	out := make([]streamRecord, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values[redisRecordField].(string)
		if !ok {
			continue
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, streamRecord{streamID: msg.ID, raw: raw, rec: rec})
	}
	return out, nil
}

// readDeadLetters returns the dead-letter list oldest first.
func (s *RedisStore) readDeadLetters(ctx context.Context) ([]streamRecord, error) {
	items, err := s.client.LRange(ctx, s.key(redisDeadLetterList), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read dead letters: %w", err)
	}
	out := make([]streamRecord, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		rec, err := decodeRecord(items[i])
		if err != nil {
			return nil, err
		}
		out = append(out, streamRecord{raw: items[i], rec: rec})
	}
	return out, nil
}

// Range implements Store.
func (s *RedisStore) Range(ctx context.Context, q Query) ([]*Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var sources [][]streamRecord
	if q.Outcome == "" || q.Outcome == OutcomePublished {
		published, err := s.readStream(ctx, s.key(redisEventStream))
		if err != nil {
			return nil, err
		}
		sources = append(sources, published)
	}
	if q.Outcome == "" || q.Outcome == OutcomeDeadLettered {
		dead, err := s.readDeadLetters(ctx)
		if err != nil {
			return nil, err
		}
		sources = append(sources, dead)
	}

	out := []*Record{}
	for _, src := range sources {
		for _, sr := range src {
			if !q.Match(sr.rec) {
				continue
			}
			out = append(out, sr.rec)
			if q.Limit > 0 && len(out) >= q.Limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.checkOpen(); err != nil {
		return err
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	_, err := s.remove(ctx, func(rec *Record) bool {
		_, ok := drop[rec.ID]
		return ok
	})
	return err
}

// Purge implements Store.
func (s *RedisStore) Purge(ctx context.Context, now time.Time) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	return s.remove(ctx, func(rec *Record) bool {
		return !rec.ExpiresAt.After(now)
	})
}

func (s *RedisStore) remove(ctx context.Context, match func(*Record) bool) (int, error) {
	published, err := s.readStream(ctx, s.key(redisEventStream))
	if err != nil {
		return 0, err
	}
	deadStream, err := s.readStream(ctx, s.key(redisDeadLetterStream))
	if err != nil {
		return 0, err
	}
	dead, err := s.readDeadLetters(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	pipe := s.client.TxPipeline()
	for _, sr := range published {
		if match(sr.rec) {
			pipe.XDel(ctx, s.key(redisEventStream), sr.streamID)
			removed++
		}
	}
	for _, sr := range deadStream {
		if match(sr.rec) {
			pipe.XDel(ctx, s.key(redisDeadLetterStream), sr.streamID)
		}
	}
	for _, sr := range dead {
		if match(sr.rec) {
			pipe.LRem(ctx, s.key(redisDeadLetterList), 1, sr.raw)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("remove records: %w", err)
	}
	return removed, nil
}

// Close implements Store. The client is left open.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Package kafka adapts Kafka (via franz-go) to transport.Transport.
//
// Topics map one to one to Kafka topics and the message key becomes the
// record key, so every event of an aggregate lands on the same partition.
// Subscriptions join a consumer group with a regex topic filter and commit
// offsets manually: an offset is committed only once every earlier record of
// the same partition has been acked or nacked.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/randalmurphal/eventbus/pkg/eventbus/transport"
)

// Producer is the subset of *kgo.Client used for publishing.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Consumer is the subset of *kgo.Client used for consuming.
type Consumer interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
	Close()
}

// ConsumerFactory builds a consumer for a topic regex.
type ConsumerFactory func(topicRegex string) (Consumer, error)

// Config for real Kafka clients.
type Config struct {
	Brokers  []string `mapstructure:"brokers" yaml:"brokers"`
	ClientID string   `mapstructure:"client_id" yaml:"client_id"`

	// Group is the consumer group subscriptions join.
	Group string `mapstructure:"group" yaml:"group"`
}

// Transport publishes records and consumes them through consumer groups.
type Transport struct {
	producer    Producer
	newConsumer ConsumerFactory
	logger      *zap.Logger

	mu     sync.Mutex
	subs   []*subscription
	closed bool
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// New creates a transport over an injected producer and consumer factory.
func New(p Producer, newConsumer ConsumerFactory, opts ...Option) *Transport {
	t := &Transport{producer: p, newConsumer: newConsumer, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Dial builds franz-go clients from cfg.
func Dial(cfg Config, opts ...Option) (*Transport, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka brokers required", transport.ErrNotConnected)
	}
	base := []kgo.Opt{kgo.SeedBrokers(cfg.Brokers...)}
	if cfg.ClientID != "" {
		base = append(base, kgo.ClientID(cfg.ClientID))
	}

	producer, err := kgo.NewClient(append(base,
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.AllowAutoTopicCreation(),
	)...)
	if err != nil {
		return nil, fmt.Errorf("%w: kafka producer init: %w", transport.ErrNotConnected, err)
	}

	group := cfg.Group
	if group == "" {
		group = "eventbus"
	}
	newConsumer := func(topicRegex string) (Consumer, error) {
		return kgo.NewClient(append(base[:len(base):len(base)],
			kgo.ConsumerGroup(group),
			kgo.ConsumeRegex(),
			kgo.ConsumeTopics(topicRegex),
			kgo.DisableAutoCommit(),
		)...)
	}
	return New(producer, newConsumer, opts...), nil
}

// Ensure Transport implements the contract.
var _ transport.Transport = (*Transport)(nil)

// TopicRegex translates a topic pattern into an anchored regular expression.
func TopicRegex(pattern string) string {
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return "^" + strings.Join(parts, ".*") + "$"
}

func toRecord(msg transport.Message) *kgo.Record {
	rec := &kgo.Record{Topic: msg.Topic, Value: msg.Body}
	if msg.Key != "" {
		rec.Key = []byte(msg.Key)
	}
	if len(msg.Headers) > 0 {
		rec.Headers = make([]kgo.RecordHeader, 0, len(msg.Headers))
		for k, v := range msg.Headers {
			rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
	}
	return rec
}

// Publish implements transport.Transport.
func (t *Transport) Publish(ctx context.Context, msg transport.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.producer == nil {
		return transport.ErrNotConnected
	}
	if err := t.producer.ProduceSync(ctx, toRecord(msg)).FirstErr(); err != nil {
		return transport.WrapPublishError("kafka", msg.Topic, err)
	}
	return nil
}

// Subscribe implements transport.Transport.
func (t *Transport) Subscribe(ctx context.Context, pattern string, fn transport.DeliveryFunc) (transport.Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, transport.ErrClosed
	}
	if t.newConsumer == nil {
		return nil, transport.ErrNotConnected
	}

	regex := TopicRegex(pattern)
	consumer, err := t.newConsumer(regex)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer for %s: %w", regex, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	s := &subscription{
		t:        t,
		consumer: consumer,
		cancel:   cancel,
		done:     make(chan struct{}),
		offsets:  newOffsetTracker(),
	}
	t.subs = append(t.subs, s)
	go s.run(subCtx, fn)

	t.logger.Debug("kafka subscription started", zap.String("topics", regex))
	return s, nil
}

// Close implements transport.Transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	if t.producer != nil {
		t.producer.Close()
	}
	return nil
}

type subscription struct {
	t        *Transport
	consumer Consumer
	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once
	offsets  *offsetTracker
}

func (s *subscription) run(ctx context.Context, fn transport.DeliveryFunc) {
	defer close(s.done)
	for {
		fetches := s.consumer.PollFetches(ctx)
		if ctx.Err() != nil || fetches.IsClientClosed() {
			return
		}
		for _, fe := range fetches.Errors() {
			if errors.Is(fe.Err, context.Canceled) {
				continue
			}
			s.t.logger.Warn("kafka fetch error",
				zap.String("topic", fe.Topic),
				zap.Int32("partition", fe.Partition),
				zap.Error(fe.Err),
			)
		}
		fetches.EachRecord(func(r *kgo.Record) {
			fn(ctx, &delivery{sub: s, rec: r, entry: s.offsets.add(r)})
		})
	}
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		s.consumer.Close()
	})
	return nil
}

// settle marks the entry done and commits the highest contiguous offset.
func (s *subscription) settle(ctx context.Context, e *offsetEntry) error {
	rec := s.offsets.complete(e)
	if rec == nil {
		return nil
	}
	if err := s.consumer.CommitRecords(ctx, rec); err != nil {
		return fmt.Errorf("kafka commit %s/%d@%d: %w", rec.Topic, rec.Partition, rec.Offset, err)
	}
	return nil
}

type topicPartition struct {
	topic     string
	partition int32
}

type offsetEntry struct {
	rec  *kgo.Record
	done bool
}

// offsetTracker keeps, per partition, the records handed out in offset order.
type offsetTracker struct {
	mu      sync.Mutex
	pending map[topicPartition][]*offsetEntry
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{pending: make(map[topicPartition][]*offsetEntry)}
}

func (o *offsetTracker) add(r *kgo.Record) *offsetEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	e := &offsetEntry{rec: r}
	tp := topicPartition{topic: r.Topic, partition: r.Partition}
	o.pending[tp] = append(o.pending[tp], e)
	return e
}

// complete returns the record to commit, or nil when an earlier record of the
// partition is still outstanding or e was already settled.
func (o *offsetTracker) complete(e *offsetEntry) *kgo.Record {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e.done {
		return nil
	}
	e.done = true

	tp := topicPartition{topic: e.rec.Topic, partition: e.rec.Partition}
	queue := o.pending[tp]
	var last *kgo.Record
	i := 0
	for ; i < len(queue) && queue[i].done; i++ {
		last = queue[i].rec
	}
	if i == len(queue) {
		delete(o.pending, tp)
	} else {
		o.pending[tp] = queue[i:]
	}
	return last
}

type delivery struct {
	sub   *subscription
	rec   *kgo.Record
	entry *offsetEntry
}

func (d *delivery) Topic() string { return d.rec.Topic }
func (d *delivery) Key() string   { return string(d.rec.Key) }
func (d *delivery) Body() []byte  { return d.rec.Value }

func (d *delivery) Headers() map[string]string {
	if len(d.rec.Headers) == 0 {
		return nil
	}
	h := make(map[string]string, len(d.rec.Headers))
	for _, rh := range d.rec.Headers {
		h[rh.Key] = string(rh.Value)
	}
	return h
}

func (d *delivery) Ack(ctx context.Context) error {
	return d.sub.settle(ctx, d.entry)
}

// Nack with requeue produces the record again at the end of its partition;
// either way the original offset is settled.
func (d *delivery) Nack(ctx context.Context, requeue bool) error {
	if requeue {
		msg := transport.Message{Topic: d.Topic(), Key: d.Key(), Body: d.Body(), Headers: d.Headers()}
		if err := d.sub.t.Publish(ctx, msg); err != nil {
			return err
		}
	}
	return d.sub.settle(ctx, d.entry)
}

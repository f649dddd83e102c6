// Package rabbitmq adapts a RabbitMQ topic exchange to transport.Transport.
//
// Topics are routing keys on one durable topic exchange. Subscriptions bind
// a queue with the translated pattern and consume with manual
// acknowledgements, so unacked deliveries are redelivered by the broker.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/randalmurphal/eventbus/pkg/eventbus/transport"
)

const (
	// DefaultExchange is the topic exchange events are published to.
	DefaultExchange = "events"

	exchangeKind = "topic"
	keyHeader    = "eventbus-key"
)

// Channel is the subset of *amqp.Channel the adapter needs.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Close() error
}

// Config for a RabbitMQ transport.
type Config struct {
	URL         string        `mapstructure:"url" yaml:"url"`
	ConnTimeout time.Duration `mapstructure:"conn_timeout" yaml:"conn_timeout"`

	// Exchange defaults to DefaultExchange.
	Exchange string `mapstructure:"exchange" yaml:"exchange"`

	// Queue is a durable queue shared by competing consumers. Empty gives
	// each subscription its own exclusive, auto-deleted queue.
	Queue string `mapstructure:"queue" yaml:"queue"`

	// Prefetch bounds unacked deliveries per consumer (0 = unlimited).
	Prefetch int `mapstructure:"prefetch" yaml:"prefetch"`
}

// Transport publishes to and consumes from a topic exchange.
type Transport struct {
	ch      Channel
	cfg     Config
	logger  *zap.Logger
	closeFn func() error

	pubMu sync.Mutex

	mu     sync.Mutex
	subs   []*subscription
	closed bool
	tagSeq atomic.Int64
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

// New creates a transport over an open channel and declares the exchange.
func New(ch Channel, cfg Config, opts ...Option) (*Transport, error) {
	if ch == nil {
		return nil, transport.ErrNotConnected
	}
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultExchange
	}
	t := &Transport{ch: ch, cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(t)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, exchangeKind, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("rabbitmq declare exchange %s: %w", cfg.Exchange, err)
	}
	return t, nil
}

// Dial connects to RabbitMQ, opens a channel and declares the exchange.
func Dial(cfg Config, opts ...Option) (*Transport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: rabbitmq url required", transport.ErrNotConnected)
	}
	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
		Locale:     "en_US",
		Properties: amqp.Table{"product": "eventbus"},
		Dial:       amqp.DefaultDial(cfg.ConnTimeout),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: rabbitmq dial: %w", transport.ErrNotConnected, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: rabbitmq channel: %w", transport.ErrNotConnected, err)
	}
	t, err := New(ch, cfg, opts...)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	t.closeFn = conn.Close
	return t, nil
}

// Ensure Transport implements the contract.
var _ transport.Transport = (*Transport)(nil)

// RoutingKey translates a topic pattern into an AMQP binding key. A trailing
// "*" segment becomes "#" so "events.*" also matches deeper topics.
func RoutingKey(pattern string) (string, error) {
	parts := strings.Split(pattern, ".")
	for i, p := range parts {
		if p == "*" {
			if i == len(parts)-1 {
				parts[i] = "#"
			}
			continue
		}
		if strings.ContainsAny(p, "*?[#") {
			return "", fmt.Errorf("rabbitmq: unsupported wildcard in %q", pattern)
		}
	}
	return strings.Join(parts, "."), nil
}

// Publish implements transport.Transport.
func (t *Transport) Publish(ctx context.Context, msg transport.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var headers amqp.Table
	if msg.Key != "" || len(msg.Headers) > 0 {
		headers = amqp.Table{}
		for k, v := range msg.Headers {
			headers[k] = v
		}
		if msg.Key != "" {
			headers[keyHeader] = msg.Key
		}
	}

	t.pubMu.Lock()
	err := t.ch.PublishWithContext(ctx, t.cfg.Exchange, msg.Topic, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Headers:      headers,
		Timestamp:    time.Now().UTC(),
		Body:         msg.Body,
	})
	t.pubMu.Unlock()
	if err != nil {
		return transport.WrapPublishError("rabbitmq", msg.Topic, err)
	}
	return nil
}

// Subscribe implements transport.Transport.
func (t *Transport) Subscribe(ctx context.Context, pattern string, fn transport.DeliveryFunc) (transport.Subscription, error) {
	key, err := RoutingKey(pattern)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, transport.ErrClosed
	}

	durable := t.cfg.Queue != ""
	q, err := t.ch.QueueDeclare(t.cfg.Queue, durable, !durable, !durable, false, nil)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq declare queue: %w", err)
	}
	if err := t.ch.QueueBind(q.Name, key, t.cfg.Exchange, false, nil); err != nil {
		return nil, fmt.Errorf("rabbitmq bind %s to %s: %w", q.Name, key, err)
	}
	if t.cfg.Prefetch > 0 {
		if err := t.ch.Qos(t.cfg.Prefetch, 0, false); err != nil {
			return nil, fmt.Errorf("rabbitmq qos: %w", err)
		}
	}

	tag := fmt.Sprintf("eventbus-%d", t.tagSeq.Add(1))
	deliveries, err := t.ch.Consume(q.Name, tag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq consume %s: %w", q.Name, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	s := &subscription{t: t, tag: tag, cancel: cancel, done: make(chan struct{})}
	t.subs = append(t.subs, s)

	go func() {
		defer close(s.done)
		for {
			select {
			case <-subCtx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				fn(subCtx, newDelivery(d))
			}
		}
	}()

	t.logger.Debug("rabbitmq subscription started",
		zap.String("queue", q.Name),
		zap.String("binding", key),
	)
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

	var errs []error
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := t.ch.Close(); err != nil {
		errs = append(errs, err)
	}
	if t.closeFn != nil {
		if err := t.closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type subscription struct {
	t      *Transport
	tag    string
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.err = s.t.ch.Cancel(s.tag, false)
		s.cancel()
		<-s.done
	})
	return s.err
}

type delivery struct {
	d       amqp.Delivery
	key     string
	headers map[string]string
}

func newDelivery(d amqp.Delivery) *delivery {
	out := &delivery{d: d}
	if len(d.Headers) > 0 {
		out.headers = make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			if s, ok := v.(string); ok {
				out.headers[k] = s
			}
		}
		out.key = out.headers[keyHeader]
	}
	return out
}

func (d *delivery) Topic() string              { return d.d.RoutingKey }
func (d *delivery) Key() string                { return d.key }
func (d *delivery) Body() []byte               { return d.d.Body }
func (d *delivery) Headers() map[string]string { return d.headers }

func (d *delivery) Ack(context.Context) error {
	return d.d.Ack(false)
}

func (d *delivery) Nack(_ context.Context, requeue bool) error {
	return d.d.Nack(false, requeue)
}

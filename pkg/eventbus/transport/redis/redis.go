// Package redis adapts Redis pub/sub to transport.Transport.
//
// Redis pub/sub has no acknowledgements: Ack is a no-op and Nack with requeue
// publishes the message again. Use it where losing messages during a
// subscriber outage is acceptable, or pair it with the durable store for
// replay.
package redis

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/randalmurphal/eventbus/pkg/eventbus/transport"
)

// Client is the subset of Redis the adapter needs.
type Client interface {
	Publish(ctx context.Context, channel string, data []byte) error

	// PSubscribe subscribes to a glob pattern and returns the message
	// channel and a function that ends the subscription.
	PSubscribe(ctx context.Context, pattern string) (<-chan *redis.Message, func() error, error)

	Close() error
}

// Config for a real Redis connection.
type Config struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

type goRedisClient struct {
	c redis.UniversalClient
}

func (g goRedisClient) Publish(ctx context.Context, channel string, data []byte) error {
	return g.c.Publish(ctx, channel, data).Err()
}

func (g goRedisClient) PSubscribe(ctx context.Context, pattern string) (<-chan *redis.Message, func() error, error) {
	ps := g.c.PSubscribe(ctx, pattern)
	// Wait for confirmation so messages published after Subscribe returns
	// are not missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, err
	}
	return ps.Channel(), ps.Close, nil
}

func (g goRedisClient) Close() error {
	return g.c.Close()
}

// Transport publishes with PUBLISH and consumes with PSUBSCRIBE.
type Transport struct {
	client Client
	logger *zap.Logger

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

// New creates a transport over an injected client.
func New(c Client, opts ...Option) *Transport {
	t := &Transport{client: c, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NewWithClient wraps an existing go-redis client.
func NewWithClient(c redis.UniversalClient, opts ...Option) *Transport {
	return New(goRedisClient{c: c}, opts...)
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, cfg Config, opts ...Option) (*Transport, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("%w: redis addr required", transport.ErrNotConnected)
	}
	c := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("%w: redis ping: %w", transport.ErrNotConnected, err)
	}
	return NewWithClient(c, opts...), nil
}

// Ensure Transport implements the contract.
var _ transport.Transport = (*Transport)(nil)

// Publish implements transport.Transport. Key and headers are not carried:
// the envelope body already contains everything consumers need.
func (t *Transport) Publish(ctx context.Context, msg transport.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.client == nil {
		return transport.ErrNotConnected
	}
	if err := t.client.Publish(ctx, msg.Topic, msg.Body); err != nil {
		return transport.WrapPublishError("redis", msg.Topic, err)
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
	if t.client == nil {
		return nil, transport.ErrNotConnected
	}

	ch, closeFn, err := t.client.PSubscribe(ctx, pattern)
	if err != nil {
		return nil, fmt.Errorf("redis psubscribe %s: %w", pattern, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	s := &subscription{
		t:       t,
		closeFn: closeFn,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	t.subs = append(t.subs, s)

	go func() {
		defer close(s.done)
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				fn(subCtx, &delivery{t: t, topic: msg.Channel, body: []byte(msg.Payload)})
			}
		}
	}()

	t.logger.Debug("redis subscription started", zap.String("pattern", pattern))
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
	if t.client == nil {
		return nil
	}
	return t.client.Close()
}

type subscription struct {
	t       *Transport
	closeFn func() error
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	err     error
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		s.err = s.closeFn()
		<-s.done
	})
	return s.err
}

type delivery struct {
	t     *Transport
	topic string
	body  []byte
}

func (d *delivery) Topic() string              { return d.topic }
func (d *delivery) Key() string                { return "" }
func (d *delivery) Body() []byte               { return d.body }
func (d *delivery) Headers() map[string]string { return nil }

func (d *delivery) Ack(context.Context) error { return nil }

func (d *delivery) Nack(ctx context.Context, requeue bool) error {
	if !requeue {
		return nil
	}
	return d.t.Publish(ctx, transport.Message{Topic: d.topic, Body: d.body})
}

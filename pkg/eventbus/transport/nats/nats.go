// Package nats adapts core NATS to transport.Transport.
//
// Core NATS is at-most-once: Ack is a no-op and Nack with requeue publishes
// the message again. Subscribers in the same queue group share the load.
package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/randalmurphal/eventbus/pkg/eventbus/transport"
)

// KeyHeader carries transport.Message.Key.
const KeyHeader = "Eventbus-Key"

// Conn is the subset of a NATS connection the adapter needs.
type Conn interface {
	Publish(msg *nats.Msg) error
	Subscribe(subject, queue string, cb nats.MsgHandler) (unsubscribe func() error, err error)
	Close()
}

// Config for a real NATS connection.
type Config struct {
	URL           string        `mapstructure:"url" yaml:"url"`
	Name          string        `mapstructure:"name" yaml:"name"`
	ConnTimeout   time.Duration `mapstructure:"conn_timeout" yaml:"conn_timeout"`
	MaxReconnects int           `mapstructure:"max_reconnects" yaml:"max_reconnects"`

	// Queue is the queue group for subscriptions; empty means fan-out.
	Queue string `mapstructure:"queue" yaml:"queue"`
}

type natsConn struct{ nc *nats.Conn }

func (c natsConn) Publish(msg *nats.Msg) error {
	if err := c.nc.PublishMsg(msg); err != nil {
		return err
	}
	return c.nc.Flush()
}

func (c natsConn) Subscribe(subject, queue string, cb nats.MsgHandler) (func() error, error) {
	var (
		sub *nats.Subscription
		err error
	)
	if queue != "" {
		sub, err = c.nc.QueueSubscribe(subject, queue, cb)
	} else {
		sub, err = c.nc.Subscribe(subject, cb)
	}
	if err != nil {
		return nil, err
	}
	return sub.Unsubscribe, nil
}

func (c natsConn) Close() {
	if c.nc != nil && !c.nc.IsClosed() {
		_ = c.nc.Drain() //nolint:errcheck // best-effort shutdown
		c.nc.Close()
	}
}

// Transport publishes and subscribes on NATS subjects equal to topics.
type Transport struct {
	conn   Conn
	queue  string
	logger *zap.Logger

	mu     sync.Mutex
	subs   []*subscription
	closed bool
}

// Option configures a Transport.
type Option func(*Transport)

// WithQueue sets the queue group used by Subscribe.
func WithQueue(queue string) Option {
	return func(t *Transport) {
		t.queue = queue
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// New creates a transport over an injected connection.
func New(c Conn, opts ...Option) *Transport {
	t := &Transport{conn: c, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Dial creates a real NATS connection.
func Dial(cfg Config, opts ...Option) (*Transport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: nats url required", transport.ErrNotConnected)
	}

	natsOpts := []nats.Option{}
	if cfg.Name != "" {
		natsOpts = append(natsOpts, nats.Name(cfg.Name))
	}
	if cfg.ConnTimeout > 0 {
		natsOpts = append(natsOpts, nats.Timeout(cfg.ConnTimeout))
	}
	if cfg.MaxReconnects != 0 {
		natsOpts = append(natsOpts, nats.MaxReconnects(cfg.MaxReconnects))
	}

	nc, err := nats.Connect(cfg.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: nats connect: %w", transport.ErrNotConnected, err)
	}
	if cfg.Queue != "" {
		opts = append([]Option{WithQueue(cfg.Queue)}, opts...)
	}
	return New(natsConn{nc: nc}, opts...), nil
}

// Ensure Transport implements the contract.
var _ transport.Transport = (*Transport)(nil)

// Subject translates a topic pattern into a NATS subject. A trailing "*"
// segment becomes ">" so "events.*" also matches deeper topics.
func Subject(pattern string) (string, error) {
	parts := strings.Split(pattern, ".")
	for i, p := range parts {
		if p == "*" {
			if i == len(parts)-1 {
				parts[i] = ">"
			}
			continue
		}
		if strings.ContainsAny(p, "*?[") {
			return "", fmt.Errorf("nats: unsupported wildcard in %q", pattern)
		}
	}
	return strings.Join(parts, "."), nil
}

// Publish implements transport.Transport.
func (t *Transport) Publish(ctx context.Context, msg transport.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.conn == nil {
		return transport.ErrNotConnected
	}

	m := &nats.Msg{Subject: msg.Topic, Data: msg.Body}
	if msg.Key != "" || len(msg.Headers) > 0 {
		m.Header = nats.Header{}
		for k, v := range msg.Headers {
			m.Header.Set(k, v)
		}
		if msg.Key != "" {
			m.Header.Set(KeyHeader, msg.Key)
		}
	}

	if err := t.conn.Publish(m); err != nil {
		return transport.WrapPublishError("nats", msg.Topic, err)
	}
	return nil
}

// Subscribe implements transport.Transport.
func (t *Transport) Subscribe(ctx context.Context, pattern string, fn transport.DeliveryFunc) (transport.Subscription, error) {
	subject, err := Subject(pattern)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, transport.ErrClosed
	}
	if t.conn == nil {
		return nil, transport.ErrNotConnected
	}

	subCtx, cancel := context.WithCancel(ctx)
	unsubscribe, err := t.conn.Subscribe(subject, t.queue, func(m *nats.Msg) {
		if subCtx.Err() != nil || !transport.MatchTopic(pattern, m.Subject) {
			return
		}
		fn(subCtx, newDelivery(t, m))
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	s := &subscription{unsubscribe: unsubscribe, cancel: cancel}
	t.subs = append(t.subs, s)
	t.logger.Debug("nats subscription started",
		zap.String("subject", subject),
		zap.String("queue", t.queue),
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
	if t.conn != nil {
		t.conn.Close()
	}
	return errors.Join(errs...)
}

type subscription struct {
	unsubscribe func() error
	cancel      context.CancelFunc
	once        sync.Once
	err         error
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		s.err = s.unsubscribe()
	})
	return s.err
}

type delivery struct {
	t       *Transport
	topic   string
	key     string
	body    []byte
	headers map[string]string
}

func newDelivery(t *Transport, m *nats.Msg) *delivery {
	d := &delivery{t: t, topic: m.Subject, body: m.Data}
	if len(m.Header) > 0 {
		d.headers = make(map[string]string, len(m.Header))
		for k := range m.Header {
			d.headers[k] = m.Header.Get(k)
		}
		d.key = m.Header.Get(KeyHeader)
	}
	return d
}

func (d *delivery) Topic() string              { return d.topic }
func (d *delivery) Key() string                { return d.key }
func (d *delivery) Body() []byte               { return d.body }
func (d *delivery) Headers() map[string]string { return d.headers }

func (d *delivery) Ack(context.Context) error { return nil }

func (d *delivery) Nack(ctx context.Context, requeue bool) error {
	if !requeue {
		return nil
	}
	return d.t.Publish(ctx, transport.Message{Topic: d.topic, Key: d.key, Body: d.body, Headers: d.headers})
}

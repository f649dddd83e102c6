// Package memory provides an in-process transport for tests, examples and
// single-binary deployments.
package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randalmurphal/eventbus/pkg/eventbus/transport"
)

const (
	defaultBuffer          = 1024
	defaultRedeliveryDelay = 10 * time.Millisecond
)

// Stats counts what the transport has seen.
type Stats struct {
	Published int64
	Delivered int64
	Acked     int64
	Nacked    int64
}

// Transport is a thread-safe in-memory transport. Each subscription has its
// own buffered queue and goroutine; Publish blocks when a queue is full.
type Transport struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int
	closed bool

	buffer          int
	redeliveryDelay time.Duration

	recMu     sync.Mutex
	published []transport.Message

	nPublished atomic.Int64
	nDelivered atomic.Int64
	nAcked     atomic.Int64
	nNacked    atomic.Int64
}

// Option configures a Transport.
type Option func(*Transport)

// WithBuffer sets the per-subscription queue size.
func WithBuffer(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.buffer = n
		}
	}
}

// WithRedeliveryDelay sets the delay before a requeued delivery is retried.
func WithRedeliveryDelay(d time.Duration) Option {
	return func(t *Transport) {
		t.redeliveryDelay = d
	}
}

// New creates a new in-memory transport.
func New(opts ...Option) *Transport {
	t := &Transport{
		subs:            make(map[int]*subscription),
		buffer:          defaultBuffer,
		redeliveryDelay: defaultRedeliveryDelay,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Ensure Transport implements the contract.
var _ transport.Transport = (*Transport)(nil)

// Publish implements transport.Transport.
func (t *Transport) Publish(ctx context.Context, msg transport.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return transport.ErrClosed
	}
	var targets []*subscription
	for _, s := range t.subs {
		if transport.MatchTopic(s.pattern, msg.Topic) {
			targets = append(targets, s)
		}
	}
	t.mu.RUnlock()

	// Copy body to avoid retaining the caller's slice
	stored := transport.Message{
		Topic:   msg.Topic,
		Key:     msg.Key,
		Body:    append([]byte(nil), msg.Body...),
		Headers: transport.CopyHeaders(msg.Headers),
	}

	t.recMu.Lock()
	t.published = append(t.published, stored)
	t.recMu.Unlock()
	t.nPublished.Add(1)

	for _, s := range targets {
		if err := s.enqueue(ctx, &delivery{sub: s, msg: stored}); err != nil {
			return err
		}
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

	subCtx, cancel := context.WithCancel(ctx)
	s := &subscription{
		t:       t,
		id:      t.nextID,
		pattern: pattern,
		fn:      fn,
		queue:   make(chan *delivery, t.buffer),
		ctx:     subCtx,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
	t.nextID++
	t.subs[s.id] = s
	go s.run()
	return s, nil
}

// Published returns a copy of every message published so far.
func (t *Transport) Published() []transport.Message {
	t.recMu.Lock()
	defer t.recMu.Unlock()
	out := make([]transport.Message, len(t.published))
	copy(out, t.published)
	return out
}

// Stats returns delivery counters.
func (t *Transport) Stats() Stats {
	return Stats{
		Published: t.nPublished.Load(),
		Delivered: t.nDelivered.Load(),
		Acked:     t.nAcked.Load(),
		Nacked:    t.nNacked.Load(),
	}
}

// Close implements transport.Transport. Subscriptions stop; queued
// deliveries are dropped.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := make([]*subscription, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	t.subs = make(map[int]*subscription)
	t.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	return nil
}

func (t *Transport) remove(id int) {
	t.mu.Lock()
	delete(t.subs, id)
	t.mu.Unlock()
}

type subscription struct {
	t       *Transport
	id      int
	pattern string
	fn      transport.DeliveryFunc
	queue   chan *delivery

	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}
	once    sync.Once
}

func (s *subscription) run() {
	defer close(s.stopped)
	for {
		select {
		case <-s.ctx.Done():
			return
		case d := <-s.queue:
			s.t.nDelivered.Add(1)
			s.fn(s.ctx, d)
		}
	}
}

func (s *subscription) enqueue(ctx context.Context, d *delivery) error {
	select {
	case s.queue <- d:
		return nil
	case <-s.ctx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *subscription) stop() {
	s.once.Do(func() {
		s.cancel()
		<-s.stopped
	})
}

// Unsubscribe implements transport.Subscription.
func (s *subscription) Unsubscribe() error {
	s.t.remove(s.id)
	s.stop()
	return nil
}

const (
	statePending int32 = iota
	stateAcked
	stateNacked
)

type delivery struct {
	sub     *subscription
	msg     transport.Message
	attempt int
	state   atomic.Int32
}

func (d *delivery) Topic() string              { return d.msg.Topic }
func (d *delivery) Key() string                { return d.msg.Key }
func (d *delivery) Body() []byte               { return d.msg.Body }
func (d *delivery) Headers() map[string]string { return d.msg.Headers }

func (d *delivery) Ack(context.Context) error {
	if d.state.CompareAndSwap(statePending, stateAcked) {
		d.sub.t.nAcked.Add(1)
	}
	return nil
}

func (d *delivery) Nack(_ context.Context, requeue bool) error {
	if !d.state.CompareAndSwap(statePending, stateNacked) {
		return nil
	}
	d.sub.t.nNacked.Add(1)
	if !requeue {
		return nil
	}
	next := &delivery{sub: d.sub, msg: d.msg, attempt: d.attempt + 1}
	time.AfterFunc(d.sub.t.redeliveryDelay, func() {
		_ = d.sub.enqueue(context.Background(), next)
	})
	return nil
}

// Package dispatcher consumes events from a transport and delivers them to
// registered handlers.
//
// Each handler has its own priority lanes and workers, so a slow or failing
// handler never holds up another. Within one handler, events of the same
// aggregate run one at a time in ascending sequence order. A broker delivery
// is acked once every matching handler reached a terminal state.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	buserrors "github.com/randalmurphal/eventbus/pkg/eventbus/errors"
	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
	"github.com/randalmurphal/eventbus/pkg/eventbus/ledger"
	"github.com/randalmurphal/eventbus/pkg/eventbus/observability"
	"github.com/randalmurphal/eventbus/pkg/eventbus/store"
	"github.com/randalmurphal/eventbus/pkg/eventbus/transport"
)

type lifecycle int

const (
	stateIdle lifecycle = iota
	stateRunning
	stateStopped
)

// Dispatcher routes deliveries to handlers. It is safe for concurrent use.
type Dispatcher struct {
	cfg       Config
	transport transport.Transport
	ledger    ledger.Ledger
	store     store.Store
	registry  *event.Registry
	logger    *zap.Logger
	metrics   observability.MetricsRecorder
	spans     observability.SpanManager
	now       func() time.Time
	sem       *semaphore.Weighted
	tenants   map[string]bool

	mu      sync.RWMutex
	runners map[string]*runner
	order   []*runner
	state   lifecycle
	sub     transport.Subscription

	workCtx      context.Context
	workCancel   context.CancelFunc
	healthCancel context.CancelFunc
	workers      sync.WaitGroup
	background   sync.WaitGroup

	received atomic.Int64
	corrupt  atomic.Int64
	rejected atomic.Int64
	ignored  atomic.Int64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithStore enables dead-letter capture and Replay.
func WithStore(s store.Store) Option {
	return func(d *Dispatcher) {
		d.store = s
	}
}

// WithRegistry rejects events whose schema version cannot be read.
func WithRegistry(r *event.Registry) Option {
	return func(d *Dispatcher) {
		d.registry = r
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(d *Dispatcher) {
		if m != nil {
			d.metrics = m
		}
	}
}

// WithSpanManager enables tracing.
func WithSpanManager(s observability.SpanManager) Option {
	return func(d *Dispatcher) {
		if s != nil {
			d.spans = s
		}
	}
}

// WithClock overrides time.Now for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// New creates a dispatcher. The transport and ledger are required.
func New(t transport.Transport, l ledger.Ledger, cfg Config, opts ...Option) (*Dispatcher, error) {
	if t == nil {
		return nil, errors.New("dispatcher: transport is required")
	}
	if l == nil {
		return nil, errors.New("dispatcher: ledger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	d := &Dispatcher{
		cfg:       cfg,
		transport: t,
		ledger:    l,
		logger:    zap.NewNop(),
		metrics:   observability.NoopMetrics{},
		spans:     observability.NoopSpanManager{},
		now:       time.Now,
		sem:       semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		runners:   make(map[string]*runner),
	}
	if len(cfg.Tenants) > 0 {
		d.tenants = make(map[string]bool, len(cfg.Tenants))
		for _, t := range cfg.Tenants {
			d.tenants[t] = true
		}
	}
	for _, opt := range opts {
		opt(d)
	}
	d.workCtx, d.workCancel = context.WithCancel(context.Background())
	return d, nil
}

// Config returns the effective configuration.
func (d *Dispatcher) Config() Config {
	return d.cfg
}

// Register adds a handler. Names must be unique. Handlers registered after
// Start begin work immediately.
func (d *Dispatcher) Register(h Handler) error {
	if h == nil || h.Name() == "" {
		return buserrors.New("register", "", fmt.Errorf("%w: handler name", buserrors.ErrMissingRequiredField))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == stateStopped {
		return buserrors.New("register", "", buserrors.ErrClosed)
	}
	if _, ok := d.runners[h.Name()]; ok {
		return &buserrors.BusError{Op: "register", Handler: h.Name(), Err: buserrors.ErrDuplicateHandlerName}
	}

	r := newRunner(d, h)
	d.runners[r.name] = r
	d.order = append(d.order, r)
	slices.SortStableFunc(d.order, func(a, b *runner) int {
		return b.h.Priority() - a.h.Priority()
	})
	if d.state == stateRunning {
		r.start(d.workCtx, &d.workers)
	}

	d.logger.Info("handler registered",
		zap.String("handler", r.name),
		zap.Strings("event_types", h.EventTypes()),
		zap.Int("workers", r.workers))
	return nil
}

// Handlers returns the registered handler names in routing order.
func (d *Dispatcher) Handlers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, len(d.order))
	for i, r := range d.order {
		names[i] = r.name
	}
	return names
}

// Start launches the handler workers, subscribes to the configured pattern
// and starts the health poller.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case stateRunning:
		return errors.New("dispatcher: already started")
	case stateStopped:
		return buserrors.New("start", "", buserrors.ErrClosed)
	}

	for _, r := range d.order {
		r.start(d.workCtx, &d.workers)
	}

	sub, err := d.transport.Subscribe(ctx, d.cfg.Pattern, d.onDelivery)
	if err != nil {
		d.workCancel()
		for _, r := range d.order {
			r.stop()
		}
		d.state = stateStopped
		return fmt.Errorf("dispatcher: subscribe %s: %w", d.cfg.Pattern, err)
	}
	d.sub = sub

	healthCtx, cancel := context.WithCancel(d.workCtx)
	d.healthCancel = cancel
	d.background.Add(1)
	go func() {
		defer d.background.Done()
		d.healthLoop(healthCtx)
	}()

	d.state = stateRunning
	d.logger.Info("dispatcher started",
		zap.String("pattern", d.cfg.Pattern),
		zap.Int("handlers", len(d.order)))
	return nil
}

// Stop unsubscribes at once, waits up to GracePeriod (or ctx) for running
// handler invocations, then cancels them. Queued work that never started is
// returned to the broker for redelivery.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	prev := d.state
	d.state = stateStopped
	sub := d.sub
	runners := slices.Clone(d.order)
	d.mu.Unlock()

	if prev != stateRunning {
		d.workCancel()
		return nil
	}

	var errs []error
	if err := sub.Unsubscribe(); err != nil {
		errs = append(errs, fmt.Errorf("unsubscribe: %w", err))
	}
	d.healthCancel()

	for _, r := range runners {
		for _, item := range r.stop() {
			r.deferred.Add(1)
			for _, fn := range item.report {
				fn(StateDeferred)
			}
		}
	}

	done := make(chan struct{})
	go func() {
		d.workers.Wait()
		close(done)
	}()

	grace := time.NewTimer(d.cfg.GracePeriod)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		d.workCancel()
		<-done
		errs = append(errs, fmt.Errorf("grace period %s exceeded, in-flight handlers cancelled", d.cfg.GracePeriod))
	case <-ctx.Done():
		d.workCancel()
		<-done
		errs = append(errs, ctx.Err())
	}
	d.workCancel()
	d.background.Wait()

	d.logger.Info("dispatcher stopped")
	return errors.Join(errs...)
}

// onDelivery is the transport callback. It routes and returns; the delivery
// is settled when the last handler finishes.
func (d *Dispatcher) onDelivery(ctx context.Context, del transport.Delivery) {
	d.received.Add(1)
	settleCtx := context.WithoutCancel(ctx)

	env, err := event.Decode(del.Body())
	if err != nil {
		d.rejected.Add(1)
		d.logger.Warn("undecodable message discarded",
			zap.String("topic", del.Topic()), zap.Error(err))
		d.settle(del, del.Nack(settleCtx, false))
		return
	}

	c := newCompletion(func(deferred bool) {
		if deferred {
			d.settle(del, del.Nack(settleCtx, true))
			return
		}
		d.settle(del, del.Ack(settleCtx))
	}, nil)

	if err := d.route(d.workCtx, env, del.Topic(), c); err != nil {
		d.settle(del, del.Nack(settleCtx, false))
		return
	}
	c.release()
}

func (d *Dispatcher) settle(del transport.Delivery, err error) {
	if err != nil {
		d.logger.Warn("delivery settle failed",
			zap.String("topic", del.Topic()), zap.Error(err))
	}
}

// route verifies env and queues it for every matching handler. An error
// means the event must not be processed at all.
func (d *Dispatcher) route(ctx context.Context, env *event.Envelope, topic string, c *completion) error {
	evt, err := env.DomainEvent()
	if err != nil {
		d.rejected.Add(1)
		d.logger.Warn("envelope rejected", zap.String("topic", topic), zap.Error(err))
		return err
	}
	if err := evt.Verify(); err != nil {
		d.corrupt.Add(1)
		observability.LogCorruptEvent(d.logger, topic, env, err)
		return err
	}
	if d.registry != nil {
		if err := d.registry.Check(evt); err != nil {
			d.rejected.Add(1)
			d.logger.Warn("event rejected by schema check",
				append(observability.EventFields(env), zap.Error(err))...)
			return err
		}
	}
	if !d.inScope(evt) {
		d.ignored.Add(1)
		return nil
	}

	d.mu.RLock()
	runners := slices.Clone(d.order)
	d.mu.RUnlock()

	key := ""
	if evt.AggregateID() != "" {
		key = evt.Key().String()
	}
	for _, r := range runners {
		if env.Target != "" && env.Target != r.name {
			continue
		}
		if !handles(r.h, evt.Type()) {
			continue
		}
		if env.Target == "" {
			done, err := d.ledger.Delivered(ctx, env.EventID(), r.name)
			if err != nil {
				d.logger.Warn("delivery record lookup failed, dispatching anyway",
					zap.String("event_id", env.EventID()),
					zap.String("handler", r.name),
					zap.Error(err))
			} else if done {
				r.duplicates.Add(1)
				observability.LogDuplicate(d.logger, env, r.name)
				c.add()
				c.report(StateSkipped)
				continue
			}
		}

		c.add()
		// Each handler counts its own attempts on a private copy.
		item := &workItem{
			ctx:     c.ctx(ctx),
			env:     env.Clone(),
			evt:     evt,
			topic:   topic,
			key:     key,
			ordered: key != "" && evt.Sequence() > 0 && env.Target == "",
			report:  []func(DeliveryState){c.report},
		}
		if !r.enqueue(item) {
			r.deferred.Add(1)
			c.report(StateDeferred)
		}
	}
	return nil
}

func (d *Dispatcher) inScope(evt *event.DomainEvent) bool {
	if d.tenants == nil || event.IsGlobal(evt.Type()) {
		return true
	}
	return d.tenants[evt.TenantID()]
}

// healthLoop polls every handler at HealthInterval.
func (d *Dispatcher) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.CheckHealth(ctx)
		}
	}
}

// CheckHealth polls every handler once and applies the result. Unhealthy
// handlers are paused until a later poll reports otherwise. It returns the
// health per handler.
func (d *Dispatcher) CheckHealth(ctx context.Context) map[string]Health {
	d.mu.RLock()
	runners := slices.Clone(d.order)
	d.mu.RUnlock()

	out := make(map[string]Health, len(runners))
	for _, r := range runners {
		hctx, cancel := context.WithTimeout(ctx, d.cfg.HandlerTimeout)
		h := r.h.HealthCheck(hctx)
		cancel()
		r.setHealth(h)
		out[r.name] = h
	}
	return out
}

// completion settles one routed event once every handler item reported.
// It starts with one reference held by the router, dropped by release.
type completion struct {
	remaining atomic.Int32
	deferred  atomic.Bool
	onDone    func(deferred bool)
	onReport  func(DeliveryState)
	cancelCtx context.Context
}

func newCompletion(onDone func(deferred bool), onReport func(DeliveryState)) *completion {
	c := &completion{onDone: onDone, onReport: onReport}
	c.remaining.Store(1)
	return c
}

// ctx returns the context handler items of this completion run under.
func (c *completion) ctx(parent context.Context) context.Context {
	if c.cancelCtx != nil {
		return c.cancelCtx
	}
	return parent
}

func (c *completion) add() {
	c.remaining.Add(1)
}

func (c *completion) report(s DeliveryState) {
	if c.onReport != nil {
		c.onReport(s)
	}
	if s == StateDeferred {
		c.deferred.Store(true)
	}
	c.done()
}

func (c *completion) release() {
	c.done()
}

func (c *completion) done() {
	if c.remaining.Add(-1) == 0 && c.onDone != nil {
		c.onDone(c.deferred.Load())
	}
}

package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/randalmurphal/eventbus/pkg/eventbus/config"
	"github.com/randalmurphal/eventbus/pkg/eventbus/dispatcher"
	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
	"github.com/randalmurphal/eventbus/pkg/eventbus/ledger"
	"github.com/randalmurphal/eventbus/pkg/eventbus/observability"
	"github.com/randalmurphal/eventbus/pkg/eventbus/publisher"
	"github.com/randalmurphal/eventbus/pkg/eventbus/store"
	"github.com/randalmurphal/eventbus/pkg/eventbus/transport"
)

// Bus owns one producer and one consumer sharing a transport, ledger and
// store, plus the scheduled maintenance jobs.
type Bus struct {
	cfg    config.BusConfig
	logger *zap.Logger

	transport transport.Transport
	ledger    ledger.Ledger
	store     store.Store

	publisher  *publisher.Publisher
	dispatcher *dispatcher.Dispatcher

	cron    *cron.Cron
	started bool
	runCtx  context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	closers []func() error
}

// Option configures New.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	metrics    observability.MetricsRecorder
	spans      observability.SpanManager
	registry   *event.Registry
	ledger     ledger.Ledger
	store      store.Store
	registerer prometheus.Registerer
	topicFn    event.TopicFunc
	now        func() time.Time
}

// WithLogger replaces the logger built from the log section.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics replaces the recorders built from the metrics section.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(o *options) { o.metrics = m }
}

// WithSpanManager replaces the tracer built from the metrics section.
func WithSpanManager(s observability.SpanManager) Option {
	return func(o *options) { o.spans = s }
}

// WithRegistry checks schema versions on both sides.
func WithRegistry(r *event.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithLedger uses l instead of the configured ledger. The bus closes it.
func WithLedger(l ledger.Ledger) Option {
	return func(o *options) { o.ledger = l }
}

// WithStore uses s instead of the configured store. The bus closes it.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithPrometheusRegisterer registers Prometheus collectors with reg
// instead of the default registerer.
func WithPrometheusRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithTopicFunc sets the publisher's topic scheme.
func WithTopicFunc(fn event.TopicFunc) Option {
	return func(o *options) { o.topicFn = fn }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New wires a bus from cfg. A nil transport is opened from cfg.Transport
// and closed by Stop; a caller-supplied transport stays open.
func New(ctx context.Context, cfg config.BusConfig, t transport.Transport, opts ...Option) (*Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &options{now: time.Now}
	for _, opt := range opts {
		opt(o)
	}

	b := &Bus{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			_ = b.closeAll()
		}
	}()

	if o.logger != nil {
		b.logger = o.logger
	} else {
		logger, err := observability.NewLogger(cfg.Log)
		if err != nil {
			return nil, fmt.Errorf("logger: %w", err)
		}
		b.logger = logger
		b.onClose(func() error {
			_ = logger.Sync()
			return nil
		})
	}

	metrics, spans, err := buildTelemetry(cfg.Metrics, o)
	if err != nil {
		return nil, err
	}

	if o.store != nil {
		b.store = o.store
		b.onClose(o.store.Close)
	} else if b.store, err = b.openStore(cfg.Store); err != nil {
		return nil, err
	}

	if o.ledger != nil {
		b.ledger = o.ledger
		b.onClose(o.ledger.Close)
	} else if b.ledger, err = b.openLedger(ctx, cfg.Ledger, cfg.Publisher.DeduplicationWindow); err != nil {
		return nil, err
	}

	if t == nil {
		if t, err = OpenTransport(ctx, cfg.Transport, b.logger); err != nil {
			return nil, err
		}
		b.onClose(t.Close)
	}
	b.transport = t

	pubOpts := []publisher.Option{
		publisher.WithLogger(b.logger.Named("publisher")),
		publisher.WithMetrics(metrics),
		publisher.WithSpanManager(spans),
		publisher.WithClock(o.now),
	}
	dispOpts := []dispatcher.Option{
		dispatcher.WithLogger(b.logger.Named("dispatcher")),
		dispatcher.WithMetrics(metrics),
		dispatcher.WithSpanManager(spans),
		dispatcher.WithClock(o.now),
	}
	if b.store != nil {
		pubOpts = append(pubOpts, publisher.WithStore(b.store))
		dispOpts = append(dispOpts, dispatcher.WithStore(b.store))
	}
	if o.registry != nil {
		pubOpts = append(pubOpts, publisher.WithRegistry(o.registry))
		dispOpts = append(dispOpts, dispatcher.WithRegistry(o.registry))
	}
	if o.topicFn != nil {
		pubOpts = append(pubOpts, publisher.WithTopicFunc(o.topicFn))
	}

	if b.publisher, err = publisher.New(t, b.ledger, cfg.Publisher, pubOpts...); err != nil {
		return nil, err
	}
	if b.dispatcher, err = dispatcher.New(t, b.ledger, cfg.Dispatcher, dispOpts...); err != nil {
		return nil, err
	}

	b.runCtx, b.cancel = context.WithCancel(context.Background())
	if err := b.schedule(cfg.Maintenance); err != nil {
		b.cancel()
		return nil, err
	}

	ok = true
	return b, nil
}

func buildTelemetry(cfg config.MetricsConfig, o *options) (observability.MetricsRecorder, observability.SpanManager, error) {
	metrics := o.metrics
	if metrics == nil {
		var recorders []observability.MetricsRecorder
		if cfg.OpenTelemetry {
			recorders = append(recorders, observability.NewMetricsRecorder())
		}
		if cfg.Prometheus {
			prom, err := observability.NewPrometheusMetrics(cfg.Namespace, o.registerer)
			if err != nil {
				return nil, nil, fmt.Errorf("prometheus metrics: %w", err)
			}
			recorders = append(recorders, prom)
		}
		metrics = observability.Multi(recorders...)
	}

	spans := o.spans
	if spans == nil {
		if cfg.Tracing {
			spans = observability.NewSpanManager()
		} else {
			spans = observability.NoopSpanManager{}
		}
	}
	return metrics, spans, nil
}

func (b *Bus) openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "", config.BackendNone:
		return nil, nil
	case config.BackendMemory:
		s := store.NewMemoryStore()
		b.onClose(s.Close)
		return s, nil
	case config.BackendSQLite:
		s, err := store.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		b.onClose(s.Close)
		return s, nil
	case config.BackendRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		b.onClose(client.Close)
		s := store.NewRedisStore(client, store.WithStorePrefix(cfg.Prefix), store.WithStreamMaxLen(cfg.StreamMaxLen))
		b.onClose(s.Close)
		return s, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

// openLedger opens the ledger backend. seenWindow, the publisher's
// deduplication window, bounds seen event ids; cfg.Window bounds delivery
// records.
func (b *Bus) openLedger(ctx context.Context, cfg config.LedgerConfig, seenWindow time.Duration) (ledger.Ledger, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		l, err := ledger.DialRedisLedger(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
			ledger.WithRedisPrefix(cfg.Prefix),
			ledger.WithRedisWindow(cfg.Window),
			ledger.WithRedisSeenWindow(seenWindow),
			ledger.WithRedisSequenceTTL(cfg.SequenceTTL))
		if err != nil {
			return nil, err
		}
		b.onClose(l.Close)
		return l, nil
	case "", config.BackendMemory:
		opts := []ledger.Option{
			ledger.WithWindow(cfg.Window),
			ledger.WithSeenWindow(seenWindow),
			ledger.WithSequenceTTL(cfg.SequenceTTL),
			ledger.WithLogger(b.logger.Named("ledger")),
		}
		cp, durable := b.store.(ledger.SequenceCheckpoint)
		if durable {
			opts = append(opts, ledger.WithCheckpoint(cp))
		}
		l := ledger.NewMemoryLedger(opts...)
		if durable {
			n, err := l.Restore(ctx)
			if err != nil {
				return nil, err
			}
			b.logger.Info("sequence watermarks restored", zap.Int("count", n))
		}
		b.onClose(l.Close)
		return l, nil
	}
	return nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
}

// schedule registers the maintenance jobs that have a spec.
func (b *Bus) schedule(cfg config.MaintenanceConfig) error {
	cl := cronLogger{b.logger.Named("maintenance").Sugar()}
	b.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	jobs := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{"ledger sweep", cfg.SweepSchedule, b.sweep},
		{"store purge", cfg.PurgeSchedule, b.purge},
		{"dead-letter redrive", cfg.RedriveSchedule, b.redrive},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		if _, err := b.cron.AddFunc(j.spec, func() {
			if err := j.run(b.runCtx); err != nil {
				b.logger.Warn("maintenance job failed", zap.String("job", j.name), zap.Error(err))
			}
		}); err != nil {
			return fmt.Errorf("schedule %s %q: %w", j.name, j.spec, err)
		}
	}
	return nil
}

func (b *Bus) sweep(ctx context.Context) error {
	n, err := b.ledger.Sweep(ctx)
	if err != nil {
		return err
	}
	b.logger.Debug("ledger swept", zap.Int("removed", n))
	return nil
}

func (b *Bus) purge(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	n, err := b.store.Purge(ctx, time.Now())
	if err != nil {
		return err
	}
	b.logger.Debug("store purged", zap.Int("removed", n))
	return nil
}

func (b *Bus) redrive(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	_, err := b.publisher.Redrive(ctx, store.Query{})
	return err
}

// RunMaintenance runs the ledger sweep, store purge and dead-letter
// redrive once, regardless of their schedules.
func (b *Bus) RunMaintenance(ctx context.Context) error {
	return errors.Join(b.sweep(ctx), b.purge(ctx), b.redrive(ctx))
}

// Register adds a handler to the dispatcher.
func (b *Bus) Register(h dispatcher.Handler) error {
	return b.dispatcher.Register(h)
}

// Publisher returns the producer.
func (b *Bus) Publisher() *publisher.Publisher { return b.publisher }

// Dispatcher returns the consumer.
func (b *Bus) Dispatcher() *dispatcher.Dispatcher { return b.dispatcher }

// Store returns the durable store, or nil when none is configured.
func (b *Bus) Store() store.Store { return b.store }

// Logger returns the bus logger.
func (b *Bus) Logger() *zap.Logger { return b.logger }

// Start starts the publish queue, the dispatcher and the maintenance jobs.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return errors.New("eventbus: already started")
	}
	if err := b.publisher.Start(ctx); err != nil {
		return err
	}
	if err := b.dispatcher.Start(ctx); err != nil {
		return err
	}
	b.cron.Start()
	b.started = true
	b.logger.Info("event bus started",
		zap.String("transport", b.cfg.Transport.Kind),
		zap.String("ledger", b.cfg.Ledger.Backend),
		zap.String("store", b.cfg.Store.Backend))
	return nil
}

// Stop stops consuming first, then drains the publish queue, then closes
// everything the bus opened.
func (b *Bus) Stop(ctx context.Context) error {
	var errs []error

	cronDone := b.cron.Stop()
	b.cancel()
	select {
	case <-cronDone.Done():
	case <-ctx.Done():
	}

	if err := b.dispatcher.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("dispatcher: %w", err))
	}
	if err := b.publisher.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("publisher: %w", err))
	}
	if err := b.closeAll(); err != nil {
		errs = append(errs, err)
	}
	b.logger.Info("event bus stopped")
	return errors.Join(errs...)
}

func (b *Bus) onClose(fn func() error) {
	b.mu.Lock()
	b.closers = append(b.closers, fn)
	b.mu.Unlock()
}

// closeAll runs closers in reverse order of registration.
func (b *Bus) closeAll() error {
	b.mu.Lock()
	closers := b.closers
	b.closers = nil
	b.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// cronLogger routes scheduler logs to zap.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}

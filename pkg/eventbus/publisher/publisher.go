// Package publisher admits domain events to the bus.
//
// Every publish runs the same pipeline:
//
//	verify digest -> dedup (ledger) -> sequence check (ledger) ->
//	rate limit -> size check -> broker write with retry -> dead-letter
//
// Failures after the sequence check roll the ledger back so the caller can
// try again, except a broker write that exhausted its retries: that keeps the
// sequence (the event is in the dead-letter store and will be redriven) and
// only forgets the id.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	buserrors "github.com/randalmurphal/eventbus/pkg/eventbus/errors"
	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
	"github.com/randalmurphal/eventbus/pkg/eventbus/ledger"
	"github.com/randalmurphal/eventbus/pkg/eventbus/observability"
	"github.com/randalmurphal/eventbus/pkg/eventbus/store"
	"github.com/randalmurphal/eventbus/pkg/eventbus/transport"
)

// Message headers set on every publish. Transports that cannot carry
// headers drop them; the envelope body holds the same information.
const (
	HeaderEventID   = "eventbus-event-id"
	HeaderEventType = "eventbus-event-type"
	HeaderPriority  = "eventbus-priority"
	HeaderAttempt   = "eventbus-attempt"
)

// Ack confirms the outcome of a publish.
type Ack struct {
	EventID string
	Topic   string

	// Duplicate is set when the event id was already published within the
	// deduplication window. Nothing was sent.
	Duplicate bool

	// Attempts is the number of broker writes made.
	Attempts    int
	PublishedAt time.Time
}

// Publisher sends events through a transport. It is safe for concurrent use.
type Publisher struct {
	cfg       Config
	transport transport.Transport
	ledger    ledger.Ledger
	store     store.Store
	registry  *event.Registry
	topicFn   event.TopicFunc
	limiter   *rate.Limiter
	retry     buserrors.RetryConfig
	logger    *zap.Logger
	metrics   observability.MetricsRecorder
	spans     observability.SpanManager
	onResult  func(Result)
	now       func() time.Time

	stats counters

	qmu     sync.Mutex
	queue   []queued
	flushCh chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	closed  atomic.Bool
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithStore enables the replay log and the dead-letter store.
func WithStore(s store.Store) Option {
	return func(p *Publisher) {
		p.store = s
	}
}

// WithRegistry rejects events that fail their schema check.
func WithRegistry(r *event.Registry) Option {
	return func(p *Publisher) {
		p.registry = r
	}
}

// WithTopicFunc overrides event.DefaultTopic.
func WithTopicFunc(fn event.TopicFunc) Option {
	return func(p *Publisher) {
		if fn != nil {
			p.topicFn = fn
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(p *Publisher) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithSpanManager enables tracing.
func WithSpanManager(s observability.SpanManager) Option {
	return func(p *Publisher) {
		if s != nil {
			p.spans = s
		}
	}
}

// WithResultHandler receives the outcome of every queued event.
func WithResultHandler(fn func(Result)) Option {
	return func(p *Publisher) {
		p.onResult = fn
	}
}

// WithClock overrides time.Now for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) {
		if now != nil {
			p.now = now
		}
	}
}

// New creates a publisher. The transport and ledger are required.
func New(t transport.Transport, l ledger.Ledger, cfg Config, opts ...Option) (*Publisher, error) {
	if t == nil {
		return nil, errors.New("publisher: transport is required")
	}
	if l == nil {
		return nil, errors.New("publisher: ledger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	limit := rate.Limit(cfg.MaxEventsPerSecond)
	if cfg.MaxEventsPerSecond < 0 {
		limit = rate.Inf
	}

	p := &Publisher{
		cfg:       cfg,
		transport: t,
		ledger:    l,
		topicFn:   event.DefaultTopic,
		limiter:   rate.NewLimiter(limit, cfg.Burst),
		retry:     cfg.retryConfig(),
		logger:    zap.NewNop(),
		metrics:   observability.NoopMetrics{},
		spans:     observability.NoopSpanManager{},
		now:       time.Now,
		flushCh:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Config returns the effective configuration.
func (p *Publisher) Config() Config {
	return p.cfg
}

// PublishOption configures a single publish.
type PublishOption func(*publishOptions)

type publishOptions struct {
	priority event.Priority
	topic    string
	headers  map[string]string
}

// WithPriority sets the envelope priority. Critical bypasses the rate limiter.
func WithPriority(pr event.Priority) PublishOption {
	return func(o *publishOptions) {
		o.priority = pr
	}
}

// WithTopic publishes on an explicit topic instead of the topic function's.
func WithTopic(topic string) PublishOption {
	return func(o *publishOptions) {
		o.topic = topic
	}
}

// WithHeaders adds transport headers.
func WithHeaders(h map[string]string) PublishOption {
	return func(o *publishOptions) {
		o.headers = h
	}
}

func applyOptions(opts []PublishOption) publishOptions {
	o := publishOptions{priority: event.PriorityNormal}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Publish sends one event.
//
// Errors wrap one of ErrCorruptEvent, ErrUnsupportedVersion, ErrOutOfOrder,
// ErrRateLimited, ErrPayloadTooLarge, ErrTransportFailure,
// ErrLedgerUnavailable or ErrClosed. A duplicate is not an error.
func (p *Publisher) Publish(ctx context.Context, evt *event.DomainEvent, opts ...PublishOption) (Ack, error) {
	if evt == nil {
		return Ack{}, buserrors.New("publish", "", fmt.Errorf("%w: nil event", buserrors.ErrMissingRequiredField))
	}
	if p.closed.Load() {
		return Ack{EventID: evt.ID()}, buserrors.New("publish", evt.ID(), buserrors.ErrClosed)
	}
	po := applyOptions(opts)
	return p.publish(ctx, event.NewEnvelope(evt, po.priority), po)
}

// PublishLegacy sends an untyped event from an older producer.
// Digest and sequence checks do not apply.
func (p *Publisher) PublishLegacy(ctx context.Context, legacy *event.LegacyEvent, opts ...PublishOption) (Ack, error) {
	if legacy == nil || legacy.EventType == "" {
		return Ack{}, buserrors.New("publish", "", fmt.Errorf("%w: legacy event type", buserrors.ErrMissingRequiredField))
	}
	if p.closed.Load() {
		return Ack{EventID: legacy.ID()}, buserrors.New("publish", legacy.ID(), buserrors.ErrClosed)
	}
	po := applyOptions(opts)
	return p.publish(ctx, event.NewLegacyEnvelope(legacy, po.priority), po)
}

// publish runs the pipeline without the closed check, so Close can drain
// the async queue.
func (p *Publisher) publish(ctx context.Context, env *event.Envelope, po publishOptions) (Ack, error) {
	topic := po.topic
	if topic == "" {
		topic = p.topicFn(env)
	}

	ctx, span := p.spans.StartPublishSpan(ctx, env, topic)
	ack, err := p.admit(ctx, env, topic, po)
	p.spans.EndSpanWithError(span, err)
	return ack, err
}

func (p *Publisher) admit(ctx context.Context, env *event.Envelope, topic string, po publishOptions) (Ack, error) {
	start := time.Now()
	id := env.EventID()
	evt := env.Event

	if evt != nil {
		if err := evt.Verify(); err != nil {
			return Ack{EventID: id}, p.reject(ctx, env, outcomeCorrupt, start, err)
		}
		if p.registry != nil {
			if err := p.registry.Check(evt); err != nil {
				return Ack{EventID: id}, p.reject(ctx, env, outcomeInvalid, start, err)
			}
		}
	}

	seen, err := p.ledger.MarkSeen(ctx, id)
	switch {
	case err != nil:
		p.logger.Warn("dedup check failed, publishing anyway",
			zap.String("event_id", id), zap.Error(err))
	case seen:
		p.stats.deduplicated.Add(1)
		p.metrics.RecordPublish(ctx, env.EventType(), outcomeDuplicate, time.Since(start))
		observability.LogDuplicate(p.logger, env, "")
		return Ack{EventID: id, Topic: topic, Duplicate: true}, nil
	}

	ordered := evt != nil && evt.Sequence() > 0
	if ordered {
		if err := p.ledger.Advance(ctx, ledger.PublishScope, evt.Key(), evt.Sequence(), id); err != nil {
			p.forget(ctx, id)
			outcome := outcomeFailed
			if errors.Is(err, buserrors.ErrOutOfOrder) {
				outcome = outcomeOutOfOrder
			}
			return Ack{EventID: id}, p.reject(ctx, env, outcome, start, err)
		}
	}
	rollback := func() {
		if ordered {
			if err := p.ledger.Release(context.WithoutCancel(ctx), ledger.PublishScope, evt.Key(), evt.Sequence()); err != nil {
				p.logger.Warn("sequence release failed", zap.String("event_id", id), zap.Error(err))
			}
		}
		p.forget(ctx, id)
	}

	if err := p.admitRate(ctx, env); err != nil {
		rollback()
		return Ack{EventID: id}, p.reject(ctx, env, outcomeLimited, start, err)
	}

	body, err := event.Encode(env)
	if err != nil {
		rollback()
		return Ack{EventID: id}, p.reject(ctx, env, outcomeInvalid, start, buserrors.Wrap(buserrors.ErrInvalidPayload, err))
	}
	if len(body) > p.cfg.MaxEventSize {
		rollback()
		err := fmt.Errorf("%w: %d bytes exceeds %d", buserrors.ErrPayloadTooLarge, len(body), p.cfg.MaxEventSize)
		return Ack{EventID: id}, p.reject(ctx, env, outcomeTooLarge, start, err)
	}

	result := p.sendWithRetry(ctx, env, transport.Message{
		Topic: topic,
		Key:   messageKey(env),
		Body:  body,
	}, po.headers)
	if result.Err != nil {
		if ctx.Err() != nil {
			rollback()
			return Ack{EventID: id, Attempts: result.Attempts}, p.reject(ctx, env, outcomeFailed, start, result.Err)
		}
		// The sequence stays admitted: the dead letter owns it until redrive.
		p.forget(ctx, id)
		p.deadLetter(ctx, env, topic, result.History, result.Err)
		return Ack{EventID: id, Attempts: result.Attempts}, p.reject(ctx, env, outcomeFailed, start, result.Err)
	}

	p.record(ctx, env, topic)

	elapsed := time.Since(start)
	p.stats.published.Add(1)
	p.stats.observeLatency(elapsed)
	p.metrics.RecordPublish(ctx, env.EventType(), outcomePublished, elapsed)
	observability.LogPublish(p.logger, env, topic, float64(elapsed.Microseconds())/1000)

	return Ack{EventID: id, Topic: topic, Attempts: result.Attempts, PublishedAt: p.now().UTC()}, nil
}

func (p *Publisher) admitRate(ctx context.Context, env *event.Envelope) error {
	if env.Priority == event.PriorityCritical {
		return nil
	}
	if p.cfg.RateLimitMode == RateLimitBlock {
		if err := p.limiter.Wait(ctx); err != nil {
			return buserrors.Wrap(buserrors.ErrRateLimited, err)
		}
		return nil
	}
	if !p.limiter.Allow() {
		return buserrors.ErrRateLimited
	}
	return nil
}

// sendWithRetry publishes msg under the retry policy. env.AttemptCount counts
// failed sends and every retry carries it in its headers.
func (p *Publisher) sendWithRetry(ctx context.Context, env *event.Envelope, msg transport.Message, extra map[string]string) buserrors.RetryResult[struct{}] {
	return buserrors.WithRetryContext(ctx, p.retry, func(ctx context.Context) (struct{}, error) {
		msg.Headers = p.headers(env, extra)
		err := p.send(ctx, msg)
		if err != nil {
			env.AttemptCount++
		}
		return struct{}{}, err
	})
}

// send performs one broker write. Context errors pass through unwrapped so
// the retry loop stops on cancellation.
func (p *Publisher) send(ctx context.Context, msg transport.Message) error {
	err := p.transport.Publish(ctx, msg)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return buserrors.Wrap(buserrors.ErrTransportFailure, err)
}

func (p *Publisher) forget(ctx context.Context, id string) {
	if err := p.ledger.Forget(context.WithoutCancel(ctx), id); err != nil {
		p.logger.Warn("dedup forget failed", zap.String("event_id", id), zap.Error(err))
	}
}

func (p *Publisher) reject(ctx context.Context, env *event.Envelope, outcome string, start time.Time, err error) error {
	p.stats.failed.Add(1)
	switch outcome {
	case outcomeLimited:
		p.stats.rateLimited.Add(1)
	case outcomeOutOfOrder:
		p.stats.outOfOrder.Add(1)
	}
	p.metrics.RecordPublish(ctx, env.EventType(), outcome, time.Since(start))
	observability.LogPublishError(p.logger, env, err)
	return buserrors.New("publish", env.EventID(), err)
}

func (p *Publisher) deadLetter(ctx context.Context, env *event.Envelope, topic string, history []buserrors.AttemptRecord, cause error) {
	observability.LogDeadLetter(p.logger, env, "", len(history), cause)
	if !p.cfg.EnableDeadLetterQueue || p.store == nil {
		return
	}

	rec := store.NewRecord(env, store.OutcomeDeadLettered, p.now())
	rec.Topic = topic
	rec.Error = cause.Error()
	rec.Attempts = history
	if err := p.store.Append(context.WithoutCancel(ctx), rec); err != nil {
		p.logger.Error("dead-letter write failed",
			zap.String("event_id", env.EventID()), zap.Error(err))
		return
	}
	p.stats.deadLettered.Add(1)
	p.metrics.RecordDeadLetter(ctx, "", env.EventType())
}

// record appends a published envelope to the replay log. The broker already
// accepted the event, so a store failure is logged and not returned.
func (p *Publisher) record(ctx context.Context, env *event.Envelope, topic string) {
	if p.store == nil {
		return
	}
	rec := store.NewRecord(env, store.OutcomePublished, p.now())
	rec.Topic = topic
	if err := p.store.Append(context.WithoutCancel(ctx), rec); err != nil {
		p.logger.Warn("replay log append failed",
			zap.String("event_id", env.EventID()), zap.Error(err))
	}
}

func (p *Publisher) headers(env *event.Envelope, extra map[string]string) map[string]string {
	h := transport.CopyHeaders(extra)
	if h == nil {
		h = make(map[string]string, 4)
	}
	h[HeaderEventID] = env.EventID()
	h[HeaderEventType] = env.EventType()
	h[HeaderPriority] = env.Priority.String()
	if env.AttemptCount > 0 {
		h[HeaderAttempt] = strconv.Itoa(env.AttemptCount)
	}
	return h
}

// messageKey is the aggregate key "tenant/aggregate", which brokers with
// partitions use to keep one aggregate on one partition.
func messageKey(env *event.Envelope) string {
	if env.Event != nil {
		return env.Event.Key().String()
	}
	if env.Legacy != nil && env.Legacy.AggregateID != "" {
		return event.AggregateKey{TenantID: env.Legacy.TenantID, AggregateID: env.Legacy.AggregateID}.String()
	}
	return ""
}

// Metrics returns a snapshot of the publisher counters.
func (p *Publisher) Metrics() Metrics {
	m := p.stats.snapshot()
	p.qmu.Lock()
	m.QueueDepth = len(p.queue)
	p.qmu.Unlock()
	return m
}

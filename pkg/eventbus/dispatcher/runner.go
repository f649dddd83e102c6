package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	buserrors "github.com/randalmurphal/eventbus/pkg/eventbus/errors"
	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
	"github.com/randalmurphal/eventbus/pkg/eventbus/observability"
	"github.com/randalmurphal/eventbus/pkg/eventbus/store"
)

const emaWeight = 0.1

// workItem is one event queued for one handler.
type workItem struct {
	ctx   context.Context
	env   *event.Envelope
	evt   *event.DomainEvent
	topic string

	// key is empty for events without an aggregate; those are not serialized.
	key     string
	ordered bool

	// report receives the terminal state; more than one when the same event
	// was routed again while queued.
	report []func(DeliveryState)
}

// runner owns one handler's priority lanes and workers.
type runner struct {
	d       *Dispatcher
	h       Handler
	name    string
	workers int

	mu       sync.Mutex
	cond     *sync.Cond
	lanes    [event.PriorityCritical + 1][]*workItem
	byID     map[string]*workItem
	busy     map[string]bool
	inFlight int
	paused   bool
	stopping bool

	health atomic.Int32

	processed    atomic.Int64
	failed       atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
	duplicates   atomic.Int64
	outOfOrder   atomic.Int64
	deferred     atomic.Int64

	latMu      sync.Mutex
	avgLatency float64

	// straggler is a call abandoned at its timeout. Only the single worker
	// of a sequential runner sets and reads it.
	straggler <-chan error
}

func newRunner(d *Dispatcher, h Handler) *runner {
	r := &runner{
		d:       d,
		h:       h,
		name:    h.Name(),
		workers: concurrencyOf(h, d.cfg.MaxConcurrentHandlers),
		byID:    make(map[string]*workItem),
		busy:    make(map[string]bool),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *runner) start(ctx context.Context, wg *sync.WaitGroup) {
	for range r.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.work(ctx)
		}()
	}
}

// enqueue adds item to its priority lane. It returns false once the runner
// is stopping. An event already queued or running absorbs the new item.
func (r *runner) enqueue(item *workItem) bool {
	id := item.env.EventID()
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopping {
		return false
	}
	if cur, ok := r.byID[id]; ok {
		cur.report = append(cur.report, item.report...)
		r.duplicates.Add(1)
		return true
	}
	r.byID[id] = item
	p := laneOf(item.env.Priority)
	r.lanes[p] = append(r.lanes[p], item)
	r.cond.Signal()
	return true
}

func laneOf(p event.Priority) event.Priority {
	if p < event.PriorityLow || p > event.PriorityCritical {
		return event.PriorityNormal
	}
	return p
}

// next blocks until an eligible item is available, or returns nil when the
// runner is stopping.
func (r *runner) next() *workItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		if r.stopping {
			return nil
		}
		if !r.paused {
			if item := r.pickLocked(); item != nil {
				r.inFlight++
				return item
			}
		}
		r.cond.Wait()
	}
}

// pickLocked returns the first eligible item, highest lane first. An item is
// eligible when no other item of its aggregate is running and, if it carries
// a sequence, no queued item of its aggregate has a lower one.
func (r *runner) pickLocked() *workItem {
	lowest := make(map[string]int64)
	for _, lane := range r.lanes {
		for _, it := range lane {
			if !it.ordered {
				continue
			}
			if cur, ok := lowest[it.key]; !ok || it.evt.Sequence() < cur {
				lowest[it.key] = it.evt.Sequence()
			}
		}
	}

	for p := len(r.lanes) - 1; p >= 0; p-- {
		for i, it := range r.lanes[p] {
			if it.key != "" && r.busy[it.key] {
				continue
			}
			if it.ordered && it.evt.Sequence() > lowest[it.key] {
				continue
			}
			r.lanes[p] = append(r.lanes[p][:i], r.lanes[p][i+1:]...)
			if it.key != "" {
				r.busy[it.key] = true
			}
			return it
		}
	}
	return nil
}

func (r *runner) finish(item *workItem, state DeliveryState) {
	r.mu.Lock()
	if item.key != "" {
		delete(r.busy, item.key)
	}
	delete(r.byID, item.env.EventID())
	r.inFlight--
	r.mu.Unlock()
	// Another worker may be waiting on this aggregate.
	r.cond.Broadcast()

	for _, fn := range item.report {
		fn(state)
	}
}

func (r *runner) work(ctx context.Context) {
	for {
		item := r.next()
		if item == nil {
			return
		}
		r.finish(item, r.process(ctx, item))
	}
}

// stop makes workers exit after their current item and returns the items
// that never started.
func (r *runner) stop() []*workItem {
	r.mu.Lock()
	r.stopping = true
	var left []*workItem
	for p := range r.lanes {
		left = append(left, r.lanes[p]...)
		r.lanes[p] = nil
	}
	for _, it := range left {
		delete(r.byID, it.env.EventID())
	}
	r.mu.Unlock()
	r.cond.Broadcast()
	return left
}

func (r *runner) setPaused(paused bool) {
	r.mu.Lock()
	changed := r.paused != paused
	r.paused = paused
	r.mu.Unlock()
	if changed && !paused {
		r.cond.Broadcast()
	}
}

func (r *runner) getHealth() Health {
	return Health(r.health.Load())
}

func (r *runner) setHealth(h Health) {
	prev := Health(r.health.Swap(int32(h)))
	r.setPaused(h == Unhealthy)
	if prev != h {
		r.d.logger.Info("handler health changed",
			zap.String("handler", r.name),
			zap.Stringer("from", prev),
			zap.Stringer("to", h))
	}
}

// degrade marks a healthy handler Degraded; the next poll may restore it.
func (r *runner) degrade() {
	if r.health.CompareAndSwap(int32(Healthy), int32(Degraded)) {
		r.d.logger.Warn("handler degraded", zap.String("handler", r.name))
	}
}

func (r *runner) observeLatency(d time.Duration) {
	r.latMu.Lock()
	defer r.latMu.Unlock()
	if r.avgLatency == 0 {
		r.avgLatency = float64(d)
		return
	}
	r.avgLatency = r.avgLatency*(1-emaWeight) + float64(d)*emaWeight
}

// process drives one item through the delivery state machine and returns
// its terminal state.
func (r *runner) process(workCtx context.Context, item *workItem) DeliveryState {
	ctx, cancel := mergeCancel(item.ctx, workCtx)
	defer cancel()

	dl := &delivery{}
	id := item.env.EventID()
	logger := observability.EnrichLogger(r.d.logger, item.env, r.name, 0)

	if ctx.Err() != nil {
		dl.to(StateDeferred)
		r.deferred.Add(1)
		return dl.State()
	}

	if item.env.Target == "" {
		done, err := r.d.ledger.Delivered(ctx, id, r.name)
		if err != nil {
			logger.Warn("delivery record lookup failed, processing anyway", zap.Error(err))
		} else if done {
			dl.to(StateSkipped)
			r.duplicates.Add(1)
			observability.LogDuplicate(r.d.logger, item.env, r.name)
			return dl.State()
		}
	}

	if item.ordered {
		err := r.d.ledger.Advance(ctx, r.name, item.evt.Key(), item.evt.Sequence(), id)
		switch {
		case errors.Is(err, buserrors.ErrOutOfOrder):
			dl.to(StateDiscarded)
			r.outOfOrder.Add(1)
			r.d.metrics.RecordDelivery(ctx, r.name, item.env.EventType(), 0, err)
			logger.Warn("sequence regressed, not delivered",
				zap.Int64("sequence", item.evt.Sequence()), zap.Error(err))
			return dl.State()
		case err != nil:
			dl.to(StateDeferred)
			r.deferred.Add(1)
			logger.Error("sequence check failed, deferring to redelivery", zap.Error(err))
			return dl.State()
		}
	}

	var lastErr error
	backoff := r.d.cfg.backoff()
	for attempt := 1; ; attempt++ {
		dl.to(StateDispatched)
		start := time.Now()
		err := r.invoke(ctx, item, attempt)
		if err == nil {
			dl.to(StateSucceeded)
			r.processed.Add(1)
			r.observeLatency(time.Since(start))
			break
		}

		dl.fail(attempt, start, err)
		item.env.AttemptCount++
		lastErr = err
		r.failed.Add(1)
		observability.LogDispatchError(r.d.logger, item.env, r.name, attempt, err)
		if obs, ok := r.h.(ErrorObserver); ok {
			obs.OnError(ctx, item.evt, err, attempt)
		}

		if ctx.Err() != nil {
			dl.to(StateDeferred)
			r.deferred.Add(1)
			break
		}
		if attempt >= r.d.cfg.MaxRetries || explicitlyPermanent(err) {
			dl.to(StateDeadLettered)
			break
		}

		dl.to(StateRetrying)
		r.retried.Add(1)
		if !sleep(ctx, backoff.Delay(attempt)) {
			dl.to(StateDeferred)
			r.deferred.Add(1)
			break
		}
	}

	switch dl.State() {
	case StateSucceeded:
		r.markDelivered(ctx, item)
	case StateDeadLettered:
		r.deadLetter(ctx, item, dl.history, lastErr)
		r.markDelivered(ctx, item)
	}
	return dl.State()
}

// invoke runs one attempt under the handler timeout. A handler that ignores
// its context is abandoned when the timeout fires; a sequential handler is
// not called again until the abandoned call returns.
func (r *runner) invoke(ctx context.Context, item *workItem, attempt int) (err error) {
	if !r.awaitStraggler(ctx) {
		return ctx.Err()
	}
	if err := r.d.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.d.sem.Release(1)

	hctx, cancel := context.WithTimeout(ctx, r.d.cfg.HandlerTimeout)
	defer cancel()
	hctx, span := r.d.spans.StartHandleSpan(hctx, r.name, item.env, attempt)
	start := time.Now()
	defer func() {
		r.d.spans.EndSpanWithError(span, err)
		r.d.metrics.RecordDelivery(ctx, r.name, item.env.EventType(), time.Since(start), err)
	}()

	hooks, hasHooks := r.h.(ProcessingHooks)
	if hasHooks {
		if err := hooks.BeforeHandle(hctx, item.evt); err != nil {
			return buserrors.Wrap(buserrors.ErrHandlerError, err)
		}
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("handler panic: %v", rec)
			}
		}()
		done <- r.h.Handle(hctx, item.evt)
	}()

	var herr error
	finished := false
	select {
	case herr = <-done:
		finished = true
	case <-hctx.Done():
	}
	switch {
	case finished && herr == nil:
	case ctx.Err() != nil:
		err = ctx.Err()
	case hctx.Err() != nil:
		if r.workers == 1 {
			r.straggler = done
		}
		r.degrade()
		err = fmt.Errorf("%w: %s after %s", buserrors.ErrHandlerTimeout, r.name, r.d.cfg.HandlerTimeout)
	default:
		err = buserrors.Wrap(buserrors.ErrHandlerError, herr)
	}

	if hasHooks {
		hooks.AfterHandle(hctx, item.evt, err)
	}
	return err
}

func (r *runner) awaitStraggler(ctx context.Context) bool {
	if r.straggler == nil {
		return true
	}
	select {
	case <-r.straggler:
		r.straggler = nil
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *runner) markDelivered(ctx context.Context, item *workItem) {
	if err := r.d.ledger.MarkDelivered(context.WithoutCancel(ctx), item.env.EventID(), r.name); err != nil {
		r.d.logger.Warn("delivery record write failed",
			zap.String("event_id", item.env.EventID()),
			zap.String("handler", r.name),
			zap.Error(err))
	}
}

func (r *runner) deadLetter(ctx context.Context, item *workItem, history []buserrors.AttemptRecord, cause error) {
	r.deadLettered.Add(1)
	observability.LogDeadLetter(r.d.logger, item.env, r.name, len(history), cause)
	r.d.metrics.RecordDeadLetter(ctx, r.name, item.env.EventType())

	if !r.d.cfg.EnableDeadLetterQueue || r.d.store == nil {
		return
	}
	rec := store.NewRecord(item.env, store.OutcomeDeadLettered, r.d.now())
	rec.Handler = r.name
	rec.Topic = item.topic
	rec.Error = cause.Error()
	rec.Attempts = history
	if err := r.d.store.Append(context.WithoutCancel(ctx), rec); err != nil {
		r.d.logger.Error("dead-letter write failed",
			zap.String("event_id", item.env.EventID()),
			zap.String("handler", r.name),
			zap.Error(err))
	}
}

func (r *runner) snapshot() HandlerStats {
	r.mu.Lock()
	depth := 0
	for _, lane := range r.lanes {
		depth += len(lane)
	}
	inFlight, paused := r.inFlight, r.paused
	r.mu.Unlock()

	r.latMu.Lock()
	avg := time.Duration(r.avgLatency)
	r.latMu.Unlock()

	return HandlerStats{
		Name:         r.name,
		Health:       r.getHealth(),
		Paused:       paused,
		Workers:      r.workers,
		Processed:    r.processed.Load(),
		Failed:       r.failed.Load(),
		Retried:      r.retried.Load(),
		DeadLettered: r.deadLettered.Load(),
		Duplicates:   r.duplicates.Load(),
		OutOfOrder:   r.outOfOrder.Load(),
		Deferred:     r.deferred.Load(),
		QueueDepth:   depth,
		InFlight:     inFlight,
		AvgLatency:   avg,
	}
}

// explicitlyPermanent reports whether the handler marked err permanent with
// errors.Permanent. Plain handler errors are retried.
func explicitlyPermanent(err error) bool {
	var ce *buserrors.CategorizedError
	return errors.As(err, &ce) && ce.Category == buserrors.CategoryPermanent
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// mergeCancel returns a context carrying a's values that is cancelled when
// either a or b is.
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

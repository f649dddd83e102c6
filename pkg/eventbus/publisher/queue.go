package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	buserrors "github.com/randalmurphal/eventbus/pkg/eventbus/errors"
	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
)

type queued struct {
	env  *event.Envelope
	opts publishOptions
}

// Enqueue adds evt to the async queue. Higher priorities are flushed first;
// within a priority the queue is FIFO. Events of one aggregate always leave
// in the order they were enqueued, whatever their priority. Outcomes are delivered to the result
// handler. It returns ErrQueueFull at capacity and ErrClosed after Close.
func (p *Publisher) Enqueue(evt *event.DomainEvent, opts ...PublishOption) error {
	if evt == nil {
		return buserrors.New("enqueue", "", fmt.Errorf("%w: nil event", buserrors.ErrMissingRequiredField))
	}
	po := applyOptions(opts)
	return p.enqueue(queued{env: event.NewEnvelope(evt, po.priority), opts: po})
}

// EnqueueLegacy adds a legacy event to the async queue.
func (p *Publisher) EnqueueLegacy(legacy *event.LegacyEvent, opts ...PublishOption) error {
	if legacy == nil || legacy.EventType == "" {
		return buserrors.New("enqueue", "", fmt.Errorf("%w: legacy event type", buserrors.ErrMissingRequiredField))
	}
	po := applyOptions(opts)
	return p.enqueue(queued{env: event.NewLegacyEnvelope(legacy, po.priority), opts: po})
}

func (p *Publisher) enqueue(item queued) error {
	id := item.env.EventID()
	if p.closed.Load() {
		return buserrors.New("enqueue", id, buserrors.ErrClosed)
	}

	p.qmu.Lock()
	if len(p.queue) >= p.cfg.MaxQueueSize {
		p.qmu.Unlock()
		return buserrors.New("enqueue", id, buserrors.ErrQueueFull)
	}
	// Insert after the last entry of equal or higher priority, but never
	// ahead of an earlier entry of the same aggregate.
	key := messageKey(item.env)
	at := len(p.queue)
	for at > 0 && p.queue[at-1].env.Priority < item.env.Priority {
		if key != "" && messageKey(p.queue[at-1].env) == key {
			break
		}
		at--
	}
	p.queue = append(p.queue, queued{})
	copy(p.queue[at+1:], p.queue[at:])
	p.queue[at] = item
	full := len(p.queue) >= p.cfg.BatchSize
	p.qmu.Unlock()

	if full {
		select {
		case p.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

// Start runs the flush loop until ctx ends or Close is called. A batch is
// flushed when BatchSize events are queued or BatchTimeout elapses.
func (p *Publisher) Start(ctx context.Context) error {
	if p.closed.Load() {
		return buserrors.ErrClosed
	}
	p.qmu.Lock()
	if p.done != nil {
		p.qmu.Unlock()
		return errors.New("publisher: already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.qmu.Unlock()

	go p.loop(ctx)
	return nil
}

func (p *Publisher) loop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.BatchTimeout)
	defer ticker.Stop()

	// A flush in progress finishes when the loop is stopped.
	flushCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Flush(flushCtx)
		case <-p.flushCh:
			p.Flush(flushCtx)
		}
	}
}

// Flush publishes up to BatchSize queued events and returns their outcomes.
func (p *Publisher) Flush(ctx context.Context) BatchResult {
	p.qmu.Lock()
	n := min(len(p.queue), p.cfg.BatchSize)
	if n == 0 {
		p.qmu.Unlock()
		return BatchResult{}
	}
	items := make([]queued, n)
	copy(items, p.queue[:n])
	p.queue = append(p.queue[:0], p.queue[n:]...)
	p.qmu.Unlock()

	envs := make([]*event.Envelope, n)
	opts := make(map[*event.Envelope]publishOptions, n)
	for i, it := range items {
		envs[i] = it.env
		opts[it.env] = it.opts
	}
	res := p.publishEnvelopesWith(ctx, envs, func(env *event.Envelope) publishOptions {
		return opts[env]
	})

	if p.onResult != nil {
		for _, r := range res.Results {
			p.onResult(r)
		}
	}
	if res.Failed > 0 {
		p.logger.Warn("batch flush had failures",
			zap.Int("size", n), zap.Int("failed", res.Failed))
	}
	return res
}

// Close stops the flush loop and publishes everything still queued.
// It is safe to call more than once.
func (p *Publisher) Close(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	p.qmu.Lock()
	cancel, done := p.cancel, p.done
	p.qmu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}

	for {
		res := p.Flush(ctx)
		if len(res.Results) == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			p.qmu.Lock()
			dropped := len(p.queue)
			p.queue = nil
			p.qmu.Unlock()
			return fmt.Errorf("publisher close: %d queued events dropped: %w", dropped, err)
		}
	}
	return nil
}

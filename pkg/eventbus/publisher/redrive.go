package publisher

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	buserrors "github.com/randalmurphal/eventbus/pkg/eventbus/errors"
	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
	"github.com/randalmurphal/eventbus/pkg/eventbus/store"
	"github.com/randalmurphal/eventbus/pkg/eventbus/transport"
)

// RedriveResult reports a redrive run.
type RedriveResult struct {
	Attempted   int
	Republished int
	Failed      int
}

// Redrive republishes dead-lettered envelopes matching q and removes them
// from the store once the broker accepts them.
//
// Envelopes the publisher dead-lettered go back on their original topic.
// Envelopes a handler dead-lettered are targeted at that handler only, so
// the other subscribers do not see them twice. Deduplication and sequence
// checks are skipped: the event was admitted the first time round.
func (p *Publisher) Redrive(ctx context.Context, q store.Query) (RedriveResult, error) {
	var res RedriveResult
	if p.store == nil {
		return res, fmt.Errorf("redrive: no event store configured")
	}
	if p.closed.Load() {
		return res, buserrors.New("redrive", "", buserrors.ErrClosed)
	}

	q.Outcome = store.OutcomeDeadLettered
	recs, err := p.store.Range(ctx, q)
	if err != nil {
		return res, fmt.Errorf("redrive: %w", err)
	}

	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Attempted++
		if err := p.redriveOne(ctx, rec); err != nil {
			res.Failed++
			p.logger.Warn("redrive failed",
				zap.String("record_id", rec.ID),
				zap.String("event_id", rec.Envelope.EventID()),
				zap.String("handler", rec.Handler),
				zap.Error(err))
			continue
		}
		res.Republished++
		p.stats.redriven.Add(1)
	}

	p.logger.Info("redrive complete",
		zap.Int("attempted", res.Attempted),
		zap.Int("republished", res.Republished),
		zap.Int("failed", res.Failed))
	return res, nil
}

func (p *Publisher) redriveOne(ctx context.Context, rec *store.Record) error {
	// A redrive starts a fresh attempt series; the record keeps the old count.
	env := rec.Envelope.Clone()
	env.AttemptCount = 0
	env.Target = rec.Handler

	topic := rec.Topic
	if topic == "" {
		topic = p.topicFn(env)
	}

	body, err := event.Encode(env)
	if err != nil {
		return buserrors.Wrap(buserrors.ErrInvalidPayload, err)
	}
	result := p.sendWithRetry(ctx, env, transport.Message{
		Topic: topic,
		Key:   messageKey(env),
		Body:  body,
	}, nil)
	if result.Err != nil {
		return result.Err
	}

	if rec.Handler == "" {
		if _, err := p.ledger.MarkSeen(ctx, env.EventID()); err != nil {
			p.logger.Warn("dedup mark failed after redrive",
				zap.String("event_id", env.EventID()), zap.Error(err))
		}
		p.record(ctx, env, topic)
	}
	if err := p.store.Delete(ctx, rec.ID); err != nil {
		// The broker has the event; a leftover dead letter is only redriven
		// again, which consumers deduplicate.
		p.logger.Warn("dead letter delete failed",
			zap.String("record_id", rec.ID), zap.Error(err))
	}
	return nil
}

package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	buserrors "github.com/randalmurphal/eventbus/pkg/eventbus/errors"
	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
	"github.com/randalmurphal/eventbus/pkg/eventbus/store"
)

// ReplayResult counts what a replay did. States are per (event, handler).
type ReplayResult struct {
	// Events is the number of stored envelopes read.
	Events int
	// Rejected counts envelopes that failed verification or schema checks.
	Rejected int
	// States counts terminal delivery states.
	States map[DeliveryState]int
}

// Replay re-dispatches published envelopes recorded since from, optionally
// restricted to eventTypes. It follows the live path: pairs already
// delivered are skipped and regressed sequences are discarded. Replay
// waits until every handler item is terminal. Cancelling ctx ends the
// replay without affecting live dispatch; unfinished items end Deferred.
func (d *Dispatcher) Replay(ctx context.Context, from time.Time, eventTypes ...string) (ReplayResult, error) {
	res := ReplayResult{States: make(map[DeliveryState]int)}
	if d.store == nil {
		return res, errors.New("dispatcher: replay requires a store")
	}
	d.mu.RLock()
	running := d.state == stateRunning
	d.mu.RUnlock()
	if !running {
		return res, buserrors.New("replay", "", fmt.Errorf("%w: dispatcher not running", buserrors.ErrClosed))
	}

	recs, err := d.store.Range(ctx, store.Query{
		From:       from,
		EventTypes: eventTypes,
		Outcome:    store.OutcomePublished,
	})
	if err != nil {
		return res, fmt.Errorf("dispatcher: replay read: %w", err)
	}

	var mu sync.Mutex
	done := make(chan struct{})
	c := newCompletion(
		func(bool) { close(done) },
		func(s DeliveryState) {
			mu.Lock()
			res.States[s]++
			mu.Unlock()
		},
	)
	c.cancelCtx = ctx

	for _, rec := range recs {
		if ctx.Err() != nil {
			break
		}
		env := rec.Envelope.Clone()
		env.Target = ""
		res.Events++
		if err := d.route(ctx, env, replayTopic(rec), c); err != nil {
			res.Rejected++
		}
	}
	c.release()

	select {
	case <-done:
	case <-ctx.Done():
	}
	if err := ctx.Err(); err != nil {
		mu.Lock()
		defer mu.Unlock()
		return copyResult(res), err
	}

	d.logger.Info("replay finished",
		zap.Time("from", from),
		zap.Int("events", res.Events),
		zap.Int("rejected", res.Rejected))
	return res, nil
}

func replayTopic(rec *store.Record) string {
	if rec.Topic != "" {
		return rec.Topic
	}
	return event.DefaultTopic(rec.Envelope)
}

func copyResult(r ReplayResult) ReplayResult {
	states := make(map[DeliveryState]int, len(r.States))
	for k, v := range r.States {
		states[k] = v
	}
	r.States = states
	return r
}

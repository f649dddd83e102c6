package publisher

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	buserrors "github.com/randalmurphal/eventbus/pkg/eventbus/errors"
	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
)

// Result is the outcome of one event in a batch or from the async queue.
type Result struct {
	EventID string
	Ack     Ack
	Err     error
}

// BatchResult reports a batch publish. Results are in input order.
type BatchResult struct {
	Results    []Result
	Published  int
	Duplicates int
	Failed     int
}

// PublishBatch publishes events concurrently, one goroutine per aggregate.
// Events of the same aggregate are published one after another in input
// order; a failure does not stop the rest of the group, so a later sequence
// of a failed aggregate may itself be rejected as out of order.
func (p *Publisher) PublishBatch(ctx context.Context, events []*event.DomainEvent, opts ...PublishOption) BatchResult {
	po := applyOptions(opts)
	envs := make([]*event.Envelope, len(events))
	for i, evt := range events {
		if evt != nil {
			envs[i] = event.NewEnvelope(evt, po.priority)
		}
	}

	if p.closed.Load() {
		out := BatchResult{Results: make([]Result, len(envs)), Failed: len(envs)}
		for i, env := range envs {
			id := ""
			if env != nil {
				id = env.EventID()
			}
			out.Results[i] = Result{EventID: id, Err: buserrors.New("publish", id, buserrors.ErrClosed)}
		}
		return out
	}

	return p.publishEnvelopesWith(ctx, envs, func(*event.Envelope) publishOptions { return po })
}

func (p *Publisher) publishEnvelopesWith(ctx context.Context, envs []*event.Envelope, optsFor func(*event.Envelope) publishOptions) BatchResult {
	results := make([]Result, len(envs))

	var g errgroup.Group
	g.SetLimit(p.cfg.BatchConcurrency)
	for _, idx := range groupByAggregate(envs) {
		g.Go(func() error {
			for _, i := range idx {
				env := envs[i]
				if env == nil {
					results[i] = Result{Err: buserrors.New("publish", "", fmt.Errorf("%w: nil event", buserrors.ErrMissingRequiredField))}
					continue
				}
				ack, err := p.publish(ctx, env, optsFor(env))
				results[i] = Result{EventID: env.EventID(), Ack: ack, Err: err}
			}
			return nil
		})
	}
	_ = g.Wait()

	out := BatchResult{Results: results}
	for _, r := range results {
		switch {
		case r.Err != nil:
			out.Failed++
		case r.Ack.Duplicate:
			out.Duplicates++
		default:
			out.Published++
		}
	}
	p.stats.observeBatch(len(envs))
	p.metrics.RecordBatch(ctx, len(envs))
	return out
}

// groupByAggregate returns index groups keyed by aggregate, in order of first
// appearance. Events without an aggregate each form their own group.
func groupByAggregate(envs []*event.Envelope) [][]int {
	var groups [][]int
	pos := make(map[string]int)
	for i, env := range envs {
		key := ""
		if env != nil {
			key = messageKey(env)
		}
		if key == "" {
			groups = append(groups, []int{i})
			continue
		}
		if g, ok := pos[key]; ok {
			groups[g] = append(groups[g], i)
			continue
		}
		pos[key] = len(groups)
		groups = append(groups, []int{i})
	}
	return groups
}

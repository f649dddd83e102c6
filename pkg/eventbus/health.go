package eventbus

import (
	"context"

	"github.com/randalmurphal/eventbus/pkg/eventbus/dispatcher"
	"github.com/randalmurphal/eventbus/pkg/eventbus/publisher"
)

// HealthReport summarizes the bus.
type HealthReport struct {
	// Healthy is false when any handler is Unhealthy.
	Healthy bool

	Handlers   map[string]dispatcher.Health
	Publisher  publisher.Metrics
	Dispatcher dispatcher.Stats
}

// Health polls every handler and returns a snapshot of both sides.
func (b *Bus) Health(ctx context.Context) HealthReport {
	handlers := b.dispatcher.CheckHealth(ctx)
	r := HealthReport{
		Healthy:    true,
		Handlers:   handlers,
		Publisher:  b.publisher.Metrics(),
		Dispatcher: b.dispatcher.Stats(),
	}
	for _, h := range handlers {
		if h == dispatcher.Unhealthy {
			r.Healthy = false
		}
	}
	return r
}

package dispatcher

import "time"

// HandlerStats is a point-in-time view of one handler.
type HandlerStats struct {
	Name    string
	Health  Health
	Paused  bool
	Workers int

	Processed    int64
	Failed       int64
	Retried      int64
	DeadLettered int64
	Duplicates   int64
	OutOfOrder   int64
	Deferred     int64

	QueueDepth int
	InFlight   int
	AvgLatency time.Duration
}

// Stats is a point-in-time view of the dispatcher.
type Stats struct {
	Handlers map[string]HandlerStats

	// Received counts broker deliveries.
	Received int64
	// Corrupt counts events that failed digest verification.
	Corrupt int64
	// Rejected counts undecodable or unsupported events.
	Rejected int64
	// Ignored counts events outside the tenant scope.
	Ignored int64
}

// Stats returns a snapshot of dispatcher and handler counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.RLock()
	runners := make([]*runner, len(d.order))
	copy(runners, d.order)
	d.mu.RUnlock()

	s := Stats{
		Handlers: make(map[string]HandlerStats, len(runners)),
		Received: d.received.Load(),
		Corrupt:  d.corrupt.Load(),
		Rejected: d.rejected.Load(),
		Ignored:  d.ignored.Load(),
	}
	for _, r := range runners {
		s.Handlers[r.name] = r.snapshot()
	}
	return s
}

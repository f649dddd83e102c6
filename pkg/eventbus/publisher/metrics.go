package publisher

import (
	"sync"
	"sync/atomic"
	"time"
)

// Outcomes reported to the MetricsRecorder.
const (
	outcomePublished  = "published"
	outcomeDuplicate  = "duplicate"
	outcomeCorrupt    = "corrupt"
	outcomeInvalid    = "invalid"
	outcomeOutOfOrder = "out_of_order"
	outcomeLimited    = "rate_limited"
	outcomeTooLarge   = "too_large"
	outcomeFailed     = "failed"
)

// emaWeight is the weight of the newest sample in the moving averages.
const emaWeight = 0.1

// Metrics is a point-in-time snapshot of publisher counters.
type Metrics struct {
	Published     int64
	Failed        int64
	Deduplicated  int64
	RateLimited   int64
	OutOfOrder    int64
	DeadLettered  int64
	Redriven      int64
	Batches       int64
	LastBatchSize int
	QueueDepth    int

	// AvgBatchSize and AvgLatency are exponential moving averages.
	AvgBatchSize float64
	AvgLatency   time.Duration
}

type counters struct {
	published    atomic.Int64
	failed       atomic.Int64
	deduplicated atomic.Int64
	rateLimited  atomic.Int64
	outOfOrder   atomic.Int64
	deadLettered atomic.Int64
	redriven     atomic.Int64
	batches      atomic.Int64

	mu            sync.Mutex
	lastBatchSize int
	avgBatchSize  float64
	avgLatency    float64 // nanoseconds
}

func (c *counters) observeLatency(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.avgLatency == 0 {
		c.avgLatency = float64(d)
		return
	}
	c.avgLatency = c.avgLatency*(1-emaWeight) + float64(d)*emaWeight
}

func (c *counters) observeBatch(size int) {
	c.batches.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastBatchSize = size
	if c.avgBatchSize == 0 {
		c.avgBatchSize = float64(size)
		return
	}
	c.avgBatchSize = c.avgBatchSize*(1-emaWeight) + float64(size)*emaWeight
}

func (c *counters) snapshot() Metrics {
	m := Metrics{
		Published:    c.published.Load(),
		Failed:       c.failed.Load(),
		Deduplicated: c.deduplicated.Load(),
		RateLimited:  c.rateLimited.Load(),
		OutOfOrder:   c.outOfOrder.Load(),
		DeadLettered: c.deadLettered.Load(),
		Redriven:     c.redriven.Load(),
		Batches:      c.batches.Load(),
	}
	c.mu.Lock()
	m.LastBatchSize = c.lastBatchSize
	m.AvgBatchSize = c.avgBatchSize
	m.AvgLatency = time.Duration(c.avgLatency)
	c.mu.Unlock()
	return m
}

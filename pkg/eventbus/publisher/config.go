package publisher

import (
	"fmt"
	"time"

	buserrors "github.com/randalmurphal/eventbus/pkg/eventbus/errors"
)

// RateLimitMode selects what happens when the token bucket is empty.
type RateLimitMode string

const (
	// RateLimitReject fails the publish with ErrRateLimited.
	RateLimitReject RateLimitMode = "reject"

	// RateLimitBlock waits for a token or for the context to end.
	RateLimitBlock RateLimitMode = "block"
)

// Config configures a Publisher.
type Config struct {
	// MaxEventsPerSecond is the token refill rate. Zero takes the default and a
	// negative rate disables limiting.
	// Default: 1000
	MaxEventsPerSecond float64 `mapstructure:"max_events_per_second" yaml:"max_events_per_second"`

	// Burst is the bucket size. Default: MaxEventsPerSecond.
	Burst int `mapstructure:"burst" yaml:"burst"`

	// RateLimitMode defaults to RateLimitReject.
	RateLimitMode RateLimitMode `mapstructure:"rate_limit_mode" yaml:"rate_limit_mode"`

	// MaxEventSize bounds the encoded envelope in bytes.
	// Default: 1 MiB
	MaxEventSize int `mapstructure:"max_event_size" yaml:"max_event_size"`

	// DeduplicationWindow is how long published event ids are remembered.
	// The bus passes it to the ledger it opens; delivery records keep
	// ledger.window.
	// Default: 1h
	DeduplicationWindow time.Duration `mapstructure:"deduplication_window" yaml:"deduplication_window"`

	// MaxRetries is the number of broker write attempts before dead-lettering.
	// Default: 3
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`

	// RetryBackoff is the delay after the first failed attempt; it doubles
	// up to MaxRetryBackoff.
	// Default: 1s, max 30s
	RetryBackoff    time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	MaxRetryBackoff time.Duration `mapstructure:"max_retry_backoff" yaml:"max_retry_backoff"`

	// EnableDeadLetterQueue stores envelopes whose broker write was exhausted.
	EnableDeadLetterQueue bool `mapstructure:"enable_dead_letter_queue" yaml:"enable_dead_letter_queue"`

	// BatchSize is the number of queued events flushed at once.
	// Default: 100
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size"`

	// BatchTimeout flushes a partial batch.
	// Default: 5s
	BatchTimeout time.Duration `mapstructure:"batch_timeout" yaml:"batch_timeout"`

	// MaxQueueSize bounds the async queue. Default: 10000
	MaxQueueSize int `mapstructure:"max_queue_size" yaml:"max_queue_size"`

	// BatchConcurrency bounds how many aggregate groups publish at once.
	// Default: 10
	BatchConcurrency int `mapstructure:"batch_concurrency" yaml:"batch_concurrency"`
}

// DefaultConfig returns the producer defaults.
func DefaultConfig() Config {
	return Config{
		MaxEventsPerSecond:    1000,
		Burst:                 1000,
		RateLimitMode:         RateLimitReject,
		MaxEventSize:          1 << 20,
		DeduplicationWindow:   time.Hour,
		MaxRetries:            3,
		RetryBackoff:          time.Second,
		MaxRetryBackoff:       30 * time.Second,
		EnableDeadLetterQueue: true,
		BatchSize:             100,
		BatchTimeout:          5 * time.Second,
		MaxQueueSize:          10000,
		BatchConcurrency:      10,
	}
}

// withDefaults fills zero numeric fields. Booleans are taken as given.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxEventsPerSecond == 0 {
		c.MaxEventsPerSecond = d.MaxEventsPerSecond
	}
	if c.Burst <= 0 {
		c.Burst = max(1, int(c.MaxEventsPerSecond))
	}
	if c.RateLimitMode == "" {
		c.RateLimitMode = d.RateLimitMode
	}
	if c.MaxEventSize <= 0 {
		c.MaxEventSize = d.MaxEventSize
	}
	if c.DeduplicationWindow <= 0 {
		c.DeduplicationWindow = d.DeduplicationWindow
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.MaxRetryBackoff <= 0 {
		c.MaxRetryBackoff = d.MaxRetryBackoff
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = d.BatchTimeout
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = d.MaxQueueSize
	}
	if c.BatchConcurrency <= 0 {
		c.BatchConcurrency = d.BatchConcurrency
	}
	return c
}

// Validate reports configuration errors that defaults cannot fix.
func (c Config) Validate() error {
	switch c.RateLimitMode {
	case "", RateLimitReject, RateLimitBlock:
	default:
		return fmt.Errorf("publisher: unknown rate_limit_mode %q", c.RateLimitMode)
	}
	if c.MaxRetryBackoff > 0 && c.RetryBackoff > c.MaxRetryBackoff {
		return fmt.Errorf("publisher: retry_backoff %s exceeds max_retry_backoff %s", c.RetryBackoff, c.MaxRetryBackoff)
	}
	return nil
}

func (c Config) retryConfig() buserrors.RetryConfig {
	return buserrors.NewRetryConfig(
		buserrors.WithMaxAttempts(c.MaxRetries),
		buserrors.WithInitialBackoff(c.RetryBackoff),
		buserrors.WithMaxBackoff(c.MaxRetryBackoff),
		buserrors.WithBackoffFactor(2),
	)
}

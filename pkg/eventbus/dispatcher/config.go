package dispatcher

import (
	"fmt"
	"time"

	buserrors "github.com/randalmurphal/eventbus/pkg/eventbus/errors"
	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
)

// Config configures a Dispatcher.
type Config struct {
	// Pattern is the subscription pattern. Default: event.AllTopics
	Pattern string `mapstructure:"pattern" yaml:"pattern"`

	// Tenants restricts dispatch to these tenants. Global event types are
	// always dispatched. Empty means every tenant.
	Tenants []string `mapstructure:"tenants" yaml:"tenants"`

	// MaxConcurrentHandlers caps a concurrent handler's workers.
	// Default: 10
	MaxConcurrentHandlers int `mapstructure:"max_concurrent_handlers" yaml:"max_concurrent_handlers"`

	// MaxInFlight caps handler invocations across all handlers.
	// Default: 100
	MaxInFlight int `mapstructure:"max_in_flight" yaml:"max_in_flight"`

	// HandlerTimeout bounds one invocation. Default: 30s
	HandlerTimeout time.Duration `mapstructure:"handler_timeout" yaml:"handler_timeout"`

	// MaxRetries is the number of attempts before dead-lettering. Default: 3
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`

	// RetryBackoff is the delay after the first failed attempt; it doubles
	// up to MaxRetryBackoff. Default: 1s, max 30s
	RetryBackoff    time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	MaxRetryBackoff time.Duration `mapstructure:"max_retry_backoff" yaml:"max_retry_backoff"`

	// HealthInterval is how often handler health is polled. Default: 60s
	HealthInterval time.Duration `mapstructure:"health_interval" yaml:"health_interval"`

	// GracePeriod is how long Stop waits for in-flight work. Default: 30s
	GracePeriod time.Duration `mapstructure:"grace_period" yaml:"grace_period"`

	// EnableDeadLetterQueue stores envelopes a handler exhausted its retries on.
	EnableDeadLetterQueue bool `mapstructure:"enable_dead_letter_queue" yaml:"enable_dead_letter_queue"`
}

// DefaultConfig returns the consumer defaults.
func DefaultConfig() Config {
	return Config{
		Pattern:               event.AllTopics,
		MaxConcurrentHandlers: 10,
		MaxInFlight:           100,
		HandlerTimeout:        30 * time.Second,
		MaxRetries:            3,
		RetryBackoff:          time.Second,
		MaxRetryBackoff:       30 * time.Second,
		HealthInterval:        60 * time.Second,
		GracePeriod:           30 * time.Second,
		EnableDeadLetterQueue: true,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Pattern == "" {
		c.Pattern = d.Pattern
	}
	if c.MaxConcurrentHandlers <= 0 {
		c.MaxConcurrentHandlers = d.MaxConcurrentHandlers
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = d.MaxInFlight
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = d.HandlerTimeout
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
	if c.HealthInterval <= 0 {
		c.HealthInterval = d.HealthInterval
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = d.GracePeriod
	}
	return c
}

// Validate reports configuration errors that defaults cannot fix.
func (c Config) Validate() error {
	if c.MaxRetryBackoff > 0 && c.RetryBackoff > c.MaxRetryBackoff {
		return fmt.Errorf("dispatcher: retry_backoff %s exceeds max_retry_backoff %s", c.RetryBackoff, c.MaxRetryBackoff)
	}
	return nil
}

// backoff is the handler retry schedule. Attempts are counted by the runner.
func (c Config) backoff() buserrors.RetryConfig {
	return buserrors.NewRetryConfig(
		buserrors.WithInitialBackoff(c.RetryBackoff),
		buserrors.WithMaxBackoff(c.MaxRetryBackoff),
		buserrors.WithBackoffFactor(2),
		buserrors.WithJitter(0),
	)
}

package errors

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryConfig describes an exponential backoff schedule.
type RetryConfig struct {
	// MaxAttempts counts the first attempt. Values below 1 mean 1.
	MaxAttempts int

	// InitialBackoff is the delay after the first failure.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay. Zero means uncapped.
	MaxBackoff time.Duration

	// BackoffFactor multiplies the delay after each failure.
	BackoffFactor float64

	// Jitter spreads each delay by up to +/- Jitter of its value (0.0-1.0).
	Jitter float64

	// RetryableFunc replaces IsRetryable when set.
	RetryableFunc func(error) bool

	// OnAttempt is called after every failed attempt with the 1-based attempt
	// number, its error and the delay before the next attempt, zero when
	// none follows.
	OnAttempt func(attempt int, err error, next time.Duration)
}

// DefaultRetry matches the broker write defaults: three attempts from one
// second, doubling to at most thirty.
var DefaultRetry = RetryConfig{
	MaxAttempts:    3,
	InitialBackoff: time.Second,
	MaxBackoff:     30 * time.Second,
	BackoffFactor:  2.0,
	Jitter:         0.1,
}

// Delay returns the jittered delay that follows failed attempt n (1-based).
func (c RetryConfig) Delay(n int) time.Duration {
	d := float64(c.InitialBackoff)
	factor := c.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	for i := 1; i < n; i++ {
		d *= factor
		if c.MaxBackoff > 0 && d >= float64(c.MaxBackoff) {
			d = float64(c.MaxBackoff)
			break
		}
	}
	return calculateBackoff(time.Duration(d), c.Jitter)
}

func (c RetryConfig) attempts() int {
	return max(1, c.MaxAttempts)
}

func (c RetryConfig) retryable(err error) bool {
	if c.RetryableFunc != nil {
		return c.RetryableFunc(err)
	}
	return IsRetryable(err)
}

// AttemptRecord describes one failed attempt. Dead-lettered envelopes carry
// their attempt history.
type AttemptRecord struct {
	Number    int           `json:"number"`
	Error     string        `json:"error"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// RetryResult is the outcome of WithRetryContext.
type RetryResult[T any] struct {
	Value T

	// Err is nil on success. Otherwise a *CategorizedError wrapping the last
	// failure, or the context error when cancelled.
	Err error

	Attempts int
	Duration time.Duration

	// History holds one record per failed attempt.
	History []AttemptRecord
}

// WithRetry is WithRetryContext without cancellation.
func WithRetry[T any](cfg RetryConfig, fn func() (T, error)) RetryResult[T] {
	return WithRetryContext(context.Background(), cfg, func(context.Context) (T, error) {
		return fn()
	})
}

// WithRetryContext calls fn until it succeeds, returns a non-retryable
// error, runs out of attempts or ctx ends. Cancellation is checked before
// every attempt and during every backoff.
func WithRetryContext[T any](
	ctx context.Context,
	cfg RetryConfig,
	fn func(context.Context) (T, error),
) RetryResult[T] {
	var res RetryResult[T]
	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	fail := func(err error, category Category, note string) RetryResult[T] {
		res.Err = &CategorizedError{Err: err, Category: category, Retries: res.Attempts, Context: note}
		return res
	}

	limit := cfg.attempts()
	for res.Attempts < limit {
		if err := ctx.Err(); err != nil {
			return fail(err, CategoryPermanent, "context cancelled")
		}

		began := time.Now()
		v, err := fn(ctx)
		res.Attempts++
		if err == nil {
			res.Value = v
			return res
		}
		res.History = append(res.History, AttemptRecord{
			Number:    res.Attempts,
			Error:     err.Error(),
			StartedAt: began,
			Duration:  time.Since(began),
		})

		if !cfg.retryable(err) {
			notify(cfg, res.Attempts, err, 0)
			return fail(err, Categorize(err), "")
		}
		if res.Attempts == limit {
			notify(cfg, res.Attempts, err, 0)
			return fail(err, Categorize(err), "max retries exceeded")
		}

		wait := cfg.Delay(res.Attempts)
		notify(cfg, res.Attempts, err, wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fail(ctx.Err(), CategoryPermanent, "context cancelled during backoff")
		case <-timer.C:
		}
	}
	return res
}

func notify(cfg RetryConfig, attempt int, err error, next time.Duration) {
	if cfg.OnAttempt != nil {
		cfg.OnAttempt(attempt, err, next)
	}
}

// calculateBackoff spreads base by up to +/- jitter of its value.
func calculateBackoff(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return base
	}
	spread := float64(base) * jitter * (rand.Float64()*2 - 1)
	return time.Duration(float64(base) + spread)
}

// RetryOption adjusts a RetryConfig.
type RetryOption func(*RetryConfig)

// WithMaxAttempts sets MaxAttempts.
func WithMaxAttempts(n int) RetryOption {
	return func(cfg *RetryConfig) { cfg.MaxAttempts = n }
}

// WithInitialBackoff sets InitialBackoff.
func WithInitialBackoff(d time.Duration) RetryOption {
	return func(cfg *RetryConfig) { cfg.InitialBackoff = d }
}

// WithMaxBackoff sets MaxBackoff.
func WithMaxBackoff(d time.Duration) RetryOption {
	return func(cfg *RetryConfig) { cfg.MaxBackoff = d }
}

// WithBackoffFactor sets BackoffFactor.
func WithBackoffFactor(f float64) RetryOption {
	return func(cfg *RetryConfig) { cfg.BackoffFactor = f }
}

// WithJitter sets Jitter.
func WithJitter(j float64) RetryOption {
	return func(cfg *RetryConfig) { cfg.Jitter = j }
}

// WithRetryableFunc sets RetryableFunc.
func WithRetryableFunc(fn func(error) bool) RetryOption {
	return func(cfg *RetryConfig) { cfg.RetryableFunc = fn }
}

// WithOnAttempt sets OnAttempt.
func WithOnAttempt(fn func(attempt int, err error, next time.Duration)) RetryOption {
	return func(cfg *RetryConfig) { cfg.OnAttempt = fn }
}

// NewRetryConfig applies opts over DefaultRetry.
func NewRetryConfig(opts ...RetryOption) RetryConfig {
	cfg := DefaultRetry
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

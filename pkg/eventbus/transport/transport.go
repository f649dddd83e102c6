// Package transport defines the broker abstraction the bus publishes to and
// consumes from. Concrete adapters live in sub-packages: memory, redis, nats,
// rabbitmq and kafka.
//
// Brokers are treated as at-least-once: a delivery that is never acked, or is
// nacked with requeue, is delivered again. Everything above this package
// tolerates duplicates.
package transport

import (
	"context"
	"errors"
	"path"
	"strings"
)

// Message is one outbound broker message.
type Message struct {
	Topic string

	// Key groups messages that must stay ordered, e.g. "tenant/aggregate".
	// Brokers with partitions use it for placement.
	Key     string
	Body    []byte
	Headers map[string]string
}

// Delivery is one inbound broker message.
type Delivery interface {
	Topic() string
	Key() string
	Body() []byte
	Headers() map[string]string

	// Ack confirms processing. The broker will not deliver it again.
	Ack(ctx context.Context) error

	// Nack rejects the delivery; with requeue the broker delivers it again.
	Nack(ctx context.Context, requeue bool) error
}

// DeliveryFunc receives deliveries. It must not block for long: the
// dispatcher enqueues and returns, acking later.
type DeliveryFunc func(ctx context.Context, d Delivery)

// Subscription is an active subscription.
type Subscription interface {
	// Unsubscribe stops delivery. Unacked deliveries are left to the broker.
	Unsubscribe() error
}

// Transport is a broker connection.
type Transport interface {
	Publish(ctx context.Context, msg Message) error

	// Subscribe delivers every message whose topic matches pattern.
	// Patterns use "*" as a wildcard across any characters, dots included,
	// so "events.*" matches all event topics.
	Subscribe(ctx context.Context, pattern string, fn DeliveryFunc) (Subscription, error)

	Close() error
}

// Sentinel errors for transports.
var (
	// ErrClosed indicates the transport has been closed.
	ErrClosed = errors.New("transport closed")

	// ErrNotConnected indicates the adapter has no usable client.
	ErrNotConnected = errors.New("transport not connected")
)

// MatchTopic reports whether topic matches pattern.
func MatchTopic(pattern, topic string) bool {
	ok, err := path.Match(pattern, topic)
	return err == nil && ok
}

// PatternPrefix returns the literal part of pattern before the first wildcard.
func PatternPrefix(pattern string) string {
	if i := strings.IndexAny(pattern, "*?["); i >= 0 {
		return pattern[:i]
	}
	return pattern
}

// CopyHeaders returns a copy of h, or nil.
func CopyHeaders(h map[string]string) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// WrapPublishError annotates err with the adapter name, keeping context
// errors untouched so callers can tell cancellation from broker failure.
func WrapPublishError(adapter, topic string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &PublishError{Adapter: adapter, Topic: topic, Err: err}
}

// PublishError is a broker write failure.
type PublishError struct {
	Adapter string
	Topic   string
	Err     error
}

func (e *PublishError) Error() string {
	return e.Adapter + " publish to " + e.Topic + ": " + e.Err.Error()
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

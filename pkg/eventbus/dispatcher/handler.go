package dispatcher

import (
	"context"
	"slices"

	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
)

// Wildcard in EventTypes matches every event type.
const Wildcard = "*"

// Health is a handler's self-reported state.
type Health int

const (
	// Healthy handlers receive work.
	Healthy Health = iota
	// Degraded handlers still receive work. Set after a timeout or by the
	// handler's own check.
	Degraded
	// Unhealthy handlers are paused; their work stays queued.
	Unhealthy
)

// String returns the health name.
func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Handler reacts to domain events.
type Handler interface {
	// Name identifies the handler. It keys delivery records and sequence
	// watermarks, so it must be stable across restarts.
	Name() string

	// EventTypes lists the types handled. Wildcard matches all.
	EventTypes() []string

	// Priority orders handlers when an event is routed; higher first.
	Priority() int

	// Handle processes one event. The context ends at the handler timeout.
	// A call that outlives its context is abandoned and counted as a
	// timeout; a sequential handler gets no further call until it returns.
	Handle(ctx context.Context, evt *event.DomainEvent) error

	// HealthCheck is polled periodically and must be cheap.
	HealthCheck(ctx context.Context) Health
}

// ConcurrentHandler declares how many events a handler may process at once.
// Handlers that do not implement it, or return 0 or 1, are sequential.
type ConcurrentHandler interface {
	Concurrency() int
}

// ErrorObserver is told about every failed attempt.
type ErrorObserver interface {
	OnError(ctx context.Context, evt *event.DomainEvent, err error, attempt int)
}

// ProcessingHooks run around every attempt. An error from BeforeHandle
// fails the attempt without calling Handle.
type ProcessingHooks interface {
	BeforeHandle(ctx context.Context, evt *event.DomainEvent) error
	AfterHandle(ctx context.Context, evt *event.DomainEvent, err error)
}

// HandleFunc is the function form of Handler.Handle.
type HandleFunc func(ctx context.Context, evt *event.DomainEvent) error

// HandlerOption configures a handler built by NewHandler.
type HandlerOption func(*funcHandler)

// WithHandlerPriority sets the routing priority.
func WithHandlerPriority(p int) HandlerOption {
	return func(h *funcHandler) {
		h.priority = p
	}
}

// WithConcurrency allows n events to be processed at once.
func WithConcurrency(n int) HandlerOption {
	return func(h *funcHandler) {
		h.concurrency = n
	}
}

// WithHealthCheck sets the health check function. The default reports Healthy.
func WithHealthCheck(fn func(ctx context.Context) Health) HandlerOption {
	return func(h *funcHandler) {
		h.health = fn
	}
}

// WithErrorObserver is called after every failed attempt.
func WithErrorObserver(fn func(ctx context.Context, evt *event.DomainEvent, err error, attempt int)) HandlerOption {
	return func(h *funcHandler) {
		h.onError = fn
	}
}

// NewHandler adapts a function to Handler.
func NewHandler(name string, eventTypes []string, fn HandleFunc, opts ...HandlerOption) Handler {
	h := &funcHandler{
		name:  name,
		types: slices.Clone(eventTypes),
		fn:    fn,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type funcHandler struct {
	name        string
	types       []string
	fn          HandleFunc
	priority    int
	concurrency int
	health      func(ctx context.Context) Health
	onError     func(ctx context.Context, evt *event.DomainEvent, err error, attempt int)
}

func (h *funcHandler) Name() string         { return h.name }
func (h *funcHandler) EventTypes() []string { return h.types }
func (h *funcHandler) Priority() int        { return h.priority }
func (h *funcHandler) Concurrency() int     { return h.concurrency }

func (h *funcHandler) Handle(ctx context.Context, evt *event.DomainEvent) error {
	return h.fn(ctx, evt)
}

func (h *funcHandler) HealthCheck(ctx context.Context) Health {
	if h.health == nil {
		return Healthy
	}
	return h.health(ctx)
}

func (h *funcHandler) OnError(ctx context.Context, evt *event.DomainEvent, err error, attempt int) {
	if h.onError != nil {
		h.onError(ctx, evt, err, attempt)
	}
}

// handles reports whether h declares eventType, exactly or by wildcard.
func handles(h Handler, eventType string) bool {
	for _, t := range h.EventTypes() {
		if t == Wildcard || t == eventType {
			return true
		}
	}
	return false
}

func concurrencyOf(h Handler, limit int) int {
	ch, ok := h.(ConcurrentHandler)
	if !ok {
		return 1
	}
	n := ch.Concurrency()
	if n <= 1 {
		return 1
	}
	return min(n, limit)
}

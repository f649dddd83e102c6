package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for the bus. Every error returned by the publisher, the
// dispatcher and the ledger wraps exactly one of these, so callers can use
// errors.Is regardless of how much context was added on the way up.
var (
	// ErrCorruptEvent indicates the integrity digest does not match the event content.
	ErrCorruptEvent = errors.New("corrupt event")

	// ErrOutOfOrder indicates a sequence number at or below the last admitted value.
	ErrOutOfOrder = errors.New("event out of order")

	// ErrRateLimited indicates the publish rate limiter rejected the event.
	ErrRateLimited = errors.New("rate limited")

	// ErrPayloadTooLarge indicates the serialized envelope exceeds the size limit.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrTransportFailure indicates the broker write failed after all retries.
	ErrTransportFailure = errors.New("transport failure")

	// ErrHandlerTimeout indicates a handler invocation exceeded its timeout.
	ErrHandlerTimeout = errors.New("handler timeout")

	// ErrHandlerError indicates a handler returned an error.
	ErrHandlerError = errors.New("handler error")

	// ErrDuplicateHandlerName indicates two handlers were registered under one name.
	ErrDuplicateHandlerName = errors.New("duplicate handler name")

	// ErrInvalidPayload indicates the payload could not be serialized.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrMissingRequiredField indicates a required event field is empty.
	ErrMissingRequiredField = errors.New("missing required field")

	// ErrUnsupportedVersion indicates a schema version the consumer cannot parse.
	ErrUnsupportedVersion = errors.New("unsupported schema version")

	// ErrLedgerUnavailable indicates the ledger backing store could not be reached.
	ErrLedgerUnavailable = errors.New("ledger unavailable")

	// ErrQueueFull indicates the async publish queue is at capacity.
	ErrQueueFull = errors.New("publish queue full")

	// ErrClosed indicates the component has been stopped or closed.
	ErrClosed = errors.New("closed")
)

// BusError adds operation and event context to a sentinel error.
type BusError struct {
	// Op is the operation that failed (e.g. "publish", "dispatch").
	Op string

	// EventID is the event being processed, if known.
	EventID string

	// Handler is the handler involved, if any.
	Handler string

	// Err is the underlying error. It normally wraps one of the sentinels.
	Err error
}

// Error implements the error interface.
func (e *BusError) Error() string {
	switch {
	case e.Handler != "" && e.EventID != "":
		return fmt.Sprintf("%s %s (handler %s): %v", e.Op, e.EventID, e.Handler, e.Err)
	case e.EventID != "":
		return fmt.Sprintf("%s %s: %v", e.Op, e.EventID, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
}

// Unwrap returns the underlying error.
func (e *BusError) Unwrap() error {
	return e.Err
}

// New wraps err with operation and event context.
func New(op, eventID string, err error) *BusError {
	return &BusError{Op: op, EventID: eventID, Err: err}
}

// Wrap joins a sentinel with a cause so that errors.Is matches both.
//
//	return Wrap(ErrTransportFailure, err)
func Wrap(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, cause)
}

// Is reports whether any error in err's tree matches target.
// It mirrors the standard library so callers need only one errors import.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Join returns an error that wraps the given errors.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// Package errors provides the bus error taxonomy, categorization, and retry.
//
// The package implements a layered error handling approach:
//   - Taxonomy: sentinel errors for every failure the bus can report
//   - Categorization: classify errors as transient or permanent
//   - Retry: handle transient failures with exponential backoff
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Category says whether retrying an error can help.
type Category int

const (
	// CategoryTransient covers rate limits, broker outages, handler
	// timeouts and handler errors.
	CategoryTransient Category = iota

	// CategoryPermanent covers corrupt events, oversized payloads,
	// sequence regressions and cancellation.
	CategoryPermanent
)

func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	}
	return "unknown"
}

// CategorizedError pins a category on an error. The retry loop also uses it
// to report how many attempts were made.
type CategorizedError struct {
	Err      error
	Category Category
	Retries  int

	// Context names the operation, e.g. "max retries exceeded".
	Context string
}

func (e *CategorizedError) Error() string {
	msg := fmt.Sprintf("%s [%s after %d attempts]", e.Err, e.Category, e.Retries)
	if e.Context == "" {
		return msg
	}
	return e.Context + ": " + msg
}

func (e *CategorizedError) Unwrap() error { return e.Err }

// NewCategorized wraps err with an explicit category.
func NewCategorized(err error, category Category, context string) *CategorizedError {
	return &CategorizedError{Err: err, Category: category, Context: context}
}

// Transient marks err as worth retrying.
func Transient(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryTransient, context)
}

// Permanent marks err as final. Handlers return it to skip their retries.
func Permanent(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryPermanent, context)
}

var transientSentinels = []error{
	ErrRateLimited,
	ErrTransportFailure,
	ErrHandlerTimeout,
	ErrHandlerError,
	ErrLedgerUnavailable,
	ErrQueueFull,
	context.DeadlineExceeded,
}

// Categorize classifies err. An explicit CategorizedError wins over the
// sentinel table; anything unrecognised is permanent.
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category
	}

	if errors.Is(err, context.Canceled) {
		return CategoryPermanent
	}

	for _, sentinel := range transientSentinels {
		if errors.Is(err, sentinel) {
			return CategoryTransient
		}
	}

	return CategoryPermanent
}

// IsRetryable reports whether the error should be retried.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}

// IsPermanent reports whether the error must surface to the caller immediately.
func IsPermanent(err error) bool {
	return Categorize(err) == CategoryPermanent
}

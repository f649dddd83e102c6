// Package store provides the durable event store used for replay and
// dead-letter capture.
package store

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"

	buserrors "github.com/randalmurphal/eventbus/pkg/eventbus/errors"
	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
)

// Store persists published and dead-lettered envelopes.
// Implementations must be safe for concurrent use.
type Store interface {
	// Append stores a record. The record's ID is assigned if empty.
	Append(ctx context.Context, rec *Record) error

	// Range returns the records matching q in append order.
	// Returns empty slice (not error) if nothing matches.
	Range(ctx context.Context, q Query) ([]*Record, error)

	// Delete removes records by ID. Unknown IDs are ignored.
	Delete(ctx context.Context, ids ...string) error

	// Purge removes records whose retention expired before now.
	Purge(ctx context.Context, now time.Time) (int, error)

	// Close releases any resources (connections, files).
	Close() error
}

// Outcome says why a record was written.
type Outcome string

const (
	OutcomePublished    Outcome = "published"
	OutcomeDeadLettered Outcome = "dead_lettered"
)

// Record is one stored envelope.
type Record struct {
	ID       string
	Envelope *event.Envelope
	Outcome  Outcome

	// Handler is set for envelopes dead-lettered by a dispatcher handler and
	// empty for envelopes the publisher could not deliver to the broker.
	Handler string
	Topic   string
	Error   string

	Attempts   []buserrors.AttemptRecord
	RecordedAt time.Time
	ExpiresAt  time.Time
}

// NewRecord builds a record for env with the expiry taken from the event's
// retention class.
func NewRecord(env *event.Envelope, outcome Outcome, now time.Time) *Record {
	now = now.UTC()
	return &Record{
		ID:         uuid.NewString(),
		Envelope:   env,
		Outcome:    outcome,
		RecordedAt: now,
		ExpiresAt:  now.Add(env.Retention().Duration()),
	}
}

// Query selects records. Zero fields match everything.
// From and To bound the event's occurrence time, To exclusive.
type Query struct {
	From       time.Time
	To         time.Time
	EventTypes []string
	TenantID   string
	Outcome    Outcome
	Handler    string
	Limit      int
}

// Match reports whether rec satisfies q.
func (q Query) Match(rec *Record) bool {
	if rec == nil || rec.Envelope == nil {
		return false
	}
	if q.Outcome != "" && rec.Outcome != q.Outcome {
		return false
	}
	if q.Handler != "" && rec.Handler != q.Handler {
		return false
	}
	if q.TenantID != "" && rec.Envelope.TenantID() != q.TenantID {
		return false
	}
	if len(q.EventTypes) > 0 && !slices.Contains(q.EventTypes, rec.Envelope.EventType()) {
		return false
	}
	occurred := rec.Envelope.OccurredAt()
	if !q.From.IsZero() && occurred.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !occurred.Before(q.To) {
		return false
	}
	return true
}

// Sentinel errors for store operations.
var (
	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("event store closed")

	// ErrInvalidRecord indicates a record without an envelope.
	ErrInvalidRecord = errors.New("record has no envelope")
)

func prepare(rec *Record) error {
	if rec == nil || rec.Envelope == nil {
		return ErrInvalidRecord
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = rec.RecordedAt.Add(rec.Envelope.Retention().Duration())
	}
	return nil
}

// Package ledger records recently seen event identities, per-aggregate
// sequence watermarks and handler delivery records.
//
// The ledger is the only mutable state shared between the publisher and the
// dispatcher. Every operation is an atomic insert-if-absent or
// compare-and-set; no caller holds a lock across I/O.
//
// Failure policy: backend errors wrap errors.ErrLedgerUnavailable. Callers
// fail open on MarkSeen and Delivered (a duplicate is only wasted work) and
// fail closed on Advance (an ordering violation is a correctness defect).
package ledger

import (
	"context"
	"time"

	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
)

// DefaultWindow is how long event ids and delivery records are remembered.
const DefaultWindow = time.Hour

// PublishScope is the sequence scope used by the publisher. The dispatcher
// uses one scope per handler name.
const PublishScope = "publish"

// Ledger answers "have we seen this event?" and "is this sequence admissible?".
// Implementations must be safe for concurrent use.
type Ledger interface {
	// MarkSeen records eventID if absent and reports whether it was already
	// present within the window.
	MarkSeen(ctx context.Context, eventID string) (seen bool, err error)

	// Forget removes eventID so a failed publish can be attempted again.
	Forget(ctx context.Context, eventID string) error

	// Advance moves the watermark for (scope, key) to seq.
	// It fails with ErrOutOfOrder when seq is at or below the current
	// watermark, except when the same eventID is re-admitted at the same seq.
	Advance(ctx context.Context, scope string, key event.AggregateKey, seq int64, eventID string) error

	// Release undoes the Advance to seq if it is still the current watermark.
	Release(ctx context.Context, scope string, key event.AggregateKey, seq int64) error

	// LastSequence returns the watermark for (scope, key), or 0.
	LastSequence(ctx context.Context, scope string, key event.AggregateKey) (int64, error)

	// MarkDelivered writes the DeliveryRecord for (eventID, handler).
	MarkDelivered(ctx context.Context, eventID, handler string) error

	// Delivered reports whether (eventID, handler) completed within the window.
	Delivered(ctx context.Context, eventID, handler string) (bool, error)

	// Sweep purges expired entries and returns how many were removed.
	Sweep(ctx context.Context) (int, error)

	// Close releases resources. Further calls fail with ErrLedgerUnavailable.
	Close() error
}

// SequenceRecord is one persisted watermark.
type SequenceRecord struct {
	Scope    string
	Key      event.AggregateKey
	Sequence int64
	EventID  string
}

// SequenceCheckpoint persists sequence watermarks so an in-memory ledger can
// be restored after a restart.
type SequenceCheckpoint interface {
	// SaveSequence stores rec unless an equal or higher watermark is stored.
	SaveSequence(ctx context.Context, rec SequenceRecord) error
	// ReleaseSequence lowers the watermark of rec's key to rec.Sequence, but
	// only while the stored watermark is still released.
	ReleaseSequence(ctx context.Context, rec SequenceRecord, released int64) error
	DeleteSequence(ctx context.Context, scope string, key event.AggregateKey) error
	LoadSequences(ctx context.Context) ([]SequenceRecord, error)
}

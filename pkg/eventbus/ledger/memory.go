package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	buserrors "github.com/randalmurphal/eventbus/pkg/eventbus/errors"
	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
)

type seqKey struct {
	scope string
	key   event.AggregateKey
}

type deliveryKey struct {
	eventID string
	handler string
}

type seqEntry struct {
	seq     int64
	eventID string
	updated time.Time

	// previous watermark, for Release
	hasPrev     bool
	prevSeq     int64
	prevEventID string
}

// MemoryLedger is a process-local Ledger.
//
// Sequence watermarks survive only as long as the process unless a
// SequenceCheckpoint is attached: without one, the first sequence observed
// for an aggregate after a restart is trusted.
type MemoryLedger struct {
	mu sync.Mutex
	// cpMu orders checkpoint writes; it is taken while mu is held.
	cpMu        sync.Mutex
	seen        map[string]time.Time
	delivered   map[deliveryKey]time.Time
	sequences   map[seqKey]*seqEntry
	window      time.Duration
	seenWindow  time.Duration
	sequenceTTL time.Duration
	checkpoint  SequenceCheckpoint
	now         func() time.Time
	logger      *zap.Logger
	closed      bool
}

// Option configures a MemoryLedger.
type Option func(*MemoryLedger)

// WithWindow sets the deduplication window (default: one hour).
func WithWindow(d time.Duration) Option {
	return func(l *MemoryLedger) {
		if d > 0 {
			l.window = d
		}
	}
}

// WithSeenWindow keeps seen event ids for d instead of the window set by
// WithWindow. Delivery records keep the WithWindow window.
func WithSeenWindow(d time.Duration) Option {
	return func(l *MemoryLedger) {
		if d > 0 {
			l.seenWindow = d
		}
	}
}

// WithSequenceTTL expires sequence watermarks idle for longer than d.
// Zero (the default) keeps them forever.
func WithSequenceTTL(d time.Duration) Option {
	return func(l *MemoryLedger) {
		l.sequenceTTL = d
	}
}

// WithCheckpoint writes every watermark change through to cp.
func WithCheckpoint(cp SequenceCheckpoint) Option {
	return func(l *MemoryLedger) {
		l.checkpoint = cp
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *MemoryLedger) {
		l.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *MemoryLedger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewMemoryLedger creates an in-memory ledger.
func NewMemoryLedger(opts ...Option) *MemoryLedger {
	l := &MemoryLedger{
		seen:      make(map[string]time.Time),
		delivered: make(map[deliveryKey]time.Time),
		sequences: make(map[seqKey]*seqEntry),
		window:    DefaultWindow,
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Compile-time interface check.
var _ Ledger = (*MemoryLedger)(nil)

// Restore loads watermarks from the attached checkpoint.
// Existing in-memory watermarks that are higher are kept.
func (l *MemoryLedger) Restore(ctx context.Context) (int, error) {
	if l.checkpoint == nil {
		return 0, nil
	}
	records, err := l.checkpoint.LoadSequences(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore sequences: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	restored := 0
	for _, rec := range records {
		k := seqKey{scope: rec.Scope, key: rec.Key}
		if cur, ok := l.sequences[k]; ok && cur.seq >= rec.Sequence {
			continue
		}
		l.sequences[k] = &seqEntry{seq: rec.Sequence, eventID: rec.EventID, updated: now}
		restored++
	}
	return restored, nil
}

func (l *MemoryLedger) unavailable() error {
	return fmt.Errorf("%w: memory ledger closed", buserrors.ErrLedgerUnavailable)
}

// MarkSeen implements Ledger.
func (l *MemoryLedger) MarkSeen(_ context.Context, eventID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false, l.unavailable()
	}

	now := l.now()
	if at, ok := l.seen[eventID]; ok && now.Sub(at) < l.seenTTL() {
		return true, nil
	}
	l.seen[eventID] = now
	return false, nil
}

// Forget implements Ledger.
func (l *MemoryLedger) Forget(_ context.Context, eventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return l.unavailable()
	}
	delete(l.seen, eventID)
	return nil
}

// Advance implements Ledger.
func (l *MemoryLedger) Advance(ctx context.Context, scope string, key event.AggregateKey, seq int64, eventID string) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return l.unavailable()
	}

	k := seqKey{scope: scope, key: key}
	now := l.now()
	cur, ok := l.sequences[k]
	if ok && l.sequenceTTL > 0 && now.Sub(cur.updated) >= l.sequenceTTL {
		ok = false
	}
	if ok {
		if seq == cur.seq && eventID == cur.eventID {
			cur.updated = now
			l.mu.Unlock()
			return nil
		}
		if seq <= cur.seq {
			last := cur.seq
			l.mu.Unlock()
			return fmt.Errorf("%w: %s sequence %d at or below %d", buserrors.ErrOutOfOrder, key, seq, last)
		}
		l.sequences[k] = &seqEntry{
			seq: seq, eventID: eventID, updated: now,
			hasPrev: true, prevSeq: cur.seq, prevEventID: cur.eventID,
		}
	} else {
		l.sequences[k] = &seqEntry{seq: seq, eventID: eventID, updated: now}
	}
	done := l.handOff()
	defer done()

	l.saveCheckpoint(ctx, SequenceRecord{Scope: scope, Key: key, Sequence: seq, EventID: eventID})
	return nil
}

// Release implements Ledger.
func (l *MemoryLedger) Release(ctx context.Context, scope string, key event.AggregateKey, seq int64) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return l.unavailable()
	}

	k := seqKey{scope: scope, key: key}
	cur, ok := l.sequences[k]
	if !ok || cur.seq != seq {
		l.mu.Unlock()
		return nil
	}
	var restored *SequenceRecord
	if cur.hasPrev {
		l.sequences[k] = &seqEntry{seq: cur.prevSeq, eventID: cur.prevEventID, updated: l.now()}
		restored = &SequenceRecord{Scope: scope, Key: key, Sequence: cur.prevSeq, EventID: cur.prevEventID}
	} else {
		delete(l.sequences, k)
	}
	done := l.handOff()
	defer done()

	if l.checkpoint == nil {
		return nil
	}
	if restored != nil {
		if err := l.checkpoint.ReleaseSequence(ctx, *restored, seq); err != nil {
			l.logger.Warn("sequence checkpoint release failed",
				zap.String("scope", scope),
				zap.String("aggregate", key.String()),
				zap.Int64("sequence", seq),
				zap.Error(err),
			)
		}
		return nil
	}
	if err := l.checkpoint.DeleteSequence(ctx, scope, key); err != nil {
		l.logger.Warn("sequence checkpoint delete failed",
			zap.String("scope", scope),
			zap.String("aggregate", key.String()),
			zap.Error(err),
		)
	}
	return nil
}

func (l *MemoryLedger) seenTTL() time.Duration {
	if l.seenWindow > 0 {
		return l.seenWindow
	}
	return l.window
}

// handOff unlocks mu. With a checkpoint attached it first takes cpMu, so
// checkpoint writes land in the order the watermarks changed; the caller
// runs the returned func once its write is done.
func (l *MemoryLedger) handOff() func() {
	if l.checkpoint == nil {
		l.mu.Unlock()
		return func() {}
	}
	l.cpMu.Lock()
	l.mu.Unlock()
	return l.cpMu.Unlock
}

func (l *MemoryLedger) saveCheckpoint(ctx context.Context, rec SequenceRecord) {
	if l.checkpoint == nil {
		return
	}
	if err := l.checkpoint.SaveSequence(ctx, rec); err != nil {
		l.logger.Warn("sequence checkpoint write failed",
			zap.String("scope", rec.Scope),
			zap.String("aggregate", rec.Key.String()),
			zap.Int64("sequence", rec.Sequence),
			zap.Error(err),
		)
	}
}

// LastSequence implements Ledger.
func (l *MemoryLedger) LastSequence(_ context.Context, scope string, key event.AggregateKey) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, l.unavailable()
	}
	if cur, ok := l.sequences[seqKey{scope: scope, key: key}]; ok {
		return cur.seq, nil
	}
	return 0, nil
}

// MarkDelivered implements Ledger.
func (l *MemoryLedger) MarkDelivered(_ context.Context, eventID, handler string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return l.unavailable()
	}
	l.delivered[deliveryKey{eventID: eventID, handler: handler}] = l.now()
	return nil
}

// Delivered implements Ledger.
func (l *MemoryLedger) Delivered(_ context.Context, eventID, handler string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false, l.unavailable()
	}
	k := deliveryKey{eventID: eventID, handler: handler}
	at, ok := l.delivered[k]
	if !ok {
		return false, nil
	}
	if l.now().Sub(at) >= l.window {
		delete(l.delivered, k)
		return false, nil
	}
	return true, nil
}

// Sweep implements Ledger.
func (l *MemoryLedger) Sweep(_ context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, l.unavailable()
	}

	now := l.now()
	removed := 0
	for id, at := range l.seen {
		if now.Sub(at) >= l.seenTTL() {
			delete(l.seen, id)
			removed++
		}
	}
	for k, at := range l.delivered {
		if now.Sub(at) >= l.window {
			delete(l.delivered, k)
			removed++
		}
	}
	if l.sequenceTTL > 0 {
		for k, e := range l.sequences {
			if now.Sub(e.updated) >= l.sequenceTTL {
				delete(l.sequences, k)
				removed++
			}
		}
	}
	return removed, nil
}

// Stats returns the number of live entries per map.
func (l *MemoryLedger) Stats() (seen, delivered, sequences int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen), len(l.delivered), len(l.sequences)
}

// Close implements Ledger.
func (l *MemoryLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

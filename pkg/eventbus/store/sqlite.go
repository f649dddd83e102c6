package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	buserrors "github.com/randalmurphal/eventbus/pkg/eventbus/errors"
	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
	"github.com/randalmurphal/eventbus/pkg/eventbus/ledger"
)

// SQLiteStore persists event records and sequence watermarks to SQLite.
// It is suitable for single-process production use.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS event_records (
		position     INTEGER PRIMARY KEY AUTOINCREMENT,
		record_id    TEXT NOT NULL UNIQUE,
		event_id     TEXT NOT NULL,
		event_type   TEXT NOT NULL,
		tenant_id    TEXT NOT NULL,
		outcome      TEXT NOT NULL,
		handler      TEXT NOT NULL,
		topic        TEXT NOT NULL,
		error        TEXT NOT NULL,
		occurred_at  INTEGER NOT NULL,
		recorded_at  INTEGER NOT NULL,
		expires_at   INTEGER NOT NULL,
		attempts     BLOB,
		envelope     BLOB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_event_records_occurred ON event_records(occurred_at)`,
	`CREATE INDEX IF NOT EXISTS idx_event_records_expires ON event_records(expires_at)`,
	`CREATE TABLE IF NOT EXISTS sequence_watermarks (
		scope        TEXT NOT NULL,
		tenant_id    TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		sequence     INTEGER NOT NULL,
		event_id     TEXT NOT NULL,
		updated_at   INTEGER NOT NULL,
		PRIMARY KEY (scope, tenant_id, aggregate_id)
	)`,
}

// NewSQLiteStore creates a new SQLite event store.
// The path should be a file path (e.g., "./events.db") or ":memory:" for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: ":memory:" databases are per connection, and SQLite
	// serializes writers anyway.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Compile-time interface checks.
var (
	_ Store                     = (*SQLiteStore)(nil)
	_ ledger.SequenceCheckpoint = (*SQLiteStore)(nil)
)

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, rec *Record) error {
	if err := prepare(rec); err != nil {
		return err
	}
	envelope, err := event.Encode(rec.Envelope.Clone())
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	attempts, err := event.Marshal(rec.Attempts)
	if err != nil {
		return fmt.Errorf("encode attempts: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO event_records (
			record_id, event_id, event_type, tenant_id, outcome, handler, topic,
			error, occurred_at, recorded_at, expires_at, attempts, envelope
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID, rec.Envelope.EventID(), rec.Envelope.EventType(), rec.Envelope.TenantID(),
		string(rec.Outcome), rec.Handler, rec.Topic, rec.Error,
		unixNano(rec.Envelope.OccurredAt()), rec.RecordedAt.UnixNano(), rec.ExpiresAt.UnixNano(),
		attempts, envelope,
	)
	if err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	return nil
}

// Range implements Store.
func (s *SQLiteStore) Range(ctx context.Context, q Query) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var (
		where []string
		args  []any
	)
	if !q.From.IsZero() {
		where = append(where, "occurred_at >= ?")
		args = append(args, q.From.UnixNano())
	}
	if !q.To.IsZero() {
		where = append(where, "occurred_at < ?")
		args = append(args, q.To.UnixNano())
	}
	if q.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, q.TenantID)
	}
	if q.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, string(q.Outcome))
	}
	if q.Handler != "" {
		where = append(where, "handler = ?")
		args = append(args, q.Handler)
	}
	if len(q.EventTypes) > 0 {
		where = append(where, "event_type IN (?"+strings.Repeat(", ?", len(q.EventTypes)-1)+")")
		for _, t := range q.EventTypes {
			args = append(args, t)
		}
	}

	query := `SELECT record_id, outcome, handler, topic, error, recorded_at, expires_at, attempts, envelope
		FROM event_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY position"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("range records: %w", err)
	}
	defer rows.Close()

	records := []*Record{}
	for rows.Next() {
		var (
			rec                  Record
			outcome              string
			recorded, expires    int64
			attempts, envelopeBz []byte
		)
		if err := rows.Scan(&rec.ID, &outcome, &rec.Handler, &rec.Topic, &rec.Error,
			&recorded, &expires, &attempts, &envelopeBz); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Outcome = Outcome(outcome)
		rec.RecordedAt = time.Unix(0, recorded).UTC()
		rec.ExpiresAt = time.Unix(0, expires).UTC()
		if len(attempts) > 0 {
			if err := event.Unmarshal(attempts, &rec.Attempts); err != nil {
				return nil, fmt.Errorf("decode attempts for %s: %w", rec.ID, err)
			}
		}
		rec.Envelope, err = event.Decode(envelopeBz)
		if err != nil {
			return nil, fmt.Errorf("decode envelope for %s: %w", rec.ID, err)
		}
		records = append(records, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM event_records WHERE record_id IN (?"+strings.Repeat(", ?", len(ids)-1)+")",
		args...,
	)
	if err != nil {
		return fmt.Errorf("delete records: %w", err)
	}
	return nil
}

// Purge implements Store.
func (s *SQLiteStore) Purge(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM event_records WHERE expires_at <= ?`, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge records: %w", err)
	}
	return int(n), nil
}

// SaveSequence implements ledger.SequenceCheckpoint. A stored watermark is
// never lowered here; see ReleaseSequence.
func (s *SQLiteStore) SaveSequence(ctx context.Context, rec ledger.SequenceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sequence_watermarks (scope, tenant_id, aggregate_id, sequence, event_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope, tenant_id, aggregate_id) DO UPDATE SET
			sequence = excluded.sequence,
			event_id = excluded.event_id,
			updated_at = excluded.updated_at
		WHERE excluded.sequence > sequence_watermarks.sequence
	`, rec.Scope, rec.Key.TenantID, rec.Key.AggregateID, rec.Sequence, rec.EventID, time.Now().UnixNano())
	if err != nil {
		return buserrors.Wrap(buserrors.ErrLedgerUnavailable, fmt.Errorf("save sequence: %w", err))
	}
	return nil
}

// ReleaseSequence implements ledger.SequenceCheckpoint.
func (s *SQLiteStore) ReleaseSequence(ctx context.Context, rec ledger.SequenceRecord, released int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE sequence_watermarks SET sequence = ?, event_id = ?, updated_at = ?
		WHERE scope = ? AND tenant_id = ? AND aggregate_id = ? AND sequence = ?
	`, rec.Sequence, rec.EventID, time.Now().UnixNano(), rec.Scope, rec.Key.TenantID, rec.Key.AggregateID, released)
	if err != nil {
		return buserrors.Wrap(buserrors.ErrLedgerUnavailable, fmt.Errorf("release sequence: %w", err))
	}
	return nil
}

// DeleteSequence implements ledger.SequenceCheckpoint.
func (s *SQLiteStore) DeleteSequence(ctx context.Context, scope string, key event.AggregateKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.ExecContext(ctx, `
		DELETE FROM sequence_watermarks
		WHERE scope = ? AND tenant_id = ? AND aggregate_id = ?
	`, scope, key.TenantID, key.AggregateID)
	if err != nil {
		return fmt.Errorf("delete sequence: %w", err)
	}
	return nil
}

// LoadSequences implements ledger.SequenceCheckpoint.
func (s *SQLiteStore) LoadSequences(ctx context.Context) ([]ledger.SequenceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT scope, tenant_id, aggregate_id, sequence, event_id
		FROM sequence_watermarks
	`)
	if err != nil {
		return nil, fmt.Errorf("load sequences: %w", err)
	}
	defer rows.Close()

	var out []ledger.SequenceRecord
	for rows.Next() {
		var rec ledger.SequenceRecord
		if err := rows.Scan(&rec.Scope, &rec.Key.TenantID, &rec.Key.AggregateID, &rec.Sequence, &rec.EventID); err != nil {
			return nil, fmt.Errorf("scan sequence: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sequences: %w", err)
	}
	return out, nil
}

// unixNano maps the zero time to 0 instead of an out-of-range value.
func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

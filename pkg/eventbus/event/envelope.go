package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority orders work inside a handler's lanes.
type Priority int

const (
	// PriorityLow is processed after every other lane.
	PriorityLow Priority = iota
	// PriorityNormal is the default.
	PriorityNormal
	// PriorityHigh is processed before normal and low.
	PriorityHigh
	// PriorityCritical is processed first and bypasses the publish rate limiter.
	PriorityCritical
)

// Priorities lists the priorities from highest to lowest.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParsePriority parses a priority name. Matching is case-insensitive.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(s) {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(text []byte) error {
	v, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// LegacyEvent is the untyped event shape older producers still emit.
type LegacyEvent struct {
	EventID       string         `json:"event_id,omitempty"`
	EventType     string         `json:"event_type"`
	TenantID      string         `json:"tenant_id,omitempty"`
	AggregateID   string         `json:"aggregate_id,omitempty"`
	AggregateType string         `json:"aggregate_type,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at,omitempty"`
	Data          map[string]any `json:"data"`
}

// legacyNamespace seeds deterministic ids for legacy events that carry none.
var legacyNamespace = uuid.MustParse("6f1c7c2e-2d4b-4bb1-9a57-3a0f3f0c8e11")

// ID returns the event id, deriving a stable one from the content when missing.
func (l *LegacyEvent) ID() string {
	if l.EventID != "" {
		return l.EventID
	}
	data, _ := jsonAPI.Marshal(l)
	return uuid.NewSHA1(legacyNamespace, data).String()
}

// Upgrade converts the legacy event into a DomainEvent with schema version 0
// and no sequence number. The digest is computed over the upgraded form.
func (l *LegacyEvent) Upgrade() (*DomainEvent, error) {
	raw, err := encodePayload(l.Data)
	if err != nil {
		return nil, err
	}
	occurred := l.OccurredAt
	if occurred.IsZero() {
		occurred = time.Unix(0, 0)
	}
	id := l.ID()
	evt := &DomainEvent{
		id:            id,
		eventType:     l.EventType,
		aggregateID:   l.AggregateID,
		aggregateType: l.AggregateType,
		tenantID:      l.TenantID,
		occurredAt:    occurred.UTC(),
		correlationID: id,
		payload:       raw,
		retention:     DefaultRetention(l.EventType),
	}
	evt.digest = ComputeDigest(evt)
	return evt, nil
}

// Envelope wraps one event for transport. Only the metadata fields change
// while the envelope is in flight; the wrapped event is never modified.
type Envelope struct {
	Event        *DomainEvent `json:"event,omitempty"`
	Legacy       *LegacyEvent `json:"legacy,omitempty"`
	Priority     Priority     `json:"priority"`
	SizeBytes    int          `json:"size_bytes"`
	AttemptCount int          `json:"attempt_count"`
	EnqueuedAt   time.Time    `json:"enqueued_at"`

	// Target restricts dispatch to one handler. It is set when a handler's
	// dead letter is redriven so other handlers do not see the event again.
	Target string `json:"target,omitempty"`
}

// NewEnvelope wraps evt with the given priority.
func NewEnvelope(evt *DomainEvent, priority Priority) *Envelope {
	return &Envelope{
		Event:      evt,
		Priority:   priority,
		EnqueuedAt: time.Now().UTC(),
	}
}

// NewLegacyEnvelope wraps a legacy event with the given priority.
func NewLegacyEnvelope(legacy *LegacyEvent, priority Priority) *Envelope {
	return &Envelope{
		Legacy:     legacy,
		Priority:   priority,
		EnqueuedAt: time.Now().UTC(),
	}
}

// IsLegacy reports whether the envelope carries a legacy event.
func (e *Envelope) IsLegacy() bool {
	return e.Event == nil && e.Legacy != nil
}

// EventID returns the id of the wrapped event.
func (e *Envelope) EventID() string {
	switch {
	case e.Event != nil:
		return e.Event.ID()
	case e.Legacy != nil:
		return e.Legacy.ID()
	}
	return ""
}

// EventType returns the type of the wrapped event.
func (e *Envelope) EventType() string {
	switch {
	case e.Event != nil:
		return e.Event.Type()
	case e.Legacy != nil:
		return e.Legacy.EventType
	}
	return ""
}

// TenantID returns the tenant of the wrapped event.
func (e *Envelope) TenantID() string {
	switch {
	case e.Event != nil:
		return e.Event.TenantID()
	case e.Legacy != nil:
		return e.Legacy.TenantID
	}
	return ""
}

// OccurredAt returns when the wrapped event happened.
func (e *Envelope) OccurredAt() time.Time {
	switch {
	case e.Event != nil:
		return e.Event.OccurredAt()
	case e.Legacy != nil:
		return e.Legacy.OccurredAt
	}
	return time.Time{}
}

// Retention returns the retention class of the wrapped event.
func (e *Envelope) Retention() RetentionClass {
	if e.Event != nil {
		return e.Event.Retention()
	}
	return DefaultRetention(e.EventType())
}

// DomainEvent returns the wrapped event, upgrading a legacy event if needed.
func (e *Envelope) DomainEvent() (*DomainEvent, error) {
	switch {
	case e.Event != nil:
		return e.Event, nil
	case e.Legacy != nil:
		return e.Legacy.Upgrade()
	}
	return nil, fmt.Errorf("envelope carries no event")
}

// Clone returns a shallow copy. The wrapped event is shared since it is immutable.
func (e *Envelope) Clone() *Envelope {
	c := *e
	return &c
}

// rawEnvelope is decoded first to detect the wire shape before full decoding.
type rawEnvelope struct {
	Event  json.RawMessage `json:"event"`
	Legacy json.RawMessage `json:"legacy"`
}

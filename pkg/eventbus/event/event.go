package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	buserrors "github.com/randalmurphal/eventbus/pkg/eventbus/errors"
)

// ActorContext identifies who caused an event, for audit.
type ActorContext struct {
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// AggregateKey is the ordering key of an event.
type AggregateKey struct {
	TenantID    string
	AggregateID string
}

// String returns "tenant/aggregate".
func (k AggregateKey) String() string {
	return k.TenantID + "/" + k.AggregateID
}

// DomainEvent is an immutable record of a business occurrence.
// All fields are unexported; accessors return copies where the value is mutable.
type DomainEvent struct {
	id            string
	eventType     string
	schemaVersion int
	aggregateID   string
	aggregateType string
	tenantID      string
	sequence      int64
	occurredAt    time.Time
	correlationID string
	causationID   string
	actor         *ActorContext
	payload       json.RawMessage
	digest        string
	retention     RetentionClass
}

// ID returns the unique event identifier.
func (e *DomainEvent) ID() string { return e.id }

// Type returns the event type (e.g. "OrderCreated").
func (e *DomainEvent) Type() string { return e.eventType }

// SchemaVersion returns the payload schema version. Zero marks an upgraded legacy event.
func (e *DomainEvent) SchemaVersion() int { return e.schemaVersion }

// AggregateID returns the id of the entity the event is about.
func (e *DomainEvent) AggregateID() string { return e.aggregateID }

// AggregateType returns the kind of entity the event is about.
func (e *DomainEvent) AggregateType() string { return e.aggregateType }

// TenantID returns the tenant partition key.
func (e *DomainEvent) TenantID() string { return e.tenantID }

// Sequence returns the per-aggregate sequence number. Zero means unsequenced.
func (e *DomainEvent) Sequence() int64 { return e.sequence }

// OccurredAt returns the business timestamp.
func (e *DomainEvent) OccurredAt() time.Time { return e.occurredAt }

// CorrelationID groups related events across services.
func (e *DomainEvent) CorrelationID() string { return e.correlationID }

// CausationID returns the ID of the event that directly caused this one.
func (e *DomainEvent) CausationID() string { return e.causationID }

// Digest returns the integrity digest stamped at creation.
func (e *DomainEvent) Digest() string { return e.digest }

// Retention returns the retention class.
func (e *DomainEvent) Retention() RetentionClass { return e.retention }

// Key returns the ordering key.
func (e *DomainEvent) Key() AggregateKey {
	return AggregateKey{TenantID: e.tenantID, AggregateID: e.aggregateID}
}

// Actor returns a copy of the actor context, or nil.
func (e *DomainEvent) Actor() *ActorContext {
	if e.actor == nil {
		return nil
	}
	a := *e.actor
	return &a
}

// Payload returns a copy of the serialized payload.
func (e *DomainEvent) Payload() json.RawMessage {
	return append(json.RawMessage(nil), e.payload...)
}

// DecodePayload unmarshals the payload into v.
func (e *DomainEvent) DecodePayload(v any) error {
	if err := jsonAPI.Unmarshal(e.payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.eventType, err)
	}
	return nil
}

// Verify recomputes the digest and compares it with the stamped one.
// A mismatch returns an error wrapping ErrCorruptEvent.
func (e *DomainEvent) Verify() error {
	if e.digest == "" {
		return fmt.Errorf("%w: event %s has no integrity digest", buserrors.ErrCorruptEvent, e.id)
	}
	if got := ComputeDigest(e); got != e.digest {
		return fmt.Errorf("%w: event %s digest mismatch", buserrors.ErrCorruptEvent, e.id)
	}
	return nil
}

// Option configures event creation.
type Option func(*eventConfig)

type eventConfig struct {
	id            string
	schemaVersion int
	sequence      int64
	occurredAt    time.Time
	correlationID string
	causationID   string
	actor         *ActorContext
	retention     RetentionClass
}

// WithEventID sets a specific event ID (default: UUIDv7).
func WithEventID(id string) Option {
	return func(cfg *eventConfig) {
		cfg.id = id
	}
}

// WithSchemaVersion sets the schema version (default: 1).
func WithSchemaVersion(v int) Option {
	return func(cfg *eventConfig) {
		cfg.schemaVersion = v
	}
}

// WithSequence sets the per-aggregate sequence number.
func WithSequence(n int64) Option {
	return func(cfg *eventConfig) {
		cfg.sequence = n
	}
}

// WithOccurredAt sets the business timestamp (default: time.Now()).
func WithOccurredAt(t time.Time) Option {
	return func(cfg *eventConfig) {
		cfg.occurredAt = t
	}
}

// WithCorrelationID sets the correlation ID for tracing.
func WithCorrelationID(id string) Option {
	return func(cfg *eventConfig) {
		cfg.correlationID = id
	}
}

// WithCausationID sets the ID of the causing event.
func WithCausationID(id string) Option {
	return func(cfg *eventConfig) {
		cfg.causationID = id
	}
}

// WithActor sets the actor context.
func WithActor(actor ActorContext) Option {
	return func(cfg *eventConfig) {
		cfg.actor = &actor
	}
}

// WithRetention overrides the retention class derived from the event type.
func WithRetention(class RetentionClass) Option {
	return func(cfg *eventConfig) {
		cfg.retention = class
	}
}

// NewEventID returns a time-ordered UUIDv7, falling back to a random UUID.
func NewEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// New creates a digest-stamped event.
//
// It fails with ErrMissingRequiredField when the type, tenant or aggregate
// identifiers are empty, and with ErrInvalidPayload when the payload cannot
// be serialized. New performs no I/O and does not modify its arguments.
func New(
	eventType string,
	aggregateID string,
	aggregateType string,
	tenantID string,
	payload any,
	opts ...Option,
) (*DomainEvent, error) {
	switch {
	case eventType == "":
		return nil, fmt.Errorf("%w: event_type", buserrors.ErrMissingRequiredField)
	case tenantID == "":
		return nil, fmt.Errorf("%w: tenant_id", buserrors.ErrMissingRequiredField)
	case aggregateID == "":
		return nil, fmt.Errorf("%w: aggregate_id", buserrors.ErrMissingRequiredField)
	case aggregateType == "":
		return nil, fmt.Errorf("%w: aggregate_type", buserrors.ErrMissingRequiredField)
	}

	cfg := &eventConfig{
		schemaVersion: 1,
		occurredAt:    time.Now(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.sequence < 0 {
		return nil, fmt.Errorf("%w: negative sequence_number %d", buserrors.ErrInvalidPayload, cfg.sequence)
	}
	if cfg.schemaVersion < 1 {
		return nil, fmt.Errorf("%w: schema_version must be positive", buserrors.ErrInvalidPayload)
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}

	if cfg.id == "" {
		cfg.id = NewEventID()
	}
	// If no correlation ID, use event ID as the root
	if cfg.correlationID == "" {
		cfg.correlationID = cfg.id
	}
	if cfg.retention == "" {
		cfg.retention = DefaultRetention(eventType)
	}

	evt := &DomainEvent{
		id:            cfg.id,
		eventType:     eventType,
		schemaVersion: cfg.schemaVersion,
		aggregateID:   aggregateID,
		aggregateType: aggregateType,
		tenantID:      tenantID,
		sequence:      cfg.sequence,
		occurredAt:    cfg.occurredAt.UTC(),
		correlationID: cfg.correlationID,
		causationID:   cfg.causationID,
		actor:         cfg.actor,
		payload:       raw,
		retention:     cfg.retention,
	}
	evt.digest = ComputeDigest(evt)
	return evt, nil
}

// NewFromParent creates an event caused by parent.
// It inherits the correlation ID and tenant and sets the causation ID.
func NewFromParent(
	parent *DomainEvent,
	eventType string,
	aggregateID string,
	aggregateType string,
	payload any,
	opts ...Option,
) (*DomainEvent, error) {
	// Prepend parent correlation options (can be overridden by opts)
	parentOpts := []Option{
		WithCorrelationID(parent.CorrelationID()),
		WithCausationID(parent.ID()),
	}
	if parent.actor != nil {
		parentOpts = append(parentOpts, WithActor(*parent.actor))
	}
	allOpts := append(parentOpts, opts...)

	return New(eventType, aggregateID, aggregateType, parent.TenantID(), payload, allOpts...)
}

func encodePayload(payload any) (json.RawMessage, error) {
	var raw []byte
	switch p := payload.(type) {
	case nil:
		raw = []byte("null")
	case json.RawMessage:
		raw = p
	default:
		b, err := jsonAPI.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", buserrors.ErrInvalidPayload, err)
		}
		raw = b
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("%w: %w", buserrors.ErrInvalidPayload, err)
	}
	return json.RawMessage(buf.Bytes()), nil
}

// wireEvent is the JSON shape of a DomainEvent.
type wireEvent struct {
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	SchemaVersion  int             `json:"schema_version"`
	AggregateID    string          `json:"aggregate_id"`
	AggregateType  string          `json:"aggregate_type"`
	TenantID       string          `json:"tenant_id"`
	SequenceNumber int64           `json:"sequence_number"`
	OccurredAt     time.Time       `json:"occurred_at"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	CausationID    string          `json:"causation_id,omitempty"`
	Actor          *ActorContext   `json:"actor_context,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Digest         string          `json:"integrity_digest"`
	Retention      RetentionClass  `json:"retention_class"`
}

// MarshalJSON implements json.Marshaler.
func (e *DomainEvent) MarshalJSON() ([]byte, error) {
	return jsonAPI.Marshal(wireEvent{
		EventID:        e.id,
		EventType:      e.eventType,
		SchemaVersion:  e.schemaVersion,
		AggregateID:    e.aggregateID,
		AggregateType:  e.aggregateType,
		TenantID:       e.tenantID,
		SequenceNumber: e.sequence,
		OccurredAt:     e.occurredAt,
		CorrelationID:  e.correlationID,
		CausationID:    e.causationID,
		Actor:          e.actor,
		Payload:        e.payload,
		Digest:         e.digest,
		Retention:      e.retention,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
// It does not verify the digest; consumers call Verify explicitly.
// Unknown fields are ignored.
func (e *DomainEvent) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := jsonAPI.Unmarshal(data, &w); err != nil {
		return err
	}
	payload := w.Payload
	if len(payload) > 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, payload); err != nil {
			return err
		}
		payload = buf.Bytes()
	}
	*e = DomainEvent{
		id:            w.EventID,
		eventType:     w.EventType,
		schemaVersion: w.SchemaVersion,
		aggregateID:   w.AggregateID,
		aggregateType: w.AggregateType,
		tenantID:      w.TenantID,
		sequence:      w.SequenceNumber,
		occurredAt:    w.OccurredAt.UTC(),
		correlationID: w.CorrelationID,
		causationID:   w.CausationID,
		actor:         w.Actor,
		payload:       payload,
		digest:        w.Digest,
		retention:     w.Retention,
	}
	return nil
}

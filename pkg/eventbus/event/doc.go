// Package event provides the domain event model for the bus.
//
// # Overview
//
// A DomainEvent is an immutable record of a business occurrence:
//
//   - Identity: ID, Type, SchemaVersion
//   - Ordering: AggregateType, AggregateID, TenantID, Sequence
//   - Correlation: CorrelationID (traces related events), CausationID (parent event)
//   - Audit: Actor, OccurredAt
//   - Payload: compact JSON, decoded with DecodePayload
//   - Integrity: Digest, a SHA-256 over every immutable field
//   - Retention: RetentionClass (short, standard, compliance)
//
// Events are created with New, which validates required identifiers,
// serializes the payload and stamps the digest:
//
//	evt, err := event.New(event.TypeOrderCreated, orderID, event.AggregateOrder, tenantID,
//	    event.OrderCreated{OrderID: orderID, Currency: "EUR", TotalMinor: 1299},
//	    event.WithSequence(1),
//	)
//
// # Event Correlation
//
// Events support distributed tracing through correlation and causation IDs:
//
//	// Root event starts a new correlation chain
//	created, _ := event.New(event.TypeOrderCreated, ...)
//	// created.CorrelationID() == created.ID()
//
//	// Child events inherit correlation, set causation
//	paid, _ := event.NewFromParent(created, event.TypePaymentProcessed, paymentID, event.AggregatePayment, p)
//	// paid.CorrelationID() == created.ID()
//	// paid.CausationID() == created.ID()
//
// # Integrity
//
// Every consumer calls Verify before looking at the payload. The digest is
// computed over a canonical rendering of the payload, so re-encoding by a
// transport does not break verification while any change of content does.
//
// # Envelopes
//
// An Envelope wraps one event (or a LegacyEvent from older producers) with
// mutable transport metadata: Priority, SizeBytes, AttemptCount and
// EnqueuedAt. Encode and Decode convert envelopes to and from the wire.
//
// # Schema Registry
//
// Registry records which versions of each event type a consumer can parse:
//
//	registry := event.NewRegistry()
//	registry.MustRegister(&event.Schema{Type: event.TypeOrderCreated, Version: 3, MinVersion: 2})
//
//	err := registry.Check(evt) // ErrUnsupportedVersion for version 1
//
// Versions newer than the registered one are accepted because schema
// evolution is additive.
//
// # Topics
//
// DefaultTopic publishes on "events.{aggregate}.{type}" and TenantTopic on
// "events.tenant.{tenant}.{type}". AllTopics subscribes to both.
package event

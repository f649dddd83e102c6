package event

import (
	"fmt"
	"sort"
	"sync"

	buserrors "github.com/randalmurphal/eventbus/pkg/eventbus/errors"
)

// Schema describes what a consumer knows about one event type.
type Schema struct {
	// Type is the event type (e.g., "OrderCreated").
	Type string

	// Version is the newest schema version the consumer was built against.
	Version int

	// MinVersion is the oldest version the consumer can still parse.
	// Zero means 1.
	MinVersion int

	// Description explains the event's purpose.
	Description string

	// Validator is an optional custom validation function.
	Validator func(*DomainEvent) error

	// Deprecated marks the schema as deprecated.
	Deprecated bool
}

// IsCompatibleWith reports whether events at the given version can be read.
// Versions newer than Version are accepted: evolution is additive, so
// unknown fields are ignored. Version 0 marks an upgraded legacy event and
// is always accepted.
func (s *Schema) IsCompatibleWith(version int) bool {
	if version == 0 {
		return true
	}
	minVersion := s.MinVersion
	if minVersion < 1 {
		minVersion = 1
	}
	return version >= minVersion
}

// Validate checks if an event conforms to this schema.
func (s *Schema) Validate(evt *DomainEvent) error {
	if evt.Type() != s.Type {
		return fmt.Errorf("event type mismatch: expected %s, got %s", s.Type, evt.Type())
	}

	if !s.IsCompatibleWith(evt.SchemaVersion()) {
		return fmt.Errorf("%w: %s version %d, oldest supported %d",
			buserrors.ErrUnsupportedVersion, s.Type, evt.SchemaVersion(), s.MinVersion)
	}

	if s.Validator != nil {
		if err := s.Validator(evt); err != nil {
			return fmt.Errorf("%w: validation failed: %w", buserrors.ErrUnsupportedVersion, err)
		}
	}

	return nil
}

// Registry manages event schemas.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

// NewRegistry creates a new schema registry.
func NewRegistry() *Registry {
	return &Registry{
		schemas: make(map[string]*Schema),
	}
}

// Register adds a schema. A schema with a higher Version replaces the
// current one; registering an older version is an error.
func (r *Registry) Register(schema *Schema) error {
	if schema.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if schema.Version <= 0 {
		return fmt.Errorf("version must be positive")
	}
	if schema.MinVersion > schema.Version {
		return fmt.Errorf("min version %d exceeds version %d", schema.MinVersion, schema.Version)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.schemas[schema.Type]; ok && current.Version > schema.Version {
		return fmt.Errorf("schema %s already registered at newer version %d", schema.Type, current.Version)
	}
	r.schemas[schema.Type] = schema
	return nil
}

// Get returns the schema for an event type.
func (r *Registry) Get(eventType string) (*Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schema, ok := r.schemas[eventType]
	return schema, ok
}

// Check validates evt against its registered schema.
// Event types without a schema pass.
func (r *Registry) Check(evt *DomainEvent) error {
	r.mu.RLock()
	schema, ok := r.schemas[evt.Type()]
	r.mu.RUnlock()

	if !ok {
		return nil
	}
	return schema.Validate(evt)
}

// Has returns true if a schema exists for the event type.
func (r *Registry) Has(eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[eventType]
	return ok
}

// Types returns all registered event types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// MustRegister adds a schema, panicking on error.
func (r *Registry) MustRegister(schema *Schema) {
	if err := r.Register(schema); err != nil {
		panic(fmt.Sprintf("failed to register event schema: %v", err))
	}
}

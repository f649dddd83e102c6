package event

import (
	"fmt"
	"time"
)

// RetentionClass selects how long an event is kept in replay storage.
type RetentionClass string

const (
	// RetentionShort keeps operational events for 90 days.
	RetentionShort RetentionClass = "short"

	// RetentionStandard keeps events for one year.
	RetentionStandard RetentionClass = "standard"

	// RetentionCompliance keeps financial and audit events for seven years.
	RetentionCompliance RetentionClass = "compliance"
)

const day = 24 * time.Hour

// Duration returns the retention period. Unknown classes use the standard period.
func (c RetentionClass) Duration() time.Duration {
	switch c {
	case RetentionShort:
		return 90 * day
	case RetentionCompliance:
		return 7 * 365 * day
	default:
		return 365 * day
	}
}

// Valid reports whether c is one of the known classes.
func (c RetentionClass) Valid() bool {
	switch c {
	case RetentionShort, RetentionStandard, RetentionCompliance:
		return true
	}
	return false
}

// ParseRetentionClass parses a retention class name.
func ParseRetentionClass(s string) (RetentionClass, error) {
	c := RetentionClass(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown retention class %q", s)
	}
	return c, nil
}

// DefaultRetention derives the retention class from the event type.
func DefaultRetention(eventType string) RetentionClass {
	switch eventType {
	case TypePaymentProcessed, TypeOrderCreated, TypeRefundProcessed:
		return RetentionCompliance
	case TypeSystemEvent, TypeHealthCheckEvent:
		return RetentionShort
	default:
		return RetentionStandard
	}
}

// IsGlobal reports whether an event type concerns every tenant.
func IsGlobal(eventType string) bool {
	switch eventType {
	case TypeTenantCreated, TypeTenantDeleted, TypeSystemMaintenanceScheduled,
		TypeSecurityIncidentDetected, TypeComplianceViolationDetected:
		return true
	}
	return false
}

// IsSensitive reports whether an event type carries personal or payment data.
// Sensitive payloads must not be written to logs.
func IsSensitive(eventType string) bool {
	switch eventType {
	case TypeUserRegistered, TypePasswordChanged, TypePaymentProcessed,
		TypePiiDataAccessed, TypeSecurityEvent:
		return true
	}
	return false
}

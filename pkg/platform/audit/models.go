// Package audit captures gateway security and operations events. Domain logic
// emits transport-agnostic events; stores and sinks fan them out.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// EventCategory classifies audit events by their primary purpose, enabling
// different retention and routing downstream.
type EventCategory string

const (
	// CategorySecurity covers events that feed security monitoring:
	// degraded authentication, rejected tokens, rate-limit violations.
	CategorySecurity EventCategory = "security"

	// CategoryOperations covers events useful for debugging and operational
	// visibility: unreachable upstreams, unhealthy probes.
	CategoryOperations EventCategory = "operations"
)

// Event is emitted from gateway logic to record a noteworthy action.
type Event struct {
	ID        string        `json:"id"`
	Category  EventCategory `json:"category"`
	Timestamp time.Time     `json:"timestamp"`
	Action    string        `json:"action"`
	SubjectID string        `json:"subject_id,omitempty"`
	Service   string        `json:"service,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	ClientIP  string        `json:"client_ip,omitempty"`
	RequestID string        `json:"request_id,omitempty"`
}

type AuditEvent string

const (
	// Auth events
	EventAuthDegraded AuditEvent = "auth_degraded"
	EventAuthRejected AuditEvent = "auth_rejected"

	// Rate limit events
	EventRateLimitExceeded AuditEvent = "rate_limit_exceeded"

	// Upstream events
	EventUpstreamUnreachable AuditEvent = "upstream_unreachable"
	EventServiceUnhealthy    AuditEvent = "service_unhealthy"
)

// eventCategories maps each audit event to its category.
var eventCategories = map[AuditEvent]EventCategory{
	EventAuthDegraded:        CategorySecurity,
	EventAuthRejected:        CategorySecurity,
	EventRateLimitExceeded:   CategorySecurity,
	EventUpstreamUnreachable: CategoryOperations,
	EventServiceUnhealthy:    CategoryOperations,
}

// NewEvent builds a categorized event with ID and timestamp filled in.
func NewEvent(action AuditEvent) Event {
	category, ok := eventCategories[action]
	if !ok {
		category = CategoryOperations
	}
	return Event{
		ID:        uuid.NewString(),
		Category:  category,
		Timestamp: time.Now(),
		Action:    string(action),
	}
}

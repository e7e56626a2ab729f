package models

import (
	"time"
)

// EventType classifies an event. The set is open: producers may emit any
// non-empty type string, these are the ones the engine assigns meaning to.
type EventType string

const (
	// EventTypeError marks a failure reported by a service
	EventTypeError EventType = "error"
	// EventTypeHTTPRequest marks an outbound or inbound request start
	EventTypeHTTPRequest EventType = "http:request"
	// EventTypeHTTPResponse marks the matching response
	EventTypeHTTPResponse EventType = "http:response"
	// EventTypeSpanStart marks the start of a traced operation
	EventTypeSpanStart EventType = "span:start"
	// EventTypeSpanEnd marks the end of a traced operation
	EventTypeSpanEnd EventType = "span:end"
	// EventTypeMetrics carries a metrics snapshot in Data
	EventTypeMetrics EventType = "system:metrics"
)

// MetadataTriggeredBy names the event that caused this one explicitly.
// Its value is the causing event's ID.
const MetadataTriggeredBy = "triggered_by"

// Event is one observation emitted by a service. Events are immutable once
// ingested; the engine and all indexes share the same instance.
type Event struct {
	// ID is a unique identifier for the event (e.g., UUID)
	ID string `json:"id"`

	// Timestamp is when the event occurred (Unix milliseconds)
	Timestamp int64 `json:"timestamp"`

	// Type classifies the event
	Type EventType `json:"type"`

	// ServiceID identifies the emitting service
	ServiceID string `json:"serviceId"`

	// ServiceName is an optional human-readable service name
	ServiceName string `json:"serviceName,omitempty"`

	// TraceID groups events belonging to one distributed trace
	TraceID string `json:"traceId,omitempty"`

	// SpanID identifies this event's span within the trace
	SpanID string `json:"spanId,omitempty"`

	// ParentSpanID links to the causing span within the same trace
	ParentSpanID string `json:"parentSpanId,omitempty"`

	// Data carries the event payload as scalar values
	Data map[string]Value `json:"data,omitempty"`

	// Metadata carries out-of-band hints such as triggered_by
	Metadata map[string]string `json:"metadata,omitempty"`

	// TenantID scopes the event for query isolation
	TenantID string `json:"tenantId,omitempty"`
}

// Validate checks that the event has all required fields and is well-formed.
func (e *Event) Validate() error {
	if e.ID == "" {
		return NewInvalidEventError("event id must not be empty")
	}
	if e.Timestamp <= 0 {
		return NewInvalidEventError("timestamp must be positive, got %d", e.Timestamp)
	}
	if e.ServiceID == "" {
		return NewInvalidEventError("serviceId must not be empty")
	}
	if e.Type == "" {
		return NewInvalidEventError("type must not be empty")
	}
	return nil
}

// Time returns the event timestamp as a time.Time.
func (e *Event) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// IsError reports whether the event represents a failure: error-typed or
// carrying a data.error payload.
func (e *Event) IsError() bool {
	if e.Type == EventTypeError {
		return true
	}
	_, ok := e.Data["error"]
	return ok
}

// TriggeredBy returns the explicit causing event ID, if any.
func (e *Event) TriggeredBy() string {
	return e.Metadata[MetadataTriggeredBy]
}

// DataNumber returns the numeric value of a data key. The second return is
// false when the key is absent or not coercible to a number.
func (e *Event) DataNumber(key string) (float64, bool) {
	v, ok := e.Data[key]
	if !ok {
		return 0, false
	}
	return v.Number()
}

// DataString returns the canonical string form of a data key.
func (e *Event) DataString(key string) (string, bool) {
	v, ok := e.Data[key]
	if !ok {
		return "", false
	}
	return v.Canonical(), true
}

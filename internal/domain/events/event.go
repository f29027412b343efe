package events

import "time"

// EventType represents a domain event category, enabling type-safe event
// routing and handling. It allows the system to distinguish between different
// kinds of events like job scheduling, chunk completion, and job finalization.
type EventType string

// DomainEvent encapsulates all event data flowing through the system,
// providing a standardized format for event processing and distribution.
type DomainEvent struct {
	// Type identifies the category of this event for routing and handling.
	Type EventType

	// Key enables consistent event routing, typically containing a business
	// identifier like a JobID that events can be grouped or partitioned by.
	Key string

	// Headers contain metadata key-value pairs attached to the event.
	Headers map[string]string

	// Timestamp records when this event was created, enabling temporal
	// tracking and debugging of event flows.
	Timestamp time.Time

	// Payload contains the actual event data (e.g., JobScheduledEvent).
	// The concrete type depends on the EventType.
	Payload any
}

// EventMetadata carries transport-level positioning for an event so consumers
// can correlate, deduplicate, and acknowledge individual deliveries.
type EventMetadata struct {
	// Partition identifies the transport partition the event arrived on.
	Partition int32
	// Offset is the event's position within its partition.
	Offset int64
}

// EventEnvelope wraps a domain event with its transport metadata as it moves
// through an event bus implementation.
type EventEnvelope struct {
	Type      EventType
	Key       string
	Timestamp time.Time
	Payload   any
	Metadata  EventMetadata
}

// PublishOption is a function type that modifies PublishParams.
// It enables flexible configuration of event publishing behavior through
// functional options.
type PublishOption func(*PublishParams)

// PublishParams contains configuration options for publishing domain events.
type PublishParams struct {
	// Key is used as a partition key to control event routing and ordering.
	Key string
	// Headers contain metadata key-value pairs attached to the event.
	Headers map[string]string
}

// WithKey returns a PublishOption that sets the partition key for event
// routing. The key helps ensure related events are processed in order by the
// same consumer.
func WithKey(key string) PublishOption {
	return func(p *PublishParams) { p.Key = key }
}

// WithHeaders returns a PublishOption that attaches metadata headers to an
// event.
func WithHeaders(headers map[string]string) PublishOption {
	return func(p *PublishParams) { p.Headers = headers }
}

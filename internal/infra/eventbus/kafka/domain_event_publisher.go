package kafka

import (
	"context"

	"github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/internal/domain/events"
)

var _ events.DomainEventPublisher = (*DomainEventPublisher)(nil)

// DomainEventPublisher implements the events.DomainEventPublisher interface
// using an event bus as the underlying message transport. It adapts
// domain-level events to the event bus abstraction for reliable,
// asynchronous event distribution.
type DomainEventPublisher struct {
	eventBus events.EventBus
}

// NewDomainEventPublisher creates a new publisher that will distribute domain
// events through the provided event bus. The event bus handles the actual
// interaction with the transport.
func NewDomainEventPublisher(bus events.EventBus) *DomainEventPublisher {
	return &DomainEventPublisher{eventBus: bus}
}

// PublishDomainEvent sends a domain event through the event bus, carrying the
// event's timestamp and routing options along.
func (pub *DomainEventPublisher) PublishDomainEvent(
	ctx context.Context,
	event events.DomainEvent,
	opts ...events.PublishOption,
) error {
	evt := events.EventEnvelope{
		Type:      event.Type,
		Key:       event.Key,
		Timestamp: event.Timestamp,
		Payload:   event.Payload,
	}
	if event.Key != "" {
		opts = append([]events.PublishOption{events.WithKey(event.Key)}, opts...)
	}
	if len(event.Headers) > 0 {
		opts = append(opts, events.WithHeaders(event.Headers))
	}
	return pub.eventBus.Publish(ctx, evt, opts...)
}

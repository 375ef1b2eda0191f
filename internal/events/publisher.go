package events

import "context"

// Publisher fans audit events out to downstream consumers.
//
// Publishing is best-effort by contract: callers log a failed publish and
// move on, because the event is already durable in the store and a broker
// hiccup must never fail the request that produced the event.
type Publisher interface {
	// Publish sends one event. The event has already passed Validate.
	Publish(ctx context.Context, event *Event) error

	// Close flushes and releases the underlying transport.
	Close() error
}

// NopPublisher discards events. It stands in when no broker is configured,
// so callers never branch on "is publishing enabled".
type NopPublisher struct{}

// Publish discards the event.
func (NopPublisher) Publish(_ context.Context, _ *Event) error { return nil }

// Close is a no-op.
func (NopPublisher) Close() error { return nil }

// Compile-time interface compliance check
var _ Publisher = (*NopPublisher)(nil)

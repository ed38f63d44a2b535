package interfaces

import "context"

// EventPublisher publishes ledger events after they are committed.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, key string, event any) error
}

// NopPublisher drops every event. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, string, any) error { return nil }

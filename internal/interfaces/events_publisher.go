package interfaces

import "context"

// EventPublisher delivers domain events after the owning storage transaction
// has committed. Publishing is best-effort; a failure is logged, never
// propagated into the business operation.
type EventPublisher interface {
	Publish(ctx context.Context, eventType, key string, event any) error
	Close() error
}

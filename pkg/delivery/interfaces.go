package delivery

import "context"

// EventStore is the external persistence collaborator. The delivery service
// does not own message/conversation storage; it only requires that the
// domain object behind an Event has been written somewhere durable before
// delivery fan-out starts.
type EventStore interface {
	// StoreEvent persists the event and its recipient list. Implementations
	// must be idempotent on Event.ID so that a retried send does not fail.
	StoreEvent(ctx context.Context, ev Event, recipientUserIDs []string) error
}

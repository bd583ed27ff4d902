// Package delivery contains the public domain models, interfaces, and result
// types for the delivery service. It defines the contract for invoking the
// sender pipeline from the surrounding application.
package delivery

import (
	"encoding/json"
	"time"
)

// Event is one outbound realtime event (a chat message, a typing indicator,
// a presence change) to be delivered to a set of recipients.
//
// ID is the stable identifier of the already-persisted domain object
// (e.g. the message ID). It is used as the idempotency key for durable
// delivery jobs, so callers must supply the same ID when re-dispatching
// the same logical event.
type Event struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Payload  json.RawMessage `json:"payload"`
	Priority int             `json:"priority"`
}

// DispatchResult reports the per-recipient outcome of a single dispatch.
// A recipient appears in exactly one of the three lists.
type DispatchResult struct {
	// DeliveredOnline lists recipients whose event was published on the
	// relay. Publish success does not imply the client has received it.
	DeliveredOnline []string `json:"deliveredOnline"`

	// QueuedOffline lists recipients for whom a durable delivery job was
	// enqueued (offline at dispatch time, or relay publish failed).
	QueuedOffline []string `json:"queuedOffline"`

	// Failed lists recipients for whom both the relay and the durable
	// queue failed. These deliveries are lost unless the caller retries.
	Failed []FailedRecipient `json:"failed"`
}

// FailedRecipient pairs a recipient with the reason delivery could not be
// handed off to either path.
type FailedRecipient struct {
	UserID string `json:"userId"`
	Reason string `json:"reason"`
}

// RelayMessage is the wire shape published on the shared relay channel.
// It is transient and never stored.
type RelayMessage struct {
	TargetUserID     string          `json:"targetUserId"`
	EventName        string          `json:"eventName"`
	Payload          json.RawMessage `json:"payload"`
	OriginInstanceID string          `json:"originInstanceId"`
	PublishedAt      int64           `json:"publishedAt"` // epoch-ms
}

// PresenceStatus is the derived online/offline view of a user. It is
// recomputed from the set of live connections and never authoritative on
// its own.
type PresenceStatus struct {
	UserID      string     `json:"userId"`
	IsOnline    bool       `json:"isOnline"`
	OnlineSince *time.Time `json:"onlineSince,omitempty"`
	LastSeenAt  *time.Time `json:"lastSeenAt,omitempty"`
}

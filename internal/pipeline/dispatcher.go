// Package pipeline contains the sender pipeline: the single entry point
// that classifies each recipient of an outbound event as online or offline
// and routes delivery through the relay or the durable queue accordingly.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/tinywideclouds/go-delivery-service/internal/deliveryqueue"
	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

// PresenceClassifier batches the online/offline check for a fan-out.
type PresenceClassifier interface {
	BulkIsOnline(ctx context.Context, userIDs []string) (map[string]bool, error)
}

// RelayPublisher is the fast path for online recipients.
type RelayPublisher interface {
	Publish(ctx context.Context, targetUserID, eventName string, payload json.RawMessage) error
}

// OfflineQueue is the durable path for offline recipients.
type OfflineQueue interface {
	Enqueue(ctx context.Context, userID string, ev delivery.Event) (*deliveryqueue.Job, error)
}

// Dispatcher orchestrates one outbound event. It is constructed once with
// its collaborators and injected wherever sends originate; there is no
// process-wide singleton.
type Dispatcher struct {
	presence PresenceClassifier
	relay    RelayPublisher
	queue    OfflineQueue
	logger   *slog.Logger
}

// NewDispatcher is the constructor for the sender pipeline.
func NewDispatcher(presence PresenceClassifier, relay RelayPublisher, queue OfflineQueue, logger *slog.Logger) (*Dispatcher, error) {
	if presence == nil {
		return nil, fmt.Errorf("presence classifier cannot be nil")
	}
	if relay == nil {
		return nil, fmt.Errorf("relay publisher cannot be nil")
	}
	if queue == nil {
		return nil, fmt.Errorf("offline queue cannot be nil")
	}
	return &Dispatcher{
		presence: presence,
		relay:    relay,
		queue:    queue,
		logger:   logger.With("component", "dispatcher"),
	}, nil
}

// Dispatch delivers one event to every recipient. Online recipients get a
// relay publish; offline recipients, and online recipients whose publish
// failed, get a durable delivery job. Per-recipient failures accumulate
// in the result and never abort delivery to the rest. The returned error
// covers invalid input only.
//
// The caller must have persisted the domain object behind ev already;
// ev.ID is the idempotency key for the queued path.
func (d *Dispatcher) Dispatch(ctx context.Context, ev delivery.Event, recipientUserIDs []string) (delivery.DispatchResult, error) {
	var result delivery.DispatchResult
	if ev.ID == "" {
		return result, fmt.Errorf("event id cannot be empty")
	}
	if ev.Name == "" {
		return result, fmt.Errorf("event name cannot be empty")
	}

	recipients := dedupe(recipientUserIDs)
	if len(recipients) == 0 {
		return result, nil
	}

	log := d.logger.With("event_id", ev.ID, "event", ev.Name)

	online, err := d.presence.BulkIsOnline(ctx, recipients)
	if err != nil {
		// Transient store failure: the safe default is to treat everyone
		// as offline and lean on the durable path.
		log.Warn("Bulk presence check failed, treating all recipients as offline", "err", err)
		online = map[string]bool{}
	}

	for _, userID := range recipients {
		if online[userID] {
			err := d.relay.Publish(ctx, userID, ev.Name, ev.Payload)
			if err == nil {
				result.DeliveredOnline = append(result.DeliveredOnline, userID)
				continue
			}
			// Publish failure demotes the recipient to the offline path;
			// it must never drop the delivery.
			log.Warn("Relay publish failed, demoting recipient to queue path", "user", userID, "err", err)
		}

		if _, err := d.queue.Enqueue(ctx, userID, ev); err != nil {
			log.Error("Failed to enqueue delivery job", "user", userID, "err", err)
			result.Failed = append(result.Failed, delivery.FailedRecipient{
				UserID: userID,
				Reason: err.Error(),
			})
			continue
		}
		result.QueuedOffline = append(result.QueuedOffline, userID)
	}

	log.Info("Dispatch complete",
		"online", len(result.DeliveredOnline),
		"queued", len(result.QueuedOffline),
		"failed", len(result.Failed),
	)
	return result, nil
}

// dedupe preserves first-seen order.
func dedupe(userIDs []string) []string {
	seen := make(map[string]struct{}, len(userIDs))
	out := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Package persistence provides implementations of the external EventStore
// collaborator. The delivery service never reads events back; it only
// requires that the domain object exists somewhere durable before fan-out.
package persistence

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

const defaultEventsCollection = "delivery-events"

// storedEvent is the document shape written to Firestore.
type storedEvent struct {
	Name       string    `firestore:"name"`
	Payload    []byte    `firestore:"payload"`
	Recipients []string  `firestore:"recipients"`
	Priority   int       `firestore:"priority"`
	StoredAt   time.Time `firestore:"stored_at"`
}

// FirestoreEventStore implements the delivery.EventStore interface using
// Google Cloud Firestore.
type FirestoreEventStore struct {
	client     *firestore.Client
	collection string
	logger     zerolog.Logger
}

// NewFirestoreEventStore is the constructor for the FirestoreEventStore.
// An empty collection name selects the default.
func NewFirestoreEventStore(client *firestore.Client, collection string, logger zerolog.Logger) (*FirestoreEventStore, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if collection == "" {
		collection = defaultEventsCollection
	}
	return &FirestoreEventStore{
		client:     client,
		collection: collection,
		logger:     logger.With().Str("component", "FirestoreEventStore").Logger(),
	}, nil
}

// StoreEvent writes the event keyed by its stable ID. Create-if-absent
// keeps retried sends idempotent: an AlreadyExists outcome means a
// previous attempt got the write through.
func (s *FirestoreEventStore) StoreEvent(ctx context.Context, ev delivery.Event, recipientUserIDs []string) error {
	doc := s.client.Collection(s.collection).Doc(ev.ID)
	_, err := doc.Create(ctx, &storedEvent{
		Name:       ev.Name,
		Payload:    ev.Payload,
		Recipients: recipientUserIDs,
		Priority:   ev.Priority,
		StoredAt:   time.Now().UTC(),
	})
	if status.Code(err) == codes.AlreadyExists {
		s.logger.Debug().Str("event_id", ev.ID).Msg("Event already persisted, skipping.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to persist event: %w", err)
	}
	return nil
}

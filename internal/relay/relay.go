// Package relay moves events between instances over a single shared
// broadcast channel. Every instance subscribes once and forwards matching
// events to its own locally held connections only (broadcast-and-filter).
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

// DefaultChannel is the shared broadcast channel name.
const DefaultChannel = "relay:events"

// pubsubClient defines the interface we need from go-redis.
type pubsubClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// LocalDeliverer pushes an event into the live transport connections this
// instance holds for the target user. It returns the number of connections
// the event was handed to; zero means this instance holds none and the
// message is dropped here.
type LocalDeliverer interface {
	DeliverLocal(targetUserID, eventName string, payload json.RawMessage) int
}

// Relay publishes and receives RelayMessages on the shared channel.
type Relay struct {
	client     pubsubClient
	channel    string
	instanceID string
	logger     zerolog.Logger
}

// NewRelay creates a relay bound to the given channel. An empty channel
// name selects DefaultChannel.
func NewRelay(client pubsubClient, channel, instanceID string, logger zerolog.Logger) (*Relay, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	if instanceID == "" {
		return nil, fmt.Errorf("instance id cannot be empty")
	}
	if channel == "" {
		channel = DefaultChannel
	}
	return &Relay{
		client:     client,
		channel:    channel,
		instanceID: instanceID,
		logger:     logger.With().Str("component", "Relay").Str("instance", instanceID).Logger(),
	}, nil
}

// Publish serializes a RelayMessage and broadcasts it. A returned error
// means the event reached no instance; the caller must fall back to the
// durable queue (publish success never implies client delivery).
func (r *Relay) Publish(ctx context.Context, targetUserID, eventName string, payload json.RawMessage) error {
	msg := delivery.RelayMessage{
		TargetUserID:     targetUserID,
		EventName:        eventName,
		Payload:          payload,
		OriginInstanceID: r.instanceID,
		PublishedAt:      time.Now().UnixMilli(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal relay message: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish relay message: %w", err)
	}
	return nil
}

// Run subscribes to the shared channel and forwards messages to the local
// deliverer until the context is cancelled. Each instance calls Run exactly
// once at startup.
func (r *Relay) Run(ctx context.Context, deliverer LocalDeliverer) error {
	if deliverer == nil {
		return fmt.Errorf("local deliverer cannot be nil")
	}
	sub := r.client.Subscribe(ctx, r.channel)
	defer func() {
		if err := sub.Close(); err != nil {
			r.logger.Warn().Err(err).Msg("Error closing relay subscription.")
		}
	}()

	// Force the subscribe round trip so a broken store surfaces at startup
	// instead of as a silent message drop.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to relay channel: %w", err)
	}

	r.logger.Info().Str("channel", r.channel).Msg("Relay subscription active.")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("relay subscription channel closed")
			}
			r.handleMessage([]byte(msg.Payload), deliverer)
		}
	}
}

// handleMessage decodes one wire message and pushes it to local
// connections. Messages for users with no local connections are dropped:
// the offline path is the sender pipeline's responsibility, never the
// relay's.
func (r *Relay) handleMessage(payload []byte, deliverer LocalDeliverer) {
	var msg delivery.RelayMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		r.logger.Warn().Err(err).Msg("Dropping undecodable relay message.")
		return
	}
	if msg.TargetUserID == "" || msg.EventName == "" {
		r.logger.Warn().Msg("Dropping relay message without target or event name.")
		return
	}

	delivered := deliverer.DeliverLocal(msg.TargetUserID, msg.EventName, msg.Payload)
	if delivered > 0 {
		r.logger.Debug().
			Str("user", msg.TargetUserID).
			Str("event", msg.EventName).
			Str("origin", msg.OriginInstanceID).
			Int("connections", delivered).
			Msg("Delivered relay message to local connections.")
	}
}

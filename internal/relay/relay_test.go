package relay

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-delivery-service/internal/test/fakes"
	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

// recordingDeliverer captures DeliverLocal calls and answers with a fixed
// local connection count.
type recordingDeliverer struct {
	connections int
	calls       []deliveredEvent
}

type deliveredEvent struct {
	userID    string
	eventName string
	payload   string
}

func (d *recordingDeliverer) DeliverLocal(targetUserID, eventName string, payload json.RawMessage) int {
	d.calls = append(d.calls, deliveredEvent{
		userID:    targetUserID,
		eventName: eventName,
		payload:   string(payload),
	})
	return d.connections
}

func newTestRelay(t *testing.T) (*Relay, *fakes.Redis) {
	t.Helper()
	client := fakes.NewRedis()
	r, err := NewRelay(client, "", "instance-1", zerolog.Nop())
	require.NoError(t, err)
	return r, client
}

func TestNewRelay_Validation(t *testing.T) {
	_, err := NewRelay(nil, "", "instance-1", zerolog.Nop())
	require.Error(t, err)

	_, err = NewRelay(fakes.NewRedis(), "", "", zerolog.Nop())
	require.Error(t, err)
}

func TestRelay_PublishWireFormat(t *testing.T) {
	r, client := newTestRelay(t)

	payload := json.RawMessage(`{"conversationId":"c-1"}`)
	require.NoError(t, r.Publish(context.Background(), "user-b", "message.created", payload))

	published := client.Published()
	require.Len(t, published, 1)
	assert.Equal(t, DefaultChannel, published[0].Channel)

	var msg delivery.RelayMessage
	require.NoError(t, json.Unmarshal([]byte(published[0].Payload), &msg))
	assert.Equal(t, "user-b", msg.TargetUserID)
	assert.Equal(t, "message.created", msg.EventName)
	assert.JSONEq(t, `{"conversationId":"c-1"}`, string(msg.Payload))
	assert.Equal(t, "instance-1", msg.OriginInstanceID)
	assert.Positive(t, msg.PublishedAt)
}

func TestRelay_PublishStoreError(t *testing.T) {
	r, client := newTestRelay(t)
	client.FailCommand("Publish", errors.New("connection refused"))

	err := r.Publish(context.Background(), "user-b", "message.created", nil)
	require.Error(t, err)
}

func TestRelay_CrossInstanceDelivery(t *testing.T) {
	// One instance dispatches for a user whose only connection lives on a
	// second instance. The broadcast reaches both; only the instance
	// holding the connection hands the event to a client.
	client := fakes.NewRedis()
	origin, err := NewRelay(client, "", "instance-a", zerolog.Nop())
	require.NoError(t, err)
	remote, err := NewRelay(fakes.NewRedis(), "", "instance-b", zerolog.Nop())
	require.NoError(t, err)

	payload := json.RawMessage(`{"conversationId":"c-1"}`)
	require.NoError(t, origin.Publish(context.Background(), "user-b", "message.created", payload))

	published := client.Published()
	require.Len(t, published, 1)
	wire := []byte(published[0].Payload)

	remoteConns := &recordingDeliverer{connections: 1}
	originConns := &recordingDeliverer{connections: 0}
	remote.handleMessage(wire, remoteConns)
	origin.handleMessage(wire, originConns)

	require.Len(t, remoteConns.calls, 1)
	assert.Equal(t, "user-b", remoteConns.calls[0].userID)
	assert.Equal(t, "message.created", remoteConns.calls[0].eventName)
	assert.JSONEq(t, `{"conversationId":"c-1"}`, remoteConns.calls[0].payload)

	// The dispatching instance filtered the same broadcast: it was asked,
	// held no connections, and dropped the event without error.
	require.Len(t, originConns.calls, 1)
	assert.Equal(t, "user-b", originConns.calls[0].userID)
}

func TestRelay_HandleMessageDeliversLocally(t *testing.T) {
	r, _ := newTestRelay(t)
	deliverer := &recordingDeliverer{connections: 2}

	wire, err := json.Marshal(delivery.RelayMessage{
		TargetUserID:     "user-b",
		EventName:        "message.created",
		Payload:          json.RawMessage(`{"id":"m-1"}`),
		OriginInstanceID: "instance-2",
		PublishedAt:      1700000000000,
	})
	require.NoError(t, err)

	r.handleMessage(wire, deliverer)

	require.Len(t, deliverer.calls, 1)
	assert.Equal(t, "user-b", deliverer.calls[0].userID)
	assert.Equal(t, "message.created", deliverer.calls[0].eventName)
	assert.JSONEq(t, `{"id":"m-1"}`, deliverer.calls[0].payload)
}

func TestRelay_HandleMessageNoLocalConnectionsIsSilent(t *testing.T) {
	r, _ := newTestRelay(t)
	deliverer := &recordingDeliverer{connections: 0}

	wire, err := json.Marshal(delivery.RelayMessage{
		TargetUserID: "user-elsewhere",
		EventName:    "message.created",
	})
	require.NoError(t, err)

	// Must not panic or error: dropping is the expected outcome when the
	// target is connected to a different instance.
	r.handleMessage(wire, deliverer)
	require.Len(t, deliverer.calls, 1)
}

func TestRelay_HandleMessageDropsMalformed(t *testing.T) {
	r, _ := newTestRelay(t)
	deliverer := &recordingDeliverer{connections: 1}

	r.handleMessage([]byte("not json"), deliverer)
	r.handleMessage([]byte(`{"eventName":"x"}`), deliverer)
	r.handleMessage([]byte(`{"targetUserId":"user-b"}`), deliverer)

	assert.Empty(t, deliverer.calls, "malformed messages must never reach the deliverer")
}

func TestRelay_RunRequiresDeliverer(t *testing.T) {
	r, _ := newTestRelay(t)
	err := r.Run(context.Background(), nil)
	require.Error(t, err)
}

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-delivery-service/internal/deliveryqueue"
	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

// --- Test doubles ---

type stubClassifier struct {
	online map[string]bool
	err    error
	asked  []string
}

func (c *stubClassifier) BulkIsOnline(_ context.Context, userIDs []string) (map[string]bool, error) {
	c.asked = userIDs
	if c.err != nil {
		return nil, c.err
	}
	return c.online, nil
}

type stubRelay struct {
	failFor   map[string]error
	published []string
}

func (r *stubRelay) Publish(_ context.Context, targetUserID, _ string, _ json.RawMessage) error {
	if err := r.failFor[targetUserID]; err != nil {
		return err
	}
	r.published = append(r.published, targetUserID)
	return nil
}

type stubQueue struct {
	failFor  map[string]error
	enqueued []string
}

func (q *stubQueue) Enqueue(_ context.Context, userID string, ev delivery.Event) (*deliveryqueue.Job, error) {
	if err := q.failFor[userID]; err != nil {
		return nil, err
	}
	q.enqueued = append(q.enqueued, userID)
	return &deliveryqueue.Job{ID: deliveryqueue.JobID(ev.ID, userID), UserID: userID}, nil
}

func newTestDispatcher(t *testing.T, classifier *stubClassifier, relay *stubRelay, queue *stubQueue) *Dispatcher {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d, err := NewDispatcher(classifier, relay, queue, logger)
	require.NoError(t, err)
	return d
}

func testEvent() delivery.Event {
	return delivery.Event{
		ID:      "msg-1",
		Name:    "message.created",
		Payload: json.RawMessage(`{"conversationId":"c-1"}`),
	}
}

// --- Tests ---

func TestNewDispatcher_Validation(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := NewDispatcher(nil, &stubRelay{}, &stubQueue{}, logger)
	require.Error(t, err)
	_, err = NewDispatcher(&stubClassifier{}, nil, &stubQueue{}, logger)
	require.Error(t, err)
	_, err = NewDispatcher(&stubClassifier{}, &stubRelay{}, nil, logger)
	require.Error(t, err)
}

func TestDispatch_SplitsOnlineAndOffline(t *testing.T) {
	classifier := &stubClassifier{online: map[string]bool{"user-online": true, "user-offline": false}}
	relay := &stubRelay{}
	queue := &stubQueue{}
	d := newTestDispatcher(t, classifier, relay, queue)

	result, err := d.Dispatch(context.Background(), testEvent(), []string{"user-online", "user-offline"})
	require.NoError(t, err)

	assert.Equal(t, []string{"user-online"}, result.DeliveredOnline)
	assert.Equal(t, []string{"user-offline"}, result.QueuedOffline)
	assert.Empty(t, result.Failed)
	assert.Equal(t, []string{"user-online"}, relay.published)
	assert.Equal(t, []string{"user-offline"}, queue.enqueued)
}

func TestDispatch_InvalidEvent(t *testing.T) {
	d := newTestDispatcher(t, &stubClassifier{}, &stubRelay{}, &stubQueue{})

	_, err := d.Dispatch(context.Background(), delivery.Event{Name: "message.created"}, []string{"user-a"})
	require.Error(t, err)

	_, err = d.Dispatch(context.Background(), delivery.Event{ID: "msg-1"}, []string{"user-a"})
	require.Error(t, err)
}

func TestDispatch_NoRecipientsIsNoop(t *testing.T) {
	classifier := &stubClassifier{}
	d := newTestDispatcher(t, classifier, &stubRelay{}, &stubQueue{})

	result, err := d.Dispatch(context.Background(), testEvent(), nil)
	require.NoError(t, err)
	assert.Empty(t, result.DeliveredOnline)
	assert.Empty(t, result.QueuedOffline)
	assert.Nil(t, classifier.asked, "no presence lookup for an empty fan-out")
}

func TestDispatch_DeduplicatesRecipients(t *testing.T) {
	classifier := &stubClassifier{online: map[string]bool{"user-a": true}}
	relay := &stubRelay{}
	d := newTestDispatcher(t, classifier, relay, &stubQueue{})

	result, err := d.Dispatch(context.Background(), testEvent(), []string{"user-a", "user-a", "", "user-a"})
	require.NoError(t, err)

	assert.Equal(t, []string{"user-a"}, classifier.asked)
	assert.Equal(t, []string{"user-a"}, result.DeliveredOnline)
	assert.Len(t, relay.published, 1, "a recipient listed twice gets one delivery")
}

func TestDispatch_PublishFailureDemotesToQueue(t *testing.T) {
	classifier := &stubClassifier{online: map[string]bool{"user-a": true, "user-b": true}}
	relay := &stubRelay{failFor: map[string]error{"user-a": errors.New("broken pipe")}}
	queue := &stubQueue{}
	d := newTestDispatcher(t, classifier, relay, queue)

	result, err := d.Dispatch(context.Background(), testEvent(), []string{"user-a", "user-b"})
	require.NoError(t, err)

	assert.Equal(t, []string{"user-b"}, result.DeliveredOnline)
	assert.Equal(t, []string{"user-a"}, result.QueuedOffline, "failed publish must fall back to the durable path")
	assert.Empty(t, result.Failed)
}

func TestDispatch_PresenceFailureQueuesEveryone(t *testing.T) {
	classifier := &stubClassifier{err: errors.New("connection refused")}
	relay := &stubRelay{}
	queue := &stubQueue{}
	d := newTestDispatcher(t, classifier, relay, queue)

	result, err := d.Dispatch(context.Background(), testEvent(), []string{"user-a", "user-b"})
	require.NoError(t, err, "a presence outage must not abort the dispatch")

	assert.Empty(t, result.DeliveredOnline)
	assert.ElementsMatch(t, []string{"user-a", "user-b"}, result.QueuedOffline)
	assert.Empty(t, relay.published)
}

func TestDispatch_EnqueueFailureIsReportedPerRecipient(t *testing.T) {
	classifier := &stubClassifier{online: map[string]bool{}}
	queue := &stubQueue{failFor: map[string]error{"user-a": errors.New("store down")}}
	d := newTestDispatcher(t, classifier, &stubRelay{}, queue)

	result, err := d.Dispatch(context.Background(), testEvent(), []string{"user-a", "user-b"})
	require.NoError(t, err)

	require.Len(t, result.Failed, 1)
	assert.Equal(t, "user-a", result.Failed[0].UserID)
	assert.Contains(t, result.Failed[0].Reason, "store down")
	assert.Equal(t, []string{"user-b"}, result.QueuedOffline, "one failed recipient must not block the rest")
}

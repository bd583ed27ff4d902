package deliveryqueue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-delivery-service/internal/test/fakes"
	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T, opts StoreOptions) (*Store, *fakes.Redis) {
	t.Helper()
	client := fakes.NewRedis()
	store, err := NewStore(client, opts, testLogger())
	require.NoError(t, err)
	return store, client
}

// fastOpts makes jobs due almost immediately so Claim can see them.
func fastOpts() StoreOptions {
	return StoreOptions{InitialDelay: time.Millisecond}
}

func testEvent(id string) delivery.Event {
	return delivery.Event{
		ID:      id,
		Name:    "message.created",
		Payload: json.RawMessage(`{"conversationId":"c-1"}`),
	}
}

func TestNewStore_NilClient(t *testing.T) {
	_, err := NewStore(nil, StoreOptions{}, testLogger())
	require.Error(t, err)
}

func TestStore_EnqueueCreatesPendingJob(t *testing.T) {
	store, _ := newTestStore(t, StoreOptions{})
	ctx := context.Background()

	job, err := store.Enqueue(ctx, "user-b", testEvent("msg-1"))
	require.NoError(t, err)

	assert.Equal(t, JobID("msg-1", "user-b"), job.ID)
	assert.Equal(t, StatePending, job.State)
	assert.Equal(t, "user-b", job.UserID)
	assert.Equal(t, "msg-1", job.RelatedObjectID)
	assert.Equal(t, DefaultMaxAttempts, job.MaxAttempts)
	assert.Zero(t, job.Attempts)

	stored, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, stored.ID)
	assert.JSONEq(t, `{"conversationId":"c-1"}`, string(stored.Payload))
}

func TestStore_EnqueueIsIdempotentPerRecipient(t *testing.T) {
	store, client := newTestStore(t, StoreOptions{})
	ctx := context.Background()

	first, err := store.Enqueue(ctx, "user-b", testEvent("msg-1"))
	require.NoError(t, err)

	// Same logical delivery enqueued again, as two racing instances would.
	second, err := store.Enqueue(ctx, "user-b", testEvent("msg-1"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// Different recipient of the same event is its own job.
	other, err := store.Enqueue(ctx, "user-c", testEvent("msg-1"))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)

	waiting, err := client.ZCard(ctx, "delivery:pending").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), waiting, "duplicate enqueues must converge to one pending entry")
}

func TestStore_EnqueueSupersedesDeadLetteredJob(t *testing.T) {
	store, client := newTestStore(t, fastOpts())
	ctx := context.Background()

	job, err := store.Enqueue(ctx, "user-b", testEvent("msg-1"))
	require.NoError(t, err)
	job.Attempts = job.MaxAttempts
	job.LastError = "recipient offline"
	require.NoError(t, store.Bury(ctx, job))

	fresh, err := store.Enqueue(ctx, "user-b", testEvent("msg-1"))
	require.NoError(t, err)
	assert.Equal(t, StatePending, fresh.State)
	assert.Zero(t, fresh.Attempts, "a fresh enqueue resets the retry budget")

	_, buried := client.ZScore("delivery:dead", job.ID)
	assert.False(t, buried, "superseded job must leave the dead-letter set")
}

func TestStore_ClaimHonorsRunAt(t *testing.T) {
	store, _ := newTestStore(t, StoreOptions{InitialDelay: time.Hour})
	ctx := context.Background()

	_, err := store.Enqueue(ctx, "user-b", testEvent("msg-1"))
	require.NoError(t, err)

	job, err := store.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, job, "a delayed job must not be claimable before its run time")

	// The undue job went back to pending untouched.
	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Delayed)
}

func TestStore_ClaimLeasesDueJob(t *testing.T) {
	store, client := newTestStore(t, fastOpts())
	ctx := context.Background()

	enqueued, err := store.Enqueue(ctx, "user-b", testEvent("msg-1"))
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	job, err := store.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, enqueued.ID, job.ID)
	assert.Equal(t, StateInProgress, job.State)

	_, leased := client.ZScore("delivery:leased", job.ID)
	assert.True(t, leased)

	// Nothing else pending: the claim is exclusive.
	second, err := store.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, second)
}

func TestStore_ClaimFailureKeepsJobClaimable(t *testing.T) {
	store, client := newTestStore(t, fastOpts())
	ctx := context.Background()

	enqueued, err := store.Enqueue(ctx, "user-b", testEvent("msg-1"))
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	// A store failure after the pending pop must not strand the job: it
	// has to land back in the pending set, not vanish from both sets.
	client.FailCommand("HGetAll", errors.New("connection reset"))
	job, err := store.Claim(ctx)
	require.Error(t, err)
	assert.Nil(t, job)

	client.FailCommand("HGetAll", nil)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Waiting, "failed claim must leave the job pending")

	job, err = store.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, enqueued.ID, job.ID)
}

func TestStore_ClaimEmptyQueue(t *testing.T) {
	store, _ := newTestStore(t, StoreOptions{})
	job, err := store.Claim(context.Background())
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestStore_CompleteDiscardsJob(t *testing.T) {
	store, _ := newTestStore(t, fastOpts())
	ctx := context.Background()

	_, err := store.Enqueue(ctx, "user-b", testEvent("msg-1"))
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	job, err := store.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, store.Complete(ctx, job))

	_, err = store.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Zero(t, stats.Active)
}

func TestStore_ReleaseReschedules(t *testing.T) {
	store, _ := newTestStore(t, fastOpts())
	ctx := context.Background()

	_, err := store.Enqueue(ctx, "user-b", testEvent("msg-1"))
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	job, err := store.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	job.Attempts = 1
	job.LastError = "recipient offline"
	require.NoError(t, store.Release(ctx, job, time.Now().Add(time.Hour)))

	stored, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, stored.State)
	assert.Equal(t, 1, stored.Attempts)
	assert.Equal(t, "recipient offline", stored.LastError)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Delayed)
	assert.Zero(t, stats.Active)
}

func TestStore_BuryMovesJobToDeadLetter(t *testing.T) {
	store, client := newTestStore(t, fastOpts())
	ctx := context.Background()

	job, err := store.Enqueue(ctx, "user-b", testEvent("msg-1"))
	require.NoError(t, err)
	job.Attempts = job.MaxAttempts
	job.LastError = "recipient offline"

	require.NoError(t, store.Bury(ctx, job))

	stored, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDeadLetter, stored.State)
	assert.Equal(t, "recipient offline", stored.LastError)

	_, buried := client.ZScore("delivery:dead", job.ID)
	assert.True(t, buried)

	// The payload hash is bounded by the retention window.
	expiry, ok := client.Expiry("delivery:job:" + job.ID)
	require.True(t, ok)
	assert.Equal(t, 24*time.Hour, expiry)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestStore_BuryPrunesDeadLetterBySize(t *testing.T) {
	store, client := newTestStore(t, StoreOptions{
		InitialDelay:         time.Millisecond,
		DeadLetterMaxEntries: 2,
	})
	ctx := context.Background()

	ids := []string{"msg-1", "msg-2", "msg-3"}
	for _, id := range ids {
		job, err := store.Enqueue(ctx, "user-b", testEvent(id))
		require.NoError(t, err)
		job.Attempts = job.MaxAttempts
		require.NoError(t, store.Bury(ctx, job))
		time.Sleep(2 * time.Millisecond) // distinct burial times
	}

	card, err := client.ZCard(ctx, "delivery:dead").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), card)

	// The oldest burial is the one pruned.
	_, ok := client.ZScore("delivery:dead", JobID("msg-1", "user-b"))
	assert.False(t, ok)
}

func TestStore_ReapExpiredLeases(t *testing.T) {
	store, client := newTestStore(t, fastOpts())
	ctx := context.Background()

	_, err := store.Enqueue(ctx, "user-b", testEvent("msg-1"))
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	job, err := store.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	// Simulate a worker crash: force the lease into the past.
	past := float64(time.Now().Add(-time.Second).UnixMilli())
	client.SetZScore("delivery:leased", job.ID, past)

	reaped, err := store.ReapExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	stored, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, stored.State)

	// Reaped jobs are immediately claimable again.
	reclaimed, err := store.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, job.ID, reclaimed.ID)
}

func TestStore_ReapLeavesLiveLeasesAlone(t *testing.T) {
	store, _ := newTestStore(t, fastOpts())
	ctx := context.Background()

	_, err := store.Enqueue(ctx, "user-b", testEvent("msg-1"))
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	_, err = store.Claim(ctx)
	require.NoError(t, err)

	reaped, err := store.ReapExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Zero(t, reaped)
}

func TestJobID_DeterministicPerRecipient(t *testing.T) {
	a := JobID("msg-1", "user-b")
	b := JobID("msg-1", "user-b")
	c := JobID("msg-1", "user-c")
	d := JobID("msg-2", "user-b")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
	assert.Len(t, a, 32)
}

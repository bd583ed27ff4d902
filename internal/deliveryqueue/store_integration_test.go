//go:build integration

package deliveryqueue_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-delivery-service/internal/deliveryqueue"
	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

// setupRedisStore connects to a real Redis instance (REDIS_ADDR, default
// localhost:6379) and returns a store backed by a flushed database.
func setupRedisStore(t *testing.T) (context.Context, *deliveryqueue.Store, *redis.Client) {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: 1})
	t.Cleanup(func() { _ = rdb.Close() })

	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not reachable at %s: %v", addr, err)
	}
	require.NoError(t, rdb.FlushDB(ctx).Err())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := deliveryqueue.NewStore(rdb, deliveryqueue.StoreOptions{
		InitialDelay:      20 * time.Millisecond,
		VisibilityTimeout: 2 * time.Second,
	}, logger)
	require.NoError(t, err)

	return ctx, store, rdb
}

func TestStoreRedis_EnqueueClaimComplete(t *testing.T) {
	ctx, store, _ := setupRedisStore(t)

	ev := delivery.Event{
		ID:      "msg-integration-1",
		Name:    "message.created",
		Payload: json.RawMessage(`{"body":"hi"}`),
	}

	job, err := store.Enqueue(ctx, "user-a", ev)
	require.NoError(t, err)

	// Re-enqueueing the same event for the same recipient is a no-op.
	dup, err := store.Enqueue(ctx, "user-a", ev)
	require.NoError(t, err)
	assert.Equal(t, job.ID, dup.ID)

	// Nothing is claimable before the initial delay elapses.
	claimed, err := store.Claim(ctx)
	require.NoError(t, err)
	if claimed == nil {
		require.Eventually(t, func() bool {
			claimed, err = store.Claim(ctx)
			return err == nil && claimed != nil
		}, 2*time.Second, 20*time.Millisecond)
	}
	assert.Equal(t, job.ID, claimed.ID)
	assert.Equal(t, "user-a", claimed.UserID)
	assert.Equal(t, deliveryqueue.StateInProgress, claimed.State)

	require.NoError(t, store.Complete(ctx, claimed))

	_, err = store.GetJob(ctx, job.ID)
	assert.True(t, errors.Is(err, deliveryqueue.ErrJobNotFound))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(0), stats.Waiting)
	assert.Equal(t, int64(0), stats.Active)
}

func TestStoreRedis_ReleaseAndReap(t *testing.T) {
	ctx, store, _ := setupRedisStore(t)

	ev := delivery.Event{ID: "msg-integration-2", Name: "message.created"}
	job, err := store.Enqueue(ctx, "user-b", ev)
	require.NoError(t, err)

	var claimed *deliveryqueue.Job
	require.Eventually(t, func() bool {
		claimed, err = store.Claim(ctx)
		return err == nil && claimed != nil
	}, 2*time.Second, 20*time.Millisecond)

	// Released job becomes claimable again at its scheduled time.
	require.NoError(t, store.Release(ctx, claimed, time.Now()))

	require.Eventually(t, func() bool {
		claimed, err = store.Claim(ctx)
		return err == nil && claimed != nil
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, job.ID, claimed.ID)

	// An abandoned lease expires and the reaper returns the job to pending.
	require.Eventually(t, func() bool {
		n, reapErr := store.ReapExpiredLeases(ctx)
		return reapErr == nil && n == 1
	}, 5*time.Second, 100*time.Millisecond)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Waiting+stats.Delayed)
	assert.Equal(t, int64(0), stats.Active)
}

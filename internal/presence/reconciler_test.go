package presence

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-delivery-service/internal/test/fakes"
)

func newTestReconciler(t *testing.T) (*Reconciler, *Registry, *fakes.Redis) {
	t.Helper()
	client := fakes.NewRedis()
	rec, err := NewReconciler(client, time.Minute, zerolog.Nop())
	require.NoError(t, err)
	reg, err := NewRegistry(client, time.Minute, zerolog.Nop())
	require.NoError(t, err)
	return rec, reg, client
}

func TestNewReconciler_NilClient(t *testing.T) {
	_, err := NewReconciler(nil, time.Minute, zerolog.Nop())
	require.Error(t, err)
}

func TestReconciler_SweepClearsCrashedInstanceState(t *testing.T) {
	rec, reg, client := newTestReconciler(t)
	ctx := context.Background()

	// A crashed instance leaves registrations behind with lapsed expiries.
	past := float64(time.Now().Add(-time.Second).UnixMilli())
	client.SetZScore("presence:conns:user-a", "conn-1", past)
	client.SetZScore("presence:conns:user-a", "conn-2", past)
	client.SetZScore("presence:online", "user-a", past)

	cleared, err := rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cleared)

	online, err := reg.IsOnline(ctx, "user-a")
	require.NoError(t, err)
	assert.False(t, online)

	// The crash is recorded as a disconnect in the presence record.
	status, err := reg.Status(ctx, "user-a")
	require.NoError(t, err)
	assert.False(t, status.IsOnline)
	require.NotNil(t, status.LastSeenAt)
}

func TestReconciler_SweepKeepsLiveConnections(t *testing.T) {
	rec, reg, client := newTestReconciler(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "user-a", "conn-live"))
	past := float64(time.Now().Add(-time.Second).UnixMilli())
	client.SetZScore("presence:conns:user-a", "conn-stale", past)

	cleared, err := rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cleared)

	_, ok := client.ZScore("presence:conns:user-a", "conn-live")
	assert.True(t, ok, "live connection must survive the sweep")
	_, ok = client.ZScore("presence:conns:user-a", "conn-stale")
	assert.False(t, ok)

	online, err := reg.IsOnline(ctx, "user-a")
	require.NoError(t, err)
	assert.True(t, online)
}

func TestReconciler_SweepHealsOnlineIndex(t *testing.T) {
	rec, reg, client := newTestReconciler(t)
	ctx := context.Background()

	// A live connection set whose online index entry was lost.
	future := float64(time.Now().Add(time.Minute).UnixMilli())
	client.SetZScore("presence:conns:user-a", "conn-1", future)

	_, err := rec.Sweep(ctx)
	require.NoError(t, err)

	online, err := reg.IsOnline(ctx, "user-a")
	require.NoError(t, err)
	assert.True(t, online, "sweep must restore the online index from the connection set")

	score, ok := client.ZScore("presence:online", "user-a")
	require.True(t, ok)
	assert.Equal(t, future, score)
}

func TestReconciler_SweepIsIdempotent(t *testing.T) {
	rec, _, client := newTestReconciler(t)
	ctx := context.Background()

	past := float64(time.Now().Add(-time.Second).UnixMilli())
	client.SetZScore("presence:conns:user-a", "conn-1", past)

	cleared, err := rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cleared)

	cleared, err = rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, cleared)
}

func TestReconciler_StartStop(t *testing.T) {
	rec, _, _ := newTestReconciler(t)
	require.NoError(t, rec.Start())
	require.NoError(t, rec.Start(), "Start must be idempotent")
	rec.Stop()
	rec.Stop()
}

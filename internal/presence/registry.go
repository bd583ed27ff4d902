// Package presence provides the cluster-wide connection registry. Every
// instance records its live connections in the shared store so that
// "is user U online, and where" has one consistent answer regardless of
// which instance asks.
package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Default TTL for a registered connection. A connection that is not renewed
// within this window is treated as implicitly disconnected.
const DefaultConnectionTTL = 60 * time.Second

// storeClient defines the interface we need from go-redis.
type storeClient interface {
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZAddGT(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	ZCount(ctx context.Context, key, min, max string) *redis.IntCmd
	ZMScore(ctx context.Context, key string, members ...string) *redis.FloatSliceCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Registry is the shared-store backed connection registry.
//
// Layout:
//   - `presence:conns:{userID}`: sorted set of connection IDs, scored by
//     their TTL expiry (epoch-ms). The truth for a user's live connections.
//   - `presence:online`: sorted set of user IDs, scored by the latest
//     connection expiry. A user is online iff their score is in the future.
//     This is the single-command fan-out index for BulkIsOnline.
//   - `presence:info:{userID}`: derived presence record (isOnline,
//     onlineSince, lastSeenAt). Maintained on first/last connection
//     transitions and healed by the reconciler.
//
// The online index may briefly overstate a user's expiry after their
// longest-lived connection unregisters; the next keep-alive renewal or the
// reconciliation sweep corrects it, bounding staleness to one TTL window.
type Registry struct {
	client storeClient
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRegistry creates a Registry with the given connection TTL. A ttl of
// zero selects DefaultConnectionTTL.
func NewRegistry(client storeClient, ttl time.Duration, logger zerolog.Logger) (*Registry, error) {
	if client == nil {
		return nil, fmt.Errorf("store client cannot be nil")
	}
	if ttl <= 0 {
		ttl = DefaultConnectionTTL
	}
	return &Registry{
		client: client,
		ttl:    ttl,
		logger: logger.With().Str("component", "PresenceRegistry").Logger(),
	}, nil
}

// TTL returns the connection time-to-live the registry was built with.
func (r *Registry) TTL() time.Duration { return r.ttl }

// Register records a live connection for the user. If this is the user's
// first connection anywhere in the cluster, the user's presence record is
// marked online. Fails fast when the shared store is unreachable; callers
// should reject the underlying transport connection in that case.
func (r *Registry) Register(ctx context.Context, userID, connectionID string) error {
	now := time.Now()
	expiry := float64(now.Add(r.ttl).UnixMilli())

	key := connsKey(userID)
	if err := r.client.ZAdd(ctx, key, redis.Z{Score: expiry, Member: connectionID}).Err(); err != nil {
		return fmt.Errorf("failed to register connection: %w", err)
	}
	// Orphan cleanup: if the instance crashes and the reconciler is also
	// down, the key still disappears on its own.
	if err := r.client.Expire(ctx, key, 2*r.ttl).Err(); err != nil {
		r.logger.Warn().Err(err).Str("user", userID).Msg("Failed to set connection set expiry.")
	}
	if err := r.client.ZAddGT(ctx, onlineKey, redis.Z{Score: expiry, Member: userID}).Err(); err != nil {
		return fmt.Errorf("failed to update online index: %w", err)
	}

	live, err := r.client.ZCount(ctx, key, msBound(now), "+inf").Result()
	if err != nil {
		// The connection is registered; the presence record catches up on
		// the next transition or reconciliation sweep.
		r.logger.Warn().Err(err).Str("user", userID).Msg("Failed to count live connections after register.")
		return nil
	}
	if live == 1 {
		if err := r.client.HSet(ctx, infoKey(userID),
			fieldIsOnline, "1",
			fieldOnlineSince, strconv.FormatInt(now.UnixMilli(), 10),
		).Err(); err != nil {
			r.logger.Warn().Err(err).Str("user", userID).Msg("Failed to mark presence record online.")
		}
		r.logger.Info().Str("user", userID).Str("conn", connectionID).Msg("User came online.")
	}
	return nil
}

// Unregister removes a connection. If it was the user's last live
// connection cluster-wide, the user's presence record is marked offline
// with lastSeenAt = now.
func (r *Registry) Unregister(ctx context.Context, userID, connectionID string) error {
	now := time.Now()
	key := connsKey(userID)

	if err := r.client.ZRem(ctx, key, connectionID).Err(); err != nil {
		return fmt.Errorf("failed to unregister connection: %w", err)
	}

	live, err := r.client.ZCount(ctx, key, msBound(now), "+inf").Result()
	if err != nil {
		return fmt.Errorf("failed to count live connections: %w", err)
	}
	if live > 0 {
		return nil
	}

	if err := r.client.ZRem(ctx, onlineKey, userID).Err(); err != nil {
		r.logger.Warn().Err(err).Str("user", userID).Msg("Failed to remove user from online index.")
	}
	if err := r.client.HSet(ctx, infoKey(userID),
		fieldIsOnline, "0",
		fieldLastSeenAt, strconv.FormatInt(now.UnixMilli(), 10),
	).Err(); err != nil {
		r.logger.Warn().Err(err).Str("user", userID).Msg("Failed to mark presence record offline.")
	}
	if err := r.client.Del(ctx, key).Err(); err != nil {
		r.logger.Warn().Err(err).Str("user", userID).Msg("Failed to delete empty connection set.")
	}
	r.logger.Info().Str("user", userID).Str("conn", connectionID).Msg("User went offline.")
	return nil
}

// Renew extends the TTL of the given connections. The connection manager
// calls this on its keep-alive interval for every locally held connection.
func (r *Registry) Renew(ctx context.Context, userID string, connectionIDs []string) error {
	if len(connectionIDs) == 0 {
		return nil
	}
	expiry := float64(time.Now().Add(r.ttl).UnixMilli())

	members := make([]redis.Z, 0, len(connectionIDs))
	for _, id := range connectionIDs {
		members = append(members, redis.Z{Score: expiry, Member: id})
	}
	key := connsKey(userID)
	if err := r.client.ZAdd(ctx, key, members...).Err(); err != nil {
		return fmt.Errorf("failed to renew connections: %w", err)
	}
	if err := r.client.Expire(ctx, key, 2*r.ttl).Err(); err != nil {
		r.logger.Warn().Err(err).Str("user", userID).Msg("Failed to renew connection set expiry.")
	}
	if err := r.client.ZAddGT(ctx, onlineKey, redis.Z{Score: expiry, Member: userID}).Err(); err != nil {
		return fmt.Errorf("failed to renew online index: %w", err)
	}
	return nil
}

// IsOnline reports whether the user has at least one live connection
// anywhere in the cluster.
func (r *Registry) IsOnline(ctx context.Context, userID string) (bool, error) {
	scores, err := r.client.ZMScore(ctx, onlineKey, userID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to read online index: %w", err)
	}
	if len(scores) != 1 {
		return false, nil
	}
	return scores[0] > float64(time.Now().UnixMilli()), nil
}

// BulkIsOnline is the batched variant of IsOnline used for fan-out
// classification. It is a single round trip regardless of len(userIDs).
func (r *Registry) BulkIsOnline(ctx context.Context, userIDs []string) (map[string]bool, error) {
	result := make(map[string]bool, len(userIDs))
	if len(userIDs) == 0 {
		return result, nil
	}
	scores, err := r.client.ZMScore(ctx, onlineKey, userIDs...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read online index: %w", err)
	}
	nowMs := float64(time.Now().UnixMilli())
	for i, userID := range userIDs {
		result[userID] = i < len(scores) && scores[i] > nowMs
	}
	return result, nil
}

// OnlineCount returns the cluster-wide number of online users.
func (r *Registry) OnlineCount(ctx context.Context) (int64, error) {
	count, err := r.client.ZCount(ctx, onlineKey, msBound(time.Now()), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count online users: %w", err)
	}
	return count, nil
}

// Status returns the derived presence record for a user.
func (r *Registry) Status(ctx context.Context, userID string) (Status, error) {
	online, err := r.IsOnline(ctx, userID)
	if err != nil {
		return Status{}, err
	}
	fields, err := r.client.HGetAll(ctx, infoKey(userID)).Result()
	if err != nil {
		return Status{}, fmt.Errorf("failed to read presence record: %w", err)
	}
	status := Status{UserID: userID, IsOnline: online}
	if ms, ok := parseMillis(fields[fieldOnlineSince]); ok {
		status.OnlineSince = &ms
	}
	if ms, ok := parseMillis(fields[fieldLastSeenAt]); ok {
		status.LastSeenAt = &ms
	}
	return status, nil
}

// Status is the derived presence view read back from the shared store.
type Status struct {
	UserID      string
	IsOnline    bool
	OnlineSince *time.Time
	LastSeenAt  *time.Time
}

func parseMillis(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// --- Private Helpers ---

const (
	onlineKey        = "presence:online"
	connsKeyPrefix   = "presence:conns:"
	infoKeyPrefix    = "presence:info:"
	fieldIsOnline    = "is_online"
	fieldOnlineSince = "online_since"
	fieldLastSeenAt  = "last_seen_at"
)

func connsKey(userID string) string { return connsKeyPrefix + userID }
func infoKey(userID string) string  { return infoKeyPrefix + userID }

// msBound formats a time as a sorted-set score bound.
func msBound(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

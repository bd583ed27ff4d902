package presence

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultSweepInterval is how often the reconciler scans for lapsed
// connections. Together with the connection TTL it bounds how long a
// crashed instance can leave stale presence behind.
const DefaultSweepInterval = 30 * time.Second

// sweepClient is the subset of go-redis the reconciler needs on top of the
// registry's storeClient.
type sweepClient interface {
	storeClient
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	ZRemRangeByScore(ctx context.Context, key, min, max string) *redis.IntCmd
	ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) *redis.ZSliceCmd
}

// Reconciler is the self-healing half of the registry. Instances that crash
// never call Unregister, so their connections linger until the TTL lapses;
// the periodic sweep clears them and recomputes the affected users'
// presence records. Every instance runs a reconciler; the sweep is
// idempotent, so overlap between instances is harmless.
type Reconciler struct {
	client   sweepClient
	interval time.Duration
	cron     *cron.Cron
	logger   zerolog.Logger
}

// NewReconciler creates a reconciler sweeping at the given interval. An
// interval of zero selects DefaultSweepInterval.
func NewReconciler(client sweepClient, interval time.Duration, logger zerolog.Logger) (*Reconciler, error) {
	if client == nil {
		return nil, fmt.Errorf("store client cannot be nil")
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Reconciler{
		client:   client,
		interval: interval,
		logger:   logger.With().Str("component", "PresenceReconciler").Logger(),
	}, nil
}

// Start schedules the periodic sweep. It returns immediately.
func (r *Reconciler) Start() error {
	if r.cron != nil {
		return nil
	}
	c := cron.New()
	_, err := c.AddFunc(fmt.Sprintf("@every %s", r.interval), func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.interval)
		defer cancel()
		if _, err := r.Sweep(ctx); err != nil {
			r.logger.Error().Err(err).Msg("Reconciliation sweep failed.")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule reconciliation sweep: %w", err)
	}
	r.cron = c
	c.Start()
	r.logger.Info().Dur("interval", r.interval).Msg("Presence reconciler started.")
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (r *Reconciler) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
	r.cron = nil
	r.logger.Info().Msg("Presence reconciler stopped.")
}

// Sweep removes every connection whose TTL lapsed without an explicit
// unregistration and repairs presence records that drifted from the live
// connection sets. It returns the number of connections cleared.
func (r *Reconciler) Sweep(ctx context.Context) (int64, error) {
	now := time.Now()
	nowBound := msBound(now)

	// Lapsed users drop out of the online index by score; remove them
	// outright so the index does not grow without bound.
	if err := r.client.ZRemRangeByScore(ctx, onlineKey, "-inf", nowBound).Err(); err != nil {
		return 0, fmt.Errorf("failed to prune online index: %w", err)
	}

	var cleared int64
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, connsKeyPrefix+"*", 100).Result()
		if err != nil {
			return cleared, fmt.Errorf("failed to scan connection sets: %w", err)
		}
		for _, key := range keys {
			n, err := r.reconcileUser(ctx, key, now)
			if err != nil {
				r.logger.Warn().Err(err).Str("key", key).Msg("Failed to reconcile connection set.")
				continue
			}
			cleared += n
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	if cleared > 0 {
		r.logger.Info().Int64("cleared", cleared).Msg("Cleared lapsed connections.")
	}
	return cleared, nil
}

// reconcileUser prunes one user's connection set and realigns the derived
// state (online index, presence record) with what remains.
func (r *Reconciler) reconcileUser(ctx context.Context, key string, now time.Time) (int64, error) {
	userID := strings.TrimPrefix(key, connsKeyPrefix)

	removed, err := r.client.ZRemRangeByScore(ctx, key, "-inf", msBound(now)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to prune connection set: %w", err)
	}

	remaining, err := r.client.ZRevRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return removed, fmt.Errorf("failed to read connection set: %w", err)
	}

	if len(remaining) > 0 {
		// Still online; make sure the online index carries the latest
		// expiry even if an earlier update was lost.
		err := r.client.ZAddGT(ctx, onlineKey, redis.Z{Score: remaining[0].Score, Member: userID}).Err()
		if err != nil {
			return removed, fmt.Errorf("failed to heal online index: %w", err)
		}
		return removed, nil
	}

	if removed > 0 {
		// The user's last connection lapsed without an unregister call
		// (instance crash). lastSeenAt is approximated by the sweep time.
		if err := r.client.HSet(ctx, infoKey(userID),
			fieldIsOnline, "0",
			fieldLastSeenAt, strconv.FormatInt(now.UnixMilli(), 10),
		).Err(); err != nil {
			return removed, fmt.Errorf("failed to mark presence record offline: %w", err)
		}
		if err := r.client.ZRem(ctx, onlineKey, userID).Err(); err != nil {
			return removed, fmt.Errorf("failed to remove user from online index: %w", err)
		}
	}
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return removed, fmt.Errorf("failed to delete empty connection set: %w", err)
	}
	return removed, nil
}

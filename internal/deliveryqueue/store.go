package deliveryqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

// storeClient defines the interface we need from go-redis.
type storeClient interface {
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	ZPopMin(ctx context.Context, key string, count ...int64) *redis.ZSliceCmd
	ZCount(ctx context.Context, key, min, max string) *redis.IntCmd
	ZCard(ctx context.Context, key string) *redis.IntCmd
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
	ZRemRangeByScore(ctx context.Context, key, min, max string) *redis.IntCmd
	ZRemRangeByRank(ctx context.Context, key string, start, stop int64) *redis.IntCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// StoreOptions tune the queue's scheduling and retention behavior. Zero
// values select the defaults.
type StoreOptions struct {
	// InitialDelay is the bounded backoff before a fresh job's first
	// attempt, giving a briefly-offline recipient a chance to reconnect.
	InitialDelay time.Duration
	// MaxAttempts is the retry budget stamped onto new jobs.
	MaxAttempts int
	// VisibilityTimeout is the lease length: a claimed job that is neither
	// completed nor released within it returns to pending automatically.
	VisibilityTimeout time.Duration
	// DeadLetterRetention bounds how long dead-lettered jobs are kept.
	DeadLetterRetention time.Duration
	// DeadLetterMaxEntries caps the dead-letter set size; the oldest
	// entries are pruned first.
	DeadLetterMaxEntries int64
}

func (o *StoreOptions) applyDefaults() {
	if o.InitialDelay <= 0 {
		o.InitialDelay = 2 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 30 * time.Second
	}
	if o.DeadLetterRetention <= 0 {
		o.DeadLetterRetention = 24 * time.Hour
	}
	if o.DeadLetterMaxEntries <= 0 {
		o.DeadLetterMaxEntries = 10_000
	}
}

// Stats is the queue's operational surface, consumed by health checks.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Store is the shared-store backed delivery job queue.
//
// Layout:
//   - `delivery:job:{id}`: job fields as a hash.
//   - `delivery:pending`: sorted set of job IDs scored by scheduled run
//     time (epoch-ms) minus a priority bias, so higher-priority jobs come
//     due sooner. Claiming pops the lowest score atomically, which is what
//     keeps two workers from claiming the same pending job.
//   - `delivery:leased`: sorted set of claimed job IDs scored by lease
//     expiry. The reaper returns expired members to pending.
//   - `delivery:dead`: bounded sorted set of dead-lettered job IDs scored
//     by burial time.
type Store struct {
	client storeClient
	opts   StoreOptions
	logger *slog.Logger
}

// NewStore is the constructor for the delivery job store.
func NewStore(client storeClient, opts StoreOptions, logger *slog.Logger) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("store client cannot be nil")
	}
	opts.applyDefaults()
	return &Store{
		client: client,
		opts:   opts,
		logger: logger.With("component", "delivery_job_store"),
	}, nil
}

// Options returns the effective store options after defaulting.
func (s *Store) Options() StoreOptions { return s.opts }

// Enqueue creates a delivery job for the recipient, or returns the
// existing one when a job for the same (relatedObjectID, userID) pair is
// already pending or in progress. A completed or dead-lettered prior job
// does not block a new enqueue: the caller re-dispatching the same logical
// event is asking for a fresh delivery attempt.
func (s *Store) Enqueue(ctx context.Context, userID string, ev delivery.Event) (*Job, error) {
	jobID := JobID(ev.ID, userID)
	log := s.logger.With("job_id", jobID, "user", userID)

	existing, err := s.GetJob(ctx, jobID)
	if err == nil {
		switch existing.State {
		case StatePending, StateInProgress:
			log.Debug("Enqueue is a no-op, job already live", "state", existing.State)
			return existing, nil
		case StateDeadLetter:
			// A fresh enqueue supersedes the buried copy.
			if remErr := s.client.ZRem(ctx, deadKey, jobID).Err(); remErr != nil {
				return nil, fmt.Errorf("failed to supersede dead-lettered job: %w", remErr)
			}
		}
	} else if !errors.Is(err, ErrJobNotFound) {
		return nil, err
	}

	now := time.Now()
	job := &Job{
		ID:              jobID,
		UserID:          userID,
		EventName:       ev.Name,
		Payload:         ev.Payload,
		RelatedObjectID: ev.ID,
		EnqueuedAt:      now,
		Attempts:        0,
		MaxAttempts:     s.opts.MaxAttempts,
		Priority:        ev.Priority,
		State:           StatePending,
	}

	// Two instances racing on the same logical delivery both write the
	// same job ID: the hash write is idempotent in effect and the pending
	// set keeps a single member, so exactly one job exists afterward.
	if err := s.client.HSet(ctx, jobKey(jobID), jobToFields(job)...).Err(); err != nil {
		return nil, fmt.Errorf("failed to store delivery job: %w", err)
	}
	runAt := now.Add(s.opts.InitialDelay)
	if err := s.client.ZAdd(ctx, pendingKey, redis.Z{Score: jobScore(runAt, job.Priority), Member: jobID}).Err(); err != nil {
		return nil, fmt.Errorf("failed to schedule delivery job: %w", err)
	}
	log.Info("Enqueued delivery job", "event", ev.Name, "run_at", runAt)
	return job, nil
}

// Claim pops the next due job and moves it under a lease. It returns
// (nil, nil) when nothing is due.
func (s *Store) Claim(ctx context.Context) (*Job, error) {
	now := time.Now()

	popped, err := s.client.ZPopMin(ctx, pendingKey, 1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to pop pending job: %w", err)
	}
	if len(popped) == 0 {
		return nil, nil
	}
	jobID, ok := popped[0].Member.(string)
	if !ok {
		return nil, nil
	}

	if popped[0].Score > float64(now.UnixMilli()) {
		// Not due yet; put it back untouched.
		if err := s.client.ZAdd(ctx, pendingKey, redis.Z{Score: popped[0].Score, Member: jobID}).Err(); err != nil {
			return nil, fmt.Errorf("failed to reschedule undue job: %w", err)
		}
		return nil, nil
	}

	job, err := s.GetJob(ctx, jobID)
	if errors.Is(err, ErrJobNotFound) {
		// Stale pending entry (hash expired or deleted); drop it.
		s.logger.Warn("Dropping pending entry without a job", "job_id", jobID)
		return nil, nil
	}
	if err != nil {
		s.requeue(ctx, jobID, popped[0].Score)
		return nil, err
	}

	// The lease entry is written before the hash mutation: once the job is
	// in the leased set, any later failure leaves it reachable by the
	// lease reaper instead of lost.
	job.State = StateInProgress
	leaseExpiry := now.Add(s.opts.VisibilityTimeout)
	if err := s.client.ZAdd(ctx, leasedKey, redis.Z{Score: float64(leaseExpiry.UnixMilli()), Member: jobID}).Err(); err != nil {
		s.requeue(ctx, jobID, popped[0].Score)
		return nil, fmt.Errorf("failed to lease job: %w", err)
	}
	if err := s.client.HSet(ctx, jobKey(jobID), fieldState, string(StateInProgress)).Err(); err != nil {
		return nil, fmt.Errorf("failed to mark job in progress: %w", err)
	}
	return job, nil
}

// requeue returns a popped job to the pending set after a failed claim so
// the job stays claimable. Best effort: if the store is down the write
// fails too, and only the lease reaper or a re-enqueue can recover the job.
func (s *Store) requeue(ctx context.Context, jobID string, score float64) {
	if err := s.client.ZAdd(ctx, pendingKey, redis.Z{Score: score, Member: jobID}).Err(); err != nil {
		s.logger.Error("Failed to return job to pending after claim failure", "job_id", jobID, "err", err)
	}
}

// Complete acknowledges a successful delivery and discards the job.
func (s *Store) Complete(ctx context.Context, job *Job) error {
	if err := s.client.ZRem(ctx, leasedKey, job.ID).Err(); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	if err := s.client.Del(ctx, jobKey(job.ID)).Err(); err != nil {
		return fmt.Errorf("failed to discard completed job: %w", err)
	}
	if err := s.client.Incr(ctx, completedCounterKey).Err(); err != nil {
		s.logger.Warn("Failed to bump completed counter", "err", err)
	}
	return nil
}

// Release returns a failed job to pending, scheduled at runAt, persisting
// the updated attempt count and failure reason.
func (s *Store) Release(ctx context.Context, job *Job, runAt time.Time) error {
	job.State = StatePending
	if err := s.client.HSet(ctx, jobKey(job.ID),
		fieldState, string(StatePending),
		fieldAttempts, strconv.Itoa(job.Attempts),
		fieldLastError, job.LastError,
	).Err(); err != nil {
		return fmt.Errorf("failed to update released job: %w", err)
	}
	if err := s.client.ZRem(ctx, leasedKey, job.ID).Err(); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	if err := s.client.ZAdd(ctx, pendingKey, redis.Z{Score: jobScore(runAt, job.Priority), Member: job.ID}).Err(); err != nil {
		return fmt.Errorf("failed to reschedule job: %w", err)
	}
	return nil
}

// Bury moves a job whose retry budget is exhausted into the bounded
// dead-letter set. Buried jobs are retained for inspection and never
// retried automatically.
func (s *Store) Bury(ctx context.Context, job *Job) error {
	now := time.Now()
	job.State = StateDeadLetter
	if err := s.client.HSet(ctx, jobKey(job.ID),
		fieldState, string(StateDeadLetter),
		fieldAttempts, strconv.Itoa(job.Attempts),
		fieldLastError, job.LastError,
	).Err(); err != nil {
		return fmt.Errorf("failed to update buried job: %w", err)
	}
	if err := s.client.ZRem(ctx, leasedKey, job.ID).Err(); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	if err := s.client.ZAdd(ctx, deadKey, redis.Z{Score: float64(now.UnixMilli()), Member: job.ID}).Err(); err != nil {
		return fmt.Errorf("failed to dead-letter job: %w", err)
	}
	if err := s.client.Expire(ctx, jobKey(job.ID), s.opts.DeadLetterRetention).Err(); err != nil {
		s.logger.Warn("Failed to bound dead job retention", "job_id", job.ID, "err", err)
	}

	// Bounded retention: prune by age, then by size (oldest first).
	cutoff := now.Add(-s.opts.DeadLetterRetention)
	if err := s.client.ZRemRangeByScore(ctx, deadKey, "-inf", strconv.FormatInt(cutoff.UnixMilli(), 10)).Err(); err != nil {
		s.logger.Warn("Failed to prune dead-letter set by age", "err", err)
	}
	if err := s.client.ZRemRangeByRank(ctx, deadKey, 0, -(s.opts.DeadLetterMaxEntries + 1)).Err(); err != nil {
		s.logger.Warn("Failed to prune dead-letter set by size", "err", err)
	}

	if err := s.client.Incr(ctx, failedCounterKey).Err(); err != nil {
		s.logger.Warn("Failed to bump failed counter", "err", err)
	}
	return nil
}

// ReapExpiredLeases returns jobs whose lease lapsed (worker crash mid-job)
// to pending. The ZRem result arbitrates between concurrent reapers: only
// the caller that actually removed the member requeues it.
func (s *Store) ReapExpiredLeases(ctx context.Context) (int, error) {
	now := time.Now()
	expired, err := s.client.ZRangeByScore(ctx, leasedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan expired leases: %w", err)
	}

	reaped := 0
	for _, jobID := range expired {
		removed, err := s.client.ZRem(ctx, leasedKey, jobID).Result()
		if err != nil {
			return reaped, fmt.Errorf("failed to reclaim lease: %w", err)
		}
		if removed == 0 {
			continue // another reaper got it first
		}
		if err := s.client.HSet(ctx, jobKey(jobID), fieldState, string(StatePending)).Err(); err != nil {
			return reaped, fmt.Errorf("failed to reset reaped job: %w", err)
		}
		if err := s.client.ZAdd(ctx, pendingKey, redis.Z{Score: float64(now.UnixMilli()), Member: jobID}).Err(); err != nil {
			return reaped, fmt.Errorf("failed to requeue reaped job: %w", err)
		}
		s.logger.Warn("Reclaimed job from expired lease", "job_id", jobID)
		reaped++
	}
	return reaped, nil
}

// GetJob reads a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	fields, err := s.client.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read delivery job: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}
	return jobFromFields(jobID, fields), nil
}

// Stats returns the queue counters for the operational surface.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	nowBound := strconv.FormatInt(time.Now().UnixMilli(), 10)

	waiting, err := s.client.ZCount(ctx, pendingKey, "-inf", nowBound).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count waiting jobs: %w", err)
	}
	delayed, err := s.client.ZCount(ctx, pendingKey, "("+nowBound, "+inf").Result()
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count delayed jobs: %w", err)
	}
	active, err := s.client.ZCard(ctx, leasedKey).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count active jobs: %w", err)
	}
	completed, err := s.counter(ctx, completedCounterKey)
	if err != nil {
		return Stats{}, err
	}
	failed, err := s.counter(ctx, failedCounterKey)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Waiting: waiting, Delayed: delayed, Active: active, Completed: completed, Failed: failed}, nil
}

func (s *Store) counter(ctx context.Context, key string) (int64, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read counter %s: %w", key, err)
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt counter %s: %w", key, err)
	}
	return n, nil
}

// --- Private Helpers ---

const (
	jobKeyPrefix        = "delivery:job:"
	pendingKey          = "delivery:pending"
	leasedKey           = "delivery:leased"
	deadKey             = "delivery:dead"
	completedCounterKey = "delivery:stats:completed"
	failedCounterKey    = "delivery:stats:failed"

	fieldUserID    = "user_id"
	fieldEventName = "event_name"
	fieldPayload   = "payload"
	fieldRelatedID = "related_id"
	fieldEnqueued  = "enqueued_at"
	fieldAttempts  = "attempts"
	fieldMaxTries  = "max_attempts"
	fieldPriority  = "priority"
	fieldState     = "state"
	fieldLastError = "last_error"

	// priorityBiasMs brings a job's effective due time forward by one
	// second per priority level.
	priorityBiasMs = 1000
)

func jobKey(id string) string { return jobKeyPrefix + id }

func jobScore(runAt time.Time, priority int) float64 {
	return float64(runAt.UnixMilli() - int64(priority)*priorityBiasMs)
}

func jobToFields(j *Job) []interface{} {
	return []interface{}{
		fieldUserID, j.UserID,
		fieldEventName, j.EventName,
		fieldPayload, string(j.Payload),
		fieldRelatedID, j.RelatedObjectID,
		fieldEnqueued, strconv.FormatInt(j.EnqueuedAt.UnixMilli(), 10),
		fieldAttempts, strconv.Itoa(j.Attempts),
		fieldMaxTries, strconv.Itoa(j.MaxAttempts),
		fieldPriority, strconv.Itoa(j.Priority),
		fieldState, string(j.State),
		fieldLastError, j.LastError,
	}
}

func jobFromFields(id string, fields map[string]string) *Job {
	j := &Job{
		ID:              id,
		UserID:          fields[fieldUserID],
		EventName:       fields[fieldEventName],
		Payload:         []byte(fields[fieldPayload]),
		RelatedObjectID: fields[fieldRelatedID],
		State:           State(fields[fieldState]),
		LastError:       fields[fieldLastError],
	}
	if ms, err := strconv.ParseInt(fields[fieldEnqueued], 10, 64); err == nil {
		j.EnqueuedAt = time.UnixMilli(ms)
	}
	j.Attempts, _ = strconv.Atoi(fields[fieldAttempts])
	j.MaxAttempts, _ = strconv.Atoi(fields[fieldMaxTries])
	j.Priority, _ = strconv.Atoi(fields[fieldPriority])
	return j
}

package deliveryqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// JobStore is the queue contract the worker drains. *Store satisfies it;
// tests substitute in-memory doubles.
type JobStore interface {
	Claim(ctx context.Context) (*Job, error)
	Complete(ctx context.Context, job *Job) error
	Release(ctx context.Context, job *Job, runAt time.Time) error
	Bury(ctx context.Context, job *Job) error
	ReapExpiredLeases(ctx context.Context) (int, error)
}

// PresenceChecker answers whether a recipient currently has a live
// connection anywhere in the cluster.
type PresenceChecker interface {
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// EventPublisher pushes an event toward whichever instance holds the
// recipient's connections.
type EventPublisher interface {
	Publish(ctx context.Context, targetUserID, eventName string, payload json.RawMessage) error
}

// WorkerOptions tune the pool. Zero values select the defaults.
type WorkerOptions struct {
	// Concurrency is the number of concurrent claim-and-process loops.
	Concurrency int
	// PollInterval is how long an idle loop sleeps when nothing is due.
	PollInterval time.Duration
	// RateLimit caps processed jobs per second across the whole pool so a
	// retry burst cannot monopolize the shared store.
	RateLimit rate.Limit
	// ReapInterval is how often expired leases are swept back to pending.
	ReapInterval time.Duration
	// Backoff is the retry delay strategy.
	Backoff BackoffStrategy
}

func (o *WorkerOptions) applyDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 10
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.RateLimit <= 0 {
		o.RateLimit = 50
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = 15 * time.Second
	}
	if o.Backoff == nil {
		o.Backoff = DefaultBackoff()
	}
}

// Worker drains the delivery queue: it claims due jobs, re-checks the
// recipient's presence, publishes through the relay when online, and
// applies the retry/dead-letter policy otherwise. The pool's concurrency
// is independent of connection handling, so a burst of retryable jobs
// cannot starve live connections.
type Worker struct {
	store    JobStore
	presence PresenceChecker
	relay    EventPublisher
	opts     WorkerOptions
	limiter  *rate.Limiter
	logger   *slog.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewWorker creates a delivery worker pool.
func NewWorker(store JobStore, presence PresenceChecker, relay EventPublisher, opts WorkerOptions, logger *slog.Logger) (*Worker, error) {
	if store == nil {
		return nil, fmt.Errorf("job store cannot be nil")
	}
	if presence == nil {
		return nil, fmt.Errorf("presence checker cannot be nil")
	}
	if relay == nil {
		return nil, fmt.Errorf("event publisher cannot be nil")
	}
	opts.applyDefaults()
	return &Worker{
		store:    store,
		presence: presence,
		relay:    relay,
		opts:     opts,
		limiter:  rate.NewLimiter(opts.RateLimit, int(opts.RateLimit)),
		logger:   logger.With("component", "delivery_worker"),
		stopCh:   make(chan struct{}),
	}, nil
}

// Start launches the worker goroutines and the lease reaper. It returns
// immediately.
func (w *Worker) Start(_ context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	w.running = true

	w.logger.Info("delivery worker pool starting",
		slog.Int("concurrency", w.opts.Concurrency),
		slog.Float64("rate_limit", float64(w.opts.RateLimit)),
	)

	for i := 0; i < w.opts.Concurrency; i++ {
		w.wg.Add(1)
		go w.claimLoop()
	}
	w.wg.Add(1)
	go w.reapLoop()
	return nil
}

// Stop signals all loops to stop and waits for in-flight jobs, or until
// ctx expires.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.logger.Info("delivery worker pool stopped")
		return nil
	case <-ctx.Done():
		w.logger.Warn("delivery worker pool shutdown timed out")
		return ctx.Err()
	}
}

// claimLoop is run by each worker goroutine.
func (w *Worker) claimLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		if err := w.waitForSlot(); err != nil {
			return
		}

		job, err := w.store.Claim(context.Background())
		if err != nil {
			w.logger.Error("claim error", slog.String("error", err.Error()))
			w.sleep()
			continue
		}
		if job == nil {
			w.sleep()
			continue
		}
		w.process(context.Background(), job)
	}
}

// process executes a single delivery attempt. Presence and publish are two
// independent checks: a recipient can come online between them, and a
// publish can fail while the recipient is online. Each failure reason is
// recorded as observed.
func (w *Worker) process(ctx context.Context, job *Job) {
	log := w.logger.With(
		slog.String("job_id", job.ID),
		slog.String("user", job.UserID),
		slog.String("event", job.EventName),
		slog.Int("attempt", job.Attempts+1),
	)

	online, err := w.presence.IsOnline(ctx, job.UserID)
	if err != nil {
		w.fail(ctx, job, fmt.Errorf("presence check failed: %w", err), log)
		return
	}
	if !online {
		w.fail(ctx, job, ErrRecipientOffline, log)
		return
	}

	if err := w.relay.Publish(ctx, job.UserID, job.EventName, job.Payload); err != nil {
		w.fail(ctx, job, fmt.Errorf("relay publish failed: %w", err), log)
		return
	}

	if err := w.store.Complete(ctx, job); err != nil {
		// Delivery happened but the ack write failed. On lease expiry the
		// job runs again: at-least-once, the client deduplicates by
		// relatedObjectId.
		log.Error("failed to complete delivered job", slog.String("error", err.Error()))
		return
	}
	log.Info("delivered queued event")
}

// fail applies the retry policy for one failed attempt.
func (w *Worker) fail(ctx context.Context, job *Job, cause error, log *slog.Logger) {
	job.Attempts++
	job.LastError = cause.Error()

	if job.Attempts < job.MaxAttempts {
		delay := w.opts.Backoff.Delay(job.Attempts)
		runAt := time.Now().Add(delay)
		if err := w.store.Release(ctx, job, runAt); err != nil {
			log.Error("failed to reschedule job", slog.String("error", err.Error()))
			return
		}
		log.Debug("attempt failed, rescheduled",
			slog.String("reason", cause.Error()),
			slog.Duration("backoff", delay),
		)
		return
	}

	if err := w.store.Bury(ctx, job); err != nil {
		log.Error("failed to dead-letter job", slog.String("error", err.Error()))
		return
	}
	log.Error("delivery job exhausted retries, moved to dead letter",
		slog.String("reason", cause.Error()),
		slog.Int("attempts", job.Attempts),
	)
}

// reapLoop periodically returns expired leases to pending.
func (w *Worker) reapLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.opts.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			reaped, err := w.store.ReapExpiredLeases(context.Background())
			if err != nil {
				w.logger.Error("lease reap failed", slog.String("error", err.Error()))
				continue
			}
			if reaped > 0 {
				w.logger.Warn("reaped expired leases", slog.Int("count", reaped))
			}
		}
	}
}

// waitForSlot blocks on the pool rate limiter until a token is available
// or the pool is stopping.
func (w *Worker) waitForSlot() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-w.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return w.limiter.Wait(ctx)
}

func (w *Worker) sleep() {
	select {
	case <-w.stopCh:
	case <-time.After(w.opts.PollInterval):
	}
}

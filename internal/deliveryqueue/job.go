// Package deliveryqueue implements the durable offline-delivery path: a
// shared-store backed job queue with lease semantics, and a worker pool
// that drains it with bounded concurrency, bounded retries, and exponential
// backoff.
package deliveryqueue

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"
)

// State is the lifecycle state of a delivery job.
type State string

const (
	// StatePending means the job is waiting (or scheduled) for a worker.
	StatePending State = "pending"
	// StateInProgress means a worker holds the job under a lease.
	StateInProgress State = "in_progress"
	// StateDeadLetter means every attempt was exhausted; the job is
	// retained for inspection and never retried automatically.
	StateDeadLetter State = "dead_letter"
)

// DefaultMaxAttempts is the retry budget for a delivery job.
const DefaultMaxAttempts = 5

var (
	// ErrRecipientOffline marks a failed attempt whose recipient had no
	// live connection at retry time. A normal outcome, not an
	// infrastructure error; it triggers a backoff reschedule.
	ErrRecipientOffline = errors.New("recipient offline")

	// ErrJobNotFound is returned when a job ID has no stored job.
	ErrJobNotFound = errors.New("delivery job not found")
)

// Job is one durable, retryable unit of work: "eventually push this event
// to this user".
type Job struct {
	ID              string          `json:"jobId"`
	UserID          string          `json:"userId"`
	EventName       string          `json:"eventName"`
	Payload         json.RawMessage `json:"payload"`
	RelatedObjectID string          `json:"relatedObjectId"`
	EnqueuedAt      time.Time       `json:"enqueuedAt"`
	Attempts        int             `json:"attempts"`
	MaxAttempts     int             `json:"maxAttempts"`
	Priority        int             `json:"priority"`
	State           State           `json:"state"`
	LastError       string          `json:"lastError,omitempty"`
}

// JobID derives the deterministic job identifier for a logical delivery.
// Enqueuing the same (relatedObjectID, userID) pair from any instance
// always yields the same ID, which is what makes re-enqueues idempotent.
func JobID(relatedObjectID, userID string) string {
	sum := sha256.Sum256([]byte(relatedObjectID + "\x00" + userID))
	return hex.EncodeToString(sum[:16])
}

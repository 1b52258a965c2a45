// Package queue is the delay-aware job queue between the scheduling API and
// the dispatch consumer.
//
// A job is handed to a Handler no earlier than its delay, at least once.
// When the handler reports a retryable failure the queue redelivers it with
// exponential backoff until the retry policy is exhausted, then buries it and
// calls the handler's Exhausted hook. The queue never touches Job Records.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/easy-notify/internal/domain"
)

// ErrJobActive is returned by Backend.Put when the job is currently claimed
// by a worker and therefore cannot be replaced.
var ErrJobActive = errors.New("queue: job is being processed")

// ErrLeaseExpired is recorded as a job's last error when its lease ran out
// before the worker reported a result.
var ErrLeaseExpired = errors.New("queue: lease expired")

// Payload is what the consumer needs to deliver one notification.
// Body is stored sealed when a sealer is configured.
type Payload struct {
	NotificationID uuid.UUID          `json:"notification_id"`
	UserID         string             `json:"user_id"`
	Channel        domain.Channel     `json:"channel"`
	Recipient      string             `json:"recipient"`
	Subject        string             `json:"subject,omitempty"`
	Body           string             `json:"body"`
	Attachment     *domain.Attachment `json:"attachment,omitempty"`
}

// RetryPolicy bounds redelivery of a failing job.
type RetryPolicy struct {
	MaxAttempts    int           `json:"max_attempts"`
	InitialBackoff time.Duration `json:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff"`
}

// DefaultRetryPolicy is 3 attempts with backoff 2s, 4s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     5 * time.Minute,
	}
}

// Backoff returns the wait before the attempt following failed attempt n (1-based).
func (p RetryPolicy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := p.InitialBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.InitialBackoff < 0 {
		p.InitialBackoff = 0
	}
	return p
}

// Job is the queue envelope. Attempt counts completed attempts.
type Job struct {
	ID         uuid.UUID   `json:"id"`
	Payload    Payload     `json:"payload"`
	Policy     RetryPolicy `json:"policy"`
	Attempt    int         `json:"attempt"`
	LastError  string      `json:"last_error,omitempty"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
}

// Backend stores jobs. Implementations must be safe for concurrent use.
type Backend interface {
	// Put inserts the job, or replaces a waiting job with the same ID, so it
	// becomes claimable at readyAt. Returns ErrJobActive if the ID is claimed.
	Put(ctx context.Context, job Job, readyAt time.Time) error
	// Remove deletes a waiting job. It reports false if the job is unknown or
	// already claimed.
	Remove(ctx context.Context, id uuid.UUID) (bool, error)
	// Has reports whether the job is waiting or claimed.
	Has(ctx context.Context, id uuid.UUID) (bool, error)
	// Claim leases up to limit due jobs until now+lease. Expired leases are
	// made claimable again first, and each expiry counts as a failed attempt
	// with ErrLeaseExpired as the last error.
	Claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Job, error)
	// Ack drops a claimed job after success.
	Ack(ctx context.Context, id uuid.UUID) error
	// Retry moves a claimed job back to waiting until readyAt.
	Retry(ctx context.Context, job Job, readyAt time.Time) error
	// Bury moves a claimed job to the dead set.
	Bury(ctx context.Context, job Job) error
}

// Queue is the producer side used by the scheduling API.
type Queue struct {
	backend Backend
	clock   func() time.Time
}

func New(backend Backend) *Queue {
	return &Queue{backend: backend, clock: time.Now}
}

// WithClock overrides the time source. Intended for tests.
func (q *Queue) WithClock(clock func() time.Time) *Queue {
	q.clock = clock
	return q
}

// Submit enqueues payload under id to become due after delay.
// Negative delays are treated as zero.
func (q *Queue) Submit(ctx context.Context, id uuid.UUID, payload Payload, delay time.Duration, policy RetryPolicy) error {
	if delay < 0 {
		delay = 0
	}
	now := q.clock().UTC()
	job := Job{
		ID:         id,
		Payload:    payload,
		Policy:     policy.normalized(),
		EnqueuedAt: now,
	}
	return q.backend.Put(ctx, job, now.Add(delay))
}

// Remove cancels a job that has not started executing.
func (q *Queue) Remove(ctx context.Context, id uuid.UUID) (bool, error) {
	return q.backend.Remove(ctx, id)
}

// Has reports whether the queue still holds the job.
func (q *Queue) Has(ctx context.Context, id uuid.UUID) (bool, error) {
	return q.backend.Has(ctx, id)
}

package dispatcher

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/djlord-it/easy-notify/internal/delivery"
	"github.com/djlord-it/easy-notify/internal/domain"
	"github.com/djlord-it/easy-notify/internal/queue"
	"github.com/djlord-it/easy-notify/internal/sealer"
)

// Submission outcomes.
const (
	SubmissionQueued         = "queued"
	SubmissionImmediate      = "immediate"
	SubmissionFallbackSent   = "fallback_sent"
	SubmissionFallbackFailed = "fallback_failed"
)

// NotificationDispatcher hands a persisted, scheduled record to whatever
// will deliver it. Dispatch returns the record status after the hand-off:
// scheduled when queued, sent or failed when delivered synchronously.
type NotificationDispatcher interface {
	Dispatch(ctx context.Context, n domain.Notification) (domain.Status, error)
	// Reschedule replaces the pending hand-off after a record changed. It
	// returns ErrDeliveryInProgress when the hand-off is already running.
	Reschedule(ctx context.Context, n domain.Notification) error
	// Withdraw removes a pending hand-off. It reports false when there was
	// nothing left to remove. Callers mark the record first so a running
	// hand-off sees the new status.
	Withdraw(ctx context.Context, id uuid.UUID) (bool, error)
}

// DeliveryFailedError is returned by Dispatch when a synchronous send failed.
// The record has been marked failed.
type DeliveryFailedError struct {
	ID  uuid.UUID
	Err error
}

func (e *DeliveryFailedError) Error() string {
	return "immediate delivery of " + e.ID.String() + " failed: " + e.Err.Error()
}

func (e *DeliveryFailedError) Unwrap() error { return e.Err }

// ErrDeliveryInProgress is returned by Reschedule when a worker holds the
// job. The worker reads the record on every attempt, so the next attempt
// uses the updated record.
var ErrDeliveryInProgress = errors.New("delivery in progress")

// Queue is the producer side of the delay queue. *queue.Queue satisfies it.
type Queue interface {
	Submit(ctx context.Context, id uuid.UUID, payload queue.Payload, delay time.Duration, policy queue.RetryPolicy) error
	Remove(ctx context.Context, id uuid.UUID) (bool, error)
	Has(ctx context.Context, id uuid.UUID) (bool, error)
}

// ImmediateDispatcher delivers synchronously through the router and writes
// the outcome to the record.
type ImmediateDispatcher struct {
	store     Store
	deliverer Deliverer
	metrics   MetricsSink // optional, nil = disabled
	logger    logrus.FieldLogger
	clock     func() time.Time
}

func NewImmediateDispatcher(store Store, deliverer Deliverer, logger logrus.FieldLogger) *ImmediateDispatcher {
	return &ImmediateDispatcher{
		store:     store,
		deliverer: deliverer,
		logger:    logger.WithField("component", "immediate-dispatcher"),
		clock:     time.Now,
	}
}

// WithMetrics attaches a metrics sink to the dispatcher.
func (d *ImmediateDispatcher) WithMetrics(sink MetricsSink) *ImmediateDispatcher {
	d.metrics = sink
	return d
}

// WithClock overrides the time source. Intended for tests.
func (d *ImmediateDispatcher) WithClock(clock func() time.Time) *ImmediateDispatcher {
	d.clock = clock
	return d
}

func (d *ImmediateDispatcher) Dispatch(ctx context.Context, n domain.Notification) (domain.Status, error) {
	status, err := d.deliver(ctx, n)
	if d.metrics != nil {
		d.metrics.Submission(SubmissionImmediate)
	}
	return status, err
}

func (d *ImmediateDispatcher) deliver(ctx context.Context, n domain.Notification) (domain.Status, error) {
	log := d.logger.WithFields(logrus.Fields{"job_id": n.ID, "channel": n.Channel})

	start := d.clock()
	err := d.deliverer.Deliver(ctx, delivery.Message{
		NotificationID: n.ID,
		Channel:        n.Channel,
		To:             n.Recipient,
		Subject:        n.Subject,
		Body:           n.Body,
	}, n.Attachment)
	finished := d.clock()
	if d.metrics != nil {
		d.metrics.DeliveryAttemptCompleted(string(n.Channel), ClassifyError(err), finished.Sub(start))
	}
	recordAttempt(ctx, d.store, log, n, 1, start, finished, err)

	if err == nil {
		if merr := d.store.MarkSent(ctx, n.ID, 1, d.clock().UTC()); merr != nil && !errors.Is(merr, domain.ErrStatusTransitionDenied) {
			log.WithError(merr).Error("delivered but failed to mark record sent")
		}
		if d.metrics != nil {
			d.metrics.DeliveryOutcome(OutcomeSent)
		}
		log.Info("notification delivered immediately")
		return domain.StatusSent, nil
	}

	if merr := d.store.MarkFailed(ctx, n.ID, err.Error()); merr != nil && !errors.Is(merr, domain.ErrStatusTransitionDenied) {
		log.WithError(merr).Error("failed to mark record failed")
	}
	if d.metrics != nil {
		d.metrics.DeliveryOutcome(OutcomeFailed)
	}
	log.WithError(err).Warn("immediate delivery failed")
	return domain.StatusFailed, &DeliveryFailedError{ID: n.ID, Err: err}
}

// Reschedule is a no-op: immediate records never stay scheduled.
func (d *ImmediateDispatcher) Reschedule(context.Context, domain.Notification) error { return nil }

// Withdraw is a no-op: nothing is pending.
func (d *ImmediateDispatcher) Withdraw(context.Context, uuid.UUID) (bool, error) { return false, nil }

// QueuedDispatcher submits records to the delay queue and falls back to
// immediate delivery when the queue cannot accept them.
type QueuedDispatcher struct {
	queue    Queue
	fallback *ImmediateDispatcher
	policy   queue.RetryPolicy
	sealer   sealer.Sealer
	metrics  MetricsSink // optional, nil = disabled
	logger   logrus.FieldLogger
	clock    func() time.Time
}

func NewQueuedDispatcher(q Queue, fallback *ImmediateDispatcher, logger logrus.FieldLogger) *QueuedDispatcher {
	return &QueuedDispatcher{
		queue:    q,
		fallback: fallback,
		policy:   queue.DefaultRetryPolicy(),
		sealer:   sealer.Identity{},
		logger:   logger.WithField("component", "queued-dispatcher"),
		clock:    time.Now,
	}
}

// WithPolicy sets the retry policy attached to every submission.
func (d *QueuedDispatcher) WithPolicy(p queue.RetryPolicy) *QueuedDispatcher {
	d.policy = p
	return d
}

// WithSealer seals subject and body in queued payloads.
func (d *QueuedDispatcher) WithSealer(s sealer.Sealer) *QueuedDispatcher {
	d.sealer = s
	return d
}

// WithMetrics attaches a metrics sink to the dispatcher.
func (d *QueuedDispatcher) WithMetrics(sink MetricsSink) *QueuedDispatcher {
	d.metrics = sink
	return d
}

// WithClock overrides the time source. Intended for tests.
func (d *QueuedDispatcher) WithClock(clock func() time.Time) *QueuedDispatcher {
	d.clock = clock
	return d
}

func (d *QueuedDispatcher) Dispatch(ctx context.Context, n domain.Notification) (domain.Status, error) {
	err := d.submit(ctx, n)
	if err == nil {
		d.submission(SubmissionQueued)
		return domain.StatusScheduled, nil
	}

	var backendErr *domain.SchedulingBackendError
	if !errors.As(err, &backendErr) {
		return "", err
	}

	d.logger.WithError(err).WithField("job_id", n.ID).Warn("queue unavailable, delivering immediately")
	status, ferr := d.fallback.deliver(ctx, n)
	if ferr != nil {
		d.submission(SubmissionFallbackFailed)
		return status, ferr
	}
	d.submission(SubmissionFallbackSent)
	return status, nil
}

// Reschedule replaces the waiting job with one timed for the updated record.
// When a worker holds the job it returns ErrDeliveryInProgress. When the
// queue is unreachable the old job stays and the consumer still reads the
// updated record, deferring if it fires early.
func (d *QueuedDispatcher) Reschedule(ctx context.Context, n domain.Notification) error {
	if err := d.submit(ctx, n); err != nil {
		if errors.Is(err, queue.ErrJobActive) {
			return ErrDeliveryInProgress
		}
		return err
	}
	d.logger.WithField("job_id", n.ID).Debug("job rescheduled")
	return nil
}

func (d *QueuedDispatcher) Withdraw(ctx context.Context, id uuid.UUID) (bool, error) {
	removed, err := d.queue.Remove(ctx, id)
	if err != nil {
		return false, &domain.SchedulingBackendError{Op: "remove", Err: err}
	}
	return removed, nil
}

// Has reports whether the queue still holds a job for id.
func (d *QueuedDispatcher) Has(ctx context.Context, id uuid.UUID) (bool, error) {
	held, err := d.queue.Has(ctx, id)
	if err != nil {
		return false, &domain.SchedulingBackendError{Op: "has", Err: err}
	}
	return held, nil
}

// Requeue submits n again without falling back. Overdue records become due
// immediately.
func (d *QueuedDispatcher) Requeue(ctx context.Context, n domain.Notification) error {
	return d.submit(ctx, n)
}

func (d *QueuedDispatcher) submit(ctx context.Context, n domain.Notification) error {
	payload, err := d.payload(n)
	if err != nil {
		return err
	}
	delay := n.ScheduledFor.Sub(d.clock())
	if err := d.queue.Submit(ctx, n.ID, payload, delay, d.policy); err != nil {
		if errors.Is(err, queue.ErrJobActive) {
			return err
		}
		return &domain.SchedulingBackendError{Op: "submit", Err: err}
	}
	return nil
}

func (d *QueuedDispatcher) payload(n domain.Notification) (queue.Payload, error) {
	subject, err := sealOptional(d.sealer, n.Subject)
	if err != nil {
		return queue.Payload{}, errors.Wrap(err, "seal subject")
	}
	body, err := sealOptional(d.sealer, n.Body)
	if err != nil {
		return queue.Payload{}, errors.Wrap(err, "seal body")
	}
	return queue.Payload{
		NotificationID: n.ID,
		UserID:         n.UserID,
		Channel:        n.Channel,
		Recipient:      n.Recipient,
		Subject:        subject,
		Body:           body,
		Attachment:     n.Attachment,
	}, nil
}

func (d *QueuedDispatcher) submission(outcome string) {
	if d.metrics != nil {
		d.metrics.Submission(outcome)
	}
}

// Package dispatcher turns due queue jobs into deliveries and decides how a
// freshly created record reaches its recipient.
package dispatcher

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/djlord-it/easy-notify/internal/circuitbreaker"
	"github.com/djlord-it/easy-notify/internal/delivery"
	"github.com/djlord-it/easy-notify/internal/domain"
	"github.com/djlord-it/easy-notify/internal/queue"
	"github.com/djlord-it/easy-notify/internal/sealer"
)

// Store is the record store as seen by the dispatcher.
type Store interface {
	Get(ctx context.Context, id uuid.UUID) (domain.Notification, error)
	// MarkSent, MarkFailed and RecordAttemptFailure MUST reject records that
	// are no longer scheduled with domain.ErrStatusTransitionDenied. This
	// makes replays idempotent.
	MarkSent(ctx context.Context, id uuid.UUID, attempt int, sentAt time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error
	RecordAttemptFailure(ctx context.Context, id uuid.UUID, attempt int, lastError string) error
	InsertDeliveryAttempt(ctx context.Context, a domain.DeliveryAttempt) error
}

// Deliverer sends one message. *delivery.Router satisfies it.
type Deliverer interface {
	Deliver(ctx context.Context, msg delivery.Message, ref *domain.Attachment) error
}

// AnalyticsSink counts delivery outcomes per user and channel. Best effort.
type AnalyticsSink interface {
	Record(ctx context.Context, userID string, channel domain.Channel, outcome string, at time.Time)
}

// MetricsSink defines the interface for recording dispatcher metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	DeliveryAttemptCompleted(channel, class string, duration time.Duration)
	DeliveryOutcome(outcome string)
	Submission(outcome string)
}

// Outcome labels shared by metrics and analytics.
const (
	OutcomeSent    = "sent"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// Consumer is the queue.Handler that delivers due notifications.
// Content, recipient and timing come from the stored record, never from the
// queued payload. It holds no per-invocation state and is safe for
// concurrent use.
type Consumer struct {
	store     Store
	deliverer Deliverer
	analytics AnalyticsSink // optional, nil = disabled
	metrics   MetricsSink   // optional, nil = disabled
	logger    logrus.FieldLogger
	clock     func() time.Time
}

func NewConsumer(store Store, deliverer Deliverer, logger logrus.FieldLogger) *Consumer {
	return &Consumer{
		store:     store,
		deliverer: deliverer,
		logger:    logger.WithField("component", "consumer"),
		clock:     time.Now,
	}
}

// WithAnalytics attaches an analytics sink to the consumer.
func (c *Consumer) WithAnalytics(sink AnalyticsSink) *Consumer {
	c.analytics = sink
	return c
}

// WithMetrics attaches a metrics sink to the consumer.
func (c *Consumer) WithMetrics(sink MetricsSink) *Consumer {
	c.metrics = sink
	return c
}

// WithClock overrides the time source. Intended for tests.
func (c *Consumer) WithClock(clock func() time.Time) *Consumer {
	c.clock = clock
	return c
}

func (c *Consumer) Handle(ctx context.Context, d queue.Delivery) queue.Result {
	log := c.logger.WithFields(logrus.Fields{
		"job_id":  d.ID,
		"channel": d.Payload.Channel,
		"attempt": d.Attempt,
	})

	n, err := c.store.Get(ctx, d.ID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			log.Warn("record not found, acknowledging without delivery")
			c.outcome(ctx, d.Payload.UserID, d.Payload.Channel, OutcomeSkipped)
			return queue.Success()
		}
		return queue.Retry(errors.Wrap(err, "load record"))
	}
	if n.Status != domain.StatusScheduled {
		log.WithField("status", n.Status).Info("record no longer scheduled, acknowledging without delivery")
		c.outcome(ctx, n.UserID, n.Channel, OutcomeSkipped)
		return queue.Success()
	}
	if n.ScheduledFor.After(c.clock()) {
		log.WithField("scheduled_for", n.ScheduledFor).Info("record moved to a later time, deferring")
		return queue.Defer(n.ScheduledFor)
	}

	msg := delivery.Message{
		NotificationID: n.ID,
		Channel:        n.Channel,
		To:             n.Recipient,
		Subject:        n.Subject,
		Body:           n.Body,
	}
	if msg.Channel != d.Payload.Channel {
		log = log.WithField("channel", msg.Channel)
	}

	start := c.clock()
	err = c.deliverer.Deliver(ctx, msg, n.Attachment)
	finished := c.clock()
	if c.metrics != nil {
		c.metrics.DeliveryAttemptCompleted(string(msg.Channel), ClassifyError(err), finished.Sub(start))
	}
	recordAttempt(ctx, c.store, log, n, d.Attempt, start, finished, err)

	if err == nil {
		if err := c.store.MarkSent(ctx, d.ID, d.Attempt, c.clock().UTC()); err != nil {
			// The message is out; redelivering would send it twice.
			if errors.Is(err, domain.ErrStatusTransitionDenied) {
				log.Info("record left scheduled state during delivery, status not updated")
			} else {
				log.WithError(err).Error("delivered but failed to mark record sent")
			}
		}
		log.Info("notification delivered")
		c.outcome(ctx, n.UserID, n.Channel, OutcomeSent)
		return queue.Success()
	}

	if !c.recordFailure(ctx, log, d, err) {
		return queue.Success()
	}
	if delivery.IsRetryable(err) {
		log.WithError(err).Warn("delivery failed, will retry")
		return queue.Retry(err)
	}
	log.WithError(err).Warn("delivery failed permanently")
	return queue.Fail(err)
}

// Exhausted marks the record failed once the queue gives up on it.
func (c *Consumer) Exhausted(ctx context.Context, d queue.Delivery, cause error) {
	log := c.logger.WithFields(logrus.Fields{
		"job_id":  d.ID,
		"channel": d.Payload.Channel,
		"attempt": d.Attempt,
	})

	lastError := d.LastError
	if cause != nil {
		lastError = cause.Error()
	}

	if err := c.store.MarkFailed(ctx, d.ID, lastError); err != nil {
		if errors.Is(err, domain.ErrStatusTransitionDenied) || errors.Is(err, domain.ErrNotFound) {
			log.Info("record already terminal, skipping failed status")
			return
		}
		log.WithError(err).Error("failed to mark record failed")
		return
	}
	log.WithField("last_error", lastError).Warn("notification failed")
	c.outcome(ctx, d.Payload.UserID, d.Payload.Channel, OutcomeFailed)
}

// recordFailure stores the attempt error. It reports false when the record
// has left the scheduled state and the job should be dropped.
func (c *Consumer) recordFailure(ctx context.Context, log logrus.FieldLogger, d queue.Delivery, cause error) bool {
	err := c.store.RecordAttemptFailure(ctx, d.ID, d.Attempt, cause.Error())
	if err == nil {
		return true
	}
	if errors.Is(err, domain.ErrStatusTransitionDenied) || errors.Is(err, domain.ErrNotFound) {
		log.Info("record left scheduled state, dropping job")
		return false
	}
	log.WithError(err).Error("failed to record attempt failure")
	return true
}

// recordAttempt appends to the attempt history. History is best effort and
// never changes the delivery result.
func recordAttempt(ctx context.Context, store Store, log logrus.FieldLogger, n domain.Notification, attempt int, start, finished time.Time, sendErr error) {
	a := domain.DeliveryAttempt{
		ID:             uuid.New(),
		NotificationID: n.ID,
		Attempt:        attempt,
		Channel:        n.Channel,
		Recipient:      n.Recipient,
		StartedAt:      start.UTC(),
		FinishedAt:     finished.UTC(),
	}
	if sendErr != nil {
		a.Error = sendErr.Error()
	}
	if err := store.InsertDeliveryAttempt(ctx, a); err != nil {
		log.WithError(err).Warn("failed to record delivery attempt")
	}
}

func (c *Consumer) outcome(ctx context.Context, userID string, ch domain.Channel, outcome string) {
	if c.metrics != nil {
		c.metrics.DeliveryOutcome(outcome)
	}
	if c.analytics != nil && outcome != OutcomeSkipped {
		c.analytics.Record(ctx, userID, ch, outcome, c.clock())
	}
}

func sealOptional(s sealer.Sealer, v string) (string, error) {
	if v == "" {
		return "", nil
	}
	return s.Seal(v)
}

// Error classes for the delivery attempt metric. Bounded cardinality.
const (
	ClassSuccess     = "success"
	ClassPermanent   = "permanent"
	ClassRetryable   = "retryable"
	ClassTimeout     = "timeout"
	ClassCircuitOpen = "circuit_open"
)

// ClassifyError maps a delivery error to a metrics class.
func ClassifyError(err error) string {
	switch {
	case err == nil:
		return ClassSuccess
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		return ClassCircuitOpen
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case delivery.IsRetryable(err):
		return ClassRetryable
	default:
		return ClassPermanent
	}
}

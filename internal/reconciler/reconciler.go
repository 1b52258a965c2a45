// Package reconciler resubmits scheduled records the delay queue lost.
//
// A record is orphaned when it is still scheduled, its target instant is
// older than the threshold, and the queue no longer holds its job (for
// example after a fallback-less submit failure or a Redis flush).
// Resubmitting is safe: the consumer skips records that already left the
// scheduled state.
package reconciler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	robfig "github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/djlord-it/easy-notify/internal/cron"
	"github.com/djlord-it/easy-notify/internal/domain"
	"github.com/djlord-it/easy-notify/internal/queue"
)

// Store lists overdue scheduled records.
type Store interface {
	ListOverdue(ctx context.Context, olderThan time.Time, maxResults int) ([]domain.Notification, error)
}

// Requeuer is the queue side. *dispatcher.QueuedDispatcher satisfies it.
type Requeuer interface {
	Has(ctx context.Context, id uuid.UUID) (bool, error)
	Requeue(ctx context.Context, n domain.Notification) error
}

// MetricsSink records reconciler metrics. All methods must be non-blocking.
type MetricsSink interface {
	OrphanedJobsUpdate(count int)
	JobResubmitted(ok bool)
}

type Config struct {
	// Schedule is a cron expression or descriptor. Default "@every 5m".
	Schedule string
	// Threshold is how far past its target a record must be to count as
	// orphaned. Default 10 minutes.
	Threshold time.Duration
	// BatchSize caps the records examined per cycle. Default 100.
	BatchSize int
}

func DefaultConfig() Config {
	return Config{
		Schedule:  "@every 5m",
		Threshold: 10 * time.Minute,
		BatchSize: 100,
	}
}

// Report summarizes one cycle.
type Report struct {
	Examined    int
	Orphaned    int
	Resubmitted int
	Failed      int
}

type Reconciler struct {
	config   Config
	schedule cron.Schedule
	store    Store
	queue    Requeuer
	metrics  MetricsSink // optional, nil = disabled
	logger   logrus.FieldLogger
	clock    func() time.Time
}

// New validates config.Schedule and builds a reconciler.
func New(config Config, store Store, q Requeuer, logger logrus.FieldLogger) (*Reconciler, error) {
	def := DefaultConfig()
	if config.Schedule == "" {
		config.Schedule = def.Schedule
	}
	if config.Threshold <= 0 {
		config.Threshold = def.Threshold
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}

	sched, err := cron.NewParser().Parse(config.Schedule, "UTC")
	if err != nil {
		return nil, errors.Wrap(err, "reconcile schedule")
	}

	return &Reconciler{
		config:   config,
		schedule: sched,
		store:    store,
		queue:    q,
		logger:   logger.WithField("component", "reconciler"),
		clock:    time.Now,
	}, nil
}

func (r *Reconciler) WithMetrics(sink MetricsSink) *Reconciler {
	r.metrics = sink
	return r
}

// WithClock overrides the time source. Intended for tests.
func (r *Reconciler) WithClock(clock func() time.Time) *Reconciler {
	r.clock = clock
	return r
}

// Run performs one cycle immediately, then one per schedule activation.
// Overlapping activations are skipped. It blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.WithFields(logrus.Fields{
		"schedule":   r.config.Schedule,
		"threshold":  r.config.Threshold,
		"batch_size": r.config.BatchSize,
	}).Info("reconciler started")

	r.cycle(ctx)

	cronLog := cron.Logger(r.logger)
	c := robfig.New(
		robfig.WithLogger(cronLog),
		robfig.WithChain(robfig.Recover(cronLog), robfig.SkipIfStillRunning(cronLog)),
	)
	c.Schedule(r.schedule, robfig.FuncJob(func() { r.cycle(ctx) }))
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	r.logger.Info("reconciler stopped")
}

func (r *Reconciler) cycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := r.RunOnce(ctx); err != nil {
		r.logger.WithError(err).Error("reconcile cycle failed")
	}
}

// RunOnce examines one batch of overdue records and resubmits the ones the
// queue does not hold.
func (r *Reconciler) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	olderThan := r.clock().UTC().Add(-r.config.Threshold)

	overdue, err := r.store.ListOverdue(ctx, olderThan, r.config.BatchSize)
	if err != nil {
		return report, errors.Wrap(err, "list overdue")
	}
	report.Examined = len(overdue)

	for _, n := range overdue {
		if ctx.Err() != nil {
			break
		}
		log := r.logger.WithFields(logrus.Fields{"job_id": n.ID, "channel": n.Channel})

		held, err := r.queue.Has(ctx, n.ID)
		if err != nil {
			// Backend down: nothing else in the batch will fare better.
			r.updateOrphans(report.Orphaned)
			return report, errors.Wrap(err, "check queue")
		}
		if held {
			continue
		}
		report.Orphaned++

		err = r.queue.Requeue(ctx, n)
		if errors.Is(err, queue.ErrJobActive) {
			continue
		}
		if err != nil {
			log.WithError(err).Warn("resubmit failed")
			report.Failed++
			r.resubmitted(false)
			continue
		}
		log.WithField("scheduled_for", n.ScheduledFor).Info("orphaned notification resubmitted")
		report.Resubmitted++
		r.resubmitted(true)
	}

	r.updateOrphans(report.Orphaned)
	if report.Orphaned > 0 {
		r.logger.WithFields(logrus.Fields{
			"examined":    report.Examined,
			"orphaned":    report.Orphaned,
			"resubmitted": report.Resubmitted,
			"failed":      report.Failed,
		}).Info("reconcile cycle complete")
	}
	return report, nil
}

func (r *Reconciler) updateOrphans(n int) {
	if r.metrics != nil {
		r.metrics.OrphanedJobsUpdate(n)
	}
}

func (r *Reconciler) resubmitted(ok bool) {
	if r.metrics != nil {
		r.metrics.JobResubmitted(ok)
	}
}

package queue

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Delivery is one handler invocation of a job. Attempt is 1-based.
type Delivery struct {
	Job
	Attempt int
}

// Final reports whether a failure of this attempt exhausts the policy.
func (d Delivery) Final() bool {
	return d.Attempt >= d.Policy.MaxAttempts
}

// Result is what a handler reports back for one invocation.
type Result struct {
	Err       error
	Permanent bool
	Until     time.Time
}

func Success() Result { return Result{} }

// Retry reports a failure the queue should redeliver.
func Retry(err error) Result { return Result{Err: err} }

// Fail reports a failure that must not be redelivered.
func Fail(err error) Result { return Result{Err: err, Permanent: true} }

// Defer puts the job back until the given time without using an attempt.
func Defer(until time.Time) Result { return Result{Until: until} }

func (r Result) OK() bool { return r.Err == nil && r.Until.IsZero() }

func (r Result) deferred() bool { return r.Err == nil && !r.Until.IsZero() }

// Handler processes due jobs.
type Handler interface {
	Handle(ctx context.Context, d Delivery) Result
	// Exhausted is called once when a job is buried after its last attempt
	// or a permanent failure.
	Exhausted(ctx context.Context, d Delivery, err error)
}

// MetricsSink records worker metrics. All methods must be non-blocking.
type MetricsSink interface {
	JobsClaimed(n int)
	JobRetried()
	JobBuried()
	EventsInFlightIncr()
	EventsInFlightDecr()
}

type WorkerConfig struct {
	PollInterval time.Duration
	Concurrency  int
	LeaseTimeout time.Duration
	DrainTimeout time.Duration
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PollInterval: time.Second,
		Concurrency:  10,
		LeaseTimeout: 5 * time.Minute,
		DrainTimeout: 30 * time.Second,
	}
}

// Worker claims due jobs from a Backend and runs them through a Handler
// with bounded concurrency.
type Worker struct {
	backend  Backend
	handler  Handler
	config   WorkerConfig
	logger   logrus.FieldLogger
	metrics  MetricsSink // optional, nil = disabled
	clock    func() time.Time
	inFlight atomic.Int64
}

func NewWorker(backend Backend, handler Handler, config WorkerConfig, logger logrus.FieldLogger) *Worker {
	def := DefaultWorkerConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.Concurrency <= 0 {
		config.Concurrency = def.Concurrency
	}
	if config.LeaseTimeout <= 0 {
		config.LeaseTimeout = def.LeaseTimeout
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = def.DrainTimeout
	}
	return &Worker{
		backend: backend,
		handler: handler,
		config:  config,
		logger:  logger.WithField("component", "queue-worker"),
		clock:   time.Now,
	}
}

// WithMetrics attaches a metrics sink to the worker.
func (w *Worker) WithMetrics(sink MetricsSink) *Worker {
	w.metrics = sink
	return w
}

// WithClock overrides the time source. Intended for tests.
func (w *Worker) WithClock(clock func() time.Time) *Worker {
	w.clock = clock
	return w
}

// InFlight returns the number of handler invocations currently running.
func (w *Worker) InFlight() int {
	return int(w.inFlight.Load())
}

// Run claims and processes jobs until ctx is cancelled, then stops claiming
// and waits up to DrainTimeout for in-flight invocations.
func (w *Worker) Run(ctx context.Context) {
	// Handlers keep running after ctx is cancelled so in-flight deliveries
	// can finish during drain.
	procCtx, cancelProc := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelProc()

	g := new(errgroup.Group)
	g.SetLimit(w.config.Concurrency)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	w.logger.WithFields(logrus.Fields{
		"poll_interval": w.config.PollInterval,
		"concurrency":   w.config.Concurrency,
	}).Info("started")

	for {
		select {
		case <-ctx.Done():
			w.drain(g, cancelProc)
			return
		case <-ticker.C:
			if _, err := w.poll(ctx, procCtx, g); err != nil {
				w.logger.WithError(err).Warn("poll failed")
			}
		}
	}
}

func (w *Worker) drain(g *errgroup.Group, cancelProc context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("stopped")
	case <-time.After(w.config.DrainTimeout):
		w.logger.WithField("in_flight", w.InFlight()).Warn("drain timeout, cancelling in-flight deliveries")
		cancelProc()
		<-done
	}
}

// RunOnce claims one batch and processes it synchronously. It returns the
// number of jobs processed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	g := new(errgroup.Group)
	g.SetLimit(w.config.Concurrency)
	n, err := w.poll(ctx, ctx, g)
	_ = g.Wait()
	return n, err
}

func (w *Worker) poll(ctx, procCtx context.Context, g *errgroup.Group) (int, error) {
	free := w.config.Concurrency - w.InFlight()
	if free <= 0 {
		return 0, nil
	}

	jobs, err := w.backend.Claim(ctx, w.clock().UTC(), w.config.LeaseTimeout, free)
	if err != nil {
		return 0, fmt.Errorf("claim: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}
	if w.metrics != nil {
		w.metrics.JobsClaimed(len(jobs))
	}

	for _, job := range jobs {
		w.inFlight.Add(1)
		if w.metrics != nil {
			w.metrics.EventsInFlightIncr()
		}
		g.Go(func() error {
			defer func() {
				w.inFlight.Add(-1)
				if w.metrics != nil {
					w.metrics.EventsInFlightDecr()
				}
			}()
			w.process(procCtx, job)
			return nil
		})
	}
	return len(jobs), nil
}

func (w *Worker) process(ctx context.Context, job Job) {
	d := Delivery{Job: job, Attempt: job.Attempt + 1}
	log := w.logger.WithFields(logrus.Fields{
		"job_id":  job.ID,
		"attempt": d.Attempt,
	})

	// Leases that expired used up the remaining attempts.
	if job.Attempt >= job.Policy.MaxAttempts {
		w.exhaust(ctx, Delivery{Job: job, Attempt: job.Attempt}, ErrLeaseExpired, false, log)
		return
	}

	res := w.invoke(ctx, d)
	if res.deferred() {
		if err := w.backend.Retry(ctx, job, res.Until.UTC()); err != nil {
			log.WithError(err).Error("defer failed")
			return
		}
		log.WithField("until", res.Until.UTC()).Debug("job deferred")
		return
	}
	if res.OK() {
		if err := w.backend.Ack(ctx, job.ID); err != nil {
			log.WithError(err).Error("ack failed")
		}
		return
	}

	job.Attempt = d.Attempt
	job.LastError = res.Err.Error()

	if res.Permanent || d.Final() {
		d.Job = job
		w.exhaust(ctx, d, res.Err, res.Permanent, log)
		return
	}

	backoff := job.Policy.Backoff(d.Attempt)
	if err := w.backend.Retry(ctx, job, w.clock().UTC().Add(backoff)); err != nil {
		log.WithError(err).Error("retry failed")
		return
	}
	if w.metrics != nil {
		w.metrics.JobRetried()
	}
	log.WithError(res.Err).WithField("backoff", backoff).Info("job will be retried")
}

func (w *Worker) exhaust(ctx context.Context, d Delivery, cause error, permanent bool, log logrus.FieldLogger) {
	if err := w.backend.Bury(ctx, d.Job); err != nil {
		log.WithError(err).Error("bury failed")
	}
	if w.metrics != nil {
		w.metrics.JobBuried()
	}
	log.WithError(cause).WithField("permanent", permanent).Warn("job exhausted")
	w.handler.Exhausted(ctx, d, cause)
}

// invoke runs the handler, turning a panic into a retryable failure.
func (w *Worker) invoke(ctx context.Context, d Delivery) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Retry(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return w.handler.Handle(ctx, d)
}

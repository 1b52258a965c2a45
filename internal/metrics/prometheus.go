package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// PrometheusSink implements Sink with the Prometheus client library.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Queue worker
	jobsClaimed    prometheus.Histogram
	jobsRetried    prometheus.Counter
	jobsBuried     prometheus.Counter
	eventsInFlight prometheus.Gauge

	// Dispatchers
	deliveryAttempts *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	deliveryOutcomes *prometheus.CounterVec
	submissions      *prometheus.CounterVec

	// Reconciler
	orphanedJobs   prometheus.Gauge
	jobResubmitted *prometheus.CounterVec

	// Leader election
	isLeader prometheus.Gauge

	logger logrus.FieldLogger
}

// NewPrometheusSink creates the collectors and registers them with reg.
func NewPrometheusSink(reg prometheus.Registerer, logger logrus.FieldLogger) *PrometheusSink {
	s := &PrometheusSink{logger: logger.WithField("component", "metrics")}
	s.initWorkerMetrics(reg)
	s.initDispatcherMetrics(reg)
	s.initReconcilerMetrics(reg)
	return s
}

func (s *PrometheusSink) initWorkerMetrics(reg prometheus.Registerer) {
	s.jobsClaimed = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "easynotify_queue_claim_batch_size",
		Help:    "Number of jobs claimed per non-empty poll.",
		Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
	})
	s.jobsRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easynotify_queue_jobs_retried_total",
		Help: "Total number of jobs rescheduled after a failed attempt.",
	})
	s.jobsBuried = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easynotify_queue_jobs_buried_total",
		Help: "Total number of jobs moved to the dead set.",
	})
	s.eventsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easynotify_queue_jobs_in_flight",
		Help: "Number of jobs currently being handled.",
	})

	s.register(reg, s.jobsClaimed, "easynotify_queue_claim_batch_size")
	s.register(reg, s.jobsRetried, "easynotify_queue_jobs_retried_total")
	s.register(reg, s.jobsBuried, "easynotify_queue_jobs_buried_total")
	s.register(reg, s.eventsInFlight, "easynotify_queue_jobs_in_flight")
}

func (s *PrometheusSink) initDispatcherMetrics(reg prometheus.Registerer) {
	s.deliveryAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easynotify_delivery_attempts_total",
		Help: "Total number of provider delivery attempts.",
	}, []string{"channel", "class"})

	s.deliveryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "easynotify_delivery_duration_seconds",
		Help:    "Provider call latency in seconds (excludes backoff wait).",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"channel"})

	s.deliveryOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easynotify_delivery_outcomes_total",
		Help: "Total number of final outcomes per notification.",
	}, []string{"outcome"})

	s.submissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easynotify_submissions_total",
		Help: "Total number of schedule hand-offs by path taken.",
	}, []string{"outcome"})

	s.register(reg, s.deliveryAttempts, "easynotify_delivery_attempts_total")
	s.register(reg, s.deliveryDuration, "easynotify_delivery_duration_seconds")
	s.register(reg, s.deliveryOutcomes, "easynotify_delivery_outcomes_total")
	s.register(reg, s.submissions, "easynotify_submissions_total")
}

func (s *PrometheusSink) initReconcilerMetrics(reg prometheus.Registerer) {
	s.orphanedJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easynotify_reconciler_orphaned_jobs",
		Help: "Orphaned notifications found in the last reconcile cycle.",
	})
	s.jobResubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easynotify_reconciler_resubmits_total",
		Help: "Total number of orphaned notifications resubmitted.",
	}, []string{"result"})
	s.isLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easynotify_leader",
		Help: "1 while this instance holds the leader lock.",
	})

	s.register(reg, s.orphanedJobs, "easynotify_reconciler_orphaned_jobs")
	s.register(reg, s.jobResubmitted, "easynotify_reconciler_resubmits_total")
	s.register(reg, s.isLeader, "easynotify_leader")
}

func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.logger.WithError(err).WithField("metric", name).Warn("failed to register collector")
	}
}

func (s *PrometheusSink) JobsClaimed(n int) {
	s.jobsClaimed.Observe(float64(n))
}

func (s *PrometheusSink) JobRetried() {
	s.jobsRetried.Inc()
}

func (s *PrometheusSink) JobBuried() {
	s.jobsBuried.Inc()
}

func (s *PrometheusSink) EventsInFlightIncr() {
	s.eventsInFlight.Inc()
}

func (s *PrometheusSink) EventsInFlightDecr() {
	s.eventsInFlight.Dec()
}

func (s *PrometheusSink) DeliveryAttemptCompleted(channel, class string, duration time.Duration) {
	s.deliveryAttempts.WithLabelValues(channel, class).Inc()
	s.deliveryDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

func (s *PrometheusSink) DeliveryOutcome(outcome string) {
	s.deliveryOutcomes.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) Submission(outcome string) {
	s.submissions.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) OrphanedJobsUpdate(count int) {
	s.orphanedJobs.Set(float64(count))
}

func (s *PrometheusSink) JobResubmitted(ok bool) {
	result := "failed"
	if ok {
		result = "ok"
	}
	s.jobResubmitted.WithLabelValues(result).Inc()
}

func (s *PrometheusSink) LeaderStatusChanged(isLeader bool) {
	if isLeader {
		s.isLeader.Set(1)
		return
	}
	s.isLeader.Set(0)
}

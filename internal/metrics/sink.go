// Package metrics exposes easynotify's Prometheus instrumentation.
package metrics

import "time"

// Sink is the union of every component's metrics interface, so one value can
// be handed to the worker, dispatchers, reconciler and elector.
// All methods are fire-and-forget: implementations must not block.
type Sink interface {
	// Queue worker
	JobsClaimed(n int)
	JobRetried()
	JobBuried()
	EventsInFlightIncr()
	EventsInFlightDecr()

	// Dispatchers
	DeliveryAttemptCompleted(channel, class string, duration time.Duration)
	DeliveryOutcome(outcome string)
	Submission(outcome string)

	// Reconciler
	OrphanedJobsUpdate(count int)
	JobResubmitted(ok bool)

	// Leader election
	LeaderStatusChanged(isLeader bool)
}

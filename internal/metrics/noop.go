package metrics

import "time"

// NoopSink is used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) JobsClaimed(int)                                        {}
func (n *NoopSink) JobRetried()                                            {}
func (n *NoopSink) JobBuried()                                             {}
func (n *NoopSink) EventsInFlightIncr()                                    {}
func (n *NoopSink) EventsInFlightDecr()                                    {}
func (n *NoopSink) DeliveryAttemptCompleted(string, string, time.Duration) {}
func (n *NoopSink) DeliveryOutcome(string)                                 {}
func (n *NoopSink) Submission(string)                                      {}
func (n *NoopSink) OrphanedJobsUpdate(int)                                 {}
func (n *NoopSink) JobResubmitted(bool)                                    {}
func (n *NoopSink) LeaderStatusChanged(bool)                               {}

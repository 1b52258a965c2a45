package main

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/djlord-it/easy-notify/internal/config"
	"github.com/djlord-it/easy-notify/internal/queue"
)

// logConfigWarnings logs configuration combinations that run but put
// deliveries or stored content at risk. P0 means notifications can be
// lost or sent at the wrong time.
func logConfigWarnings(cfg config.Config, m mode, logger logrus.FieldLogger) {
	warn := func(priority, msg string) {
		logger.WithField("priority", priority).Warn(msg)
	}

	switch cfg.QueueBackend {
	case "none":
		warn("P0", "QUEUE_BACKEND=none: every notification is sent at submission time, not at its scheduled time")
	case "memory":
		warn("P1", "QUEUE_BACKEND=memory: pending notifications are lost on restart")
	}

	if cfg.QueueBackend != "none" && m.worker() {
		if !cfg.ReconcileEnabled {
			warn("P0", "RECONCILE_ENABLED=false: records whose queue submission was lost stay scheduled forever")
		} else if window := retryWindow(cfg); cfg.ReconcileThreshold < window {
			logger.WithFields(logrus.Fields{
				"priority":  "P1",
				"threshold": cfg.ReconcileThreshold.String(),
				"window":    window.String(),
			}).Warn("RECONCILE_THRESHOLD is shorter than the retry window: notifications still retrying are examined as orphans")
		}
	}

	if cfg.EncryptionKey == "" {
		warn("P1", "ENCRYPTION_KEY not set: subject and body are stored and queued in the clear")
	}

	if !cfg.MetricsEnabled {
		warn("P1", "METRICS_ENABLED=false: delivery failures and queue depth are not observable")
	}

	if cfg.EmailProvider == "log" || cfg.SMSProvider == "log" {
		logger.WithFields(logrus.Fields{
			"email_provider": cfg.EmailProvider,
			"sms_provider":   cfg.SMSProvider,
		}).Info("log provider active: matching notifications are logged, not delivered")
	}
}

// retryWindow is the longest a notification can spend between its first
// attempt and its last.
func retryWindow(cfg config.Config) time.Duration {
	policy := queue.RetryPolicy{
		MaxAttempts:    cfg.QueueMaxAttempts,
		InitialBackoff: cfg.QueueInitialBackoff,
		MaxBackoff:     cfg.QueueMaxBackoff,
	}
	window := time.Duration(cfg.QueueMaxAttempts) * cfg.DeliveryTimeout
	for n := 1; n < cfg.QueueMaxAttempts; n++ {
		window += policy.Backoff(n)
	}
	return window
}

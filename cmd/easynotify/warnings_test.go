package main

import (
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"

	"github.com/djlord-it/easy-notify/internal/config"
)

func warningConfig() config.Config {
	return config.Config{
		QueueBackend:        "redis",
		QueueMaxAttempts:    3,
		QueueInitialBackoff: 2 * time.Second,
		QueueMaxBackoff:     5 * time.Minute,
		DeliveryTimeout:     30 * time.Second,
		ReconcileEnabled:    true,
		ReconcileThreshold:  15 * time.Minute,
		EncryptionKey:       "key",
		MetricsEnabled:      true,
		EmailProvider:       "ses",
		SMSProvider:         "twilio",
	}
}

// captureWarnings returns the messages logged at warn level, prefixed with
// their priority.
func captureWarnings(cfg config.Config, m mode) []string {
	logger, hook := test.NewNullLogger()
	logConfigWarnings(cfg, m, logger)

	var out []string
	for _, e := range hook.AllEntries() {
		if e.Level != logrus.WarnLevel {
			continue
		}
		out = append(out, e.Data["priority"].(string)+" "+e.Message)
	}
	return out
}

func hasWarning(warnings []string, prefix string) bool {
	for _, w := range warnings {
		if strings.HasPrefix(w, prefix) {
			return true
		}
	}
	return false
}

func TestLogConfigWarnings_SafeConfig(t *testing.T) {
	assert.Empty(t, captureWarnings(warningConfig(), modeServe))
}

func TestLogConfigWarnings(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		mode   mode
		want   string
	}{
		{
			name:   "no queue",
			mutate: func(c *config.Config) { c.QueueBackend = "none" },
			mode:   modeServe,
			want:   "P0 QUEUE_BACKEND=none",
		},
		{
			name:   "memory queue",
			mutate: func(c *config.Config) { c.QueueBackend = "memory" },
			mode:   modeServe,
			want:   "P1 QUEUE_BACKEND=memory",
		},
		{
			name:   "no reconciler",
			mutate: func(c *config.Config) { c.ReconcileEnabled = false },
			mode:   modeWorker,
			want:   "P0 RECONCILE_ENABLED=false",
		},
		{
			name:   "threshold inside retry window",
			mutate: func(c *config.Config) { c.ReconcileThreshold = time.Minute },
			mode:   modeServe,
			want:   "P1 RECONCILE_THRESHOLD",
		},
		{
			name:   "no encryption key",
			mutate: func(c *config.Config) { c.EncryptionKey = "" },
			mode:   modeAPI,
			want:   "P1 ENCRYPTION_KEY",
		},
		{
			name:   "metrics off",
			mutate: func(c *config.Config) { c.MetricsEnabled = false },
			mode:   modeServe,
			want:   "P1 METRICS_ENABLED=false",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := warningConfig()
			tt.mutate(&cfg)
			warnings := captureWarnings(cfg, tt.mode)
			assert.True(t, hasWarning(warnings, tt.want), "want %q in %v", tt.want, warnings)
		})
	}
}

func TestLogConfigWarnings_ReconcilerIgnoredOutsideWorker(t *testing.T) {
	cfg := warningConfig()
	cfg.ReconcileEnabled = false

	assert.False(t, hasWarning(captureWarnings(cfg, modeAPI), "P0 RECONCILE_ENABLED"))
}

func TestLogConfigWarnings_NoQueueSkipsReconcilerWarning(t *testing.T) {
	cfg := warningConfig()
	cfg.QueueBackend = "none"
	cfg.ReconcileEnabled = false

	warnings := captureWarnings(cfg, modeServe)
	assert.True(t, hasWarning(warnings, "P0 QUEUE_BACKEND=none"))
	assert.False(t, hasWarning(warnings, "P0 RECONCILE_ENABLED"))
}

func TestLogConfigWarnings_LogProviderIsInfo(t *testing.T) {
	cfg := warningConfig()
	cfg.SMSProvider = "log"

	logger, hook := test.NewNullLogger()
	logConfigWarnings(cfg, modeServe, logger)

	entry := hook.LastEntry()
	if assert.NotNil(t, entry) {
		assert.Equal(t, logrus.InfoLevel, entry.Level)
		assert.Equal(t, "log", entry.Data["sms_provider"])
	}
}

func TestRetryWindow(t *testing.T) {
	cfg := warningConfig()
	// 3 attempts of 30s plus backoffs of 2s and 4s.
	assert.Equal(t, 96*time.Second, retryWindow(cfg))

	cfg.QueueMaxAttempts = 1
	assert.Equal(t, 30*time.Second, retryWindow(cfg))
}

package config

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY="

// clearEnv unsets every variable Config reads and restores them afterwards.
func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{"PORT"}
	for _, f := range fieldsOf(Config{}) {
		keys = append(keys, f)
	}
	for _, k := range keys {
		if old, ok := os.LookupEnv(k); ok {
			require.NoError(t, os.Unsetenv(k))
			t.Cleanup(func() { os.Setenv(k, old) })
		}
	}
}

func fieldsOf(c Config) []string {
	var raw map[string]any
	b, _ := c.MaskedJSON()
	_ = json.Unmarshal(b, &raw)
	out := make([]string, 0, len(raw))
	for k := range raw {
		out = append(out, k)
	}
	return out
}

func validConfig() Config {
	return Config{
		DatabaseURL:             "postgres://localhost/easynotify",
		RedisAddr:               "localhost:6379",
		HTTPAddr:                ":8080",
		HTTPShutdownTimeout:     10 * time.Second,
		MaxRequestBodyBytes:     1 << 20,
		DBOpTimeout:             5 * time.Second,
		DBMaxOpenConns:          25,
		DBMaxIdleConns:          5,
		DBConnMaxLifetime:       30 * time.Minute,
		DBConnMaxIdleTime:       5 * time.Minute,
		QueueBackend:            "redis",
		QueuePollInterval:       time.Second,
		QueueLeaseTimeout:       5 * time.Minute,
		QueueMaxAttempts:        3,
		QueueInitialBackoff:     2 * time.Second,
		QueueMaxBackoff:         5 * time.Minute,
		DispatcherWorkers:       10,
		DispatcherDrainTimeout:  30 * time.Second,
		DeliveryTimeout:         30 * time.Second,
		MetricsPath:             "/metrics",
		ReconcileEnabled:        true,
		ReconcileSchedule:       "@every 5m",
		ReconcileThreshold:      15 * time.Minute,
		ReconcileBatchSize:      100,
		LeaderLockKey:           728380,
		LeaderRetryInterval:     5 * time.Second,
		LeaderHeartbeatInterval: 2 * time.Second,
		CircuitBreakerThreshold: 5,
		CircuitBreakerCooldown:  2 * time.Minute,
		AuthJWTSecret:           "0123456789abcdef0123456789abcdef",
		EmailProvider:           "log",
		SMSProvider:             "log",
		AttachmentMaxBytes:      512 << 10,
		AttachmentURLTTL:        time.Hour,
		AnalyticsRetention:      168 * time.Hour,
		LogLevel:                "info",
		LogFormat:               "json",
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/easynotify")

	cfg, err := Load()
	require.NoError(t, err)

	want := validConfig()
	want.RedisAddr = ""
	want.MetricsPort = "9090"
	want.AWSRegion = "us-east-1"
	want.QueuePrefix = "easynotify:queue"
	want.AuthJWTSecret = ""
	assert.Equal(t, want, cfg)
}

func TestLoad_CustomValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("DB_OP_TIMEOUT", "10s")
	t.Setenv("DB_MAX_OPEN_CONNS", "50")
	t.Setenv("QUEUE_BACKEND", "memory")
	t.Setenv("QUEUE_MAX_ATTEMPTS", "5")
	t.Setenv("DISPATCHER_WORKERS", "4")
	t.Setenv("METRICS_ENABLED", "true")
	t.Setenv("RECONCILE_SCHEDULE", "*/10 * * * *")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example.com,https://b.example.com")
	t.Setenv("LEADER_LOCK_KEY", "99")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.DBOpTimeout)
	assert.Equal(t, 50, cfg.DBMaxOpenConns)
	assert.Equal(t, "memory", cfg.QueueBackend)
	assert.Equal(t, 5, cfg.QueueMaxAttempts)
	assert.Equal(t, 4, cfg.DispatcherWorkers)
	assert.True(t, cfg.MetricsEnabled)
	assert.Equal(t, "*/10 * * * *", cfg.ReconcileSchedule)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CORSAllowedOrigins)
	assert.Equal(t, int64(99), cfg.LeaderLockKey)
}

func TestLoad_PortFallback(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "3000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":3000", cfg.HTTPAddr)

	t.Setenv("HTTP_ADDR", "127.0.0.1:9000")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.HTTPAddr)
}

func TestLoad_Malformed(t *testing.T) {
	clearEnv(t)
	t.Setenv("DISPATCHER_WORKERS", "many")

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate_ValidConfig(t *testing.T) {
	assert.NoError(t, Validate(validConfig()))
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"missing database", func(c *Config) { c.DatabaseURL = "" }, "DATABASE_URL"},
		{"short jwt secret", func(c *Config) { c.AuthJWTSecret = "short" }, "AUTH_JWT_SECRET"},
		{"unknown queue backend", func(c *Config) { c.QueueBackend = "kafka" }, "QUEUE_BACKEND"},
		{"redis queue without redis", func(c *Config) { c.RedisAddr = "" }, "REDIS_ADDR"},
		{"zero poll interval", func(c *Config) { c.QueuePollInterval = 0 }, "QUEUE_POLL_INTERVAL"},
		{"no attempts", func(c *Config) { c.QueueMaxAttempts = 0 }, "QUEUE_MAX_ATTEMPTS"},
		{"backoff inverted", func(c *Config) { c.QueueInitialBackoff = time.Hour }, "QUEUE_INITIAL_BACKOFF"},
		{"lease shorter than delivery", func(c *Config) { c.QueueLeaseTimeout = 20 * time.Second }, "QUEUE_LEASE_TIMEOUT"},
		{"lease equal to delivery", func(c *Config) { c.QueueLeaseTimeout = c.DeliveryTimeout }, "QUEUE_LEASE_TIMEOUT"},
		{"no workers", func(c *Config) { c.DispatcherWorkers = 0 }, "DISPATCHER_WORKERS"},
		{"bad reconcile schedule", func(c *Config) { c.ReconcileSchedule = "every day" }, "RECONCILE_SCHEDULE"},
		{"bad metrics path", func(c *Config) { c.MetricsPath = "metrics" }, "METRICS_PATH"},
		{"unknown email provider", func(c *Config) { c.EmailProvider = "sendgrid" }, "EMAIL_PROVIDER"},
		{"ses without sender", func(c *Config) { c.EmailProvider = "ses" }, "EMAIL_FROM"},
		{"mailgun without domain", func(c *Config) {
			c.EmailProvider, c.EmailFrom, c.MailgunAPIKey = "mailgun", "n@example.com", "key"
		}, "MAILGUN_DOMAIN"},
		{"twilio without token", func(c *Config) {
			c.SMSProvider, c.TwilioAccountSID, c.TwilioSMSFrom = "twilio", "AC1", "+15550000000"
		}, "TWILIO_AUTH_TOKEN"},
		{"twilio without senders", func(c *Config) {
			c.SMSProvider, c.TwilioAccountSID, c.TwilioAuthToken = "twilio", "AC1", "tok"
		}, "TWILIO_SMS_FROM"},
		{"attachment larger than body", func(c *Config) {
			c.AttachmentBucket, c.AttachmentMaxBytes = "files", 1<<20
		}, "ATTACHMENT_MAX_BYTES"},
		{"bad encryption key", func(c *Config) { c.EncryptionKey = "not-a-key" }, "ENCRYPTION_KEY"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "LOG_LEVEL"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "LOG_FORMAT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := Validate(cfg)
			require.Error(t, err)
			var verrs ValidationErrors
			require.ErrorAs(t, err, &verrs)

			fields := make([]string, len(verrs))
			for i, e := range verrs {
				fields[i] = e.Field
			}
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestValidate_LeaseIgnoredWithoutQueue(t *testing.T) {
	cfg := validConfig()
	cfg.QueueBackend = "none"
	cfg.QueueLeaseTimeout = time.Second
	assert.NoError(t, Validate(cfg))
}

func TestValidate_ReconcileDisabledSkipsSchedule(t *testing.T) {
	cfg := validConfig()
	cfg.ReconcileEnabled = false
	cfg.ReconcileSchedule = "garbage"
	assert.NoError(t, Validate(cfg))
}

func TestValidate_GoodOptionalSettings(t *testing.T) {
	cfg := validConfig()
	cfg.EncryptionKey = testKey
	cfg.QueueBackend = "none"
	cfg.RedisAddr = ""
	cfg.AttachmentBucket = "files"
	assert.NoError(t, Validate(cfg))
}

func TestValidationErrors_Message(t *testing.T) {
	errs := ValidationErrors{
		{Field: "A", Message: "bad"},
		{Field: "B", Message: "worse"},
	}
	assert.Equal(t, "2 validation errors:\n  - A: bad\n  - B: worse", errs.Error())
	assert.Equal(t, "A: bad", errs[:1].Error())
}

func TestMaskedJSON(t *testing.T) {
	cfg := validConfig()
	cfg.DatabaseURL = "postgres://user:pass@db/easynotify"
	cfg.RedisPassword = "hunter2"
	cfg.EncryptionKey = testKey
	cfg.TwilioAuthToken = "tok"

	b, err := cfg.MaskedJSON()
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, "postgres://***", out["DATABASE_URL"])
	assert.Equal(t, "***", out["REDIS_PASSWORD"])
	assert.Equal(t, "***", out["ENCRYPTION_KEY"])
	assert.Equal(t, "***", out["AUTH_JWT_SECRET"])
	assert.Equal(t, "***", out["TWILIO_AUTH_TOKEN"])
	assert.Equal(t, "", out["MAILGUN_API_KEY"])
	assert.Equal(t, "15m0s", out["RECONCILE_THRESHOLD"])
	assert.Equal(t, "localhost:6379", out["REDIS_ADDR"])
	assert.NotContains(t, string(b), "hunter2")
}

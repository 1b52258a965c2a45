// Package config loads easynotify's settings from the environment.
package config

import (
	"encoding/json"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

// Config holds all configuration. Field tags name the environment variable
// and its default; fields tagged secret are masked by MaskedJSON.
type Config struct {
	DatabaseURL   string `envconfig:"DATABASE_URL" validate:"required" secret:"url"`
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" secret:"true"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0" validate:"gte=0"`

	HTTPAddr            string        `envconfig:"HTTP_ADDR"`
	HTTPShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"10s" validate:"gt=0"`
	MaxRequestBodyBytes int64         `envconfig:"MAX_REQUEST_BODY_BYTES" default:"1048576" validate:"gt=0"`

	DBOpTimeout       time.Duration `envconfig:"DB_OP_TIMEOUT" default:"5s" validate:"gt=0"`
	DBMaxOpenConns    int           `envconfig:"DB_MAX_OPEN_CONNS" default:"25" validate:"gt=0"`
	DBMaxIdleConns    int           `envconfig:"DB_MAX_IDLE_CONNS" default:"5" validate:"gte=0"`
	DBConnMaxLifetime time.Duration `envconfig:"DB_CONN_MAX_LIFETIME" default:"30m" validate:"gte=0"`
	DBConnMaxIdleTime time.Duration `envconfig:"DB_CONN_MAX_IDLE_TIME" default:"5m" validate:"gte=0"`

	// QueueBackend: "redis", "memory" (single process, lost on restart) or
	// "none" (every notification is sent immediately).
	QueueBackend        string        `envconfig:"QUEUE_BACKEND" default:"redis" validate:"oneof=redis memory none"`
	QueuePrefix         string        `envconfig:"QUEUE_PREFIX" default:"easynotify:queue"`
	QueuePollInterval   time.Duration `envconfig:"QUEUE_POLL_INTERVAL" default:"1s" validate:"gt=0"`
	QueueLeaseTimeout   time.Duration `envconfig:"QUEUE_LEASE_TIMEOUT" default:"5m" validate:"gt=0"`
	QueueMaxAttempts    int           `envconfig:"QUEUE_MAX_ATTEMPTS" default:"3" validate:"gte=1"`
	QueueInitialBackoff time.Duration `envconfig:"QUEUE_INITIAL_BACKOFF" default:"2s" validate:"gte=0"`
	QueueMaxBackoff     time.Duration `envconfig:"QUEUE_MAX_BACKOFF" default:"5m" validate:"gte=0"`

	DispatcherWorkers      int           `envconfig:"DISPATCHER_WORKERS" default:"10" validate:"gte=1"`
	DispatcherDrainTimeout time.Duration `envconfig:"DISPATCHER_DRAIN_TIMEOUT" default:"30s" validate:"gt=0"`
	DeliveryTimeout        time.Duration `envconfig:"DELIVERY_TIMEOUT" default:"30s" validate:"gt=0"`

	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"false"`
	MetricsPath    string `envconfig:"METRICS_PATH" default:"/metrics" validate:"startswith=/"`
	MetricsPort    string `envconfig:"METRICS_PORT" default:"9090"`

	ReconcileEnabled  bool   `envconfig:"RECONCILE_ENABLED" default:"true"`
	ReconcileSchedule string `envconfig:"RECONCILE_SCHEDULE" default:"@every 5m"`
	// ReconcileThreshold should exceed the queue's full retry window.
	ReconcileThreshold time.Duration `envconfig:"RECONCILE_THRESHOLD" default:"15m" validate:"gt=0"`
	ReconcileBatchSize int           `envconfig:"RECONCILE_BATCH_SIZE" default:"100" validate:"gte=1"`

	// LeaderLockKey: all instances sharing the same database must use the same key.
	LeaderElectionEnabled   bool          `envconfig:"LEADER_ELECTION_ENABLED" default:"false"`
	LeaderLockKey           int64         `envconfig:"LEADER_LOCK_KEY" default:"728380" validate:"gt=0"`
	LeaderRetryInterval     time.Duration `envconfig:"LEADER_RETRY_INTERVAL" default:"5s" validate:"gt=0"`
	LeaderHeartbeatInterval time.Duration `envconfig:"LEADER_HEARTBEAT_INTERVAL" default:"2s" validate:"gt=0"`

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold int           `envconfig:"CIRCUIT_BREAKER_THRESHOLD" default:"5" validate:"gte=0"`
	CircuitBreakerCooldown  time.Duration `envconfig:"CIRCUIT_BREAKER_COOLDOWN" default:"2m" validate:"gt=0"`

	AuthJWTSecret string `envconfig:"AUTH_JWT_SECRET" validate:"required,min=32" secret:"true"`
	AuthIssuer    string `envconfig:"AUTH_ISSUER"`
	AuthAudience  string `envconfig:"AUTH_AUDIENCE"`

	EmailProvider       string `envconfig:"EMAIL_PROVIDER" default:"log" validate:"oneof=ses mailgun log"`
	EmailFrom           string `envconfig:"EMAIL_FROM"`
	MailgunDomain       string `envconfig:"MAILGUN_DOMAIN"`
	MailgunAPIKey       string `envconfig:"MAILGUN_API_KEY" secret:"true"`
	AWSRegion           string `envconfig:"AWS_REGION" default:"us-east-1"`
	SESConfigurationSet string `envconfig:"SES_CONFIGURATION_SET"`

	SMSProvider        string `envconfig:"SMS_PROVIDER" default:"log" validate:"oneof=twilio log"`
	TwilioAccountSID   string `envconfig:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken    string `envconfig:"TWILIO_AUTH_TOKEN" secret:"true"`
	TwilioSMSFrom      string `envconfig:"TWILIO_SMS_FROM"`
	TwilioWhatsAppFrom string `envconfig:"TWILIO_WHATSAPP_FROM"`

	// AttachmentBucket: empty disables attachments.
	AttachmentBucket   string        `envconfig:"ATTACHMENT_BUCKET"`
	AttachmentMaxBytes int64         `envconfig:"ATTACHMENT_MAX_BYTES" default:"524288" validate:"gte=0"`
	AttachmentURLTTL   time.Duration `envconfig:"ATTACHMENT_URL_TTL" default:"1h" validate:"gt=0"`

	// EncryptionKey is a base64 32-byte key. Empty stores content in the clear.
	EncryptionKey string `envconfig:"ENCRYPTION_KEY" secret:"true"`

	// AnalyticsRetention: 0 disables analytics. Requires REDIS_ADDR.
	AnalyticsRetention time.Duration `envconfig:"ANALYTICS_RETENTION" default:"168h" validate:"gte=0"`

	CORSAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=trace debug info warn warning error fatal panic"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json" validate:"oneof=json text"`
}

// Load reads an optional .env file and then the environment. Variables
// already set in the environment take precedence over the file.
func Load() (Config, error) {
	// A missing .env file is not an error.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, errors.Wrap(err, "process environment")
	}

	// Support a platform-provided PORT as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}
	return cfg, nil
}

// MaskedJSON returns the configuration keyed by variable name with secrets
// masked and durations in Go notation.
func (c Config) MaskedJSON() ([]byte, error) {
	out := make(map[string]any)
	v := reflect.ValueOf(c)
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name := f.Tag.Get("envconfig")
		value := v.Field(i).Interface()

		switch secret := f.Tag.Get("secret"); {
		case secret == "url":
			value = maskURL(v.Field(i).String())
		case secret != "":
			value = mask(v.Field(i).String())
		default:
			if d, ok := value.(time.Duration); ok {
				value = d.String()
			}
		}
		out[name] = value
	}
	return json.MarshalIndent(out, "", "  ")
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

// maskURL masks a connection string, preserving only the URI scheme if present.
func maskURL(s string) string {
	if s == "" {
		return ""
	}
	if i := strings.Index(s, "://"); i > 0 {
		return s[:i+3] + "***"
	}
	return "***"
}

package config

import (
	"fmt"
	"reflect"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/djlord-it/easy-notify/internal/cron"
	"github.com/djlord-it/easy-notify/internal/sealer"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

var validate = func() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return f.Tag.Get("envconfig")
	})
	return v
}()

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			add(fe.Field(), "%s", describe(fe))
		}
	}

	if cfg.QueueBackend == "redis" && cfg.RedisAddr == "" {
		add("REDIS_ADDR", "required when QUEUE_BACKEND=redis")
	}
	if cfg.QueueMaxBackoff > 0 && cfg.QueueInitialBackoff > cfg.QueueMaxBackoff {
		add("QUEUE_INITIAL_BACKOFF", "must not exceed QUEUE_MAX_BACKOFF")
	}
	// A lease that ends mid-send lets a second worker deliver the same job.
	if cfg.QueueBackend != "none" && cfg.QueueLeaseTimeout <= cfg.DeliveryTimeout {
		add("QUEUE_LEASE_TIMEOUT", "must exceed DELIVERY_TIMEOUT (%s)", cfg.DeliveryTimeout)
	}

	if cfg.ReconcileEnabled {
		if _, err := cron.NewParser().Parse(cfg.ReconcileSchedule, "UTC"); err != nil {
			add("RECONCILE_SCHEDULE", "invalid schedule: %v", err)
		}
	}

	switch cfg.EmailProvider {
	case "ses":
		if cfg.EmailFrom == "" {
			add("EMAIL_FROM", "required when EMAIL_PROVIDER=ses")
		}
	case "mailgun":
		if cfg.EmailFrom == "" {
			add("EMAIL_FROM", "required when EMAIL_PROVIDER=mailgun")
		}
		if cfg.MailgunDomain == "" {
			add("MAILGUN_DOMAIN", "required when EMAIL_PROVIDER=mailgun")
		}
		if cfg.MailgunAPIKey == "" {
			add("MAILGUN_API_KEY", "required when EMAIL_PROVIDER=mailgun")
		}
	}

	if cfg.SMSProvider == "twilio" {
		if cfg.TwilioAccountSID == "" {
			add("TWILIO_ACCOUNT_SID", "required when SMS_PROVIDER=twilio")
		}
		if cfg.TwilioAuthToken == "" {
			add("TWILIO_AUTH_TOKEN", "required when SMS_PROVIDER=twilio")
		}
		if cfg.TwilioSMSFrom == "" && cfg.TwilioWhatsAppFrom == "" {
			add("TWILIO_SMS_FROM", "TWILIO_SMS_FROM or TWILIO_WHATSAPP_FROM required when SMS_PROVIDER=twilio")
		}
	}

	// Attachments travel base64-encoded inside the JSON body.
	if cfg.AttachmentBucket != "" && cfg.AttachmentMaxBytes*4/3 >= cfg.MaxRequestBodyBytes {
		add("ATTACHMENT_MAX_BYTES", "encoded size must fit within MAX_REQUEST_BODY_BYTES (%d)", cfg.MaxRequestBodyBytes)
	}

	if cfg.EncryptionKey != "" {
		if _, err := sealer.New(cfg.EncryptionKey); err != nil {
			add("ENCRYPTION_KEY", "must be a base64-encoded 32-byte key")
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %q", fe.Param(), fe.Value())
	case "gt":
		return "must be positive"
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	case "startswith":
		return fmt.Sprintf("must start with %q", fe.Param())
	}
	return fmt.Sprintf("failed %s check", fe.Tag())
}

package notify

import (
	"encoding/base64"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/djlord-it/easy-notify/internal/domain"
	"github.com/djlord-it/easy-notify/internal/localtime"
)

// ScheduleRequest is the input of Service.Schedule.
type ScheduleRequest struct {
	To         string           `json:"to" validate:"required,max=320"`
	Method     domain.Channel   `json:"method" validate:"omitempty,oneof=email sms whatsapp"`
	Subject    string           `json:"subject" validate:"max=998"`
	Body       string           `json:"body" validate:"required,max=10000"`
	DateTime   string           `json:"datetime" validate:"required"`
	Timezone   string           `json:"timezone" validate:"omitempty,timezone"`
	Attachment *AttachmentInput `json:"attachment,omitempty"`
}

// AttachmentInput carries an uploaded file inline.
type AttachmentInput struct {
	Filename    string `json:"filename" validate:"required,max=255"`
	ContentType string `json:"contentType" validate:"omitempty,max=255"`
	Content     string `json:"content" validate:"required,base64"`
}

// UpdateRequest changes a scheduled record. Nil fields are left unchanged.
type UpdateRequest struct {
	To               *string          `json:"to,omitempty" validate:"omitempty,max=320"`
	Method           *domain.Channel  `json:"method,omitempty" validate:"omitempty,oneof=email sms whatsapp"`
	Subject          *string          `json:"subject,omitempty" validate:"omitempty,max=998"`
	Body             *string          `json:"body,omitempty" validate:"omitempty,max=10000"`
	DateTime         *string          `json:"datetime,omitempty"`
	Timezone         *string          `json:"timezone,omitempty" validate:"omitempty,timezone"`
	Attachment       *AttachmentInput `json:"attachment,omitempty"`
	RemoveAttachment bool             `json:"removeAttachment,omitempty"`
}

func (r UpdateRequest) changesTime() bool {
	return r.DateTime != nil || r.Timezone != nil
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// toValidationError converts the first validator failure into a
// domain.ValidationError naming the JSON field.
func toValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]

	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	return describe(field, fe)
}

func describe(field string, fe validator.FieldError) error {
	switch fe.Tag() {
	case "required":
		return domain.NewValidationError(field, "is required")
	case "max":
		return domain.NewValidationError(field, "must be at most %s characters", fe.Param())
	case "oneof":
		return domain.NewValidationError(field, "must be one of: %s", fe.Param())
	case "timezone":
		return domain.NewValidationError(field, "unknown timezone %q", fe.Value())
	case "base64":
		return domain.NewValidationError(field, "must be base64 encoded")
	case "email":
		return domain.NewValidationError(field, "must be a valid email address")
	case "e164":
		return domain.NewValidationError(field, "must be an E.164 phone number such as +15551234567")
	default:
		return domain.NewValidationError(field, "failed %s validation", fe.Tag())
	}
}

// validateRecipient checks content rules that depend on the channel.
func (s *Service) validateRecipient(ch domain.Channel, to, subject string) error {
	if !ch.Valid() {
		return domain.NewValidationError("method", "must be one of: email sms whatsapp")
	}

	tag := "e164"
	if ch == domain.ChannelEmail {
		tag = "email"
	}
	if err := s.validate.Var(to, "required,"+tag); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return describe("to", verrs[0])
		}
		return err
	}

	if ch.RequiresSubject() && strings.TrimSpace(subject) == "" {
		return domain.NewValidationError("subject", "is required for %s", ch)
	}
	return nil
}

// resolveTime normalizes a local wall time and requires it to be strictly
// after now.
func (s *Service) resolveTime(local, zone string) (time.Time, error) {
	if _, err := localtime.LoadZone(zone); err != nil {
		return time.Time{}, domain.NewValidationError("timezone", "unknown timezone %q", zone)
	}
	at, err := localtime.Normalize(local, zone)
	if err != nil {
		return time.Time{}, domain.NewValidationError("datetime", "%s", err.Error())
	}
	if !at.After(s.clock()) {
		return time.Time{}, domain.NewValidationError("datetime", "must be in the future")
	}
	return at, nil
}

// decodeAttachment validates an inline attachment and returns its bytes.
func (s *Service) decodeAttachment(in *AttachmentInput) ([]byte, error) {
	if s.attachments == nil {
		return nil, domain.NewValidationError("attachment", "attachments are not enabled")
	}
	if err := s.validate.Struct(in); err != nil {
		return nil, prefixField(toValidationError(err), "attachment")
	}
	data, err := base64.StdEncoding.DecodeString(in.Content)
	if err != nil {
		return nil, domain.NewValidationError("attachment.content", "must be base64 encoded")
	}
	if len(data) == 0 {
		return nil, domain.NewValidationError("attachment.content", "is empty")
	}
	if s.maxAttachmentBytes > 0 && int64(len(data)) > s.maxAttachmentBytes {
		return nil, domain.NewValidationError("attachment.content", "exceeds %d bytes", s.maxAttachmentBytes)
	}
	return data, nil
}

func prefixField(err error, prefix string) error {
	var ve domain.ValidationError
	if errors.As(err, &ve) {
		ve.Field = prefix + "." + ve.Field
		return ve
	}
	return err
}

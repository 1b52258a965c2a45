// Package ses sends email through AWS SES v2.
package ses

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/pkg/errors"

	"github.com/djlord-it/easy-notify/internal/delivery"
	"github.com/djlord-it/easy-notify/internal/domain"
)

// API is the subset of the SES v2 client used by Client.
type API interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

type Config struct {
	From string
	// ConfigSetName is the SES configuration set used for tracking. Optional.
	ConfigSetName string
}

// Client sends simple content, or a raw MIME message when the notification
// carries an attachment.
type Client struct {
	api  API
	from string
	set  string
}

func New(awsCfg aws.Config, cfg Config) *Client {
	return NewWithAPI(sesv2.NewFromConfig(awsCfg), cfg)
}

func NewWithAPI(api API, cfg Config) *Client {
	return &Client{api: api, from: cfg.From, set: cfg.ConfigSetName}
}

func (c *Client) Send(ctx context.Context, msg delivery.Message) error {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(c.from),
		Destination: &sestypes.Destination{
			ToAddresses: []string{msg.To},
		},
		EmailTags: []sestypes.MessageTag{
			{Name: aws.String("NotificationID"), Value: aws.String(msg.NotificationID.String())},
		},
	}
	if c.set != "" {
		input.ConfigurationSetName = aws.String(c.set)
	}

	if msg.Attachment != nil && len(msg.Attachment.Data) > 0 {
		raw, err := buildRaw(c.from, msg)
		if err != nil {
			return delivery.Permanent(domain.ChannelEmail, err)
		}
		input.Content = &sestypes.EmailContent{Raw: &sestypes.RawMessage{Data: raw}}
	} else {
		input.Content = &sestypes.EmailContent{
			Simple: &sestypes.Message{
				Subject: &sestypes.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &sestypes.Body{
					Text: &sestypes.Content{Data: aws.String(msg.Body), Charset: aws.String("UTF-8")},
				},
			},
		}
	}

	if _, err := c.api.SendEmail(ctx, input); err != nil {
		return mapError(err)
	}
	return nil
}

// mapError classifies SES failures. Rejections and bad requests are
// permanent; throttling, paused sending and unknown errors are retryable.
func mapError(err error) error {
	var rejected *sestypes.MessageRejected
	if errors.As(err, &rejected) {
		return delivery.Permanent(domain.ChannelEmail, errors.Wrap(err, "ses rejected message"))
	}
	var badRequest *sestypes.BadRequestException
	if errors.As(err, &badRequest) {
		return delivery.Permanent(domain.ChannelEmail, errors.Wrap(err, "ses bad request"))
	}
	var notVerified *sestypes.MailFromDomainNotVerifiedException
	if errors.As(err, &notVerified) {
		return delivery.Permanent(domain.ChannelEmail, errors.Wrap(err, "ses sender not verified"))
	}

	var throttled *sestypes.TooManyRequestsException
	if errors.As(err, &throttled) {
		return delivery.Temporary(domain.ChannelEmail, errors.Wrap(err, "ses rate limited"))
	}
	var paused *sestypes.SendingPausedException
	if errors.As(err, &paused) {
		return delivery.Temporary(domain.ChannelEmail, errors.Wrap(err, "ses sending paused"))
	}
	return delivery.Temporary(domain.ChannelEmail, errors.Wrap(err, "ses send"))
}

// buildRaw renders a multipart/mixed message with a text part and one
// base64 attachment.
func buildRaw(from string, msg delivery.Message) ([]byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", msg.To)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	buf.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", w.Boundary())

	text, err := w.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {"text/plain; charset=UTF-8"},
		"Content-Transfer-Encoding": {"8bit"},
	})
	if err != nil {
		return nil, errors.Wrap(err, "create text part")
	}
	if _, err := text.Write([]byte(msg.Body)); err != nil {
		return nil, errors.Wrap(err, "write text part")
	}

	a := msg.Attachment
	contentType := a.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	part, err := w.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {mime.FormatMediaType(contentType, map[string]string{"name": a.Filename})},
		"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": a.Filename})},
		"Content-Transfer-Encoding": {"base64"},
	})
	if err != nil {
		return nil, errors.Wrap(err, "create attachment part")
	}
	if _, err := part.Write([]byte(wrap76(base64.StdEncoding.EncodeToString(a.Data)))); err != nil {
		return nil, errors.Wrap(err, "write attachment part")
	}

	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "close multipart")
	}
	return buf.Bytes(), nil
}

// wrap76 breaks base64 output into RFC 2045 lines.
func wrap76(s string) string {
	var b strings.Builder
	for len(s) > 76 {
		b.WriteString(s[:76])
		b.WriteString("\r\n")
		s = s[76:]
	}
	b.WriteString(s)
	return b.String()
}

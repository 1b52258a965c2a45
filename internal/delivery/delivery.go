// Package delivery sends a notification over its channel.
//
// A Router maps each channel to a Sender, runs every send through a
// per-channel circuit breaker and resolves attachment references into
// content (email) or a presigned URL (sms, whatsapp).
package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/djlord-it/easy-notify/internal/attachment"
	"github.com/djlord-it/easy-notify/internal/circuitbreaker"
	"github.com/djlord-it/easy-notify/internal/domain"
)

// Message is one outgoing notification with its content resolved.
type Message struct {
	NotificationID uuid.UUID
	Channel        domain.Channel
	To             string
	Subject        string
	Body           string
	Attachment     *Content
}

// Content is a resolved attachment. Email senders use Data, media-capable
// senders use URL.
type Content struct {
	Filename    string
	ContentType string
	Data        []byte
	URL         string
}

// Sender delivers messages over one provider.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) error

func (f SenderFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Error classifies a delivery failure.
type Error struct {
	Channel   domain.Channel
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("%s delivery failed (%s): %v", e.Channel, kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Permanent marks err as a failure that will not succeed on retry, such as a
// provider rejecting the recipient.
func Permanent(ch domain.Channel, err error) *Error {
	return &Error{Channel: ch, Retryable: false, Err: err}
}

// Temporary marks err as worth retrying.
func Temporary(ch domain.Channel, err error) *Error {
	return &Error{Channel: ch, Retryable: true, Err: err}
}

// IsRetryable reports whether err may succeed on a later attempt.
// Unclassified errors are retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Retryable
	}
	return true
}

// Router dispatches messages to the sender registered for their channel.
type Router struct {
	senders     map[domain.Channel]Sender
	breaker     *circuitbreaker.CircuitBreaker // optional, nil = disabled
	attachments attachment.Store               // optional, nil = attachments unsupported
	urlTTL      time.Duration
	timeout     time.Duration
	logger      logrus.FieldLogger
}

func NewRouter(logger logrus.FieldLogger) *Router {
	return &Router{
		senders: make(map[domain.Channel]Sender),
		urlTTL:  time.Hour,
		timeout: 30 * time.Second,
		logger:  logger.WithField("component", "delivery"),
	}
}

// Register sets the sender for ch.
func (r *Router) Register(ch domain.Channel, s Sender) *Router {
	r.senders[ch] = s
	return r
}

// WithBreaker routes every send through cb keyed by channel. Permanent
// failures do not count against the circuit.
func (r *Router) WithBreaker(cb *circuitbreaker.CircuitBreaker) *Router {
	cb.WithIsSuccessful(func(err error) bool {
		return err == nil || !IsRetryable(err)
	})
	r.breaker = cb
	return r
}

// WithAttachments enables attachment resolution. ttl bounds presigned URLs.
func (r *Router) WithAttachments(store attachment.Store, ttl time.Duration) *Router {
	r.attachments = store
	if ttl > 0 {
		r.urlTTL = ttl
	}
	return r
}

// WithTimeout bounds each provider call.
func (r *Router) WithTimeout(d time.Duration) *Router {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Supports reports whether a sender is registered for ch.
func (r *Router) Supports(ch domain.Channel) bool {
	_, ok := r.senders[ch]
	return ok
}

// Deliver resolves ref, if any, and sends msg over its channel.
// Failures are returned as *Error.
func (r *Router) Deliver(ctx context.Context, msg Message, ref *domain.Attachment) error {
	sender, ok := r.senders[msg.Channel]
	if !ok {
		return Permanent(msg.Channel, errors.Errorf("no sender configured for channel %q", msg.Channel))
	}

	if ref != nil {
		content, err := r.resolve(ctx, msg.Channel, ref)
		if err != nil {
			return err
		}
		msg.Attachment = content
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	send := func() error { return sender.Send(ctx, msg) }

	var err error
	if r.breaker != nil {
		err = r.breaker.Execute(string(msg.Channel), send)
	} else {
		err = send()
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return Temporary(msg.Channel, err)
	}

	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return Temporary(msg.Channel, err)
}

func (r *Router) resolve(ctx context.Context, ch domain.Channel, ref *domain.Attachment) (*Content, error) {
	if r.attachments == nil {
		return nil, Permanent(ch, errors.New("attachments are not enabled"))
	}

	content := &Content{Filename: ref.Filename, ContentType: ref.ContentType}
	if ch == domain.ChannelEmail {
		data, err := r.attachments.Get(ctx, ref.Key)
		if err != nil {
			if errors.Is(err, attachment.ErrNotFound) {
				return nil, Permanent(ch, err)
			}
			return nil, Temporary(ch, err)
		}
		content.Data = data
		return content, nil
	}

	url, err := r.attachments.PresignGet(ctx, ref.Key, r.urlTTL)
	if err != nil {
		if errors.Is(err, attachment.ErrNotFound) {
			return nil, Permanent(ch, err)
		}
		return nil, Temporary(ch, err)
	}
	content.URL = url
	return content, nil
}

// LogSender logs messages instead of sending them.
type LogSender struct {
	logger logrus.FieldLogger
}

func NewLogSender(logger logrus.FieldLogger) *LogSender {
	return &LogSender{logger: logger.WithField("component", "log-sender")}
}

func (s *LogSender) Send(_ context.Context, msg Message) error {
	fields := logrus.Fields{
		"job_id":  msg.NotificationID,
		"channel": msg.Channel,
		"to":      msg.To,
		"bytes":   len(msg.Body),
	}
	if msg.Attachment != nil {
		fields["attachment"] = msg.Attachment.Filename
	}
	s.logger.WithFields(fields).Info("message delivered to log")
	return nil
}

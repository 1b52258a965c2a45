// Package mailgun sends email through Mailgun.
package mailgun

import (
	"context"

	"github.com/mailgun/mailgun-go/v3"
	"github.com/pkg/errors"

	"github.com/djlord-it/easy-notify/internal/delivery"
	"github.com/djlord-it/easy-notify/internal/domain"
)

type Option func(t *Transport)

func SetReplyTo(replyTo string) Option {
	return func(t *Transport) {
		t.replyTo = replyTo
	}
}

type Transport struct {
	mg      mailgun.Mailgun
	from    string
	replyTo string
}

// New builds a transport for domain using apiKey. apiBase overrides the
// Mailgun endpoint (EU region, tests) when non-empty.
func New(domainName, apiKey, apiBase, from string, options ...Option) *Transport {
	mg := mailgun.NewMailgun(domainName, apiKey)
	if apiBase != "" {
		mg.SetAPIBase(apiBase)
	}
	return NewWithClient(mg, from, options...)
}

func NewWithClient(mg mailgun.Mailgun, from string, options ...Option) *Transport {
	t := &Transport{mg: mg, from: from}
	for _, option := range options {
		option(t)
	}
	return t
}

func (t *Transport) Send(ctx context.Context, msg delivery.Message) error {
	m := t.mg.NewMessage(t.from, msg.Subject, msg.Body, msg.To)
	if t.replyTo != "" {
		m.SetReplyTo(t.replyTo)
	}
	if msg.Attachment != nil && len(msg.Attachment.Data) > 0 {
		m.AddBufferAttachment(msg.Attachment.Filename, msg.Attachment.Data)
	}

	_, _, err := t.mg.Send(ctx, m)
	if err == nil {
		return nil
	}

	err = errors.Wrapf(err, "mailgun send for %s", msg.NotificationID)
	status := mailgun.GetStatusFromErr(errors.Cause(err))
	if status >= 400 && status < 500 && status != 429 {
		return delivery.Permanent(domain.ChannelEmail, err)
	}
	return delivery.Temporary(domain.ChannelEmail, err)
}

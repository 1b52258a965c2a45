package main

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/djlord-it/easy-notify/internal/attachment"
	"github.com/djlord-it/easy-notify/internal/circuitbreaker"
	"github.com/djlord-it/easy-notify/internal/config"
	"github.com/djlord-it/easy-notify/internal/delivery"
	"github.com/djlord-it/easy-notify/internal/delivery/mailgun"
	"github.com/djlord-it/easy-notify/internal/delivery/ses"
	"github.com/djlord-it/easy-notify/internal/delivery/twilio"
	"github.com/djlord-it/easy-notify/internal/domain"
)

// twilioRetryMax bounds transport-level retries inside a single attempt.
// Attempt-level retries belong to the queue.
const twilioRetryMax = 2

// buildRouter registers a sender per channel from the configured providers.
// The returned attachment store is nil when attachments are disabled.
func buildRouter(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) (*delivery.Router, attachment.Store, error) {
	log := logger.WithField("component", "main")
	router := delivery.NewRouter(logger).WithTimeout(cfg.DeliveryTimeout)

	var awsCfg *aws.Config
	loadAWS := func() (aws.Config, error) {
		if awsCfg != nil {
			return *awsCfg, nil
		}
		c, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return aws.Config{}, errors.Wrap(err, "load aws config")
		}
		awsCfg = &c
		return c, nil
	}

	switch cfg.EmailProvider {
	case "ses":
		c, err := loadAWS()
		if err != nil {
			return nil, nil, err
		}
		router.Register(domain.ChannelEmail, ses.New(c, ses.Config{
			From:          cfg.EmailFrom,
			ConfigSetName: cfg.SESConfigurationSet,
		}))
	case "mailgun":
		router.Register(domain.ChannelEmail, mailgun.New(cfg.MailgunDomain, cfg.MailgunAPIKey, "", cfg.EmailFrom))
	default:
		router.Register(domain.ChannelEmail, delivery.NewLogSender(logger))
	}

	switch cfg.SMSProvider {
	case "twilio":
		tc := twilio.Config{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			RetryMax:   twilioRetryMax,
		}
		if cfg.TwilioSMSFrom != "" {
			tc.From = cfg.TwilioSMSFrom
			router.Register(domain.ChannelSMS, twilio.NewSMS(tc))
		}
		if cfg.TwilioWhatsAppFrom != "" {
			tc.From = cfg.TwilioWhatsAppFrom
			router.Register(domain.ChannelWhatsApp, twilio.NewWhatsApp(tc))
		}
	default:
		ls := delivery.NewLogSender(logger)
		router.Register(domain.ChannelSMS, ls)
		router.Register(domain.ChannelWhatsApp, ls)
	}

	for _, ch := range domain.Channels {
		if !router.Supports(ch) {
			log.WithField("channel", ch).Warn("no sender configured; notifications on this channel fail permanently")
		}
	}

	if cfg.CircuitBreakerThreshold > 0 {
		cb := circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown).
			WithStateChange(func(key, from, to string) {
				log.WithFields(logrus.Fields{
					"channel": key,
					"from":    from,
					"to":      to,
				}).Warn("circuit breaker state changed")
			})
		router.WithBreaker(cb)
	}

	var attachments attachment.Store
	if cfg.AttachmentBucket != "" {
		c, err := loadAWS()
		if err != nil {
			return nil, nil, err
		}
		attachments = attachment.NewS3Store(c, cfg.AttachmentBucket)
		router.WithAttachments(attachments, cfg.AttachmentURLTTL)
	}

	return router, attachments, nil
}

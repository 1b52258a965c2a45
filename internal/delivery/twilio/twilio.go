// Package twilio sends SMS and WhatsApp messages through the Twilio
// Messages REST API.
package twilio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"

	"github.com/djlord-it/easy-notify/internal/delivery"
	"github.com/djlord-it/easy-notify/internal/domain"
)

const DefaultBaseURL = "https://api.twilio.com/2010-04-01"

const whatsappPrefix = "whatsapp:"

type Config struct {
	AccountSID string
	AuthToken  string
	From       string
	BaseURL    string
	RetryMax   int
	RetryWait  time.Duration
}

type Client struct {
	client     *retryablehttp.Client
	baseURL    string
	accountSID string
	authToken  string
	from       string
	channel    domain.Channel
}

// NewSMS returns a sender for plain SMS.
func NewSMS(cfg Config) *Client {
	return newClient(cfg, domain.ChannelSMS)
}

// NewWhatsApp returns a sender for WhatsApp. Addresses are prefixed with
// "whatsapp:" when they are not already.
func NewWhatsApp(cfg Config) *Client {
	return newClient(cfg, domain.ChannelWhatsApp)
}

func newClient(cfg Config, ch domain.Channel) *Client {
	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.RetryMax = cfg.RetryMax
	if cfg.RetryWait > 0 {
		rc.RetryWaitMin = cfg.RetryWait
		rc.RetryWaitMax = 4 * cfg.RetryWait
	}
	// Hand the last response back so the status code can be classified.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	return &Client{
		client:     rc,
		baseURL:    strings.TrimSuffix(base, "/"),
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		from:       cfg.From,
		channel:    ch,
	}
}

// apiError is the JSON body Twilio returns on failure.
type apiError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
}

func (c *Client) address(v string) string {
	if c.channel == domain.ChannelWhatsApp && !strings.HasPrefix(v, whatsappPrefix) {
		return whatsappPrefix + v
	}
	return v
}

// Send posts the message. 4xx answers other than 429 are permanent.
func (c *Client) Send(ctx context.Context, msg delivery.Message) error {
	form := url.Values{
		"To":   {c.address(msg.To)},
		"From": {c.address(c.from)},
		"Body": {msg.Body},
	}
	if msg.Attachment != nil && msg.Attachment.URL != "" {
		form.Set("MediaUrl", msg.Attachment.URL)
	}
	body := form.Encode()

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", c.baseURL, url.PathEscape(c.accountSID))
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
	if err != nil {
		return delivery.Permanent(c.channel, errors.Wrap(err, "create request"))
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil && resp == nil {
		return delivery.Temporary(c.channel, errors.Wrap(err, "send"))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var apiErr apiError
	_ = json.Unmarshal(raw, &apiErr)
	cause := errors.Errorf("twilio returned %d", resp.StatusCode)
	if apiErr.Message != "" {
		cause = errors.Errorf("twilio returned %d: %s (code %d)", resp.StatusCode, apiErr.Message, apiErr.Code)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return delivery.Temporary(c.channel, cause)
	}
	return delivery.Permanent(c.channel, cause)
}

package domain

import (
	"time"

	"github.com/google/uuid"
)

type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
)

// Channels lists every supported delivery channel.
var Channels = []Channel{ChannelEmail, ChannelSMS, ChannelWhatsApp}

func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelWhatsApp:
		return true
	}
	return false
}

// RequiresSubject reports whether records on this channel must carry a subject.
func (c Channel) RequiresSubject() bool {
	return c == ChannelEmail
}

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Statuses lists every record status in lifecycle order.
var Statuses = []Status{StatusScheduled, StatusSent, StatusFailed, StatusCancelled}

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether a record may move from s to next.
// Only scheduled records move, and only forward.
func (s Status) CanTransition(next Status) bool {
	return s == StatusScheduled && next.Terminal()
}

// Attachment references an object held by the attachment store.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Key         string `json:"key"`
	Size        int64  `json:"size"`
}

// Notification is the Job Record: one scheduled delivery and its lifecycle.
// ID doubles as the queue job id.
type Notification struct {
	ID     uuid.UUID
	UserID string

	Channel   Channel
	Recipient string
	Subject   string
	Body      string

	Attachment *Attachment

	// ScheduledFor is the normalized absolute target instant (UTC).
	ScheduledFor time.Time
	// OriginalLocalTime and Timezone are retained for display only.
	OriginalLocalTime string
	Timezone          string

	Status    Status
	Attempts  int
	SentAt    *time.Time
	LastError string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// OwnedBy reports whether userID owns the record.
func (n Notification) OwnedBy(userID string) bool {
	return n.UserID != "" && n.UserID == userID
}

// StatusCounts holds per-status record totals for a user.
type StatusCounts map[Status]int

// DeliveryAttempt is one send of a notification through its channel.
// Error is empty when the provider accepted the message.
type DeliveryAttempt struct {
	ID             uuid.UUID
	NotificationID uuid.UUID
	Attempt        int
	Channel        Channel
	Recipient      string
	Error          string

	StartedAt  time.Time
	FinishedAt time.Time
}

// Succeeded reports whether the provider accepted the message.
func (a DeliveryAttempt) Succeeded() bool {
	return a.Error == ""
}

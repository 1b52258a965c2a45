package api

import (
	"time"

	"github.com/djlord-it/easy-notify/internal/domain"
)

type ScheduleResponse struct {
	Message string `json:"message"`
	JobID   string `json:"jobId"`
	Status  string `json:"status"`
}

type AttachmentResponse struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size"`
}

type JobResponse struct {
	ID                string              `json:"id"`
	Method            string              `json:"method"`
	To                string              `json:"to"`
	Subject           string              `json:"subject,omitempty"`
	Body              string              `json:"body"`
	Attachment        *AttachmentResponse `json:"attachment,omitempty"`
	ScheduledFor      string              `json:"scheduledFor"`
	OriginalLocalTime string              `json:"originalLocalTime"`
	Timezone          string              `json:"timezone"`
	Status            string              `json:"status"`
	Attempts          int                 `json:"attempts"`
	SentAt            string              `json:"sentAt,omitempty"`
	LastError         string              `json:"lastError,omitempty"`
	CreatedAt         string              `json:"createdAt"`
	UpdatedAt         string              `json:"updatedAt"`
}

type ListJobsResponse struct {
	Jobs   []JobResponse  `json:"jobs"`
	Counts map[string]int `json:"counts"`
}

type AttemptResponse struct {
	Attempt    int    `json:"attempt"`
	Method     string `json:"method"`
	To         string `json:"to"`
	Outcome    string `json:"outcome"`
	Error      string `json:"error,omitempty"`
	StartedAt  string `json:"startedAt"`
	FinishedAt string `json:"finishedAt"`
}

type AttemptsResponse struct {
	JobID    string            `json:"jobId"`
	Attempts []AttemptResponse `json:"attempts"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
	JobID string `json:"jobId,omitempty"`
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func toJobResponse(n domain.Notification) JobResponse {
	resp := JobResponse{
		ID:                n.ID.String(),
		Method:            string(n.Channel),
		To:                n.Recipient,
		Subject:           n.Subject,
		Body:              n.Body,
		ScheduledFor:      formatTime(n.ScheduledFor),
		OriginalLocalTime: n.OriginalLocalTime,
		Timezone:          n.Timezone,
		Status:            string(n.Status),
		Attempts:          n.Attempts,
		LastError:         n.LastError,
		CreatedAt:         formatTime(n.CreatedAt),
		UpdatedAt:         formatTime(n.UpdatedAt),
	}
	if n.SentAt != nil {
		resp.SentAt = formatTime(*n.SentAt)
	}
	if n.Attachment != nil {
		resp.Attachment = &AttachmentResponse{
			Filename:    n.Attachment.Filename,
			ContentType: n.Attachment.ContentType,
			Size:        n.Attachment.Size,
		}
	}
	return resp
}

func toAttemptResponse(a domain.DeliveryAttempt) AttemptResponse {
	outcome := "failed"
	if a.Succeeded() {
		outcome = "sent"
	}
	return AttemptResponse{
		Attempt:    a.Attempt,
		Method:     string(a.Channel),
		To:         a.Recipient,
		Outcome:    outcome,
		Error:      a.Error,
		StartedAt:  formatTime(a.StartedAt),
		FinishedAt: formatTime(a.FinishedAt),
	}
}

func toCounts(c domain.StatusCounts) map[string]int {
	out := make(map[string]int, len(domain.Statuses))
	for _, s := range domain.Statuses {
		out[string(s)] = c[s]
	}
	return out
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

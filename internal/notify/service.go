// Package notify implements scheduling, inspection, update and cancellation
// of notifications on behalf of an authenticated user.
package notify

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/djlord-it/easy-notify/internal/attachment"
	"github.com/djlord-it/easy-notify/internal/dispatcher"
	"github.com/djlord-it/easy-notify/internal/domain"
	"github.com/djlord-it/easy-notify/internal/localtime"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// Store is the record store as seen by the service.
type Store interface {
	Create(ctx context.Context, n domain.Notification) error
	Get(ctx context.Context, id uuid.UUID) (domain.Notification, error)
	List(ctx context.Context, userID string, limit, offset int) ([]domain.Notification, error)
	CountByStatus(ctx context.Context, userID string) (domain.StatusCounts, error)
	MarkCancelled(ctx context.Context, id uuid.UUID) error
	UpdateScheduled(ctx context.Context, n domain.Notification) error
	ListDeliveryAttempts(ctx context.Context, id uuid.UUID) ([]domain.DeliveryAttempt, error)
}

// Result is the outcome of a schedule request.
type Result struct {
	ID     uuid.UUID
	Status domain.Status
}

// Page is one page of a user's records plus their per-status totals.
type Page struct {
	Jobs   []domain.Notification
	Counts domain.StatusCounts
}

type Service struct {
	store              Store
	dispatcher         dispatcher.NotificationDispatcher
	attachments        attachment.Store // optional, nil = attachments rejected
	maxAttachmentBytes int64
	validate           *validator.Validate
	logger             logrus.FieldLogger
	clock              func() time.Time
}

func NewService(store Store, d dispatcher.NotificationDispatcher, logger logrus.FieldLogger) *Service {
	return &Service{
		store:      store,
		dispatcher: d,
		validate:   newValidator(),
		logger:     logger.WithField("component", "notify"),
		clock:      time.Now,
	}
}

// WithAttachments enables inline attachments up to maxBytes decoded bytes.
func (s *Service) WithAttachments(store attachment.Store, maxBytes int64) *Service {
	s.attachments = store
	s.maxAttachmentBytes = maxBytes
	return s
}

// WithClock overrides the time source. Intended for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Schedule validates req, persists a scheduled record owned by userID and
// hands it to the dispatcher. The record is written before any queue call.
//
// When immediate delivery was attempted and failed the returned Result still
// carries the record ID, alongside a *dispatcher.DeliveryFailedError.
func (s *Service) Schedule(ctx context.Context, userID string, req ScheduleRequest) (Result, error) {
	if userID == "" {
		return Result{}, domain.ErrUnauthorized
	}
	if req.Method == "" {
		req.Method = domain.ChannelEmail
	}
	if req.Timezone == "" {
		req.Timezone = localtime.DefaultZone
	}

	if err := s.validate.Struct(req); err != nil {
		return Result{}, toValidationError(err)
	}
	if err := s.validateRecipient(req.Method, req.To, req.Subject); err != nil {
		return Result{}, err
	}
	at, err := s.resolveTime(req.DateTime, req.Timezone)
	if err != nil {
		return Result{}, err
	}

	var data []byte
	if req.Attachment != nil {
		if data, err = s.decodeAttachment(req.Attachment); err != nil {
			return Result{}, err
		}
	}

	now := s.clock().UTC()
	n := domain.Notification{
		ID:                uuid.New(),
		UserID:            userID,
		Channel:           req.Method,
		Recipient:         req.To,
		Subject:           req.Subject,
		Body:              req.Body,
		ScheduledFor:      at,
		OriginalLocalTime: req.DateTime,
		Timezone:          req.Timezone,
		Status:            domain.StatusScheduled,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	log := s.logger.WithFields(logrus.Fields{"job_id": n.ID, "channel": n.Channel, "user_id": userID})

	if req.Attachment != nil {
		ref, err := s.upload(ctx, userID, n.ID, req.Attachment, data)
		if err != nil {
			return Result{}, err
		}
		n.Attachment = ref
	}

	if err := s.store.Create(ctx, n); err != nil {
		s.release(ctx, n.Attachment)
		return Result{}, errors.Wrap(err, "create notification")
	}

	status, err := s.dispatcher.Dispatch(ctx, n)
	if err != nil {
		var dfe *dispatcher.DeliveryFailedError
		if errors.As(err, &dfe) {
			return Result{ID: n.ID, Status: domain.StatusFailed}, err
		}
		// The record stays scheduled; the reconciler resubmits it once overdue.
		log.WithError(err).Error("dispatch failed")
		return Result{ID: n.ID, Status: domain.StatusScheduled}, errors.Wrap(err, "dispatch notification")
	}

	log.WithFields(logrus.Fields{"status": status, "scheduled_for": at}).Info("notification accepted")
	return Result{ID: n.ID, Status: status}, nil
}

// Get returns the record id if userID owns it.
func (s *Service) Get(ctx context.Context, userID string, id uuid.UUID) (domain.Notification, error) {
	n, err := s.store.Get(ctx, id)
	if err != nil {
		return domain.Notification{}, err
	}
	if !n.OwnedBy(userID) {
		return domain.Notification{}, domain.ErrForbidden
	}
	return n, nil
}

// Attempts returns the delivery history of a record owned by userID, oldest
// first. Records that were never sent have an empty history.
func (s *Service) Attempts(ctx context.Context, userID string, id uuid.UUID) ([]domain.DeliveryAttempt, error) {
	if _, err := s.Get(ctx, userID, id); err != nil {
		return nil, err
	}
	attempts, err := s.store.ListDeliveryAttempts(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "list delivery attempts")
	}
	return attempts, nil
}

// List returns userID's records newest first with per-status counts.
func (s *Service) List(ctx context.Context, userID string, limit, offset int) (Page, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	jobs, err := s.store.List(ctx, userID, limit, offset)
	if err != nil {
		return Page{}, errors.Wrap(err, "list notifications")
	}
	counts, err := s.store.CountByStatus(ctx, userID)
	if err != nil {
		return Page{}, errors.Wrap(err, "count notifications")
	}
	return Page{Jobs: jobs, Counts: counts}, nil
}

// Update applies req to a scheduled record owned by userID and reschedules
// its pending delivery. A delivery already in progress is not interrupted;
// its next attempt reads the updated record.
func (s *Service) Update(ctx context.Context, userID string, id uuid.UUID, req UpdateRequest) (domain.Notification, error) {
	current, err := s.owned(ctx, userID, id)
	if err != nil {
		return domain.Notification{}, err
	}

	if err := s.validate.Struct(req); err != nil {
		return domain.Notification{}, toValidationError(err)
	}

	n := current
	if req.Method != nil {
		n.Channel = *req.Method
	}
	if req.To != nil {
		n.Recipient = *req.To
	}
	if req.Subject != nil {
		n.Subject = *req.Subject
	}
	if req.Body != nil {
		if *req.Body == "" {
			return domain.Notification{}, domain.NewValidationError("body", "is required")
		}
		n.Body = *req.Body
	}
	if err := s.validateRecipient(n.Channel, n.Recipient, n.Subject); err != nil {
		return domain.Notification{}, err
	}

	if req.changesTime() {
		if req.DateTime != nil {
			n.OriginalLocalTime = *req.DateTime
		}
		if req.Timezone != nil {
			n.Timezone = *req.Timezone
			if n.Timezone == "" {
				n.Timezone = localtime.DefaultZone
			}
		}
		if n.ScheduledFor, err = s.resolveTime(n.OriginalLocalTime, n.Timezone); err != nil {
			return domain.Notification{}, err
		}
	}

	var data []byte
	if req.Attachment != nil {
		if data, err = s.decodeAttachment(req.Attachment); err != nil {
			return domain.Notification{}, err
		}
	}

	log := s.logger.WithFields(logrus.Fields{"job_id": id, "user_id": userID})

	var uploaded *domain.Attachment
	switch {
	case req.Attachment != nil:
		if uploaded, err = s.upload(ctx, userID, id, req.Attachment, data); err != nil {
			return domain.Notification{}, err
		}
		n.Attachment = uploaded
	case req.RemoveAttachment:
		n.Attachment = nil
	}
	n.UpdatedAt = s.clock().UTC()

	if err := s.store.UpdateScheduled(ctx, n); err != nil {
		s.release(ctx, uploaded)
		if errors.Is(err, domain.ErrStatusTransitionDenied) {
			return domain.Notification{}, domain.ErrNotScheduled
		}
		return domain.Notification{}, errors.Wrap(err, "update notification")
	}
	if current.Attachment != nil && (n.Attachment == nil || n.Attachment.Key != current.Attachment.Key) {
		s.release(ctx, current.Attachment)
	}

	if err := s.dispatcher.Reschedule(ctx, n); err != nil {
		if errors.Is(err, dispatcher.ErrDeliveryInProgress) {
			log.Warn("delivery in progress, a retry will use the updated record")
		} else {
			log.WithError(err).Warn("reschedule failed, queued job keeps its old time")
		}
	}

	log.WithField("scheduled_for", n.ScheduledFor).Info("notification updated")
	return n, nil
}

// Cancel moves a scheduled record owned by userID to cancelled, then
// withdraws its queued delivery and releases its attachment. A job left in
// the queue is dropped by the consumer once it sees the cancelled record.
func (s *Service) Cancel(ctx context.Context, userID string, id uuid.UUID) (domain.Notification, error) {
	n, err := s.owned(ctx, userID, id)
	if err != nil {
		return domain.Notification{}, err
	}
	log := s.logger.WithFields(logrus.Fields{"job_id": id, "user_id": userID})

	if err := s.store.MarkCancelled(ctx, id); err != nil {
		if errors.Is(err, domain.ErrStatusTransitionDenied) {
			return domain.Notification{}, domain.ErrNotScheduled
		}
		return domain.Notification{}, errors.Wrap(err, "cancel notification")
	}

	removed, err := s.dispatcher.Withdraw(ctx, id)
	if err != nil {
		log.WithError(err).Warn("queue removal failed, consumer will drop the job")
	} else if !removed {
		log.Debug("no waiting job to remove")
	}
	s.release(ctx, n.Attachment)

	n.Status = domain.StatusCancelled
	log.Info("notification cancelled")
	return n, nil
}

// owned loads id and checks that userID owns it and that it is still scheduled.
func (s *Service) owned(ctx context.Context, userID string, id uuid.UUID) (domain.Notification, error) {
	n, err := s.Get(ctx, userID, id)
	if err != nil {
		return domain.Notification{}, err
	}
	if n.Status != domain.StatusScheduled {
		return domain.Notification{}, domain.ErrNotScheduled
	}
	return n, nil
}

func (s *Service) upload(ctx context.Context, userID string, id uuid.UUID, in *AttachmentInput, data []byte) (*domain.Attachment, error) {
	filename := attachment.SanitizeFilename(in.Filename)
	contentType := in.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	key := attachment.Key(userID, uuid.New(), filename)
	if err := s.attachments.Put(ctx, key, contentType, data); err != nil {
		return nil, errors.Wrap(err, "store attachment")
	}
	s.logger.WithFields(logrus.Fields{"job_id": id, "key": key, "size": len(data)}).Debug("attachment stored")
	return &domain.Attachment{
		Filename:    filename,
		ContentType: contentType,
		Key:         key,
		Size:        int64(len(data)),
	}, nil
}

// release deletes the attachment object. Best effort.
func (s *Service) release(ctx context.Context, a *domain.Attachment) {
	if a == nil || s.attachments == nil {
		return
	}
	if err := s.attachments.Delete(ctx, a.Key); err != nil && !errors.Is(err, attachment.ErrNotFound) {
		s.logger.WithError(err).WithField("key", a.Key).Warn("failed to release attachment")
	}
}

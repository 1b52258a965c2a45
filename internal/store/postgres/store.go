package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/djlord-it/easy-notify/internal/domain"
	"github.com/djlord-it/easy-notify/internal/sealer"
)

//go:embed schema.sql
var schema string

// ErrDuplicateNotification is returned when a record with the same ID exists.
var ErrDuplicateNotification = errors.New("notification already exists")

// Store is the Job Record Store backed by PostgreSQL.
// Subject and body are sealed before they are written and opened on read.
type Store struct {
	db     *sql.DB
	sealer sealer.Sealer
	clock  func() time.Time
}

// New creates a new PostgreSQL store with the given database connection.
func New(db *sql.DB) *Store {
	return &Store{db: db, sealer: sealer.Identity{}, clock: time.Now}
}

// WithSealer sets the sealer applied to subject and body.
func (s *Store) WithSealer(sl sealer.Sealer) *Store {
	s.sealer = sl
	return s
}

// WithClock overrides the time source used for updated_at. Intended for tests.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// Migrate applies the schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "apply schema")
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Create inserts a new record.
func (s *Store) Create(ctx context.Context, n domain.Notification) error {
	subject, body, err := s.seal(n.Subject, n.Body)
	if err != nil {
		return err
	}
	attachment, err := encodeAttachment(n.Attachment)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, queryInsertNotification,
		n.ID,
		n.UserID,
		string(n.Channel),
		n.Recipient,
		subject,
		body,
		attachment,
		n.ScheduledFor.UTC(),
		n.OriginalLocalTime,
		n.Timezone,
		string(n.Status),
		n.Attempts,
		nullTime(n.SentAt),
		n.LastError,
		n.CreatedAt.UTC(),
		n.UpdatedAt.UTC(),
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateNotification
		}
		return errors.Wrap(err, "insert notification")
	}
	return nil
}

// Get returns a record by ID or domain.ErrNotFound.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (domain.Notification, error) {
	n, err := s.scan(s.db.QueryRowContext(ctx, queryGetNotification, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Notification{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Notification{}, errors.Wrapf(err, "get notification %s", id)
	}
	return n, nil
}

// List returns a user's records, newest first, paginated by limit and offset.
func (s *Store) List(ctx context.Context, userID string, limit, offset int) ([]domain.Notification, error) {
	rows, err := s.db.QueryContext(ctx, queryListNotifications, userID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "list notifications")
	}
	return s.scanAll(rows)
}

// CountByStatus returns per-status totals for a user. Every status is present.
func (s *Store) CountByStatus(ctx context.Context, userID string) (domain.StatusCounts, error) {
	rows, err := s.db.QueryContext(ctx, queryCountByStatus, userID)
	if err != nil {
		return nil, errors.Wrap(err, "count notifications")
	}
	defer rows.Close()

	counts := make(domain.StatusCounts, len(domain.Statuses))
	for _, st := range domain.Statuses {
		counts[st] = 0
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "scan count")
		}
		counts[domain.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "count notifications")
	}
	return counts, nil
}

// MarkSent moves a scheduled record to sent.
// Returns domain.ErrStatusTransitionDenied if the record is no longer scheduled.
func (s *Store) MarkSent(ctx context.Context, id uuid.UUID, attempt int, sentAt time.Time) error {
	return s.guardedExec(ctx, id, queryMarkSent, id, sentAt.UTC(), attempt)
}

// MarkFailed moves a scheduled record to failed, keeping lastError.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	return s.guardedExec(ctx, id, queryMarkFailed, id, lastError, s.clock().UTC())
}

// MarkCancelled moves a scheduled record to cancelled.
func (s *Store) MarkCancelled(ctx context.Context, id uuid.UUID) error {
	return s.guardedExec(ctx, id, queryMarkCancelled, id, s.clock().UTC())
}

// RecordAttemptFailure stores the attempt count and error of a failed delivery
// while the record stays scheduled.
func (s *Store) RecordAttemptFailure(ctx context.Context, id uuid.UUID, attempt int, lastError string) error {
	return s.guardedExec(ctx, id, queryRecordAttemptFailure, id, attempt, lastError, s.clock().UTC())
}

// UpdateScheduled rewrites the editable fields of a scheduled record.
func (s *Store) UpdateScheduled(ctx context.Context, n domain.Notification) error {
	subject, body, err := s.seal(n.Subject, n.Body)
	if err != nil {
		return err
	}
	attachment, err := encodeAttachment(n.Attachment)
	if err != nil {
		return err
	}
	return s.guardedExec(ctx, n.ID, queryUpdateScheduled,
		n.ID,
		string(n.Channel),
		n.Recipient,
		subject,
		body,
		attachment,
		n.ScheduledFor.UTC(),
		n.OriginalLocalTime,
		n.Timezone,
		n.UpdatedAt.UTC(),
	)
}

// InsertDeliveryAttempt appends one send to the record's attempt history.
func (s *Store) InsertDeliveryAttempt(ctx context.Context, a domain.DeliveryAttempt) error {
	_, err := s.db.ExecContext(ctx, queryInsertDeliveryAttempt,
		a.ID,
		a.NotificationID,
		a.Attempt,
		string(a.Channel),
		a.Recipient,
		a.Error,
		a.StartedAt.UTC(),
		a.FinishedAt.UTC(),
	)
	if err != nil {
		return errors.Wrapf(err, "insert delivery attempt for %s", a.NotificationID)
	}
	return nil
}

// ListDeliveryAttempts returns the attempt history of a record, oldest first.
func (s *Store) ListDeliveryAttempts(ctx context.Context, id uuid.UUID) ([]domain.DeliveryAttempt, error) {
	rows, err := s.db.QueryContext(ctx, queryListDeliveryAttempts, id)
	if err != nil {
		return nil, errors.Wrapf(err, "list delivery attempts for %s", id)
	}
	defer rows.Close()

	result := make([]domain.DeliveryAttempt, 0)
	for rows.Next() {
		var (
			a       domain.DeliveryAttempt
			channel string
		)
		if err := rows.Scan(&a.ID, &a.NotificationID, &a.Attempt, &channel, &a.Recipient, &a.Error, &a.StartedAt, &a.FinishedAt); err != nil {
			return nil, errors.Wrap(err, "scan delivery attempt")
		}
		a.Channel = domain.Channel(channel)
		a.StartedAt = a.StartedAt.UTC()
		a.FinishedAt = a.FinishedAt.UTC()
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate delivery attempts")
	}
	return result, nil
}

// ListOverdue returns scheduled records whose target instant is before
// olderThan, oldest first, limited to maxResults.
func (s *Store) ListOverdue(ctx context.Context, olderThan time.Time, maxResults int) ([]domain.Notification, error) {
	rows, err := s.db.QueryContext(ctx, queryListOverdue, olderThan.UTC(), maxResults)
	if err != nil {
		return nil, errors.Wrap(err, "list overdue notifications")
	}
	return s.scanAll(rows)
}

// guardedExec runs an UPDATE whose WHERE clause requires status = 'scheduled'.
// PostgreSQL takes the row lock before evaluating WHERE, so concurrent
// transitions serialize and only the first one applies.
func (s *Store) guardedExec(ctx context.Context, id uuid.UUID, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrapf(err, "update notification %s", id)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "update notification %s", id)
	}
	if rowsAffected > 0 {
		return nil
	}

	// Either the record is missing or it already left scheduled.
	var current string
	err = s.db.QueryRowContext(ctx, queryGetStatus, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return errors.Wrapf(err, "get status %s", id)
	}
	return domain.ErrStatusTransitionDenied
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scan(row rowScanner) (domain.Notification, error) {
	var (
		n          domain.Notification
		channel    string
		status     string
		attachment []byte
		sentAt     sql.NullTime
	)
	err := row.Scan(
		&n.ID,
		&n.UserID,
		&channel,
		&n.Recipient,
		&n.Subject,
		&n.Body,
		&attachment,
		&n.ScheduledFor,
		&n.OriginalLocalTime,
		&n.Timezone,
		&status,
		&n.Attempts,
		&sentAt,
		&n.LastError,
		&n.CreatedAt,
		&n.UpdatedAt,
	)
	if err != nil {
		return domain.Notification{}, err
	}

	n.Channel = domain.Channel(channel)
	n.Status = domain.Status(status)
	n.ScheduledFor = n.ScheduledFor.UTC()
	if sentAt.Valid {
		t := sentAt.Time.UTC()
		n.SentAt = &t
	}
	if len(attachment) > 0 {
		var a domain.Attachment
		if err := json.Unmarshal(attachment, &a); err != nil {
			return domain.Notification{}, errors.Wrap(err, "decode attachment")
		}
		n.Attachment = &a
	}

	if n.Subject, err = s.open(n.Subject); err != nil {
		return domain.Notification{}, errors.Wrapf(err, "open subject of %s", n.ID)
	}
	if n.Body, err = s.open(n.Body); err != nil {
		return domain.Notification{}, errors.Wrapf(err, "open body of %s", n.ID)
	}
	return n, nil
}

func (s *Store) scanAll(rows *sql.Rows) ([]domain.Notification, error) {
	defer rows.Close()

	result := make([]domain.Notification, 0)
	for rows.Next() {
		n, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate notifications")
	}
	return result, nil
}

func (s *Store) seal(subject, body string) (string, string, error) {
	var err error
	if subject != "" {
		if subject, err = s.sealer.Seal(subject); err != nil {
			return "", "", errors.Wrap(err, "seal subject")
		}
	}
	if body, err = s.sealer.Seal(body); err != nil {
		return "", "", errors.Wrap(err, "seal body")
	}
	return subject, body, nil
}

func (s *Store) open(v string) (string, error) {
	if v == "" {
		return "", nil
	}
	return s.sealer.Open(v)
}

// encodeAttachment returns nil or the JSON text for the jsonb column.
func encodeAttachment(a *domain.Attachment) (any, error) {
	if a == nil {
		return nil, nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, errors.Wrap(err, "encode attachment")
	}
	return string(b), nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// isDuplicateKeyError reports a PostgreSQL unique violation (23505).
func isDuplicateKeyError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

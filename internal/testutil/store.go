package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/easy-notify/internal/domain"
)

// Store is an in-memory record store with the same status guards as the
// Postgres store. Errors set with FailOn are returned by the named method.
type Store struct {
	mu       sync.Mutex
	records  map[uuid.UUID]domain.Notification
	order    []uuid.UUID
	attempts map[uuid.UUID][]domain.DeliveryAttempt
	fail     map[string]error
	calls    []string
}

func NewStore() *Store {
	return &Store{
		records:  make(map[uuid.UUID]domain.Notification),
		attempts: make(map[uuid.UUID][]domain.DeliveryAttempt),
		fail:     make(map[string]error),
	}
}

// FailOn makes method return err until cleared with a nil err.
func (s *Store) FailOn(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, method)
		return
	}
	s.fail[method] = err
}

// Calls returns the store methods invoked so far, in order.
func (s *Store) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	copy(out, s.calls)
	return out
}

// Record returns the stored record for id.
func (s *Store) Record(id uuid.UUID) (domain.Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.records[id]
	return n, ok
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *Store) enter(method string) error {
	s.calls = append(s.calls, method)
	return s.fail[method]
}

func (s *Store) Create(_ context.Context, n domain.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Create"); err != nil {
		return err
	}
	s.records[n.ID] = n
	s.order = append(s.order, n.ID)
	return nil
}

func (s *Store) Get(_ context.Context, id uuid.UUID) (domain.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Get"); err != nil {
		return domain.Notification{}, err
	}
	n, ok := s.records[id]
	if !ok {
		return domain.Notification{}, domain.ErrNotFound
	}
	return n, nil
}

func (s *Store) List(_ context.Context, userID string, limit, offset int) ([]domain.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("List"); err != nil {
		return nil, err
	}
	out := []domain.Notification{}
	for i := len(s.order) - 1; i >= 0; i-- {
		n := s.records[s.order[i]]
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	if offset >= len(out) {
		return []domain.Notification{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CountByStatus(_ context.Context, userID string) (domain.StatusCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("CountByStatus"); err != nil {
		return nil, err
	}
	counts := make(domain.StatusCounts, len(domain.Statuses))
	for _, st := range domain.Statuses {
		counts[st] = 0
	}
	for _, n := range s.records {
		if n.UserID == userID {
			counts[n.Status]++
		}
	}
	return counts, nil
}

func (s *Store) MarkSent(_ context.Context, id uuid.UUID, attempt int, sentAt time.Time) error {
	return s.guarded("MarkSent", id, func(n *domain.Notification) {
		n.Status = domain.StatusSent
		at := sentAt.UTC()
		n.SentAt = &at
		n.Attempts = max(n.Attempts, attempt)
		n.LastError = ""
	})
}

func (s *Store) MarkFailed(_ context.Context, id uuid.UUID, lastError string) error {
	return s.guarded("MarkFailed", id, func(n *domain.Notification) {
		n.Status = domain.StatusFailed
		n.LastError = lastError
	})
}

func (s *Store) MarkCancelled(_ context.Context, id uuid.UUID) error {
	return s.guarded("MarkCancelled", id, func(n *domain.Notification) {
		n.Status = domain.StatusCancelled
	})
}

func (s *Store) RecordAttemptFailure(_ context.Context, id uuid.UUID, attempt int, lastError string) error {
	return s.guarded("RecordAttemptFailure", id, func(n *domain.Notification) {
		n.Attempts = max(n.Attempts, attempt)
		n.LastError = lastError
	})
}

func (s *Store) UpdateScheduled(_ context.Context, updated domain.Notification) error {
	return s.guarded("UpdateScheduled", updated.ID, func(n *domain.Notification) {
		n.Channel = updated.Channel
		n.Recipient = updated.Recipient
		n.Subject = updated.Subject
		n.Body = updated.Body
		n.Attachment = updated.Attachment
		n.ScheduledFor = updated.ScheduledFor
		n.OriginalLocalTime = updated.OriginalLocalTime
		n.Timezone = updated.Timezone
		n.UpdatedAt = updated.UpdatedAt
	})
}

func (s *Store) InsertDeliveryAttempt(_ context.Context, a domain.DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("InsertDeliveryAttempt"); err != nil {
		return err
	}
	s.attempts[a.NotificationID] = append(s.attempts[a.NotificationID], a)
	return nil
}

func (s *Store) ListDeliveryAttempts(_ context.Context, id uuid.UUID) ([]domain.DeliveryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ListDeliveryAttempts"); err != nil {
		return nil, err
	}
	out := make([]domain.DeliveryAttempt, len(s.attempts[id]))
	copy(out, s.attempts[id])
	return out, nil
}

func (s *Store) ListOverdue(_ context.Context, olderThan time.Time, maxResults int) ([]domain.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ListOverdue"); err != nil {
		return nil, err
	}
	out := []domain.Notification{}
	for _, n := range s.records {
		if n.Status == domain.StatusScheduled && n.ScheduledFor.Before(olderThan) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	if maxResults > 0 && len(out) > maxResults {
		out = out[:maxResults]
	}
	return out, nil
}

func (s *Store) guarded(method string, id uuid.UUID, apply func(n *domain.Notification)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(method); err != nil {
		return err
	}
	n, ok := s.records[id]
	if !ok {
		return domain.ErrNotFound
	}
	if n.Status != domain.StatusScheduled {
		return domain.ErrStatusTransitionDenied
	}
	apply(&n)
	s.records[id] = n
	return nil
}

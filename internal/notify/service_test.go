package notify_test

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djlord-it/easy-notify/internal/attachment"
	"github.com/djlord-it/easy-notify/internal/delivery"
	"github.com/djlord-it/easy-notify/internal/dispatcher"
	"github.com/djlord-it/easy-notify/internal/domain"
	"github.com/djlord-it/easy-notify/internal/notify"
	"github.com/djlord-it/easy-notify/internal/queue"
	"github.com/djlord-it/easy-notify/internal/queue/memq"
	"github.com/djlord-it/easy-notify/internal/testutil"
)

var now = time.Date(2029, 12, 31, 12, 0, 0, 0, time.UTC)

// mockDispatcher records hand-offs and checks the record exists first.
type mockDispatcher struct {
	mu          sync.Mutex
	store       *testutil.Store
	dispatched  []domain.Notification
	rescheduled []domain.Notification
	withdrawn   []uuid.UUID
	status      domain.Status
	err         error
	missing     bool
	rescheduleErr error
	withdrawErr   error
}

func (d *mockDispatcher) Dispatch(_ context.Context, n domain.Notification) (domain.Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.store.Record(n.ID); !ok {
		d.missing = true
	}
	d.dispatched = append(d.dispatched, n)
	if d.status == "" {
		return domain.StatusScheduled, d.err
	}
	return d.status, d.err
}

func (d *mockDispatcher) Reschedule(_ context.Context, n domain.Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rescheduled = append(d.rescheduled, n)
	return d.rescheduleErr
}

func (d *mockDispatcher) Withdraw(_ context.Context, id uuid.UUID) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.withdrawn = append(d.withdrawn, id)
	if d.withdrawErr != nil {
		return false, d.withdrawErr
	}
	return true, nil
}

type fixture struct {
	store       *testutil.Store
	dispatcher  *mockDispatcher
	attachments *attachment.MemoryStore
	svc         *notify.Service
}

func newFixture() *fixture {
	logger, _ := testutil.Logger()
	store := testutil.NewStore()
	d := &mockDispatcher{store: store}
	files := attachment.NewMemoryStore("https://files.test")
	svc := notify.NewService(store, d, logger).
		WithAttachments(files, 1024).
		WithClock(func() time.Time { return now })
	return &fixture{store: store, dispatcher: d, attachments: files, svc: svc}
}

func emailRequest() notify.ScheduleRequest {
	return notify.ScheduleRequest{
		To:       "a@example.com",
		Method:   domain.ChannelEmail,
		Subject:  "Reminder",
		Body:     "Hello",
		DateTime: "2030-01-01T10:00",
		Timezone: "UTC",
	}
}

func requireValidation(t *testing.T, err error, field string) {
	t.Helper()
	var ve domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, field, ve.Field, ve.Message)
}

func TestSchedule_CreatesRecordBeforeDispatch(t *testing.T) {
	f := newFixture()

	res, err := f.svc.Schedule(testutil.TestContext(t), "user-1", emailRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusScheduled, res.Status)
	assert.NotEqual(t, uuid.Nil, res.ID)

	assert.Equal(t, 1, f.store.Len())
	require.Len(t, f.dispatcher.dispatched, 1)
	assert.False(t, f.dispatcher.missing, "record must exist before dispatch")

	rec, ok := f.store.Record(res.ID)
	require.True(t, ok)
	assert.Equal(t, "user-1", rec.UserID)
	assert.Equal(t, domain.StatusScheduled, rec.Status)
	assert.Equal(t, time.Date(2030, 1, 1, 10, 0, 0, 0, time.UTC), rec.ScheduledFor)
	assert.Equal(t, "2030-01-01T10:00", rec.OriginalLocalTime)
	assert.Equal(t, "UTC", rec.Timezone)
	assert.Equal(t, now, rec.CreatedAt)
}

func TestSchedule_Defaults(t *testing.T) {
	f := newFixture()
	req := emailRequest()
	req.Method = ""
	req.Timezone = ""

	res, err := f.svc.Schedule(testutil.TestContext(t), "user-1", req)
	require.NoError(t, err)
	rec, _ := f.store.Record(res.ID)
	assert.Equal(t, domain.ChannelEmail, rec.Channel)
	assert.Equal(t, "UTC", rec.Timezone)
}

func TestSchedule_NormalizesTimezone(t *testing.T) {
	f := newFixture()
	req := emailRequest()
	req.DateTime = "2030-07-01T09:30"
	req.Timezone = "America/New_York"

	res, err := f.svc.Schedule(testutil.TestContext(t), "user-1", req)
	require.NoError(t, err)
	rec, _ := f.store.Record(res.ID)
	assert.Equal(t, time.Date(2030, 7, 1, 13, 30, 0, 0, time.UTC), rec.ScheduledFor)
	assert.Equal(t, "America/New_York", rec.Timezone)
}

func TestSchedule_ValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(r *notify.ScheduleRequest)
		field  string
	}{
		{"missing to", func(r *notify.ScheduleRequest) { r.To = "" }, "to"},
		{"missing body", func(r *notify.ScheduleRequest) { r.Body = "" }, "body"},
		{"missing datetime", func(r *notify.ScheduleRequest) { r.DateTime = "" }, "datetime"},
		{"bad method", func(r *notify.ScheduleRequest) { r.Method = "pigeon" }, "method"},
		{"bad timezone", func(r *notify.ScheduleRequest) { r.Timezone = "Mars/Olympus" }, "timezone"},
		{"bad email", func(r *notify.ScheduleRequest) { r.To = "not-an-email" }, "to"},
		{"email without subject", func(r *notify.ScheduleRequest) { r.Subject = "" }, "subject"},
		{"unparseable datetime", func(r *notify.ScheduleRequest) { r.DateTime = "tomorrow" }, "datetime"},
		{"past datetime", func(r *notify.ScheduleRequest) { r.DateTime = "2029-12-31T11:00" }, "datetime"},
		{"exactly now", func(r *notify.ScheduleRequest) { r.DateTime = "2029-12-31T12:00" }, "datetime"},
		{"sms bad number", func(r *notify.ScheduleRequest) {
			r.Method = domain.ChannelSMS
			r.To = "555-1234"
		}, "to"},
		{"body too long", func(r *notify.ScheduleRequest) { r.Body = strings.Repeat("x", 10001) }, "body"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			req := emailRequest()
			tt.modify(&req)

			_, err := f.svc.Schedule(testutil.TestContext(t), "user-1", req)
			requireValidation(t, err, tt.field)
			assert.True(t, domain.IsValidation(err))
			assert.Zero(t, f.store.Len(), "no record on validation failure")
			assert.Empty(t, f.dispatcher.dispatched)
		})
	}
}

func TestSchedule_OneHourInPastIsRejected(t *testing.T) {
	f := newFixture()
	req := emailRequest()
	req.DateTime = now.Add(-time.Hour).Format("2006-01-02T15:04")

	_, err := f.svc.Schedule(testutil.TestContext(t), "user-1", req)
	requireValidation(t, err, "datetime")
	assert.Zero(t, f.store.Len())
}

func TestSchedule_SMSWithoutSubject(t *testing.T) {
	f := newFixture()
	req := emailRequest()
	req.Method = domain.ChannelWhatsApp
	req.To = "+15551234567"
	req.Subject = ""

	res, err := f.svc.Schedule(testutil.TestContext(t), "user-1", req)
	require.NoError(t, err)
	rec, _ := f.store.Record(res.ID)
	assert.Equal(t, domain.ChannelWhatsApp, rec.Channel)
}

func TestSchedule_Attachment(t *testing.T) {
	f := newFixture()
	req := emailRequest()
	req.Attachment = &notify.AttachmentInput{
		Filename:    "../invoice 2030.pdf",
		ContentType: "application/pdf",
		Content:     base64.StdEncoding.EncodeToString([]byte("%PDF-1.4")),
	}

	res, err := f.svc.Schedule(testutil.TestContext(t), "user-1", req)
	require.NoError(t, err)

	rec, _ := f.store.Record(res.ID)
	require.NotNil(t, rec.Attachment)
	assert.Equal(t, "invoice_2030.pdf", rec.Attachment.Filename)
	assert.Equal(t, int64(8), rec.Attachment.Size)
	assert.True(t, strings.HasPrefix(rec.Attachment.Key, "attachments/user-1/"))
	assert.True(t, f.attachments.Has(rec.Attachment.Key))
}

func TestSchedule_AttachmentErrors(t *testing.T) {
	t.Run("too large", func(t *testing.T) {
		f := newFixture()
		req := emailRequest()
		req.Attachment = &notify.AttachmentInput{
			Filename: "big.bin",
			Content:  base64.StdEncoding.EncodeToString(make([]byte, 2048)),
		}
		_, err := f.svc.Schedule(testutil.TestContext(t), "user-1", req)
		requireValidation(t, err, "attachment.content")
	})

	t.Run("not base64", func(t *testing.T) {
		f := newFixture()
		req := emailRequest()
		req.Attachment = &notify.AttachmentInput{Filename: "a.txt", Content: "%%%"}
		_, err := f.svc.Schedule(testutil.TestContext(t), "user-1", req)
		requireValidation(t, err, "attachment.content")
	})

	t.Run("missing filename", func(t *testing.T) {
		f := newFixture()
		req := emailRequest()
		req.Attachment = &notify.AttachmentInput{Content: "aGVsbG8="}
		_, err := f.svc.Schedule(testutil.TestContext(t), "user-1", req)
		requireValidation(t, err, "attachment.filename")
	})

	t.Run("disabled", func(t *testing.T) {
		logger, _ := testutil.Logger()
		store := testutil.NewStore()
		svc := notify.NewService(store, &mockDispatcher{store: store}, logger).
			WithClock(func() time.Time { return now })
		req := emailRequest()
		req.Attachment = &notify.AttachmentInput{Filename: "a.txt", Content: "aGVsbG8="}
		_, err := svc.Schedule(testutil.TestContext(t), "user-1", req)
		requireValidation(t, err, "attachment")
		assert.Zero(t, store.Len())
	})
}

func TestSchedule_StoreFailureReleasesAttachment(t *testing.T) {
	f := newFixture()
	f.store.FailOn("Create", errors.New("db down"))
	req := emailRequest()
	req.Attachment = &notify.AttachmentInput{Filename: "a.txt", Content: "aGVsbG8="}

	_, err := f.svc.Schedule(testutil.TestContext(t), "user-1", req)
	require.Error(t, err)
	assert.Empty(t, f.dispatcher.dispatched, "no queue call without a record")
}

func TestSchedule_RequiresUser(t *testing.T) {
	f := newFixture()
	_, err := f.svc.Schedule(testutil.TestContext(t), "", emailRequest())
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestSchedule_ImmediateFailureKeepsJobID(t *testing.T) {
	f := newFixture()
	f.dispatcher.status = domain.StatusFailed
	f.dispatcher.err = &dispatcher.DeliveryFailedError{ID: uuid.New(), Err: errors.New("rejected")}

	res, err := f.svc.Schedule(testutil.TestContext(t), "user-1", emailRequest())
	require.Error(t, err)
	assert.NotEqual(t, uuid.Nil, res.ID)
	assert.Equal(t, domain.StatusFailed, res.Status)
}

func TestSchedule_QueueDownFallsBackEndToEnd(t *testing.T) {
	logger, _ := testutil.Logger()
	store := testutil.NewStore()
	var sent int
	deliverer := deliverFunc(func() error { sent++; return nil })
	immediate := dispatcher.NewImmediateDispatcher(store, deliverer, logger)
	queued := dispatcher.NewQueuedDispatcher(downQueue{}, immediate, logger)
	svc := notify.NewService(store, queued, logger).WithClock(func() time.Time { return now })

	res, err := svc.Schedule(testutil.TestContext(t), "user-1", emailRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, res.Status)
	assert.Equal(t, 1, sent)

	rec, _ := store.Record(res.ID)
	assert.Equal(t, domain.StatusSent, rec.Status)
}

func TestGet_Ownership(t *testing.T) {
	f := newFixture()
	ctx := testutil.TestContext(t)
	res, err := f.svc.Schedule(ctx, "user-1", emailRequest())
	require.NoError(t, err)

	n, err := f.svc.Get(ctx, "user-1", res.ID)
	require.NoError(t, err)
	assert.Equal(t, res.ID, n.ID)

	_, err = f.svc.Get(ctx, "user-2", res.ID)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = f.svc.Get(ctx, "user-1", uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestList(t *testing.T) {
	f := newFixture()
	ctx := testutil.TestContext(t)
	for i := 0; i < 3; i++ {
		_, err := f.svc.Schedule(ctx, "user-1", emailRequest())
		require.NoError(t, err)
	}
	_, err := f.svc.Schedule(ctx, "user-2", emailRequest())
	require.NoError(t, err)

	page, err := f.svc.List(ctx, "user-1", 2, 0)
	require.NoError(t, err)
	assert.Len(t, page.Jobs, 2)
	assert.Equal(t, 3, page.Counts[domain.StatusScheduled])
	assert.Equal(t, 0, page.Counts[domain.StatusSent])
	assert.Contains(t, page.Counts, domain.StatusCancelled)

	page, err = f.svc.List(ctx, "user-1", 0, 2)
	require.NoError(t, err)
	assert.Len(t, page.Jobs, 1)
}

func TestCancel(t *testing.T) {
	f := newFixture()
	ctx := testutil.TestContext(t)
	req := emailRequest()
	req.Attachment = &notify.AttachmentInput{Filename: "a.txt", Content: "aGVsbG8="}
	res, err := f.svc.Schedule(ctx, "user-1", req)
	require.NoError(t, err)
	rec, _ := f.store.Record(res.ID)
	key := rec.Attachment.Key

	n, err := f.svc.Cancel(ctx, "user-1", res.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, n.Status)
	assert.Equal(t, []uuid.UUID{res.ID}, f.dispatcher.withdrawn)
	assert.False(t, f.attachments.Has(key), "attachment released")

	rec, _ = f.store.Record(res.ID)
	assert.Equal(t, domain.StatusCancelled, rec.Status)

	_, err = f.svc.Cancel(ctx, "user-1", res.ID)
	assert.ErrorIs(t, err, domain.ErrNotScheduled)
}

func TestCancel_Forbidden(t *testing.T) {
	f := newFixture()
	ctx := testutil.TestContext(t)
	res, err := f.svc.Schedule(ctx, "user-1", emailRequest())
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, "user-2", res.ID)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	assert.Empty(t, f.dispatcher.withdrawn)

	rec, _ := f.store.Record(res.ID)
	assert.Equal(t, domain.StatusScheduled, rec.Status)
}

func TestCancel_SentIsRejected(t *testing.T) {
	f := newFixture()
	ctx := testutil.TestContext(t)
	res, err := f.svc.Schedule(ctx, "user-1", emailRequest())
	require.NoError(t, err)
	require.NoError(t, f.store.MarkSent(ctx, res.ID, 1, now))

	_, err = f.svc.Cancel(ctx, "user-1", res.ID)
	assert.ErrorIs(t, err, domain.ErrNotScheduled)
}

func TestCancel_RemovesQueuedJob(t *testing.T) {
	logger, _ := testutil.Logger()
	store := testutil.NewStore()
	backend := memq.New()
	clock := func() time.Time { return now }
	immediate := dispatcher.NewImmediateDispatcher(store, deliverFunc(func() error { return nil }), logger)
	queued := dispatcher.NewQueuedDispatcher(queue.New(backend).WithClock(clock), immediate, logger).WithClock(clock)
	svc := notify.NewService(store, queued, logger).WithClock(clock)
	ctx := testutil.TestContext(t)

	res, err := svc.Schedule(ctx, "user-1", emailRequest())
	require.NoError(t, err)
	assert.Equal(t, 1, backend.Len())

	_, err = svc.Cancel(ctx, "user-1", res.ID)
	require.NoError(t, err)
	assert.Zero(t, backend.Len())
}

func TestCancel_StoreFailureKeepsQueuedJob(t *testing.T) {
	logger, _ := testutil.Logger()
	store := testutil.NewStore()
	backend := memq.New()
	clock := func() time.Time { return now }
	immediate := dispatcher.NewImmediateDispatcher(store, deliverFunc(func() error { return nil }), logger)
	queued := dispatcher.NewQueuedDispatcher(queue.New(backend).WithClock(clock), immediate, logger).WithClock(clock)
	svc := notify.NewService(store, queued, logger).WithClock(clock)
	ctx := testutil.TestContext(t)

	res, err := svc.Schedule(ctx, "user-1", emailRequest())
	require.NoError(t, err)
	store.FailOn("MarkCancelled", errors.New("connection reset"))

	_, err = svc.Cancel(ctx, "user-1", res.ID)
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrNotScheduled)

	assert.Equal(t, 1, backend.Len(), "job must stay queued while the record is scheduled")
	rec, _ := store.Record(res.ID)
	assert.Equal(t, domain.StatusScheduled, rec.Status)
}

func TestCancel_WithdrawFailureStillCancels(t *testing.T) {
	f := newFixture()
	ctx := testutil.TestContext(t)
	req := emailRequest()
	req.Attachment = &notify.AttachmentInput{Filename: "a.txt", Content: "aGVsbG8="}
	res, err := f.svc.Schedule(ctx, "user-1", req)
	require.NoError(t, err)
	rec, _ := f.store.Record(res.ID)
	key := rec.Attachment.Key
	f.dispatcher.withdrawErr = &domain.SchedulingBackendError{Op: "remove", Err: errors.New("redis down")}

	n, err := f.svc.Cancel(ctx, "user-1", res.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, n.Status)
	assert.False(t, f.attachments.Has(key))

	rec, _ = f.store.Record(res.ID)
	assert.Equal(t, domain.StatusCancelled, rec.Status)
	assert.Equal(t, []string{"Create", "Get", "MarkCancelled"}, f.store.Calls()[:3])
}

func TestUpdate(t *testing.T) {
	f := newFixture()
	ctx := testutil.TestContext(t)
	res, err := f.svc.Schedule(ctx, "user-1", emailRequest())
	require.NoError(t, err)

	body := "Updated"
	dt := "2030-01-02T08:15"
	tz := "Europe/Paris"
	n, err := f.svc.Update(ctx, "user-1", res.ID, notify.UpdateRequest{Body: &body, DateTime: &dt, Timezone: &tz})
	require.NoError(t, err)

	assert.Equal(t, "Updated", n.Body)
	assert.Equal(t, time.Date(2030, 1, 2, 7, 15, 0, 0, time.UTC), n.ScheduledFor)
	assert.Equal(t, "2030-01-02T08:15", n.OriginalLocalTime)
	assert.Equal(t, "Europe/Paris", n.Timezone)

	rec, _ := f.store.Record(res.ID)
	assert.Equal(t, "Updated", rec.Body)
	assert.Equal(t, n.ScheduledFor, rec.ScheduledFor)
	require.Len(t, f.dispatcher.rescheduled, 1)
	assert.Equal(t, n.ScheduledFor, f.dispatcher.rescheduled[0].ScheduledFor)
}

func TestUpdate_BodyOnlyKeepsTime(t *testing.T) {
	f := newFixture()
	ctx := testutil.TestContext(t)
	res, err := f.svc.Schedule(ctx, "user-1", emailRequest())
	require.NoError(t, err)

	body := "Edited"
	n, err := f.svc.Update(ctx, "user-1", res.ID, notify.UpdateRequest{Body: &body})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2030, 1, 1, 10, 0, 0, 0, time.UTC), n.ScheduledFor)
}

func TestUpdate_Validation(t *testing.T) {
	f := newFixture()
	ctx := testutil.TestContext(t)
	res, err := f.svc.Schedule(ctx, "user-1", emailRequest())
	require.NoError(t, err)

	past := "2020-01-01T00:00"
	_, err = f.svc.Update(ctx, "user-1", res.ID, notify.UpdateRequest{DateTime: &past})
	requireValidation(t, err, "datetime")

	sms := domain.ChannelSMS
	_, err = f.svc.Update(ctx, "user-1", res.ID, notify.UpdateRequest{Method: &sms})
	requireValidation(t, err, "to")

	badTZ := "Nowhere/City"
	_, err = f.svc.Update(ctx, "user-1", res.ID, notify.UpdateRequest{Timezone: &badTZ})
	requireValidation(t, err, "timezone")

	empty := ""
	_, err = f.svc.Update(ctx, "user-1", res.ID, notify.UpdateRequest{Body: &empty})
	requireValidation(t, err, "body")

	assert.Empty(t, f.dispatcher.rescheduled)
}

func TestUpdate_ReplacesAttachment(t *testing.T) {
	f := newFixture()
	ctx := testutil.TestContext(t)
	req := emailRequest()
	req.Attachment = &notify.AttachmentInput{Filename: "old.txt", Content: "b2xk"}
	res, err := f.svc.Schedule(ctx, "user-1", req)
	require.NoError(t, err)
	rec, _ := f.store.Record(res.ID)
	oldKey := rec.Attachment.Key

	n, err := f.svc.Update(ctx, "user-1", res.ID, notify.UpdateRequest{
		Attachment: &notify.AttachmentInput{Filename: "new.txt", Content: "bmV3"},
	})
	require.NoError(t, err)
	require.NotNil(t, n.Attachment)
	assert.Equal(t, "new.txt", n.Attachment.Filename)
	assert.True(t, f.attachments.Has(n.Attachment.Key))
	assert.False(t, f.attachments.Has(oldKey), "previous object released")

	n, err = f.svc.Update(ctx, "user-1", res.ID, notify.UpdateRequest{RemoveAttachment: true})
	require.NoError(t, err)
	assert.Nil(t, n.Attachment)
	assert.Equal(t, "Hello", n.Body)
}

func TestUpdate_NotScheduledAndForbidden(t *testing.T) {
	f := newFixture()
	ctx := testutil.TestContext(t)
	res, err := f.svc.Schedule(ctx, "user-1", emailRequest())
	require.NoError(t, err)
	body := "x"

	_, err = f.svc.Update(ctx, "user-2", res.ID, notify.UpdateRequest{Body: &body})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = f.svc.Cancel(ctx, "user-1", res.ID)
	require.NoError(t, err)
	_, err = f.svc.Update(ctx, "user-1", res.ID, notify.UpdateRequest{Body: &body})
	assert.ErrorIs(t, err, domain.ErrNotScheduled)

	_, err = f.svc.Update(ctx, "user-1", uuid.New(), notify.UpdateRequest{Body: &body})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAttempts(t *testing.T) {
	f := newFixture()
	ctx := testutil.TestContext(t)
	res, err := f.svc.Schedule(ctx, "user-1", emailRequest())
	require.NoError(t, err)

	history, err := f.svc.Attempts(ctx, "user-1", res.ID)
	require.NoError(t, err)
	assert.Empty(t, history)

	require.NoError(t, f.store.InsertDeliveryAttempt(ctx, domain.DeliveryAttempt{
		ID: uuid.New(), NotificationID: res.ID, Attempt: 1, Channel: domain.ChannelEmail, Error: "smtp 421",
	}))
	history, err = f.svc.Attempts(ctx, "user-1", res.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "smtp 421", history[0].Error)

	_, err = f.svc.Attempts(ctx, "user-2", res.ID)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.svc.Attempts(ctx, "user-1", uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdate_RescheduleFailureStillUpdates(t *testing.T) {
	f := newFixture()
	ctx := testutil.TestContext(t)
	res, err := f.svc.Schedule(ctx, "user-1", emailRequest())
	require.NoError(t, err)
	f.dispatcher.rescheduleErr = &domain.SchedulingBackendError{Op: "submit", Err: errors.New("redis down")}

	body := "Updated"
	n, err := f.svc.Update(ctx, "user-1", res.ID, notify.UpdateRequest{Body: &body})
	require.NoError(t, err)
	assert.Equal(t, "Updated", n.Body)

	rec, _ := f.store.Record(res.ID)
	assert.Equal(t, "Updated", rec.Body)
	assert.Equal(t, domain.StatusScheduled, rec.Status)
}

func TestUpdate_DuringRetryingDeliveryUsesUpdatedRecord(t *testing.T) {
	logger, hook := testutil.Logger()
	store := testutil.NewStore()
	backend := memq.New()
	clock := testutil.NewFakeClock(now)
	target := time.Date(2030, 1, 1, 10, 0, 0, 0, time.UTC)
	ctx := testutil.TestContext(t)

	deliverer := &recordingDeliverer{}
	immediate := dispatcher.NewImmediateDispatcher(store, deliverer, logger).WithClock(clock.Now)
	queued := dispatcher.NewQueuedDispatcher(queue.New(backend).WithClock(clock.Now), immediate, logger).WithClock(clock.Now)
	svc := notify.NewService(store, queued, logger).WithClock(clock.Now)
	consumer := dispatcher.NewConsumer(store, deliverer, logger).WithClock(clock.Now)
	worker := queue.NewWorker(backend, consumer, queue.WorkerConfig{Concurrency: 1}, logger).WithClock(clock.Now)

	req := emailRequest()
	req.Body = "OLD"
	res, err := svc.Schedule(ctx, "user-1", req)
	require.NoError(t, err)

	deliverer.during = func(call int) error {
		if call != 1 {
			return nil
		}
		to, body := "b@example.com", "NEW"
		_, err := svc.Update(ctx, "user-1", res.ID, notify.UpdateRequest{To: &to, Body: &body})
		assert.NoError(t, err)
		return delivery.Temporary(domain.ChannelEmail, errors.New("smtp 421"))
	}

	clock.Set(target)
	_, err = worker.RunOnce(ctx)
	require.NoError(t, err)
	clock.Set(target.Add(10 * time.Second))
	_, err = worker.RunOnce(ctx)
	require.NoError(t, err)

	require.Len(t, deliverer.sent, 2)
	assert.Equal(t, "a@example.com", deliverer.sent[0].To)
	assert.Equal(t, "OLD", deliverer.sent[0].Body)
	assert.Equal(t, "b@example.com", deliverer.sent[1].To)
	assert.Equal(t, "NEW", deliverer.sent[1].Body)

	rec, _ := store.Record(res.ID)
	assert.Equal(t, domain.StatusSent, rec.Status)
	assert.Equal(t, "b@example.com", rec.Recipient)

	var warned bool
	for _, e := range hook.AllEntries() {
		if strings.HasPrefix(e.Message, "delivery in progress") {
			warned = true
		}
	}
	assert.True(t, warned, "in-flight update must be logged")
}

// recordingDeliverer records messages. during runs inside each send and its
// error becomes the send result.
type recordingDeliverer struct {
	mu     sync.Mutex
	sent   []delivery.Message
	during func(call int) error
}

func (d *recordingDeliverer) Deliver(_ context.Context, msg delivery.Message, _ *domain.Attachment) error {
	d.mu.Lock()
	d.sent = append(d.sent, msg)
	call := len(d.sent)
	d.mu.Unlock()
	if d.during == nil {
		return nil
	}
	return d.during(call)
}

type deliverFunc func() error

func (f deliverFunc) Deliver(context.Context, delivery.Message, *domain.Attachment) error { return f() }

type downQueue struct{}

func (downQueue) Submit(context.Context, uuid.UUID, queue.Payload, time.Duration, queue.RetryPolicy) error {
	return errors.New("dial tcp 127.0.0.1:6379: connection refused")
}
func (downQueue) Remove(context.Context, uuid.UUID) (bool, error) { return false, errors.New("down") }
func (downQueue) Has(context.Context, uuid.UUID) (bool, error)    { return false, errors.New("down") }

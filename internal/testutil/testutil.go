// Package testutil provides shared test helpers for easynotify.
package testutil

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/djlord-it/easy-notify/internal/domain"
)

// FakeClock provides deterministic time for testing.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
}

// NewFakeClock creates a FakeClock set to the given time.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{current: t}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// Set moves the clock to t.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
}

// TestContext returns a context with a 5-second timeout.
// The context is cancelled when the test completes.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// MustParseUUID parses a UUID string and panics on error.
// Only for use in tests.
func MustParseUUID(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		panic("testutil.MustParseUUID: " + err.Error())
	}
	return id
}

// Logger returns a logger that discards output and records entries in the
// returned hook.
func Logger() (*logrus.Logger, *test.Hook) {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.DebugLevel)
	hook := test.NewLocal(l)
	return l, hook
}

// Notification returns a scheduled email record owned by user-1 due at at.
func Notification(at time.Time) domain.Notification {
	return domain.Notification{
		ID:                uuid.New(),
		UserID:            "user-1",
		Channel:           domain.ChannelEmail,
		Recipient:         "a@example.com",
		Subject:           "Reminder",
		Body:              "Hello",
		ScheduledFor:      at.UTC(),
		OriginalLocalTime: at.UTC().Format("2006-01-02T15:04"),
		Timezone:          "UTC",
		Status:            domain.StatusScheduled,
		CreatedAt:         at.Add(-time.Hour).UTC(),
		UpdatedAt:         at.Add(-time.Hour).UTC(),
	}
}

package cron

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djlord-it/easy-notify/internal/testutil"
)

func TestParser_ValidExpressions(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"every five minutes", "*/5 * * * *"},
		{"hourly at :30", "30 * * * *"},
		{"every descriptor", "@every 5m"},
		{"hourly descriptor", "@hourly"},
		{"daily descriptor", "@daily"},
	}

	p := NewParser()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched, err := p.Parse(tt.expr, "UTC")
			require.NoError(t, err)
			assert.NotNil(t, sched)
		})
	}
}

func TestParser_InvalidExpressions(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"four fields", "* * * *"},
		{"six fields", "* * * * * *"},
		{"invalid minute 60", "60 * * * *"},
		{"bad duration", "@every soon"},
		{"unknown descriptor", "@fortnightly"},
		{"empty", ""},
	}

	p := NewParser()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Parse(tt.expr, "UTC")
			assert.Error(t, err)
		})
	}
}

func TestParser_InvalidTimezone(t *testing.T) {
	_, err := NewParser().Parse("@hourly", "Mars/Olympus")
	assert.Error(t, err)
}

func TestSchedule_Next(t *testing.T) {
	p := NewParser()
	start := time.Date(2030, 1, 1, 10, 2, 0, 0, time.UTC)

	every, err := p.Parse("@every 5m", "UTC")
	require.NoError(t, err)
	assert.Equal(t, start.Add(5*time.Minute), every.Next(start))

	quarter, err := p.Parse("*/15 * * * *", "UTC")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2030, 1, 1, 10, 15, 0, 0, time.UTC), quarter.Next(start).UTC())
}

func TestLogger(t *testing.T) {
	logger, hook := testutil.Logger()
	l := Logger(logger)

	l.Info("schedule", "entry", 1, "next", "soon")
	l.Error(errors.New("boom"), "job panicked", "entry", 2)

	entries := hook.AllEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, 1, entries[0].Data["entry"])
	assert.Equal(t, "job panicked", entries[1].Message)
	assert.EqualError(t, entries[1].Data["error"].(error), "boom")
}

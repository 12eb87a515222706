package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/carebook/internal/bookings"
	"github.com/wolfman30/carebook/internal/notify"
	"github.com/wolfman30/carebook/internal/reminders"
	"github.com/wolfman30/carebook/pkg/logging"
)

type stubScanner struct {
	counts reminders.Counts
	err    error
}

func (s stubScanner) Scan(context.Context) (reminders.Counts, error) {
	return s.counts, s.err
}

type sentLog struct{ sent []notify.Notification }

func (l *sentLog) Send(_ context.Context, n notify.Notification) error {
	l.sent = append(l.sent, n)
	return nil
}

func TestHandlerReturnsCounts(t *testing.T) {
	h := handler(stubScanner{counts: reminders.Counts{Reminders: 2, FollowUps: 1}}, logging.New("error"))
	counts, err := h(context.Background(), events.CloudWatchEvent{ID: "evt-1", Source: "aws.events"})
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Reminders)
	assert.Equal(t, 1, counts.FollowUps)
}

func TestHandlerWrapsScanError(t *testing.T) {
	h := handler(stubScanner{err: errors.New("connection reset")}, logging.New("error"))
	_, err := h(context.Background(), events.CloudWatchEvent{ID: "evt-2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reminder scan")
}

func TestHandlerWithScheduler(t *testing.T) {
	store := bookings.NewMemoryStore()
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	_, _, err := store.Create(context.Background(), bookings.NewBooking{
		ExternalRef: "cal-1",
		Client:      bookings.Client{Name: "Ada", Email: "ada@example.com"},
		ServiceID:   "consult",
		ScheduledAt: now.Add(6 * time.Hour),
		Duration:    time.Hour,
	})
	require.NoError(t, err)

	sent := &sentLog{}
	sched := reminders.NewScheduler(store, sent, logging.New("error")).WithClock(func() time.Time { return now })
	counts, err := handler(sched, logging.New("error"))(context.Background(), events.CloudWatchEvent{})
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Reminders)
	require.Len(t, sent.sent, 1)
	assert.Equal(t, notify.TemplateBookingReminder, sent.sent[0].Template)
}

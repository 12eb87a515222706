package bookings

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDueReminderWindow(t *testing.T) {
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	b := Booking{Status: StatusScheduled}

	cases := []struct {
		offset time.Duration
		want   bool
	}{
		{6 * time.Hour, true},
		{6*time.Hour + 14*time.Minute, true},
		{6*time.Hour + 15*time.Minute, false},
		{6*time.Hour - time.Second, false},
		{2 * time.Hour, false},
	}
	for _, tc := range cases {
		b.ScheduledAt = now.Add(tc.offset)
		assert.Equal(t, tc.want, Due(MilestoneReminder, b, now), "offset %s", tc.offset)
	}

	b.ScheduledAt = now.Add(6 * time.Hour)
	b.ReminderSent = true
	assert.False(t, Due(MilestoneReminder, b, now))
}

func TestDueThankYouAndFollowUp(t *testing.T) {
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

	b := Booking{Status: StatusScheduled, ScheduledAt: now.Add(-time.Hour)}
	assert.True(t, Due(MilestoneThankYou, b, now))
	b.ScheduledAt = now.Add(-59 * time.Minute)
	assert.False(t, Due(MilestoneThankYou, b, now))
	b.Status = StatusCancelled
	b.ScheduledAt = now.Add(-2 * time.Hour)
	assert.False(t, Due(MilestoneThankYou, b, now), "cancelled bookings never get thank-you")

	f := Booking{Status: StatusCompleted, ThankYouSent: true, ScheduledAt: now.Add(-48 * time.Hour)}
	assert.True(t, Due(MilestoneFollowUp, f, now))
	f.ScheduledAt = now.Add(-47 * time.Hour)
	assert.False(t, Due(MilestoneFollowUp, f, now))
	f.ScheduledAt = now.Add(-72 * time.Hour)
	f.ThankYouSent = false
	assert.False(t, Due(MilestoneFollowUp, f, now), "follow-up requires thank-you first")
}

func TestMemoryStoreMilestonesAreConditional(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	b, created, err := store.Create(ctx, NewBooking{ExternalRef: "r1", Client: Client{Email: "a@example.com"}, ScheduledAt: time.Now()})
	require.NoError(t, err)
	require.True(t, created)

	ok, err := store.MarkMilestone(ctx, MilestoneUpdate{ID: b.ID, Milestone: MilestoneFollowUp, At: time.Now()})
	require.NoError(t, err)
	assert.False(t, ok, "follow-up before thank-you must not apply")

	ok, _ = store.MarkMilestone(ctx, MilestoneUpdate{ID: b.ID, Milestone: MilestoneThankYou, At: time.Now()})
	assert.True(t, ok)
	ok, _ = store.MarkMilestone(ctx, MilestoneUpdate{ID: b.ID, Milestone: MilestoneThankYou, At: time.Now()})
	assert.False(t, ok, "second thank-you must not apply")

	got, _ := store.Get(ctx, b.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	ok, _ = store.MarkMilestone(ctx, MilestoneUpdate{ID: b.ID, Milestone: MilestoneReminder, At: time.Now()})
	assert.False(t, ok, "reminder requires a scheduled booking")

	_, err = store.MarkMilestone(ctx, MilestoneUpdate{ID: b.ID, Milestone: "bogus", At: time.Now()})
	assert.Error(t, err)
}

func TestOwnedBy(t *testing.T) {
	b := Booking{Client: Client{Email: "ada@example.com"}}
	assert.True(t, b.OwnedBy(" ADA@example.com"))
	assert.False(t, b.OwnedBy(""))
	assert.False(t, b.OwnedBy("eve@example.com"))
}

package bookings

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	pgx "github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var bookingCols = []string{
	"id", "external_ref", "client_name", "client_email", "client_phone", "client_timezone",
	"service_id", "title", "scheduled_at", "duration_minutes", "status",
	"confirmation_sent", "reminder_sent", "thank_you_sent", "follow_up_sent",
	"cancelled_at", "cancel_reason", "completed_at", "created_at", "updated_at",
}

func bookingRow(id uuid.UUID, ref string, status Status, scheduled time.Time) []any {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	return []any{
		id, ref, "Ada", "ada@example.com", "", "Africa/Lagos",
		"therapy-60", "Therapy", scheduled, 60, string(status),
		true, false, false, false,
		(*time.Time)(nil), "", (*time.Time)(nil), now, now,
	}
}

func TestPostgresStoreCreateIsIdempotent(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewPostgresStore(mock)
	id := uuid.New()
	scheduled := time.Date(2026, 5, 5, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO bookings").
		WithArgs(pgxmock.AnyArg(), "cal-1", "Ada", "ada@example.com", "", "Africa/Lagos", "therapy-60", "Therapy", scheduled, 60, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("FROM bookings WHERE external_ref = \\$1").
		WithArgs("cal-1").
		WillReturnRows(pgxmock.NewRows(bookingCols).AddRow(bookingRow(id, "cal-1", StatusScheduled, scheduled)...))

	b, created, err := store.Create(context.Background(), NewBooking{
		ExternalRef: "cal-1",
		Client:      Client{Name: "Ada", Email: " ADA@example.com", Timezone: "Africa/Lagos"},
		ServiceID:   "therapy-60",
		Title:       "Therapy",
		ScheduledAt: scheduled,
		Duration:    time.Hour,
	})
	require.NoError(t, err)
	assert.False(t, created, "conflict must report existing row")
	assert.Equal(t, id, b.ID)
	assert.Equal(t, time.Hour, b.Duration)
	assert.Nil(t, b.CancelledAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreCancelConditional(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewPostgresStore(mock)
	id := uuid.New()
	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	scheduled := at.Add(24 * time.Hour)

	row := bookingRow(id, "cal-2", StatusCancelled, scheduled)
	row[15] = &at
	row[16] = "sick"
	mock.ExpectQuery("UPDATE bookings SET status = 'CANCELLED'").
		WithArgs(id, at, "sick").
		WillReturnRows(pgxmock.NewRows(bookingCols).AddRow(row...))

	b, err := store.Cancel(context.Background(), CancelUpdate{ID: id, Reason: "sick", At: at})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, b.Status)
	require.NotNil(t, b.CancelledAt)

	mock.ExpectQuery("UPDATE bookings SET status = 'CANCELLED'").
		WithArgs(id, at, "again").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("FROM bookings WHERE id = \\$1").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(bookingCols).AddRow(row...))

	_, err = store.Cancel(context.Background(), CancelUpdate{ID: id, Reason: "again", At: at})
	assert.True(t, errors.Is(err, ErrNotScheduled))

	missing := uuid.New()
	mock.ExpectQuery("UPDATE bookings SET status = 'CANCELLED'").
		WithArgs(missing, at, "").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("FROM bookings WHERE id = \\$1").
		WithArgs(missing).
		WillReturnError(pgx.ErrNoRows)
	_, err = store.Cancel(context.Background(), CancelUpdate{ID: missing, At: at})
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreMarkMilestone(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewPostgresStore(mock)
	id := uuid.New()
	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec("UPDATE bookings SET thank_you_sent = true, status = 'COMPLETED'").
		WithArgs(id, at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	ok, err := store.MarkMilestone(context.Background(), MilestoneUpdate{ID: id, Milestone: MilestoneThankYou, At: at})
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec("UPDATE bookings SET reminder_sent = true").
		WithArgs(id, at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	ok, err = store.MarkMilestone(context.Background(), MilestoneUpdate{ID: id, Milestone: MilestoneReminder, At: at})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.MarkMilestone(context.Background(), MilestoneUpdate{ID: id, Milestone: "nope", At: at})
	assert.Error(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreListDueReminderWindow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewPostgresStore(mock)
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	from := now.Add(6 * time.Hour)
	to := from.Add(15 * time.Minute)

	mock.ExpectQuery("reminder_sent = false").
		WithArgs(from, to, 200).
		WillReturnRows(pgxmock.NewRows(bookingCols).
			AddRow(bookingRow(uuid.New(), "a", StatusScheduled, from)...).
			AddRow(bookingRow(uuid.New(), "b", StatusScheduled, from.Add(5*time.Minute))...))

	due, err := store.ListDue(context.Background(), MilestoneReminder, now, 0)
	require.NoError(t, err)
	assert.Len(t, due, 2)

	mock.ExpectQuery("status = 'COMPLETED' AND thank_you_sent = true").
		WithArgs(now.Add(-48*time.Hour), 10).
		WillReturnRows(pgxmock.NewRows(bookingCols))
	due, err = store.ListDue(context.Background(), MilestoneFollowUp, now, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	_, err = store.ListDue(context.Background(), MilestoneConfirmation, now, 10)
	assert.Error(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}

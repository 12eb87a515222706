package bookings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists bookings in Postgres.
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const bookingColumns = `id, external_ref, client_name, client_email, client_phone, client_timezone,
	service_id, title, scheduled_at, duration_minutes, status,
	confirmation_sent, reminder_sent, thank_you_sent, follow_up_sent,
	cancelled_at, cancel_reason, completed_at, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, nb NewBooking) (*Booking, bool, error) {
	now := time.Now().UTC()
	tag, err := s.db.Exec(ctx, `
		INSERT INTO bookings (id, external_ref, client_name, client_email, client_phone, client_timezone,
			service_id, title, scheduled_at, duration_minutes, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'SCHEDULED', $11, $11)
		ON CONFLICT (external_ref) DO NOTHING`,
		uuid.New(), nb.ExternalRef, nb.Client.Name, normalizeEmail(nb.Client.Email), nb.Client.Phone, nb.Client.Timezone,
		nb.ServiceID, nb.Title, nb.ScheduledAt.UTC(), int(nb.Duration/time.Minute), now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("bookings: create: %w", err)
	}
	b, err := s.GetByExternalRef(ctx, nb.ExternalRef)
	if err != nil {
		return nil, false, err
	}
	return b, tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Booking, error) {
	b, err := scanBooking(s.db.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("bookings: get: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) GetByExternalRef(ctx context.Context, ref string) (*Booking, error) {
	b, err := scanBooking(s.db.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE external_ref = $1`, ref))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("bookings: get by external ref: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) ListByClientEmail(ctx context.Context, email string, limit int) ([]Booking, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `SELECT `+bookingColumns+` FROM bookings
		WHERE client_email = $1
		ORDER BY scheduled_at DESC LIMIT $2`, normalizeEmail(email), limit)
	if err != nil {
		return nil, fmt.Errorf("bookings: list by client: %w", err)
	}
	defer rows.Close()
	return scanBookings(rows)
}

func (s *PostgresStore) Cancel(ctx context.Context, u CancelUpdate) (*Booking, error) {
	b, err := scanBooking(s.db.QueryRow(ctx, `
		UPDATE bookings SET status = 'CANCELLED', cancelled_at = $2, cancel_reason = $3, updated_at = $2
		WHERE id = $1 AND status = 'SCHEDULED'
		RETURNING `+bookingColumns, u.ID, u.At.UTC(), u.Reason))
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("bookings: cancel: %w", err)
	}
	return nil, s.notScheduledOrMissing(ctx, u.ID)
}

func (s *PostgresStore) Reschedule(ctx context.Context, u RescheduleUpdate) (*Booking, error) {
	b, err := scanBooking(s.db.QueryRow(ctx, `
		UPDATE bookings SET scheduled_at = $2, duration_minutes = $3, reminder_sent = false, updated_at = $4
		WHERE id = $1 AND status = 'SCHEDULED' AND thank_you_sent = false
		RETURNING `+bookingColumns, u.ID, u.ScheduledAt.UTC(), int(u.Duration/time.Minute), u.At.UTC()))
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("bookings: reschedule: %w", err)
	}
	return nil, s.notScheduledOrMissing(ctx, u.ID)
}

func (s *PostgresStore) notScheduledOrMissing(ctx context.Context, id uuid.UUID) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrNotScheduled
}

var milestoneUpdates = map[Milestone]string{
	MilestoneConfirmation: `UPDATE bookings SET confirmation_sent = true, updated_at = $2
		WHERE id = $1 AND confirmation_sent = false`,
	MilestoneReminder: `UPDATE bookings SET reminder_sent = true, updated_at = $2
		WHERE id = $1 AND reminder_sent = false AND status = 'SCHEDULED'`,
	MilestoneThankYou: `UPDATE bookings SET thank_you_sent = true, status = 'COMPLETED', completed_at = $2, updated_at = $2
		WHERE id = $1 AND thank_you_sent = false AND status = 'SCHEDULED'`,
	MilestoneFollowUp: `UPDATE bookings SET follow_up_sent = true, updated_at = $2
		WHERE id = $1 AND follow_up_sent = false AND thank_you_sent = true AND status = 'COMPLETED'`,
}

func (s *PostgresStore) MarkMilestone(ctx context.Context, u MilestoneUpdate) (bool, error) {
	query, ok := milestoneUpdates[u.Milestone]
	if !ok {
		return false, fmt.Errorf("bookings: unknown milestone %q", u.Milestone)
	}
	tag, err := s.db.Exec(ctx, query, u.ID, u.At.UTC())
	if err != nil {
		return false, fmt.Errorf("bookings: mark %s: %w", u.Milestone, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListDue(ctx context.Context, m Milestone, now time.Time, limit int) ([]Booking, error) {
	if limit <= 0 {
		limit = 200
	}
	now = now.UTC()
	var (
		rows pgx.Rows
		err  error
	)
	switch m {
	case MilestoneReminder:
		from := now.Add(ReminderLead)
		rows, err = s.db.Query(ctx, `SELECT `+bookingColumns+` FROM bookings
			WHERE status = 'SCHEDULED' AND reminder_sent = false
			AND scheduled_at >= $1 AND scheduled_at < $2
			ORDER BY scheduled_at ASC LIMIT $3`, from, from.Add(ReminderWindow), limit)
	case MilestoneThankYou:
		rows, err = s.db.Query(ctx, `SELECT `+bookingColumns+` FROM bookings
			WHERE status = 'SCHEDULED' AND thank_you_sent = false
			AND scheduled_at <= $1
			ORDER BY scheduled_at ASC LIMIT $2`, now.Add(-ThankYouDelay), limit)
	case MilestoneFollowUp:
		rows, err = s.db.Query(ctx, `SELECT `+bookingColumns+` FROM bookings
			WHERE status = 'COMPLETED' AND thank_you_sent = true AND follow_up_sent = false
			AND scheduled_at <= $1
			ORDER BY scheduled_at ASC LIMIT $2`, now.Add(-FollowUpDelay), limit)
	default:
		return nil, fmt.Errorf("bookings: no schedule for milestone %q", m)
	}
	if err != nil {
		return nil, fmt.Errorf("bookings: list due %s: %w", m, err)
	}
	defer rows.Close()
	return scanBookings(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (*Booking, error) {
	var (
		b       Booking
		status  string
		minutes int
	)
	err := row.Scan(
		&b.ID, &b.ExternalRef, &b.Client.Name, &b.Client.Email, &b.Client.Phone, &b.Client.Timezone,
		&b.ServiceID, &b.Title, &b.ScheduledAt, &minutes, &status,
		&b.ConfirmationSent, &b.ReminderSent, &b.ThankYouSent, &b.FollowUpSent,
		&b.CancelledAt, &b.CancelReason, &b.CompletedAt, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	b.Status = Status(status)
	b.Duration = time.Duration(minutes) * time.Minute
	return &b, nil
}

func scanBookings(rows pgx.Rows) ([]Booking, error) {
	var result []Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("bookings: scan: %w", err)
		}
		result = append(result, *b)
	}
	return result, rows.Err()
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

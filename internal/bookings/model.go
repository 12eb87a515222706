package bookings

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/wolfman30/carebook/internal/apperr"
)

// Status is the lifecycle state of a booking. SCHEDULED is the only
// non-terminal state.
type Status string

const (
	StatusScheduled Status = "SCHEDULED"
	StatusCancelled Status = "CANCELLED"
	StatusCompleted Status = "COMPLETED"
)

// Milestone names a once-per-booking notification flag.
type Milestone string

const (
	MilestoneConfirmation Milestone = "confirmation"
	MilestoneReminder     Milestone = "reminder"
	MilestoneThankYou     Milestone = "thank_you"
	MilestoneFollowUp     Milestone = "follow_up"
)

// Scheduler windows relative to scheduledAt.
const (
	ReminderLead   = 6 * time.Hour
	ReminderWindow = 15 * time.Minute
	ThankYouDelay  = time.Hour
	FollowUpDelay  = 48 * time.Hour
)

var (
	ErrNotFound     = apperr.NotFound("booking not found")
	ErrNotScheduled = apperr.Conflict(apperr.CodeInvalidTransition, "booking is no longer scheduled")
)

// Client is the person the booking is for.
type Client struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Phone    string `json:"phone,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

type Booking struct {
	ID               uuid.UUID     `json:"id"`
	ExternalRef      string        `json:"externalRef"`
	Client           Client        `json:"client"`
	ServiceID        string        `json:"serviceId"`
	Title            string        `json:"title"`
	ScheduledAt      time.Time     `json:"scheduledAt"`
	Duration         time.Duration `json:"-"`
	Status           Status        `json:"status"`
	ConfirmationSent bool          `json:"confirmationSent"`
	ReminderSent     bool          `json:"reminderSent"`
	ThankYouSent     bool          `json:"thankYouSent"`
	FollowUpSent     bool          `json:"followUpSent"`
	CancelledAt      *time.Time    `json:"cancelledAt,omitempty"`
	CancelReason     string        `json:"cancelReason,omitempty"`
	CompletedAt      *time.Time    `json:"completedAt,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// DurationMinutes is exposed in JSON instead of the raw duration.
func (b Booking) DurationMinutes() int {
	return int(b.Duration / time.Minute)
}

// OwnedBy reports whether email identifies the booking's client.
func (b Booking) OwnedBy(email string) bool {
	return email != "" && normalizeEmail(b.Client.Email) == normalizeEmail(email)
}

// NewBooking is the input to Store.Create.
type NewBooking struct {
	ExternalRef string
	Client      Client
	ServiceID   string
	Title       string
	ScheduledAt time.Time
	Duration    time.Duration
}

// CancelUpdate moves a SCHEDULED booking to CANCELLED.
type CancelUpdate struct {
	ID     uuid.UUID
	Reason string
	At     time.Time
}

// RescheduleUpdate moves a SCHEDULED booking that has not reached its
// thank-you milestone to a new time and re-arms the reminder.
type RescheduleUpdate struct {
	ID          uuid.UUID
	ScheduledAt time.Time
	Duration    time.Duration
	At          time.Time
}

// MilestoneUpdate sets one milestone flag if it is still unset and the
// milestone's preconditions hold. The thank-you milestone also completes the booking.
type MilestoneUpdate struct {
	ID        uuid.UUID
	Milestone Milestone
	At        time.Time
}

// Store is the persistence boundary for bookings. Status changes are
// conditional updates; rows are never deleted.
type Store interface {
	// Create inserts a booking unless one with the same external ref exists.
	// The bool reports whether a row was inserted.
	Create(ctx context.Context, nb NewBooking) (*Booking, bool, error)
	Get(ctx context.Context, id uuid.UUID) (*Booking, error)
	GetByExternalRef(ctx context.Context, ref string) (*Booking, error)
	ListByClientEmail(ctx context.Context, email string, limit int) ([]Booking, error)
	Cancel(ctx context.Context, u CancelUpdate) (*Booking, error)
	Reschedule(ctx context.Context, u RescheduleUpdate) (*Booking, error)
	MarkMilestone(ctx context.Context, u MilestoneUpdate) (bool, error)
	ListDue(ctx context.Context, m Milestone, now time.Time, limit int) ([]Booking, error)
}

// Due reports whether b is eligible for milestone m at now. It mirrors the
// SQL used by PostgresStore.ListDue.
func Due(m Milestone, b Booking, now time.Time) bool {
	switch m {
	case MilestoneReminder:
		from := now.Add(ReminderLead)
		to := from.Add(ReminderWindow)
		return b.Status == StatusScheduled && !b.ReminderSent &&
			!b.ScheduledAt.Before(from) && b.ScheduledAt.Before(to)
	case MilestoneThankYou:
		return b.Status == StatusScheduled && !b.ThankYouSent &&
			!b.ScheduledAt.After(now.Add(-ThankYouDelay))
	case MilestoneFollowUp:
		return b.Status == StatusCompleted && b.ThankYouSent && !b.FollowUpSent &&
			!b.ScheduledAt.After(now.Add(-FollowUpDelay))
	default:
		return false
	}
}

// canMark reports whether the conditional milestone update would apply.
func canMark(m Milestone, b Booking) bool {
	switch m {
	case MilestoneConfirmation:
		return !b.ConfirmationSent
	case MilestoneReminder:
		return !b.ReminderSent && b.Status == StatusScheduled
	case MilestoneThankYou:
		return !b.ThankYouSent && b.Status == StatusScheduled
	case MilestoneFollowUp:
		return !b.FollowUpSent && b.ThankYouSent && b.Status == StatusCompleted
	default:
		return false
	}
}

// Package reminders runs the periodic booking milestone scan: the pre-session
// reminder, the thank-you that completes a booking and the later follow-up.
package reminders

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfman30/carebook/internal/bookings"
	"github.com/wolfman30/carebook/internal/notify"
	"github.com/wolfman30/carebook/internal/observability/metrics"
	"github.com/wolfman30/carebook/pkg/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var remindersTracer = otel.Tracer("carebook.internal.reminders")

const defaultBatchSize = 200

// Store is the part of the booking store the scan needs.
type Store interface {
	ListDue(ctx context.Context, m bookings.Milestone, now time.Time, limit int) ([]bookings.Booking, error)
	MarkMilestone(ctx context.Context, u bookings.MilestoneUpdate) (bool, error)
}

// Lease keeps two scans from running at once. Acquire returns ok=false when
// another scan holds the lease.
type Lease interface {
	Acquire(ctx context.Context) (release func(), ok bool, err error)
}

// Counts reports how many bookings reached each milestone in one scan.
type Counts struct {
	Reminders int  `json:"reminders"`
	ThankYous int  `json:"thankYous"`
	FollowUps int  `json:"followUps"`
	Skipped   bool `json:"skipped,omitempty"`
}

type step struct {
	milestone bookings.Milestone
	template  string
	// requireSend leaves the flag unset when delivery fails so the next
	// scan retries it.
	requireSend bool
}

// Order matters: a booking completed by the thank-you step can be picked up
// by the follow-up step in the same run.
var steps = []step{
	{milestone: bookings.MilestoneReminder, template: notify.TemplateBookingReminder, requireSend: true},
	{milestone: bookings.MilestoneThankYou, template: notify.TemplateThankYou},
	{milestone: bookings.MilestoneFollowUp, template: notify.TemplateFollowUp, requireSend: true},
}

// Scheduler scans bookings for due milestones and notifies clients.
type Scheduler struct {
	store     Store
	notifier  notify.Port
	lease     Lease
	metrics   *metrics.BillingMetrics
	batchSize int
	now       func() time.Time
	logger    *logging.Logger
}

func NewScheduler(store Store, notifier notify.Port, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Scheduler{
		store:     store,
		notifier:  notifier,
		batchSize: defaultBatchSize,
		now:       time.Now,
		logger:    logger,
	}
}

func (s *Scheduler) WithLease(l Lease) *Scheduler {
	s.lease = l
	return s
}

func (s *Scheduler) WithMetrics(m *metrics.BillingMetrics) *Scheduler {
	s.metrics = m
	return s
}

func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Scheduler) WithBatchSize(n int) *Scheduler {
	if n > 0 {
		s.batchSize = n
	}
	return s
}

// Scan runs every milestone step once. Running it twice in a row sends
// nothing new because each flag is set with a conditional update.
func (s *Scheduler) Scan(ctx context.Context) (Counts, error) {
	ctx, span := remindersTracer.Start(ctx, "reminders.scan")
	defer span.End()
	log := s.logger.FromContext(ctx)

	if s.lease != nil {
		release, ok, err := s.lease.Acquire(ctx)
		if err != nil {
			return Counts{}, fmt.Errorf("reminders: acquire lease: %w", err)
		}
		if !ok {
			log.Info("reminder scan skipped, another scan holds the lease")
			span.SetAttributes(attribute.Bool("carebook.reminders.skipped", true))
			return Counts{Skipped: true}, nil
		}
		defer release()
	}

	now := s.now().UTC()
	var counts Counts
	for _, st := range steps {
		n, err := s.run(ctx, st, now)
		switch st.milestone {
		case bookings.MilestoneReminder:
			counts.Reminders = n
		case bookings.MilestoneThankYou:
			counts.ThankYous = n
		case bookings.MilestoneFollowUp:
			counts.FollowUps = n
		}
		if err != nil {
			span.RecordError(err)
			return counts, fmt.Errorf("reminders: %s: %w", st.milestone, err)
		}
	}

	span.SetAttributes(
		attribute.Int("carebook.reminders.reminders", counts.Reminders),
		attribute.Int("carebook.reminders.thank_yous", counts.ThankYous),
		attribute.Int("carebook.reminders.follow_ups", counts.FollowUps),
	)
	if counts.Reminders+counts.ThankYous+counts.FollowUps > 0 {
		log.Info("reminder scan finished",
			"reminders", counts.Reminders,
			"thank_yous", counts.ThankYous,
			"follow_ups", counts.FollowUps,
		)
	}
	return counts, nil
}

// run processes one milestone and returns how many bookings had their flag set.
func (s *Scheduler) run(ctx context.Context, st step, now time.Time) (int, error) {
	log := s.logger.FromContext(ctx)
	due, err := s.store.ListDue(ctx, st.milestone, now, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list due: %w", err)
	}

	done := 0
	for i := range due {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		b := due[i]
		sent := notify.Dispatch(ctx, s.notifier, s.logger, bookings.NotificationFor(b, st.template))
		if !sent && st.requireSend {
			s.metrics.ObserveReminder(string(st.milestone), "failed")
			continue
		}

		marked, err := s.store.MarkMilestone(ctx, bookings.MilestoneUpdate{ID: b.ID, Milestone: st.milestone, At: now})
		if err != nil {
			log.Error("failed to flag milestone after send", "booking_id", b.ID, "milestone", st.milestone, "error", err)
			s.metrics.ObserveReminder(string(st.milestone), "flag_failed")
			continue
		}
		if !marked {
			s.metrics.ObserveReminder(string(st.milestone), "raced")
			continue
		}
		done++
		status := "sent"
		if !sent {
			status = "failed"
		}
		s.metrics.ObserveReminder(string(st.milestone), status)
	}
	return done, nil
}

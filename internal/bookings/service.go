package bookings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wolfman30/carebook/internal/apperr"
	"github.com/wolfman30/carebook/internal/notify"
	"github.com/wolfman30/carebook/pkg/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var bookingsTracer = otel.Tracer("carebook.internal.bookings")

// Service owns booking ingestion, cancellation and rescheduling.
type Service struct {
	store    Store
	notifier notify.Port
	logger   *logging.Logger
	now      func() time.Time
}

func NewService(store Store, notifier notify.Port, logger *logging.Logger) *Service {
	if store == nil {
		panic("bookings: store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		store:    store,
		notifier: notifier,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// Ingest records a booking created by the scheduling provider. Redelivery of
// the same external ref returns the stored booking. The confirmation email is
// sent while the confirmation flag is unset, so a crash between insert and
// send is repaired by the provider's retry.
func (s *Service) Ingest(ctx context.Context, nb NewBooking) (*Booking, error) {
	ctx, span := bookingsTracer.Start(ctx, "bookings.ingest")
	defer span.End()
	span.SetAttributes(attribute.String("carebook.external_ref", nb.ExternalRef))

	if err := validateNew(nb); err != nil {
		return nil, err
	}
	b, created, err := s.store.Create(ctx, nb)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	log := s.logger.FromContext(ctx)
	if created {
		log.Info("booking ingested", "booking_id", b.ID, "external_ref", b.ExternalRef, "scheduled_at", b.ScheduledAt)
	} else {
		log.Info("booking already ingested", "booking_id", b.ID, "external_ref", b.ExternalRef)
	}

	if !b.ConfirmationSent && b.Status == StatusScheduled {
		if notify.Dispatch(ctx, s.notifier, s.logger, NotificationFor(*b, notify.TemplateBookingConfirmation)) {
			if _, err := s.store.MarkMilestone(ctx, MilestoneUpdate{ID: b.ID, Milestone: MilestoneConfirmation, At: s.now()}); err != nil {
				log.Error("failed to flag confirmation sent", "booking_id", b.ID, "error", err)
			} else {
				b.ConfirmationSent = true
			}
		}
	}
	return b, nil
}

// Cancel moves a scheduled booking to CANCELLED and notifies the client.
// Cancelling an already cancelled booking is a no-op; completed bookings
// are rejected.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string) (*Booking, error) {
	ctx, span := bookingsTracer.Start(ctx, "bookings.cancel")
	defer span.End()
	span.SetAttributes(attribute.String("carebook.booking_id", id.String()))

	b, err := s.store.Cancel(ctx, CancelUpdate{ID: id, Reason: strings.TrimSpace(reason), At: s.now()})
	if err != nil {
		if errors.Is(err, ErrNotScheduled) {
			current, getErr := s.store.Get(ctx, id)
			if getErr != nil {
				return nil, getErr
			}
			if current.Status == StatusCancelled {
				return current, nil
			}
		}
		span.RecordError(err)
		return nil, err
	}

	s.logger.FromContext(ctx).Info("booking cancelled", "booking_id", b.ID, "reason", b.CancelReason)
	n := NotificationFor(*b, notify.TemplateBookingCancelled)
	n.Data["Reason"] = b.CancelReason
	notify.Dispatch(ctx, s.notifier, s.logger, n)
	return b, nil
}

// CancelByExternalRef cancels using the scheduling provider's id.
func (s *Service) CancelByExternalRef(ctx context.Context, ref, reason string) (*Booking, error) {
	b, err := s.store.GetByExternalRef(ctx, ref)
	if err != nil {
		return nil, err
	}
	return s.Cancel(ctx, b.ID, reason)
}

// RescheduleByExternalRef moves a booking to a new time and re-arms its reminder.
func (s *Service) RescheduleByExternalRef(ctx context.Context, ref string, start time.Time, duration time.Duration) (*Booking, error) {
	b, err := s.store.GetByExternalRef(ctx, ref)
	if err != nil {
		return nil, err
	}
	if start.IsZero() {
		return nil, apperr.Validation("", "new start time required")
	}
	if duration <= 0 {
		duration = b.Duration
	}
	updated, err := s.store.Reschedule(ctx, RescheduleUpdate{ID: b.ID, ScheduledAt: start, Duration: duration, At: s.now()})
	if err != nil {
		return nil, err
	}
	s.logger.FromContext(ctx).Info("booking rescheduled", "booking_id", b.ID, "from", b.ScheduledAt, "to", updated.ScheduledAt)
	return updated, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Booking, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) GetByExternalRef(ctx context.Context, ref string) (*Booking, error) {
	return s.store.GetByExternalRef(ctx, ref)
}

func (s *Service) ListForClient(ctx context.Context, email string) ([]Booking, error) {
	if strings.TrimSpace(email) == "" {
		return nil, apperr.Validation("", "client email required")
	}
	return s.store.ListByClientEmail(ctx, email, 50)
}

// NotificationFor builds the notification for template with the booking's
// common fields filled in.
func NotificationFor(b Booking, template string) notify.Notification {
	name := b.Client.Name
	if name == "" {
		name = "there"
	}
	service := b.Title
	if service == "" {
		service = "appointment"
	}
	return notify.Notification{
		To:       b.Client.Email,
		ToName:   b.Client.Name,
		Template: template,
		Data: map[string]any{
			"ClientName":  name,
			"Service":     service,
			"ScheduledAt": notify.FormatTime(b.ScheduledAt, b.Client.Timezone),
		},
	}
}

func validateNew(nb NewBooking) error {
	var missing []string
	if strings.TrimSpace(nb.ExternalRef) == "" {
		missing = append(missing, "externalRef")
	}
	if strings.TrimSpace(nb.Client.Email) == "" {
		missing = append(missing, "client email")
	}
	if nb.ScheduledAt.IsZero() {
		missing = append(missing, "scheduledAt")
	}
	if len(missing) > 0 {
		return apperr.Validation("", fmt.Sprintf("missing %s", strings.Join(missing, ", ")))
	}
	return nil
}
